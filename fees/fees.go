// Package fees estimates what a deployment will cost the deployer before
// any transaction is submitted: rent for the accounts being created plus
// base fees for every signature across the chunked upload.
package fees

import (
	"context"
	"errors"
	"fmt"
	"math/bits"

	"github.com/Abdullah1738/shipwright/solana"
)

var (
	ErrOverflow          = errors.New("overflow")
	ErrInsufficientFunds = errors.New("insufficient deployer funds")
)

// DefaultLamportsPerSignature is the flat base fee per signature. The
// network has kept this constant since genesis; priority fees are not
// needed for deploy traffic.
const DefaultLamportsPerSignature = 5_000

// RentClient is the slice of the RPC surface the estimator needs.
type RentClient interface {
	MinimumBalanceForRentExemption(ctx context.Context, size uint64) (uint64, error)
}

// Estimate is a conservative upper bound on the lamports an operation
// will take from the deployer.
type Estimate struct {
	BufferRent      uint64 `json:"buffer_rent"`
	ProgramRent     uint64 `json:"program_rent"`
	ProgramDataRent uint64 `json:"program_data_rent"`
	Signatures      uint64 `json:"signatures"`
	BaseFeeLamports uint64 `json:"base_fee_lamports"`
	TotalLamports   uint64 `json:"total_lamports"`
}

func BaseFeeLamports(lamportsPerSignature, signatures uint64) (uint64, error) {
	hi, lo := bits.Mul64(lamportsPerSignature, signatures)
	if hi != 0 {
		return 0, ErrOverflow
	}
	return lo, nil
}

func addChecked(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, ErrOverflow
	}
	return sum, nil
}

// FirstDeploy estimates a first-time deployment: buffer rent (recovered
// at finalize, but fronted by the deployer), program and program-data
// rent, and fees for buffer setup, every chunk write, the deploy and the
// authority handoff.
func FirstDeploy(ctx context.Context, c RentClient, artifactLen int, maxDataLen uint64, chunks int) (Estimate, error) {
	var est Estimate
	var err error

	if est.BufferRent, err = c.MinimumBalanceForRentExemption(ctx, solana.BufferAccountLen(artifactLen)); err != nil {
		return Estimate{}, fmt.Errorf("buffer rent: %w", err)
	}
	if est.ProgramRent, err = c.MinimumBalanceForRentExemption(ctx, solana.ProgramAccountLen); err != nil {
		return Estimate{}, fmt.Errorf("program rent: %w", err)
	}
	if est.ProgramDataRent, err = c.MinimumBalanceForRentExemption(ctx, solana.ProgramDataAccountLen(maxDataLen)); err != nil {
		return Estimate{}, fmt.Errorf("program data rent: %w", err)
	}

	// 2 sigs buffer setup, 1 per chunk, 3 on deploy (payer, program,
	// authority), 1 on handoff.
	est.Signatures = uint64(2 + chunks + 3 + 1)
	if est.BaseFeeLamports, err = BaseFeeLamports(DefaultLamportsPerSignature, est.Signatures); err != nil {
		return Estimate{}, err
	}

	total := est.BufferRent
	for _, v := range []uint64{est.ProgramRent, est.ProgramDataRent, est.BaseFeeLamports} {
		if total, err = addChecked(total, v); err != nil {
			return Estimate{}, err
		}
	}
	est.TotalLamports = total
	return est, nil
}

// Upgrade estimates an upgrade: buffer rent plus fees for buffer setup,
// chunk writes, the buffer authority transfer and the upgrade itself.
func Upgrade(ctx context.Context, c RentClient, artifactLen int, chunks int) (Estimate, error) {
	var est Estimate
	var err error

	if est.BufferRent, err = c.MinimumBalanceForRentExemption(ctx, solana.BufferAccountLen(artifactLen)); err != nil {
		return Estimate{}, fmt.Errorf("buffer rent: %w", err)
	}

	// 2 sigs buffer setup, 1 per chunk, 1 buffer authority transfer,
	// 2 on upgrade (payer + authority).
	est.Signatures = uint64(2 + chunks + 1 + 2)
	if est.BaseFeeLamports, err = BaseFeeLamports(DefaultLamportsPerSignature, est.Signatures); err != nil {
		return Estimate{}, err
	}

	if est.TotalLamports, err = addChecked(est.BufferRent, est.BaseFeeLamports); err != nil {
		return Estimate{}, err
	}
	return est, nil
}

// CheckBalance returns ErrInsufficientFunds when balance cannot cover the
// estimate.
func (e Estimate) CheckBalance(balance uint64) error {
	if balance < e.TotalLamports {
		return fmt.Errorf("%w: have %d lamports, need %d", ErrInsufficientFunds, balance, e.TotalLamports)
	}
	return nil
}

func (e Estimate) String() string {
	return fmt.Sprintf("total=%d lamports (rent buffer=%d program=%d programdata=%d, fees=%d across %d signatures)",
		e.TotalLamports,
		e.BufferRent,
		e.ProgramRent,
		e.ProgramDataRent,
		e.BaseFeeLamports,
		e.Signatures,
	)
}
