package deploy

import (
	"context"
	"errors"
	"fmt"

	"github.com/Abdullah1738/shipwright/ledger"
	"github.com/Abdullah1738/shipwright/solana"
	"github.com/Abdullah1738/shipwright/solanarpc"
)

// Status is the recorded deployment for a (program, network) pair
// cross-checked against the chain.
type Status struct {
	Record           ledger.Record
	ProgramData      solana.Pubkey
	Live             bool
	Slot             uint64
	OnChainAuthority *solana.Pubkey
	AuthorityInSync  bool
}

// Status reads the ledger record for the configured pair and compares it
// with on-chain state. A program missing on-chain is reported, not an
// error; a missing ledger record is ErrNotDeployed.
func (o *Orchestrator) Status(ctx context.Context) (*Status, error) {
	program := o.cfg.Binding.Program
	network := o.cfg.Network.Name

	rec, err := o.ledger.Find(program, network)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s on %s", ErrNotDeployed, program, network)
		}
		return nil, err
	}

	st := &Status{Record: rec}
	if st.ProgramData, err = solana.ProgramDataAddress(rec.Address); err != nil {
		return nil, err
	}

	info, err := o.client.AccountInfo(ctx, st.ProgramData)
	if errors.Is(err, solanarpc.ErrAccountNotFound) {
		return st, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read program data account %s: %w", st.ProgramData, err)
	}
	state, err := solana.ParseProgramDataAccount(info.Data)
	if err != nil {
		return nil, err
	}

	st.Live = true
	st.Slot = state.Slot
	st.OnChainAuthority = state.UpgradeAuthority
	st.AuthorityInSync = state.UpgradeAuthority != nil && *state.UpgradeAuthority == rec.Authority
	return st, nil
}
