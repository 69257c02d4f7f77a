package solana

import (
	"errors"
	"fmt"
	"sort"
)

var ErrMissingSigner = errors.New("missing signer for required signature")

type AccountMeta struct {
	Pubkey     Pubkey
	IsSigner   bool
	IsWritable bool
}

type Instruction struct {
	ProgramID Pubkey
	Accounts  []AccountMeta
	Data      []byte
}

type messageHeader struct {
	NumRequiredSignatures       uint8
	NumReadonlySignedAccounts   uint8
	NumReadonlyUnsignedAccounts uint8
}

// NewSignedTransaction compiles instructions into a legacy message and
// signs it with the given keypairs. Every account the message marks as a
// required signer must be covered by exactly one keypair in signers.
func NewSignedTransaction(
	recentBlockhash [32]byte,
	feePayer Pubkey,
	instructions []Instruction,
	signers ...*Keypair,
) ([]byte, error) {
	msg, accountKeys, header, err := compileMessage(recentBlockhash, feePayer, instructions)
	if err != nil {
		return nil, err
	}

	byPubkey := make(map[Pubkey]*Keypair, len(signers))
	for _, kp := range signers {
		if kp == nil {
			return nil, errors.New("nil signer")
		}
		byPubkey[kp.Pubkey()] = kp
	}

	sigCount := int(header.NumRequiredSignatures)
	sigs := make([]byte, 0, sigCount*64)
	for i := 0; i < sigCount; i++ {
		kp, ok := byPubkey[accountKeys[i]]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingSigner, accountKeys[i])
		}
		sigs = append(sigs, kp.Sign(msg)...)
	}

	out := make([]byte, 0, len(msg)+1+len(sigs))
	out = append(out, encodeShortVecLen(sigCount)...)
	out = append(out, sigs...)
	out = append(out, msg...)
	return out, nil
}

type accountEntry struct {
	pubkey    Pubkey
	signer    bool
	writable  bool
	firstSeen int
}

func compileMessage(
	recentBlockhash [32]byte,
	feePayer Pubkey,
	instructions []Instruction,
) ([]byte, []Pubkey, messageHeader, error) {
	entries := make(map[Pubkey]*accountEntry, 16)
	seen := 0

	touch := func(pk Pubkey, signer, writable bool) {
		if e, ok := entries[pk]; ok {
			e.signer = e.signer || signer
			e.writable = e.writable || writable
			return
		}
		entries[pk] = &accountEntry{pubkey: pk, signer: signer, writable: writable, firstSeen: seen}
		seen++
	}

	// Fee payer is always the first writable signer.
	touch(feePayer, true, true)

	for _, ix := range instructions {
		touch(ix.ProgramID, false, false)
		for _, am := range ix.Accounts {
			touch(am.Pubkey, am.IsSigner, am.IsWritable)
		}
	}

	all := make([]*accountEntry, 0, len(entries))
	for _, e := range entries {
		all = append(all, e)
	}

	// Order: writable signers, readonly signers, writable non-signers,
	// readonly non-signers; first-touch order within each class.
	class := func(e *accountEntry) int {
		switch {
		case e.signer && e.writable:
			return 0
		case e.signer:
			return 1
		case e.writable:
			return 2
		default:
			return 3
		}
	}
	sort.SliceStable(all, func(i, j int) bool {
		ci, cj := class(all[i]), class(all[j])
		if ci != cj {
			return ci < cj
		}
		return all[i].firstSeen < all[j].firstSeen
	})

	var h messageHeader
	accountKeys := make([]Pubkey, 0, len(all))
	for _, e := range all {
		accountKeys = append(accountKeys, e.pubkey)
		if e.signer {
			h.NumRequiredSignatures++
			if !e.writable {
				h.NumReadonlySignedAccounts++
			}
		} else if !e.writable {
			h.NumReadonlyUnsignedAccounts++
		}
	}

	indexOf := make(map[Pubkey]uint8, len(accountKeys))
	for i, pk := range accountKeys {
		if i > 255 {
			return nil, nil, h, errors.New("too many accounts in transaction")
		}
		indexOf[pk] = uint8(i)
	}

	out := make([]byte, 0, 512)
	out = append(out, h.NumRequiredSignatures, h.NumReadonlySignedAccounts, h.NumReadonlyUnsignedAccounts)
	out = append(out, encodeShortVecLen(len(accountKeys))...)
	for _, pk := range accountKeys {
		out = append(out, pk[:]...)
	}
	out = append(out, recentBlockhash[:]...)

	out = append(out, encodeShortVecLen(len(instructions))...)
	for _, ix := range instructions {
		out = append(out, indexOf[ix.ProgramID])
		out = append(out, encodeShortVecLen(len(ix.Accounts))...)
		for _, am := range ix.Accounts {
			out = append(out, indexOf[am.Pubkey])
		}
		out = append(out, encodeShortVecLen(len(ix.Data))...)
		out = append(out, ix.Data...)
	}

	return out, accountKeys, h, nil
}
