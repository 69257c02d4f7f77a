package solana

import (
	"errors"
	"strings"

	"github.com/mr-tron/base58"
)

// Pubkey is a 32-byte ed25519 public key / account address.
type Pubkey [32]byte

var ErrInvalidPubkey = errors.New("invalid pubkey")

func ParsePubkey(s string) (Pubkey, error) {
	var out Pubkey
	s = strings.TrimSpace(s)
	if s == "" {
		return out, ErrInvalidPubkey
	}
	b, err := base58.Decode(s)
	if err != nil || len(b) != 32 {
		return out, ErrInvalidPubkey
	}
	copy(out[:], b)
	return out, nil
}

func MustPubkey(s string) Pubkey {
	pk, err := ParsePubkey(s)
	if err != nil {
		panic("solana: bad pubkey literal: " + s)
	}
	return pk
}

func (k Pubkey) Base58() string {
	return base58.Encode(k[:])
}

func (k Pubkey) String() string {
	return k.Base58()
}

func (k Pubkey) IsZero() bool {
	return k == Pubkey{}
}

// MarshalText renders the key as base58 so Pubkey fields serialize cleanly
// in the YAML manifest and the JSON deployment ledger.
func (k Pubkey) MarshalText() ([]byte, error) {
	return []byte(k.Base58()), nil
}

func (k *Pubkey) UnmarshalText(text []byte) error {
	pk, err := ParsePubkey(string(text))
	if err != nil {
		return err
	}
	*k = pk
	return nil
}
