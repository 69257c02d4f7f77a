// Package keyvault loads the deployer and upgrade-authority keypairs for
// a network and hands them out behind role-tagged types. The two roles may
// point at the same key material, but the type system keeps callers from
// passing one where the other is meant.
package keyvault

import (
	"errors"
	"fmt"

	"github.com/Abdullah1738/shipwright/manifest"
	"github.com/Abdullah1738/shipwright/solana"
)

var (
	ErrUnreadable    = errors.New("keypair unreadable")
	ErrInvalidFormat = errors.New("keypair invalid format")
)

// Deployer is the key that pays for and submits transactions.
type Deployer struct {
	kp *solana.Keypair
}

func (d Deployer) Pubkey() solana.Pubkey    { return d.kp.Pubkey() }
func (d Deployer) Keypair() *solana.Keypair { return d.kp }
func (d Deployer) String() string           { return d.kp.Pubkey().Base58() }

// Authority is the key that alone may authorize program upgrades.
type Authority struct {
	kp *solana.Keypair
}

func (a Authority) Pubkey() solana.Pubkey    { return a.kp.Pubkey() }
func (a Authority) Keypair() *solana.Keypair { return a.kp }
func (a Authority) String() string           { return a.kp.Pubkey().Base58() }

// Vault holds both role keys for one network.
type Vault struct {
	deployer  *solana.Keypair
	authority *solana.Keypair
}

// Load reads the deployer and authority keypairs referenced by a resolved
// network configuration.
func Load(nc manifest.NetworkConfig) (*Vault, error) {
	deployer, err := loadKey(nc.Deployer, "deployer")
	if err != nil {
		return nil, err
	}
	authority, err := loadKey(nc.Authority, "authority")
	if err != nil {
		return nil, err
	}
	return &Vault{deployer: deployer, authority: authority}, nil
}

func loadKey(path, role string) (*solana.Keypair, error) {
	kp, err := solana.ReadKeypairFile(path)
	if err != nil {
		if errors.Is(err, solana.ErrInvalidKeypairFile) {
			return nil, fmt.Errorf("%w: %s key at %s", ErrInvalidFormat, role, path)
		}
		return nil, fmt.Errorf("%w: %s key at %s: %v", ErrUnreadable, role, path, err)
	}
	return kp, nil
}

func (v *Vault) Deployer() Deployer {
	return Deployer{kp: v.deployer}
}

func (v *Vault) Authority() Authority {
	return Authority{kp: v.authority}
}

// SameKey reports whether deployer and authority share key material.
// Useful for warnings; the roles stay distinct regardless.
func (v *Vault) SameKey() bool {
	return v.deployer.Pubkey() == v.authority.Pubkey()
}
