package solana

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

var ErrInvalidKeypairFile = errors.New("invalid keypair file")

// Keypair wraps an ed25519 private key together with its derived public
// key. The private key is never exposed through String or any marshaller.
type Keypair struct {
	priv ed25519.PrivateKey
	pub  Pubkey
}

func NewKeypair() (*Keypair, error) {
	pk, sk, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	if len(pk) != ed25519.PublicKeySize || len(sk) != ed25519.PrivateKeySize {
		return nil, errors.New("unexpected ed25519 key size")
	}
	kp := &Keypair{priv: sk}
	copy(kp.pub[:], pk)
	return kp, nil
}

func KeypairFromPrivateKey(priv ed25519.PrivateKey) (*Keypair, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, errors.New("unexpected ed25519 key size")
	}
	pk, ok := priv.Public().(ed25519.PublicKey)
	if !ok || len(pk) != ed25519.PublicKeySize {
		return nil, errors.New("unexpected ed25519 public key")
	}
	kp := &Keypair{priv: priv}
	copy(kp.pub[:], pk)
	return kp, nil
}

func (kp *Keypair) Pubkey() Pubkey {
	return kp.pub
}

func (kp *Keypair) Sign(msg []byte) []byte {
	return ed25519.Sign(kp.priv, msg)
}

// String deliberately renders only the public half.
func (kp *Keypair) String() string {
	return kp.pub.Base58()
}

// ReadKeypairFile loads a keypair in the Solana CLI JSON format: a
// 64-element array of byte values holding the expanded private key.
func ReadKeypairFile(path string) (*Keypair, error) {
	if path == "" {
		return nil, errors.New("keypair path required")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var ints []int
	if err := json.Unmarshal(raw, &ints); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidKeypairFile, path)
	}
	if len(ints) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: %s", ErrInvalidKeypairFile, path)
	}

	key := make([]byte, ed25519.PrivateKeySize)
	for i, v := range ints {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("%w: %s", ErrInvalidKeypairFile, path)
		}
		key[i] = byte(v)
	}
	return KeypairFromPrivateKey(ed25519.PrivateKey(key))
}

// WriteKeypairFile persists kp at path in the Solana CLI JSON format. The
// file is written through a temp file and renamed into place so a crash
// never leaves a truncated key on disk. Mode is 0600 throughout.
func WriteKeypairFile(kp *Keypair, path string, force bool) error {
	path = filepath.Clean(path)
	if path == "." || path == "" {
		return errors.New("keypair path required")
	}

	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("keypair already exists: %s", path)
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	ints := make([]int, 0, ed25519.PrivateKeySize)
	for _, b := range kp.priv {
		ints = append(ints, int(b))
	}
	raw, err := json.Marshal(ints)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-keypair-*.json")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	return os.Chmod(path, 0o600)
}
