package keyvault

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/Abdullah1738/shipwright/manifest"
	"github.com/Abdullah1738/shipwright/solana"
)

func writeTestKeypair(t *testing.T, path string) *solana.Keypair {
	t.Helper()
	kp, err := solana.NewKeypair()
	if err != nil {
		t.Fatalf("NewKeypair: %v", err)
	}
	if err := solana.WriteKeypairFile(kp, path, false); err != nil {
		t.Fatalf("WriteKeypairFile: %v", err)
	}
	return kp
}

func TestLoad_DistinctRoles(t *testing.T) {
	dir := t.TempDir()
	dep := writeTestKeypair(t, filepath.Join(dir, "deployer.json"))
	auth := writeTestKeypair(t, filepath.Join(dir, "authority.json"))

	v, err := Load(manifest.NetworkConfig{
		Deployer:  filepath.Join(dir, "deployer.json"),
		Authority: filepath.Join(dir, "authority.json"),
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if v.Deployer().Pubkey() != dep.Pubkey() {
		t.Fatalf("deployer pubkey mismatch")
	}
	if v.Authority().Pubkey() != auth.Pubkey() {
		t.Fatalf("authority pubkey mismatch")
	}
	if v.SameKey() {
		t.Fatalf("SameKey=true for distinct keys")
	}
}

func TestLoad_SameKeyStaysRoleTagged(t *testing.T) {
	dir := t.TempDir()
	kp := writeTestKeypair(t, filepath.Join(dir, "id.json"))

	v, err := Load(manifest.NetworkConfig{
		Deployer:  filepath.Join(dir, "id.json"),
		Authority: filepath.Join(dir, "id.json"),
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !v.SameKey() {
		t.Fatalf("SameKey=false for identical key material")
	}
	// Both role handles resolve to the same pubkey but remain distinct
	// types; the compiler enforces the rest.
	if v.Deployer().Pubkey() != kp.Pubkey() || v.Authority().Pubkey() != kp.Pubkey() {
		t.Fatalf("role pubkeys diverge from source key")
	}
}

func TestLoad_Unreadable(t *testing.T) {
	dir := t.TempDir()
	writeTestKeypair(t, filepath.Join(dir, "authority.json"))

	_, err := Load(manifest.NetworkConfig{
		Deployer:  filepath.Join(dir, "missing.json"),
		Authority: filepath.Join(dir, "authority.json"),
	})
	if !errors.Is(err, ErrUnreadable) {
		t.Fatalf("err=%v, want ErrUnreadable", err)
	}
}

func TestLoad_InvalidFormat(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte(`{"not":"a keypair"}`), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	writeTestKeypair(t, filepath.Join(dir, "authority.json"))

	_, err := Load(manifest.NetworkConfig{
		Deployer:  bad,
		Authority: filepath.Join(dir, "authority.json"),
	})
	if !errors.Is(err, ErrInvalidFormat) {
		t.Fatalf("err=%v, want ErrInvalidFormat", err)
	}
}
