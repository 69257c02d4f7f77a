package solana

import (
	"crypto/ed25519"
	"testing"
)

func decodeShortVecLen(b []byte) (n int, consumed int, ok bool) {
	var v uint64
	var shift uint
	for i := 0; i < len(b); i++ {
		v |= uint64(b[i]&0x7f) << shift
		if (b[i] & 0x80) == 0 {
			return int(v), i + 1, true
		}
		shift += 7
		if shift > 63 {
			return 0, 0, false
		}
	}
	return 0, 0, false
}

func testKeypair(t *testing.T, fill byte) *Keypair {
	t.Helper()
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = fill
	}
	kp, err := KeypairFromPrivateKey(ed25519.NewKeyFromSeed(seed))
	if err != nil {
		t.Fatalf("KeypairFromPrivateKey: %v", err)
	}
	return kp
}

func TestNewSignedTransaction_SignatureVerifies(t *testing.T) {
	payer := testKeypair(t, 1)

	var recipient Pubkey
	for i := range recipient {
		recipient[i] = 0x44
	}

	var blockhash [32]byte
	for i := range blockhash {
		blockhash[i] = 0x42
	}

	tx, err := NewSignedTransaction(
		blockhash,
		payer.Pubkey(),
		[]Instruction{
			SystemTransfer(payer.Pubkey(), recipient, 1_000),
		},
		payer,
	)
	if err != nil {
		t.Fatalf("NewSignedTransaction: %v", err)
	}

	sigCount, off, ok := decodeShortVecLen(tx)
	if !ok {
		t.Fatalf("decode sigCount failed")
	}
	if sigCount != 1 {
		t.Fatalf("sigCount=%d, want 1", sigCount)
	}
	if len(tx) < off+64 {
		t.Fatalf("tx too short for signatures")
	}
	sig := tx[off : off+64]
	msg := tx[off+64:]

	pub := make([]byte, 32)
	pk := payer.Pubkey()
	copy(pub, pk[:])
	if !ed25519.Verify(ed25519.PublicKey(pub), msg, sig) {
		t.Fatalf("signature did not verify")
	}
}

func TestNewSignedTransaction_MissingSigner(t *testing.T) {
	payer := testKeypair(t, 1)
	other := testKeypair(t, 2)

	var blockhash [32]byte
	_, err := NewSignedTransaction(
		blockhash,
		payer.Pubkey(),
		[]Instruction{
			SystemCreateAccount(payer.Pubkey(), other.Pubkey(), 1, 2, UpgradeableLoaderID),
		},
		payer, // other must also sign
	)
	if err == nil {
		t.Fatalf("expected missing signer error")
	}
}

func TestCompileMessage_HeaderAndOrdering(t *testing.T) {
	payer := testKeypair(t, 1)
	newAcct := testKeypair(t, 2)

	var blockhash [32]byte
	msg, keys, header, err := compileMessage(
		blockhash,
		payer.Pubkey(),
		[]Instruction{
			SystemCreateAccount(payer.Pubkey(), newAcct.Pubkey(), 100, 8, UpgradeableLoaderID),
		},
	)
	if err != nil {
		t.Fatalf("compileMessage: %v", err)
	}
	if header.NumRequiredSignatures != 2 {
		t.Fatalf("NumRequiredSignatures=%d, want 2", header.NumRequiredSignatures)
	}
	if header.NumReadonlySignedAccounts != 0 {
		t.Fatalf("NumReadonlySignedAccounts=%d, want 0", header.NumReadonlySignedAccounts)
	}
	// system program + loader (owner param is only data, not an account)
	if header.NumReadonlyUnsignedAccounts != 1 {
		t.Fatalf("NumReadonlyUnsignedAccounts=%d, want 1", header.NumReadonlyUnsignedAccounts)
	}
	if keys[0] != payer.Pubkey() {
		t.Fatalf("fee payer must be first account, got %s", keys[0])
	}
	if keys[1] != newAcct.Pubkey() {
		t.Fatalf("second signer must be the new account, got %s", keys[1])
	}
	if len(msg) == 0 {
		t.Fatalf("empty message")
	}
}
