// Package artifact identifies built program binaries by content digest
// and classifies what a requested operation means for a given network.
package artifact

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/zeebo/blake3"
)

// Digest is the BLAKE3 content identity of a program binary. Two builds
// with identical bytes have identical digests no matter where or when
// they were built.
type Digest [32]byte

func ComputeDigest(data []byte) Digest {
	return Digest(blake3.Sum256(data))
}

func (d Digest) Hex() string {
	return hex.EncodeToString(d[:])
}

func (d Digest) String() string {
	return d.Hex()
}

// Short returns a 12-character prefix, enough to name artifact archive
// directories without colliding in practice.
func (d Digest) Short() string {
	return d.Hex()[:12]
}

func (d Digest) IsZero() bool {
	return d == Digest{}
}

func ParseDigest(s string) (Digest, error) {
	var out Digest
	raw, err := hex.DecodeString(s)
	if err != nil {
		return out, fmt.Errorf("parse digest: %w", err)
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("digest is %d bytes, want 32", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.Hex()), nil
}

func (d *Digest) UnmarshalText(text []byte) error {
	parsed, err := ParseDigest(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Artifact is a built program binary, immutable once loaded.
type Artifact struct {
	Path    string
	Bytes   []byte
	Digest  Digest
	BuiltAt time.Time
}

// Load reads the binary at path and computes its content digest. BuiltAt
// is informational only and never participates in identity.
func Load(path string) (*Artifact, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	if len(raw) == 0 {
		return nil, errors.New("artifact is empty")
	}

	builtAt := time.Now()
	if info, err := os.Stat(path); err == nil {
		builtAt = info.ModTime()
	}

	return &Artifact{
		Path:    path,
		Bytes:   raw,
		Digest:  ComputeDigest(raw),
		BuiltAt: builtAt,
	}, nil
}

// Op classifies what deploying an artifact to a (program, network) pair
// would do.
type Op int

const (
	// OpNoOpNeeded: the artifact is already live on this network.
	OpNoOpNeeded Op = iota
	// OpFirstDeploy: no deployment record exists for this pair.
	OpFirstDeploy
	// OpUpgrade: a different version is live and must be replaced.
	OpUpgrade
)

func (op Op) String() string {
	switch op {
	case OpNoOpNeeded:
		return "no-op"
	case OpFirstDeploy:
		return "first-deploy"
	case OpUpgrade:
		return "upgrade"
	default:
		return fmt.Sprintf("op(%d)", int(op))
	}
}

// Classify compares an artifact digest with the last deployed digest for
// the pair (nil when no record exists). Pure and stable under repetition.
func Classify(d Digest, lastDeployed *Digest) Op {
	if lastDeployed == nil {
		return OpFirstDeploy
	}
	if *lastDeployed == d {
		return OpNoOpNeeded
	}
	return OpUpgrade
}
