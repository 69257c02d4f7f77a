// Package ledger persists the deployment record for every (program,
// network) pair in a single human-diffable JSON file. The file is the
// source of truth for what is currently live on-chain and which authority
// holds upgrade rights.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/Abdullah1738/shipwright/artifact"
	"github.com/Abdullah1738/shipwright/solana"
)

const schemaVersion = 1

var (
	ErrNotFound = errors.New("deployment record not found")
	// ErrPersist marks local read/write failures. An operation must never
	// report success past a failed ledger write.
	ErrPersist = errors.New("deployment ledger persistence failed")
)

// Record describes the last successful deploy or upgrade of one program
// on one network. Created on first deploy, mutated only by a successful
// upgrade, never deleted automatically.
type Record struct {
	Program    string          `json:"program"`
	Network    string          `json:"network"`
	Address    solana.Pubkey   `json:"address"`
	Digest     artifact.Digest `json:"digest"`
	Deployer   solana.Pubkey   `json:"deployer"`
	Authority  solana.Pubkey   `json:"authority"`
	MaxDataLen uint64          `json:"max_data_len"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

type document struct {
	SchemaVersion int      `json:"schema_version"`
	Records       []Record `json:"records"`
}

// Ledger is the file-backed record store. Not safe for concurrent use by
// multiple goroutines; operations on one (program, network) pair are
// serialized by the orchestrator.
type Ledger struct {
	path string
	doc  document
}

// Open loads the ledger at path, treating a missing file as empty.
func Open(path string) (*Ledger, error) {
	l := &Ledger{
		path: path,
		doc:  document{SchemaVersion: schemaVersion},
	}

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrPersist, path, err)
	}
	if err := json.Unmarshal(raw, &l.doc); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrPersist, path, err)
	}
	return l, nil
}

func (l *Ledger) Path() string {
	return l.path
}

// Find returns the record for (program, network), or ErrNotFound.
func (l *Ledger) Find(program, network string) (Record, error) {
	for _, r := range l.doc.Records {
		if r.Program == program && r.Network == network {
			return r, nil
		}
	}
	return Record{}, fmt.Errorf("%w: %s on %s", ErrNotFound, program, network)
}

// Put upserts a record and writes the whole file atomically. Records are
// kept sorted by (program, network) so successive versions diff cleanly.
func (l *Ledger) Put(rec Record) error {
	replaced := false
	for i, r := range l.doc.Records {
		if r.Program == rec.Program && r.Network == rec.Network {
			l.doc.Records[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		l.doc.Records = append(l.doc.Records, rec)
	}
	sort.Slice(l.doc.Records, func(i, j int) bool {
		a, b := l.doc.Records[i], l.doc.Records[j]
		if a.Program != b.Program {
			return a.Program < b.Program
		}
		return a.Network < b.Network
	})

	raw, err := json.MarshalIndent(&l.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrPersist, err)
	}
	raw = append(raw, '\n')

	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-ledger-*.json")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	if err := os.Rename(tmpName, l.path); err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return nil
}
