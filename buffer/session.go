package buffer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/Abdullah1738/shipwright/artifact"
	"github.com/Abdullah1738/shipwright/solana"
)

// Session is the resumable checkpoint of an in-progress buffer upload.
// It is written after every confirmed chunk, so a crash or cancellation
// between chunks loses at most the chunk in flight.
type Session struct {
	ID        string          `json:"id"`
	Program   string          `json:"program"`
	Network   string          `json:"network"`
	Buffer    solana.Pubkey   `json:"buffer"`
	Digest    artifact.Digest `json:"digest"`
	Total     int             `json:"total"`
	Written   int             `json:"written"`
	ChunkSize int             `json:"chunk_size"`
	StartedAt time.Time       `json:"started_at"`
}

func newSession(program, network string, buf solana.Pubkey, art *artifact.Artifact, chunkSize int) *Session {
	return &Session{
		ID:        uuid.NewString(),
		Program:   program,
		Network:   network,
		Buffer:    buf,
		Digest:    art.Digest,
		Total:     len(art.Bytes),
		ChunkSize: chunkSize,
		StartedAt: time.Now().UTC(),
	}
}

// Store persists session checkpoints, one file per (program, network)
// pair so concurrent operations on distinct pairs never collide.
type Store struct {
	dir string
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) path(program, network string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s-%s.json", program, network))
}

// Load returns the checkpoint for (program, network), or nil when none
// exists.
func (s *Store) Load(program, network string) (*Session, error) {
	raw, err := os.ReadFile(s.path(program, network))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session checkpoint: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("parse session checkpoint: %w", err)
	}
	return &sess, nil
}

func (s *Store) Save(sess *Session) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("session dir: %w", err)
	}
	raw, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return err
	}
	raw = append(raw, '\n')

	path := s.path(sess.Program, sess.Network)
	tmp, err := os.CreateTemp(s.dir, ".tmp-session-*.json")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func (s *Store) Remove(program, network string) error {
	err := os.Remove(s.path(program, network))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
