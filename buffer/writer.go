// Package buffer stages a program binary into an on-chain buffer account
// through a sequence of chunked write transactions. Progress is
// checkpointed after every confirmed chunk so an interrupted upload
// resumes where it stopped instead of starting over.
package buffer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Abdullah1738/shipwright/artifact"
	"github.com/Abdullah1738/shipwright/solana"
	"github.com/Abdullah1738/shipwright/solanarpc"
)

// DefaultChunkSize is the per-transaction payload. A write transaction
// carries roughly 445 bytes of envelope (signature, header, five account
// keys, blockhash, instruction framing) against the 1232-byte packet
// limit; 787 leaves headroom for RPC encoding variance.
const DefaultChunkSize = 787

const (
	defaultMaxAttempts = 5
	defaultBaseBackoff = 500 * time.Millisecond
	maxBackoff         = 8 * time.Second
)

var (
	ErrChunkWriteFailed = errors.New("buffer chunk write failed")
	// ErrCorrupted means the on-chain buffer content does not match the
	// local artifact after all chunks were written. Never finalize past it.
	ErrCorrupted = errors.New("buffer content corrupted")
)

// ChunkWriteError carries the last durable offset so the caller can
// report exactly where a retry will resume.
type ChunkWriteError struct {
	Offset int
	Err    error
}

func (e *ChunkWriteError) Error() string {
	return fmt.Sprintf("%s at offset %d: %v", ErrChunkWriteFailed.Error(), e.Offset, e.Err)
}

func (e *ChunkWriteError) Unwrap() error { return e.Err }

func (e *ChunkWriteError) Is(target error) bool { return target == ErrChunkWriteFailed }

// Client is the slice of the ledger RPC surface the writer needs.
type Client interface {
	LatestBlockhash(ctx context.Context) ([32]byte, error)
	SendAndConfirm(ctx context.Context, tx []byte) (string, error)
	AccountInfo(ctx context.Context, pubkey solana.Pubkey) (*solanarpc.AccountInfo, error)
	MinimumBalanceForRentExemption(ctx context.Context, size uint64) (uint64, error)
}

// Writer uploads artifacts into buffer accounts. The deployer key funds
// the buffer and holds its write authority until finalization.
type Writer struct {
	client      Client
	store       *Store
	deployer    *solana.Keypair
	chunkSize   int
	maxAttempts int
	baseBackoff time.Duration
	log         zerolog.Logger
}

type Option func(*Writer)

func WithChunkSize(n int) Option {
	return func(w *Writer) {
		if n > 0 {
			w.chunkSize = n
		}
	}
}

func WithRetry(maxAttempts int, baseBackoff time.Duration) Option {
	return func(w *Writer) {
		if maxAttempts > 0 {
			w.maxAttempts = maxAttempts
		}
		if baseBackoff > 0 {
			w.baseBackoff = baseBackoff
		}
	}
}

func NewWriter(client Client, store *Store, deployer *solana.Keypair, log zerolog.Logger, opts ...Option) *Writer {
	w := &Writer{
		client:      client,
		store:       store,
		deployer:    deployer,
		chunkSize:   DefaultChunkSize,
		maxAttempts: defaultMaxAttempts,
		baseBackoff: defaultBaseBackoff,
		log:         log,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// ChunkSize returns the configured per-transaction payload size.
func (w *Writer) ChunkSize() int { return w.chunkSize }

// Stage gets art's bytes into an on-chain buffer and verifies them. An
// existing checkpoint for the same artifact resumes; a checkpoint for a
// different artifact is discarded (the stale buffer is closed best-effort
// to reclaim its rent).
func (w *Writer) Stage(ctx context.Context, program, network string, art *artifact.Artifact) (*Session, error) {
	sess, err := w.store.Load(program, network)
	if err != nil {
		return nil, err
	}

	if sess != nil && sess.Digest != art.Digest {
		w.log.Warn().
			Str("buffer", sess.Buffer.Base58()).
			Str("stale_digest", sess.Digest.Short()).
			Str("artifact_digest", art.Digest.Short()).
			Msg("discarding checkpoint for a different artifact")
		w.closeStaleBuffer(ctx, sess.Buffer)
		if err := w.store.Remove(program, network); err != nil {
			return nil, err
		}
		sess = nil
	}

	if sess == nil {
		sess, err = w.open(ctx, program, network, art)
		if err != nil {
			return nil, err
		}
	} else {
		w.log.Info().
			Str("buffer", sess.Buffer.Base58()).
			Int("written", sess.Written).
			Int("total", sess.Total).
			Msg("resuming buffer upload from checkpoint")
	}

	if err := w.writeChunks(ctx, sess, art); err != nil {
		return nil, err
	}
	if err := w.verify(ctx, sess, art); err != nil {
		return nil, err
	}
	return sess, nil
}

// open creates and initializes the buffer account, then persists the
// first checkpoint.
func (w *Writer) open(ctx context.Context, program, network string, art *artifact.Artifact) (*Session, error) {
	bufferKP, err := solana.NewKeypair()
	if err != nil {
		return nil, err
	}

	space := solana.BufferAccountLen(len(art.Bytes))
	rent, err := w.client.MinimumBalanceForRentExemption(ctx, space)
	if err != nil {
		return nil, fmt.Errorf("buffer rent: %w", err)
	}

	blockhash, err := w.client.LatestBlockhash(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := solana.NewSignedTransaction(
		blockhash,
		w.deployer.Pubkey(),
		[]solana.Instruction{
			solana.SystemCreateAccount(w.deployer.Pubkey(), bufferKP.Pubkey(), rent, space, solana.UpgradeableLoaderID),
			solana.LoaderInitializeBuffer(bufferKP.Pubkey(), w.deployer.Pubkey()),
		},
		w.deployer, bufferKP,
	)
	if err != nil {
		return nil, err
	}
	if _, err := w.client.SendAndConfirm(ctx, tx); err != nil {
		return nil, fmt.Errorf("create buffer account: %w", err)
	}

	sess := newSession(program, network, bufferKP.Pubkey(), art, w.chunkSize)
	if err := w.store.Save(sess); err != nil {
		return nil, err
	}

	w.log.Info().
		Str("buffer", sess.Buffer.Base58()).
		Int("total", sess.Total).
		Int("chunk_size", sess.ChunkSize).
		Str("session", sess.ID).
		Msg("opened buffer account")
	return sess, nil
}

// writeChunks sends chunks in increasing offset order, checkpointing
// after each confirmation. Offsets below sess.Written are already durable
// and are never re-sent.
func (w *Writer) writeChunks(ctx context.Context, sess *Session, art *artifact.Artifact) error {
	for sess.Written < sess.Total {
		if err := ctx.Err(); err != nil {
			// Checkpoint stays behind for a later resume.
			return err
		}

		end := sess.Written + sess.ChunkSize
		if end > sess.Total {
			end = sess.Total
		}
		chunk := art.Bytes[sess.Written:end]

		if err := w.writeChunkWithRetry(ctx, sess, chunk); err != nil {
			return err
		}

		sess.Written = end
		if err := w.store.Save(sess); err != nil {
			return err
		}
		w.log.Debug().
			Str("buffer", sess.Buffer.Base58()).
			Int("written", sess.Written).
			Int("total", sess.Total).
			Msg("chunk confirmed")
	}
	return nil
}

func (w *Writer) writeChunkWithRetry(ctx context.Context, sess *Session, chunk []byte) error {
	backoff := w.baseBackoff
	var lastErr error

	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		lastErr = w.writeChunk(ctx, sess, chunk)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
			return lastErr
		}
		if attempt < w.maxAttempts {
			w.log.Warn().
				Err(lastErr).
				Int("attempt", attempt).
				Int("offset", sess.Written).
				Dur("backoff", backoff).
				Msg("chunk write failed, retrying")
			if err := sleepWithContext(ctx, backoff); err != nil {
				return err
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
	return &ChunkWriteError{Offset: sess.Written, Err: lastErr}
}

func (w *Writer) writeChunk(ctx context.Context, sess *Session, chunk []byte) error {
	blockhash, err := w.client.LatestBlockhash(ctx)
	if err != nil {
		return err
	}
	tx, err := solana.NewSignedTransaction(
		blockhash,
		w.deployer.Pubkey(),
		[]solana.Instruction{
			solana.LoaderWrite(sess.Buffer, w.deployer.Pubkey(), uint32(sess.Written), chunk),
		},
		w.deployer,
	)
	if err != nil {
		return err
	}
	_, err = w.client.SendAndConfirm(ctx, tx)
	return err
}

// verify re-reads the buffer account and compares the on-chain content
// digest with the local artifact digest.
func (w *Writer) verify(ctx context.Context, sess *Session, art *artifact.Artifact) error {
	info, err := w.client.AccountInfo(ctx, sess.Buffer)
	if err != nil {
		return fmt.Errorf("read back buffer account: %w", err)
	}
	state, err := solana.ParseBufferAccount(info.Data)
	if err != nil {
		return err
	}
	if len(state.Data) < sess.Total {
		return fmt.Errorf("%w: on-chain buffer holds %d bytes, want %d", ErrCorrupted, len(state.Data), sess.Total)
	}

	onChain := artifact.ComputeDigest(state.Data[:sess.Total])
	if onChain != art.Digest {
		return fmt.Errorf("%w: on-chain digest %s, local %s", ErrCorrupted, onChain.Short(), art.Digest.Short())
	}

	w.log.Info().
		Str("buffer", sess.Buffer.Base58()).
		Str("digest", art.Digest.Short()).
		Msg("buffer content verified")
	return nil
}

// closeStaleBuffer reclaims rent from a buffer that will never be
// finalized. Failure only costs the rent, so it is not fatal.
func (w *Writer) closeStaleBuffer(ctx context.Context, buf solana.Pubkey) {
	blockhash, err := w.client.LatestBlockhash(ctx)
	if err != nil {
		w.log.Warn().Err(err).Str("buffer", buf.Base58()).Msg("could not close stale buffer")
		return
	}
	tx, err := solana.NewSignedTransaction(
		blockhash,
		w.deployer.Pubkey(),
		[]solana.Instruction{
			solana.LoaderClose(buf, w.deployer.Pubkey(), w.deployer.Pubkey()),
		},
		w.deployer,
	)
	if err != nil {
		w.log.Warn().Err(err).Str("buffer", buf.Base58()).Msg("could not close stale buffer")
		return
	}
	if _, err := w.client.SendAndConfirm(ctx, tx); err != nil {
		w.log.Warn().Err(err).Str("buffer", buf.Base58()).Msg("could not close stale buffer")
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
