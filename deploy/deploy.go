// Package deploy drives a program deployment or upgrade through its full
// lifecycle: classify the artifact against the ledger, preflight keys and
// fees, stage the binary into a buffer, finalize on-chain, hand upgrade
// authority to its long-term holder, and record the outcome.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/Abdullah1738/shipwright/artifact"
	"github.com/Abdullah1738/shipwright/buffer"
	"github.com/Abdullah1738/shipwright/fees"
	"github.com/Abdullah1738/shipwright/keyvault"
	"github.com/Abdullah1738/shipwright/ledger"
	"github.com/Abdullah1738/shipwright/manifest"
	"github.com/Abdullah1738/shipwright/solana"
	"github.com/Abdullah1738/shipwright/solanarpc"
)

var (
	// ErrAlreadyDeployed rejects a first-time deploy of a program that
	// already has a ledger record on the target network.
	ErrAlreadyDeployed = errors.New("program already deployed")
	// ErrNotDeployed rejects an upgrade of a program with no ledger record
	// on the target network.
	ErrNotDeployed = errors.New("program not deployed")
	// ErrAuthorityMismatch means the loaded authority key does not hold
	// upgrade rights. Raised before any on-chain mutation.
	ErrAuthorityMismatch = errors.New("upgrade authority mismatch")
	// ErrProgramKeyMismatch means the program keypair on disk or the
	// ledger record disagrees with the address pinned in the manifest.
	ErrProgramKeyMismatch = errors.New("program address mismatch")
	// ErrTooLarge means the artifact exceeds the capacity reserved at
	// first deploy.
	ErrTooLarge = errors.New("artifact exceeds reserved program capacity")
	// ErrVerifyFailed means the finalized program data does not match the
	// local artifact.
	ErrVerifyFailed = errors.New("post-deploy verification failed")
)

// Mode distinguishes the deploy and upgrade entry points. Both run the
// same machine; the mode only arms the guard against using the wrong one.
type Mode int

const (
	ModeDeploy Mode = iota
	ModeUpgrade
)

func (m Mode) String() string {
	if m == ModeUpgrade {
		return "upgrade"
	}
	return "deploy"
}

// State is the position of an operation in the deployment lifecycle.
// Transitions only move forward; any failure drops to StateAborted.
type State int

const (
	StateClassified State = iota
	StateBufferStaging
	StateBufferVerified
	StateFinalizing
	StateAuthorityHandoff
	StateComplete
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateClassified:
		return "classified"
	case StateBufferStaging:
		return "buffer-staging"
	case StateBufferVerified:
		return "buffer-verified"
	case StateFinalizing:
		return "finalizing"
	case StateAuthorityHandoff:
		return "authority-handoff"
	case StateComplete:
		return "complete"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Client is the RPC surface an operation needs end to end.
type Client interface {
	LatestBlockhash(ctx context.Context) ([32]byte, error)
	SendAndConfirm(ctx context.Context, tx []byte) (string, error)
	AccountInfo(ctx context.Context, pubkey solana.Pubkey) (*solanarpc.AccountInfo, error)
	MinimumBalanceForRentExemption(ctx context.Context, size uint64) (uint64, error)
	BalanceLamports(ctx context.Context, pubkey solana.Pubkey) (uint64, error)
}

// Result reports what an operation did and where it ended.
type Result struct {
	Op          artifact.Op
	State       State
	Program     solana.Pubkey
	ProgramData solana.Pubkey
	Buffer      solana.Pubkey
	Digest      artifact.Digest
	Estimate    fees.Estimate
	Signature   string
}

// Orchestrator runs one (program, network) operation at a time.
type Orchestrator struct {
	client   Client
	writer   *buffer.Writer
	sessions *buffer.Store
	vault    *keyvault.Vault
	cfg      manifest.ResolvedConfig
	ledger   *ledger.Ledger
	log      zerolog.Logger
}

func NewOrchestrator(
	client Client,
	writer *buffer.Writer,
	sessions *buffer.Store,
	vault *keyvault.Vault,
	cfg manifest.ResolvedConfig,
	led *ledger.Ledger,
	log zerolog.Logger,
) *Orchestrator {
	return &Orchestrator{
		client:   client,
		writer:   writer,
		sessions: sessions,
		vault:    vault,
		cfg:      cfg,
		ledger:   led,
		log:      log,
	}
}

// Run executes the lifecycle for art on the configured (program, network)
// pair. It is safe to rerun after any failure: completed work is detected
// and skipped, staged chunks resume from the checkpoint.
func (o *Orchestrator) Run(ctx context.Context, mode Mode, art *artifact.Artifact) (*Result, error) {
	program := o.cfg.Binding.Program
	network := o.cfg.Network.Name
	res := &Result{State: StateClassified, Digest: art.Digest}

	rec, err := o.ledger.Find(program, network)
	haveRecord := err == nil
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		return res, o.abort(res, mode, err)
	}

	var last *artifact.Digest
	if haveRecord {
		d := rec.Digest
		last = &d
	}
	res.Op = artifact.Classify(art.Digest, last)

	o.log.Info().
		Str("program", program).
		Str("network", network).
		Str("digest", art.Digest.Short()).
		Stringer("op", res.Op).
		Msg("artifact classified")

	// An unchanged artifact is a no-op under either entry point, so the
	// wrong-command guards only fire when there is actual work to do.
	if res.Op == artifact.OpNoOpNeeded {
		res.Program = rec.Address
		res.State = StateComplete
		o.log.Info().Str("address", rec.Address.Base58()).Msg("artifact already live, nothing to do")
		return res, nil
	}

	if mode == ModeDeploy && haveRecord {
		return res, o.abort(res, mode, fmt.Errorf("%w: %s on %s (use upgrade)", ErrAlreadyDeployed, program, network))
	}
	if mode == ModeUpgrade && !haveRecord {
		return res, o.abort(res, mode, fmt.Errorf("%w: %s on %s (use deploy)", ErrNotDeployed, program, network))
	}

	deployer := o.vault.Deployer()
	authority := o.vault.Authority()
	if o.vault.SameKey() {
		o.log.Warn().Msg("deployer and authority share key material; consider separate keys outside local development")
	}

	var programKP *solana.Keypair
	if res.Op == artifact.OpFirstDeploy {
		programKP, err = o.programKeypair(program, network)
		if err != nil {
			return res, o.abort(res, mode, err)
		}
		if o.cfg.Binding.Pinned && programKP.Pubkey() != o.cfg.Binding.Address {
			return res, o.abort(res, mode, fmt.Errorf("%w: keypair holds %s, manifest pins %s",
				ErrProgramKeyMismatch, programKP.Pubkey(), o.cfg.Binding.Address))
		}
		res.Program = programKP.Pubkey()
	} else {
		if o.cfg.Binding.Pinned && o.cfg.Binding.Address != rec.Address {
			return res, o.abort(res, mode, fmt.Errorf("%w: ledger records %s, manifest pins %s",
				ErrProgramKeyMismatch, rec.Address, o.cfg.Binding.Address))
		}
		res.Program = rec.Address
		if rec.MaxDataLen > 0 && uint64(len(art.Bytes)) > rec.MaxDataLen {
			return res, o.abort(res, mode, fmt.Errorf("%w: artifact is %d bytes, capacity %d",
				ErrTooLarge, len(art.Bytes), rec.MaxDataLen))
		}
		if err := o.preflightAuthority(ctx, rec, authority.Pubkey()); err != nil {
			return res, o.abort(res, mode, err)
		}
	}

	programData, err := solana.ProgramDataAddress(res.Program)
	if err != nil {
		return res, o.abort(res, mode, err)
	}
	res.ProgramData = programData

	maxDataLen := rec.MaxDataLen
	if res.Op == artifact.OpFirstDeploy {
		// Reserve twice the current size so upgrades have room to grow.
		maxDataLen = 2 * uint64(len(art.Bytes))
	}

	if err := o.preflightFees(ctx, res, art, maxDataLen, deployer.Pubkey()); err != nil {
		return res, o.abort(res, mode, err)
	}

	res.State = StateBufferStaging
	sess, err := o.writer.Stage(ctx, program, network, art)
	if err != nil {
		return res, o.abort(res, mode, err)
	}
	res.Buffer = sess.Buffer
	res.State = StateBufferVerified

	res.State = StateFinalizing
	if res.Op == artifact.OpFirstDeploy {
		res.Signature, err = o.finalizeDeploy(ctx, deployer, programKP, programData, sess.Buffer, maxDataLen)
	} else {
		res.Signature, err = o.finalizeUpgrade(ctx, deployer, authority, rec.Address, programData, sess.Buffer)
	}
	if err != nil {
		return res, o.abort(res, mode, err)
	}
	if err := o.verifyLive(ctx, programData, art); err != nil {
		return res, o.abort(res, mode, err)
	}

	res.State = StateAuthorityHandoff
	if res.Op == artifact.OpFirstDeploy {
		if err := o.handoff(ctx, deployer, authority, programData); err != nil {
			return res, o.abort(res, mode, err)
		}
	}

	newRec := ledger.Record{
		Program:    program,
		Network:    network,
		Address:    res.Program,
		Digest:     art.Digest,
		Deployer:   deployer.Pubkey(),
		Authority:  authority.Pubkey(),
		MaxDataLen: maxDataLen,
		UpdatedAt:  time.Now().UTC(),
	}
	if err := o.ledger.Put(newRec); err != nil {
		// The chain mutated but the record did not land. Not a success.
		return res, o.abort(res, mode, err)
	}

	if err := o.sessions.Remove(program, network); err != nil {
		o.log.Warn().Err(err).Msg("could not remove completed upload checkpoint")
	}
	if _, err := artifact.Archive(art, o.cfg.ArtifactsDir, program); err != nil {
		o.log.Warn().Err(err).Msg("could not archive deployed artifact")
	}

	res.State = StateComplete
	o.log.Info().
		Str("program", program).
		Str("network", network).
		Str("address", res.Program.Base58()).
		Str("digest", art.Digest.Short()).
		Stringer("op", res.Op).
		Msg("operation complete")
	return res, nil
}

func (o *Orchestrator) abort(res *Result, mode Mode, err error) error {
	evt := o.log.Error().Err(err).
		Str("program", o.cfg.Binding.Program).
		Str("network", o.cfg.Network.Name).
		Stringer("failed_state", res.State)
	if res.State >= StateBufferStaging {
		resume := fmt.Sprintf("shipwright %s --program %s --network %s", mode, o.cfg.Binding.Program, o.cfg.Network.Name)
		var cwe *buffer.ChunkWriteError
		if errors.As(err, &cwe) {
			evt = evt.Int("checkpoint_offset", cwe.Offset)
		}
		evt.Str("resume", resume).Msg("operation aborted; rerun to resume from the checkpoint")
	} else {
		evt.Msg("operation aborted")
	}
	res.State = StateAborted
	return err
}

// programKeypair loads the program identity for (program, network),
// generating and persisting a fresh one on first use.
func (o *Orchestrator) programKeypair(program, network string) (*solana.Keypair, error) {
	path := filepath.Join(o.cfg.KeypairsDir, fmt.Sprintf("%s-%s.json", program, network))
	kp, err := solana.ReadKeypairFile(path)
	if err == nil {
		return kp, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("program keypair at %s: %w", path, err)
	}

	kp, err = solana.NewKeypair()
	if err != nil {
		return nil, err
	}
	if err := solana.WriteKeypairFile(kp, path, false); err != nil {
		return nil, fmt.Errorf("persist program keypair: %w", err)
	}
	o.log.Info().
		Str("path", path).
		Str("address", kp.Pubkey().Base58()).
		Msg("generated program keypair")
	return kp, nil
}

// preflightAuthority proves the loaded authority key holds upgrade rights
// both per the ledger and on-chain before anything is mutated.
func (o *Orchestrator) preflightAuthority(ctx context.Context, rec ledger.Record, authority solana.Pubkey) error {
	if rec.Authority != authority {
		return fmt.Errorf("%w: ledger records %s, loaded key is %s", ErrAuthorityMismatch, rec.Authority, authority)
	}

	onChain, err := o.onChainAuthority(ctx, rec.Address)
	if err != nil {
		return err
	}
	if onChain == nil {
		return fmt.Errorf("%w: program %s has no upgrade authority (finalized)", ErrAuthorityMismatch, rec.Address)
	}
	if *onChain != authority {
		return fmt.Errorf("%w: on-chain authority is %s, loaded key is %s", ErrAuthorityMismatch, *onChain, authority)
	}
	return nil
}

// onChainAuthority reads the current upgrade authority for a live program.
func (o *Orchestrator) onChainAuthority(ctx context.Context, program solana.Pubkey) (*solana.Pubkey, error) {
	info, err := o.client.AccountInfo(ctx, program)
	if err != nil {
		return nil, fmt.Errorf("read program account %s: %w", program, err)
	}
	state, err := solana.ParseProgramAccount(info.Data)
	if err != nil {
		return nil, err
	}
	pdInfo, err := o.client.AccountInfo(ctx, state.ProgramData)
	if err != nil {
		return nil, fmt.Errorf("read program data account %s: %w", state.ProgramData, err)
	}
	pdState, err := solana.ParseProgramDataAccount(pdInfo.Data)
	if err != nil {
		return nil, err
	}
	return pdState.UpgradeAuthority, nil
}

// preflightFees estimates the operation cost and confirms the deployer
// can cover it before the first transaction goes out.
func (o *Orchestrator) preflightFees(ctx context.Context, res *Result, art *artifact.Artifact, maxDataLen uint64, deployer solana.Pubkey) error {
	chunkSize := o.writer.ChunkSize()
	chunks := (len(art.Bytes) + chunkSize - 1) / chunkSize

	var est fees.Estimate
	var err error
	if res.Op == artifact.OpFirstDeploy {
		est, err = fees.FirstDeploy(ctx, o.client, len(art.Bytes), maxDataLen, chunks)
	} else {
		est, err = fees.Upgrade(ctx, o.client, len(art.Bytes), chunks)
	}
	if err != nil {
		return err
	}
	res.Estimate = est

	balance, err := o.client.BalanceLamports(ctx, deployer)
	if err != nil {
		return fmt.Errorf("deployer balance: %w", err)
	}
	o.log.Info().
		Uint64("balance", balance).
		Str("estimate", est.String()).
		Msg("fee preflight")
	return est.CheckBalance(balance)
}

// finalizeDeploy promotes the buffer into a live program. The deployer is
// the buffer authority at this point, so it becomes the initial upgrade
// authority; handoff moves it afterwards. A program account that already
// exists means a previous run finalized but never recorded, so the
// transaction is skipped and verification decides.
func (o *Orchestrator) finalizeDeploy(
	ctx context.Context,
	deployer keyvault.Deployer,
	programKP *solana.Keypair,
	programData, buf solana.Pubkey,
	maxDataLen uint64,
) (string, error) {
	info, err := o.client.AccountInfo(ctx, programKP.Pubkey())
	if err != nil && !errors.Is(err, solanarpc.ErrAccountNotFound) {
		return "", fmt.Errorf("check program account: %w", err)
	}
	if err == nil && info.Owner == solana.UpgradeableLoaderID {
		o.log.Info().
			Str("address", programKP.Pubkey().Base58()).
			Msg("program account already live, skipping deploy transaction")
		return "", nil
	}

	blockhash, err := o.client.LatestBlockhash(ctx)
	if err != nil {
		return "", err
	}
	tx, err := solana.NewSignedTransaction(
		blockhash,
		deployer.Pubkey(),
		[]solana.Instruction{
			solana.LoaderDeployWithMaxDataLen(
				deployer.Pubkey(), programData, programKP.Pubkey(), buf, deployer.Pubkey(), maxDataLen,
			),
		},
		deployer.Keypair(), programKP,
	)
	if err != nil {
		return "", err
	}
	sig, err := o.client.SendAndConfirm(ctx, tx)
	if err != nil {
		return "", fmt.Errorf("deploy transaction: %w", err)
	}
	return sig, nil
}

// finalizeUpgrade moves the buffer under the upgrade authority, then
// swaps it into the live program. The deployer pays fees and collects the
// drained buffer rent.
func (o *Orchestrator) finalizeUpgrade(
	ctx context.Context,
	deployer keyvault.Deployer,
	authority keyvault.Authority,
	program, programData, buf solana.Pubkey,
) (string, error) {
	blockhash, err := o.client.LatestBlockhash(ctx)
	if err != nil {
		return "", err
	}
	tx, err := solana.NewSignedTransaction(
		blockhash,
		deployer.Pubkey(),
		[]solana.Instruction{
			solana.LoaderSetAuthority(buf, deployer.Pubkey(), authority.Pubkey()),
		},
		deployer.Keypair(),
	)
	if err != nil {
		return "", err
	}
	if _, err := o.client.SendAndConfirm(ctx, tx); err != nil {
		return "", fmt.Errorf("transfer buffer authority: %w", err)
	}

	blockhash, err = o.client.LatestBlockhash(ctx)
	if err != nil {
		return "", err
	}
	tx, err = solana.NewSignedTransaction(
		blockhash,
		deployer.Pubkey(),
		[]solana.Instruction{
			solana.LoaderUpgrade(programData, program, buf, deployer.Pubkey(), authority.Pubkey()),
		},
		deployer.Keypair(), authority.Keypair(),
	)
	if err != nil {
		return "", err
	}
	sig, err := o.client.SendAndConfirm(ctx, tx)
	if err != nil {
		return "", fmt.Errorf("upgrade transaction: %w", err)
	}
	return sig, nil
}

// verifyLive confirms the finalized program data carries exactly the
// artifact bytes.
func (o *Orchestrator) verifyLive(ctx context.Context, programData solana.Pubkey, art *artifact.Artifact) error {
	info, err := o.client.AccountInfo(ctx, programData)
	if err != nil {
		return fmt.Errorf("read back program data: %w", err)
	}
	state, err := solana.ParseProgramDataAccount(info.Data)
	if err != nil {
		return err
	}
	if len(state.Data) < len(art.Bytes) {
		return fmt.Errorf("%w: program data holds %d bytes, want %d", ErrVerifyFailed, len(state.Data), len(art.Bytes))
	}
	live := artifact.ComputeDigest(state.Data[:len(art.Bytes)])
	if live != art.Digest {
		return fmt.Errorf("%w: live digest %s, local %s", ErrVerifyFailed, live.Short(), art.Digest.Short())
	}
	return nil
}

// handoff moves upgrade authority from the deployer to its long-term
// holder. Skipped when they are the same key or a previous run already
// moved it.
func (o *Orchestrator) handoff(ctx context.Context, deployer keyvault.Deployer, authority keyvault.Authority, programData solana.Pubkey) error {
	if deployer.Pubkey() == authority.Pubkey() {
		return nil
	}

	info, err := o.client.AccountInfo(ctx, programData)
	if err != nil {
		return fmt.Errorf("read program data: %w", err)
	}
	state, err := solana.ParseProgramDataAccount(info.Data)
	if err != nil {
		return err
	}
	if state.UpgradeAuthority != nil && *state.UpgradeAuthority == authority.Pubkey() {
		return nil
	}

	blockhash, err := o.client.LatestBlockhash(ctx)
	if err != nil {
		return err
	}
	tx, err := solana.NewSignedTransaction(
		blockhash,
		deployer.Pubkey(),
		[]solana.Instruction{
			solana.LoaderSetAuthority(programData, deployer.Pubkey(), authority.Pubkey()),
		},
		deployer.Keypair(),
	)
	if err != nil {
		return err
	}
	if _, err := o.client.SendAndConfirm(ctx, tx); err != nil {
		return fmt.Errorf("authority handoff: %w", err)
	}
	o.log.Info().
		Str("authority", authority.Pubkey().Base58()).
		Msg("upgrade authority handed off")
	return nil
}
