package deploy

import (
	"context"
	"encoding/binary"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Abdullah1738/shipwright/artifact"
	"github.com/Abdullah1738/shipwright/buffer"
	"github.com/Abdullah1738/shipwright/fees"
	"github.com/Abdullah1738/shipwright/keyvault"
	"github.com/Abdullah1738/shipwright/ledger"
	"github.com/Abdullah1738/shipwright/manifest"
	"github.com/Abdullah1738/shipwright/solana"
	"github.com/Abdullah1738/shipwright/solanarpc"
)

// fakeClient serves accounts from a map. Keys not in the map fall back to
// bufferData when set (the staging buffer's address is generated inside
// the writer, so tests cannot know it up front) and report not-found
// otherwise.
type fakeClient struct {
	accounts   map[solana.Pubkey]*solanarpc.AccountInfo
	bufferData []byte
	balance    uint64
	sends      int
}

func (f *fakeClient) LatestBlockhash(ctx context.Context) ([32]byte, error) {
	var bh [32]byte
	bh[0] = 0x11
	return bh, nil
}

func (f *fakeClient) SendAndConfirm(ctx context.Context, tx []byte) (string, error) {
	f.sends++
	return "sig", nil
}

func (f *fakeClient) AccountInfo(ctx context.Context, pubkey solana.Pubkey) (*solanarpc.AccountInfo, error) {
	if info, ok := f.accounts[pubkey]; ok {
		return info, nil
	}
	if f.bufferData != nil {
		return &solanarpc.AccountInfo{Lamports: 1, Data: f.bufferData}, nil
	}
	return nil, solanarpc.ErrAccountNotFound
}

func (f *fakeClient) MinimumBalanceForRentExemption(ctx context.Context, size uint64) (uint64, error) {
	return size * 10, nil
}

func (f *fakeClient) BalanceLamports(ctx context.Context, pubkey solana.Pubkey) (uint64, error) {
	return f.balance, nil
}

func bufferAccountData(authority solana.Pubkey, payload []byte) []byte {
	raw := make([]byte, 0, solana.BufferMetadataLen+len(payload))
	var tag [4]byte
	binary.LittleEndian.PutUint32(tag[:], 1)
	raw = append(raw, tag[:]...)
	raw = append(raw, 1)
	raw = append(raw, authority[:]...)
	return append(raw, payload...)
}

func programAccountData(programData solana.Pubkey) []byte {
	raw := make([]byte, 0, solana.ProgramAccountLen)
	var tag [4]byte
	binary.LittleEndian.PutUint32(tag[:], 2)
	raw = append(raw, tag[:]...)
	return append(raw, programData[:]...)
}

func programDataAccountData(slot uint64, authority *solana.Pubkey, payload []byte) []byte {
	raw := make([]byte, 0, solana.ProgramDataMetadataLen+len(payload))
	var tag [4]byte
	binary.LittleEndian.PutUint32(tag[:], 3)
	raw = append(raw, tag[:]...)
	var slotBuf [8]byte
	binary.LittleEndian.PutUint64(slotBuf[:], slot)
	raw = append(raw, slotBuf[:]...)
	if authority != nil {
		raw = append(raw, 1)
		raw = append(raw, authority[:]...)
	} else {
		raw = append(raw, 0)
		raw = append(raw, make([]byte, 32)...)
	}
	return append(raw, payload...)
}

func testArtifact(t *testing.T, size int, fill byte) *artifact.Artifact {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = fill
	}
	return &artifact.Artifact{
		Path:   "test.so",
		Bytes:  data,
		Digest: artifact.ComputeDigest(data),
	}
}

type env struct {
	client    *fakeClient
	orch      *Orchestrator
	led       *ledger.Ledger
	store     *buffer.Store
	vault     *keyvault.Vault
	cfg       manifest.ResolvedConfig
	programKP *solana.Keypair
}

func newEnv(t *testing.T) *env {
	t.Helper()
	root := t.TempDir()

	deployerKP, err := solana.NewKeypair()
	require.NoError(t, err)
	authorityKP, err := solana.NewKeypair()
	require.NoError(t, err)

	deployerPath := filepath.Join(root, "deployer.json")
	authorityPath := filepath.Join(root, "authority.json")
	require.NoError(t, solana.WriteKeypairFile(deployerKP, deployerPath, false))
	require.NoError(t, solana.WriteKeypairFile(authorityKP, authorityPath, false))

	nc := manifest.NetworkConfig{
		Name:      "devnet",
		RPCURL:    "http://127.0.0.1:8899",
		Deployer:  deployerPath,
		Authority: authorityPath,
	}
	vault, err := keyvault.Load(nc)
	require.NoError(t, err)

	cfg := manifest.ResolvedConfig{
		Network:      nc,
		Binding:      manifest.ProgramBinding{Program: "counter"},
		ArtifactsDir: filepath.Join(root, "artifacts"),
		KeypairsDir:  filepath.Join(root, "program-keys"),
		LedgerPath:   filepath.Join(root, "deployments.json"),
	}

	led, err := ledger.Open(cfg.LedgerPath)
	require.NoError(t, err)

	// Pre-generate the program identity so tests can derive its
	// program-data address before running.
	programKP, err := solana.NewKeypair()
	require.NoError(t, err)
	require.NoError(t, solana.WriteKeypairFile(
		programKP, filepath.Join(cfg.KeypairsDir, "counter-devnet.json"), false))

	client := &fakeClient{
		accounts: make(map[solana.Pubkey]*solanarpc.AccountInfo),
		balance:  1_000_000_000_000,
	}
	store := buffer.NewStore(filepath.Join(root, "sessions"))
	writer := buffer.NewWriter(client, store, vault.Deployer().Keypair(), zerolog.Nop(),
		buffer.WithChunkSize(100),
		buffer.WithRetry(2, time.Millisecond),
	)

	return &env{
		client:    client,
		orch:      NewOrchestrator(client, writer, store, vault, cfg, led, zerolog.Nop()),
		led:       led,
		store:     store,
		vault:     vault,
		cfg:       cfg,
		programKP: programKP,
	}
}

// primeChain installs the program and program-data accounts as the chain
// would hold them after finalization, with payload as the live binary.
func (e *env) primeChain(t *testing.T, authority solana.Pubkey, payload []byte) solana.Pubkey {
	t.Helper()
	programData, err := solana.ProgramDataAddress(e.programKP.Pubkey())
	require.NoError(t, err)
	e.client.accounts[e.programKP.Pubkey()] = &solanarpc.AccountInfo{
		Lamports: 1,
		Owner:    solana.UpgradeableLoaderID,
		Data:     programAccountData(programData),
	}
	e.client.accounts[programData] = &solanarpc.AccountInfo{
		Lamports: 1,
		Owner:    solana.UpgradeableLoaderID,
		Data:     programDataAccountData(7, &authority, payload),
	}
	return programData
}

func (e *env) seedRecord(t *testing.T, digest artifact.Digest, authority solana.Pubkey, maxDataLen uint64) {
	t.Helper()
	require.NoError(t, e.led.Put(ledger.Record{
		Program:    "counter",
		Network:    "devnet",
		Address:    e.programKP.Pubkey(),
		Digest:     digest,
		Deployer:   e.vault.Deployer().Pubkey(),
		Authority:  authority,
		MaxDataLen: maxDataLen,
		UpdatedAt:  time.Now().UTC(),
	}))
}

func TestRun_FirstDeploy(t *testing.T) {
	e := newEnv(t)
	art := testArtifact(t, 250, 0xAA)

	// The chain already shows the post-deploy program data so the
	// read-back verification passes; the deploy transaction itself is
	// still sent because the program account check runs first.
	authorityPk := e.vault.Authority().Pubkey()
	programData, err := solana.ProgramDataAddress(e.programKP.Pubkey())
	require.NoError(t, err)
	e.client.accounts[programData] = &solanarpc.AccountInfo{
		Lamports: 1,
		Owner:    solana.UpgradeableLoaderID,
		Data:     programDataAccountData(7, &authorityPk, art.Bytes),
	}
	e.client.bufferData = bufferAccountData(e.vault.Deployer().Pubkey(), art.Bytes)

	res, err := e.orch.Run(context.Background(), ModeDeploy, art)
	require.NoError(t, err)
	require.Equal(t, artifact.OpFirstDeploy, res.Op)
	require.Equal(t, StateComplete, res.State)
	require.Equal(t, e.programKP.Pubkey(), res.Program)
	require.Equal(t, programData, res.ProgramData)

	// 1 create buffer + 3 chunks + 1 deploy. The handoff transaction is
	// skipped because the chain already shows the target authority.
	require.Equal(t, 5, e.client.sends)

	rec, err := e.led.Find("counter", "devnet")
	require.NoError(t, err)
	require.Equal(t, art.Digest, rec.Digest)
	require.Equal(t, uint64(500), rec.MaxDataLen)
	require.Equal(t, authorityPk, rec.Authority)
	require.Equal(t, e.programKP.Pubkey(), rec.Address)

	// Checkpoint is gone after completion.
	sess, err := e.store.Load("counter", "devnet")
	require.NoError(t, err)
	require.Nil(t, sess)
}

func TestRun_Upgrade(t *testing.T) {
	e := newEnv(t)
	oldArt := testArtifact(t, 200, 0x01)
	newArt := testArtifact(t, 250, 0x02)
	authorityPk := e.vault.Authority().Pubkey()

	e.seedRecord(t, oldArt.Digest, authorityPk, 1_000)
	e.primeChain(t, authorityPk, newArt.Bytes)
	e.client.bufferData = bufferAccountData(e.vault.Deployer().Pubkey(), newArt.Bytes)

	res, err := e.orch.Run(context.Background(), ModeUpgrade, newArt)
	require.NoError(t, err)
	require.Equal(t, artifact.OpUpgrade, res.Op)
	require.Equal(t, StateComplete, res.State)
	require.Equal(t, e.programKP.Pubkey(), res.Program)

	// 1 create buffer + 3 chunks + 1 buffer authority transfer + 1 upgrade.
	require.Equal(t, 6, e.client.sends)

	rec, err := e.led.Find("counter", "devnet")
	require.NoError(t, err)
	require.Equal(t, newArt.Digest, rec.Digest)
	// Capacity was fixed at first deploy and survives upgrades.
	require.Equal(t, uint64(1_000), rec.MaxDataLen)
}

func TestRun_NoOpNeeded(t *testing.T) {
	e := newEnv(t)
	art := testArtifact(t, 200, 0x05)
	e.seedRecord(t, art.Digest, e.vault.Authority().Pubkey(), 1_000)

	res, err := e.orch.Run(context.Background(), ModeUpgrade, art)
	require.NoError(t, err)
	require.Equal(t, artifact.OpNoOpNeeded, res.Op)
	require.Equal(t, StateComplete, res.State)
	require.Zero(t, e.client.sends)
}

func TestRun_ModeGuards(t *testing.T) {
	e := newEnv(t)
	art := testArtifact(t, 200, 0x05)

	_, err := e.orch.Run(context.Background(), ModeUpgrade, art)
	require.ErrorIs(t, err, ErrNotDeployed)

	// A record with a different digest means real work: deploy is the
	// wrong command for it.
	e.seedRecord(t, testArtifact(t, 200, 0x06).Digest, e.vault.Authority().Pubkey(), 1_000)
	_, err = e.orch.Run(context.Background(), ModeDeploy, art)
	require.ErrorIs(t, err, ErrAlreadyDeployed)

	require.Zero(t, e.client.sends)
}

func TestRun_RepeatDeployIsNoOp(t *testing.T) {
	e := newEnv(t)
	art := testArtifact(t, 200, 0x05)
	e.seedRecord(t, art.Digest, e.vault.Authority().Pubkey(), 1_000)

	// Deploying the artifact that is already live succeeds without
	// touching the network, same as a repeat upgrade.
	res, err := e.orch.Run(context.Background(), ModeDeploy, art)
	require.NoError(t, err)
	require.Equal(t, artifact.OpNoOpNeeded, res.Op)
	require.Equal(t, StateComplete, res.State)
	require.Equal(t, e.programKP.Pubkey(), res.Program)
	require.Zero(t, e.client.sends)
}

func TestRun_AuthorityMismatchInLedger(t *testing.T) {
	e := newEnv(t)
	art := testArtifact(t, 200, 0x06)
	other, err := solana.NewKeypair()
	require.NoError(t, err)

	e.seedRecord(t, testArtifact(t, 200, 0x01).Digest, other.Pubkey(), 1_000)

	_, err = e.orch.Run(context.Background(), ModeUpgrade, art)
	require.ErrorIs(t, err, ErrAuthorityMismatch)
	require.Zero(t, e.client.sends)
}

func TestRun_AuthorityMismatchOnChain(t *testing.T) {
	e := newEnv(t)
	art := testArtifact(t, 200, 0x06)
	authorityPk := e.vault.Authority().Pubkey()
	other, err := solana.NewKeypair()
	require.NoError(t, err)

	// Ledger agrees with the loaded key but the chain says someone else
	// holds upgrade rights.
	e.seedRecord(t, testArtifact(t, 200, 0x01).Digest, authorityPk, 1_000)
	otherPk := other.Pubkey()
	e.primeChain(t, otherPk, art.Bytes)

	_, err = e.orch.Run(context.Background(), ModeUpgrade, art)
	require.ErrorIs(t, err, ErrAuthorityMismatch)
	require.Zero(t, e.client.sends)
}

func TestRun_ArtifactExceedsCapacity(t *testing.T) {
	e := newEnv(t)
	art := testArtifact(t, 250, 0x07)
	e.seedRecord(t, testArtifact(t, 100, 0x01).Digest, e.vault.Authority().Pubkey(), 100)

	_, err := e.orch.Run(context.Background(), ModeUpgrade, art)
	require.ErrorIs(t, err, ErrTooLarge)
	require.Zero(t, e.client.sends)
}

func TestRun_InsufficientFunds(t *testing.T) {
	e := newEnv(t)
	art := testArtifact(t, 250, 0x08)
	e.client.balance = 10

	_, err := e.orch.Run(context.Background(), ModeDeploy, art)
	require.ErrorIs(t, err, fees.ErrInsufficientFunds)
	require.Zero(t, e.client.sends)
}

func TestRun_PinnedAddressMismatch(t *testing.T) {
	e := newEnv(t)
	art := testArtifact(t, 200, 0x09)
	other, err := solana.NewKeypair()
	require.NoError(t, err)
	e.cfg.Binding.Address = other.Pubkey()
	e.cfg.Binding.Pinned = true
	e.orch.cfg = e.cfg

	_, err = e.orch.Run(context.Background(), ModeDeploy, art)
	require.ErrorIs(t, err, ErrProgramKeyMismatch)
	require.Zero(t, e.client.sends)
}

func TestRun_ProgramAddressStableAcrossRetries(t *testing.T) {
	e := newEnv(t)
	art := testArtifact(t, 250, 0x0A)

	// First attempt dies in the fee preflight, after the program
	// identity was persisted.
	e.client.balance = 10
	_, err := e.orch.Run(context.Background(), ModeDeploy, art)
	require.ErrorIs(t, err, fees.ErrInsufficientFunds)

	authorityPk := e.vault.Authority().Pubkey()
	programData, err := solana.ProgramDataAddress(e.programKP.Pubkey())
	require.NoError(t, err)
	e.client.accounts[programData] = &solanarpc.AccountInfo{
		Lamports: 1,
		Owner:    solana.UpgradeableLoaderID,
		Data:     programDataAccountData(7, &authorityPk, art.Bytes),
	}
	e.client.bufferData = bufferAccountData(e.vault.Deployer().Pubkey(), art.Bytes)
	e.client.balance = 1_000_000_000_000

	res, err := e.orch.Run(context.Background(), ModeDeploy, art)
	require.NoError(t, err)
	require.Equal(t, e.programKP.Pubkey(), res.Program)
}

func TestRun_VerifyFailure(t *testing.T) {
	e := newEnv(t)
	art := testArtifact(t, 200, 0x0B)
	tampered := testArtifact(t, 200, 0x0C)

	authorityPk := e.vault.Authority().Pubkey()
	programData, err := solana.ProgramDataAddress(e.programKP.Pubkey())
	require.NoError(t, err)
	e.client.accounts[programData] = &solanarpc.AccountInfo{
		Lamports: 1,
		Owner:    solana.UpgradeableLoaderID,
		Data:     programDataAccountData(7, &authorityPk, tampered.Bytes),
	}
	e.client.bufferData = bufferAccountData(e.vault.Deployer().Pubkey(), art.Bytes)

	res, err := e.orch.Run(context.Background(), ModeDeploy, art)
	require.ErrorIs(t, err, ErrVerifyFailed)
	require.Equal(t, StateAborted, res.State)

	// No record is written for a failed operation.
	_, err = e.led.Find("counter", "devnet")
	require.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestStatus(t *testing.T) {
	e := newEnv(t)
	art := testArtifact(t, 200, 0x0D)
	authorityPk := e.vault.Authority().Pubkey()

	e.seedRecord(t, art.Digest, authorityPk, 1_000)
	e.primeChain(t, authorityPk, art.Bytes)

	st, err := e.orch.Status(context.Background())
	require.NoError(t, err)
	require.True(t, st.Live)
	require.True(t, st.AuthorityInSync)
	require.Equal(t, uint64(7), st.Slot)
	require.Equal(t, art.Digest, st.Record.Digest)
}

func TestStatus_NotDeployed(t *testing.T) {
	e := newEnv(t)
	_, err := e.orch.Status(context.Background())
	require.ErrorIs(t, err, ErrNotDeployed)
}
