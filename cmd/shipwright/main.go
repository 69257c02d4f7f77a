// Command shipwright manages the deployment lifecycle of Solana programs:
// it builds artifacts, stages them into on-chain buffers, deploys and
// upgrades programs, and keeps a per-workspace ledger of what is live
// where and under whose upgrade authority.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/Abdullah1738/shipwright/artifact"
	"github.com/Abdullah1738/shipwright/buffer"
	"github.com/Abdullah1738/shipwright/deploy"
	"github.com/Abdullah1738/shipwright/fees"
	"github.com/Abdullah1738/shipwright/keyvault"
	"github.com/Abdullah1738/shipwright/ledger"
	"github.com/Abdullah1738/shipwright/manifest"
	"github.com/Abdullah1738/shipwright/solanarpc"
)

// Exit codes, one per failure class so wrappers and CI can branch on
// them without parsing log output.
const (
	exitOK        = 0
	exitGeneric   = 1
	exitConfig    = 2
	exitKey       = 3
	exitNetwork   = 4
	exitAuthority = 5
	exitLedger    = 6
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, manifest.ErrNotFound),
		errors.Is(err, manifest.ErrUnknownNetwork),
		errors.Is(err, manifest.ErrUnknownProgram),
		errors.Is(err, manifest.ErrAmbiguousBinding),
		errors.Is(err, manifest.ErrMissingKey):
		return exitConfig
	case errors.Is(err, keyvault.ErrUnreadable),
		errors.Is(err, keyvault.ErrInvalidFormat):
		return exitKey
	case errors.Is(err, deploy.ErrAuthorityMismatch):
		return exitAuthority
	case errors.Is(err, ledger.ErrPersist):
		return exitLedger
	case errors.Is(err, solanarpc.ErrRPCError),
		errors.Is(err, solanarpc.ErrTransactionFailed),
		errors.Is(err, solanarpc.ErrConfirmTimeout),
		errors.Is(err, buffer.ErrChunkWriteFailed),
		errors.Is(err, buffer.ErrCorrupted),
		errors.Is(err, fees.ErrInsufficientFunds):
		return exitNetwork
	default:
		return exitGeneric
	}
}

func run(argv []string) error {
	if len(argv) == 0 || argv[0] == "-h" || argv[0] == "--help" || argv[0] == "help" {
		printUsage(os.Stdout)
		return nil
	}

	switch argv[0] {
	case "init":
		return cmdInit(argv[1:])
	case "build":
		return cmdBuild(argv[1:])
	case "programs":
		return cmdPrograms(argv[1:])
	case "deploy":
		return cmdOperation(deploy.ModeDeploy, argv[1:])
	case "upgrade":
		return cmdOperation(deploy.ModeUpgrade, argv[1:])
	case "status":
		return cmdStatus(argv[1:])
	case "fund":
		return cmdFund(argv[1:])
	default:
		return fmt.Errorf("unknown command: %s", argv[0])
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "shipwright: Solana program deployment lifecycle")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  shipwright init [dir]")
	fmt.Fprintln(w, "  shipwright build")
	fmt.Fprintln(w, "  shipwright programs")
	fmt.Fprintln(w, "  shipwright deploy  --program <name> --network <name> [--artifact <path>]")
	fmt.Fprintln(w, "  shipwright upgrade --program <name> --network <name> [--artifact <path>]")
	fmt.Fprintln(w, "  shipwright status  --program <name> --network <name>")
	fmt.Fprintln(w, "  shipwright fund    --network <name> [--sol <amount>]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  init      Create Shipwright.yaml with per-network deployer keys.")
	fmt.Fprintln(w, "  build     Build the workspace (anchor build or cargo build-sbf).")
	fmt.Fprintln(w, "  programs  List declared programs and their recorded deployments.")
	fmt.Fprintln(w, "  deploy    First-time deployment of a program to a network.")
	fmt.Fprintln(w, "  upgrade   Replace the live code of an already deployed program.")
	fmt.Fprintln(w, "  status    Show the recorded deployment cross-checked on-chain.")
	fmt.Fprintln(w, "  fund      Request an airdrop to the deployer on a test cluster.")
}

func newFlagSet(name string) (*pflag.FlagSet, *bool) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	verbose := fs.BoolP("verbose", "v", false, "Enable debug logging")
	return fs, verbose
}

func newLogger(verbose bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// opContext cancels the operation on SIGINT/SIGTERM. In-flight chunk
// uploads checkpoint first, so an interrupted run resumes cleanly.
func opContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func cmdInit(argv []string) error {
	fs, _ := newFlagSet("init")
	if err := fs.Parse(argv); err != nil {
		return err
	}
	dir := "."
	if args := fs.Args(); len(args) == 1 {
		dir = args[0]
	} else if len(args) > 1 {
		return fmt.Errorf("unexpected args: %v", args[1:])
	}

	path, err := manifest.Init(dir)
	if err != nil {
		return err
	}
	fmt.Println("created", path)
	fmt.Println("add your programs under programs: and fund the per-network deployer keys")
	return nil
}

// cmdBuild shells out to the workspace's own build system: Anchor when an
// Anchor.toml is present, plain cargo build-sbf otherwise.
func cmdBuild(argv []string) error {
	fs, _ := newFlagSet("build")
	if err := fs.Parse(argv); err != nil {
		return err
	}

	m, err := manifest.Discover(".")
	if err != nil {
		return err
	}

	name := "cargo"
	args := []string{"build-sbf"}
	if _, err := os.Stat(filepath.Join(m.Root, "Anchor.toml")); err == nil {
		name = "anchor"
		args = []string{"build", "-v"}
	}

	cmd := exec.Command(name, args...)
	cmd.Dir = m.Root
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %s: %w", name, args[0], err)
	}
	return nil
}

func cmdPrograms(argv []string) error {
	fs, _ := newFlagSet("programs")
	if err := fs.Parse(argv); err != nil {
		return err
	}

	m, err := manifest.Discover(".")
	if err != nil {
		return err
	}
	ledgerPath := m.LedgerPath
	if !filepath.IsAbs(ledgerPath) {
		ledgerPath = filepath.Join(m.Root, ledgerPath)
	}
	led, err := ledger.Open(ledgerPath)
	if err != nil {
		return err
	}

	networks := make([]string, 0, len(m.Networks))
	for name := range m.Networks {
		networks = append(networks, name)
	}
	sort.Strings(networks)

	for _, program := range m.Programs {
		fmt.Println(program)
		soPath := filepath.Join(m.Root, "target", "deploy", program+".so")
		if art, err := artifact.Load(soPath); err == nil {
			fmt.Printf("  artifact   %s (%d bytes)\n", art.Digest.Short(), len(art.Bytes))
		} else {
			fmt.Println("  artifact   not built")
		}
		for _, network := range networks {
			rec, err := led.Find(program, network)
			switch {
			case err == nil:
				fmt.Printf("  %-10s %s (%s)\n", network, rec.Address, rec.Digest.Short())
			case errors.Is(err, ledger.ErrNotFound):
				if addr, ok := m.Networks[network].Programs[program]; ok && addr != "" {
					fmt.Printf("  %-10s %s (pinned, not deployed)\n", network, addr)
				} else {
					fmt.Printf("  %-10s not deployed\n", network)
				}
			default:
				return err
			}
		}
	}
	return nil
}

// project is the fully wired state shared by deploy, upgrade and status.
type project struct {
	manifest *manifest.Manifest
	cfg      manifest.ResolvedConfig
	orch     *deploy.Orchestrator
}

func loadProject(network, program string, log zerolog.Logger) (*project, error) {
	m, err := manifest.Discover(".")
	if err != nil {
		return nil, err
	}
	cfg, err := m.Resolve(network, program)
	if err != nil {
		return nil, err
	}
	vault, err := keyvault.Load(cfg.Network)
	if err != nil {
		return nil, err
	}
	led, err := ledger.Open(cfg.LedgerPath)
	if err != nil {
		return nil, err
	}

	client := solanarpc.New(cfg.Network.RPCURL, nil)
	store := buffer.NewStore(filepath.Join(m.Root, ".shipwright", "sessions"))
	writer := buffer.NewWriter(client, store, vault.Deployer().Keypair(), log)

	return &project{
		manifest: m,
		cfg:      cfg,
		orch:     deploy.NewOrchestrator(client, writer, store, vault, cfg, led, log),
	}, nil
}

func cmdOperation(mode deploy.Mode, argv []string) error {
	fs, verbose := newFlagSet(mode.String())
	program := fs.StringP("program", "p", "", "Program name declared in Shipwright.yaml")
	network := fs.String("network", "devnet", "Target network from Shipwright.yaml")
	artifactPath := fs.String("artifact", "", "Program binary (default target/deploy/<program>.so)")
	if err := fs.Parse(argv); err != nil {
		return err
	}
	if *program == "" || len(fs.Args()) != 0 {
		return fmt.Errorf("usage: shipwright %s --program <name> --network <name>", mode)
	}
	log := newLogger(*verbose)

	p, err := loadProject(*network, *program, log)
	if err != nil {
		return err
	}

	path := *artifactPath
	if path == "" {
		path = filepath.Join(p.manifest.Root, "target", "deploy", *program+".so")
	}
	art, err := artifact.Load(path)
	if err != nil {
		return err
	}

	ctx, cancel := opContext()
	defer cancel()

	res, err := p.orch.Run(ctx, mode, art)
	if err != nil {
		return err
	}

	fmt.Printf("%s %s on %s\n", res.Op, *program, *network)
	fmt.Printf("  address  %s\n", res.Program)
	fmt.Printf("  digest   %s\n", res.Digest.Short())
	if res.Signature != "" {
		fmt.Printf("  tx       %s\n", res.Signature)
	}
	return nil
}

// cmdFund tops up the network's deployer key from the cluster faucet.
// Only test clusters serve airdrops; mainnet RPCs reject the request.
func cmdFund(argv []string) error {
	fs, verbose := newFlagSet("fund")
	network := fs.String("network", "devnet", "Target network from Shipwright.yaml")
	sol := fs.Float64("sol", 1, "Amount to request, in SOL")
	if err := fs.Parse(argv); err != nil {
		return err
	}
	if len(fs.Args()) != 0 {
		return fmt.Errorf("unexpected args: %v", fs.Args())
	}
	if *sol <= 0 {
		return errors.New("--sol must be positive")
	}
	log := newLogger(*verbose)

	m, err := manifest.Discover(".")
	if err != nil {
		return err
	}
	nc, err := m.ResolveNetwork(*network)
	if err != nil {
		return err
	}
	vault, err := keyvault.Load(nc)
	if err != nil {
		return err
	}

	ctx, cancel := opContext()
	defer cancel()

	client := solanarpc.New(nc.RPCURL, nil)
	deployer := vault.Deployer().Pubkey()
	lamports := uint64(*sol * 1e9)

	sig, err := client.RequestAirdrop(ctx, deployer, lamports)
	if err != nil {
		return fmt.Errorf("airdrop on %s: %w", *network, err)
	}
	log.Info().Str("signature", sig).Msg("airdrop requested")

	balance, err := client.BalanceLamports(ctx, deployer)
	if err != nil {
		return err
	}
	fmt.Printf("deployer %s\n", deployer)
	fmt.Printf("  airdrop  %s\n", sig)
	fmt.Printf("  balance  %d lamports\n", balance)
	return nil
}

func cmdStatus(argv []string) error {
	fs, verbose := newFlagSet("status")
	program := fs.StringP("program", "p", "", "Program name declared in Shipwright.yaml")
	network := fs.String("network", "devnet", "Target network from Shipwright.yaml")
	if err := fs.Parse(argv); err != nil {
		return err
	}
	if *program == "" || len(fs.Args()) != 0 {
		return errors.New("usage: shipwright status --program <name> --network <name>")
	}
	log := newLogger(*verbose)

	p, err := loadProject(*network, *program, log)
	if err != nil {
		return err
	}

	ctx, cancel := opContext()
	defer cancel()

	st, err := p.orch.Status(ctx)
	if err != nil {
		return err
	}

	rec := st.Record
	fmt.Printf("%s on %s\n", *program, *network)
	fmt.Printf("  address       %s\n", rec.Address)
	fmt.Printf("  digest        %s\n", rec.Digest.Short())
	fmt.Printf("  authority     %s\n", rec.Authority)
	fmt.Printf("  max data len  %d\n", rec.MaxDataLen)
	fmt.Printf("  updated       %s\n", rec.UpdatedAt.Format(time.RFC3339))
	if !st.Live {
		fmt.Println("  on-chain      program data account not found")
		return nil
	}
	fmt.Printf("  deployed slot %d\n", st.Slot)
	switch {
	case st.OnChainAuthority == nil:
		fmt.Println("  on-chain      upgrade authority removed (program finalized)")
	case st.AuthorityInSync:
		fmt.Println("  on-chain      authority matches ledger")
	default:
		fmt.Printf("  on-chain      authority DRIFTED: %s\n", *st.OnChainAuthority)
	}
	return nil
}
