// Package manifest loads and resolves the Shipwright.yaml project
// manifest: per-network RPC endpoints, deployer and upgrade-authority key
// references, and program-address bindings.
package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Abdullah1738/shipwright/solana"
)

const FileName = "Shipwright.yaml"

var (
	ErrNotFound         = errors.New("manifest not found")
	ErrUnknownNetwork   = errors.New("unknown network")
	ErrUnknownProgram   = errors.New("unknown program")
	ErrMissingKey       = errors.New("keypair file missing")
	ErrAmbiguousBinding = errors.New("ambiguous program binding")
)

// Well-known cluster endpoints, used when a network entry named after a
// public cluster omits rpc_url.
var clusterURLs = map[string]string{
	"mainnet":  "https://api.mainnet-beta.solana.com",
	"devnet":   "https://api.devnet.solana.com",
	"testnet":  "https://api.testnet.solana.com",
	"localnet": "http://127.0.0.1:8899",
}

type Manifest struct {
	// Programs declares every deployable program by name. Deploy and
	// upgrade refuse names outside this list.
	Programs []string `yaml:"programs"`

	ArtifactsDir string `yaml:"artifacts_dir"`
	KeypairsDir  string `yaml:"keypairs_dir"`
	LedgerPath   string `yaml:"ledger"`

	Networks map[string]NetworkConfig `yaml:"networks"`

	// Root is the directory containing the manifest file.
	Root string `yaml:"-"`
}

type NetworkConfig struct {
	Name      string `yaml:"-"`
	RPCURL    string `yaml:"rpc_url"`
	Deployer  string `yaml:"deployer"`
	Authority string `yaml:"authority"`

	// Programs optionally pins a program name to an address on this
	// network. Absent entries request address auto-generation on first
	// deploy.
	Programs map[string]string `yaml:"programs,omitempty"`
}

// ProgramBinding is the per-network address binding for one program.
type ProgramBinding struct {
	Program string
	Address solana.Pubkey // zero unless pinned
	Pinned  bool
}

// ResolvedConfig is everything one (program, network) operation needs,
// with key and directory paths expanded relative to the manifest root.
type ResolvedConfig struct {
	Network      NetworkConfig
	Binding      ProgramBinding
	ArtifactsDir string
	KeypairsDir  string
	LedgerPath   string
}

func Load(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, err
	}

	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	m.Root = filepath.Dir(abs)
	m.applyDefaults()

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Discover walks upward from startDir looking for Shipwright.yaml, the
// same way the build tooling discovers a workspace root.
func Discover(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}
	for {
		candidate := filepath.Join(dir, FileName)
		if _, err := os.Stat(candidate); err == nil {
			return Load(candidate)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, fmt.Errorf("%w: no %s in %s or any parent", ErrNotFound, FileName, startDir)
		}
		dir = parent
	}
}

func (m *Manifest) applyDefaults() {
	if m.ArtifactsDir == "" {
		m.ArtifactsDir = filepath.Join(".shipwright", "artifacts")
	}
	if m.KeypairsDir == "" {
		m.KeypairsDir = filepath.Join(".shipwright", "program-keys")
	}
	if m.LedgerPath == "" {
		m.LedgerPath = "deployments.json"
	}
	for name, nc := range m.Networks {
		if nc.RPCURL == "" {
			nc.RPCURL = clusterURLs[name]
		}
		nc.Name = name
		m.Networks[name] = nc
	}
}

// Validate rejects manifests that could route an operation to the wrong
// program: within one network no address may be bound to two names, and
// every pinned name must be a declared program.
func (m *Manifest) Validate() error {
	declared := make(map[string]bool, len(m.Programs))
	for _, p := range m.Programs {
		p = strings.TrimSpace(p)
		if p == "" {
			return errors.New("empty program name in manifest")
		}
		if declared[p] {
			return fmt.Errorf("program %q declared twice", p)
		}
		declared[p] = true
	}

	networks := make([]string, 0, len(m.Networks))
	for name := range m.Networks {
		networks = append(networks, name)
	}
	sort.Strings(networks)

	for _, name := range networks {
		nc := m.Networks[name]
		if strings.TrimSpace(nc.RPCURL) == "" {
			return fmt.Errorf("network %q: rpc_url required", name)
		}
		if strings.TrimSpace(nc.Deployer) == "" {
			return fmt.Errorf("network %q: deployer keypair required", name)
		}
		if strings.TrimSpace(nc.Authority) == "" {
			return fmt.Errorf("network %q: authority keypair required", name)
		}

		byAddress := make(map[string]string, len(nc.Programs))
		pinned := make([]string, 0, len(nc.Programs))
		for prog := range nc.Programs {
			pinned = append(pinned, prog)
		}
		sort.Strings(pinned)
		for _, prog := range pinned {
			addr := strings.TrimSpace(nc.Programs[prog])
			if !declared[prog] {
				return fmt.Errorf("%w: %q pinned on network %q but not declared", ErrUnknownProgram, prog, name)
			}
			if addr == "" {
				continue
			}
			if _, err := solana.ParsePubkey(addr); err != nil {
				return fmt.Errorf("network %q: program %q: %w", name, prog, err)
			}
			if other, ok := byAddress[addr]; ok {
				return fmt.Errorf("%w: address %s bound to both %q and %q on network %q",
					ErrAmbiguousBinding, addr, other, prog, name)
			}
			byAddress[addr] = prog
		}
	}
	return nil
}

// ResolveNetwork returns a network's configuration with key references
// expanded and checked for existence.
func (m *Manifest) ResolveNetwork(network string) (NetworkConfig, error) {
	nc, ok := m.Networks[network]
	if !ok {
		return NetworkConfig{}, fmt.Errorf("%w: %q", ErrUnknownNetwork, network)
	}

	deployerPath, err := m.expand(nc.Deployer)
	if err != nil {
		return NetworkConfig{}, err
	}
	authorityPath, err := m.expand(nc.Authority)
	if err != nil {
		return NetworkConfig{}, err
	}
	for _, p := range []string{deployerPath, authorityPath} {
		if _, err := os.Stat(p); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return NetworkConfig{}, fmt.Errorf("%w: %s", ErrMissingKey, p)
			}
			return NetworkConfig{}, err
		}
	}
	nc.Deployer = deployerPath
	nc.Authority = authorityPath
	return nc, nil
}

// Resolve produces the effective configuration for one (program, network)
// pair. Key references are checked for existence so a bad manifest fails
// before any network traffic.
func (m *Manifest) Resolve(network, program string) (ResolvedConfig, error) {
	nc, err := m.ResolveNetwork(network)
	if err != nil {
		return ResolvedConfig{}, err
	}

	found := false
	for _, p := range m.Programs {
		if p == program {
			found = true
			break
		}
	}
	if !found {
		return ResolvedConfig{}, fmt.Errorf("%w: %q (declare it under programs: in %s)", ErrUnknownProgram, program, FileName)
	}

	binding := ProgramBinding{Program: program}
	if addr := strings.TrimSpace(nc.Programs[program]); addr != "" {
		pk, err := solana.ParsePubkey(addr)
		if err != nil {
			return ResolvedConfig{}, fmt.Errorf("program %q on network %q: %w", program, network, err)
		}
		binding.Address = pk
		binding.Pinned = true
	}

	artifactsDir, err := m.expand(m.ArtifactsDir)
	if err != nil {
		return ResolvedConfig{}, err
	}
	keypairsDir, err := m.expand(m.KeypairsDir)
	if err != nil {
		return ResolvedConfig{}, err
	}
	ledgerPath, err := m.expand(m.LedgerPath)
	if err != nil {
		return ResolvedConfig{}, err
	}

	return ResolvedConfig{
		Network:      nc,
		Binding:      binding,
		ArtifactsDir: artifactsDir,
		KeypairsDir:  keypairsDir,
		LedgerPath:   ledgerPath,
	}, nil
}

// expand resolves ~ and makes relative paths relative to the manifest
// root rather than the process working directory.
func (m *Manifest) expand(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", errors.New("empty path")
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("expand %q: %w", path, err)
		}
		path = filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(m.Root, path)
	}
	return filepath.Clean(path), nil
}
