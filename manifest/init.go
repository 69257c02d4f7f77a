package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/Abdullah1738/shipwright/solana"
)

// InitNetworks are the networks a fresh workspace starts with.
var InitNetworks = []string{"mainnet", "devnet", "testnet", "localnet"}

// Init creates Shipwright.yaml in dir with one entry per well-known
// cluster and a freshly generated deployer keypair for each. The upgrade
// authority defaults to the operator's Solana CLI identity so the
// deployer/authority split is visible from day one.
func Init(dir string) (string, error) {
	path := filepath.Join(dir, FileName)
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("%s already exists in %s", FileName, dir)
	}

	m := Manifest{
		Programs:     []string{},
		ArtifactsDir: filepath.Join(".shipwright", "artifacts"),
		KeypairsDir:  filepath.Join(".shipwright", "program-keys"),
		LedgerPath:   "deployments.json",
		Networks:     make(map[string]NetworkConfig, len(InitNetworks)),
	}

	deployersDir := filepath.Join(dir, ".shipwright", "deployers")
	if err := os.MkdirAll(deployersDir, 0o755); err != nil {
		return "", err
	}

	for _, network := range InitNetworks {
		kp, err := solana.NewKeypair()
		if err != nil {
			return "", err
		}
		kpPath := filepath.Join(deployersDir, network+".json")
		if err := solana.WriteKeypairFile(kp, kpPath, false); err != nil {
			return "", fmt.Errorf("write deployer keypair for %s: %w", network, err)
		}
		m.Networks[network] = NetworkConfig{
			RPCURL:    clusterURLs[network],
			Deployer:  filepath.Join(".shipwright", "deployers", network+".json"),
			Authority: "~/.config/solana/id.json",
		}
	}

	raw, err := yaml.Marshal(&m)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return "", err
	}
	return path, nil
}
