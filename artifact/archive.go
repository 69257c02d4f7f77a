package artifact

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
)

// Archive writes a compressed copy of a deployed binary plus a digest
// sidecar under dir/<program>/<digest-prefix>/. Called after a successful
// deploy or upgrade so the exact bytes live on-chain are auditable later.
func Archive(art *Artifact, dir, program string) (string, error) {
	root := filepath.Join(dir, program, art.Digest.Short())
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", fmt.Errorf("archive dir: %w", err)
	}

	binPath := filepath.Join(root, "program.so.gz")
	tmp, err := os.CreateTemp(root, ".tmp-archive-*")
	if err != nil {
		return "", err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	zw := gzip.NewWriter(tmp)
	if _, err := zw.Write(art.Bytes); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("compress artifact: %w", err)
	}
	if err := zw.Close(); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("compress artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmpName, binPath); err != nil {
		return "", err
	}

	digestPath := filepath.Join(root, "digest")
	if err := os.WriteFile(digestPath, []byte(art.Digest.Hex()+"\n"), 0o644); err != nil {
		return "", err
	}
	return root, nil
}
