package rollback

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/fyrsmithlabs/ledgerd/internal/checkpoint"
)

// verifyState checks the filesystem against a checkpoint's snapshot: the
// project work_dir must exist and every file_states entry must exist with
// the recorded SHA-256. Relative paths resolve against work_dir.
func verifyState(cp *checkpoint.Checkpoint) error {
	snap := cp.StateSnapshot
	if snap == nil {
		return nil
	}
	var workDir string
	if pc, ok := snap["project_context"].(map[string]any); ok {
		if workDir, _ = pc["work_dir"].(string); workDir != "" {
			if _, err := os.Stat(workDir); err != nil {
				return fmt.Errorf("work_dir %s: %w", workDir, err)
			}
		}
	}
	states, ok := snap["file_states"].(map[string]any)
	if !ok {
		return nil
	}
	for path, v := range states {
		want, _ := v.(string)
		got, err := fileSHA256(resolve(workDir, path))
		if err != nil {
			return err
		}
		if got != want {
			return fmt.Errorf("%s: hash %s, expected %s", path, got, want)
		}
	}
	return nil
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
