package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	appErr "runbox/pkg/errors"
)

// workspace is a private directory holding one run's files.
type workspace struct {
	dir string
}

func newWorkspace(root, runID string) (*workspace, error) {
	if root == "" {
		root = os.TempDir()
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create work root: %w", err)
	}
	dir, err := os.MkdirTemp(root, "run-"+dirSafe(runID)+"-")
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	return &workspace{dir: dir}, nil
}

// write materializes files. Every path must stay inside the workspace.
func (w *workspace) write(files map[string]string) error {
	for name, content := range files {
		target, err := safeJoin(w.dir, name)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return fmt.Errorf("create directory for %s: %w", name, err)
		}
		if err := os.WriteFile(target, []byte(content), 0644); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	return nil
}

func (w *workspace) remove() error {
	return os.RemoveAll(w.dir)
}

func safeJoin(root, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if name == "" || filepath.IsAbs(clean) || clean == "." || clean == ".." ||
		strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", appErr.Newf(appErr.InvalidSnapshotPath, "invalid file path %q", name)
	}
	return filepath.Join(root, clean), nil
}

func dirSafe(runID string) string {
	var b strings.Builder
	for _, r := range runID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		}
		if b.Len() >= 64 {
			break
		}
	}
	return b.String()
}
