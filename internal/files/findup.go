package files

import (
	"fmt"
	"os"
	"path/filepath"
)

// FindUp walks from dir toward the filesystem root looking for an entry
// with the given name, returning its full path.
func FindUp(name, dir string) (string, error) {
	curDir := dir
	for {
		entries, err := os.ReadDir(curDir)
		if err != nil {
			return "", fmt.Errorf("reading dir %q: %w", curDir, err)
		}
		for _, e := range entries {
			if name == e.Name() {
				return filepath.Join(curDir, name), nil
			}
		}
		parent := filepath.Dir(curDir)
		if parent == curDir {
			return "", fmt.Errorf("%q not found in %q or any parent", name, dir)
		}
		curDir = parent
	}
}
