package node

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// LayoutError reports a data directory that does not have the expected
// shape. Either the root itself is missing, or Missing lists the required
// class folders that are absent, in the order they were required.
type LayoutError struct {
	Root        string
	RootMissing bool
	Missing     []string
}

func (e *LayoutError) Error() string {
	if e.RootMissing {
		return fmt.Sprintf("data folder %q is missing", e.Root)
	}
	return fmt.Sprintf("data folder %q is missing subfolders %s", e.Root, strings.Join(e.Missing, ", "))
}

// ValidateLayout checks that root exists and holds a directory for every
// name in required. It returns a *LayoutError or nil.
func ValidateLayout(root string, required []string) error {
	info, err := os.Stat(root)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && !info.IsDir()) {
		return &LayoutError{Root: root, RootMissing: true}
	}
	if err != nil {
		return fmt.Errorf("failed to inspect %s: %w", root, err)
	}

	var missing []string
	for _, name := range required {
		info, err := os.Stat(filepath.Join(root, name))
		if err != nil || !info.IsDir() {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return &LayoutError{Root: root, Missing: missing}
	}
	return nil
}
