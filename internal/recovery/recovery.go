// Package recovery implements the stuck-store recovery action: removing the
// node sidecar's local persisted store so a supervised restart begins with a
// fresh copy. Deliberately fatal — there is no in-process repair path for a
// desynchronized store.
package recovery

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// PurgeNodeStore removes the node's persisted store files (the database
// plus any sidecar journal files sharing its prefix). Returns how many
// files were removed.
func PurgeNodeStore(storePath string) (int, error) {
	if storePath == "" {
		return 0, fmt.Errorf("recovery: no node store path configured")
	}

	matches, err := filepath.Glob(storePath + "*")
	if err != nil {
		return 0, fmt.Errorf("recovery: glob %s: %w", storePath, err)
	}

	removed := 0
	for _, path := range matches {
		if err := os.Remove(path); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return removed, fmt.Errorf("recovery: remove %s: %w", path, err)
		}
		slog.Warn("recovery: removed node store file", "path", path)
		removed++
	}
	return removed, nil
}
