package indexer

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// loadPendingInstalls reads the deferred-install sidecar, one symbolic name
// per line, ignoring blank lines. A missing file is not an error: the
// first scan on a fresh library simply starts with nothing pending.
func loadPendingInstalls(libraryRoot string) ([]string, error) {
	path := filepath.Join(libraryRoot, pendingInstallsFile)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("indexer: reading %s: %w", path, err)
	}
	defer f.Close()

	seen := make(map[string]bool)
	var out []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || seen[line] {
			continue
		}
		seen[line] = true
		out = append(out, line)
	}
	return out, scanner.Err()
}

// savePendingInstalls rewrites the sidecar with exactly names, one per
// line, or removes it entirely when names is empty.
func savePendingInstalls(libraryRoot string, names []string) error {
	path := filepath.Join(libraryRoot, pendingInstallsFile)
	if len(names) == 0 {
		err := os.Remove(path)
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("indexer: removing %s: %w", path, err)
		}
		return nil
	}
	data := strings.Join(names, "\n") + "\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		return fmt.Errorf("indexer: writing %s: %w", path, err)
	}
	return nil
}
