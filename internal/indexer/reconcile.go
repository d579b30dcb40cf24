package indexer

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bustesoul/varmanager/internal/store"
)

// reconcileRemovalsTx deletes every package record not present in seen
// (the set of canonical names parsed this scan), cascading dependency
// edges, scenes and hide/fav rows via DeletePackageTx, and removing the
// package's preview-cache directory tree.
func (ix *Indexer) reconcileRemovalsTx(ctx context.Context, tx *sql.Tx, seen map[string]bool) (int, error) {
	existing, err := listPackageNamesTx(ctx, tx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, name := range existing {
		if seen[name] {
			continue
		}
		if err := store.DeletePackageTx(ctx, tx, name); err != nil {
			return removed, err
		}
		if err := ix.deletePreviewDirs(name); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func listPackageNamesTx(ctx context.Context, tx *sql.Tx) ([]string, error) {
	rows, err := tx.QueryContext(ctx, "SELECT name FROM packages")
	if err != nil {
		return nil, fmt.Errorf("indexer: listing package names: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("indexer: scanning package name: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// scenePreviewAtomTypes is the closed set of per-atom preview directories
// a package may have populated, used to sweep every one of them on removal
// without first reading back which scenes the package had.
var scenePreviewAtomTypes = []string{"scenes", "looks", "clothing", "hairstyle", "morphs", "pose", "skin"}

func (ix *Indexer) deletePreviewDirs(pkgName string) error {
	for _, atomType := range scenePreviewAtomTypes {
		dir := filepath.Join(ix.libraryRoot, previewCacheDir, atomType, pkgName)
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("indexer: removing preview directory %s: %w", dir, err)
		}
	}
	return nil
}
