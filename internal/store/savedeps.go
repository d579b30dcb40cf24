package store

import (
	"context"
	"fmt"
)

// ReplaceSaveDependencies atomically replaces the dependency edges scanned
// out of one user save file.
func (s *Store) ReplaceSaveDependencies(ctx context.Context, savePath string, refs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: beginning save-dependency transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM save_dependencies WHERE save_path = ?", savePath); err != nil {
		return fmt.Errorf("store: clearing save dependencies for %s: %w", savePath, err)
	}
	for _, ref := range refs {
		if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO save_dependencies (save_path, dependency_ref) VALUES (?, ?)", savePath, ref); err != nil {
			return fmt.Errorf("store: inserting save dependency %s -> %s: %w", savePath, ref, err)
		}
	}
	return tx.Commit()
}

// ListSaveDependents returns every save_path referencing depRef.
func (s *Store) ListSaveDependents(ctx context.Context, depRef string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT save_path FROM save_dependencies WHERE dependency_ref = ?", depRef)
	if err != nil {
		return nil, fmt.Errorf("store: listing save dependents of %s: %w", depRef, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("store: scanning save dependent row: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
