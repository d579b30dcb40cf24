package store

import (
	"context"
	"database/sql"
	"fmt"
)

// ReplaceHideFavTx atomically replaces the hide/fav rows owned by pkg. The
// caller (the indexer, reading the host's per-package preferences tree) is
// responsible for never passing an entry with both hide and fav set.
func ReplaceHideFavTx(ctx context.Context, tx *sql.Tx, pkg string, entries []HideFav) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM hide_fav WHERE package = ?", pkg); err != nil {
		return fmt.Errorf("store: clearing hide/fav for %s: %w", pkg, err)
	}
	for _, e := range entries {
		if e.Hide && e.Fav {
			return fmt.Errorf("store: hide_fav entry for %s/%s has both hide and fav set", pkg, e.ScenePath)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO hide_fav (package, scene_path, hide, fav) VALUES (?,?,?,?)`,
			pkg, e.ScenePath, boolToInt(e.Hide), boolToInt(e.Fav))
		if err != nil {
			return fmt.Errorf("store: inserting hide/fav %s/%s: %w", pkg, e.ScenePath, err)
		}
	}
	return nil
}

// SetHideFav upserts a single (package, scene_path) hide/fav pair outside
// of an indexer scan — used by the scene_{hide,fav,unhide,unfav} job kinds.
func (s *Store) SetHideFav(ctx context.Context, pkg, scenePath string, hide, fav bool) error {
	if hide && fav {
		return fmt.Errorf("store: cannot set both hide and fav for %s/%s", pkg, scenePath)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO hide_fav (package, scene_path, hide, fav) VALUES (?,?,?,?)
		ON CONFLICT(package, scene_path) DO UPDATE SET hide=excluded.hide, fav=excluded.fav`,
		pkg, scenePath, boolToInt(hide), boolToInt(fav))
	if err != nil {
		return fmt.Errorf("store: setting hide/fav for %s/%s: %w", pkg, scenePath, err)
	}
	return nil
}

// GetHideFav returns the hide/fav flags for one scene, defaulting to
// (false, false) ("normal") when no row exists.
func (s *Store) GetHideFav(ctx context.Context, pkg, scenePath string) (HideFav, error) {
	row := s.db.QueryRowContext(ctx, "SELECT hide, fav FROM hide_fav WHERE package = ? AND scene_path = ?", pkg, scenePath)
	var hide, fav int
	err := row.Scan(&hide, &fav)
	if err == sql.ErrNoRows {
		return HideFav{Package: pkg, ScenePath: scenePath}, nil
	}
	if err != nil {
		return HideFav{}, fmt.Errorf("store: getting hide/fav for %s/%s: %w", pkg, scenePath, err)
	}
	return HideFav{Package: pkg, ScenePath: scenePath, Hide: hide != 0, Fav: fav != 0}, nil
}
