package store

import (
	"context"
	"database/sql"
	"fmt"
)

// ReplaceScenesTx atomically replaces every scene row owned by pkg.
func ReplaceScenesTx(ctx context.Context, tx *sql.Tx, pkg string, scenes []Scene) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM scenes WHERE package = ?", pkg); err != nil {
		return fmt.Errorf("store: clearing scenes for %s: %w", pkg, err)
	}
	for _, sc := range scenes {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO scenes (package, atom_type, preview_file, scene_path, is_preset, is_loadable)
			VALUES (?,?,?,?,?,?)`,
			pkg, sc.AtomType, sc.PreviewFile, sc.ScenePath, boolToInt(sc.IsPreset), boolToInt(sc.IsLoadable))
		if err != nil {
			return fmt.Errorf("store: inserting scene %s/%s: %w", pkg, sc.ScenePath, err)
		}
	}
	return nil
}

// ListScenes returns every scene row owned by pkg.
func (s *Store) ListScenes(ctx context.Context, pkg string) ([]Scene, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT package, atom_type, preview_file, scene_path, is_preset, is_loadable
		FROM scenes WHERE package = ?`, pkg)
	if err != nil {
		return nil, fmt.Errorf("store: listing scenes for %s: %w", pkg, err)
	}
	defer rows.Close()
	return scanScenes(rows)
}

// SceneFilter narrows ListScenesFiltered by the query parameters the
// GET /scenes endpoint exposes.
type SceneFilter struct {
	AtomType  string
	Creator   string
	Installed *bool
	Hide      *bool
	Fav       *bool
	Search    string
	Limit     int
	Offset    int
}

// ListScenesFiltered is the query backing GET /scenes: category, creator,
// installed, hide/fav and free-text search, joined across scenes, packages,
// install_status and hide_fav.
func (s *Store) ListScenesFiltered(ctx context.Context, f SceneFilter) ([]Scene, int, error) {
	where := "WHERE 1=1"
	args := []any{}
	if f.AtomType != "" {
		where += " AND sc.atom_type = ?"
		args = append(args, f.AtomType)
	}
	if f.Creator != "" {
		where += " AND p.creator = ?"
		args = append(args, f.Creator)
	}
	if f.Installed != nil {
		where += " AND COALESCE(i.installed, 0) = ?"
		args = append(args, boolToInt(*f.Installed))
	}
	if f.Hide != nil {
		where += " AND COALESCE(hf.hide, 0) = ?"
		args = append(args, boolToInt(*f.Hide))
	}
	if f.Fav != nil {
		where += " AND COALESCE(hf.fav, 0) = ?"
		args = append(args, boolToInt(*f.Fav))
	}
	if f.Search != "" {
		where += " AND sc.scene_path LIKE ? ESCAPE '\\'"
		args = append(args, "%"+escapeLike(f.Search)+"%")
	}

	base := `
		FROM scenes sc
		JOIN packages p ON p.name = sc.package
		LEFT JOIN install_status i ON i.package = sc.package
		LEFT JOIN hide_fav hf ON hf.package = sc.package AND hf.scene_path = sc.scene_path
		` + where

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) "+base, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("store: counting scenes: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := "SELECT sc.package, sc.atom_type, sc.preview_file, sc.scene_path, sc.is_preset, sc.is_loadable " + base + " ORDER BY sc.package, sc.scene_path LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("store: listing filtered scenes: %w", err)
	}
	defer rows.Close()

	scenes, err := scanScenes(rows)
	return scenes, total, err
}

func scanScenes(rows *sql.Rows) ([]Scene, error) {
	var out []Scene
	for rows.Next() {
		var sc Scene
		var isPreset, isLoadable int
		if err := rows.Scan(&sc.Package, &sc.AtomType, &sc.PreviewFile, &sc.ScenePath, &isPreset, &isLoadable); err != nil {
			return nil, fmt.Errorf("store: scanning scene row: %w", err)
		}
		sc.IsPreset = isPreset != 0
		sc.IsLoadable = isLoadable != 0
		out = append(out, sc)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
