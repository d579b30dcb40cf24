package store

import (
	"context"
	"database/sql"
	"fmt"
)

// UpsertPackageTx upserts one package record within the indexer's scan
// transaction.
func UpsertPackageTx(ctx context.Context, tx *sql.Tx, p Package) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO packages (
			name, creator, package, version, var_date, size_mib, meta_date, description,
			scene_count, look_count, cloth_count, hair_count, skin_count, pose_count,
			morph_count, plugin_count, asset_count, texture_count, sub_scene_count,
			appearance_count, dependency_count
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(name) DO UPDATE SET
			creator=excluded.creator, package=excluded.package, version=excluded.version,
			var_date=excluded.var_date, size_mib=excluded.size_mib, meta_date=excluded.meta_date,
			description=excluded.description, scene_count=excluded.scene_count,
			look_count=excluded.look_count, cloth_count=excluded.cloth_count,
			hair_count=excluded.hair_count, skin_count=excluded.skin_count,
			pose_count=excluded.pose_count, morph_count=excluded.morph_count,
			plugin_count=excluded.plugin_count, asset_count=excluded.asset_count,
			texture_count=excluded.texture_count, sub_scene_count=excluded.sub_scene_count,
			appearance_count=excluded.appearance_count, dependency_count=excluded.dependency_count
	`,
		p.Name, p.Creator, p.PackageName, p.Version, p.VarDate, p.SizeMiB, p.MetaDate, p.Description,
		p.SceneCount, p.LookCount, p.ClothCount, p.HairCount, p.SkinCount, p.PoseCount,
		p.MorphCount, p.PluginCount, p.AssetCount, p.TextureCount, p.SubSceneCount,
		p.AppearanceCount, p.DependencyCount,
	)
	if err != nil {
		return fmt.Errorf("store: upserting package %s: %w", p.Name, err)
	}
	return nil
}

// DeletePackageTx removes a package and everything it owns: dependency
// edges, scenes, and hide/fav flags. Install status and preview-directory
// cleanup are the caller's responsibility (they live outside the store).
func DeletePackageTx(ctx context.Context, tx *sql.Tx, name string) error {
	stmts := []string{
		"DELETE FROM packages WHERE name = ?",
		"DELETE FROM dependencies WHERE from_package = ?",
		"DELETE FROM scenes WHERE package = ?",
		"DELETE FROM hide_fav WHERE package = ?",
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt, name); err != nil {
			return fmt.Errorf("store: deleting package %s: %w", name, err)
		}
	}
	return nil
}

// GetPackage fetches one package record by its canonical name.
func (s *Store) GetPackage(ctx context.Context, name string) (p Package, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, creator, package, version, var_date, size_mib, meta_date, description,
			scene_count, look_count, cloth_count, hair_count, skin_count, pose_count,
			morph_count, plugin_count, asset_count, texture_count, sub_scene_count,
			appearance_count, dependency_count
		FROM packages WHERE name = ?`, name)
	if err = scanPackage(row, &p); err != nil {
		if err == sql.ErrNoRows {
			return Package{}, false, nil
		}
		return Package{}, false, fmt.Errorf("store: getting package %s: %w", name, err)
	}
	return p, true, nil
}

// ListPackageNames returns every package name currently in the store.
func (s *Store) ListPackageNames(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM packages")
	if err != nil {
		return nil, fmt.Errorf("store: listing package names: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("store: scanning package name: %w", err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// ListScanView returns the lightweight (name, mtime, size) projection the
// indexer diffs against the filesystem on each scan.
func (s *Store) ListScanView(ctx context.Context) ([]ScanView, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name, var_date, size_mib FROM packages")
	if err != nil {
		return nil, fmt.Errorf("store: listing scan view: %w", err)
	}
	defer rows.Close()

	var out []ScanView
	for rows.Next() {
		var v ScanView
		if err := rows.Scan(&v.Name, &v.VarDate, &v.SizeMiB); err != nil {
			return nil, fmt.Errorf("store: scanning scan view row: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// ListVersions returns every installed version string under (creator,
// package), used by the resolver for latest/closest resolution.
func (s *Store) ListVersions(ctx context.Context, creator, pkg string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT version FROM packages WHERE creator = ? AND package = ?", creator, pkg)
	if err != nil {
		return nil, fmt.Errorf("store: listing versions for %s.%s: %w", creator, pkg, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("store: scanning version row: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// PackageFilter narrows ListPackages by optional equality/substring
// predicates; zero values are "no filter".
type PackageFilter struct {
	Creator string
	Search  string // substring match against package name, case-insensitive
	SortBy  string // one of "name", "meta_date", "var_date", "size_mib", "dependency_count"; default "name"
	Desc    bool
	Limit   int
	Offset  int
}

// ListPackages returns a filtered, sorted, paged slice of package records
// plus the total count ignoring Limit/Offset (for pagination headers).
func (s *Store) ListPackages(ctx context.Context, f PackageFilter) (pkgs []Package, total int, err error) {
	where := "WHERE 1=1"
	args := []any{}
	if f.Creator != "" {
		where += " AND creator = ?"
		args = append(args, f.Creator)
	}
	if f.Search != "" {
		where += " AND package LIKE ? ESCAPE '\\'"
		args = append(args, "%"+escapeLike(f.Search)+"%")
	}

	countRow := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM packages "+where, args...)
	if err := countRow.Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("store: counting packages: %w", err)
	}

	sortCol := "name"
	switch f.SortBy {
	case "meta_date", "var_date", "size_mib", "dependency_count":
		sortCol = f.SortBy
	}
	dir := "ASC"
	if f.Desc {
		dir = "DESC"
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	query := fmt.Sprintf(`
		SELECT name, creator, package, version, var_date, size_mib, meta_date, description,
			scene_count, look_count, cloth_count, hair_count, skin_count, pose_count,
			morph_count, plugin_count, asset_count, texture_count, sub_scene_count,
			appearance_count, dependency_count
		FROM packages %s ORDER BY %s %s LIMIT ? OFFSET ?`, where, sortCol, dir)
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("store: listing packages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p Package
		if err := scanPackage(rows, &p); err != nil {
			return nil, 0, fmt.Errorf("store: scanning package row: %w", err)
		}
		pkgs = append(pkgs, p)
	}
	return pkgs, total, rows.Err()
}

// ListCreators returns distinct creators, used by the /creators endpoint's
// prefix-preferring search.
func (s *Store) ListCreators(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT creator FROM packages ORDER BY creator")
	if err != nil {
		return nil, fmt.Errorf("store: listing creators: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("store: scanning creator row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPackage(r rowScanner, p *Package) error {
	return r.Scan(
		&p.Name, &p.Creator, &p.PackageName, &p.Version, &p.VarDate, &p.SizeMiB, &p.MetaDate, &p.Description,
		&p.SceneCount, &p.LookCount, &p.ClothCount, &p.HairCount, &p.SkinCount, &p.PoseCount,
		&p.MorphCount, &p.PluginCount, &p.AssetCount, &p.TextureCount, &p.SubSceneCount,
		&p.AppearanceCount, &p.DependencyCount,
	)
}

func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '%' || c == '_' || c == '\\' {
			out = append(out, '\\')
		}
		out = append(out, c)
	}
	return string(out)
}
