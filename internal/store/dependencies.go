package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// ReplaceDependenciesTx atomically replaces every dependency edge owned by
// fromPackage with refs, as part of the indexer's per-package scan
// transaction.
func ReplaceDependenciesTx(ctx context.Context, tx *sql.Tx, fromPackage string, refs []string) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM dependencies WHERE from_package = ?", fromPackage); err != nil {
		return fmt.Errorf("store: clearing dependencies for %s: %w", fromPackage, err)
	}
	for _, ref := range refs {
		if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO dependencies (from_package, dependency_ref) VALUES (?, ?)", fromPackage, ref); err != nil {
			return fmt.Errorf("store: inserting dependency %s -> %s: %w", fromPackage, ref, err)
		}
	}
	return nil
}

// DependencyEdge is one (from, to) pair as stored (the "to" side is always
// the symbolic reference, never a resolved name).
type DependencyEdge struct {
	FromPackage   string
	DependencyRef string
}

// ListDependencies returns every dependency edge from fromPackage.
func (s *Store) ListDependencies(ctx context.Context, fromPackage string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT dependency_ref FROM dependencies WHERE from_package = ?", fromPackage)
	if err != nil {
		return nil, fmt.Errorf("store: listing dependencies for %s: %w", fromPackage, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, fmt.Errorf("store: scanning dependency row: %w", err)
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

// ListAllDependencies returns every edge in the store.
func (s *Store) ListAllDependencies(ctx context.Context) ([]DependencyEdge, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT from_package, dependency_ref FROM dependencies")
	if err != nil {
		return nil, fmt.Errorf("store: listing all dependencies: %w", err)
	}
	defer rows.Close()
	return scanEdges(rows)
}

// ListDependenciesForInstalled returns edges whose from_package is
// currently marked installed.
func (s *Store) ListDependenciesForInstalled(ctx context.Context) ([]DependencyEdge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.from_package, d.dependency_ref
		FROM dependencies d
		JOIN install_status i ON i.package = d.from_package
		WHERE i.installed = 1`)
	if err != nil {
		return nil, fmt.Errorf("store: listing dependencies for installed packages: %w", err)
	}
	defer rows.Close()
	return scanEdges(rows)
}

// ListDependenciesFor returns edges whose from_package is in names.
func (s *Store) ListDependenciesFor(ctx context.Context, names []string) ([]DependencyEdge, error) {
	if len(names) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(names))
	args := make([]any, len(names))
	for i, n := range names {
		placeholders[i] = "?"
		args[i] = n
	}
	query := fmt.Sprintf("SELECT from_package, dependency_ref FROM dependencies WHERE from_package IN (%s)", strings.Join(placeholders, ","))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: listing dependencies for package set: %w", err)
	}
	defer rows.Close()
	return scanEdges(rows)
}

// ListDependents returns every from_package whose dependency edges
// reference depRef (used by the /dependents endpoint and the resolver's
// implicated closure).
func (s *Store) ListDependents(ctx context.Context, depRef string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT from_package FROM dependencies WHERE dependency_ref = ?", depRef)
	if err != nil {
		return nil, fmt.Errorf("store: listing dependents of %s: %w", depRef, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("store: scanning dependent row: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func scanEdges(rows *sql.Rows) ([]DependencyEdge, error) {
	var out []DependencyEdge
	for rows.Next() {
		var e DependencyEdge
		if err := rows.Scan(&e.FromPackage, &e.DependencyRef); err != nil {
			return nil, fmt.Errorf("store: scanning dependency edge: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
