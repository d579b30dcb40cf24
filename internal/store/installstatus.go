package store

import (
	"context"
	"database/sql"
	"fmt"
)

// UpsertInstallStatus sets the install status for one package. Activation
// (internal/activation) is the only component that should call this other
// than full reconciliation, and only ever after the corresponding link has
// actually been created or removed on disk.
func (s *Store) UpsertInstallStatus(ctx context.Context, status InstallStatus) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO install_status (package, installed, disabled) VALUES (?,?,?)
		ON CONFLICT(package) DO UPDATE SET installed=excluded.installed, disabled=excluded.disabled`,
		status.Package, boolToInt(status.Installed), boolToInt(status.Disabled))
	if err != nil {
		return fmt.Errorf("store: upserting install status for %s: %w", status.Package, err)
	}
	return nil
}

// DeleteInstallStatus removes the install-status row for a package, used
// after deactivation and after package deletion.
func (s *Store) DeleteInstallStatus(ctx context.Context, pkg string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM install_status WHERE package = ?", pkg); err != nil {
		return fmt.Errorf("store: deleting install status for %s: %w", pkg, err)
	}
	return nil
}

// GetInstallStatus returns the install status for pkg, defaulting to
// (false, false) when no row exists.
func (s *Store) GetInstallStatus(ctx context.Context, pkg string) (InstallStatus, error) {
	row := s.db.QueryRowContext(ctx, "SELECT installed, disabled FROM install_status WHERE package = ?", pkg)
	var installed, disabled int
	err := row.Scan(&installed, &disabled)
	if err == sql.ErrNoRows {
		return InstallStatus{Package: pkg}, nil
	}
	if err != nil {
		return InstallStatus{}, fmt.Errorf("store: getting install status for %s: %w", pkg, err)
	}
	return InstallStatus{Package: pkg, Installed: installed != 0, Disabled: disabled != 0}, nil
}

// ResetInstallStatus deletes every install-status row; reconciliation
// (internal/activation) calls this before rebuilding the table from the
// active link set.
func (s *Store) ResetInstallStatus(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM install_status"); err != nil {
		return fmt.Errorf("store: resetting install status: %w", err)
	}
	return nil
}

// ListInstalled returns every package name currently marked installed.
func (s *Store) ListInstalled(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT package FROM install_status WHERE installed = 1")
	if err != nil {
		return nil, fmt.Errorf("store: listing installed packages: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("store: scanning installed package row: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
