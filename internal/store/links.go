package store

import (
	"context"
	"database/sql"
	"fmt"
)

// UpsertExternalMirror records the highest-ranked, highest-version mirror
// URL observed for a package name, exact or version-stripped base; the caller (internal/links) has already
// applied rank/version tie-breaking before calling this.
func (s *Store) UpsertExternalMirror(ctx context.Context, m ExternalMirror) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO external_mirrors (package, url, provider_rank) VALUES (?,?,?)
		ON CONFLICT(package) DO UPDATE SET url=excluded.url, provider_rank=excluded.provider_rank`,
		m.Package, m.URL, m.ProviderRank)
	if err != nil {
		return fmt.Errorf("store: upserting external mirror for %s: %w", m.Package, err)
	}
	return nil
}

// GetExternalMirror looks up the recorded mirror URL for a package.
func (s *Store) GetExternalMirror(ctx context.Context, pkg string) (ExternalMirror, bool, error) {
	row := s.db.QueryRowContext(ctx, "SELECT package, url, provider_rank FROM external_mirrors WHERE package = ?", pkg)
	var m ExternalMirror
	err := row.Scan(&m.Package, &m.URL, &m.ProviderRank)
	if err == sql.ErrNoRows {
		return ExternalMirror{}, false, nil
	}
	if err != nil {
		return ExternalMirror{}, false, fmt.Errorf("store: getting external mirror for %s: %w", pkg, err)
	}
	return m, true, nil
}

// ClearExternalMirrors removes every recorded mirror, used before a fresh
// link-scanner pass.
func (s *Store) ClearExternalMirrors(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM external_mirrors"); err != nil {
		return fmt.Errorf("store: clearing external mirrors: %w", err)
	}
	return nil
}

// AddTorrentIndexEntry records that torrentPath contains pkg.
func (s *Store) AddTorrentIndexEntry(ctx context.Context, pkg, torrentPath string) error {
	_, err := s.db.ExecContext(ctx, "INSERT OR IGNORE INTO torrent_index (package, torrent_path) VALUES (?, ?)", pkg, torrentPath)
	if err != nil {
		return fmt.Errorf("store: indexing torrent entry %s in %s: %w", pkg, torrentPath, err)
	}
	return nil
}

// ListTorrentsFor returns every torrent file path known to contain pkg.
func (s *Store) ListTorrentsFor(ctx context.Context, pkg string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT torrent_path FROM torrent_index WHERE package = ?", pkg)
	if err != nil {
		return nil, fmt.Errorf("store: listing torrents for %s: %w", pkg, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("store: scanning torrent index row: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ClearTorrentIndex removes every torrent-index row, used before a fresh
// link-scanner pass.
func (s *Store) ClearTorrentIndex(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM torrent_index"); err != nil {
		return fmt.Errorf("store: clearing torrent index: %w", err)
	}
	return nil
}
