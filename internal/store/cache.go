package store

import (
	"context"
	"database/sql"
	"fmt"
)

// UpsertCacheEntry inserts or replaces one image-cache index row.
func (s *Store) UpsertCacheEntry(ctx context.Context, e CacheEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (key, file_name, source_kind, source_url, source_root, source_rel,
			size_bytes, content_type, created_at, last_accessed, access_count)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(key) DO UPDATE SET
			file_name=excluded.file_name, source_kind=excluded.source_kind, source_url=excluded.source_url,
			source_root=excluded.source_root, source_rel=excluded.source_rel, size_bytes=excluded.size_bytes,
			content_type=excluded.content_type, last_accessed=excluded.last_accessed, access_count=excluded.access_count`,
		e.Key, e.FileName, e.SourceKind, e.SourceURL, e.SourceRoot, e.SourceRel,
		e.SizeBytes, e.ContentType, e.CreatedAt, e.LastAccessed, e.AccessCount)
	if err != nil {
		return fmt.Errorf("store: upserting cache entry %s: %w", e.Key, err)
	}
	return nil
}

// GetCacheEntry fetches one cache entry by key.
func (s *Store) GetCacheEntry(ctx context.Context, key string) (CacheEntry, bool, error) {
	row := s.db.QueryRowContext(ctx, cacheSelect+" WHERE key = ?", key)
	e, err := scanCacheEntry(row)
	if err == sql.ErrNoRows {
		return CacheEntry{}, false, nil
	}
	if err != nil {
		return CacheEntry{}, false, fmt.Errorf("store: getting cache entry %s: %w", key, err)
	}
	return e, true, nil
}

// TouchCacheEntry bumps last_accessed and access_count on a hit.
func (s *Store) TouchCacheEntry(ctx context.Context, key string, accessedAt int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE cache_entries SET last_accessed = ?, access_count = access_count + 1 WHERE key = ?`,
		accessedAt, key)
	if err != nil {
		return fmt.Errorf("store: touching cache entry %s: %w", key, err)
	}
	return nil
}

// DeleteCacheEntry removes one cache entry's index row (the caller is
// responsible for removing the backing file).
func (s *Store) DeleteCacheEntry(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM cache_entries WHERE key = ?", key); err != nil {
		return fmt.Errorf("store: deleting cache entry %s: %w", key, err)
	}
	return nil
}

// ClearCacheEntries removes every cache entry's index row.
func (s *Store) ClearCacheEntries(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM cache_entries"); err != nil {
		return fmt.Errorf("store: clearing cache entries: %w", err)
	}
	return nil
}

// ListCacheEntriesByLastAccessed returns every cache entry ordered oldest
// access first, the order eviction consumes.
func (s *Store) ListCacheEntriesByLastAccessed(ctx context.Context) ([]CacheEntry, error) {
	rows, err := s.db.QueryContext(ctx, cacheSelect+" ORDER BY last_accessed ASC")
	if err != nil {
		return nil, fmt.Errorf("store: listing cache entries: %w", err)
	}
	defer rows.Close()

	var out []CacheEntry
	for rows.Next() {
		e, err := scanCacheEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scanning cache entry row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// TotalCacheBytes sums size_bytes across every indexed entry.
func (s *Store) TotalCacheBytes(ctx context.Context) (int64, error) {
	var total sql.NullInt64
	if err := s.db.QueryRowContext(ctx, "SELECT SUM(size_bytes) FROM cache_entries").Scan(&total); err != nil {
		return 0, fmt.Errorf("store: summing cache bytes: %w", err)
	}
	return total.Int64, nil
}

const cacheSelect = `
	SELECT key, file_name, source_kind, source_url, source_root, source_rel,
		size_bytes, content_type, created_at, last_accessed, access_count
	FROM cache_entries`

func scanCacheEntry(r rowScanner) (CacheEntry, error) {
	var e CacheEntry
	var kind string
	if err := r.Scan(&e.Key, &e.FileName, &kind, &e.SourceURL, &e.SourceRoot, &e.SourceRel,
		&e.SizeBytes, &e.ContentType, &e.CreatedAt, &e.LastAccessed, &e.AccessCount); err != nil {
		return CacheEntry{}, err
	}
	e.SourceKind = CacheSourceKind(kind)
	return e, nil
}
