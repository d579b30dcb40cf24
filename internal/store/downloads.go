package store

import (
	"context"
	"database/sql"
	"fmt"
)

// InsertDownload creates a new download row in the "queued" state.
func (s *Store) InsertDownload(ctx context.Context, url, name string) (Download, error) {
	now := unixNow()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO downloads (url, name, status, downloaded_bytes, speed_bytes, created_at, updated_at)
		VALUES (?,?,?,0,0,?,?)`,
		url, name, DownloadQueued, now, now)
	if err != nil {
		return Download{}, fmt.Errorf("store: inserting download for %s: %w", url, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Download{}, fmt.Errorf("store: reading new download id: %w", err)
	}
	d, ok, err := s.GetDownload(ctx, id)
	if err != nil {
		return Download{}, err
	}
	if !ok {
		return Download{}, fmt.Errorf("store: inserted download %d vanished", id)
	}
	return d, nil
}

// GetDownload fetches one download by id.
func (s *Store) GetDownload(ctx context.Context, id int64) (Download, bool, error) {
	row := s.db.QueryRowContext(ctx, downloadSelect+" WHERE id = ?", id)
	d, err := scanDownload(row)
	if err == sql.ErrNoRows {
		return Download{}, false, nil
	}
	if err != nil {
		return Download{}, false, fmt.Errorf("store: getting download %d: %w", id, err)
	}
	return d, true, nil
}

// ListDownloads returns every download row, most recently created first.
func (s *Store) ListDownloads(ctx context.Context) ([]Download, error) {
	rows, err := s.db.QueryContext(ctx, downloadSelect+" ORDER BY created_at DESC")
	if err != nil {
		return nil, fmt.Errorf("store: listing downloads: %w", err)
	}
	defer rows.Close()

	var out []Download
	for rows.Next() {
		d, err := scanDownload(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scanning download row: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// FindNonTerminalByURL returns a download with the given URL whose status
// is queued, downloading or paused, if one exists — used to enforce the
// enqueue-dedup invariant (L4).
func (s *Store) FindNonTerminalByURL(ctx context.Context, url string) (Download, bool, error) {
	row := s.db.QueryRowContext(ctx, downloadSelect+` WHERE url = ? AND status IN (?,?,?)`,
		url, DownloadQueued, DownloadDownloading, DownloadPaused)
	d, err := scanDownload(row)
	if err == sql.ErrNoRows {
		return Download{}, false, nil
	}
	if err != nil {
		return Download{}, false, fmt.Errorf("store: finding non-terminal download for %s: %w", url, err)
	}
	return d, true, nil
}

// UpdateDownloadProgress coalesces a progress tick: downloaded bytes,
// optional total bytes (only set once known) and current speed.
func (s *Store) UpdateDownloadProgress(ctx context.Context, id int64, downloaded int64, total *int64, speed int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE downloads SET downloaded_bytes = ?, total_bytes = COALESCE(?, total_bytes), speed_bytes = ?, updated_at = ?
		WHERE id = ?`, downloaded, total, speed, unixNow(), id)
	if err != nil {
		return fmt.Errorf("store: updating download progress for %d: %w", id, err)
	}
	return nil
}

// SetDownloadPaths records the resolved save/temp paths and, once known,
// the total size advertised by the server.
func (s *Store) SetDownloadPaths(ctx context.Context, id int64, savePath, tempPath string, total *int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE downloads SET save_path = ?, temp_path = ?, total_bytes = COALESCE(?, total_bytes), updated_at = ?
		WHERE id = ?`, savePath, tempPath, total, unixNow(), id)
	if err != nil {
		return fmt.Errorf("store: setting download paths for %d: %w", id, err)
	}
	return nil
}

// SetDownloadStatus transitions a download's status, clearing the error
// field unless one is supplied.
func (s *Store) SetDownloadStatus(ctx context.Context, id int64, status DownloadStatus, errMsg string) error {
	var errVal any
	if errMsg != "" {
		errVal = errMsg
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE downloads SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		status, errVal, unixNow(), id)
	if err != nil {
		return fmt.Errorf("store: setting download status for %d: %w", id, err)
	}
	return nil
}

// ResetSpeedZero sets speed_bytes to 0 without touching any other field;
// used by pause and by startup recovery.
func (s *Store) ResetSpeedZero(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, "UPDATE downloads SET speed_bytes = 0, updated_at = ? WHERE id = ?", unixNow(), id)
	if err != nil {
		return fmt.Errorf("store: resetting speed for %d: %w", id, err)
	}
	return nil
}

// ForceNonTerminalToPaused implements startup recovery: every download not
// already in a terminal state is forced to paused with speed 0.
func (s *Store) ForceNonTerminalToPaused(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE downloads SET status = ?, speed_bytes = 0, updated_at = ?
		WHERE status IN (?,?,?)`,
		DownloadPaused, unixNow(), DownloadQueued, DownloadDownloading, DownloadPaused)
	if err != nil {
		return 0, fmt.Errorf("store: forcing non-terminal downloads to paused: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: reading rows affected: %w", err)
	}
	return int(n), nil
}

// DeleteDownload removes a download row.
func (s *Store) DeleteDownload(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM downloads WHERE id = ?", id); err != nil {
		return fmt.Errorf("store: deleting download %d: %w", id, err)
	}
	return nil
}

const downloadSelect = `
	SELECT id, url, name, status, downloaded_bytes, total_bytes, speed_bytes,
		COALESCE(error, ''), COALESCE(save_path, ''), COALESCE(temp_path, ''), created_at, updated_at
	FROM downloads`

func scanDownload(r rowScanner) (Download, error) {
	var d Download
	var status string
	var total sql.NullInt64
	if err := r.Scan(&d.ID, &d.URL, &d.Name, &status, &d.DownloadedBytes, &total, &d.SpeedBytes,
		&d.Error, &d.SavePath, &d.TempPath, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return Download{}, err
	}
	d.Status = DownloadStatus(status)
	if total.Valid {
		v := total.Int64
		d.TotalBytes = &v
	}
	return d, nil
}
