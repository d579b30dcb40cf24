package archive

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"
)

// Reader wraps a *zip.Reader opened from a package archive on disk.
type Reader struct {
	zr   *zip.Reader
	file *os.File
	size int64
}

// Open opens the archive at path for reading. Callers must call Close.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("archive: opening %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("archive: stat %s: %w", path, err)
	}
	zr, err := zip.NewReader(f, info.Size())
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("archive: opening zip %s: %w", path, err)
	}
	return &Reader{zr: zr, file: f, size: info.Size()}, nil
}

// Close releases the underlying file handle.
func (r *Reader) Close() error {
	return r.file.Close()
}

// Entry describes one file inside the archive alongside its normalised
// (lowercased, forward-slash) path used for classification.
type Entry struct {
	Name       string // original, archive-internal name
	Normalized string
	zf         *zip.File
}

// Entries returns every file entry in the archive (directories excluded).
func (r *Reader) Entries() []Entry {
	out := make([]Entry, 0, len(r.zr.File))
	for _, zf := range r.zr.File {
		if zf.FileInfo().IsDir() {
			continue
		}
		out = append(out, Entry{
			Name:       zf.Name,
			Normalized: NormalizeEntryName(zf.Name),
			zf:         zf,
		})
	}
	return out
}

// OpenEntry opens a single entry for streaming reads.
func (r *Reader) OpenEntry(e Entry) (io.ReadCloser, error) {
	return e.zf.Open()
}

// Extract copies a single named entry's contents to destPath, creating
// parent directories as needed.
func (r *Reader) Extract(e Entry, destPath string) error {
	rc, err := e.zf.Open()
	if err != nil {
		return fmt.Errorf("archive: opening entry %s: %w", e.Name, err)
	}
	defer rc.Close()

	if err := os.MkdirAll(dirOf(destPath), 0o755); err != nil {
		return fmt.Errorf("archive: creating directory for %s: %w", destPath, err)
	}
	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("archive: creating %s: %w", destPath, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, rc); err != nil {
		return fmt.Errorf("archive: extracting %s to %s: %w", e.Name, destPath, err)
	}
	return nil
}

// Meta is the embedded package metadata JSON (meta.json at archive root).
type Meta struct {
	Description  string            `json:"description"`
	CreatorName  string            `json:"creatorName"`
	PackageName  string            `json:"packageName"`
	LicenseType  string            `json:"licenseType"`
	Dependencies map[string]any    `json:"dependencies"`
	Extra        map[string]string `json:"-"`
}

// ReadMeta locates and decodes the archive's embedded meta.json, returning
// both the decoded struct, the raw bytes (for regex dependency scanning)
// and the entry's archive-internal modified time.
func (r *Reader) ReadMeta() (meta Meta, raw []byte, modTime time.Time, ok bool, err error) {
	for _, zf := range r.zr.File {
		if zf.Name == "meta.json" {
			rc, oerr := zf.Open()
			if oerr != nil {
				return Meta{}, nil, time.Time{}, false, fmt.Errorf("archive: opening meta.json: %w", oerr)
			}
			defer rc.Close()
			raw, err = io.ReadAll(rc)
			if err != nil {
				return Meta{}, nil, time.Time{}, false, fmt.Errorf("archive: reading meta.json: %w", err)
			}
			_ = json.Unmarshal(raw, &meta) // malformed meta.json still yields raw bytes for regex scanning
			return meta, raw, zf.Modified, true, nil
		}
	}
	return Meta{}, nil, time.Time{}, false, nil
}

func dirOf(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' || p[i] == '\\' {
			return p[:i]
		}
	}
	return "."
}
