package indexer

import (
	"path/filepath"
	"strings"

	"github.com/bustesoul/varmanager/internal/archive"
	"github.com/bustesoul/varmanager/internal/pkgname"
)

func directTidiedPath(libraryRoot, creator, filename string) string {
	return filepath.Join(libraryRoot, tidiedDir, creator, filename)
}

// LocateResult is one entry of the read-only vars_locate batch lookup.
type LocateResult struct {
	Name     string `json:"name"`
	Found    bool   `json:"found"`
	Path     string `json:"path,omitempty"`
	Fallback bool   `json:"fallback"` // true when found via the case-insensitive scan rather than the direct tidied-path lookup
	Error    string `json:"error,omitempty"`
}

// VarsLocate resolves each of names to its on-disk archive path without
// mutating any state, used for support diagnostics.
func (ix *Indexer) VarsLocate(names []string) []LocateResult {
	out := make([]LocateResult, 0, len(names))
	for _, name := range names {
		n, ok := pkgname.Parse(name)
		if !ok {
			out = append(out, LocateResult{Name: name, Error: "not a valid package name"})
			continue
		}
		filename := archive.CanonicalFilename(n.Creator, n.Package, n.Version)
		path, err := archive.Locate(ix.libraryRoot, n.Creator, filename)
		if err != nil {
			out = append(out, LocateResult{Name: name, Found: false})
			continue
		}
		fallback := !strings.EqualFold(path, directTidiedPath(ix.libraryRoot, n.Creator, filename))
		out = append(out, LocateResult{Name: name, Found: true, Path: path, Fallback: fallback})
	}
	return out
}
