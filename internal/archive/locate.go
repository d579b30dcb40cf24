package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned by Locate when no archive matches the symbolic name.
var ErrNotFound = fmt.Errorf("archive: not found")

// Locate resolves a symbolic package name (e.g. "Alice.HelloWorld.3") to an
// absolute archive path under the tidied library layout
// (<root>/__Tidied__/<creator>/<name>.var). On a direct miss it falls back
// to a case-insensitive scan of the creator's directory.
func Locate(libraryRoot, creator, canonicalFilename string) (path string, err error) {
	direct := filepath.Join(libraryRoot, "__Tidied__", creator, canonicalFilename)
	if fileExists(direct) {
		return direct, nil
	}

	creatorDir := filepath.Join(libraryRoot, "__Tidied__", creator)
	entries, err := os.ReadDir(creatorDir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("archive: reading creator directory %s: %w", creatorDir, err)
	}

	want := strings.ToLower(canonicalFilename)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.ToLower(e.Name()) == want {
			return filepath.Join(creatorDir, e.Name()), nil
		}
	}
	return "", ErrNotFound
}

// CanonicalFilename returns the on-disk filename for a creator.package.version name.
func CanonicalFilename(creator, pkg, version string) string {
	return fmt.Sprintf("%s.%s.%s.var", creator, pkg, version)
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}

// ReservedSubtrees are the top-level directories under the library root the
// indexer's collection phase must never walk into as content, because they
// hold quarantined or already-tidied archives, or activation link roots.
var ReservedSubtrees = []string{
	"__Tidied__",
	"__Redundant__",
	"__NotCompliant__",
	"__Stale__",
	"__OldVersion__",
	"__Deleted__",
	"__PreviewCache__",
	"__SceneCache__",
	"__ActiveLinks__",
	"__MissingLinks__",
	"__TempLinks__",
	"__Variants__",
}

// IsReservedTopLevel reports whether name (a single path component, not a
// full path) names one of the reserved subtrees.
func IsReservedTopLevel(name string) bool {
	for _, r := range ReservedSubtrees {
		if name == r {
			return true
		}
	}
	return false
}
