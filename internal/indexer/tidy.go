package indexer

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bustesoul/varmanager/internal/pkgname"
)

type tidyStatus int

const (
	tidyCompliant tidyStatus = iota
	tidyNonCompliant
	tidyRedundant
)

type tidyOutcome struct {
	status        tidyStatus
	canonicalName string // set only when status == tidyCompliant
	destPath      string // final on-disk path after the move
}

// tidyOne classifies one collected archive by its filename and moves it
// into the appropriate reserved subtree: __Tidied__/<creator>/<filename>
// for a compliant creator.package.version.var name, __NotCompliant__ for
// anything else, or __Redundant__ when a file with the same canonical name
// already exists in __Tidied__.
func (ix *Indexer) tidyOne(path string) (tidyOutcome, error) {
	filename := filepath.Base(path)
	stem := strings.TrimSuffix(filename, filepath.Ext(filename))
	n, ok := pkgname.Parse(stem)
	if !ok {
		dest, err := ix.moveToQuarantine(path, notCompliantDir, filename)
		return tidyOutcome{status: tidyNonCompliant, destPath: dest}, err
	}

	canonical := n.String()
	canonicalFilename := canonical + ".var"
	destDir := filepath.Join(ix.libraryRoot, tidiedDir, n.Creator)
	dest := filepath.Join(destDir, canonicalFilename)

	if samePath(path, dest) {
		return tidyOutcome{status: tidyCompliant, canonicalName: canonical, destPath: dest}, nil
	}
	if fileExists(dest) {
		out, err := ix.moveToQuarantine(path, redundantDir, canonicalFilename)
		return tidyOutcome{status: tidyRedundant, destPath: out}, err
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return tidyOutcome{}, fmt.Errorf("indexer: creating %s: %w", destDir, err)
	}
	if err := moveFile(path, dest); err != nil {
		return tidyOutcome{}, err
	}
	return tidyOutcome{status: tidyCompliant, canonicalName: canonical, destPath: dest}, nil
}

func (ix *Indexer) moveToQuarantine(path, subtree, filename string) (string, error) {
	dir := filepath.Join(ix.libraryRoot, subtree)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("indexer: creating %s: %w", dir, err)
	}
	dest := uniquePath(filepath.Join(dir, filename))
	if samePath(path, dest) {
		return dest, nil
	}
	if err := moveFile(path, dest); err != nil {
		return "", err
	}
	return dest, nil
}

// uniquePath appends "-2", "-3", ... before the extension until the
// returned path doesn't already exist.
func uniquePath(path string) string {
	if !fileExists(path) {
		return path
	}
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	for i := 2; ; i++ {
		candidate := base + "-" + strconv.Itoa(i) + ext
		if !fileExists(candidate) {
			return candidate
		}
	}
}

func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("indexer: moving %s to %s: %w", src, dst, err)
	}
	return nil
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func samePath(a, b string) bool {
	ai, aerr := os.Stat(a)
	bi, berr := os.Stat(b)
	if aerr != nil || berr != nil {
		return false
	}
	return os.SameFile(ai, bi)
}
