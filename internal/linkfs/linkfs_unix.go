//go:build unix

package linkfs

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

type unixCapability struct{}

func newPlatform() Capability {
	return unixCapability{}
}

func (unixCapability) CreateFileLink(target, linkPath string) error {
	return symlink(target, linkPath)
}

func (unixCapability) CreateDirLink(target, linkPath string) error {
	return symlink(target, linkPath)
}

func symlink(target, linkPath string) error {
	_ = os.Remove(linkPath)
	if err := os.Symlink(target, linkPath); err != nil {
		return &LinkError{Op: "symlink", Path: linkPath, Err: err}
	}
	return nil
}

func (unixCapability) ReadLinkTarget(linkPath string) (string, error) {
	target, err := os.Readlink(linkPath)
	if err != nil {
		return "", &LinkError{Op: "readlink", Path: linkPath, Err: err}
	}
	return target, nil
}

func (unixCapability) CopyTimes(src, dst string) error {
	fi, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("linkfs: stating %s for time copy: %w", src, err)
	}
	mtime := fi.ModTime()
	if err := os.Chtimes(dst, mtime, mtime); err != nil {
		return &LinkError{Op: "chtimes", Path: dst, Err: err}
	}
	return nil
}

// IsProcessRunning scans /proc for a process whose comm name matches name,
// the same mechanism a shell's pgrep uses.
func (unixCapability) IsProcessRunning(name string) (bool, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return false, fmt.Errorf("linkfs: reading /proc: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := strconv.Atoi(e.Name()); err != nil {
			continue
		}
		comm, err := os.ReadFile(filepath.Join("/proc", e.Name(), "comm"))
		if err != nil {
			continue // process exited between readdir and read, or permission denied
		}
		if strings.TrimSpace(string(comm)) == name {
			return true, nil
		}
	}
	return false, nil
}
