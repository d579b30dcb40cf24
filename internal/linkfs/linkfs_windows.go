//go:build windows

package linkfs

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
)

type windowsCapability struct{}

func newPlatform() Capability {
	return windowsCapability{}
}

func (windowsCapability) CreateFileLink(target, linkPath string) error {
	return symlink(target, linkPath)
}

func (windowsCapability) CreateDirLink(target, linkPath string) error {
	return symlink(target, linkPath)
}

// symlink wraps os.Symlink, which on Windows requires either
// SeCreateSymbolicLinkPrivilege or Developer Mode. A failure of that shape
// is surfaced as LinkError.Privileged so callers can turn it into an
// operator-facing hint instead of a bare I/O error.
func symlink(target, linkPath string) error {
	_ = os.Remove(linkPath)
	if err := os.Symlink(target, linkPath); err != nil {
		return &LinkError{Op: "symlink", Path: linkPath, Err: err, Privileged: isPrivilegeErr(err)}
	}
	return nil
}

func isPrivilegeErr(err error) bool {
	const errPrivilegeNotHeld = syscall.Errno(1314)
	var errno syscall.Errno
	if pe, ok := err.(*os.LinkError); ok {
		if e, ok := pe.Err.(syscall.Errno); ok {
			errno = e
		}
	}
	return errno == errPrivilegeNotHeld
}

func (windowsCapability) ReadLinkTarget(linkPath string) (string, error) {
	target, err := os.Readlink(linkPath)
	if err != nil {
		return "", &LinkError{Op: "readlink", Path: linkPath, Err: err}
	}
	return target, nil
}

func (windowsCapability) CopyTimes(src, dst string) error {
	fi, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("linkfs: stating %s for time copy: %w", src, err)
	}
	if err := os.Chtimes(dst, fi.ModTime(), fi.ModTime()); err != nil {
		return &LinkError{Op: "chtimes", Path: dst, Err: err}
	}
	return nil
}

// IsProcessRunning shells out to tasklist, the simplest portable way to
// enumerate processes without a cgo dependency on the Windows toolhelp API.
func (windowsCapability) IsProcessRunning(name string) (bool, error) {
	out, err := exec.Command("tasklist", "/FO", "CSV", "/NH").Output()
	if err != nil {
		return false, fmt.Errorf("linkfs: running tasklist: %w", err)
	}
	return strings.Contains(strings.ToLower(string(out)), strings.ToLower(name)), nil
}
