// Package linkfs isolates the handful of filesystem operations that differ
// between platforms behind one narrow interface: creating reparse-point
// links (symlinks on unix, symlinks-or-junctions on Windows), reading a
// link's target, copying file times from one path to another, and probing
// whether a named host process is currently running. Everything else in
// the activation layer is plain, portable path/file code.
package linkfs

// Capability is the platform seam the activation layer builds on, mirroring
// the way the storage package pairs one interface with swappable backends.
// Exactly one implementation is compiled in per platform, selected by Go
// build tags (linkfs_unix.go, linkfs_windows.go).
type Capability interface {
	// CreateFileLink creates a reparse-point link at linkPath pointing at
	// the real file target. linkPath's parent directory must already exist.
	CreateFileLink(target, linkPath string) error

	// CreateDirLink creates a reparse-point link at linkPath pointing at
	// the real directory target.
	CreateDirLink(target, linkPath string) error

	// ReadLinkTarget returns the path a link points at.
	ReadLinkTarget(linkPath string) (string, error)

	// CopyTimes sets dst's access and modification times to src's
	// modification time, used after materialising a link so host tools that
	// stat the link see the archive's own timestamps rather than the moment
	// of activation.
	CopyTimes(src, dst string) error

	// IsProcessRunning reports whether a process whose executable name
	// matches name is currently running, used to write the rescan sentinel
	// only while the host application is running.
	IsProcessRunning(name string) (bool, error)
}

// New returns the Capability implementation for the current platform.
func New() Capability {
	return newPlatform()
}

// LinkError wraps a link-creation failure with the platform fact that
// caused it, so callers can distinguish "permission/privilege required"
// from an ordinary I/O error without string-matching the message.
type LinkError struct {
	Op         string
	Path       string
	Privileged bool // true when the failure is a missing OS privilege, not a plain I/O error
	Err        error
}

func (e *LinkError) Error() string {
	return "linkfs: " + e.Op + " " + e.Path + ": " + e.Err.Error()
}

func (e *LinkError) Unwrap() error { return e.Err }
