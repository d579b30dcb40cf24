// Package activation materialises packages into a host application's addon
// directory as filesystem links, and reconciles the store's install-status
// table against whatever links actually exist on disk.
package activation

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bustesoul/varmanager/internal/apierr"
	"github.com/bustesoul/varmanager/internal/archive"
	"github.com/bustesoul/varmanager/internal/linkfs"
	"github.com/bustesoul/varmanager/internal/pkgname"
	"github.com/bustesoul/varmanager/internal/store"
)

// Link root directory names under the host addon directory.
const (
	ActiveLinksDir  = "__ActiveLinks__"
	MissingLinksDir = "__MissingLinks__"
	TempLinksDir    = "__TempLinks__"
	VariantsDir     = "__Variants__"
	DeletedDir      = "__Deleted__"

	// RescanSentinel is the file the host watches to detect daemon-driven
	// changes to the addon directory.
	RescanSentinel = "loadscene.json"
)

// Mode is the activation state a link is created in.
type Mode int

const (
	Active Mode = iota
	Temporary
	Disabled
)

func (m Mode) linkRoot() string {
	if m == Temporary {
		return TempLinksDir
	}
	return ActiveLinksDir
}

// Manager ties together the store, the archive locator and the platform
// link capability to implement activate/deactivate/delete/pack-switch.
type Manager struct {
	st          *store.Store
	lfs         linkfs.Capability
	libraryRoot string
	addonDir    string
	hostProcess string // executable name probed to decide whether to signal rescan
}

// New constructs a Manager. addonDir is the host application's addon
// directory (the parent of __ActiveLinks__ etc.); libraryRoot is the
// package library root archives are resolved against.
func New(st *store.Store, lfs linkfs.Capability, libraryRoot, addonDir, hostProcess string) *Manager {
	return &Manager{st: st, lfs: lfs, libraryRoot: libraryRoot, addonDir: addonDir, hostProcess: hostProcess}
}

// Activate creates a link for name under the root mode selects, upserting
// install status on success.
func (m *Manager) Activate(ctx context.Context, name string, mode Mode) error {
	n, ok := pkgname.Parse(name)
	if !ok {
		return apierr.New(apierr.BadRequest, fmt.Sprintf("activation: %q is not a valid package name", name))
	}

	filename := archive.CanonicalFilename(n.Creator, n.Package, n.Version)
	target, err := archive.Locate(m.libraryRoot, n.Creator, filename)
	if err != nil {
		return apierr.Wrap(apierr.NotFound, fmt.Sprintf("activation: archive for %s not found", name), err)
	}

	linkPath := filepath.Join(m.addonDir, mode.linkRoot(), filename)
	disabledSidecar := linkPath + ".disabled"
	if mode != Disabled {
		_ = os.Remove(disabledSidecar)
	}

	if fileOrLinkExists(linkPath) {
		return apierr.New(apierr.Conflict, fmt.Sprintf("activation: %s is already installed", name))
	}

	if err := os.MkdirAll(filepath.Dir(linkPath), 0o755); err != nil {
		return fmt.Errorf("activation: creating link directory for %s: %w", name, err)
	}
	if err := m.lfs.CreateFileLink(target, linkPath); err != nil {
		return classifyLinkErr(err, name)
	}
	if err := m.lfs.CopyTimes(target, linkPath); err != nil {
		return fmt.Errorf("activation: copying timestamps onto %s: %w", linkPath, err)
	}

	if mode == Disabled {
		if err := os.WriteFile(disabledSidecar, nil, 0o644); err != nil {
			return fmt.Errorf("activation: writing disabled sidecar for %s: %w", name, err)
		}
	}

	return m.st.UpsertInstallStatus(ctx, store.InstallStatus{
		Package:   name,
		Installed: true,
		Disabled:  mode == Disabled,
	})
}

// Deactivate removes name's active link (whichever root it lives under) and
// clears install status. The backing archive is never touched.
func (m *Manager) Deactivate(ctx context.Context, name string) error {
	n, ok := pkgname.Parse(name)
	if !ok {
		return apierr.New(apierr.BadRequest, fmt.Sprintf("activation: %q is not a valid package name", name))
	}
	filename := archive.CanonicalFilename(n.Creator, n.Package, n.Version)

	found := false
	for _, root := range []string{ActiveLinksDir, TempLinksDir} {
		linkPath := filepath.Join(m.addonDir, root, filename)
		if fileOrLinkExists(linkPath) {
			if err := os.Remove(linkPath); err != nil {
				return fmt.Errorf("activation: removing link %s: %w", linkPath, err)
			}
			_ = os.Remove(linkPath + ".disabled")
			found = true
		}
	}
	if !found {
		return apierr.New(apierr.NotFound, fmt.Sprintf("activation: %s is not installed", name))
	}
	return m.st.DeleteInstallStatus(ctx, name)
}

// Delete deactivates name (tolerating it already being inactive), moves its
// archive into __Deleted__, then removes its package record entirely.
func (m *Manager) Delete(ctx context.Context, name string) error {
	if err := m.Deactivate(ctx, name); err != nil {
		var classified *apierr.Error
		if e, ok := err.(*apierr.Error); ok {
			classified = e
		}
		if classified == nil || classified.Kind != apierr.NotFound {
			return err
		}
	}

	n, ok := pkgname.Parse(name)
	if !ok {
		return apierr.New(apierr.BadRequest, fmt.Sprintf("activation: %q is not a valid package name", name))
	}
	filename := archive.CanonicalFilename(n.Creator, n.Package, n.Version)
	src, err := archive.Locate(m.libraryRoot, n.Creator, filename)
	if err != nil {
		return apierr.Wrap(apierr.NotFound, fmt.Sprintf("activation: archive for %s not found", name), err)
	}

	deletedDir := filepath.Join(m.libraryRoot, DeletedDir, n.Creator)
	if err := os.MkdirAll(deletedDir, 0o755); err != nil {
		return fmt.Errorf("activation: creating %s: %w", deletedDir, err)
	}
	dst := filepath.Join(deletedDir, filename)
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("activation: moving %s to %s: %w", src, dst, err)
	}

	tx, err := m.st.BeginIndexTx(ctx)
	if err != nil {
		return fmt.Errorf("activation: beginning delete transaction: %w", err)
	}
	defer tx.Rollback()
	if err := store.DeletePackageTx(ctx, tx, name); err != nil {
		return err
	}
	return tx.Commit()
}

// PackSwitch re-points the addon directory itself at a named variant
// directory under __Variants__, a no-op if it already points there.
func (m *Manager) PackSwitch(ctx context.Context, variant string) error {
	variantPath := filepath.Join(filepath.Dir(m.addonDir), VariantsDir, variant)
	if _, err := os.Stat(variantPath); err != nil {
		return apierr.Wrap(apierr.NotFound, fmt.Sprintf("activation: variant %q not found", variant), err)
	}

	if current, err := m.lfs.ReadLinkTarget(m.addonDir); err == nil && current == variantPath {
		return nil
	}

	info, err := os.Lstat(m.addonDir)
	if err == nil {
		if info.Mode()&os.ModeSymlink != 0 {
			if err := os.Remove(m.addonDir); err != nil {
				return fmt.Errorf("activation: removing existing addon link: %w", err)
			}
		} else {
			if err := os.RemoveAll(m.addonDir); err != nil {
				return fmt.Errorf("activation: removing existing addon directory: %w", err)
			}
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("activation: stating addon directory: %w", err)
	}

	if err := m.lfs.CreateDirLink(variantPath, m.addonDir); err != nil {
		return classifyLinkErr(err, variant)
	}

	if err := m.ReconcileInstallStatus(ctx); err != nil {
		return err
	}
	return m.SignalRescan(RescanPayload{Rescan: true})
}

// ReconcileInstallStatus rebuilds install_status from scratch by scanning
// the links under the addon directory's __ActiveLinks__ root: a present link
// to a known package becomes installed=true, disabled=(sidecar exists);
// links to archives no longer in the library, or whose package record no
// longer exists, are skipped as orphans. Links under the other link roots
// (__TempLinks__, __MissingLinks__) are not scanned.
func (m *Manager) ReconcileInstallStatus(ctx context.Context) error {
	if err := m.st.ResetInstallStatus(ctx); err != nil {
		return err
	}

	root := filepath.Join(m.addonDir, ActiveLinksDir)
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(strings.ToLower(d.Name()), ".var") {
			return nil
		}
		name := strings.TrimSuffix(d.Name(), filepath.Ext(d.Name()))
		if _, ok := pkgname.Parse(name); !ok {
			return nil
		}
		if _, statErr := os.Stat(path); statErr != nil {
			return nil // orphan link, target archive no longer present
		}
		_, found, err := m.st.GetPackage(ctx, name)
		if err != nil {
			return err
		}
		if !found {
			return nil // orphan link, package record absent
		}
		disabled := fileOrLinkExists(path + ".disabled")
		return m.st.UpsertInstallStatus(ctx, store.InstallStatus{Package: name, Installed: true, Disabled: disabled})
	})
}

// RescanPayload is the JSON body written to the host's sentinel file.
type RescanPayload struct {
	Rescan bool `json:"rescan"`
}

// SignalRescan writes payload to the host's sentinel file, but only when
// the host process is currently detected as running — writing it
// unconditionally would leave a stale request the host never consumes.
func (m *Manager) SignalRescan(payload any) error {
	if m.hostProcess != "" {
		running, err := m.lfs.IsProcessRunning(m.hostProcess)
		if err != nil {
			return fmt.Errorf("activation: probing host process: %w", err)
		}
		if !running {
			return nil
		}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("activation: marshalling rescan payload: %w", err)
	}
	return os.WriteFile(filepath.Join(m.addonDir, RescanSentinel), data, 0o644)
}

func fileOrLinkExists(p string) bool {
	_, err := os.Lstat(p)
	return err == nil
}

func classifyLinkErr(err error, name string) error {
	var le *linkfs.LinkError
	if e, ok := err.(*linkfs.LinkError); ok {
		le = e
	}
	if le != nil && le.Privileged {
		return apierr.Wrap(apierr.BadRequest,
			fmt.Sprintf("activation: creating a link for %s requires Developer Mode or symlink privilege", name), err)
	}
	return fmt.Errorf("activation: creating link for %s: %w", name, err)
}
