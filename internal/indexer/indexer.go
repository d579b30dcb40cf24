// Package indexer scans the package library and the host addon directory,
// quarantining or filing every .var archive it finds, extracting its
// metadata into the store, and reconciling removed archives and pending
// installs. It is the daemon's main writer of package/scene/dependency
// rows; the only other writer is the activation layer's Delete, which drops
// a deleted package's rows.
package indexer

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bustesoul/varmanager/internal/activation"
	"github.com/bustesoul/varmanager/internal/archive"
	"github.com/bustesoul/varmanager/internal/config"
	"github.com/bustesoul/varmanager/internal/metrics"
	"github.com/bustesoul/varmanager/internal/resolver"
	"github.com/bustesoul/varmanager/internal/store"
)

// previewCacheDir is the reserved top-level directory holding every
// package's extracted preview images, alongside the scene composer's own
// __SceneCache__.
const previewCacheDir = "__PreviewCache__"

const (
	notCompliantDir = "__NotCompliant__"
	tidiedDir       = "__Tidied__"
	redundantDir    = "__Redundant__"
	staleDir        = "__Stale__"
	oldVersionDir   = "__OldVersion__"
)

// pendingInstallsFile is the sidecar recording compliant archives dropped
// straight into the addon directory that should be installed once tidied.
// The original locates this file next to the daemon's own executable; this
// port has no equivalent of "the running binary's directory" to anchor on,
// so it is kept under the library root instead, alongside the other
// reserved subtrees.
const pendingInstallsFile = "pendingInstalls.txt"

// defaultKeepVersions is how many of the newest local versions under a
// (creator, package) pair the stale sweep leaves untouched.
const defaultKeepVersions = 1

// Reporter is the narrow slice of *jobs.Handle an indexer run needs,
// accepted as an interface so this package never imports internal/jobs.
type Reporter interface {
	Log(message string)
	Progress(percent uint8)
}

type nopReporter struct{}

func (nopReporter) Log(string)    {}
func (nopReporter) Progress(uint8) {}

// Indexer ties together the store, activation manager and configuration
// needed to scan the library and addon directory and keep the store's
// package tables in sync with what's actually on disk.
type Indexer struct {
	st           *store.Store
	act          *activation.Manager
	cfgStore     *config.Store
	libraryRoot  string
	keepVersions int
	metrics      *metrics.Metrics
}

// SetMetrics attaches the counters UpdateDB and the sweeps report indexed
// and removed packages through. Nil is safe and disables reporting, which
// is also the default.
func (ix *Indexer) SetMetrics(m *metrics.Metrics) {
	ix.metrics = m
}

// New constructs an Indexer. libraryRoot is the package archive root
// (holding __Tidied__ and the other reserved subtrees); cfgStore supplies
// the host VaM installation path the addon-directory scan and deferred
// installs resolve against.
func New(st *store.Store, act *activation.Manager, cfgStore *config.Store, libraryRoot string) *Indexer {
	return &Indexer{st: st, act: act, cfgStore: cfgStore, libraryRoot: libraryRoot, keepVersions: defaultKeepVersions}
}

// SetKeepVersions overrides how many newest local versions per
// (creator, package) the stale/old-version sweep leaves in place. n <= 0
// resets to the default of 1.
func (ix *Indexer) SetKeepVersions(n int) {
	if n <= 0 {
		n = defaultKeepVersions
	}
	ix.keepVersions = n
}

func (ix *Indexer) addonPackagesDir() string {
	cfg := ix.cfgStore.Get()
	if cfg.VamPath == "" {
		return ""
	}
	return cfg.ResolvedDownloadSavePath("AddonPackages")
}

// UpdateDBResult is the job result recorded for the update_db job kind.
type UpdateDBResult struct {
	Collected    int      `json:"collected"`
	Tidied       int      `json:"tidied"`
	NonCompliant int      `json:"nonCompliant"`
	Redundant    int      `json:"redundant"`
	Parsed       int      `json:"parsed"`
	Removed      int      `json:"removed"`
	Installed    int      `json:"installed"`
	Failed       []string `json:"failed,omitempty"`
}

// UpdateDB runs the full six-phase scan: collect, tidy, parse, reconcile
// removals, apply deferred installs, and rebuild install_status.
func (ix *Indexer) UpdateDB(ctx context.Context, r Reporter) (UpdateDBResult, error) {
	if r == nil {
		r = nopReporter{}
	}
	var result UpdateDBResult

	r.Log("update_db: collecting archives")
	r.Progress(1)
	libraryFiles, err := collectVarFiles(ix.libraryRoot, archive.IsReservedTopLevel)
	if err != nil {
		return result, fmt.Errorf("indexer: collecting library archives: %w", err)
	}
	addonDir := ix.addonPackagesDir()
	var addonFiles []string
	if addonDir != "" {
		addonFiles, err = collectVarFiles(addonDir, isReservedAddonTopLevel)
		if err != nil {
			return result, fmt.Errorf("indexer: collecting addon archives: %w", err)
		}
	}
	result.Collected = len(libraryFiles) + len(addonFiles)
	alreadyTidied, err := collectVarFiles(filepath.Join(ix.libraryRoot, tidiedDir), func(string) bool { return false })
	if err != nil {
		return result, fmt.Errorf("indexer: collecting tidied archives: %w", err)
	}

	pending, err := loadPendingInstalls(ix.libraryRoot)
	if err != nil {
		return result, err
	}

	r.Log("update_db: tidying archives")
	r.Progress(15)
	var tidied []tidyOutcome
	for _, path := range alreadyTidied {
		out, err := ix.tidyOne(path)
		if err != nil {
			result.Failed = append(result.Failed, fmt.Sprintf("%s: %v", path, err))
			continue
		}
		tidied = append(tidied, out)
	}
	for _, path := range libraryFiles {
		out, err := ix.tidyOne(path)
		if err != nil {
			result.Failed = append(result.Failed, fmt.Sprintf("%s: %v", path, err))
			continue
		}
		tidied = append(tidied, out)
	}
	for _, path := range addonFiles {
		out, err := ix.tidyOne(path)
		if err != nil {
			result.Failed = append(result.Failed, fmt.Sprintf("%s: %v", path, err))
			continue
		}
		tidied = append(tidied, out)
		if out.status == tidyCompliant {
			pending = appendUnique(pending, out.canonicalName)
		}
	}
	for _, out := range tidied {
		switch out.status {
		case tidyCompliant:
			result.Tidied++
		case tidyNonCompliant:
			result.NonCompliant++
		case tidyRedundant:
			result.Redundant++
		}
	}

	r.Log("update_db: parsing tidied archives")
	r.Progress(35)
	seen := make(map[string]bool, len(tidied))
	tx, err := ix.st.BeginIndexTx(ctx)
	if err != nil {
		return result, fmt.Errorf("indexer: beginning scan transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	total := 0
	for _, out := range tidied {
		if out.status == tidyCompliant {
			total++
		}
	}
	idx := 0
	for _, out := range tidied {
		if out.status != tidyCompliant {
			continue
		}
		idx++
		if err := ix.parseAndUpsert(ctx, tx, out); err != nil {
			result.Failed = append(result.Failed, fmt.Sprintf("%s: %v", out.canonicalName, err))
			continue
		}
		seen[out.canonicalName] = true
		result.Parsed++
		if total > 0 {
			r.Progress(uint8(35 + (idx * 35 / total)))
		}
	}

	r.Log("update_db: reconciling removed archives")
	r.Progress(75)
	removed, err := ix.reconcileRemovalsTx(ctx, tx, seen)
	if err != nil {
		return result, err
	}
	result.Removed = removed

	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("indexer: committing scan transaction: %w", err)
	}
	committed = true

	r.Log("update_db: applying deferred installs")
	r.Progress(85)
	installed, remaining, err := ix.applyPendingInstalls(ctx, pending)
	if err != nil {
		return result, err
	}
	result.Installed = installed
	if err := savePendingInstalls(ix.libraryRoot, remaining); err != nil {
		return result, err
	}

	r.Log("update_db: reconciling install status")
	r.Progress(95)
	if err := ix.act.ReconcileInstallStatus(ctx); err != nil {
		return result, fmt.Errorf("indexer: reconciling install status: %w", err)
	}

	ix.metrics.AddPackagesIndexed(ctx, int64(result.Parsed))
	ix.metrics.AddPackagesRemoved(ctx, int64(result.Removed))

	r.Progress(100)
	r.Log("update_db: completed")
	return result, nil
}

// collectVarFiles walks root for .var files, skipping symlinks and any
// top-level directory name for which reserved returns true.
func collectVarFiles(root string, reserved func(string) bool) ([]string, error) {
	if _, err := os.Stat(root); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("indexer: stating %s: %w", root, err)
	}

	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		top := strings.SplitN(filepath.ToSlash(rel), "/", 2)[0]
		if d.IsDir() {
			if reserved(top) {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		if strings.EqualFold(filepath.Ext(path), ".var") {
			out = append(out, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("indexer: walking %s: %w", root, err)
	}
	return out, nil
}

func isReservedAddonTopLevel(name string) bool {
	switch name {
	case activation.ActiveLinksDir, activation.MissingLinksDir, activation.TempLinksDir:
		return true
	default:
		return false
	}
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

// applyPendingInstalls computes each pending entry's forward dependency
// closure and activates every package in it, leaving entries that fail to
// resolve or activate in the returned remaining slice for the next run.
func (ix *Indexer) applyPendingInstalls(ctx context.Context, pending []string) (installed int, remaining []string, err error) {
	for _, name := range pending {
		closure, err := resolver.DepsClosure(ctx, ix.st, []string{name})
		if err != nil {
			return installed, nil, fmt.Errorf("indexer: resolving closure for %s: %w", name, err)
		}
		if len(closure) == 0 {
			remaining = append(remaining, name)
			continue
		}
		ok := true
		for _, dep := range closure {
			if _, found, gerr := ix.st.GetPackage(ctx, dep); gerr == nil && !found {
				continue
			}
			if activateErr := ix.act.Activate(ctx, dep, activation.Active); activateErr != nil {
				if !isAlreadyInstalled(activateErr) {
					ok = false
				}
			}
		}
		if ok {
			installed++
		} else {
			remaining = append(remaining, name)
		}
	}
	return installed, remaining, nil
}

func isAlreadyInstalled(err error) bool {
	return strings.Contains(err.Error(), "already installed")
}

