package indexer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/bustesoul/varmanager/internal/activation"
	"github.com/bustesoul/varmanager/internal/apierr"
	"github.com/bustesoul/varmanager/internal/archive"
	"github.com/bustesoul/varmanager/internal/pkgname"
	"github.com/bustesoul/varmanager/internal/store"
)

// SweepResult is the job result recorded for stale_vars and
// old_version_vars.
type SweepResult struct {
	Total   int `json:"total"`
	Moved   int `json:"moved"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// groupOldVersions partitions every known package by (creator, package)
// and returns, for every group with more than ix.keepVersions members, the
// names that fall outside the newest keepVersions — the set stale/old-version
// sweeps move out of the active tree.
func (ix *Indexer) groupOldVersions(ctx context.Context) ([]string, error) {
	names, err := ix.st.ListPackageNames(ctx)
	if err != nil {
		return nil, fmt.Errorf("indexer: listing packages: %w", err)
	}

	groups := map[string][]pkgname.Name{}
	for _, name := range names {
		n, ok := pkgname.Parse(name)
		if !ok {
			continue
		}
		groups[n.Base()] = append(groups[n.Base()], n)
	}

	var old []string
	for _, members := range groups {
		if len(members) <= ix.keepVersions {
			continue
		}
		sort.Slice(members, func(i, j int) bool {
			vi, _ := strconv.Atoi(members[i].Version)
			vj, _ := strconv.Atoi(members[j].Version)
			return vi > vj
		})
		for _, m := range members[ix.keepVersions:] {
			old = append(old, m.String())
		}
	}
	return old, nil
}

// StaleVars moves every non-newest version of a multi-version package into
// __Stale__, skipping any version other packages still depend on. The
// active link of a version it moves, if there is one, is removed first.
func (ix *Indexer) StaleVars(ctx context.Context, r Reporter) (SweepResult, error) {
	if r == nil {
		r = nopReporter{}
	}
	r.Log("StaleVars start")
	r.Progress(1)

	old, err := ix.groupOldVersions(ctx)
	if err != nil {
		return SweepResult{}, err
	}
	result := SweepResult{Total: len(old)}

	for idx, name := range old {
		hasDependents, err := ix.hasDependents(ctx, name)
		if err != nil {
			return result, err
		}
		if hasDependents {
			result.Skipped++
			continue
		}
		if err := ix.moveToArchiveDir(ctx, name, staleDir); err != nil {
			r.Log(fmt.Sprintf("move failed %s (%v)", name, err))
			result.Failed++
			continue
		}
		result.Moved++
		reportSweepProgress(r, idx, len(old))
	}

	r.Log("StaleVars completed")
	return result, nil
}

// OldVersionVars moves every non-newest version out unconditionally
// (ignoring dependents), re-activating the newest version of any package
// whose active link it just removed.
func (ix *Indexer) OldVersionVars(ctx context.Context, r Reporter) (SweepResult, error) {
	if r == nil {
		r = nopReporter{}
	}
	r.Log("OldVersionVars start")
	r.Progress(1)

	old, err := ix.groupOldVersions(ctx)
	if err != nil {
		return SweepResult{}, err
	}
	result := SweepResult{Total: len(old)}

	latestByBase := map[string]string{}
	for _, name := range old {
		n, ok := pkgname.Parse(name)
		if !ok {
			continue
		}
		latest, err := ix.latestVersion(ctx, n.Creator, n.Package)
		if err == nil && latest != "" {
			latestByBase[n.Base()] = latest
		}
	}

	for idx, name := range old {
		n, ok := pkgname.Parse(name)
		if ok {
			wasInstalled, err := ix.deactivateIfInstalled(ctx, name)
			if err != nil {
				r.Log(fmt.Sprintf("deactivate failed %s (%v)", name, err))
			}
			if wasInstalled {
				if latest, hasLatest := latestByBase[n.Base()]; hasLatest {
					latestName := n.Creator + "." + n.Package + "." + latest
					if err := ix.act.Activate(ctx, latestName, activation.Active); err != nil && !isAlreadyInstalled(err) {
						r.Log(fmt.Sprintf("reinstall failed %s (%v)", latestName, err))
					}
				}
			}
		}
		if err := ix.moveToArchiveDir(ctx, name, oldVersionDir); err != nil {
			r.Log(fmt.Sprintf("move failed %s (%v)", name, err))
			result.Failed++
			continue
		}
		result.Moved++
		reportSweepProgress(r, idx, len(old))
	}

	r.Log("OldVersionVars completed")
	return result, nil
}

func reportSweepProgress(r Reporter, idx, total int) {
	if total == 0 {
		return
	}
	if idx%50 == 0 || idx+1 == total {
		progress := 5 + ((idx+1)*90)/total
		if progress > 95 {
			progress = 95
		}
		r.Progress(uint8(progress))
	}
}

func (ix *Indexer) hasDependents(ctx context.Context, name string) (bool, error) {
	dependents, err := ix.st.ListDependents(ctx, name)
	if err != nil {
		return false, fmt.Errorf("indexer: listing dependents of %s: %w", name, err)
	}
	return len(dependents) > 0, nil
}

func (ix *Indexer) latestVersion(ctx context.Context, creator, pkg string) (string, error) {
	versions, err := ix.st.ListVersions(ctx, creator, pkg)
	if err != nil {
		return "", err
	}
	best := -1
	bestStr := ""
	for _, v := range versions {
		n, err := strconv.Atoi(v)
		if err != nil {
			continue
		}
		if n > best {
			best = n
			bestStr = v
		}
	}
	return bestStr, nil
}

// deactivateIfInstalled removes name's active link if one exists,
// reporting whether it was installed beforehand. A NotFound from
// Deactivate (nothing currently linked) is not an error here.
func (ix *Indexer) deactivateIfInstalled(ctx context.Context, name string) (wasInstalled bool, err error) {
	if err := ix.act.Deactivate(ctx, name); err != nil {
		if e := apierr.As(err); e != nil && e.Kind == apierr.NotFound {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// moveToArchiveDir moves a package's tidied archive file into subtree
// (__Stale__ or __OldVersion__) and deletes its store record, dependency
// edges, scenes and preview directory, mirroring the removal half of a
// normal rescan for a package that's about to disappear from the active
// tree.
func (ix *Indexer) moveToArchiveDir(ctx context.Context, name, subtree string) error {
	n, ok := pkgname.Parse(name)
	if !ok {
		return fmt.Errorf("indexer: %q is not a valid package name", name)
	}
	if _, err := ix.deactivateIfInstalled(ctx, name); err != nil {
		return err
	}

	filename := archive.CanonicalFilename(n.Creator, n.Package, n.Version)
	src, err := archive.Locate(ix.libraryRoot, n.Creator, filename)
	if err != nil {
		return fmt.Errorf("indexer: locating archive for %s: %w", name, err)
	}

	destDir := filepath.Join(ix.libraryRoot, subtree)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("indexer: creating %s: %w", destDir, err)
	}
	dest := uniquePath(filepath.Join(destDir, filename))
	if err := moveFile(src, dest); err != nil {
		return err
	}

	tx, err := ix.st.BeginIndexTx(ctx)
	if err != nil {
		return fmt.Errorf("indexer: beginning sweep transaction: %w", err)
	}
	defer tx.Rollback()
	if err := store.DeletePackageTx(ctx, tx, name); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("indexer: committing sweep transaction: %w", err)
	}
	ix.metrics.AddPackagesRemoved(ctx, 1)
	return ix.deletePreviewDirs(name)
}
