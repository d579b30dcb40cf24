package indexer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bustesoul/varmanager/internal/archive"
	"github.com/bustesoul/varmanager/internal/pkgname"
	"github.com/bustesoul/varmanager/internal/store"
)

// parseAndUpsert opens a tidied archive, classifies every entry, extracts
// preview images and dependency references, and writes the package's
// package/dependency/scene/hide_fav rows within tx.
func (ix *Indexer) parseAndUpsert(ctx context.Context, tx *sql.Tx, out tidyOutcome) error {
	n, ok := pkgname.Parse(out.canonicalName)
	if !ok {
		return fmt.Errorf("indexer: %q is not a valid package name", out.canonicalName)
	}

	info, err := os.Stat(out.destPath)
	if err != nil {
		return fmt.Errorf("indexer: stating %s: %w", out.destPath, err)
	}

	r, err := archive.Open(out.destPath)
	if err != nil {
		return err
	}
	defer r.Close()

	pkg := store.Package{
		Name:        out.canonicalName,
		Creator:     n.Creator,
		PackageName: n.Package,
		Version:     n.Version,
		VarDate:     info.ModTime().Unix(),
		SizeMiB:     float64(info.Size()) / (1024 * 1024),
	}

	var scenes []store.Scene
	var plugins archive.PluginCounts
	var depRefs []string

	meta, rawMeta, metaTime, foundMeta, err := r.ReadMeta()
	if err != nil {
		return err
	}
	if foundMeta {
		pkg.Description = meta.Description
		pkg.MetaDate = metaTime.Unix()
		depRefs = append(depRefs, pkgname.FindReferences(rawMeta)...)
	}

	for _, e := range r.Entries() {
		classification, ok := archive.Classify(e.Normalized)
		if !ok {
			if isCSList, isCS := archive.IsPluginEntry(e.Normalized); isCSList || isCS {
				if isCSList {
					plugins.CSList++
				} else {
					plugins.CS++
				}
			}
			continue
		}

		switch classification.Category {
		case archive.CategoryScene:
			pkg.SceneCount++
		case archive.CategoryLook:
			pkg.LookCount++
		case archive.CategoryCloth:
			pkg.ClothCount++
		case archive.CategoryHair:
			pkg.HairCount++
		case archive.CategorySkin:
			pkg.SkinCount++
		case archive.CategoryPose:
			pkg.PoseCount++
		case archive.CategoryMorph:
			pkg.MorphCount++
		case archive.CategoryAsset:
			pkg.AssetCount++
		case archive.CategoryTexture:
			pkg.TextureCount++
		case archive.CategorySubScene:
			pkg.SubSceneCount++
		case archive.CategoryAppearance:
			pkg.AppearanceCount++
		}

		if !classification.IsScene {
			continue
		}

		previewFile, extractErr := ix.extractPreview(r, e, string(classification.AtomType), out.canonicalName)
		if extractErr != nil {
			return extractErr
		}
		scenes = append(scenes, store.Scene{
			Package:     out.canonicalName,
			AtomType:    string(classification.AtomType),
			PreviewFile: previewFile,
			ScenePath:   e.Name,
			IsPreset:    classification.IsPreset,
			IsLoadable:  true,
		})

		if strings.HasSuffix(e.Normalized, ".json") {
			rc, oerr := r.OpenEntry(e)
			if oerr == nil {
				data, rerr := io.ReadAll(io.LimitReader(rc, maxSceneScanBytes))
				rc.Close()
				if rerr == nil {
					depRefs = append(depRefs, pkgname.FindReferences(data)...)
				}
			}
		}
	}

	pkg.PluginCount = plugins.Effective()
	depRefs = dedupStrings(depRefs)
	pkg.DependencyCount = len(depRefs)

	if err := store.UpsertPackageTx(ctx, tx, pkg); err != nil {
		return err
	}
	if err := store.ReplaceDependenciesTx(ctx, tx, out.canonicalName, depRefs); err != nil {
		return err
	}
	if err := store.ReplaceScenesTx(ctx, tx, out.canonicalName, scenes); err != nil {
		return err
	}
	if hideFav := ix.readHideFav(out.canonicalName, scenes); len(hideFav) > 0 {
		if err := store.ReplaceHideFavTx(ctx, tx, out.canonicalName, hideFav); err != nil {
			return err
		}
	}
	return nil
}

// maxSceneScanBytes bounds how much of a scene JSON body the dependency
// scan reads, since some save files embed large binary blobs as base64
// strings that would otherwise dominate read time for no benefit.
const maxSceneScanBytes = 4 << 20

// extractPreview copies a scene entry's sibling .jpg (same path, extension
// swapped) into __PreviewCache__/<atomType>/<package>/<name>, returning the
// generated filename, or "" when no sibling preview exists (non-fatal).
func (ix *Indexer) extractPreview(r *archive.Reader, e archive.Entry, atomType, pkgName string) (string, error) {
	dot := strings.LastIndexByte(e.Name, '.')
	if dot < 0 {
		return "", nil
	}
	jpgEntryName := e.Name[:dot] + ".jpg"
	jpgNormalized := archive.NormalizeEntryName(jpgEntryName)

	var jpgEntry archive.Entry
	found := false
	for _, candidate := range r.Entries() {
		if candidate.Normalized == jpgNormalized {
			jpgEntry = candidate
			found = true
			break
		}
	}
	if !found {
		return "", nil
	}

	previewName := sanitizeFilename(filepath.Base(e.Name))
	previewName = strings.TrimSuffix(previewName, filepath.Ext(previewName)) + ".jpg"
	destDir := filepath.Join(ix.libraryRoot, previewCacheDir, atomType, pkgName)
	dest := uniquePath(filepath.Join(destDir, previewName))

	if err := r.Extract(jpgEntry, dest); err != nil {
		return "", fmt.Errorf("indexer: extracting preview for %s: %w", pkgName, err)
	}
	return filepath.Base(dest), nil
}

var filenameUnsafe = []byte{'<', '>', ':', '"', '/', '\\', '|', '?', '*'}

func sanitizeFilename(s string) string {
	for _, c := range filenameUnsafe {
		s = strings.ReplaceAll(s, string(c), "_")
	}
	if s == "" {
		return "_"
	}
	return s
}

func dedupStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// hidePrefsDoc is the shape this port assumes for a package's per-package
// preferences file: a list of scene paths marked hidden and a list marked
// favourite. The original's preferences-tree path construction
// (infra/paths::prefs_root) lives in a source file not available to this
// port; this layout and location (<vampath>/AddonPackagesPrefs/<package>.json)
// are a best-effort guess, not a verified port of the original format.
type hidePrefsDoc struct {
	Hide []string `json:"hide"`
	Fav  []string `json:"fav"`
}

func (ix *Indexer) readHideFav(pkgName string, scenes []store.Scene) []store.HideFav {
	cfg := ix.cfgStore.Get()
	if cfg.VamPath == "" {
		return nil
	}
	path := filepath.Join(cfg.VamPath, "AddonPackagesPrefs", pkgName+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var doc hidePrefsDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil
	}

	hide := make(map[string]bool, len(doc.Hide))
	for _, p := range doc.Hide {
		hide[p] = true
	}
	fav := make(map[string]bool, len(doc.Fav))
	for _, p := range doc.Fav {
		fav[p] = true
	}

	var out []store.HideFav
	for _, sc := range scenes {
		h, f := hide[sc.ScenePath], fav[sc.ScenePath]
		if !h && !f {
			continue
		}
		if h && f {
			f = false // hide wins if a preferences file somehow sets both
		}
		out = append(out, store.HideFav{Package: pkgName, ScenePath: sc.ScenePath, Hide: h, Fav: f})
	}
	return out
}
