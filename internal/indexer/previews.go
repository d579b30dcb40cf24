package indexer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bustesoul/varmanager/internal/archive"
	"github.com/bustesoul/varmanager/internal/pkgname"
)

// FixPreviewsResult is the job result recorded for fix_previews.
type FixPreviewsResult struct {
	Total   int `json:"total"`
	Fixed   int `json:"fixed"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// FixPreviews re-extracts preview images for every scene whose preview
// file is missing on disk, without re-parsing packages or dependencies.
func (ix *Indexer) FixPreviews(ctx context.Context, r Reporter) (FixPreviewsResult, error) {
	if r == nil {
		r = nopReporter{}
	}
	r.Log("FixPreviews start")
	r.Progress(1)

	names, err := ix.st.ListPackageNames(ctx)
	if err != nil {
		return FixPreviewsResult{}, fmt.Errorf("indexer: listing packages: %w", err)
	}

	var result FixPreviewsResult
	var candidates []scenePreviewTarget
	for _, name := range names {
		scenes, err := ix.st.ListScenes(ctx, name)
		if err != nil {
			return result, fmt.Errorf("indexer: listing scenes for %s: %w", name, err)
		}
		for _, sc := range scenes {
			if sc.PreviewFile == "" {
				continue
			}
			candidates = append(candidates, scenePreviewTarget{pkgName: name, atomType: sc.AtomType, previewFile: sc.PreviewFile, scenePath: sc.ScenePath})
		}
	}

	result.Total = len(candidates)
	for idx, c := range candidates {
		previewPath := filepath.Join(ix.libraryRoot, previewCacheDir, c.atomType, c.pkgName, c.previewFile)
		if fileExists(previewPath) {
			result.Skipped++
			continue
		}
		fixed, err := ix.reextractPreview(c, previewPath)
		switch {
		case err != nil:
			r.Log(fmt.Sprintf("fix failed %s (%v)", previewPath, err))
			result.Failed++
		case fixed:
			r.Log(fmt.Sprintf("fixed %s", previewPath))
			result.Fixed++
		default:
			r.Log(fmt.Sprintf("missing %s", previewPath))
			result.Failed++
		}
		reportSweepProgress(r, idx, len(candidates))
	}

	r.Progress(100)
	r.Log("FixPreviews completed")
	return result, nil
}

type scenePreviewTarget struct {
	pkgName     string
	atomType    string
	previewFile string
	scenePath   string
}

func (ix *Indexer) reextractPreview(c scenePreviewTarget, destPath string) (bool, error) {
	n, ok := pkgname.Parse(c.pkgName)
	if !ok {
		return false, fmt.Errorf("indexer: %q is not a valid package name", c.pkgName)
	}
	filename := archive.CanonicalFilename(n.Creator, n.Package, n.Version)
	varPath, err := archive.Locate(ix.libraryRoot, n.Creator, filename)
	if err != nil {
		return false, err
	}

	r, err := archive.Open(varPath)
	if err != nil {
		return false, err
	}
	defer r.Close()

	dot := lastDot(c.scenePath)
	if dot < 0 {
		return false, fmt.Errorf("indexer: scene path %q missing extension", c.scenePath)
	}
	jpgNormalized := archive.NormalizeEntryName(c.scenePath[:dot] + ".jpg")

	for _, e := range r.Entries() {
		if e.Normalized != jpgNormalized {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
			return false, fmt.Errorf("indexer: creating %s: %w", filepath.Dir(destPath), err)
		}
		if err := r.Extract(e, destPath); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

func lastDot(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '.' {
			return i
		}
	}
	return -1
}
