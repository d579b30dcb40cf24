package indexer

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/bustesoul/varmanager/internal/activation"
	"github.com/bustesoul/varmanager/internal/config"
	"github.com/bustesoul/varmanager/internal/linkfs"
	"github.com/bustesoul/varmanager/internal/store"
)

func newTestIndexer(t *testing.T) (*Indexer, string, string) {
	t.Helper()
	ctx := context.Background()

	libraryRoot := t.TempDir()
	vamPath := t.TempDir()
	addonDir := filepath.Join(vamPath, "AddonPackages")
	if err := os.MkdirAll(addonDir, 0o755); err != nil {
		t.Fatalf("making addon dir: %v", err)
	}

	st, err := store.Open(ctx, ":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfgStore, err := config.Load("")
	if err != nil {
		t.Fatalf("loading config: %v", err)
	}
	cfg := cfgStore.Get()
	cfg.VamPath = vamPath
	if err := cfgStore.Update(cfg); err != nil {
		t.Fatalf("updating config: %v", err)
	}

	mgr := activation.New(st, linkfs.New(), libraryRoot, addonDir, "")
	return New(st, mgr, cfgStore, libraryRoot), libraryRoot, vamPath
}

type zipEntry struct {
	name string
	data string
}

func writeVar(t *testing.T, dir, filename string, entries []zipEntry) string {
	t.Helper()
	path := filepath.Join(dir, filename)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("making archive dir: %v", err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("creating %s: %v", path, err)
	}
	zw := zip.NewWriter(f)
	for _, e := range entries {
		w, err := zw.Create(e.name)
		if err != nil {
			t.Fatalf("creating entry %s: %v", e.name, err)
		}
		if _, err := w.Write([]byte(e.data)); err != nil {
			t.Fatalf("writing entry %s: %v", e.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("closing archive %s: %v", filename, err)
	}
	return path
}

const fakeJPEG = "\xff\xd8\xff\xe0fakejpegdata"

func sceneEntries(sceneJSON string, deps ...string) []zipEntry {
	_ = deps
	return []zipEntry{
		{name: "meta.json", data: `{"description":"test package"}`},
		{name: "Saves/scene/test.json", data: sceneJSON},
		{name: "Saves/scene/test.jpg", data: fakeJPEG},
	}
}

func TestUpdateDBTidiesParsesAndFilesArchives(t *testing.T) {
	ctx := context.Background()
	ix, libraryRoot, _ := newTestIndexer(t)

	writeVar(t, libraryRoot, "loose/Alice.Lighting.1.var", sceneEntries(`{"atoms":[]}`))
	writeVar(t, libraryRoot, "loose/not-a-package-name.var", []zipEntry{{name: "readme.txt", data: "hi"}})

	existing := writeVar(t, libraryRoot, filepath.Join(tidiedDir, "Alice", "Alice.Lighting.1.var"), sceneEntries(`{"atoms":[]}`))
	_ = existing
	// A second loose copy under a different source path; both loose copies
	// collide with the archive already in __Tidied__ and are redundant.
	writeVar(t, libraryRoot, "loose2/Alice.Lighting.1.var", sceneEntries(`{"atoms":[]}`))

	result, err := ix.UpdateDB(ctx, nil)
	if err != nil {
		t.Fatalf("UpdateDB: %v", err)
	}

	if result.NonCompliant != 1 {
		t.Errorf("NonCompliant = %d, want 1", result.NonCompliant)
	}
	if result.Redundant != 2 {
		t.Errorf("Redundant = %d, want 2", result.Redundant)
	}
	if result.Parsed != 1 {
		t.Errorf("Parsed = %d, want 1", result.Parsed)
	}

	tidiedPath := filepath.Join(libraryRoot, tidiedDir, "Alice", "Alice.Lighting.1.var")
	if _, err := os.Stat(tidiedPath); err != nil {
		t.Errorf("expected tidied archive at %s: %v", tidiedPath, err)
	}
	if _, err := os.Stat(filepath.Join(libraryRoot, notCompliantDir, "not-a-package-name.var")); err != nil {
		t.Errorf("expected non-compliant archive quarantined: %v", err)
	}

	pkg, found, err := ix.st.GetPackage(ctx, "Alice.Lighting.1")
	if err != nil || !found {
		t.Fatalf("GetPackage: found=%v err=%v", found, err)
	}
	if pkg.SceneCount != 1 {
		t.Errorf("SceneCount = %d, want 1", pkg.SceneCount)
	}
	if pkg.Description != "test package" {
		t.Errorf("Description = %q, want %q", pkg.Description, "test package")
	}

	scenes, err := ix.st.ListScenes(ctx, "Alice.Lighting.1")
	if err != nil {
		t.Fatalf("ListScenes: %v", err)
	}
	if len(scenes) != 1 {
		t.Fatalf("ListScenes = %v, want 1 entry", scenes)
	}
	if scenes[0].PreviewFile == "" {
		t.Error("expected a preview file to have been extracted")
	}
	previewPath := filepath.Join(libraryRoot, previewCacheDir, "scenes", "Alice.Lighting.1", scenes[0].PreviewFile)
	if _, err := os.Stat(previewPath); err != nil {
		t.Errorf("expected preview image at %s: %v", previewPath, err)
	}
}

func TestUpdateDBRecordsDependencyReferencesFromSceneJSON(t *testing.T) {
	ctx := context.Background()
	ix, libraryRoot, _ := newTestIndexer(t)

	writeVar(t, libraryRoot, "Bob.Scripts.2.var", sceneEntries(`{"atoms":[]}`))
	sceneWithDep := `{"atoms":[{"storables":[{"plugin#0":"Bob.Scripts.2:/Custom/Scripts/x.cslist"}]}]}`
	writeVar(t, libraryRoot, "Alice.Lighting.1.var", sceneEntries(sceneWithDep))

	if _, err := ix.UpdateDB(ctx, nil); err != nil {
		t.Fatalf("UpdateDB: %v", err)
	}

	deps, err := ix.st.ListDependencies(ctx, "Alice.Lighting.1")
	if err != nil {
		t.Fatalf("ListDependencies: %v", err)
	}
	found := false
	for _, d := range deps {
		if d == "Bob.Scripts.2" {
			found = true
		}
	}
	if !found {
		t.Errorf("ListDependencies = %v, want to include Bob.Scripts.2", deps)
	}
}

func TestUpdateDBReconcilesRemovedArchive(t *testing.T) {
	ctx := context.Background()
	ix, libraryRoot, _ := newTestIndexer(t)

	path := writeVar(t, libraryRoot, "Alice.Lighting.1.var", sceneEntries(`{"atoms":[]}`))

	if _, err := ix.UpdateDB(ctx, nil); err != nil {
		t.Fatalf("first UpdateDB: %v", err)
	}
	if _, found, _ := ix.st.GetPackage(ctx, "Alice.Lighting.1"); !found {
		t.Fatalf("expected package to be indexed after first scan")
	}

	tidiedPath := filepath.Join(libraryRoot, tidiedDir, "Alice", "Alice.Lighting.1.var")
	if err := os.Remove(tidiedPath); err != nil {
		t.Fatalf("removing tidied archive: %v", err)
	}
	_ = path

	if _, err := ix.UpdateDB(ctx, nil); err != nil {
		t.Fatalf("second UpdateDB: %v", err)
	}
	if _, found, _ := ix.st.GetPackage(ctx, "Alice.Lighting.1"); found {
		t.Error("expected package record to be removed once its archive disappeared")
	}
}

func TestStaleVarsSkipsVersionWithDependents(t *testing.T) {
	ctx := context.Background()
	ix, libraryRoot, _ := newTestIndexer(t)

	writeVar(t, libraryRoot, "Alice.Lighting.1.var", sceneEntries(`{"atoms":[]}`))
	writeVar(t, libraryRoot, "Alice.Lighting.2.var", sceneEntries(`{"atoms":[]}`))
	depScene := `{"atoms":[{"storables":[{"plugin#0":"Alice.Lighting.1:/Custom/Scripts/x.cslist"}]}]}`
	writeVar(t, libraryRoot, "Carol.Pose.1.var", sceneEntries(depScene))

	if _, err := ix.UpdateDB(ctx, nil); err != nil {
		t.Fatalf("UpdateDB: %v", err)
	}

	result, err := ix.StaleVars(ctx, nil)
	if err != nil {
		t.Fatalf("StaleVars: %v", err)
	}
	if result.Total != 1 {
		t.Fatalf("Total = %d, want 1 (Alice.Lighting.1 is the only non-newest version)", result.Total)
	}
	if result.Skipped != 1 {
		t.Errorf("Skipped = %d, want 1 (has a dependent)", result.Skipped)
	}
	if result.Moved != 0 {
		t.Errorf("Moved = %d, want 0", result.Moved)
	}

	if _, found, _ := ix.st.GetPackage(ctx, "Alice.Lighting.1"); !found {
		t.Error("expected Alice.Lighting.1 to remain indexed since it still has a dependent")
	}
}

func TestOldVersionVarsMovesUnconditionally(t *testing.T) {
	ctx := context.Background()
	ix, libraryRoot, _ := newTestIndexer(t)

	writeVar(t, libraryRoot, "Alice.Lighting.1.var", sceneEntries(`{"atoms":[]}`))
	writeVar(t, libraryRoot, "Alice.Lighting.2.var", sceneEntries(`{"atoms":[]}`))

	if _, err := ix.UpdateDB(ctx, nil); err != nil {
		t.Fatalf("UpdateDB: %v", err)
	}

	result, err := ix.OldVersionVars(ctx, nil)
	if err != nil {
		t.Fatalf("OldVersionVars: %v", err)
	}
	if result.Moved != 1 {
		t.Fatalf("Moved = %d, want 1", result.Moved)
	}

	if _, found, _ := ix.st.GetPackage(ctx, "Alice.Lighting.1"); found {
		t.Error("expected Alice.Lighting.1 record removed after being moved out")
	}
	movedPath := filepath.Join(libraryRoot, oldVersionDir, "Alice.Lighting.1.var")
	if _, err := os.Stat(movedPath); err != nil {
		t.Errorf("expected archive under %s: %v", oldVersionDir, err)
	}
}

func TestVarsLocateReportsFoundAndMissing(t *testing.T) {
	ctx := context.Background()
	ix, libraryRoot, _ := newTestIndexer(t)

	writeVar(t, libraryRoot, "Alice.Lighting.1.var", sceneEntries(`{"atoms":[]}`))
	if _, err := ix.UpdateDB(ctx, nil); err != nil {
		t.Fatalf("UpdateDB: %v", err)
	}

	results := ix.VarsLocate([]string{"Alice.Lighting.1", "Nobody.Nothing.9", "not a name"})
	if len(results) != 3 {
		t.Fatalf("len(results) = %d, want 3", len(results))
	}
	if !results[0].Found || results[0].Path == "" {
		t.Errorf("results[0] = %+v, want found with a path", results[0])
	}
	if results[1].Found {
		t.Errorf("results[1] = %+v, want not found", results[1])
	}
	if results[2].Error == "" {
		t.Errorf("results[2] = %+v, want a parse error", results[2])
	}
}

func TestFixPreviewsReextractsMissingFile(t *testing.T) {
	ctx := context.Background()
	ix, libraryRoot, _ := newTestIndexer(t)

	writeVar(t, libraryRoot, "Alice.Lighting.1.var", sceneEntries(`{"atoms":[]}`))
	if _, err := ix.UpdateDB(ctx, nil); err != nil {
		t.Fatalf("UpdateDB: %v", err)
	}

	scenes, err := ix.st.ListScenes(ctx, "Alice.Lighting.1")
	if err != nil || len(scenes) != 1 {
		t.Fatalf("ListScenes: %v %v", scenes, err)
	}
	previewPath := filepath.Join(libraryRoot, previewCacheDir, "scenes", "Alice.Lighting.1", scenes[0].PreviewFile)
	if err := os.Remove(previewPath); err != nil {
		t.Fatalf("removing preview: %v", err)
	}

	result, err := ix.FixPreviews(ctx, nil)
	if err != nil {
		t.Fatalf("FixPreviews: %v", err)
	}
	if result.Fixed != 1 {
		t.Fatalf("Fixed = %d, want 1 (got %+v)", result.Fixed, result)
	}
	if _, err := os.Stat(previewPath); err != nil {
		t.Errorf("expected preview re-extracted at %s: %v", previewPath, err)
	}
}
