package store

import (
	"context"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	s, err := Open(ctx, ":memory:")
	if err != nil {
		t.Fatalf("opening test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertAndGetPackage(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	tx, err := s.BeginIndexTx(ctx)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	p := Package{Name: "Alice.HelloWorld.3", Creator: "Alice", PackageName: "HelloWorld", Version: "3",
		VarDate: 100, SizeMiB: 1.5, MetaDate: 100, SceneCount: 1, DependencyCount: 2}
	if err := UpsertPackageTx(ctx, tx, p); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := ReplaceDependenciesTx(ctx, tx, p.Name, []string{"Bob.Util.2", "Carol.Art.latest"}); err != nil {
		t.Fatalf("replace deps: %v", err)
	}
	if err := ReplaceScenesTx(ctx, tx, p.Name, []Scene{
		{Package: p.Name, AtomType: "scenes", ScenePath: "Saves/scene/hello.json", IsLoadable: true},
	}); err != nil {
		t.Fatalf("replace scenes: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	got, ok, err := s.GetPackage(ctx, p.Name)
	if err != nil || !ok {
		t.Fatalf("get package: ok=%v err=%v", ok, err)
	}
	if got.DependencyCount != 2 || got.SceneCount != 1 {
		t.Errorf("unexpected package: %+v", got)
	}

	deps, err := s.ListDependencies(ctx, p.Name)
	if err != nil {
		t.Fatalf("list deps: %v", err)
	}
	if len(deps) != 2 {
		t.Fatalf("want 2 deps, got %v", deps)
	}

	scenes, err := s.ListScenes(ctx, p.Name)
	if err != nil {
		t.Fatalf("list scenes: %v", err)
	}
	if len(scenes) != 1 || scenes[0].ScenePath != "Saves/scene/hello.json" {
		t.Errorf("unexpected scenes: %+v", scenes)
	}
}

func TestReindexIsIdempotent(t *testing.T) {
	// Law L3: indexing the same package twice in a row produces the same
	// row set and counts.
	ctx := context.Background()
	s := newTestStore(t)

	insertOnce := func() {
		tx, err := s.BeginIndexTx(ctx)
		if err != nil {
			t.Fatalf("begin tx: %v", err)
		}
		p := Package{Name: "Alice.HelloWorld.3", Creator: "Alice", PackageName: "HelloWorld", Version: "3",
			VarDate: 100, SizeMiB: 1.5, MetaDate: 100, DependencyCount: 1}
		if err := UpsertPackageTx(ctx, tx, p); err != nil {
			t.Fatalf("upsert: %v", err)
		}
		if err := ReplaceDependenciesTx(ctx, tx, p.Name, []string{"Bob.Util.2"}); err != nil {
			t.Fatalf("replace deps: %v", err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatalf("commit: %v", err)
		}
	}

	insertOnce()
	first, _, _ := s.GetPackage(ctx, "Alice.HelloWorld.3")
	insertOnce()
	second, _, _ := s.GetPackage(ctx, "Alice.HelloWorld.3")

	if first != second {
		t.Errorf("reindexing changed the row: %+v != %+v", first, second)
	}
	deps, _ := s.ListDependencies(ctx, "Alice.HelloWorld.3")
	if len(deps) != 1 {
		t.Errorf("expected exactly one dependency row after reindexing twice, got %v", deps)
	}
}

func TestDeletePackageCascades(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	tx, _ := s.BeginIndexTx(ctx)
	UpsertPackageTx(ctx, tx, Package{Name: "A.B.1", Creator: "A", PackageName: "B", Version: "1"})
	ReplaceDependenciesTx(ctx, tx, "A.B.1", []string{"C.D.1"})
	ReplaceScenesTx(ctx, tx, "A.B.1", []Scene{{Package: "A.B.1", AtomType: "scenes", ScenePath: "x.json"}})
	tx.Commit()

	tx2, _ := s.BeginIndexTx(ctx)
	if err := DeletePackageTx(ctx, tx2, "A.B.1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	tx2.Commit()

	if _, ok, _ := s.GetPackage(ctx, "A.B.1"); ok {
		t.Error("expected package to be gone")
	}
	if deps, _ := s.ListDependencies(ctx, "A.B.1"); len(deps) != 0 {
		t.Errorf("expected no dependencies, got %v", deps)
	}
	if scenes, _ := s.ListScenes(ctx, "A.B.1"); len(scenes) != 0 {
		t.Errorf("expected no scenes, got %v", scenes)
	}
}

func TestDownloadEnqueueDedup(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.InsertDownload(ctx, "https://example.com/a.var", "a.var"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	_, found, err := s.FindNonTerminalByURL(ctx, "https://example.com/a.var")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if !found {
		t.Error("expected non-terminal download to be found for dedup")
	}
}

func TestDownloadInvariantTotalBytes(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	d, _ := s.InsertDownload(ctx, "https://example.com/b.var", "b.var")
	total := int64(100)
	if err := s.UpdateDownloadProgress(ctx, d.ID, 40, &total, 10); err != nil {
		t.Fatalf("update progress: %v", err)
	}
	got, _, _ := s.GetDownload(ctx, d.ID)
	if got.DownloadedBytes > *got.TotalBytes {
		t.Errorf("invariant violated: downloaded=%d total=%d", got.DownloadedBytes, *got.TotalBytes)
	}
}

func TestForceNonTerminalToPaused(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	d, _ := s.InsertDownload(ctx, "https://example.com/c.var", "c.var")
	s.SetDownloadStatus(ctx, d.ID, DownloadDownloading, "")

	n, err := s.ForceNonTerminalToPaused(ctx)
	if err != nil {
		t.Fatalf("force paused: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 row affected, got %d", n)
	}
	got, _, _ := s.GetDownload(ctx, d.ID)
	if got.Status != DownloadPaused || got.SpeedBytes != 0 {
		t.Errorf("unexpected state after recovery: %+v", got)
	}
}

func TestHideFavCannotSetBoth(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if err := s.SetHideFav(ctx, "A.B.1", "x.json", true, true); err == nil {
		t.Error("expected error setting both hide and fav")
	}
}
