package scene

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/bustesoul/varmanager/internal/activation"
	"github.com/bustesoul/varmanager/internal/config"
	"github.com/bustesoul/varmanager/internal/linkfs"
	"github.com/bustesoul/varmanager/internal/store"
)

func newTestComposer(t *testing.T) (*Composer, string, *config.Store) {
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
	return New(st, mgr, cfgStore, libraryRoot), vamPath, cfgStore
}

const testSceneJSON = `{
	"atoms": [
		{
			"id": "CoreControl",
			"type": "CoreControl",
			"storables": [{"id": "CoreControl"}]
		},
		{
			"id": "Person",
			"type": "Person",
			"storables": [
				{"id": "geometry", "character": "Female1", "clothing": [], "hair": []},
				{
					"id": "PluginManager",
					"plugins": {"plugin#0": "SELF:/Custom/Scripts/x.cslist"}
				}
			]
		},
		{
			"id": "SubScene",
			"type": "SubScene",
			"atoms": [
				{
					"id": "Lamp",
					"type": "InvisibleLight",
					"storables": [
						{"id": "light", "plugin#0": "Alice.Lighting.2:/Custom/Scripts/l.cslist"}
					]
				}
			]
		}
	]
}`

func writeTestScene(t *testing.T, vamPath, rel string) {
	t.Helper()
	path := filepath.Join(vamPath, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("making scene dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(testSceneJSON), 0o644); err != nil {
		t.Fatalf("writing scene: %v", err)
	}
}

func TestAnalyzeBuildsCacheAndGenderFile(t *testing.T) {
	ctx := context.Background()
	c, vamPath, _ := newTestComposer(t)
	writeTestScene(t, vamPath, "Saves/scene/test.json")

	result, err := c.Analyze(ctx, AnalyzeArgs{SaveName: "Saves/scene/test.json"})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if result.CharacterGender != "female" {
		t.Errorf("CharacterGender = %q, want female", result.CharacterGender)
	}

	personDir := filepath.Join(result.CacheDir, "atoms", "Person")
	entries, err := os.ReadDir(personDir)
	if err != nil {
		t.Fatalf("reading Person atom dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("Person atom dir has %d entries, want 1", len(entries))
	}

	coreDir := filepath.Join(result.CacheDir, "atoms", "(base)CoreControl")
	if _, err := os.Stat(coreDir); err != nil {
		t.Errorf("expected (base)CoreControl atom dir: %v", err)
	}

	subDir := filepath.Join(result.CacheDir, "atoms", "SubScene", "atoms", "InvisibleLight")
	if _, err := os.Stat(subDir); err != nil {
		t.Errorf("expected nested SubScene atom dir: %v", err)
	}

	deps, err := readLines(filepath.Join(result.CacheDir, "depend.txt"))
	if err != nil {
		t.Fatalf("reading depend.txt: %v", err)
	}
	want := map[string]bool{"Alice.Lighting.2": true}
	got := map[string]bool{}
	for _, d := range deps {
		got[d] = true
	}
	for w := range want {
		if !got[w] {
			t.Errorf("depend.txt %v missing %s", deps, w)
		}
	}
}

func TestAnalyzeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	c, vamPath, _ := newTestComposer(t)
	writeTestScene(t, vamPath, "Saves/scene/test.json")

	first, err := c.Analyze(ctx, AnalyzeArgs{SaveName: "Saves/scene/test.json"})
	if err != nil {
		t.Fatalf("first Analyze: %v", err)
	}

	// Overwrite the on-disk scene with something that would error if
	// re-parsed; the cache should be reused rather than rebuilt.
	path := filepath.Join(vamPath, "Saves", "scene", "test.json")
	if err := os.WriteFile(path, []byte("not json"), 0o644); err != nil {
		t.Fatalf("corrupting scene file: %v", err)
	}

	second, err := c.Analyze(ctx, AnalyzeArgs{SaveName: "Saves/scene/test.json"})
	if err != nil {
		t.Fatalf("second Analyze: %v", err)
	}
	if first.CacheDir != second.CacheDir {
		t.Errorf("CacheDir changed between calls: %q vs %q", first.CacheDir, second.CacheDir)
	}
}

func TestLoadWritesLoadscene(t *testing.T) {
	ctx := context.Background()
	c, vamPath, cfgStore := newTestComposer(t)
	writeTestScene(t, vamPath, "Saves/scene/test.json")

	result, err := c.Load(ctx, LoadArgs{
		Resources: []Resource{{Type: "scene", SaveName: "Saves/scene/test.json"}},
	}, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	cfg := cfgStore.Get()
	sentinel := filepath.Join(cfg.ResolvedDownloadSavePath("AddonPackages"), activation.RescanSentinel)
	if result.LoadscenePath != sentinel {
		t.Errorf("LoadscenePath = %q, want %q", result.LoadscenePath, sentinel)
	}
	data, err := os.ReadFile(sentinel)
	if err != nil {
		t.Fatalf("reading loadscene.json: %v", err)
	}
	var desc Descriptor
	if err := json.Unmarshal(data, &desc); err != nil {
		t.Fatalf("parsing loadscene.json: %v", err)
	}
	if len(desc.Resources) != 1 {
		t.Fatalf("Resources = %v, want 1 entry", desc.Resources)
	}
	// Load passes no gender, and the scene contains no "/Female/" path, so
	// the first-use analysis falls back to male.
	if desc.Resources[0].CharacterGender != "male" {
		t.Errorf("CharacterGender = %q, want male", desc.Resources[0].CharacterGender)
	}
	if desc.Resources[0].PersonOrder != 1 {
		t.Errorf("PersonOrder = %d, want 1", desc.Resources[0].PersonOrder)
	}
}

func TestPresetLookExtractsLooksPreset(t *testing.T) {
	ctx := context.Background()
	c, vamPath, _ := newTestComposer(t)
	writeTestScene(t, vamPath, "Saves/scene/test.json")

	if _, err := c.Analyze(ctx, AnalyzeArgs{SaveName: "Saves/scene/test.json"}); err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	result, err := c.PresetLook(ctx, PresetLookArgs{
		VarName:   "save",
		EntryName: "Saves/scene/test.json",
		AtomName:  "(female)Person",
		Clothing:  true,
		Hair:      true,
	}, nil)
	if err != nil {
		t.Fatalf("PresetLook: %v", err)
	}
	if result.LoadscenePath == "" {
		t.Error("expected a loadscene path")
	}

	vapPath := filepath.Join(vamPath, "Custom", "Atom", "Person", "Appearance", "Preset_temp.vap")
	if _, err := os.Stat(vapPath); err != nil {
		t.Errorf("expected look preset written at %s: %v", vapPath, err)
	}
}

func TestCacheClearRemovesDirectory(t *testing.T) {
	ctx := context.Background()
	c, vamPath, _ := newTestComposer(t)
	writeTestScene(t, vamPath, "Saves/scene/test.json")

	analyzed, err := c.Analyze(ctx, AnalyzeArgs{SaveName: "Saves/scene/test.json"})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if _, err := os.Stat(analyzed.CacheDir); err != nil {
		t.Fatalf("expected cache dir to exist before clear: %v", err)
	}

	removed, err := c.CacheClear(CacheClearArgs{VarName: "save", EntryName: "Saves/scene/test.json"})
	if err != nil {
		t.Fatalf("CacheClear: %v", err)
	}
	if removed != analyzed.CacheDir {
		t.Errorf("CacheClear removed %q, want %q", removed, analyzed.CacheDir)
	}
	if _, err := os.Stat(analyzed.CacheDir); !os.IsNotExist(err) {
		t.Errorf("expected cache dir gone, stat err = %v", err)
	}
}

func TestHideFavDelegatesToStore(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestComposer(t)

	if err := c.Hide(ctx, HideFavArgs{VarName: "save", ScenePath: "Saves/scene/test.json"}); err != nil {
		t.Fatalf("Hide: %v", err)
	}
	hf, err := c.st.GetHideFav(ctx, "save", "Saves/scene/test.json")
	if err != nil {
		t.Fatalf("GetHideFav: %v", err)
	}
	if !hf.Hide || hf.Fav {
		t.Errorf("GetHideFav = %+v, want hide=true fav=false", hf)
	}

	if err := c.Unhide(ctx, HideFavArgs{VarName: "save", ScenePath: "Saves/scene/test.json"}); err != nil {
		t.Fatalf("Unhide: %v", err)
	}
	hf, err = c.st.GetHideFav(ctx, "save", "Saves/scene/test.json")
	if err != nil {
		t.Fatalf("GetHideFav: %v", err)
	}
	if hf.Hide || hf.Fav {
		t.Errorf("GetHideFav after Unhide = %+v, want both false", hf)
	}
}
