package scene

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bustesoul/varmanager/internal/apierr"
)

func intOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

// LoadArgs is the payload for the scene_load job kind: a pre-built
// resource list (as assembled by the host UI, or passed through from one
// of the preset builders below) plus the merge/gender defaults to stamp
// onto every entry that doesn't already carry them.
type LoadArgs struct {
	Resources       []Resource `json:"resources"`
	Merge           bool       `json:"merge"`
	IgnoreGender    bool       `json:"ignoreGender"`
	CharacterGender string     `json:"characterGender"`
	PersonOrder     *int       `json:"personOrder"`
}

// Load resolves the scene named by the first resource's saveName, lazily
// populating its analysis cache, then builds and emits the descriptor.
func (c *Composer) Load(ctx context.Context, args LoadArgs, logf func(string)) (LoadResult, error) {
	if len(args.Resources) == 0 {
		return LoadResult{}, apierr.New(apierr.BadRequest, "scene: scene_load requires at least one resource")
	}
	pkg, entry := cacheKey(args.Resources[0].SaveName)

	gender := args.CharacterGender
	if gender == "" {
		gender = "unknown"
	}
	cacheRoot, err := c.ensureAnalysisCache(ctx, pkg, entry, gender)
	if err != nil {
		return LoadResult{}, err
	}

	deps, err := readLines(filepath.Join(cacheRoot, "depend.txt"))
	if err != nil {
		return LoadResult{}, err
	}
	resolvedGender := readGenderFile(filepath.Join(cacheRoot, "gender.txt"), gender)

	return c.buildLoadscene(ctx, args.Resources, args.Merge, deps, resolvedGender, args.IgnoreGender, intOr(args.PersonOrder, 0)+1, logf)
}

// AnalyzeArgs is the payload for the scene_analyze job kind: populate a
// scene's cache ahead of time without actually queueing a load.
type AnalyzeArgs struct {
	SaveName        string `json:"saveName"`
	CharacterGender string `json:"characterGender"`
}

// AnalyzeResult reports where a scene's cache ended up and which gender it
// was classified as.
type AnalyzeResult struct {
	PackageName     string `json:"varName"`
	EntryName       string `json:"entryName"`
	CacheDir        string `json:"cacheDir"`
	CharacterGender string `json:"characterGender"`
}

func (c *Composer) Analyze(ctx context.Context, args AnalyzeArgs) (AnalyzeResult, error) {
	gender := args.CharacterGender
	if gender == "" {
		gender = "female"
	}
	pkg, entry := cacheKey(args.SaveName)
	cacheRoot, err := c.ensureAnalysisCache(ctx, pkg, entry, gender)
	if err != nil {
		return AnalyzeResult{}, err
	}
	resolved := readGenderFile(filepath.Join(cacheRoot, "gender.txt"), gender)
	return AnalyzeResult{PackageName: pkg, EntryName: entry, CacheDir: cacheRoot, CharacterGender: resolved}, nil
}

// PresetLookArgs is the payload for the scene_preset_look job kind: extract
// a subset of a Person atom's appearance into standalone presets.
type PresetLookArgs struct {
	VarName      string `json:"varName"`
	EntryName    string `json:"entryName"`
	AtomName     string `json:"atomName"`
	Morphs       bool   `json:"morphs"`
	Hair         bool   `json:"hair"`
	Clothing     bool   `json:"clothing"`
	Skin         bool   `json:"skin"`
	Breast       bool   `json:"breast"`
	Glute        bool   `json:"glute"`
	IgnoreGender bool   `json:"ignoreGender"`
	PersonOrder  *int   `json:"personOrder"`
}

func (c *Composer) PresetLook(ctx context.Context, args PresetLookArgs, logf func(string)) (LoadResult, error) {
	pkg := normalizeKey(args.VarName)
	cacheRoot, err := c.ensureAnalysisCache(ctx, pkg, args.EntryName, "female")
	if err != nil {
		return LoadResult{}, err
	}

	atom, err := loadPersonAtom(cacheRoot, args.AtomName)
	if err != nil {
		return LoadResult{}, err
	}

	sel := presetSelection{
		Morphs: args.Morphs, Hair: args.Hair, Clothing: args.Clothing,
		Skin: args.Skin, Breast: args.Breast, Glute: args.Glute,
	}
	personOrder := intOr(args.PersonOrder, 0)
	resources, gender, err := c.savePreset(pkg, atom, sel, args.IgnoreGender, personOrder)
	if err != nil {
		return LoadResult{}, err
	}

	deps, err := readLines(filepath.Join(cacheRoot, "depend.txt"))
	if err != nil {
		return LoadResult{}, err
	}

	return c.buildLoadscene(ctx, resources, false, deps, gender, args.IgnoreGender, personOrder+1, logf)
}

// PresetArgs is the shared payload for scene_preset_plugin, scene_preset_pose
// and scene_preset_animation.
type PresetArgs struct {
	VarName      string `json:"varName"`
	EntryName    string `json:"entryName"`
	AtomName     string `json:"atomName"`
	IgnoreGender bool   `json:"ignoreGender"`
	PersonOrder  *int   `json:"personOrder"`
}

func (c *Composer) presetJob(ctx context.Context, args PresetArgs, logf func(string), build func(cacheRoot string, atom map[string]any, personOrder int) ([]Resource, error)) (LoadResult, error) {
	pkg := normalizeKey(args.VarName)
	cacheRoot, err := c.ensureAnalysisCache(ctx, pkg, args.EntryName, "female")
	if err != nil {
		return LoadResult{}, err
	}

	atom, err := loadPersonAtom(cacheRoot, args.AtomName)
	if err != nil {
		return LoadResult{}, err
	}

	personOrder := intOr(args.PersonOrder, 0)
	resources, err := build(cacheRoot, atom, personOrder)
	if err != nil {
		return LoadResult{}, err
	}

	deps, err := readLines(filepath.Join(cacheRoot, "depend.txt"))
	if err != nil {
		return LoadResult{}, err
	}

	return c.buildLoadscene(ctx, resources, false, deps, "unknown", args.IgnoreGender, personOrder+1, logf)
}

func (c *Composer) PresetPlugin(ctx context.Context, args PresetArgs, logf func(string)) (LoadResult, error) {
	pkg := normalizeKey(args.VarName)
	return c.presetJob(ctx, args, logf, func(cacheRoot string, atom map[string]any, personOrder int) ([]Resource, error) {
		return c.savePluginPreset(pkg, atom, "unknown", args.IgnoreGender, personOrder)
	})
}

func (c *Composer) PresetPose(ctx context.Context, args PresetArgs, logf func(string)) (LoadResult, error) {
	pkg := normalizeKey(args.VarName)
	return c.presetJob(ctx, args, logf, func(cacheRoot string, atom map[string]any, personOrder int) ([]Resource, error) {
		return c.savePosePreset(pkg, atom, "unknown", args.IgnoreGender, personOrder)
	})
}

func (c *Composer) PresetAnimation(ctx context.Context, args PresetArgs, logf func(string)) (LoadResult, error) {
	pkg := normalizeKey(args.VarName)
	return c.presetJob(ctx, args, logf, func(cacheRoot string, atom map[string]any, personOrder int) ([]Resource, error) {
		core, err := loadCoreControl(cacheRoot)
		if err != nil {
			return nil, err
		}
		pose, err := c.savePosePreset(pkg, atom, "unknown", args.IgnoreGender, personOrder)
		if err != nil {
			return nil, err
		}
		anim, err := c.saveAnimationPreset(atom, core, "unknown", args.IgnoreGender, personOrder)
		if err != nil {
			return nil, err
		}
		return append(pose, anim...), nil
	})
}

// PresetSceneArgs is the payload for the scene_preset_scene job kind: build
// an otherwise-empty loadscene that carries across a selection of cached
// atom fragments.
type PresetSceneArgs struct {
	VarName      string   `json:"varName"`
	EntryName    string   `json:"entryName"`
	AtomPaths    []string `json:"atomPaths"`
	IgnoreGender bool     `json:"ignoreGender"`
	PersonOrder  *int     `json:"personOrder"`
}

func (c *Composer) PresetScene(ctx context.Context, args PresetSceneArgs, logf func(string)) (LoadResult, error) {
	pkg := normalizeKey(args.VarName)
	cacheRoot, err := c.ensureAnalysisCache(ctx, pkg, args.EntryName, "female")
	if err != nil {
		return LoadResult{}, err
	}

	personOrder := intOr(args.PersonOrder, 0)
	var resources []Resource
	addPresetResource(&resources, "emptyscene", "", "unknown", args.IgnoreGender, personOrder+1)

	atomResources, err := c.addAtomResources(cacheRoot, args.AtomPaths, args.IgnoreGender, personOrder, false)
	if err != nil {
		return LoadResult{}, err
	}
	resources = append(resources, atomResources...)

	deps, err := readLines(filepath.Join(cacheRoot, "depend.txt"))
	if err != nil {
		return LoadResult{}, err
	}

	return c.buildLoadscene(ctx, resources, false, deps, "unknown", args.IgnoreGender, personOrder+1, logf)
}

// AtomsArgs is the payload shared by scene_add_atoms and scene_add_subscene;
// AsSubScene selects which of the two the job kind requested.
type AtomsArgs struct {
	VarName      string   `json:"varName"`
	EntryName    string   `json:"entryName"`
	AtomPaths    []string `json:"atomPaths"`
	IgnoreGender bool     `json:"ignoreGender"`
	PersonOrder  *int     `json:"personOrder"`
	AsSubScene   bool     `json:"asSubscene"`
}

func (c *Composer) addAtomsJob(ctx context.Context, args AtomsArgs, asSubScene bool, logf func(string)) (LoadResult, error) {
	pkg := normalizeKey(args.VarName)
	cacheRoot, err := c.ensureAnalysisCache(ctx, pkg, args.EntryName, "female")
	if err != nil {
		return LoadResult{}, err
	}

	personOrder := intOr(args.PersonOrder, 0)
	resources, err := c.addAtomResources(cacheRoot, args.AtomPaths, args.IgnoreGender, personOrder, asSubScene)
	if err != nil {
		return LoadResult{}, err
	}

	deps, err := readLines(filepath.Join(cacheRoot, "depend.txt"))
	if err != nil {
		return LoadResult{}, err
	}

	return c.buildLoadscene(ctx, resources, false, deps, "unknown", args.IgnoreGender, personOrder+1, logf)
}

func (c *Composer) AddAtoms(ctx context.Context, args AtomsArgs, logf func(string)) (LoadResult, error) {
	return c.addAtomsJob(ctx, args, args.AsSubScene, logf)
}

// HideFavArgs is the payload for scene_hide/scene_fav/scene_unhide/scene_unfav.
type HideFavArgs struct {
	VarName   string `json:"varName"`
	ScenePath string `json:"scenePath"`
}

func (c *Composer) Hide(ctx context.Context, args HideFavArgs) error {
	return c.st.SetHideFav(ctx, normalizeKey(args.VarName), args.ScenePath, true, false)
}

func (c *Composer) Fav(ctx context.Context, args HideFavArgs) error {
	return c.st.SetHideFav(ctx, normalizeKey(args.VarName), args.ScenePath, false, true)
}

func (c *Composer) Unhide(ctx context.Context, args HideFavArgs) error {
	return c.st.SetHideFav(ctx, normalizeKey(args.VarName), args.ScenePath, false, false)
}

func (c *Composer) Unfav(ctx context.Context, args HideFavArgs) error {
	return c.st.SetHideFav(ctx, normalizeKey(args.VarName), args.ScenePath, false, false)
}

// CacheClearArgs is the payload for the cache_clear job kind.
type CacheClearArgs struct {
	VarName   string `json:"varName"`
	EntryName string `json:"entryName"`
}

// CacheClear removes a single scene's cache directory, returning the path
// removed so the caller can log it.
func (c *Composer) CacheClear(args CacheClearArgs) (string, error) {
	pkg := normalizeKey(args.VarName)
	cacheRoot := c.cacheDir(pkg, args.EntryName)
	if dirExists(cacheRoot) {
		if err := os.RemoveAll(cacheRoot); err != nil {
			return "", fmt.Errorf("scene: clearing cache %s: %w", cacheRoot, err)
		}
	}
	return cacheRoot, nil
}
