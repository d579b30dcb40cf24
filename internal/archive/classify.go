// Package archive locates package archives on disk by symbolic name and
// classifies their ZIP entries into the asset-category table used by the
// indexer (internal/indexer) and scene composer (internal/scene).
package archive

import "strings"

// AtomType is one of the closed set of scene-bearing categories tracked
// individually by the metadata store.
type AtomType string

const (
	AtomScenes    AtomType = "scenes"
	AtomLooks     AtomType = "looks"
	AtomClothing  AtomType = "clothing"
	AtomHairstyle AtomType = "hairstyle"
	AtomMorphs    AtomType = "morphs"
	AtomPose      AtomType = "pose"
	AtomSkin      AtomType = "skin"
)

// Category is the broader set of counters tracked on the package record,
// including types that are counted but never individually indexed as scenes.
type Category string

const (
	CategoryScene      Category = "scene"
	CategoryLook       Category = "look"
	CategoryCloth      Category = "cloth"
	CategoryHair       Category = "hair"
	CategorySkin       Category = "skin"
	CategoryPose       Category = "pose"
	CategoryMorph      Category = "morph"
	CategoryPlugin     Category = "plugin"
	CategoryAsset      Category = "asset"
	CategoryTexture    Category = "texture"
	CategorySubScene   Category = "sub_scene"
	CategoryAppearance Category = "appearance"
)

// Classification is the result of classifying one archive entry.
type Classification struct {
	AtomType AtomType
	Category Category
	IsPreset bool
	// IsScene is true for the atom types the scenes table indexes
	// individually (AtomType is non-empty); false for entries that are
	// only counted (textures, plugins, assets).
	IsScene bool
}

type classifyRule struct {
	prefix    string
	exts      []string
	atomType  AtomType
	category  Category
	isScene   bool
	presetExt string // if non-empty, IsPreset = (ext == presetExt); if empty and isScene, IsPreset is fixed below
	presetAll bool   // if true, every matching entry is a preset regardless of extension
}

// classifyTable mirrors the fixed prefix/extension table from the
// specification. The first rule whose prefix and extension list both match
// wins; an entry under a known prefix with an unlisted extension falls
// through to the later rules.
var classifyTable = []classifyRule{
	{prefix: "saves/scene/", exts: []string{".json"}, atomType: AtomScenes, category: CategoryScene, isScene: true},
	{prefix: "saves/person/appearance/", exts: []string{".json", ".vac"}, atomType: AtomLooks, category: CategoryLook, isScene: true, presetExt: ".json"},
	{prefix: "custom/atom/person/appearance/", exts: []string{".json", ".vap"}, atomType: AtomLooks, category: CategoryLook, isScene: true, presetAll: true},
	{prefix: "custom/atom/person/general/", exts: []string{".json", ".vap"}, atomType: AtomLooks, category: CategoryLook, isScene: true, presetAll: true},
	{prefix: "custom/clothing/", exts: []string{".vam", ".vap"}, atomType: AtomClothing, category: CategoryCloth, isScene: true},
	{prefix: "custom/atom/person/clothing/", exts: []string{".vam", ".vap"}, atomType: AtomClothing, category: CategoryCloth, isScene: true, presetExt: ".vap"},
	{prefix: "custom/hair/", exts: []string{".vam", ".vap"}, atomType: AtomHairstyle, category: CategoryHair, isScene: true},
	{prefix: "custom/atom/person/hair/", exts: []string{".vam", ".vap"}, atomType: AtomHairstyle, category: CategoryHair, isScene: true, presetExt: ".vap"},
	{prefix: "custom/assets/", exts: []string{".assetbundle"}, category: CategoryAsset},
	{prefix: "custom/atom/person/morphs/", exts: []string{".vmi", ".vap"}, atomType: AtomMorphs, category: CategoryMorph, isScene: true, presetExt: ".vap"},
	{prefix: "custom/atom/person/pose/", exts: []string{".vap"}, atomType: AtomPose, category: CategoryPose, isScene: true, presetAll: true},
	{prefix: "saves/person/pose/", exts: []string{".json", ".vac"}, atomType: AtomPose, category: CategoryPose, isScene: true, presetExt: ".json"},
	{prefix: "custom/atom/person/skin/", exts: []string{".vap"}, atomType: AtomSkin, category: CategorySkin, isScene: true, presetAll: true},
}

// Classify classifies one normalised archive entry path. normalizedPath
// must already be lowercased by the caller via NormalizeEntryName; both the
// prefix match and the extension are taken from it.
func Classify(normalizedPath string) (c Classification, ok bool) {
	ext := extOf(normalizedPath)
	for _, rule := range classifyTable {
		if !strings.HasPrefix(normalizedPath, rule.prefix) {
			continue
		}
		if !containsExt(rule.exts, ext) {
			continue
		}
		isPreset := rule.presetAll || (rule.presetExt != "" && ext == rule.presetExt)
		return Classification{
			AtomType: rule.atomType,
			Category: rule.category,
			IsPreset: isPreset,
			IsScene:  rule.isScene,
		}, true
	}
	return Classification{}, false
}

// NormalizeEntryName lowercases a ZIP entry path for classification
// purposes and normalises path separators to forward slashes.
func NormalizeEntryName(name string) string {
	return strings.ToLower(strings.ReplaceAll(name, "\\", "/"))
}

func extOf(p string) string {
	idx := strings.LastIndexByte(p, '.')
	if idx < 0 {
		return ""
	}
	return p[idx:]
}

func containsExt(exts []string, ext string) bool {
	for _, e := range exts {
		if e == ext {
			return true
		}
	}
	return false
}

// PluginCounts tracks the two plugin-manifest extension counts; the
// indexer prefers .cslist counts over raw .cs counts when both are present.
type PluginCounts struct {
	CSList int
	CS     int
}

// Effective returns the count that should be recorded for the package: the
// .cslist count if it's non-zero, otherwise the raw .cs count.
func (p PluginCounts) Effective() int {
	if p.CSList != 0 {
		return p.CSList
	}
	return p.CS
}

// IsPluginEntry reports whether the normalised entry path is a plugin
// manifest or script under one of the two recognised script roots, and
// which of the two counters it belongs to.
func IsPluginEntry(normalizedPath string) (isCSList, isCS bool) {
	underScripts := strings.HasPrefix(normalizedPath, "custom/scripts/") ||
		strings.HasPrefix(normalizedPath, "custom/atom/person/scripts/")
	if !underScripts {
		return false, false
	}
	switch extOf(normalizedPath) {
	case ".cslist":
		return true, false
	case ".cs":
		return false, true
	default:
		return false, false
	}
}
