package scene

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bustesoul/varmanager/internal/apierr"
)

// poseControlIDs and poseObjectIDs are the storable ids a pose preset
// captures beyond the atom's own morphs: the rig's IK/FK controls and the
// underlying rigidbody objects they drive.
var poseControlIDs = []string{
	"hipControl", "pelvisControl", "chestControl", "headControl",
	"rHandControl", "lHandControl", "rFootControl", "lFootControl",
	"neckControl", "eyeTargetControl", "rNippleControl", "lNippleControl",
	"rElbowControl", "lElbowControl", "rKneeControl", "lKneeControl",
	"rToeControl", "lToeControl", "abdomenControl", "abdomen2Control",
	"rThighControl", "lThighControl", "rArmControl", "lArmControl",
	"rShoulderControl", "lShoulderControl",
}

var poseObjectIDs = []string{
	"hip", "pelvis", "rThigh", "rShin", "rFoot", "rToe", "lThigh", "lShin",
	"lFoot", "lToe", "LGlute", "RGlute", "abdomen", "abdomen2", "chest",
	"lPectoral", "rPectoral", "rCollar", "rShldr", "rForeArm", "rHand",
	"lCollar", "lShldr", "lForeArm", "lHand", "neck", "head",
}

var skinStorableIDs = []string{
	"skin", "textures", "teeth", "tongue", "mouth",
	"FemaleEyelashes", "MaleEyelashes", "lacrimals", "sclera", "irises",
}

var breastStorableIDs = []string{"BreastControl", "BreastPhysicsMesh"}
var glutStorableIDs = []string{"GluteControl", "LowerPhysicsMesh"}

// defaultEyeColor, clothNaked and hairBald are the static presets applied
// alongside a look preset's skin/clothing/hair selections, matching the
// host's own built-in "reset to default" presets.
const defaultEyeColor = `{"setUnlistedParamsToDefault":"false","storables":[{"id":"irises","hideMaterial":"false","Diffuse Color":{"h":"0","s":"0","v":"1"}},{"id":"sclera","hideMaterial":"false","Diffuse Color":{"h":"0","s":"0","v":"1"}},{"id":"lacrimals","hideMaterial":"false"}]}`
const clothNaked = `{"setUnlistedParamsToDefault":"true","storables":[{"id":"geometry","clothing":[]}]}`
const hairBald = `{"setUnlistedParamsToDefault":"true","storables":[{"id":"geometry","hair":[]}]}`

type presetSelection struct {
	Morphs, Hair, Clothing, Skin, Breast, Glute bool
}

func newPresetDoc(defaultParams bool) map[string]any {
	return map[string]any{
		"setUnlistedParamsToDefault": fmt.Sprintf("%t", defaultParams),
		"storables":                  []any{},
	}
}

func pushStorable(doc map[string]any, storable map[string]any) {
	arr, _ := doc["storables"].([]any)
	doc["storables"] = append(arr, storable)
}

func collectInternalIDs(source map[string]any, key string, out *[]string) {
	arr, ok := source[key].([]any)
	if !ok {
		return
	}
	for _, item := range arr {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if id, ok := entry["internalId"].(string); ok {
			*out = append(*out, id)
		}
	}
}

func startsWithAny(id string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(id, p) {
			return true
		}
	}
	return false
}

func containsString(items []string, s string) bool {
	for _, item := range items {
		if item == s {
			return true
		}
	}
	return false
}

func addPresetResource(resources *[]Resource, resourceType, saveName, gender string, ignoreGender bool, personOrder int) {
	*resources = append(*resources, Resource{
		Type:            resourceType,
		SaveName:        filepath.ToSlash(saveName),
		CharacterGender: strings.ToLower(gender),
		IgnoreGender:    ignoreGender,
		PersonOrder:     personOrder,
	})
}

func (c *Composer) presetPath(rel string) (string, error) {
	cfg := c.cfgStore.Get()
	if cfg.VamPath == "" {
		return "", apierr.New(apierr.BadRequest, "scene: vampath is required in config")
	}
	return filepath.Join(cfg.VamPath, filepath.FromSlash(rel)), nil
}

// saveJSONPreset writes value as the preset at rel, rewriting the
// archive's "SELF:/" self-reference convention to the concrete owning
// package name.
func (c *Composer) saveJSONPreset(varName, rel string, value map[string]any) error {
	path, err := c.presetPath(rel)
	if err != nil {
		return err
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("scene: marshalling preset %s: %w", rel, err)
	}
	content := strings.ReplaceAll(string(data), `"SELF:/`, `"`+varName+`:/`)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("scene: creating directory for %s: %w", rel, err)
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

func (c *Composer) saveRawJSON(rel string, value map[string]any) error {
	path, err := c.presetPath(rel)
	if err != nil {
		return err
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("scene: marshalling %s: %w", rel, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("scene: creating directory for %s: %w", rel, err)
	}
	return os.WriteFile(path, data, 0o644)
}

func (c *Composer) saveStaticPreset(rel, content string) error {
	path, err := c.presetPath(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("scene: creating directory for %s: %w", rel, err)
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

// savePreset builds the look-preset family (appearance, morphs, breast,
// glute, skin, hair, clothing) from a single Person atom, filtered by the
// requested selection, and writes whichever of them were selected.
// clothing/hair membership is determined indirectly: every storable whose
// id is a prefix match against an internalId referenced from the atom's
// geometry clothing/hair arrays belongs to that category.
func (c *Composer) savePreset(varName string, atom map[string]any, sel presetSelection, ignoreGender bool, personOrder int) ([]Resource, string, error) {
	jsonPreset := newPresetDoc(false)
	jsonMorphs := newPresetDoc(true)
	jsonBreast := newPresetDoc(true)
	jsonGlute := newPresetDoc(true)
	jsonSkin := newPresetDoc(true)
	jsonHair := newPresetDoc(true)
	jsonClothing := newPresetDoc(true)

	var clothingIDs, hairIDs []string
	gender := "unknown"

	storables, _ := atom["storables"].([]any)
	for _, s := range storables {
		storable, ok := s.(map[string]any)
		if !ok {
			continue
		}
		if id, _ := storable["id"].(string); id != "geometry" {
			continue
		}

		presetGeom := map[string]any{"id": "geometry"}
		morphsGeom := map[string]any{"id": "geometry"}
		breastGeom := map[string]any{"id": "geometry"}
		gluteGeom := map[string]any{"id": "geometry"}
		skinGeom := map[string]any{"id": "geometry"}
		hairGeom := map[string]any{"id": "geometry"}
		clothingGeom := map[string]any{"id": "geometry"}

		if v, ok := storable["useFemaleMorphsOnMale"]; ok {
			morphsGeom["useFemaleMorphsOnMale"] = v
		}
		if character, ok := storable["character"].(string); ok {
			gender = characterGender(character)
			skinGeom["character"] = character
			if sel.Skin {
				presetGeom["character"] = character
			}
		}
		if v, ok := storable["morphs"]; ok {
			morphsGeom["morphs"] = v
		}
		if sel.Clothing {
			if v, ok := storable["clothing"]; ok {
				presetGeom["clothing"] = v
				clothingGeom["clothing"] = v
			}
		}
		if sel.Hair {
			if v, ok := storable["hair"]; ok {
				presetGeom["hair"] = v
				hairGeom["hair"] = v
			}
		}
		if v, ok := storable["useAuxBreastColliders"]; ok {
			breastGeom["useAuxBreastColliders"] = v
		}

		collectInternalIDs(presetGeom, "clothing", &clothingIDs)
		collectInternalIDs(clothingGeom, "clothing", &clothingIDs)
		collectInternalIDs(presetGeom, "hair", &hairIDs)
		collectInternalIDs(hairGeom, "hair", &hairIDs)

		pushStorable(jsonPreset, presetGeom)
		pushStorable(jsonMorphs, morphsGeom)
		pushStorable(jsonBreast, breastGeom)
		pushStorable(jsonGlute, gluteGeom)
		pushStorable(jsonSkin, skinGeom)
		pushStorable(jsonHair, hairGeom)
		pushStorable(jsonClothing, clothingGeom)
		break
	}

	for _, s := range storables {
		storable, ok := s.(map[string]any)
		if !ok {
			continue
		}
		id, _ := storable["id"].(string)
		if sel.Clothing && startsWithAny(id, clothingIDs) {
			pushStorable(jsonPreset, storable)
		}
		if startsWithAny(id, clothingIDs) {
			pushStorable(jsonClothing, storable)
		}
		if sel.Hair && startsWithAny(id, hairIDs) {
			pushStorable(jsonPreset, storable)
		}
		if startsWithAny(id, hairIDs) {
			pushStorable(jsonHair, storable)
		}
		if sel.Skin && containsString(skinStorableIDs, id) {
			pushStorable(jsonPreset, storable)
		}
		if containsString(skinStorableIDs, id) {
			pushStorable(jsonSkin, storable)
		}
		if containsString(breastStorableIDs, id) {
			pushStorable(jsonBreast, storable)
		}
		if containsString(glutStorableIDs, id) {
			pushStorable(jsonGlute, storable)
		}
	}

	var resources []Resource
	if sel.Skin {
		if err := c.saveStaticPreset("Custom/Atom/Person/Appearance/Preset_eyeDefault.vap", defaultEyeColor); err != nil {
			return nil, "", err
		}
		addPresetResource(&resources, "looks", "Custom/Atom/Person/Appearance/Preset_eyeDefault.vap", gender, ignoreGender, personOrder+1)
	}
	if sel.Clothing {
		if err := c.saveStaticPreset("Custom/Atom/Person/Clothing/Preset_ClothNaked.vap", clothNaked); err != nil {
			return nil, "", err
		}
		addPresetResource(&resources, "clothing", "Custom/Atom/Person/Clothing/Preset_ClothNaked.vap", gender, ignoreGender, personOrder+1)
	}
	if sel.Hair {
		if err := c.saveStaticPreset("Custom/Atom/Person/Hair/Preset_HairBald.vap", hairBald); err != nil {
			return nil, "", err
		}
		addPresetResource(&resources, "hairstyle", "Custom/Atom/Person/Hair/Preset_HairBald.vap", gender, ignoreGender, personOrder+1)
	}
	if sel.Morphs {
		if err := c.saveJSONPreset(varName, "Custom/Atom/Person/Morphs/Preset_temp.vap", jsonMorphs); err != nil {
			return nil, "", err
		}
		addPresetResource(&resources, "morphs", "Custom/Atom/Person/Morphs/Preset_temp.vap", gender, ignoreGender, personOrder+1)
	}
	if sel.Breast {
		if err := c.saveJSONPreset(varName, "Custom/Atom/Person/BreastPhysics/Preset_temp.vap", jsonBreast); err != nil {
			return nil, "", err
		}
		addPresetResource(&resources, "breast", "Custom/Atom/Person/BreastPhysics/Preset_temp.vap", gender, ignoreGender, personOrder+1)
	}
	if sel.Glute {
		if err := c.saveJSONPreset(varName, "Custom/Atom/Person/GlutePhysics/Preset_temp.vap", jsonGlute); err != nil {
			return nil, "", err
		}
		addPresetResource(&resources, "glute", "Custom/Atom/Person/GlutePhysics/Preset_temp.vap", gender, ignoreGender, personOrder+1)
	}
	if sel.Clothing || sel.Hair || sel.Skin {
		if err := c.saveJSONPreset(varName, "Custom/Atom/Person/Appearance/Preset_temp.vap", jsonPreset); err != nil {
			return nil, "", err
		}
		addPresetResource(&resources, "looks", "Custom/Atom/Person/Appearance/Preset_temp.vap", gender, ignoreGender, personOrder+1)
	}

	return resources, gender, nil
}

func (c *Composer) savePluginPreset(varName string, atom map[string]any, gender string, ignoreGender bool, personOrder int) ([]Resource, error) {
	jsonPlugin := newPresetDoc(true)
	var pluginIDs []string

	storables, _ := atom["storables"].([]any)
	for _, s := range storables {
		storable, ok := s.(map[string]any)
		if !ok {
			continue
		}
		if id, _ := storable["id"].(string); id != "PluginManager" {
			continue
		}
		pushStorable(jsonPlugin, storable)
		if plugins, ok := storable["plugins"].(map[string]any); ok {
			for key := range plugins {
				pluginIDs = append(pluginIDs, key)
			}
		}
	}
	for _, s := range storables {
		storable, ok := s.(map[string]any)
		if !ok {
			continue
		}
		id, _ := storable["id"].(string)
		if startsWithAny(id, pluginIDs) {
			pushStorable(jsonPlugin, storable)
		}
	}

	if err := c.saveJSONPreset(varName, "Custom/Atom/Person/Plugins/Preset_temp.vap", jsonPlugin); err != nil {
		return nil, err
	}
	var resources []Resource
	addPresetResource(&resources, "plugin", "Custom/Atom/Person/Plugins/Preset_temp.vap", gender, ignoreGender, personOrder+1)
	return resources, nil
}

func (c *Composer) savePosePreset(varName string, atom map[string]any, gender string, ignoreGender bool, personOrder int) ([]Resource, error) {
	jsonPose := newPresetDoc(true)

	storables, _ := atom["storables"].([]any)
	for _, s := range storables {
		storable, ok := s.(map[string]any)
		if !ok {
			continue
		}
		id, _ := storable["id"].(string)
		if id == "geometry" {
			geom := map[string]any{"id": "geometry"}
			if morphs, ok := storable["morphs"]; ok {
				geom["morphs"] = morphs
			}
			pushStorable(jsonPose, geom)
		}
		if containsString(poseControlIDs, id) || containsString(poseObjectIDs, id) {
			pushStorable(jsonPose, storable)
		}
	}

	if err := c.saveJSONPreset(varName, "Custom/Atom/Person/Pose/Preset_temp.vap", jsonPose); err != nil {
		return nil, err
	}
	var resources []Resource
	addPresetResource(&resources, "pose", "Custom/Atom/Person/Pose/Preset_temp.vap", gender, ignoreGender, personOrder+1)
	return resources, nil
}

func animationIDToControl(id string) string {
	switch id {
	case "eyeTargetControlAnimation", "lNippleControlAnimation", "rNippleControlAnimation":
		return strings.Replace(id, "Animation", "", 1)
	default:
		return strings.Replace(id, "Animation", "Control", 1)
	}
}

func findMotionAnimationMaster(core map[string]any) (map[string]any, bool) {
	storables, _ := core["storables"].([]any)
	for _, s := range storables {
		storable, ok := s.(map[string]any)
		if !ok {
			continue
		}
		if id, _ := storable["id"].(string); id == "MotionAnimationMaster" {
			return storable, true
		}
	}
	return nil, false
}

func (c *Composer) saveAnimationPreset(atom, core map[string]any, gender string, ignoreGender bool, personOrder int) ([]Resource, error) {
	jsonAnimation := newPresetDoc(true)
	var controlIDs []string

	storables, _ := atom["storables"].([]any)
	for _, s := range storables {
		storable, ok := s.(map[string]any)
		if !ok {
			continue
		}
		id, _ := storable["id"].(string)
		if strings.HasSuffix(id, "Animation") {
			pushStorable(jsonAnimation, storable)
			controlIDs = append(controlIDs, animationIDToControl(id))
		}
	}
	for _, s := range storables {
		storable, ok := s.(map[string]any)
		if !ok {
			continue
		}
		id, _ := storable["id"].(string)
		if containsString(controlIDs, id) {
			pushStorable(jsonAnimation, storable)
		}
	}

	master, ok := findMotionAnimationMaster(core)
	if !ok {
		return nil, apierr.New(apierr.NotFound, "scene: MotionAnimationMaster not found")
	}
	jsonAnimation["motionAnimationMaster"] = master

	if err := c.saveRawJSON("Custom/Atom/Person/AnimationPresets/Preset_temp.bin", jsonAnimation); err != nil {
		return nil, err
	}
	var resources []Resource
	addPresetResource(&resources, "animation", "Custom/Atom/Person/AnimationPresets/Preset_temp.bin", gender, ignoreGender, personOrder+1)
	return resources, nil
}

// addAtomResources copies each requested cached atom fragment into the
// host's plugin-data staging area and returns the resource entries
// pointing at the copies.
func (c *Composer) addAtomResources(cacheRoot string, atomPaths []string, ignoreGender bool, personOrder int, asSubScene bool) ([]Resource, error) {
	cfg := c.cfgStore.Get()
	if cfg.VamPath == "" {
		return nil, apierr.New(apierr.BadRequest, "scene: vampath is required in config")
	}
	pluginData := filepath.Join(cfg.VamPath, "Custom", "PluginData", "feelfar")
	_ = os.RemoveAll(pluginData)
	if err := os.MkdirAll(pluginData, 0o755); err != nil {
		return nil, fmt.Errorf("scene: creating plugin data directory: %w", err)
	}

	resourceType := "atom"
	if asSubScene {
		resourceType = "atomSubscene"
	}

	var resources []Resource
	for _, atomPath := range atomPaths {
		src := atomPath
		if !filepath.IsAbs(src) {
			src = filepath.Join(cacheRoot, atomPath)
		}
		if !fileExists(src) {
			continue
		}
		dest := filepath.Join(pluginData, filepath.Base(src))
		if err := copyFile(src, dest); err != nil {
			return nil, fmt.Errorf("scene: copying atom %s: %w", src, err)
		}
		addPresetResource(&resources, resourceType, dest, "unknown", ignoreGender, personOrder+1)
	}
	return resources, nil
}

func loadPersonAtom(cacheRoot, atomName string) (map[string]any, error) {
	personDir := filepath.Join(cacheRoot, "atoms", "Person")
	candidate := atomName
	if !strings.HasSuffix(strings.ToLower(atomName), ".bin") {
		candidate += ".bin"
	}
	path := filepath.Join(personDir, candidate)
	if !fileExists(path) {
		found, ok := findAtomFileCI(personDir, atomName)
		if !ok {
			return nil, apierr.New(apierr.NotFound, fmt.Sprintf("scene: atom not found: %s", atomName))
		}
		path = found
	}
	return readJSONFile(path)
}

func findAtomFileCI(dir, atomName string) (string, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	want := strings.ToLower(atomName)
	wantBin := want + ".bin"
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), ".bin") {
			continue
		}
		lower := strings.ToLower(e.Name())
		if lower == want || lower == wantBin {
			return filepath.Join(dir, e.Name()), true
		}
	}
	return "", false
}

func loadCoreControl(cacheRoot string) (map[string]any, error) {
	baseDir := filepath.Join(cacheRoot, "atoms", "(base)CoreControl")
	entries, err := os.ReadDir(baseDir)
	if err != nil {
		return nil, apierr.Wrap(apierr.NotFound, "scene: CoreControl not found", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), ".bin") {
			continue
		}
		return readJSONFile(filepath.Join(baseDir, e.Name()))
	}
	return nil, apierr.New(apierr.NotFound, "scene: CoreControl not found")
}

func readJSONFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("scene: reading %s: %w", path, err)
	}
	var v map[string]any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("scene: parsing %s: %w", path, err)
	}
	return v, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}
