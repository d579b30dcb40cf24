// Package scene builds "load-scene" descriptors for the host application:
// it extracts a scene's atom graph into a per-scene cache directory on
// first use, slices presets out of individual atoms, pre-installs
// transitive dependencies as temporary links, and emits the JSON document
// the host polls for to pick up daemon-driven changes.
package scene

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/bustesoul/varmanager/internal/activation"
	"github.com/bustesoul/varmanager/internal/apierr"
	"github.com/bustesoul/varmanager/internal/archive"
	"github.com/bustesoul/varmanager/internal/config"
	"github.com/bustesoul/varmanager/internal/pkgname"
	"github.com/bustesoul/varmanager/internal/resolver"
	"github.com/bustesoul/varmanager/internal/store"
)

// sceneCacheDir is the reserved top-level directory under the library root
// holding every scene's extracted cache, alongside the indexer's own
// __PreviewCache__.
const sceneCacheDir = "__SceneCache__"

// savePackageKey is the cache-directory and depend.txt sentinel used for a
// scene loaded straight off disk (a user save) rather than out of a
// package archive.
const savePackageKey = "save"

// Composer ties together the store, resolver closure, and activation
// manager to turn a scene reference into a host-consumable loadscene.json.
type Composer struct {
	st          *store.Store
	act         *activation.Manager
	cfgStore    *config.Store
	libraryRoot string
}

// New constructs a Composer. libraryRoot is the package library root scene
// archives are read from; cfgStore supplies the host VaM installation path
// presets are written under.
func New(st *store.Store, act *activation.Manager, cfgStore *config.Store, libraryRoot string) *Composer {
	return &Composer{st: st, act: act, cfgStore: cfgStore, libraryRoot: libraryRoot}
}

// Resource is one entry of a loadscene.json descriptor.
type Resource struct {
	Type            string `json:"type"`
	SaveName        string `json:"saveName"`
	Merge           bool   `json:"merge"`
	CharacterGender string `json:"characterGender"`
	IgnoreGender    bool   `json:"ignoreGender"`
	PersonOrder     int    `json:"personOrder"`
}

// Descriptor is the full loadscene.json document written for the host.
type Descriptor struct {
	Resources []Resource `json:"resources"`
	Rescan    bool       `json:"rescan"`
}

// LoadResult is returned to the caller (and stashed as a job result) once a
// descriptor has been emitted.
type LoadResult struct {
	Rescan        bool     `json:"rescan"`
	TempInstalled []string `json:"tempInstalled"`
	LoadscenePath string   `json:"loadscenePath"`
}

// cacheKey splits a save name of the form "creator.package.version:/entry"
// into its package and entry components. A save name with no ":/" names a
// user save file directly, keyed under the "save" sentinel.
func cacheKey(saveName string) (pkg, entry string) {
	if idx := strings.Index(saveName, ":/"); idx >= 0 {
		return saveName[:idx], saveName[idx+2:]
	}
	return savePackageKey, saveName
}

// normalizeKey collapses the caller-facing "(save)." spelling used by some
// UI call sites to the savePackageKey sentinel.
func normalizeKey(pkg string) string {
	if pkg == "(save)." || pkg == "" {
		return savePackageKey
	}
	return pkg
}

func (c *Composer) cacheDir(pkg, entry string) string {
	return filepath.Join(c.libraryRoot, sceneCacheDir, sanitizeComponent(pkg), sanitizeComponent(archive.NormalizeEntryName(entry)))
}

var unsafeComponentChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)

func sanitizeComponent(s string) string {
	s = unsafeComponentChars.ReplaceAllString(s, "_")
	if s == "" {
		return "_"
	}
	return s
}

// readSceneSource returns the raw bytes of a scene's JSON body, either from
// inside a package archive or from a plain file on disk under the VaM
// installation.
func (c *Composer) readSceneSource(pkg, entry string) ([]byte, error) {
	if pkg == savePackageKey {
		cfg := c.cfgStore.Get()
		if cfg.VamPath == "" {
			return nil, apierr.New(apierr.BadRequest, "scene: vampath is required in config")
		}
		path := filepath.Join(cfg.VamPath, filepath.FromSlash(entry))
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, apierr.Wrap(apierr.NotFound, fmt.Sprintf("scene: save %s not found", entry), err)
		}
		return data, nil
	}

	n, ok := pkgname.Parse(pkg)
	if !ok {
		return nil, apierr.New(apierr.BadRequest, fmt.Sprintf("scene: %q is not a valid package name", pkg))
	}
	filename := archive.CanonicalFilename(n.Creator, n.Package, n.Version)
	path, err := archive.Locate(c.libraryRoot, n.Creator, filename)
	if err != nil {
		return nil, apierr.Wrap(apierr.NotFound, fmt.Sprintf("scene: archive for %s not found", pkg), err)
	}
	r, err := archive.Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	target := archive.NormalizeEntryName(entry)
	for _, e := range r.Entries() {
		if e.Normalized != target {
			continue
		}
		rc, err := r.OpenEntry(e)
		if err != nil {
			return nil, fmt.Errorf("scene: opening entry %s: %w", entry, err)
		}
		defer rc.Close()
		data, err := io.ReadAll(rc)
		if err != nil {
			return nil, fmt.Errorf("scene: reading entry %s: %w", entry, err)
		}
		return data, nil
	}
	return nil, apierr.New(apierr.NotFound, fmt.Sprintf("scene: entry %s not found in %s", entry, pkg))
}

// characterGender resolves the raw, case-insensitive "character" storable
// value into one of the three genders the host recognises.
func characterGender(character string) string {
	lower := strings.ToLower(character)
	switch {
	case strings.HasPrefix(lower, "male"), strings.HasPrefix(lower, "lee"),
		strings.HasPrefix(lower, "jarlee"), strings.HasPrefix(lower, "julian"),
		strings.HasPrefix(lower, "jarjulian"):
		return "male"
	case strings.HasPrefix(lower, "futa"):
		return "futa"
	default:
		return "female"
	}
}

// ensureAnalysisCache makes sure a scene's cache directory exists and is
// populated (depend.txt, gender.txt, atoms/, posinfo.bin, parentAtom.txt),
// running the (possibly archive-reading) first-use analysis exactly once.
func (c *Composer) ensureAnalysisCache(ctx context.Context, pkg, entry, defaultGender string) (string, error) {
	cacheRoot := c.cacheDir(pkg, entry)
	if dirExists(filepath.Join(cacheRoot, "atoms")) {
		return cacheRoot, nil
	}
	if err := os.MkdirAll(cacheRoot, 0o755); err != nil {
		return "", fmt.Errorf("scene: creating cache directory %s: %w", cacheRoot, err)
	}

	raw, err := c.readSceneSource(pkg, entry)
	if err != nil {
		return "", err
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", apierr.Wrap(apierr.BadRequest, "scene: scene JSON is not valid", err)
	}

	gender := strings.ToLower(defaultGender)
	if gender == "" || gender == "unknown" {
		gender = "male"
		if strings.Contains(string(raw), "/Female/") || strings.Contains(entry, "/Female/") {
			gender = "female"
		}
	}

	var depends []string
	if pkg != savePackageKey {
		depends = append(depends, pkg)
	}
	// SELF:/ is the archive's own convention for referring back to itself;
	// resolve it to the concrete package name before scanning dependencies.
	resolved := strings.ReplaceAll(string(raw), "\"SELF:/", "\""+pkg+":/")
	depends = append(depends, pkgname.FindReferences([]byte(resolved))...)
	depends = distinct(depends)

	if err := os.WriteFile(filepath.Join(cacheRoot, "depend.txt"), []byte(strings.Join(depends, "\n")), 0o644); err != nil {
		return "", fmt.Errorf("scene: writing depend.txt: %w", err)
	}
	if err := os.WriteFile(filepath.Join(cacheRoot, "gender.txt"), []byte(gender), 0o644); err != nil {
		return "", fmt.Errorf("scene: writing gender.txt: %w", err)
	}

	var resolvedDoc map[string]any
	if err := json.Unmarshal([]byte(resolved), &resolvedDoc); err != nil {
		resolvedDoc = doc
	}
	if err := c.analyzeAtoms(cacheRoot, resolvedDoc, true); err != nil {
		return "", err
	}

	return cacheRoot, nil
}

// analyzeAtoms splits a scene document's atoms into per-type, per-id
// fragment files, writes the scene-global properties to posinfo.bin, and
// records the parent/child atom edge list. A document with no top-level
// "atoms" array is itself a single atom (the common case for a standalone
// look/preset save); it is written whole under the appropriate folder.
// SubScene atoms recurse exactly one level into their own nested atoms.
func (c *Composer) analyzeAtoms(cacheRoot string, doc map[string]any, isPerson bool) error {
	atomsRaw, hasAtoms := doc["atoms"].([]any)
	if !hasAtoms {
		id := atomID(doc, isPerson)
		dir := cacheRoot
		if isPerson {
			dir = filepath.Join(cacheRoot, "atoms", "Person")
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("scene: creating atom directory %s: %w", dir, err)
		}
		return writeJSONFile(filepath.Join(dir, sanitizeComponent(id)+".bin"), doc)
	}

	global := make(map[string]any, len(doc))
	for k, v := range doc {
		if k != "atoms" {
			global[k] = v
		}
	}
	if err := writeJSONFile(filepath.Join(cacheRoot, "posinfo.bin"), global); err != nil {
		return fmt.Errorf("scene: writing posinfo.bin: %w", err)
	}

	parentChildren := map[string][]string{}
	for _, a := range atomsRaw {
		atom, ok := a.(map[string]any)
		if !ok {
			continue
		}
		atomType, _ := atom["type"].(string)
		if atomType == "" {
			continue
		}
		if sceneBaseAtoms[atomType] {
			atomType = "(base)" + atomType
		}
		typeDir := filepath.Join(cacheRoot, "atoms", atomType)
		if err := os.MkdirAll(typeDir, 0o755); err != nil {
			return fmt.Errorf("scene: creating atom type directory %s: %w", typeDir, err)
		}

		if atomType == "SubScene" {
			if err := c.analyzeAtoms(typeDir, atom, false); err != nil {
				return err
			}
			continue
		}

		id := atomID(atom, atomType == "Person")
		if parent, _ := atom["parentAtom"].(string); parent != "" {
			parentChildren[sanitizeComponent(parent)] = append(parentChildren[sanitizeComponent(parent)], sanitizeComponent(id))
		}
		if err := writeJSONFile(filepath.Join(typeDir, sanitizeComponent(id)+".bin"), atom); err != nil {
			return err
		}
	}

	if len(parentChildren) > 0 {
		parents := make([]string, 0, len(parentChildren))
		for p := range parentChildren {
			parents = append(parents, p)
		}
		sort.Strings(parents)
		lines := make([]string, 0, len(parents))
		for _, p := range parents {
			lines = append(lines, p+"\t"+strings.Join(parentChildren[p], ","))
		}
		if err := os.WriteFile(filepath.Join(cacheRoot, "parentAtom.txt"), []byte(strings.Join(lines, "\n")), 0o644); err != nil {
			return fmt.Errorf("scene: writing parentAtom.txt: %w", err)
		}
	}

	return nil
}

// sceneBaseAtoms are atoms every VaM scene carries regardless of content;
// they're tagged with a "(base)" prefix in the cache tree to separate them
// from content atoms when browsing.
var sceneBaseAtoms = map[string]bool{
	"CoreControl":           true,
	"PlayerNavigationPanel": true,
	"VRController":          true,
	"WindowCamera":          true,
}

func atomID(atom map[string]any, isPerson bool) string {
	id, _ := atom["id"].(string)
	if id == "" {
		id = "atom"
	}
	if !isPerson {
		return id
	}
	gender := "unknown"
	if storables, ok := atom["storables"].([]any); ok {
		for _, s := range storables {
			storable, ok := s.(map[string]any)
			if !ok {
				continue
			}
			if sid, _ := storable["id"].(string); sid != "geometry" {
				continue
			}
			if character, ok := storable["character"].(string); ok {
				gender = characterGender(character)
				break
			}
		}
	}
	return fmt.Sprintf("(%s)%s", gender, id)
}

func writeJSONFile(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("scene: marshalling %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("scene: writing %s: %w", path, err)
	}
	return nil
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func distinct(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		if item == "" || seen[item] {
			continue
		}
		seen[item] = true
		out = append(out, item)
	}
	return out
}

func readLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scene: reading %s: %w", path, err)
	}
	var out []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out, nil
}

func readGenderFile(path, fallback string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return fallback
	}
	gender := strings.TrimSpace(string(data))
	if gender == "" {
		return fallback
	}
	return gender
}

// preActivate pre-installs every not-yet-installed package in closure as a
// temporary link, returning the subset it actually created (as opposed to
// finding already active). Archives missing from the library are logged
// and skipped rather than failing the whole scene load.
func (c *Composer) preActivate(ctx context.Context, closure []string, logf func(string)) ([]string, error) {
	var created []string
	for _, name := range closure {
		status, err := c.st.GetInstallStatus(ctx, name)
		if err != nil {
			return nil, err
		}
		if status.Installed {
			continue
		}
		if err := c.act.Activate(ctx, name, activation.Temporary); err != nil {
			ae := apierr.As(err)
			if ae.Kind == apierr.Conflict {
				continue // a link already exists outside install_status bookkeeping
			}
			if ae.Kind == apierr.NotFound {
				if logf != nil {
					logf(fmt.Sprintf("missing var: %s", name))
				}
				continue
			}
			return nil, err
		}
		created = append(created, name)
	}
	return created, nil
}

// buildLoadscene fills in resource defaults, computes (or accepts) the
// dependency closure, pre-activates missing dependencies, writes
// loadscene.json, and schedules cleanup of any temporary links it created.
func (c *Composer) buildLoadscene(ctx context.Context, resources []Resource, merge bool, deps []string, gender string, ignoreGender bool, personOrder int, logf func(string)) (LoadResult, error) {
	cfg := c.cfgStore.Get()
	if cfg.VamPath == "" {
		return LoadResult{}, apierr.New(apierr.BadRequest, "scene: vampath is required in config")
	}
	addonDir := cfg.ResolvedDownloadSavePath("AddonPackages")

	for i := range resources {
		resources[i].Merge = merge
		if resources[i].CharacterGender == "" {
			resources[i].CharacterGender = gender
		}
		resources[i].IgnoreGender = ignoreGender
		if resources[i].PersonOrder == 0 {
			resources[i].PersonOrder = personOrder
		}
	}

	if deps == nil {
		for _, r := range resources {
			if pkg, _ := cacheKey(r.SaveName); pkg != savePackageKey {
				deps = append(deps, pkg)
			}
		}
	}
	deps = distinct(deps)

	closure, err := resolver.DepsClosure(ctx, c.st, deps)
	if err != nil {
		return LoadResult{}, err
	}
	created, err := c.preActivate(ctx, closure, logf)
	if err != nil {
		return LoadResult{}, err
	}

	desc := Descriptor{Resources: resources, Rescan: len(created) > 0}
	if err := c.act.SignalRescan(desc); err != nil {
		return LoadResult{}, err
	}

	if len(created) > 0 {
		go c.scheduleTempLinkCleanup(addonDir, created)
	}

	return LoadResult{
		Rescan:        desc.Rescan,
		TempInstalled: created,
		LoadscenePath: filepath.Join(addonDir, activation.RescanSentinel),
	}, nil
}

// scheduleTempLinkCleanup waits for the host to consume loadscene.json
// (the sentinel file disappearing), then a grace period, before removing
// the temporary links this load created — unless the link was promoted to
// a real install in the meantime.
func (c *Composer) scheduleTempLinkCleanup(addonDir string, created []string) {
	sentinel := filepath.Join(addonDir, activation.RescanSentinel)
	deadline := time.Now().Add(2 * time.Minute)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(sentinel); os.IsNotExist(err) {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}
	time.Sleep(20 * time.Second)

	ctx := context.Background()
	for _, name := range created {
		status, err := c.st.GetInstallStatus(ctx, name)
		if err == nil && status.Installed {
			continue
		}
		_ = c.act.Deactivate(ctx, name)
	}
}
