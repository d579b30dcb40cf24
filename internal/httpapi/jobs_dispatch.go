package httpapi

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bustesoul/varmanager/internal/activation"
	"github.com/bustesoul/varmanager/internal/apierr"
	"github.com/bustesoul/varmanager/internal/hub"
	"github.com/bustesoul/varmanager/internal/jobs"
	"github.com/bustesoul/varmanager/internal/links"
	"github.com/bustesoul/varmanager/internal/scene"
	"github.com/bustesoul/varmanager/internal/store"
)

// decodeArgs unmarshals a job's raw args into v, treating an empty payload
// as the zero value rather than an error (most kinds accept no args).
func decodeArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return apierr.Wrap(apierr.BadRequest, "invalid job args", err)
	}
	return nil
}

// buildJobHandlers wires every job kind this daemon actually implements to
// the subsystem that does the work. Kinds from the closed set with no
// subsystem behind them (UI-only actions like open_url, or variants not
// ported such as links_move) are deliberately left unregistered; jobs.Start
// rejects unknown kinds as BadRequest.
func (a *api) buildJobHandlers() map[string]jobs.Handler {
	return map[string]jobs.Handler{
		"noop": func(ctx context.Context, h *jobs.Handle) error {
			h.Progress(100)
			return nil
		},

		"update_db":        a.jobUpdateDB,
		"stale_vars":       a.jobStaleVars,
		"old_version_vars": a.jobOldVersionVars,
		"fix_previews":     a.jobFixPreviews,
		"vars_locate":      a.jobVarsLocate,

		"install_vars":           a.jobInstallVars,
		"uninstall_vars":         a.jobUninstallVars,
		"delete_vars":            a.jobDeleteVars,
		"vars_toggle_install":    a.jobVarsToggleInstall,
		"refresh_install_status": a.jobRefreshInstallStatus,
		"packswitch_set":         a.jobPackswitchSet,

		"scene_load":    a.jobSceneLoad,
		"scene_analyze": a.jobSceneAnalyze,
		"scene_hide":    a.jobSceneHide,
		"scene_fav":     a.jobSceneFav,
		"scene_unhide":  a.jobSceneUnhide,
		"scene_unfav":   a.jobSceneUnfav,
		"cache_clear":   a.jobCacheClear,

		"hub_missing_scan": a.jobHubMissingScan,
		"hub_updates_scan": a.jobHubUpdatesScan,

		"external_links_scan": a.jobExternalLinksScan,
	}
}

func (a *api) jobUpdateDB(ctx context.Context, h *jobs.Handle) error {
	result, err := a.deps.Indexer.UpdateDB(ctx, h)
	if err != nil {
		return err
	}
	return h.SetResult(result)
}

func (a *api) jobStaleVars(ctx context.Context, h *jobs.Handle) error {
	result, err := a.deps.Indexer.StaleVars(ctx, h)
	if err != nil {
		return err
	}
	return h.SetResult(result)
}

func (a *api) jobOldVersionVars(ctx context.Context, h *jobs.Handle) error {
	result, err := a.deps.Indexer.OldVersionVars(ctx, h)
	if err != nil {
		return err
	}
	return h.SetResult(result)
}

func (a *api) jobFixPreviews(ctx context.Context, h *jobs.Handle) error {
	result, err := a.deps.Indexer.FixPreviews(ctx, h)
	if err != nil {
		return err
	}
	return h.SetResult(result)
}

type varsLocateArgs struct {
	Names []string `json:"names"`
}

func (a *api) jobVarsLocate(ctx context.Context, h *jobs.Handle) error {
	job, _ := a.deps.Jobs.Get(h.ID())
	var args varsLocateArgs
	if err := decodeArgs(job.Args, &args); err != nil {
		return err
	}
	result := a.deps.Indexer.VarsLocate(args.Names)
	h.Progress(100)
	return h.SetResult(result)
}

type singleVarArgs struct {
	Name string `json:"name"`
}

func (a *api) jobInstallVars(ctx context.Context, h *jobs.Handle) error {
	job, _ := a.deps.Jobs.Get(h.ID())
	var args singleVarArgs
	if err := decodeArgs(job.Args, &args); err != nil {
		return err
	}
	if args.Name == "" {
		return apierr.New(apierr.BadRequest, "install_vars requires name")
	}
	h.Log(fmt.Sprintf("activating %s", args.Name))
	if err := a.deps.Activation.Activate(ctx, args.Name, activation.Active); err != nil {
		return err
	}
	h.Progress(100)
	return nil
}

func (a *api) jobUninstallVars(ctx context.Context, h *jobs.Handle) error {
	job, _ := a.deps.Jobs.Get(h.ID())
	var args singleVarArgs
	if err := decodeArgs(job.Args, &args); err != nil {
		return err
	}
	if args.Name == "" {
		return apierr.New(apierr.BadRequest, "uninstall_vars requires name")
	}
	h.Log(fmt.Sprintf("deactivating %s", args.Name))
	if err := a.deps.Activation.Deactivate(ctx, args.Name); err != nil {
		return err
	}
	h.Progress(100)
	return nil
}

func (a *api) jobDeleteVars(ctx context.Context, h *jobs.Handle) error {
	job, _ := a.deps.Jobs.Get(h.ID())
	var args singleVarArgs
	if err := decodeArgs(job.Args, &args); err != nil {
		return err
	}
	if args.Name == "" {
		return apierr.New(apierr.BadRequest, "delete_vars requires name")
	}
	h.Log(fmt.Sprintf("deleting %s", args.Name))
	if err := a.deps.Activation.Delete(ctx, args.Name); err != nil {
		return err
	}
	h.Progress(100)
	return nil
}

func (a *api) jobVarsToggleInstall(ctx context.Context, h *jobs.Handle) error {
	job, _ := a.deps.Jobs.Get(h.ID())
	var args singleVarArgs
	if err := decodeArgs(job.Args, &args); err != nil {
		return err
	}
	if args.Name == "" {
		return apierr.New(apierr.BadRequest, "vars_toggle_install requires name")
	}
	status, err := a.deps.Store.GetInstallStatus(ctx, args.Name)
	if err != nil {
		return err
	}
	if status.Installed {
		err = a.deps.Activation.Deactivate(ctx, args.Name)
	} else {
		err = a.deps.Activation.Activate(ctx, args.Name, activation.Active)
	}
	if err != nil {
		return err
	}
	h.Progress(100)
	return nil
}

func (a *api) jobRefreshInstallStatus(ctx context.Context, h *jobs.Handle) error {
	h.Log("reconciling install status")
	if err := a.deps.Activation.ReconcileInstallStatus(ctx); err != nil {
		return err
	}
	h.Progress(100)
	return nil
}

type packswitchSetArgs struct {
	Variant string `json:"variant"`
}

func (a *api) jobPackswitchSet(ctx context.Context, h *jobs.Handle) error {
	job, _ := a.deps.Jobs.Get(h.ID())
	var args packswitchSetArgs
	if err := decodeArgs(job.Args, &args); err != nil {
		return err
	}
	if args.Variant == "" {
		return apierr.New(apierr.BadRequest, "packswitch_set requires variant")
	}
	h.Log(fmt.Sprintf("switching to %s", args.Variant))
	if err := a.deps.Activation.PackSwitch(ctx, args.Variant); err != nil {
		return err
	}
	h.Progress(100)
	return nil
}

func (a *api) jobSceneLoad(ctx context.Context, h *jobs.Handle) error {
	job, _ := a.deps.Jobs.Get(h.ID())
	var args scene.LoadArgs
	if err := decodeArgs(job.Args, &args); err != nil {
		return err
	}
	result, err := a.deps.Scene.Load(ctx, args, h.Log)
	if err != nil {
		return err
	}
	h.Progress(100)
	return h.SetResult(result)
}

func (a *api) jobSceneAnalyze(ctx context.Context, h *jobs.Handle) error {
	job, _ := a.deps.Jobs.Get(h.ID())
	var args scene.AnalyzeArgs
	if err := decodeArgs(job.Args, &args); err != nil {
		return err
	}
	result, err := a.deps.Scene.Analyze(ctx, args)
	if err != nil {
		return err
	}
	h.Progress(100)
	return h.SetResult(result)
}

func sceneHideFavArgs(raw json.RawMessage) (scene.HideFavArgs, error) {
	var args scene.HideFavArgs
	err := decodeArgs(raw, &args)
	return args, err
}

func (a *api) jobSceneHide(ctx context.Context, h *jobs.Handle) error {
	job, _ := a.deps.Jobs.Get(h.ID())
	args, err := sceneHideFavArgs(job.Args)
	if err != nil {
		return err
	}
	if err := a.deps.Scene.Hide(ctx, args); err != nil {
		return err
	}
	h.Progress(100)
	return nil
}

func (a *api) jobSceneFav(ctx context.Context, h *jobs.Handle) error {
	job, _ := a.deps.Jobs.Get(h.ID())
	args, err := sceneHideFavArgs(job.Args)
	if err != nil {
		return err
	}
	if err := a.deps.Scene.Fav(ctx, args); err != nil {
		return err
	}
	h.Progress(100)
	return nil
}

func (a *api) jobSceneUnhide(ctx context.Context, h *jobs.Handle) error {
	job, _ := a.deps.Jobs.Get(h.ID())
	args, err := sceneHideFavArgs(job.Args)
	if err != nil {
		return err
	}
	if err := a.deps.Scene.Unhide(ctx, args); err != nil {
		return err
	}
	h.Progress(100)
	return nil
}

func (a *api) jobSceneUnfav(ctx context.Context, h *jobs.Handle) error {
	job, _ := a.deps.Jobs.Get(h.ID())
	args, err := sceneHideFavArgs(job.Args)
	if err != nil {
		return err
	}
	if err := a.deps.Scene.Unfav(ctx, args); err != nil {
		return err
	}
	h.Progress(100)
	return nil
}

func (a *api) jobCacheClear(ctx context.Context, h *jobs.Handle) error {
	job, _ := a.deps.Jobs.Get(h.ID())
	var args scene.CacheClearArgs
	if err := decodeArgs(job.Args, &args); err != nil {
		return err
	}
	removed, err := a.deps.Scene.CacheClear(args)
	if err != nil {
		return err
	}
	h.Log(fmt.Sprintf("removed %s", removed))
	h.Progress(100)
	return nil
}

type hubMissingScanArgs struct {
	Names []string `json:"names"`
}

func (a *api) jobHubMissingScan(ctx context.Context, h *jobs.Handle) error {
	job, _ := a.deps.Jobs.Get(h.ID())
	var args hubMissingScanArgs
	if err := decodeArgs(job.Args, &args); err != nil {
		return err
	}
	missing, err := hub.MissingDependencies(ctx, a.deps.Store, args.Names)
	if err != nil {
		return err
	}
	h.Progress(100)
	return h.SetResult(missing)
}

func (a *api) jobHubUpdatesScan(ctx context.Context, h *jobs.Handle) error {
	updates, err := a.deps.Hub.UpdatesScan(ctx, a.deps.Store)
	if err != nil {
		return err
	}
	h.Progress(100)
	return h.SetResult(updates)
}

type externalLinksScanArgs struct {
	Root            string   `json:"root"`
	Packages        []string `json:"packages"`
	IncludeTorrents bool     `json:"include_torrents"`
}

// jobExternalLinksScan walks root for mirror .txt files (and, when
// requested, .torrent files) naming any of packages, and persists whatever
// it finds as external_mirrors/torrent_index rows. An empty packages list
// scans against every package currently known to the store.
func (a *api) jobExternalLinksScan(ctx context.Context, h *jobs.Handle) error {
	job, _ := a.deps.Jobs.Get(h.ID())
	var args externalLinksScanArgs
	if err := decodeArgs(job.Args, &args); err != nil {
		return err
	}
	if args.Root == "" {
		return apierr.New(apierr.BadRequest, "external_links_scan requires root")
	}

	packages := args.Packages
	if len(packages) == 0 {
		pkgs, _, err := a.deps.Store.ListPackages(ctx, store.PackageFilter{})
		if err != nil {
			return err
		}
		packages = make([]string, len(pkgs))
		for i, p := range pkgs {
			packages[i] = p.Name
		}
	}

	h.Log(fmt.Sprintf("scanning %s for %d packages", args.Root, len(packages)))
	result, err := links.Scan(args.Root, packages, links.Options{IncludeTorrents: args.IncludeTorrents})
	if err != nil {
		return err
	}
	if err := links.Persist(ctx, a.deps.Store, result); err != nil {
		return err
	}
	h.Progress(100)
	return h.SetResult(result)
}
