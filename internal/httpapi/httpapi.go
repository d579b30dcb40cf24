// Package httpapi exposes the daemon's subsystems over a plain
// net/http.ServeMux. It drives the store, resolver, activation, indexer,
// scene composer, download engine, image cache and hub client through a
// single job dispatch table and a handful of direct read endpoints, enough
// to exercise every core subsystem end to end without growing into a full
// API gateway.
package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/bustesoul/varmanager/internal/activation"
	"github.com/bustesoul/varmanager/internal/config"
	"github.com/bustesoul/varmanager/internal/download"
	"github.com/bustesoul/varmanager/internal/hub"
	"github.com/bustesoul/varmanager/internal/imagecache"
	"github.com/bustesoul/varmanager/internal/indexer"
	"github.com/bustesoul/varmanager/internal/jobs"
	"github.com/bustesoul/varmanager/internal/scene"
	"github.com/bustesoul/varmanager/internal/store"
)

// Deps collects every subsystem the API surface reads from or dispatches
// jobs against. Shutdown is called once by POST /shutdown; it is the
// caller's responsibility to actually stop the process after it returns.
type Deps struct {
	Store      *store.Store
	Jobs       *jobs.Manager
	Config     *config.Store
	Activation *activation.Manager
	Indexer    *indexer.Indexer
	Scene      *scene.Composer
	Downloads  *download.Engine
	Cache      *imagecache.Cache
	Hub        *hub.Client
	Shutdown   func()
}

// BuildJobHandlers returns the job dispatch table driving deps' subsystems.
// deps is taken by pointer and read lazily at job-run time, so callers
// build this table, pass it to jobs.New, and only then assign the
// resulting Manager to deps.Jobs — the handlers see it by the time any job
// actually runs.
func BuildJobHandlers(deps *Deps) map[string]jobs.Handler {
	a := &api{deps: deps}
	return a.buildJobHandlers()
}

// New builds the routed, logged HTTP handler for the daemon's API
// listener. deps.Jobs must already carry the dispatch table returned by
// BuildJobHandlers.
func New(log *slog.Logger, deps *Deps) http.Handler {
	a := &api{log: log, deps: deps}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", a.health)
	mux.HandleFunc("GET /config", a.getConfig)
	mux.HandleFunc("POST /config", a.postConfig)
	mux.HandleFunc("POST /shutdown", a.postShutdown)

	mux.HandleFunc("POST /jobs", a.postJob)
	mux.HandleFunc("GET /jobs/{id}", a.getJob)
	mux.HandleFunc("GET /jobs/{id}/logs", a.getJobLogs)
	mux.HandleFunc("GET /jobs/{id}/result", a.getJobResult)

	mux.HandleFunc("GET /vars", a.listVars)
	mux.HandleFunc("GET /vars/{name}", a.getVar)
	mux.HandleFunc("POST /vars/resolve", a.resolveVars)
	mux.HandleFunc("GET /creators", a.listCreators)
	mux.HandleFunc("GET /dependents", a.listDependents)

	mux.HandleFunc("GET /scenes", a.listScenes)

	mux.HandleFunc("GET /cache/stats", a.cacheStats)
	mux.HandleFunc("DELETE /cache", a.cacheClear)
	mux.HandleFunc("DELETE /cache/entry", a.cacheDeleteEntry)

	mux.HandleFunc("GET /downloads", a.listDownloads)
	mux.HandleFunc("POST /downloads", a.createDownload)
	mux.HandleFunc("POST /downloads/actions", a.downloadAction)

	return newLogger(log, mux)
}

type api struct {
	log  *slog.Logger
	deps *Deps
}
