package httpapi

import (
	"net/http"

	"github.com/bustesoul/varmanager/internal/apierr"
)

func (a *api) cacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.deps.Cache.Stats(r.Context())
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *api) cacheClear(w http.ResponseWriter, r *http.Request) {
	if err := a.deps.Cache.Clear(r.Context()); err != nil {
		writeAPIError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) cacheDeleteEntry(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		writeAPIError(w, apierr.New(apierr.BadRequest, "key is required"))
		return
	}
	if err := a.deps.Cache.Delete(r.Context(), key); err != nil {
		writeAPIError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
