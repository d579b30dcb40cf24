package httpapi

import "net/http"

func (a *api) getConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.deps.Config.Get())
}

func (a *api) postConfig(w http.ResponseWriter, r *http.Request) {
	cfg := a.deps.Config.Get()
	if err := decodeJSON(r, &cfg); err != nil {
		writeAPIError(w, err)
		return
	}
	if err := a.deps.Config.Update(cfg); err != nil {
		writeAPIError(w, err)
		return
	}
	if a.deps.Jobs != nil {
		a.deps.Jobs.SetConcurrency(int64(cfg.JobConcurrency))
	}
	if a.deps.Cache != nil {
		a.deps.Cache.Reconfigure()
	}
	if a.deps.Downloads != nil {
		a.deps.Downloads.SetConcurrency(cfg.DownloadConcurrency)
	}
	writeJSON(w, http.StatusOK, a.deps.Config.Get())
}

func (a *api) postShutdown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusAccepted, healthBody{Status: "shutting down"})
	if a.deps.Shutdown != nil {
		go a.deps.Shutdown()
	}
}
