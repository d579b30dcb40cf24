package httpapi

import (
	"net/http"

	"github.com/bustesoul/varmanager/internal/apierr"
	"github.com/bustesoul/varmanager/internal/download"
)

func (a *api) listDownloads(w http.ResponseWriter, r *http.Request) {
	downloads, err := a.deps.Store.ListDownloads(r.Context())
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, downloads)
}

type createDownloadRequest struct {
	Items []download.Item `json:"items"`
}

func (a *api) createDownload(w http.ResponseWriter, r *http.Request) {
	var req createDownloadRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAPIError(w, err)
		return
	}
	results := a.deps.Downloads.Enqueue(r.Context(), req.Items)
	writeJSON(w, http.StatusAccepted, results)
}

type downloadActionRequest struct {
	Action string `json:"action"`
	ID     int64  `json:"id"`
}

func (a *api) downloadAction(w http.ResponseWriter, r *http.Request) {
	var req downloadActionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAPIError(w, err)
		return
	}

	var err error
	switch req.Action {
	case "pause":
		err = a.deps.Downloads.Pause(req.ID)
	case "resume":
		err = a.deps.Downloads.Resume(r.Context(), req.ID)
	case "remove":
		err = a.deps.Downloads.Remove(r.Context(), req.ID)
	case "delete":
		err = a.deps.Downloads.Delete(r.Context(), req.ID)
	default:
		err = apierr.New(apierr.BadRequest, "unknown download action "+req.Action)
	}
	if err != nil {
		writeAPIError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
