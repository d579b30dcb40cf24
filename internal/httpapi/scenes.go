package httpapi

import (
	"net/http"

	"github.com/bustesoul/varmanager/internal/store"
)

type listScenesResponse struct {
	Scenes []store.Scene `json:"scenes"`
	Total  int           `json:"total"`
}

func (a *api) listScenes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.SceneFilter{
		AtomType: q.Get("atomType"),
		Creator:  q.Get("creator"),
		Search:   q.Get("search"),
		Limit:    atoiOr(q.Get("limit"), 0),
		Offset:   atoiOr(q.Get("offset"), 0),
	}
	if v := q.Get("installed"); v != "" {
		b := v == "true"
		f.Installed = &b
	}
	if v := q.Get("hide"); v != "" {
		b := v == "true"
		f.Hide = &b
	}
	if v := q.Get("fav"); v != "" {
		b := v == "true"
		f.Fav = &b
	}

	scenes, total, err := a.deps.Store.ListScenesFiltered(r.Context(), f)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listScenesResponse{Scenes: scenes, Total: total})
}
