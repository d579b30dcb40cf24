package httpapi

import "net/http"

type healthBody struct {
	Status string `json:"status"`
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthBody{Status: "ok"})
}
