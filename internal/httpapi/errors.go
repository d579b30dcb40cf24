package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/bustesoul/varmanager/internal/apierr"
)

// errorBody is the JSON shape every failed request gets, replacing what
// would otherwise be a scattered http.Error call per handler.
type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Error: message})
}

// writeAPIError classifies err through apierr and writes the matching
// status and body. Every handler that can fail funnels through this.
func writeAPIError(w http.ResponseWriter, err error) {
	e := apierr.As(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Kind.HTTPStatus())
	_ = json.NewEncoder(w).Encode(errorBody{Error: e.Message, Kind: e.Kind.String()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return apierr.Wrap(apierr.BadRequest, "invalid JSON body", err)
	}
	return nil
}
