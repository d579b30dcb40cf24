package httpapi

import (
	"net/http"
	"strconv"

	"github.com/bustesoul/varmanager/internal/apierr"
	"github.com/bustesoul/varmanager/internal/resolver"
	"github.com/bustesoul/varmanager/internal/store"
)

type listVarsResponse struct {
	Packages []store.Package `json:"packages"`
	Total    int             `json:"total"`
}

func (a *api) listVars(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.PackageFilter{
		Creator: q.Get("creator"),
		Search:  q.Get("search"),
		SortBy:  q.Get("sort"),
		Desc:    q.Get("desc") == "true",
		Limit:   atoiOr(q.Get("limit"), 0),
		Offset:  atoiOr(q.Get("offset"), 0),
	}
	pkgs, total, err := a.deps.Store.ListPackages(r.Context(), f)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listVarsResponse{Packages: pkgs, Total: total})
}

func (a *api) getVar(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	p, ok, err := a.deps.Store.GetPackage(r.Context(), name)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if !ok {
		writeAPIError(w, apierr.New(apierr.NotFound, "package not found"))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type resolveVarsRequest struct {
	Refs []string `json:"refs"`
}

type resolveResult struct {
	Ref     string `json:"ref"`
	Outcome string `json:"outcome"`
	Name    string `json:"name,omitempty"`
}

func (a *api) resolveVars(w http.ResponseWriter, r *http.Request) {
	var req resolveVarsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAPIError(w, err)
		return
	}
	results := make([]resolveResult, 0, len(req.Refs))
	for _, ref := range req.Refs {
		res, err := resolver.Resolve(r.Context(), a.deps.Store, ref)
		if err != nil {
			writeAPIError(w, err)
			return
		}
		results = append(results, resolveResult{Ref: ref, Outcome: res.Outcome.String(), Name: res.Name})
	}
	writeJSON(w, http.StatusOK, results)
}

func (a *api) listCreators(w http.ResponseWriter, r *http.Request) {
	creators, err := a.deps.Store.ListCreators(r.Context())
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, creators)
}

func (a *api) listDependents(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		writeAPIError(w, apierr.New(apierr.BadRequest, "name is required"))
		return
	}
	implicated, err := resolver.Implicated(r.Context(), a.deps.Store, []string{name})
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, implicated)
}

func atoiOr(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
