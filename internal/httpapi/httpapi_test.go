package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/bustesoul/varmanager/internal/activation"
	"github.com/bustesoul/varmanager/internal/config"
	"github.com/bustesoul/varmanager/internal/download"
	"github.com/bustesoul/varmanager/internal/hub"
	"github.com/bustesoul/varmanager/internal/imagecache"
	"github.com/bustesoul/varmanager/internal/indexer"
	"github.com/bustesoul/varmanager/internal/jobs"
	"github.com/bustesoul/varmanager/internal/linkfs"
	"github.com/bustesoul/varmanager/internal/scene"
	"github.com/bustesoul/varmanager/internal/store"
)

func newTestDeps(t *testing.T) (*Deps, *bytes.Buffer) {
	t.Helper()
	ctx := context.Background()

	libraryRoot := t.TempDir()
	vamPath := t.TempDir()
	addonDir := filepath.Join(vamPath, "AddonPackages")
	if err := os.MkdirAll(addonDir, 0o755); err != nil {
		t.Fatalf("making addon dir: %v", err)
	}

	st, err := store.Open(ctx, ":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfgStore, err := config.Load("")
	if err != nil {
		t.Fatalf("loading config: %v", err)
	}
	cfg := cfgStore.Get()
	cfg.VamPath = vamPath
	cfg.VarsPath = libraryRoot
	if err := cfgStore.Update(cfg); err != nil {
		t.Fatalf("updating config: %v", err)
	}

	act := activation.New(st, linkfs.New(), libraryRoot, addonDir, "")
	ix := indexer.New(st, act, cfgStore, libraryRoot)
	sc := scene.New(st, act, cfgStore, libraryRoot)
	dl := download.New(st, cfgStore)
	cache := imagecache.New(st, cfgStore, t.TempDir())
	hc := hub.New()

	deps := &Deps{
		Store:      st,
		Config:     cfgStore,
		Activation: act,
		Indexer:    ix,
		Scene:      sc,
		Downloads:  dl,
		Cache:      cache,
		Hub:        hc,
	}
	deps.Jobs = jobs.New(int64(cfg.JobConcurrency), BuildJobHandlers(deps))
	t.Cleanup(func() { deps.Jobs.Shutdown(time.Second) })

	var logBuf bytes.Buffer
	return deps, &logBuf
}

func newTestServer(t *testing.T) (http.Handler, *Deps) {
	t.Helper()
	deps, logBuf := newTestDeps(t)
	log := slog.New(slog.NewJSONHandler(logBuf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return New(log, deps), deps
}

func TestHealthReturnsOK(t *testing.T) {
	h, _ := newTestServer(t)
	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestConfigGetAndPostRoundTrips(t *testing.T) {
	h, _ := newTestServer(t)

	r := httptest.NewRequest(http.MethodGet, "/config", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var cfg config.Config
	if err := json.Unmarshal(w.Body.Bytes(), &cfg); err != nil {
		t.Fatalf("decoding config: %v", err)
	}

	cfg.UITheme = "dark"
	body, _ := json.Marshal(cfg)
	r = httptest.NewRequest(http.MethodPost, "/config", bytes.NewReader(body))
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d with body %s", w.Code, w.Body.String())
	}

	var updated config.Config
	if err := json.Unmarshal(w.Body.Bytes(), &updated); err != nil {
		t.Fatalf("decoding updated config: %v", err)
	}
	if updated.UITheme != "dark" {
		t.Fatalf("expected ui theme dark, got %q", updated.UITheme)
	}
}

func TestJobLifecycleRunsNoop(t *testing.T) {
	h, _ := newTestServer(t)

	r := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewReader([]byte(`{"kind":"noop"}`)))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d with body %s", w.Code, w.Body.String())
	}
	var started startJobResponse
	if err := json.Unmarshal(w.Body.Bytes(), &started); err != nil {
		t.Fatalf("decoding start response: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	var jr jobResponse
	for time.Now().Before(deadline) {
		r = httptest.NewRequest(http.MethodGet, "/jobs/"+itoa(started.ID), nil)
		w = httptest.NewRecorder()
		h.ServeHTTP(w, r)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		if err := json.Unmarshal(w.Body.Bytes(), &jr); err != nil {
			t.Fatalf("decoding job: %v", err)
		}
		if jr.Status == jobs.Succeeded || jr.Status == jobs.Failed {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if jr.Status != jobs.Succeeded {
		t.Fatalf("expected job to succeed, got status %q error %q", jr.Status, jr.Error)
	}
}

func TestPostJobRejectsUnknownKind(t *testing.T) {
	h, _ := newTestServer(t)
	r := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewReader([]byte(`{"kind":"does_not_exist"}`)))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d with body %s", w.Code, w.Body.String())
	}
}

func TestGetJobResultReturnsResultOrConflict(t *testing.T) {
	h, deps := newTestServer(t)
	id, err := deps.Jobs.Start("update_db", nil)
	if err != nil {
		t.Fatalf("starting update_db: %v", err)
	}
	r := httptest.NewRequest(http.MethodGet, "/jobs/"+itoa(id)+"/result", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusOK && w.Code != http.StatusConflict {
		t.Fatalf("expected 200 or 409, got %d", w.Code)
	}
}

func TestListVarsEmptyStore(t *testing.T) {
	h, _ := newTestServer(t)
	r := httptest.NewRequest(http.MethodGet, "/vars", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp listVarsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if resp.Total != 0 {
		t.Fatalf("expected empty store, got total %d", resp.Total)
	}
}

func TestGetVarNotFound(t *testing.T) {
	h, _ := newTestServer(t)
	r := httptest.NewRequest(http.MethodGet, "/vars/nobody.nothing.1", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestResolveVarsMissingReference(t *testing.T) {
	h, _ := newTestServer(t)
	r := httptest.NewRequest(http.MethodPost, "/vars/resolve", bytes.NewReader([]byte(`{"refs":["nobody.nothing.latest"]}`)))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var results []resolveResult
	if err := json.Unmarshal(w.Body.Bytes(), &results); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(results) != 1 || results[0].Outcome != "missing" {
		t.Fatalf("expected a single missing outcome, got %+v", results)
	}
}

func TestCacheStatsOnEmptyCache(t *testing.T) {
	h, _ := newTestServer(t)
	r := httptest.NewRequest(http.MethodGet, "/cache/stats", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d with body %s", w.Code, w.Body.String())
	}
}

func TestExternalLinksScanRequiresRoot(t *testing.T) {
	h, _ := newTestServer(t)
	r := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewReader([]byte(`{"kind":"external_links_scan","args":{}}`)))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d with body %s", w.Code, w.Body.String())
	}
	var started startJobResponse
	if err := json.Unmarshal(w.Body.Bytes(), &started); err != nil {
		t.Fatalf("decoding start response: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	var jr jobResponse
	for time.Now().Before(deadline) {
		r = httptest.NewRequest(http.MethodGet, "/jobs/"+itoa(started.ID), nil)
		w = httptest.NewRecorder()
		h.ServeHTTP(w, r)
		if err := json.Unmarshal(w.Body.Bytes(), &jr); err != nil {
			t.Fatalf("decoding job: %v", err)
		}
		if jr.Status == jobs.Succeeded || jr.Status == jobs.Failed {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if jr.Status != jobs.Failed {
		t.Fatalf("expected job to fail without a root, got status %q", jr.Status)
	}
}

func TestExternalLinksScanFindsAndPersistsMirror(t *testing.T) {
	h, _ := newTestServer(t)

	mirrorDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(mirrorDir, "mirrors.txt"),
		[]byte("Alice.Lighting.3.var https://pixeldrain.com/u/xyz\n"), 0o644); err != nil {
		t.Fatalf("writing mirror fixture: %v", err)
	}

	body, _ := json.Marshal(map[string]any{
		"kind": "external_links_scan",
		"args": externalLinksScanArgs{Root: mirrorDir, Packages: []string{"Alice.Lighting.1"}},
	})
	r := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d with body %s", w.Code, w.Body.String())
	}
	var started startJobResponse
	if err := json.Unmarshal(w.Body.Bytes(), &started); err != nil {
		t.Fatalf("decoding start response: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	var jr jobResponse
	for time.Now().Before(deadline) {
		r = httptest.NewRequest(http.MethodGet, "/jobs/"+itoa(started.ID), nil)
		w = httptest.NewRecorder()
		h.ServeHTTP(w, r)
		if err := json.Unmarshal(w.Body.Bytes(), &jr); err != nil {
			t.Fatalf("decoding job: %v", err)
		}
		if jr.Status == jobs.Succeeded || jr.Status == jobs.Failed {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if jr.Status != jobs.Succeeded {
		t.Fatalf("expected job to succeed, got status %q error %q", jr.Status, jr.Error)
	}
}

func TestDownloadActionUnknownIsBadRequest(t *testing.T) {
	h, _ := newTestServer(t)
	r := httptest.NewRequest(http.MethodPost, "/downloads/actions", bytes.NewReader([]byte(`{"action":"teleport","id":1}`)))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
