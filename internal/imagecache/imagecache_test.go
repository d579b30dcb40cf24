package imagecache

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bustesoul/varmanager/internal/config"
	"github.com/bustesoul/varmanager/internal/store"
)

func newTestCache(t *testing.T) (*Cache, *store.Store) {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(ctx, ":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfgStore, err := config.Load(filepath.Join(t.TempDir(), "config.json"))
	if err != nil {
		t.Fatalf("loading config: %v", err)
	}
	cfg := cfgStore.Get()
	cfg.ImageCache.DiskCacheSizeMB = 1
	cfg.ImageCache.MemoryCacheSizeMB = 1
	cfg.ImageCache.CacheTTLHours = 24
	if err := cfgStore.Update(cfg); err != nil {
		t.Fatalf("updating config: %v", err)
	}

	return New(st, cfgStore, t.TempDir()), st
}

func TestGetFromHubFetchesAndCaches(t *testing.T) {
	var hits int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("fake-png-bytes"))
	}))
	defer srv.Close()

	c, _ := newTestCache(t)
	ctx := context.Background()
	key := HubKey(srv.URL)
	src := Source{Kind: store.CacheSourceHub, URL: srv.URL}

	img, err := c.Get(ctx, key, src)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(img.Data) != "fake-png-bytes" {
		t.Errorf("unexpected image data: %q", img.Data)
	}

	img2, err := c.Get(ctx, key, src)
	if err != nil {
		t.Fatalf("Get (cached): %v", err)
	}
	if string(img2.Data) != "fake-png-bytes" {
		t.Errorf("unexpected cached image data: %q", img2.Data)
	}

	mu.Lock()
	defer mu.Unlock()
	if hits != 1 {
		t.Errorf("expected exactly 1 upstream fetch, got %d", hits)
	}
}

func TestGetCoalescesConcurrentFetches(t *testing.T) {
	var hits int32
	var mu sync.Mutex
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		<-release
		w.Write([]byte("data"))
	}))
	defer srv.Close()

	c, _ := newTestCache(t)
	ctx := context.Background()
	key := HubKey(srv.URL)
	src := Source{Kind: store.CacheSourceHub, URL: srv.URL}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Get(ctx, key, src); err != nil {
				t.Errorf("Get: %v", err)
			}
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if hits != 1 {
		t.Errorf("expected single-flight to coalesce to 1 fetch, got %d", hits)
	}
}

func TestLocalSourceRoundTrip(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "preview.jpg"), []byte("jpeg-bytes"), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	c, _ := newTestCache(t)
	ctx := context.Background()
	key := LocalKey("library", "preview.jpg")
	src := Source{Kind: store.CacheSourceLocal, Root: root, RootTag: "library", Rel: "preview.jpg"}

	img, err := c.Get(ctx, key, src)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(img.Data) != "jpeg-bytes" {
		t.Errorf("unexpected data: %q", img.Data)
	}
	if img.ContentType != "image/jpeg" {
		t.Errorf("ContentType = %q, want image/jpeg", img.ContentType)
	}
}

// TestSizeMismatchEvictsInsteadOfServingStale checks invariant I7.
func TestSizeMismatchEvictsInsteadOfServingStale(t *testing.T) {
	c, st := newTestCache(t)
	ctx := context.Background()

	entry := store.CacheEntry{
		Key: "local:x:y.jpg", FileName: "y.jpg", SourceKind: store.CacheSourceLocal,
		SourceRoot: "x", SourceRel: "y.jpg", SizeBytes: 999, ContentType: "image/jpeg",
		CreatedAt: time.Now().Unix(), LastAccessed: time.Now().Unix(), AccessCount: 1,
	}
	if err := st.UpsertCacheEntry(ctx, entry); err != nil {
		t.Fatalf("seeding entry: %v", err)
	}
	if err := os.WriteFile(filepath.Join(c.diskDir, "y.jpg"), []byte("short"), 0o644); err != nil {
		t.Fatalf("writing mismatched file: %v", err)
	}

	_, found, err := c.getFromDisk(ctx, "local:x:y.jpg")
	if err != nil {
		t.Fatalf("getFromDisk: %v", err)
	}
	if found {
		t.Error("expected size-mismatched entry to be treated as a miss")
	}
	if _, stillThere, _ := st.GetCacheEntry(ctx, "local:x:y.jpg"); stillThere {
		t.Error("expected mismatched entry to be evicted from the index")
	}
}

func TestDeleteRemovesFromBothTiers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("bytes"))
	}))
	defer srv.Close()

	c, st := newTestCache(t)
	ctx := context.Background()
	key := HubKey(srv.URL)

	if _, err := c.Get(ctx, key, Source{Kind: store.CacheSourceHub, URL: srv.URL}); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := c.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, found, _ := st.GetCacheEntry(ctx, key); found {
		t.Error("expected entry gone from index after Delete")
	}
	if _, ok := c.mem.get(key); ok {
		t.Error("expected entry gone from memory tier after Delete")
	}
}

func TestEvictionKeepsDiskUnderCap(t *testing.T) {
	c, st := newTestCache(t) // 1 MiB disk cap
	ctx := context.Background()

	payload := make([]byte, 400*1024) // 400 KiB
	for i := 0; i < 4; i++ {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write(payload)
		}))
		key := HubKey(srv.URL)
		if _, err := c.Get(ctx, key, Source{Kind: store.CacheSourceHub, URL: srv.URL}); err != nil {
			t.Fatalf("Get %d: %v", i, err)
		}
		srv.Close()
	}

	total, err := st.TotalCacheBytes(ctx)
	if err != nil {
		t.Fatalf("TotalCacheBytes: %v", err)
	}
	if total > 1<<20 {
		t.Errorf("disk usage %d exceeds 1 MiB cap after eviction", total)
	}

	stats, err := c.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Evictions == 0 {
		t.Error("expected at least one eviction once the cap was exceeded")
	}
}
