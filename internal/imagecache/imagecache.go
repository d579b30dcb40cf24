// Package imagecache serves package preview thumbnails and hub preview
// images from a two-tier (memory, disk) cache with single-flight
// coalescing, TTL-plus-LRU eviction and orphan reconciliation.
package imagecache

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/bustesoul/varmanager/internal/apierr"
	"github.com/bustesoul/varmanager/internal/config"
	"github.com/bustesoul/varmanager/internal/metrics"
	"github.com/bustesoul/varmanager/internal/store"
)

const (
	maxHubFetchBytes   = 128 << 20 // hard cap per spec
	defaultContentType = "application/octet-stream"
	memTTL             = 5 * time.Minute

	// imageFetchConcurrency is fixed, unlike job- and download-concurrency,
	// which are both operator-configurable.
	imageFetchConcurrency = 5
)

var extensionContentTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".bmp":  "image/bmp",
}

// HubKey returns the cache key for a hub-sourced image.
func HubKey(url string) string {
	sum := sha256.Sum256([]byte(url))
	return "hub:" + hex.EncodeToString(sum[:])
}

// LocalKey returns the cache key for a file under a named local root.
func LocalKey(rootTag, relPath string) string {
	return fmt.Sprintf("local:%s:%s", rootTag, relPath)
}

// Source describes where to fetch an image on a cache miss.
type Source struct {
	Kind store.CacheSourceKind

	URL string // Kind == CacheSourceHub

	Root    string // Kind == CacheSourceLocal; absolute directory to read from
	RootTag string // Kind == CacheSourceLocal; identifies Root in the key/index
	Rel     string // Kind == CacheSourceLocal; path under Root
}

// Image is a cache hit.
type Image struct {
	Data        []byte
	ContentType string
}

// Stats summarises the cache for the stats() operation.
type Stats struct {
	Entries    int
	TotalBytes int64
	Evictions  int64
}

// Cache is the two-tier image cache.
type Cache struct {
	st       *store.Store
	cfgStore *config.Store
	diskDir  string
	client   *http.Client

	mem *memTier
	sf  singleflight.Group
	sem chan struct{}

	evictions int64
	metrics   *metrics.Metrics
}

// SetMetrics attaches the counter evict reports through. Nil is safe and
// disables reporting, which is also the default.
func (c *Cache) SetMetrics(m *metrics.Metrics) {
	c.metrics = m
}

// New constructs a Cache rooted at diskDir, sizing both tiers from the
// current configuration.
func New(st *store.Store, cfgStore *config.Store, diskDir string) *Cache {
	cfg := cfgStore.Get()
	return &Cache{
		st:       st,
		cfgStore: cfgStore,
		diskDir:  diskDir,
		client:   &http.Client{Timeout: 30 * time.Second},
		mem:      newMemTier(int64(cfg.ImageCache.MemoryCacheSizeMB)<<20, memTTL),
		sem:      make(chan struct{}, imageFetchConcurrency),
	}
}

// Reconfigure re-reads configuration for the memory tier's byte cap;
// disk-tier sizing is re-checked lazily on the next write. The image-fetch
// permit pool is fixed and never resized.
func (c *Cache) Reconfigure() {
	cfg := c.cfgStore.Get()
	c.mem.setCapacity(int64(cfg.ImageCache.MemoryCacheSizeMB) << 20)
}

// Get returns the image for key, fetching from src on a miss. Concurrent
// callers for the same key share one fetch.
func (c *Cache) Get(ctx context.Context, key string, src Source) (Image, error) {
	if img, ok := c.mem.get(key); ok {
		return img, nil
	}
	if img, ok, err := c.getFromDisk(ctx, key); err != nil {
		return Image{}, err
	} else if ok {
		c.mem.put(key, img.Data, img.ContentType)
		return img, nil
	}

	v, err, _ := c.sf.Do(key, func() (any, error) {
		// A concurrent fetch may have landed while this call waited to be
		// the leader; re-consult both tiers before spawning another fetch.
		if img, ok := c.mem.get(key); ok {
			return img, nil
		}
		if img, ok, err := c.getFromDisk(ctx, key); err == nil && ok {
			c.mem.put(key, img.Data, img.ContentType)
			return img, nil
		}
		return c.fetchAndStore(ctx, key, src)
	})
	if err != nil {
		return Image{}, err
	}
	return v.(Image), nil
}

func (c *Cache) getFromDisk(ctx context.Context, key string) (Image, bool, error) {
	entry, found, err := c.st.GetCacheEntry(ctx, key)
	if err != nil {
		return Image{}, false, err
	}
	if !found {
		return Image{}, false, nil
	}

	path := filepath.Join(c.diskDir, entry.FileName)
	info, statErr := os.Stat(path)
	if statErr != nil || info.Size() != entry.SizeBytes {
		// Invariant I7: on-disk size must match the recorded size; any
		// mismatch evicts rather than risk serving a stale or truncated hit.
		_ = os.Remove(path)
		_ = c.st.DeleteCacheEntry(ctx, key)
		return Image{}, false, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Image{}, false, err
	}
	_ = c.st.TouchCacheEntry(ctx, key, time.Now().Unix())
	return Image{Data: data, ContentType: entry.ContentType}, true, nil
}

func (c *Cache) fetchAndStore(ctx context.Context, key string, src Source) (Image, error) {
	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-ctx.Done():
		return Image{}, ctx.Err()
	}

	var data []byte
	var contentType, fileName string
	var err error

	switch src.Kind {
	case store.CacheSourceHub:
		data, contentType, err = c.fetchHub(ctx, src.URL)
		if err == nil {
			fileName = key + extensionForContentType(contentType)
		}
	case store.CacheSourceLocal:
		data, contentType, err = c.fetchLocal(src.Root, src.Rel)
		if err == nil {
			fileName = key + filepath.Ext(src.Rel)
		}
	default:
		return Image{}, apierr.New(apierr.BadRequest, "imagecache: unknown source kind")
	}
	if err != nil {
		return Image{}, err
	}

	if err := c.writeDiskEntry(ctx, key, fileName, src, data, contentType); err != nil {
		return Image{}, err
	}
	c.mem.put(key, data, contentType)
	return Image{Data: data, ContentType: contentType}, nil
}

func (c *Cache) fetchHub(ctx context.Context, rawURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, "", apierr.Wrap(apierr.BadGateway, "imagecache: fetching hub image", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", apierr.New(apierr.BadGateway, fmt.Sprintf("imagecache: hub returned %s", resp.Status))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxHubFetchBytes+1))
	if err != nil {
		return nil, "", apierr.Wrap(apierr.BadGateway, "imagecache: reading hub image body", err)
	}
	if int64(len(data)) > maxHubFetchBytes {
		return nil, "", apierr.New(apierr.BadRequest, "imagecache: hub image exceeds the 128 MiB cap")
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = contentTypeFromExtension(rawURL)
	}
	if contentType == "" {
		contentType = defaultContentType
	}
	return data, contentType, nil
}

func (c *Cache) fetchLocal(root, rel string) ([]byte, string, error) {
	path := filepath.Join(root, rel)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", apierr.Wrap(apierr.NotFound, fmt.Sprintf("imagecache: local file %s not found", rel), err)
	}
	contentType := contentTypeFromExtension(rel)
	if contentType == "" {
		contentType = defaultContentType
	}
	return data, contentType, nil
}

func contentTypeFromExtension(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ct, ok := extensionContentTypes[ext]; ok {
		return ct
	}
	return mime.TypeByExtension(ext)
}

func extensionForContentType(contentType string) string {
	switch contentType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "image/bmp":
		return ".bmp"
	default:
		return ".bin"
	}
}

func (c *Cache) writeDiskEntry(ctx context.Context, key, fileName string, src Source, data []byte, contentType string) error {
	cfg := c.cfgStore.Get()
	capBytes := int64(cfg.ImageCache.DiskCacheSizeMB) << 20

	existing, found, err := c.st.GetCacheEntry(ctx, key)
	if err != nil {
		return err
	}
	delta := int64(len(data))
	if found {
		delta -= existing.SizeBytes
	}
	if err := c.makeRoom(ctx, capBytes, delta); err != nil {
		return err
	}

	if err := os.MkdirAll(c.diskDir, 0o755); err != nil {
		return fmt.Errorf("imagecache: creating disk cache directory: %w", err)
	}
	path := filepath.Join(c.diskDir, fileName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("imagecache: writing %s: %w", path, err)
	}
	if found && existing.FileName != fileName {
		_ = os.Remove(filepath.Join(c.diskDir, existing.FileName))
	}

	now := time.Now().Unix()
	return c.st.UpsertCacheEntry(ctx, store.CacheEntry{
		Key: key, FileName: fileName, SourceKind: src.Kind,
		SourceURL: src.URL, SourceRoot: src.RootTag, SourceRel: src.Rel,
		SizeBytes: int64(len(data)), ContentType: contentType,
		CreatedAt: now, LastAccessed: now, AccessCount: 1,
	})
}

// makeRoom evicts TTL-expired entries first, then the least-recently-used,
// until inserting delta more bytes would no longer exceed capBytes.
func (c *Cache) makeRoom(ctx context.Context, capBytes, delta int64) error {
	total, err := c.st.TotalCacheBytes(ctx)
	if err != nil {
		return err
	}
	projected := total + delta
	if projected <= capBytes {
		return nil
	}

	entries, err := c.st.ListCacheEntriesByLastAccessed(ctx)
	if err != nil {
		return err
	}

	ttl := time.Duration(c.cfgStore.Get().ImageCache.CacheTTLHours) * time.Hour
	now := time.Now()
	for _, e := range entries {
		if projected <= capBytes {
			return nil
		}
		if ttl > 0 && now.Sub(time.Unix(e.LastAccessed, 0)) > ttl {
			if err := c.evict(ctx, e); err != nil {
				return err
			}
			projected -= e.SizeBytes
		}
	}
	for _, e := range entries {
		if projected <= capBytes {
			return nil
		}
		if _, stillThere, _ := c.st.GetCacheEntry(ctx, e.Key); !stillThere {
			continue
		}
		if err := c.evict(ctx, e); err != nil {
			return err
		}
		projected -= e.SizeBytes
	}
	return nil
}

func (c *Cache) evict(ctx context.Context, e store.CacheEntry) error {
	_ = os.Remove(filepath.Join(c.diskDir, e.FileName))
	c.mem.delete(e.Key)
	if err := c.st.DeleteCacheEntry(ctx, e.Key); err != nil {
		return err
	}
	atomic.AddInt64(&c.evictions, 1)
	c.metrics.IncrementCacheEviction(ctx, "disk")
	return nil
}

// Delete removes one entry from both tiers.
func (c *Cache) Delete(ctx context.Context, key string) error {
	entry, found, err := c.st.GetCacheEntry(ctx, key)
	if err != nil {
		return err
	}
	if !found {
		return apierr.New(apierr.NotFound, fmt.Sprintf("imagecache: %s not found", key))
	}
	return c.evict(ctx, entry)
}

// Clear empties both tiers entirely.
func (c *Cache) Clear(ctx context.Context) error {
	entries, err := c.st.ListCacheEntriesByLastAccessed(ctx)
	if err != nil {
		return err
	}
	for _, e := range entries {
		_ = os.Remove(filepath.Join(c.diskDir, e.FileName))
	}
	c.mem.clear()
	return c.st.ClearCacheEntries(ctx)
}

// Stats reports current entry count, total bytes and lifetime evictions.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	entries, err := c.st.ListCacheEntriesByLastAccessed(ctx)
	if err != nil {
		return Stats{}, err
	}
	total, err := c.st.TotalCacheBytes(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Entries: len(entries), TotalBytes: total, Evictions: atomic.LoadInt64(&c.evictions)}, nil
}

// ReconcileOrphans removes DB rows whose file is missing or size-mismatched
// and files on disk with no matching row. Intended to run once at startup.
func (c *Cache) ReconcileOrphans(ctx context.Context) error {
	entries, err := c.st.ListCacheEntriesByLastAccessed(ctx)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(entries))
	for _, e := range entries {
		path := filepath.Join(c.diskDir, e.FileName)
		info, statErr := os.Stat(path)
		if statErr != nil || info.Size() != e.SizeBytes {
			_ = os.Remove(path)
			if err := c.st.DeleteCacheEntry(ctx, e.Key); err != nil {
				return err
			}
			continue
		}
		known[e.FileName] = true
	}

	dirEntries, err := os.ReadDir(c.diskDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("imagecache: reading disk cache directory: %w", err)
	}
	for _, de := range dirEntries {
		if de.IsDir() || known[de.Name()] {
			continue
		}
		_ = os.Remove(filepath.Join(c.diskDir, de.Name()))
	}
	return nil
}

// StartMaintenance runs an hourly TTL-expiry sweep until the returned
// shutdown func is called.
func (c *Cache) StartMaintenance(ctx context.Context) (shutdown func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				_ = c.sweepExpired(ctx)
			}
		}
	}()
	return func() { close(done) }
}

func (c *Cache) sweepExpired(ctx context.Context) error {
	ttl := time.Duration(c.cfgStore.Get().ImageCache.CacheTTLHours) * time.Hour
	if ttl <= 0 {
		return nil
	}
	entries, err := c.st.ListCacheEntriesByLastAccessed(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, e := range entries {
		if now.Sub(time.Unix(e.LastAccessed, 0)) > ttl {
			if err := c.evict(ctx, e); err != nil {
				return err
			}
		}
	}
	return nil
}

// memTier is a byte-capped, TTL-expiring LRU used as the memory tier.
type memTier struct {
	mu            sync.Mutex
	ll            *list.List
	items         map[string]*list.Element
	capacityBytes int64
	usedBytes     int64
	ttl           time.Duration
}

type memEntry struct {
	key         string
	data        []byte
	contentType string
	expiresAt   time.Time
}

func newMemTier(capacityBytes int64, ttl time.Duration) *memTier {
	return &memTier{ll: list.New(), items: make(map[string]*list.Element), capacityBytes: capacityBytes, ttl: ttl}
}

func (m *memTier) get(key string) (Image, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.items[key]
	if !ok {
		return Image{}, false
	}
	entry := el.Value.(*memEntry)
	if time.Now().After(entry.expiresAt) {
		m.removeElement(el)
		return Image{}, false
	}
	m.ll.MoveToFront(el)
	return Image{Data: entry.data, ContentType: entry.contentType}, true
}

func (m *memTier) put(key string, data []byte, contentType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.items[key]; ok {
		m.removeElement(el)
	}
	entry := &memEntry{key: key, data: data, contentType: contentType, expiresAt: time.Now().Add(m.ttl)}
	el := m.ll.PushFront(entry)
	m.items[key] = el
	m.usedBytes += int64(len(data))
	for m.usedBytes > m.capacityBytes {
		back := m.ll.Back()
		if back == nil {
			break
		}
		m.removeElement(back)
	}
}

func (m *memTier) delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.items[key]; ok {
		m.removeElement(el)
	}
}

func (m *memTier) clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ll = list.New()
	m.items = make(map[string]*list.Element)
	m.usedBytes = 0
}

func (m *memTier) setCapacity(capacityBytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.capacityBytes = capacityBytes
	for m.usedBytes > m.capacityBytes {
		back := m.ll.Back()
		if back == nil {
			break
		}
		m.removeElement(back)
	}
}

func (m *memTier) removeElement(el *list.Element) {
	entry := el.Value.(*memEntry)
	delete(m.items, entry.key)
	m.ll.Remove(el)
	m.usedBytes -= int64(len(entry.data))
}
