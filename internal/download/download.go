// Package download implements the download engine: a queue-backed,
// multi-connection HTTP downloader with bounded concurrency, HEAD probing,
// retry/backoff, pause/resume/remove/delete and startup recovery.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/bustesoul/varmanager/internal/apierr"
	"github.com/bustesoul/varmanager/internal/config"
	"github.com/bustesoul/varmanager/internal/metrics"
	"github.com/bustesoul/varmanager/internal/store"
)

const (
	// chunkSize is both the per-connection copy buffer size and the unit
	// multi-connection transfers use when deciding whether a byte range is
	// worth splitting further.
	chunkSize = 1 << 20 // 1 MiB

	progressTick    = 500 * time.Millisecond
	progressDBFlush = 2 * time.Second
)

// browserHeaders is the fixed header set the community hub protocol expects
// on every request; an operator-configured invariant, not negotiated.
var browserHeaders = map[string]string{
	"User-Agent":      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Accept":          "*/*",
	"Accept-Language": "en-US,en;q=0.9",
}

func applyBrowserHeaders(req *http.Request) {
	for k, v := range browserHeaders {
		req.Header.Set(k, v)
	}
}

var transientSubstrings = []string{"connection", "timeout", "dns", "error sending request"}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range transientSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// Item is one enqueue request.
type Item struct {
	URL      string
	Name     string
	SizeHint *int64
}

// EnqueueResult pairs an Item with the outcome of enqueueing it.
type EnqueueResult struct {
	Item Item
	ID   int64
	Err  error
}

// Engine drives downloads against a store and a live configuration snapshot.
type Engine struct {
	st       *store.Store
	cfgStore *config.Store
	client   *http.Client
	metrics  *metrics.Metrics

	mu     sync.Mutex
	active map[int64]context.CancelFunc
	sem    chan struct{}
}

// SetMetrics attaches the counters completed/failed transfers report
// through. Nil is safe and disables reporting, which is also the default.
func (e *Engine) SetMetrics(m *metrics.Metrics) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.metrics = m
}

// New constructs an Engine sized to the configuration's download_concurrency
// at construction time; call SetConcurrency after a config update.
func New(st *store.Store, cfgStore *config.Store) *Engine {
	cfg := cfgStore.Get()
	return &Engine{
		st:       st,
		cfgStore: cfgStore,
		client:   &http.Client{},
		active:   make(map[int64]context.CancelFunc),
		sem:      make(chan struct{}, maxInt(cfg.DownloadConcurrency, 1)),
	}
}

// SetConcurrency resets the download semaphore after a config change.
func (e *Engine) SetConcurrency(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sem = make(chan struct{}, maxInt(n, 1))
}

// Enqueue validates and inserts each item, launching a per-item goroutine
// for every one accepted. URLs not starting with http(s) are rejected; an
// item whose URL matches an existing non-terminal download is refused
// (enqueue-dedup, law L4). One item's rejection does not affect the others.
func (e *Engine) Enqueue(ctx context.Context, items []Item) []EnqueueResult {
	results := make([]EnqueueResult, len(items))
	for i, it := range items {
		id, err := e.enqueueOne(ctx, it)
		results[i] = EnqueueResult{Item: it, ID: id, Err: err}
	}
	return results
}

func (e *Engine) enqueueOne(ctx context.Context, it Item) (int64, error) {
	if !strings.HasPrefix(it.URL, "http://") && !strings.HasPrefix(it.URL, "https://") {
		return 0, apierr.New(apierr.BadRequest, fmt.Sprintf("download: %q is not an http(s) url", it.URL))
	}
	if _, found, err := e.st.FindNonTerminalByURL(ctx, it.URL); err != nil {
		return 0, err
	} else if found {
		return 0, apierr.New(apierr.Conflict, fmt.Sprintf("download: %s is already queued", it.URL))
	}

	d, err := e.st.InsertDownload(ctx, it.URL, it.Name)
	if err != nil {
		return 0, err
	}
	if it.SizeHint != nil {
		if err := e.st.SetDownloadPaths(ctx, d.ID, "", "", it.SizeHint); err != nil {
			return d.ID, err
		}
	}

	e.launch(d.ID)
	return d.ID, nil
}

// launch spawns the per-item goroutine and registers its cancel func so
// Pause/Remove/Delete can preempt it.
func (e *Engine) launch(id int64) {
	ctx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.active[id] = cancel
	e.mu.Unlock()

	go func() {
		defer func() {
			e.mu.Lock()
			delete(e.active, id)
			e.mu.Unlock()
			cancel()
		}()
		e.run(ctx, id)
	}()
}

func (e *Engine) run(ctx context.Context, id int64) {
	e.mu.Lock()
	sem := e.sem
	e.mu.Unlock()

	select {
	case sem <- struct{}{}:
		defer func() { <-sem }()
	case <-ctx.Done():
		return
	}

	d, found, err := e.st.GetDownload(ctx, id)
	if err != nil || !found {
		return
	}

	finalURL, savePath, tempPath, err := e.resolve(ctx, d)
	if err != nil {
		e.finishWithError(ctx, id, err)
		return
	}

	cfg := e.cfgStore.Get()
	attempts := maxInt(cfg.DownloadRetries, 1)
	for attempt := 1; attempt <= attempts; attempt++ {
		err := e.transfer(ctx, id, finalURL, savePath, tempPath, cfg)
		if err == nil {
			return
		}
		if errors.Is(err, context.Canceled) {
			_ = e.st.SetDownloadStatus(context.Background(), id, store.DownloadPaused, "")
			return
		}
		if !isTransient(err) || attempt == attempts {
			e.finishWithError(ctx, id, err)
			return
		}
		select {
		case <-time.After(time.Duration(attempt) * time.Second):
		case <-ctx.Done():
			_ = e.st.SetDownloadStatus(context.Background(), id, store.DownloadPaused, "")
			return
		}
	}
}

func (e *Engine) finishWithError(ctx context.Context, id int64, err error) {
	_ = e.st.SetDownloadStatus(context.Background(), id, store.DownloadFailed, err.Error())
	e.metrics.IncrementDownloadFailed(ctx)
}

// resolve follows a single 303 redirect, HEAD-probes for the filename and
// size, and records the resolved save/temp paths before returning.
func (e *Engine) resolve(ctx context.Context, d store.Download) (finalURL, savePath, tempPath string, err error) {
	cfg := e.cfgStore.Get()
	finalURL = d.URL

	resp, err := e.headWithRetry(ctx, finalURL, cfg.DownloadRetries)
	if err != nil {
		return "", "", "", err
	}
	resp.Body.Close()

	if resp.StatusCode == http.StatusSeeOther {
		loc := resp.Header.Get("Location")
		if loc == "" {
			return "", "", "", fmt.Errorf("download: 303 response missing Location header")
		}
		finalURL = loc
		resp2, err := e.headWithRetry(ctx, finalURL, cfg.DownloadRetries)
		if err != nil {
			return "", "", "", err
		}
		resp2.Body.Close()
		resp = resp2
	}

	filename := filenameFromDisposition(resp.Header.Get("Content-Disposition"))
	if filename == "" {
		filename = filepath.Base(urlPath(finalURL))
	}
	if filename == "" || filename == "." || filename == "/" {
		filename = d.Name
	}
	filename = sanitizeFilename(filename)
	if d.Name != "" && !strings.HasSuffix(strings.ToLower(filename), ".var") {
		filename += ".var"
	}

	saveDir := cfg.ResolvedDownloadSavePath("AddonPackages")
	savePath = filepath.Join(saveDir, filename)
	tempPath = savePath + ".part"

	var total *int64
	if resp.ContentLength > 0 {
		v := resp.ContentLength
		total = &v
	}

	if err := e.st.SetDownloadPaths(ctx, d.ID, savePath, tempPath, total); err != nil {
		return "", "", "", err
	}
	if err := e.st.SetDownloadStatus(ctx, d.ID, store.DownloadDownloading, ""); err != nil {
		return "", "", "", err
	}
	return finalURL, savePath, tempPath, nil
}

func (e *Engine) headWithRetry(ctx context.Context, rawURL string, retries int) (*http.Response, error) {
	var lastErr error
	for attempt := 1; attempt <= maxInt(retries, 1); attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
		if err != nil {
			return nil, err
		}
		applyBrowserHeaders(req)
		resp, err := e.client.Do(req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !isTransient(err) {
			return nil, err
		}
		select {
		case <-time.After(time.Duration(attempt) * time.Second):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

var dispositionFilenameRe = regexp.MustCompile(`filename\*?=(?:UTF-8''|")?([^";]+)"?`)

func filenameFromDisposition(header string) string {
	if header == "" {
		return ""
	}
	m := dispositionFilenameRe.FindStringSubmatch(header)
	if len(m) < 2 {
		return ""
	}
	if unescaped, err := url.QueryUnescape(m[1]); err == nil {
		return unescaped
	}
	return m[1]
}

var invalidFilenameChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)

func sanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	name = invalidFilenameChars.ReplaceAllString(name, "_")
	if name == "" {
		name = "download.var"
	}
	return name
}

func urlPath(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Path
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// transfer drives one attempt of the multi-connection (or single-stream,
// when size is unknown) transfer, emitting progress to the store no more
// often than progressDBFlush, and finalises on success.
func (e *Engine) transfer(ctx context.Context, id int64, rawURL, savePath, tempPath string, cfg config.Config) error {
	if err := os.MkdirAll(filepath.Dir(savePath), 0o755); err != nil {
		return fmt.Errorf("download: creating save directory: %w", err)
	}

	d, found, err := e.st.GetDownload(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("download: record %d vanished", id)
	}

	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("download: opening temp file: %w", err)
	}
	closed := false
	defer func() {
		if !closed {
			file.Close()
		}
	}()

	var resumeFrom int64
	if info, statErr := file.Stat(); statErr == nil {
		resumeFrom = info.Size()
	}

	var progressed = resumeFrom
	var progressedAtomic int64
	atomic.StoreInt64(&progressedAtomic, progressed)
	var speedBytes int64

	stop := make(chan struct{})
	var wgTicker sync.WaitGroup
	wgTicker.Add(1)
	go func() {
		defer wgTicker.Done()
		ticker := time.NewTicker(progressTick)
		defer ticker.Stop()
		lastFlush := time.Now()
		windowStart := time.Now()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if time.Since(lastFlush) < progressDBFlush {
					continue
				}
				now := atomic.LoadInt64(&progressedAtomic)
				elapsed := time.Since(windowStart).Seconds()
				speed := int64(0)
				if elapsed > 0 {
					speed = int64(float64(atomic.SwapInt64(&speedBytes, 0)) / elapsed)
				}
				_ = e.st.UpdateDownloadProgress(context.Background(), id, now, d.TotalBytes, speed)
				lastFlush = time.Now()
				windowStart = time.Now()
			}
		}
	}()

	connections := 1
	if d.TotalBytes != nil && *d.TotalBytes > 0 {
		connections = maxInt(cfg.DownloadConnections, 1)
	}

	var runErr error
	if connections > 1 {
		runErr = e.multiStream(ctx, rawURL, file, resumeFrom, *d.TotalBytes, connections, &progressedAtomic, &speedBytes)
	} else {
		runErr = e.singleStream(ctx, rawURL, file, resumeFrom, &progressedAtomic, &speedBytes)
	}

	close(stop)
	wgTicker.Wait()
	_ = e.st.UpdateDownloadProgress(context.Background(), id, atomic.LoadInt64(&progressedAtomic), d.TotalBytes, 0)

	if runErr != nil {
		return runErr
	}

	if err := file.Close(); err != nil {
		return fmt.Errorf("download: closing temp file: %w", err)
	}
	closed = true

	info, err := os.Stat(tempPath)
	if err != nil {
		return fmt.Errorf("download: stating temp file: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("download: downloaded file is empty")
	}
	if err := os.Rename(tempPath, savePath); err != nil {
		return fmt.Errorf("download: renaming to final path: %w", err)
	}
	if err := e.st.SetDownloadStatus(context.Background(), id, store.DownloadCompleted, ""); err != nil {
		return err
	}
	e.metrics.IncrementDownloadCompleted(ctx, info.Size())
	return nil
}

// ctxReader aborts a Read as soon as ctx is done, so a cancelled pause takes
// effect mid-stream rather than after the current buffer drains.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	select {
	case <-c.ctx.Done():
		return 0, c.ctx.Err()
	default:
	}
	return c.r.Read(p)
}

// offsetWriter adapts an io.WriterAt to io.Writer at a fixed, advancing
// offset, so concurrent range workers can write into disjoint regions of
// the same file.
type offsetWriter struct {
	w      io.WriterAt
	offset int64
}

func (o *offsetWriter) Write(p []byte) (int, error) {
	n, err := o.w.WriteAt(p, o.offset)
	o.offset += int64(n)
	return n, err
}

func (e *Engine) singleStream(ctx context.Context, rawURL string, file *os.File, start int64, progressed, speedBytes *int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	applyBrowserHeaders(req)
	if start > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", start))
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return fmt.Errorf("download: unexpected status %s", resp.Status)
	}

	return copyInto(ctx, file, start, resp.Body, progressed, speedBytes)
}

// multiStream splits [start,total) into up to connections contiguous
// ranges, one parallel GET each, each writing directly into its own region
// of file.
func (e *Engine) multiStream(ctx context.Context, rawURL string, file *os.File, start, total int64, connections int, progressed, speedBytes *int64) error {
	remaining := total - start
	if remaining <= 0 {
		return nil
	}
	if remaining < chunkSize {
		connections = 1
	}
	segment := remaining / int64(connections)
	if segment == 0 {
		connections = 1
		segment = remaining
	}

	var wg sync.WaitGroup
	errCh := make(chan error, connections)
	for i := 0; i < connections; i++ {
		segStart := start + int64(i)*segment
		segEnd := segStart + segment - 1
		if i == connections-1 {
			segEnd = total - 1
		}
		wg.Add(1)
		go func(segStart, segEnd int64) {
			defer wg.Done()
			if err := e.streamRange(ctx, rawURL, file, segStart, segEnd, progressed, speedBytes); err != nil {
				errCh <- err
			}
		}(segStart, segEnd)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) streamRange(ctx context.Context, rawURL string, file *os.File, start, end int64, progressed, speedBytes *int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	applyBrowserHeaders(req)
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))
	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download: unexpected status %s for range %d-%d", resp.Status, start, end)
	}

	return copyInto(ctx, file, start, resp.Body, progressed, speedBytes)
}

func copyInto(ctx context.Context, file *os.File, offset int64, body io.Reader, progressed, speedBytes *int64) error {
	w := &offsetWriter{w: file, offset: offset}
	buf := make([]byte, chunkSize)
	reader := ctxReader{ctx: ctx, r: body}
	for {
		n, rerr := reader.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			atomic.AddInt64(progressed, int64(n))
			atomic.AddInt64(speedBytes, int64(n))
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}

// Pause cancels an active download's handle, which causes run to mark it
// paused once the cancellation propagates.
func (e *Engine) Pause(id int64) error {
	e.mu.Lock()
	cancel, ok := e.active[id]
	e.mu.Unlock()
	if !ok {
		return apierr.New(apierr.NotFound, fmt.Sprintf("download: %d is not active", id))
	}
	cancel()
	return nil
}

// Resume resets a paused or failed download to queued and relaunches it.
func (e *Engine) Resume(ctx context.Context, id int64) error {
	d, found, err := e.st.GetDownload(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		return apierr.New(apierr.NotFound, fmt.Sprintf("download: %d not found", id))
	}
	if d.Status != store.DownloadPaused && d.Status != store.DownloadFailed {
		return apierr.New(apierr.Conflict, fmt.Sprintf("download: %d is not paused or failed", id))
	}
	if err := e.st.SetDownloadStatus(ctx, id, store.DownloadQueued, ""); err != nil {
		return err
	}
	if err := e.st.ResetSpeedZero(ctx, id); err != nil {
		return err
	}
	e.launch(id)
	return nil
}

// Remove cancels any active handle and deletes the record, leaving any
// files on disk untouched.
func (e *Engine) Remove(ctx context.Context, id int64) error {
	e.cancelIfActive(id)
	return e.st.DeleteDownload(ctx, id)
}

// Delete cancels any active handle, best-effort removes the final and
// partial files, then deletes the record.
func (e *Engine) Delete(ctx context.Context, id int64) error {
	e.cancelIfActive(id)
	d, found, err := e.st.GetDownload(ctx, id)
	if err != nil {
		return err
	}
	if found {
		if d.TempPath != "" {
			_ = os.Remove(d.TempPath)
		}
		if d.SavePath != "" {
			_ = os.Remove(d.SavePath)
		}
	}
	return e.st.DeleteDownload(ctx, id)
}

func (e *Engine) cancelIfActive(id int64) {
	e.mu.Lock()
	cancel, ok := e.active[id]
	e.mu.Unlock()
	if ok {
		cancel()
	}
}

// RecoverOnStartup forces every non-terminal download to paused, as the
// daemon cannot assume any in-flight transfer survived a restart.
func (e *Engine) RecoverOnStartup(ctx context.Context) (int, error) {
	return e.st.ForceNonTerminalToPaused(ctx)
}

// Summary renders a human-readable progress line for logs and job results.
func Summary(d store.Download) string {
	if d.TotalBytes != nil {
		return fmt.Sprintf("%s of %s (%s)", humanize.Bytes(uint64(d.DownloadedBytes)), humanize.Bytes(uint64(*d.TotalBytes)), d.Status)
	}
	return fmt.Sprintf("%s (%s)", humanize.Bytes(uint64(d.DownloadedBytes)), d.Status)
}
