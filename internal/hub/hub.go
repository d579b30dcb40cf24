// Package hub talks to the community content hub: the catalogue/search
// JSON API, the findPackages download-resolution endpoint, and the
// overview-panel HTML scrape used for resource descriptions and images.
package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bustesoul/varmanager/internal/apierr"
)

const (
	defaultAPIURL      = "https://hub.virtamate.com/citizenx/api.php"
	defaultPackagesURL = "https://s3cdn.virtamate.com/data/packages.json"

	infoCacheTTL = 5 * time.Minute

	defaultPerPage = 48
	defaultPage    = 1
)

// Client is the hub's HTTP surface. It is safe for concurrent use: GetInfo
// and SearchOptions both serialize access to their own cached state.
type Client struct {
	httpClient  *http.Client
	apiURL      string
	packagesURL string

	infoMu      sync.Mutex
	infoCache   map[string]any
	infoFetched time.Time

	optionsMu sync.Mutex
	options   *optionsCache
}

// New returns a Client using a default HTTP client with a generous timeout;
// the hub's JSON endpoints are small but can be slow under load.
func New() *Client {
	return &Client{
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		apiURL:      defaultAPIURL,
		packagesURL: defaultPackagesURL,
	}
}

func (c *Client) postJSON(ctx context.Context, body map[string]any) (map[string]any, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("hub: encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("hub: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apierr.Wrap(apierr.BadGateway, "hub: request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apierr.New(apierr.BadGateway, fmt.Sprintf("hub: returned %s", resp.Status))
	}

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, apierr.Wrap(apierr.BadGateway, "hub: decoding response", err)
	}
	return out, nil
}

// GetInfo returns the hub's filter catalogue (locations, categories, tags,
// creators, sort orders). The result is cached for five minutes; pass
// refresh to force a re-fetch.
func (c *Client) GetInfo(ctx context.Context, refresh bool) (map[string]any, error) {
	c.infoMu.Lock()
	if !refresh && c.infoCache != nil && time.Since(c.infoFetched) < infoCacheTTL {
		cached := c.infoCache
		c.infoMu.Unlock()
		return cached, nil
	}
	c.infoMu.Unlock()

	info, err := c.postJSON(ctx, map[string]any{"source": "VaM", "action": "getInfo"})
	if err != nil {
		return nil, err
	}

	c.infoMu.Lock()
	c.infoCache = info
	c.infoFetched = time.Now()
	c.infoMu.Unlock()
	return info, nil
}

// ResourcesQuery is the set of filters accepted by GetResources. An empty
// or "all" value (case-insensitive) is treated as "no filter", matching the
// hub's own convention for its filter dropdowns.
type ResourcesQuery struct {
	PerPage  int
	Page     int
	Location string
	PayType  string
	Category string
	Username string
	Tags     string
	Search   string
	Sort     string
}

func isFilterValue(v string) bool {
	trimmed := strings.TrimSpace(v)
	return trimmed != "" && !strings.EqualFold(trimmed, "all")
}

// GetResources searches the hub's resource catalogue.
func (c *Client) GetResources(ctx context.Context, q ResourcesQuery) (map[string]any, error) {
	perPage := q.PerPage
	if perPage <= 0 {
		perPage = defaultPerPage
	}
	page := q.Page
	if page <= 0 {
		page = defaultPage
	}

	body := map[string]any{
		"source":       "VaM",
		"action":       "getResources",
		"latest_image": "Y",
		"perpage":      fmt.Sprintf("%d", perPage),
		"page":         fmt.Sprintf("%d", page),
	}
	if isFilterValue(q.Location) {
		body["location"] = strings.TrimSpace(q.Location)
	}
	if isFilterValue(q.PayType) {
		body["category"] = strings.TrimSpace(q.PayType)
	}
	if isFilterValue(q.Category) {
		body["type"] = strings.TrimSpace(q.Category)
	}
	if isFilterValue(q.Username) {
		body["username"] = strings.TrimSpace(q.Username)
	}
	if isFilterValue(q.Tags) {
		body["tags"] = strings.TrimSpace(q.Tags)
	}
	if search := strings.TrimSpace(q.Search); search != "" {
		body["search"] = search
		body["searchall"] = "true"
	}
	if q.Sort != "" {
		body["sort"] = q.Sort
	}

	return c.postJSON(ctx, body)
}

// GetResourceDetail returns the full hub record for one resource, including
// its hubFiles (direct downloads) and dependencies.
func (c *Client) GetResourceDetail(ctx context.Context, resourceID string) (map[string]any, error) {
	return c.postJSON(ctx, map[string]any{
		"source":       "VaM",
		"action":       "getResourceDetail",
		"latest_image": "Y",
		"resource_id":  resourceID,
	})
}

// FindPackages resolves a batch of package basenames to hub download URLs.
// It returns two maps: one keyed by the full basename (creator.package.N),
// the other by the version-stripped (creator.package) form, taking the
// newest match seen for each base.
func (c *Client) FindPackages(ctx context.Context, names []string) (downloadURLs, downloadURLsNoVersion map[string]string, err error) {
	downloadURLs = map[string]string{}
	downloadURLsNoVersion = map[string]string{}
	if len(names) == 0 {
		return downloadURLs, downloadURLsNoVersion, nil
	}

	resp, err := c.postJSON(ctx, map[string]any{
		"source":   "VaM",
		"action":   "findPackages",
		"packages": strings.Join(names, ","),
	})
	if err != nil {
		return nil, nil, err
	}

	packages, _ := resp["packages"].(map[string]any)
	for _, raw := range packages {
		pkg, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		collectDownload(pkg, downloadURLs, downloadURLsNoVersion)
	}
	return downloadURLs, downloadURLsNoVersion, nil
}

// ExtractResourceDownloads walks a getResourceDetail response's hubFiles and
// dependencies arrays, collecting every .var download it finds the same way
// FindPackages does.
func ExtractResourceDownloads(detail map[string]any) (downloadURLs, downloadURLsNoVersion map[string]string) {
	downloadURLs = map[string]string{}
	downloadURLsNoVersion = map[string]string{}

	if hubFiles, ok := detail["hubFiles"].([]any); ok {
		for _, raw := range hubFiles {
			if entry, ok := raw.(map[string]any); ok {
				collectHubFileDownload(entry, downloadURLs, downloadURLsNoVersion)
			}
		}
	}

	if deps, ok := detail["dependencies"].(map[string]any); ok {
		for _, raw := range deps {
			entries, ok := raw.([]any)
			if !ok {
				continue
			}
			for _, depRaw := range entries {
				if entry, ok := depRaw.(map[string]any); ok {
					collectDownload(entry, downloadURLs, downloadURLsNoVersion)
				}
			}
		}
	}
	return downloadURLs, downloadURLsNoVersion
}

// collectDownload reads the {filename, downloadUrl} shape used by
// findPackages and the dependencies side of getResourceDetail.
func collectDownload(entry map[string]any, urls, urlsNoVersion map[string]string) {
	collectNamedDownload(entry, "downloadUrl", urls, urlsNoVersion)
}

// collectHubFileDownload reads the {filename, urlHosted} shape used by the
// hubFiles side of getResourceDetail.
func collectHubFileDownload(entry map[string]any, urls, urlsNoVersion map[string]string) {
	collectNamedDownload(entry, "urlHosted", urls, urlsNoVersion)
}

func collectNamedDownload(entry map[string]any, urlKey string, urls, urlsNoVersion map[string]string) {
	filename, _ := entry["filename"].(string)
	url, _ := entry[urlKey].(string)
	if url == "" || url == "null" || !strings.HasSuffix(filename, ".var") {
		return
	}
	basename := strings.TrimSuffix(filename, ".var")
	urls[basename] = url
	base, version, ok := splitVarVersion(basename)
	if !ok {
		return
	}
	ver, _ := strconv.Atoi(version)
	for other := range urls {
		if ob, ov, ok := splitVarVersion(other); ok && ob == base {
			if n, _ := strconv.Atoi(ov); n > ver {
				return
			}
		}
	}
	urlsNoVersion[base] = url
}

// splitVarVersion splits creator.package.version on its last dot, the way
// the hub's own filenames compose.
func splitVarVersion(name string) (base, version string, ok bool) {
	idx := strings.LastIndexByte(name, '.')
	if idx < 0 {
		return "", "", false
	}
	return name[:idx], name[idx+1:], true
}

// FetchPackageIndex downloads the hub's full filename -> download-id map,
// used by the updates scan to find newer versions of installed packages.
func (c *Client) FetchPackageIndex(ctx context.Context) (map[string]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.packagesURL, nil)
	if err != nil {
		return nil, fmt.Errorf("hub: building packages request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apierr.Wrap(apierr.BadGateway, "hub: fetching package index", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apierr.New(apierr.BadGateway, fmt.Sprintf("hub: package index returned %s", resp.Status))
	}

	var out map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, apierr.Wrap(apierr.BadGateway, "hub: decoding package index", err)
	}
	return out, nil
}

// OptionKind is the closed set of filter dropdowns SearchOptions can serve.
type OptionKind string

const (
	OptionLocation OptionKind = "location"
	OptionPayType  OptionKind = "paytype"
	OptionCategory OptionKind = "category"
	OptionTag      OptionKind = "tag"
	OptionCreator  OptionKind = "creator"
	OptionSort     OptionKind = "sort"
)

type optionsCache struct {
	locations  []string
	payTypes   []string
	categories []string
	tags       []string
	creators   []string
	sorts      []string
}

func listFromArray(v any) []string {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range arr {
		s, ok := item.(string)
		if !ok || strings.TrimSpace(s) == "" {
			continue
		}
		out = append(out, s)
	}
	return out
}

func listFromKeys(v any) []string {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	var out []string
	for k := range m {
		if strings.TrimSpace(k) == "" {
			continue
		}
		out = append(out, k)
	}
	return out
}

func (c *Client) loadOptions(ctx context.Context, refresh bool) (*optionsCache, error) {
	info, err := c.GetInfo(ctx, refresh)
	if err != nil {
		return nil, err
	}
	return &optionsCache{
		locations:  listFromArray(info["location"]),
		payTypes:   listFromArray(info["category"]),
		categories: listFromArray(info["type"]),
		tags:       listFromKeys(info["tags"]),
		creators:   listFromKeys(info["users"]),
		sorts:      listFromArray(info["sort"]),
	}, nil
}

// SearchOptions searches one of the hub's filter dropdowns for query,
// preferring prefix matches over mid-string matches, deduplicating
// case-insensitively, and paginating the result by offset/limit. It
// returns the matching page and the total match count before pagination.
func (c *Client) SearchOptions(ctx context.Context, kind OptionKind, query string, offset, limit int, refresh bool) ([]string, int, error) {
	c.optionsMu.Lock()
	needRefresh := refresh || c.options == nil
	c.optionsMu.Unlock()

	if needRefresh {
		opts, err := c.loadOptions(ctx, refresh)
		if err != nil {
			return nil, 0, err
		}
		c.optionsMu.Lock()
		c.options = opts
		c.optionsMu.Unlock()
	}

	c.optionsMu.Lock()
	opts := c.options
	c.optionsMu.Unlock()

	var items []string
	switch kind {
	case OptionLocation:
		items = append(items, opts.locations...)
	case OptionPayType:
		items = append(items, opts.payTypes...)
	case OptionCategory:
		items = append(items, opts.categories...)
	case OptionTag:
		items = append(items, opts.tags...)
	case OptionCreator:
		items = append(items, opts.creators...)
	case OptionSort:
		items = append(items, opts.sorts...)
	default:
		return nil, 0, apierr.New(apierr.BadRequest, fmt.Sprintf("hub: unknown option kind %q", kind))
	}

	needle := strings.ToLower(strings.TrimSpace(query))
	if needle != "" {
		filtered := items[:0:0]
		for _, item := range items {
			if strings.Contains(strings.ToLower(item), needle) {
				filtered = append(filtered, item)
			}
		}
		items = filtered
	}

	sort.SliceStable(items, func(i, j int) bool {
		a, b := strings.ToLower(items[i]), strings.ToLower(items[j])
		if needle != "" {
			aPrefix, bPrefix := strings.HasPrefix(a, needle), strings.HasPrefix(b, needle)
			if aPrefix != bPrefix {
				return aPrefix
			}
		}
		return a < b
	})
	items = dedupFold(items)

	total := len(items)
	start := offset
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}
	if start < 0 {
		start = 0
	}
	return items[start:end], total, nil
}

// dedupFold removes case-insensitive-adjacent duplicates from a sorted slice.
func dedupFold(items []string) []string {
	if len(items) == 0 {
		return items
	}
	out := items[:1]
	for _, item := range items[1:] {
		if strings.EqualFold(out[len(out)-1], item) {
			continue
		}
		out = append(out, item)
	}
	return out
}
