package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/net/html"

	"github.com/bustesoul/varmanager/internal/apierr"
)

const overviewPanelURLFormat = "https://hub.virtamate.com/resources/%s/overview-panel"

// Overview is the description and image set scraped from a resource's
// overview panel, used to enrich a catalogue entry beyond what the JSON API
// returns.
type Overview struct {
	Description string
	Images      []string
}

func overviewHeaders(req *http.Request) {
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Cookie", "vamhubconsent=yes")
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/127.0.0.0 Safari/537.36")
}

// OverviewPanel fetches and scrapes a resource's overview panel page. The
// hub serves no structured API for this content, so it is parsed out of
// the page's JSON-LD block, falling back to the rendered description text,
// and images are collected from three different markup shapes the hub uses
// depending on resource type.
func (c *Client) OverviewPanel(ctx context.Context, resourceID string) (Overview, error) {
	url := fmt.Sprintf(overviewPanelURLFormat, resourceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Overview{}, fmt.Errorf("hub: building overview panel request: %w", err)
	}
	overviewHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Overview{}, apierr.Wrap(apierr.BadGateway, "hub: fetching overview panel", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Overview{}, apierr.New(apierr.BadGateway, fmt.Sprintf("hub: overview panel returned %s", resp.Status))
	}

	return scrapeOverviewBody(resp.Body)
}

func scrapeOverviewBody(r io.Reader) (Overview, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return Overview{}, apierr.Wrap(apierr.BadGateway, "hub: parsing overview panel", err)
	}
	return parseOverviewDocument(doc), nil
}

func parseOverviewDocument(doc *html.Node) Overview {
	ldDescription, ldThumbnail := scanJSONLD(doc)

	description := normalizeLines(ldDescription)
	if description == "" {
		if text, ok := firstClassText(doc, "bbWrapper"); ok {
			description = normalizeText(text)
		}
	}

	var images []string
	seen := map[string]bool{}
	push := func(raw string) {
		url, ok := normalizeURL(raw)
		if !ok || !isAllowedImage(url) {
			return
		}
		if seen[url] {
			return
		}
		seen[url] = true
		images = append(images, url)
	}

	walk(doc, func(n *html.Node) {
		if n.Type != html.ElementNode {
			return
		}
		switch {
		case n.Data == "div" && hasClass(n, "bbImageWrapper"):
			if src, ok := attr(n, "data-src"); ok {
				push(src)
			}
		case n.Data == "img" && ancestorHasClass(n, "bbWrapper"):
			for _, key := range []string{"data-src", "data-lazy-src", "data-original", "src"} {
				if src, ok := attr(n, key); ok {
					push(src)
				}
			}
		case n.Data == "a" && hasClass(n, "file-preview") && ancestorIsAttachmentList(n):
			for _, key := range []string{"href", "data-href"} {
				if href, ok := attr(n, key); ok {
					if url, ok := normalizeURL(href); ok && looksLikeImageAttachment(url) {
						push(url)
					}
				}
			}
		}
	})

	if ldThumbnail != "" {
		push(ldThumbnail)
	}

	return Overview{Description: description, Images: images}
}

// scanJSONLD reads every <script type="application/ld+json"> block on the
// page and returns the first description/thumbnailUrl it finds, descending
// into an optional @graph array the way schema.org documents nest entities.
func scanJSONLD(doc *html.Node) (description, thumbnail string) {
	var blocks []string
	walk(doc, func(n *html.Node) {
		if n.Type != html.ElementNode || n.Data != "script" {
			return
		}
		if t, ok := attr(n, "type"); !ok || t != "application/ld+json" {
			return
		}
		blocks = append(blocks, textContent(n))
	})

	for _, block := range blocks {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		var value any
		if err := json.Unmarshal([]byte(block), &value); err != nil {
			continue
		}
		stack := []any{value}
		for len(stack) > 0 {
			node := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			obj, ok := node.(map[string]any)
			if !ok {
				if arr, ok := node.([]any); ok {
					stack = append(stack, arr...)
				}
				continue
			}
			if description == "" {
				if d, ok := obj["description"].(string); ok {
					description = d
				}
			}
			if thumbnail == "" {
				if t, ok := obj["thumbnailUrl"].(string); ok {
					thumbnail = t
				}
			}
			if graph, ok := obj["@graph"].([]any); ok {
				stack = append(stack, graph...)
			}
			if description != "" && thumbnail != "" {
				return description, thumbnail
			}
		}
	}
	return description, thumbnail
}

func normalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func normalizeLines(s string) string {
	s = strings.ReplaceAll(s, "\r", "\n")
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

func normalizeURL(raw string) (string, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", false
	}
	lower := strings.ToLower(trimmed)
	if strings.HasPrefix(lower, "data:") || strings.HasPrefix(lower, "javascript:") || strings.HasPrefix(lower, "blob:") {
		return "", false
	}
	if strings.HasPrefix(trimmed, "http://") || strings.HasPrefix(trimmed, "https://") {
		return trimmed, true
	}
	if strings.HasPrefix(trimmed, "//") {
		return "https:" + trimmed, true
	}
	if strings.HasPrefix(trimmed, "/") {
		return "https://hub.virtamate.com" + trimmed, true
	}
	return "https://hub.virtamate.com/" + trimmed, true
}

func isAllowedImage(url string) bool {
	lower := strings.ToLower(url)
	if strings.Contains(lower, "/internal_data/") {
		return false
	}
	if strings.HasPrefix(lower, "https://hub.virtamate.com/attachments/") || strings.HasPrefix(lower, "http://hub.virtamate.com/attachments/") {
		return true
	}
	return strings.Contains(lower, "rsc.cdn77.org/data/resource_icons/")
}

func looksLikeImageAttachment(url string) bool {
	lower := strings.ToLower(url)
	if !strings.Contains(lower, "/attachments/") {
		return false
	}
	for _, ext := range []string{"-jpg.", "-jpeg.", "-png.", "-gif.", "-webp."} {
		if strings.Contains(lower, ext) {
			return true
		}
	}
	return false
}

// walk calls fn on every node in document order, including n itself.
func walk(n *html.Node, fn func(*html.Node)) {
	fn(n)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}

func attr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func hasClass(n *html.Node, class string) bool {
	v, ok := attr(n, "class")
	if !ok {
		return false
	}
	for _, c := range strings.Fields(v) {
		if c == class {
			return true
		}
	}
	return false
}

func ancestorHasClass(n *html.Node, class string) bool {
	for p := n.Parent; p != nil; p = p.Parent {
		if p.Type == html.ElementNode && hasClass(p, class) {
			return true
		}
	}
	return false
}

func ancestorIsAttachmentList(n *html.Node) bool {
	for p := n.Parent; p != nil; p = p.Parent {
		if p.Type == html.ElementNode && p.Data == "ul" && hasClass(p, "attachmentList") {
			return true
		}
	}
	return false
}

func firstClassText(doc *html.Node, class string) (string, bool) {
	var found *html.Node
	walk(doc, func(n *html.Node) {
		if found != nil || n.Type != html.ElementNode {
			return
		}
		if hasClass(n, class) {
			found = n
		}
	})
	if found == nil {
		return "", false
	}
	return textContent(found), true
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	walk(n, func(c *html.Node) {
		if c.Type == html.TextNode {
			sb.WriteString(c.Data)
		}
	})
	return sb.String()
}
