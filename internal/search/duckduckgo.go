// internal/search/duckduckgo.go
package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/html"

	"omnisearch/internal/common/logger"
	"omnisearch/internal/retrieval"
)

var (
	ErrRateLimited    = errors.New("SEARCH_RATE_LIMITED")
	ErrVQDNotFound    = errors.New("vqd token not found")
	ErrUnexpectedHTTP = errors.New("unexpected search response")
)

// ddgRateLimit is shared by every DuckDuckGo instance in the process.
var ddgRateLimit struct {
	mu   sync.Mutex
	last time.Time
}

var vqdPattern = regexp.MustCompile(`vqd=["']?([0-9-]+)["'&]?`)

// Doer sends HTTP requests.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

type DuckDuckGoOptions struct {
	TextURL    string
	ImageURL   string
	SafeSearch string // "on", "moderate" or "off"
	UserAgent  string
	Client     Doer

	// RateLimit is the minimum spacing between queries. Zero disables it.
	RateLimit time.Duration
	// Backoff is the first wait after a 429; it doubles up to maxBackoff.
	Backoff time.Duration

	Logger logger.Logger
}

// DuckDuckGo scrapes the lite HTML page for text results and the i.js
// endpoint for image results.
type DuckDuckGo struct {
	textURL    string
	imageURL   string
	safeSearch string
	userAgent  string
	client     Doer
	rateLimit  time.Duration
	backoff    time.Duration
	logger     logger.Logger
}

const (
	maxRateLimitRetries = 3
	maxBackoff          = 30 * time.Second
)

func NewDuckDuckGo(opts DuckDuckGoOptions) *DuckDuckGo {
	if opts.TextURL == "" {
		opts.TextURL = "https://lite.duckduckgo.com/lite/"
	}
	if opts.ImageURL == "" {
		opts.ImageURL = "https://duckduckgo.com"
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 15 * time.Second}
	}
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNoOpLogger()
	}
	return &DuckDuckGo{
		textURL:    opts.TextURL,
		imageURL:   strings.TrimRight(opts.ImageURL, "/"),
		safeSearch: strings.ToLower(opts.SafeSearch),
		userAgent:  opts.UserAgent,
		client:     opts.Client,
		rateLimit:  opts.RateLimit,
		backoff:    opts.Backoff,
		logger:     opts.Logger.With(map[string]interface{}{"backend": "duckduckgo"}),
	}
}

func (d *DuckDuckGo) Name() string { return "duckduckgo" }

// TextSearch posts the query to the lite page and parses result rows.
func (d *DuckDuckGo) TextSearch(ctx context.Context, query string, maxResults int) ([]retrieval.TextHit, error) {
	form := url.Values{}
	form.Set("q", query)
	if kp := d.textSafeSearch(); kp != "" {
		form.Set("kp", kp)
	}

	body, err := d.send(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.textURL, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	})
	if err != nil {
		return nil, err
	}

	doc, err := html.Parse(strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("parse result page: %w", err)
	}
	hits := parseLiteResults(doc)
	if maxResults > 0 && len(hits) > maxResults {
		hits = hits[:maxResults]
	}
	return hits, nil
}

// ImageSearch fetches a vqd token for the query and then the JSON results.
func (d *DuckDuckGo) ImageSearch(ctx context.Context, query string, maxResults int) ([]retrieval.ImageHit, error) {
	vqd, err := d.fetchVQD(ctx, query)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("l", "wt-wt")
	params.Set("o", "json")
	params.Set("q", query)
	params.Set("vqd", vqd)
	params.Set("f", ",,,,,")
	params.Set("p", d.imageSafeSearch())
	endpoint := d.imageURL + "/i.js?" + params.Encode()

	body, err := d.send(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Referer", d.imageURL+"/")
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
	if err != nil {
		return nil, err
	}

	var payload struct {
		Results []struct {
			Title     string `json:"title"`
			Image     string `json:"image"`
			Thumbnail string `json:"thumbnail"`
			URL       string `json:"url"`
			Source    string `json:"source"`
			Width     int    `json:"width"`
			Height    int    `json:"height"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode image results: %w", err)
	}

	hits := make([]retrieval.ImageHit, 0, len(payload.Results))
	for _, r := range payload.Results {
		if r.Image == "" {
			continue
		}
		hits = append(hits, retrieval.ImageHit{
			Image:     r.Image,
			Title:     r.Title,
			Position:  len(hits) + 1,
			Thumbnail: r.Thumbnail,
			URL:       r.URL,
			Source:    r.Source,
			Width:     r.Width,
			Height:    r.Height,
		})
		if maxResults > 0 && len(hits) == maxResults {
			break
		}
	}
	return hits, nil
}

func (d *DuckDuckGo) fetchVQD(ctx context.Context, query string) (string, error) {
	endpoint := d.imageURL + "/?" + url.Values{"q": {query}, "iax": {"images"}, "ia": {"images"}}.Encode()
	body, err := d.send(ctx, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	})
	if err != nil {
		return "", err
	}

	m := vqdPattern.FindSubmatch(body)
	if m == nil {
		return "", ErrVQDNotFound
	}
	return string(m[1]), nil
}

// send throttles, issues the request and backs off on 429 a bounded number
// of times. The outer provider owns the general retry policy.
func (d *DuckDuckGo) send(ctx context.Context, newReq func(ctx context.Context) (*http.Request, error)) ([]byte, error) {
	delay := d.backoff
	for attempt := 0; ; attempt++ {
		if err := d.throttle(ctx); err != nil {
			return nil, err
		}

		req, err := newReq(ctx)
		if err != nil {
			return nil, err
		}
		if d.userAgent != "" {
			req.Header.Set("User-Agent", d.userAgent)
		}

		resp, err := d.client.Do(req)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			resp.Body.Close()
			if attempt >= maxRateLimitRetries {
				return nil, ErrRateLimited
			}
			d.logger.Warn("rate limited, backing off", map[string]interface{}{
				"delay": delay.String(),
			})
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			if delay < maxBackoff {
				delay *= 2
			}
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("%w: http %d", ErrUnexpectedHTTP, resp.StatusCode)
		}
		return body, nil
	}
}

func (d *DuckDuckGo) throttle(ctx context.Context) error {
	if d.rateLimit <= 0 {
		return nil
	}

	ddgRateLimit.mu.Lock()
	defer ddgRateLimit.mu.Unlock()

	if wait := time.Until(ddgRateLimit.last.Add(d.rateLimit)); wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	ddgRateLimit.last = time.Now()
	return nil
}

func (d *DuckDuckGo) textSafeSearch() string {
	switch d.safeSearch {
	case "on":
		return "1"
	case "off":
		return "-2"
	}
	return ""
}

func (d *DuckDuckGo) imageSafeSearch() string {
	if d.safeSearch == "off" {
		return "-1"
	}
	return "1"
}

// ==========================
// Lite page parsing
// ==========================

// parseLiteResults pairs every result-link anchor with the result-snippet
// cell that follows it. Sponsored rows link through y.js and are dropped.
func parseLiteResults(doc *html.Node) []retrieval.TextHit {
	var hits []retrieval.TextHit
	var current *retrieval.TextHit

	flush := func() {
		if current != nil && current.Href != "" && current.Title != "" {
			hits = append(hits, *current)
		}
		current = nil
	}

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch {
			case n.Data == "a" && hasClass(n, "result-link"):
				flush()
				href := resolveHref(attr(n, "href"))
				if isAdLink(href) {
					current = &retrieval.TextHit{}
				} else {
					current = &retrieval.TextHit{Title: nodeText(n), Href: href}
				}
				return
			case n.Data == "td" && hasClass(n, "result-snippet"):
				if current != nil {
					current.Body = nodeText(n)
				}
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	flush()

	return hits
}

// resolveHref unwraps //duckduckgo.com/l/?uddg=... redirect links.
func resolveHref(href string) string {
	href = strings.TrimSpace(href)
	if !strings.Contains(href, "duckduckgo.com/l/") {
		return href
	}
	if strings.HasPrefix(href, "//") {
		href = "https:" + href
	}
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	return href
}

func isAdLink(href string) bool {
	return strings.Contains(href, "duckduckgo.com/y.js")
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	var collect func(*html.Node)
	collect = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			collect(c)
		}
	}
	collect(n)
	return strings.Join(strings.Fields(b.String()), " ")
}
