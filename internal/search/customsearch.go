// internal/search/customsearch.go
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"omnisearch/internal/retrieval"
)

// customSearchMaxNum is the largest page the JSON API returns.
const customSearchMaxNum = 10

type CustomSearchOptions struct {
	BaseURL    string
	APIKey     string
	EngineID   string
	SafeSearch string
	Client     Doer
}

// CustomSearch queries a Programmable Search Engine through its JSON API.
type CustomSearch struct {
	baseURL    string
	apiKey     string
	engineID   string
	safeSearch string
	client     Doer
}

func NewCustomSearch(opts CustomSearchOptions) *CustomSearch {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://www.googleapis.com/customsearch/v1"
	}
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	return &CustomSearch{
		baseURL:    opts.BaseURL,
		apiKey:     opts.APIKey,
		engineID:   opts.EngineID,
		safeSearch: opts.SafeSearch,
		client:     opts.Client,
	}
}

func (c *CustomSearch) Name() string { return "custom_search" }

type customSearchItem struct {
	Link    string `json:"link"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
	Mime    string `json:"mime"`
	Image   struct {
		ContextLink   string `json:"contextLink"`
		ThumbnailLink string `json:"thumbnailLink"`
		Width         int    `json:"width"`
		Height        int    `json:"height"`
	} `json:"image"`
	DisplayLink string `json:"displayLink"`
}

func (c *CustomSearch) TextSearch(ctx context.Context, query string, maxResults int) ([]retrieval.TextHit, error) {
	items, err := c.search(ctx, query, maxResults, false)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	hits := make([]retrieval.TextHit, 0, len(items))
	for _, item := range items {
		// Skip non-HTML documents such as PDFs
		if item.Mime != "" && !strings.Contains(item.Mime, "html") {
			continue
		}
		if seen[item.Link] {
			continue
		}
		seen[item.Link] = true

		hits = append(hits, retrieval.TextHit{
			Title: item.Title,
			Body:  strings.Join(strings.Fields(item.Snippet), " "),
			Href:  item.Link,
		})
	}
	return hits, nil
}

func (c *CustomSearch) ImageSearch(ctx context.Context, query string, maxResults int) ([]retrieval.ImageHit, error) {
	items, err := c.search(ctx, query, maxResults, true)
	if err != nil {
		return nil, err
	}

	hits := make([]retrieval.ImageHit, 0, len(items))
	for _, item := range items {
		if item.Link == "" {
			continue
		}
		hits = append(hits, retrieval.ImageHit{
			Image:     item.Link,
			Title:     item.Title,
			Position:  len(hits) + 1,
			Thumbnail: item.Image.ThumbnailLink,
			URL:       item.Image.ContextLink,
			Source:    item.DisplayLink,
			Width:     item.Image.Width,
			Height:    item.Image.Height,
		})
	}
	return hits, nil
}

func (c *CustomSearch) search(ctx context.Context, query string, maxResults int, images bool) ([]customSearchItem, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.buildSearchURL(query, maxResults, images), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: search API returned %d", ErrUnexpectedHTTP, resp.StatusCode)
	}

	var apiResponse struct {
		Items []customSearchItem `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiResponse); err != nil {
		return nil, err
	}
	return apiResponse.Items, nil
}

func (c *CustomSearch) buildSearchURL(query string, maxResults int, images bool) string {
	if maxResults <= 0 || maxResults > customSearchMaxNum {
		maxResults = customSearchMaxNum
	}

	baseURL, _ := url.Parse(c.baseURL)
	params := url.Values{}
	params.Add("key", c.apiKey)
	params.Add("cx", c.engineID)
	params.Add("q", query)
	params.Add("num", fmt.Sprintf("%d", maxResults))
	if images {
		params.Add("searchType", "image")
	}
	if c.safeSearch == "on" {
		params.Add("safe", "active")
	} else {
		params.Add("safe", "off")
	}
	baseURL.RawQuery = params.Encode()
	return baseURL.String()
}
