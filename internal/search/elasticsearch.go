// internal/search/elasticsearch.go
package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"omnisearch/internal/retrieval"
)

var ErrMissingIndex = errors.New("index name is required")

// Elasticsearch serves retrieval from locally indexed corpora. Text documents
// carry title, body and url; image documents carry image, title, url,
// thumbnail, source, width and height.
type Elasticsearch struct {
	client     *elasticsearch.Client
	textIndex  string
	imageIndex string
}

func NewElasticsearch(client *elasticsearch.Client, textIndex, imageIndex string) *Elasticsearch {
	return &Elasticsearch{client: client, textIndex: textIndex, imageIndex: imageIndex}
}

func (e *Elasticsearch) Name() string { return "elasticsearch" }

type textDocument struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url"`
}

type imageDocument struct {
	Image     string `json:"image"`
	Title     string `json:"title"`
	URL       string `json:"url"`
	Thumbnail string `json:"thumbnail"`
	Source    string `json:"source"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}

func (e *Elasticsearch) TextSearch(ctx context.Context, query string, maxResults int) ([]retrieval.TextHit, error) {
	sources, err := e.search(ctx, e.textIndex, query, []string{"title^2", "body"}, maxResults)
	if err != nil {
		return nil, err
	}

	hits := make([]retrieval.TextHit, 0, len(sources))
	for _, raw := range sources {
		var doc textDocument
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("decode text document: %w", err)
		}
		hits = append(hits, retrieval.TextHit{Title: doc.Title, Body: doc.Body, Href: doc.URL})
	}
	return hits, nil
}

func (e *Elasticsearch) ImageSearch(ctx context.Context, query string, maxResults int) ([]retrieval.ImageHit, error) {
	sources, err := e.search(ctx, e.imageIndex, query, []string{"title^2", "caption", "tags"}, maxResults)
	if err != nil {
		return nil, err
	}

	hits := make([]retrieval.ImageHit, 0, len(sources))
	for _, raw := range sources {
		var doc imageDocument
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("decode image document: %w", err)
		}
		if doc.Image == "" {
			continue
		}
		hits = append(hits, retrieval.ImageHit{
			Image:     doc.Image,
			Title:     doc.Title,
			Position:  len(hits) + 1,
			Thumbnail: doc.Thumbnail,
			URL:       doc.URL,
			Source:    doc.Source,
			Width:     doc.Width,
			Height:    doc.Height,
		})
	}
	return hits, nil
}

func buildMultiMatchQuery(query string, fields []string) map[string]interface{} {
	return map[string]interface{}{
		"query": map[string]interface{}{
			"multi_match": map[string]interface{}{
				"query":  query,
				"fields": fields,
				"type":   "best_fields",
			},
		},
	}
}

func (e *Elasticsearch) search(ctx context.Context, index, query string, fields []string, size int) ([]json.RawMessage, error) {
	if index == "" {
		return nil, ErrMissingIndex
	}
	if size <= 0 {
		size = 5
	}

	body, err := json.Marshal(buildMultiMatchQuery(query, fields))
	if err != nil {
		return nil, err
	}

	req := esapi.SearchRequest{
		Index: []string{index},
		Body:  strings.NewReader(string(body)),
		Size:  &size,
	}

	res, err := req.Do(ctx, e.client)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedHTTP, res.String())
	}

	var r struct {
		Hits struct {
			Hits []struct {
				Source json.RawMessage `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&r); err != nil {
		return nil, err
	}

	out := make([]json.RawMessage, 0, len(r.Hits.Hits))
	for _, h := range r.Hits.Hits {
		out = append(out, h.Source)
	}
	return out, nil
}
