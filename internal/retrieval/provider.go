// internal/retrieval/provider.go
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"omnisearch/internal/common/logger"
	"omnisearch/internal/common/metrics"
)

var (
	ErrRetrievalExhausted = errors.New("RETRIEVAL_EXHAUSTED")
	ErrNoImageResults     = errors.New("no image results")
	ErrEmptyQuery         = errors.New("query is empty")
)

// TextHit is one web search result.
type TextHit struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Href  string `json:"href"`
}

// ImageHit is one image search result. It is also the stored cache payload,
// so its JSON shape must stay stable.
type ImageHit struct {
	Image     string `json:"image"`
	Title     string `json:"title"`
	Position  int    `json:"position"`
	Thumbnail string `json:"thumbnail,omitempty"`
	URL       string `json:"url,omitempty"`
	Source    string `json:"source,omitempty"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
}

// Backend runs single, unretried queries against a search service.
type Backend interface {
	TextSearch(ctx context.Context, query string, maxResults int) ([]TextHit, error)
	ImageSearch(ctx context.Context, query string, maxResults int) ([]ImageHit, error)
}

// Config is the retrieval policy handed to the provider and gateway.
type Config struct {
	MaxRetries int
	RetryDelay time.Duration
	MaxResults int
	SaveDir    string
}

func DefaultConfig() Config {
	return Config{
		MaxRetries: 5,
		RetryDelay: 2 * time.Second,
		MaxResults: 5,
	}
}

// Provider adds a fixed-delay retry policy on top of a Backend.
type Provider struct {
	backend Backend
	config  Config
	logger  logger.Logger
}

func NewProvider(backend Backend, cfg Config, log logger.Logger) *Provider {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	return &Provider{backend: backend, config: cfg, logger: log}
}

// TextSearch returns up to MaxResults hits for query.
func (p *Provider) TextSearch(ctx context.Context, query string) ([]TextHit, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}
	return withRetry(ctx, p, "text_search", func(ctx context.Context) ([]TextHit, error) {
		return p.backend.TextSearch(ctx, query, p.config.MaxResults)
	})
}

// ImageSearch returns the best ranked image hit for query. An empty result
// set counts as a failed attempt. A blank query fails without any attempt.
func (p *Provider) ImageSearch(ctx context.Context, query string) (ImageHit, error) {
	if strings.TrimSpace(query) == "" {
		return ImageHit{}, ErrEmptyQuery
	}
	return withRetry(ctx, p, "image_search", func(ctx context.Context) (ImageHit, error) {
		hits, err := p.backend.ImageSearch(ctx, query, p.config.MaxResults)
		if err != nil {
			return ImageHit{}, err
		}
		if len(hits) == 0 {
			return ImageHit{}, ErrNoImageResults
		}
		return hits[0], nil
	})
}

// withRetry makes exactly MaxRetries attempts, waiting RetryDelay between them.
func withRetry[T any](ctx context.Context, p *Provider, op string, fn func(context.Context) (T, error)) (T, error) {
	var (
		zero    T
		lastErr error
	)

	for attempt := 1; attempt <= p.config.MaxRetries; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			metrics.ProviderAttempts.WithLabelValues(op, "success").Inc()
			return result, nil
		}
		lastErr = err
		metrics.ProviderAttempts.WithLabelValues(op, "failure").Inc()

		p.logger.Warn("search attempt failed", map[string]interface{}{
			"operation":  op,
			"attempt":    attempt,
			"maxRetries": p.config.MaxRetries,
			"error":      err.Error(),
		})

		if attempt == p.config.MaxRetries {
			break
		}

		select {
		case <-time.After(p.config.RetryDelay):
		case <-ctx.Done():
			return zero, fmt.Errorf("%w: %s interrupted: %v", ErrRetrievalExhausted, op, ctx.Err())
		}
	}

	p.logger.Error("all search retries failed", map[string]interface{}{
		"operation": op,
		"error":     lastErr.Error(),
	})
	return zero, fmt.Errorf("%w: %s failed after %d attempts: %v", ErrRetrievalExhausted, op, p.config.MaxRetries, lastErr)
}
