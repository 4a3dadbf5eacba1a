// internal/search/search.go
package search

import (
	"errors"
	"fmt"
	"time"

	"github.com/elastic/go-elasticsearch/v8"

	"omnisearch/internal/common/config"
	commonhttp "omnisearch/internal/common/http"
	"omnisearch/internal/common/logger"
	"omnisearch/internal/retrieval"
)

const (
	ProviderDuckDuckGo    = "duckduckgo"
	ProviderCustomSearch  = "custom_search"
	ProviderElasticsearch = "elasticsearch"
)

var ErrUnknownProvider = errors.New("unknown search provider")

// Backend is a retrieval backend with a name for logs and metrics.
type Backend interface {
	retrieval.Backend
	Name() string
}

// NewFromConfig builds the configured backend. es is only required for the
// elasticsearch provider.
func NewFromConfig(cfg config.SearchConfig, es *elasticsearch.Client, log logger.Logger) (Backend, error) {
	client := commonhttp.NewClient(
		config.GetDuration(cfg.Timeout),
		commonhttp.WithUserAgent(cfg.UserAgent),
	)

	switch cfg.Provider {
	case ProviderDuckDuckGo, "":
		return NewDuckDuckGo(DuckDuckGoOptions{
			TextURL:    cfg.DuckDuckGo.TextURL,
			ImageURL:   cfg.DuckDuckGo.ImageURL,
			SafeSearch: cfg.DuckDuckGo.SafeSearch,
			UserAgent:  cfg.UserAgent,
			Client:     client,
			RateLimit:  time.Second,
			Logger:     log,
		}), nil

	case ProviderCustomSearch:
		if cfg.CustomSearch.APIKey == "" || cfg.CustomSearch.EngineID == "" {
			return nil, fmt.Errorf("custom_search requires api_key and engine_id")
		}
		return NewCustomSearch(CustomSearchOptions{
			BaseURL:    cfg.CustomSearch.BaseURL,
			APIKey:     cfg.CustomSearch.APIKey,
			EngineID:   cfg.CustomSearch.EngineID,
			SafeSearch: cfg.DuckDuckGo.SafeSearch,
			Client:     client,
		}), nil

	case ProviderElasticsearch:
		if es == nil {
			return nil, fmt.Errorf("elasticsearch provider requires a configured client")
		}
		return NewElasticsearch(es, cfg.Elasticsearch.TextIndex, cfg.Elasticsearch.ImageIndex), nil
	}

	return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, cfg.Provider)
}
