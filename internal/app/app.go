// internal/app/app.go
package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/elastic/go-elasticsearch/v8"

	"omnisearch/internal/assembler"
	"omnisearch/internal/common/config"
	"omnisearch/internal/common/database"
	commonhttp "omnisearch/internal/common/http"
	"omnisearch/internal/common/logger"
	"omnisearch/internal/common/observability"
	"omnisearch/internal/conversation"
	"omnisearch/internal/llm"
	"omnisearch/internal/media"
	"omnisearch/internal/retrieval"
	"omnisearch/internal/search"
)

// Paths says where retrieved images and the file evidence cache live.
type Paths struct {
	ImageDir string
	CacheDir string
}

// Components is everything needed to answer questions.
type Components struct {
	Manager *conversation.Manager
	Redis   *database.RedisClient

	closers []func() error
}

// Close releases connections opened by Build.
func (c *Components) Close() error {
	var first error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Build wires model client, search backend, evidence cache, image loader,
// assembler and conversation manager from cfg.
func Build(ctx context.Context, cfg *config.Config, paths Paths, obs *observability.Observability, log logger.Logger) (*Components, error) {
	c := &Components{}

	if err := os.MkdirAll(paths.ImageDir, 0o755); err != nil {
		return nil, fmt.Errorf("create image dir: %w", err)
	}

	client, err := llm.NewFromConfig(cfg.Model, log)
	if err != nil {
		return nil, err
	}

	var es *elasticsearch.Client
	if cfg.Search.Provider == search.ProviderElasticsearch {
		es, err = database.NewElasticsearch(cfg.Database.Elasticsearch)
		if err != nil {
			return nil, err
		}
		err = RetryWithBackoff(func() error {
			return database.PingElasticsearch(ctx, es)
		}, 5, 2*time.Second, log, "Elasticsearch connection")
		if err != nil {
			return nil, err
		}
	}

	backend, err := search.NewFromConfig(cfg.Search, es, log)
	if err != nil {
		return nil, err
	}

	retrievalCfg := retrieval.Config{
		MaxRetries: cfg.Search.MaxRetries,
		RetryDelay: config.GetDuration(cfg.Search.RetryDelay),
		MaxResults: cfg.Search.MaxResults,
		SaveDir:    paths.ImageDir,
	}

	cache, err := c.newCache(ctx, cfg, paths, log)
	if err != nil {
		c.Close()
		return nil, err
	}

	httpClient := commonhttp.NewClient(config.GetDuration(cfg.Search.Timeout), commonhttp.WithUserAgent(cfg.Search.UserAgent))
	loader := media.NewLoader(httpClient)

	gateway := retrieval.NewGateway(retrieval.GatewayOptions{
		Provider:  retrieval.NewProvider(backend, retrievalCfg, log.With(map[string]interface{}{"provider": backend.Name()})),
		Cache:     cache,
		Loader:    loader,
		Captioner: client,
		Config:    retrievalCfg,
		Logger:    log,
	})

	prompt, err := conversation.LoadPrompt(cfg.Conversation.PromptFile)
	if err != nil {
		c.Close()
		return nil, err
	}

	c.Manager = conversation.NewManager(conversation.Options{
		Client:    client,
		Retriever: gateway,
		Assembler: assembler.New(client, log),
		Images:    loader,
		Config: conversation.Config{
			MaxTurns:       cfg.Conversation.MaxTurns,
			ImageQuota:     cfg.Conversation.ImageQuota,
			PromptTemplate: prompt,
		},
		Logger:        log,
		Observability: obs,
	})

	log.Info("conversation manager ready", map[string]interface{}{
		"model":    cfg.Model.Provider,
		"search":   backend.Name(),
		"cache":    cache.Name(),
		"imageDir": paths.ImageDir,
	})
	return c, nil
}

func (c *Components) newCache(ctx context.Context, cfg *config.Config, paths Paths, log logger.Logger) (retrieval.Cache, error) {
	switch cfg.Cache.Backend {
	case "redis":
		rc := database.NewRedis(cfg.Database.Redis)
		err := RetryWithBackoff(func() error {
			return rc.Ping(ctx)
		}, 5, 2*time.Second, log, "Redis connection")
		if err != nil {
			rc.Close()
			return nil, err
		}
		c.Redis = rc
		c.closers = append(c.closers, rc.Close)
		return retrieval.NewRedisCache(rc.Client, cfg.Cache.KeyPrefix, config.GetDuration(cfg.Cache.TTL)), nil
	case "file", "":
		if err := os.MkdirAll(paths.CacheDir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
		return retrieval.NewFileCache(paths.CacheDir), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
	}
}

// RetryWithBackoff runs operation up to maxRetries times, doubling the delay
// after each failure.
func RetryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log logger.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName), map[string]interface{}{
				"error":       err.Error(),
				"attempt":     i + 1,
				"maxRetries":  maxRetries,
				"nextRetryIn": delay.String(),
			})
			time.Sleep(delay)
			delay *= 2
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}
