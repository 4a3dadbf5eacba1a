// internal/llm/client.go
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"omnisearch/internal/common/config"
	commonhttp "omnisearch/internal/common/http"
	"omnisearch/internal/common/logger"
	"omnisearch/internal/common/metrics"
	"omnisearch/internal/common/observability"
	"omnisearch/internal/models"
)

var (
	ErrModelCallFailed = errors.New("MODEL_CALL_FAILED")
	ErrModelTimeout    = errors.New("MODEL_TIMEOUT")
	ErrContentFiltered = errors.New("CONTENT_FILTERED")
)

const tracerName = "omnisearch/llm"

// Client is a multimodal chat model. Implementations retry transient failures
// internally and are safe for concurrent use.
type Client interface {
	Call(ctx context.Context, messages []models.Message, correlationID string) (*Reply, error)
}

// Reply is one model answer.
type Reply struct {
	CorrelationID string
	Message       models.Message
	Text          string
}

// Config holds the sampling and retry settings shared by all providers.
type Config struct {
	Temperature float64
	TopP        float64
	MaxTokens   int
	Timeout     time.Duration
	MaxRetries  int
}

// NewFromConfig builds the client selected by cfg.Provider.
func NewFromConfig(cfg config.ModelConfig, log logger.Logger) (Client, error) {
	base := Config{
		Temperature: cfg.Temperature,
		TopP:        cfg.TopP,
		MaxTokens:   cfg.MaxTokens,
		Timeout:     config.GetDuration(cfg.Timeout),
		MaxRetries:  cfg.MaxRetries,
	}

	// per-attempt deadlines come from base.Timeout
	client := commonhttp.NewClient(0)

	switch cfg.Provider {
	case "openai":
		return NewOpenAIClient(base, cfg.OpenAI.BaseURL, cfg.OpenAI.APIKey, cfg.OpenAI.Model, client, log), nil
	case "ollama":
		return NewOllamaClient(base, cfg.Ollama.Host, cfg.Ollama.Model, client, log), nil
	default:
		return nil, fmt.Errorf("unsupported model provider: %s", cfg.Provider)
	}
}

// callFunc performs one logical request against a provider.
type callFunc func(ctx context.Context, messages []models.Message) (models.Message, error)

// instrument wraps a provider call with correlation ids, tracing and metrics.
func instrument(ctx context.Context, provider string, messages []models.Message, correlationID string, fn callFunc) (*Reply, error) {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	ctx, span := observability.StartSpan(ctx, otel.Tracer(tracerName), "llm.call", map[string]string{
		"provider":      provider,
		"correlationId": correlationID,
	})

	start := time.Now()
	msg, err := fn(ctx, messages)
	metrics.ModelCallDuration.WithLabelValues(provider).Observe(time.Since(start).Seconds())
	observability.EndSpan(span, err)

	if err != nil {
		metrics.ModelCallsTotal.WithLabelValues(provider, "failure").Inc()
		return nil, err
	}
	metrics.ModelCallsTotal.WithLabelValues(provider, "success").Inc()

	msg.Role = models.RoleAssistant
	return &Reply{
		CorrelationID: correlationID,
		Message:       msg,
		Text:          msg.Content,
	}, nil
}
