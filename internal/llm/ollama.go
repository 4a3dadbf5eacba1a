// internal/llm/ollama.go
package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"omnisearch/internal/common/logger"
	"omnisearch/internal/models"
)

// OllamaClient talks to the Ollama /api/chat endpoint with streaming off.
type OllamaClient struct {
	config Config
	host   string
	model  string
	client Doer
	logger logger.Logger
}

func NewOllamaClient(cfg Config, host, model string, client Doer, log logger.Logger) *OllamaClient {
	return &OllamaClient{
		config: cfg,
		host:   strings.TrimRight(host, "/"),
		model:  model,
		client: client,
		logger: log.With(map[string]interface{}{"provider": "ollama", "model": model}),
	}
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  ollamaOptions   `json:"options"`
}

type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaResponse struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
	Error   string        `json:"error,omitempty"`
}

func (c *OllamaClient) Call(ctx context.Context, messages []models.Message, correlationID string) (*Reply, error) {
	return instrument(ctx, "ollama", messages, correlationID, c.chat)
}

func (c *OllamaClient) chat(ctx context.Context, messages []models.Message) (models.Message, error) {
	reqMessages := make([]ollamaMessage, 0, len(messages))
	for _, m := range messages {
		om := ollamaMessage{Role: string(m.Role), Content: m.Content}
		for _, img := range m.Images {
			om.Images = append(om.Images, base64.StdEncoding.EncodeToString(img.Data))
		}
		reqMessages = append(reqMessages, om)
	}

	payload, err := json.Marshal(ollamaRequest{
		Model:    c.model,
		Messages: reqMessages,
		Stream:   false,
		Options: ollamaOptions{
			Temperature: c.config.Temperature,
			TopP:        c.config.TopP,
			NumPredict:  c.config.MaxTokens,
		},
	})
	if err != nil {
		return models.Message{}, fmt.Errorf("%w: encode request: %v", ErrModelCallFailed, err)
	}

	newReq := func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+"/api/chat", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}

	body, err := postWithRetry(ctx, c.client, newReq, c.config.MaxRetries, c.config.Timeout)
	if err != nil {
		c.logger.Error("ollama chat failed", map[string]interface{}{"error": err.Error()})
		return models.Message{}, err
	}

	var resp ollamaResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return models.Message{}, fmt.Errorf("%w: decode response: %v", ErrModelCallFailed, err)
	}
	if resp.Error != "" {
		return models.Message{}, fmt.Errorf("%w: %s", ErrModelCallFailed, resp.Error)
	}

	return models.Message{Role: models.RoleAssistant, Content: resp.Message.Content}, nil
}
