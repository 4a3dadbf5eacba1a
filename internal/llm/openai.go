// internal/llm/openai.go
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

// OpenAIClient talks to an OpenAI compatible /v1/chat/completions endpoint.
type OpenAIClient struct {
	config  Config
	baseURL string
	apiKey  string
	model   string
	client  Doer
	logger  logger.Logger
}

func NewOpenAIClient(cfg Config, baseURL, apiKey, model string, client Doer, log logger.Logger) *OpenAIClient {
	return &OpenAIClient{
		config:  cfg,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		client:  client,
		logger:  log.With(map[string]interface{}{"provider": "openai", "model": model}),
	}
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	N           int             `json:"n"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature"`
	TopP        float64         `json:"top_p,omitempty"`
}

type openAIMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

type openAIPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openAIImageURL `json:"image_url,omitempty"`
}

type openAIImageURL struct {
	URL string `json:"url"`
}

type openAIResponse struct {
	Choices []struct {
		FinishReason string `json:"finish_reason"`
		Message      struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *OpenAIClient) Call(ctx context.Context, messages []models.Message, correlationID string) (*Reply, error) {
	return instrument(ctx, "openai", messages, correlationID, c.complete)
}

func (c *OpenAIClient) complete(ctx context.Context, messages []models.Message) (models.Message, error) {
	payload, err := json.Marshal(openAIRequest{
		Model:       c.model,
		Messages:    toOpenAIMessages(messages),
		N:           1,
		MaxTokens:   c.config.MaxTokens,
		Temperature: c.config.Temperature,
		TopP:        c.config.TopP,
	})
	if err != nil {
		return models.Message{}, fmt.Errorf("%w: encode request: %v", ErrModelCallFailed, err)
	}

	newReq := func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		return req, nil
	}

	body, err := postWithRetry(ctx, c.client, newReq, c.config.MaxRetries, c.config.Timeout)
	if err != nil {
		c.logger.Error("chat completion failed", map[string]interface{}{"error": err.Error()})
		return models.Message{}, err
	}

	var resp openAIResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return models.Message{}, fmt.Errorf("%w: decode response: %v", ErrModelCallFailed, err)
	}
	if len(resp.Choices) == 0 {
		return models.Message{}, fmt.Errorf("%w: no choices returned", ErrModelCallFailed)
	}

	choice := resp.Choices[0]
	switch choice.FinishReason {
	case "content_filter", "ResponsibleAIPolicyViolation":
		c.logger.Warn("reply withheld by content policy", map[string]interface{}{"finishReason": choice.FinishReason})
		return models.Message{}, fmt.Errorf("%w: %w", ErrModelCallFailed, ErrContentFiltered)
	}

	return models.Message{Role: models.RoleAssistant, Content: choice.Message.Content}, nil
}

func toOpenAIMessages(messages []models.Message) []openAIMessage {
	out := make([]openAIMessage, 0, len(messages))
	for _, m := range messages {
		if len(m.Images) == 0 {
			out = append(out, openAIMessage{Role: string(m.Role), Content: m.Content})
			continue
		}

		parts := []openAIPart{{Type: "text", Text: m.Content}}
		for _, img := range m.Images {
			parts = append(parts, openAIPart{
				Type:     "image_url",
				ImageURL: &openAIImageURL{URL: dataURL(img)},
			})
		}
		out = append(out, openAIMessage{Role: string(m.Role), Content: parts})
	}
	return out
}

func dataURL(img models.Image) string {
	mime := img.MIMEType
	if mime == "" {
		mime = http.DetectContentType(img.Data)
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
}
