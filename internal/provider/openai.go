package provider

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"
)

// OpenAIProvider talks to OpenAI-compatible chat completion APIs.
type OpenAIProvider struct {
	httpBackend
}

// NewOpenAIProvider creates an OpenAI-compatible provider. Setting
// Extra["path_model"] to "true" puts the model name in the URL path.
func NewOpenAIProvider(cfg ProviderConfig, logger *zap.Logger) *OpenAIProvider {
	key := cfg.APIKey
	return &OpenAIProvider{newHTTPBackend(cfg, "https://api.openai.com/v1", func(h http.Header) {
		if key != "" {
			h.Set("Authorization", "Bearer "+key)
		}
	}, logger)}
}

type openAIRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stop        []string  `json:"stop,omitempty"`
}

type openAIChatResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []openAIChoice `json:"choices"`
	Usage   Usage          `json:"usage"`
}

type openAIChoice struct {
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Chat sends a non-streaming completion request.
func (p *OpenAIProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	model := p.model(req.Model)
	path := "/chat/completions"
	if p.config.Extra["path_model"] == "true" && model != "" {
		path = "/" + model + path
	}

	var out openAIChatResponse
	err := p.call(ctx, http.MethodPost, path, openAIRequest{
		Model:       model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stop:        req.Stop,
	}, &out)
	if err != nil {
		return nil, err
	}
	if len(out.Choices) == 0 {
		return nil, errors.New("empty response from provider")
	}

	p.logger.Debug("openai completion",
		zap.String("model", out.Model),
		zap.Int("prompt_tokens", out.Usage.PromptTokens),
		zap.Int("completion_tokens", out.Usage.CompletionTokens))
	return &ChatResponse{
		ID:           out.ID,
		Model:        out.Model,
		Content:      out.Choices[0].Message.Content,
		FinishReason: out.Choices[0].FinishReason,
		Usage:        out.Usage,
	}, nil
}

// HealthCheck lists models to confirm the endpoint and key work.
func (p *OpenAIProvider) HealthCheck(ctx context.Context) error {
	return p.call(ctx, http.MethodGet, "/models", nil, nil)
}
