package provider

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

const (
	anthropicVersion   = "2023-06-01"
	anthropicMaxTokens = 1024
)

// AnthropicProvider talks to the Anthropic Messages API.
type AnthropicProvider struct {
	httpBackend
}

// NewAnthropicProvider creates an Anthropic provider.
func NewAnthropicProvider(cfg ProviderConfig, logger *zap.Logger) *AnthropicProvider {
	key := cfg.APIKey
	return &AnthropicProvider{newHTTPBackend(cfg, "https://api.anthropic.com/v1", func(h http.Header) {
		h.Set("x-api-key", key)
		h.Set("anthropic-version", anthropicVersion)
	}, logger)}
}

type anthropicRequest struct {
	Model         string         `json:"model"`
	System        string         `json:"system,omitempty"`
	Messages      []anthropicMsg `json:"messages"`
	MaxTokens     int            `json:"max_tokens"`
	Temperature   float64        `json:"temperature,omitempty"`
	StopSequences []string       `json:"stop_sequences,omitempty"`
}

type anthropicMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Chat sends a non-streaming message request. System messages are joined
// into the top-level system prompt.
func (p *AnthropicProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	ar := anthropicRequest{
		Model:         p.model(req.Model),
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		StopSequences: req.Stop,
	}
	if ar.MaxTokens <= 0 {
		ar.MaxTokens = anthropicMaxTokens
	}
	var system []string
	for _, m := range req.Messages {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		ar.Messages = append(ar.Messages, anthropicMsg{Role: m.Role, Content: m.Content})
	}
	ar.System = strings.Join(system, "\n\n")

	var out anthropicResponse
	if err := p.call(ctx, http.MethodPost, "/messages", ar, &out); err != nil {
		return nil, err
	}

	var text strings.Builder
	for _, c := range out.Content {
		if c.Type == "text" {
			text.WriteString(c.Text)
		}
	}
	p.logger.Debug("anthropic completion",
		zap.String("model", out.Model),
		zap.Int("input_tokens", out.Usage.InputTokens),
		zap.Int("output_tokens", out.Usage.OutputTokens))
	return &ChatResponse{
		ID:           out.ID,
		Model:        out.Model,
		Content:      text.String(),
		FinishReason: out.StopReason,
		Usage: Usage{
			PromptTokens:     out.Usage.InputTokens,
			CompletionTokens: out.Usage.OutputTokens,
			TotalTokens:      out.Usage.InputTokens + out.Usage.OutputTokens,
		},
	}, nil
}

// HealthCheck sends a one-token request with the default model.
func (p *AnthropicProvider) HealthCheck(ctx context.Context) error {
	_, err := p.Chat(ctx, &ChatRequest{
		Messages:  []Message{{Role: "user", Content: "ping"}},
		MaxTokens: 1,
	})
	return err
}
