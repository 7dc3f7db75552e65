package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"
)

type stubProvider struct {
	id        string
	err       error
	content   string
	lastModel string
	calls     int
}

func (s *stubProvider) ID() string   { return s.id }
func (s *stubProvider) Name() string { return s.id }
func (s *stubProvider) HealthCheck(context.Context) error {
	return nil
}

func (s *stubProvider) Chat(_ context.Context, req *ChatRequest) (*ChatResponse, error) {
	s.calls++
	s.lastModel = req.Model
	if s.err != nil {
		return nil, s.err
	}
	return &ChatResponse{Content: s.content, Model: req.Model}, nil
}

func TestRouterRoutesByTier(t *testing.T) {
	r := NewRouter(zap.NewNop())
	cheap := &stubProvider{id: "cheap", content: "from cheap"}
	big := &stubProvider{id: "big", content: "from big"}
	r.Register(cheap)
	r.Register(big)
	r.Bind(TierEconomy, Binding{ProviderID: "cheap", Model: "mini"})
	r.Bind(TierPremium, Binding{ProviderID: "big", Model: "large"})

	resp, err := r.Route(context.Background(), TierPremium, &ChatRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "from big" || big.lastModel != "large" {
		t.Errorf("premium routed to %q with model %q", resp.Content, big.lastModel)
	}

	// Unbound tier falls through to the default (first registered) provider.
	resp, err = r.Route(context.Background(), TierStandard, &ChatRequest{Model: "explicit"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "from cheap" || cheap.lastModel != "explicit" {
		t.Errorf("standard routed to %q with model %q", resp.Content, cheap.lastModel)
	}
}

func TestRouterFallback(t *testing.T) {
	r := NewRouter(zap.NewNop())
	broken := &stubProvider{id: "broken", err: errors.New("boom")}
	backup := &stubProvider{id: "backup", content: "ok"}
	r.Register(broken)
	r.Register(backup)
	r.SetFallbacks([]string{"broken", "backup"})

	resp, err := r.Route(context.Background(), TierEconomy, &ChatRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("got %q, want ok", resp.Content)
	}
	if broken.calls != 1 {
		t.Errorf("broken provider called %d times, want 1", broken.calls)
	}
}

func TestRouterNoProvider(t *testing.T) {
	r := NewRouter(zap.NewNop())
	if _, err := r.Route(context.Background(), TierEconomy, &ChatRequest{}); err == nil {
		t.Fatal("expected error with no providers registered")
	}
}

func TestParseTier(t *testing.T) {
	for _, tier := range Tiers {
		got, err := ParseTier(string(tier))
		if err != nil || got != tier {
			t.Errorf("ParseTier(%q) = %q, %v", tier, got, err)
		}
	}
	if _, err := ParseTier("turbo"); err == nil {
		t.Error("expected error for unknown tier")
	}
}

func TestOpenAIProviderChat(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequest
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(openAIChatResponse{
			ID:    "resp-1",
			Model: req.Model,
			Choices: []openAIChoice{
				{Message: Message{Role: "assistant", Content: "summary"}, FinishReason: "stop"},
			},
			Usage: Usage{TotalTokens: 12},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := NewOpenAIProvider(ProviderConfig{ID: "oai", Endpoint: srv.URL, Models: []string{"gpt-mini"}}, zap.NewNop())
	resp, err := p.Chat(context.Background(), &ChatRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "summary" || resp.Model != "gpt-mini" {
		t.Errorf("got content %q model %q", resp.Content, resp.Model)
	}
	if resp.Usage.TotalTokens != 12 {
		t.Errorf("got usage %d, want 12", resp.Usage.TotalTokens)
	}
}

func TestOpenAIProviderAPIError(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewOpenAIProvider(ProviderConfig{ID: "oai", Endpoint: srv.URL}, zap.NewNop())
	_, err := p.Chat(context.Background(), &ChatRequest{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusTooManyRequests || !apiErr.Retryable() {
		t.Errorf("status %d retryable %v", apiErr.Status, apiErr.Retryable())
	}
	if hits.Load() != 2 {
		t.Errorf("server hit %d times, want 2", hits.Load())
	}
}

func TestOpenAIProviderNoRetryOnClientError(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := NewOpenAIProvider(ProviderConfig{ID: "oai", Endpoint: srv.URL}, zap.NewNop())
	if err := p.HealthCheck(context.Background()); err == nil {
		t.Fatal("expected error on 401")
	}
	if hits.Load() != 1 {
		t.Errorf("server hit %d times, want 1", hits.Load())
	}
}

func TestAnthropicProviderChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" || r.Header.Get("x-api-key") != "k" {
			http.Error(w, "unexpected request", http.StatusBadRequest)
			return
		}
		var req anthropicRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.System != "be brief" || len(req.Messages) != 1 || req.MaxTokens != anthropicMaxTokens {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		w.Write([]byte(`{"id":"m1","model":"` + req.Model + `","stop_reason":"end_turn",` +
			`"content":[{"type":"text","text":"done"}],"usage":{"input_tokens":5,"output_tokens":2}}`))
	}))
	defer srv.Close()

	p := NewAnthropicProvider(ProviderConfig{ID: "ant", APIKey: "k", Endpoint: srv.URL, Models: []string{"haiku"}}, zap.NewNop())
	resp, err := p.Chat(context.Background(), &ChatRequest{Messages: []Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "summarize"},
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "done" || resp.Model != "haiku" || resp.Usage.TotalTokens != 7 {
		t.Errorf("got %+v", resp)
	}
}

func TestBuildAndUnregister(t *testing.T) {
	r := NewRouter(zap.NewNop())
	p, err := Build(ProviderConfig{Name: "oa", Type: "openai", Endpoint: "http://localhost"}, zap.NewNop())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if p.ID() != "oa" {
		t.Errorf("id = %q, want name as id", p.ID())
	}
	r.Register(p)
	r.Bind(TierPremium, Binding{ProviderID: "oa", Model: "big"})

	if !r.Unregister("oa") {
		t.Fatal("unregister reported missing provider")
	}
	if r.DefaultID() != "" {
		t.Errorf("default = %q after removing only provider", r.DefaultID())
	}
	if _, err := r.Route(context.Background(), TierPremium, &ChatRequest{}); err == nil {
		t.Error("expected routing to fail after unregister")
	}
	if _, err := Build(ProviderConfig{ID: "x", Type: "carrier-pigeon"}, zap.NewNop()); err == nil {
		t.Error("expected error for unknown type")
	}
}
