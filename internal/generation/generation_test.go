package generation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nidhogg/nuka-loom/internal/provider"
	"go.uber.org/zap"
)

type fakeProvider struct {
	content string
	err     error
	delay   time.Duration
	got     *provider.ChatRequest
}

func (f *fakeProvider) ID() string                        { return "fake" }
func (f *fakeProvider) Name() string                      { return "fake" }
func (f *fakeProvider) HealthCheck(context.Context) error { return nil }

func (f *fakeProvider) Chat(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	f.got = req
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &provider.ChatResponse{Content: f.content}, nil
}

func newGenerator(p provider.Provider, timeout time.Duration) *RouterGenerator {
	r := provider.NewRouter(zap.NewNop())
	r.Register(p)
	return NewRouterGenerator(r, timeout, zap.NewNop())
}

func TestRouterGeneratorSuccess(t *testing.T) {
	fp := &fakeProvider{content: "  the key points  "}
	g := newGenerator(fp, time.Second)

	res := g.Generate(context.Background(), Request{
		Prompt:          "summarize",
		TaskType:        "section_summary",
		MaxOutputTokens: 200,
		Temperature:     0.3,
	})
	if !res.Success {
		t.Fatalf("expected success, got error %q", res.Error)
	}
	if res.Content != "the key points" {
		t.Errorf("got %q", res.Content)
	}
	if fp.got.MaxTokens != 200 || fp.got.Temperature != 0.3 {
		t.Errorf("request not forwarded: %+v", fp.got)
	}
}

func TestRouterGeneratorFailure(t *testing.T) {
	g := newGenerator(&fakeProvider{err: errors.New("503")}, time.Second)
	res := g.Generate(context.Background(), Request{Prompt: "x"})
	if res.Success || res.Error == "" {
		t.Fatalf("expected failure, got %+v", res)
	}
}

func TestRouterGeneratorTimeout(t *testing.T) {
	g := newGenerator(&fakeProvider{content: "late", delay: time.Second}, 20*time.Millisecond)
	res := g.Generate(context.Background(), Request{Prompt: "x"})
	if res.Success {
		t.Fatal("expected timeout to fail the call")
	}
}

func TestRouterGeneratorEmptyContent(t *testing.T) {
	g := newGenerator(&fakeProvider{content: "   "}, time.Second)
	if res := g.Generate(context.Background(), Request{Prompt: "x"}); res.Success {
		t.Fatal("empty content must not count as success")
	}
}

func TestNilRouter(t *testing.T) {
	g := NewRouterGenerator(nil, 0, zap.NewNop())
	if res := g.Generate(context.Background(), Request{}); res.Success {
		t.Fatal("expected failure without router")
	}
}
