package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/nidhogg/nuka-loom/internal/cache"
	"github.com/nidhogg/nuka-loom/internal/engine"
	"github.com/nidhogg/nuka-loom/internal/layer"
	"github.com/nidhogg/nuka-loom/internal/perf"
	"github.com/nidhogg/nuka-loom/internal/provider"
	"github.com/nidhogg/nuka-loom/internal/store"
	"go.uber.org/zap"

	selection "github.com/nidhogg/nuka-loom/internal/context"
)

type memRegistry struct {
	mu   sync.Mutex
	rows map[string]*store.ProviderRow
}

func (m *memRegistry) SaveProvider(_ context.Context, p *store.ProviderRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[p.ID] = p
	return nil
}

func (m *memRegistry) DeleteProvider(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, id)
	return nil
}

// newTestServer wires a Handler with in-memory deps (no Postgres/Redis/Neo4j).
func newTestServer(t *testing.T) (*httptest.Server, *memRegistry) {
	t.Helper()
	logger := zap.NewNop()
	eng := engine.New(engine.Config{}, engine.Deps{}, logger)
	reg := &memRegistry{rows: make(map[string]*store.ProviderRow)}
	h := NewHandler(eng, provider.NewRouter(logger), reg, logger)
	ts := httptest.NewServer(h.Router())
	t.Cleanup(ts.Close)
	return ts, reg
}

func send(t *testing.T, ts *httptest.Server, method, path string, body interface{}) *http.Response {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, _ := http.NewRequest(method, ts.URL+path, rd)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Fatalf("%s %s: expected %d, got %d", resp.Request.Method, resp.Request.URL.Path, want, resp.StatusCode)
	}
}

// --- Tests ---

func TestHealthCheck(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := send(t, ts, "GET", "/api/health", nil)
	expectStatus(t, resp, 200)
	var body map[string]string
	decodeJSON(t, resp, &body)
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %q", body["status"])
	}
}

func TestLayerLifecycle(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := send(t, ts, "POST", "/api/campaigns/c1/layers", layer.Input{
		Kind: layer.KindStory, Text: strings.Repeat("s", 200), Importance: 9, StoryBeatID: "b1",
	})
	expectStatus(t, resp, 201)
	var l layer.Layer
	decodeJSON(t, resp, &l)
	if l.ID == "" || l.TokenEstimate != 50 {
		t.Errorf("layer = %+v", l)
	}

	resp = send(t, ts, "POST", "/api/campaigns/c1/memory", map[string]interface{}{
		"session_id": "s1", "speaker": "ana", "message": "hi", "importance": 4,
	})
	expectStatus(t, resp, 201)
	resp.Body.Close()

	resp = send(t, ts, "PUT", "/api/campaigns/c1/summary", layer.Summary{Text: "the story so far"})
	expectStatus(t, resp, 200)
	resp.Body.Close()

	resp = send(t, ts, "GET", "/api/campaigns/c1/context", nil)
	expectStatus(t, resp, 200)
	var contents layer.Contents
	decodeJSON(t, resp, &contents)
	if len(contents.Layers) != 1 || len(contents.Memory["s1"]) != 1 || contents.Summary == nil {
		t.Errorf("contents = %+v", contents)
	}

	resp = send(t, ts, "DELETE", "/api/campaigns/c1/layers", nil)
	expectStatus(t, resp, 200)
	resp.Body.Close()

	resp = send(t, ts, "GET", "/api/campaigns/c1/context", nil)
	decodeJSON(t, resp, &contents)
	if len(contents.Layers) != 0 {
		t.Errorf("expected no layers after clear, got %d", len(contents.Layers))
	}
}

func TestAddLayerValidation(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := send(t, ts, "POST", "/api/campaigns/c1/layers", map[string]string{"kind": "story"})
	expectStatus(t, resp, 400)
	resp.Body.Close()

	resp = send(t, ts, "POST", "/api/campaigns/c1/layers", map[string]string{"kind": "dream", "text": "x"})
	expectStatus(t, resp, 400)
	resp.Body.Close()
}

func TestSelectAndCache(t *testing.T) {
	ts, _ := newTestServer(t)

	send(t, ts, "POST", "/api/campaigns/c1/layers", layer.Input{
		Kind: layer.KindStory, Text: strings.Repeat("s", 200), Importance: 9, StoryBeatID: "b1",
	}).Body.Close()

	criteria := selection.Criteria{TaskType: "story_progression", MaxTokens: 100, StoryPhase: selection.PhaseSetup}
	resp := send(t, ts, "POST", "/api/campaigns/c1/select", criteria)
	expectStatus(t, resp, 200)
	var first selection.Result
	decodeJSON(t, resp, &first)
	if first.CacheHit || first.TokenUsage > 100 || len(first.SelectedLayers) != 1 {
		t.Errorf("first = %+v", first)
	}

	resp = send(t, ts, "POST", "/api/campaigns/c1/select", criteria)
	var second selection.Result
	decodeJSON(t, resp, &second)
	if !second.CacheHit {
		t.Error("expected second selection to hit the cache")
	}

	resp = send(t, ts, "GET", "/api/cache/stats", nil)
	var stats cache.Stats
	decodeJSON(t, resp, &stats)
	if stats.Entries != 1 || stats.Hits != 1 {
		t.Errorf("stats = %+v", stats)
	}

	resp = send(t, ts, "POST", "/api/cache/sweep", nil)
	expectStatus(t, resp, 200)
	var swept map[string]int
	decodeJSON(t, resp, &swept)
	if swept["removed"] != 0 {
		t.Errorf("removed = %d, want 0 for fresh entries", swept["removed"])
	}

	resp = send(t, ts, "POST", "/api/campaigns/c1/select", map[string]int{"max_tokens": 10})
	expectStatus(t, resp, 400)
	resp.Body.Close()
}

func TestStrategyAndEffectiveness(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := send(t, ts, "PUT", "/api/campaigns/c1/strategy", engine.Strategy{MaxTokens: 300})
	expectStatus(t, resp, 200)
	var s engine.Strategy
	decodeJSON(t, resp, &s)
	if s.MaxTokens != 300 {
		t.Errorf("max tokens = %d", s.MaxTokens)
	}

	resp = send(t, ts, "POST", "/api/campaigns/c1/effectiveness", perf.Effectiveness{TaskType: "t", Score: 1.7, Feedback: 0.5})
	expectStatus(t, resp, 201)
	resp.Body.Close()

	resp = send(t, ts, "GET", "/api/campaigns/c1/effectiveness", nil)
	var st perf.CampaignStats
	decodeJSON(t, resp, &st)
	if st.Selections != 1 || st.AvgScore != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestClassifyAndPerformance(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := send(t, ts, "POST", "/api/classify", map[string]string{"type": "simple_response", "prompt": "ok"})
	expectStatus(t, resp, 200)
	resp.Body.Close()

	resp = send(t, ts, "POST", "/api/performance/economy", perf.Sample{LatencyMs: 80, Success: true})
	expectStatus(t, resp, 201)
	resp.Body.Close()

	resp = send(t, ts, "POST", "/api/performance/turbo", perf.Sample{})
	expectStatus(t, resp, 400)
	resp.Body.Close()

	resp = send(t, ts, "GET", "/api/performance", nil)
	var stats map[provider.Tier]perf.TierStats
	decodeJSON(t, resp, &stats)
	if stats[provider.TierEconomy].Samples != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestSnapshotAndArchive(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := send(t, ts, "PUT", "/api/campaigns/c1/snapshot", map[string]interface{}{
		"world_state": "The bridge is down",
	})
	expectStatus(t, resp, 200)
	resp.Body.Close()

	resp = send(t, ts, "POST", "/api/campaigns/c1/select", selection.Criteria{TaskType: "world_building", MaxTokens: 200})
	var res selection.Result
	decodeJSON(t, resp, &res)
	if !strings.Contains(res.SelectedText, "The bridge is down") {
		t.Errorf("selected text = %q", res.SelectedText)
	}

	resp = send(t, ts, "GET", "/api/campaigns/c1/archive?limit=5", nil)
	expectStatus(t, resp, 200)
	var archived []layer.Layer
	decodeJSON(t, resp, &archived)
	if len(archived) != 0 {
		t.Errorf("expected empty archive, got %d", len(archived))
	}

	resp = send(t, ts, "GET", "/api/campaigns/c1/archive?limit=-1", nil)
	expectStatus(t, resp, 400)
	resp.Body.Close()
}

func TestProviderCRUD(t *testing.T) {
	ts, reg := newTestServer(t)

	resp := send(t, ts, "GET", "/api/providers", nil)
	expectStatus(t, resp, 200)
	var provs []providerView
	decodeJSON(t, resp, &provs)
	if len(provs) != 0 {
		t.Fatalf("expected no providers, got %d", len(provs))
	}

	resp = send(t, ts, "POST", "/api/providers", map[string]interface{}{
		"name":     "test-llm",
		"type":     "openai",
		"endpoint": "http://localhost:9999/v1",
		"api_key":  "sk-test",
		"models":   []string{"gpt-4"},
		"tier":     "premium",
	})
	expectStatus(t, resp, 201)
	var prov providerView
	decodeJSON(t, resp, &prov)
	if prov.ID != "test-llm" {
		t.Errorf("expected id test-llm, got %q", prov.ID)
	}
	if row := reg.rows["test-llm"]; row == nil || row.Tier != provider.TierPremium {
		t.Errorf("persisted row = %+v", row)
	}

	resp = send(t, ts, "POST", "/api/providers", map[string]string{"name": "x", "type": "fax"})
	expectStatus(t, resp, 400)
	resp.Body.Close()

	resp = send(t, ts, "DELETE", "/api/providers/test-llm", nil)
	expectStatus(t, resp, 200)
	resp.Body.Close()
	if len(reg.rows) != 0 {
		t.Errorf("expected registry row removed")
	}

	resp = send(t, ts, "DELETE", "/api/providers/test-llm", nil)
	expectStatus(t, resp, 404)
	resp.Body.Close()
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := send(t, ts, "GET", "/metrics", nil)
	expectStatus(t, resp, 200)
	resp.Body.Close()
}
