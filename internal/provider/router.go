package provider

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Binding pins a compute tier to a provider and model.
type Binding struct {
	ProviderID string `json:"provider_id"`
	Model      string `json:"model"`
}

// Router manages multiple LLM providers and routes requests by compute tier.
type Router struct {
	providers map[string]Provider
	bindings  map[Tier]Binding
	fallbacks []string // provider IDs tried after the bound provider fails
	defaults  string   // default provider ID
	mu        sync.RWMutex
	logger    *zap.Logger
}

// NewRouter creates a new provider router.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		providers: make(map[string]Provider),
		bindings:  make(map[Tier]Binding),
		logger:    logger,
	}
}

// Register adds a provider to the router.
func (r *Router) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = p
	if r.defaults == "" {
		r.defaults = p.ID()
	}
	r.logger.Info("registered provider", zap.String("id", p.ID()), zap.String("name", p.Name()))
}

// Unregister removes a provider and any tier bound to it.
func (r *Router) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[id]; !ok {
		return false
	}
	delete(r.providers, id)
	for tier, b := range r.bindings {
		if b.ProviderID == id {
			delete(r.bindings, tier)
		}
	}
	if r.defaults == id {
		r.defaults = ""
		for other := range r.providers {
			r.defaults = other
			break
		}
	}
	return true
}

// SetDefault sets the default provider.
func (r *Router) SetDefault(providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults = providerID
}

// DefaultID returns the current default provider ID.
func (r *Router) DefaultID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaults
}

// Bind associates a compute tier with a provider and model.
func (r *Router) Bind(tier Tier, b Binding) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[tier] = b
}

// SetFallbacks configures the provider chain tried when the bound provider fails.
func (r *Router) SetFallbacks(providerIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks = append([]string(nil), providerIDs...)
}

// Route sends a chat request through the provider bound to tier.
// The bound model is used when req.Model is empty.
func (r *Router) Route(ctx context.Context, tier Tier, req *ChatRequest) (*ChatResponse, error) {
	r.mu.RLock()
	primary, model := r.resolve(tier)
	fallbacks := make([]Provider, 0, len(r.fallbacks))
	for _, id := range r.fallbacks {
		if p, ok := r.providers[id]; ok && p != primary {
			fallbacks = append(fallbacks, p)
		}
	}
	r.mu.RUnlock()

	if primary == nil {
		return nil, fmt.Errorf("no provider available for tier %s", tier)
	}
	if req.Model == "" {
		req.Model = model
	}

	resp, err := primary.Chat(ctx, req)
	if err == nil {
		return resp, nil
	}
	r.logger.Warn("primary provider failed, trying fallbacks",
		zap.String("tier", string(tier)), zap.String("provider", primary.ID()), zap.Error(err))

	for _, fb := range fallbacks {
		if ctx.Err() != nil {
			break
		}
		resp, err = fb.Chat(ctx, req)
		if err == nil {
			return resp, nil
		}
		r.logger.Warn("fallback provider failed", zap.String("provider", fb.ID()), zap.Error(err))
	}

	return nil, fmt.Errorf("all providers failed for tier %s: %w", tier, err)
}

// resolve picks the provider and model for tier (caller must hold lock).
func (r *Router) resolve(tier Tier) (Provider, string) {
	if b, ok := r.bindings[tier]; ok {
		if p, ok := r.providers[b.ProviderID]; ok {
			return p, b.Model
		}
	}
	if p, ok := r.providers[r.defaults]; ok {
		return p, ""
	}
	return nil, ""
}

// GetProvider returns a provider by ID.
func (r *Router) GetProvider(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// ListProviders returns all registered providers.
func (r *Router) ListProviders() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		result = append(result, p)
	}
	return result
}
