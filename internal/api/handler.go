package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nidhogg/nuka-loom/internal/classify"
	"github.com/nidhogg/nuka-loom/internal/engine"
	"github.com/nidhogg/nuka-loom/internal/layer"
	"github.com/nidhogg/nuka-loom/internal/perf"
	"github.com/nidhogg/nuka-loom/internal/provider"
	"github.com/nidhogg/nuka-loom/internal/snapshot"
	"github.com/nidhogg/nuka-loom/internal/store"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	selection "github.com/nidhogg/nuka-loom/internal/context"
)

// ProviderRegistry persists provider configurations. *store.Store
// implements it.
type ProviderRegistry interface {
	SaveProvider(ctx context.Context, p *store.ProviderRow) error
	DeleteProvider(ctx context.Context, id string) error
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	engine   *engine.Engine
	router   *provider.Router
	registry ProviderRegistry
	logger   *zap.Logger
}

// NewHandler creates a new API handler. router and registry may be nil.
func NewHandler(eng *engine.Engine, router *provider.Router, registry ProviderRegistry, logger *zap.Logger) *Handler {
	return &Handler{
		engine:   eng,
		router:   router,
		registry: registry,
		logger:   logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		r.Route("/campaigns/{id}", func(r chi.Router) {
			r.Post("/layers", h.addLayer)
			r.Delete("/layers", h.clearLayers)
			r.Post("/layers/prune", h.pruneLayers)
			r.Get("/context", h.getContext)
			r.Post("/memory", h.addMemory)
			r.Put("/summary", h.setSummary)
			r.Post("/select", h.selectContext)
			r.Get("/strategy", h.getStrategy)
			r.Put("/strategy", h.adaptStrategy)
			r.Post("/effectiveness", h.recordEffectiveness)
			r.Get("/effectiveness", h.effectivenessAnalytics)
			r.Get("/archive", h.archived)
			r.Get("/snapshot", h.getSnapshot)
			r.Put("/snapshot", h.saveSnapshot)
		})

		r.Post("/cache/sweep", h.sweepCache)
		r.Get("/cache/stats", h.cacheStats)

		r.Post("/classify", h.classify)
		r.Get("/performance", h.performanceAnalytics)
		r.Post("/performance/{tier}", h.recordPerformance)

		r.Get("/providers", h.listProviders)
		r.Post("/providers", h.addProvider)
		r.Delete("/providers/{id}", h.removeProvider)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "loom"})
}

func (h *Handler) addLayer(w http.ResponseWriter, r *http.Request) {
	var in layer.Input
	if !decode(w, r, &in) {
		return
	}
	if strings.TrimSpace(in.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	if in.Kind != "" && !in.Kind.Valid() {
		writeError(w, http.StatusBadRequest, "unknown layer kind "+string(in.Kind))
		return
	}
	l := h.engine.AddLayer(r.Context(), chi.URLParam(r, "id"), in)
	writeJSON(w, http.StatusCreated, l)
}

func (h *Handler) clearLayers(w http.ResponseWriter, r *http.Request) {
	h.engine.ClearLayers(r.Context(), chi.URLParam(r, "id"))
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (h *Handler) pruneLayers(w http.ResponseWriter, r *http.Request) {
	pruned := h.engine.PruneLayers(r.Context(), chi.URLParam(r, "id"))
	writeJSON(w, http.StatusOK, map[string]int{"pruned": len(pruned)})
}

func (h *Handler) getContext(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.GetContext(r.Context(), chi.URLParam(r, "id")))
}

type memoryRequest struct {
	SessionID string `json:"session_id"`
	layer.MemoryEntry
}

func (h *Handler) addMemory(w http.ResponseWriter, r *http.Request) {
	var req memoryRequest
	if !decode(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	h.engine.AddMemory(r.Context(), chi.URLParam(r, "id"), req.SessionID, req.MemoryEntry)
	writeJSON(w, http.StatusCreated, map[string]string{"status": "stored"})
}

func (h *Handler) setSummary(w http.ResponseWriter, r *http.Request) {
	var s layer.Summary
	if !decode(w, r, &s) {
		return
	}
	writeJSON(w, http.StatusOK, h.engine.SetSummary(r.Context(), chi.URLParam(r, "id"), s))
}

func (h *Handler) selectContext(w http.ResponseWriter, r *http.Request) {
	var c selection.Criteria
	if !decode(w, r, &c) {
		return
	}
	if c.TaskType == "" {
		writeError(w, http.StatusBadRequest, "task_type is required")
		return
	}
	writeJSON(w, http.StatusOK, h.engine.SelectOptimalContext(r.Context(), chi.URLParam(r, "id"), c))
}

func (h *Handler) getStrategy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Strategy(chi.URLParam(r, "id")))
}

func (h *Handler) adaptStrategy(w http.ResponseWriter, r *http.Request) {
	var s engine.Strategy
	if !decode(w, r, &s) {
		return
	}
	writeJSON(w, http.StatusOK, h.engine.AdaptStrategy(chi.URLParam(r, "id"), s))
}

func (h *Handler) recordEffectiveness(w http.ResponseWriter, r *http.Request) {
	var e perf.Effectiveness
	if !decode(w, r, &e) {
		return
	}
	h.engine.RecordEffectiveness(chi.URLParam(r, "id"), e)
	writeJSON(w, http.StatusCreated, map[string]string{"status": "recorded"})
}

func (h *Handler) effectivenessAnalytics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.GetEffectivenessAnalytics(chi.URLParam(r, "id")))
}

func (h *Handler) archived(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	layers, err := h.engine.Archived(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		h.logger.Warn("archive recall failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if layers == nil {
		layers = []layer.Layer{}
	}
	writeJSON(w, http.StatusOK, layers)
}

func (h *Handler) getSnapshot(w http.ResponseWriter, r *http.Request) {
	s, err := h.engine.Snapshot(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) saveSnapshot(w http.ResponseWriter, r *http.Request) {
	var s snapshot.Snapshot
	if !decode(w, r, &s) {
		return
	}
	id := chi.URLParam(r, "id")
	s.CampaignID = id
	if err := h.engine.SaveSnapshot(r.Context(), id, s); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, engine.ErrSnapshotReadOnly) {
			status = http.StatusNotImplemented
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) sweepCache(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"removed": h.engine.SweepExpiredCache()})
}

func (h *Handler) cacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.GetCacheStats())
}

func (h *Handler) classify(w http.ResponseWriter, r *http.Request) {
	var t classify.Task
	if !decode(w, r, &t) {
		return
	}
	writeJSON(w, http.StatusOK, h.engine.Classify(t))
}

func (h *Handler) recordPerformance(w http.ResponseWriter, r *http.Request) {
	tier, err := provider.ParseTier(chi.URLParam(r, "tier"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var s perf.Sample
	if !decode(w, r, &s) {
		return
	}
	h.engine.RecordPerformance(tier, s)
	writeJSON(w, http.StatusCreated, map[string]string{"status": "recorded"})
}

func (h *Handler) performanceAnalytics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.GetPerformanceAnalytics())
}

// providerView is a provider as reported over HTTP, without its key.
type providerView struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (h *Handler) listProviders(w http.ResponseWriter, r *http.Request) {
	out := []providerView{}
	if h.router != nil {
		for _, p := range h.router.ListProviders() {
			out = append(out, providerView{ID: p.ID(), Name: p.Name()})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

type providerRequest struct {
	provider.ProviderConfig
	Tier  provider.Tier `json:"tier,omitempty"`
	Model string        `json:"model,omitempty"`
}

func (h *Handler) addProvider(w http.ResponseWriter, r *http.Request) {
	if h.router == nil {
		writeError(w, http.StatusServiceUnavailable, "provider router not initialized")
		return
	}
	var req providerRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Tier != "" {
		if _, err := provider.ParseTier(string(req.Tier)); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	p, err := provider.Build(req.ProviderConfig, h.logger)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.ID = p.ID()

	if h.registry != nil {
		if err := h.registry.SaveProvider(r.Context(), &store.ProviderRow{ProviderConfig: req.ProviderConfig, Tier: req.Tier}); err != nil {
			h.logger.Error("persist provider failed", zap.String("id", req.ID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	h.router.Register(p)
	if req.Tier != "" {
		model := req.Model
		if model == "" && len(req.Models) > 0 {
			model = req.Models[0]
		}
		h.router.Bind(req.Tier, provider.Binding{ProviderID: req.ID, Model: model})
	}
	writeJSON(w, http.StatusCreated, providerView{ID: p.ID(), Name: p.Name()})
}

func (h *Handler) removeProvider(w http.ResponseWriter, r *http.Request) {
	if h.router == nil {
		writeError(w, http.StatusServiceUnavailable, "provider router not initialized")
		return
	}
	id := chi.URLParam(r, "id")
	if _, ok := h.router.GetProvider(id); !ok {
		writeError(w, http.StatusNotFound, "provider not found")
		return
	}
	if h.registry != nil {
		if err := h.registry.DeleteProvider(r.Context(), id); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	h.router.Unregister(id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
