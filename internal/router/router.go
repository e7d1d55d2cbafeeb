package router

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/connexus-ai/atlas-backend/internal/handler"
	"github.com/connexus-ai/atlas-backend/internal/middleware"
)

// Dependencies holds all injected services needed by the router.
type Dependencies struct {
	Environment string
	FrontendURL string
	Version     string

	Metrics    *middleware.Metrics
	MetricsReg *prometheus.Registry

	DB handler.Pinger

	ChatDeps     handler.ChatDeps
	ResponseDeps handler.ResponseDeps
	Sessions     http.HandlerFunc
	Telemetry    http.HandlerFunc

	// Rate limiters (nil = no rate limiting)
	GeneralRateLimiter *middleware.RateLimiter
	ChatRateLimiter    *middleware.RateLimiter
}

// New creates and configures the Chi router with all routes.
func New(deps *Dependencies) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.Logging)
	r.Use(middleware.CORS(deps.FrontendURL))
	if deps.Metrics != nil {
		r.Use(middleware.Monitoring(deps.Metrics))
	}

	// Public routes (no auth)
	r.Get("/api/health", handler.Health(deps.DB, deps.Version))
	if deps.MetricsReg != nil {
		r.Handle("/metrics", middleware.MetricsHandler(deps.MetricsReg))
	}

	r.Group(func(r chi.Router) {
		if deps.GeneralRateLimiter != nil {
			r.Use(middleware.RateLimit(deps.GeneralRateLimiter))
		}

		// Non-SSE routes get a write timeout to prevent slow-read
		// attacks. The SSE chat stream is registered without it.
		timeout30s := middleware.Timeout(30 * time.Second)

		// Chat — sync has the timeout; stream must not.
		if deps.ChatRateLimiter != nil {
			r.With(timeout30s, middleware.RateLimit(deps.ChatRateLimiter)).
				Post("/chat", handler.Chat(deps.ChatDeps))
			r.With(middleware.RateLimit(deps.ChatRateLimiter)).
				Post("/chat/stream", handler.ChatStream(deps.ChatDeps))
		} else {
			r.With(timeout30s).Post("/chat", handler.Chat(deps.ChatDeps))
			r.Post("/chat/stream", handler.ChatStream(deps.ChatDeps))
		}

		// Sessions
		r.With(timeout30s).Get("/sessions/{id}", deps.Sessions)

		// Stored-response pass-throughs
		r.With(timeout30s).Get("/responses/{id}", handler.GetResponse(deps.ResponseDeps))
		r.With(timeout30s).Delete("/responses/{id}", handler.DeleteResponse(deps.ResponseDeps))
		r.With(timeout30s).Get("/responses/{id}/input_items", handler.ListInputItems(deps.ResponseDeps))

		// Admin telemetry — development only
		if deps.Environment == "development" && deps.Telemetry != nil {
			r.With(timeout30s).Get("/admin/telemetry", deps.Telemetry)
		}
	})

	// 404 fallback
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": false,
			"error":   "route not found",
		})
	})

	return r
}
