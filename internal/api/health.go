package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/broomva/arcan/internal/agent"
	"github.com/go-chi/chi/v5"
)

// Pinger is satisfied by the store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	db        Pinger
	processor agent.Processor
	timeout   time.Duration
}

// NewHealthHandler creates a new health handler. processor may be nil.
func NewHealthHandler(db Pinger, processor agent.Processor) *HealthHandler {
	return &HealthHandler{db: db, processor: processor, timeout: 5 * time.Second}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]interface{}{
		"status": "healthy",
		"checks": checks,
	}
	statusCode := http.StatusOK

	if err := h.db.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		checks["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	if h.processor != nil {
		status["processor"] = h.processor.Name()
		if hc, ok := h.processor.(agent.HealthChecker); ok {
			if err := hc.Health(ctx); err != nil {
				slog.Error("Agent health check failed", "error", err, "processor", h.processor.Name())
				status["status"] = "degraded"
				checks["agent"] = "unreachable"
				statusCode = http.StatusServiceUnavailable
			} else {
				checks["agent"] = "ok"
			}
		}
	}

	JSON(w, statusCode, status)
}

// Live reports that the process is up without touching dependencies.
func (h *HealthHandler) Live(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// RegisterHealth registers the health check routes.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
	r.Get("/health/ready", h.Health)
	r.Get("/health/live", h.Live)
}
