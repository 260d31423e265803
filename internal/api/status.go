// Package api exposes the operational HTTP endpoints of the bridge.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/chatcourier/chatcourier/internal/store"
)

const statusCheckTimeout = 5 * time.Second

// ActivityReporter reports orchestration activity for the status endpoint.
type ActivityReporter interface {
	ActiveThreads() int
}

// StatusHandler handles the status/health endpoints.
type StatusHandler struct {
	repo      store.Repository
	scheduler ActivityReporter
}

// NewStatusHandler creates a status handler. scheduler may be nil.
func NewStatusHandler(repo store.Repository, scheduler ActivityReporter) *StatusHandler {
	return &StatusHandler{repo: repo, scheduler: scheduler}
}

// Status reports the health of the bridge and its dependencies plus the
// number of threads with a turn in flight.
func (h *StatusHandler) Status(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), statusCheckTimeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := "healthy"
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Status check failed", "error", err)
		checks["database"] = "unreachable"
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	body := map[string]any{
		"status": status,
		"checks": checks,
	}
	if h.scheduler != nil {
		body["active_threads"] = h.scheduler.ActiveThreads()
	}

	JSON(w, statusCode, body)
}

// RegisterRoutes registers the status route.
func (h *StatusHandler) RegisterRoutes(r chi.Router) {
	r.Get("/status", h.Status)
}

// JSON writes v as a JSON response with the given status code.
func JSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode JSON response", "error", err)
	}
}
