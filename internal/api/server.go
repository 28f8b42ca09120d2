// Package api provides the HTTP server for StepGate.
// It serves the UI, the home-screen widget feed and the platform bridge that
// reports steps and usage.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/stepgate/stepgate/internal/app/control"
	"github.com/stepgate/stepgate/internal/domain"
	"github.com/stepgate/stepgate/internal/infra/monitor"
	"github.com/stepgate/stepgate/internal/infra/observability"
)

// StepReporter records step counts pushed by the platform bridge.
type StepReporter interface {
	ReportSteps(ctx context.Context, steps int64) (int64, error)
}

// UsageReporter records measured target usage and fires the watchdog.
type UsageReporter interface {
	ReportUsage(ctx context.Context, usedMinutes int64) (monitor.Report, error)
}

// NotificationQueue is the platform-facing side of the notification store.
type NotificationQueue interface {
	Due(ctx context.Context, now time.Time) ([]domain.Notification, error)
	MarkDelivered(ctx context.Context, id int64, at time.Time) (bool, error)
}

// Server is the StepGate HTTP API server.
type Server struct {
	control        *control.Service
	steps          StepReporter
	usage          UsageReporter
	notes          NotificationQueue
	tracer         *observability.Tracer // nil disables /api/debug/spans
	hub            *StateHub             // nil disables /api/state/live
	metricsEnabled bool
	now            func() time.Time
}

// NewServer creates a new API server.
func NewServer(svc *control.Service, steps StepReporter, usage UsageReporter, notes NotificationQueue) *Server {
	return &Server{control: svc, steps: steps, usage: usage, notes: notes, now: time.Now}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetTracer exposes recent spans at /api/debug/spans.
func (s *Server) SetTracer(t *observability.Tracer) { s.tracer = t }

// SetStateHub sets the live state SSE hub.
func (s *Server) SetStateHub(h *StateHub) { s.hub = h }

// StateHub returns the live state hub (for broadcasting snapshots).
func (s *Server) StateHub() *StateHub { return s.hub }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "ok",
		})
	})

	r.Route("/api", func(r chi.Router) {
		// Requests other than the live feed are short.
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.Get("/state", s.handleState)
			r.Post("/unlock", s.handleUnlock)
			r.Post("/session/end", s.handleEndSession)
			r.Put("/tier", s.handleSetTier)
			r.Post("/earning/start", s.handleStartEarning)
			r.Post("/earning/stop", s.handleStopEarning)
			r.Put("/targets", s.handleSetTargets)
			r.Post("/activity/steps", s.handleReportSteps)
			r.Post("/activity/usage", s.handleReportUsage)
			r.Get("/ledger", s.handleLedger)
			r.Get("/notifications/due", s.handleDueNotifications)
			r.Post("/notifications/{id}/delivered", s.handleNotificationDelivered)
			r.Get("/diagnostics", s.handleDiagnostics)
			r.Post("/reset", s.handleReset)

			if s.tracer != nil {
				r.Get("/debug/spans", s.handleSpans)
			}
		})

		if s.hub != nil {
			r.Get("/state/live", s.hub.HandleStateSSE)
		}
	})

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

// broadcast pushes a fresh snapshot to live feed clients.
func (s *Server) broadcast(ctx context.Context) {
	if s.hub == nil || s.hub.ClientCount() == 0 {
		return
	}
	snap, err := s.control.Snapshot(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("Snapshot for live feed failed")
		return
	}
	s.hub.Broadcast(snap)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": msg,
			"code":    code,
		},
	})
}

// errorStatus maps a domain error to its HTTP status and stable code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInsufficientBalance):
		return http.StatusConflict, "insufficient_balance"
	case errors.Is(err, domain.ErrNoActiveSession):
		return http.StatusConflict, "no_active_session"
	case errors.Is(err, domain.ErrSessionActive):
		return http.StatusConflict, "session_active"
	case errors.Is(err, domain.ErrInvalidTier):
		return http.StatusBadRequest, "invalid_tier"
	case errors.Is(err, domain.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, domain.ErrInvalidEvent):
		return http.StatusBadRequest, "invalid_event"
	case errors.Is(err, domain.ErrSignalUnavailable):
		return http.StatusServiceUnavailable, "signal_unavailable"
	case errors.Is(err, domain.ErrEnforcementUnavailable):
		return http.StatusServiceUnavailable, "enforcement_unavailable"
	case errors.Is(err, domain.ErrPersistenceUnavailable), errors.Is(err, domain.ErrConflict):
		return http.StatusServiceUnavailable, "persistence_unavailable"
	}
	return http.StatusInternalServerError, "internal"
}

// writeDomainError writes err with its mapped status. Server errors are logged.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", r.URL.Path).Str("code", code).Msg("Request failed")
	}
	writeError(w, status, code, err.Error())
}

// corsMiddleware adds CORS headers for the local UI.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
