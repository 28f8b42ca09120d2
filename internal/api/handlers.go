package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/stepgate/stepgate/internal/domain"
)

// ─── State ──────────────────────────────────────────────────────────────────
//
// GET  /api/state                         UI read model
// POST /api/unlock                        buy unlock minutes
// POST /api/session/end                   end the session early
// PUT  /api/tier                          change difficulty
// POST /api/earning/start|stop            toggle earning mode
// PUT  /api/targets                       replace block targets
// POST /api/activity/steps|usage          platform bridge reports
// GET  /api/ledger                        wallet journal
// GET  /api/notifications/due             notifications to show now
// POST /api/notifications/{id}/delivered  acknowledge a notification
// GET  /api/diagnostics                   watchdog and heartbeat view
// POST /api/reset                         zero the wallet

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	snap, err := s.control.Snapshot(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// ─── Session ────────────────────────────────────────────────────────────────

type unlockRequest struct {
	Minutes int64 `json:"minutes"`
}

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	var req unlockRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.control.PurchaseUnlock(r.Context(), req.Minutes)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	s.broadcast(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"balance":           res.Balance,
		"end_time":          res.Session.EndTime,
		"session_id":        res.Session.ID,
		"threshold_minutes": res.Session.UsageThresholdMinutes,
		"pending":           res.Pending,
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	res, err := s.control.EndSessionEarly(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	s.broadcast(r.Context())
	writeJSON(w, http.StatusOK, res)
}

// ─── Configuration ──────────────────────────────────────────────────────────

type tierRequest struct {
	Tier string `json:"tier"`
}

func (s *Server) handleSetTier(w http.ResponseWriter, r *http.Request) {
	var req tierRequest
	if !decodeBody(w, r, &req) {
		return
	}
	tier, err := s.control.SetTier(r.Context(), req.Tier)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	s.broadcast(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tier":                   tier,
		"minutes_per_1000_steps": tier.MinutesPer1000Steps(),
	})
}

func (s *Server) handleStartEarning(w http.ResponseWriter, r *http.Request) {
	if _, err := s.control.StartEarning(r.Context()); err != nil {
		writeDomainError(w, r, err)
		return
	}
	s.handleState(w, r)
	s.broadcast(r.Context())
}

func (s *Server) handleStopEarning(w http.ResponseWriter, r *http.Request) {
	if _, err := s.control.StopEarning(r.Context()); err != nil {
		writeDomainError(w, r, err)
		return
	}
	s.handleState(w, r)
	s.broadcast(r.Context())
}

func (s *Server) handleSetTargets(w http.ResponseWriter, r *http.Request) {
	var sel domain.TargetSelection
	if !decodeBody(w, r, &sel) {
		return
	}
	n, err := s.control.EditTargets(r.Context(), sel)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	s.broadcast(r.Context())
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.control.Reset(r.Context()); err != nil {
		writeDomainError(w, r, err)
		return
	}
	s.handleState(w, r)
	s.broadcast(r.Context())
}

// ─── Platform Bridge ────────────────────────────────────────────────────────

type stepsRequest struct {
	Steps int64 `json:"steps"`
}

func (s *Server) handleReportSteps(w http.ResponseWriter, r *http.Request) {
	var req stepsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	stored, err := s.steps.ReportSteps(r.Context(), req.Steps)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int64{"steps": stored})
}

type usageRequest struct {
	UsedMinutes int64 `json:"used_minutes"`
}

func (s *Server) handleReportUsage(w http.ResponseWriter, r *http.Request) {
	var req usageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	rep, err := s.usage.ReportUsage(r.Context(), req.UsedMinutes)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if len(rep.Fired) > 0 {
		s.broadcast(r.Context())
	}
	if rep.Fired == nil {
		rep.Fired = []string{}
	}
	writeJSON(w, http.StatusOK, rep)
}

// ─── Journal & Notifications ────────────────────────────────────────────────

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	entries, err := s.control.Journal(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if entries == nil {
		entries = []domain.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

func (s *Server) handleDueNotifications(w http.ResponseWriter, r *http.Request) {
	due, err := s.notes.Due(r.Context(), s.now())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if due == nil {
		due = []domain.Notification{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"notifications": due,
		"count":         len(due),
	})
}

func (s *Server) handleNotificationDelivered(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_id", "notification id must be a positive integer")
		return
	}
	ok, err := s.notes.MarkDelivered(r.Context(), id, s.now())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "notification not found or already delivered")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ─── Diagnostics ────────────────────────────────────────────────────────────

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	d, err := s.control.Diagnostics(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleSpans(w http.ResponseWriter, r *http.Request) {
	spans := s.tracer.Spans(queryInt(r, "limit", 100))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"spans": spans,
		"count": len(spans),
		"total": s.tracer.SpanCount(),
	})
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// decodeBody decodes a JSON request body, writing a 400 on failure and a 413
// when the body exceeds maxBodyBytes.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body exceeds 1 MiB")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// queryInt reads a positive integer query parameter.
func queryInt(r *http.Request, name string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || v <= 0 {
		return def
	}
	return v
}
