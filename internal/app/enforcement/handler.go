package enforcement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stepgate/stepgate/internal/domain"
	"github.com/stepgate/stepgate/internal/infra/observability"
)

// Event is a watchdog callback raised by the platform monitor.
type Event string

const (
	// EventTimeLimit fires when usage of the targets reaches the armed threshold.
	EventTimeLimit Event = "time_limit"
	// EventUsageStarted fires on the first second of target usage. Diagnostic only.
	EventUsageStarted Event = "usage_started"
)

// ParseEvent accepts "time_limit", "usage_started" and their dashed forms.
func ParseEvent(s string) (Event, error) {
	switch Event(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")) {
	case EventTimeLimit:
		return EventTimeLimit, nil
	case EventUsageStarted:
		return EventUsageStarted, nil
	}
	return "", fmt.Errorf("%w: %q", domain.ErrInvalidEvent, s)
}

// HandlerConfig configures the watchdog handler.
type HandlerConfig struct {
	Now       func() time.Time
	Publisher domain.EventPublisher // optional
}

// Handler is the watchdog's entry point. Each Fire runs to completion on its
// own, reading and writing only the shared store, so it can run in a fresh
// process while the daemon is suspended or gone.
type Handler struct {
	store     domain.Store
	shield    domain.Shield
	scheduler domain.WatchdogScheduler
	now       func() time.Time
	publisher domain.EventPublisher
}

// NewHandler creates a watchdog handler.
func NewHandler(store domain.Store, shield domain.Shield, scheduler domain.WatchdogScheduler, cfg HandlerConfig) *Handler {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Handler{store: store, shield: shield, scheduler: scheduler, now: cfg.Now, publisher: cfg.Publisher}
}

// FireResult reports what a fire did.
type FireResult struct {
	Event          Event  `json:"event"`
	SessionCleared string `json:"session_cleared,omitempty"`
	Blocked        bool   `json:"blocked"`
}

// Fire handles one watchdog event.
//
// time_limit blocks the targets, clears the session record and disarms the
// watchdog. The session clear and the disarm happen even if blocking fails;
// the daemon's next reconciliation retries the shield.
func (h *Handler) Fire(ctx context.Context, ev Event) (FireResult, error) {
	now := h.now()
	observability.WatchdogFires.WithLabelValues(string(ev)).Inc()

	switch ev {
	case EventUsageStarted:
		err := h.store.Update(ctx, nil, func(map[string]string) (domain.Mutation, error) {
			return domain.Mutation{Set: h.diagnostics(ev, now, domain.KeyUsageStartedAt)}, nil
		})
		if err != nil {
			return FireResult{Event: ev}, err
		}
		log.Info().Str("event", string(ev)).Msg("Watchdog recorded usage start")
		return FireResult{Event: ev}, nil

	case EventTimeLimit:
		return h.timeLimit(ctx, now)
	}
	return FireResult{}, fmt.Errorf("%w: %q", domain.ErrInvalidEvent, ev)
}

func (h *Handler) timeLimit(ctx context.Context, now time.Time) (FireResult, error) {
	res := FireResult{Event: EventTimeLimit}

	raw, _, err := h.store.Get(ctx, domain.KeyTargets)
	if err != nil {
		return res, err
	}
	// The session is cleared before the shield goes up so that a concurrent
	// unlock re-checking the session after unblocking sees it gone.
	var errs []error
	var balance int64
	err = h.store.Update(ctx, append([]string{domain.KeyWalletBalance}, domain.SessionKeys...), func(cur map[string]string) (domain.Mutation, error) {
		res.SessionCleared = cur[domain.KeySessionID]
		balance = domain.ParseInt(cur[domain.KeyWalletBalance])
		return domain.Mutation{
			Delete: domain.SessionKeys,
			Set:    h.diagnostics(EventTimeLimit, now, domain.KeyUsageBlockedAt),
		}, nil
	})
	if err != nil {
		res.SessionCleared = ""
		errs = append(errs, err)
	}

	if err := h.shield.Apply(ctx, domain.DecodeTargets(raw), true); err != nil {
		observability.Errors.WithLabelValues("watchdog_shield").Inc()
		errs = append(errs, fmt.Errorf("%w: %v", domain.ErrEnforcementUnavailable, err))
	} else {
		res.Blocked = true
	}
	if err := h.scheduler.Disarm(ctx); err != nil {
		errs = append(errs, fmt.Errorf("%w: %v", domain.ErrEnforcementUnavailable, err))
	}

	if res.SessionCleared != "" {
		observability.SessionsEnded.WithLabelValues("watchdog").Inc()
		h.publish(ctx, domain.Event{
			Type:       domain.EventSessionEnded,
			OccurredAt: now,
			SessionID:  res.SessionCleared,
			Balance:    balance,
			Attrs:      map[string]any{"reason": "watchdog"},
		})
	}
	log.Info().
		Str("session_id", res.SessionCleared).
		Bool("blocked", res.Blocked).
		Msg("Watchdog time limit reached")
	return res, errors.Join(errs...)
}

// diagnostics builds the heartbeat writes common to every fire plus stampKey.
func (h *Handler) diagnostics(ev Event, now time.Time, stampKey string) map[string]string {
	ts := domain.FormatTime(now)
	return map[string]string{
		stampKey:                      ts,
		domain.KeyWatchdogLastEvent:   string(ev),
		domain.KeyWatchdogLastFiredAt: ts,
		domain.KeyLastExtensionRun:    ts,
	}
}

func (h *Handler) publish(ctx context.Context, e domain.Event) {
	if h.publisher == nil {
		return
	}
	if err := h.publisher.Publish(ctx, e); err != nil {
		log.Warn().Err(err).Str("type", e.Type).Msg("Event publish failed")
	}
}
