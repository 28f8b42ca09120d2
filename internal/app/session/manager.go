// Package session owns the single unlock session: purchase, early end and
// expiry. The session record is persisted in the same store update as the
// wallet change that pays for or refunds it.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/stepgate/stepgate/internal/app/ledger"
	"github.com/stepgate/stepgate/internal/domain"
	"github.com/stepgate/stepgate/internal/infra/observability"
)

// Enforcer is the part of the enforcement engine the session manager drives.
type Enforcer interface {
	Unlock(ctx context.Context, s *domain.Session) error
	Lock(ctx context.Context) error
}

// Config configures the session manager.
type Config struct {
	Now         func() time.Time
	WarningLead time.Duration // how long before the end the warning fires
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{Now: time.Now, WarningLead: 2 * time.Minute}
}

// Deps are the manager's collaborators. Publisher and Tracer may be nil.
type Deps struct {
	Store     domain.Store
	Ledger    *ledger.Ledger
	Engine    Enforcer
	Source    domain.ActivitySource
	Notifier  domain.Notifier
	Publisher domain.EventPublisher
	Tracer    *observability.Tracer
}

// Manager serializes session transitions within the process. Transitions made
// by the watchdog handler in another process are seen through the store.
type Manager struct {
	mu  sync.Mutex
	d   Deps
	cfg Config
}

// New creates a session manager.
func New(d Deps, cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.Now == nil {
		cfg.Now = def.Now
	}
	if cfg.WarningLead <= 0 {
		cfg.WarningLead = def.WarningLead
	}
	return &Manager{d: d, cfg: cfg}
}

// Current loads the persisted session, or nil when none is active.
func (m *Manager) Current(ctx context.Context) (*domain.Session, error) {
	v, err := m.d.Store.Snapshot(ctx, domain.SessionKeys...)
	if err != nil {
		return nil, err
	}
	return domain.SessionFromValues(v), nil
}

// ─── Open ───────────────────────────────────────────────────────────────────

// OpenResult is the outcome of a purchase.
type OpenResult struct {
	Balance  int64          `json:"balance"`
	Session  domain.Session `json:"session"`
	Replaced string         `json:"replaced_session_id,omitempty"`
	// Pending is set when the debit committed but unblocking could not be
	// confirmed; targets stay blocked until reconciliation arms the watchdog.
	Pending bool `json:"pending"`
}

// Open buys a session of minutes. The debit and the session record commit
// together; an open session is replaced. In earning mode the watchdog is armed
// at usedMinutesToday + minutes before the shield lifts; otherwise the shield
// stays up and reconciliation unlocks once earning starts.
func (m *Manager) Open(ctx context.Context, minutes int64) (res OpenResult, err error) {
	if minutes <= 0 {
		return OpenResult{}, domain.ErrInvalidAmount
	}
	ctx, span := m.d.Tracer.Start(ctx, "session.open")
	defer func() { m.d.Tracer.End(span, err) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	used := m.usedMinutes(ctx)
	now := m.cfg.Now()
	s := domain.Session{
		ID:                    uuid.NewString(),
		StartedAt:             now,
		EndTime:               now.Add(time.Duration(minutes) * time.Minute),
		DurationMinutes:       minutes,
		UsageThresholdMinutes: domain.UsageThreshold(used, minutes),
		UsedMinutesAtPurchase: used,
	}

	var replaced string
	var mode domain.Mode
	balance, err := m.d.Ledger.Debit(ctx, minutes, s.ID, &ledger.Attachment{
		Keys: []string{domain.KeySessionID, domain.KeyEarningMode},
		Apply: func(cur map[string]string) (domain.Mutation, error) {
			replaced = cur[domain.KeySessionID]
			mode = domain.ModeFromValue(cur[domain.KeyEarningMode])
			return domain.Mutation{Delete: domain.SessionKeys, Set: s.Values()}, nil
		},
	})
	if err != nil {
		return OpenResult{}, err
	}
	res = OpenResult{Balance: balance, Session: s, Replaced: replaced}
	span.SetAttr("session_id", s.ID)

	if mode == domain.ModeEarning {
		if uerr := m.d.Engine.Unlock(ctx, &s); uerr != nil {
			res.Pending = true
			log.Warn().Err(uerr).Str("session_id", s.ID).Msg("Unlock not confirmed, staying blocked until next reconciliation")
		}
	}

	m.cancelNotifications(ctx)
	m.scheduleNotifications(ctx, s, now)

	observability.SessionsOpened.Inc()
	if replaced != "" {
		observability.SessionsEnded.WithLabelValues("replaced").Inc()
	}
	m.publish(ctx, domain.Event{
		Type:       domain.EventSessionOpened,
		OccurredAt: now,
		SessionID:  s.ID,
		Minutes:    minutes,
		Balance:    balance,
		Attrs: map[string]any{
			"end_time":          s.EndTime,
			"threshold_minutes": s.UsageThresholdMinutes,
		},
	})
	log.Info().
		Str("session_id", s.ID).
		Int64("minutes", minutes).
		Int64("threshold_minutes", s.UsageThresholdMinutes).
		Int64("balance", balance).
		Str("mode", string(mode)).
		Time("end_time", s.EndTime).
		Msg("Unlock session opened")
	return res, nil
}

// ─── End Early ──────────────────────────────────────────────────────────────

// EndResult is the outcome of ending a session early.
type EndResult struct {
	SessionID       string `json:"session_id"`
	RefundedMinutes int64  `json:"refunded_minutes"`
	Balance         int64  `json:"balance"`
	Blocked         bool   `json:"blocked"`
}

// EndEarly ends the active session, refunding whole remaining minutes when
// more than one minute is left. A second call returns ErrNoActiveSession.
func (m *Manager) EndEarly(ctx context.Context) (res EndResult, err error) {
	ctx, span := m.d.Tracer.Start(ctx, "session.end_early")
	defer func() { m.d.Tracer.End(span, err) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.Current(ctx)
	if err != nil {
		return EndResult{}, err
	}
	if s == nil {
		return EndResult{}, domain.ErrNoActiveSession
	}

	now := m.cfg.Now()
	refund := domain.RefundMinutes(s.Remaining(now))
	balance, err := m.d.Ledger.Refund(ctx, refund, s.ID, clearIf(s.ID))
	if err != nil {
		return EndResult{}, err
	}
	res = EndResult{SessionID: s.ID, RefundedMinutes: refund, Balance: balance, Blocked: true}

	if lerr := m.d.Engine.Lock(ctx); lerr != nil {
		res.Blocked = false
		log.Warn().Err(lerr).Str("session_id", s.ID).Msg("Re-block failed, reconciliation will retry")
	}

	m.cancelNotifications(ctx)
	m.deliver(ctx, domain.Notification{
		Kind:  domain.NotifyCancelledEarly,
		Title: "Session ended early",
		Body:  fmt.Sprintf("Your apps are locked again. %d minutes went back to your wallet.", refund),
		DueAt: now,
	})

	observability.SessionsEnded.WithLabelValues("early").Inc()
	m.publish(ctx, domain.Event{
		Type:       domain.EventSessionEnded,
		OccurredAt: now,
		SessionID:  s.ID,
		Balance:    balance,
		Attrs:      map[string]any{"reason": "early"},
	})
	if refund > 0 {
		m.publish(ctx, domain.Event{
			Type:       domain.EventWalletRefunded,
			OccurredAt: now,
			SessionID:  s.ID,
			Minutes:    refund,
			Balance:    balance,
		})
	}
	log.Info().
		Str("session_id", s.ID).
		Int64("refunded_minutes", refund).
		Int64("balance", balance).
		Msg("Unlock session ended early")
	return res, nil
}

// ─── Reconcile ──────────────────────────────────────────────────────────────

// ReconcileResult reports what a reconcile found.
type ReconcileResult struct {
	Session *domain.Session `json:"session"`
	Expired bool            `json:"expired"`
	Reason  string          `json:"reason,omitempty"`
}

// Reconcile expires the active session once now reaches its end time or used
// reaches its usage threshold. It is the safety net for a watchdog that never
// fired; it never refunds.
func (m *Manager) Reconcile(ctx context.Context, now time.Time, used int64) (ReconcileResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.Current(ctx)
	if err != nil {
		return ReconcileResult{}, err
	}
	if s == nil || !s.Expired(now, used) {
		return ReconcileResult{Session: s}, nil
	}

	reason := "expired"
	if now.Before(s.EndTime) {
		reason = "usage_threshold"
	}

	cleared := false
	err = m.d.Store.Update(ctx, []string{domain.KeySessionID}, func(cur map[string]string) (domain.Mutation, error) {
		if cur[domain.KeySessionID] != s.ID {
			return domain.Mutation{}, nil
		}
		cleared = true
		return domain.Mutation{Delete: domain.SessionKeys}, nil
	})
	if err != nil {
		return ReconcileResult{Session: s}, err
	}
	res := ReconcileResult{Expired: true, Reason: reason}

	lockErr := m.d.Engine.Lock(ctx)

	if reason == "usage_threshold" {
		// The scheduled times-up notice is still in the future.
		m.cancelNotifications(ctx)
		m.deliver(ctx, m.timesUp(now))
	}

	if cleared {
		observability.SessionsEnded.WithLabelValues("expired").Inc()
		m.publish(ctx, domain.Event{
			Type:       domain.EventSessionEnded,
			OccurredAt: now,
			SessionID:  s.ID,
			Attrs:      map[string]any{"reason": reason},
		})
		log.Info().Str("session_id", s.ID).Str("reason", reason).Int64("used_minutes", used).Msg("Unlock session expired")
	}
	return res, lockErr
}

// ClearAttachment deletes the session record inside a ledger update.
func ClearAttachment() *ledger.Attachment {
	return &ledger.Attachment{
		Apply: func(map[string]string) (domain.Mutation, error) {
			return domain.Mutation{Delete: domain.SessionKeys}, nil
		},
	}
}

// clearIf deletes the session record only if id is still the active session.
func clearIf(id string) *ledger.Attachment {
	return &ledger.Attachment{
		Keys: []string{domain.KeySessionID},
		Apply: func(cur map[string]string) (domain.Mutation, error) {
			if cur[domain.KeySessionID] != id {
				return domain.Mutation{}, domain.ErrNoActiveSession
			}
			return domain.Mutation{Delete: domain.SessionKeys}, nil
		},
	}
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// usedMinutes reads usage from the signal source, falling back to the last
// persisted report when the source is unavailable.
func (m *Manager) usedMinutes(ctx context.Context) int64 {
	used, err := m.d.Source.UsedMinutesToday(ctx)
	if err == nil {
		return used
	}
	log.Warn().Err(err).Msg("Usage signal unavailable, using last persisted value")
	v, _, gerr := m.d.Store.Get(ctx, domain.KeyUsedMinutes)
	if gerr != nil {
		return 0
	}
	return domain.ParseInt(v)
}

func (m *Manager) scheduleNotifications(ctx context.Context, s domain.Session, now time.Time) {
	if m.d.Notifier == nil {
		return
	}
	list := []domain.Notification{{
		Kind:  domain.NotifySessionStarted,
		Title: "Apps unlocked",
		Body:  fmt.Sprintf("You have %d minutes. Every step earns more.", s.DurationMinutes),
		DueAt: now,
	}}
	if warnAt := s.EndTime.Add(-m.cfg.WarningLead); warnAt.After(now) {
		list = append(list, domain.Notification{
			Kind:  domain.NotifyTwoMinuteWarning,
			Title: "Two minutes left",
			Body:  "Your unlock session is about to end.",
			DueAt: warnAt,
		})
	}
	list = append(list, m.timesUp(s.EndTime))

	for _, n := range list {
		if err := m.d.Notifier.Schedule(ctx, n); err != nil {
			log.Warn().Err(err).Str("kind", string(n.Kind)).Msg("Notification schedule failed")
		}
	}
}

func (m *Manager) timesUp(at time.Time) domain.Notification {
	return domain.Notification{
		Kind:  domain.NotifyTimesUp,
		Title: "Time's up",
		Body:  "Your session ended and your apps are locked again.",
		DueAt: at,
	}
}

func (m *Manager) cancelNotifications(ctx context.Context) {
	if m.d.Notifier == nil {
		return
	}
	if err := m.d.Notifier.CancelPending(ctx); err != nil {
		log.Warn().Err(err).Msg("Notification cancel failed")
	}
}

func (m *Manager) deliver(ctx context.Context, n domain.Notification) {
	if m.d.Notifier == nil {
		return
	}
	if err := m.d.Notifier.Deliver(ctx, n); err != nil {
		log.Warn().Err(err).Str("kind", string(n.Kind)).Msg("Notification delivery failed")
	}
}

func (m *Manager) publish(ctx context.Context, e domain.Event) {
	if m.d.Publisher == nil {
		return
	}
	if err := m.d.Publisher.Publish(ctx, e); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn().Err(err).Str("type", e.Type).Msg("Event publish failed")
	}
}
