// Package reconcile recomputes what should be true right now from durable
// state plus fresh activity signals, and drives the shield there.
package reconcile

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stepgate/stepgate/internal/app/enforcement"
	"github.com/stepgate/stepgate/internal/app/ledger"
	"github.com/stepgate/stepgate/internal/app/session"
	"github.com/stepgate/stepgate/internal/domain"
	"github.com/stepgate/stepgate/internal/infra/observability"
)

// Config configures the loop cadence.
type Config struct {
	ActiveInterval time.Duration // while a session is active
	IdleInterval   time.Duration // otherwise
	Now            func() time.Time
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{ActiveInterval: time.Second, IdleInterval: 5 * time.Second, Now: time.Now}
}

// StepFeed delivers pushed step counts. activity.Hub implements it.
type StepFeed interface {
	Subscribe() (<-chan int64, func())
}

// Deps are the loop's collaborators. Feed, Publisher, Tracer and OnTick may be nil.
type Deps struct {
	Store     domain.Store
	Source    domain.ActivitySource
	Ledger    *ledger.Ledger
	Sessions  *session.Manager
	Engine    *enforcement.Engine
	Feed      StepFeed
	Publisher domain.EventPublisher
	Tracer    *observability.Tracer
	OnTick    func(ctx context.Context, res Result)
}

// Result summarizes one tick.
type Result struct {
	At          time.Time          `json:"at"`
	Steps       int64              `json:"steps"`
	Credited    int64              `json:"credited_minutes"`
	Balance     int64              `json:"balance"`
	UsedMinutes int64              `json:"used_minutes"`
	Mode        domain.Mode        `json:"mode"`
	Expired     string             `json:"expired,omitempty"`
	Shield      domain.ShieldState `json:"-"`
	Partial     bool               `json:"partial"`
}

// Loop runs reconciliation ticks. Ticks are serialized; a trigger that
// arrives while one is running coalesces into a single follow-up tick.
type Loop struct {
	d   Deps
	cfg Config

	mu      sync.Mutex
	active  atomic.Bool
	trigger chan struct{}
	done    chan struct{}
}

// New creates a loop.
func New(d Deps, cfg Config) *Loop {
	def := DefaultConfig()
	if cfg.ActiveInterval <= 0 {
		cfg.ActiveInterval = def.ActiveInterval
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = def.IdleInterval
	}
	if cfg.Now == nil {
		cfg.Now = def.Now
	}
	return &Loop{
		d:       d,
		cfg:     cfg,
		trigger: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// ─── Tick ───────────────────────────────────────────────────────────────────

// Tick runs one reconciliation pass: credit steps in earning mode, expire the
// session if due, then enforce the derived shield state. A failing signal
// makes the tick partial but never skips enforcement; when durable state is
// unreadable the derived state is Blocking.
func (l *Loop) Tick(ctx context.Context) (res Result, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	start := time.Now()
	ctx, span := l.d.Tracer.Start(ctx, "reconcile.tick")
	defer func() {
		observability.TickDuration.Observe(time.Since(start).Seconds())
		l.d.Tracer.End(span, err)
	}()

	now := l.cfg.Now()
	res = Result{At: now, Mode: domain.ModeIdle}
	var errs []error

	// 1. Mode and tier.
	cfg, cerr := l.d.Store.Snapshot(ctx, domain.KeyEarningMode, domain.KeyDifficultyTier)
	if cerr != nil {
		l.fail(&errs, "state", cerr)
		res.Partial = true
	} else {
		res.Mode = domain.ModeFromValue(cfg[domain.KeyEarningMode])
	}

	// 2. Steps and credit.
	steps, serr := l.d.Source.StepsToday(ctx)
	switch {
	case serr != nil:
		l.fail(&errs, "signal_steps", serr)
		res.Partial = true
	default:
		res.Steps = steps
		if res.Mode == domain.ModeEarning {
			credit, lerr := l.d.Ledger.CreditFromSteps(ctx, steps, domain.TierFromValue(cfg[domain.KeyDifficultyTier]))
			if lerr != nil {
				l.fail(&errs, "credit", lerr)
			} else {
				res.Credited = credit.Minutes
				res.Balance = credit.Balance
				if credit.Minutes > 0 {
					l.publish(ctx, domain.Event{
						Type:       domain.EventWalletCredited,
						OccurredAt: now,
						Minutes:    credit.Minutes,
						Balance:    credit.Balance,
						Attrs:      map[string]any{"increments": credit.Increments, "cursor": credit.NewCursor},
					})
				}
			}
		}
	}

	// 3. Usage, falling back to the last persisted report.
	used, uerr := l.d.Source.UsedMinutesToday(ctx)
	if uerr != nil {
		l.fail(&errs, "signal_usage", uerr)
		res.Partial = true
		if v, _, gerr := l.d.Store.Get(ctx, domain.KeyUsedMinutes); gerr == nil {
			used = domain.ParseInt(v)
		}
	}
	res.UsedMinutes = used

	// 4. Session expiry.
	rec, rerr := l.d.Sessions.Reconcile(ctx, now, used)
	if rerr != nil {
		l.fail(&errs, "session", rerr)
	}
	if rec.Expired {
		res.Expired = rec.Reason
	}

	// 5. Enforcement. A failed session read leaves rec.Session nil, which blocks.
	desired := enforcement.Desired(res.Mode, rec.Session, now, used)
	state, eerr := l.d.Engine.Enforce(ctx, desired, rec.Session)
	if eerr != nil {
		l.fail(&errs, "enforce", eerr)
	}
	res.Shield = state
	l.active.Store(rec.Session != nil && !rec.Expired)

	if res.Credited == 0 {
		if b, berr := l.d.Ledger.Balance(ctx); berr == nil {
			res.Balance = b
		}
	}

	// 6. Heartbeat.
	herr := l.d.Store.Update(ctx, nil, func(map[string]string) (domain.Mutation, error) {
		return domain.Mutation{Set: map[string]string{domain.KeyReconcileHeartbeat: domain.FormatTime(now)}}, nil
	})
	if herr != nil {
		l.fail(&errs, "heartbeat", herr)
	}

	span.SetAttr("mode", string(res.Mode))
	span.SetAttr("shield", state.String())
	if l.d.OnTick != nil {
		l.d.OnTick(ctx, res)
	}
	log.Debug().
		Int64("steps", res.Steps).
		Int64("credited", res.Credited).
		Int64("used_minutes", used).
		Str("shield", state.String()).
		Bool("partial", res.Partial).
		Msg("Reconciled")
	return res, errors.Join(errs...)
}

func (l *Loop) fail(errs *[]error, stage string, err error) {
	observability.Errors.WithLabelValues(stage).Inc()
	log.Warn().Err(err).Str("stage", stage).Msg("Reconcile stage failed")
	*errs = append(*errs, err)
}

func (l *Loop) publish(ctx context.Context, e domain.Event) {
	if l.d.Publisher == nil {
		return
	}
	if err := l.d.Publisher.Publish(ctx, e); err != nil {
		log.Warn().Err(err).Str("type", e.Type).Msg("Event publish failed")
	}
}

// ─── Run ────────────────────────────────────────────────────────────────────

// Trigger requests a tick as soon as the loop is free. Repeated triggers
// before the tick runs collapse into one.
func (l *Loop) Trigger() {
	select {
	case l.trigger <- struct{}{}:
	default:
	}
}

// Interval returns the current timer period.
func (l *Loop) Interval() time.Duration {
	if l.active.Load() {
		return l.cfg.ActiveInterval
	}
	return l.cfg.IdleInterval
}

// Start runs the loop until ctx is cancelled. It ticks once immediately, then
// on the timer, on every pushed step count and on Trigger. It should be
// called in a goroutine.
func (l *Loop) Start(ctx context.Context) {
	defer close(l.done)

	var steps <-chan int64
	if l.d.Feed != nil {
		ch, unsub := l.d.Feed.Subscribe()
		defer unsub()
		steps = ch
	}

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Reconciliation loop stopped")
			return
		case <-timer.C:
		case _, ok := <-steps:
			if !ok {
				steps = nil
				continue
			}
		case <-l.trigger:
		}

		if _, err := l.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Debug().Err(err).Msg("Tick incomplete, retrying next tick")
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(l.Interval())
	}
}

// Wait blocks until Start returns.
func (l *Loop) Wait() {
	<-l.done
}
