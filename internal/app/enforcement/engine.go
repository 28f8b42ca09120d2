// Package enforcement owns the shield and the usage watchdog.
//
// The Engine runs in the daemon. The Handler is the watchdog's out-of-process
// entry point: it works only from the shared store and never touches state the
// daemon holds in memory.
package enforcement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stepgate/stepgate/internal/domain"
	"github.com/stepgate/stepgate/internal/infra/observability"
)

// Desired derives the shield state from durable state. Targets are unblocked
// only in earning mode with a present, unexpired session; everything else,
// including unknown state, blocks.
func Desired(mode domain.Mode, s *domain.Session, now time.Time, usedMinutes int64) domain.ShieldState {
	if mode != domain.ModeEarning || s == nil || s.Expired(now, usedMinutes) {
		return domain.ShieldBlocking
	}
	return domain.ShieldUnblocked
}

// Engine applies shield state and arms the watchdog. It is the only component
// that talks to the platform shield and scheduler.
type Engine struct {
	store    domain.Store
	shield   domain.Shield
	watchdog domain.WatchdogScheduler

	mu      sync.Mutex
	applied *applied // last confirmed shield application
}

type applied struct {
	state   domain.ShieldState
	targets string
}

// New creates an engine.
func New(store domain.Store, shield domain.Shield, watchdog domain.WatchdogScheduler) *Engine {
	return &Engine{store: store, shield: shield, watchdog: watchdog}
}

// ─── Targets ────────────────────────────────────────────────────────────────

// Targets returns the persisted target selection.
func (e *Engine) Targets(ctx context.Context) (domain.TargetSelection, error) {
	v, _, err := e.store.Get(ctx, domain.KeyTargets)
	if err != nil {
		return domain.TargetSelection{}, err
	}
	return domain.DecodeTargets(v), nil
}

// SetTargets replaces the target selection and re-applies the current shield
// state and any armed watchdog to the new selection. It returns the new count.
func (e *Engine) SetTargets(ctx context.Context, sel domain.TargetSelection) (int, error) {
	sel = sel.Normalize()
	err := e.store.Update(ctx, nil, func(map[string]string) (domain.Mutation, error) {
		return domain.Mutation{Set: map[string]string{domain.KeyTargets: domain.EncodeTargets(sel)}}, nil
	})
	if err != nil {
		return 0, err
	}

	state, err := e.State(ctx)
	if err != nil {
		return sel.Count(), err
	}
	if err := e.ApplyShield(ctx, state); err != nil {
		return sel.Count(), err
	}
	threshold, armed, err := e.watchdog.Armed(ctx)
	if err != nil {
		return sel.Count(), unavailable(err)
	}
	if armed {
		if err := e.rearm(ctx, threshold, sel); err != nil {
			return sel.Count(), err
		}
	}
	log.Info().Int("targets", sel.Count()).Msg("Block targets updated")
	return sel.Count(), nil
}

// ─── Shield ─────────────────────────────────────────────────────────────────

// State returns the persisted shield state. Unknown state reads as blocking.
func (e *Engine) State(ctx context.Context) (domain.ShieldState, error) {
	v, _, err := e.store.Get(ctx, domain.KeyShieldState)
	if err != nil {
		return domain.ShieldBlocking, err
	}
	return domain.ParseShieldState(v), nil
}

// ApplyShield drives the shield to state over the current targets. Repeating
// the last confirmed application is a no-op, unless the persisted state shows
// another process changed it in between.
func (e *Engine) ApplyShield(ctx context.Context, state domain.ShieldState) error {
	targets, err := e.Targets(ctx)
	if err != nil {
		return err
	}
	enc := domain.EncodeTargets(targets)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.applied != nil && e.applied.state == state && e.applied.targets == enc {
		persisted, ok, err := e.store.Get(ctx, domain.KeyShieldState)
		if err == nil && (!ok || domain.ParseShieldState(persisted) == state) {
			return nil
		}
	}

	if err := e.shield.Apply(ctx, targets, state == domain.ShieldBlocking); err != nil {
		e.applied = nil
		observability.Errors.WithLabelValues("shield").Inc()
		return unavailable(err)
	}
	e.applied = &applied{state: state, targets: enc}
	observability.SetShield(state == domain.ShieldBlocking)
	return nil
}

// Invalidate forgets the last confirmed application so the next ApplyShield
// always reaches the platform.
func (e *Engine) Invalidate() {
	e.mu.Lock()
	e.applied = nil
	e.mu.Unlock()
}

// ─── Watchdog ───────────────────────────────────────────────────────────────

// ArmWatchdog arms the one-shot watchdog at an absolute daily-usage threshold,
// replacing any armed one. Re-arming the same threshold is a no-op.
func (e *Engine) ArmWatchdog(ctx context.Context, thresholdMinutes int64) error {
	cur, armed, err := e.watchdog.Armed(ctx)
	if err != nil {
		return unavailable(err)
	}
	if armed && cur == thresholdMinutes {
		return nil
	}
	targets, err := e.Targets(ctx)
	if err != nil {
		return err
	}
	return e.rearm(ctx, thresholdMinutes, targets)
}

func (e *Engine) rearm(ctx context.Context, threshold int64, targets domain.TargetSelection) error {
	if err := e.watchdog.Disarm(ctx); err != nil {
		observability.Errors.WithLabelValues("watchdog").Inc()
		return unavailable(err)
	}
	if err := e.watchdog.Arm(ctx, threshold, targets); err != nil {
		observability.Errors.WithLabelValues("watchdog").Inc()
		return unavailable(err)
	}
	log.Info().Int64("threshold_minutes", threshold).Msg("Watchdog armed")
	return nil
}

// DisarmWatchdog removes the watchdog. Safe when none is armed.
func (e *Engine) DisarmWatchdog(ctx context.Context) error {
	if err := e.watchdog.Disarm(ctx); err != nil {
		observability.Errors.WithLabelValues("watchdog").Inc()
		return unavailable(err)
	}
	return nil
}

// ─── Policy ─────────────────────────────────────────────────────────────────

// Enforce drives the platform to desired and returns the state actually in
// force. Unblocking arms the watchdog first; if that fails the engine stays
// blocking, since an unlock without a watchdog could outlive its session.
// The session is read back from the store after unblocking: if it ended in
// the meantime the engine blocks again.
func (e *Engine) Enforce(ctx context.Context, desired domain.ShieldState, s *domain.Session) (domain.ShieldState, error) {
	if desired == domain.ShieldUnblocked && s != nil {
		if live, err := e.sessionLive(ctx, s.ID); err != nil || !live {
			_, lerr := e.Enforce(ctx, domain.ShieldBlocking, nil)
			return domain.ShieldBlocking, errors.Join(err, lerr)
		}
		if err := e.ArmWatchdog(ctx, s.UsageThresholdMinutes); err != nil {
			if berr := e.ApplyShield(ctx, domain.ShieldBlocking); berr != nil {
				err = errors.Join(err, berr)
			}
			return domain.ShieldBlocking, err
		}
		if err := e.ApplyShield(ctx, domain.ShieldUnblocked); err != nil {
			// Platform state unknown: fall back to blocking.
			if berr := e.ApplyShield(ctx, domain.ShieldBlocking); berr != nil {
				err = errors.Join(err, berr)
			}
			return domain.ShieldBlocking, err
		}
		if live, err := e.sessionLive(ctx, s.ID); err != nil || !live {
			log.Warn().Str("session_id", s.ID).Msg("Session ended during unlock, re-blocking")
			_, lerr := e.Enforce(ctx, domain.ShieldBlocking, nil)
			return domain.ShieldBlocking, errors.Join(err, lerr)
		}
		return domain.ShieldUnblocked, nil
	}

	var errs []error
	if err := e.ApplyShield(ctx, domain.ShieldBlocking); err != nil {
		errs = append(errs, err)
	}
	if _, armed, err := e.watchdog.Armed(ctx); err != nil || armed {
		if err := e.DisarmWatchdog(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return domain.ShieldBlocking, errors.Join(errs...)
}

// Unlock lifts the shield for s, arming its watchdog first.
func (e *Engine) Unlock(ctx context.Context, s *domain.Session) error {
	_, err := e.Enforce(ctx, domain.ShieldUnblocked, s)
	return err
}

// Lock re-applies the shield and disarms the watchdog.
func (e *Engine) Lock(ctx context.Context) error {
	_, err := e.Enforce(ctx, domain.ShieldBlocking, nil)
	return err
}

// sessionLive reports whether id is still the persisted session.
func (e *Engine) sessionLive(ctx context.Context, id string) (bool, error) {
	v, _, err := e.store.Get(ctx, domain.KeySessionID)
	if err != nil {
		return false, err
	}
	return v != "" && v == id, nil
}

func unavailable(err error) error {
	if errors.Is(err, domain.ErrEnforcementUnavailable) || errors.Is(err, domain.ErrPersistenceUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrEnforcementUnavailable, err)
}
