// Package control is the facade the UI, the widget feed and the CLI talk to.
// Reads come from durable state; actions route through the ledger, the
// session manager and the enforcement engine, never around them.
package control

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stepgate/stepgate/internal/app/enforcement"
	"github.com/stepgate/stepgate/internal/app/ledger"
	"github.com/stepgate/stepgate/internal/app/session"
	"github.com/stepgate/stepgate/internal/domain"
)

// Deps are the service's collaborators. Notifier and OnChange may be nil.
type Deps struct {
	Store    domain.Store
	Source   domain.ActivitySource
	Ledger   *ledger.Ledger
	Sessions *session.Manager
	Engine   *enforcement.Engine
	Notifier domain.Notifier
	// OnChange runs after every successful action, typically to trigger a
	// reconciliation tick.
	OnChange func()
	Now      func() time.Time
}

// Service implements the UI-facing operations.
type Service struct {
	d Deps
}

// New creates a control service.
func New(d Deps) *Service {
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Service{d: d}
}

// ─── Read Model ─────────────────────────────────────────────────────────────

var snapshotKeys = append([]string{
	domain.KeyWalletBalance,
	domain.KeyEarningMode,
	domain.KeyDifficultyTier,
	domain.KeyTargets,
	domain.KeyShieldState,
}, domain.SessionKeys...)

// Snapshot returns the read model in one consistent store read.
// Activity signals that are not available read as zero.
func (s *Service) Snapshot(ctx context.Context) (domain.Snapshot, error) {
	v, err := s.d.Store.Snapshot(ctx, snapshotKeys...)
	if err != nil {
		return domain.Snapshot{}, err
	}
	now := s.d.Now()

	snap := domain.Snapshot{
		WalletBalanceMinutes:  domain.ParseInt(v[domain.KeyWalletBalance]),
		Mode:                  domain.ModeFromValue(v[domain.KeyEarningMode]),
		Tier:                  domain.TierFromValue(v[domain.KeyDifficultyTier]),
		TimeUntilResetSeconds: int64(domain.TimeUntilMidnight(now) / time.Second),
		BlockedTargetCount:    domain.DecodeTargets(v[domain.KeyTargets]).Count(),
		Shield:                domain.ParseShieldState(v[domain.KeyShieldState]).String(),
		TakenAt:               now,
	}
	if steps, err := s.d.Source.StepsToday(ctx); err == nil {
		snap.CurrentSteps = steps
	}
	if used, err := s.d.Source.UsedMinutesToday(ctx); err == nil {
		snap.UsedMinutesToday = used
	}
	if sess := domain.SessionFromValues(v); sess != nil {
		end := sess.EndTime
		snap.SessionEndTime = &end
		snap.SessionDurationMinutes = sess.DurationMinutes
		snap.SessionRemainingSecs = int64(sess.Remaining(now) / time.Second)
	}
	return snap, nil
}

// ─── Session Actions ────────────────────────────────────────────────────────

// PurchaseUnlock buys minutes of unlock time. Outside earning mode the
// session is paid for but the targets stay blocked.
func (s *Service) PurchaseUnlock(ctx context.Context, minutes int64) (session.OpenResult, error) {
	res, err := s.d.Sessions.Open(ctx, minutes)
	if err != nil {
		return res, err
	}
	s.changed()
	return res, nil
}

// EndSessionEarly ends the active session with a refund.
func (s *Service) EndSessionEarly(ctx context.Context) (session.EndResult, error) {
	res, err := s.d.Sessions.EndEarly(ctx)
	if err != nil {
		return res, err
	}
	s.changed()
	return res, nil
}

// ─── Configuration Actions ──────────────────────────────────────────────────

// SetTier changes the difficulty tier. It is rejected while a session is
// active. Steps already counted today are not rewarded again at the new rate.
func (s *Service) SetTier(ctx context.Context, name string) (domain.Tier, error) {
	tier, err := domain.ParseTier(name)
	if err != nil {
		return "", err
	}

	err = s.d.Store.Update(ctx, []string{domain.KeySessionID}, func(cur map[string]string) (domain.Mutation, error) {
		if cur[domain.KeySessionID] != "" {
			return domain.Mutation{}, domain.ErrSessionActive
		}
		return domain.Mutation{Set: map[string]string{domain.KeyDifficultyTier: string(tier)}}, nil
	})
	if err != nil {
		return "", err
	}

	steps, serr := s.d.Source.StepsToday(ctx)
	if serr != nil {
		// Fall back to the last reported count so the baseline never lags it.
		v, _, gerr := s.d.Store.Get(ctx, domain.KeyCurrentSteps)
		if gerr != nil {
			return tier, gerr
		}
		steps = domain.ParseInt(v)
	}
	cursor, err := s.d.Ledger.Rebase(ctx, steps)
	if err != nil {
		return tier, err
	}
	log.Info().Str("tier", string(tier)).Int64("cursor", cursor).Msg("Difficulty tier changed")
	s.changed()
	return tier, nil
}

// StartEarning enters earning mode. It reports whether the mode changed.
func (s *Service) StartEarning(ctx context.Context) (bool, error) {
	changed, err := s.setMode(ctx, domain.ModeEarning)
	if err != nil || !changed {
		return changed, err
	}
	log.Info().Msg("Earning mode started")
	s.changed()
	return true, nil
}

// StopEarning leaves earning mode. An active session ends early with its
// refund, then the shield is re-asserted.
func (s *Service) StopEarning(ctx context.Context) (bool, error) {
	var errs []error
	if _, err := s.d.Sessions.EndEarly(ctx); err != nil && !errors.Is(err, domain.ErrNoActiveSession) {
		errs = append(errs, err)
	}
	changed, err := s.setMode(ctx, domain.ModeIdle)
	if err != nil {
		return false, errors.Join(append(errs, err)...)
	}
	if err := s.d.Engine.Lock(ctx); err != nil {
		errs = append(errs, err)
	}
	if changed {
		log.Info().Msg("Earning mode stopped")
	}
	s.changed()
	return changed, errors.Join(errs...)
}

// EditTargets replaces the block target selection and returns its size.
func (s *Service) EditTargets(ctx context.Context, sel domain.TargetSelection) (int, error) {
	n, err := s.d.Engine.SetTargets(ctx, sel)
	if err != nil {
		return n, err
	}
	s.changed()
	return n, nil
}

// Reset zeroes the wallet, clears any session and re-blocks.
func (s *Service) Reset(ctx context.Context) error {
	if err := s.d.Ledger.Reset(ctx, session.ClearAttachment()); err != nil {
		return err
	}
	var errs []error
	if err := s.d.Engine.Lock(ctx); err != nil {
		errs = append(errs, err)
	}
	if s.d.Notifier != nil {
		if err := s.d.Notifier.CancelPending(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.changed()
	return errors.Join(errs...)
}

// Journal returns recent ledger entries, newest first.
func (s *Service) Journal(ctx context.Context, limit int) ([]domain.LedgerEntry, error) {
	return s.d.Ledger.Journal(ctx, limit)
}

// ─── Diagnostics ────────────────────────────────────────────────────────────

// Diagnostics is the watchdog and heartbeat view.
type Diagnostics struct {
	Values     map[string]string `json:"values"`
	Armed      bool              `json:"watchdog_armed"`
	UsageStale bool              `json:"usage_stale"`
}

// StaleReporter reports whether usage reports have gone stale.
type StaleReporter interface {
	UsageStale(ctx context.Context) (bool, error)
}

// Diagnostics returns the raw diagnostic keys plus derived flags.
func (s *Service) Diagnostics(ctx context.Context) (Diagnostics, error) {
	v, err := s.d.Store.Snapshot(ctx, domain.DiagnosticKeys...)
	if err != nil {
		return Diagnostics{}, err
	}
	d := Diagnostics{Values: v}
	_, d.Armed = v[domain.KeyWatchdogThreshold]
	if sr, ok := s.d.Source.(StaleReporter); ok {
		stale, err := sr.UsageStale(ctx)
		if err == nil {
			d.UsageStale = stale
		}
	}
	return d, nil
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func (s *Service) setMode(ctx context.Context, mode domain.Mode) (bool, error) {
	changed := false
	err := s.d.Store.Update(ctx, []string{domain.KeyEarningMode}, func(cur map[string]string) (domain.Mutation, error) {
		changed = domain.ModeFromValue(cur[domain.KeyEarningMode]) != mode
		if !changed {
			return domain.Mutation{}, nil
		}
		return domain.Mutation{Set: map[string]string{
			domain.KeyEarningMode: domain.FormatBool(mode == domain.ModeEarning),
		}}, nil
	})
	if err != nil {
		return false, fmt.Errorf("set mode %s: %w", mode, err)
	}
	return changed, nil
}

func (s *Service) changed() {
	if s.d.OnChange != nil {
		s.d.OnChange()
	}
}
