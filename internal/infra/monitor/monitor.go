// Package monitor is the usage-threshold scheduler. Arming writes the
// schedule to the shared store; the platform bridge reports measured usage
// through ReportUsage, which fires the watchdog handler when a threshold
// armed in any process is reached.
package monitor

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stepgate/stepgate/internal/domain"
)

// Watchdog event names passed to FireFunc.
const (
	EventTimeLimit    = "time_limit"
	EventUsageStarted = "usage_started"
)

// FireFunc invokes the watchdog handler for one event.
type FireFunc func(ctx context.Context, event string) error

// Monitor implements domain.WatchdogScheduler over the shared store.
type Monitor struct {
	store domain.Store
	fire  FireFunc
	now   func() time.Time
}

var _ domain.WatchdogScheduler = (*Monitor)(nil)

// New creates a monitor. fire may be nil until the handler exists; see SetFire.
func New(store domain.Store, fire FireFunc, now func() time.Time) *Monitor {
	if now == nil {
		now = time.Now
	}
	return &Monitor{store: store, fire: fire, now: now}
}

// SetFire installs the handler callback.
func (m *Monitor) SetFire(fire FireFunc) { m.fire = fire }

// Arm records a one-shot threshold, replacing any previous one. The baseline
// is the usage reported at arming time.
func (m *Monitor) Arm(ctx context.Context, thresholdMinutes int64, targets domain.TargetSelection) error {
	now := m.now()
	return m.store.Update(ctx, []string{domain.KeyUsedMinutes, domain.KeyUsageReportedAt}, func(cur map[string]string) (domain.Mutation, error) {
		return domain.Mutation{Set: map[string]string{
			domain.KeyWatchdogThreshold: domain.FormatInt(thresholdMinutes),
			domain.KeyWatchdogArmedAt:   domain.FormatTime(now),
			domain.KeyWatchdogBaseline:  domain.FormatInt(usedToday(cur, now)),
		}}, nil
	})
}

// Disarm removes the schedule. Safe when none is armed.
func (m *Monitor) Disarm(ctx context.Context) error {
	return m.store.Update(ctx, nil, func(map[string]string) (domain.Mutation, error) {
		return domain.Mutation{Delete: domain.WatchdogKeys}, nil
	})
}

// Armed returns the armed threshold, if any.
func (m *Monitor) Armed(ctx context.Context) (int64, bool, error) {
	v, ok, err := m.store.Get(ctx, domain.KeyWatchdogThreshold)
	if err != nil || !ok {
		return 0, false, err
	}
	return domain.ParseInt(v), true, nil
}

// Report is the outcome of a usage report.
type Report struct {
	UsedMinutes int64    `json:"used_minutes"`
	Fired       []string `json:"fired,omitempty"`
}

// ReportUsage records today's measured usage of the targets and fires the
// watchdog for any event it crosses. Usage never decreases within a day.
func (m *Monitor) ReportUsage(ctx context.Context, usedMinutes int64) (Report, error) {
	now := m.now()
	if usedMinutes < 0 {
		usedMinutes = 0
	}

	var (
		rep          Report
		startedDue   bool
		thresholdDue bool
	)
	keys := append([]string{
		domain.KeyUsedMinutes,
		domain.KeyUsageReportedAt,
		domain.KeyUsageStartedAt,
	}, domain.WatchdogKeys...)
	err := m.store.Update(ctx, keys, func(cur map[string]string) (domain.Mutation, error) {
		used := usedMinutes
		if prev := usedToday(cur, now); prev > used {
			used = prev
		}
		rep = Report{UsedMinutes: used}

		th, armed := cur[domain.KeyWatchdogThreshold]
		if armed {
			armedAt := domain.ParseTime(cur[domain.KeyWatchdogArmedAt])
			baseline := domain.ParseInt(cur[domain.KeyWatchdogBaseline])
			startedAt := domain.ParseTime(cur[domain.KeyUsageStartedAt])
			startedDue = used > baseline && startedAt.Before(armedAt)
			thresholdDue = used >= domain.ParseInt(th)
		}
		return domain.Mutation{Set: map[string]string{
			domain.KeyUsedMinutes:     domain.FormatInt(used),
			domain.KeyUsageReportedAt: domain.FormatTime(now),
		}}, nil
	})
	if err != nil {
		return Report{}, err
	}

	if m.fire == nil {
		return rep, nil
	}
	if startedDue {
		if err := m.fire(ctx, EventUsageStarted); err != nil {
			log.Warn().Err(err).Msg("Watchdog usage_started handler failed")
		}
		rep.Fired = append(rep.Fired, EventUsageStarted)
	}
	if thresholdDue {
		rep.Fired = append(rep.Fired, EventTimeLimit)
		if err := m.fire(ctx, EventTimeLimit); err != nil {
			return rep, err
		}
	}
	return rep, nil
}

// usedToday returns the stored usage if it was reported today, else zero.
func usedToday(cur map[string]string, now time.Time) int64 {
	at := domain.ParseTime(cur[domain.KeyUsageReportedAt])
	if at.IsZero() || domain.DayKey(at.In(now.Location())) != domain.DayKey(now) {
		return 0
	}
	return domain.ParseInt(cur[domain.KeyUsedMinutes])
}
