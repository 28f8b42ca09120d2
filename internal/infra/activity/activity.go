// Package activity is the activity signal source: today's step count pushed
// by the platform bridge, and today's measured usage of the targets.
// Values reported on an earlier day read as zero.
package activity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stepgate/stepgate/internal/domain"
)

// ─── Source ─────────────────────────────────────────────────────────────────

// StoreSource reads the latest reported signals from the shared store.
type StoreSource struct {
	store      domain.Store
	now        func() time.Time
	staleAfter time.Duration
}

var _ domain.ActivitySource = (*StoreSource)(nil)

// NewStoreSource creates a source. staleAfter is the age past which a usage
// report counts as stale for diagnostics; zero disables the check.
func NewStoreSource(store domain.Store, now func() time.Time, staleAfter time.Duration) *StoreSource {
	if now == nil {
		now = time.Now
	}
	return &StoreSource{store: store, now: now, staleAfter: staleAfter}
}

// StepsToday returns today's cumulative step count.
func (s *StoreSource) StepsToday(ctx context.Context) (int64, error) {
	v, err := s.store.Snapshot(ctx, domain.KeyCurrentSteps, domain.KeyActivityDay)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrSignalUnavailable, err)
	}
	if _, ok := v[domain.KeyCurrentSteps]; !ok {
		return 0, fmt.Errorf("%w: no step count reported", domain.ErrSignalUnavailable)
	}
	if v[domain.KeyActivityDay] != domain.DayKey(s.now()) {
		return 0, nil
	}
	return domain.ParseInt(v[domain.KeyCurrentSteps]), nil
}

// UsedMinutesToday returns today's usage of the blocked targets.
// Nothing reported yet today reads as zero.
func (s *StoreSource) UsedMinutesToday(ctx context.Context) (int64, error) {
	v, err := s.store.Snapshot(ctx, domain.KeyUsedMinutes, domain.KeyUsageReportedAt)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrSignalUnavailable, err)
	}
	now := s.now()
	at := domain.ParseTime(v[domain.KeyUsageReportedAt])
	if at.IsZero() || domain.DayKey(at.In(now.Location())) != domain.DayKey(now) {
		return 0, nil
	}
	return domain.ParseInt(v[domain.KeyUsedMinutes]), nil
}

// UsageStale reports whether the latest usage report is older than the
// staleness bound. A missing report is stale.
func (s *StoreSource) UsageStale(ctx context.Context) (bool, error) {
	v, _, err := s.store.Get(ctx, domain.KeyUsageReportedAt)
	if err != nil {
		return true, err
	}
	at := domain.ParseTime(v)
	if at.IsZero() {
		return true, nil
	}
	return s.staleAfter > 0 && s.now().Sub(at) > s.staleAfter, nil
}

// ─── Ingest ─────────────────────────────────────────────────────────────────

// Ingest records step counts from the platform bridge and notifies subscribers.
type Ingest struct {
	store domain.Store
	hub   *Hub
	now   func() time.Time
}

// NewIngest creates a step ingest. hub may be nil.
func NewIngest(store domain.Store, hub *Hub, now func() time.Time) *Ingest {
	if now == nil {
		now = time.Now
	}
	return &Ingest{store: store, hub: hub, now: now}
}

// ReportSteps stores today's cumulative count. Within a day the count never
// decreases, so late or reordered reports cannot roll it back.
func (i *Ingest) ReportSteps(ctx context.Context, steps int64) (int64, error) {
	if steps < 0 {
		return 0, domain.ErrInvalidAmount
	}
	today := domain.DayKey(i.now())
	var stored int64
	err := i.store.Update(ctx, []string{domain.KeyCurrentSteps, domain.KeyActivityDay}, func(cur map[string]string) (domain.Mutation, error) {
		stored = steps
		if cur[domain.KeyActivityDay] == today {
			if prev := domain.ParseInt(cur[domain.KeyCurrentSteps]); prev > stored {
				stored = prev
			}
		}
		return domain.Mutation{Set: map[string]string{
			domain.KeyCurrentSteps: domain.FormatInt(stored),
			domain.KeyActivityDay:  today,
		}}, nil
	})
	if err != nil {
		return 0, err
	}
	if i.hub != nil {
		i.hub.Publish(stored)
	}
	return stored, nil
}

// ─── Hub ────────────────────────────────────────────────────────────────────

// Hub fans step-count changes out to subscribers. Slow subscribers miss
// intermediate counts but always see the latest one.
type Hub struct {
	mu   sync.Mutex
	subs map[chan int64]struct{}
}

// NewHub creates a step-count hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan int64]struct{})}
}

// Subscribe returns a channel of step counts and an unsubscribe function.
func (h *Hub) Subscribe() (<-chan int64, func()) {
	ch := make(chan int64, 1)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers steps to every subscriber, replacing an unread value.
func (h *Hub) Publish(steps int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- steps:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- steps:
			default:
			}
		}
	}
}

// Subscribers returns the number of active subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
