package domain

import (
	"context"
	"time"
)

// ─── Service Interfaces ─────────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; application layer depends on them.

// Mutation is a set of writes applied atomically by Store.Update.
type Mutation struct {
	Set    map[string]string
	Delete []string
}

// IsZero reports whether the mutation writes nothing.
func (m Mutation) IsZero() bool { return len(m.Set) == 0 && len(m.Delete) == 0 }

// Merge returns a mutation containing the writes of both, o taking precedence.
func (m Mutation) Merge(o Mutation) Mutation {
	out := Mutation{Set: make(map[string]string, len(m.Set)+len(o.Set))}
	for k, v := range m.Set {
		out.Set[k] = v
	}
	out.Delete = append(out.Delete, m.Delete...)
	for _, k := range o.Delete {
		delete(out.Set, k)
		out.Delete = append(out.Delete, k)
	}
	for k, v := range o.Set {
		out.Set[k] = v
	}
	return out
}

// Store is the shared key/value region visible to both the main process and
// the watchdog handler. Update reads keys, lets fn decide the writes and
// commits them atomically, deletes before sets. Implementations retry fn on
// concurrent modification, so fn must be free of side effects.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Snapshot(ctx context.Context, keys ...string) (map[string]string, error)
	Update(ctx context.Context, keys []string, fn func(cur map[string]string) (Mutation, error)) error
	Close() error
}

// ActivitySource supplies today's cumulative steps and target usage.
type ActivitySource interface {
	StepsToday(ctx context.Context) (int64, error)
	UsedMinutesToday(ctx context.Context) (int64, error)
}

// Shield applies or removes blocking over the target selection.
type Shield interface {
	Apply(ctx context.Context, targets TargetSelection, active bool) error
}

// WatchdogScheduler arms the out-of-process usage threshold monitor.
type WatchdogScheduler interface {
	Arm(ctx context.Context, thresholdMinutes int64, targets TargetSelection) error
	Disarm(ctx context.Context) error
	Armed(ctx context.Context) (thresholdMinutes int64, armed bool, err error)
}

// Notifier schedules and cancels local notifications.
type Notifier interface {
	Schedule(ctx context.Context, n Notification) error
	CancelPending(ctx context.Context) error
	Deliver(ctx context.Context, n Notification) error
}

// Journal is the append-only record of wallet changes.
type Journal interface {
	Append(ctx context.Context, e LedgerEntry) error
	Recent(ctx context.Context, limit int) ([]LedgerEntry, error)
}

// ─── Events ─────────────────────────────────────────────────────────────────

// Event type names published to the event bus.
const (
	EventSessionOpened  = "session.opened"
	EventSessionEnded   = "session.ended"
	EventWalletCredited = "wallet.credited"
	EventWalletRefunded = "wallet.refunded"
)

// Event is a domain event published after a state change commits.
type Event struct {
	Type       string         `json:"type"`
	OccurredAt time.Time      `json:"occurred_at"`
	SessionID  string         `json:"session_id,omitempty"`
	Minutes    int64          `json:"minutes,omitempty"`
	Balance    int64          `json:"balance"`
	Attrs      map[string]any `json:"attrs,omitempty"`
}

// EventPublisher delivers domain events. Publish must not block callers for long.
type EventPublisher interface {
	Publish(ctx context.Context, e Event) error
}
