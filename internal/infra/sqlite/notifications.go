package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/stepgate/stepgate/internal/domain"
)

var _ domain.Notifier = (*DB)(nil)

// ─── Notification Queue ─────────────────────────────────────────────────────

// sessionKinds are the session notifications; CancelPending removes
// undelivered ones of these kinds.
var sessionKinds = []domain.NotificationKind{
	domain.NotifySessionStarted,
	domain.NotifyTwoMinuteWarning,
	domain.NotifyTimesUp,
	domain.NotifyCancelledEarly,
}

// Schedule queues n, replacing any undelivered notification of the same kind.
func (db *DB) Schedule(ctx context.Context, n domain.Notification) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM notifications WHERE kind = ? AND delivered_at_ms IS NULL`, string(n.Kind)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO notifications (kind, title, body, due_at_ms) VALUES (?, ?, ?, ?)
	`, string(n.Kind), n.Title, n.Body, n.DueAt.UnixMilli()); err != nil {
		return err
	}
	return tx.Commit()
}

// Deliver queues n for immediate pickup. Same replacement rule as Schedule.
func (db *DB) Deliver(ctx context.Context, n domain.Notification) error {
	if n.DueAt.IsZero() {
		n.DueAt = time.Now()
	}
	return db.Schedule(ctx, n)
}

// CancelPending drops every undelivered session notification.
func (db *DB) CancelPending(ctx context.Context) error {
	_, err := db.db.ExecContext(ctx, `
		DELETE FROM notifications
		WHERE delivered_at_ms IS NULL AND kind IN (?, ?, ?, ?)
	`, string(sessionKinds[0]), string(sessionKinds[1]), string(sessionKinds[2]), string(sessionKinds[3]))
	return err
}

// Due returns undelivered notifications whose due time has passed, oldest first.
func (db *DB) Due(ctx context.Context, now time.Time) ([]domain.Notification, error) {
	return db.queryNotifications(ctx, `
		SELECT id, kind, title, body, due_at_ms, delivered_at_ms FROM notifications
		WHERE delivered_at_ms IS NULL AND due_at_ms <= ?
		ORDER BY due_at_ms ASC, id ASC
	`, now.UnixMilli())
}

// Pending returns every undelivered notification, including future ones.
func (db *DB) Pending(ctx context.Context) ([]domain.Notification, error) {
	return db.queryNotifications(ctx, `
		SELECT id, kind, title, body, due_at_ms, delivered_at_ms FROM notifications
		WHERE delivered_at_ms IS NULL
		ORDER BY due_at_ms ASC, id ASC
	`)
}

// MarkDelivered flags a notification as shown. It reports whether a row changed.
func (db *DB) MarkDelivered(ctx context.Context, id int64, at time.Time) (bool, error) {
	res, err := db.db.ExecContext(ctx, `
		UPDATE notifications SET delivered_at_ms = ? WHERE id = ? AND delivered_at_ms IS NULL
	`, at.UnixMilli(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (db *DB) queryNotifications(ctx context.Context, q string, args ...any) ([]domain.Notification, error) {
	rows, err := db.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Notification
	for rows.Next() {
		var (
			n         domain.Notification
			kind      string
			dueMs     int64
			delivered sql.NullInt64
		)
		if err := rows.Scan(&n.ID, &kind, &n.Title, &n.Body, &dueMs, &delivered); err != nil {
			return nil, err
		}
		n.Kind = domain.NotificationKind(kind)
		n.DueAt = time.UnixMilli(dueMs).UTC()
		if delivered.Valid {
			t := time.UnixMilli(delivered.Int64).UTC()
			n.DeliveredAt = &t
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
