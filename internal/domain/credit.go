package domain

import "time"

// ─── Ledger Journal Types ───────────────────────────────────────────────────
// The wallet balance itself lives in the shared store. The journal is an
// append-only audit trail of every balance change.

// TransactionType represents the business reason for a balance change.
type TransactionType string

const (
	TxEarn   TransactionType = "EARN"
	TxSpend  TransactionType = "SPEND"
	TxRefund TransactionType = "REFUND"
	TxReset  TransactionType = "RESET"
)

// LedgerEntry is a single row in the wallet journal.
type LedgerEntry struct {
	ID          int64           `json:"id"`
	Timestamp   time.Time       `json:"timestamp"`
	Type        TransactionType `json:"type"`
	Amount      int64           `json:"amount"`
	Balance     int64           `json:"balance"`
	SessionID   string          `json:"session_id,omitempty"`
	Description string          `json:"description,omitempty"`
}

// Delta returns the signed balance change of the entry.
func (e LedgerEntry) Delta() int64 {
	if e.Type == TxSpend {
		return -e.Amount
	}
	return e.Amount
}

// ─── Credit Computation ─────────────────────────────────────────────────────

// CreditIncrement is the result of converting newly counted steps to minutes.
type CreditIncrement struct {
	Increments int64 `json:"increments"`
	Minutes    int64 `json:"minutes"`
	NewCursor  int64 `json:"new_cursor"`
}

// ComputeCredit returns how much credit steps beyond cursor are worth.
// Only whole 1000-step increments count; the remainder stays uncredited
// and the cursor lands on the increment boundary at or below steps.
func ComputeCredit(steps, cursor int64, tier Tier) CreditIncrement {
	inc := steps/StepsPerIncrement - cursor/StepsPerIncrement
	if inc <= 0 {
		return CreditIncrement{NewCursor: cursor}
	}
	return CreditIncrement{
		Increments: inc,
		Minutes:    inc * tier.MinutesPer1000Steps(),
		NewCursor:  AlignCursor(steps),
	}
}

// AlignCursor rounds steps down to the increment boundary.
func AlignCursor(steps int64) int64 {
	if steps <= 0 {
		return 0
	}
	return steps / StepsPerIncrement * StepsPerIncrement
}

// ─── Notifications ──────────────────────────────────────────────────────────

// NotificationKind identifies one of the fixed local notifications.
type NotificationKind string

const (
	NotifySessionStarted   NotificationKind = "session_started"
	NotifyTwoMinuteWarning NotificationKind = "two_min_warning"
	NotifyTimesUp          NotificationKind = "times_up"
	NotifyCancelledEarly   NotificationKind = "session_cancelled_early"
)

// Notification is a local notification scheduled for delivery at DueAt.
type Notification struct {
	ID          int64            `json:"id"`
	Kind        NotificationKind `json:"kind"`
	Title       string           `json:"title"`
	Body        string           `json:"body"`
	DueAt       time.Time        `json:"due_at"`
	DeliveredAt *time.Time       `json:"delivered_at,omitempty"`
}
