// Package ledger owns the wallet balance and the step-credit cursor.
//
// Every balance change is a single atomic store update. Callers that must
// commit related state together with the balance (the session record on
// purchase, the session clear on refund) pass an Attachment, which is read and
// written inside the same update.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stepgate/stepgate/internal/domain"
	"github.com/stepgate/stepgate/internal/infra/observability"
)

// Attachment is extra state committed atomically with a balance change.
// Apply sees the current values of Keys and returns the writes to add.
// Returning an error aborts the whole change.
type Attachment struct {
	Keys  []string
	Apply func(cur map[string]string) (domain.Mutation, error)
}

// Config configures the ledger.
type Config struct {
	Now func() time.Time
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{Now: time.Now}
}

// Ledger is the single writer of the wallet balance and credit cursor.
type Ledger struct {
	store   domain.Store
	journal domain.Journal // optional
	now     func() time.Time
}

// New creates a ledger over store. journal may be nil.
func New(store domain.Store, journal domain.Journal, cfg Config) *Ledger {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Ledger{store: store, journal: journal, now: cfg.Now}
}

// Credit is the outcome of converting steps to minutes.
type Credit struct {
	domain.CreditIncrement
	Balance int64 `json:"balance"`
}

var walletKeys = []string{domain.KeyWalletBalance, domain.KeyStepCreditCursor, domain.KeyStepCreditDay}

// Balance returns the current wallet balance.
func (l *Ledger) Balance(ctx context.Context) (int64, error) {
	v, _, err := l.store.Get(ctx, domain.KeyWalletBalance)
	if err != nil {
		return 0, err
	}
	return domain.ParseInt(v), nil
}

// CreditFromSteps converts the whole 1000-step increments counted beyond the
// cursor into minutes at tier's rate. The cursor restarts at zero on the
// first call of a new day. Steps at or below the cursor change nothing.
func (l *Ledger) CreditFromSteps(ctx context.Context, steps int64, tier domain.Tier) (Credit, error) {
	if !tier.Valid() {
		return Credit{}, fmt.Errorf("%w: %q", domain.ErrInvalidTier, tier)
	}
	today := domain.DayKey(l.now())

	var out Credit
	err := l.store.Update(ctx, walletKeys, func(cur map[string]string) (domain.Mutation, error) {
		balance := domain.ParseInt(cur[domain.KeyWalletBalance])
		cursor := domain.ParseInt(cur[domain.KeyStepCreditCursor])
		rollover := cur[domain.KeyStepCreditDay] != today
		if rollover {
			cursor = 0
		}

		inc := domain.ComputeCredit(steps, cursor, tier)
		out = Credit{CreditIncrement: inc, Balance: balance}
		if inc.Increments <= 0 {
			if !rollover {
				return domain.Mutation{}, nil
			}
			return domain.Mutation{Set: map[string]string{
				domain.KeyStepCreditCursor: domain.FormatInt(cursor),
				domain.KeyStepCreditDay:    today,
			}}, nil
		}

		out.Balance = balance + inc.Minutes
		m := balanceMutation(out.Balance)
		m.Set[domain.KeyStepCreditCursor] = domain.FormatInt(inc.NewCursor)
		m.Set[domain.KeyStepCreditDay] = today
		return m, nil
	})
	if err != nil {
		return Credit{}, err
	}

	if out.Minutes > 0 {
		observability.MinutesCredited.Add(float64(out.Minutes))
		observability.WalletBalance.Set(float64(out.Balance))
		l.record(ctx, domain.LedgerEntry{
			Type:        domain.TxEarn,
			Amount:      out.Minutes,
			Balance:     out.Balance,
			Description: fmt.Sprintf("%d x 1000 steps at %s", out.Increments, tier),
		})
		log.Info().
			Int64("increments", out.Increments).
			Int64("minutes", out.Minutes).
			Int64("balance", out.Balance).
			Int64("cursor", out.NewCursor).
			Msg("Steps credited")
	}
	return out, nil
}

// Debit removes minutes from the wallet, committing attach in the same update.
// An insufficient balance returns ErrInsufficientBalance and writes nothing.
func (l *Ledger) Debit(ctx context.Context, minutes int64, sessionID string, attach *Attachment) (int64, error) {
	if minutes <= 0 {
		return 0, domain.ErrInvalidAmount
	}

	var balance int64
	err := l.store.Update(ctx, withAttachment(attach), func(cur map[string]string) (domain.Mutation, error) {
		have := domain.ParseInt(cur[domain.KeyWalletBalance])
		if have < minutes {
			return domain.Mutation{}, fmt.Errorf("%w: have %d, need %d", domain.ErrInsufficientBalance, have, minutes)
		}
		balance = have - minutes
		return applyAttachment(balanceMutation(balance), attach, cur)
	})
	if err != nil {
		return 0, err
	}

	observability.MinutesDebited.Add(float64(minutes))
	observability.WalletBalance.Set(float64(balance))
	l.record(ctx, domain.LedgerEntry{Type: domain.TxSpend, Amount: minutes, Balance: balance, SessionID: sessionID})
	return balance, nil
}

// Refund adds minutes back to the wallet together with attach. Zero minutes
// still commits attach. The balance never goes below zero.
func (l *Ledger) Refund(ctx context.Context, minutes int64, sessionID string, attach *Attachment) (int64, error) {
	if minutes < 0 {
		return 0, domain.ErrInvalidAmount
	}

	var balance int64
	err := l.store.Update(ctx, withAttachment(attach), func(cur map[string]string) (domain.Mutation, error) {
		have := domain.ParseInt(cur[domain.KeyWalletBalance])
		balance = clamp(have + minutes)
		m := domain.Mutation{Set: map[string]string{}}
		if minutes > 0 {
			m = balanceMutation(balance)
		}
		return applyAttachment(m, attach, cur)
	})
	if err != nil {
		return 0, err
	}

	if minutes > 0 {
		observability.MinutesRefunded.Add(float64(minutes))
		observability.WalletBalance.Set(float64(balance))
		l.record(ctx, domain.LedgerEntry{Type: domain.TxRefund, Amount: minutes, Balance: balance, SessionID: sessionID})
	}
	return balance, nil
}

// Rebase moves the credit cursor up to the increment boundary at or below
// steps, so already-counted steps are not re-credited at a new tier.
// The cursor never moves backwards within a day.
func (l *Ledger) Rebase(ctx context.Context, steps int64) (int64, error) {
	today := domain.DayKey(l.now())
	var cursor int64
	err := l.store.Update(ctx, walletKeys, func(cur map[string]string) (domain.Mutation, error) {
		cursor = domain.ParseInt(cur[domain.KeyStepCreditCursor])
		if cur[domain.KeyStepCreditDay] != today {
			cursor = 0
		}
		if aligned := domain.AlignCursor(steps); aligned > cursor {
			cursor = aligned
		}
		return domain.Mutation{Set: map[string]string{
			domain.KeyStepCreditCursor: domain.FormatInt(cursor),
			domain.KeyStepCreditDay:    today,
		}}, nil
	})
	return cursor, err
}

// Reset zeroes the wallet and the cursor. attach lets the caller clear the
// session in the same update.
func (l *Ledger) Reset(ctx context.Context, attach *Attachment) error {
	today := domain.DayKey(l.now())
	var prev int64
	err := l.store.Update(ctx, append(withAttachment(attach), walletKeys...), func(cur map[string]string) (domain.Mutation, error) {
		prev = domain.ParseInt(cur[domain.KeyWalletBalance])
		m := balanceMutation(0)
		m.Set[domain.KeyStepCreditCursor] = "0"
		m.Set[domain.KeyStepCreditDay] = today
		return applyAttachment(m, attach, cur)
	})
	if err != nil {
		return err
	}
	observability.WalletBalance.Set(0)
	l.record(ctx, domain.LedgerEntry{Type: domain.TxReset, Amount: prev, Balance: 0, Description: "reset"})
	log.Info().Int64("previous_balance", prev).Msg("Wallet reset")
	return nil
}

// Journal returns recent wallet changes, newest first.
func (l *Ledger) Journal(ctx context.Context, limit int) ([]domain.LedgerEntry, error) {
	if l.journal == nil {
		return nil, nil
	}
	return l.journal.Recent(ctx, limit)
}

// record appends to the journal. The balance is already committed, so a
// journal failure is logged and otherwise ignored.
func (l *Ledger) record(ctx context.Context, e domain.LedgerEntry) {
	if l.journal == nil {
		return
	}
	e.Timestamp = l.now()
	if err := l.journal.Append(ctx, e); err != nil {
		log.Warn().Err(err).Str("type", string(e.Type)).Msg("Ledger journal append failed")
	}
}

// balanceMutation writes the balance and its legacy mirror together.
func balanceMutation(balance int64) domain.Mutation {
	v := domain.FormatInt(balance)
	return domain.Mutation{Set: map[string]string{
		domain.KeyWalletBalance: v,
		domain.KeyDailyLimit:    v,
	}}
}

func withAttachment(a *Attachment) []string {
	keys := []string{domain.KeyWalletBalance}
	if a != nil {
		keys = append(keys, a.Keys...)
	}
	return keys
}

func applyAttachment(m domain.Mutation, a *Attachment, cur map[string]string) (domain.Mutation, error) {
	if a == nil || a.Apply == nil {
		return m, nil
	}
	extra, err := a.Apply(cur)
	if err != nil {
		return domain.Mutation{}, err
	}
	return extra.Merge(m), nil
}

func clamp(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
