// Package domain contains pure business types with ZERO infrastructure imports.
// This is the innermost ring of clean architecture. It depends on nothing.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// ─── Difficulty Tiers ───────────────────────────────────────────────────────

// Tier controls how many unlock-minutes 1000 steps are worth.
type Tier string

const (
	TierEasy   Tier = "easy"
	TierMedium Tier = "medium"
	TierHard   Tier = "hard"
)

// DefaultTier applies until the user picks one.
const DefaultTier = TierMedium

// StepsPerIncrement is the step granularity at which credit is awarded.
const StepsPerIncrement = 1000

// MinutesPer1000Steps returns the credit rate for the tier.
// Unknown tiers earn nothing.
func (t Tier) MinutesPer1000Steps() int64 {
	switch t {
	case TierEasy:
		return 20
	case TierMedium:
		return 10
	case TierHard:
		return 5
	default:
		return 0
	}
}

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	return t.MinutesPer1000Steps() > 0
}

// ParseTier parses a tier name case-insensitively.
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidTier, s)
	}
	return t, nil
}

// ─── Mode ───────────────────────────────────────────────────────────────────

// Mode is the user's active mode. Only earning mode can unlock targets.
type Mode string

const (
	ModeIdle    Mode = "idle"
	ModeEarning Mode = "earn"
)

// ─── Shield ─────────────────────────────────────────────────────────────────

// ShieldState is the binary block state over the target selection.
type ShieldState int

const (
	ShieldBlocking ShieldState = iota
	ShieldUnblocked
)

// String returns the persisted representation of the shield state.
func (s ShieldState) String() string {
	if s == ShieldUnblocked {
		return "unblocked"
	}
	return "blocking"
}

// ParseShieldState parses a persisted shield value. Anything unknown is blocking.
func ParseShieldState(s string) ShieldState {
	if s == "unblocked" {
		return ShieldUnblocked
	}
	return ShieldBlocking
}

// ─── Target Selection ───────────────────────────────────────────────────────

// TargetSelection is the user-chosen set of applications, categories and web
// domains subject to blocking. Entries are opaque platform tokens.
type TargetSelection struct {
	Applications []string `json:"applications"`
	Categories   []string `json:"categories"`
	WebDomains   []string `json:"web_domains"`
}

// Count returns the number of selected targets across all kinds.
func (s TargetSelection) Count() int {
	return len(s.Applications) + len(s.Categories) + len(s.WebDomains)
}

// IsEmpty reports whether nothing is selected.
func (s TargetSelection) IsEmpty() bool { return s.Count() == 0 }

// Normalize trims, drops empties and de-duplicates each list, preserving order.
func (s TargetSelection) Normalize() TargetSelection {
	return TargetSelection{
		Applications: dedupe(s.Applications),
		Categories:   dedupe(s.Categories),
		WebDomains:   dedupe(s.WebDomains),
	}
}

func dedupe(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// ─── Unlock Session ─────────────────────────────────────────────────────────

// Session is a paid, time-boxed grant during which targets are unblocked.
// UsageThresholdMinutes is an absolute daily-usage figure, not a relative timer.
type Session struct {
	ID                    string    `json:"id"`
	StartedAt             time.Time `json:"started_at"`
	EndTime               time.Time `json:"end_time"`
	DurationMinutes       int64     `json:"duration_minutes"`
	UsageThresholdMinutes int64     `json:"usage_threshold_minutes"`
	UsedMinutesAtPurchase int64     `json:"used_minutes_at_purchase"`
}

// UsageThreshold computes the absolute usage target for a purchase.
// The platform cannot arm a zero-minute threshold, hence the floor of 1.
func UsageThreshold(usedNow, purchased int64) int64 {
	if t := usedNow + purchased; t > 1 {
		return t
	}
	return 1
}

// Expired reports whether the session is over by wall clock or by measured usage.
func (s *Session) Expired(now time.Time, usedMinutes int64) bool {
	if s == nil {
		return true
	}
	return !now.Before(s.EndTime) || usedMinutes >= s.UsageThresholdMinutes
}

// Remaining returns the wall-clock time left, never negative.
func (s *Session) Remaining(now time.Time) time.Duration {
	if s == nil {
		return 0
	}
	if d := s.EndTime.Sub(now); d > 0 {
		return d
	}
	return 0
}

// RefundMinutes returns the whole minutes refunded when ending early.
// Nothing is refunded with a minute or less remaining; sub-minute
// remainders are always kept.
func RefundMinutes(remaining time.Duration) int64 {
	if remaining <= time.Minute {
		return 0
	}
	return int64(remaining / time.Minute)
}

// ─── Snapshot ───────────────────────────────────────────────────────────────

// Snapshot is the read model handed to the UI, the widget feed and the CLI.
type Snapshot struct {
	CurrentSteps           int64      `json:"current_steps"`
	WalletBalanceMinutes   int64      `json:"wallet_balance_minutes"`
	Mode                   Mode       `json:"active_mode"`
	Tier                   Tier       `json:"difficulty_tier"`
	SessionEndTime         *time.Time `json:"session_end_time"`
	SessionDurationMinutes int64      `json:"session_duration_minutes"`
	SessionRemainingSecs   int64      `json:"session_remaining_seconds"`
	UsedMinutesToday       int64      `json:"used_minutes_today"`
	TimeUntilResetSeconds  int64      `json:"time_until_daily_reset_seconds"`
	BlockedTargetCount     int        `json:"blocked_target_count"`
	Shield                 string     `json:"shield"`
	TakenAt                time.Time  `json:"taken_at"`
}

// TimeUntilMidnight returns the time remaining until the next local midnight.
func TimeUntilMidnight(now time.Time) time.Duration {
	y, m, d := now.Date()
	midnight := time.Date(y, m, d+1, 0, 0, 0, 0, now.Location())
	return midnight.Sub(now)
}

// DayKey formats the calendar day used to scope steps and usage.
func DayKey(t time.Time) string {
	return t.Format(time.DateOnly)
}
