package domain

import (
	"encoding/json"
	"strconv"
	"time"
)

// ─── Shared Store Key Space ─────────────────────────────────────────────────
// Every key has exactly one writer component. The watchdog handler writes
// only its diagnostics and the session clear on time_limit.

const (
	// Ledger
	KeyWalletBalance    = "walletBalanceMinutes"
	KeyDailyLimit       = "dailyLimitMinutes" // mirror of the balance for legacy readers
	KeyStepCreditCursor = "stepCreditCursor"
	KeyStepCreditDay    = "stepCreditDay"

	// User configuration
	KeyDifficultyTier = "difficultyTier"
	KeyEarningMode    = "earningModeActive"

	// Activity ingest
	KeyCurrentSteps    = "currentSteps"
	KeyActivityDay     = "activityDay"
	KeyUsedMinutes     = "usedMinutesToday"
	KeyUsageReportedAt = "usageReportedAt"

	// Session
	KeySessionID           = "session.id"
	KeySessionStartedAt    = "session.startedAt"
	KeySessionEndTime      = "session.endTime"
	KeySessionDuration     = "session.durationMinutes"
	KeySessionThreshold    = "session.usageThresholdAbsoluteMinutes"
	KeySessionUsedAtBuying = "session.usedMinutesAtPurchase"

	// Enforcement
	KeyTargets           = "blockTargetSelection"
	KeyShieldState       = "shield.state"
	KeyShieldTransitions = "shield.transitions"

	// Watchdog schedule
	KeyWatchdogThreshold = "watchdog.thresholdMinutes"
	KeyWatchdogArmedAt   = "watchdog.armedAt"
	KeyWatchdogBaseline  = "watchdog.baselineMinutes"

	// Watchdog diagnostics
	KeyWatchdogLastEvent   = "watchdog.lastEvent"
	KeyWatchdogLastFiredAt = "watchdog.lastFiredAt"
	KeyUsageStartedAt      = "usage.startedAt"
	KeyUsageBlockedAt      = "usage.blockedAt"
	KeyLastExtensionRun    = "lastExtensionRun"

	// Reconciliation
	KeyReconcileHeartbeat = "lastReconciliationHeartbeat"
)

// SessionKeys lists every key that makes up the persisted session.
var SessionKeys = []string{
	KeySessionID,
	KeySessionStartedAt,
	KeySessionEndTime,
	KeySessionDuration,
	KeySessionThreshold,
	KeySessionUsedAtBuying,
}

// WatchdogKeys lists the armed-schedule keys.
var WatchdogKeys = []string{KeyWatchdogThreshold, KeyWatchdogArmedAt, KeyWatchdogBaseline}

// DiagnosticKeys lists the keys surfaced by the diagnostics view.
var DiagnosticKeys = []string{
	KeyWatchdogLastEvent,
	KeyWatchdogLastFiredAt,
	KeyUsageStartedAt,
	KeyUsageBlockedAt,
	KeyLastExtensionRun,
	KeyReconcileHeartbeat,
	KeyUsageReportedAt,
	KeyShieldState,
	KeyShieldTransitions,
	KeyWatchdogThreshold,
	KeyWatchdogArmedAt,
}

// ─── Value Codecs ───────────────────────────────────────────────────────────

// FormatInt encodes an integer value.
func FormatInt(v int64) string { return strconv.FormatInt(v, 10) }

// ParseInt decodes an integer value; missing or malformed values are zero.
func ParseInt(s string) int64 {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// FormatTime encodes a timestamp as RFC 3339 with nanoseconds in UTC.
func FormatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

// ParseTime decodes a timestamp; the zero time is returned when malformed.
func ParseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// FormatBool encodes a flag.
func FormatBool(b bool) string { return strconv.FormatBool(b) }

// ParseBool decodes a flag; anything unparseable is false.
func ParseBool(s string) bool {
	b, _ := strconv.ParseBool(s)
	return b
}

// ModeFromValue decodes earningModeActive.
func ModeFromValue(s string) Mode {
	if ParseBool(s) {
		return ModeEarning
	}
	return ModeIdle
}

// TierFromValue decodes difficultyTier. Unset or unknown values read as DefaultTier.
func TierFromValue(s string) Tier {
	if t, err := ParseTier(s); err == nil {
		return t
	}
	return DefaultTier
}

// SessionFromValues rebuilds the session from store values.
// It returns nil if no session id is present or the record is incomplete.
func SessionFromValues(v map[string]string) *Session {
	id := v[KeySessionID]
	if id == "" {
		return nil
	}
	end := ParseTime(v[KeySessionEndTime])
	if end.IsZero() {
		return nil
	}
	return &Session{
		ID:                    id,
		StartedAt:             ParseTime(v[KeySessionStartedAt]),
		EndTime:               end,
		DurationMinutes:       ParseInt(v[KeySessionDuration]),
		UsageThresholdMinutes: ParseInt(v[KeySessionThreshold]),
		UsedMinutesAtPurchase: ParseInt(v[KeySessionUsedAtBuying]),
	}
}

// Values encodes the session into store values.
func (s *Session) Values() map[string]string {
	return map[string]string{
		KeySessionID:           s.ID,
		KeySessionStartedAt:    FormatTime(s.StartedAt),
		KeySessionEndTime:      FormatTime(s.EndTime),
		KeySessionDuration:     FormatInt(s.DurationMinutes),
		KeySessionThreshold:    FormatInt(s.UsageThresholdMinutes),
		KeySessionUsedAtBuying: FormatInt(s.UsedMinutesAtPurchase),
	}
}

// DecodeTargets parses the persisted target selection. An empty or corrupt
// value decodes to the empty selection.
func DecodeTargets(s string) TargetSelection {
	var sel TargetSelection
	if s == "" {
		return sel
	}
	if err := json.Unmarshal([]byte(s), &sel); err != nil {
		return TargetSelection{}
	}
	return sel
}

// EncodeTargets serializes the selection for the store.
func EncodeTargets(sel TargetSelection) string {
	b, _ := json.Marshal(sel.Normalize())
	return string(b)
}
