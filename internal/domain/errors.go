package domain

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure. Infrastructure wraps them, callers match with errors.Is.

var (
	// Ledger errors
	ErrInsufficientBalance = errors.New("insufficient wallet balance")
	ErrInvalidAmount       = errors.New("amount must be a positive number of minutes")

	// Session errors
	ErrNoActiveSession = errors.New("no active unlock session")
	ErrSessionActive   = errors.New("an unlock session is active")

	// Configuration errors
	ErrInvalidTier  = errors.New("invalid difficulty tier")
	ErrInvalidEvent = errors.New("invalid watchdog event")

	// Platform errors
	ErrSignalUnavailable      = errors.New("activity signal unavailable")
	ErrEnforcementUnavailable = errors.New("enforcement unavailable")
	ErrPersistenceUnavailable = errors.New("shared storage unavailable")

	// Store errors
	ErrConflict = errors.New("concurrent update conflict")
)
