package entity

import "time"

// The structs below enumerate exactly which columns each store mutation may
// touch. Now is the caller's clock reading so stores never read wall time.

// NewAccount is the insert payload for registration. The store assigns the
// role: admin for the very first account, sub-admin afterwards.
type NewAccount struct {
	ID           string
	Handle       string
	Email        string
	PasswordHash string
	Now          time.Time
}

// LoginFailure records one failed password verification.
type LoginFailure struct {
	Threshold int
	LockUntil time.Time
	Now       time.Time
}

// LoginSuccess resets lockout counters and stamps last_login_at.
type LoginSuccess struct {
	Now time.Time
}

// LockoutState is the counter pair after a LoginFailure was applied.
type LockoutState struct {
	FailedLoginAttempts int        `db:"failed_login_attempts"`
	LockedUntil         *time.Time `db:"locked_until"`
}

// PasswordChange swaps the hash only while it still equals CurrentHash.
// ChangedAt is a lower bound; the store keeps the watermark strictly increasing.
type PasswordChange struct {
	CurrentHash string
	NewHash     string
	ChangedAt   time.Time
	Now         time.Time
}

// OTPIssue stores a fresh one-time code hash, replacing any previous one.
type OTPIssue struct {
	Hash      string
	ExpiresAt time.Time
	Now       time.Time
}

// OTPExchange consumes a live OTP and activates a reset credential.
type OTPExchange struct {
	Email               string
	OTPHash             string
	ResetTokenHash      string
	ResetTokenExpiresAt time.Time
	Now                 time.Time
}

// ResetConsume consumes a live reset credential and sets a new password.
type ResetConsume struct {
	ResetTokenHash  string
	NewPasswordHash string
	ChangedAt       time.Time
	Now             time.Time
}

// ActivationChange flips the active flag.
type ActivationChange struct {
	Active bool
	Now    time.Time
}
