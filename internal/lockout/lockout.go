// Package lockout holds the failed-login state machine shared by the
// account stores and the login flow.
//
// An account is Locked while now < locked_until and Unlocked otherwise. Expiry
// is evaluated lazily at the moment of use; nothing sweeps expired locks.
package lockout

import "time"

const (
	DefaultThreshold = 5
	DefaultDuration  = 15 * time.Minute
)

// Policy configures when failures turn into a lock and for how long.
type Policy struct {
	Threshold int
	Duration  time.Duration
}

func DefaultPolicy() Policy {
	return Policy{Threshold: DefaultThreshold, Duration: DefaultDuration}
}

// Normalize fills zero fields with defaults.
func (p Policy) Normalize() Policy {
	if p.Threshold <= 0 {
		p.Threshold = DefaultThreshold
	}
	if p.Duration <= 0 {
		p.Duration = DefaultDuration
	}
	return p
}

// Locked reports whether the lock is still in force and how long remains.
func Locked(lockedUntil *time.Time, now time.Time) (bool, time.Duration) {
	if lockedUntil == nil || !now.Before(*lockedUntil) {
		return false, 0
	}
	return true, lockedUntil.Sub(now)
}

// Fail applies one failed verification to an unlocked account. The counter is
// capped at the threshold; reaching it locks until now+Duration. An account
// whose previous lock expired is therefore re-locked by its next failure.
func (p Policy) Fail(attempts int, lockedUntil *time.Time, now time.Time) (int, *time.Time) {
	next := attempts + 1
	if next < p.Threshold {
		return next, lockedUntil
	}
	until := now.Add(p.Duration)
	return p.Threshold, &until
}

// LockUntil is the lock expiry a failure at now would produce.
func (p Policy) LockUntil(now time.Time) time.Time {
	return now.Add(p.Duration)
}
