package repo

import "errors"

var (
	ErrNotFound  = errors.New("account not found")
	ErrDuplicate = errors.New("account handle or email already exists")
	// ErrLocked is returned when a login counter update is refused because
	// the account is inside its lockout window.
	ErrLocked = errors.New("account locked")
	// ErrConditionFailed means the guarded update matched no row: the
	// compared hash changed, was never set, or has expired.
	ErrConditionFailed = errors.New("conditional update matched no account")
)
