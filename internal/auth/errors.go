package auth

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Every gateway rejection is one of these. Callers match with errors.Is.
var (
	ErrInvalidCredentials              = errors.New("invalid credentials")
	ErrAccountLocked                   = errors.New("account locked")
	ErrAccountInactive                 = errors.New("account inactive")
	ErrDuplicateIdentity               = errors.New("handle or email already registered")
	ErrTokenExpired                    = errors.New("token expired")
	ErrTokenSuperseded                 = errors.New("token issued before latest password change")
	ErrTokenMalformed                  = errors.New("token malformed")
	ErrTokenBadSignature               = errors.New("token signature invalid")
	ErrOTPInvalidOrExpired             = errors.New("code invalid or expired")
	ErrResetCredentialInvalidOrExpired = errors.New("reset token invalid or expired")
	ErrValidation                      = errors.New("validation failed")
	ErrDependency                      = errors.New("dependency unavailable")
	ErrForbidden                       = errors.New("forbidden")
)

// LockedError carries the remaining lockout time. It matches ErrAccountLocked.
type LockedError struct {
	RetryAfter time.Duration
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("account locked, retry after %s", e.RetryAfter.Round(time.Second))
}

func (e *LockedError) Is(target error) bool { return target == ErrAccountLocked }

// ValidationError maps field names to a short reason.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// dependency wraps a store or mail failure so it matches ErrDependency while
// keeping the cause for logs.
func dependency(err error) error {
	return fmt.Errorf("%w: %w", ErrDependency, err)
}
