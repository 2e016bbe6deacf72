package entity

import "time"

// Role is one of the two flat roles an account can hold.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleSubAdmin Role = "sub-admin"
)

// Account represents a row in the `accounts` table.
// PasswordHash and the reset sub-state never leave the store layer in responses.
type Account struct {
	ID                  string     `db:"id"`
	Handle              string     `db:"handle"`
	Email               string     `db:"email"`
	PasswordHash        string     `db:"password_hash"`
	Role                Role       `db:"role"`
	Active              bool       `db:"active"`
	LastLoginAt         *time.Time `db:"last_login_at"`
	PasswordChangedAt   *time.Time `db:"password_changed_at"`
	FailedLoginAttempts int        `db:"failed_login_attempts"`
	LockedUntil         *time.Time `db:"locked_until"`
	OTPHash             *string    `db:"otp_hash"`
	OTPExpiresAt        *time.Time `db:"otp_expires_at"`
	ResetTokenHash      *string    `db:"reset_token_hash"`
	ResetTokenExpiresAt *time.Time `db:"reset_token_expires_at"`
	CreatedAt           time.Time  `db:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at"`
}

// Summary is the public projection returned to clients.
type Summary struct {
	ID          string     `json:"id"`
	Handle      string     `json:"handle"`
	Email       string     `json:"email"`
	Role        Role       `json:"role"`
	Active      bool       `json:"active"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

func (a *Account) Summary() Summary {
	return Summary{
		ID:          a.ID,
		Handle:      a.Handle,
		Email:       a.Email,
		Role:        a.Role,
		Active:      a.Active,
		LastLoginAt: a.LastLoginAt,
		CreatedAt:   a.CreatedAt,
	}
}

// NextWatermark is the password_changed_at for a change at t. It never moves
// backwards and always advances past the previous value, so two changes in
// one millisecond still supersede each other's tokens.
func (a *Account) NextWatermark(t time.Time) time.Time {
	if a.PasswordChangedAt != nil {
		if floor := a.PasswordChangedAt.Add(time.Millisecond); floor.After(t) {
			return floor
		}
	}
	return t
}

// IssuedBeforeWatermark reports whether a token issued at t predates the
// latest password change.
func (a *Account) IssuedBeforeWatermark(t time.Time) bool {
	if a.PasswordChangedAt == nil {
		return false
	}
	return !t.After(*a.PasswordChangedAt)
}
