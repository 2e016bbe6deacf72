package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/account/entity"
)

const uniqueViolation = "23505"

// createLockKey names the advisory lock held while inserting an account.
const createLockKey int64 = 0x61636374 // "acct"

const accountColumns = `id, handle, email, password_hash, role, active, last_login_at, password_changed_at,
	failed_login_attempts, locked_until, otp_hash, otp_expires_at, reset_token_hash, reset_token_expires_at,
	created_at, updated_at`

// AccountRepo provides data access for the accounts table using sqlx.
// Every read-modify-write is a single conditional UPDATE so concurrent
// requests against one account serialize on its row lock.
type AccountRepo struct {
	db *sqlx.DB
}

func NewAccountRepo(db *sqlx.DB) *AccountRepo { return &AccountRepo{db: db} }

// Create inserts a new account. The first account ever stored becomes admin.
// Inserts serialize on a transaction-scoped advisory lock so two registrations
// against an empty table cannot both see it empty.
func (r *AccountRepo) Create(ctx context.Context, in entity.NewAccount) (*entity.Account, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, createLockKey); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	q := `INSERT INTO accounts (id, handle, email, password_hash, role, active, created_at, updated_at)
		SELECT $1, $2, $3, $4,
			CASE WHEN EXISTS (SELECT 1 FROM accounts) THEN 'sub-admin' ELSE 'admin' END,
			true, $5, $5
		RETURNING ` + accountColumns
	var a entity.Account
	if err := tx.GetContext(ctx, &a, q, in.ID, in.Handle, in.Email, in.PasswordHash, in.Now); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return &a, nil
}

// GetByEmail returns the account registered under email. Inactive accounts
// are only returned when includeInactive is set.
func (r *AccountRepo) GetByEmail(ctx context.Context, email string, includeInactive bool) (*entity.Account, error) {
	q := `SELECT ` + accountColumns + ` FROM accounts WHERE email = $1 AND (active OR $2)`
	return r.getOne(ctx, q, email, includeInactive)
}

// GetByID fetches a full account row.
func (r *AccountRepo) GetByID(ctx context.Context, id string, includeInactive bool) (*entity.Account, error) {
	q := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1 AND (active OR $2)`
	return r.getOne(ctx, q, id, includeInactive)
}

func (r *AccountRepo) getOne(ctx context.Context, q string, args ...any) (*entity.Account, error) {
	var a entity.Account
	if err := r.db.GetContext(ctx, &a, q, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return &a, nil
}

// RecordLoginFailure increments the failure counter and locks the account once
// the threshold is reached. It refuses to touch an account that is locked.
func (r *AccountRepo) RecordLoginFailure(ctx context.Context, id string, f entity.LoginFailure) (*entity.LockoutState, error) {
	const q = `UPDATE accounts SET
			failed_login_attempts = LEAST(failed_login_attempts + 1, $2),
			locked_until = CASE WHEN failed_login_attempts + 1 >= $2 THEN $3 ELSE locked_until END,
			updated_at = $4
		WHERE id = $1 AND (locked_until IS NULL OR locked_until <= $4)
		RETURNING failed_login_attempts, locked_until`
	var st entity.LockoutState
	if err := r.db.GetContext(ctx, &st, q, id, f.Threshold, f.LockUntil, f.Now); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return &st, nil
}

// RecordLoginSuccess resets the lockout counters and stamps last_login_at,
// unless a concurrent failure has locked the account in the meantime.
func (r *AccountRepo) RecordLoginSuccess(ctx context.Context, id string, s entity.LoginSuccess) (*entity.Account, error) {
	q := `UPDATE accounts SET failed_login_attempts = 0, locked_until = NULL, last_login_at = $2, updated_at = $2
		WHERE id = $1 AND (locked_until IS NULL OR locked_until <= $2)
		RETURNING ` + accountColumns
	a, err := r.getOne(ctx, q, id, s.Now)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrLocked
	}
	return a, err
}

// UpdatePassword replaces the hash while it still equals c.CurrentHash, moves
// the watermark and clears any pending OTP or reset credential.
func (r *AccountRepo) UpdatePassword(ctx context.Context, id string, c entity.PasswordChange) (*entity.Account, error) {
	q := `UPDATE accounts SET password_hash = $3,
			password_changed_at = GREATEST($4::timestamptz, password_changed_at + interval '1 millisecond'),
			otp_hash = NULL, otp_expires_at = NULL, reset_token_hash = NULL, reset_token_expires_at = NULL,
			updated_at = $5
		WHERE id = $1 AND password_hash = $2 AND active
		RETURNING ` + accountColumns
	a, err := r.getOne(ctx, q, id, c.CurrentHash, c.NewHash, c.ChangedAt, c.Now)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrConditionFailed
	}
	return a, err
}

// SetOTP stores a new OTP hash. Any reset credential still pending is dropped.
func (r *AccountRepo) SetOTP(ctx context.Context, id string, o entity.OTPIssue) error {
	const q = `UPDATE accounts SET otp_hash = $2, otp_expires_at = $3,
			reset_token_hash = NULL, reset_token_expires_at = NULL, updated_at = $4
		WHERE id = $1 AND active`
	res, err := r.db.ExecContext(ctx, q, id, o.Hash, o.ExpiresAt, o.Now)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return expectOne(res, ErrNotFound)
}

// RevokeOTP undoes SetOTP, but only if no newer code replaced o.Hash.
func (r *AccountRepo) RevokeOTP(ctx context.Context, id string, o entity.OTPIssue) error {
	const q = `UPDATE accounts SET otp_hash = NULL, otp_expires_at = NULL, updated_at = $3
		WHERE id = $1 AND otp_hash = $2`
	res, err := r.db.ExecContext(ctx, q, id, o.Hash, o.Now)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return expectOne(res, ErrConditionFailed)
}

// ExchangeOTP consumes a live OTP and activates the reset credential in one step.
func (r *AccountRepo) ExchangeOTP(ctx context.Context, x entity.OTPExchange) (*entity.Account, error) {
	q := `UPDATE accounts SET otp_hash = NULL, otp_expires_at = NULL,
			reset_token_hash = $3, reset_token_expires_at = $4, updated_at = $5
		WHERE email = $1 AND active AND otp_hash = $2 AND otp_expires_at > $5
		RETURNING ` + accountColumns
	a, err := r.getOne(ctx, q, x.Email, x.OTPHash, x.ResetTokenHash, x.ResetTokenExpiresAt, x.Now)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrConditionFailed
	}
	return a, err
}

// ConsumeResetToken sets the new password for the holder of a live reset
// credential. Clearing the hash in the same statement makes it single use.
func (r *AccountRepo) ConsumeResetToken(ctx context.Context, c entity.ResetConsume) (*entity.Account, error) {
	q := `UPDATE accounts SET password_hash = $2,
			password_changed_at = GREATEST($3::timestamptz, password_changed_at + interval '1 millisecond'),
			otp_hash = NULL, otp_expires_at = NULL, reset_token_hash = NULL, reset_token_expires_at = NULL,
			failed_login_attempts = 0, locked_until = NULL, updated_at = $4
		WHERE reset_token_hash = $1 AND reset_token_expires_at > $4 AND active
		RETURNING ` + accountColumns
	a, err := r.getOne(ctx, q, c.ResetTokenHash, c.NewPasswordHash, c.ChangedAt, c.Now)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrConditionFailed
	}
	return a, err
}

// SetActive marks an account active or inactive.
func (r *AccountRepo) SetActive(ctx context.Context, id string, c entity.ActivationChange) (*entity.Account, error) {
	q := `UPDATE accounts SET active = $2, updated_at = $3 WHERE id = $1 RETURNING ` + accountColumns
	return r.getOne(ctx, q, id, c.Active, c.Now)
}

func expectOne(res sql.Result, none error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n == 0 {
		return none
	}
	return nil
}
