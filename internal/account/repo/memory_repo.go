package repo

import (
	"context"
	"sync"
	"time"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/account/entity"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/lockout"
)

type memRecord struct {
	mu   sync.Mutex
	acct entity.Account
}

// MemoryRepo is an in-process account store with the same conditional-update
// semantics as AccountRepo. Each account has its own mutex; the indexes are
// guarded separately so unrelated accounts never contend.
type MemoryRepo struct {
	mu       sync.RWMutex
	byID     map[string]*memRecord
	byEmail  map[string]string
	byHandle map[string]string
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		byID:     map[string]*memRecord{},
		byEmail:  map[string]string{},
		byHandle: map[string]string{},
	}
}

func (r *MemoryRepo) Create(_ context.Context, in entity.NewAccount) (*entity.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byEmail[in.Email]; ok {
		return nil, ErrDuplicate
	}
	if _, ok := r.byHandle[in.Handle]; ok {
		return nil, ErrDuplicate
	}
	if _, ok := r.byID[in.ID]; ok {
		return nil, ErrDuplicate
	}
	role := entity.RoleSubAdmin
	if len(r.byID) == 0 {
		role = entity.RoleAdmin
	}
	rec := &memRecord{acct: entity.Account{
		ID:           in.ID,
		Handle:       in.Handle,
		Email:        in.Email,
		PasswordHash: in.PasswordHash,
		Role:         role,
		Active:       true,
		CreatedAt:    in.Now,
		UpdatedAt:    in.Now,
	}}
	r.byID[in.ID] = rec
	r.byEmail[in.Email] = in.ID
	r.byHandle[in.Handle] = in.ID
	a := rec.acct
	return &a, nil
}

func (r *MemoryRepo) GetByEmail(_ context.Context, email string, includeInactive bool) (*entity.Account, error) {
	return r.read(r.lookup(r.byEmail, email), includeInactive)
}

func (r *MemoryRepo) GetByID(_ context.Context, id string, includeInactive bool) (*entity.Account, error) {
	r.mu.RLock()
	rec := r.byID[id]
	r.mu.RUnlock()
	return r.read(rec, includeInactive)
}

func (r *MemoryRepo) lookup(index map[string]string, key string) *memRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := index[key]
	if !ok {
		return nil
	}
	return r.byID[id]
}

func (r *MemoryRepo) read(rec *memRecord, includeInactive bool) (*entity.Account, error) {
	if rec == nil {
		return nil, ErrNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !rec.acct.Active && !includeInactive {
		return nil, ErrNotFound
	}
	a := rec.acct
	return &a, nil
}

// update runs fn with the record locked. fn returns the error to surface, or
// nil after mutating the account in place.
func (r *MemoryRepo) update(rec *memRecord, missing error, fn func(a *entity.Account) error) (*entity.Account, error) {
	if rec == nil {
		return nil, missing
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if err := fn(&rec.acct); err != nil {
		return nil, err
	}
	a := rec.acct
	return &a, nil
}

func (r *MemoryRepo) record(id string) *memRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id]
}

func (r *MemoryRepo) RecordLoginFailure(_ context.Context, id string, f entity.LoginFailure) (*entity.LockoutState, error) {
	policy := lockout.Policy{Threshold: f.Threshold, Duration: f.LockUntil.Sub(f.Now)}
	a, err := r.update(r.record(id), ErrLocked, func(a *entity.Account) error {
		if locked, _ := lockout.Locked(a.LockedUntil, f.Now); locked {
			return ErrLocked
		}
		a.FailedLoginAttempts, a.LockedUntil = policy.Fail(a.FailedLoginAttempts, a.LockedUntil, f.Now)
		a.UpdatedAt = f.Now
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &entity.LockoutState{FailedLoginAttempts: a.FailedLoginAttempts, LockedUntil: a.LockedUntil}, nil
}

func (r *MemoryRepo) RecordLoginSuccess(_ context.Context, id string, s entity.LoginSuccess) (*entity.Account, error) {
	return r.update(r.record(id), ErrLocked, func(a *entity.Account) error {
		if locked, _ := lockout.Locked(a.LockedUntil, s.Now); locked {
			return ErrLocked
		}
		a.FailedLoginAttempts = 0
		a.LockedUntil = nil
		a.LastLoginAt = timePtr(s.Now)
		a.UpdatedAt = s.Now
		return nil
	})
}

func (r *MemoryRepo) UpdatePassword(_ context.Context, id string, c entity.PasswordChange) (*entity.Account, error) {
	return r.update(r.record(id), ErrConditionFailed, func(a *entity.Account) error {
		if !a.Active || a.PasswordHash != c.CurrentHash {
			return ErrConditionFailed
		}
		a.PasswordHash = c.NewHash
		a.PasswordChangedAt = timePtr(a.NextWatermark(c.ChangedAt))
		clearRecovery(a)
		a.UpdatedAt = c.Now
		return nil
	})
}

func (r *MemoryRepo) SetOTP(_ context.Context, id string, o entity.OTPIssue) error {
	_, err := r.update(r.record(id), ErrNotFound, func(a *entity.Account) error {
		if !a.Active {
			return ErrNotFound
		}
		a.OTPHash = stringPtr(o.Hash)
		a.OTPExpiresAt = timePtr(o.ExpiresAt)
		a.ResetTokenHash = nil
		a.ResetTokenExpiresAt = nil
		a.UpdatedAt = o.Now
		return nil
	})
	return err
}

func (r *MemoryRepo) RevokeOTP(_ context.Context, id string, o entity.OTPIssue) error {
	_, err := r.update(r.record(id), ErrConditionFailed, func(a *entity.Account) error {
		if a.OTPHash == nil || *a.OTPHash != o.Hash {
			return ErrConditionFailed
		}
		a.OTPHash = nil
		a.OTPExpiresAt = nil
		a.UpdatedAt = o.Now
		return nil
	})
	return err
}

func (r *MemoryRepo) ExchangeOTP(_ context.Context, x entity.OTPExchange) (*entity.Account, error) {
	return r.update(r.lookup(r.byEmail, x.Email), ErrConditionFailed, func(a *entity.Account) error {
		if !a.Active || a.OTPHash == nil || *a.OTPHash != x.OTPHash {
			return ErrConditionFailed
		}
		if a.OTPExpiresAt == nil || !a.OTPExpiresAt.After(x.Now) {
			return ErrConditionFailed
		}
		a.OTPHash = nil
		a.OTPExpiresAt = nil
		a.ResetTokenHash = stringPtr(x.ResetTokenHash)
		a.ResetTokenExpiresAt = timePtr(x.ResetTokenExpiresAt)
		a.UpdatedAt = x.Now
		return nil
	})
}

func (r *MemoryRepo) ConsumeResetToken(_ context.Context, c entity.ResetConsume) (*entity.Account, error) {
	r.mu.RLock()
	recs := make([]*memRecord, 0, len(r.byID))
	for _, rec := range r.byID {
		recs = append(recs, rec)
	}
	r.mu.RUnlock()

	for _, rec := range recs {
		a, err := r.update(rec, ErrConditionFailed, func(a *entity.Account) error {
			if !a.Active || a.ResetTokenHash == nil || *a.ResetTokenHash != c.ResetTokenHash {
				return ErrConditionFailed
			}
			if a.ResetTokenExpiresAt == nil || !a.ResetTokenExpiresAt.After(c.Now) {
				return ErrConditionFailed
			}
			a.PasswordHash = c.NewPasswordHash
			a.PasswordChangedAt = timePtr(a.NextWatermark(c.ChangedAt))
			clearRecovery(a)
			a.FailedLoginAttempts = 0
			a.LockedUntil = nil
			a.UpdatedAt = c.Now
			return nil
		})
		if err == nil {
			return a, nil
		}
	}
	return nil, ErrConditionFailed
}

func (r *MemoryRepo) SetActive(_ context.Context, id string, c entity.ActivationChange) (*entity.Account, error) {
	return r.update(r.record(id), ErrNotFound, func(a *entity.Account) error {
		a.Active = c.Active
		a.UpdatedAt = c.Now
		return nil
	})
}

func clearRecovery(a *entity.Account) {
	a.OTPHash = nil
	a.OTPExpiresAt = nil
	a.ResetTokenHash = nil
	a.ResetTokenExpiresAt = nil
}

func timePtr(t time.Time) *time.Time { return &t }

func stringPtr(s string) *string { return &s }
