package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/account/entity"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/account/repo"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/lockout"
	"github.com/ovaphlow/pitchfork/service-auth-go/pkg/utilities"
)

// Store is the credential store the gateway drives. repo.AccountRepo and
// repo.MemoryRepo both satisfy it.
type Store interface {
	Create(ctx context.Context, in entity.NewAccount) (*entity.Account, error)
	GetByEmail(ctx context.Context, email string, includeInactive bool) (*entity.Account, error)
	GetByID(ctx context.Context, id string, includeInactive bool) (*entity.Account, error)
	RecordLoginFailure(ctx context.Context, id string, f entity.LoginFailure) (*entity.LockoutState, error)
	RecordLoginSuccess(ctx context.Context, id string, s entity.LoginSuccess) (*entity.Account, error)
	UpdatePassword(ctx context.Context, id string, c entity.PasswordChange) (*entity.Account, error)
	SetOTP(ctx context.Context, id string, o entity.OTPIssue) error
	RevokeOTP(ctx context.Context, id string, o entity.OTPIssue) error
	ExchangeOTP(ctx context.Context, x entity.OTPExchange) (*entity.Account, error)
	ConsumeResetToken(ctx context.Context, c entity.ResetConsume) (*entity.Account, error)
	SetActive(ctx context.Context, id string, c entity.ActivationChange) (*entity.Account, error)
}

// Sender delivers the OTP email.
type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// ErrNotFound is returned by admin operations addressing a missing account.
var ErrNotFound = errors.New("account not found")

// Deps are the collaborators of a Gateway. Store and Mailer are required.
type Deps struct {
	Store  Store
	Mailer Sender
	Logger *zap.SugaredLogger
	Clock  clockwork.Clock
	Hasher PasswordHasher
	IDs    *utilities.IDGenerator
	Random io.Reader
}

// Gateway composes the store, hasher, lockout policy and token issuer into
// the account operations exposed over HTTP.
type Gateway struct {
	cfg       Config
	store     Store
	mailer    Sender
	logger    *zap.SugaredLogger
	clock     clockwork.Clock
	hasher    PasswordHasher
	ids       *utilities.IDGenerator
	random    io.Reader
	tokens    *TokenIssuer
	secrets   SecretHasher
	policy    lockout.Policy
	dummyHash string
}

// AuthResult is returned by every operation that signs the caller in.
type AuthResult struct {
	Account   entity.Summary
	Token     string
	ExpiresAt time.Time
}

// RegisterInput is the registration payload.
type RegisterInput struct {
	Handle   string
	Email    string
	Password string
}

func NewGateway(cfg Config, d Deps) (*Gateway, error) {
	if d.Store == nil || d.Mailer == nil {
		return nil, errors.New("auth: store and mailer are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop().Sugar()
	}
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	if d.Hasher == nil {
		d.Hasher = BcryptHasher{Cost: cfg.BcryptCost}
	}
	if d.IDs == nil {
		d.IDs = utilities.NewIDGenerator(utilities.NodeIDFromEnv())
	}
	if d.Random == nil {
		d.Random = rand.Reader
	}
	// verified against on unknown emails so both login branches pay for bcrypt
	dummy, err := d.Hasher.Hash("not-a-real-password")
	if err != nil {
		return nil, fmt.Errorf("hash dummy password: %w", err)
	}
	return &Gateway{
		cfg:       cfg,
		store:     d.Store,
		mailer:    d.Mailer,
		logger:    d.Logger,
		clock:     d.Clock,
		hasher:    d.Hasher,
		ids:       d.IDs,
		random:    d.Random,
		tokens:    NewTokenIssuer(cfg.JWTSecret, cfg.JWTIssuer, cfg.TokenTTL, d.Clock),
		secrets:   NewSecretHasher(cfg.OTPHashKey),
		policy:    cfg.Lockout.Normalize(),
		dummyHash: dummy,
	}, nil
}

// Tokens exposes the issuer, mostly for the transport layer's cookie max-age.
func (g *Gateway) Tokens() *TokenIssuer { return g.tokens }

// Register creates an account and signs it in. The first account becomes admin.
func (g *Gateway) Register(ctx context.Context, in RegisterInput) (*AuthResult, error) {
	handle := normalizeIdentity(in.Handle)
	email := normalizeIdentity(in.Email)
	fields := map[string]string{}
	validateHandle(handle, fields)
	validateEmail(email, fields)
	validatePassword("password", in.Password, fields)
	if err := validation(fields); err != nil {
		return nil, err
	}

	hash, err := g.hasher.Hash(in.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	acct, err := g.store.Create(ctx, entity.NewAccount{
		ID:           g.ids.Next(),
		Handle:       handle,
		Email:        email,
		PasswordHash: hash,
		Now:          g.clock.Now(),
	})
	if err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			return nil, ErrDuplicateIdentity
		}
		return nil, dependency(err)
	}
	g.logger.Infow("account registered", "account_id", acct.ID, "role", acct.Role)
	return g.signIn(acct)
}

// Login verifies email and password. A locked account is rejected before the
// password is looked at.
func (g *Gateway) Login(ctx context.Context, email, password string) (*AuthResult, error) {
	email = normalizeIdentity(email)
	if email == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	acct, err := g.store.GetByEmail(ctx, email, false)
	if errors.Is(err, repo.ErrNotFound) {
		g.hasher.Verify(g.dummyHash, password)
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, dependency(err)
	}

	now := g.clock.Now()
	if locked, retry := lockout.Locked(acct.LockedUntil, now); locked {
		g.logger.Debugw("login rejected, account locked", "account_id", acct.ID, "retry_after", retry)
		return nil, &LockedError{RetryAfter: retry}
	}

	if !g.hasher.Verify(acct.PasswordHash, password) {
		st, err := g.store.RecordLoginFailure(ctx, acct.ID, entity.LoginFailure{
			Threshold: g.policy.Threshold,
			LockUntil: g.policy.LockUntil(now),
			Now:       now,
		})
		switch {
		case errors.Is(err, repo.ErrLocked):
		case err != nil:
			return nil, dependency(err)
		case st.LockedUntil != nil && st.LockedUntil.After(now):
			g.logger.Infow("account locked", "account_id", acct.ID, "attempts", st.FailedLoginAttempts, "until", st.LockedUntil)
		default:
			g.logger.Debugw("login failed", "account_id", acct.ID, "attempts", st.FailedLoginAttempts)
		}
		return nil, ErrInvalidCredentials
	}

	updated, err := g.store.RecordLoginSuccess(ctx, acct.ID, entity.LoginSuccess{Now: now})
	if errors.Is(err, repo.ErrLocked) {
		// a concurrent failure locked the account between read and write
		return nil, g.currentLock(ctx, acct.ID, now)
	}
	if err != nil {
		return nil, dependency(err)
	}
	return g.signIn(updated)
}

func (g *Gateway) currentLock(ctx context.Context, id string, now time.Time) error {
	acct, err := g.store.GetByID(ctx, id, true)
	if err != nil {
		return &LockedError{RetryAfter: g.policy.Duration}
	}
	if locked, retry := lockout.Locked(acct.LockedUntil, now); locked {
		return &LockedError{RetryAfter: retry}
	}
	return ErrInvalidCredentials
}

// ChangePassword requires the current password and moves the watermark, which
// invalidates every token issued before this call.
func (g *Gateway) ChangePassword(ctx context.Context, accountID, current, next string) (*AuthResult, error) {
	fields := map[string]string{}
	if current == "" {
		fields["current_password"] = "required"
	}
	validatePassword("new_password", next, fields)
	if err := validation(fields); err != nil {
		return nil, err
	}

	acct, err := g.store.GetByID(ctx, accountID, false)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, dependency(err)
	}
	if !g.hasher.Verify(acct.PasswordHash, current) {
		return nil, ErrInvalidCredentials
	}

	hash, err := g.hasher.Hash(next)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	now := g.clock.Now()
	updated, err := g.store.UpdatePassword(ctx, acct.ID, entity.PasswordChange{
		CurrentHash: acct.PasswordHash,
		NewHash:     hash,
		ChangedAt:   watermark(now),
		Now:         now,
	})
	if errors.Is(err, repo.ErrConditionFailed) {
		// the password changed underneath us; the caller proved the old one
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, dependency(err)
	}
	g.logger.Infow("password changed", "account_id", acct.ID)
	return g.signIn(updated)
}

// ForgotPassword emails a one-time code to the account behind email. The
// result is the same whether or not such an account exists; only a failed
// delivery surfaces, as ErrDependency.
func (g *Gateway) ForgotPassword(ctx context.Context, email string) error {
	start := g.clock.Now()
	defer g.pad(ctx, start)

	email = normalizeIdentity(email)
	fields := map[string]string{}
	validateEmail(email, fields)
	if err := validation(fields); err != nil {
		return err
	}

	acct, err := g.store.GetByEmail(ctx, email, false)
	if errors.Is(err, repo.ErrNotFound) {
		g.logger.Debugw("forgot password for unknown email")
		return nil
	}
	if err != nil {
		return dependency(err)
	}

	code, err := generateOTP(g.random)
	if err != nil {
		return err
	}
	issue := entity.OTPIssue{
		Hash:      g.secrets.Hash(code),
		ExpiresAt: start.Add(g.cfg.OTPTTL),
		Now:       start,
	}
	if err := g.store.SetOTP(ctx, acct.ID, issue); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		return dependency(err)
	}

	body := fmt.Sprintf("Your password reset code is %s. It expires in %d minutes.\n\nIf you did not request a reset, ignore this email.",
		code, int(g.cfg.OTPTTL.Minutes()))
	if err := g.mailer.Send(ctx, acct.Email, "Password reset code", body); err != nil {
		// an undeliverable code must not stay redeemable
		if rerr := g.store.RevokeOTP(context.WithoutCancel(ctx), acct.ID, issue); rerr != nil && !errors.Is(rerr, repo.ErrConditionFailed) {
			g.logger.Errorw("revoke undelivered otp", "account_id", acct.ID, "err", rerr)
		}
		g.logger.Warnw("otp delivery failed", "account_id", acct.ID, "err", err)
		return dependency(err)
	}
	g.logger.Debugw("otp issued", "account_id", acct.ID, "expires_at", issue.ExpiresAt)
	return nil
}

func (g *Gateway) pad(ctx context.Context, start time.Time) {
	remaining := g.cfg.ForgotPasswordMinDuration - g.clock.Since(start)
	if remaining <= 0 {
		return
	}
	select {
	case <-g.clock.After(remaining):
	case <-ctx.Done():
	}
}

// VerifyOTP exchanges a live code for a single-use reset credential. Every
// failure is ErrOTPInvalidOrExpired; the actual reason only goes to the debug log.
func (g *Gateway) VerifyOTP(ctx context.Context, email, code string) (string, error) {
	email = normalizeIdentity(email)
	if !validOTPFormat(code) {
		g.logger.Debugw("otp rejected", "reason", "format")
		return "", ErrOTPInvalidOrExpired
	}

	acct, err := g.store.GetByEmail(ctx, email, false)
	if errors.Is(err, repo.ErrNotFound) {
		g.logger.Debugw("otp rejected", "reason", "no account")
		return "", ErrOTPInvalidOrExpired
	}
	if err != nil {
		return "", dependency(err)
	}

	credential, err := generateResetCredential(g.random)
	if err != nil {
		return "", err
	}
	now := g.clock.Now()
	codeHash := g.secrets.Hash(code)
	_, err = g.store.ExchangeOTP(ctx, entity.OTPExchange{
		Email:               email,
		OTPHash:             codeHash,
		ResetTokenHash:      g.secrets.Hash(credential),
		ResetTokenExpiresAt: now.Add(g.cfg.ResetTokenTTL),
		Now:                 now,
	})
	if errors.Is(err, repo.ErrConditionFailed) {
		g.logger.Debugw("otp rejected", "account_id", acct.ID, "reason", otpFailureReason(acct, codeHash, now))
		return "", ErrOTPInvalidOrExpired
	}
	if err != nil {
		return "", dependency(err)
	}
	return credential, nil
}

// otpFailureReason explains a failed exchange from the snapshot read before it.
func otpFailureReason(acct *entity.Account, codeHash string, now time.Time) string {
	switch {
	case acct.OTPHash == nil:
		return "no code"
	case acct.OTPExpiresAt == nil || !now.Before(*acct.OTPExpiresAt):
		return "expired"
	case !hmac.Equal([]byte(*acct.OTPHash), []byte(codeHash)):
		return "mismatch"
	default:
		return "consumed concurrently"
	}
}

// ResetPassword consumes a reset credential, sets the new password and signs
// the account in. Lockout counters are cleared: recovery is the unlock path.
func (g *Gateway) ResetPassword(ctx context.Context, credential, next string) (*AuthResult, error) {
	fields := map[string]string{}
	validatePassword("password", next, fields)
	if err := validation(fields); err != nil {
		return nil, err
	}
	if credential == "" {
		return nil, ErrResetCredentialInvalidOrExpired
	}

	hash, err := g.hasher.Hash(next)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	now := g.clock.Now()
	acct, err := g.store.ConsumeResetToken(ctx, entity.ResetConsume{
		ResetTokenHash:  g.secrets.Hash(credential),
		NewPasswordHash: hash,
		ChangedAt:       watermark(now),
		Now:             now,
	})
	if errors.Is(err, repo.ErrConditionFailed) {
		return nil, ErrResetCredentialInvalidOrExpired
	}
	if err != nil {
		return nil, dependency(err)
	}
	g.logger.Infow("password reset", "account_id", acct.ID)
	return g.signIn(acct)
}

// Authenticate is the request gate: the token must be valid and issued after
// the account's last password change.
func (g *Gateway) Authenticate(ctx context.Context, token string) (*entity.Account, TokenInfo, error) {
	info, err := g.tokens.Validate(token)
	if err != nil {
		return nil, TokenInfo{}, err
	}
	acct, err := g.store.GetByID(ctx, info.AccountID, true)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, TokenInfo{}, ErrInvalidCredentials
	}
	if err != nil {
		return nil, TokenInfo{}, dependency(err)
	}
	if !acct.Active {
		return nil, TokenInfo{}, ErrAccountInactive
	}
	if acct.IssuedBeforeWatermark(info.IssuedAt) {
		return nil, TokenInfo{}, ErrTokenSuperseded
	}
	return acct, info, nil
}

// SetActive lets an admin deactivate or reactivate another account.
func (g *Gateway) SetActive(ctx context.Context, actor *entity.Account, id string, active bool) (*entity.Account, error) {
	if actor == nil || actor.Role != entity.RoleAdmin {
		return nil, ErrForbidden
	}
	if actor.ID == id && !active {
		return nil, &ValidationError{Fields: map[string]string{"id": "cannot deactivate your own account"}}
	}
	acct, err := g.store.SetActive(ctx, id, entity.ActivationChange{Active: active, Now: g.clock.Now()})
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, dependency(err)
	}
	g.logger.Infow("account activation changed", "account_id", id, "active", active, "actor", actor.ID)
	return acct, nil
}

func (g *Gateway) signIn(acct *entity.Account) (*AuthResult, error) {
	var floor time.Time
	if acct.PasswordChangedAt != nil {
		floor = *acct.PasswordChangedAt
	}
	token, info, err := g.tokens.IssueAfter(acct.ID, floor)
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}
	return &AuthResult{Account: acct.Summary(), Token: token, ExpiresAt: info.ExpiresAt}, nil
}

// watermark is the password_changed_at for a change made at now. Tokens
// stamped in the same millisecond are superseded by it; signIn stamps the
// replacement token past it.
func watermark(now time.Time) time.Time {
	return now.Truncate(time.Millisecond)
}
