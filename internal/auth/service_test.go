package auth

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/account/entity"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/account/repo"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/lockout"
	"github.com/ovaphlow/pitchfork/service-auth-go/pkg/utilities"
)

type fakeClock interface {
	clockwork.Clock
	Advance(d time.Duration)
	BlockUntilContext(ctx context.Context, n int) error
}

type sentMail struct {
	to, subject, body string
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []sentMail
	err  error
}

func (m *fakeMailer) Send(_ context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, sentMail{to: to, subject: subject, body: body})
	return nil
}

var codePattern = regexp.MustCompile(`\b(\d{6})\b`)

func (m *fakeMailer) lastCode(t *testing.T) string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.sent)
	match := codePattern.FindStringSubmatch(m.sent[len(m.sent)-1].body)
	require.Len(t, match, 2)
	return match[1]
}

func testConfig() Config {
	return Config{
		JWTSecret:     "test-secret-0123456789abcdef0123",
		JWTIssuer:     "test",
		TokenTTL:      time.Hour,
		BcryptCost:    bcrypt.MinCost,
		Lockout:       lockout.DefaultPolicy(),
		OTPTTL:        10 * time.Minute,
		ResetTokenTTL: 10 * time.Minute,
		OTPHashKey:    "otp-key",
		CookieName:    "jwt",
	}
}

type testEnv struct {
	gw    *Gateway
	store *repo.MemoryRepo
	mail  *fakeMailer
	clock fakeClock
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	store := repo.NewMemoryRepo()
	mail := &fakeMailer{}
	clock := clockwork.NewFakeClockAt(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	gw, err := NewGateway(cfg, Deps{
		Store:  store,
		Mailer: mail,
		Clock:  clock,
		Hasher: BcryptHasher{Cost: bcrypt.MinCost},
		IDs:    utilities.NewIDGenerator(1),
	})
	require.NoError(t, err)
	return &testEnv{gw: gw, store: store, mail: mail, clock: clock}
}

func (e *testEnv) register(t *testing.T, handle, password string) *AuthResult {
	t.Helper()
	res, err := e.gw.Register(context.Background(), RegisterInput{Handle: handle, Email: handle + "@example.com", Password: password})
	require.NoError(t, err)
	return res
}

func TestRegister_RolesAndDuplicates(t *testing.T) {
	e := newTestEnv(t, testConfig())
	ctx := context.Background()

	alice := e.register(t, "alice", "correct-horse")
	bob := e.register(t, "bob", "battery-staple")
	assert.Equal(t, entity.RoleAdmin, alice.Account.Role)
	assert.Equal(t, entity.RoleSubAdmin, bob.Account.Role)
	assert.NotEmpty(t, alice.Token)

	_, err := e.gw.Register(ctx, RegisterInput{Handle: "carol", Email: "  ALICE@Example.com ", Password: "whatever-pass"})
	assert.ErrorIs(t, err, ErrDuplicateIdentity)
	_, err = e.gw.Register(ctx, RegisterInput{Handle: "BOB", Email: "bob2@example.com", Password: "whatever-pass"})
	assert.ErrorIs(t, err, ErrDuplicateIdentity)
}

func TestRegister_Validation(t *testing.T) {
	e := newTestEnv(t, testConfig())

	_, err := e.gw.Register(context.Background(), RegisterInput{Handle: "a b", Email: "nope", Password: "short"})
	require.ErrorIs(t, err, ErrValidation)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "handle")
	assert.Contains(t, verr.Fields, "email")
	assert.Contains(t, verr.Fields, "password")
}

func TestLogin_LockoutScenario(t *testing.T) {
	e := newTestEnv(t, testConfig())
	ctx := context.Background()
	e.register(t, "alice", "correct-horse")
	bob := e.register(t, "bob", "battery-staple")

	for i := 0; i < 5; i++ {
		_, err := e.gw.Login(ctx, "bob@example.com", "wrong-password")
		require.ErrorIs(t, err, ErrInvalidCredentials, "attempt %d", i+1)
	}

	_, err := e.gw.Login(ctx, "bob@example.com", "battery-staple")
	require.ErrorIs(t, err, ErrAccountLocked)
	var locked *LockedError
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, 15*time.Minute, locked.RetryAfter)

	e.clock.Advance(15*time.Minute + time.Second)
	res, err := e.gw.Login(ctx, "bob@example.com", "battery-staple")
	require.NoError(t, err)
	assert.Equal(t, bob.Account.ID, res.Account.ID)
	require.NotNil(t, res.Account.LastLoginAt)

	acct, err := e.store.GetByID(ctx, bob.Account.ID, false)
	require.NoError(t, err)
	assert.Zero(t, acct.FailedLoginAttempts)
	assert.Nil(t, acct.LockedUntil)
}

func TestLogin_FailureAfterExpiredLockRelocks(t *testing.T) {
	e := newTestEnv(t, testConfig())
	ctx := context.Background()
	e.register(t, "bob", "battery-staple")

	for i := 0; i < 5; i++ {
		_, _ = e.gw.Login(ctx, "bob@example.com", "wrong-password")
	}
	e.clock.Advance(16 * time.Minute)

	_, err := e.gw.Login(ctx, "bob@example.com", "wrong-password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = e.gw.Login(ctx, "bob@example.com", "battery-staple")
	assert.ErrorIs(t, err, ErrAccountLocked)
}

func TestLogin_ConcurrentFailuresNeverOvercount(t *testing.T) {
	e := newTestEnv(t, testConfig())
	ctx := context.Background()
	bob := e.register(t, "bob", "battery-staple")

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = e.gw.Login(ctx, "bob@example.com", "wrong-password")
		}()
	}
	wg.Wait()

	acct, err := e.store.GetByID(ctx, bob.Account.ID, false)
	require.NoError(t, err)
	assert.Equal(t, 5, acct.FailedLoginAttempts)
	locked, _ := lockout.Locked(acct.LockedUntil, e.clock.Now())
	assert.True(t, locked)
}

func TestLogin_UnknownAndInactive(t *testing.T) {
	e := newTestEnv(t, testConfig())
	ctx := context.Background()
	alice := e.register(t, "alice", "correct-horse")
	bob := e.register(t, "bob", "battery-staple")

	_, err := e.gw.Login(ctx, "ghost@example.com", "whatever-pass")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	admin, err := e.store.GetByID(ctx, alice.Account.ID, false)
	require.NoError(t, err)
	_, err = e.gw.SetActive(ctx, admin, bob.Account.ID, false)
	require.NoError(t, err)

	_, err = e.gw.Login(ctx, "bob@example.com", "battery-staple")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, _, err = e.gw.Authenticate(ctx, bob.Token)
	assert.ErrorIs(t, err, ErrAccountInactive)
}

func TestAuthenticate_TokenErrors(t *testing.T) {
	e := newTestEnv(t, testConfig())
	ctx := context.Background()
	alice := e.register(t, "alice", "correct-horse")

	acct, info, err := e.gw.Authenticate(ctx, alice.Token)
	require.NoError(t, err)
	assert.Equal(t, alice.Account.ID, acct.ID)
	assert.Equal(t, alice.Account.ID, info.AccountID)

	_, _, err = e.gw.Authenticate(ctx, "not-a-jwt")
	assert.ErrorIs(t, err, ErrTokenMalformed)

	tampered := alice.Token[:len(alice.Token)-2] + "xx"
	_, _, err = e.gw.Authenticate(ctx, tampered)
	assert.ErrorIs(t, err, ErrTokenBadSignature)

	e.clock.Advance(time.Hour + time.Second)
	_, _, err = e.gw.Authenticate(ctx, alice.Token)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestChangePassword_SupersedesOldTokens(t *testing.T) {
	e := newTestEnv(t, testConfig())
	ctx := context.Background()
	alice := e.register(t, "alice", "correct-horse")
	e.clock.Advance(time.Second)

	_, err := e.gw.ChangePassword(ctx, alice.Account.ID, "wrong-password", "new-password-1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = e.gw.ChangePassword(ctx, alice.Account.ID, "correct-horse", "short")
	assert.ErrorIs(t, err, ErrValidation)

	res, err := e.gw.ChangePassword(ctx, alice.Account.ID, "correct-horse", "new-password-1")
	require.NoError(t, err)

	_, _, err = e.gw.Authenticate(ctx, alice.Token)
	assert.ErrorIs(t, err, ErrTokenSuperseded)
	_, _, err = e.gw.Authenticate(ctx, res.Token)
	assert.NoError(t, err)

	// still valid later, until its own expiry
	e.clock.Advance(30 * time.Minute)
	_, _, err = e.gw.Authenticate(ctx, res.Token)
	assert.NoError(t, err)

	_, err = e.gw.Login(ctx, "alice@example.com", "correct-horse")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = e.gw.Login(ctx, "alice@example.com", "new-password-1")
	assert.NoError(t, err)
}

func TestChangePassword_SameInstant(t *testing.T) {
	e := newTestEnv(t, testConfig())
	ctx := context.Background()
	alice := e.register(t, "alice", "correct-horse")

	// no clock movement between any of these calls
	login, err := e.gw.Login(ctx, "alice@example.com", "correct-horse")
	require.NoError(t, err)
	first, err := e.gw.ChangePassword(ctx, alice.Account.ID, "correct-horse", "new-password-1")
	require.NoError(t, err)

	for _, old := range []string{alice.Token, login.Token} {
		_, _, err = e.gw.Authenticate(ctx, old)
		assert.ErrorIs(t, err, ErrTokenSuperseded)
	}
	_, _, err = e.gw.Authenticate(ctx, first.Token)
	require.NoError(t, err)

	second, err := e.gw.ChangePassword(ctx, alice.Account.ID, "new-password-1", "new-password-2")
	require.NoError(t, err)
	_, _, err = e.gw.Authenticate(ctx, first.Token)
	assert.ErrorIs(t, err, ErrTokenSuperseded)
	_, _, err = e.gw.Authenticate(ctx, second.Token)
	assert.NoError(t, err)
}

func TestRecoveryScenario(t *testing.T) {
	e := newTestEnv(t, testConfig())
	ctx := context.Background()
	e.register(t, "alice", "correct-horse")
	bob := e.register(t, "bob", "battery-staple")
	e.clock.Advance(time.Minute)

	require.NoError(t, e.gw.ForgotPassword(ctx, " Bob@Example.com"))
	require.Len(t, e.mail.sent, 1)
	assert.Equal(t, "bob@example.com", e.mail.sent[0].to)
	code := e.mail.lastCode(t)

	e.clock.Advance(5 * time.Minute)
	credential, err := e.gw.VerifyOTP(ctx, "bob@example.com", code)
	require.NoError(t, err)
	assert.NotEmpty(t, credential)

	_, err = e.gw.VerifyOTP(ctx, "bob@example.com", code)
	assert.ErrorIs(t, err, ErrOTPInvalidOrExpired)

	res, err := e.gw.ResetPassword(ctx, credential, "brand-new-pass")
	require.NoError(t, err)
	assert.Equal(t, bob.Account.ID, res.Account.ID)

	_, err = e.gw.ResetPassword(ctx, credential, "another-new-pass")
	assert.ErrorIs(t, err, ErrResetCredentialInvalidOrExpired)

	_, _, err = e.gw.Authenticate(ctx, bob.Token)
	assert.ErrorIs(t, err, ErrTokenSuperseded)
	_, _, err = e.gw.Authenticate(ctx, res.Token)
	assert.NoError(t, err)

	_, err = e.gw.Login(ctx, "bob@example.com", "brand-new-pass")
	assert.NoError(t, err)

	acct, err := e.store.GetByID(ctx, bob.Account.ID, false)
	require.NoError(t, err)
	assert.Nil(t, acct.OTPHash)
	assert.Nil(t, acct.ResetTokenHash)
}

func TestRecovery_UnlocksLockedAccount(t *testing.T) {
	e := newTestEnv(t, testConfig())
	ctx := context.Background()
	e.register(t, "bob", "battery-staple")
	for i := 0; i < 5; i++ {
		_, _ = e.gw.Login(ctx, "bob@example.com", "wrong-password")
	}

	require.NoError(t, e.gw.ForgotPassword(ctx, "bob@example.com"))
	credential, err := e.gw.VerifyOTP(ctx, "bob@example.com", e.mail.lastCode(t))
	require.NoError(t, err)
	_, err = e.gw.ResetPassword(ctx, credential, "brand-new-pass")
	require.NoError(t, err)

	_, err = e.gw.Login(ctx, "bob@example.com", "brand-new-pass")
	assert.NoError(t, err)
}

func TestForgotPassword_UnknownEmailLooksTheSame(t *testing.T) {
	e := newTestEnv(t, testConfig())
	e.register(t, "bob", "battery-staple")

	known := e.gw.ForgotPassword(context.Background(), "bob@example.com")
	unknown := e.gw.ForgotPassword(context.Background(), "ghost@example.com")
	assert.NoError(t, known)
	assert.NoError(t, unknown)
	assert.Len(t, e.mail.sent, 1)

	assert.ErrorIs(t, e.gw.ForgotPassword(context.Background(), "not-an-email"), ErrValidation)
}

func TestForgotPassword_PadsToMinimumDuration(t *testing.T) {
	cfg := testConfig()
	cfg.ForgotPasswordMinDuration = 300 * time.Millisecond
	e := newTestEnv(t, cfg)

	done := make(chan error, 1)
	go func() { done <- e.gw.ForgotPassword(context.Background(), "ghost@example.com") }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.clock.BlockUntilContext(ctx, 1))
	select {
	case <-done:
		t.Fatal("returned before the minimum duration elapsed")
	default:
	}

	e.clock.Advance(300 * time.Millisecond)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("forgot password did not return")
	}
}

func TestForgotPassword_DeliveryFailureRollsBack(t *testing.T) {
	e := newTestEnv(t, testConfig())
	ctx := context.Background()
	bob := e.register(t, "bob", "battery-staple")
	e.mail.err = errors.New("smtp down")

	err := e.gw.ForgotPassword(ctx, "bob@example.com")
	assert.ErrorIs(t, err, ErrDependency)

	acct, err := e.store.GetByID(ctx, bob.Account.ID, false)
	require.NoError(t, err)
	assert.Nil(t, acct.OTPHash)
	assert.Nil(t, acct.OTPExpiresAt)
}

func TestVerifyOTP_ExpiredAndReplaced(t *testing.T) {
	e := newTestEnv(t, testConfig())
	ctx := context.Background()
	e.register(t, "bob", "battery-staple")

	require.NoError(t, e.gw.ForgotPassword(ctx, "bob@example.com"))
	code := e.mail.lastCode(t)
	e.clock.Advance(10 * time.Minute)
	_, err := e.gw.VerifyOTP(ctx, "bob@example.com", code)
	assert.ErrorIs(t, err, ErrOTPInvalidOrExpired)

	require.NoError(t, e.gw.ForgotPassword(ctx, "bob@example.com"))
	first := e.mail.lastCode(t)
	require.NoError(t, e.gw.ForgotPassword(ctx, "bob@example.com"))
	second := e.mail.lastCode(t)
	if first != second {
		_, err = e.gw.VerifyOTP(ctx, "bob@example.com", first)
		assert.ErrorIs(t, err, ErrOTPInvalidOrExpired)
	}
	_, err = e.gw.VerifyOTP(ctx, "bob@example.com", second)
	assert.NoError(t, err)

	_, err = e.gw.VerifyOTP(ctx, "ghost@example.com", second)
	assert.ErrorIs(t, err, ErrOTPInvalidOrExpired)
	_, err = e.gw.VerifyOTP(ctx, "bob@example.com", "12ab56")
	assert.ErrorIs(t, err, ErrOTPInvalidOrExpired)
}

func TestResetPassword_Expired(t *testing.T) {
	e := newTestEnv(t, testConfig())
	ctx := context.Background()
	e.register(t, "bob", "battery-staple")

	require.NoError(t, e.gw.ForgotPassword(ctx, "bob@example.com"))
	credential, err := e.gw.VerifyOTP(ctx, "bob@example.com", e.mail.lastCode(t))
	require.NoError(t, err)

	e.clock.Advance(10 * time.Minute)
	_, err = e.gw.ResetPassword(ctx, credential, "brand-new-pass")
	assert.ErrorIs(t, err, ErrResetCredentialInvalidOrExpired)
	_, err = e.gw.ResetPassword(ctx, "", "brand-new-pass")
	assert.ErrorIs(t, err, ErrResetCredentialInvalidOrExpired)

	_, err = e.gw.Login(ctx, "bob@example.com", "battery-staple")
	assert.NoError(t, err)
}

func TestSetActive_AdminOnly(t *testing.T) {
	e := newTestEnv(t, testConfig())
	ctx := context.Background()
	alice := e.register(t, "alice", "correct-horse")
	bob := e.register(t, "bob", "battery-staple")
	admin, _ := e.store.GetByID(ctx, alice.Account.ID, false)
	sub, _ := e.store.GetByID(ctx, bob.Account.ID, false)

	_, err := e.gw.SetActive(ctx, sub, alice.Account.ID, false)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = e.gw.SetActive(ctx, admin, alice.Account.ID, false)
	assert.ErrorIs(t, err, ErrValidation)
	_, err = e.gw.SetActive(ctx, admin, "missing", false)
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := e.gw.SetActive(ctx, admin, bob.Account.ID, false)
	require.NoError(t, err)
	assert.False(t, got.Active)
}

func TestNewGateway_RequiresCollaborators(t *testing.T) {
	_, err := NewGateway(testConfig(), Deps{Mailer: &fakeMailer{}})
	assert.Error(t, err)

	cfg := testConfig()
	cfg.JWTSecret = ""
	_, err = NewGateway(cfg, Deps{Store: repo.NewMemoryRepo(), Mailer: &fakeMailer{}})
	assert.Error(t, err)
}
