package auth

import (
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/lockout"
)

const devSecret = "dev-secret-change-me"

// Config holds the knobs for token issuance, hashing, lockout and recovery.
type Config struct {
	JWTSecret  string
	JWTIssuer  string
	TokenTTL   time.Duration
	BcryptCost int
	Lockout    lockout.Policy

	OTPTTL        time.Duration
	ResetTokenTTL time.Duration
	// OTPHashKey keys the HMAC over OTP codes and reset credentials.
	OTPHashKey string
	// ForgotPasswordMinDuration pads forgot-password so the known and unknown
	// email branches take the same wall time. Zero disables padding.
	ForgotPasswordMinDuration time.Duration

	CookieName   string
	CookieSecure bool
	Production   bool
}

// ConfigFromEnv reads auth config from environment variables
func ConfigFromEnv() Config {
	production := os.Getenv("APP_ENV") == "production"
	secret := os.Getenv("JWT_SECRET")
	if secret == "" && !production {
		secret = devSecret
	}
	issuer := os.Getenv("JWT_ISSUER")
	if issuer == "" {
		issuer = "service-auth-go"
	}
	hashKey := os.Getenv("OTP_HASH_KEY")
	if hashKey == "" {
		hashKey = secret
	}
	cookie := os.Getenv("AUTH_COOKIE_NAME")
	if cookie == "" {
		cookie = "jwt"
	}
	secure := production
	if v, err := strconv.ParseBool(os.Getenv("AUTH_COOKIE_SECURE")); err == nil {
		secure = v
	}
	return Config{
		JWTSecret:  secret,
		JWTIssuer:  issuer,
		TokenTTL:   durationFromEnv("JWT_TTL", 24*time.Hour),
		BcryptCost: intFromEnv("BCRYPT_COST", 12),
		Lockout: lockout.Policy{
			Threshold: intFromEnv("LOCKOUT_THRESHOLD", lockout.DefaultThreshold),
			Duration:  durationFromEnv("LOCKOUT_DURATION", lockout.DefaultDuration),
		},
		OTPTTL:                    durationFromEnv("OTP_TTL", 10*time.Minute),
		ResetTokenTTL:             durationFromEnv("RESET_TOKEN_TTL", 10*time.Minute),
		OTPHashKey:                hashKey,
		ForgotPasswordMinDuration: durationFromEnv("FORGOT_PASSWORD_MIN_DURATION", 500*time.Millisecond),
		CookieName:                cookie,
		CookieSecure:              secure,
		Production:                production,
	}
}

var (
	errMissingSecret = errors.New("JWT_SECRET is required")
	errWeakSecret    = errors.New("JWT_SECRET must be at least 32 bytes in production")
	errTTL           = errors.New("token, OTP and reset TTLs must be positive")
)

// Validate rejects configurations the service must not start with.
func (c Config) Validate() error {
	if c.JWTSecret == "" {
		return errMissingSecret
	}
	if c.Production && (len(c.JWTSecret) < 32 || c.JWTSecret == devSecret) {
		return errWeakSecret
	}
	if c.TokenTTL <= 0 || c.OTPTTL <= 0 || c.ResetTokenTTL <= 0 {
		return errTTL
	}
	return nil
}

func intFromEnv(key string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil && v > 0 {
		return v
	}
	return def
}

func durationFromEnv(key string, def time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil && v >= 0 {
		return v
	}
	return def
}
