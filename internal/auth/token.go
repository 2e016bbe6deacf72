package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"

	"github.com/ovaphlow/pitchfork/service-auth-go/pkg/utilities"
)

// Claims is the session token payload. IssuedAtMilli carries the issue time
// at millisecond precision for the password-change watermark; the standard
// iat claim only has second precision.
type Claims struct {
	jwt.RegisteredClaims
	IssuedAtMilli int64 `json:"iat_ms"`
}

// TokenInfo is what a validated token asserts.
type TokenInfo struct {
	ID        string
	AccountID string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// TokenIssuer mints and validates HS256 session tokens.
type TokenIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	clock  clockwork.Clock
}

func NewTokenIssuer(secret, issuer string, ttl time.Duration, clock clockwork.Clock) *TokenIssuer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &TokenIssuer{secret: []byte(secret), issuer: issuer, ttl: ttl, clock: clock}
}

func (t *TokenIssuer) TTL() time.Duration { return t.ttl }

// Issue signs a token for accountID valid for the configured TTL.
func (t *TokenIssuer) Issue(accountID string) (string, TokenInfo, error) {
	return t.IssueAfter(accountID, time.Time{})
}

// IssueAfter is Issue with the issue time stamped strictly after floor, the
// account's watermark, even when the clock has not yet moved past it.
func (t *TokenIssuer) IssueAfter(accountID string, floor time.Time) (string, TokenInfo, error) {
	now := t.clock.Now().Truncate(time.Millisecond)
	if !floor.IsZero() && !now.After(floor) {
		now = floor.Truncate(time.Millisecond).Add(time.Millisecond)
	}
	exp := now.Add(t.ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        utilities.NewKSUID(),
			Subject:   accountID,
			Issuer:    t.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		IssuedAtMilli: now.UnixMilli(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", TokenInfo{}, err
	}
	return signed, TokenInfo{ID: claims.ID, AccountID: accountID, IssuedAt: now, ExpiresAt: exp}, nil
}

// Validate checks signature, algorithm, issuer and expiry. It does not know
// about the watermark; the gateway compares IssuedAt against the account.
func (t *TokenIssuer) Validate(token string) (TokenInfo, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(t.clock.Now),
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
	)
	var claims Claims
	_, err := parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	})
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return TokenInfo{}, ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return TokenInfo{}, ErrTokenBadSignature
	default:
		return TokenInfo{}, ErrTokenMalformed
	}
	if claims.Subject == "" || claims.IssuedAtMilli == 0 {
		return TokenInfo{}, ErrTokenMalformed
	}
	return TokenInfo{
		ID:        claims.ID,
		AccountID: claims.Subject,
		IssuedAt:  time.UnixMilli(claims.IssuedAtMilli),
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}
