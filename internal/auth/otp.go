package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"
)

const (
	otpMin = 100000
	otpMax = 999999
	// resetCredentialBytes is the entropy of a reset credential.
	resetCredentialBytes = 32
)

// SecretHasher keys the digests of OTP codes and reset credentials so a
// leaked accounts table cannot be brute forced offline over the small code
// space.
type SecretHasher struct {
	key []byte
}

func NewSecretHasher(key string) SecretHasher { return SecretHasher{key: []byte(key)} }

func (h SecretHasher) Hash(secret string) string {
	mac := hmac.New(sha256.New, h.key)
	mac.Write([]byte(secret))
	return hex.EncodeToString(mac.Sum(nil))
}

// generateOTP returns a 6 digit code uniform over [100000, 999999].
func generateOTP(rnd io.Reader) (string, error) {
	n, err := rand.Int(rnd, big.NewInt(otpMax-otpMin+1))
	if err != nil {
		return "", fmt.Errorf("generate otp: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()+otpMin), nil
}

// generateResetCredential returns a base64url encoded 256-bit random value.
func generateResetCredential(rnd io.Reader) (string, error) {
	b := make([]byte, resetCredentialBytes)
	if _, err := io.ReadFull(rnd, b); err != nil {
		return "", fmt.Errorf("generate reset credential: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func validOTPFormat(code string) bool {
	if len(code) != 6 {
		return false
	}
	for _, c := range code {
		if c < '0' || c > '9' {
			return false
		}
	}
	return code[0] != '0'
}
