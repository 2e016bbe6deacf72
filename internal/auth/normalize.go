package auth

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

const (
	minPasswordLen = 8
	// bcrypt ignores input past 72 bytes; reject instead of silently truncating.
	maxPasswordBytes = 72
	minHandleLen     = 3
	maxHandleLen     = 32
	maxEmailLen      = 254
)

// normalizeIdentity folds compatibility forms, trims and lower-cases so that
// visually identical emails and handles collide on the unique indexes.
func normalizeIdentity(s string) string {
	return strings.ToLower(strings.TrimSpace(norm.NFKC.String(s)))
}

func validateEmail(email string, fields map[string]string) {
	switch {
	case email == "":
		fields["email"] = "required"
	case len(email) > maxEmailLen:
		fields["email"] = "too long"
	default:
		at := strings.LastIndexByte(email, '@')
		if at <= 0 || at == len(email)-1 || strings.ContainsAny(email, " \t\r\n") {
			fields["email"] = "invalid format"
		}
	}
}

func validateHandle(handle string, fields map[string]string) {
	n := utf8.RuneCountInString(handle)
	switch {
	case n == 0:
		fields["handle"] = "required"
	case n < minHandleLen || n > maxHandleLen:
		fields["handle"] = "must be 3 to 32 characters"
	default:
		for _, c := range handle {
			if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '_' || c == '-' || c == '.') {
				fields["handle"] = "may only contain letters, digits, '.', '-' and '_'"
				return
			}
		}
	}
}

func validatePassword(field, pw string, fields map[string]string) {
	switch {
	case utf8.RuneCountInString(pw) < minPasswordLen:
		fields[field] = "must be at least 8 characters"
	case len(pw) > maxPasswordBytes:
		fields[field] = "must be at most 72 bytes"
	}
}

func validation(fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	return &ValidationError{Fields: fields}
}
