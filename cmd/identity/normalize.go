package identity

import (
	"regexp"
	"strings"
)

const maxUsernameLen = 150

var usernameRE = regexp.MustCompile(`^[a-z0-9_.@+-]+$`)

// NormalizeUsername performs case-insensitive canonicalization.
func NormalizeUsername(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// ValidateUsername normalizes s and checks it against the allowed charset.
func ValidateUsername(op, s string) (string, error) {
	n := NormalizeUsername(s)
	if n == "" {
		return "", OpError{Op: op, Kind: ErrInvalidInput, Msg: "username is required"}
	}
	if len(n) > maxUsernameLen {
		return "", OpError{Op: op, Kind: ErrInvalidInput, Msg: "username too long"}
	}
	if !usernameRE.MatchString(n) {
		return "", OpError{Op: op, Kind: ErrInvalidInput, Msg: "username has invalid characters"}
	}
	return n, nil
}
