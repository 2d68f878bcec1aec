package token

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
)

const (
	// QueryParam is the query-string key browsers use, since they cannot set
	// headers on a websocket handshake.
	QueryParam = "token"

	// SubprotocolScheme marks the credential-carrying Sec-WebSocket-Protocol
	// entry: "bearer, <token>".
	SubprotocolScheme = "bearer"

	fingerprintLen = 12
)

// FromRequest returns the bearer credential carried by r.
//
// Sources are checked in order: the "token" query parameter, the
// Authorization header ("Bearer <t>" or "JWT <t>"), then the
// Sec-WebSocket-Protocol pair "bearer, <t>".
func FromRequest(r *http.Request) (string, error) {
	if r == nil {
		return "", ErrMissing
	}

	if t := strings.TrimSpace(r.URL.Query().Get(QueryParam)); t != "" {
		return t, nil
	}

	if t, ok := fromAuthorization(r.Header.Get("Authorization")); ok {
		return t, nil
	}

	if t, ok := fromSubprotocols(r.Header.Values("Sec-WebSocket-Protocol")); ok {
		return t, nil
	}

	return "", ErrMissing
}

func fromAuthorization(h string) (string, bool) {
	scheme, rest, ok := strings.Cut(strings.TrimSpace(h), " ")
	if !ok {
		return "", false
	}
	switch strings.ToLower(scheme) {
	case "bearer", "jwt":
	default:
		return "", false
	}
	t := strings.TrimSpace(rest)
	return t, t != ""
}

func fromSubprotocols(values []string) (string, bool) {
	var protos []string
	for _, v := range values {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				protos = append(protos, p)
			}
		}
	}
	for i := 0; i+1 < len(protos); i++ {
		if strings.EqualFold(protos[i], SubprotocolScheme) {
			return protos[i+1], true
		}
	}
	return "", false
}

// HashSHA256Hex returns a SHA-256 hex digest of s.
func HashSHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Fingerprint returns a short, log-safe identifier for a credential.
func Fingerprint(t string) string {
	if t == "" {
		return ""
	}
	return HashSHA256Hex(t)[:fingerprintLen]
}
