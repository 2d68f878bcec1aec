package app

import (
	"errors"
	"fmt"

	"murmur/cmd/internal/auth/gate"
)

// ValidateSecurityConfig enforces the credential policy at startup.
//
// Fail-fast: a server that cannot verify tokens must not start accepting
// connections.
func ValidateSecurityConfig(cfg Config) error {
	if cfg.JWT.Secret == "" {
		return errors.New("security policy: MURMUR_JWT_SECRET is missing")
	}
	// Measured in bytes, not runes: the key is used as raw HMAC bytes.
	if n := len(cfg.JWT.Secret); n < minJWTSecretBytes {
		return fmt.Errorf("security policy: MURMUR_JWT_SECRET is too short (%d bytes, min %d)", n, minJWTSecretBytes)
	}
	if cfg.JWT.Leeway < 0 {
		return errors.New("security policy: MURMUR_JWT_LEEWAY must not be negative")
	}
	return nil
}

// NewDecoder builds the JWT decoder from validated config.
func NewDecoder(cfg JWTConfig) (*gate.JWTDecoder, error) {
	opts := []gate.DecoderOption{gate.WithLeeway(cfg.Leeway)}
	if cfg.Issuer != "" {
		opts = append(opts, gate.WithIssuer(cfg.Issuer))
	}
	return gate.NewJWTDecoder([]byte(cfg.Secret), opts...)
}
