// Package gate authenticates websocket connections.
//
// A connection presents a signed bearer credential. The gate verifies it,
// reads the username claim and resolves the user. Anything short of a
// resolved principal is a rejection, and a rejected connection is never
// upgraded.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"murmur/cmd/identity"
	"murmur/cmd/security/token"

	"github.com/golang-jwt/jwt/v5"
)

// ErrAuthRejected wraps every authentication failure.
var ErrAuthRejected = errors.New("auth rejected")

var (
	ErrEmptySecret     = errors.New("gate: empty signing secret")
	ErrMissingUsername = errors.New("gate: username claim missing")
)

// Claims is the credential payload.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// ExpiresAtTime returns the expiry instant, or the zero time when absent.
func (c Claims) ExpiresAtTime() time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}

// Decoder verifies a raw credential and returns its claims.
type Decoder interface {
	Decode(raw string) (Claims, error)
}

// UserResolver maps a username to a principal.
// Unknown users yield identity.NotFoundError.
type UserResolver interface {
	LookupUser(ctx context.Context, username string) (identity.Principal, error)
}

// JWTDecoder verifies HS256 JWTs. The exp claim is required.
type JWTDecoder struct {
	secret []byte
	parser *jwt.Parser
}

type decoderConfig struct {
	leeway time.Duration
	now    func() time.Time
	issuer string
}

// DecoderOption configures JWTDecoder.
type DecoderOption func(*decoderConfig)

// WithLeeway tolerates clock skew on exp/nbf/iat checks.
func WithLeeway(d time.Duration) DecoderOption {
	return func(c *decoderConfig) {
		if d >= 0 {
			c.leeway = d
		}
	}
}

// WithClock overrides the validation clock.
func WithClock(now func() time.Time) DecoderOption {
	return func(c *decoderConfig) {
		if now != nil {
			c.now = now
		}
	}
}

// WithIssuer requires the iss claim to equal iss.
func WithIssuer(iss string) DecoderOption {
	return func(c *decoderConfig) { c.issuer = strings.TrimSpace(iss) }
}

// NewJWTDecoder builds a decoder for tokens signed with secret.
func NewJWTDecoder(secret []byte, opts ...DecoderOption) (*JWTDecoder, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}
	cfg := decoderConfig{now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	popts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.leeway),
		jwt.WithTimeFunc(cfg.now),
	}
	if cfg.issuer != "" {
		popts = append(popts, jwt.WithIssuer(cfg.issuer))
	}

	return &JWTDecoder{
		secret: append([]byte(nil), secret...),
		parser: jwt.NewParser(popts...),
	}, nil
}

// Decode implements Decoder.
func (d *JWTDecoder) Decode(raw string) (Claims, error) {
	var claims Claims
	tok, err := d.parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return d.secret, nil
	})
	if err != nil {
		return Claims{}, err
	}
	if !tok.Valid {
		return Claims{}, jwt.ErrTokenSignatureInvalid
	}
	if strings.TrimSpace(claims.Username) == "" {
		return Claims{}, ErrMissingUsername
	}
	return claims, nil
}

// Gate ties credential verification to user resolution.
type Gate struct {
	dec   Decoder
	users UserResolver
	log   *slog.Logger
}

// New constructs a Gate.
func New(dec Decoder, users UserResolver, log *slog.Logger) *Gate {
	if log == nil {
		log = slog.Default()
	}
	return &Gate{dec: dec, users: users, log: log}
}

// Authenticate resolves raw to a principal. Every failure wraps ErrAuthRejected.
func (g *Gate) Authenticate(ctx context.Context, raw string) (identity.Principal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return identity.Principal{}, fmt.Errorf("%w: %w", ErrAuthRejected, token.ErrMissing)
	}

	claims, err := g.dec.Decode(raw)
	if err != nil {
		g.log.Debug("auth.decode.fail", "fp", token.Fingerprint(raw), "err", err)
		return identity.Principal{}, fmt.Errorf("%w: %w", ErrAuthRejected, err)
	}

	p, err := g.users.LookupUser(ctx, claims.Username)
	if err != nil {
		if !identity.IsNotFound(err) && !identity.IsInvalidInput(err) {
			g.log.Warn("auth.lookup.fail", "fp", token.Fingerprint(raw), "err", err)
		}
		return identity.Principal{}, fmt.Errorf("%w: %w", ErrAuthRejected, err)
	}
	if p.IsZero() {
		return identity.Principal{}, fmt.Errorf("%w: unresolved principal", ErrAuthRejected)
	}
	return p, nil
}
