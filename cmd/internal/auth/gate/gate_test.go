package gate

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"murmur/cmd/identity"
	"murmur/cmd/security/token"

	"github.com/golang-jwt/jwt/v5"
	radix "github.com/mediocregopher/radix/v3"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func mint(t *testing.T, method jwt.SigningMethod, key any, claims Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

func claimsFor(username string, exp time.Time) Claims {
	return Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(exp.Add(-time.Hour)),
		},
	}
}

func TestJWTDecoder(t *testing.T) {
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	dec, err := NewJWTDecoder(testSecret, WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	cases := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{name: "valid", raw: mint(t, jwt.SigningMethodHS256, testSecret, claimsFor("alice", now.Add(time.Minute)))},
		{name: "expired", raw: mint(t, jwt.SigningMethodHS256, testSecret, claimsFor("alice", now.Add(-time.Second))), wantErr: true},
		{name: "wrong secret", raw: mint(t, jwt.SigningMethodHS256, []byte("another-secret-another-secret-xx"), claimsFor("alice", now.Add(time.Minute))), wantErr: true},
		{name: "wrong algorithm", raw: mint(t, jwt.SigningMethodHS512, testSecret, claimsFor("alice", now.Add(time.Minute))), wantErr: true},
		{name: "missing exp", raw: mint(t, jwt.SigningMethodHS256, testSecret, Claims{Username: "alice"}), wantErr: true},
		{name: "missing username", raw: mint(t, jwt.SigningMethodHS256, testSecret, claimsFor("", now.Add(time.Minute))), wantErr: true},
		{name: "garbage", raw: "not.a.jwt", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, err := dec.Decode(tc.raw)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, "alice", c.Username)
			require.True(t, c.ExpiresAtTime().Equal(now.Add(time.Minute)))
		})
	}
}

func TestJWTDecoder_Leeway(t *testing.T) {
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	raw := mint(t, jwt.SigningMethodHS256, testSecret, claimsFor("alice", now.Add(-5*time.Second)))

	strict, err := NewJWTDecoder(testSecret, WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	_, err = strict.Decode(raw)
	require.Error(t, err)

	lenient, err := NewJWTDecoder(testSecret, WithClock(func() time.Time { return now }), WithLeeway(10*time.Second))
	require.NoError(t, err)
	_, err = lenient.Decode(raw)
	require.NoError(t, err)
}

func TestNewJWTDecoder_EmptySecret(t *testing.T) {
	_, err := NewJWTDecoder(nil)
	require.ErrorIs(t, err, ErrEmptySecret)
}

type stubDecoder struct {
	claims Claims
	err    error
}

func (s stubDecoder) Decode(string) (Claims, error) { return s.claims, s.err }

type failingResolver struct{ err error }

func (f failingResolver) LookupUser(context.Context, string) (identity.Principal, error) {
	return identity.Principal{}, f.err
}

func TestGate_Authenticate(t *testing.T) {
	ctx := context.Background()
	users := identity.NewMemoryStore()
	alice, err := users.EnsureUser(ctx, "alice")
	require.NoError(t, err)

	dec, err := NewJWTDecoder(testSecret)
	require.NoError(t, err)
	valid := mint(t, jwt.SigningMethodHS256, testSecret, claimsFor("alice", time.Now().Add(time.Hour)))
	unknown := mint(t, jwt.SigningMethodHS256, testSecret, claimsFor("mallory", time.Now().Add(time.Hour)))

	t.Run("resolves principal", func(t *testing.T) {
		p, err := New(dec, users, nil).Authenticate(ctx, valid)
		require.NoError(t, err)
		require.Equal(t, alice, p)
	})

	rejections := []struct {
		name string
		g    *Gate
		raw  string
	}{
		{name: "empty credential", g: New(dec, users, nil), raw: "  "},
		{name: "invalid credential", g: New(dec, users, nil), raw: "garbage"},
		{name: "unknown user", g: New(dec, users, nil), raw: unknown},
		{name: "decoder error", g: New(stubDecoder{err: errors.New("boom")}, users, nil), raw: "x"},
		{name: "store failure", g: New(stubDecoder{claims: Claims{Username: "alice"}}, failingResolver{err: errors.New("db down")}, nil), raw: "x"},
	}
	for _, tc := range rejections {
		t.Run(tc.name, func(t *testing.T) {
			p, err := tc.g.Authenticate(ctx, tc.raw)
			require.ErrorIs(t, err, ErrAuthRejected)
			require.True(t, p.IsZero())
		})
	}

	_, err = New(dec, users, nil).Authenticate(ctx, "")
	require.ErrorIs(t, err, token.ErrMissing)
}

type countingResolver struct {
	mu    sync.Mutex
	calls int
	next  UserResolver
}

func (c *countingResolver) LookupUser(ctx context.Context, username string) (identity.Principal, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.next.LookupUser(ctx, username)
}

// fakeRedis answers GET/SETEX/DEL from a map.
func fakeRedis() (radix.Conn, map[string]string) {
	var mu sync.Mutex
	data := map[string]string{}
	conn := radix.Stub("tcp", "127.0.0.1:6379", func(args []string) interface{} {
		mu.Lock()
		defer mu.Unlock()
		switch strings.ToUpper(args[0]) {
		case "GET":
			v, ok := data[args[1]]
			if !ok {
				return nil
			}
			return v
		case "SETEX":
			data[args[1]] = args[3]
			return "OK"
		case "DEL":
			delete(data, args[1])
			return 1
		}
		return errors.New("unsupported command")
	})
	return conn, data
}

func TestCachedResolver(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()

	users := identity.NewMemoryStore()
	alice, err := users.EnsureUser(ctx, "alice")
	req.NoError(err)

	conn, data := fakeRedis()
	counting := &countingResolver{next: users}
	c := NewCachedResolver(counting, conn, time.Minute, nil)

	p, err := c.LookupUser(ctx, "Alice")
	req.NoError(err)
	req.Equal(alice, p)
	req.Contains(data, "murmur:user:alice")

	p, err = c.LookupUser(ctx, "alice")
	req.NoError(err)
	req.Equal(alice, p)
	req.Equal(1, counting.calls, "second lookup should be served from cache")

	_, err = c.LookupUser(ctx, "nobody")
	req.True(identity.IsNotFound(err))
	req.NotContains(data, "murmur:user:nobody")
}

func TestCachedResolver_NilRedisPassesThrough(t *testing.T) {
	ctx := context.Background()
	users := identity.NewMemoryStore()
	alice, err := users.EnsureUser(ctx, "alice")
	require.NoError(t, err)

	p, err := NewCachedResolver(users, nil, 0, nil).LookupUser(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, alice, p)
}
