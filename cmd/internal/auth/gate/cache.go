package gate

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"murmur/cmd/identity"

	radix "github.com/mediocregopher/radix/v3"
)

const defaultCacheTTL = time.Minute

type cachedPrincipal struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// CachedResolver keeps successful user lookups in Redis for a short TTL.
// Misses and errors are never cached, and a Redis failure falls through to
// the wrapped resolver.
type CachedResolver struct {
	next  UserResolver
	redis radix.Client
	ttl   time.Duration
	log   *slog.Logger
}

// NewCachedResolver wraps next with a Redis cache. ttl <= 0 uses one minute;
// SETEX has whole-second granularity, so shorter values round up to a second.
func NewCachedResolver(next UserResolver, redis radix.Client, ttl time.Duration, log *slog.Logger) *CachedResolver {
	switch {
	case ttl <= 0:
		ttl = defaultCacheTTL
	case ttl < time.Second:
		ttl = time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &CachedResolver{next: next, redis: redis, ttl: ttl, log: log}
}

func (c *CachedResolver) cacheKey(username string) string {
	return "murmur:user:" + username
}

// LookupUser implements UserResolver.
func (c *CachedResolver) LookupUser(ctx context.Context, username string) (identity.Principal, error) {
	norm, err := identity.ValidateUsername("gate.LookupUser", username)
	if err != nil {
		return identity.Principal{}, err
	}
	if c.redis == nil {
		return c.next.LookupUser(ctx, norm)
	}

	key := c.cacheKey(norm)
	var raw string
	if err := c.redis.Do(radix.Cmd(&raw, "GET", key)); err != nil {
		c.log.Warn("auth.cache.get.fail", "err", err)
	} else if raw != "" {
		var cp cachedPrincipal
		if err := json.Unmarshal([]byte(raw), &cp); err == nil && cp.ID > 0 {
			return identity.Principal{ID: cp.ID, Username: cp.Username}, nil
		}
		_ = c.redis.Do(radix.Cmd(nil, "DEL", key))
	}

	p, err := c.next.LookupUser(ctx, norm)
	if err != nil {
		return identity.Principal{}, err
	}

	body, _ := json.Marshal(cachedPrincipal{ID: p.ID, Username: p.Username})
	if err := c.redis.Do(radix.FlatCmd(nil, "SETEX", key, int64(c.ttl/time.Second), body)); err != nil {
		c.log.Warn("auth.cache.set.fail", "err", err)
	}
	return p, nil
}
