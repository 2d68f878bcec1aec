package identity

import (
	"context"
	"time"
)

// Principal is the authenticated user identity bound to a connection.
// It is resolved once at connect time and never changes for the connection's lifetime.
type Principal struct {
	ID       int64
	Username string
}

// IsZero reports whether p is the anonymous principal.
func (p Principal) IsZero() bool { return p.ID == 0 }

// User is the stored user row. Profile data lives elsewhere; only what the
// chat core needs is kept here.
type User struct {
	ID        int64
	Username  string
	CreatedAt time.Time
}

// Principal returns the principal view of u.
func (u User) Principal() Principal {
	return Principal{ID: u.ID, Username: u.Username}
}

// Store is the user lookup boundary.
//
// LookupUser returns NotFoundError when the username is unknown.
// EnsureUser creates the user when missing and is used for seeding (CLI, tests);
// it is not a profile API.
type Store interface {
	LookupUser(ctx context.Context, username string) (Principal, error)
	EnsureUser(ctx context.Context, username string) (Principal, error)
}
