package identity

import (
	"context"
	"sync"
)

// MemoryStore is an in-process user store for dev mode and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	nextID int64
	byName map[string]Principal
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byName: make(map[string]Principal)}
}

// LookupUser implements Store.
func (s *MemoryStore) LookupUser(ctx context.Context, username string) (Principal, error) {
	const op = "identity.LookupUser"

	norm, err := ValidateUsername(op, username)
	if err != nil {
		return Principal{}, err
	}
	if err := ctx.Err(); err != nil {
		return Principal{}, err
	}

	s.mu.RLock()
	p, ok := s.byName[norm]
	s.mu.RUnlock()
	if !ok {
		return Principal{}, NotFoundError{Op: op, Resource: "user"}
	}
	return p, nil
}

// EnsureUser implements Store.
func (s *MemoryStore) EnsureUser(ctx context.Context, username string) (Principal, error) {
	const op = "identity.EnsureUser"

	norm, err := ValidateUsername(op, username)
	if err != nil {
		return Principal{}, err
	}
	if err := ctx.Err(); err != nil {
		return Principal{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.byName[norm]; ok {
		return p, nil
	}
	s.nextID++
	p := Principal{ID: s.nextID, Username: norm}
	s.byName[norm] = p
	return p, nil
}
