package metastore

import (
	"context"
	"sync"
	"time"

	"murmur/cmd/identity"
)

// MemoryStore is an in-process Store for tests and single-node dev runs.
type MemoryStore struct {
	*identity.MemoryStore

	mu    sync.RWMutex
	now   func() time.Time
	convs map[string]*memConversation
	// byUser indexes conversation IDs per participant.
	byUser map[int64]map[string]struct{}
}

type memConversation struct {
	conv     Conversation
	lastRead map[int64]*time.Time
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		MemoryStore: identity.NewMemoryStore(),
		now:         time.Now,
		convs:       make(map[string]*memConversation),
		byUser:      make(map[int64]map[string]struct{}),
	}
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// AdvanceConversationActivity implements Writer.
func (s *MemoryStore) AdvanceConversationActivity(ctx context.Context, conversationID string, at time.Time) (bool, error) {
	const op = "metastore.AdvanceConversationActivity"
	if err := validateAdvance(op, conversationID, at); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[conversationID]
	if c == nil {
		return false, nil
	}
	if c.conv.LastMessageAt != nil && !c.conv.LastMessageAt.Before(at) {
		return false, nil
	}
	c.conv.LastMessageAt = utcPtr(at)
	return true, nil
}

// AdvanceReadCursor implements Writer.
func (s *MemoryStore) AdvanceReadCursor(ctx context.Context, userID int64, conversationID string, at time.Time) (bool, error) {
	const op = "metastore.AdvanceReadCursor"
	if err := validateAdvance(op, conversationID, at); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[conversationID]
	if c == nil {
		return false, nil
	}
	cur, ok := c.lastRead[userID]
	if !ok {
		return false, nil
	}
	if cur != nil && !cur.Before(at) {
		return false, nil
	}
	c.lastRead[userID] = utcPtr(at)
	return true, nil
}

// IsParticipant implements Store.
func (s *MemoryStore) IsParticipant(ctx context.Context, userID int64, conversationID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	c := s.convs[conversationID]
	if c == nil {
		return false, nil
	}
	_, ok := c.lastRead[userID]
	return ok, nil
}

// Participant implements Store.
func (s *MemoryStore) Participant(ctx context.Context, userID int64, conversationID string) (Participant, error) {
	const op = "metastore.Participant"
	if err := ctx.Err(); err != nil {
		return Participant{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	c := s.convs[conversationID]
	if c == nil {
		return Participant{}, identity.NotFoundError{Op: op, Resource: "participant"}
	}
	last, ok := c.lastRead[userID]
	if !ok {
		return Participant{}, identity.NotFoundError{Op: op, Resource: "participant"}
	}
	p := Participant{UserID: userID, ConversationID: conversationID}
	if last != nil {
		p.LastReadAt = utcPtr(*last)
	}
	return p, nil
}

// FindDirectConversation implements Store.
// With duplicates present, the oldest conversation wins.
func (s *MemoryStore) FindDirectConversation(ctx context.Context, a, b int64) (Conversation, error) {
	const op = "metastore.FindDirectConversation"
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		found Conversation
		ok    bool
	)
	for id := range s.byUser[a] {
		c := s.convs[id]
		if len(c.conv.Participants) != 2 || !c.conv.HasParticipant(b) {
			continue
		}
		if !ok || c.conv.CreatedAt.Before(found.CreatedAt) ||
			(c.conv.CreatedAt.Equal(found.CreatedAt) && c.conv.ID < found.ID) {
			found, ok = c.conv, true
		}
	}
	if !ok {
		return Conversation{}, identity.NotFoundError{Op: op, Resource: "conversation"}
	}
	return cloneConversation(found), nil
}

// CreateConversation implements Store.
func (s *MemoryStore) CreateConversation(ctx context.Context, id string, participants []identity.Principal) (Conversation, error) {
	const op = "metastore.CreateConversation"
	if err := validateConversationID(op, id); err != nil {
		return Conversation{}, err
	}
	ps, err := validateParticipants(op, participants)
	if err != nil {
		return Conversation{}, err
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.convs[id]; exists {
		return Conversation{}, identity.ConflictError{Op: op, Field: "conversation"}
	}

	c := &memConversation{
		conv: Conversation{
			ID:           id,
			CreatedAt:    s.now().UTC(),
			Participants: ps,
		},
		lastRead: make(map[int64]*time.Time, len(ps)),
	}
	for _, p := range ps {
		c.lastRead[p.ID] = nil
		if s.byUser[p.ID] == nil {
			s.byUser[p.ID] = make(map[string]struct{})
		}
		s.byUser[p.ID][id] = struct{}{}
	}
	s.convs[id] = c
	return cloneConversation(c.conv), nil
}

// ListConversations implements Store.
func (s *MemoryStore) ListConversations(ctx context.Context, userID int64, limit int) ([]Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = ClampListLimit(limit)

	s.mu.RLock()
	out := make([]Conversation, 0, len(s.byUser[userID]))
	for id := range s.byUser[userID] {
		out = append(out, cloneConversation(s.convs[id].conv))
	}
	s.mu.RUnlock()

	sortConversations(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneConversation(c Conversation) Conversation {
	c.Participants = append([]identity.Principal(nil), c.Participants...)
	if c.LastMessageAt != nil {
		c.LastMessageAt = utcPtr(*c.LastMessageAt)
	}
	return c
}
