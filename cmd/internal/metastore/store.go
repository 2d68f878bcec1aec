// Package metastore holds the small relational metadata next to the message
// log: conversations, their participants, the conversation activity time and
// each participant's read cursor.
//
// The two write operations are monotonic. A stored timestamp only moves
// forward; an older or equal value is a no-op, so updates can be retried,
// replayed or applied out of order without moving a value backwards.
package metastore

import (
	"context"
	"sort"
	"strings"
	"time"

	"murmur/cmd/identity"

	"github.com/samber/lo"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// Conversation is a chat between participants.
// LastMessageAt is nil until the first message is recorded.
type Conversation struct {
	ID            string
	CreatedAt     time.Time
	LastMessageAt *time.Time
	Participants  []identity.Principal
}

// HasParticipant reports whether userID takes part in c.
func (c Conversation) HasParticipant(userID int64) bool {
	return lo.ContainsBy(c.Participants, func(p identity.Principal) bool { return p.ID == userID })
}

// Peer returns the first participant that is not userID.
func (c Conversation) Peer(userID int64) (identity.Principal, bool) {
	return lo.Find(c.Participants, func(p identity.Principal) bool { return p.ID != userID })
}

// Participant links a user to a conversation.
// LastReadAt is nil until the user first sends a read receipt.
type Participant struct {
	UserID         int64
	ConversationID string
	LastReadAt     *time.Time
}

// Writer is the monotonic update surface.
// The bool result reports whether the stored value moved.
type Writer interface {
	AdvanceConversationActivity(ctx context.Context, conversationID string, at time.Time) (bool, error)
	AdvanceReadCursor(ctx context.Context, userID int64, conversationID string, at time.Time) (bool, error)
}

// Store is the full metadata boundary.
//
// FindDirectConversation and Participant return identity.NotFoundError when
// nothing matches. CreateConversation writes the conversation and exactly its
// participant rows in one transaction.
type Store interface {
	identity.Store
	Writer

	IsParticipant(ctx context.Context, userID int64, conversationID string) (bool, error)
	Participant(ctx context.Context, userID int64, conversationID string) (Participant, error)
	FindDirectConversation(ctx context.Context, a, b int64) (Conversation, error)
	CreateConversation(ctx context.Context, id string, participants []identity.Principal) (Conversation, error)
	ListConversations(ctx context.Context, userID int64, limit int) ([]Conversation, error)

	Close() error
}

// ClampListLimit applies the default and maximum list window.
func ClampListLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

func invalid(op, msg string) error {
	return identity.OpError{Op: op, Kind: identity.ErrInvalidInput, Msg: msg}
}

func validateConversationID(op, id string) error {
	if strings.TrimSpace(id) == "" {
		return invalid(op, "conversation_id is required")
	}
	return nil
}

func validateAdvance(op, conversationID string, at time.Time) error {
	if err := validateConversationID(op, conversationID); err != nil {
		return err
	}
	if at.IsZero() {
		return invalid(op, "timestamp is required")
	}
	return nil
}

// validateParticipants checks a create request and returns the participants
// sorted by user ID.
func validateParticipants(op string, participants []identity.Principal) ([]identity.Principal, error) {
	if len(participants) < 2 {
		return nil, invalid(op, "at least two participants are required")
	}
	for _, p := range participants {
		if p.IsZero() {
			return nil, invalid(op, "participant id is required")
		}
	}
	uniq := lo.UniqBy(participants, func(p identity.Principal) int64 { return p.ID })
	if len(uniq) != len(participants) {
		return nil, invalid(op, "duplicate participant")
	}
	sort.Slice(uniq, func(i, j int) bool { return uniq[i].ID < uniq[j].ID })
	return uniq, nil
}

// sortConversations orders by activity (newest first, never-active last),
// then by creation time, newest first.
func sortConversations(cs []Conversation) {
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		switch {
		case a.LastMessageAt != nil && b.LastMessageAt != nil:
			if !a.LastMessageAt.Equal(*b.LastMessageAt) {
				return a.LastMessageAt.After(*b.LastMessageAt)
			}
		case a.LastMessageAt != nil:
			return true
		case b.LastMessageAt != nil:
			return false
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

func utcPtr(t time.Time) *time.Time {
	u := t.UTC()
	return &u
}
