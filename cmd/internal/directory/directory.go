// Package directory starts, lists and reads conversations on behalf of an
// authenticated principal.
//
// StartConversation is idempotent for a given pair: it looks the pair up
// before creating. The lookup and the create are separate steps, so two
// first-time requests racing each other may both create a conversation. When
// that happens, later lookups return the oldest one.
package directory

import (
	"context"
	"fmt"
	"log/slog"

	"murmur/cmd/identity"
	"murmur/cmd/identity/ids"
	"murmur/cmd/internal/metastore"
	"murmur/cmd/internal/msglog"

	"github.com/google/uuid"
)

// Directory is the conversation service.
type Directory struct {
	store metastore.Store
	log   msglog.Log
	l     *slog.Logger
	newID func() string
}

// Option configures Directory.
type Option func(*Directory)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Directory) {
		if l != nil {
			d.l = l
		}
	}
}

// WithIDFunc replaces conversation ID generation.
func WithIDFunc(f func() string) Option {
	return func(d *Directory) {
		if f != nil {
			d.newID = f
		}
	}
}

// New constructs a Directory. log may be nil when History is not used.
func New(store metastore.Store, log msglog.Log, opts ...Option) *Directory {
	d := &Directory{
		store: store,
		log:   log,
		l:     slog.Default(),
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// StartConversation returns the two-party conversation between requester and
// targetUsername, creating it when none exists. created reports which.
func (d *Directory) StartConversation(ctx context.Context, requester identity.Principal, targetUsername string) (conv metastore.Conversation, created bool, err error) {
	const op = "directory.StartConversation"

	if requester.IsZero() {
		return metastore.Conversation{}, false, identity.OpError{Op: op, Kind: identity.ErrInvalidInput, Msg: "requester is required"}
	}

	target, err := d.store.LookupUser(ctx, targetUsername)
	if err != nil {
		if identity.IsNotFound(err) {
			return metastore.Conversation{}, false, identity.NotFoundError{Op: op, Resource: "user"}
		}
		return metastore.Conversation{}, false, err
	}
	if target.ID == requester.ID {
		return metastore.Conversation{}, false, identity.OpError{Op: op, Kind: identity.ErrSelfConversation, Msg: "cannot start a conversation with yourself"}
	}

	conv, err = d.store.FindDirectConversation(ctx, requester.ID, target.ID)
	if err == nil {
		return conv, false, nil
	}
	if !identity.IsNotFound(err) {
		return metastore.Conversation{}, false, fmt.Errorf("%s: %w", op, err)
	}

	conv, err = d.store.CreateConversation(ctx, d.newID(), []identity.Principal{requester, target})
	if err != nil {
		return metastore.Conversation{}, false, fmt.Errorf("%s: %w", op, err)
	}
	d.l.Info("conversation.create",
		"conversation_id", conv.ID,
		"requester_id", requester.ID,
		"target_id", target.ID,
	)
	return conv, true, nil
}

// ListConversations returns the requester's conversations, most recently
// active first.
func (d *Directory) ListConversations(ctx context.Context, requester identity.Principal, limit int) ([]metastore.Conversation, error) {
	if requester.IsZero() {
		return nil, identity.OpError{Op: "directory.ListConversations", Kind: identity.ErrInvalidInput, Msg: "requester is required"}
	}
	return d.store.ListConversations(ctx, requester.ID, limit)
}

// History returns a window of messages from a conversation the requester
// takes part in. before, when non-nil, is exclusive.
func (d *Directory) History(ctx context.Context, requester identity.Principal, conversationID string, limit int, before *ids.ID) ([]msglog.Message, error) {
	const op = "directory.History"

	if d.log == nil {
		return nil, fmt.Errorf("%s: no message log configured", op)
	}
	ok, err := d.store.IsParticipant(ctx, requester.ID, conversationID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		return nil, identity.NotFoundError{Op: op, Resource: "conversation"}
	}
	return d.log.Scan(ctx, msglog.ScanInput{ConversationID: conversationID, Limit: limit, Before: before})
}
