// Package msglog is the append-only, time-ordered message log.
//
// Every message is keyed by (conversation id, ids.ID). The log assigns the ID
// on Append, so identifier order within a conversation is the order in which
// appends reached the log's generator. Scan returns the newest messages in
// ascending ID order.
//
// Messages are immutable: nothing in this package updates or deletes them.
package msglog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"murmur/cmd/identity/ids"
)

const (
	DefaultScanLimit = 50
	MaxScanLimit     = 200

	maxConversationIDLen = 128
)

var (
	ErrInvalidInput = errors.New("msglog: invalid input")
	ErrClosed       = errors.New("msglog: closed")
	ErrFull         = errors.New("msglog: conversation is full")
)

// Message is one immutable log entry.
// AuthorUsername is denormalized at write time; renames never rewrite history.
type Message struct {
	ConversationID string `json:"conversation_id"`
	ID             ids.ID `json:"id"`
	AuthorID       int64  `json:"author_id"`
	AuthorUsername string `json:"author_username"`
	Body           string `json:"body"`
}

// Timestamp is the wall-clock instant embedded in the message ID.
func (m Message) Timestamp() time.Time { return ids.Time(m.ID) }

// AppendInput describes a message append request.
type AppendInput struct {
	ConversationID string
	AuthorID       int64
	AuthorUsername string
	Body           string
}

// ScanInput describes a history window request.
// Before, when set, is exclusive: only messages with ID < *Before are returned.
type ScanInput struct {
	ConversationID string
	Limit          int
	Before         *ids.ID
}

// Log persists and reads messages.
type Log interface {
	Append(ctx context.Context, in AppendInput) (Message, error)
	Scan(ctx context.Context, in ScanInput) ([]Message, error)
	Close() error
}

// Option configures a Log backend.
type Option func(*options)

type options struct {
	gen *ids.Generator
	log *slog.Logger
}

// WithGenerator shares an ID generator between backends or injects a fake clock.
func WithGenerator(g *ids.Generator) Option {
	return func(o *options) {
		if g != nil {
			o.gen = g
		}
	}
}

// WithLogger sets the logger used for diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.gen == nil {
		o.gen = ids.NewGenerator()
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	return o
}

func validateConversationID(id string) error {
	if id == "" || len(id) > maxConversationIDLen || strings.ContainsAny(id, ": \t\n") {
		return fmt.Errorf("%w: conversation_id", ErrInvalidInput)
	}
	return nil
}

func validateAppend(in AppendInput) error {
	if err := validateConversationID(in.ConversationID); err != nil {
		return err
	}
	if in.AuthorID <= 0 || strings.TrimSpace(in.AuthorUsername) == "" {
		return fmt.Errorf("%w: author", ErrInvalidInput)
	}
	if strings.TrimSpace(in.Body) == "" {
		return fmt.Errorf("%w: body", ErrInvalidInput)
	}
	return nil
}

// ClampLimit applies the default and maximum scan window.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultScanLimit
	}
	if limit > MaxScanLimit {
		return MaxScanLimit
	}
	return limit
}

func reverse(msgs []Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
