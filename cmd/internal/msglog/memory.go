package msglog

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

const memMaxMessagesPerConversation = 10_000

// MemoryLog is a dev/test Log kept entirely in process memory.
// Each conversation has its own lock; the outer map lock is held only to find
// or create a conversation bucket.
//
// A conversation holds at most 10,000 messages. Appends past that fail with
// ErrFull; stored messages are never evicted.
type MemoryLog struct {
	opts   options
	closed atomic.Bool
	max    int

	mu    sync.RWMutex
	convs map[string]*memConv
}

type memConv struct {
	mu   sync.RWMutex
	msgs []Message // ascending by ID
}

// NewMemoryLog constructs an empty MemoryLog.
func NewMemoryLog(opts ...Option) *MemoryLog {
	return &MemoryLog{
		opts:  buildOptions(opts),
		max:   memMaxMessagesPerConversation,
		convs: make(map[string]*memConv),
	}
}

// Close marks the log closed. Further calls fail with ErrClosed.
func (l *MemoryLog) Close() error {
	l.closed.Store(true)
	return nil
}

func (l *MemoryLog) bucket(id string, create bool) *memConv {
	l.mu.RLock()
	c := l.convs[id]
	l.mu.RUnlock()
	if c != nil || !create {
		return c
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if c = l.convs[id]; c == nil {
		c = &memConv{msgs: make([]Message, 0, 64)}
		l.convs[id] = c
	}
	return c
}

// Append implements Log.
func (l *MemoryLog) Append(ctx context.Context, in AppendInput) (Message, error) {
	if l.closed.Load() {
		return Message{}, ErrClosed
	}
	if err := validateAppend(in); err != nil {
		return Message{}, err
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	c := l.bucket(in.ConversationID, true)

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.msgs) >= l.max {
		return Message{}, fmt.Errorf("%w: %s holds %d messages", ErrFull, in.ConversationID, l.max)
	}

	id, err := l.opts.gen.Next()
	if err != nil {
		return Message{}, err
	}
	m := Message{
		ConversationID: in.ConversationID,
		ID:             id,
		AuthorID:       in.AuthorID,
		AuthorUsername: in.AuthorUsername,
		Body:           in.Body,
	}

	// IDs come from a shared generator, so they normally arrive in order; the
	// sorted insert keeps Scan correct when they do not.
	i := sort.Search(len(c.msgs), func(i int) bool { return c.msgs[i].ID.Compare(id) > 0 })
	c.msgs = append(c.msgs, Message{})
	copy(c.msgs[i+1:], c.msgs[i:])
	c.msgs[i] = m
	return m, nil
}

// Scan implements Log.
func (l *MemoryLog) Scan(ctx context.Context, in ScanInput) ([]Message, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}
	if err := validateConversationID(in.ConversationID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit := ClampLimit(in.Limit)

	c := l.bucket(in.ConversationID, false)
	if c == nil {
		return nil, nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	end := len(c.msgs)
	if in.Before != nil {
		before := *in.Before
		end = sort.Search(len(c.msgs), func(i int) bool { return c.msgs[i].ID.Compare(before) >= 0 })
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	return append([]Message(nil), c.msgs[start:end]...), nil
}
