package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"murmur/cmd/identity"
	"murmur/cmd/internal/msglog"
	v1 "murmur/shared/contracts/realtime/v1"

	"github.com/google/uuid"
)

var (
	ErrSessionState     = errors.New("realtime: invalid session state")
	ErrUnauthenticated  = errors.New("realtime: session requires a resolved principal")
	ErrStoreUnavailable = errors.New("realtime: message store unavailable")
)

// SessionState is the lifecycle of a chat session.
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateJoined
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateJoined:
		return "joined"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("SessionState(%d)", int32(s))
	}
}

// MetadataUpdater receives fire-and-forget metadata updates.
// Implementations must not block the caller; *metastore.AsyncWriter is one.
type MetadataUpdater interface {
	AdvanceConversationActivity(conversationID string, at time.Time)
	AdvanceReadCursor(userID int64, conversationID string, at time.Time)
}

// SessionDeps are the collaborators shared by every session.
type SessionDeps struct {
	Broker    Broker
	Log       msglog.Log
	Meta      MetadataUpdater
	Sequencer *Sequencer
	Clock     func() time.Time
	Logger    *slog.Logger
}

func (d SessionDeps) withDefaults() SessionDeps {
	if d.Sequencer == nil {
		d.Sequencer = NewSequencer()
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Meta == nil {
		d.Meta = discardMetadata{}
	}
	return d
}

type discardMetadata struct{}

func (discardMetadata) AdvanceConversationActivity(string, time.Time) {}
func (discardMetadata) AdvanceReadCursor(int64, string, time.Time)    {}

// Session is one authenticated connection bound to one conversation.
//
// Commands are handled one at a time on the connection's read goroutine, so
// Handle needs no lock of its own. Open and Close are serialized by mu, so a
// Close that overlaps Open always leaves the group Open joined.
type Session struct {
	id             string
	principal      identity.Principal
	conversationID string
	client         *Client
	deps           SessionDeps
	log            *slog.Logger

	mu        sync.Mutex // guards Open/Close transitions
	state     atomic.Int32
	closeOnce sync.Once
}

// NewSession builds a session in StateConnecting. The principal must already
// be resolved.
func NewSession(p identity.Principal, conversationID string, sendQueueSize int, deps SessionDeps) (*Session, error) {
	if p.IsZero() {
		return nil, ErrUnauthenticated
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, fmt.Errorf("%w: empty conversation id", msglog.ErrInvalidInput)
	}
	if deps.Broker == nil || deps.Log == nil {
		return nil, errors.New("realtime: session needs a broker and a message log")
	}
	deps = deps.withDefaults()

	id := uuid.NewString()
	return &Session{
		id:             id,
		principal:      p,
		conversationID: conversationID,
		client:         NewClient(id, sendQueueSize),
		deps:           deps,
		log: deps.Logger.With(
			"session_id", id,
			"user_id", p.ID,
			"conversation_id", conversationID,
		),
	}, nil
}

func (s *Session) ID() string                    { return s.id }
func (s *Session) Principal() identity.Principal { return s.principal }
func (s *Session) ConversationID() string        { return s.conversationID }
func (s *Session) Client() *Client               { return s.client }
func (s *Session) State() SessionState           { return SessionState(s.state.Load()) }

// Open joins the conversation group.
func (s *Session) Open(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st := s.State(); st != StateConnecting {
		return fmt.Errorf("%w: open from %s", ErrSessionState, st)
	}
	s.deps.Broker.Join(s.conversationID, s.client)
	s.state.Store(int32(StateJoined))
	s.log.Info("session.open", "username", s.principal.Username)
	return nil
}

// Close leaves the group and stops the outbound queue. It runs once; later
// calls are no-ops.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		prev := SessionState(s.state.Swap(int32(StateClosed)))
		if prev == StateJoined {
			s.deps.Broker.Leave(s.conversationID, s.client)
		}
		s.mu.Unlock()

		s.client.Close()
		s.log.Info("session.close", "from", prev.String())
	})
}

// Notify queues ev for this session only.
func (s *Session) Notify(ev v1.Event) bool {
	return s.client.enqueue(ev)
}

func (s *Session) notifyError(code, msg string) {
	if !s.Notify(v1.ErrorEvent{Code: code, Message: msg}) {
		s.log.Debug("session.notify.drop", "code", code)
	}
}

// Handle executes one inbound command.
//
// Validation and store failures are reported to the sender as an error frame
// and also returned; the connection stays usable either way.
func (s *Session) Handle(ctx context.Context, cmd v1.Command) error {
	if st := s.State(); st != StateJoined {
		return fmt.Errorf("%w: handle in %s", ErrSessionState, st)
	}

	switch c := cmd.(type) {
	case v1.NewMessageCommand:
		return s.onNewMessage(ctx, c)
	case v1.TypingCommand:
		return s.onTyping(ctx, c)
	case v1.ReadReceiptCommand:
		return s.onReadReceipt(ctx)
	default:
		return fmt.Errorf("%w: %T", v1.ErrUnknownCommand, cmd)
	}
}

func (s *Session) onNewMessage(ctx context.Context, c v1.NewMessageCommand) error {
	body := strings.TrimSpace(c.Message)
	switch {
	case body == "":
		s.notifyError(v1.CodeInvalidPayload, "message is empty")
		return fmt.Errorf("%w: empty message", v1.ErrInvalidPayload)
	case utf8.RuneCountInString(body) > maxMessageChars:
		s.notifyError(v1.CodeInvalidPayload, fmt.Sprintf("message too long: max=%d chars", maxMessageChars))
		return fmt.Errorf("%w: message too long", v1.ErrInvalidPayload)
	}

	// The append and its fanout outlive the connection: once a frame is
	// accepted the message is stored and published even if the socket dies.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeWriteTimeout)
	defer cancel()

	unlock := s.deps.Sequencer.Lock(s.conversationID)
	m, err := s.deps.Log.Append(wctx, msglog.AppendInput{
		ConversationID: s.conversationID,
		AuthorID:       s.principal.ID,
		AuthorUsername: s.principal.Username,
		Body:           body,
	})
	if err != nil {
		unlock()
		s.log.Error("message.append.fail", "err", err)
		s.notifyError(v1.CodeStoreUnavailable, "message could not be stored")
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	ev := v1.ChatMessageEvent{
		ConversationID: s.conversationID,
		Message: v1.MessageBody{
			ID:             m.ID.String(),
			AuthorUsername: m.AuthorUsername,
			Content:        m.Body,
			Timestamp:      m.Timestamp(),
		},
	}
	// The message is durable at this point; a failed fanout is logged only.
	err = s.deps.Broker.Publish(wctx, s.conversationID, Delivery{Origin: s.id, Event: ev})
	unlock()
	if err != nil {
		s.log.Warn("message.publish.fail", "message_id", ev.Message.ID, "err", err)
	}

	s.deps.Meta.AdvanceConversationActivity(s.conversationID, m.Timestamp())
	return nil
}

func (s *Session) onTyping(ctx context.Context, c v1.TypingCommand) error {
	if c.Status != v1.TypingStarted && c.Status != v1.TypingStopped {
		s.notifyError(v1.CodeInvalidPayload, "status must be typing or stopped")
		return fmt.Errorf("%w: typing status %q", v1.ErrInvalidPayload, c.Status)
	}
	ev := v1.TypingIndicatorEvent{Username: s.principal.Username, Status: c.Status}
	if err := s.deps.Broker.Publish(ctx, s.conversationID, Delivery{Origin: s.id, Event: ev}); err != nil {
		s.log.Debug("typing.publish.fail", "err", err)
	}
	return nil
}

func (s *Session) onReadReceipt(ctx context.Context) error {
	now := s.deps.Clock().UTC()
	s.deps.Meta.AdvanceReadCursor(s.principal.ID, s.conversationID, now)

	ev := v1.ReadReceiptEvent{Username: s.principal.Username, Timestamp: now}
	if err := s.deps.Broker.Publish(ctx, s.conversationID, Delivery{Origin: s.id, Event: ev}); err != nil {
		s.log.Warn("receipt.publish.fail", "err", err)
	}
	return nil
}
