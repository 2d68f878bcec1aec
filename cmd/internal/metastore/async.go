package metastore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"murmur/cmd/identity"

	"github.com/cenkalti/backoff/v4"
)

// UpdateKind names a monotonic metadata update.
type UpdateKind string

const (
	KindConversationActivity UpdateKind = "conversation_activity"
	KindReadCursor           UpdateKind = "read_cursor"
)

// PendingUpdate is one queued monotonic update. It is also the wire shape
// parked in a RetrySink.
type PendingUpdate struct {
	Kind           UpdateKind `json:"kind"`
	ConversationID string     `json:"conversation_id"`
	UserID         int64      `json:"user_id,omitempty"`
	At             time.Time  `json:"at"`
	Attempts       int        `json:"attempts,omitempty"`
	Reason         string     `json:"reason,omitempty"`
}

// Apply runs u against w.
func (u PendingUpdate) Apply(ctx context.Context, w Writer) (bool, error) {
	switch u.Kind {
	case KindConversationActivity:
		return w.AdvanceConversationActivity(ctx, u.ConversationID, u.At)
	case KindReadCursor:
		return w.AdvanceReadCursor(ctx, u.UserID, u.ConversationID, u.At)
	default:
		return false, identity.OpError{Op: "metastore.Apply", Kind: identity.ErrInvalidInput, Msg: fmt.Sprintf("unknown update kind %q", u.Kind)}
	}
}

// RetrySink receives updates the AsyncWriter gave up on.
type RetrySink interface {
	Park(ctx context.Context, u PendingUpdate) error
}

// LogSink only logs parked updates.
type LogSink struct {
	Log *slog.Logger
}

// Park implements RetrySink.
func (s LogSink) Park(_ context.Context, u PendingUpdate) error {
	l := s.Log
	if l == nil {
		l = slog.Default()
	}
	l.Warn("metadata.update.parked",
		"kind", u.Kind,
		"conversation_id", u.ConversationID,
		"user_id", u.UserID,
		"at", u.At,
		"attempts", u.Attempts,
		"reason", u.Reason,
	)
	return nil
}

// Observer is told the outcome of every update: "moved", "noop", "fail",
// "overflow" or "dropped".
type Observer func(kind UpdateKind, result string)

const (
	asyncDefaultWorkers      = 4
	asyncDefaultQueueSize    = 1024
	asyncDefaultParkQueue    = 256
	asyncDefaultMaxRetries   = 4
	asyncDefaultWriteTimeout = 5 * time.Second
)

var ErrWriterClosed = errors.New("metastore: async writer closed")

// AsyncWriter applies metadata updates off the caller's goroutine.
//
// Enqueueing never blocks. When the queue is full the update is handed to a
// second bounded queue served by one parking goroutine; when that is full too
// the update is dropped and logged. Each write runs with its own timeout and
// retries with exponential backoff before a worker parks it.
type AsyncWriter struct {
	w            Writer
	sink         RetrySink
	log          *slog.Logger
	observe      Observer
	newBackOff   func() backoff.BackOff
	maxRetries   uint64
	writeTimeout time.Duration
	workers      int

	mu         sync.RWMutex
	closed     bool
	parkClosed bool
	queue      chan PendingUpdate
	parkQueue  chan PendingUpdate
	wg         sync.WaitGroup
	parkerDone chan struct{}
}

// AsyncOption configures AsyncWriter.
type AsyncOption func(*AsyncWriter)

func WithWorkers(n int) AsyncOption {
	return func(a *AsyncWriter) {
		if n > 0 {
			a.workers = n
		}
	}
}

func WithQueueSize(n int) AsyncOption {
	return func(a *AsyncWriter) {
		if n > 0 {
			a.queue = make(chan PendingUpdate, n)
		}
	}
}

// WithParkQueueSize bounds the overflow queue in front of the sink.
func WithParkQueueSize(n int) AsyncOption {
	return func(a *AsyncWriter) {
		if n > 0 {
			a.parkQueue = make(chan PendingUpdate, n)
		}
	}
}

func WithMaxRetries(n int) AsyncOption {
	return func(a *AsyncWriter) {
		if n >= 0 {
			a.maxRetries = uint64(n)
		}
	}
}

func WithWriteTimeout(d time.Duration) AsyncOption {
	return func(a *AsyncWriter) {
		if d > 0 {
			a.writeTimeout = d
		}
	}
}

// WithBackOff replaces the retry schedule; tests use a zero backoff.
func WithBackOff(f func() backoff.BackOff) AsyncOption {
	return func(a *AsyncWriter) {
		if f != nil {
			a.newBackOff = f
		}
	}
}

func WithSink(s RetrySink) AsyncOption {
	return func(a *AsyncWriter) {
		if s != nil {
			a.sink = s
		}
	}
}

func WithAsyncLogger(l *slog.Logger) AsyncOption {
	return func(a *AsyncWriter) {
		if l != nil {
			a.log = l
		}
	}
}

func WithObserver(o Observer) AsyncOption {
	return func(a *AsyncWriter) {
		if o != nil {
			a.observe = o
		}
	}
}

// NewAsyncWriter starts the worker pool over w.
func NewAsyncWriter(w Writer, opts ...AsyncOption) *AsyncWriter {
	a := &AsyncWriter{
		w:            w,
		log:          slog.Default(),
		observe:      func(UpdateKind, string) {},
		maxRetries:   asyncDefaultMaxRetries,
		writeTimeout: asyncDefaultWriteTimeout,
		workers:      asyncDefaultWorkers,
		newBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(100*time.Millisecond),
				backoff.WithMaxInterval(2*time.Second),
				backoff.WithMaxElapsedTime(0),
			)
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	if a.queue == nil {
		a.queue = make(chan PendingUpdate, asyncDefaultQueueSize)
	}
	if a.parkQueue == nil {
		a.parkQueue = make(chan PendingUpdate, asyncDefaultParkQueue)
	}
	if a.sink == nil {
		a.sink = LogSink{Log: a.log}
	}

	a.wg.Add(a.workers)
	for i := 0; i < a.workers; i++ {
		go a.run()
	}
	a.parkerDone = make(chan struct{})
	go a.runParker()
	return a
}

// AdvanceConversationActivity queues a conversation activity update.
func (a *AsyncWriter) AdvanceConversationActivity(conversationID string, at time.Time) {
	a.Enqueue(PendingUpdate{Kind: KindConversationActivity, ConversationID: conversationID, At: at})
}

// AdvanceReadCursor queues a read cursor update.
func (a *AsyncWriter) AdvanceReadCursor(userID int64, conversationID string, at time.Time) {
	a.Enqueue(PendingUpdate{Kind: KindReadCursor, ConversationID: conversationID, UserID: userID, At: at})
}

// Enqueue hands u to a worker without blocking.
func (a *AsyncWriter) Enqueue(u PendingUpdate) {
	result := a.offer(&u)
	switch result {
	case "":
		return
	case "overflow":
		a.log.Warn("metadata.queue.full", "kind", u.Kind, "conversation_id", u.ConversationID, "reason", u.Reason)
	default:
		a.log.Error("metadata.update.dropped",
			"kind", u.Kind,
			"conversation_id", u.ConversationID,
			"user_id", u.UserID,
			"at", u.At,
			"reason", u.Reason,
		)
	}
	a.observe(u.Kind, result)
}

// offer tries the work queue, then the park queue. It returns "" when a
// worker will apply u, "overflow" when u is waiting for the sink and
// "dropped" otherwise.
func (a *AsyncWriter) offer(u *PendingUpdate) string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		u.Reason = ErrWriterClosed.Error()
	} else {
		select {
		case a.queue <- *u:
			return ""
		default:
			u.Reason = "queue full"
		}
	}

	if !a.parkClosed {
		select {
		case a.parkQueue <- *u:
			return "overflow"
		default:
		}
	}
	return "dropped"
}

// Close stops intake and waits for queued updates to finish or ctx to end.
// Overflowed updates still reach the sink before Close returns.
func (a *AsyncWriter) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()

	workersDone := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(workersDone)
	}()
	select {
	case <-workersDone:
	case <-ctx.Done():
		return ctx.Err()
	}

	a.mu.Lock()
	if !a.parkClosed {
		a.parkClosed = true
		close(a.parkQueue)
	}
	a.mu.Unlock()

	select {
	case <-a.parkerDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *AsyncWriter) run() {
	defer a.wg.Done()
	for u := range a.queue {
		a.apply(u)
	}
}

func (a *AsyncWriter) runParker() {
	defer close(a.parkerDone)
	for u := range a.parkQueue {
		a.park(u)
	}
}

func (a *AsyncWriter) apply(u PendingUpdate) {
	var moved bool
	op := func() error {
		u.Attempts++
		ctx, cancel := context.WithTimeout(context.Background(), a.writeTimeout)
		defer cancel()

		var err error
		moved, err = u.Apply(ctx, a.w)
		if identity.IsInvalidInput(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(op, backoff.WithMaxRetries(a.newBackOff(), a.maxRetries))
	if err != nil {
		u.Reason = err.Error()
		a.log.Error("metadata.write.fail",
			"kind", u.Kind,
			"conversation_id", u.ConversationID,
			"user_id", u.UserID,
			"attempts", u.Attempts,
			"err", err,
		)
		a.observe(u.Kind, "fail")
		a.park(u)
		return
	}
	if moved {
		a.observe(u.Kind, "moved")
	} else {
		a.observe(u.Kind, "noop")
	}
}

func (a *AsyncWriter) park(u PendingUpdate) {
	ctx, cancel := context.WithTimeout(context.Background(), a.writeTimeout)
	defer cancel()
	if err := a.sink.Park(ctx, u); err != nil {
		a.log.Error("metadata.park.fail", "kind", u.Kind, "conversation_id", u.ConversationID, "err", err)
	}
}
