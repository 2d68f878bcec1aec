package metastore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"murmur/cmd/identity"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"
)

type flakyWriter struct {
	Writer
	failures atomic.Int32
	calls    atomic.Int32
}

var errDown = errors.New("store down")

func (f *flakyWriter) AdvanceConversationActivity(ctx context.Context, id string, at time.Time) (bool, error) {
	f.calls.Add(1)
	if f.failures.Add(-1) >= 0 {
		return false, errDown
	}
	return f.Writer.AdvanceConversationActivity(ctx, id, at)
}

type recordingSink struct {
	mu      sync.Mutex
	updates []PendingUpdate
}

func (s *recordingSink) Park(_ context.Context, u PendingUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, u)
	return nil
}

func (s *recordingSink) parked() []PendingUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PendingUpdate(nil), s.updates...)
}

func zeroBackOff() backoff.BackOff { return &backoff.ZeroBackOff{} }

func newConversation(t *testing.T) *MemoryStore {
	t.Helper()
	s := NewMemoryStore()
	alice, bob := seedPair(t, s)
	_, err := s.CreateConversation(context.Background(), "c1", []identity.Principal{alice, bob})
	require.NoError(t, err)
	return s
}

func TestAsyncWriter_RetriesThenApplies(t *testing.T) {
	req := require.New(t)
	store := newConversation(t)
	w := &flakyWriter{Writer: store}
	w.failures.Store(2)
	sink := &recordingSink{}

	var moved atomic.Int32
	aw := NewAsyncWriter(w,
		WithWorkers(1),
		WithMaxRetries(3),
		WithBackOff(zeroBackOff),
		WithSink(sink),
		WithObserver(func(_ UpdateKind, result string) {
			if result == "moved" {
				moved.Add(1)
			}
		}),
	)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	aw.AdvanceConversationActivity("c1", at)
	req.NoError(aw.Close(context.Background()))

	req.Equal(int32(3), w.calls.Load())
	req.Equal(int32(1), moved.Load())
	req.Empty(sink.parked())

	cs, err := store.ListConversations(context.Background(), 1, 1)
	req.NoError(err)
	req.True(cs[0].LastMessageAt.Equal(at))
}

func TestAsyncWriter_ParksAfterRetriesExhausted(t *testing.T) {
	req := require.New(t)
	w := &flakyWriter{Writer: newConversation(t)}
	w.failures.Store(100)
	sink := &recordingSink{}

	aw := NewAsyncWriter(w, WithWorkers(1), WithMaxRetries(2), WithBackOff(zeroBackOff), WithSink(sink))
	aw.AdvanceConversationActivity("c1", time.Now())
	req.NoError(aw.Close(context.Background()))

	parked := sink.parked()
	req.Len(parked, 1)
	req.Equal(KindConversationActivity, parked[0].Kind)
	req.Equal(3, parked[0].Attempts)
	req.Contains(parked[0].Reason, "store down")
}

func TestAsyncWriter_InvalidInputIsNotRetried(t *testing.T) {
	req := require.New(t)
	w := &flakyWriter{Writer: newConversation(t)}
	sink := &recordingSink{}

	aw := NewAsyncWriter(w, WithWorkers(1), WithMaxRetries(5), WithBackOff(zeroBackOff), WithSink(sink))
	aw.Enqueue(PendingUpdate{Kind: KindReadCursor, UserID: 1, At: time.Now()})
	req.NoError(aw.Close(context.Background()))

	parked := sink.parked()
	req.Len(parked, 1)
	req.Equal(1, parked[0].Attempts)
}

type blockingWriter struct {
	Writer
	release chan struct{}
}

func (b *blockingWriter) AdvanceConversationActivity(ctx context.Context, id string, at time.Time) (bool, error) {
	<-b.release
	return b.Writer.AdvanceConversationActivity(ctx, id, at)
}

func TestAsyncWriter_FullQueueGoesToSinkWithoutBlocking(t *testing.T) {
	req := require.New(t)
	w := &blockingWriter{Writer: newConversation(t), release: make(chan struct{})}
	sink := &recordingSink{}

	aw := NewAsyncWriter(w, WithWorkers(1), WithQueueSize(1), WithSink(sink))

	base := time.Now()
	done := make(chan struct{})
	go func() {
		defer close(done)
		// One in flight, one queued, the rest overflow.
		for i := 0; i < 10; i++ {
			aw.AdvanceConversationActivity("c1", base.Add(time.Duration(i)*time.Millisecond))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Enqueue blocked on a full queue")
	}

	close(w.release)
	req.NoError(aw.Close(context.Background()))

	parked := sink.parked()
	req.GreaterOrEqual(len(parked), 8)
	for _, u := range parked {
		req.Equal("queue full", u.Reason)
	}
}

type slowSink struct {
	recordingSink
	release chan struct{}
}

func (s *slowSink) Park(ctx context.Context, u PendingUpdate) error {
	select {
	case <-s.release:
	case <-ctx.Done():
	}
	return s.recordingSink.Park(ctx, u)
}

func TestAsyncWriter_SlowSinkNeverBlocksEnqueue(t *testing.T) {
	req := require.New(t)
	w := &blockingWriter{Writer: newConversation(t), release: make(chan struct{})}
	sink := &slowSink{release: make(chan struct{})}

	var overflow, dropped atomic.Int32
	aw := NewAsyncWriter(w,
		WithWorkers(1),
		WithQueueSize(1),
		WithParkQueueSize(1),
		WithWriteTimeout(10*time.Second),
		WithSink(sink),
		WithObserver(func(_ UpdateKind, result string) {
			switch result {
			case "overflow":
				overflow.Add(1)
			case "dropped":
				dropped.Add(1)
			}
		}),
	)

	base := time.Now()
	start := time.Now()
	for i := 0; i < 10; i++ {
		aw.AdvanceConversationActivity("c1", base.Add(time.Duration(i)*time.Millisecond))
	}
	req.Less(time.Since(start), 500*time.Millisecond, "Enqueue waited on the sink")

	// At most one in flight, one queued, one being parked and one waiting to be parked.
	req.GreaterOrEqual(dropped.Load(), int32(6))
	req.GreaterOrEqual(overflow.Load(), int32(1))

	close(sink.release)
	close(w.release)
	req.NoError(aw.Close(context.Background()))
	req.Len(sink.parked(), int(overflow.Load()))
}

func TestAsyncWriter_EnqueueAfterCloseIsDropped(t *testing.T) {
	req := require.New(t)
	sink := &recordingSink{}

	var dropped atomic.Int32
	aw := NewAsyncWriter(newConversation(t), WithSink(sink), WithObserver(func(_ UpdateKind, result string) {
		if result == "dropped" {
			dropped.Add(1)
		}
	}))
	req.NoError(aw.Close(context.Background()))
	req.NoError(aw.Close(context.Background()))

	aw.AdvanceReadCursor(1, "c1", time.Now())

	req.Empty(sink.parked())
	req.Equal(int32(1), dropped.Load())
}

func TestAsyncWriter_CloseHonoursContext(t *testing.T) {
	w := &blockingWriter{Writer: newConversation(t), release: make(chan struct{})}
	defer close(w.release)

	aw := NewAsyncWriter(w, WithWorkers(1))
	aw.AdvanceConversationActivity("c1", time.Now())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := aw.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
