package metastore

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"
)

type ackRecorder struct {
	acked, nacked, requeued bool
}

func (a *ackRecorder) Ack(uint64, bool) error { a.acked = true; return nil }

func (a *ackRecorder) Nack(_ uint64, _ bool, requeue bool) error {
	a.nacked, a.requeued = true, requeue
	return nil
}

func (a *ackRecorder) Reject(_ uint64, requeue bool) error {
	a.nacked, a.requeued = true, requeue
	return nil
}

func deliver(t *testing.T, c RetryConsumer, body []byte) *ackRecorder {
	t.Helper()
	rec := &ackRecorder{}
	c.handle(context.Background(), slog.New(slog.NewTextHandler(io.Discard, nil)), time.Second,
		amqp.Delivery{Acknowledger: rec, Body: body})
	return rec
}

func TestRetryConsumer_Handle(t *testing.T) {
	req := require.New(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	encode := func(u PendingUpdate) []byte {
		b, err := json.Marshal(u)
		req.NoError(err)
		return b
	}

	t.Run("applied update is acked", func(t *testing.T) {
		store := newConversation(t)
		rec := deliver(t, RetryConsumer{Writer: store}, encode(PendingUpdate{
			Kind: KindConversationActivity, ConversationID: "c1", At: at,
		}))
		require.True(t, rec.acked)
		require.False(t, rec.nacked)

		cs, err := store.ListConversations(context.Background(), 1, 1)
		require.NoError(t, err)
		require.True(t, cs[0].LastMessageAt.Equal(at))
	})

	t.Run("replay is acked without moving", func(t *testing.T) {
		store := newConversation(t)
		c := RetryConsumer{Writer: store}
		body := encode(PendingUpdate{Kind: KindConversationActivity, ConversationID: "c1", At: at})
		require.True(t, deliver(t, c, body).acked)
		require.True(t, deliver(t, c, body).acked)
	})

	t.Run("store failure is requeued", func(t *testing.T) {
		w := &flakyWriter{Writer: newConversation(t)}
		w.failures.Store(1)
		rec := deliver(t, RetryConsumer{Writer: w}, encode(PendingUpdate{
			Kind: KindConversationActivity, ConversationID: "c1", At: at,
		}))
		require.True(t, rec.nacked)
		require.True(t, rec.requeued)
	})

	t.Run("malformed body is dropped", func(t *testing.T) {
		rec := deliver(t, RetryConsumer{Writer: newConversation(t)}, []byte("{not json"))
		require.True(t, rec.nacked)
		require.False(t, rec.requeued)
	})

	t.Run("unknown kind is dropped", func(t *testing.T) {
		rec := deliver(t, RetryConsumer{Writer: newConversation(t)}, encode(PendingUpdate{Kind: "bogus", ConversationID: "c1", At: at}))
		require.True(t, rec.nacked)
		require.False(t, rec.requeued)
	})
}

func TestRetryConsumer_RunNeedsWriter(t *testing.T) {
	require.Error(t, RetryConsumer{}.Run(context.Background()))
}
