package metastore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"murmur/cmd/identity"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultRetryQueue is the durable queue parked updates are published to.
const DefaultRetryQueue = "murmur.metadata.retry"

// dialAMQP connects with a few backoff-spaced attempts and declares queue.
func dialAMQP(ctx context.Context, url, queue string) (*amqp.Connection, *amqp.Channel, error) {
	var conn *amqp.Connection
	dial := func() error {
		c, err := amqp.Dial(url)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	if err := backoff.Retry(dial, b); err != nil {
		return nil, nil, fmt.Errorf("metastore: dial amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("metastore: open amqp channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, fmt.Errorf("metastore: declare queue %q: %w", queue, err)
	}
	return conn, ch, nil
}

// AMQPSink parks updates on a durable RabbitMQ queue for RetryConsumer.
type AMQPSink struct {
	queue string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// DialAMQPSink connects to url and declares queue (DefaultRetryQueue when empty).
func DialAMQPSink(ctx context.Context, url, queue string) (*AMQPSink, error) {
	if queue == "" {
		queue = DefaultRetryQueue
	}
	conn, ch, err := dialAMQP(ctx, url, queue)
	if err != nil {
		return nil, err
	}
	return &AMQPSink{queue: queue, conn: conn, ch: ch}, nil
}

// Park implements RetrySink.
func (s *AMQPSink) Park(ctx context.Context, u PendingUpdate) error {
	body, err := json.Marshal(u)
	if err != nil {
		return err
	}

	// amqp channels are not safe for concurrent publishes.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch == nil {
		return errors.New("metastore: amqp sink closed")
	}
	return s.ch.PublishWithContext(ctx, "", s.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
}

// Close closes the channel and connection.
func (s *AMQPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch == nil {
		return nil
	}
	_ = s.ch.Close()
	err := s.conn.Close()
	s.ch, s.conn = nil, nil
	return err
}

// RetryConsumer replays parked updates against a Writer.
//
// Deliveries are acked only after the write succeeds. A failed write is
// nacked with requeue; a malformed body or update is dropped. Replays are safe because
// every update is monotonic.
type RetryConsumer struct {
	URL      string
	Queue    string
	Writer   Writer
	Log      *slog.Logger
	Prefetch int
	Timeout  time.Duration
}

// Run consumes until ctx ends or the broker closes the delivery channel.
func (c RetryConsumer) Run(ctx context.Context) error {
	if c.Writer == nil {
		return errors.New("metastore: retry consumer needs a writer")
	}
	queue := c.Queue
	if queue == "" {
		queue = DefaultRetryQueue
	}
	log := c.Log
	if log == nil {
		log = slog.Default()
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = asyncDefaultWriteTimeout
	}

	conn, ch, err := dialAMQP(ctx, c.URL, queue)
	if err != nil {
		return err
	}
	defer conn.Close()
	defer ch.Close()

	if c.Prefetch > 0 {
		if err := ch.Qos(c.Prefetch, 0, false); err != nil {
			return fmt.Errorf("metastore: qos: %w", err)
		}
	}

	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("metastore: consume: %w", err)
	}

	log.Info("metadata.retry.start", "queue", queue)
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("metastore: delivery channel closed")
			}
			c.handle(ctx, log, timeout, d)
		}
	}
}

func (c RetryConsumer) handle(ctx context.Context, log *slog.Logger, timeout time.Duration, d amqp.Delivery) {
	var u PendingUpdate
	if err := json.Unmarshal(d.Body, &u); err != nil {
		log.Warn("metadata.retry.bad_message", "err", err)
		_ = d.Nack(false, false)
		return
	}

	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	moved, err := u.Apply(wctx, c.Writer)
	if errors.Is(err, identity.ErrInvalidInput) {
		log.Warn("metadata.retry.bad_update", "kind", u.Kind, "err", err)
		_ = d.Nack(false, false)
		return
	}
	if err != nil {
		log.Error("metadata.retry.fail", "kind", u.Kind, "conversation_id", u.ConversationID, "err", err)
		_ = d.Nack(false, true)
		return
	}
	log.Debug("metadata.retry.applied", "kind", u.Kind, "conversation_id", u.ConversationID, "moved", moved)
	if err := d.Ack(false); err != nil {
		log.Error("metadata.retry.ack.fail", "err", err)
	}
}
