package realtime

import (
	"sync"

	v1 "murmur/shared/contracts/realtime/v1"
)

const defaultSendQueueSize = 64

// Client is the outbound side of one connected session and the Member it
// registers with the broker.
//
// Send is never closed by the server so concurrent publishers cannot panic on
// it; done tells the writer goroutine to stop.
type Client struct {
	SessionID string
	Send      chan v1.Event

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(sessionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = defaultSendQueueSize
	}
	return &Client{
		SessionID: sessionID,
		Send:      make(chan v1.Event, sendQueueSize),
		done:      make(chan struct{}),
	}
}

// ID implements Member.
func (c *Client) ID() string { return c.SessionID }

// Deliver implements Member. Typing indicators this session published itself
// are swallowed and count as delivered.
func (c *Client) Deliver(d Delivery) bool {
	if d.Origin != "" && d.Origin == c.SessionID {
		if _, ok := d.Event.(v1.TypingIndicatorEvent); ok {
			return true
		}
	}
	return c.enqueue(d.Event)
}

func (c *Client) enqueue(ev v1.Event) bool {
	select {
	case <-c.Done():
		return false
	default:
	}

	select {
	case c.Send <- ev:
		return true
	default:
		return false
	}
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
// It does NOT close Send.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
