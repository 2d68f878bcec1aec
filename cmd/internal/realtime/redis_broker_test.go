package realtime

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	v1 "murmur/shared/contracts/realtime/v1"

	radix "github.com/mediocregopher/radix/v3"
)

// fakeRedisServer routes PUBLISH to the channels subscribed through its
// fakePubSub connections.
type fakeRedisServer struct {
	mu   sync.Mutex
	subs map[string]map[chan<- radix.PubSubMessage]struct{}

	subscribes   int
	unsubscribes int
}

func newFakeRedisServer() *fakeRedisServer {
	return &fakeRedisServer{subs: map[string]map[chan<- radix.PubSubMessage]struct{}{}}
}

func (s *fakeRedisServer) client() radix.Conn {
	return radix.Stub("tcp", "127.0.0.1:6379", func(args []string) interface{} {
		if strings.ToUpper(args[0]) != "PUBLISH" {
			return errors.New("unsupported command")
		}
		return s.publish(args[1], args[2])
	})
}

func (s *fakeRedisServer) publish(channel, payload string) int {
	s.mu.Lock()
	targets := make([]chan<- radix.PubSubMessage, 0, len(s.subs[channel]))
	for ch := range s.subs[channel] {
		targets = append(targets, ch)
	}
	s.mu.Unlock()

	for _, ch := range targets {
		ch <- radix.PubSubMessage{Type: "message", Channel: channel, Message: []byte(payload)}
	}
	return len(targets)
}

func (s *fakeRedisServer) subscribers(channel string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs[channel])
}

type fakePubSub struct{ srv *fakeRedisServer }

func (p fakePubSub) Subscribe(msgCh chan<- radix.PubSubMessage, channels ...string) error {
	p.srv.mu.Lock()
	defer p.srv.mu.Unlock()
	for _, c := range channels {
		if p.srv.subs[c] == nil {
			p.srv.subs[c] = map[chan<- radix.PubSubMessage]struct{}{}
		}
		p.srv.subs[c][msgCh] = struct{}{}
		p.srv.subscribes++
	}
	return nil
}

func (p fakePubSub) Unsubscribe(msgCh chan<- radix.PubSubMessage, channels ...string) error {
	p.srv.mu.Lock()
	defer p.srv.mu.Unlock()
	for _, c := range channels {
		delete(p.srv.subs[c], msgCh)
		p.srv.unsubscribes++
	}
	return nil
}

func (p fakePubSub) Close() error { return nil }

func newRedisNode(t *testing.T, srv *fakeRedisServer) *RedisBroker {
	t.Helper()
	b := NewRedisBroker(NewLocalBroker(discardLogger(), nil), srv.client(), fakePubSub{srv: srv}, discardLogger())
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func recvClient(t *testing.T, c *Client) v1.Event {
	t.Helper()
	select {
	case ev := <-c.Send:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("%s received nothing", c.ID())
		return nil
	}
}

func TestRedisBroker_RelaysAcrossNodes(t *testing.T) {
	ctx := context.Background()
	srv := newFakeRedisServer()
	nodeA := newRedisNode(t, srv)
	nodeB := newRedisNode(t, srv)

	onA := NewClient("on-a", 16)
	onB := NewClient("on-b", 16)
	nodeA.Join("conv-1", onA)
	nodeB.Join("conv-1", onB)

	want := v1.ChatMessageEvent{
		ConversationID: "conv-1",
		Message: v1.MessageBody{
			ID:             "01JAAAAAAAAAAAAAAAAAAAAAAA",
			AuthorUsername: "alice",
			Content:        "hello",
			Timestamp:      time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
		},
	}
	if err := nodeA.Publish(ctx, "conv-1", Delivery{Origin: "s1", Event: want}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	for _, c := range []*Client{onA, onB} {
		got, ok := recvClient(t, c).(v1.ChatMessageEvent)
		if !ok || got.Message.Content != "hello" || !got.Message.Timestamp.Equal(want.Message.Timestamp) {
			t.Fatalf("%s got %+v", c.ID(), got)
		}
	}
}

func TestRedisBroker_SubscribesOnFirstJoinAndUnsubscribesOnLastLeave(t *testing.T) {
	srv := newFakeRedisServer()
	node := newRedisNode(t, srv)
	ch := redisChannel("conv-1")

	a := NewClient("a", 4)
	b := NewClient("b", 4)

	node.Join("conv-1", a)
	node.Join("conv-1", b)
	if srv.subscribes != 1 || srv.subscribers(ch) != 1 {
		t.Fatalf("subscribes=%d subscribers=%d want 1/1", srv.subscribes, srv.subscribers(ch))
	}

	node.Leave("conv-1", a)
	if srv.unsubscribes != 0 {
		t.Fatal("unsubscribed while a local member remains")
	}
	node.Leave("conv-1", b)
	node.Leave("conv-1", b)
	if srv.unsubscribes != 1 || srv.subscribers(ch) != 0 {
		t.Fatalf("unsubscribes=%d subscribers=%d want 1/0", srv.unsubscribes, srv.subscribers(ch))
	}
}

func TestRedisBroker_PreservesOriginForTypingSuppression(t *testing.T) {
	ctx := context.Background()
	srv := newFakeRedisServer()
	node := newRedisNode(t, srv)

	self := NewClient("self", 8)
	peer := NewClient("peer", 8)
	node.Join("conv-1", self)
	node.Join("conv-1", peer)

	typing := v1.TypingIndicatorEvent{Username: "alice", Status: v1.TypingStarted}
	if err := node.Publish(ctx, "conv-1", Delivery{Origin: "self", Event: typing}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	// A marker after the typing event proves the relay already handled it.
	if err := node.Publish(ctx, "conv-1", Delivery{Event: receipt("marker")}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if got := recvClient(t, peer); got != v1.Event(typing) {
		t.Fatalf("peer got %+v", got)
	}
	if _, ok := recvClient(t, self).(v1.ReadReceiptEvent); !ok {
		t.Fatal("self should skip its own typing and see the marker first")
	}
}

func TestRedisBroker_IgnoresForeignPayloads(t *testing.T) {
	srv := newFakeRedisServer()
	node := newRedisNode(t, srv)
	c := NewClient("c", 4)
	node.Join("conv-1", c)

	srv.publish(redisChannel("conv-1"), "not json")
	srv.publish(redisChannel("conv-1"), `{"origin":"","group":"conv-2","event":{"type":"read.receipt"}}`)
	srv.publish(redisChannel("conv-1"), `{"origin":"","group":"conv-1","event":{"type":"mystery"}}`)
	_ = node.Publish(context.Background(), "conv-1", Delivery{Event: receipt("ok")})

	got, ok := recvClient(t, c).(v1.ReadReceiptEvent)
	if !ok || got.Username != "ok" {
		t.Fatalf("got %+v, want only the valid receipt", got)
	}
}

func TestRedisBroker_PublishAfterClose(t *testing.T) {
	srv := newFakeRedisServer()
	node := NewRedisBroker(NewLocalBroker(discardLogger(), nil), srv.client(), fakePubSub{srv: srv}, discardLogger())
	if err := node.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := node.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := node.Publish(context.Background(), "conv-1", Delivery{Event: receipt("x")}); !errors.Is(err, ErrBrokerClosed) {
		t.Fatalf("err=%v want ErrBrokerClosed", err)
	}
}
