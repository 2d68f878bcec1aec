package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	v1 "murmur/shared/contracts/realtime/v1"

	radix "github.com/mediocregopher/radix/v3"
)

const redisChannelPrefix = "murmur:chat:"

// PubSub is the subset of radix.PubSubConn the broker needs.
type PubSub interface {
	Subscribe(msgCh chan<- radix.PubSubMessage, channels ...string) error
	Unsubscribe(msgCh chan<- radix.PubSubMessage, channels ...string) error
	Close() error
}

type redisEnvelope struct {
	Origin string          `json:"origin"`
	Group  string          `json:"group"`
	Event  json.RawMessage `json:"event"`
}

// RedisBroker relays group events through Redis pub/sub so members on every
// node receive them. Local membership lives in a LocalBroker.
//
// Publish only writes to Redis. Events come back through the node's own
// subscription and are fanned out from a single goroutine, so members see
// one group's events in Redis channel order.
type RedisBroker struct {
	local *LocalBroker
	redis radix.Client
	ps    PubSub
	log   *slog.Logger

	msgCh chan radix.PubSubMessage

	mu         sync.Mutex
	subscribed map[string]struct{}

	closed atomic.Bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewRedisBroker starts the relay. redis carries PUBLISH; ps carries the
// subscriptions (radix.PersistentPubSub in production).
func NewRedisBroker(local *LocalBroker, redis radix.Client, ps PubSub, log *slog.Logger) *RedisBroker {
	if log == nil {
		log = slog.Default()
	}
	b := &RedisBroker{
		local:      local,
		redis:      redis,
		ps:         ps,
		log:        log,
		msgCh:      make(chan radix.PubSubMessage, 256),
		subscribed: make(map[string]struct{}),
		done:       make(chan struct{}),
	}
	b.wg.Add(1)
	go b.relay()
	return b
}

func redisChannel(group string) string { return redisChannelPrefix + group }

// Join implements Broker. The first local member subscribes the node.
func (b *RedisBroker) Join(group string, m Member) {
	b.local.Join(group, m)

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribed[group]; ok || b.local.Size(group) == 0 {
		return
	}
	if err := b.ps.Subscribe(b.msgCh, redisChannel(group)); err != nil {
		b.log.Error("broker.redis.subscribe.fail", "group", group, "err", err)
		return
	}
	b.subscribed[group] = struct{}{}
}

// Leave implements Broker. The last local member unsubscribes the node.
func (b *RedisBroker) Leave(group string, m Member) {
	b.local.Leave(group, m)

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribed[group]; !ok || b.local.Size(group) > 0 {
		return
	}
	delete(b.subscribed, group)
	if err := b.ps.Unsubscribe(b.msgCh, redisChannel(group)); err != nil {
		b.log.Warn("broker.redis.unsubscribe.fail", "group", group, "err", err)
	}
}

// Publish implements Broker.
func (b *RedisBroker) Publish(_ context.Context, group string, d Delivery) error {
	if b.closed.Load() {
		return ErrBrokerClosed
	}
	raw, err := v1.EncodeEvent(d.Event)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(redisEnvelope{Origin: d.Origin, Group: group, Event: raw})
	if err != nil {
		return err
	}
	return b.redis.Do(radix.FlatCmd(nil, "PUBLISH", redisChannel(group), payload))
}

func (b *RedisBroker) relay() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case msg := <-b.msgCh:
			b.dispatch(msg)
		}
	}
}

func (b *RedisBroker) dispatch(msg radix.PubSubMessage) {
	if msg.Type != "message" || !strings.HasPrefix(msg.Channel, redisChannelPrefix) {
		return
	}
	var env redisEnvelope
	if err := json.Unmarshal(msg.Message, &env); err != nil {
		b.log.Warn("broker.redis.decode.fail", "channel", msg.Channel, "err", err)
		return
	}
	group := strings.TrimPrefix(msg.Channel, redisChannelPrefix)
	if env.Group != group {
		b.log.Warn("broker.redis.group.mismatch", "channel", msg.Channel, "group", env.Group)
		return
	}
	ev, err := v1.DecodeEvent(env.Event)
	if err != nil {
		b.log.Warn("broker.redis.decode.fail", "channel", msg.Channel, "err", err)
		return
	}
	if err := b.local.Publish(context.Background(), group, Delivery{Origin: env.Origin, Event: ev}); err != nil &&
		!errors.Is(err, ErrBrokerClosed) {
		b.log.Warn("broker.redis.fanout.fail", "group", group, "err", err)
	}
}

// Close stops the relay and closes the subscription connection.
func (b *RedisBroker) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(b.done)
	err := b.ps.Close()
	b.wg.Wait()
	_ = b.local.Close()
	return err
}
