package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	v1 "murmur/shared/contracts/realtime/v1"

	"github.com/cespare/xxhash/v2"
)

const brokerShards = 64

// ErrBrokerClosed is returned by Publish after Close.
var ErrBrokerClosed = errors.New("realtime: broker closed")

// Delivery is one event on its way to group members.
// Origin is the publishing session id, or empty for server-originated events.
type Delivery struct {
	Origin string
	Event  v1.Event
}

// Member is the delivery handle a session registers with a broker.
//
// Deliver must not block. It reports false when the event was dropped for
// this member (queue full or member shutting down).
type Member interface {
	ID() string
	Deliver(d Delivery) bool
}

// Broker is the group pub/sub fanout.
//
// Publish reaches the members present at publication time. Events published
// on one group reach each member in publish order.
type Broker interface {
	Join(group string, m Member)
	Leave(group string, m Member)
	Publish(ctx context.Context, group string, d Delivery) error
	Close() error
}

// group is the membership set of one conversation.
// dead is set once the last member left; a dead group is never reused.
type group struct {
	mu      sync.Mutex
	members map[string]Member
	dead    bool
}

type shard struct {
	mu     sync.RWMutex
	groups map[string]*group
}

// LocalBroker is an in-process Broker.
//
// Groups are spread over fixed shards so unrelated conversations rarely touch
// the same map lock, and fanout holds only the group's own mutex.
type LocalBroker struct {
	log     *slog.Logger
	metrics *Metrics
	shards  [brokerShards]shard
	closed  atomic.Bool
}

// NewLocalBroker constructs an empty broker. metrics may be nil.
func NewLocalBroker(log *slog.Logger, metrics *Metrics) *LocalBroker {
	if log == nil {
		log = slog.Default()
	}
	b := &LocalBroker{log: log, metrics: metrics}
	for i := range b.shards {
		b.shards[i].groups = make(map[string]*group)
	}
	return b
}

func (b *LocalBroker) shardFor(key string) *shard {
	return &b.shards[xxhash.Sum64String(key)%brokerShards]
}

// Join adds m to the group. Joining twice with the same member id replaces
// the earlier handle.
func (b *LocalBroker) Join(key string, m Member) {
	if key == "" || m == nil || m.ID() == "" {
		return
	}
	sh := b.shardFor(key)

	for {
		sh.mu.Lock()
		g := sh.groups[key]
		if g == nil || g.dead {
			g = &group{members: make(map[string]Member)}
			sh.groups[key] = g
		}
		sh.mu.Unlock()

		g.mu.Lock()
		if g.dead {
			// Emptied and retired between the lookup and the lock.
			g.mu.Unlock()
			continue
		}
		g.members[m.ID()] = m
		g.mu.Unlock()
		break
	}

	b.log.Debug("broker.member.join", "group", key, "member", m.ID())
}

// Leave removes m from the group. Leaving a group m is not in is a no-op.
func (b *LocalBroker) Leave(key string, m Member) {
	if key == "" || m == nil {
		return
	}
	sh := b.shardFor(key)

	sh.mu.RLock()
	g := sh.groups[key]
	sh.mu.RUnlock()
	if g == nil {
		return
	}

	g.mu.Lock()
	if _, ok := g.members[m.ID()]; !ok {
		g.mu.Unlock()
		return
	}
	delete(g.members, m.ID())
	empty := len(g.members) == 0
	if empty {
		g.dead = true
	}
	g.mu.Unlock()

	if empty {
		sh.mu.Lock()
		if sh.groups[key] == g {
			delete(sh.groups, key)
		}
		sh.mu.Unlock()
	}

	b.log.Debug("broker.member.leave", "group", key, "member", m.ID())
}

// Size reports the current member count of a group.
func (b *LocalBroker) Size(key string) int {
	sh := b.shardFor(key)
	sh.mu.RLock()
	g := sh.groups[key]
	sh.mu.RUnlock()
	if g == nil {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.members)
}

// Publish fans d out to the current members of the group. It never blocks on
// a slow member: a full member queue drops the event for that member only.
func (b *LocalBroker) Publish(_ context.Context, key string, d Delivery) error {
	if b.closed.Load() {
		return ErrBrokerClosed
	}
	if d.Event == nil {
		return errors.New("realtime: nil event")
	}

	b.metrics.published(d.Event)

	sh := b.shardFor(key)
	sh.mu.RLock()
	g := sh.groups[key]
	sh.mu.RUnlock()
	if g == nil {
		return nil
	}

	// The group lock is held for the whole fanout so concurrent publishers
	// on the same group are seen in one order by every member.
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, m := range g.members {
		if !m.Deliver(d) {
			b.metrics.dropped()
			b.log.Debug("broker.deliver.drop", "group", key, "member", id, "type", d.Event.EventType())
		}
	}
	return nil
}

// Close rejects further publishes. Membership is left to the sessions.
func (b *LocalBroker) Close() error {
	b.closed.Store(true)
	return nil
}
