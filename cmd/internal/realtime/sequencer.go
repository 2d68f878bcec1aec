package realtime

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const sequencerShards = 64

// Sequencer serializes work per key.
//
// A session holds a conversation's key across "append, then publish" so two
// senders on the same conversation cannot publish out of log order. Keys are
// reference counted and dropped when no holder or waiter remains. The key
// table is sharded, so unrelated conversations rarely touch the same lock.
type Sequencer struct {
	shards [sequencerShards]seqShard
}

type seqShard struct {
	mu   sync.Mutex
	keys map[string]*seqEntry
}

type seqEntry struct {
	mu   sync.Mutex
	refs int
}

// NewSequencer returns an empty Sequencer.
func NewSequencer() *Sequencer {
	s := &Sequencer{}
	for i := range s.shards {
		s.shards[i].keys = make(map[string]*seqEntry)
	}
	return s
}

func (s *Sequencer) shardFor(key string) *seqShard {
	return &s.shards[xxhash.Sum64String(key)%sequencerShards]
}

// Lock blocks until key is free and returns the matching unlock func.
func (s *Sequencer) Lock(key string) (unlock func()) {
	sh := s.shardFor(key)

	sh.mu.Lock()
	e := sh.keys[key]
	if e == nil {
		e = &seqEntry{}
		sh.keys[key] = e
	}
	e.refs++
	sh.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()

			sh.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(sh.keys, key)
			}
			sh.mu.Unlock()
		})
	}
}

// Len reports how many keys are currently held or awaited.
func (s *Sequencer) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.keys)
		sh.mu.Unlock()
	}
	return n
}
