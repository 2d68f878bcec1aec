package msglog

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
)

// BadgerLog stores messages in BadgerDB.
//
// Keys are "msg:{conversation_id}:{ulid}". The ULID's canonical text form
// sorts lexicographically in time order, so a reverse prefix iteration yields
// the newest messages first without any secondary index.
type BadgerLog struct {
	db     *badger.DB
	ownsDB bool
	opts   options
	closed atomic.Bool
}

// OpenBadgerLog opens (or creates) a Badger database at dir and owns it.
func OpenBadgerLog(dir string, opts ...Option) (*BadgerLog, error) {
	db, err := badger.Open(badger.DefaultOptions(dir).WithLoggingLevel(badger.ERROR))
	if err != nil {
		return nil, fmt.Errorf("msglog: open badger: %w", err)
	}
	l := NewBadgerLog(db, opts...)
	l.ownsDB = true
	return l, nil
}

// NewBadgerLog wraps an already-open database. The caller keeps ownership of db.
func NewBadgerLog(db *badger.DB, opts ...Option) *BadgerLog {
	return &BadgerLog{db: db, opts: buildOptions(opts)}
}

// Close closes the database when this log opened it.
func (l *BadgerLog) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	if l.ownsDB {
		return l.db.Close()
	}
	return nil
}

func badgerPrefix(conversationID string) []byte {
	return []byte("msg:" + conversationID + ":")
}

func badgerKey(m Message) []byte {
	return append(badgerPrefix(m.ConversationID), m.ID.String()...)
}

// Append implements Log.
func (l *BadgerLog) Append(ctx context.Context, in AppendInput) (Message, error) {
	if l.closed.Load() {
		return Message{}, ErrClosed
	}
	if err := validateAppend(in); err != nil {
		return Message{}, err
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	id, err := l.opts.gen.Next()
	if err != nil {
		return Message{}, err
	}
	m := Message{
		ConversationID: in.ConversationID,
		ID:             id,
		AuthorID:       in.AuthorID,
		AuthorUsername: in.AuthorUsername,
		Body:           in.Body,
	}

	value, err := json.Marshal(m)
	if err != nil {
		return Message{}, err
	}
	err = l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(m), value)
	})
	if err != nil {
		return Message{}, fmt.Errorf("msglog: badger append: %w", err)
	}
	return m, nil
}

// Scan implements Log.
func (l *BadgerLog) Scan(ctx context.Context, in ScanInput) ([]Message, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}
	if err := validateConversationID(in.ConversationID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit := ClampLimit(in.Limit)

	var out []Message
	err := l.db.View(func(txn *badger.Txn) error {
		prefix := badgerPrefix(in.ConversationID)
		itOpts := badger.DefaultIteratorOptions
		itOpts.Reverse = true
		itOpts.Prefix = prefix
		it := txn.NewIterator(itOpts)
		defer it.Close()

		var seekKey []byte
		if in.Before == nil {
			// Past every ULID under this prefix.
			seekKey = append(append([]byte(nil), prefix...), 0xFF)
		} else {
			seekKey = append(append([]byte(nil), prefix...), in.Before.String()...)
		}
		it.Seek(seekKey)

		// Reverse Seek lands on the largest key <= seekKey; Before is exclusive.
		if in.Before != nil && it.ValidForPrefix(prefix) && string(it.Item().Key()) == string(seekKey) {
			it.Next()
		}

		for ; it.ValidForPrefix(prefix) && len(out) < limit; it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var m Message
			err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &m)
			})
			if err != nil {
				return err
			}
			out = append(out, m)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("msglog: badger scan: %w", err)
	}

	reverse(out)
	return out, nil
}
