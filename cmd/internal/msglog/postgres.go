package msglog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"murmur/cmd/identity"
	"murmur/cmd/identity/ids"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresLog is a Log backed by PostgreSQL.
//
// The pgx pool is owned by the caller; Close does not close it.
// IDs are stored as their 26-char text form under the "C" collation so that
// byte order, and therefore ORDER BY id, matches time order.
type PostgresLog struct {
	pool   *pgxpool.Pool
	schema string
	opts   options
	closed atomic.Bool
}

// PostgresOption configures PostgresLog.
type PostgresOption func(*PostgresLog) error

// WithSchema sets the DB schema used by this log (default: "murmur").
func WithSchema(schema string) PostgresOption {
	return func(l *PostgresLog) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("msglog: empty schema")
		}
		if !identity.PGIdentIsValid(schema) {
			return errors.New("msglog: invalid schema identifier")
		}
		l.schema = schema
		return nil
	}
}

// WithPostgresOptions forwards generic Log options.
func WithPostgresOptions(opts ...Option) PostgresOption {
	return func(l *PostgresLog) error {
		l.opts = buildOptions(opts)
		return nil
	}
}

// NewPostgresLog constructs a Postgres-backed Log.
func NewPostgresLog(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresLog, error) {
	l := &PostgresLog{
		pool:   pool,
		schema: "murmur",
		opts:   buildOptions(nil),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(l); err != nil {
			return nil, err
		}
	}
	if l.pool == nil {
		return nil, errors.New("msglog: nil pool")
	}
	return l, nil
}

func (l *PostgresLog) table() string {
	return pgx.Identifier{l.schema, "messages"}.Sanitize()
}

// Migrate creates the messages table when missing.
func (l *PostgresLog) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + pgx.Identifier{l.schema}.Sanitize(),
		`CREATE TABLE IF NOT EXISTS ` + l.table() + ` (
			conversation_id TEXT NOT NULL,
			id              TEXT COLLATE "C" NOT NULL,
			author_id       BIGINT NOT NULL,
			author_username TEXT NOT NULL,
			body            TEXT NOT NULL,
			created_at      TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (conversation_id, id)
		)`,
	}
	for _, q := range stmts {
		if _, err := l.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("msglog: migrate: %w", err)
		}
	}
	return nil
}

// Close is a no-op for the pool, which is owned by the caller.
func (l *PostgresLog) Close() error {
	l.closed.Store(true)
	return nil
}

// Append implements Log.
func (l *PostgresLog) Append(ctx context.Context, in AppendInput) (Message, error) {
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

	if _, err := l.pool.Exec(ctx,
		`INSERT INTO `+l.table()+` (conversation_id, id, author_id, author_username, body, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		m.ConversationID, m.ID.String(), m.AuthorID, m.AuthorUsername, m.Body, m.Timestamp(),
	); err != nil {
		return Message{}, fmt.Errorf("msglog: insert message: %w", err)
	}
	return m, nil
}

// Scan implements Log.
func (l *PostgresLog) Scan(ctx context.Context, in ScanInput) ([]Message, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}
	if err := validateConversationID(in.ConversationID); err != nil {
		return nil, err
	}
	limit := ClampLimit(in.Limit)

	var before *string
	if in.Before != nil {
		s := in.Before.String()
		before = &s
	}

	rows, err := l.pool.Query(ctx,
		`SELECT conversation_id, id, author_id, author_username, body
		   FROM `+l.table()+`
		  WHERE conversation_id = $1 AND ($2::text IS NULL OR id < $2::text COLLATE "C")
		  ORDER BY id DESC
		  LIMIT $3`,
		in.ConversationID, before, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Message, 0, limit)
	for rows.Next() {
		var (
			m     Message
			rawID string
		)
		if err := rows.Scan(&m.ConversationID, &rawID, &m.AuthorID, &m.AuthorUsername, &m.Body); err != nil {
			return nil, err
		}
		if m.ID, err = ids.Parse(rawID); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	reverse(out)
	return out, nil
}
