package metastore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"murmur/cmd/identity"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the PostgreSQL metadata store.
//
// Users live in the identity store's table in the same schema; this store
// adds conversations and conversation_participants on top of it.
// The pgx pool is owned by the caller; Close does not close it.
type PostgresStore struct {
	*identity.PostgresStore

	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema (default: "murmur").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("metastore: empty schema")
		}
		if !identity.PGIdentIsValid(schema) {
			return errors.New("metastore: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "murmur",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("metastore: nil pool")
	}

	users, err := identity.NewPostgresStore(pool, identity.WithSchema(st.schema))
	if err != nil {
		return nil, err
	}
	st.PostgresStore = users
	return st, nil
}

func (s *PostgresStore) ident(name string) string {
	return pgx.Identifier{s.schema, name}.Sanitize()
}

// Migrate creates the users, conversations and participants tables.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if err := s.PostgresStore.Migrate(ctx); err != nil {
		return err
	}

	convs := s.ident("conversations")
	parts := s.ident("conversation_participants")
	users := s.ident("users")

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + convs + ` (
			id              TEXT PRIMARY KEY,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_message_at TIMESTAMPTZ NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ` + parts + ` (
			conversation_id TEXT NOT NULL REFERENCES ` + convs + `(id) ON DELETE CASCADE,
			user_id         BIGINT NOT NULL REFERENCES ` + users + `(id) ON DELETE CASCADE,
			last_read_at    TIMESTAMPTZ NULL,
			PRIMARY KEY (conversation_id, user_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversation_participants_user ON ` + parts + ` (user_id)`,
	}
	for _, q := range stmts {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("metastore: migrate: %w", err)
		}
	}
	return nil
}

// Close is a no-op for the pool, which is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// AdvanceConversationActivity implements Writer.
func (s *PostgresStore) AdvanceConversationActivity(ctx context.Context, conversationID string, at time.Time) (bool, error) {
	const op = "metastore.AdvanceConversationActivity"
	if err := validateAdvance(op, conversationID, at); err != nil {
		return false, err
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.ident("conversations")+`
		    SET last_message_at = $2
		  WHERE id = $1 AND (last_message_at IS NULL OR last_message_at < $2)`,
		conversationID, at.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return tag.RowsAffected() == 1, nil
}

// AdvanceReadCursor implements Writer.
func (s *PostgresStore) AdvanceReadCursor(ctx context.Context, userID int64, conversationID string, at time.Time) (bool, error) {
	const op = "metastore.AdvanceReadCursor"
	if err := validateAdvance(op, conversationID, at); err != nil {
		return false, err
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.ident("conversation_participants")+`
		    SET last_read_at = $3
		  WHERE conversation_id = $1 AND user_id = $2
		    AND (last_read_at IS NULL OR last_read_at < $3)`,
		conversationID, userID, at.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return tag.RowsAffected() == 1, nil
}

// IsParticipant implements Store.
func (s *PostgresStore) IsParticipant(ctx context.Context, userID int64, conversationID string) (bool, error) {
	conversationID = strings.TrimSpace(conversationID)
	if userID <= 0 || conversationID == "" {
		return false, nil
	}

	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM `+s.ident("conversation_participants")+` WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("metastore.IsParticipant: %w", err)
	}
	return true, nil
}

// Participant implements Store.
func (s *PostgresStore) Participant(ctx context.Context, userID int64, conversationID string) (Participant, error) {
	const op = "metastore.Participant"

	p := Participant{UserID: userID, ConversationID: conversationID}
	err := s.pool.QueryRow(ctx,
		`SELECT last_read_at FROM `+s.ident("conversation_participants")+` WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID,
	).Scan(&p.LastReadAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Participant{}, identity.NotFoundError{Op: op, Resource: "participant"}
	}
	if err != nil {
		return Participant{}, fmt.Errorf("%s: %w", op, err)
	}
	if p.LastReadAt != nil {
		p.LastReadAt = utcPtr(*p.LastReadAt)
	}
	return p, nil
}

// FindDirectConversation implements Store.
// With duplicates present, the oldest conversation wins.
func (s *PostgresStore) FindDirectConversation(ctx context.Context, a, b int64) (Conversation, error) {
	const op = "metastore.FindDirectConversation"

	convs := s.ident("conversations")
	parts := s.ident("conversation_participants")

	var id string
	err := s.pool.QueryRow(ctx,
		`SELECT c.id
		   FROM `+convs+` c
		   JOIN `+parts+` pa ON pa.conversation_id = c.id AND pa.user_id = $1
		   JOIN `+parts+` pb ON pb.conversation_id = c.id AND pb.user_id = $2
		  WHERE (SELECT count(*) FROM `+parts+` px WHERE px.conversation_id = c.id) = 2
		  ORDER BY c.created_at ASC, c.id ASC
		  LIMIT 1`,
		a, b,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, identity.NotFoundError{Op: op, Resource: "conversation"}
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("%s: %w", op, err)
	}

	cs, err := s.loadConversations(ctx, []string{id})
	if err != nil {
		return Conversation{}, fmt.Errorf("%s: %w", op, err)
	}
	if len(cs) == 0 {
		return Conversation{}, identity.NotFoundError{Op: op, Resource: "conversation"}
	}
	return cs[0], nil
}

// CreateConversation implements Store.
func (s *PostgresStore) CreateConversation(ctx context.Context, id string, participants []identity.Principal) (Conversation, error) {
	const op = "metastore.CreateConversation"
	if err := validateConversationID(op, id); err != nil {
		return Conversation{}, err
	}
	ps, err := validateParticipants(op, participants)
	if err != nil {
		return Conversation{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return Conversation{}, fmt.Errorf("%s: begin: %w", op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	c := Conversation{ID: id, Participants: ps}
	err = tx.QueryRow(ctx,
		`INSERT INTO `+s.ident("conversations")+` (id) VALUES ($1) RETURNING created_at`,
		id,
	).Scan(&c.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return Conversation{}, identity.ConflictError{Op: op, Field: "conversation"}
		}
		return Conversation{}, fmt.Errorf("%s: %w", op, err)
	}
	c.CreatedAt = c.CreatedAt.UTC()

	rows := make([][]any, 0, len(ps))
	for _, p := range ps {
		rows = append(rows, []any{id, p.ID})
	}
	if _, err := tx.CopyFrom(ctx,
		pgx.Identifier{s.schema, "conversation_participants"},
		[]string{"conversation_id", "user_id"},
		pgx.CopyFromRows(rows),
	); err != nil {
		if isForeignKeyViolation(err) {
			return Conversation{}, identity.NotFoundError{Op: op, Resource: "user"}
		}
		return Conversation{}, fmt.Errorf("%s: participants: %w", op, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Conversation{}, fmt.Errorf("%s: commit: %w", op, err)
	}
	return c, nil
}

// ListConversations implements Store.
func (s *PostgresStore) ListConversations(ctx context.Context, userID int64, limit int) ([]Conversation, error) {
	const op = "metastore.ListConversations"
	limit = ClampListLimit(limit)

	rows, err := s.pool.Query(ctx,
		`SELECT c.id
		   FROM `+s.ident("conversations")+` c
		   JOIN `+s.ident("conversation_participants")+` p ON p.conversation_id = c.id
		  WHERE p.user_id = $1
		  ORDER BY c.last_message_at DESC NULLS LAST, c.created_at DESC, c.id ASC
		  LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	convIDs, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if len(convIDs) == 0 {
		return nil, nil
	}

	out, err := s.loadConversations(ctx, convIDs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	sortConversations(out)
	return out, nil
}

// loadConversations fetches conversations with their participants.
func (s *PostgresStore) loadConversations(ctx context.Context, convIDs []string) ([]Conversation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT c.id, c.created_at, c.last_message_at, u.id, u.username
		   FROM `+s.ident("conversations")+` c
		   JOIN `+s.ident("conversation_participants")+` p ON p.conversation_id = c.id
		   JOIN `+s.ident("users")+` u ON u.id = p.user_id
		  WHERE c.id = ANY($1)
		  ORDER BY c.id, u.id`,
		convIDs,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		out  []Conversation
		byID = make(map[string]int, len(convIDs))
	)
	for rows.Next() {
		var (
			c Conversation
			p identity.Principal
		)
		if err := rows.Scan(&c.ID, &c.CreatedAt, &c.LastMessageAt, &p.ID, &p.Username); err != nil {
			return nil, err
		}
		i, ok := byID[c.ID]
		if !ok {
			c.CreatedAt = c.CreatedAt.UTC()
			if c.LastMessageAt != nil {
				c.LastMessageAt = utcPtr(*c.LastMessageAt)
			}
			out = append(out, c)
			i = len(out) - 1
			byID[c.ID] = i
		}
		out[i].Participants = append(out[i].Participants, p)
	}
	return out, rows.Err()
}

func pgErrCode(err error) string {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return ""
	}
	return pgErr.Code
}

func isUniqueViolation(err error) bool { return pgErrCode(err) == "23505" }

func isForeignKeyViolation(err error) bool { return pgErrCode(err) == "23503" }
