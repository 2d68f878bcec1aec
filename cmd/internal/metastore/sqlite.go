package metastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"murmur/cmd/identity"

	"github.com/mattn/go-sqlite3"
)

// SQLiteStore is a single-file Store for local runs. It also carries its own
// users table, so it is a complete identity.Store.
//
// Timestamps are stored as Unix nanoseconds, which keeps the monotonic
// comparisons exact.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens dsn and applies migrations. Use ":memory:" for tests.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", withForeignKeys(dsn))
	if err != nil {
		return nil, fmt.Errorf("metastore: open sqlite: %w", err)
	}
	// Every connection to ":memory:" is a separate database.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("metastore: migrate sqlite: %w", err)
	}
	return s, nil
}

// withForeignKeys turns on foreign key enforcement for every connection the
// driver opens; a PRAGMA would only reach one pooled connection.
func withForeignKeys(dsn string) string {
	if strings.Contains(dsn, "_foreign_keys=") || strings.Contains(dsn, "_fk=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_foreign_keys=on"
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			username   TEXT NOT NULL UNIQUE,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id              TEXT PRIMARY KEY,
			created_at      INTEGER NOT NULL,
			last_message_at INTEGER NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversation_participants (
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			user_id         INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			last_read_at    INTEGER NULL,
			PRIMARY KEY (conversation_id, user_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversation_participants_user ON conversation_participants(user_id)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// LookupUser implements identity.Store.
func (s *SQLiteStore) LookupUser(ctx context.Context, username string) (identity.Principal, error) {
	const op = "identity.LookupUser"

	norm, err := identity.ValidateUsername(op, username)
	if err != nil {
		return identity.Principal{}, err
	}

	var p identity.Principal
	err = s.db.QueryRowContext(ctx, `SELECT id, username FROM users WHERE username = ?`, norm).Scan(&p.ID, &p.Username)
	if errors.Is(err, sql.ErrNoRows) {
		return identity.Principal{}, identity.NotFoundError{Op: op, Resource: "user"}
	}
	if err != nil {
		return identity.Principal{}, fmt.Errorf("%s: %w", op, err)
	}
	return p, nil
}

// EnsureUser implements identity.Store.
func (s *SQLiteStore) EnsureUser(ctx context.Context, username string) (identity.Principal, error) {
	const op = "identity.EnsureUser"

	norm, err := identity.ValidateUsername(op, username)
	if err != nil {
		return identity.Principal{}, err
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO users (username, created_at) VALUES (?, ?)`,
		norm, s.now().UTC().UnixNano(),
	); err != nil {
		return identity.Principal{}, fmt.Errorf("%s: %w", op, err)
	}
	return s.LookupUser(ctx, norm)
}

// AdvanceConversationActivity implements Writer.
func (s *SQLiteStore) AdvanceConversationActivity(ctx context.Context, conversationID string, at time.Time) (bool, error) {
	const op = "metastore.AdvanceConversationActivity"
	if err := validateAdvance(op, conversationID, at); err != nil {
		return false, err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET last_message_at = ?
		  WHERE id = ? AND (last_message_at IS NULL OR last_message_at < ?)`,
		at.UnixNano(), conversationID, at.UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return n == 1, nil
}

// AdvanceReadCursor implements Writer.
func (s *SQLiteStore) AdvanceReadCursor(ctx context.Context, userID int64, conversationID string, at time.Time) (bool, error) {
	const op = "metastore.AdvanceReadCursor"
	if err := validateAdvance(op, conversationID, at); err != nil {
		return false, err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE conversation_participants SET last_read_at = ?
		  WHERE conversation_id = ? AND user_id = ?
		    AND (last_read_at IS NULL OR last_read_at < ?)`,
		at.UnixNano(), conversationID, userID, at.UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return n == 1, nil
}

// IsParticipant implements Store.
func (s *SQLiteStore) IsParticipant(ctx context.Context, userID int64, conversationID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM conversation_participants WHERE conversation_id = ? AND user_id = ?`,
		conversationID, userID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("metastore.IsParticipant: %w", err)
	}
	return true, nil
}

// Participant implements Store.
func (s *SQLiteStore) Participant(ctx context.Context, userID int64, conversationID string) (Participant, error) {
	const op = "metastore.Participant"

	var last sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_read_at FROM conversation_participants WHERE conversation_id = ? AND user_id = ?`,
		conversationID, userID,
	).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return Participant{}, identity.NotFoundError{Op: op, Resource: "participant"}
	}
	if err != nil {
		return Participant{}, fmt.Errorf("%s: %w", op, err)
	}
	return Participant{UserID: userID, ConversationID: conversationID, LastReadAt: nanosPtr(last)}, nil
}

// FindDirectConversation implements Store.
// With duplicates present, the oldest conversation wins.
func (s *SQLiteStore) FindDirectConversation(ctx context.Context, a, b int64) (Conversation, error) {
	const op = "metastore.FindDirectConversation"

	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT c.id
		   FROM conversations c
		   JOIN conversation_participants pa ON pa.conversation_id = c.id AND pa.user_id = ?
		   JOIN conversation_participants pb ON pb.conversation_id = c.id AND pb.user_id = ?
		  WHERE (SELECT count(*) FROM conversation_participants px WHERE px.conversation_id = c.id) = 2
		  ORDER BY c.created_at ASC, c.id ASC
		  LIMIT 1`,
		a, b,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
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
func (s *SQLiteStore) CreateConversation(ctx context.Context, id string, participants []identity.Principal) (Conversation, error) {
	const op = "metastore.CreateConversation"
	if err := validateConversationID(op, id); err != nil {
		return Conversation{}, err
	}
	ps, err := validateParticipants(op, participants)
	if err != nil {
		return Conversation{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Conversation{}, fmt.Errorf("%s: begin: %w", op, err)
	}
	defer func() { _ = tx.Rollback() }()

	created := s.now().UTC()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversations (id, created_at) VALUES (?, ?)`,
		id, created.UnixNano(),
	); err != nil {
		if sqliteConstraint(err, sqlite3.ErrConstraintPrimaryKey, sqlite3.ErrConstraintUnique) {
			return Conversation{}, identity.ConflictError{Op: op, Field: "conversation"}
		}
		return Conversation{}, fmt.Errorf("%s: %w", op, err)
	}

	for _, p := range ps {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conversation_participants (conversation_id, user_id) VALUES (?, ?)`,
			id, p.ID,
		); err != nil {
			if sqliteConstraint(err, sqlite3.ErrConstraintForeignKey) {
				return Conversation{}, identity.NotFoundError{Op: op, Resource: "user"}
			}
			return Conversation{}, fmt.Errorf("%s: participants: %w", op, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Conversation{}, fmt.Errorf("%s: commit: %w", op, err)
	}
	return Conversation{ID: id, CreatedAt: created, Participants: ps}, nil
}

// ListConversations implements Store.
func (s *SQLiteStore) ListConversations(ctx context.Context, userID int64, limit int) ([]Conversation, error) {
	const op = "metastore.ListConversations"
	limit = ClampListLimit(limit)

	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id
		   FROM conversations c
		   JOIN conversation_participants p ON p.conversation_id = c.id
		  WHERE p.user_id = ?
		  ORDER BY c.last_message_at IS NULL, c.last_message_at DESC, c.created_at DESC, c.id ASC
		  LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	var convIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		convIDs = append(convIDs, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
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

func (s *SQLiteStore) loadConversations(ctx context.Context, convIDs []string) ([]Conversation, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(convIDs)), ",")
	args := make([]any, 0, len(convIDs))
	for _, id := range convIDs {
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.created_at, c.last_message_at, u.id, u.username
		   FROM conversations c
		   JOIN conversation_participants p ON p.conversation_id = c.id
		   JOIN users u ON u.id = p.user_id
		  WHERE c.id IN (`+placeholders+`)
		  ORDER BY c.id, u.id`,
		args...,
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
			id      string
			created int64
			last    sql.NullInt64
			p       identity.Principal
		)
		if err := rows.Scan(&id, &created, &last, &p.ID, &p.Username); err != nil {
			return nil, err
		}
		i, ok := byID[id]
		if !ok {
			out = append(out, Conversation{
				ID:            id,
				CreatedAt:     time.Unix(0, created).UTC(),
				LastMessageAt: nanosPtr(last),
			})
			i = len(out) - 1
			byID[id] = i
		}
		out[i].Participants = append(out[i].Participants, p)
	}
	return out, rows.Err()
}

func nanosPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	return utcPtr(time.Unix(0, v.Int64))
}

func sqliteConstraint(err error, codes ...sqlite3.ErrNoExtended) bool {
	var sqErr sqlite3.Error
	if !errors.As(err, &sqErr) {
		return false
	}
	for _, c := range codes {
		if sqErr.ExtendedCode == c {
			return true
		}
	}
	return false
}
