package identity

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements user lookup over PostgreSQL.
//
// The pgx pool is owned by the caller; this store never closes it.
// Schema/table identifiers are validated and quoted.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures the store.
type PostgresOption func(*PostgresStore) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the Postgres schema used by the identity store (default "murmur").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return fmt.Errorf("identity: empty schema")
		}
		if !PGIdentIsValid(schema) {
			return fmt.Errorf("identity: invalid schema identifier")
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
		return nil, fmt.Errorf("identity: nil pool")
	}
	return st, nil
}

// Migrate creates the schema and users table when missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	users := pgIdent(s.schema, "users")
	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + pgx.Identifier{s.schema}.Sanitize(),
		`CREATE TABLE IF NOT EXISTS ` + users + ` (
			id         BIGSERIAL PRIMARY KEY,
			username   TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			CONSTRAINT uq_users_username UNIQUE (username)
		)`,
	}
	for _, q := range stmts {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("identity: migrate: %w", err)
		}
	}
	return nil
}

// LookupUser resolves a username to a principal.
func (s *PostgresStore) LookupUser(ctx context.Context, username string) (Principal, error) {
	const op = "identity.LookupUser"

	norm, err := ValidateUsername(op, username)
	if err != nil {
		return Principal{}, err
	}

	var p Principal
	err = s.pool.QueryRow(ctx,
		`SELECT id, username FROM `+pgIdent(s.schema, "users")+` WHERE username = $1`,
		norm,
	).Scan(&p.ID, &p.Username)
	if errors.Is(err, pgx.ErrNoRows) {
		return Principal{}, NotFoundError{Op: op, Resource: "user"}
	}
	if err != nil {
		return Principal{}, fmt.Errorf("%s: %w", op, err)
	}
	return p, nil
}

// EnsureUser inserts the user if missing and returns the stored principal.
func (s *PostgresStore) EnsureUser(ctx context.Context, username string) (Principal, error) {
	const op = "identity.EnsureUser"

	norm, err := ValidateUsername(op, username)
	if err != nil {
		return Principal{}, err
	}

	users := pgIdent(s.schema, "users")

	var p Principal
	err = s.pool.QueryRow(ctx,
		`INSERT INTO `+users+` (username) VALUES ($1)
		 ON CONFLICT (username) DO UPDATE SET username = EXCLUDED.username
		 RETURNING id, username`,
		norm,
	).Scan(&p.ID, &p.Username)
	if err != nil {
		if field, ok := pgClassifyUniqueViolation(err); ok {
			return Principal{}, ConflictError{Op: op, Field: field}
		}
		return Principal{}, fmt.Errorf("%s: %w", op, err)
	}
	return p, nil
}

// PGIdentIsValid reports whether s is a plain PostgreSQL identifier.
// Shared by the stores that accept a schema option.
func PGIdentIsValid(s string) bool {
	return pgIdentRe.MatchString(s)
}

func pgIdent(schema, name string) string {
	return pgx.Identifier{schema, name}.Sanitize()
}

func pgClassifyUniqueViolation(err error) (field string, ok bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return "", false
	}
	if pgErr.Code != "23505" { // unique_violation
		return "", false
	}
	c := strings.ToLower(strings.TrimSpace(pgErr.ConstraintName))
	if strings.Contains(c, "username") {
		return "username", true
	}
	return "unique", true
}
