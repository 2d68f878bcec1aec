package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"murmur/cmd/internal/auth/gate"
	"murmur/cmd/internal/directory"
	"murmur/cmd/internal/metastore"
	"murmur/cmd/internal/msglog"

	"github.com/jackc/pgx/v5/pgxpool"
	radix "github.com/mediocregopher/radix/v3"
)

// Runtime owns the storage backends shared by the server and the CLI.
type Runtime struct {
	cfg Config
	log Logger

	// Pool is nil unless a Postgres backend or MURMUR_DATABASE_URL is configured.
	Pool *pgxpool.Pool
	// Redis is nil unless MURMUR_REDIS_ADDR is set.
	Redis    *radix.Pool
	Meta     metastore.Store
	Messages msglog.Log

	closers []func() error
}

type migrator interface {
	Migrate(ctx context.Context) error
}

type pinger interface {
	Ping(ctx context.Context) error
}

// OpenRuntime connects every configured backend. On error, whatever was
// already opened is closed again.
func OpenRuntime(ctx context.Context, cfg Config, log Logger) (_ *Runtime, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rt := &Runtime{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			_ = rt.Close()
		}
	}()

	if cfg.Store.DatabaseURL != "" {
		pool, err := NewDBPool(ctx, cfg.Store)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		rt.Pool = pool
		rt.onClose(func() error { pool.Close(); return nil })
	}

	if err := rt.openMeta(); err != nil {
		return nil, err
	}
	if err := rt.openMessages(); err != nil {
		return nil, err
	}

	if cfg.Redis.Addr != "" {
		p, err := radix.NewPool("tcp", cfg.Redis.Addr, nonZeroInt(cfg.Redis.PoolSize, 10))
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		rt.Redis = p
		rt.onClose(p.Close)
	}

	log.Info("runtime.open",
		"meta_store", cfg.Store.Meta,
		"message_log", cfg.Store.MessageLog,
		"postgres", rt.Pool != nil,
		"redis", rt.Redis != nil,
	)
	return rt, nil
}

func (rt *Runtime) openMeta() error {
	switch rt.cfg.Store.Meta {
	case BackendMemory:
		rt.log.Warn("meta_store.memory", "note", "metadata is lost on restart")
		rt.Meta = metastore.NewMemoryStore()
	case BackendSQLite:
		st, err := metastore.NewSQLiteStore(rt.cfg.Store.SQLitePath)
		if err != nil {
			return err
		}
		rt.Meta = st
	case BackendPostgres:
		st, err := metastore.NewPostgresStore(rt.Pool, metastore.WithSchema(rt.cfg.Store.DBSchema))
		if err != nil {
			return err
		}
		rt.Meta = st
	default:
		return fmt.Errorf("unknown meta store %q", rt.cfg.Store.Meta)
	}
	rt.onClose(rt.Meta.Close)
	return nil
}

func (rt *Runtime) openMessages() error {
	opts := []msglog.Option{msglog.WithLogger(rt.log)}

	switch rt.cfg.Store.MessageLog {
	case BackendMemory:
		rt.log.Warn("message_log.memory", "note", "messages are lost on restart")
		rt.Messages = msglog.NewMemoryLog(opts...)
	case BackendBadger:
		if err := os.MkdirAll(filepath.Clean(rt.cfg.Store.BadgerDir), 0o755); err != nil {
			return fmt.Errorf("badger dir: %w", err)
		}
		l, err := msglog.OpenBadgerLog(rt.cfg.Store.BadgerDir, opts...)
		if err != nil {
			return err
		}
		rt.Messages = l
	case BackendPostgres:
		l, err := msglog.NewPostgresLog(rt.Pool,
			msglog.WithSchema(rt.cfg.Store.DBSchema),
			msglog.WithPostgresOptions(opts...),
		)
		if err != nil {
			return err
		}
		rt.Messages = l
	default:
		return fmt.Errorf("unknown message log %q", rt.cfg.Store.MessageLog)
	}
	rt.onClose(rt.Messages.Close)
	return nil
}

func (rt *Runtime) onClose(f func() error) {
	rt.closers = append(rt.closers, f)
}

// Migrate creates the schema of every backend that needs one.
// The SQLite store migrates when it opens.
func (rt *Runtime) Migrate(ctx context.Context) error {
	steps := []struct {
		name string
		v    any
	}{
		{"meta_store", rt.Meta},
		{"message_log", rt.Messages},
	}
	for _, s := range steps {
		m, ok := s.v.(migrator)
		if !ok {
			continue
		}
		if err := m.Migrate(ctx); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
		rt.log.Info("migrate.ok", "component", s.name)
	}
	return nil
}

// Users resolves usernames, through the Redis cache when Redis is configured.
func (rt *Runtime) Users() gate.UserResolver {
	if rt.Redis == nil {
		return rt.Meta
	}
	return gate.NewCachedResolver(rt.Meta, rt.Redis, rt.cfg.Redis.UserCacheTTL, rt.log)
}

// Directory returns the conversation service over this runtime's stores.
func (rt *Runtime) Directory() *directory.Directory {
	return directory.New(rt.Meta, rt.Messages, directory.WithLogger(rt.log))
}

// Ready checks each reachable dependency within timeout.
func (rt *Runtime) Ready(ctx context.Context, timeout time.Duration) error {
	if rt.cfg.Store.ReadinessRequireDB && rt.Pool == nil {
		return errors.New("postgres: not configured")
	}

	var errs []error
	if rt.Pool != nil {
		if err := PingDB(ctx, rt.Pool, timeout); err != nil {
			errs = append(errs, fmt.Errorf("postgres: %w", err))
		}
	}
	if p, ok := rt.Meta.(pinger); ok {
		pctx, cancel := context.WithTimeout(ctx, timeout)
		err := p.Ping(pctx)
		cancel()
		if err != nil {
			errs = append(errs, fmt.Errorf("meta_store: %w", err))
		}
	}
	if rt.Redis != nil {
		var pong string
		if err := rt.Redis.Do(radix.Cmd(&pong, "PING")); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Close releases backends in reverse open order.
func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
