package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"murmur/cmd/identity"
	"murmur/cmd/internal/realtime"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

// Store backends selectable through configuration.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendBadger   = "badger"
	BackendPostgres = "postgres"
)

// minJWTSecretBytes is the HS256 key floor.
const minJWTSecretBytes = 32

// HTTPConfig tunes the listener.
type HTTPConfig struct {
	Addr string `env:"MURMUR_HTTP_ADDR,default=0.0.0.0:8080"`
	// PublicURL is what the startup banner advertises; derived from Addr when empty.
	PublicURL string `env:"MURMUR_PUBLIC_URL"`

	ReadHeaderTimeout time.Duration `env:"MURMUR_HTTP_READ_HEADER_TIMEOUT,default=5s"`
	ReadTimeout       time.Duration `env:"MURMUR_HTTP_READ_TIMEOUT,default=15s"`
	WriteTimeout      time.Duration `env:"MURMUR_HTTP_WRITE_TIMEOUT,default=15s"`
	IdleTimeout       time.Duration `env:"MURMUR_HTTP_IDLE_TIMEOUT,default=60s"`
	MaxHeaderBytes    int           `env:"MURMUR_HTTP_MAX_HEADER_BYTES,default=1048576"`
	ShutdownTimeout   time.Duration `env:"MURMUR_SHUTDOWN_TIMEOUT,default=10s"`
}

// LogConfig selects level, format and the optional file sink.
type LogConfig struct {
	Level  string `env:"MURMUR_LOG_LEVEL,default=info"`
	Format string `env:"MURMUR_LOG_FORMAT,default=json"`
	File   string `env:"MURMUR_LOG_FILE"`
}

// StoreConfig picks the metadata store and message log backends.
type StoreConfig struct {
	Meta       string `env:"MURMUR_META_STORE,default=sqlite"`
	SQLitePath string `env:"MURMUR_SQLITE_PATH,default=murmur.db"`
	MessageLog string `env:"MURMUR_MESSAGE_LOG,default=badger"`
	BadgerDir  string `env:"MURMUR_BADGER_DIR,default=data/messages"`

	DatabaseURL string `env:"MURMUR_DATABASE_URL"`
	DBSchema    string `env:"MURMUR_DB_SCHEMA,default=murmur"`
	DBMaxConns  int32  `env:"MURMUR_DB_MAX_CONNS,default=10"`
	DBMinConns  int32  `env:"MURMUR_DB_MIN_CONNS,default=0"`

	// If true, /readyz returns 503 unless Postgres is configured and reachable.
	ReadinessRequireDB bool `env:"MURMUR_READINESS_REQUIRE_DB,default=false"`
}

// RedisConfig enables the cluster broker and the user cache when Addr is set.
type RedisConfig struct {
	Addr         string        `env:"MURMUR_REDIS_ADDR"`
	PoolSize     int           `env:"MURMUR_REDIS_POOL_SIZE,default=10"`
	UserCacheTTL time.Duration `env:"MURMUR_USER_CACHE_TTL,default=30s"`
}

// AMQPConfig enables the durable retry queue for metadata writes when URL is set.
type AMQPConfig struct {
	URL        string `env:"MURMUR_AMQP_URL"`
	RetryQueue string `env:"MURMUR_AMQP_RETRY_QUEUE,default=murmur.metadata.retry"`
	Prefetch   int    `env:"MURMUR_AMQP_PREFETCH,default=16"`
}

// JWTConfig configures the HS256 credential decoder.
type JWTConfig struct {
	Secret string        `env:"MURMUR_JWT_SECRET"`
	Leeway time.Duration `env:"MURMUR_JWT_LEEWAY,default=30s"`
	Issuer string        `env:"MURMUR_JWT_ISSUER"`
}

// WSConfig mirrors realtime.GatewayConfig.
type WSConfig struct {
	InsecureSkipVerify bool          `env:"MURMUR_WS_INSECURE_SKIP_VERIFY,default=false"`
	OriginRequired     bool          `env:"MURMUR_WS_ORIGIN_REQUIRED,default=true"`
	AllowedOrigins     []string      `env:"MURMUR_WS_ALLOWED_ORIGINS,default=http://localhost|http://127.0.0.1"`
	RequireMembership  bool          `env:"MURMUR_WS_REQUIRE_MEMBERSHIP,default=true"`
	WriteTimeout       time.Duration `env:"MURMUR_WS_WRITE_TIMEOUT,default=5s"`
	ReadIdleTimeout    time.Duration `env:"MURMUR_WS_READ_IDLE_TIMEOUT,default=60s"`
	SendQueueSize      int           `env:"MURMUR_WS_SEND_QUEUE,default=64"`
	HeartbeatEvery     time.Duration `env:"MURMUR_WS_HEARTBEAT_EVERY,default=25s"`
	HeartbeatTimeout   time.Duration `env:"MURMUR_WS_HEARTBEAT_TIMEOUT,default=5s"`
	RateEvents         int           `env:"MURMUR_WS_RATE_EVENTS,default=120"`
	RateWindow         time.Duration `env:"MURMUR_WS_RATE_WINDOW,default=10s"`
}

// MetaConfig tunes the asynchronous metadata writer.
type MetaConfig struct {
	Workers      int           `env:"MURMUR_META_WORKERS,default=4"`
	QueueSize    int           `env:"MURMUR_META_QUEUE,default=1024"`
	ParkQueue    int           `env:"MURMUR_META_PARK_QUEUE,default=256"`
	MaxRetries   int           `env:"MURMUR_META_RETRIES,default=4"`
	WriteTimeout time.Duration `env:"MURMUR_META_WRITE_TIMEOUT,default=5s"`
}

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTP  HTTPConfig
	Log   LogConfig
	Store StoreConfig
	Redis RedisConfig
	AMQP  AMQPConfig
	JWT   JWTConfig
	WS    WSConfig
	Meta  MetaConfig
}

// LoadConfig reads an optional .env file, then the process environment.
func LoadConfig() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	cfg.normalize()
	return cfg, nil
}

// loadConfigFrom is LoadConfig over an explicit set, without .env.
func loadConfigFrom(es env.EnvSet) (Config, error) {
	var cfg Config
	if err := env.Unmarshal(es, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	cfg.normalize()
	return cfg, nil
}

func (c *Config) normalize() {
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	c.Store.Meta = strings.ToLower(strings.TrimSpace(c.Store.Meta))
	c.Store.MessageLog = strings.ToLower(strings.TrimSpace(c.Store.MessageLog))

	origins := c.WS.AllowedOrigins[:0]
	for _, o := range c.WS.AllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	c.WS.AllowedOrigins = origins
}

// Validate rejects combinations the runtime cannot start with.
func (c Config) Validate() error {
	var errs []error

	switch c.Store.Meta {
	case BackendMemory, BackendSQLite, BackendPostgres:
	default:
		errs = append(errs, fmt.Errorf("MURMUR_META_STORE=%q: want memory, sqlite or postgres", c.Store.Meta))
	}
	switch c.Store.MessageLog {
	case BackendMemory, BackendBadger, BackendPostgres:
	default:
		errs = append(errs, fmt.Errorf("MURMUR_MESSAGE_LOG=%q: want memory, badger or postgres", c.Store.MessageLog))
	}
	if c.usesPostgres() && c.Store.DatabaseURL == "" {
		errs = append(errs, errors.New("postgres backend selected but MURMUR_DATABASE_URL is empty"))
	}
	if c.Store.ReadinessRequireDB && c.Store.DatabaseURL == "" {
		errs = append(errs, errors.New("MURMUR_READINESS_REQUIRE_DB=true but MURMUR_DATABASE_URL is empty"))
	}
	if c.Store.DatabaseURL != "" && !identity.PGIdentIsValid(c.Store.DBSchema) {
		errs = append(errs, fmt.Errorf("MURMUR_DB_SCHEMA=%q is not a valid identifier", c.Store.DBSchema))
	}
	if c.Store.Meta == BackendSQLite && strings.TrimSpace(c.Store.SQLitePath) == "" {
		errs = append(errs, errors.New("sqlite backend selected but MURMUR_SQLITE_PATH is empty"))
	}
	if c.Store.MessageLog == BackendBadger && strings.TrimSpace(c.Store.BadgerDir) == "" {
		errs = append(errs, errors.New("badger backend selected but MURMUR_BADGER_DIR is empty"))
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("MURMUR_LOG_FORMAT=%q: want json or text", c.Log.Format))
	}
	if c.WS.OriginRequired && len(c.WS.AllowedOrigins) == 0 && !c.WS.InsecureSkipVerify {
		errs = append(errs, errors.New("MURMUR_WS_ORIGIN_REQUIRED=true needs MURMUR_WS_ALLOWED_ORIGINS"))
	}

	return errors.Join(errs...)
}

func (c Config) usesPostgres() bool {
	return c.Store.Meta == BackendPostgres || c.Store.MessageLog == BackendPostgres
}

// GatewayConfig maps the WS section onto the realtime gateway.
func (c Config) GatewayConfig() realtime.GatewayConfig {
	return realtime.GatewayConfig{
		InsecureSkipVerify: c.WS.InsecureSkipVerify,
		OriginRequired:     c.WS.OriginRequired,
		AllowedOrigins:     append([]string(nil), c.WS.AllowedOrigins...),
		RequireMembership:  c.WS.RequireMembership,
		WriteTimeout:       c.WS.WriteTimeout,
		ReadIdleTimeout:    c.WS.ReadIdleTimeout,
		SendQueueSize:      c.WS.SendQueueSize,
		HeartbeatEvery:     c.WS.HeartbeatEvery,
		HeartbeatTimeout:   c.WS.HeartbeatTimeout,
		RateEvents:         c.WS.RateEvents,
		RateWindow:         c.WS.RateWindow,
	}
}
