package app

import (
	"reflect"
	"strings"
	"testing"
	"time"

	env "github.com/Netflix/go-env"
)

func TestLoadConfigFrom_Defaults(t *testing.T) {
	t.Parallel()

	cfg, err := loadConfigFrom(env.EnvSet{})
	if err != nil {
		t.Fatalf("loadConfigFrom: %v", err)
	}

	if cfg.HTTP.Addr != "0.0.0.0:8080" {
		t.Fatalf("HTTP.Addr=%q", cfg.HTTP.Addr)
	}
	if cfg.HTTP.ReadHeaderTimeout != 5*time.Second || cfg.HTTP.ShutdownTimeout != 10*time.Second {
		t.Fatalf("timeouts=%v/%v", cfg.HTTP.ReadHeaderTimeout, cfg.HTTP.ShutdownTimeout)
	}
	if cfg.Store.Meta != BackendSQLite || cfg.Store.MessageLog != BackendBadger {
		t.Fatalf("backends=%q/%q", cfg.Store.Meta, cfg.Store.MessageLog)
	}
	if cfg.Store.DBMaxConns != 10 || cfg.Store.DBSchema != "murmur" {
		t.Fatalf("db=%d/%q", cfg.Store.DBMaxConns, cfg.Store.DBSchema)
	}
	want := []string{"http://localhost", "http://127.0.0.1"}
	if !reflect.DeepEqual(cfg.WS.AllowedOrigins, want) {
		t.Fatalf("AllowedOrigins=%v want=%v", cfg.WS.AllowedOrigins, want)
	}
	if !cfg.WS.OriginRequired || !cfg.WS.RequireMembership {
		t.Fatal("origin and membership checks must default on")
	}
	if cfg.Meta.Workers != 4 || cfg.Meta.QueueSize != 1024 || cfg.Meta.ParkQueue != 256 {
		t.Fatalf("meta=%+v", cfg.Meta)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestLoadConfigFrom_Overrides(t *testing.T) {
	t.Parallel()

	cfg, err := loadConfigFrom(env.EnvSet{
		"MURMUR_LOG_LEVEL":               " DEBUG ",
		"MURMUR_META_STORE":              "Memory",
		"MURMUR_MESSAGE_LOG":             "memory",
		"MURMUR_WS_ALLOWED_ORIGINS":      "https://a.example| https://b.example |",
		"MURMUR_WS_RATE_EVENTS":          "5",
		"MURMUR_WS_RATE_WINDOW":          "2s",
		"MURMUR_WS_REQUIRE_MEMBERSHIP":   "false",
		"MURMUR_DB_MAX_CONNS":            "3",
		"MURMUR_REDIS_ADDR":              "127.0.0.1:6379",
		"MURMUR_USER_CACHE_TTL":          "1m",
		"MURMUR_WS_INSECURE_SKIP_VERIFY": "true",
	})
	if err != nil {
		t.Fatalf("loadConfigFrom: %v", err)
	}

	if cfg.Log.Level != "debug" || cfg.Store.Meta != BackendMemory {
		t.Fatalf("normalize: level=%q meta=%q", cfg.Log.Level, cfg.Store.Meta)
	}
	if want := []string{"https://a.example", "https://b.example"}; !reflect.DeepEqual(cfg.WS.AllowedOrigins, want) {
		t.Fatalf("AllowedOrigins=%v want=%v", cfg.WS.AllowedOrigins, want)
	}
	if cfg.Store.DBMaxConns != 3 || cfg.Redis.UserCacheTTL != time.Minute {
		t.Fatalf("db=%d ttl=%v", cfg.Store.DBMaxConns, cfg.Redis.UserCacheTTL)
	}

	gw := cfg.GatewayConfig()
	if gw.RateEvents != 5 || gw.RateWindow != 2*time.Second || gw.RequireMembership || !gw.InsecureSkipVerify {
		t.Fatalf("GatewayConfig=%+v", gw)
	}
}

func TestLoadConfigFrom_BadDuration(t *testing.T) {
	t.Parallel()

	if _, err := loadConfigFrom(env.EnvSet{"MURMUR_WS_WRITE_TIMEOUT": "soon"}); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	base, err := loadConfigFrom(env.EnvSet{})
	if err != nil {
		t.Fatalf("loadConfigFrom: %v", err)
	}

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "unknown meta store", mutate: func(c *Config) { c.Store.Meta = "mongo" }, wantErr: "MURMUR_META_STORE"},
		{name: "unknown message log", mutate: func(c *Config) { c.Store.MessageLog = "kafka" }, wantErr: "MURMUR_MESSAGE_LOG"},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Store.Meta = BackendPostgres }, wantErr: "MURMUR_DATABASE_URL"},
		{name: "readiness without dsn", mutate: func(c *Config) { c.Store.ReadinessRequireDB = true }, wantErr: "MURMUR_READINESS_REQUIRE_DB"},
		{name: "bad schema", mutate: func(c *Config) {
			c.Store.DatabaseURL = "postgres://localhost/murmur"
			c.Store.DBSchema = "drop table;"
		}, wantErr: "MURMUR_DB_SCHEMA"},
		{name: "bad log format", mutate: func(c *Config) { c.Log.Format = "xml" }, wantErr: "MURMUR_LOG_FORMAT"},
		{name: "origin required without allowlist", mutate: func(c *Config) { c.WS.AllowedOrigins = nil }, wantErr: "MURMUR_WS_ALLOWED_ORIGINS"},
		{name: "ok postgres", mutate: func(c *Config) {
			c.Store.Meta = BackendPostgres
			c.Store.MessageLog = BackendPostgres
			c.Store.DatabaseURL = "postgres://localhost/murmur"
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			cfg.WS.AllowedOrigins = append([]string(nil), base.WS.AllowedOrigins...)
			tc.mutate(&cfg)

			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err=%v want mention of %s", err, tc.wantErr)
			}
		})
	}
}

func TestValidateSecurityConfig(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		secret  string
		leeway  time.Duration
		wantErr bool
	}{
		{name: "missing", secret: "", wantErr: true},
		{name: "short", secret: "too-short", wantErr: true},
		{name: "negative leeway", secret: strings.Repeat("k", 32), leeway: -time.Second, wantErr: true},
		{name: "ok", secret: strings.Repeat("k", 32)},
	}

	for _, tc := range cases {
		cfg := Config{JWT: JWTConfig{Secret: tc.secret, Leeway: tc.leeway}}
		err := ValidateSecurityConfig(cfg)
		if (err != nil) != tc.wantErr {
			t.Fatalf("%s: err=%v wantErr=%v", tc.name, err, tc.wantErr)
		}
	}
}
