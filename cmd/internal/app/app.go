// Package app wires the murmur server runtime: config, logging, storage,
// brokers, HTTP routes and the chat websocket gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"murmur/cmd/internal/auth/gate"
	"murmur/cmd/internal/metastore"
	"murmur/cmd/internal/realtime"

	radix "github.com/mediocregopher/radix/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// App is the murmur server: it owns the HTTP server and everything the chat
// gateway depends on.
type App struct {
	cfg Config
	log Logger

	rt      *Runtime
	reg     *prometheus.Registry
	metrics *realtime.Metrics

	broker realtime.Broker
	meta   *metastore.AsyncWriter
	sink   metastore.RetrySink

	ws *realtime.WSGateway
}

// New constructs a fully wired App. It opens every configured backend; Run
// releases them.
func New(ctx context.Context, cfg Config, log Logger) (_ *App, err error) {
	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}
	dec, err := NewDecoder(cfg.JWT)
	if err != nil {
		return nil, err
	}

	rt, err := OpenRuntime(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	a := &App{cfg: cfg, log: log, rt: rt}
	defer func() {
		if err != nil {
			a.release(context.Background())
		}
	}()

	a.reg = prometheus.NewRegistry()
	a.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = realtime.NewMetrics(a.reg)

	if err := a.openMetadataWriter(ctx); err != nil {
		return nil, err
	}
	if err := a.openBroker(); err != nil {
		return nil, err
	}

	auth := gate.New(dec, rt.Users(), log)
	a.ws = realtime.NewWSGateway(log, cfg.GatewayConfig(), auth, rt.Meta, realtime.SessionDeps{
		Broker:    a.broker,
		Log:       rt.Messages,
		Meta:      a.meta,
		Sequencer: realtime.NewSequencer(),
		Logger:    log,
	}, a.metrics)

	return a, nil
}

func (a *App) openMetadataWriter(ctx context.Context) error {
	a.sink = metastore.LogSink{Log: a.log}
	if a.cfg.AMQP.URL != "" {
		s, err := metastore.DialAMQPSink(ctx, a.cfg.AMQP.URL, a.cfg.AMQP.RetryQueue)
		if err != nil {
			return err
		}
		a.sink = s
	}

	a.meta = metastore.NewAsyncWriter(a.rt.Meta,
		metastore.WithWorkers(a.cfg.Meta.Workers),
		metastore.WithQueueSize(a.cfg.Meta.QueueSize),
		metastore.WithParkQueueSize(a.cfg.Meta.ParkQueue),
		metastore.WithMaxRetries(a.cfg.Meta.MaxRetries),
		metastore.WithWriteTimeout(a.cfg.Meta.WriteTimeout),
		metastore.WithSink(a.sink),
		metastore.WithAsyncLogger(a.log),
		metastore.WithObserver(func(kind metastore.UpdateKind, result string) {
			a.metrics.ObserveMetadataWrite(string(kind), result)
		}),
	)
	return nil
}

func (a *App) openBroker() error {
	local := realtime.NewLocalBroker(a.log, a.metrics)
	if a.rt.Redis == nil {
		a.broker = local
		return nil
	}

	ps, err := radix.PersistentPubSubWithOpts("tcp", a.cfg.Redis.Addr)
	if err != nil {
		return fmt.Errorf("redis pubsub: %w", err)
	}
	a.broker = realtime.NewRedisBroker(local, a.rt.Redis, ps, a.log)
	return nil
}

// Handler returns the full HTTP handler chain.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.rt, a.ws, a.reg)
	return WithSecurityHeaders(WithRequestLogging(mux, a.log))
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTP.Addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.HTTP.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.HTTP.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.HTTP.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.HTTP.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.HTTP.MaxHeaderBytes, 1<<20),
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	base := a.cfg.HTTP.PublicURL
	if base == "" {
		base = runtimeBaseURL(a.cfg.HTTP.Addr)
	}
	a.log.Info("server.start",
		"addr", a.cfg.HTTP.Addr,
		"http_base", base,
		"ws_base", wsBaseURL(base)+"/ws/chat/{conversation_id}",
		"meta_store", a.cfg.Store.Meta,
		"message_log", a.cfg.Store.MessageLog,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case runErr = <-errCh:
		a.log.Error("server.fail", "err", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.HTTP.ShutdownTimeout, 10*time.Second))
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		if runErr == nil {
			runErr = err
		}
	}

	a.release(shutdownCtx)
	a.log.Info("server.stopped")
	return runErr
}

// release tears down in dependency order: no new fanout, drain metadata
// writes, then close the stores they write to.
func (a *App) release(ctx context.Context) {
	if a.broker != nil {
		if err := a.broker.Close(); err != nil {
			a.log.Error("broker.close.fail", "err", err)
		}
	}
	if a.meta != nil {
		if err := a.meta.Close(ctx); err != nil {
			a.log.Error("metadata.drain.fail", "err", err)
		}
	}
	if c, ok := a.sink.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			a.log.Error("metadata.sink.close.fail", "err", err)
		}
	}
	if a.rt != nil {
		if err := a.rt.Close(); err != nil {
			a.log.Error("store.close.fail", "err", err)
		}
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
