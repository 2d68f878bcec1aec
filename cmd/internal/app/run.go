package app

import (
	"context"
	"os/signal"
	"syscall"
)

// Serve loads config and runs the server until SIGINT or SIGTERM.
// It returns an error instead of calling os.Exit to keep defers effective.
func Serve() error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	log, closeLog := NewLogger(cfg.Log)
	defer func() { _ = closeLog() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := New(ctx, cfg, log)
	if err != nil {
		log.Error("server.init.fail", "err", err)
		return err
	}
	return a.Run(ctx)
}
