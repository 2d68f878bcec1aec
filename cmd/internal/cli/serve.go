package cli

import (
	"context"
	"os/signal"
	"syscall"

	"murmur/cmd/internal/app"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and WebSocket server",
	Long: `Run the chat server until SIGINT or SIGTERM.

Routes:
  GET /healthz                        liveness
  GET /readyz                         pings every configured backend
  GET /metrics                        Prometheus exposition
  GET /ws/chat/{conversation_id}      chat socket (token via ?token= or
                                      the "bearer, <jwt>" subprotocol)`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		return serve(ctx)
	},
}

func serve(ctx context.Context) error {
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("server.init.fail", "err", err)
		return err
	}
	return a.Run(ctx)
}
