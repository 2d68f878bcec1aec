package cli

import (
	"errors"
	"os/signal"
	"syscall"

	"murmur/cmd/internal/metastore"

	"github.com/spf13/cobra"
)

var metadataRetryCmd = &cobra.Command{
	Use:   "metadata-retry",
	Short: "Replay parked metadata updates from the AMQP retry queue",
	Long: `Consume MURMUR_AMQP_RETRY_QUEUE and apply each parked update to the
configured metadata store. Updates are monotonic, so replaying one that
already landed is harmless.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.AMQP.URL == "" {
			return errors.New("MURMUR_AMQP_URL is not set")
		}
		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		r, err := openRuntime(ctx)
		if err != nil {
			return err
		}
		return metastore.RetryConsumer{
			URL:      cfg.AMQP.URL,
			Queue:    cfg.AMQP.RetryQueue,
			Writer:   r.Meta,
			Log:      logger,
			Prefetch: cfg.AMQP.Prefetch,
			Timeout:  cfg.Meta.WriteTimeout,
		}.Run(ctx)
	},
}
