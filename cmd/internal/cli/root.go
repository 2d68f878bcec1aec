// Package cli provides the murmur command-line interface.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"murmur/cmd/internal/app"

	"github.com/spf13/cobra"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	cfg      app.Config
	logger   *slog.Logger
	closeLog = func() error { return nil }

	// rt is opened on first use by commands that touch storage.
	rt *app.Runtime
)

var rootCmd = &cobra.Command{
	Use:   "murmur",
	Short: "Real-time chat server",
	Long: `Murmur serves authenticated two-party chat over WebSockets.

Configuration comes from MURMUR_* environment variables, optionally
loaded from a .env file in the working directory.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "version" {
			return nil
		}

		var err error
		cfg, err = app.LoadConfig()
		if err != nil {
			return err
		}
		logger, closeLog = app.NewLogger(cfg.Log)
		return nil
	},
}

// openRuntime opens the configured stores once per invocation.
func openRuntime(ctx context.Context) (*app.Runtime, error) {
	if rt != nil {
		return rt, nil
	}
	r, err := app.OpenRuntime(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open stores: %w", err)
	}
	rt = r
	return rt, nil
}

// Execute runs the root command. Stores and the log file are released even
// when the command fails.
func Execute() error {
	err := rootCmd.ExecuteContext(context.Background())
	if rt != nil {
		if cerr := rt.Close(); cerr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close stores: %v\n", cerr)
		}
		rt = nil
	}
	_ = closeLog()
	return err
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(userCmd)
	rootCmd.AddCommand(conversationCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(metadataRetryCmd)
}
