package commands

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/omniflow/preview/internal/cli/config"
	"github.com/omniflow/preview/internal/web/server"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the preview orchestrator server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(),
				syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return server.New(cfg, Version, logger).Run(ctx)
		},
	}
}
