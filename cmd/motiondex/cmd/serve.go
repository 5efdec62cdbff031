package cmd

import (
	"log/slog"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/motiondex/motiondex/internal/app"
)

func newServeCmd() *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the indexing and search HTTP server",
		Example: `  # Serve with the default config
  motiondex serve

  # Serve on a specific port with a custom storage root
  motiondex serve --port 9000 --storage /data/motiondex`,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if host != "" {
				cfg.Server.Host = host
			}
			if port > 0 {
				cfg.Server.Port = port
			}
			logger, err := setupLogging(cfg)
			if err != nil {
				return err
			}

			a, err := app.New(cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					logger.Error("shutdown", slog.String("error", err.Error()))
				}
			}()

			ctx, stop := signalContext()
			defer stop()
			if err := a.Run(ctx); err != nil && err != http.ErrServerClosed {
				return err
			}
			logger.Info("server stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "Listen host (overrides config)")
	cmd.Flags().IntVar(&port, "port", 0, "Listen port (overrides config)")
	return cmd
}
