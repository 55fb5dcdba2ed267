package cmd

import (
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/eventmill/eventmill/internal/config"
	"github.com/eventmill/eventmill/internal/observability"
	"github.com/eventmill/eventmill/internal/server"
	"github.com/eventmill/eventmill/internal/server/handlers"
	"github.com/eventmill/eventmill/pkg/jobstore"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control API server",
	Long: `Serve the HTTP control API: health and version endpoints plus the
job inspection and pause/resume/cancel operations under /api/v1/jobs.

The server shares the job store with any workers pointed at the same
database, so pauses and cancels issued here take effect at the next
batch boundary of a running import.

Example:
  eventmill serve
  eventmill serve --port 9000
  EVENTMILL_HOST=0.0.0.0 eventmill serve`,
	RunE: runServe,
}

var (
	serveHost string
	servePort int
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen host (default: from config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (default: from config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg := config.GetConfig()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to open job store", err)
	}
	defer func() { _ = store.Close() }()

	srv := buildServer(cfg, store)

	observability.CLILogger.Info("Control API listening",
		zap.String("addr", srv.Addr()),
		zap.String("store", storeLocation(cfg)))

	if err := srv.Start(ctx); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Server failed", err)
	}

	observability.CLILogger.Info("Server stopped")
	return nil
}

// buildServer assembles the control API server from process
// configuration, with the serve flags layered on top.
func buildServer(cfg *config.Config, store *jobstore.Store) *server.Server {
	// With health disabled the manager stays uninitialized and the
	// health endpoints answer 503.
	if cfg.Health.Enabled {
		handlers.InitHealthManager(versionInfo.Version)
	}

	host := cfg.Server.Host
	if serveHost != "" {
		host = serveHost
	}
	port := cfg.Server.Port
	if servePort > 0 {
		port = servePort
	}

	return server.New(host, port,
		server.WithStore(store),
		server.WithLogger(zap.L()),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout),
		server.WithShutdownTimeout(cfg.Server.ShutdownTimeout),
	)
}
