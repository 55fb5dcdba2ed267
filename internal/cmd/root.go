// Package cmd implements the eventmill command line interface.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/eventmill/eventmill/internal/config"
	"github.com/eventmill/eventmill/internal/observability"
	"github.com/eventmill/eventmill/internal/version"
	"github.com/eventmill/eventmill/pkg/jobstore"
)

var rootCmd = &cobra.Command{
	Use:   "eventmill",
	Short: "Replay historical analytics events into a live pipeline",
	Long: `eventmill drains historical analytics events from files or S3 and
redelivers them into a live analytics pipeline at a controlled rate.

Jobs are declared in YAML or JSON manifests and tracked in a durable
store, so imports survive restarts and resume from their last
checkpoint. Run a single job in the foreground with 'run', or start a
'worker' that claims pending jobs registered with 'jobs create'.`,
	SilenceUsage:      true,
	PersistentPreRunE: initRuntime,
}

// versionInfo carries build metadata injected by the release pipeline.
var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   version.Version,
	Commit:    version.Commit,
	BuildDate: version.Date,
}

// SetVersionInfo records the build metadata shown by the version command.
func SetVersionInfo(ver, commit, buildDate string) {
	versionInfo.Version = ver
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var (
	rootConfigFile string
	rootLogLevel   string
	rootLogProfile string
	rootStorePath  string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&rootConfigFile, "config", "", "Path to config file (default: search for eventmill.yaml)")
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&rootLogProfile, "log-profile", "", "Log output profile: STRUCTURED or CLI")
	rootCmd.PersistentFlags().StringVar(&rootStorePath, "store", "", "Path to the job database")
}

// initRuntime loads configuration and wires the loggers before any
// subcommand runs. Flags beat environment variables, which beat the
// config file.
func initRuntime(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd.Context())
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	log, err := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Profile)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	zap.ReplaceGlobals(log)
	observability.InitCLILogger(cfg.Logging.Level, false)

	return nil
}

// loadConfig resolves process configuration with root flag overrides
// applied on top.
func loadConfig(ctx context.Context) (*config.Config, error) {
	if rootConfigFile != "" {
		return config.LoadFile(ctx, rootConfigFile, flagOverrides())
	}
	return config.Load(ctx, flagOverrides())
}

// flagOverrides converts the root flags into a config override map.
func flagOverrides() map[string]any {
	overrides := map[string]any{}

	logging := map[string]any{}
	if rootLogLevel != "" {
		logging["level"] = rootLogLevel
	}
	if rootLogProfile != "" {
		logging["profile"] = rootLogProfile
	}
	if len(logging) > 0 {
		overrides["logging"] = logging
	}

	if rootStorePath != "" {
		overrides["store"] = map[string]any{"path": rootStorePath}
	}

	return overrides
}

// openStore opens the job database named by the configuration.
func openStore(ctx context.Context, cfg *config.Config) (*jobstore.Store, error) {
	return jobstore.Open(ctx, jobstore.Config{
		Path:      cfg.Store.Path,
		URL:       cfg.Store.URL,
		AuthToken: cfg.Store.AuthToken,
	})
}

// Execute runs the CLI. It installs signal handling so SIGINT/SIGTERM
// cancel the command context, letting long-running commands release
// their leases and save checkpoints before exiting.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(exitCode(err))
	}
}

// codedError pairs a CLI error with the process exit code it maps to.
type codedError struct {
	code int
	err  error
}

func (e *codedError) Error() string { return e.err.Error() }

func (e *codedError) Unwrap() error { return e.err }

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return &codedError{code: code, err: fmt.Errorf("%s: %w (exit code %d)", message, err, code)}
}

// exitCode extracts the exit code carried by err, defaulting to 1.
func exitCode(err error) int {
	var coded *codedError
	if errors.As(err, &coded) {
		return coded.code
	}
	return 1
}
