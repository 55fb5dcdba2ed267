package cmd

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/eventmill/eventmill/internal/config"
	"github.com/eventmill/eventmill/internal/observability"
	"github.com/eventmill/eventmill/pkg/importer"
	"github.com/eventmill/eventmill/pkg/progress"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the worker pool daemon",
	Long: `Claim pending import jobs from the store and run them, up to the
configured concurrency. Each claimed job is fenced with a lease that is
renewed by heartbeat, so a second worker process can run against the
same store without double-delivering.

The worker runs until interrupted. SIGINT/SIGTERM stop the claim loop,
let in-flight jobs reach a batch boundary, and release their leases.

Example:
  eventmill worker
  eventmill worker --workers 8
  eventmill worker --progress-file /var/log/eventmill/progress.jsonl`,
	RunE: runWorker,
}

var (
	workerCount        int
	workerOwner        string
	workerProgressFile string
	workerQuiet        bool
)

func init() {
	rootCmd.AddCommand(workerCmd)

	workerCmd.Flags().IntVarP(&workerCount, "workers", "w", 0, "Jobs run in parallel (default: from config)")
	workerCmd.Flags().StringVar(&workerOwner, "owner", "", "Worker identity in the lease table (default: derived from hostname)")
	workerCmd.Flags().StringVar(&workerProgressFile, "progress-file", "", "Append progress records to this file instead of stdout")
	workerCmd.Flags().BoolVarP(&workerQuiet, "quiet", "q", false, "Suppress progress records")
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg := config.GetConfig()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to open job store", err)
	}
	defer func() { _ = store.Close() }()

	out, closeOut, err := openProgressStream(workerProgressFile, workerQuiet)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to create progress output", err)
	}
	defer closeOut()

	svcCfg := serviceConfig(cfg.Worker)
	if workerCount > 0 {
		svcCfg.Concurrency = workerCount
	}
	if workerOwner != "" {
		svcCfg.Owner = workerOwner
	}

	svc := importer.NewService(store, importer.NewSourceFactory(), importer.NewSinkFactory(sinkTargets(cfg)), svcCfg).
		WithLogger(zap.L())
	if out != nil {
		shared := &lockedWriter{w: out}
		svc.WithWriterFactory(func(jobID string) progress.Writer {
			return progress.NewJSONLWriter(shared, jobID)
		})
	}

	observability.CLILogger.Info("Worker started",
		zap.String("owner", svc.Owner()),
		zap.Int("concurrency", svcCfg.Concurrency),
		zap.String("store", storeLocation(cfg)))

	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return exitError(foundry.ExitExternalServiceUnavailable, "Worker stopped unexpectedly", err)
	}

	observability.CLILogger.Info("Worker stopped", zap.String("owner", svc.Owner()))
	return nil
}

// serviceConfig maps worker configuration onto the claim loop settings.
func serviceConfig(w config.WorkerConfig) importer.ServiceConfig {
	return importer.ServiceConfig{
		Concurrency:       w.Concurrency,
		PollInterval:      w.PollInterval,
		LeaseTTL:          w.LeaseTTL,
		HeartbeatInterval: w.HeartbeatInterval,
		Runner:            runnerConfig(w),
	}
}

// openProgressStream resolves the shared progress destination for all
// jobs this worker runs. A nil writer means records are discarded.
func openProgressStream(dest string, quiet bool) (io.Writer, func(), error) {
	if quiet {
		return nil, func() {}, nil
	}
	if dest == "" || dest == "stdout" {
		return os.Stdout, func() {}, nil
	}

	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { _ = f.Close() }, nil
}

// lockedWriter serializes writes from concurrent per-job progress writers
// onto one shared stream so records from different jobs cannot interleave
// within a line.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
