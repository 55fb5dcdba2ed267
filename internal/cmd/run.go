package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/eventmill/eventmill/internal/config"
	"github.com/eventmill/eventmill/internal/observability"
	"github.com/eventmill/eventmill/pkg/importer"
	"github.com/eventmill/eventmill/pkg/importjob"
	"github.com/eventmill/eventmill/pkg/jobstore"
	"github.com/eventmill/eventmill/pkg/manifest"
	"github.com/eventmill/eventmill/pkg/progress"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one import job from a manifest",
	Long: `Register the job declared in a YAML or JSON manifest and run it in
the foreground until it completes, fails, or is interrupted.

The job is claimed with a lease so a concurrently running worker pool
cannot pick it up. Progress records are emitted as JSONL on stdout
(or --progress-file); logs go to stderr.

Example:
  eventmill run --job import.yaml
  eventmill run --job import.yaml --progress-file progress.jsonl
  eventmill run --job import.yaml --quiet
  eventmill run --job import.yaml --dry-run`,
	RunE: runRun,
}

var (
	runJobPath      string
	runProgressFile string
	runQuiet        bool
	runDryRun       bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runJobPath, "job", "j", "", "Path to job manifest (required)")
	runCmd.Flags().StringVar(&runProgressFile, "progress-file", "", "Write progress records to this file instead of stdout")
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "Suppress progress records")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Validate manifest and show plan without executing")

	_ = runCmd.MarkFlagRequired("job")
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg := config.GetConfig()

	m, err := manifest.Load(runJobPath)
	if err != nil {
		observability.CLILogger.Error("Failed to load manifest",
			zap.String("path", runJobPath),
			zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}

	if runDryRun {
		return showRunPlan(m, cfg)
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to open job store", err)
	}
	defer func() { _ = store.Close() }()

	job := m.Job()
	if err := store.CreateJob(ctx, job); err != nil {
		if !errors.Is(err, jobstore.ErrJobExists) {
			return exitError(foundry.ExitFileWriteError, "Failed to register job", err)
		}
		existing, gerr := store.GetJob(ctx, job.ID)
		if gerr != nil {
			return exitError(foundry.ExitFileReadError, "Failed to look up job", gerr)
		}
		if existing.Status.Terminal() {
			return exitError(foundry.ExitInvalidArgument, "Job already finished",
				fmt.Errorf("job %s is %s; create a new job or use 'eventmill jobs retry'", existing.ID, existing.Status))
		}
		// Re-running a registered job resumes it from its checkpoint.
		job = existing
	}

	writer, cleanup, err := createProgressWriter(runProgressFile, job.ID, runQuiet)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to create progress output", err)
	}
	defer cleanup()

	owner := runOwner()
	if _, err := store.AcquireLease(ctx, job.ID, owner, cfg.Worker.LeaseTTL); err != nil {
		if jobstore.IsLeaseHeld(err) {
			return exitError(foundry.ExitInvalidArgument, "Job is already claimed by another worker", err)
		}
		return exitError(foundry.ExitFileWriteError, "Failed to claim job", err)
	}
	stopHeartbeat := startLeaseHeartbeat(ctx, store, job.ID, owner, cfg.Worker.LeaseTTL, cfg.Worker.HeartbeatInterval)
	defer func() {
		stopHeartbeat()
		// Release with a fresh context so an interrupted run still frees
		// the lease instead of leaving the job fenced until the TTL runs
		// out.
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.ReleaseLease(rctx, job.ID, owner); err != nil {
			zap.L().Warn("release lease", zap.String("job_id", job.ID), zap.Error(err))
		}
	}()

	observability.CLILogger.Info("Starting import",
		zap.String("job_id", job.ID),
		zap.String("team_id", job.TeamID),
		zap.String("source", string(job.Config.Source.Type)),
		zap.String("sink", string(job.Config.Sink.Type)),
		zap.Int("send_rate", job.Config.Sink.SendRate))

	runner := importer.NewRunner(store, importer.NewSourceFactory(), importer.NewSinkFactory(sinkTargets(cfg)),
		writer, job.ID, runnerConfig(cfg.Worker)).WithLogger(zap.L())

	if err := runner.Run(ctx); err != nil {
		if ctx.Err() != nil {
			observability.CLILogger.Warn("Import interrupted",
				zap.String("job_id", job.ID))
			return exitError(foundry.ExitSignalInt, "Import interrupted", err)
		}
		observability.CLILogger.Error("Import aborted",
			zap.String("job_id", job.ID),
			zap.Error(err))
		return exitError(foundry.ExitExternalServiceUnavailable, "Import aborted", err)
	}

	return reportRunOutcome(ctx, store, job.ID)
}

// reportRunOutcome reads the job's final state and maps it to the exit
// status. A failed job makes the command fail so scripts notice.
func reportRunOutcome(ctx context.Context, store *jobstore.Store, jobID string) error {
	job, err := store.GetJob(ctx, jobID)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read job outcome", err)
	}

	fields := []zap.Field{
		zap.String("job_id", job.ID),
		zap.String("status", string(job.Status)),
	}
	if cp, cperr := store.LoadCheckpoint(ctx, jobID); cperr == nil && cp != nil {
		fields = append(fields,
			zap.Int64("records_sent", cp.RecordsSent),
			zap.Int64("records_failed", cp.RecordsFailed))
	}

	switch job.Status {
	case importjob.StatusCompleted:
		observability.CLILogger.Info("Import completed", fields...)
		return nil
	case importjob.StatusPaused:
		observability.CLILogger.Info("Import paused; resume with 'eventmill jobs resume'", fields...)
		return nil
	case importjob.StatusFailed:
		observability.CLILogger.Error("Import failed",
			append(fields, zap.String("reason", job.StatusMessage))...)
		return exitError(foundry.ExitExternalServiceUnavailable, "Import failed", errors.New(job.StatusMessage))
	default:
		observability.CLILogger.Warn("Import stopped", fields...)
		return nil
	}
}

// showRunPlan displays what would be imported without executing.
func showRunPlan(m *manifest.Manifest, cfg *config.Config) error {
	fmt.Println("=== Import Plan (dry-run) ===")
	fmt.Println()
	if m.ID != "" {
		fmt.Printf("Job ID:      %s\n", m.ID)
	} else {
		fmt.Println("Job ID:      (assigned at registration)")
	}
	fmt.Printf("Team:        %s\n", m.TeamID)
	fmt.Println()
	fmt.Printf("Source:      %s\n", m.Source.Type)
	if m.Source.Path != "" {
		fmt.Printf("  Path:      %s\n", m.Source.Path)
	}
	if m.Source.Bucket != "" {
		fmt.Printf("  Bucket:    %s\n", m.Source.Bucket)
	}
	if m.Source.Prefix != "" {
		fmt.Printf("  Prefix:    %s\n", m.Source.Prefix)
	}
	if m.Source.Region != "" {
		fmt.Printf("  Region:    %s\n", m.Source.Region)
	}
	if m.Source.Endpoint != "" {
		fmt.Printf("  Endpoint:  %s\n", m.Source.Endpoint)
	}
	if len(m.Source.Includes) > 0 {
		fmt.Println("  Include:")
		for _, p := range m.Source.Includes {
			fmt.Printf("    - %s\n", p)
		}
	}
	if len(m.Source.Excludes) > 0 {
		fmt.Println("  Exclude:")
		for _, p := range m.Source.Excludes {
			fmt.Printf("    - %s\n", p)
		}
	}
	fmt.Println()
	fmt.Printf("Sink:        %s\n", m.Sink.Type)
	fmt.Printf("  Send Rate: %d events/s\n", m.Sink.SendRate)
	if m.Sink.Type == string(importjob.SinkTypeKafka) {
		fmt.Printf("  Topic:     %s\n", m.Sink.Topic)
		fmt.Printf("  Tx Timeout: %ds\n", m.Sink.TransactionTimeoutSeconds)
	}
	fmt.Println()
	fmt.Printf("Batch Size:  %d\n", cfg.Worker.BatchSize)
	fmt.Printf("Store:       %s\n", storeLocation(cfg))
	fmt.Println()
	fmt.Println("Manifest validated successfully. Remove --dry-run to execute.")
	return nil
}

// storeLocation renders the job database location for display.
func storeLocation(cfg *config.Config) string {
	if cfg.Store.URL != "" {
		return cfg.Store.URL
	}
	return cfg.Store.Path
}

// createProgressWriter builds the JSONL progress output.
// Returns the writer, a cleanup function, and any error.
func createProgressWriter(dest, jobID string, quiet bool) (progress.Writer, func(), error) {
	if quiet {
		return progress.Discard, func() {}, nil
	}

	if dest == "" || dest == "stdout" {
		w := progress.NewJSONLWriter(os.Stdout, jobID)
		return w, func() { _ = w.Close() }, nil
	}

	path := strings.TrimPrefix(dest, "file:")
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create progress file %s: %w", path, err)
	}

	w := progress.NewJSONLWriter(f, jobID)
	cleanup := func() {
		_ = w.Close()
		_ = f.Close()
	}
	return w, cleanup, nil
}

// runOwner derives the lease identity for a foreground run.
func runOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "eventmill"
	}
	return host + "-run-" + uuid.NewString()[:8]
}

// startLeaseHeartbeat renews the job's lease on a ticker until the
// returned stop function is called or the context ends.
func startLeaseHeartbeat(ctx context.Context, store *jobstore.Store, jobID, owner string, ttl, interval time.Duration) func() {
	t := time.NewTicker(interval)
	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-t.C:
				if err := store.RenewLease(ctx, jobID, owner, ttl); err != nil {
					zap.L().Warn("renew lease", zap.String("job_id", jobID), zap.Error(err))
				}
			}
		}
	}()

	return func() {
		t.Stop()
		close(done)
		<-stopped
	}
}

// runnerConfig maps worker configuration onto the per-job loop settings.
func runnerConfig(w config.WorkerConfig) importer.Config {
	return importer.Config{
		BatchSize:            w.BatchSize,
		RetryInitialInterval: w.RetryInitialInterval,
		RetryMaxInterval:     w.RetryMaxInterval,
		RetryMaxAttempts:     w.RetryMaxAttempts,
	}
}

// sinkTargets maps process configuration onto the delivery endpoints
// shared by every job.
func sinkTargets(cfg *config.Config) importer.Targets {
	return importer.Targets{
		CaptureEndpoint: cfg.Capture.Endpoint,
		CaptureAPIKey:   cfg.Capture.APIKey,
		CaptureTimeout:  cfg.Capture.Timeout,
		KafkaBrokers:    cfg.Kafka.Brokers,
		KafkaClientID:   cfg.Kafka.ClientID,
	}
}
