package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/eventmill/eventmill/internal/config"
	"github.com/eventmill/eventmill/internal/observability"
	"github.com/eventmill/eventmill/pkg/importjob"
	"github.com/eventmill/eventmill/pkg/jobstore"
	"github.com/eventmill/eventmill/pkg/manifest"
)

var jobsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Register a job from a manifest",
	Long: `Validate a job manifest and register it as pending. A worker sharing
the same store claims and runs it.

Example:
  eventmill jobs create --job import.yaml
  eventmill jobs create --job import.yaml --json`,
	RunE: runJobsCreate,
}

var jobsRetryCmd = &cobra.Command{
	Use:   "retry <job_id>",
	Short: "Create a fresh pending job from a failed one",
	Long: `Failed jobs are terminal. Retry copies a failed job's team and
configuration into a new pending job with a new id.

By default the new job starts from the beginning of the source. Pass
--inherit-checkpoint to copy the failed job's checkpoint so delivery
resumes where it stopped.

Example:
  eventmill jobs retry 1f3a
  eventmill jobs retry 1f3a --inherit-checkpoint`,
	Args: cobra.ExactArgs(1),
	RunE: runJobsRetry,
}

var jobsResetCmd = &cobra.Command{
	Use:   "reset <job_id>",
	Short: "Clear a job's checkpoint",
	Long: `Delete a job's checkpoint so its next run starts from the beginning
of the source. Rejected while the job is running.

Example:
  eventmill jobs reset 1f3a`,
	Args: cobra.ExactArgs(1),
	RunE: runJobsReset,
}

var (
	jobsCreateManifest   string
	jobsRetryInheritCkpt bool
)

func init() {
	jobsCmd.AddCommand(jobsCreateCmd)
	jobsCmd.AddCommand(jobsRetryCmd)
	jobsCmd.AddCommand(jobsResetCmd)

	jobsCreateCmd.Flags().StringVarP(&jobsCreateManifest, "job", "j", "", "Path to job manifest (required)")
	jobsCreateCmd.Flags().Bool("json", false, "Output the created job as JSON")
	_ = jobsCreateCmd.MarkFlagRequired("job")

	jobsRetryCmd.Flags().BoolVar(&jobsRetryInheritCkpt, "inherit-checkpoint", false, "Resume the new job from the failed job's checkpoint")
}

func runJobsCreate(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	jsonOutput, _ := cmd.Flags().GetBool("json")

	m, err := manifest.Load(jobsCreateManifest)
	if err != nil {
		observability.CLILogger.Error("Failed to load manifest",
			zap.String("path", jobsCreateManifest),
			zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}

	store, err := openStore(ctx, config.GetConfig())
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to open job store", err)
	}
	defer func() { _ = store.Close() }()

	job := m.Job()
	if err := store.CreateJob(ctx, job); err != nil {
		if errors.Is(err, jobstore.ErrJobExists) {
			return exitError(foundry.ExitInvalidArgument, "Job already exists", err)
		}
		return exitError(foundry.ExitFileWriteError, "Failed to register job", err)
	}

	observability.CLILogger.Info("Job registered",
		zap.String("job_id", job.ID),
		zap.String("team_id", job.TeamID),
		zap.String("status", string(job.Status)))

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(job)
	}

	_, _ = fmt.Fprintf(os.Stdout, "job_id=%s\n", job.ID)
	return nil
}

func runJobsRetry(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	store, err := openStore(ctx, config.GetConfig())
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to open job store", err)
	}
	defer func() { _ = store.Close() }()

	jobID, err := resolveJobID(ctx, store, args[0])
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Unknown job", err)
	}

	failed, err := store.GetJob(ctx, jobID)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read job", err)
	}
	if failed.Status != importjob.StatusFailed {
		return exitError(foundry.ExitInvalidArgument, "Job is not failed",
			fmt.Errorf("job %s is %s; only failed jobs can be retried", failed.ID, failed.Status))
	}

	// The checkpoint is read before the new job exists so a corrupt one
	// stops the retry instead of seeding a replacement.
	var inherited *importjob.Checkpoint
	if jobsRetryInheritCkpt {
		cp, cperr := store.LoadCheckpoint(ctx, failed.ID)
		if cperr != nil {
			return exitError(foundry.ExitInvalidArgument, "Cannot inherit checkpoint", cperr)
		}
		if cp.Advanced() {
			inherited = cp
		}
	}

	retry := &importjob.Job{
		TeamID: failed.TeamID,
		Config: failed.Config,
	}
	if err := store.CreateJob(ctx, retry); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to register retry job", err)
	}

	if inherited != nil {
		if err := store.SaveCheckpoint(ctx, retry.ID, *inherited); err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to copy checkpoint", err)
		}
	}

	observability.CLILogger.Info("Retry job registered",
		zap.String("job_id", retry.ID),
		zap.String("retried_from", failed.ID),
		zap.Bool("checkpoint_inherited", inherited != nil))

	_, _ = fmt.Fprintf(os.Stdout, "job_id=%s\n", retry.ID)
	_, _ = fmt.Fprintf(os.Stdout, "retried_from=%s\n", failed.ID)
	if inherited != nil {
		_, _ = fmt.Fprintf(os.Stdout, "cursor=%s\n", inherited.Cursor)
		_, _ = fmt.Fprintf(os.Stdout, "records_sent=%d\n", inherited.RecordsSent)
	}
	return nil
}

func runJobsReset(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	store, err := openStore(ctx, config.GetConfig())
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to open job store", err)
	}
	defer func() { _ = store.Close() }()

	jobID, err := resolveJobID(ctx, store, args[0])
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Unknown job", err)
	}

	if err := store.ResetCheckpoint(ctx, jobID); err != nil {
		if errors.Is(err, jobstore.ErrJobRunning) {
			return exitError(foundry.ExitInvalidArgument, "Job is running",
				fmt.Errorf("pause or cancel job %s before resetting its checkpoint", jobID))
		}
		return exitError(foundry.ExitFileWriteError, "Failed to reset checkpoint", err)
	}

	observability.CLILogger.Info("Checkpoint reset", zap.String("job_id", jobID))
	_, _ = fmt.Fprintf(os.Stdout, "job_id=%s\n", jobID)
	_, _ = fmt.Fprintln(os.Stdout, "checkpoint=reset")
	return nil
}
