package cmd

import (
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/eventmill/eventmill/internal/config"
	"github.com/eventmill/eventmill/internal/observability"
	"github.com/eventmill/eventmill/pkg/importjob"
	"github.com/eventmill/eventmill/pkg/jobstore"
)

var jobsPauseCmd = &cobra.Command{
	Use:   "pause <job_id>",
	Short: "Pause a running job",
	Long: `Mark a running job paused. The worker running it observes the pause
at its next batch boundary, saves the checkpoint, and stops.`,
	Args: cobra.ExactArgs(1),
	RunE: runJobsPause,
}

var jobsResumeCmd = &cobra.Command{
	Use:   "resume <job_id>",
	Short: "Resume a paused job",
	Long: `Return a paused job to running. A worker picks it up where its
checkpoint left off.`,
	Args: cobra.ExactArgs(1),
	RunE: runJobsResume,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job_id>",
	Short: "Cancel a job",
	Long: `Move a job to failed with an operator cancellation message. The
checkpoint is preserved, so 'jobs retry --inherit-checkpoint' can pick
up where the cancelled run stopped.`,
	Args: cobra.ExactArgs(1),
	RunE: runJobsCancel,
}

func init() {
	jobsCmd.AddCommand(jobsPauseCmd)
	jobsCmd.AddCommand(jobsResumeCmd)
	jobsCmd.AddCommand(jobsCancelCmd)
}

func runJobsPause(cmd *cobra.Command, args []string) error {
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

	job, err := store.Pause(ctx, jobID, "paused by operator")
	if err != nil {
		return transitionExitError("pause", err)
	}

	observability.CLILogger.Info("Job paused", zap.String("job_id", job.ID))
	printJobStatus(job)
	return nil
}

func runJobsResume(cmd *cobra.Command, args []string) error {
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

	// Start admits pending jobs too; resume is paused-only.
	job, err := store.GetJob(ctx, jobID)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read job", err)
	}
	if job.Status != importjob.StatusPaused {
		return transitionExitError("resume", &importjob.TransitionError{
			JobID: jobID,
			From:  job.Status,
			To:    importjob.StatusRunning,
		})
	}

	job, err = store.Start(ctx, jobID)
	if err != nil {
		return transitionExitError("resume", err)
	}

	observability.CLILogger.Info("Job resumed", zap.String("job_id", job.ID))
	printJobStatus(job)
	return nil
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
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

	job, err := store.Fail(ctx, jobID, "import cancelled by operator")
	if err != nil {
		return transitionExitError("cancel", err)
	}

	observability.CLILogger.Info("Job cancelled", zap.String("job_id", job.ID))
	printJobStatus(job)
	return nil
}

// transitionExitError maps a failed state change onto a CLI exit error.
func transitionExitError(action string, err error) error {
	switch {
	case jobstore.IsJobNotFound(err):
		return exitError(foundry.ExitInvalidArgument, "Unknown job", err)
	case importjob.IsInvalidTransition(err):
		return exitError(foundry.ExitInvalidArgument, "Job is not in a state that allows "+action, err)
	default:
		return exitError(foundry.ExitFileWriteError, "Failed to "+action+" job", err)
	}
}

// printJobStatus emits the machine-readable result of a state change.
func printJobStatus(job *importjob.Job) {
	_, _ = fmt.Fprintf(os.Stdout, "job_id=%s\n", job.ID)
	_, _ = fmt.Fprintf(os.Stdout, "status=%s\n", job.Status)
	if job.StatusMessage != "" {
		_, _ = fmt.Fprintf(os.Stdout, "status_message=%s\n", job.StatusMessage)
	}
}
