package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/eventmill/eventmill/internal/config"
	"github.com/eventmill/eventmill/pkg/importjob"
	"github.com/eventmill/eventmill/pkg/jobstore"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage import jobs",
	Long: `Manage import job records in the job store.

This command group is designed to be script-friendly:

- stable job ids with prefix matching
- predictable exit codes
- optional JSON output for machine parsing

Jobs are registered with 'jobs create' (or 'run') and picked up by
'eventmill worker' processes sharing the same store.`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List import jobs",
	RunE:  runJobsList,
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job_id>",
	Short: "Show job status, checkpoint, and lease",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

var (
	jobsListTeam   string
	jobsListStatus string
	jobsListLimit  int
)

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsShowCmd)

	jobsListCmd.Flags().StringVar(&jobsListTeam, "team", "", "Filter by team id")
	jobsListCmd.Flags().StringVar(&jobsListStatus, "status", "", "Filter by status: pending, running, paused, completed, failed")
	jobsListCmd.Flags().IntVar(&jobsListLimit, "limit", 0, "Maximum number of jobs to list (0 = all)")
	jobsListCmd.Flags().Bool("json", false, "Output as JSON")
	jobsShowCmd.Flags().Bool("json", false, "Output as JSON")
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	jsonOutput, _ := cmd.Flags().GetBool("json")

	if jobsListStatus != "" && !importjob.Status(jobsListStatus).Valid() {
		return exitError(foundry.ExitInvalidArgument, "Invalid --status value",
			fmt.Errorf("unknown status %q", jobsListStatus))
	}
	if jobsListLimit < 0 {
		return exitError(foundry.ExitInvalidArgument, "Invalid --limit value",
			fmt.Errorf("limit must be >= 0"))
	}

	store, err := openStore(ctx, config.GetConfig())
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to open job store", err)
	}
	defer func() { _ = store.Close() }()

	jobs, err := store.ListJobs(ctx, jobstore.ListOptions{
		TeamID: jobsListTeam,
		Status: importjob.Status(jobsListStatus),
		Limit:  jobsListLimit,
	})
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to list jobs", err)
	}
	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "No jobs found")
		return nil
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(jobs)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "JOB ID\tTEAM\tSTATUS\tSOURCE\tSINK\tUPDATED\tMESSAGE")
	for _, j := range jobs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			shortJobID(j.ID),
			j.TeamID,
			j.Status,
			j.Config.Source.Type,
			j.Config.Sink.Type,
			j.UpdatedAt.UTC().Format(time.RFC3339),
			truncateMessage(j.StatusMessage, 48),
		)
	}

	return nil
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	jsonOutput, _ := cmd.Flags().GetBool("json")

	store, err := openStore(ctx, config.GetConfig())
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to open job store", err)
	}
	defer func() { _ = store.Close() }()

	jobID, err := resolveJobID(ctx, store, args[0])
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Unknown job", err)
	}

	job, err := store.GetJob(ctx, jobID)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read job", err)
	}

	cp, cpErr := store.LoadCheckpoint(ctx, jobID)
	lease, leaseErr := store.GetLease(ctx, jobID)

	if jsonOutput {
		out := struct {
			Job        *importjob.Job        `json:"job"`
			Checkpoint *importjob.Checkpoint `json:"checkpoint,omitempty"`
			Lease      *jobstore.Lease       `json:"lease,omitempty"`
		}{Job: job}
		if cpErr == nil && cp != nil {
			out.Checkpoint = cp
		}
		if leaseErr == nil && lease != nil {
			out.Lease = lease
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	_, _ = fmt.Fprintf(os.Stdout, "job_id=%s\n", job.ID)
	_, _ = fmt.Fprintf(os.Stdout, "team_id=%s\n", job.TeamID)
	_, _ = fmt.Fprintf(os.Stdout, "status=%s\n", job.Status)
	if job.StatusMessage != "" {
		_, _ = fmt.Fprintf(os.Stdout, "status_message=%s\n", job.StatusMessage)
	}
	_, _ = fmt.Fprintf(os.Stdout, "source=%s\n", job.Config.Source.Type)
	_, _ = fmt.Fprintf(os.Stdout, "sink=%s\n", job.Config.Sink.Type)
	_, _ = fmt.Fprintf(os.Stdout, "send_rate=%d\n", job.Config.Sink.SendRate)
	_, _ = fmt.Fprintf(os.Stdout, "created_at=%s\n", job.CreatedAt.UTC().Format(time.RFC3339))
	_, _ = fmt.Fprintf(os.Stdout, "updated_at=%s\n", job.UpdatedAt.UTC().Format(time.RFC3339))

	switch {
	case jobstore.IsCheckpointCorrupt(cpErr):
		_, _ = fmt.Fprintf(os.Stdout, "checkpoint=CORRUPT (%s)\n", cpErr)
	case cpErr == nil && cp != nil:
		_, _ = fmt.Fprintf(os.Stdout, "cursor=%s\n", cp.Cursor)
		_, _ = fmt.Fprintf(os.Stdout, "records_sent=%d\n", cp.RecordsSent)
		_, _ = fmt.Fprintf(os.Stdout, "records_failed=%d\n", cp.RecordsFailed)
		if !cp.UpdatedAt.IsZero() {
			_, _ = fmt.Fprintf(os.Stdout, "checkpoint_at=%s\n", cp.UpdatedAt.UTC().Format(time.RFC3339))
		}
	}

	if leaseErr == nil && lease != nil {
		_, _ = fmt.Fprintf(os.Stdout, "lease_owner=%s\n", lease.Owner)
		_, _ = fmt.Fprintf(os.Stdout, "lease_expires_at=%s\n", lease.ExpiresAt.UTC().Format(time.RFC3339))
	}

	return nil
}

// shortJobID truncates a job id for table display.
func shortJobID(jobID string) string {
	jobID = strings.TrimSpace(jobID)
	if len(jobID) <= 12 {
		return jobID
	}
	return jobID[:12]
}

// truncateMessage trims a status message for table display.
func truncateMessage(msg string, max int) string {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return "-"
	}
	if len(msg) <= max {
		return msg
	}
	return msg[:max-3] + "..."
}

// resolveJobID resolves an exact or prefix job id against the store.
func resolveJobID(ctx context.Context, store *jobstore.Store, input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("job id is required")
	}

	// Exact match first.
	if _, err := store.GetJob(ctx, input); err == nil {
		return input, nil
	}

	// Prefix match (allows table-friendly short ids).
	jobs, err := store.ListJobs(ctx, jobstore.ListOptions{})
	if err != nil {
		return "", err
	}
	matches := make([]string, 0, 2)
	for _, j := range jobs {
		if strings.HasPrefix(j.ID, input) {
			matches = append(matches, j.ID)
		}
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("job not found: %s", input)
	}
	if len(matches) > 1 {
		return "", fmt.Errorf("job id prefix is ambiguous (%d matches); use the full job id", len(matches))
	}
	return matches[0], nil
}
