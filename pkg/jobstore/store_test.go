package jobstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eventmill/eventmill/pkg/importjob"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{Path: filepath.Join(t.TempDir(), "jobs.db")}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func captureJob(teamID string) *importjob.Job {
	return &importjob.Job{
		TeamID: teamID,
		Config: importjob.Config{
			Source: importjob.SourceConfig{Type: importjob.SourceTypeFile, Path: "/var/events"},
			Sink:   importjob.SinkConfig{Type: importjob.SinkTypeCapture, SendRate: 1000},
		},
	}
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(context.Background(), Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path or url is required")
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.db")
	ctx := context.Background()

	s1, err := Open(ctx, Config{Path: path})
	require.NoError(t, err)
	job := captureJob("team-1")
	require.NoError(t, s1.CreateJob(ctx, job))
	require.NoError(t, s1.Close())

	// Reopening migrates in place and keeps existing rows.
	s2, err := Open(ctx, Config{Path: path})
	require.NoError(t, err)
	defer func() { _ = s2.Close() }()

	got, err := s2.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "team-1", got.TeamID)
}

func TestCreateAndGetJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := captureJob("team-42")
	require.NoError(t, s.CreateJob(ctx, job))
	require.NotEmpty(t, job.ID, "create should assign an id")

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, importjob.StatusPending, got.Status)
	assert.Equal(t, "team-42", got.TeamID)
	assert.Equal(t, importjob.SinkTypeCapture, got.Config.Sink.Type)
	assert.Equal(t, 1000, got.Config.Sink.SendRate)
	assert.False(t, got.CreatedAt.IsZero())
	assert.Equal(t, got.CreatedAt, got.UpdatedAt)
}

func TestCreateJobDuplicateID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := captureJob("team-1")
	job.ID = "fixed-id"
	require.NoError(t, s.CreateJob(ctx, job))

	dup := captureJob("team-1")
	dup.ID = "fixed-id"
	err := s.CreateJob(ctx, dup)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrJobExists)
}

func TestGetJobNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetJob(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, IsJobNotFound(err))
}

func TestJobConfigRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := captureJob("team-1")
	require.NoError(t, s.CreateJob(ctx, job))

	raw, err := s.JobConfig(ctx, job.ID)
	require.NoError(t, err)

	cfg, err := importjob.ParseConfig(raw)
	require.NoError(t, err)
	assert.Equal(t, importjob.SinkTypeCapture, cfg.Sink.Type)
}

func TestListJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := captureJob("team-a")
	b := captureJob("team-b")
	c := captureJob("team-a")
	for _, j := range []*importjob.Job{a, b, c} {
		require.NoError(t, s.CreateJob(ctx, j))
	}
	_, err := s.Fail(ctx, b.ID, "broken")
	require.NoError(t, err)

	t.Run("all jobs", func(t *testing.T) {
		jobs, err := s.ListJobs(ctx, ListOptions{})
		require.NoError(t, err)
		assert.Len(t, jobs, 3)
	})

	t.Run("by team", func(t *testing.T) {
		jobs, err := s.ListJobs(ctx, ListOptions{TeamID: "team-a"})
		require.NoError(t, err)
		assert.Len(t, jobs, 2)
	})

	t.Run("by status", func(t *testing.T) {
		jobs, err := s.ListJobs(ctx, ListOptions{Status: importjob.StatusFailed})
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, b.ID, jobs[0].ID)
		assert.Equal(t, "broken", jobs[0].StatusMessage)
	})

	t.Run("limit", func(t *testing.T) {
		jobs, err := s.ListJobs(ctx, ListOptions{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, jobs, 2)
	})
}

func TestTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t.Run("pending to running to completed", func(t *testing.T) {
		job := captureJob("team-1")
		require.NoError(t, s.CreateJob(ctx, job))

		started, err := s.Start(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, importjob.StatusRunning, started.Status)

		done, err := s.Complete(ctx, job.ID, "2500 records sent")
		require.NoError(t, err)
		assert.Equal(t, importjob.StatusCompleted, done.Status)
		assert.Equal(t, "2500 records sent", done.StatusMessage)
	})

	t.Run("pause and resume", func(t *testing.T) {
		job := captureJob("team-1")
		require.NoError(t, s.CreateJob(ctx, job))
		_, err := s.Start(ctx, job.ID)
		require.NoError(t, err)

		paused, err := s.Pause(ctx, job.ID, "paused by operator")
		require.NoError(t, err)
		assert.Equal(t, importjob.StatusPaused, paused.Status)
		assert.Equal(t, "paused by operator", paused.StatusMessage)

		resumed, err := s.Start(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, importjob.StatusRunning, resumed.Status)
		assert.Empty(t, resumed.StatusMessage, "resume clears the pause note")
	})

	t.Run("fail records message", func(t *testing.T) {
		job := captureJob("team-1")
		require.NoError(t, s.CreateJob(ctx, job))
		_, err := s.Start(ctx, job.ID)
		require.NoError(t, err)

		failed, err := s.Fail(ctx, job.ID, "kafka transaction timeout after 60s")
		require.NoError(t, err)
		assert.Equal(t, importjob.StatusFailed, failed.Status)
		assert.Contains(t, failed.StatusMessage, "timeout")
	})

	t.Run("starting a completed job is rejected", func(t *testing.T) {
		job := captureJob("team-1")
		require.NoError(t, s.CreateJob(ctx, job))
		_, err := s.Start(ctx, job.ID)
		require.NoError(t, err)
		_, err = s.Complete(ctx, job.ID, "")
		require.NoError(t, err)

		before, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)

		_, err = s.Start(ctx, job.ID)
		require.Error(t, err)
		assert.True(t, importjob.IsInvalidTransition(err))

		// The row is untouched by the rejected transition.
		after, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, before.Status, after.Status)
		assert.Equal(t, before.StatusMessage, after.StatusMessage)
		assert.Equal(t, before.UpdatedAt, after.UpdatedAt)
	})

	t.Run("failing a failed job is rejected", func(t *testing.T) {
		job := captureJob("team-1")
		require.NoError(t, s.CreateJob(ctx, job))
		_, err := s.Fail(ctx, job.ID, "first failure")
		require.NoError(t, err)

		_, err = s.Fail(ctx, job.ID, "second failure")
		require.Error(t, err)
		assert.True(t, importjob.IsInvalidTransition(err))

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, "first failure", got.StatusMessage)
	})

	t.Run("transition on missing job", func(t *testing.T) {
		_, err := s.Start(ctx, "missing")
		require.Error(t, err)
		assert.True(t, IsJobNotFound(err))
	})
}

func TestUpdateConfig(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := captureJob("team-1")
	require.NoError(t, s.CreateJob(ctx, job))

	t.Run("pending job accepts updates", func(t *testing.T) {
		cfg := job.Config
		cfg.Sink.SendRate = 250
		require.NoError(t, s.UpdateConfig(ctx, job.ID, cfg))

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, 250, got.Config.Sink.SendRate)
	})

	t.Run("running job is immutable", func(t *testing.T) {
		_, err := s.Start(ctx, job.ID)
		require.NoError(t, err)

		cfg := job.Config
		cfg.Sink.SendRate = 9999
		err = s.UpdateConfig(ctx, job.ID, cfg)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrJobRunning)
	})

	t.Run("missing job", func(t *testing.T) {
		err := s.UpdateConfig(ctx, "missing", job.Config)
		require.Error(t, err)
		assert.True(t, IsJobNotFound(err))
	})
}
