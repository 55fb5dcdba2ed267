package importer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/eventmill/eventmill/pkg/importjob"
	"github.com/eventmill/eventmill/pkg/jobstore"
	"github.com/eventmill/eventmill/pkg/progress"
	"github.com/eventmill/eventmill/pkg/ratelimit"
	"github.com/eventmill/eventmill/pkg/sink"
	"github.com/eventmill/eventmill/pkg/source"
)

// retryMultiplier is the exponential growth factor between retry delays.
const retryMultiplier = 2

// Runner executes one import job to a stopping point: a terminal status,
// an externally requested pause, or context cancellation.
//
// Runner is safe for single use only. Create a new Runner for each run.
type Runner struct {
	store   *jobstore.Store
	sources SourceFactory
	sinks   SinkFactory
	writer  progress.Writer
	config  Config
	jobID   string

	log *zap.Logger

	start   time.Time
	batches int64
}

// NewRunner creates a runner for one job.
//
// Parameters:
//   - store: durable job/checkpoint state
//   - sources: factory for the job's record reader
//   - sinks: factory for the job's delivery sink
//   - w: JSONL status output (nil writes nothing)
//   - jobID: the job to run
//   - cfg: loop configuration (use DefaultConfig() as base)
func NewRunner(store *jobstore.Store, sources SourceFactory, sinks SinkFactory, w progress.Writer, jobID string, cfg Config) *Runner {
	// Apply defaults for zero values
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.RetryInitialInterval <= 0 {
		cfg.RetryInitialInterval = DefaultConfig().RetryInitialInterval
	}
	if cfg.RetryMaxInterval <= 0 {
		cfg.RetryMaxInterval = DefaultConfig().RetryMaxInterval
	}
	if cfg.RetryMaxAttempts <= 0 {
		cfg.RetryMaxAttempts = DefaultConfig().RetryMaxAttempts
	}
	if w == nil {
		w = progress.Discard
	}

	return &Runner{
		store:   store,
		sources: sources,
		sinks:   sinks,
		writer:  w,
		config:  cfg,
		jobID:   jobID,
		log:     zap.NewNop(),
	}
}

// WithLogger sets the runner's logger. Returns the runner for chaining.
func (r *Runner) WithLogger(log *zap.Logger) *Runner {
	if log != nil {
		r.log = log.With(zap.String("job_id", r.jobID))
	}
	return r
}

// Run executes the job.
//
// Job-level failures (invalid configuration, fatal sink rejection, retry
// exhaustion, checkpoint corruption) move the job to failed and return
// nil: the failure is recorded in the job row and the status output, not
// propagated. A non-nil error means the run itself was interrupted
// (context cancellation or a storage fault) and the job remains claimable
// where its status allows.
func (r *Runner) Run(ctx context.Context) error {
	r.start = time.Now()

	raw, err := r.store.JobConfig(ctx, r.jobID)
	if err != nil {
		return err
	}
	cfg, err := importjob.ParseConfig(raw)
	if err != nil {
		return r.fail(ctx, progress.ErrCodeInvalidConfig, err.Error())
	}

	cp, err := r.store.LoadCheckpoint(ctx, r.jobID)
	if err != nil {
		if jobstore.IsCheckpointCorrupt(err) {
			return r.fail(ctx, progress.ErrCodeCheckpointCorrupt, err.Error())
		}
		return err
	}
	if cp.Advanced() && cp.SinkType != "" && cp.SinkType != cfg.Sink.Type {
		return r.fail(ctx, progress.ErrCodeInvalidConfig, fmt.Sprintf(
			"invalid configuration: sink type changed from %s to %s after checkpoint advance; reset the checkpoint to switch sinks",
			cp.SinkType, cfg.Sink.Type))
	}

	job, err := r.store.GetJob(ctx, r.jobID)
	if err != nil {
		return err
	}
	switch job.Status {
	case importjob.StatusRunning:
		// Reclaimed after a crash or lease expiry; resume in place.
	case importjob.StatusPending, importjob.StatusPaused:
		if job, err = r.store.Start(ctx, r.jobID); err != nil {
			return err
		}
		r.writeState(ctx, job, cp)
	default:
		return &importjob.TransitionError{JobID: r.jobID, From: job.Status, To: importjob.StatusRunning}
	}

	reader, err := r.sources(ctx, cfg.Source)
	if err != nil {
		return r.fail(ctx, progress.ErrCodeInvalidConfig, "open source: "+err.Error())
	}
	defer func() { _ = reader.Close() }()

	snk, err := r.sinks(ctx, r.jobID, cfg.Sink)
	if err != nil {
		return r.fail(ctx, progress.ErrCodeInvalidConfig, "open sink: "+err.Error())
	}
	defer func() { _ = snk.Close() }()

	limiter := ratelimit.New(cfg.Sink.SendRate)

	r.log.Info("job started",
		zap.String("source", string(cfg.Source.Type)),
		zap.String("sink", string(cfg.Sink.Type)),
		zap.Int("send_rate", cfg.Sink.SendRate),
		zap.Int("batch_size", r.config.BatchSize))

	return r.loop(ctx, cfg, reader, snk, limiter)
}

// loop is the delivery cycle: read a batch after the last saved cursor,
// wait for send capacity, deliver, save the checkpoint. Job status is
// reloaded between iterations so externally committed pauses and cancels
// take effect at a batch boundary.
func (r *Runner) loop(ctx context.Context, cfg *importjob.Config, reader source.Reader, snk sink.Sink, limiter *ratelimit.Limiter) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		job, err := r.store.GetJob(ctx, r.jobID)
		if err != nil {
			return err
		}
		if job.Status != importjob.StatusRunning {
			cp, _ := r.store.LoadCheckpoint(ctx, r.jobID)
			r.log.Info("job suspended externally", zap.String("status", string(job.Status)))
			r.writeState(ctx, job, cp)
			r.writeSummary(ctx, job.Status, cp)
			return nil
		}

		cp, err := r.store.LoadCheckpoint(ctx, r.jobID)
		if err != nil {
			if jobstore.IsCheckpointCorrupt(err) {
				return r.fail(ctx, progress.ErrCodeCheckpointCorrupt, err.Error())
			}
			return err
		}
		var cursor string
		var sent, failed int64
		if cp != nil {
			cursor, sent, failed = cp.Cursor, cp.RecordsSent, cp.RecordsFailed
		}

		batch, err := r.readBatch(ctx, reader, cursor)
		if err != nil {
			switch {
			case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
				return err
			case source.IsBadCursor(err):
				return r.fail(ctx, progress.ErrCodeCheckpointCorrupt, "checkpoint corrupt: "+err.Error())
			default:
				return r.fail(ctx, progress.ErrCodeFatal, "read source: "+err.Error())
			}
		}

		if len(batch.Records) == 0 {
			if !batch.Exhausted {
				return r.fail(ctx, progress.ErrCodeInternal, "source returned an empty batch before the end of the record set")
			}
			job, err = r.store.Complete(ctx, r.jobID, fmt.Sprintf("import complete: %d records sent", sent))
			if err != nil {
				return err
			}
			r.log.Info("job completed",
				zap.Int64("records_sent", sent),
				zap.Int64("batches", r.batches),
				zap.Duration("elapsed", time.Since(r.start)))
			r.writeState(ctx, job, cp)
			r.writeSummary(ctx, job.Status, cp)
			return nil
		}

		if err := limiter.Acquire(ctx, len(batch.Records)); err != nil {
			return err
		}

		records := make([]json.RawMessage, len(batch.Records))
		for i, rec := range batch.Records {
			records[i] = rec.Data
		}

		res, attempts, err := r.deliver(ctx, snk, records)
		if err != nil {
			return err
		}
		switch res.Outcome {
		case sink.OutcomeSuccess:
			next := importjob.Checkpoint{
				Cursor:        batch.NextCursor,
				RecordsSent:   sent + int64(len(records)),
				RecordsFailed: failed,
				SinkType:      cfg.Sink.Type,
			}
			if err := r.store.SaveCheckpoint(ctx, r.jobID, next); err != nil {
				if jobstore.IsCheckpointCorrupt(err) {
					return r.fail(ctx, progress.ErrCodeCheckpointCorrupt, err.Error())
				}
				return err
			}
			r.batches++
			r.writeProgress(ctx, job, &next)
		case sink.OutcomeTransient:
			return r.fail(ctx, progress.ErrCodeTransient,
				fmt.Sprintf("delivery failed after %d attempts: %v", attempts, res.Err))
		default:
			return r.fail(ctx, progress.ErrCodeFatal, res.Err.Error())
		}
	}
}

// readBatch reads the next batch, retrying reads the backing store
// throttled or refused. Bad cursors and undecodable records are not
// retried; they surface to the caller unchanged.
func (r *Runner) readBatch(ctx context.Context, reader source.Reader, cursor string) (*source.Batch, error) {
	b := r.newBackoff()
	for attempt := 1; ; attempt++ {
		batch, err := reader.Read(ctx, cursor, r.config.BatchSize)
		if err == nil {
			return batch, nil
		}
		if !source.IsThrottled(err) && !source.IsUnavailable(err) {
			return nil, err
		}
		if attempt >= r.config.RetryMaxAttempts {
			return nil, err
		}

		delay := b.NextBackOff()
		r.log.Warn("source read failed, retrying",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", r.config.RetryMaxAttempts),
			zap.Duration("backoff", delay),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// deliver sends one batch, retrying transient failures with exponential
// backoff up to the attempt budget. The returned error is non-nil only
// when the context ended during a retry wait; sink outcomes, including an
// exhausted transient failure, come back in the SendResult.
func (r *Runner) deliver(ctx context.Context, snk sink.Sink, records []json.RawMessage) (sink.SendResult, int, error) {
	b := r.newBackoff()
	for attempt := 1; ; attempt++ {
		res := snk.Send(ctx, records)
		if res.Outcome != sink.OutcomeTransient || attempt >= r.config.RetryMaxAttempts {
			if res.Outcome == sink.OutcomeTransient && ctx.Err() != nil {
				// A cancelled send is an interrupted run, not a job failure.
				return res, attempt, ctx.Err()
			}
			return res, attempt, nil
		}

		delay := b.NextBackOff()
		r.log.Warn("transient delivery failure, retrying",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", r.config.RetryMaxAttempts),
			zap.Duration("backoff", delay),
			zap.Error(res.Err))
		select {
		case <-ctx.Done():
			return res, attempt, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// newBackoff builds the retry schedule: RetryInitialInterval growing by
// retryMultiplier up to RetryMaxInterval. The attempt budget bounds the
// loop, not elapsed time.
func (r *Runner) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.config.RetryInitialInterval
	b.RandomizationFactor = 0.2
	b.Multiplier = retryMultiplier
	b.MaxInterval = r.config.RetryMaxInterval
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// fail moves the job to failed and records the reason in the job row and
// the status output. A job already in a terminal state is left as is.
func (r *Runner) fail(ctx context.Context, code, message string) error {
	job, err := r.store.Fail(ctx, r.jobID, message)
	if err != nil {
		if importjob.IsInvalidTransition(err) {
			return nil
		}
		return err
	}

	r.log.Error("job failed", zap.String("code", code), zap.String("reason", message))

	if werr := r.writer.WriteError(ctx, &progress.ErrorRecord{Code: code, Message: message}); werr != nil {
		r.log.Warn("write error record", zap.Error(werr))
	}
	cp, _ := r.store.LoadCheckpoint(ctx, r.jobID)
	r.writeState(ctx, job, cp)
	r.writeSummary(ctx, job.Status, cp)
	return nil
}

func (r *Runner) writeState(ctx context.Context, job *importjob.Job, cp *importjob.Checkpoint) {
	snap := importjob.NewProgress(job, cp)
	if err := r.writer.WriteState(ctx, &snap); err != nil {
		r.log.Warn("write state record", zap.Error(err))
	}
}

func (r *Runner) writeProgress(ctx context.Context, job *importjob.Job, cp *importjob.Checkpoint) {
	snap := importjob.NewProgress(job, cp)
	if err := r.writer.WriteProgress(ctx, &snap); err != nil {
		r.log.Warn("write progress record", zap.Error(err))
	}
}

func (r *Runner) writeSummary(ctx context.Context, status importjob.Status, cp *importjob.Checkpoint) {
	elapsed := time.Since(r.start)
	sum := &progress.SummaryRecord{
		Status:        string(status),
		Batches:       r.batches,
		Duration:      elapsed,
		DurationHuman: elapsed.Round(time.Millisecond).String(),
	}
	if cp != nil {
		sum.RecordsSent = cp.RecordsSent
		sum.RecordsFailed = cp.RecordsFailed
	}
	if err := r.writer.WriteSummary(ctx, sum); err != nil {
		r.log.Warn("write summary record", zap.Error(err))
	}
}
