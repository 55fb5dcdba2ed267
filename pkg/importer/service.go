package importer

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eventmill/eventmill/pkg/importjob"
	"github.com/eventmill/eventmill/pkg/jobstore"
	"github.com/eventmill/eventmill/pkg/progress"
)

// releaseTimeout bounds the lease release performed after a runner exits,
// which uses a fresh context so shutdown still releases cleanly.
const releaseTimeout = 5 * time.Second

// ServiceConfig configures the worker loop.
type ServiceConfig struct {
	// Owner identifies this worker in the lease table. Leave empty to
	// derive one from the hostname and a random suffix.
	Owner string

	// Concurrency is the number of jobs run in parallel.
	// Default: 4
	Concurrency int

	// PollInterval is the wait between claim attempts when no job is
	// claimable.
	// Default: 2s
	PollInterval time.Duration

	// LeaseTTL is how long a claimed job stays fenced without a heartbeat.
	// A worker crash makes the job claimable again after this long.
	// Default: 60s
	LeaseTTL time.Duration

	// HeartbeatInterval is the lease renewal cadence. Must be comfortably
	// below LeaseTTL.
	// Default: 20s
	HeartbeatInterval time.Duration

	// Runner is the per-job loop configuration.
	Runner Config
}

// DefaultServiceConfig returns the default worker configuration.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Concurrency:       4,
		PollInterval:      2 * time.Second,
		LeaseTTL:          60 * time.Second,
		HeartbeatInterval: 20 * time.Second,
		Runner:            DefaultConfig(),
	}
}

// WriterFactory builds the status output for one job run. Returning nil
// discards the job's records.
type WriterFactory func(jobID string) progress.Writer

// Service is the worker loop: it claims runnable jobs from the store and
// executes each in its own goroutine under a heartbeat-renewed lease.
//
// Multiple Service instances may run against the same store, in one
// process or many; the lease table keeps any job on a single worker.
type Service struct {
	store   *jobstore.Store
	sources SourceFactory
	sinks   SinkFactory
	config  ServiceConfig

	newWriter WriterFactory
	log       *zap.Logger
}

// NewService creates a worker service.
//
// Parameters:
//   - store: durable job/checkpoint state shared across workers
//   - sources: factory for record readers
//   - sinks: factory for delivery sinks
//   - cfg: worker configuration (use DefaultServiceConfig() as base)
func NewService(store *jobstore.Store, sources SourceFactory, sinks SinkFactory, cfg ServiceConfig) *Service {
	// Apply defaults for zero values
	if cfg.Owner == "" {
		cfg.Owner = defaultOwner()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultServiceConfig().Concurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultServiceConfig().PollInterval
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultServiceConfig().LeaseTTL
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultServiceConfig().HeartbeatInterval
	}

	return &Service{
		store:   store,
		sources: sources,
		sinks:   sinks,
		config:  cfg,
		log:     zap.NewNop(),
	}
}

// WithLogger sets the service's logger. Returns the service for chaining.
func (s *Service) WithLogger(log *zap.Logger) *Service {
	if log != nil {
		s.log = log
	}
	return s
}

// WithWriterFactory sets the per-job status output factory. Returns the
// service for chaining.
func (s *Service) WithWriterFactory(f WriterFactory) *Service {
	s.newWriter = f
	return s
}

// Owner returns the worker identity used in the lease table.
func (s *Service) Owner() string {
	return s.config.Owner
}

// Run executes the worker loop until the context is cancelled, then waits
// for in-flight jobs to stop. It always returns the context's error.
func (s *Service) Run(ctx context.Context) error {
	s.log.Info("worker started",
		zap.String("owner", s.config.Owner),
		zap.Int("concurrency", s.config.Concurrency),
		zap.Duration("lease_ttl", s.config.LeaseTTL),
		zap.Duration("heartbeat", s.config.HeartbeatInterval))

	sem := make(chan struct{}, s.config.Concurrency)
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	var wg sync.WaitGroup

loop:
	for {
		// Take a runner slot before claiming so a claimed job never sits
		// leased but unstarted behind a full pool.
		select {
		case <-ctx.Done():
			break loop
		case sem <- struct{}{}:
		}

		job, err := s.store.ClaimNextPending(ctx, s.config.Owner, s.config.LeaseTTL)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			s.log.Error("claim job", zap.Error(err))
		}

		if job == nil {
			<-sem
			select {
			case <-ctx.Done():
				break loop
			case <-ticker.C:
			}
			continue
		}

		wg.Add(1)
		go func(job *importjob.Job) {
			defer wg.Done()
			defer func() { <-sem }()
			s.runJob(ctx, job)
		}(job)
	}

	wg.Wait()
	s.log.Info("worker stopped", zap.String("owner", s.config.Owner))
	return ctx.Err()
}

// runJob executes one claimed job under a heartbeat-renewed lease and
// releases the lease when the runner exits.
func (s *Service) runJob(ctx context.Context, job *importjob.Job) {
	log := s.log.With(zap.String("job_id", job.ID))
	log.Info("job claimed",
		zap.String("team_id", job.TeamID),
		zap.String("status", string(job.Status)))

	stopHeartbeat := s.startHeartbeat(ctx, job.ID)
	defer stopHeartbeat()

	var w progress.Writer
	if s.newWriter != nil {
		w = s.newWriter(job.ID)
	}

	runner := NewRunner(s.store, s.sources, s.sinks, w, job.ID, s.config.Runner).WithLogger(s.log)
	if err := runner.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			log.Info("job interrupted, releasing for reclaim")
		} else {
			log.Error("job run aborted", zap.Error(err))
		}
	}
	if w != nil {
		if err := w.Close(); err != nil {
			log.Warn("close status output", zap.Error(err))
		}
	}

	// Release with a fresh context so a cancelled worker still frees the
	// lease instead of leaving the job fenced until the TTL runs out.
	rctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := s.store.ReleaseLease(rctx, job.ID, s.config.Owner); err != nil {
		log.Warn("release lease", zap.Error(err))
	}
}

// startHeartbeat renews the job's lease on a ticker until the returned
// stop function is called or the context ends.
func (s *Service) startHeartbeat(ctx context.Context, jobID string) func() {
	t := time.NewTicker(s.config.HeartbeatInterval)
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
				if err := s.store.RenewLease(ctx, jobID, s.config.Owner, s.config.LeaseTTL); err != nil {
					s.log.Warn("renew lease", zap.String("job_id", jobID), zap.Error(err))
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

// defaultOwner derives a worker identity from the hostname plus a random
// suffix so two workers on one host stay distinct.
func defaultOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}
