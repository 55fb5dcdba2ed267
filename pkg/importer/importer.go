// Package importer orchestrates import job execution.
//
// A Runner drives one claimed job through the read, throttle, send,
// checkpoint loop until the job reaches a terminal status, is paused, or
// the context is cancelled. A Service owns the worker side: it polls the
// store for claimable jobs and runs each under a lease with heartbeat
// renewal, up to a configured concurrency.
package importer

import (
	"context"
	"fmt"
	"time"

	"github.com/eventmill/eventmill/pkg/importjob"
	"github.com/eventmill/eventmill/pkg/sink"
	"github.com/eventmill/eventmill/pkg/sink/capture"
	"github.com/eventmill/eventmill/pkg/sink/kafka"
	"github.com/eventmill/eventmill/pkg/source"
	"github.com/eventmill/eventmill/pkg/source/file"
	"github.com/eventmill/eventmill/pkg/source/s3"
)

// Config configures the per-job delivery loop.
type Config struct {
	// BatchSize is the number of records read and delivered per
	// iteration.
	// Default: 500
	BatchSize int

	// RetryInitialInterval is the delay before the first retry of a
	// transient failure. Subsequent delays grow exponentially.
	// Default: 1s
	RetryInitialInterval time.Duration

	// RetryMaxInterval caps the delay between retries.
	// Default: 30s
	RetryMaxInterval time.Duration

	// RetryMaxAttempts is the total number of delivery attempts per
	// batch, the first attempt included. Exhaustion fails the job.
	// Default: 5
	RetryMaxAttempts int
}

// DefaultConfig returns the default loop configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:            500,
		RetryInitialInterval: time.Second,
		RetryMaxInterval:     30 * time.Second,
		RetryMaxAttempts:     5,
	}
}

// SourceFactory builds the record reader for a job's source binding.
type SourceFactory func(ctx context.Context, cfg importjob.SourceConfig) (source.Reader, error)

// SinkFactory builds the delivery sink for a job. The job id seeds the
// Kafka transactional id so a restarted job fences the producer a crashed
// run left behind.
type SinkFactory func(ctx context.Context, jobID string, cfg importjob.SinkConfig) (sink.Sink, error)

// Targets carries the delivery endpoints shared by every job a worker
// runs. Job configs select a sink variant and tune its rate; endpoint
// addresses and credentials are process configuration and never live in
// the job row.
type Targets struct {
	// CaptureEndpoint is the capture batch URL (capture sink).
	CaptureEndpoint string

	// CaptureAPIKey is stamped into every capture batch (capture sink).
	CaptureAPIKey string

	// CaptureTimeout bounds a single batch POST. Zero uses the capture
	// sink default.
	CaptureTimeout time.Duration

	// KafkaBrokers are the bootstrap broker addresses (kafka sink).
	KafkaBrokers []string

	// KafkaClientID identifies this worker to the brokers.
	KafkaClientID string
}

// NewSourceFactory returns the standard factory covering the file and s3
// source types.
func NewSourceFactory() SourceFactory {
	return func(ctx context.Context, cfg importjob.SourceConfig) (source.Reader, error) {
		switch cfg.Type {
		case importjob.SourceTypeFile:
			return file.New(file.Config{
				Dir:      cfg.Path,
				Includes: cfg.Includes,
				Excludes: cfg.Excludes,
			})
		case importjob.SourceTypeS3:
			return s3.New(ctx, s3.Config{
				Bucket:         cfg.Bucket,
				Prefix:         cfg.Prefix,
				Includes:       cfg.Includes,
				Excludes:       cfg.Excludes,
				Region:         cfg.Region,
				Endpoint:       cfg.Endpoint,
				Profile:        cfg.Profile,
				ForcePathStyle: cfg.ForcePathStyle,
			})
		default:
			return nil, fmt.Errorf("unknown source type %q", cfg.Type)
		}
	}
}

// NewSinkFactory returns the standard factory covering the capture and
// kafka sink variants, delivering to the given targets.
func NewSinkFactory(t Targets) SinkFactory {
	return func(ctx context.Context, jobID string, cfg importjob.SinkConfig) (sink.Sink, error) {
		switch cfg.Type {
		case importjob.SinkTypeCapture:
			return capture.New(capture.Config{
				Endpoint: t.CaptureEndpoint,
				APIKey:   t.CaptureAPIKey,
				Timeout:  t.CaptureTimeout,
			})
		case importjob.SinkTypeKafka:
			return kafka.New(kafka.Config{
				Brokers:            t.KafkaBrokers,
				Topic:              cfg.Topic,
				TransactionalID:    kafka.TransactionalID(jobID),
				TransactionTimeout: time.Duration(cfg.TransactionTimeoutSeconds) * time.Second,
				ClientID:           t.KafkaClientID,
			})
		default:
			return nil, fmt.Errorf("unknown sink type %q", cfg.Type)
		}
	}
}
