package importjob

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// SinkType discriminates the sink configuration union.
type SinkType string

const (
	// SinkTypeCapture delivers batches to the capture HTTP endpoint with
	// at-least-once semantics.
	SinkTypeCapture SinkType = "capture"

	// SinkTypeKafka delivers batches through a transactional Kafka producer
	// with exactly-once-per-batch semantics.
	SinkTypeKafka SinkType = "kafka"
)

// SourceType discriminates the source configuration.
type SourceType string

const (
	// SourceTypeFile reads JSONL event files from a local directory.
	SourceTypeFile SourceType = "file"

	// SourceTypeS3 reads JSONL event objects from an S3 bucket.
	SourceTypeS3 SourceType = "s3"
)

// Default values for optional configuration fields.
const (
	// DefaultSendRate is the default outbound throughput ceiling in
	// events per second.
	DefaultSendRate = 1000

	// DefaultKafkaTopic is the topic historical events are produced to.
	DefaultKafkaTopic = "historical"

	// DefaultTransactionTimeoutSeconds bounds how long a Kafka producer
	// transaction may remain open before the broker aborts it.
	DefaultTransactionTimeoutSeconds = 60
)

// Config is the full job configuration: where records come from and which
// sink delivers them. It is decoded from the loosely-typed JSON blob stored
// on the job row; malformed blobs are rejected here with ErrInvalidConfig
// rather than propagating missing-key errors into the send path.
type Config struct {
	// Source binds the job to its record source.
	Source SourceConfig `json:"source"`

	// Sink selects and configures the delivery sink.
	Sink SinkConfig `json:"sink"`
}

// SourceConfig binds a job to an ordered, resumable record source.
type SourceConfig struct {
	// Type is the source kind: "file" or "s3".
	Type SourceType `json:"type"`

	// Path is the root directory holding *.jsonl files (file source).
	Path string `json:"path,omitempty"`

	// Bucket is the S3 bucket name (s3 source).
	Bucket string `json:"bucket,omitempty"`

	// Prefix narrows the S3 listing (s3 source). Optional.
	Prefix string `json:"prefix,omitempty"`

	// Includes are glob patterns selecting source files/objects. Optional;
	// when empty every .jsonl entry under the prefix/path is read.
	Includes []string `json:"includes,omitempty"`

	// Excludes are glob patterns removing entries after Includes. Optional.
	Excludes []string `json:"excludes,omitempty"`

	// Region is the AWS region (s3 source). Optional.
	Region string `json:"region,omitempty"`

	// Endpoint is a custom endpoint URL for S3-compatible stores. Optional.
	Endpoint string `json:"endpoint,omitempty"`

	// Profile is the AWS credential profile name. Optional.
	Profile string `json:"profile,omitempty"`

	// ForcePathStyle forces path-style S3 URLs. Required for most
	// S3-compatible stores. Optional.
	ForcePathStyle bool `json:"force_path_style,omitempty"`
}

// SinkConfig is the tagged sink union. Exactly one variant is active per
// job, selected by Type and fixed at job creation; the remaining fields
// apply per variant as documented.
type SinkConfig struct {
	// Type selects the variant: "capture" or "kafka".
	Type SinkType `json:"type"`

	// SendRate is the outbound throughput ceiling in events per second.
	// Zero means unset and defaults to DefaultSendRate; negative values
	// are invalid. Applies to both variants. Reconfiguring it on a paused
	// job takes effect on resume.
	SendRate int `json:"send_rate,omitempty"`

	// Topic is the destination topic (kafka variant only).
	// Defaults to DefaultKafkaTopic.
	Topic string `json:"topic,omitempty"`

	// TransactionTimeoutSeconds bounds an open producer transaction
	// (kafka variant only). Defaults to DefaultTransactionTimeoutSeconds.
	TransactionTimeoutSeconds int `json:"transaction_timeout_seconds,omitempty"`
}

// ApplyDefaults fills in default values for optional fields.
func (c *Config) ApplyDefaults() {
	c.Sink.ApplyDefaults()
}

// ApplyDefaults fills in default values for optional sink fields.
func (s *SinkConfig) ApplyDefaults() {
	if s.SendRate == 0 {
		s.SendRate = DefaultSendRate
	}
	if s.Type == SinkTypeKafka {
		if s.Topic == "" {
			s.Topic = DefaultKafkaTopic
		}
		if s.TransactionTimeoutSeconds == 0 {
			s.TransactionTimeoutSeconds = DefaultTransactionTimeoutSeconds
		}
	}
}

// Validate checks the configuration after defaults have been applied.
// All failures unwrap to ErrInvalidConfig.
func (c *Config) Validate() error {
	if err := c.Source.Validate(); err != nil {
		return err
	}
	return c.Sink.Validate()
}

// Validate checks the source binding.
func (s *SourceConfig) Validate() error {
	switch s.Type {
	case SourceTypeFile:
		if s.Path == "" {
			return &ConfigError{Field: "source.path", Message: "path is required for the file source"}
		}
	case SourceTypeS3:
		if s.Bucket == "" {
			return &ConfigError{Field: "source.bucket", Message: "bucket is required for the s3 source"}
		}
	case "":
		return &ConfigError{Field: "source.type", Message: "source type is required"}
	default:
		return &ConfigError{Field: "source.type", Message: fmt.Sprintf("unknown source type %q", s.Type)}
	}
	return nil
}

// Validate checks the sink variant.
func (s *SinkConfig) Validate() error {
	switch s.Type {
	case SinkTypeCapture, SinkTypeKafka:
	case "":
		return &ConfigError{Field: "sink.type", Message: "sink type is required"}
	default:
		return &ConfigError{Field: "sink.type", Message: fmt.Sprintf("unknown sink type %q", s.Type)}
	}

	if s.SendRate <= 0 {
		return &ConfigError{Field: "sink.send_rate", Message: fmt.Sprintf("send_rate must be a positive integer, got %d", s.SendRate)}
	}

	if s.Type == SinkTypeKafka {
		if s.Topic == "" {
			return &ConfigError{Field: "sink.topic", Message: "topic must not be empty"}
		}
		if s.TransactionTimeoutSeconds <= 0 {
			return &ConfigError{Field: "sink.transaction_timeout_seconds", Message: fmt.Sprintf("transaction timeout must be positive, got %d", s.TransactionTimeoutSeconds)}
		}
	}
	return nil
}

// ParseConfig decodes a stored configuration blob, applies defaults, and
// validates the result. Unknown fields are rejected so that typos in the
// blob surface as InvalidConfig at the boundary instead of being silently
// dropped.
func ParseConfig(data []byte) (*Config, error) {
	if len(data) == 0 {
		return nil, &ConfigError{Field: "config", Message: "configuration is empty"}
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, &ConfigError{Field: "config", Message: fmt.Sprintf("malformed configuration: %v", err)}
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
