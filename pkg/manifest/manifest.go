// Package manifest provides loading and validation of eventmill job manifests.
//
// A job manifest is a YAML or JSON file declaring one import job: the
// record source to drain and the sink to deliver into. Manifests are
// validated against a JSON Schema before use, so typos and unknown sink
// types are rejected at the boundary instead of surfacing mid-import.
//
// Example manifest (YAML):
//
//	version: "1.0"
//	team_id: team-7
//	source:
//	  type: s3
//	  bucket: archived-events
//	  prefix: events-2024/
//	sink:
//	  type: capture
//	  send_rate: 2000
package manifest

import "github.com/eventmill/eventmill/pkg/importjob"

// Manifest represents a validated job manifest.
//
// Required fields are Version, TeamID, Source, and Sink. ID is optional;
// when empty the store assigns one at creation.
type Manifest struct {
	// Schema is an optional JSON Schema reference for editor support.
	// Example: "https://schemas.eventmill.dev/eventmill/v1.0.0/job-manifest.schema.json"
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Version is the manifest schema version. Must be "1.0".
	Version string `json:"version" yaml:"version"`

	// ID pins the job identifier. Optional; normally left to the store.
	ID string `json:"id,omitempty" yaml:"id,omitempty"`

	// TeamID is the tenant the imported events belong to.
	TeamID string `json:"team_id" yaml:"team_id"`

	// Source declares where the historical records come from.
	Source SourceSpec `json:"source" yaml:"source"`

	// Sink declares where and how fast the records are delivered.
	Sink SinkSpec `json:"sink" yaml:"sink"`
}

// SourceSpec configures the record source.
type SourceSpec struct {
	// Type is the source kind: "file" or "s3".
	Type string `json:"type" yaml:"type"`

	// Path is the root directory holding *.jsonl files (file source).
	Path string `json:"path,omitempty" yaml:"path,omitempty"`

	// Bucket is the S3 bucket name (s3 source).
	Bucket string `json:"bucket,omitempty" yaml:"bucket,omitempty"`

	// Prefix narrows the S3 listing (s3 source). Optional.
	Prefix string `json:"prefix,omitempty" yaml:"prefix,omitempty"`

	// Includes are glob patterns selecting source files/objects. Optional;
	// when empty every .jsonl entry under the path/prefix is read.
	Includes []string `json:"includes,omitempty" yaml:"includes,omitempty"`

	// Excludes are glob patterns removing entries after Includes. Optional.
	Excludes []string `json:"excludes,omitempty" yaml:"excludes,omitempty"`

	// Region is the AWS region (s3 source). Optional.
	Region string `json:"region,omitempty" yaml:"region,omitempty"`

	// Endpoint is a custom endpoint URL for S3-compatible storage. Optional.
	// Example: "https://s3.wasabisys.com"
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`

	// Profile is the AWS credential profile name. Optional.
	Profile string `json:"profile,omitempty" yaml:"profile,omitempty"`

	// ForcePathStyle forces path-style S3 URLs. Required for most
	// S3-compatible stores. Optional.
	ForcePathStyle bool `json:"force_path_style,omitempty" yaml:"force_path_style,omitempty"`
}

// SinkSpec configures the delivery sink.
type SinkSpec struct {
	// Type is the sink variant: "capture" or "kafka".
	Type string `json:"type" yaml:"type"`

	// SendRate is the outbound throughput ceiling in events per second.
	// Default: 1000.
	SendRate int `json:"send_rate,omitempty" yaml:"send_rate,omitempty"`

	// Topic is the destination topic (kafka variant only).
	// Default: "historical".
	Topic string `json:"topic,omitempty" yaml:"topic,omitempty"`

	// TransactionTimeoutSeconds bounds an open producer transaction
	// (kafka variant only). Default: 60.
	TransactionTimeoutSeconds int `json:"transaction_timeout_seconds,omitempty" yaml:"transaction_timeout_seconds,omitempty"`
}

// DefaultVersion is the current manifest schema version.
const DefaultVersion = "1.0"

// ApplyDefaults fills in default values for optional fields.
//
// This should be called after loading and validating the manifest so the
// job configuration derived from it is fully resolved at creation time.
func (m *Manifest) ApplyDefaults() {
	if m.Sink.SendRate == 0 {
		m.Sink.SendRate = importjob.DefaultSendRate
	}
	if m.Sink.Type == string(importjob.SinkTypeKafka) {
		if m.Sink.Topic == "" {
			m.Sink.Topic = importjob.DefaultKafkaTopic
		}
		if m.Sink.TransactionTimeoutSeconds == 0 {
			m.Sink.TransactionTimeoutSeconds = importjob.DefaultTransactionTimeoutSeconds
		}
	}
}

// Job converts the manifest into a job ready for registration. The returned
// job carries the manifest's ID when one was pinned and starts pending.
func (m *Manifest) Job() *importjob.Job {
	return &importjob.Job{
		ID:     m.ID,
		TeamID: m.TeamID,
		Config: importjob.Config{
			Source: importjob.SourceConfig{
				Type:           importjob.SourceType(m.Source.Type),
				Path:           m.Source.Path,
				Bucket:         m.Source.Bucket,
				Prefix:         m.Source.Prefix,
				Includes:       m.Source.Includes,
				Excludes:       m.Source.Excludes,
				Region:         m.Source.Region,
				Endpoint:       m.Source.Endpoint,
				Profile:        m.Source.Profile,
				ForcePathStyle: m.Source.ForcePathStyle,
			},
			Sink: importjob.SinkConfig{
				Type:                      importjob.SinkType(m.Sink.Type),
				SendRate:                  m.Sink.SendRate,
				Topic:                     m.Sink.Topic,
				TransactionTimeoutSeconds: m.Sink.TransactionTimeoutSeconds,
			},
		},
	}
}
