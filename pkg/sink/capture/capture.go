// Package capture implements the HTTP sink that posts record batches to a
// capture endpoint.
//
// Delivery is at-least-once: a batch is either fully accepted (2xx) or
// treated as fully failed, so a retry after an ambiguous failure may
// re-deliver records the endpoint already ingested. Every batch is flagged
// as a historical migration so the live pipeline routes it onto the
// historical topic instead of the real-time one.
package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/eventmill/eventmill/pkg/sink"
)

const (
	// DefaultTimeout bounds a single batch POST, dial to last body byte.
	DefaultTimeout = 30 * time.Second

	// maxErrorBodyBytes bounds how much of an error response body is
	// carried into the failure message.
	maxErrorBodyBytes = 256
)

// Config configures a capture sink.
type Config struct {
	// Endpoint is the full URL of the capture batch endpoint (required),
	// e.g. https://capture.example.com/batch/.
	Endpoint string

	// APIKey is the project API key stamped into every batch (required).
	APIKey string

	// Timeout bounds a single batch POST. Zero uses DefaultTimeout.
	Timeout time.Duration

	// UserAgent overrides the User-Agent header. Empty uses "eventmill".
	UserAgent string
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return &ConfigError{Field: "Endpoint", Message: "endpoint URL is required"}
	}
	if c.APIKey == "" {
		return &ConfigError{Field: "APIKey", Message: "api key is required"}
	}
	if c.Timeout < 0 {
		return &ConfigError{Field: "Timeout", Message: "timeout must not be negative"}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "capture sink config: " + e.Field + ": " + e.Message
}

// batchRequest is the wire format of one capture batch.
type batchRequest struct {
	APIKey              string            `json:"api_key"`
	HistoricalMigration bool              `json:"historical_migration"`
	Batch               []json.RawMessage `json:"batch"`
}

// Sink posts record batches to a capture endpoint.
type Sink struct {
	client   *resty.Client
	endpoint string
	apiKey   string
}

var _ sink.Sink = (*Sink)(nil)

// New creates a capture sink. The underlying HTTP client carries no retry
// policy; the caller owns retries.
func New(cfg Config) (*Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "eventmill"
	}

	client := resty.New()
	client.SetTimeout(timeout)
	client.SetHeader("User-Agent", userAgent)
	client.SetHeader("Content-Type", "application/json")

	return &Sink{
		client:   client,
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
	}, nil
}

// Send posts one batch and classifies the endpoint's answer. Any 2xx means
// the whole batch was accepted. Network failures, timeouts, 408, 429 and
// 5xx are transient; every other status is a permanent rejection.
func (s *Sink) Send(ctx context.Context, records []json.RawMessage) sink.SendResult {
	if len(records) == 0 {
		return sink.Ok()
	}

	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(batchRequest{
			APIKey:              s.apiKey,
			HistoricalMigration: true,
			Batch:               records,
		}).
		Post(s.endpoint)
	if err != nil {
		return sink.Transient(fmt.Errorf("capture: post batch: %w", err))
	}

	status := resp.StatusCode()
	switch {
	case status >= 200 && status < 300:
		return sink.Ok()
	case retryableStatus(status):
		return sink.Transient(statusError(status, resp.Body()))
	default:
		return sink.Fatal(statusError(status, resp.Body()))
	}
}

// Close releases idle connections held by the HTTP client.
func (s *Sink) Close() error {
	s.client.GetClient().CloseIdleConnections()
	return nil
}

// retryableStatus reports whether an HTTP status is worth retrying with
// the same batch.
func retryableStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return status >= 500
}

// statusError builds the failure message for a non-2xx response, carrying
// a bounded slice of the response body.
func statusError(status int, body []byte) error {
	detail := strings.TrimSpace(string(body))
	if len(detail) > maxErrorBodyBytes {
		detail = detail[:maxErrorBodyBytes]
	}
	if detail == "" {
		return fmt.Errorf("capture: endpoint returned status %d", status)
	}
	return fmt.Errorf("capture: endpoint returned status %d: %s", status, detail)
}
