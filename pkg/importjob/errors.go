package importjob

import (
	"errors"
	"fmt"
)

// Sentinel errors for configuration and lifecycle failures. Callers should
// match with errors.Is or the helper predicates below.
var (
	// ErrInvalidConfig indicates a malformed or rejected job configuration.
	// The job never enters running; no retry.
	ErrInvalidConfig = errors.New("invalid job configuration")

	// ErrInvalidTransition indicates a status change the state machine does
	// not permit, e.g. starting a completed job. The job is unchanged.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ConfigError describes a single configuration failure.
type ConfigError struct {
	// Field is the dotted path of the offending field, e.g. "sink.send_rate".
	Field string

	// Message describes the failure.
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Message)
}

// Unwrap ties ConfigError to the ErrInvalidConfig sentinel.
func (e *ConfigError) Unwrap() error {
	return ErrInvalidConfig
}

// TransitionError describes a rejected status transition.
type TransitionError struct {
	JobID string
	From  Status
	To    Status
}

// Error implements the error interface.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot transition job %s from %s to %s", e.JobID, e.From, e.To)
}

// Unwrap ties TransitionError to the ErrInvalidTransition sentinel.
func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// IsInvalidConfig reports whether err is a configuration rejection.
func IsInvalidConfig(err error) bool {
	return errors.Is(err, ErrInvalidConfig)
}

// IsInvalidTransition reports whether err is a rejected status transition.
func IsInvalidTransition(err error) bool {
	return errors.Is(err, ErrInvalidTransition)
}
