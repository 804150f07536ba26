package domain

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrJobNotFound is returned when a job cannot be found in the store
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidTransition is returned when a lifecycle operation is not valid for the current status
	ErrInvalidTransition = errors.New("invalid job status transition")

	// ErrInvalidProgress is returned when progress is outside [0, 100)
	ErrInvalidProgress = errors.New("invalid job progress")

	// ErrJobNotClaimable is returned when a job left PENDING/RETRYING before the worker could claim it
	ErrJobNotClaimable = errors.New("job is no longer runnable")

	// ErrAttemptSuperseded is returned when a write targets an attempt the store no longer holds as running
	ErrAttemptSuperseded = errors.New("job attempt is no longer current")
)

// ErrorKind classifies a job failure. The set is closed.
type ErrorKind int

const (
	ErrorKindValidation ErrorKind = iota
	ErrorKindProcessing
	ErrorKindExternalService
	ErrorKindDatabase
	ErrorKindNetwork
	ErrorKindTimeout
	ErrorKindSerialization
	ErrorKindConfiguration
	ErrorKindUnknown
)

type errorKindInfo struct {
	name      string
	label     string
	retryable bool
	delay     uint
}

var errorKinds = map[ErrorKind]errorKindInfo{
	ErrorKindValidation:      {"ValidationError", "Job validation failed", false, 0},
	ErrorKindProcessing:      {"ProcessingError", "Job processing failed", false, 0},
	ErrorKindExternalService: {"ExternalServiceError", "External service error", true, 60},
	ErrorKindDatabase:        {"DatabaseError", "Database error", true, 30},
	ErrorKindNetwork:         {"NetworkError", "Network error", true, 30},
	ErrorKindTimeout:         {"TimeoutError", "Timeout error", true, 120},
	ErrorKindSerialization:   {"SerializationError", "Serialization error", false, 0},
	ErrorKindConfiguration:   {"ConfigurationError", "Configuration error", false, 0},
	ErrorKindUnknown:         {"UnknownError", "Unknown error", false, 0},
}

// ErrorKinds returns every error kind in declaration order
func ErrorKinds() []ErrorKind {
	return []ErrorKind{
		ErrorKindValidation,
		ErrorKindProcessing,
		ErrorKindExternalService,
		ErrorKindDatabase,
		ErrorKindNetwork,
		ErrorKindTimeout,
		ErrorKindSerialization,
		ErrorKindConfiguration,
		ErrorKindUnknown,
	}
}

func (k ErrorKind) info() errorKindInfo {
	if info, ok := errorKinds[k]; ok {
		return info
	}
	return errorKinds[ErrorKindUnknown]
}

// String returns the kind name, e.g. "DatabaseError"
func (k ErrorKind) String() string {
	return k.info().name
}

// IsRetryable reports whether failures of this kind may be redelivered
func (k ErrorKind) IsRetryable() bool {
	return k.info().retryable
}

// RetryDelaySeconds returns the fixed redelivery delay for this kind, 0 when not retryable
func (k ErrorKind) RetryDelaySeconds() uint {
	return k.info().delay
}

// JobError is a system-level job failure carrying its kind
type JobError struct {
	Kind    ErrorKind
	Message string
}

func (e *JobError) Error() string {
	return e.Kind.info().label + ": " + e.Message
}

// IsRetryable reports whether the job may be redelivered after this error
func (e *JobError) IsRetryable() bool {
	return e.Kind.IsRetryable()
}

// RetryDelaySeconds returns the kind-specific redelivery delay in seconds
func (e *JobError) RetryDelaySeconds() uint {
	return e.Kind.RetryDelaySeconds()
}

// RetryDelay returns the kind-specific redelivery delay
func (e *JobError) RetryDelay() time.Duration {
	return time.Duration(e.Kind.RetryDelaySeconds()) * time.Second
}

// NewJobError creates a JobError of the given kind
func NewJobError(kind ErrorKind, msg string) *JobError {
	return &JobError{Kind: kind, Message: msg}
}

func NewValidationError(msg string) *JobError {
	return NewJobError(ErrorKindValidation, msg)
}

func NewProcessingError(msg string) *JobError {
	return NewJobError(ErrorKindProcessing, msg)
}

func NewExternalServiceError(msg string) *JobError {
	return NewJobError(ErrorKindExternalService, msg)
}

func NewDatabaseError(msg string) *JobError {
	return NewJobError(ErrorKindDatabase, msg)
}

func NewNetworkError(msg string) *JobError {
	return NewJobError(ErrorKindNetwork, msg)
}

func NewTimeoutError(msg string) *JobError {
	return NewJobError(ErrorKindTimeout, msg)
}

func NewSerializationError(msg string) *JobError {
	return NewJobError(ErrorKindSerialization, msg)
}

func NewConfigurationError(msg string) *JobError {
	return NewJobError(ErrorKindConfiguration, msg)
}

func NewUnknownError(msg string) *JobError {
	return NewJobError(ErrorKindUnknown, msg)
}

// AsJobError classifies err. A wrapped *JobError is returned unchanged,
// a deadline becomes TimeoutError and anything else, cancellation included, UnknownError.
func AsJobError(err error) *JobError {
	if err == nil {
		return nil
	}

	var jobErr *JobError
	if errors.As(err, &jobErr) {
		return jobErr
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NewTimeoutError(err.Error())
	}

	return NewUnknownError(err.Error())
}
