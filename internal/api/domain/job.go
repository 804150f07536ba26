package domain

import (
	"errors"
)

var (
	ErrJobNotFound = errors.New("job not found")

	// ErrDuplicateJob is returned when the idempotency key is already taken
	ErrDuplicateJob = errors.New("job with this idempotency key already exists")

	// ErrJobNotCancelable is returned when the job is running or already finished
	ErrJobNotCancelable = errors.New("job cannot be canceled in its current status")

	// ErrJobNotDeletable is returned when the job may still run
	ErrJobNotDeletable = errors.New("only terminal jobs can be deleted")
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)
