package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobError_RetryPolicy(t *testing.T) {
	tests := []struct {
		kind      ErrorKind
		name      string
		retryable bool
		delay     uint
	}{
		{ErrorKindValidation, "ValidationError", false, 0},
		{ErrorKindProcessing, "ProcessingError", false, 0},
		{ErrorKindExternalService, "ExternalServiceError", true, 60},
		{ErrorKindDatabase, "DatabaseError", true, 30},
		{ErrorKindNetwork, "NetworkError", true, 30},
		{ErrorKindTimeout, "TimeoutError", true, 120},
		{ErrorKindSerialization, "SerializationError", false, 0},
		{ErrorKindConfiguration, "ConfigurationError", false, 0},
		{ErrorKindUnknown, "UnknownError", false, 0},
	}

	require.Len(t, tests, len(ErrorKinds()))

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewJobError(tt.kind, "test")

			assert.Equal(t, tt.name, tt.kind.String())
			assert.Equal(t, tt.retryable, err.IsRetryable())
			assert.Equal(t, tt.delay, err.RetryDelaySeconds())
			assert.Equal(t, time.Duration(tt.delay)*time.Second, err.RetryDelay())
		})
	}
}

func TestJobError_Message(t *testing.T) {
	err := NewDatabaseError("connection refused")

	assert.Equal(t, "Database error: connection refused", err.Error())
	assert.Equal(t, "connection refused", err.Message)
	assert.Equal(t, ErrorKindDatabase, err.Kind)
}

func TestAsJobError(t *testing.T) {
	wrapped := fmt.Errorf("loading patient: %w", NewNetworkError("reset by peer"))

	tests := []struct {
		name     string
		err      error
		wantKind ErrorKind
	}{
		{
			name:     "wrapped job error keeps its kind",
			err:      wrapped,
			wantKind: ErrorKindNetwork,
		},
		{
			name:     "deadline becomes timeout",
			err:      fmt.Errorf("fetch: %w", context.DeadlineExceeded),
			wantKind: ErrorKindTimeout,
		},
		{
			name:     "cancellation is not a timeout",
			err:      fmt.Errorf("fetch: %w", context.Canceled),
			wantKind: ErrorKindUnknown,
		},
		{
			name:     "plain error becomes unknown",
			err:      errors.New("something odd"),
			wantKind: ErrorKindUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobErr := AsJobError(tt.err)
			require.NotNil(t, jobErr)
			assert.Equal(t, tt.wantKind, jobErr.Kind)
		})
	}

	assert.Nil(t, AsJobError(nil))
}
