package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/cuongbtq/emr-jobs/internal/fhir"
	"github.com/cuongbtq/emr-jobs/internal/worker/domain"
)

// interrupted converts a done context into a TimeoutError when its deadline passed,
// otherwise into an UnknownError
func interrupted(ctx context.Context, what string) error {
	msg := fmt.Sprintf("%s interrupted: %v", what, ctx.Err())
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.NewTimeoutError(msg)
	}
	return domain.NewUnknownError(msg)
}

// fhirError classifies a FHIR client failure
func fhirError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return interrupted(ctx, op)
	}

	msg := fmt.Sprintf("%s: %v", op, err)

	var statusErr *fhir.StatusError
	if errors.As(err, &statusErr) {
		if statusErr.StatusCode == http.StatusTooManyRequests || statusErr.StatusCode >= http.StatusInternalServerError {
			return domain.NewExternalServiceError(msg)
		}
		return domain.NewValidationError(msg)
	}

	return domain.NewNetworkError(msg)
}

// storeError classifies a job store failure
func storeError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return interrupted(ctx, op)
	}

	var jobErr *domain.JobError
	if errors.As(err, &jobErr) {
		return jobErr
	}
	return domain.NewDatabaseError(fmt.Sprintf("%s: %v", op, err))
}
