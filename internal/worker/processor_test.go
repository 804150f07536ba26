package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/emr-jobs/internal/worker/domain"
	"github.com/cuongbtq/emr-jobs/internal/worker/handler"
)

func TestProcessJob_Success(t *testing.T) {
	h := newHarness(t, func(_ context.Context, payload domain.Payload, jctx domain.JobContext) (*domain.ExecutionResult, error) {
		job, ok := payload.(*domain.DataValidationJob)
		if !ok {
			return nil, domain.NewProcessingError("unexpected payload")
		}
		jobType, _ := jctx.Metadata("job_type")
		attempt, _ := jctx.Metadata("attempt")
		return domain.SucceededWithData("validated", map[string]string{
			"rule":     job.Rules[0].Name,
			"job_type": jobType,
			"attempt":  attempt,
		}), nil
	})
	id := h.store.add(validationEnvelope, nil)

	h.worker.processJob(context.Background(), id)

	md := h.store.metadata(id)
	assert.Equal(t, domain.JobStatusCompleted, md.Status)
	assert.Equal(t, uint32(1), md.Attempts)
	assert.Equal(t, 100.0, md.Progress)
	assert.Nil(t, md.LastError)

	result := h.store.results[id]
	require.NotNil(t, result)
	assert.Equal(t, "validated", result.Message)
	assert.Equal(t, map[string]string{"rule": "required_field", "job_type": "DataValidation", "attempt": "1"}, result.Data)

	stats := h.mon.Stats()
	assert.Equal(t, uint64(1), stats.TotalJobs)
	assert.Equal(t, uint64(1), stats.SuccessfulJobs)
	assert.Equal(t, uint64(0), stats.RetriedJobs)
}

func TestProcessJob_RetryableFailureIsRescheduled(t *testing.T) {
	h := newHarness(t, func(context.Context, domain.Payload, domain.JobContext) (*domain.ExecutionResult, error) {
		return nil, domain.NewDatabaseError("connection refused")
	})
	id := h.store.add(validationEnvelope, nil)

	h.worker.processJob(context.Background(), id)

	md := h.store.metadata(id)
	assert.Equal(t, domain.JobStatusRetrying, md.Status)
	assert.Equal(t, uint32(1), md.Attempts)
	require.NotNil(t, md.LastError)
	assert.Equal(t, "connection refused", *md.LastError)
	require.NotNil(t, md.NextRunAt)
	assert.Equal(t, h.now.Add(30*time.Second), *md.NextRunAt)

	runAt, queued := h.queue.runAt(id)
	require.True(t, queued)
	assert.Equal(t, h.now.Add(30*time.Second), runAt)

	stats := h.mon.Stats()
	assert.Equal(t, uint64(1), stats.FailedJobs)
	assert.Equal(t, uint64(1), stats.RetriedJobs)
}

func TestProcessJob_KindDelay(t *testing.T) {
	h := newHarness(t, func(context.Context, domain.Payload, domain.JobContext) (*domain.ExecutionResult, error) {
		return nil, domain.NewExternalServiceError("FHIR server unavailable")
	})
	id := h.store.add(validationEnvelope, nil)

	h.worker.processJob(context.Background(), id)

	runAt, queued := h.queue.runAt(id)
	require.True(t, queued)
	assert.Equal(t, h.now.Add(60*time.Second), runAt)
}

func TestProcessJob_RetriesExhausted(t *testing.T) {
	h := newHarness(t, func(context.Context, domain.Payload, domain.JobContext) (*domain.ExecutionResult, error) {
		return nil, domain.NewDatabaseError("connection refused")
	})
	id := h.store.add(validationEnvelope, func(md *domain.JobMetadata) {
		md.Status = domain.JobStatusRetrying
		md.Attempts = 2
	})

	h.worker.processJob(context.Background(), id)

	md := h.store.metadata(id)
	assert.Equal(t, domain.JobStatusFailed, md.Status)
	assert.Equal(t, uint32(3), md.Attempts)
	assert.True(t, md.IsTerminal())
	assert.NotNil(t, md.CompletedAt)

	_, queued := h.queue.runAt(id)
	assert.False(t, queued)
	assert.Equal(t, uint64(0), h.mon.Stats().RetriedJobs)
}

func TestProcessJob_TerminalFailures(t *testing.T) {
	tests := []struct {
		name       string
		envelope   string
		fn         func(context.Context, domain.Payload, domain.JobContext) (*domain.ExecutionResult, error)
		wantError  string
		wantResult bool
	}{
		{
			name:     "validation error",
			envelope: validationEnvelope,
			fn: func(context.Context, domain.Payload, domain.JobContext) (*domain.ExecutionResult, error) {
				return nil, domain.NewValidationError("patient record incomplete")
			},
			wantError:  "patient record incomplete",
		},
		{
			name:     "handler panic",
			envelope: validationEnvelope,
			fn: func(context.Context, domain.Payload, domain.JobContext) (*domain.ExecutionResult, error) {
				panic("nil map")
			},
			wantError:  "stub handler panicked: nil map",
		},
		{
			name:     "unsuccessful result",
			envelope: validationEnvelope,
			fn: func(context.Context, domain.Payload, domain.JobContext) (*domain.ExecutionResult, error) {
				return domain.Failed("2 rules could not be evaluated"), nil
			},
			wantError:  "2 rules could not be evaluated",
			wantResult: true,
		},
		{
			name:     "plain error",
			envelope: validationEnvelope,
			fn: func(context.Context, domain.Payload, domain.JobContext) (*domain.ExecutionResult, error) {
				return nil, errBoom
			},
			wantError:  "boom",
		},
		{
			name:       "malformed envelope",
			envelope:   `{"type": "Unknown"}`,
			fn:         succeed,
			wantError:  `unknown job type "Unknown"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.fn)
			id := h.store.add(tt.envelope, nil)

			h.worker.processJob(context.Background(), id)

			md := h.store.metadata(id)
			assert.Equal(t, domain.JobStatusFailed, md.Status)
			assert.Equal(t, uint32(1), md.Attempts)
			require.NotNil(t, md.LastError)
			assert.Equal(t, tt.wantError, *md.LastError)

			_, queued := h.queue.runAt(id)
			assert.False(t, queued)

			_, saved := h.store.results[id]
			assert.Equal(t, tt.wantResult, saved)

			stats := h.mon.Stats()
			assert.Equal(t, uint64(1), stats.FailedJobs)
			assert.Equal(t, uint64(0), stats.RetriedJobs)
		})
	}
}

func TestProcessJob_Timeout(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, _ domain.Payload, _ domain.JobContext) (*domain.ExecutionResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	h.worker.jobTimeout = 20 * time.Millisecond
	id := h.store.add(validationEnvelope, nil)

	h.worker.processJob(context.Background(), id)

	md := h.store.metadata(id)
	assert.Equal(t, domain.JobStatusRetrying, md.Status)
	require.NotNil(t, md.LastError)
	assert.Equal(t, "job exceeded timeout of 20ms", *md.LastError)

	runAt, queued := h.queue.runAt(id)
	require.True(t, queued)
	assert.Equal(t, h.now.Add(120*time.Second), runAt)
}

func TestProcessJob_Progress(t *testing.T) {
	h := newHarness(t, func(_ context.Context, _ domain.Payload, jctx domain.JobContext) (*domain.ExecutionResult, error) {
		jctx.ReportProgress(25)
		jctx.ReportProgress(150) // out of range, ignored
		jctx.ReportProgress(75)
		return domain.Succeeded("done"), nil
	})
	id := h.store.add(validationEnvelope, nil)

	h.worker.processJob(context.Background(), id)

	assert.Equal(t, []float64{25, 75}, h.store.progress)
	assert.Equal(t, 100.0, h.store.metadata(id).Progress)
}

func TestProcessJob_SkipsAndDrops(t *testing.T) {
	t.Run("missing job is dropped", func(t *testing.T) {
		h := newHarness(t, succeed)
		id := h.store.add(validationEnvelope, nil)
		delete(h.store.jobs, id)

		h.worker.processJob(context.Background(), id)

		_, queued := h.queue.runAt(id)
		assert.False(t, queued)
		assert.Equal(t, uint64(0), h.mon.Stats().TotalJobs)
	})

	t.Run("canceled job is skipped", func(t *testing.T) {
		h := newHarness(t, succeed)
		id := h.store.add(validationEnvelope, func(md *domain.JobMetadata) {
			require.NoError(t, md.Cancel())
		})

		h.worker.processJob(context.Background(), id)

		md := h.store.metadata(id)
		assert.Equal(t, domain.JobStatusCanceled, md.Status)
		assert.Equal(t, uint32(0), md.Attempts)
		assert.Equal(t, uint64(0), h.mon.Stats().TotalJobs)
	})

	t.Run("store outage requeues without an attempt", func(t *testing.T) {
		h := newHarness(t, succeed)
		id := h.store.add(validationEnvelope, nil)
		h.store.getErr = errBoom

		h.worker.processJob(context.Background(), id)

		runAt, queued := h.queue.runAt(id)
		require.True(t, queued)
		assert.Equal(t, h.now.Add(30*time.Second), runAt)

		h.store.getErr = nil
		assert.Equal(t, uint32(0), h.store.metadata(id).Attempts)
	})
}

func TestProcessJob_TimeoutWaitsForHandler(t *testing.T) {
	var returned atomic.Bool
	h := newHarness(t, func(context.Context, domain.Payload, domain.JobContext) (*domain.ExecutionResult, error) {
		time.Sleep(80 * time.Millisecond)
		returned.Store(true)
		return nil, errBoom
	})
	h.worker.jobTimeout = 20 * time.Millisecond
	id := h.store.add(validationEnvelope, nil)

	h.worker.processJob(context.Background(), id)

	assert.True(t, returned.Load(), "handler must have returned before the attempt ends")

	md := h.store.metadata(id)
	assert.Equal(t, domain.JobStatusRetrying, md.Status)
	require.NotNil(t, md.LastError)
	assert.Equal(t, "job exceeded timeout of 20ms", *md.LastError)

	runAt, queued := h.queue.runAt(id)
	require.True(t, queued)
	assert.Equal(t, h.now.Add(120*time.Second), runAt)
}

func TestProcessJob_CanceledBeforeClaim(t *testing.T) {
	var ran atomic.Bool
	h := newHarness(t, func(context.Context, domain.Payload, domain.JobContext) (*domain.ExecutionResult, error) {
		ran.Store(true)
		return domain.Succeeded("done"), nil
	})
	id := h.store.add(validationEnvelope, nil)
	h.store.afterGet = func(job *domain.Job) {
		job.Metadata.Status = domain.JobStatusCanceled
	}

	h.worker.processJob(context.Background(), id)

	assert.False(t, ran.Load())
	md := h.store.metadata(id)
	assert.Equal(t, domain.JobStatusCanceled, md.Status)
	assert.Equal(t, uint32(0), md.Attempts)

	_, queued := h.queue.runAt(id)
	assert.False(t, queued)
	assert.Equal(t, uint64(0), h.mon.Stats().TotalJobs)
}

func TestProcessJob_SupersededAttemptIsNotOverwritten(t *testing.T) {
	var (
		h  *harness
		id uuid.UUID
	)
	h = newHarness(t, func(context.Context, domain.Payload, domain.JobContext) (*domain.ExecutionResult, error) {
		// another worker's recovery sweep takes the job back mid-run
		h.store.mu.Lock()
		h.store.jobs[id].Metadata.Status = domain.JobStatusRetrying
		h.store.mu.Unlock()
		return domain.Succeeded("done"), nil
	})
	id = h.store.add(validationEnvelope, nil)

	h.worker.processJob(context.Background(), id)

	assert.Equal(t, domain.JobStatusRetrying, h.store.metadata(id).Status)
	_, saved := h.store.results[id]
	assert.False(t, saved)
}

func TestProcessJob_RetryQueueFailure(t *testing.T) {
	failing := func(context.Context, domain.Payload, domain.JobContext) (*domain.ExecutionResult, error) {
		return nil, domain.NewDatabaseError("connection refused")
	}

	t.Run("queue outage leaves the retry to recovery", func(t *testing.T) {
		h := newHarness(t, failing)
		id := h.store.add(validationEnvelope, nil)
		h.queue.err = errBoom

		h.worker.processJob(context.Background(), id)

		md := h.store.metadata(id)
		assert.Equal(t, domain.JobStatusRetrying, md.Status)
		require.NotNil(t, md.NextRunAt)
		_, queued := h.queue.runAt(id)
		assert.False(t, queued)

		h.queue.err = nil
		h.now = md.NextRunAt.Add(h.worker.staleJobTimeout + time.Second)
		h.worker.recoverJobs(context.Background())

		runAt, queued := h.queue.runAt(id)
		require.True(t, queued)
		assert.Equal(t, h.now, runAt)
	})

	t.Run("store outage still queues the retry", func(t *testing.T) {
		h := newHarness(t, failing)
		id := h.store.add(validationEnvelope, nil)
		h.store.saveErr = errBoom

		h.worker.processJob(context.Background(), id)

		runAt, queued := h.queue.runAt(id)
		require.True(t, queued)
		assert.Equal(t, h.now.Add(30*time.Second), runAt)
		assert.Equal(t, uint64(1), h.mon.Stats().RetriedJobs)
	})
}

func TestProcessJob_Heartbeat(t *testing.T) {
	h := newHarness(t, func(context.Context, domain.Payload, domain.JobContext) (*domain.ExecutionResult, error) {
		time.Sleep(60 * time.Millisecond)
		return domain.Succeeded("done"), nil
	})
	h.worker.heartbeatInterval = 5 * time.Millisecond
	id := h.store.add(validationEnvelope, nil)

	h.worker.processJob(context.Background(), id)

	assert.Equal(t, domain.JobStatusCompleted, h.store.metadata(id).Status)
	h.store.mu.Lock()
	beats := h.store.beats
	h.store.mu.Unlock()
	assert.Positive(t, beats)
}

func TestProcessJob_NotificationDelivered(t *testing.T) {
	h := newHarness(t, succeed)
	notifier := &recordingNotifier{}
	require.NoError(t, h.registry.Register(handler.NewNotificationHandler(notifier, discardLogger())))
	id := h.store.addKind(domain.KindNotification, notificationEnvelope, nil)

	h.worker.processJob(context.Background(), id)

	md := h.store.metadata(id)
	assert.Equal(t, domain.JobStatusCompleted, md.Status)

	result := h.store.results[id]
	require.NotNil(t, result)
	assert.Equal(t, "Email sent successfully", result.Message)
	receipt, ok := result.Data.(handler.DeliveryReceipt)
	require.True(t, ok)
	assert.Equal(t, domain.ChannelEmail, receipt.Channel)
	assert.False(t, receipt.DeliveredAt.IsZero())

	require.Len(t, notifier.sent, 1)
	assert.Equal(t, id, notifier.sent[0].JobID)
	assert.Equal(t, uint64(1), h.mon.Stats().TotalJobs)
}
