package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/emr-jobs/internal/monitor"
	"github.com/cuongbtq/emr-jobs/internal/notify"
	"github.com/cuongbtq/emr-jobs/internal/worker/domain"
	"github.com/cuongbtq/emr-jobs/internal/worker/handler"
)

const validationEnvelope = `{
	"type": "DataValidation",
	"validation_type": "Schema",
	"rules": [{"name": "required_field", "description": "Name is required", "rule_type": "required", "expression": "name != null", "severity": "Warning"}],
	"auto_fix": false
}`

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore mirrors the SQL store's conditional writes: claims need the expected status
// and attempt count, later writes need the claimed RUNNING attempt.
type memStore struct {
	mu         sync.Mutex
	jobs       map[uuid.UUID]*domain.Job
	results    map[uuid.UUID]*domain.ExecutionResult
	updatedAt  map[uuid.UUID]time.Time
	heartbeats map[uuid.UUID]time.Time
	progress   []float64
	beats      int
	getErr     error
	saveErr    error
	// afterGet runs under the lock once GetJob has copied the row
	afterGet func(job *domain.Job)
	now      func() time.Time
}

func newMemStore() *memStore {
	return &memStore{
		jobs:       map[uuid.UUID]*domain.Job{},
		results:    map[uuid.UUID]*domain.ExecutionResult{},
		updatedAt:  map[uuid.UUID]time.Time{},
		heartbeats: map[uuid.UUID]time.Time{},
		now:        time.Now,
	}
}

func (s *memStore) add(envelope string, mutate func(md *domain.JobMetadata)) uuid.UUID {
	return s.addKind(domain.KindDataValidation, envelope, mutate)
}

func (s *memStore) addKind(kind domain.Kind, envelope string, mutate func(md *domain.JobMetadata)) uuid.UUID {
	md := domain.NewJobMetadata(kind.String())
	if mutate != nil {
		mutate(md)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[md.ID] = &domain.Job{Metadata: *md, Envelope: []byte(envelope)}
	s.updatedAt[md.ID] = s.now()
	if md.Status == domain.JobStatusRunning {
		s.heartbeats[md.ID] = s.now()
	}
	return md.ID
}

func (s *memStore) GetJob(_ context.Context, id uuid.UUID) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	job, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	cp := *job
	if s.afterGet != nil {
		s.afterGet(job)
	}
	return &cp, nil
}

func (s *memStore) ClaimJob(_ context.Context, md *domain.JobMetadata, from domain.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[md.ID]
	if !ok || job.Metadata.Status != from || job.Metadata.Attempts != md.Attempts-1 {
		return domain.ErrJobNotClaimable
	}
	job.Metadata = *md
	s.updatedAt[md.ID] = s.now()
	s.heartbeats[md.ID] = s.now()
	return nil
}

func (s *memStore) SaveMetadata(_ context.Context, md *domain.JobMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	job, ok := s.jobs[md.ID]
	if !ok || job.Metadata.Status != domain.JobStatusRunning || job.Metadata.Attempts != md.Attempts {
		return domain.ErrAttemptSuperseded
	}
	if md.Status == domain.JobStatusRunning && md.Progress > 0 {
		s.progress = append(s.progress, md.Progress)
	}
	job.Metadata = *md
	s.updatedAt[md.ID] = s.now()
	s.heartbeats[md.ID] = s.now()
	return nil
}

func (s *memStore) Heartbeat(_ context.Context, id uuid.UUID, attempt uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.Metadata.Status != domain.JobStatusRunning || job.Metadata.Attempts != attempt {
		return domain.ErrAttemptSuperseded
	}
	s.heartbeats[id] = s.now()
	s.beats++
	return nil
}

func (s *memStore) ReleaseStaleJobs(_ context.Context, staleBefore time.Time) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var retrying []uuid.UUID
	for id, job := range s.jobs {
		md := &job.Metadata
		if md.Status != domain.JobStatusRunning || !s.heartbeats[id].Before(staleBefore) {
			continue
		}
		msg := "worker stopped reporting while the job was running"
		md.LastError = &msg
		if md.Attempts < md.MaxAttempts {
			md.Status = domain.JobStatusRetrying
			md.NextRunAt = &now
			retrying = append(retrying, id)
		} else {
			md.Status = domain.JobStatusFailed
			md.CompletedAt = &now
		}
		s.updatedAt[id] = now
	}
	return retrying, nil
}

func (s *memStore) OrphanedJobs(_ context.Context, staleBefore time.Time, limit int) ([]domain.DueJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []domain.DueJob
	for id, job := range s.jobs {
		md := job.Metadata
		if md.Status != domain.JobStatusPending && md.Status != domain.JobStatusRetrying {
			continue
		}
		if !s.updatedAt[id].Before(staleBefore) || (md.NextRunAt != nil && !md.NextRunAt.Before(staleBefore)) {
			continue
		}
		due = append(due, domain.DueJob{ID: id, RunAt: md.NextRunAt})
		if len(due) == limit {
			break
		}
	}
	return due, nil
}

func (s *memStore) SaveResult(_ context.Context, id uuid.UUID, result *domain.ExecutionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[id] = result
	return nil
}

func (s *memStore) metadata(id uuid.UUID) domain.JobMetadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id].Metadata
}

type memQueue struct {
	mu    sync.Mutex
	items map[uuid.UUID]time.Time
	err   error
}

func newMemQueue() *memQueue {
	return &memQueue{items: map[uuid.UUID]time.Time{}}
}

func (q *memQueue) Enqueue(_ context.Context, id uuid.UUID, runAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.items[id] = runAt
	return nil
}

func (q *memQueue) EnsureQueued(_ context.Context, id uuid.UUID, runAt time.Time) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return false, q.err
	}
	if _, ok := q.items[id]; ok {
		return false, nil
	}
	q.items[id] = runAt
	return true, nil
}

func (q *memQueue) FetchDue(_ context.Context, limit int) ([]uuid.UUID, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	var due []uuid.UUID
	for id, at := range q.items {
		if !at.After(now) {
			due = append(due, id)
		}
	}
	sort.Slice(due, func(i, j int) bool { return q.items[due[i]].Before(q.items[due[j]]) })
	if len(due) > limit {
		due = due[:limit]
	}
	for _, id := range due {
		delete(q.items, id)
	}
	return due, nil
}

func (q *memQueue) runAt(id uuid.UUID) (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	at, ok := q.items[id]
	return at, ok
}

type stubHandler struct {
	fn func(ctx context.Context, payload domain.Payload, jctx domain.JobContext) (*domain.ExecutionResult, error)
}

func (h *stubHandler) Execute(ctx context.Context, payload domain.Payload, jctx domain.JobContext) (*domain.ExecutionResult, error) {
	return h.fn(ctx, payload, jctx)
}

func (h *stubHandler) Name() string      { return "stub" }
func (h *stubHandler) Kind() domain.Kind { return domain.KindDataValidation }

var errBoom = errors.New("boom")

const notificationEnvelope = `{
	"type": "Notification",
	"recipient_id": "0b9f0b3e-4d3c-4c0a-8f43-2a3f7a9c1d22",
	"notification_type": "Alert",
	"message": "Lab results are available",
	"channel": "Email",
	"priority": "High"
}`

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (n *recordingNotifier) Notify(_ context.Context, msg notify.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return nil
}

type harness struct {
	worker   *Worker
	registry *handler.Registry
	store    *memStore
	queue    *memQueue
	mon      *monitor.Monitor
	now      time.Time
}

func newHarness(t *testing.T, fn func(ctx context.Context, payload domain.Payload, jctx domain.JobContext) (*domain.ExecutionResult, error)) *harness {
	t.Helper()

	registry := handler.NewRegistry()
	require.NoError(t, registry.Register(&stubHandler{fn: fn}))

	h := &harness{
		registry: registry,
		store:    newMemStore(),
		queue:    newMemQueue(),
		mon:      monitor.New(),
		now:      time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC),
	}
	h.worker = NewWorker(&Config{
		Logger:       discardLogger(),
		Store:        h.store,
		Queue:        h.queue,
		Handlers:     registry,
		Monitor:      h.mon,
		MaxWorkers:   2,
		JobTimeout:   time.Second,
		RetryDelay:   30 * time.Second,
		PollInterval: 10 * time.Millisecond,
	})
	h.worker.now = func() time.Time { return h.now }
	h.store.now = func() time.Time { return h.now }
	return h
}

func succeed(_ context.Context, _ domain.Payload, _ domain.JobContext) (*domain.ExecutionResult, error) {
	return domain.Succeeded("done").WithMetric("rules_processed", 1), nil
}
