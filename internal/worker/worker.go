package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	"github.com/cuongbtq/emr-jobs/internal/monitor"
	"github.com/cuongbtq/emr-jobs/internal/worker/domain"
	"github.com/cuongbtq/emr-jobs/internal/worker/handler"
)

// ErrIntakeClosed is returned by Start when the message intake stops delivering
var ErrIntakeClosed = errors.New("job intake delivery channel closed")

// Queue holds job ids ordered by the time they become due
type Queue interface {
	Enqueue(ctx context.Context, id uuid.UUID, runAt time.Time) error
	EnsureQueued(ctx context.Context, id uuid.UUID, runAt time.Time) (bool, error)
	FetchDue(ctx context.Context, limit int) ([]uuid.UUID, error)
}

// Store is the authoritative job store
type Store interface {
	GetJob(ctx context.Context, id uuid.UUID) (*domain.Job, error)
	ClaimJob(ctx context.Context, md *domain.JobMetadata, from domain.JobStatus) error
	SaveMetadata(ctx context.Context, md *domain.JobMetadata) error
	SaveResult(ctx context.Context, id uuid.UUID, result *domain.ExecutionResult) error
	Heartbeat(ctx context.Context, id uuid.UUID, attempt uint32) error
	ReleaseStaleJobs(ctx context.Context, staleBefore time.Time) ([]uuid.UUID, error)
	OrphanedJobs(ctx context.Context, staleBefore time.Time, limit int) ([]domain.DueJob, error)
}

// Handlers resolves the handler for a job kind
type Handlers interface {
	Resolve(kind domain.Kind) (handler.Handler, error)
}

// Intake delivers newly accepted job messages
type Intake interface {
	Consume(consumerTag string, prefetch int) (<-chan amqp.Delivery, error)
}

// Config holds worker configuration
type Config struct {
	Logger       *slog.Logger
	Store        Store
	Queue        Queue
	Handlers     Handlers
	Monitor      *monitor.Monitor
	Intake       Intake
	ConsumerTag  string
	Prefetch     int
	MaxWorkers   int
	BatchSize    int
	JobTimeout   time.Duration
	RetryDelay   time.Duration
	PollInterval time.Duration
	StoreTimeout time.Duration

	HeartbeatInterval time.Duration
	StaleJobTimeout   time.Duration
	RecoveryInterval  time.Duration
	RecoveryBatch     int
}

// Worker polls the due queue and runs jobs on a bounded pool
type Worker struct {
	logger       *slog.Logger
	store        Store
	queue        Queue
	handlers     Handlers
	monitor      *monitor.Monitor
	intake       Intake
	consumerTag  string
	prefetch     int
	maxWorkers   int
	batchSize    int
	jobTimeout   time.Duration
	retryDelay   time.Duration
	pollInterval time.Duration
	storeTimeout time.Duration

	heartbeatInterval time.Duration
	staleJobTimeout   time.Duration
	recoveryInterval  time.Duration
	recoveryBatch     int

	pool     errgroup.Group
	inflight atomic.Int64

	mu        sync.RWMutex
	status    monitor.WorkerStatus
	startedAt time.Time

	started  atomic.Bool
	loopDone chan struct{}
	stopOnce sync.Once
	stopChan chan struct{}
	now      func() time.Time
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	w := &Worker{
		logger:       cfg.Logger,
		store:        cfg.Store,
		queue:        cfg.Queue,
		handlers:     cfg.Handlers,
		monitor:      cfg.Monitor,
		intake:       cfg.Intake,
		consumerTag:  cfg.ConsumerTag,
		prefetch:     cfg.Prefetch,
		maxWorkers:   cfg.MaxWorkers,
		batchSize:    cfg.BatchSize,
		jobTimeout:   cfg.JobTimeout,
		retryDelay:   cfg.RetryDelay,
		pollInterval: cfg.PollInterval,
		storeTimeout: cfg.StoreTimeout,

		heartbeatInterval: cfg.HeartbeatInterval,
		staleJobTimeout:   cfg.StaleJobTimeout,
		recoveryInterval:  cfg.RecoveryInterval,
		recoveryBatch:     cfg.RecoveryBatch,

		status:       monitor.WorkerStatusStopped,
		loopDone:     make(chan struct{}),
		stopChan:     make(chan struct{}),
		now:          time.Now,
	}

	if w.logger == nil {
		w.logger = slog.Default()
	}
	if w.monitor == nil {
		w.monitor = monitor.New()
	}
	if w.maxWorkers <= 0 {
		w.maxWorkers = 4
	}
	if w.batchSize <= 0 || w.batchSize > w.maxWorkers {
		w.batchSize = w.maxWorkers
	}
	if w.jobTimeout <= 0 {
		w.jobTimeout = 300 * time.Second
	}
	if w.pollInterval <= 0 {
		w.pollInterval = 5 * time.Second
	}
	if w.storeTimeout <= 0 {
		w.storeTimeout = 10 * time.Second
	}
	if w.heartbeatInterval <= 0 {
		w.heartbeatInterval = 30 * time.Second
	}
	if w.staleJobTimeout <= 0 {
		w.staleJobTimeout = 10 * w.heartbeatInterval
	}
	if w.recoveryInterval <= 0 {
		w.recoveryInterval = time.Minute
	}
	if w.recoveryBatch <= 0 {
		w.recoveryBatch = 100
	}
	if w.consumerTag == "" {
		w.consumerTag = "emr-worker-" + uuid.NewString()[:8]
	}

	w.pool.SetLimit(w.maxWorkers)
	return w
}

func (w *Worker) setStatus(status monitor.WorkerStatus) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
}

// Status returns the current lifecycle status
func (w *Worker) Status() monitor.WorkerStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status
}

// Health reports the worker status together with the running statistics
func (w *Worker) Health() monitor.WorkerHealth {
	w.mu.RLock()
	status, startedAt := w.status, w.startedAt
	w.mu.RUnlock()
	return w.monitor.Health(status, startedAt)
}

// Stats returns a snapshot of the job statistics
func (w *Worker) Stats() monitor.JobStats {
	return w.monitor.Stats()
}

// ResetStats zeroes the job statistics
func (w *Worker) ResetStats() {
	w.monitor.Reset()
}

// Start runs the intake consumer and the poll loop until ctx is canceled or Stop is called.
// In-flight jobs are not awaited; call Stop for that.
func (w *Worker) Start(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return errors.New("worker already started")
	}
	defer close(w.loopDone)

	w.mu.Lock()
	w.status = monitor.WorkerStatusStarting
	w.startedAt = w.now().UTC()
	w.mu.Unlock()

	w.logger.Info("Starting worker",
		slog.Int("max_workers", w.maxWorkers),
		slog.Int("batch_size", w.batchSize),
		slog.Duration("job_timeout", w.jobTimeout),
		slog.Duration("poll_interval", w.pollInterval),
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.stopChan:
			cancel()
		case <-runCtx.Done():
		}
	}()

	g, gctx := errgroup.WithContext(runCtx)

	if w.intake != nil {
		deliveries, err := w.setupConsumer()
		if err != nil {
			w.setStatus(monitor.WorkerStatusError)
			return err
		}
		g.Go(func() error {
			return w.startMessageDispatcher(gctx, deliveries)
		})
	}

	w.setStatus(monitor.WorkerStatusRunning)
	g.Go(func() error {
		w.pollLoop(gctx)
		return nil
	})
	g.Go(func() error {
		w.recoveryLoop(gctx)
		return nil
	})
	w.logger.Info("Worker running")

	if err := g.Wait(); err != nil {
		w.setStatus(monitor.WorkerStatusError)
		return fmt.Errorf("worker stopped: %w", err)
	}

	w.logger.Info("Worker context canceled, stopping...")
	return nil
}

// Stop stops polling and waits for in-flight jobs to finish
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...",
		slog.Int64("in_flight", w.inflight.Load()),
	)

	if w.Status() != monitor.WorkerStatusError {
		w.setStatus(monitor.WorkerStatusStopping)
	}
	w.stopOnce.Do(func() { close(w.stopChan) })
	if w.started.Load() {
		<-w.loopDone
	}
	_ = w.pool.Wait()

	if w.Status() != monitor.WorkerStatusError {
		w.setStatus(monitor.WorkerStatusStopped)
	}
	w.logger.Info("Worker stopped")
}

func (w *Worker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	// jobs keep running through shutdown; Stop waits for them
	jobCtx := context.WithoutCancel(ctx)

	for {
		w.poll(ctx, jobCtx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), w.storeTimeout)
}
