// Package handler holds the per-kind job handlers and the registry the worker resolves them from.
package handler

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cuongbtq/emr-jobs/internal/fhir"
	"github.com/cuongbtq/emr-jobs/internal/worker/domain"
)

var (
	ErrNilHandler       = errors.New("handler is nil")
	ErrUnknownKind      = errors.New("unknown job kind")
	ErrDuplicateHandler = errors.New("handler already registered")
)

// Handler executes one kind of job
type Handler interface {
	Execute(ctx context.Context, payload domain.Payload, jctx domain.JobContext) (*domain.ExecutionResult, error)
	Name() string
	Kind() domain.Kind
}

// FHIRClient is the subset of the FHIR REST API handlers use
type FHIRClient interface {
	Read(ctx context.Context, resourceType, id string) (fhir.Resource, error)
	Search(ctx context.Context, resourceType string, params url.Values) ([]fhir.Resource, error)
	Create(ctx context.Context, resourceType string, resource fhir.Resource) (fhir.Resource, error)
	Update(ctx context.Context, resourceType, id string, resource fhir.Resource) (fhir.Resource, error)
}

// FHIRClientFactory returns a client for the server at baseURL
type FHIRClientFactory func(baseURL string) (FHIRClient, error)

// JobStatsStore aggregates stored jobs
type JobStatsStore interface {
	CountByTypeAndStatus(ctx context.Context, from, to time.Time) ([]domain.JobCount, error)
}

// JobPurger removes terminal jobs
type JobPurger interface {
	PurgeTerminalJobs(ctx context.Context, olderThan time.Time, preserveTypes []string, dryRun bool) (int64, error)
}

// Registry maps job kinds to handlers
type Registry struct {
	mu       sync.RWMutex
	handlers map[domain.Kind]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[domain.Kind]Handler)}
}

// Register adds h under its kind
func (r *Registry) Register(h Handler) error {
	if h == nil {
		return ErrNilHandler
	}

	kind := h.Kind()
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.handlers[kind]; ok {
		return fmt.Errorf("%w: %s is handled by %s", ErrDuplicateHandler, kind, existing.Name())
	}
	r.handlers[kind] = h
	return nil
}

// Resolve returns the handler for kind
func (r *Registry) Resolve(kind domain.Kind) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[kind]
	if !ok {
		return nil, domain.NewProcessingError(fmt.Sprintf("no handler registered for job type %s", kind))
	}
	return h, nil
}

// Missing lists the taxonomy kinds that have no handler
func (r *Registry) Missing() []domain.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var missing []domain.Kind
	for _, kind := range domain.Kinds() {
		if _, ok := r.handlers[kind]; !ok {
			missing = append(missing, kind)
		}
	}
	return missing
}

// payloadAs narrows payload to the record a handler expects
func payloadAs[T domain.Payload](payload domain.Payload, handlerName string) (T, error) {
	p, ok := payload.(T)
	if !ok {
		var zero T
		got := "nil"
		if payload != nil {
			got = payload.Kind().String()
		}
		return zero, domain.NewProcessingError(fmt.Sprintf("%s handler cannot execute %s job", handlerName, got))
	}
	return p, nil
}
