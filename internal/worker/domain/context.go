package domain

import (
	"maps"
	"time"

	"github.com/google/uuid"
)

// JobContext is the per-invocation execution bag handed to a handler.
// It is a value: WithMetadata returns an extended copy.
type JobContext struct {
	JobID     uuid.UUID
	StartedAt time.Time
	// Timeout is the configured job timeout; handlers are expected to honour it
	Timeout  time.Duration
	metadata map[string]string
	progress func(float64)
}

// NewJobContext creates a context for one execution of the job
func NewJobContext(jobID uuid.UUID) JobContext {
	return JobContext{
		JobID:     jobID,
		StartedAt: time.Now().UTC(),
		metadata:  map[string]string{},
	}
}

// WithMetadata returns a copy of the context with key set to value
func (c JobContext) WithMetadata(key, value string) JobContext {
	m := maps.Clone(c.metadata)
	if m == nil {
		m = make(map[string]string, 1)
	}
	m[key] = value
	c.metadata = m
	return c
}

// WithTimeout returns a copy of the context carrying the job timeout
func (c JobContext) WithTimeout(timeout time.Duration) JobContext {
	c.Timeout = timeout
	return c
}

// Metadata returns the value stored under key
func (c JobContext) Metadata(key string) (string, bool) {
	v, ok := c.metadata[key]
	return v, ok
}

// AllMetadata returns a copy of every metadata entry
func (c JobContext) AllMetadata() map[string]string {
	if c.metadata == nil {
		return map[string]string{}
	}
	return maps.Clone(c.metadata)
}

// WithProgress returns a copy of the context that forwards progress reports to fn
func (c JobContext) WithProgress(fn func(float64)) JobContext {
	c.progress = fn
	return c
}

// ReportProgress forwards a completion percentage, a no-op when nothing listens
func (c JobContext) ReportProgress(percent float64) {
	if c.progress != nil {
		c.progress(percent)
	}
}
