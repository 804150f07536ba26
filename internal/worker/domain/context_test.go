package domain

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestNewJobContext(t *testing.T) {
	jobID := uuid.New()
	jctx := NewJobContext(jobID)

	assert.Equal(t, jobID, jctx.JobID)
	assert.False(t, jctx.StartedAt.IsZero())
	assert.Empty(t, jctx.AllMetadata())
}

func TestJobContext_WithMetadata(t *testing.T) {
	base := NewJobContext(uuid.New())
	jctx := base.
		WithMetadata("key1", "value1").
		WithMetadata("key2", "value2")

	v, ok := jctx.Metadata("key1")
	assert.True(t, ok)
	assert.Equal(t, "value1", v)

	v, ok = jctx.Metadata("key2")
	assert.True(t, ok)
	assert.Equal(t, "value2", v)

	_, ok = jctx.Metadata("key3")
	assert.False(t, ok)

	// the receiver is not mutated
	_, ok = base.Metadata("key1")
	assert.False(t, ok)
}

func TestExecutionResult_WithMetric(t *testing.T) {
	r := SucceededWithData("done", map[string]any{"n": 1}).
		WithMetric("errors_count", 2).
		WithMetric("warnings_count", 1)

	assert.True(t, r.Success)
	assert.Equal(t, "done", r.Message)
	assert.Equal(t, 2.0, r.Metrics["errors_count"])
	assert.Equal(t, 1.0, r.Metrics["warnings_count"])

	f := Failed("nope")
	assert.False(t, f.Success)
	assert.Nil(t, f.Data)
	assert.NotNil(t, f.Metrics)
}
