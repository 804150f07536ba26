package monitor

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitor_Record(t *testing.T) {
	m := New()
	m.Record(100, true)
	m.Record(200, false)
	m.Record(150, true)

	stats := m.Stats()
	assert.Equal(t, uint64(3), stats.TotalJobs)
	assert.Equal(t, uint64(2), stats.SuccessfulJobs)
	assert.Equal(t, uint64(1), stats.FailedJobs)
	assert.InDelta(t, 150.0, stats.AverageDurationMs, 1e-9)
	assert.False(t, stats.LastUpdated.IsZero())
}

func TestMonitor_NewIsZero(t *testing.T) {
	stats := New().Stats()
	assert.Zero(t, stats.TotalJobs)
	assert.Zero(t, stats.SuccessfulJobs)
	assert.Zero(t, stats.FailedJobs)
	assert.Zero(t, stats.RetriedJobs)
	assert.Zero(t, stats.AverageDurationMs)
}

func TestMonitor_RetryAndReset(t *testing.T) {
	m := New()
	m.Record(10, false)
	m.RecordRetry()
	assert.Equal(t, uint64(1), m.Stats().RetriedJobs)

	m.Reset()
	stats := m.Stats()
	assert.Zero(t, stats.TotalJobs)
	assert.Zero(t, stats.RetriedJobs)
	assert.Zero(t, stats.AverageDurationMs)
}

func TestMonitor_ConcurrentRecord(t *testing.T) {
	m := New()

	const workers, perWorker = 8, 250
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				m.Record(100, w%2 == 0)
				_ = m.Stats()
			}
		}(w)
	}
	wg.Wait()

	stats := m.Stats()
	assert.Equal(t, uint64(workers*perWorker), stats.TotalJobs)
	assert.Equal(t, stats.TotalJobs, stats.SuccessfulJobs+stats.FailedJobs)
	assert.InDelta(t, 100.0, stats.AverageDurationMs, 1e-9)
}

func TestMonitor_Health(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	m := New()
	m.now = func() time.Time { return now }

	health := m.Health(WorkerStatusRunning, now.Add(-90*time.Second))
	assert.Equal(t, WorkerStatusRunning, health.Status)
	assert.Equal(t, uint64(90), health.UptimeSeconds)
	assert.Zero(t, health.JobsProcessed)
	assert.Zero(t, health.SuccessRate)

	m.Record(100, true)
	m.Record(300, false)
	m.Record(200, true)
	m.Record(400, true)

	health = m.Health(WorkerStatusRunning, now)
	assert.Equal(t, uint64(4), health.JobsProcessed)
	assert.InDelta(t, 75.0, health.SuccessRate, 1e-9)
	assert.InDelta(t, 250.0, health.AverageDurationMs, 1e-9)
	assert.Equal(t, now, health.LastActivity)
	assert.Zero(t, health.UptimeSeconds)
}

func TestCollector(t *testing.T) {
	m := New()
	m.Record(100, true)
	m.Record(300, false)
	m.RecordRetry()

	c := NewCollector(m, "emr")
	assert.Equal(t, 5, testutil.CollectAndCount(c))

	expected := `
# HELP emr_jobs_processed_total Job attempts processed, by outcome.
# TYPE emr_jobs_processed_total counter
emr_jobs_processed_total{outcome="failure"} 1
emr_jobs_processed_total{outcome="success"} 1
# HELP emr_jobs_retried_total Job redeliveries scheduled after a retryable failure.
# TYPE emr_jobs_retried_total counter
emr_jobs_retried_total 1
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected),
		"emr_jobs_processed_total", "emr_jobs_retried_total"))
}
