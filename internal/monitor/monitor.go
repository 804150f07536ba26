// Package monitor keeps process-wide job statistics for the worker.
package monitor

import (
	"sync"
	"time"
)

// JobStats is a snapshot of the monitor counters
type JobStats struct {
	TotalJobs         uint64    `json:"total_jobs"`
	SuccessfulJobs    uint64    `json:"successful_jobs"`
	FailedJobs        uint64    `json:"failed_jobs"`
	RetriedJobs       uint64    `json:"retried_jobs"`
	AverageDurationMs float64   `json:"average_duration_ms"`
	LastUpdated       time.Time `json:"last_updated"`
}

// Monitor aggregates job outcomes. It is safe for concurrent use.
type Monitor struct {
	mu    sync.RWMutex
	stats JobStats
	now   func() time.Time
}

func New() *Monitor {
	m := &Monitor{now: func() time.Time { return time.Now().UTC() }}
	m.stats.LastUpdated = m.now()
	return m
}

// Record counts one finished attempt and folds its duration into the running mean
func (m *Monitor) Record(durationMs uint64, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats.TotalJobs++
	if success {
		m.stats.SuccessfulJobs++
	} else {
		m.stats.FailedJobs++
	}

	n := float64(m.stats.TotalJobs)
	m.stats.AverageDurationMs = (m.stats.AverageDurationMs*(n-1) + float64(durationMs)) / n
	m.stats.LastUpdated = m.now()
}

// RecordRetry counts a scheduled redelivery
func (m *Monitor) RecordRetry() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats.RetriedJobs++
	m.stats.LastUpdated = m.now()
}

// Stats returns a consistent copy of the counters
func (m *Monitor) Stats() JobStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

// Reset zeroes every counter
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats = JobStats{LastUpdated: m.now()}
}
