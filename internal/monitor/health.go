package monitor

import "time"

// WorkerStatus is the lifecycle state of the worker process
type WorkerStatus string

const (
	WorkerStatusStarting WorkerStatus = "STARTING"
	WorkerStatusRunning  WorkerStatus = "RUNNING"
	WorkerStatusStopping WorkerStatus = "STOPPING"
	WorkerStatusStopped  WorkerStatus = "STOPPED"
	WorkerStatusError    WorkerStatus = "ERROR"
)

// WorkerHealth is derived from the job stats for the health endpoint
type WorkerHealth struct {
	Status            WorkerStatus `json:"status"`
	UptimeSeconds     uint64       `json:"uptime_seconds"`
	JobsProcessed     uint64       `json:"jobs_processed"`
	SuccessRate       float64      `json:"success_rate"`
	AverageDurationMs float64      `json:"average_duration_ms"`
	LastActivity      time.Time    `json:"last_activity"`
}

// SuccessRate returns successful jobs as a percentage of all jobs, 0 when none ran
func (s JobStats) SuccessRate() float64 {
	if s.TotalJobs == 0 {
		return 0
	}
	return float64(s.SuccessfulJobs) / float64(s.TotalJobs) * 100
}

// Health derives the worker health from a stats snapshot
func (m *Monitor) Health(status WorkerStatus, startedAt time.Time) WorkerHealth {
	stats := m.Stats()

	var uptime uint64
	if !startedAt.IsZero() {
		if d := m.now().Sub(startedAt); d > 0 {
			uptime = uint64(d / time.Second)
		}
	}

	return WorkerHealth{
		Status:            status,
		UptimeSeconds:     uptime,
		JobsProcessed:     stats.TotalJobs,
		SuccessRate:       stats.SuccessRate(),
		AverageDurationMs: stats.AverageDurationMs,
		LastActivity:      stats.LastUpdated,
	}
}
