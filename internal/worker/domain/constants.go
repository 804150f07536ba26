package domain

// JobStatus is the lifecycle status of a job instance
type JobStatus string

// Job status constants
const (
	JobStatusPending   JobStatus = "PENDING"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
	JobStatusCanceled  JobStatus = "CANCELED"
	JobStatusRetrying  JobStatus = "RETRYING"
)

// DefaultMaxAttempts is the attempt budget given to a job when none is configured
const DefaultMaxAttempts uint32 = 3

// Valid reports whether s is one of the known statuses
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusCompleted,
		JobStatusFailed, JobStatusCanceled, JobStatusRetrying:
		return true
	}
	return false
}

func (s JobStatus) String() string {
	return string(s)
}
