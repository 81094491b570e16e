package model

// JobStatus is the shared lifecycle for the non-build job records
// (environment, deploy, maintenance runs).
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

var ActiveJobStatuses = []JobStatus{JobStatusPending, JobStatusRunning}

func (s JobStatus) Active() bool {
	return s == JobStatusPending || s == JobStatusRunning
}
