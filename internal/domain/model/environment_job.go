package model

import "time"

// EnvironmentJob records one environment analysis run. Several can run in
// parallel for the same project; each uses an isolated sandbox context.
type EnvironmentJob struct {
	ID            string
	ProjectID     string
	ChatSessionID string
	Status        JobStatus
	Result        string // analysis output blob (JSON from the sandbox)
	CostUSD       float64
	LastError     string
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	UpdatedAt     time.Time
}

func NewEnvironmentJob(id, projectID, sessionID string) *EnvironmentJob {
	now := time.Now()
	return &EnvironmentJob{
		ID:            id,
		ProjectID:     projectID,
		ChatSessionID: sessionID,
		Status:        JobStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}
