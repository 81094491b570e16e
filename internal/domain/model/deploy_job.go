package model

import "time"

// DeployJob records one deployment run and the service URLs it produced.
type DeployJob struct {
	ID            string
	ProjectID     string
	ChatSessionID string
	Status        JobStatus
	ServiceURLs   []string
	CostUSD       float64
	LastError     string
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	UpdatedAt     time.Time
}

func NewDeployJob(id, projectID, sessionID string) *DeployJob {
	now := time.Now()
	return &DeployJob{
		ID:            id,
		ProjectID:     projectID,
		ChatSessionID: sessionID,
		Status:        JobStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}
