package model

import "time"

type BuildJobStatus string

const (
	BuildStatusPending    BuildJobStatus = "pending"
	BuildStatusRunning    BuildJobStatus = "running"
	BuildStatusValidating BuildJobStatus = "validating"
	BuildStatusCompleted  BuildJobStatus = "completed"
	BuildStatusFailed     BuildJobStatus = "failed"
	BuildStatusCancelled  BuildJobStatus = "cancelled"
)

// ActiveBuildStatuses is the set of statuses a build can still be moved out of.
// Every terminal write is conditioned on the row still being in this set, so
// the first terminal writer wins and later writers update zero rows.
var ActiveBuildStatuses = []BuildJobStatus{BuildStatusPending, BuildStatusRunning, BuildStatusValidating}

func (s BuildJobStatus) Active() bool {
	for _, a := range ActiveBuildStatuses {
		if s == a {
			return true
		}
	}
	return false
}

func (s BuildJobStatus) Terminal() bool { return !s.Active() }

type SubmitStatus string

const (
	SubmitStatusNone       SubmitStatus = ""
	SubmitStatusReviewing  SubmitStatus = "reviewing"
	SubmitStatusCommitting SubmitStatus = "committing"
	SubmitStatusCreatingPR SubmitStatus = "creating_pr"
	SubmitStatusSubmitted  SubmitStatus = "submitted"
	SubmitStatusFailed     SubmitStatus = "submit_failed"
)

// BuildJob is the aggregate root for one build run. Tickets belong to it and
// are the source of truth for the final completed/failed counters.
type BuildJob struct {
	ID               string
	ProjectID        string
	ChatSessionID    string
	Status           BuildJobStatus
	SubmitStatus     SubmitStatus
	CurrentTicket    string
	CheckpointCommit string
	CostUSD          float64
	CompletedTickets int
	FailedTickets    int
	LastError        string
	CreatedAt        time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
	UpdatedAt        time.Time
}

func NewBuildJob(id, projectID, sessionID, checkpointCommit string) *BuildJob {
	now := time.Now()
	return &BuildJob{
		ID:               id,
		ProjectID:        projectID,
		ChatSessionID:    sessionID,
		Status:           BuildStatusPending,
		CheckpointCommit: checkpointCommit,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

type TicketStatus string

const (
	TicketStatusTodo       TicketStatus = "todo"
	TicketStatusInProgress TicketStatus = "in_progress"
	TicketStatusDone       TicketStatus = "done"
	TicketStatusError      TicketStatus = "error"
	TicketStatusCancelled  TicketStatus = "cancelled"
)

// OpenTicketStatuses are the ticket states a cancellation may still claim.
var OpenTicketStatuses = []TicketStatus{TicketStatusTodo, TicketStatusInProgress}

// Ticket is one unit of implementation work inside a build. ExternalID matches
// the identifier used in the sandbox's tickets file.
type Ticket struct {
	ID         string
	BuildJobID string
	ExternalID string
	Title      string
	Status     TicketStatus
	CostUSD    float64
	LastError  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
