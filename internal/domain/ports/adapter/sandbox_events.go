package adapter

// Event types emitted by the sandbox, per operation. These form a closed set;
// anything else is logged and skipped by consumers.

// Build stream (/api/build).
const (
	EvBuildStarted    = "started"
	EvTicketStarted   = "ticket_started"
	EvTicketPhase     = "ticket_phase"
	EvTicketCompleted = "ticket_completed"
	EvLintStarted     = "lint_started"
	EvLintCompleted   = "lint_completed"
	EvStopped         = "stopped"
	EvDone            = "done"
)

// Submit stream (/api/submit).
const (
	EvReviewStarted = "review_started"
	EvCommitStarted = "commit_started"
	EvPRStarted     = "pr_started"
	EvPRCompleted   = "pr_completed"
	EvError         = "error"
)

// Environment stream (/api/vamos), deploy stream (/api/deploy) and
// maintenance stream (/api/maintenance) share the generic types below.
const (
	EvProgress        = "progress"
	EvServiceDeployed = "service_deployed"
	EvLog             = "log"
)

// TicketRef identifies one ticket in the sandbox's announced plan.
type TicketRef struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// BuildStartedPayload announces the ticket plan and the checkpoint commit the
// build starts from.
type BuildStartedPayload struct {
	Tickets []TicketRef `json:"tickets"`
	Commit  string      `json:"commit"`
}

// TicketPayload covers ticket_started, ticket_phase and ticket_completed.
// Phase is one of implementation_fix, lint_fix, review_fix, test_run,
// migration_run for ticket_phase frames.
type TicketPayload struct {
	TicketID string  `json:"ticket_id"`
	Phase    string  `json:"phase,omitempty"`
	Success  bool    `json:"success"`
	CostUSD  float64 `json:"cost_usd"`
	Error    string  `json:"error,omitempty"`
}

// DonePayload terminates a stream with the sandbox's authoritative verdict.
type DonePayload struct {
	Success      bool    `json:"success"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	Result       string  `json:"result,omitempty"`
	Log          string  `json:"log,omitempty"`
	Error        string  `json:"error,omitempty"`
}

// CostPayload carries the cost of a non-ticket sub-phase (lint pass etc).
type CostPayload struct {
	CostUSD float64 `json:"cost_usd"`
}

// PRPayload carries the created pull request.
type PRPayload struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
}

// ServicePayload announces one deployed service URL.
type ServicePayload struct {
	URL string `json:"url"`
}

// MessagePayload carries free-form progress/log/error text.
type MessagePayload struct {
	Message string `json:"message"`
}
