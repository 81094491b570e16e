package model

// Queue job payloads. These are the flat JSON contracts persisted into the
// broker at enqueue time; every payload carries the owning job record id plus
// the selectors (project, session) the cancel orchestrator filters on.

type BuildJobPayload struct {
	BuildJobID    string `json:"buildJobId"`
	ProjectID     string `json:"projectId"`
	ChatSessionID string `json:"chatSessionId"`
	TicketsPath   string `json:"ticketsPath"`
	GithubToken   string `json:"githubToken,omitempty"`
	DatabaseURL   string `json:"databaseUrl,omitempty"`
	BaseBranch    string `json:"baseBranch"`
	TestURL       string `json:"testUrl,omitempty"`
	OrgID         string `json:"orgId,omitempty"`
}

type SubmitJobPayload struct {
	BuildJobID    string `json:"buildJobId"`
	ProjectID     string `json:"projectId"`
	ChatSessionID string `json:"chatSessionId"`
	GithubToken   string `json:"githubToken,omitempty"`
	BaseBranch    string `json:"baseBranch"`
	PRTitle       string `json:"prTitle,omitempty"`
}

type EnvironmentJobPayload struct {
	EnvironmentJobID string `json:"environmentJobId"`
	ProjectID        string `json:"projectId"`
	ChatSessionID    string `json:"chatSessionId"`
	DatabaseURL      string `json:"databaseUrl,omitempty"`
}

type DeployJobPayload struct {
	DeployJobID   string `json:"deployJobId"`
	ProjectID     string `json:"projectId"`
	ChatSessionID string `json:"chatSessionId"`
	GithubToken   string `json:"githubToken,omitempty"`
	OrgID         string `json:"orgId,omitempty"`
}

type MaintenanceJobPayload struct {
	MaintenanceJobID string `json:"maintenanceJobId"`
	RunID            string `json:"runId"`
	ProjectID        string `json:"projectId"`
	JobType          string `json:"jobType"`
}

type PreviewCleanupPayload struct {
	MaxAgeHours int `json:"maxAgeHours"`
}

// Queue job results. Cancellation is a normal outcome, never an error:
// Cancelled=true with Success=false marks a cooperatively stopped run.

type BuildResult struct {
	Success          bool    `json:"success"`
	Cancelled        bool    `json:"cancelled,omitempty"`
	CompletedTickets int     `json:"completedTickets"`
	FailedTickets    int     `json:"failedTickets"`
	CostUSD          float64 `json:"costUsd"`
	Error            string  `json:"error,omitempty"`
}

type SubmitResult struct {
	Success  bool   `json:"success"`
	PRNumber int    `json:"prNumber,omitempty"`
	PRURL    string `json:"prUrl,omitempty"`
	Error    string `json:"error,omitempty"`
}

type EnvironmentResult struct {
	Success bool    `json:"success"`
	CostUSD float64 `json:"costUsd"`
	Error   string  `json:"error,omitempty"`
}

type DeployResult struct {
	Success     bool     `json:"success"`
	ServiceURLs []string `json:"serviceUrls,omitempty"`
	CostUSD     float64  `json:"costUsd"`
	Error       string   `json:"error,omitempty"`
}

type MaintenanceResult struct {
	Success bool   `json:"success"`
	RunID   string `json:"runId"`
	Error   string `json:"error,omitempty"`
}

type CleanupResult struct {
	Removed int `json:"removed"`
}
