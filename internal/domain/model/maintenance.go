package model

import "time"

type MaintenanceJobType string

const (
	MaintenanceSyncRules     MaintenanceJobType = "sync_rules"
	MaintenanceCodeAnalysis  MaintenanceJobType = "code_analysis"
	MaintenanceSecurityCheck MaintenanceJobType = "security_check"
)

// StepDays returns the day-of-month stride for a maintenance type. All
// schedules fire at 02:00 UTC on days where (day-1) % step == 0.
func (t MaintenanceJobType) StepDays() int {
	switch t {
	case MaintenanceSyncRules:
		return 7
	case MaintenanceCodeAnalysis:
		return 14
	case MaintenanceSecurityCheck:
		return 3
	default:
		return 7
	}
}

// MaintenanceJob is the per-project recurring maintenance configuration.
// Its ID doubles as the stable scheduler key.
type MaintenanceJob struct {
	ID        string
	ProjectID string
	Type      MaintenanceJobType
	Enabled   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// MaintenanceJobRun is one execution of a MaintenanceJob. Created as pending
// at enqueue time, then mutated through running/completed/failed.
type MaintenanceJobRun struct {
	ID               string
	MaintenanceJobID string
	Status           JobStatus
	Log              string
	LastError        string
	CreatedAt        time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
	UpdatedAt        time.Time
}

func NewMaintenanceJobRun(id, maintenanceJobID string) *MaintenanceJobRun {
	now := time.Now()
	return &MaintenanceJobRun{
		ID:               id,
		MaintenanceJobID: maintenanceJobID,
		Status:           JobStatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}
