package models

import "time"

// Run outcomes persisted in job_runs.
const (
	RunSucceeded = "succeeded"
	RunPartial   = "partial"
	RunFailed    = "failed"
)

// Sync cursor outcomes. Partial means the pass completed but some records
// failed individually; failed means the pull itself did not complete.
const (
	SyncSuccess = "success"
	SyncPartial = "partial"
	SyncFailed  = "failed"
)

// JobRun is one execution attempt of a named job, recorded after the
// holder finishes (or fails). The run log doubles as the trigger source
// for interval schedules.
type JobRun struct {
	RunID      string         `json:"run_id"`
	JobName    string         `json:"job_name"`
	HolderID   string         `json:"holder_id"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Outcome    string         `json:"outcome"`
	Stats      map[string]int `json:"stats,omitempty"`
	Error      *string        `json:"error,omitempty"`
}

// SyncCursor tracks the last reconciliation attempt per tenant.
type SyncCursor struct {
	TenantID      string     `json:"tenant_id"`
	LastRunAt     time.Time  `json:"last_run_at"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
	Outcome       string     `json:"outcome"`
	Created       int        `json:"created"`
	Updated       int        `json:"updated"`
	Archived      int        `json:"archived"`
	Failed        int        `json:"failed"`
}
