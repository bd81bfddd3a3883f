// Package jobs implements the GpuJob lifecycle: the Jobs API's
// submission contract, the repository's conditional-update state
// transitions, and the HTTP handler that wires both into chi.
package jobs

import (
	"encoding/json"
	"time"
)

// Status is a GpuJob's lifecycle state. The forward path is
// QUEUED -> DISPATCHED -> RUNNING -> {SUCCEEDED, FAILED}; only the
// Scheduler moves a job out of QUEUED, and the Executor drives
// DISPATCHED -> RUNNING -> terminal. The Scheduler's orphan recovery
// also moves a stale DISPATCHED job back to QUEUED (or to FAILED once
// its attempts are exhausted) and a stale RUNNING job to FAILED.
type Status string

const (
	StatusQueued     Status = "QUEUED"
	StatusDispatched Status = "DISPATCHED"
	StatusRunning    Status = "RUNNING"
	StatusSucceeded  Status = "SUCCEEDED"
	StatusFailed     Status = "FAILED"
)

func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Job mirrors the gpu_jobs row.
type Job struct {
	ID                string          `db:"id" json:"job_id"`
	TenantID          string          `db:"tenant_id" json:"tenant_id"`
	ProjectID         string          `db:"project_id" json:"project_id"`
	GPUPoolRequested  string          `db:"gpu_pool_requested" json:"gpu_pool_requested"`
	IsolationLevel    string          `db:"isolation_level" json:"isolation_level"`
	Priority          int             `db:"priority" json:"priority"`
	TargetURL         string          `db:"target_url" json:"target_url"`
	RequestJSON       json.RawMessage `db:"request_json" json:"request_json"`
	GPUPoolAssigned   *string         `db:"gpu_pool_assigned" json:"gpu_pool_assigned,omitempty"`
	DispatchToken     *string         `db:"dispatch_token" json:"-"`
	DispatchAttempts  int             `db:"dispatch_attempts" json:"dispatch_attempts"`
	DispatchedAt      *time.Time      `db:"dispatched_at" json:"dispatched_at,omitempty"`
	Status            Status          `db:"status" json:"status"`
	ResponseJSON      json.RawMessage `db:"response_json" json:"response_json,omitempty"`
	Error             *string         `db:"error" json:"error,omitempty"`
	StartedAt         *time.Time      `db:"started_at" json:"started_at,omitempty"`
	FinishedAt        *time.Time      `db:"finished_at" json:"finished_at,omitempty"`
	RequestedAt       time.Time       `db:"requested_at" json:"requested_at"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updated_at"`
}

// SubmitRequest is the POST /api/v1/gpu-jobs request body.
type SubmitRequest struct {
	GPUPoolRequested string          `json:"gpu_pool_requested" validate:"required"`
	IsolationLevel   string          `json:"isolation_level" validate:"required"`
	Priority         int             `json:"priority"`
	TargetURL        string          `json:"target_url" validate:"required"`
	RequestJSON      json.RawMessage `json:"request_json" validate:"required"`
}
