// Package events defines the JSON envelopes carried on every event bus
// subject. Every envelope carries tenant_id, project_id, the relevant
// job/endpoint id, and a monotonic publisher timestamp, as required of
// every subject regardless of payload shape.
package events

import "time"

// Enqueued is published by the Jobs API on successful submission. It is
// informational: the scheduler polls the store directly, so loss of
// this event never breaks correctness.
type Enqueued struct {
	TenantID    string    `json:"tenant_id"`
	ProjectID   string    `json:"project_id"`
	JobID       string    `json:"job_id"`
	PublishedAt time.Time `json:"published_at"`
}

// Dispatched is published by the Scheduler on a winning conditional
// dispatch update, on subject dispatched.<pool>.<isolation> (or
// dispatched.mig for the MIG pool).
type Dispatched struct {
	TenantID      string    `json:"tenant_id"`
	ProjectID     string    `json:"project_id"`
	JobID         string    `json:"job_id"`
	DispatchToken string    `json:"dispatch_token"`
	PublishedAt   time.Time `json:"published_at"`
}

// DeployRequested is published by the Deployments API on create/update
// of an endpoint intent whose serving fields changed.
type DeployRequested struct {
	TenantID    string    `json:"tenant_id"`
	ProjectID   string    `json:"project_id"`
	EndpointID  string    `json:"endpoint_id"`
	PublishedAt time.Time `json:"published_at"`
}

// DeleteRequested is published by the Deployments API on soft-delete of
// an endpoint intent.
type DeleteRequested struct {
	TenantID    string    `json:"tenant_id"`
	ProjectID   string    `json:"project_id"`
	EndpointID  string    `json:"endpoint_id"`
	PublishedAt time.Time `json:"published_at"`
}

// UsageRecorded is published by the Executor after it appends a usage
// ledger row. It is optional — nothing downstream currently subscribes
// to it in this repository, but the subject is part of the contract.
type UsageRecorded struct {
	TenantID    string    `json:"tenant_id"`
	ProjectID   string    `json:"project_id"`
	JobID       string    `json:"job_id"`
	Meter       string    `json:"meter"`
	Quantity    float64   `json:"quantity"`
	PublishedAt time.Time `json:"published_at"`
}
