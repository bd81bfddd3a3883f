// Package deploy implements endpoint intents: the Deployments API's
// CREATING/READY/FAILED/DELETING state machine and the worker that
// reconciles an intent into a running Kubernetes Deployment+Service
// pair (or, in simulate mode, a synthetic URL).
package deploy

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusCreating Status = "CREATING"
	StatusReady    Status = "READY"
	StatusFailed   Status = "FAILED"
	StatusDeleting Status = "DELETING"
)

// Traffic mirrors the traffic JSONB column: the canary split and the
// deployment mode it requires.
type Traffic struct {
	CanaryTrafficPercent int    `json:"canaryTrafficPercent"`
	DeploymentMode       string `json:"deploymentMode"` // "serverless" or "standard"
}

// RuntimeConfig mirrors the runtime_config JSONB column.
type RuntimeConfig struct {
	ModelFormat     string `json:"modelFormat"`
	ProtocolVersion string `json:"protocolVersion"`
	ArtifactURI     string `json:"artifactUri"`
}

// Autoscaling mirrors the autoscaling JSONB column.
type Autoscaling struct {
	MinReplicas int `json:"minReplicas"`
	MaxReplicas int `json:"maxReplicas"`
}

// Endpoint mirrors the endpoints row.
type Endpoint struct {
	ID             string          `db:"id" json:"endpoint_id"`
	TenantID       string          `db:"tenant_id" json:"tenant_id"`
	ProjectID      string          `db:"project_id" json:"project_id"`
	Name           string          `db:"name" json:"name"`
	Status         Status          `db:"status" json:"status"`
	URL            *string         `db:"url" json:"url,omitempty"`
	Runtime        string          `db:"runtime" json:"runtime"`
	ModelVersionID string          `db:"model_version_id" json:"model_version_id"`
	TrafficJSON    json.RawMessage `db:"traffic" json:"traffic"`
	AutoscalingJSON json.RawMessage `db:"autoscaling" json:"autoscaling"`
	RuntimeConfigJSON json.RawMessage `db:"runtime_config" json:"runtime_config"`
	Error          *string         `db:"error" json:"error,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}

func (e *Endpoint) Traffic() (Traffic, error) {
	var t Traffic
	if len(e.TrafficJSON) == 0 {
		return t, nil
	}
	err := json.Unmarshal(e.TrafficJSON, &t)
	return t, err
}

func (e *Endpoint) RuntimeConfig() (RuntimeConfig, error) {
	var rc RuntimeConfig
	if len(e.RuntimeConfigJSON) == 0 {
		return rc, nil
	}
	err := json.Unmarshal(e.RuntimeConfigJSON, &rc)
	return rc, err
}

func (e *Endpoint) Autoscaling() (Autoscaling, error) {
	var a Autoscaling
	if len(e.AutoscalingJSON) == 0 {
		return a, nil
	}
	err := json.Unmarshal(e.AutoscalingJSON, &a)
	return a, err
}

// CreateRequest is the POST /api/v1/deployments request body.
type CreateRequest struct {
	Name           string          `json:"name" validate:"required"`
	Runtime        string          `json:"runtime" validate:"required"`
	ModelVersionID string          `json:"model_version_id" validate:"required"`
	Traffic        json.RawMessage `json:"traffic"`
	Autoscaling    json.RawMessage `json:"autoscaling"`
	RuntimeConfig  json.RawMessage `json:"runtime_config"`
}
