package deploy

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/nimbusforge/gpucp/internal/errors"
	"github.com/nimbusforge/gpucp/internal/eventbus"
	"github.com/nimbusforge/gpucp/internal/httpmw"
	"github.com/nimbusforge/gpucp/internal/validation"
	"github.com/nimbusforge/gpucp/pkg/events"
)

// PatchRequest is the PATCH /api/v1/deployments/{id} request body. Any
// field left nil/empty is left unchanged.
type PatchRequest struct {
	Traffic       json.RawMessage `json:"traffic,omitempty"`
	Autoscaling   json.RawMessage `json:"autoscaling,omitempty"`
	RuntimeConfig json.RawMessage `json:"runtime_config,omitempty"`
}

type Service struct {
	repo *Repository
	bus  eventbus.Bus
	log  *zap.Logger
}

func NewService(repo *Repository, bus eventbus.Bus, log *zap.Logger) *Service {
	return &Service{repo: repo, bus: bus, log: log}
}

// Create inserts a new endpoint intent in CREATING and publishes
// deploy_requested.
func (s *Service) Create(ctx context.Context, tenant httpmw.Tenancy, req CreateRequest) (*Endpoint, error) {
	if err := validation.ValidateStringInput("name", req.Name, 128); err != nil {
		return nil, apperrors.NewValidationError(err.Error())
	}
	if err := validateServingSpec(req.Traffic, req.RuntimeConfig); err != nil {
		return nil, err
	}

	ep := &Endpoint{
		TenantID:          tenant.TenantID,
		ProjectID:         tenant.ProjectID,
		Name:              req.Name,
		Status:            StatusCreating,
		Runtime:           req.Runtime,
		ModelVersionID:    req.ModelVersionID,
		TrafficJSON:       defaultJSON(req.Traffic),
		AutoscalingJSON:   defaultJSON(req.Autoscaling),
		RuntimeConfigJSON: defaultJSON(req.RuntimeConfig),
	}
	if err := s.repo.Insert(ctx, ep); err != nil {
		return nil, err
	}
	s.publishDeployRequested(ctx, ep)
	return ep, nil
}

// Patch updates serving fields and re-requests reconciliation whenever
// any of them changed.
func (s *Service) Patch(ctx context.Context, tenant httpmw.Tenancy, id string, req PatchRequest) (*Endpoint, error) {
	ep, err := s.get(ctx, tenant, id)
	if err != nil {
		return nil, err
	}

	if err := validateServingSpec(req.Traffic, req.RuntimeConfig); err != nil {
		return nil, err
	}

	changed := false
	if len(req.Traffic) > 0 {
		ep.TrafficJSON = req.Traffic
		changed = true
	}
	if len(req.Autoscaling) > 0 {
		ep.AutoscalingJSON = req.Autoscaling
		changed = true
	}
	if len(req.RuntimeConfig) > 0 {
		ep.RuntimeConfigJSON = req.RuntimeConfig
		changed = true
	}
	if !changed {
		return ep, nil
	}

	if err := s.repo.UpdateServingSpec(ctx, ep); err != nil {
		return nil, err
	}
	if err := s.repo.MarkCreating(ctx, ep.ID); err != nil {
		return nil, err
	}
	ep.Status = StatusCreating
	s.publishDeployRequested(ctx, ep)
	return ep, nil
}

// Delete publishes delete_requested for an endpoint intent; the Deploy
// Worker that consumes it marks the endpoint DELETING and soft-deletes
// the row.
func (s *Service) Delete(ctx context.Context, tenant httpmw.Tenancy, id string) error {
	ep, err := s.get(ctx, tenant, id)
	if err != nil {
		return err
	}
	evt := events.DeleteRequested{
		TenantID:    ep.TenantID,
		ProjectID:   ep.ProjectID,
		EndpointID:  ep.ID,
		PublishedAt: time.Now(),
	}
	payload, _ := json.Marshal(evt)
	if err := s.bus.Publish(ctx, eventbus.SubjectDeleteRequested, payload); err != nil {
		s.log.Warn("failed to publish delete_requested", zap.Error(err), zap.String("endpoint_id", ep.ID))
	}
	return nil
}

func (s *Service) Get(ctx context.Context, tenant httpmw.Tenancy, id string) (*Endpoint, error) {
	return s.get(ctx, tenant, id)
}

func (s *Service) get(ctx context.Context, tenant httpmw.Tenancy, id string) (*Endpoint, error) {
	ep, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ep.TenantID != tenant.TenantID {
		return nil, apperrors.NewNotFoundError("endpoint")
	}
	return ep, nil
}

func (s *Service) publishDeployRequested(ctx context.Context, ep *Endpoint) {
	evt := events.DeployRequested{
		TenantID:    ep.TenantID,
		ProjectID:   ep.ProjectID,
		EndpointID:  ep.ID,
		PublishedAt: time.Now(),
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		s.log.Error("failed to marshal deploy_requested", zap.Error(err))
		return
	}
	if err := s.bus.Publish(ctx, eventbus.SubjectDeployRequested, payload); err != nil {
		s.log.Warn("failed to publish deploy_requested", zap.Error(err), zap.String("endpoint_id", ep.ID))
	}
}

// validateServingSpec enforces the same rules the worker re-checks at
// reconcile time, so malformed requests fail fast at the API instead of
// silently landing the endpoint in FAILED.
func validateServingSpec(trafficJSON, runtimeConfigJSON json.RawMessage) error {
	if len(trafficJSON) > 0 {
		if err := validation.RejectUnknownFields(trafficJSON, "canaryTrafficPercent", "deploymentMode"); err != nil {
			return apperrors.NewValidationError(err.Error())
		}
		var t Traffic
		if err := json.Unmarshal(trafficJSON, &t); err != nil {
			return apperrors.NewValidationError("invalid traffic spec")
		}
		if err := validation.ValidateCanaryTrafficPercent(t.CanaryTrafficPercent); err != nil {
			return apperrors.NewValidationError(err.Error())
		}
		if t.CanaryTrafficPercent > 0 && t.DeploymentMode != "serverless" {
			return apperrors.NewValidationError("canaryTrafficPercent > 0 requires deploymentMode=serverless")
		}
	}
	if len(runtimeConfigJSON) > 0 {
		if err := validation.RejectUnknownFields(runtimeConfigJSON, "modelFormat", "protocolVersion", "artifactUri"); err != nil {
			return apperrors.NewValidationError(err.Error())
		}
		var rc RuntimeConfig
		if err := json.Unmarshal(runtimeConfigJSON, &rc); err != nil {
			return apperrors.NewValidationError("invalid runtime_config")
		}
		if rc.ModelFormat == "triton" && rc.ProtocolVersion != "v2" {
			return apperrors.NewValidationError("modelFormat=triton requires protocolVersion=v2")
		}
	}
	return nil
}

func defaultJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}
