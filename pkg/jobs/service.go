package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nimbusforge/gpucp/internal/eventbus"
	"github.com/nimbusforge/gpucp/internal/httpmw"
	"github.com/nimbusforge/gpucp/internal/validation"
	"github.com/nimbusforge/gpucp/pkg/events"
	"github.com/nimbusforge/gpucp/pkg/idempotency"
	"github.com/nimbusforge/gpucp/pkg/tenancy"

	apperrors "github.com/nimbusforge/gpucp/internal/errors"
)

// Service implements the Jobs API submission contract: tenancy is
// assumed already validated by middleware by the time a request
// reaches here. Submit runs, in order: idempotency lookup/replay,
// field validation, quota enforcement, insert, and a best-effort
// "enqueued" publish.
type Service struct {
	repo     *Repository
	policies *tenancy.Repository
	idem     *idempotency.Repository
	bus      eventbus.Bus
	log      *zap.Logger
}

func NewService(repo *Repository, policies *tenancy.Repository, idem *idempotency.Repository, bus eventbus.Bus, log *zap.Logger) *Service {
	return &Service{repo: repo, policies: policies, idem: idem, bus: bus, log: log}
}

// IdempotentResponse is what Submit returns when a prior response is
// being replayed verbatim rather than a new job being created.
type IdempotentResponse struct {
	StatusCode int
	Body       []byte
}

// Submit implements §4.1 of the jobs API contract. tenant/project come
// from httpmw.Tenancy (already header-validated); idemKey is the
// Idempotency-Key header verbatim, or "" if absent. method/path are the
// request's method and route template, used as part of the idempotency
// record's identity. body is the raw request body, used for the
// idempotency request-hash comparison.
//
// A non-nil replay means the caller should write it back verbatim
// instead of proceeding; a non-nil job means a new QUEUED row was
// created.
func (s *Service) Submit(ctx context.Context, tenant httpmw.Tenancy, method, path, idemKey string, body []byte, req SubmitRequest) (*IdempotentResponse, *Job, error) {
	requestHash := idempotency.HashRequest(body)

	if idemKey != "" {
		if err := validation.ValidateIdempotencyKey(idemKey); err != nil {
			return nil, nil, apperrors.NewValidationError(err.Error())
		}
		rec, err := s.idem.Check(ctx, tenant.TenantID, tenant.ProjectID, method, path, idemKey, requestHash)
		if err != nil {
			return nil, nil, err
		}
		if rec != nil {
			return &IdempotentResponse{StatusCode: rec.StatusCode, Body: rec.ResponseBody}, nil, nil
		}
	}

	if err := s.validateSubmit(req); err != nil {
		return nil, nil, err
	}

	policy, err := s.policies.Get(ctx, tenant.TenantID)
	if err != nil {
		return nil, nil, err
	}
	queued, err := s.repo.CountQueued(ctx, tenant.TenantID)
	if err != nil {
		return nil, nil, err
	}
	if queued >= policy.MaxQueuedJobs {
		return nil, nil, apperrors.NewQuotaExceededError(
			fmt.Sprintf("tenant %s has reached its queued job limit (%d)", tenant.TenantID, policy.MaxQueuedJobs))
	}

	isolation, err := validation.NormalizeIsolationLevel(req.IsolationLevel)
	if err != nil {
		return nil, nil, apperrors.NewValidationError(err.Error())
	}

	job := &Job{
		TenantID:         tenant.TenantID,
		ProjectID:        tenant.ProjectID,
		GPUPoolRequested: req.GPUPoolRequested,
		IsolationLevel:   string(isolation),
		Priority:         req.Priority,
		TargetURL:        req.TargetURL,
		RequestJSON:      req.RequestJSON,
	}
	if err := s.repo.Insert(ctx, job); err != nil {
		return nil, nil, err
	}

	s.publishEnqueued(ctx, job)

	if idemKey != "" {
		s.storeIdempotency(ctx, tenant, method, path, idemKey, requestHash, job)
	}

	return nil, job, nil
}

func (s *Service) validateSubmit(req SubmitRequest) error {
	if err := validation.ValidateGPUPoolRequested(req.GPUPoolRequested); err != nil {
		return apperrors.NewValidationError(err.Error())
	}
	if _, err := validation.NormalizeIsolationLevel(req.IsolationLevel); err != nil {
		return apperrors.NewValidationError(err.Error())
	}
	if err := validation.ValidateTargetURL(req.TargetURL); err != nil {
		return apperrors.NewValidationError(err.Error())
	}
	if len(req.RequestJSON) == 0 || !json.Valid(req.RequestJSON) {
		return apperrors.NewValidationError("request_json must be a non-empty, valid JSON document")
	}
	if err := validation.RejectDangerousKeys(req.RequestJSON, "__proto__", "constructor", "prototype"); err != nil {
		return apperrors.NewValidationError(err.Error())
	}
	return nil
}

// publishEnqueued is informational and loss-tolerant: the job already
// exists in QUEUED regardless of whether this publish lands, and the
// Scheduler discovers it by polling the store either way.
func (s *Service) publishEnqueued(ctx context.Context, job *Job) {
	evt := events.Enqueued{TenantID: job.TenantID, ProjectID: job.ProjectID, JobID: job.ID, PublishedAt: time.Now()}
	payload, err := json.Marshal(evt)
	if err != nil {
		s.log.Warn("failed to marshal enqueued event", zap.Error(err), zap.String("job_id", job.ID))
		return
	}
	if err := s.bus.Publish(ctx, eventbus.SubjectEnqueued, payload); err != nil {
		s.log.Warn("failed to publish enqueued event", zap.Error(err), zap.String("job_id", job.ID))
	}
}

func (s *Service) storeIdempotency(ctx context.Context, tenant httpmw.Tenancy, method, path, idemKey, requestHash string, job *Job) {
	body, err := json.Marshal(job)
	if err != nil {
		s.log.Warn("failed to marshal response for idempotency store", zap.Error(err), zap.String("job_id", job.ID))
		return
	}
	rec := idempotency.Record{
		TenantID: tenant.TenantID, ProjectID: tenant.ProjectID, Method: method, Path: path,
		IdemKey: idemKey, RequestHash: requestHash, StatusCode: 201, ResponseBody: body,
	}
	if err := s.idem.Store(ctx, rec); err != nil {
		s.log.Warn("failed to store idempotency record", zap.Error(err), zap.String("job_id", job.ID))
	}
}

// Get fetches a job by id, scoped to the requesting tenant.
func (s *Service) Get(ctx context.Context, tenant httpmw.Tenancy, jobID string) (*Job, error) {
	job, err := s.repo.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.TenantID != tenant.TenantID {
		return nil, apperrors.NewNotFoundError("job")
	}
	return job, nil
}
