// Package executor runs a single dispatched job to completion. Run is
// the one entry point shared by the direct dispatcher (in-process
// call) and the ephemeral dispatcher's TaskRun container (cmd/executor
// reads JOB_ID/DISPATCH_TOKEN from its environment and calls the same
// function).
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/nimbusforge/gpucp/internal/httpmw"
	"github.com/nimbusforge/gpucp/internal/notify"
	"github.com/nimbusforge/gpucp/internal/telemetry"
	"github.com/nimbusforge/gpucp/pkg/events"
	"github.com/nimbusforge/gpucp/pkg/httpclient"
	"github.com/nimbusforge/gpucp/pkg/jobs"
	"github.com/nimbusforge/gpucp/pkg/usage"

	"github.com/nimbusforge/gpucp/internal/eventbus"
)

// WorkMode selects how the job's payload is actually executed.
type WorkMode string

const (
	WorkModeSimulate WorkMode = "simulate"
	WorkModeHTTP     WorkMode = "http"
)

// Config holds the executor's tunables.
type Config struct {
	Mode           WorkMode
	SimulateDelay  time.Duration
	HTTPTimeout    time.Duration
}

func DefaultConfig() Config {
	return Config{Mode: WorkModeSimulate, SimulateDelay: 2 * time.Second, HTTPTimeout: 30 * time.Second}
}

// Executor runs one job's lifecycle from DISPATCHED to a terminal
// status.
type Executor struct {
	repo     *jobs.Repository
	usage    *usage.Repository
	bus      eventbus.Bus
	client   *httpclient.Client
	notifier notify.Notifier
	cfg      Config
	log      *zap.Logger
}

func New(repo *jobs.Repository, usageRepo *usage.Repository, bus eventbus.Bus, client *httpclient.Client, notifier notify.Notifier, cfg Config, log *zap.Logger) *Executor {
	return &Executor{repo: repo, usage: usageRepo, bus: bus, client: client, notifier: notifier, cfg: cfg, log: log}
}

// Run executes jobID, whose dispatch is known (to the caller) to carry
// dispatchToken. Steps 1-5 of §4.5: load+verify, DISPATCHED->RUNNING,
// perform the work, terminal update, usage ledger append.
func (e *Executor) Run(ctx context.Context, jobID, dispatchToken string) error {
	// Step 1 — load and verify token ownership.
	job, err := e.repo.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.DispatchToken == nil || *job.DispatchToken != dispatchToken {
		e.log.Info("dispatch_token mismatch, another executor owns this job", zap.String("job_id", jobID))
		return nil
	}

	// Step 2 — DISPATCHED -> RUNNING.
	ok, err := e.repo.StartRunning(ctx, jobID, dispatchToken)
	if err != nil {
		return err
	}
	if !ok {
		e.log.Info("job already left DISPATCHED, skipping", zap.String("job_id", jobID))
		return nil
	}
	startedAt := time.Now()

	// Step 3 — perform the work.
	responseJSON, workErr := e.perform(ctx, job)

	// Step 4 — terminal update.
	finishedAt := time.Now()
	if workErr != nil {
		e.fail(ctx, job, dispatchToken, workErr)
	} else {
		e.succeed(ctx, job, dispatchToken, responseJSON)
	}

	// Step 5 — usage ledger.
	pool := ""
	if job.GPUPoolAssigned != nil {
		pool = *job.GPUPoolAssigned
	}
	seconds := finishedAt.Sub(startedAt).Seconds()
	if err := e.usage.RecordGPUSeconds(ctx, job.TenantID, job.ProjectID, job.ID, seconds, pool, job.IsolationLevel); err != nil {
		e.log.Warn("failed to append usage ledger row", zap.Error(err), zap.String("job_id", job.ID))
	}
	e.publishUsage(ctx, job, seconds, pool)

	return nil
}

func (e *Executor) perform(ctx context.Context, job *jobs.Job) (json.RawMessage, error) {
	switch e.cfg.Mode {
	case WorkModeHTTP:
		return e.performHTTP(ctx, job)
	default:
		return e.performSimulate(ctx, job)
	}
}

func (e *Executor) performSimulate(ctx context.Context, job *jobs.Job) (json.RawMessage, error) {
	select {
	case <-time.After(e.cfg.SimulateDelay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	body, _ := json.Marshal(map[string]interface{}{
		"simulated": true,
		"job_id":    job.ID,
	})
	return body, nil
}

func (e *Executor) performHTTP(ctx context.Context, job *jobs.Job) (json.RawMessage, error) {
	tenant := httpmw.Tenancy{TenantID: job.TenantID, ProjectID: job.ProjectID}
	status, body, err := e.client.Do(ctx, http.MethodPost, job.TargetURL, tenant, job.RequestJSON)
	if err != nil {
		return nil, fmt.Errorf("target returned status %d: %w", status, err)
	}
	return body, nil
}

func (e *Executor) succeed(ctx context.Context, job *jobs.Job, dispatchToken string, responseJSON json.RawMessage) {
	ok, err := e.repo.Succeed(ctx, job.ID, dispatchToken, responseJSON)
	if err != nil {
		e.log.Error("failed to mark job SUCCEEDED", zap.Error(err), zap.String("job_id", job.ID))
		return
	}
	if ok {
		telemetry.RecordJobTerminated(string(jobs.StatusSucceeded))
	}
}

func (e *Executor) fail(ctx context.Context, job *jobs.Job, dispatchToken string, workErr error) {
	ok, err := e.repo.Fail(ctx, job.ID, dispatchToken, "RUNNING", workErr.Error())
	if err != nil {
		e.log.Error("failed to mark job FAILED", zap.Error(err), zap.String("job_id", job.ID))
		return
	}
	if ok {
		telemetry.RecordJobTerminated(string(jobs.StatusFailed))
		e.notifier.NotifyJobFailed(ctx, job.TenantID, job.ID, workErr.Error())
	}
}

func (e *Executor) publishUsage(ctx context.Context, job *jobs.Job, seconds float64, pool string) {
	evt := events.UsageRecorded{
		TenantID: job.TenantID, ProjectID: job.ProjectID, JobID: job.ID,
		Meter: "gpu_seconds", Quantity: seconds, PublishedAt: time.Now(),
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return
	}
	if err := e.bus.Publish(ctx, eventbus.SubjectUsageRecorded, payload); err != nil {
		e.log.Warn("failed to publish usage_recorded event", zap.Error(err), zap.String("job_id", job.ID))
	}
}
