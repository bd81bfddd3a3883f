// Package scheduler implements the single-writer periodic control loop
// that moves GpuJobs from QUEUED to DISPATCHED. Multiple replicas may
// run the same loop concurrently — correctness rests entirely on the
// store's conditional UPDATE ... WHERE status='QUEUED', not on any
// cross-tick state the loop itself holds.
package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/nimbusforge/gpucp/internal/eventbus"
	"github.com/nimbusforge/gpucp/internal/notify"
	"github.com/nimbusforge/gpucp/internal/telemetry"
	"github.com/nimbusforge/gpucp/pkg/events"
	"github.com/nimbusforge/gpucp/pkg/jobs"
	"github.com/nimbusforge/gpucp/pkg/tenancy"
)

// Config holds the tunables the spec leaves as defaulted environment
// variables.
type Config struct {
	T4SharedSlots    int
	T4ExclusiveSlots int
	MIGTotalSlots    int
	TickInterval     time.Duration
	DispatchTimeout  time.Duration
	ExecutorTimeout  time.Duration
	MaxAttempts      int
	CandidateLimit   int
}

// DefaultConfig matches the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		T4SharedSlots:    8,
		T4ExclusiveSlots: 1,
		MIGTotalSlots:    0,
		TickInterval:     5 * time.Second,
		DispatchTimeout:  120 * time.Second,
		ExecutorTimeout:  30 * time.Minute,
		MaxAttempts:      3,
		CandidateLimit:   200,
	}
}

// Scheduler runs the seven-step tick.
type Scheduler struct {
	repo     *jobs.Repository
	policies *tenancy.Repository
	bus      eventbus.Bus
	notifier notify.Notifier
	cfg      Config
	log      *zap.Logger
}

func New(repo *jobs.Repository, policies *tenancy.Repository, bus eventbus.Bus, notifier notify.Notifier, cfg Config, log *zap.Logger) *Scheduler {
	return &Scheduler{repo: repo, policies: policies, bus: bus, notifier: notifier, cfg: cfg, log: log}
}

// Loop ticks on cfg.TickInterval until ctx is cancelled.
func (s *Scheduler) Loop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.log.Error("scheduler tick failed", zap.Error(err))
			}
		}
	}
}

// slots tracks remaining capacity per pool/isolation bucket across a
// single tick, decremented locally as dispatches succeed so the loop
// doesn't re-query the store between candidates.
type slots struct {
	t4Shared, t4Exclusive, mig int
	t4ExclusiveInFlight        int
	t4SharedInFlight           int
}

func (s *slots) available(pool, isolation string) int {
	switch {
	case pool == "mig":
		return s.mig
	case isolation == "exclusive":
		return s.t4Exclusive
	default:
		return s.t4Shared
	}
}

func (s *slots) reserve(pool, isolation string) {
	switch {
	case pool == "mig":
		s.mig--
	case isolation == "exclusive":
		s.t4Exclusive--
		s.t4ExclusiveInFlight++
	default:
		s.t4Shared--
		s.t4SharedInFlight++
	}
}

// Tick runs the seven-step admission/dispatch pass followed by orphan
// recovery. It is idempotent: every step re-reads from the store, so a
// tick that crashes partway leaves the store in a consistent state.
func (s *Scheduler) Tick(ctx context.Context) error {
	start := time.Now()
	defer func() { telemetry.RecordSchedulerTick(time.Since(start)) }()

	if err := s.dispatchPass(ctx); err != nil {
		return err
	}
	if err := s.recoverDispatchOrphans(ctx); err != nil {
		return err
	}
	return s.recoverRunningOrphans(ctx)
}

func (s *Scheduler) dispatchPass(ctx context.Context) error {
	// Step 1 — snapshot capacity.
	counts, err := s.repo.Snapshot(ctx)
	if err != nil {
		return err
	}

	// Step 2 — global slot check.
	st := &slots{
		t4Shared:            s.cfg.T4SharedSlots - counts.T4Shared,
		t4Exclusive:         s.cfg.T4ExclusiveSlots - counts.T4Exclusive,
		mig:                 s.cfg.MIGTotalSlots - counts.MIG,
		t4ExclusiveInFlight: counts.T4Exclusive,
		t4SharedInFlight:    counts.T4Shared,
	}
	telemetry.SetDispatchInflight(float64(counts.T4Shared + counts.T4Exclusive + counts.MIG))

	// Step 4 — candidate selection (ordering is the query's job).
	candidates, err := s.repo.Candidates(ctx, s.cfg.CandidateLimit)
	if err != nil {
		return err
	}

	for _, c := range candidates {
		pool, isolation, ok := s.resolvePool(c, st)
		if !ok {
			continue
		}

		// Step 5 — per-tenant admission.
		policy, err := s.policies.Get(ctx, c.TenantID)
		if err != nil {
			s.log.Error("failed to load tenant policy", zap.Error(err), zap.String("tenant_id", c.TenantID))
			continue
		}
		inFlight, err := s.repo.TenantInFlight(ctx, c.TenantID, pool)
		if err != nil {
			s.log.Error("failed to count tenant in-flight jobs", zap.Error(err), zap.String("tenant_id", c.TenantID))
			continue
		}
		if inFlight >= policy.MaxConcurrency(pool) {
			continue // tenant-capped; does not block other candidates
		}

		// Step 6 — atomic dispatch.
		if err := s.dispatch(ctx, c, pool, isolation, st); err != nil {
			s.log.Error("dispatch failed", zap.Error(err), zap.String("job_id", c.ID))
		}
	}
	return nil
}

// resolvePool applies Step 2's availability check and Step 3's T4
// isolation interlock, resolving an "auto" request to a concrete pool.
func (s *Scheduler) resolvePool(c jobs.Candidate, st *slots) (pool, isolation string, ok bool) {
	isolation = c.IsolationLevel

	switch c.GPUPoolRequested {
	case "mig":
		return "mig", "", st.available("mig", "") > 0
	case "auto":
		if st.available("mig", "") > 0 {
			return "mig", "", true
		}
		pool = "t4"
	default:
		pool = "t4"
	}

	if st.available(pool, isolation) <= 0 {
		return "", "", false
	}
	// Step 3 — soft exclusivity interlock.
	if isolation == "exclusive" && st.t4SharedInFlight > 0 {
		return "", "", false
	}
	if isolation == "shared" && st.t4ExclusiveInFlight > 0 {
		return "", "", false
	}
	return pool, isolation, true
}

func (s *Scheduler) dispatch(ctx context.Context, c jobs.Candidate, pool, isolation string, st *slots) error {
	token, ok, err := s.repo.Dispatch(ctx, c.ID, pool)
	if err != nil {
		return err
	}
	if !ok {
		return nil // another tick or retry already won the race
	}
	st.reserve(pool, isolation)
	telemetry.RecordJobDispatched(pool, isolation)

	evt := events.Dispatched{
		TenantID: c.TenantID, ProjectID: c.ProjectID, JobID: c.ID, DispatchToken: token, PublishedAt: time.Now(),
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	if err := s.bus.Publish(ctx, eventbus.DispatchSubject(pool, isolation), payload); err != nil {
		s.log.Warn("failed to publish dispatch event", zap.Error(err), zap.String("job_id", c.ID))
	}
	return nil
}

// recoverDispatchOrphans implements Step 7: DISPATCHED jobs whose
// dispatch has gone stale are reverted to QUEUED, unless they have
// already exhausted MaxAttempts, in which case they fail terminally.
func (s *Scheduler) recoverDispatchOrphans(ctx context.Context) error {
	orphans, err := s.repo.ScanDispatchOrphans(ctx, s.cfg.DispatchTimeout, s.cfg.MaxAttempts)
	if err != nil {
		return err
	}
	for _, o := range orphans {
		telemetry.RecordDispatchTimeout()
		if o.DispatchAttempts >= s.cfg.MaxAttempts {
			ok, err := s.repo.Fail(ctx, o.ID, "", "DISPATCHED", "dispatch_timeout")
			if err != nil {
				s.log.Error("failed to fail exhausted job", zap.Error(err), zap.String("job_id", o.ID))
				continue
			}
			if ok {
				telemetry.RecordJobTerminated(string(jobs.StatusFailed))
				s.notifier.NotifyDispatchTimeout(ctx, "", o.ID)
			}
			continue
		}
		if _, err := s.repo.Requeue(ctx, o.ID); err != nil {
			s.log.Error("failed to requeue orphaned job", zap.Error(err), zap.String("job_id", o.ID))
		}
	}
	return nil
}

// recoverRunningOrphans implements the parallel stale-RUNNING rule:
// jobs whose executor appears to have crashed are failed, never
// redispatched — redispatching a RUNNING job risks double billing.
func (s *Scheduler) recoverRunningOrphans(ctx context.Context) error {
	ids, err := s.repo.ScanRunningOrphans(ctx, s.cfg.ExecutorTimeout)
	if err != nil {
		return err
	}
	for _, id := range ids {
		ok, err := s.repo.Fail(ctx, id, "", "RUNNING", "executor_timeout")
		if err != nil {
			s.log.Error("failed to fail stale running job", zap.Error(err), zap.String("job_id", id))
			continue
		}
		if ok {
			telemetry.RecordJobTerminated(string(jobs.StatusFailed))
			s.notifier.NotifyJobFailed(ctx, "", id, "executor_timeout")
		}
	}
	return nil
}
