package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/nimbusforge/gpucp/internal/database"
	apperrors "github.com/nimbusforge/gpucp/internal/errors"
)

// Repository owns every state transition on gpu_jobs. Every transition
// that matters for correctness is a single conditional UPDATE guarded
// by the row's current status (and, past DISPATCHED, its
// dispatch_token) — the store serializes the race, not application
// locking.
type Repository struct {
	db *database.DB
}

func NewRepository(db *database.DB) *Repository {
	return &Repository{db: db}
}

// Insert creates a new job in QUEUED with a server-generated id.
func (r *Repository) Insert(ctx context.Context, j *Job) error {
	j.ID = uuid.NewString()
	j.Status = StatusQueued
	return r.db.Do(ctx, "jobs.insert", func(ctx context.Context) error {
		return r.db.GetContext(ctx, &j.RequestedAt, `
			INSERT INTO gpu_jobs
				(id, tenant_id, project_id, gpu_pool_requested, isolation_level,
				 priority, target_url, request_json, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'QUEUED')
			RETURNING requested_at`,
			j.ID, j.TenantID, j.ProjectID, j.GPUPoolRequested, j.IsolationLevel,
			j.Priority, j.TargetURL, j.RequestJSON)
	})
}

// Get fetches a job by id.
func (r *Repository) Get(ctx context.Context, id string) (*Job, error) {
	var j Job
	err := r.db.Do(ctx, "jobs.get", func(ctx context.Context) error {
		return r.db.GetContext(ctx, &j, `SELECT * FROM gpu_jobs WHERE id = $1`, id)
	})
	if errors.Is(err, database.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("job")
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// CountQueued counts a tenant's QUEUED jobs, for quota enforcement.
func (r *Repository) CountQueued(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := r.db.Do(ctx, "jobs.count_queued", func(ctx context.Context) error {
		return r.db.GetContext(ctx, &n, `
			SELECT count(*) FROM gpu_jobs WHERE tenant_id = $1 AND status = 'QUEUED'`, tenantID)
	})
	return n, err
}

// InFlightCounts is a capacity snapshot: jobs currently DISPATCHED or
// RUNNING, grouped by assigned pool and isolation level.
type InFlightCounts struct {
	T4Shared    int
	T4Exclusive int
	MIG         int
}

// Snapshot implements Scheduler tick Step 1.
func (r *Repository) Snapshot(ctx context.Context) (InFlightCounts, error) {
	var counts InFlightCounts
	err := r.db.Do(ctx, "jobs.snapshot", func(ctx context.Context) error {
		rows, err := r.db.QueryContext(ctx, `
			SELECT gpu_pool_assigned, isolation_level, count(*)
			FROM gpu_jobs
			WHERE status IN ('DISPATCHED', 'RUNNING') AND gpu_pool_assigned IS NOT NULL
			GROUP BY gpu_pool_assigned, isolation_level`)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var pool, isolation string
			var n int
			if err := rows.Scan(&pool, &isolation, &n); err != nil {
				return err
			}
			switch {
			case pool == "mig":
				counts.MIG += n
			case pool == "t4" && isolation == "shared":
				counts.T4Shared += n
			case pool == "t4" && isolation == "exclusive":
				counts.T4Exclusive += n
			}
		}
		return rows.Err()
	})
	return counts, err
}

// TenantInFlight counts a single tenant's in-flight jobs in pool, for
// per-tenant admission (Step 5).
func (r *Repository) TenantInFlight(ctx context.Context, tenantID, pool string) (int, error) {
	var n int
	err := r.db.Do(ctx, "jobs.tenant_inflight", func(ctx context.Context) error {
		return r.db.GetContext(ctx, &n, `
			SELECT count(*) FROM gpu_jobs
			WHERE tenant_id = $1 AND gpu_pool_assigned = $2 AND status IN ('DISPATCHED', 'RUNNING')`,
			tenantID, pool)
	})
	return n, err
}

// Candidate is a QUEUED job ordered for scheduling consideration.
type Candidate struct {
	ID               string
	TenantID         string
	ProjectID        string
	GPUPoolRequested string
	IsolationLevel   string
	EffectivePriority int
}

// Candidates implements Step 4: QUEUED jobs ordered by
// (priority + tenant.priority_boost) DESC, requested_at ASC, id ASC.
func (r *Repository) Candidates(ctx context.Context, limit int) ([]Candidate, error) {
	var candidates []Candidate
	err := r.db.Do(ctx, "jobs.candidates", func(ctx context.Context) error {
		rows, err := r.db.QueryContext(ctx, `
			SELECT j.id, j.tenant_id, j.project_id, j.gpu_pool_requested, j.isolation_level,
			       j.priority + coalesce(p.priority_boost, 0) AS effective_priority
			FROM gpu_jobs j
			LEFT JOIN tenant_gpu_policies p ON p.tenant_id = j.tenant_id
			WHERE j.status = 'QUEUED'
			ORDER BY effective_priority DESC, j.requested_at ASC, j.id ASC
			LIMIT $1`, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var c Candidate
			if err := rows.Scan(&c.ID, &c.TenantID, &c.ProjectID, &c.GPUPoolRequested,
				&c.IsolationLevel, &c.EffectivePriority); err != nil {
				return err
			}
			candidates = append(candidates, c)
		}
		return rows.Err()
	})
	return candidates, err
}

// Dispatch implements Step 6: the atomic conditional UPDATE that moves
// a job QUEUED -> DISPATCHED. ok is false (zero rows affected) when
// another scheduler tick or retry already won the race; that is not an
// error, just a skip.
func (r *Repository) Dispatch(ctx context.Context, jobID, pool string) (dispatchToken string, ok bool, err error) {
	dispatchToken = uuid.NewString()
	err = r.db.Do(ctx, "jobs.dispatch", func(ctx context.Context) error {
		res, execErr := r.db.ExecContext(ctx, `
			UPDATE gpu_jobs
			SET status = 'DISPATCHED', gpu_pool_assigned = $2, dispatch_token = $3,
			    dispatched_at = now(), dispatch_attempts = dispatch_attempts + 1, updated_at = now()
			WHERE id = $1 AND status = 'QUEUED'`,
			jobID, pool, dispatchToken)
		if execErr != nil {
			return execErr
		}
		n, execErr := res.RowsAffected()
		if execErr != nil {
			return execErr
		}
		ok = n == 1
		return nil
	})
	return dispatchToken, ok, err
}

// StartRunning implements Executor step 2: DISPATCHED -> RUNNING,
// guarded by dispatch_token.
func (r *Repository) StartRunning(ctx context.Context, jobID, dispatchToken string) (bool, error) {
	var ok bool
	err := r.db.Do(ctx, "jobs.start_running", func(ctx context.Context) error {
		res, execErr := r.db.ExecContext(ctx, `
			UPDATE gpu_jobs
			SET status = 'RUNNING', started_at = now(), updated_at = now()
			WHERE id = $1 AND status = 'DISPATCHED' AND dispatch_token = $2`,
			jobID, dispatchToken)
		if execErr != nil {
			return execErr
		}
		n, execErr := res.RowsAffected()
		if execErr != nil {
			return execErr
		}
		ok = n == 1
		return nil
	})
	return ok, err
}

// Succeed implements Executor step 4's success path: RUNNING ->
// SUCCEEDED, guarded by dispatch_token.
func (r *Repository) Succeed(ctx context.Context, jobID, dispatchToken string, responseJSON []byte) (bool, error) {
	var ok bool
	err := r.db.Do(ctx, "jobs.succeed", func(ctx context.Context) error {
		res, execErr := r.db.ExecContext(ctx, `
			UPDATE gpu_jobs
			SET status = 'SUCCEEDED', response_json = $3, finished_at = now(), updated_at = now()
			WHERE id = $1 AND status = 'RUNNING' AND dispatch_token = $2`,
			jobID, dispatchToken, responseJSON)
		if execErr != nil {
			return execErr
		}
		n, execErr := res.RowsAffected()
		if execErr != nil {
			return execErr
		}
		ok = n == 1
		return nil
	})
	return ok, err
}

// Fail implements Executor step 4's error path, and the Scheduler's
// dispatch_timeout/executor_timeout terminal transitions. fromStatus is
// the status a row must currently hold (DISPATCHED or RUNNING); when
// dispatchToken is empty, the guard is skipped (used by the scheduler,
// which has no token to compare).
func (r *Repository) Fail(ctx context.Context, jobID, dispatchToken, fromStatus, reason string) (bool, error) {
	var ok bool
	err := r.db.Do(ctx, "jobs.fail", func(ctx context.Context) error {
		var res interface {
			RowsAffected() (int64, error)
		}
		var execErr error
		if dispatchToken == "" {
			res, execErr = r.db.ExecContext(ctx, `
				UPDATE gpu_jobs
				SET status = 'FAILED', error = $3, finished_at = now(), updated_at = now()
				WHERE id = $1 AND status = $2`,
				jobID, fromStatus, reason)
		} else {
			res, execErr = r.db.ExecContext(ctx, `
				UPDATE gpu_jobs
				SET status = 'FAILED', error = $4, finished_at = now(), updated_at = now()
				WHERE id = $1 AND status = $2 AND dispatch_token = $3`,
				jobID, fromStatus, dispatchToken, reason)
		}
		if execErr != nil {
			return execErr
		}
		n, execErr := res.RowsAffected()
		if execErr != nil {
			return execErr
		}
		ok = n == 1
		return nil
	})
	return ok, err
}

// Requeue implements Step 7's orphan recovery: DISPATCHED -> QUEUED,
// clearing dispatch_token/gpu_pool_assigned, for jobs whose dispatch
// has gone stale but have not exceeded MAX_ATTEMPTS.
func (r *Repository) Requeue(ctx context.Context, jobID string) (bool, error) {
	var ok bool
	err := r.db.Do(ctx, "jobs.requeue", func(ctx context.Context) error {
		res, execErr := r.db.ExecContext(ctx, `
			UPDATE gpu_jobs
			SET status = 'QUEUED', dispatch_token = NULL, gpu_pool_assigned = NULL, updated_at = now()
			WHERE id = $1 AND status = 'DISPATCHED'`, jobID)
		if execErr != nil {
			return execErr
		}
		n, execErr := res.RowsAffected()
		if execErr != nil {
			return execErr
		}
		ok = n == 1
		return nil
	})
	return ok, err
}

// OrphanCandidate is a job eligible for Step 7 consideration.
type OrphanCandidate struct {
	ID               string
	Status           Status
	DispatchAttempts int
}

// ScanDispatchOrphans returns DISPATCHED jobs whose dispatched_at is
// older than timeout.
func (r *Repository) ScanDispatchOrphans(ctx context.Context, timeout time.Duration, maxAttempts int) ([]OrphanCandidate, error) {
	var out []OrphanCandidate
	err := r.db.Do(ctx, "jobs.scan_dispatch_orphans", func(ctx context.Context) error {
		rows, err := r.db.QueryContext(ctx, `
			SELECT id, status, dispatch_attempts FROM gpu_jobs
			WHERE status = 'DISPATCHED' AND dispatched_at < $1`,
			time.Now().Add(-timeout))
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var c OrphanCandidate
			if err := rows.Scan(&c.ID, &c.Status, &c.DispatchAttempts); err != nil {
				return err
			}
			out = append(out, c)
		}
		return rows.Err()
	})
	return out, err
}

// ScanRunningOrphans returns RUNNING jobs whose started_at is older
// than timeout — the parallel stale-detection rule the spec calls out
// for crashed executors, which never redispatches (only fails, to
// avoid double billing).
func (r *Repository) ScanRunningOrphans(ctx context.Context, timeout time.Duration) ([]string, error) {
	var ids []string
	err := r.db.Do(ctx, "jobs.scan_running_orphans", func(ctx context.Context) error {
		rows, err := r.db.QueryContext(ctx, `
			SELECT id FROM gpu_jobs WHERE status = 'RUNNING' AND started_at < $1`,
			time.Now().Add(-timeout))
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	return ids, err
}
