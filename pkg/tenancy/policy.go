// Package tenancy holds the per-tenant GPU admission policy consulted
// by the Jobs API (quota) and the Scheduler (concurrency caps, priority
// boost).
package tenancy

import (
	"context"
	"errors"
	"time"

	"github.com/nimbusforge/gpucp/internal/database"
)

// Policy mirrors the tenant_gpu_policies row. A missing row is never an
// error — callers get DefaultPolicy (the free plan) instead.
type Policy struct {
	TenantID          string    `db:"tenant_id"`
	Plan              string    `db:"plan"`
	T4MaxConcurrency  int       `db:"t4_max_concurrency"`
	MigMaxConcurrency int       `db:"mig_max_concurrency"`
	MaxQueuedJobs     int       `db:"max_queued_jobs"`
	PriorityBoost     int       `db:"priority_boost"`
	UpdatedAt         time.Time `db:"updated_at"`
}

// DefaultPolicy is the implicit free-plan policy applied when a tenant
// has no tenant_gpu_policies row.
func DefaultPolicy(tenantID string) Policy {
	return Policy{
		TenantID:          tenantID,
		Plan:              "free",
		T4MaxConcurrency:  1,
		MigMaxConcurrency: 0,
		MaxQueuedJobs:     10,
		PriorityBoost:     0,
	}
}

// Repository is the store-backed policy lookup.
type Repository struct {
	db *database.DB
}

func NewRepository(db *database.DB) *Repository {
	return &Repository{db: db}
}

// Get returns the tenant's policy, or DefaultPolicy if no row exists.
func (r *Repository) Get(ctx context.Context, tenantID string) (Policy, error) {
	var policy Policy
	err := r.db.Do(ctx, "tenancy.get_policy", func(ctx context.Context) error {
		return r.db.GetContext(ctx, &policy, `
			SELECT tenant_id, plan, t4_max_concurrency, mig_max_concurrency,
			       max_queued_jobs, priority_boost, updated_at
			FROM tenant_gpu_policies
			WHERE tenant_id = $1`, tenantID)
	})
	if errors.Is(err, database.ErrNoRows) {
		return DefaultPolicy(tenantID), nil
	}
	if err != nil {
		return Policy{}, err
	}
	return policy, nil
}

// Upsert creates or updates a tenant's policy row.
func (r *Repository) Upsert(ctx context.Context, policy Policy) error {
	return r.db.Do(ctx, "tenancy.upsert_policy", func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO tenant_gpu_policies
				(tenant_id, plan, t4_max_concurrency, mig_max_concurrency, max_queued_jobs, priority_boost, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, now())
			ON CONFLICT (tenant_id) DO UPDATE SET
				plan = EXCLUDED.plan,
				t4_max_concurrency = EXCLUDED.t4_max_concurrency,
				mig_max_concurrency = EXCLUDED.mig_max_concurrency,
				max_queued_jobs = EXCLUDED.max_queued_jobs,
				priority_boost = EXCLUDED.priority_boost,
				updated_at = now()`,
			policy.TenantID, policy.Plan, policy.T4MaxConcurrency, policy.MigMaxConcurrency,
			policy.MaxQueuedJobs, policy.PriorityBoost)
		return err
	})
}

// MaxConcurrency returns the policy's concurrency cap for pool ("t4" or
// "mig").
func (p Policy) MaxConcurrency(pool string) int {
	if pool == "mig" {
		return p.MigMaxConcurrency
	}
	return p.T4MaxConcurrency
}
