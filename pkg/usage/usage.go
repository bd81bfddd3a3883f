// Package usage appends metered consumption rows — the billing system's
// only interface to the control plane. The Executor appends one
// gpu_seconds record for each job it moves to RUNNING; jobs the
// Scheduler fails on a dispatch or executor timeout get none. Nothing
// downstream reads this package back into scheduling or dispatch
// decisions.
package usage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nimbusforge/gpucp/internal/database"
)

// Record mirrors the usage_ledger row.
type Record struct {
	TenantID    string          `db:"tenant_id"`
	ProjectID   string          `db:"project_id"`
	SubjectType string          `db:"subject_type"`
	SubjectID   string          `db:"subject_id"`
	Meter       string          `db:"meter"`
	Quantity    float64         `db:"quantity"`
	Labels      json.RawMessage `db:"labels"`
	RecordedAt  time.Time       `db:"recorded_at"`
}

// Repository appends usage ledger rows; it never updates or deletes
// one — the ledger is append-only by design.
type Repository struct {
	db *database.DB
}

func NewRepository(db *database.DB) *Repository {
	return &Repository{db: db}
}

// RecordGPUSeconds appends the gpu_seconds meter for a finished job.
func (r *Repository) RecordGPUSeconds(ctx context.Context, tenantID, projectID, jobID string, seconds float64, pool, isolation string) error {
	labels, err := json.Marshal(map[string]string{"pool": pool, "isolation": isolation})
	if err != nil {
		return err
	}
	return r.Append(ctx, Record{
		TenantID: tenantID, ProjectID: projectID, SubjectType: "gpu_job", SubjectID: jobID,
		Meter: "gpu_seconds", Quantity: seconds, Labels: labels,
	})
}

// Append inserts a usage ledger row.
func (r *Repository) Append(ctx context.Context, rec Record) error {
	return r.db.Do(ctx, "usage.append", func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO usage_ledger
				(tenant_id, project_id, subject_type, subject_id, meter, quantity, labels)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			rec.TenantID, rec.ProjectID, rec.SubjectType, rec.SubjectID, rec.Meter, rec.Quantity, rec.Labels)
		return err
	})
}
