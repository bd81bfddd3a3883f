package deploy

import (
	"context"
	"errors"

	"github.com/nimbusforge/gpucp/internal/database"
	apperrors "github.com/nimbusforge/gpucp/internal/errors"
)

type Repository struct {
	db *database.DB
}

func NewRepository(db *database.DB) *Repository {
	return &Repository{db: db}
}

// Insert creates a new endpoint intent in CREATING.
func (r *Repository) Insert(ctx context.Context, e *Endpoint) error {
	return r.db.Do(ctx, "deploy.insert", func(ctx context.Context) error {
		row := r.db.QueryRowxContext(ctx, `
			INSERT INTO endpoints
				(tenant_id, project_id, name, runtime, model_version_id, traffic, autoscaling, runtime_config, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'CREATING')
			RETURNING id, created_at, updated_at`,
			e.TenantID, e.ProjectID, e.Name, e.Runtime, e.ModelVersionID,
			e.TrafficJSON, e.AutoscalingJSON, e.RuntimeConfigJSON)
		return row.Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt)
	})
}

// Get fetches an endpoint by id.
func (r *Repository) Get(ctx context.Context, id string) (*Endpoint, error) {
	var e Endpoint
	err := r.db.Do(ctx, "deploy.get", func(ctx context.Context) error {
		return r.db.GetContext(ctx, &e, `SELECT * FROM endpoints WHERE id = $1`, id)
	})
	if errors.Is(err, database.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("endpoint")
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// UpdateServingSpec overwrites the serving fields of an existing
// endpoint, ahead of a re-reconcile.
func (r *Repository) UpdateServingSpec(ctx context.Context, e *Endpoint) error {
	return r.db.Do(ctx, "deploy.update_serving_spec", func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx, `
			UPDATE endpoints
			SET traffic = $2, autoscaling = $3, runtime_config = $4, updated_at = now()
			WHERE id = $1`,
			e.ID, e.TrafficJSON, e.AutoscalingJSON, e.RuntimeConfigJSON)
		return err
	})
}

// MarkReady transitions an endpoint to READY with its assigned URL.
func (r *Repository) MarkReady(ctx context.Context, id, url string) error {
	return r.db.Do(ctx, "deploy.mark_ready", func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx, `
			UPDATE endpoints SET status = 'READY', url = $2, error = NULL, updated_at = now()
			WHERE id = $1`, id, url)
		return err
	})
}

// MarkFailed transitions an endpoint to FAILED with an error detail.
func (r *Repository) MarkFailed(ctx context.Context, id, reason string) error {
	return r.db.Do(ctx, "deploy.mark_failed", func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx, `
			UPDATE endpoints SET status = 'FAILED', error = $2, updated_at = now()
			WHERE id = $1`, id, reason)
		return err
	})
}

// MarkCreating transitions a READY endpoint back to CREATING, for a
// re-reconcile triggered by an intent update.
func (r *Repository) MarkCreating(ctx context.Context, id string) error {
	return r.db.Do(ctx, "deploy.mark_creating", func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx, `
			UPDATE endpoints SET status = 'CREATING', error = NULL, updated_at = now()
			WHERE id = $1`, id)
		return err
	})
}

// MarkDeleting flips the intent into DELETING.
func (r *Repository) MarkDeleting(ctx context.Context, id string) error {
	return r.db.Do(ctx, "deploy.mark_deleting", func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx, `
			UPDATE endpoints SET status = 'DELETING', updated_at = now()
			WHERE id = $1`, id)
		return err
	})
}

// SoftDelete renames the row so its name no longer occupies the
// uniqueness constraint, releasing the (tenant, project, name) slot for
// reuse while the historical row remains queryable by id.
func (r *Repository) SoftDelete(ctx context.Context, id string) error {
	return r.db.Do(ctx, "deploy.soft_delete", func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx, `
			UPDATE endpoints
			SET name = name || '-deleted-' || id::text, updated_at = now()
			WHERE id = $1`, id)
		return err
	})
}
