// Package idempotency implements the store-level idempotency primitive
// consumed by the Jobs API: a submission that carries an
// Idempotency-Key header replays a prior response on a matching request
// hash, and is rejected with IdempotencyConflict on a divergent one. It
// is a store primitive, not an HTTP decorator. The call site stores the
// record with its own statement after the business write; the two
// writes do not share a transaction.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/nimbusforge/gpucp/internal/database"
	apperrors "github.com/nimbusforge/gpucp/internal/errors"
)

// Record mirrors the idempotency_keys row.
type Record struct {
	TenantID         string            `db:"tenant_id"`
	ProjectID        string            `db:"project_id"`
	Method           string            `db:"method"`
	Path             string            `db:"path"`
	IdemKey          string            `db:"idem_key"`
	RequestHash      string            `db:"request_hash"`
	StatusCode       int               `db:"status_code"`
	ResponseHeaders  map[string]string `db:"-"`
	ResponseBody     []byte            `db:"response_body"`
	ResponseHeaderJSON []byte          `db:"response_headers"`
	CreatedAt        time.Time         `db:"created_at"`
	ExpiresAt        time.Time         `db:"expires_at"`
}

// HashRequest computes the stable comparison hash of a request body so
// a replayed Idempotency-Key can be checked for divergence.
func HashRequest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Repository is the store-backed idempotency record lookup/insert.
type Repository struct {
	db  *database.DB
	ttl time.Duration
}

func NewRepository(db *database.DB, ttl time.Duration) *Repository {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Repository{db: db, ttl: ttl}
}

// Lookup returns the stored record, or (Record{}, false, nil) if none
// exists for this key.
func (r *Repository) Lookup(ctx context.Context, tenantID, projectID, method, path, idemKey string) (Record, bool, error) {
	var rec Record
	err := r.db.Do(ctx, "idempotency.lookup", func(ctx context.Context) error {
		return r.db.GetContext(ctx, &rec, `
			SELECT tenant_id, project_id, method, path, idem_key, request_hash,
			       status_code, response_body, response_headers, created_at, expires_at
			FROM idempotency_keys
			WHERE tenant_id = $1 AND project_id = $2 AND method = $3 AND path = $4 AND idem_key = $5`,
			tenantID, projectID, method, path, idemKey)
	})
	if errors.Is(err, database.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	_ = json.Unmarshal(rec.ResponseHeaderJSON, &rec.ResponseHeaders)
	return rec, true, nil
}

// Store inserts a new idempotency record for a just-handled request.
// Callers must have already confirmed via Lookup that no record exists
// for this key — Store does not overwrite.
func (r *Repository) Store(ctx context.Context, rec Record) error {
	headerJSON, err := json.Marshal(rec.ResponseHeaders)
	if err != nil {
		return err
	}

	return r.db.Do(ctx, "idempotency.store", func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO idempotency_keys
				(tenant_id, project_id, method, path, idem_key, request_hash,
				 status_code, response_headers, response_body, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (tenant_id, project_id, method, path, idem_key) DO NOTHING`,
			rec.TenantID, rec.ProjectID, rec.Method, rec.Path, rec.IdemKey, rec.RequestHash,
			rec.StatusCode, headerJSON, rec.ResponseBody, time.Now().Add(r.ttl))
		return err
	})
}

// Check resolves an incoming request against a stored record: a
// matching hash means replay (the caller returns the stored response
// verbatim); a divergent hash means IdempotencyConflict; no record
// means the caller should proceed and then call Store.
func (r *Repository) Check(ctx context.Context, tenantID, projectID, method, path, idemKey, requestHash string) (replay *Record, err error) {
	rec, found, err := r.Lookup(ctx, tenantID, projectID, method, path, idemKey)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	if rec.RequestHash != requestHash {
		return nil, apperrors.NewIdempotencyConflictError("idempotency key reused with a different request body")
	}
	return &rec, nil
}

// Sweep deletes expired records; intended to run on a background
// ticker so the table does not grow unbounded.
func (r *Repository) Sweep(ctx context.Context) (int64, error) {
	var affected int64
	err := r.db.Do(ctx, "idempotency.sweep", func(ctx context.Context) error {
		res, err := r.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE expires_at < now()`)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}
