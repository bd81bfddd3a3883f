package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/nimbusforge/gpucp/internal/database"
	apperrors "github.com/nimbusforge/gpucp/internal/errors"
	"github.com/nimbusforge/gpucp/internal/eventbus"
	"github.com/nimbusforge/gpucp/internal/httpmw"
	"github.com/nimbusforge/gpucp/pkg/idempotency"
	"github.com/nimbusforge/gpucp/pkg/tenancy"
)

type fakeBus struct {
	published []eventbus.Message
}

func (f *fakeBus) Publish(ctx context.Context, subject string, payload []byte) error {
	f.published = append(f.published, eventbus.Message{Subject: subject, Payload: payload})
	return nil
}
func (f *fakeBus) Subscribe(ctx context.Context, subject, group, consumer string) (<-chan eventbus.Message, error) {
	ch := make(chan eventbus.Message)
	close(ch)
	return ch, nil
}
func (f *fakeBus) Ack(ctx context.Context, subject, group, messageID string) error  { return nil }
func (f *fakeBus) Nack(ctx context.Context, subject, group, messageID string) error { return nil }
func (f *fakeBus) Close() error                                                     { return nil }

func newServiceFixture() (sqlmock.Sqlmock, *Service, *fakeBus) {
	sqlDB, mock, err := sqlmock.New()
	Expect(err).NotTo(HaveOccurred())
	db := database.NewForTesting(sqlx.NewDb(sqlDB, "sqlmock"), zap.NewNop())

	bus := &fakeBus{}
	svc := NewService(NewRepository(db), tenancy.NewRepository(db), idempotency.NewRepository(db, time.Hour), bus, zap.NewNop())
	return mock, svc, bus
}

var _ = Describe("Service.Submit", func() {
	var (
		mock   sqlmock.Sqlmock
		svc    *Service
		bus    *fakeBus
		tenant httpmw.Tenancy
		req    SubmitRequest
	)

	BeforeEach(func() {
		mock, svc, bus = newServiceFixture()
		tenant = httpmw.Tenancy{TenantID: "t1", ProjectID: "p1", UserID: "u1"}
		req = SubmitRequest{
			GPUPoolRequested: "t4",
			IsolationLevel:   "shared",
			Priority:         5,
			TargetURL:        "https://example.com/hook",
			RequestJSON:      json.RawMessage(`{"prompt":"hi"}`),
		}
	})

	It("rejects an invalid gpu_pool_requested before touching the store", func() {
		req.GPUPoolRequested = "bogus"
		_, _, err := svc.Submit(context.Background(), tenant, "POST", "/api/v1/gpu-jobs", "", []byte(`{}`), req)
		Expect(apperrors.IsType(err, apperrors.ErrorTypeValidation)).To(BeTrue())
	})

	It("enforces the tenant's queued-job quota", func() {
		mock.ExpectQuery("SELECT tenant_id, plan").WillReturnError(sql.ErrNoRows)
		mock.ExpectQuery("SELECT count").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(10))

		_, _, err := svc.Submit(context.Background(), tenant, "POST", "/api/v1/gpu-jobs", "", []byte(`{}`), req)
		Expect(apperrors.IsType(err, apperrors.ErrorTypeQuotaExceeded)).To(BeTrue())
	})

	It("inserts a QUEUED job and publishes enqueued on success", func() {
		mock.ExpectQuery("SELECT tenant_id, plan").WillReturnError(sql.ErrNoRows)
		mock.ExpectQuery("SELECT count").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
		mock.ExpectQuery("INSERT INTO gpu_jobs").WillReturnRows(
			sqlmock.NewRows([]string{"requested_at"}).AddRow(time.Now()))

		replay, job, err := svc.Submit(context.Background(), tenant, "POST", "/api/v1/gpu-jobs", "", []byte(`{}`), req)
		Expect(err).NotTo(HaveOccurred())
		Expect(replay).To(BeNil())
		Expect(job).NotTo(BeNil())
		Expect(job.Status).To(Equal(StatusQueued))
		Expect(bus.published).To(HaveLen(1))
		Expect(bus.published[0].Subject).To(Equal(eventbus.SubjectEnqueued))
	})

	It("replays a prior response on a matching idempotency key", func() {
		rows := sqlmock.NewRows([]string{
			"tenant_id", "project_id", "method", "path", "idem_key", "request_hash",
			"status_code", "response_body", "response_headers", "created_at", "expires_at",
		}).AddRow("t1", "p1", "POST", "/api/v1/gpu-jobs", "key-1",
			idempotency.HashRequest([]byte(`{}`)), 201, []byte(`{"job_id":"j-1"}`), []byte(`{}`),
			time.Now(), time.Now().Add(time.Hour))
		mock.ExpectQuery("SELECT tenant_id, project_id").WillReturnRows(rows)

		replay, job, err := svc.Submit(context.Background(), tenant, "POST", "/api/v1/gpu-jobs", "key-1", []byte(`{}`), req)
		Expect(err).NotTo(HaveOccurred())
		Expect(job).To(BeNil())
		Expect(replay).NotTo(BeNil())
		Expect(replay.StatusCode).To(Equal(201))
	})

	It("rejects a reused key whose request body diverged", func() {
		rows := sqlmock.NewRows([]string{
			"tenant_id", "project_id", "method", "path", "idem_key", "request_hash",
			"status_code", "response_body", "response_headers", "created_at", "expires_at",
		}).AddRow("t1", "p1", "POST", "/api/v1/gpu-jobs", "key-1",
			idempotency.HashRequest([]byte(`{"other":true}`)), 201, []byte(`{}`), []byte(`{}`),
			time.Now(), time.Now().Add(time.Hour))
		mock.ExpectQuery("SELECT tenant_id, project_id").WillReturnRows(rows)

		_, _, err := svc.Submit(context.Background(), tenant, "POST", "/api/v1/gpu-jobs", "key-1", []byte(`{}`), req)
		Expect(apperrors.IsType(err, apperrors.ErrorTypeIdempotencyConflict)).To(BeTrue())
	})
})

var _ = Describe("Service.Get", func() {
	It("returns NotFound when the job belongs to a different tenant", func() {
		mock, svc, _ := newServiceFixture()
		rows := sqlmock.NewRows([]string{
			"id", "tenant_id", "project_id", "gpu_pool_requested", "isolation_level", "priority",
			"target_url", "request_json", "status", "dispatch_attempts", "requested_at", "updated_at",
		}).AddRow("j1", "other-tenant", "p1", "t4", "shared", 0, "https://x", []byte(`{}`), "QUEUED", 0, time.Now(), time.Now())
		mock.ExpectQuery("SELECT \\* FROM gpu_jobs").WillReturnRows(rows)

		_, err := svc.Get(context.Background(), httpmw.Tenancy{TenantID: "t1"}, "j1")
		Expect(apperrors.IsType(err, apperrors.ErrorTypeNotFound)).To(BeTrue())
	})
})
