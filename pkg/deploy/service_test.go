package deploy

import (
	"context"
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
	svc := NewService(NewRepository(db), bus, zap.NewNop())
	return mock, svc, bus
}

var _ = Describe("Service.Create", func() {
	var tenant httpmw.Tenancy

	BeforeEach(func() {
		tenant = httpmw.Tenancy{TenantID: "t1", ProjectID: "p1"}
	})

	It("rejects an out-of-range canaryTrafficPercent before touching the store", func() {
		_, svc, _ := newServiceFixture()
		req := CreateRequest{
			Name: "llama", Runtime: "vllm", ModelVersionID: "mv1",
			Traffic: json.RawMessage(`{"canaryTrafficPercent":150,"deploymentMode":"serverless"}`),
		}
		_, err := svc.Create(context.Background(), tenant, req)
		Expect(apperrors.IsType(err, apperrors.ErrorTypeValidation)).To(BeTrue())
	})

	It("rejects a canary split on a non-serverless deployment mode", func() {
		_, svc, _ := newServiceFixture()
		req := CreateRequest{
			Name: "llama", Runtime: "vllm", ModelVersionID: "mv1",
			Traffic: json.RawMessage(`{"canaryTrafficPercent":10,"deploymentMode":"standard"}`),
		}
		_, err := svc.Create(context.Background(), tenant, req)
		Expect(apperrors.IsType(err, apperrors.ErrorTypeValidation)).To(BeTrue())
	})

	It("rejects triton without protocolVersion v2", func() {
		_, svc, _ := newServiceFixture()
		req := CreateRequest{
			Name: "llama", Runtime: "vllm", ModelVersionID: "mv1",
			RuntimeConfig: json.RawMessage(`{"modelFormat":"triton","protocolVersion":"v1"}`),
		}
		_, err := svc.Create(context.Background(), tenant, req)
		Expect(apperrors.IsType(err, apperrors.ErrorTypeValidation)).To(BeTrue())
	})

	It("inserts a CREATING endpoint and publishes deploy_requested", func() {
		mock, svc, bus := newServiceFixture()
		mock.ExpectQuery("INSERT INTO endpoints").WillReturnRows(
			sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow("e1", time.Now(), time.Now()))

		req := CreateRequest{Name: "llama", Runtime: "vllm", ModelVersionID: "mv1"}
		ep, err := svc.Create(context.Background(), tenant, req)
		Expect(err).NotTo(HaveOccurred())
		Expect(ep.Status).To(Equal(StatusCreating))
		Expect(bus.published).To(HaveLen(1))
		Expect(bus.published[0].Subject).To(Equal(eventbus.SubjectDeployRequested))
	})
})

var _ = Describe("Service.Delete", func() {
	It("returns NotFound when the endpoint belongs to a different tenant", func() {
		mock, svc, _ := newServiceFixture()
		rows := sqlmock.NewRows([]string{
			"id", "tenant_id", "project_id", "name", "status", "url", "runtime", "model_version_id",
			"traffic", "autoscaling", "runtime_config", "error", "created_at", "updated_at",
		}).AddRow("e1", "other-tenant", "p1", "llama", "READY", nil, "vllm", "mv1",
			[]byte(`{}`), []byte(`{}`), []byte(`{}`), nil, time.Now(), time.Now())
		mock.ExpectQuery("SELECT \\* FROM endpoints").WillReturnRows(rows)

		err := svc.Delete(context.Background(), httpmw.Tenancy{TenantID: "t1"}, "e1")
		Expect(apperrors.IsType(err, apperrors.ErrorTypeNotFound)).To(BeTrue())
	})
})
