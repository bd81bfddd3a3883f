package deploy

import (
	"context"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
	appsv1 "k8s.io/api/apps/v1"
	"k8s.io/apimachinery/pkg/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/nimbusforge/gpucp/internal/database"
	"github.com/nimbusforge/gpucp/internal/notify"
)

func newWorkerFixture(cfg Config) (sqlmock.Sqlmock, *Worker, *Repository) {
	sqlDB, mock, err := sqlmock.New()
	Expect(err).NotTo(HaveOccurred())
	db := database.NewForTesting(sqlx.NewDb(sqlDB, "sqlmock"), zap.NewNop())
	repo := NewRepository(db)

	scheme := runtime.NewScheme()
	Expect(clientgoscheme.AddToScheme(scheme)).To(Succeed())
	k8s := fake.NewClientBuilder().WithScheme(scheme).Build()

	w := NewWorker(repo, &fakeBus{}, k8s, cfg, notify.NoopNotifier{}, zap.NewNop())
	return mock, w, repo
}

func endpointRows(status, traffic, runtimeConfig string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "tenant_id", "project_id", "name", "status", "url", "runtime", "model_version_id",
		"traffic", "autoscaling", "runtime_config", "error", "created_at", "updated_at",
	}).AddRow("e1", "t1", "p1", "llama", status, nil, "vllm:latest", "mv1",
		[]byte(traffic), []byte(`{"minReplicas":1,"maxReplicas":2}`), []byte(runtimeConfig), nil, time.Now(), time.Now())
}

var _ = Describe("Worker.handleDeployRequested", func() {
	It("marks READY with a synthetic URL in simulate mode", func() {
		cfg := DefaultConfig()
		cfg.Mode = ModeSimulate
		mock, w, _ := newWorkerFixture(cfg)

		mock.ExpectQuery("SELECT \\* FROM endpoints").WillReturnRows(endpointRows("CREATING", "{}", "{}"))
		mock.ExpectExec("UPDATE endpoints SET status = 'READY'").WillReturnResult(sqlmock.NewResult(0, 1))

		err := w.handleDeployRequested(context.Background(), "e1")
		Expect(err).NotTo(HaveOccurred())
	})

	It("fails validation before touching the orchestration plane when canaryTrafficPercent is out of range", func() {
		cfg := DefaultConfig()
		cfg.Mode = ModeReconcile
		mock, w, _ := newWorkerFixture(cfg)

		mock.ExpectQuery("SELECT \\* FROM endpoints").WillReturnRows(
			endpointRows("CREATING", `{"canaryTrafficPercent":150,"deploymentMode":"serverless"}`, "{}"))
		mock.ExpectExec("UPDATE endpoints SET status = 'FAILED'").WillReturnResult(sqlmock.NewResult(0, 1))

		err := w.handleDeployRequested(context.Background(), "e1")
		Expect(err).NotTo(HaveOccurred())
	})

	It("fails validation when triton is requested without protocolVersion v2", func() {
		cfg := DefaultConfig()
		cfg.Mode = ModeReconcile
		mock, w, _ := newWorkerFixture(cfg)

		mock.ExpectQuery("SELECT \\* FROM endpoints").WillReturnRows(
			endpointRows("CREATING", "{}", `{"modelFormat":"triton","protocolVersion":"v1"}`))
		mock.ExpectExec("UPDATE endpoints SET status = 'FAILED'").WillReturnResult(sqlmock.NewResult(0, 1))

		err := w.handleDeployRequested(context.Background(), "e1")
		Expect(err).NotTo(HaveOccurred())
	})

	It("upserts a Deployment+Service and marks READY once replicas are available", func() {
		cfg := DefaultConfig()
		cfg.Mode = ModeReconcile
		cfg.DeployTimeout = 200 * time.Millisecond
		mock, w, _ := newWorkerFixture(cfg)

		mock.ExpectQuery("SELECT \\* FROM endpoints").WillReturnRows(endpointRows("CREATING", "{}", "{}"))
		mock.ExpectExec("UPDATE endpoints SET status = 'READY'").WillReturnResult(sqlmock.NewResult(0, 1))

		// Pre-seed the fake client with an already-available Deployment so
		// pollReady's first check succeeds without a real controller loop.
		name := "gpucp-ep-e1"
		deployment := &appsv1.Deployment{}
		deployment.Name = name
		deployment.Namespace = cfg.Namespace
		deployment.Status = appsv1.DeploymentStatus{Replicas: 1, AvailableReplicas: 1}

		scheme := runtime.NewScheme()
		Expect(clientgoscheme.AddToScheme(scheme)).To(Succeed())
		k8s := fake.NewClientBuilder().WithScheme(scheme).WithObjects(deployment).WithStatusSubresource(deployment).Build()
		w.k8s = k8s

		err := w.handleDeployRequested(context.Background(), "e1")
		Expect(err).NotTo(HaveOccurred())
	})
})

var _ = Describe("Worker.handleDeleteRequested", func() {
	It("soft-deletes the endpoint row", func() {
		cfg := DefaultConfig()
		cfg.Mode = ModeSimulate
		mock, w, _ := newWorkerFixture(cfg)

		mock.ExpectQuery("SELECT \\* FROM endpoints").WillReturnRows(endpointRows("READY", "{}", "{}"))
		mock.ExpectExec("UPDATE endpoints SET status = 'DELETING'").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE endpoints").WillReturnResult(sqlmock.NewResult(0, 1))

		err := w.handleDeleteRequested(context.Background(), "e1")
		Expect(err).NotTo(HaveOccurred())
	})
})

var _ = Describe("Worker.render", func() {
	It("renders a Deployment and Service with the GPU runtime's artifact env vars", func() {
		cfg := DefaultConfig()
		_, w, _ := newWorkerFixture(cfg)

		ep := &Endpoint{ID: "e1", Name: "llama", Runtime: "vllm:latest"}
		rc := RuntimeConfig{ModelFormat: "triton", ProtocolVersion: "v2", ArtifactURI: "s3://bucket/model"}
		auto := Autoscaling{MinReplicas: 2, MaxReplicas: 4}

		deployment, service := w.render(ep, rc, auto)
		Expect(*deployment.Spec.Replicas).To(Equal(int32(2)))
		Expect(deployment.Spec.Template.Spec.Containers[0].Image).To(Equal("vllm:latest"))
		Expect(service.Spec.Ports[0].Port).To(Equal(cfg.ServicePort))
	})
})
