package deploy

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nimbusforge/gpucp/internal/httpmw"
)

var _ = Describe("Handler", func() {
	var (
		mock   sqlmock.Sqlmock
		router chi.Router
	)

	BeforeEach(func() {
		var svc *Service
		mock, svc, _ = newServiceFixture()

		h := NewHandler(svc)
		router = chi.NewRouter()
		router.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				tenant := httpmw.Tenancy{TenantID: "t1", ProjectID: "p1", UserID: "u1"}
				next.ServeHTTP(w, r.WithContext(httpmw.WithTenancyForTesting(r.Context(), tenant)))
			})
		})
		h.Routes(router)
	})

	It("returns 201 with the created endpoint", func() {
		mock.ExpectQuery("INSERT INTO endpoints").WillReturnRows(
			sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow("e1", time.Now(), time.Now()))

		body := bytes.NewBufferString(`{
			"name": "llama",
			"runtime": "vllm",
			"model_version_id": "mv1"
		}`)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/deployments", body)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		Expect(w.Code).To(Equal(http.StatusCreated))
	})

	It("returns a validation problem for an out-of-range canary split", func() {
		body := bytes.NewBufferString(`{
			"name": "llama",
			"runtime": "vllm",
			"model_version_id": "mv1",
			"traffic": {"canaryTrafficPercent":150,"deploymentMode":"serverless"}
		}`)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/deployments", body)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		Expect(w.Code).To(Equal(http.StatusBadRequest))
		Expect(w.Header().Get("Content-Type")).To(Equal("application/problem+json"))
	})
})
