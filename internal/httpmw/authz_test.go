package httpmw

import (
	"context"
	"net/http"
	"net/http/httptest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Authorizer", func() {
	var authorizer *Authorizer

	BeforeEach(func() {
		var err error
		authorizer, err = NewAuthorizer(context.Background())
		Expect(err).NotTo(HaveOccurred())
	})

	DescribeTable("Allow",
		func(roles []string, action string, expected bool) {
			allowed, err := authorizer.Allow(context.Background(), roles, action)
			Expect(err).NotTo(HaveOccurred())
			Expect(allowed).To(Equal(expected))
		},
		Entry("no roles defaults to allow", []string(nil), "submit", true),
		Entry("operator may submit", []string{"operator"}, "submit", true),
		Entry("viewer-only may read", []string{"viewer"}, "read", true),
		Entry("viewer-only may not submit", []string{"viewer"}, "submit", false),
		Entry("viewer-only may not delete", []string{"viewer"}, "delete", false),
		Entry("viewer plus operator may submit", []string{"viewer", "operator"}, "submit", true),
	)

	Describe("Authorize middleware", func() {
		It("denies a viewer-only caller attempting a write action", func() {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/gpu-jobs", nil)
			ctx := context.WithValue(req.Context(), tenancyKey, Tenancy{Roles: []string{"viewer"}})
			req = req.WithContext(ctx)

			handler := authorizer.Authorize("submit")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			Expect(rec.Code).To(Equal(http.StatusUnauthorized))
		})

		It("allows a caller with no roles set", func() {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/gpu-jobs", nil)

			handler := authorizer.Authorize("submit")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			Expect(rec.Code).To(Equal(http.StatusOK))
		})
	})
})
