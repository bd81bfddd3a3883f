package httpmw

import (
	"context"
	"net/http"
	"net/http/httptest"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("RequestID middleware", func() {
	var (
		nextHandler http.Handler
		log         logr.Logger
		capturedCtx context.Context
	)

	BeforeEach(func() {
		log = logr.Discard()
		capturedCtx = nil
		nextHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			capturedCtx = r.Context()
			w.WriteHeader(http.StatusOK)
		})
	})

	It("adds a unique request id header to every request", func() {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/gpu-jobs", nil)
		handler := RequestID(log)(nextHandler)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		id := rec.Header().Get(RequestIDHeader)
		Expect(id).NotTo(BeEmpty())
		Expect(len(id)).To(BeNumerically(">", 20))
	})

	It("generates different ids across requests", func() {
		handler := RequestID(log)(nextHandler)

		rec1 := httptest.NewRecorder()
		handler.ServeHTTP(rec1, httptest.NewRequest(http.MethodPost, "/api/v1/gpu-jobs", nil))

		rec2 := httptest.NewRecorder()
		handler.ServeHTTP(rec2, httptest.NewRequest(http.MethodPost, "/api/v1/gpu-jobs", nil))

		Expect(rec1.Header().Get(RequestIDHeader)).NotTo(Equal(rec2.Header().Get(RequestIDHeader)))
	})

	It("makes the request id and logger available in the handler context", func() {
		handler := RequestID(log)(nextHandler)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/gpu-jobs/123", nil))

		Expect(capturedCtx).NotTo(BeNil())
		Expect(GetRequestID(capturedCtx)).NotTo(Equal("unknown"))
		Expect(GetLogger(capturedCtx)).NotTo(BeNil())
	})

	It("falls back to unknown and a discard logger outside the chain", func() {
		ctx := context.Background()
		Expect(GetRequestID(ctx)).To(Equal("unknown"))
		Expect(GetLogger(ctx)).NotTo(BeNil())
	})
})
