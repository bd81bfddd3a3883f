package errors

import (
	"errors"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Structured Errors", func() {
	Describe("AppError", func() {
		Context("basic error creation", func() {
			It("should create error with correct properties", func() {
				err := New(ErrorTypeValidation, "test message")

				Expect(err.Type).To(Equal(ErrorTypeValidation))
				Expect(err.Message).To(Equal("test message"))
				Expect(err.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(err.Details).To(BeEmpty())
				Expect(err.Cause).To(BeNil())
			})

			It("should implement error interface correctly", func() {
				err := New(ErrorTypeValidation, "test message")

				Expect(err.Error()).To(Equal("validation: test message"))
			})

			It("should include details in error string when present", func() {
				err := New(ErrorTypeValidation, "test message").WithDetails("extra info")

				Expect(err.Error()).To(Equal("validation: test message (extra info)"))
			})
		})

		Context("error wrapping", func() {
			It("should wrap underlying error", func() {
				originalErr := errors.New("original error")
				wrappedErr := Wrap(originalErr, ErrorTypeTransientStore, "operation failed")

				Expect(wrappedErr.Type).To(Equal(ErrorTypeTransientStore))
				Expect(wrappedErr.Message).To(Equal("operation failed"))
				Expect(wrappedErr.Cause).To(Equal(originalErr))
				Expect(wrappedErr.Unwrap()).To(Equal(originalErr))
			})

			It("should format wrapped error with arguments", func() {
				originalErr := errors.New("connection refused")
				wrappedErr := Wrapf(originalErr, ErrorTypeTransientStore, "failed to connect to %s:%d", "localhost", 5432)

				Expect(wrappedErr.Message).To(Equal("failed to connect to localhost:5432"))
				Expect(wrappedErr.Cause).To(Equal(originalErr))
			})
		})

		Context("adding details", func() {
			It("should add details to existing error", func() {
				err := New(ErrorTypeTenancyDenied, "authentication failed")
				detailedErr := err.WithDetails("invalid token")

				Expect(detailedErr.Details).To(Equal("invalid token"))
				Expect(detailedErr).To(BeIdenticalTo(err)) // Should modify in place
			})

			It("should add formatted details", func() {
				err := New(ErrorTypeTenancyDenied, "authentication failed")
				detailedErr := err.WithDetailsf("user %s, attempt %d", "john", 3)

				Expect(detailedErr.Details).To(Equal("user john, attempt 3"))
			})
		})
	})

	Describe("HTTP Status Code Mapping", func() {
		It("should map error types to correct HTTP status codes", func() {
			testCases := []struct {
				errorType  ErrorType
				statusCode int
			}{
				{ErrorTypeValidation, http.StatusBadRequest},
				{ErrorTypeTenancyDenied, http.StatusUnauthorized},
				{ErrorTypeNotFound, http.StatusNotFound},
				{ErrorTypeConflict, http.StatusConflict},
				{ErrorTypeIdempotencyConflict, http.StatusConflict},
				{ErrorTypeQuotaExceeded, http.StatusTooManyRequests},
				{ErrorTypeTransientStore, http.StatusInternalServerError},
				{ErrorTypeTransientBus, http.StatusInternalServerError},
				{ErrorTypeDispatchTimeout, http.StatusInternalServerError},
				{ErrorTypeExecutorTimeout, http.StatusInternalServerError},
				{ErrorTypeReconcileFailed, http.StatusInternalServerError},
				{ErrorTypeInternal, http.StatusInternalServerError},
			}

			for _, tc := range testCases {
				err := New(tc.errorType, "test message")
				Expect(err.StatusCode).To(Equal(tc.statusCode))
			}
		})
	})

	Describe("Predefined Error Constructors", func() {
		It("should create validation error", func() {
			err := NewValidationError("invalid input")

			Expect(err.Type).To(Equal(ErrorTypeValidation))
			Expect(err.Message).To(Equal("invalid input"))
		})

		It("should create transient store error", func() {
			originalErr := errors.New("connection lost")
			err := NewTransientStoreError("insert gpu_job", originalErr)

			Expect(err.Type).To(Equal(ErrorTypeTransientStore))
			Expect(err.Message).To(ContainSubstring("store operation failed: insert gpu_job"))
			Expect(err.Cause).To(Equal(originalErr))
		})

		It("should create not found error", func() {
			err := NewNotFoundError("gpu_job")

			Expect(err.Message).To(Equal("gpu_job not found"))
		})

		It("should create tenancy denied error", func() {
			err := NewTenancyDeniedError("missing X-Tenant-Id")

			Expect(err.Type).To(Equal(ErrorTypeTenancyDenied))
			Expect(err.Message).To(Equal("missing X-Tenant-Id"))
		})

		It("should create dispatch timeout error carrying the job id", func() {
			err := NewDispatchTimeoutError("job-123")

			Expect(err.Type).To(Equal(ErrorTypeDispatchTimeout))
			Expect(err.Message).To(Equal("dispatch_timeout"))
			Expect(err.Details).To(ContainSubstring("job-123"))
		})
	})

	Describe("Error Type Checking", func() {
		It("should correctly identify error types", func() {
			validationErr := NewValidationError("test")
			tenancyErr := NewTenancyDeniedError("test")

			Expect(IsType(validationErr, ErrorTypeValidation)).To(BeTrue())
			Expect(IsType(validationErr, ErrorTypeTenancyDenied)).To(BeFalse())
			Expect(IsType(tenancyErr, ErrorTypeTenancyDenied)).To(BeTrue())
		})

		It("should handle non-AppError types", func() {
			regularErr := errors.New("regular error")

			Expect(IsType(regularErr, ErrorTypeValidation)).To(BeFalse())
			Expect(GetType(regularErr)).To(Equal(ErrorTypeInternal))
		})

		It("should get correct status codes", func() {
			validationErr := NewValidationError("test")
			regularErr := errors.New("regular error")

			Expect(GetStatusCode(validationErr)).To(Equal(http.StatusBadRequest))
			Expect(GetStatusCode(regularErr)).To(Equal(http.StatusInternalServerError))
		})
	})

	Describe("Safe Error Messages", func() {
		It("should return safe messages for different error types", func() {
			testCases := []struct {
				errorType    ErrorType
				expectedSafe string
			}{
				{ErrorTypeNotFound, ErrorMessages.ResourceNotFound},
				{ErrorTypeTenancyDenied, ErrorMessages.AuthenticationFailed},
				{ErrorTypeDispatchTimeout, ErrorMessages.OperationTimeout},
				{ErrorTypeQuotaExceeded, ErrorMessages.RateLimitExceeded},
				{ErrorTypeConflict, ErrorMessages.ConcurrentModification},
				{ErrorTypeTransientStore, "an internal error occurred"},
			}

			for _, tc := range testCases {
				err := New(tc.errorType, "internal details")
				Expect(SafeErrorMessage(err)).To(Equal(tc.expectedSafe))
			}

			validationErr := NewValidationError("specific validation message")
			Expect(SafeErrorMessage(validationErr)).To(Equal("specific validation message"))
		})

		It("should return generic message for regular errors", func() {
			regularErr := errors.New("internal panic")
			safeMsg := SafeErrorMessage(regularErr)

			Expect(safeMsg).To(Equal("an unexpected error occurred"))
		})
	})

	Describe("Logging Fields", func() {
		It("should generate structured logging fields", func() {
			originalErr := errors.New("connection failed")
			appErr := Wrapf(originalErr, ErrorTypeTransientStore, "query failed").
				WithDetails("table: gpu_jobs")

			fields := LogFields(appErr)

			Expect(fields).To(HaveKey("error"))
			Expect(fields).To(HaveKey("error_type"))
			Expect(fields).To(HaveKey("status_code"))
			Expect(fields).To(HaveKey("error_details"))
			Expect(fields).To(HaveKey("underlying_error"))

			Expect(fields["error_type"]).To(Equal("transient_store"))
			Expect(fields["status_code"]).To(Equal(http.StatusInternalServerError))
			Expect(fields["error_details"]).To(Equal("table: gpu_jobs"))
			Expect(fields["underlying_error"]).To(Equal("connection failed"))
		})

		It("should handle simple AppError without details", func() {
			err := NewValidationError("invalid input")
			fields := LogFields(err)

			Expect(fields).To(HaveKey("error"))
			Expect(fields).To(HaveKey("error_type"))
			Expect(fields).To(HaveKey("status_code"))
			Expect(fields).NotTo(HaveKey("error_details"))
			Expect(fields).NotTo(HaveKey("underlying_error"))
		})

		It("should handle regular errors", func() {
			err := errors.New("regular error")
			fields := LogFields(err)

			Expect(fields).To(HaveKey("error"))
			Expect(fields).NotTo(HaveKey("error_type"))
		})
	})

	Describe("Error Chaining", func() {
		It("should handle empty error list", func() {
			err := Chain()
			Expect(err).To(BeNil())
		})

		It("should handle single error", func() {
			originalErr := errors.New("single error")
			err := Chain(originalErr)

			Expect(err).To(Equal(originalErr))
		})

		It("should filter nil errors", func() {
			err1 := errors.New("error 1")
			err2 := errors.New("error 2")

			err := Chain(err1, nil, err2, nil)

			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("error 1"))
			Expect(err.Error()).To(ContainSubstring("error 2"))
		})

		It("should chain multiple errors", func() {
			err1 := errors.New("first error")
			err2 := errors.New("second error")
			err3 := errors.New("third error")

			chainedErr := Chain(err1, err2, err3)

			Expect(chainedErr).To(HaveOccurred())
			errMsg := chainedErr.Error()
			Expect(errMsg).To(ContainSubstring("first error"))
			Expect(errMsg).To(ContainSubstring("second error"))
			Expect(errMsg).To(ContainSubstring("third error"))
			Expect(errMsg).To(ContainSubstring(" -> "))
		})

		It("should return nil when all errors are nil", func() {
			err := Chain(nil, nil, nil)
			Expect(err).To(BeNil())
		})
	})

	Describe("Error Type Constants", func() {
		It("should have all expected error types defined", func() {
			expectedTypes := []ErrorType{
				ErrorTypeValidation,
				ErrorTypeTenancyDenied,
				ErrorTypeIdempotencyConflict,
				ErrorTypeQuotaExceeded,
				ErrorTypeTransientStore,
				ErrorTypeTransientBus,
				ErrorTypeDispatchTimeout,
				ErrorTypeExecutorTimeout,
				ErrorTypeReconcileFailed,
				ErrorTypeNotFound,
				ErrorTypeConflict,
				ErrorTypeInternal,
			}

			for _, errorType := range expectedTypes {
				Expect(string(errorType)).NotTo(BeEmpty())
			}
		})
	})
})
