// Package errors defines the structured error taxonomy shared by every
// control-plane component. Handlers and workers never return bare errors
// across a package boundary; they wrap them into an AppError so that HTTP
// handlers can render RFC 7807 bodies and workers can log a stable
// error_type field.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorType is a taxonomy tag, not a Go type hierarchy: callers branch on
// it with IsType/GetType rather than type-asserting concrete error types.
type ErrorType string

const (
	ErrorTypeValidation         ErrorType = "validation"
	ErrorTypeTenancyDenied      ErrorType = "tenancy_denied"
	ErrorTypeIdempotencyConflict ErrorType = "idempotency_conflict"
	ErrorTypeQuotaExceeded      ErrorType = "quota_exceeded"
	ErrorTypeTransientStore     ErrorType = "transient_store"
	ErrorTypeTransientBus       ErrorType = "transient_bus"
	ErrorTypeDispatchTimeout    ErrorType = "dispatch_timeout"
	ErrorTypeExecutorTimeout    ErrorType = "executor_timeout"
	ErrorTypeReconcileFailed    ErrorType = "reconcile_failed"
	ErrorTypeNotFound           ErrorType = "not_found"
	ErrorTypeConflict           ErrorType = "conflict"
	ErrorTypeInternal           ErrorType = "internal"
)

var statusByType = map[ErrorType]int{
	ErrorTypeValidation:          http.StatusBadRequest,
	ErrorTypeTenancyDenied:       http.StatusUnauthorized,
	ErrorTypeIdempotencyConflict: http.StatusConflict,
	ErrorTypeQuotaExceeded:       http.StatusTooManyRequests,
	ErrorTypeTransientStore:      http.StatusInternalServerError,
	ErrorTypeTransientBus:        http.StatusInternalServerError,
	ErrorTypeDispatchTimeout:     http.StatusInternalServerError,
	ErrorTypeExecutorTimeout:     http.StatusInternalServerError,
	ErrorTypeReconcileFailed:     http.StatusInternalServerError,
	ErrorTypeNotFound:            http.StatusNotFound,
	ErrorTypeConflict:            http.StatusConflict,
	ErrorTypeInternal:            http.StatusInternalServerError,
}

// AppError is the one error shape that crosses package boundaries.
type AppError struct {
	Type       ErrorType
	Message    string
	Details    string
	StatusCode int
	Cause      error
}

func New(t ErrorType, message string) *AppError {
	return &AppError{
		Type:       t,
		Message:    message,
		StatusCode: statusFor(t),
	}
}

func Wrap(cause error, t ErrorType, message string) *AppError {
	return &AppError{
		Type:       t,
		Message:    message,
		StatusCode: statusFor(t),
		Cause:      cause,
	}
}

func Wrapf(cause error, t ErrorType, format string, args ...interface{}) *AppError {
	return Wrap(cause, t, fmt.Sprintf(format, args...))
}

func statusFor(t ErrorType) int {
	if s, ok := statusByType[t]; ok {
		return s
	}
	return http.StatusInternalServerError
}

func (e *AppError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.Details != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Details)
	}
	return msg
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

func (e *AppError) WithDetailsf(format string, args ...interface{}) *AppError {
	e.Details = fmt.Sprintf(format, args...)
	return e
}

// Predefined constructors for the taxonomy's most common shapes.

func NewValidationError(message string) *AppError {
	return New(ErrorTypeValidation, message)
}

func NewTenancyDeniedError(message string) *AppError {
	return New(ErrorTypeTenancyDenied, message)
}

func NewIdempotencyConflictError(message string) *AppError {
	return New(ErrorTypeIdempotencyConflict, message)
}

func NewQuotaExceededError(message string) *AppError {
	return New(ErrorTypeQuotaExceeded, message)
}

func NewNotFoundError(resource string) *AppError {
	return New(ErrorTypeNotFound, resource+" not found")
}

func NewConflictError(message string) *AppError {
	return New(ErrorTypeConflict, message)
}

func NewTransientStoreError(operation string, cause error) *AppError {
	return Wrap(cause, ErrorTypeTransientStore, "store operation failed: "+operation)
}

func NewTransientBusError(operation string, cause error) *AppError {
	return Wrap(cause, ErrorTypeTransientBus, "bus operation failed: "+operation)
}

func NewDispatchTimeoutError(jobID string) *AppError {
	return New(ErrorTypeDispatchTimeout, "dispatch_timeout").WithDetailsf("job_id: %s", jobID)
}

func NewExecutorTimeoutError(jobID string) *AppError {
	return New(ErrorTypeExecutorTimeout, "executor_timeout").WithDetailsf("job_id: %s", jobID)
}

func NewReconcileFailedError(endpointID string, cause error) *AppError {
	return Wrapf(cause, ErrorTypeReconcileFailed, "reconcile failed for endpoint %s", endpointID)
}

// IsType reports whether err is an *AppError of the given type.
func IsType(err error, t ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == t
	}
	return false
}

// GetType returns err's ErrorType, or ErrorTypeInternal for plain errors.
func GetType(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrorTypeInternal
}

// GetStatusCode returns the HTTP status to render for err.
func GetStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return http.StatusInternalServerError
}

// ErrorMessages holds the client-safe text for error types whose
// underlying cause must never reach a response body.
var ErrorMessages = struct {
	ResourceNotFound       string
	AuthenticationFailed   string
	OperationTimeout       string
	RateLimitExceeded      string
	ConcurrentModification string
}{
	ResourceNotFound:       "the requested resource was not found",
	AuthenticationFailed:   "tenancy headers are missing or invalid",
	OperationTimeout:       "the operation timed out",
	RateLimitExceeded:      "quota exceeded",
	ConcurrentModification: "the resource was modified concurrently",
}

// SafeErrorMessage returns text that is safe to place in a client response:
// validation messages are passed through verbatim (they describe the
// client's own request), every other type maps to a fixed, generic string.
func SafeErrorMessage(err error) string {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return "an unexpected error occurred"
	}
	switch appErr.Type {
	case ErrorTypeValidation:
		return appErr.Message
	case ErrorTypeNotFound:
		return ErrorMessages.ResourceNotFound
	case ErrorTypeTenancyDenied:
		return ErrorMessages.AuthenticationFailed
	case ErrorTypeDispatchTimeout, ErrorTypeExecutorTimeout:
		return ErrorMessages.OperationTimeout
	case ErrorTypeQuotaExceeded:
		return ErrorMessages.RateLimitExceeded
	case ErrorTypeConflict, ErrorTypeIdempotencyConflict:
		return ErrorMessages.ConcurrentModification
	default:
		return "an internal error occurred"
	}
}

// LogFields renders err as a structured field map for a zap/logr sink.
func LogFields(err error) map[string]interface{} {
	fields := map[string]interface{}{
		"error": err.Error(),
	}
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return fields
	}
	fields["error_type"] = string(appErr.Type)
	fields["status_code"] = appErr.StatusCode
	if appErr.Details != "" {
		fields["error_details"] = appErr.Details
	}
	if appErr.Cause != nil {
		fields["underlying_error"] = appErr.Cause.Error()
	}
	return fields
}

// Chain concatenates non-nil errors into one error for contexts (e.g. a
// cleanup pass) where every failure matters but only one return value fits.
func Chain(errs ...error) error {
	var msgs []string
	for _, e := range errs {
		if e != nil {
			msgs = append(msgs, e.Error())
		}
	}
	switch len(msgs) {
	case 0:
		return nil
	case 1:
		for _, e := range errs {
			if e != nil {
				return e
			}
		}
	}
	return errors.New(strings.Join(msgs, " -> "))
}
