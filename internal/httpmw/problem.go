package httpmw

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/nimbusforge/gpucp/internal/errors"
)

// Problem is an RFC 7807 application/problem+json body.
type Problem struct {
	Type      string `json:"type"`
	Title     string `json:"title"`
	Status    int    `json:"status"`
	Detail    string `json:"detail,omitempty"`
	Instance  string `json:"instance"`
	RequestID string `json:"request_id"`
}

var titleByType = map[apperrors.ErrorType]string{
	apperrors.ErrorTypeValidation:          "Validation Failed",
	apperrors.ErrorTypeTenancyDenied:       "Tenancy Denied",
	apperrors.ErrorTypeIdempotencyConflict: "Idempotency Conflict",
	apperrors.ErrorTypeQuotaExceeded:       "Quota Exceeded",
	apperrors.ErrorTypeTransientStore:      "Store Unavailable",
	apperrors.ErrorTypeTransientBus:        "Event Bus Unavailable",
	apperrors.ErrorTypeDispatchTimeout:     "Dispatch Timeout",
	apperrors.ErrorTypeExecutorTimeout:     "Executor Timeout",
	apperrors.ErrorTypeReconcileFailed:     "Reconcile Failed",
	apperrors.ErrorTypeNotFound:            "Not Found",
	apperrors.ErrorTypeConflict:            "Conflict",
	apperrors.ErrorTypeInternal:            "Internal Error",
}

// WriteProblem renders err as application/problem+json, using the
// request's own request-id so the client can correlate the failure with
// server-side logs without leaking the underlying cause.
func WriteProblem(w http.ResponseWriter, r *http.Request, err error) {
	errType := apperrors.GetType(err)
	status := apperrors.GetStatusCode(err)

	title, ok := titleByType[errType]
	if !ok {
		title = "Internal Error"
	}

	problem := Problem{
		Type:      "https://gpucp.dev/errors/" + string(errType),
		Title:     title,
		Status:    status,
		Detail:    apperrors.SafeErrorMessage(err),
		Instance:  r.URL.Path,
		RequestID: GetRequestID(r.Context()),
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}
