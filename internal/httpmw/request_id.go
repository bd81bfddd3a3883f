// Package httpmw holds the HTTP middleware chain shared by the Jobs API
// and Deployments API: request-id tagging, tenancy extraction, RFC 7807
// error rendering, CORS, and OPA-backed authorization.
package httpmw

import (
	"context"
	"net/http"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	loggerKey
	tenancyKey
)

// RequestIDHeader is returned to the caller so it can correlate a
// response with server-side logs.
const RequestIDHeader = "X-Request-ID"

// RequestID stamps every request with a UUID, exposes it via the
// X-Request-ID response header, and seeds a request-scoped logger
// carrying it, so every downstream log line can be tied back to one call.
func RequestID(log logr.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := uuid.NewString()
			w.Header().Set(RequestIDHeader, id)

			ctx := context.WithValue(r.Context(), requestIDKey, id)
			ctx = context.WithValue(ctx, loggerKey, log.WithValues("request_id", id))

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetRequestID returns "unknown" if called outside the RequestID
// middleware chain, rather than panicking.
func GetRequestID(ctx context.Context) string {
	id, ok := ctx.Value(requestIDKey).(string)
	if !ok {
		return "unknown"
	}
	return id
}

// GetLogger returns a discard logger if called outside the RequestID
// middleware chain.
func GetLogger(ctx context.Context) logr.Logger {
	log, ok := ctx.Value(loggerKey).(logr.Logger)
	if !ok {
		return logr.Discard()
	}
	return log
}
