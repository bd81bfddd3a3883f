// Package httpclient is the single tenancy-aware outbound call helper
// every component uses instead of ad hoc http.Client instances: it
// propagates tenant/project/user/roles and trace context on every
// request, applies a bounded timeout, and surfaces typed errors
// instead of raw net/http ones.
package httpclient

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	apperrors "github.com/nimbusforge/gpucp/internal/errors"
	"github.com/nimbusforge/gpucp/internal/httpmw"
)

// Client wraps http.Client with tenancy propagation and a default
// per-call timeout.
type Client struct {
	http    *http.Client
	timeout time.Duration
}

func New(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{http: &http.Client{}, timeout: timeout}
}

// Do sends body to targetURL, carrying tenant's identity headers and
// the current trace context. A response with status 400 or above is
// surfaced as a Conflict-class AppError carrying the status code as
// Details (the response body is still returned); a
// transport-level failure or timeout is surfaced as ExecutorTimeout so
// callers can treat both uniformly as "the call did not complete".
func (c *Client) Do(ctx context.Context, method, targetURL string, tenant httpmw.Tenancy, body []byte) (statusCode int, respBody []byte, err error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, targetURL, bytes.NewReader(body))
	if err != nil {
		return 0, nil, apperrors.Wrap(err, apperrors.ErrorTypeValidation, "failed to build outbound request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(httpmw.HeaderTenantID, tenant.TenantID)
	req.Header.Set(httpmw.HeaderProjectID, tenant.ProjectID)
	req.Header.Set(httpmw.HeaderUserID, tenant.UserID)
	if len(tenant.Roles) > 0 {
		req.Header.Set(httpmw.HeaderRoles, strings.Join(tenant.Roles, ","))
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, apperrors.Wrap(err, apperrors.ErrorTypeExecutorTimeout, "outbound call did not complete")
	}
	defer resp.Body.Close()

	respBody, err = io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return resp.StatusCode, nil, apperrors.Wrap(err, apperrors.ErrorTypeExecutorTimeout, "failed to read response body")
	}

	if resp.StatusCode >= 400 {
		return resp.StatusCode, respBody, apperrors.New(apperrors.ErrorTypeConflict, "outbound call returned an error status").
			WithDetailsf("status=%d", resp.StatusCode)
	}
	return resp.StatusCode, respBody, nil
}
