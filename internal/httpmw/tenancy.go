package httpmw

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	apperrors "github.com/nimbusforge/gpucp/internal/errors"
)

const (
	HeaderTenantID       = "X-Tenant-Id"
	HeaderProjectID      = "X-Project-Id"
	HeaderUserID         = "X-User-Id"
	HeaderRoles          = "X-Roles"
	HeaderIdempotencyKey = "Idempotency-Key"
)

// Tenancy is the identity the edge asserts on every request. This
// package never verifies it — verification happened upstream; Tenancy
// only parses and carries what arrived on trusted headers.
type Tenancy struct {
	TenantID  string
	ProjectID string
	UserID    string
	Roles     []string
}

// HasRole reports whether role is present, case-insensitively.
func (t Tenancy) HasRole(role string) bool {
	for _, r := range t.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

func parseRoles(header string) []string {
	if header == "" {
		return nil
	}
	fields := strings.FieldsFunc(header, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	roles := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			roles = append(roles, f)
		}
	}
	return roles
}

// TenancyMiddleware extracts and validates X-Tenant-Id/X-Project-Id/
// X-User-Id/X-Roles on every request whose path does not match one of
// skipPrefixes (health and metrics probes carry no tenancy).
func TenancyMiddleware(skipPrefixes []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, prefix := range skipPrefixes {
				if prefix != "" && strings.HasPrefix(strings.TrimPrefix(r.URL.Path, "/"), strings.TrimPrefix(prefix, "/")) {
					next.ServeHTTP(w, r)
					return
				}
			}

			tenantID := r.Header.Get(HeaderTenantID)
			projectID := r.Header.Get(HeaderProjectID)
			userID := r.Header.Get(HeaderUserID)

			if _, err := uuid.Parse(tenantID); err != nil {
				WriteProblem(w, r, apperrors.NewTenancyDeniedError("missing or invalid "+HeaderTenantID))
				return
			}
			if _, err := uuid.Parse(projectID); err != nil {
				WriteProblem(w, r, apperrors.NewTenancyDeniedError("missing or invalid "+HeaderProjectID))
				return
			}
			if userID == "" {
				WriteProblem(w, r, apperrors.NewTenancyDeniedError("missing "+HeaderUserID))
				return
			}

			tenancy := Tenancy{
				TenantID:  tenantID,
				ProjectID: projectID,
				UserID:    userID,
				Roles:     parseRoles(r.Header.Get(HeaderRoles)),
			}

			ctx := context.WithValue(r.Context(), tenancyKey, tenancy)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetTenancy returns the zero Tenancy if called outside the
// TenancyMiddleware chain.
func GetTenancy(ctx context.Context) Tenancy {
	t, ok := ctx.Value(tenancyKey).(Tenancy)
	if !ok {
		return Tenancy{}
	}
	return t
}

// WithTenancyForTesting seeds ctx with a Tenancy without going through
// TenancyMiddleware, for handler tests in other packages that need a
// pre-authenticated request context.
func WithTenancyForTesting(ctx context.Context, tenancy Tenancy) context.Context {
	return context.WithValue(ctx, tenancyKey, tenancy)
}
