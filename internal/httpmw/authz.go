package httpmw

import (
	"context"
	_ "embed"
	"net/http"

	"github.com/open-policy-agent/opa/rego"

	apperrors "github.com/nimbusforge/gpucp/internal/errors"
)

//go:embed policy/authz.rego
var authzPolicy string

// Authorizer evaluates the embedded Rego policy against a caller's roles
// and the action a route requires.
type Authorizer struct {
	query rego.PreparedEvalQuery
}

// NewAuthorizer compiles the embedded policy once at startup so that
// every request only pays for evaluation, not compilation.
func NewAuthorizer(ctx context.Context) (*Authorizer, error) {
	query, err := rego.New(
		rego.Query("data.gpucp.authz.allow"),
		rego.Module("authz.rego", authzPolicy),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, err
	}
	return &Authorizer{query: query}, nil
}

// Allow evaluates whether roles may perform action ("read", "submit",
// "deploy", "delete").
func (a *Authorizer) Allow(ctx context.Context, roles []string, action string) (bool, error) {
	input := map[string]interface{}{
		"roles":  roles,
		"action": action,
	}
	results, err := a.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, err
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, nil
	}
	allowed, _ := results[0].Expressions[0].Value.(bool)
	return allowed, nil
}

// Authorize builds middleware that denies requests whose tenancy roles
// fail the policy for the given action. It must run after
// TenancyMiddleware.
func (a *Authorizer) Authorize(action string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenancy := GetTenancy(r.Context())

			allowed, err := a.Allow(r.Context(), tenancy.Roles, action)
			if err != nil {
				WriteProblem(w, r, apperrors.New(apperrors.ErrorTypeInternal, "authorization evaluation failed"))
				return
			}
			if !allowed {
				WriteProblem(w, r, apperrors.NewTenancyDeniedError("role does not permit action: "+action))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
