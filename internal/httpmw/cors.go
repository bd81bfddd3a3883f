package httpmw

import (
	"net/http"

	"github.com/go-chi/cors"
)

// CORS builds the go-chi/cors middleware for the Jobs/Deployments APIs.
// allowedOrigins empty means same-origin only — browsers calling the
// control plane directly are not the primary client, so defaults stay
// restrictive.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		AllowedHeaders:   []string{HeaderTenantID, HeaderProjectID, HeaderUserID, HeaderRoles, HeaderIdempotencyKey, "Content-Type"},
		ExposedHeaders:   []string{RequestIDHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}
	if len(allowedOrigins) == 0 {
		// go-chi/cors treats an empty AllowedOrigins list as "*"; refuse
		// every cross-origin request instead.
		opts.AllowOriginFunc = func(r *http.Request, origin string) bool { return false }
	}
	return cors.Handler(opts)
}

// SecurityHeaders sets the fixed set of defensive response headers every
// handler in this module should carry.
func SecurityHeaders() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("X-XSS-Protection", "1; mode=block")
			if r.TLS != nil {
				w.Header().Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
			}
			next.ServeHTTP(w, r)
		})
	}
}
