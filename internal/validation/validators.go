// Package validation holds field-level validators that go beyond what a
// struct tag can express: free-form strings that must be defanged before
// they reach a log line or a downstream query, and the small closed
// vocabularies (pool, isolation) that the data model treats as
// enums but Postgres stores as checked text.
package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// unsafePattern flags the same families of injection attempts regardless
// of which field they arrive in: SQL metacharacters/keywords and script
// tags. It is a defense-in-depth net behind parameterized queries, not a
// substitute for them.
var unsafePattern = regexp.MustCompile(`(?i)(--|;|'|"|<script|union\s+select|drop\s+table|insert\s+into|delete\s+from)`)

var controlCharPattern = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F\x7F]`)

// ValidateStringInput rejects inputs that are too long, carry control
// characters, or look like an injection attempt.
func ValidateStringInput(field, value string, maxLen int) error {
	if len(value) > maxLen {
		return fmt.Errorf("%s must be %d characters or less", field, maxLen)
	}
	if controlCharPattern.MatchString(value) {
		return fmt.Errorf("%s contains invalid control characters", field)
	}
	if unsafePattern.MatchString(value) {
		return fmt.Errorf("%s contains potentially unsafe characters", field)
	}
	return nil
}

// SanitizeForLogging truncates and replaces control characters so
// attacker-controlled strings (target_url, idem_key, free-form labels)
// can't break structured log output.
func SanitizeForLogging(input string) string {
	sanitized := controlCharPattern.ReplaceAllString(input, "?")
	const maxLen = 200
	if len(sanitized) > maxLen {
		sanitized = sanitized[:maxLen-3] + "..."
	}
	return sanitized
}

// GPUPool is the pool a job requests or is assigned to.
type GPUPool string

const (
	GPUPoolT4   GPUPool = "t4"
	GPUPoolMIG  GPUPool = "mig"
	GPUPoolAuto GPUPool = "auto"
)

// ValidateGPUPoolRequested accepts t4, mig, or auto (the assigned pool,
// once dispatched, must never be auto — see ValidateGPUPoolAssigned).
func ValidateGPUPoolRequested(pool string) error {
	switch GPUPool(pool) {
	case GPUPoolT4, GPUPoolMIG, GPUPoolAuto:
		return nil
	default:
		return fmt.Errorf("gpu_pool_requested must be one of t4, mig, auto; got %q", pool)
	}
}

func ValidateGPUPoolAssigned(pool string) error {
	switch GPUPool(pool) {
	case GPUPoolT4, GPUPoolMIG:
		return nil
	default:
		return fmt.Errorf("gpu_pool_assigned must be one of t4, mig; got %q", pool)
	}
}

// IsolationLevel is shared or exclusive; "isolated" is accepted as an
// input alias for exclusive but is never stored.
type IsolationLevel string

const (
	IsolationShared    IsolationLevel = "shared"
	IsolationExclusive IsolationLevel = "exclusive"
)

// NormalizeIsolationLevel maps the "isolated" alias to "exclusive" and
// validates the result.
func NormalizeIsolationLevel(level string) (IsolationLevel, error) {
	switch strings.ToLower(level) {
	case "isolated":
		return IsolationExclusive, nil
	case string(IsolationShared):
		return IsolationShared, nil
	case string(IsolationExclusive):
		return IsolationExclusive, nil
	default:
		return "", fmt.Errorf("isolation_level must be one of shared, exclusive, isolated; got %q", level)
	}
}

// ValidateTargetURL requires an absolute http(s) URL — the executor's
// "http" mode POSTs request_json to this address.
func ValidateTargetURL(target string) error {
	if target == "" {
		return fmt.Errorf("target_url is required")
	}
	if err := ValidateStringInput("target_url", target, 2048); err != nil {
		return err
	}
	u, err := url.Parse(target)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("target_url must be an absolute URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("target_url must use http or https")
	}
	return nil
}

// ValidateIdempotencyKey bounds the client-supplied opaque token.
func ValidateIdempotencyKey(key string) error {
	if key == "" {
		return nil // opt-in header
	}
	return ValidateStringInput("idempotency_key", key, 255)
}

// ValidateCanaryTrafficPercent enforces the [0,100] bound from the
// EndpointIntent's traffic split.
func ValidateCanaryTrafficPercent(percent int) error {
	if percent < 0 || percent > 100 {
		return fmt.Errorf("canaryTrafficPercent must be between 0 and 100, got %d", percent)
	}
	return nil
}
