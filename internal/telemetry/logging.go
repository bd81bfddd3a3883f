// Package telemetry wires the ambient observability stack shared by every
// binary: structured logging, a logr adapter for the Kubernetes client
// libraries, Prometheus metrics, and OpenTelemetry trace propagation.
package telemetry

import (
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the process-wide zap logger. level is one of
// "debug", "info", "warn", "error"; an unrecognized value falls back to
// info rather than failing process startup over a typo in config.
func NewLogger(level string, development bool) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}

// AsLogr wraps a zap logger as a logr.Logger so that controller-runtime
// and client-go, which only know logr, log through the same sink.
func AsLogr(log *zap.Logger) logr.Logger {
	return zapr.NewLogger(log)
}

// JobFields are the standard fields every job-lifecycle log line carries.
func JobFields(tenantID, projectID, jobID, dispatchToken string) []zap.Field {
	fields := make([]zap.Field, 0, 4)
	if tenantID != "" {
		fields = append(fields, zap.String("tenant_id", tenantID))
	}
	if projectID != "" {
		fields = append(fields, zap.String("project_id", projectID))
	}
	if jobID != "" {
		fields = append(fields, zap.String("job_id", jobID))
	}
	if dispatchToken != "" {
		fields = append(fields, zap.String("dispatch_token", dispatchToken))
	}
	return fields
}

// EndpointFields are the standard fields every deploy-lifecycle log line
// carries.
func EndpointFields(tenantID, projectID, endpointID string) []zap.Field {
	fields := make([]zap.Field, 0, 3)
	if tenantID != "" {
		fields = append(fields, zap.String("tenant_id", tenantID))
	}
	if projectID != "" {
		fields = append(fields, zap.String("project_id", projectID))
	}
	if endpointID != "" {
		fields = append(fields, zap.String("endpoint_id", endpointID))
	}
	return fields
}
