package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	JobsDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gpucp_jobs_dispatched_total",
			Help: "Total GPU jobs dispatched, labeled by pool and isolation level.",
		},
		[]string{"pool", "isolation"},
	)

	JobsTerminatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gpucp_jobs_terminated_total",
			Help: "Total GPU jobs that reached a terminal status.",
		},
		[]string{"status"},
	)

	SchedulerTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gpucp_scheduler_tick_duration_seconds",
			Help:    "Duration of a single scheduler tick.",
			Buckets: prometheus.DefBuckets,
		},
	)

	DispatchInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gpucp_dispatch_inflight",
			Help: "Jobs currently in DISPATCHED or RUNNING status, across all tenants.",
		},
	)

	DispatchTimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gpucp_dispatch_timeouts_total",
			Help: "Total jobs reverted to QUEUED or failed due to dispatch timeout.",
		},
	)

	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gpucp_deploy_reconcile_duration_seconds",
			Help:    "Duration of a single deploy-worker reconcile pass.",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconcileErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gpucp_deploy_reconcile_errors_total",
			Help: "Total reconcile failures, labeled by reason.",
		},
		[]string{"reason"},
	)

	EventBusPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gpucp_eventbus_published_total",
			Help: "Total events published, labeled by subject.",
		},
		[]string{"subject"},
	)

	EventBusNacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gpucp_eventbus_nacks_total",
			Help: "Total events nacked/redelivered, labeled by subject.",
		},
		[]string{"subject"},
	)
)

func init() {
	prometheus.MustRegister(
		JobsDispatchedTotal,
		JobsTerminatedTotal,
		SchedulerTickDuration,
		DispatchInflight,
		DispatchTimeoutsTotal,
		ReconcileDuration,
		ReconcileErrorsTotal,
		EventBusPublishedTotal,
		EventBusNacksTotal,
	)
}

func RecordJobDispatched(pool, isolation string) {
	JobsDispatchedTotal.WithLabelValues(pool, isolation).Inc()
}

func RecordJobTerminated(status string) {
	JobsTerminatedTotal.WithLabelValues(status).Inc()
}

func RecordSchedulerTick(d time.Duration) {
	SchedulerTickDuration.Observe(d.Seconds())
}

func SetDispatchInflight(n float64) {
	DispatchInflight.Set(n)
}

func RecordDispatchTimeout() {
	DispatchTimeoutsTotal.Inc()
}

func RecordReconcile(d time.Duration) {
	ReconcileDuration.Observe(d.Seconds())
}

func RecordReconcileError(reason string) {
	ReconcileErrorsTotal.WithLabelValues(reason).Inc()
}

func RecordEventPublished(subject string) {
	EventBusPublishedTotal.WithLabelValues(subject).Inc()
}

func RecordEventNack(subject string) {
	EventBusNacksTotal.WithLabelValues(subject).Inc()
}

// MetricsServer exposes /metrics on its own listener so it can be
// scraped independently of the component's primary HTTP/gRPC surface.
type MetricsServer struct {
	server *http.Server
	log    *zap.Logger
}

func NewMetricsServer(addr string, log *zap.Logger) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &MetricsServer{
		server: &http.Server{Addr: addr, Handler: mux},
		log:    log,
	}
}

func (s *MetricsServer) StartAsync() {
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("metrics server exited unexpectedly", zap.Error(err))
		}
	}()
}

func (s *MetricsServer) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
