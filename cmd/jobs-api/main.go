// Command jobs-api serves the GPU Jobs API: job submission and lookup,
// behind tenancy extraction, OPA authorization, and idempotency replay.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/nimbusforge/gpucp/internal/config"
	"github.com/nimbusforge/gpucp/internal/database"
	"github.com/nimbusforge/gpucp/internal/eventbus"
	"github.com/nimbusforge/gpucp/internal/httpmw"
	"github.com/nimbusforge/gpucp/internal/telemetry"
	"github.com/nimbusforge/gpucp/pkg/idempotency"
	"github.com/nimbusforge/gpucp/pkg/jobs"
	"github.com/nimbusforge/gpucp/pkg/tenancy"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the control plane configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	log, err := telemetry.NewLogger(cfg.Logging.Level, cfg.Logging.Format != "json")
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(ctx, &database.Config{
		DSN: cfg.Store.DSN, MaxOpenConns: cfg.Store.MaxOpenConns, MaxIdleConns: cfg.Store.MaxIdleConns,
		ConnMaxLifetime: 5 * time.Minute, ConnMaxIdleTime: 5 * time.Minute,
	}, log)
	if err != nil {
		log.Fatal("failed to connect to the store", zap.Error(err))
	}
	defer db.Close()

	bus := eventbus.NewRedisBus(eventbus.Config{Addr: cfg.Bus.URL}, log)
	defer bus.Close()

	authorizer, err := httpmw.NewAuthorizer(ctx)
	if err != nil {
		log.Fatal("failed to compile authorization policy", zap.Error(err))
	}

	policies := tenancy.NewRepository(db)
	idem := idempotency.NewRepository(db, time.Hour)
	jobsSvc := jobs.NewService(jobs.NewRepository(db), policies, idem, bus, log)
	jobsHandler := jobs.NewHandler(jobsSvc)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(httpmw.RequestID(telemetry.AsLogr(log)))
	r.Use(httpmw.SecurityHeaders())
	r.Use(httpmw.CORS(nil))
	r.Use(httpmw.TenancyMiddleware(cfg.Tenancy.SkipPrefixes))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	r.Group(func(r chi.Router) {
		r.Use(authorizer.Authorize("submit"))
		jobsHandler.WriteRoutes(r)
	})
	r.Group(func(r chi.Router) {
		r.Use(authorizer.Authorize("read"))
		jobsHandler.ReadRoutes(r)
	})

	metrics := telemetry.NewMetricsServer(":"+cfg.Server.MetricsPort, log)
	metrics.StartAsync()

	srv := &http.Server{Addr: ":" + cfg.Server.Port, Handler: r}
	go func() {
		log.Info("jobs-api listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("jobs-api server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down jobs-api")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = metrics.Stop(shutdownCtx)
}
