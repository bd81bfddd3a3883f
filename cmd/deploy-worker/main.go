// Command deploy-worker serves the Deployments API and runs the worker
// that reconciles endpoint intents into Kubernetes Deployment+Service
// pairs (or, in simulate mode, a synthetic URL).
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
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/nimbusforge/gpucp/internal/config"
	"github.com/nimbusforge/gpucp/internal/database"
	"github.com/nimbusforge/gpucp/internal/eventbus"
	"github.com/nimbusforge/gpucp/internal/httpmw"
	"github.com/nimbusforge/gpucp/internal/k8sclient"
	"github.com/nimbusforge/gpucp/internal/notify"
	"github.com/nimbusforge/gpucp/internal/telemetry"
	"github.com/nimbusforge/gpucp/pkg/deploy"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the control plane configuration file")
	consumerName := flag.String("consumer-name", hostnameOrDefault(), "unique name for this deploy-worker replica within its consumer group")
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

	repo := deploy.NewRepository(db)
	deploySvc := deploy.NewService(repo, bus, log)
	deployHandler := deploy.NewHandler(deploySvc)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(httpmw.RequestID(telemetry.AsLogr(log)))
	r.Use(httpmw.SecurityHeaders())
	r.Use(httpmw.CORS(nil))
	r.Use(httpmw.TenancyMiddleware(cfg.Tenancy.SkipPrefixes))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	r.Group(func(r chi.Router) {
		r.Use(authorizer.Authorize("deploy"))
		deployHandler.DeployRoutes(r)
	})
	r.Group(func(r chi.Router) {
		r.Use(authorizer.Authorize("delete"))
		deployHandler.DeleteRoutes(r)
	})
	r.Group(func(r chi.Router) {
		r.Use(authorizer.Authorize("read"))
		deployHandler.ReadRoutes(r)
	})

	var notifier notify.Notifier = notify.NoopNotifier{}
	if cfg.Notify.SlackWebhookURL != "" {
		notifier = notify.NewSlackNotifier(cfg.Notify.SlackWebhookURL, log)
	}

	workerCfg := deploy.DefaultConfig()
	workerCfg.DeployTimeout = cfg.Timeouts.DeployTimeoutSeconds
	workerCfg.ConsumerGroup = cfg.Bus.ConsumerGroup
	if cfg.Modes.Deploy == config.DeployModeReconcile {
		workerCfg.Mode = deploy.ModeReconcile
	}

	var k8s client.Client
	if workerCfg.Mode == deploy.ModeReconcile {
		var err error
		k8s, err = k8sclient.New()
		if err != nil {
			log.Fatal("failed to build Kubernetes client", zap.Error(err))
		}
	}

	worker := deploy.NewWorker(repo, bus, k8s, workerCfg, notifier, log)

	metrics := telemetry.NewMetricsServer(":"+cfg.Server.MetricsPort, log)
	metrics.StartAsync()

	go func() {
		log.Info("deploy worker starting", zap.String("mode", string(workerCfg.Mode)), zap.String("consumer", *consumerName))
		if err := worker.Run(ctx, *consumerName); err != nil {
			log.Error("deploy worker run loop exited with error", zap.Error(err))
		}
	}()

	srv := &http.Server{Addr: ":" + cfg.Server.Port, Handler: r}
	go func() {
		log.Info("deployments api listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("deployments api server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down deploy-worker")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = metrics.Stop(shutdownCtx)
}

func hostnameOrDefault() string {
	name, err := os.Hostname()
	if err != nil {
		return "deploy-worker"
	}
	return name
}
