// Command dispatcher consumes dispatch events and either runs jobs
// in-process (direct mode) or submits an ephemeral Tekton TaskRun per
// job (ephemeral mode).
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/nimbusforge/gpucp/internal/config"
	"github.com/nimbusforge/gpucp/internal/database"
	"github.com/nimbusforge/gpucp/internal/eventbus"
	"github.com/nimbusforge/gpucp/internal/k8sclient"
	"github.com/nimbusforge/gpucp/internal/notify"
	"github.com/nimbusforge/gpucp/internal/telemetry"
	"github.com/nimbusforge/gpucp/pkg/dispatcher"
	"github.com/nimbusforge/gpucp/pkg/executor"
	"github.com/nimbusforge/gpucp/pkg/httpclient"
	"github.com/nimbusforge/gpucp/pkg/jobs"
	"github.com/nimbusforge/gpucp/pkg/usage"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the control plane configuration file")
	consumerName := flag.String("consumer-name", hostnameOrDefault(), "unique name for this dispatcher replica within its consumer group")
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

	repo := jobs.NewRepository(db)

	var launcher dispatcher.Launcher
	switch cfg.Modes.GPUExecution {
	case config.GPUExecutionModeEphemeral:
		k8s, err := k8sclient.New()
		if err != nil {
			log.Fatal("failed to build Kubernetes client", zap.Error(err))
		}
		ephemeralCfg := dispatcher.DefaultEphemeralConfig()
		ephemeralCfg.GPUResourceName = cfg.Resources.GPUResourceName
		launcher = dispatcher.NewEphemeralLauncher(k8s, repo, ephemeralCfg)
	default:
		var notifier notify.Notifier = notify.NoopNotifier{}
		if cfg.Notify.SlackWebhookURL != "" {
			notifier = notify.NewSlackNotifier(cfg.Notify.SlackWebhookURL, log)
		}
		execCfg := executor.DefaultConfig()
		if cfg.Modes.GPUExecutor == config.GPUExecutorModeHTTP {
			execCfg.Mode = executor.WorkModeHTTP
		}
		execCfg.HTTPTimeout = cfg.Timeouts.HTTPTimeoutSeconds
		runner := executor.New(repo, usage.NewRepository(db), bus, httpclient.New(execCfg.HTTPTimeout), notifier, execCfg, log)
		launcher = dispatcher.NewDirectLauncher(runner)
	}

	d := dispatcher.New(bus, repo, launcher, cfg.Bus.ConsumerGroup, log)

	metrics := telemetry.NewMetricsServer(":"+cfg.Server.MetricsPort, log)
	metrics.StartAsync()

	log.Info("dispatcher starting", zap.String("mode", string(cfg.Modes.GPUExecution)), zap.String("consumer", *consumerName))
	if err := d.Run(ctx, *consumerName); err != nil {
		log.Error("dispatcher run loop exited with error", zap.Error(err))
	}

	log.Info("shutting down dispatcher")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = metrics.Stop(shutdownCtx)
}

func hostnameOrDefault() string {
	name, err := os.Hostname()
	if err != nil {
		return "dispatcher"
	}
	return name
}
