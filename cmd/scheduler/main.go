// Command scheduler runs the periodic control loop that admits QUEUED
// jobs onto GPU pools and recovers orphaned DISPATCHED/RUNNING jobs.
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
	"github.com/nimbusforge/gpucp/internal/notify"
	"github.com/nimbusforge/gpucp/internal/telemetry"
	"github.com/nimbusforge/gpucp/pkg/jobs"
	"github.com/nimbusforge/gpucp/pkg/scheduler"
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

	var notifier notify.Notifier = notify.NoopNotifier{}
	if cfg.Notify.SlackWebhookURL != "" {
		notifier = notify.NewSlackNotifier(cfg.Notify.SlackWebhookURL, log)
	}

	schedCfg := scheduler.DefaultConfig()
	schedCfg.T4SharedSlots = cfg.Capacity.T4SharedSlots
	schedCfg.T4ExclusiveSlots = cfg.Capacity.T4ExclusiveSlots
	schedCfg.MIGTotalSlots = cfg.Capacity.MIGTotalSlots
	schedCfg.DispatchTimeout = cfg.Timeouts.DispatchTimeout
	schedCfg.ExecutorTimeout = cfg.Timeouts.ExecutionTimeout
	schedCfg.MaxAttempts = cfg.Timeouts.MaxDispatchAttempts

	s := scheduler.New(jobs.NewRepository(db), tenancy.NewRepository(db), bus, notifier, schedCfg, log)

	metrics := telemetry.NewMetricsServer(":"+cfg.Server.MetricsPort, log)
	metrics.StartAsync()

	go func() {
		log.Info("scheduler loop starting", zap.Duration("tick_interval", schedCfg.TickInterval))
		s.Loop(ctx)
	}()

	<-ctx.Done()
	log.Info("shutting down scheduler")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = metrics.Stop(shutdownCtx)
}
