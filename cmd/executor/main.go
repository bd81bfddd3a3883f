// Command executor runs a single job's lifecycle to completion, then
// exits. It is the binary an ephemeral TaskRun launches, with JOB_ID and
// DISPATCH_TOKEN supplied as environment variables by the Dispatcher.
package main

import (
	"context"
	"flag"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/nimbusforge/gpucp/internal/config"
	"github.com/nimbusforge/gpucp/internal/database"
	"github.com/nimbusforge/gpucp/internal/eventbus"
	"github.com/nimbusforge/gpucp/internal/notify"
	"github.com/nimbusforge/gpucp/internal/telemetry"
	"github.com/nimbusforge/gpucp/pkg/executor"
	"github.com/nimbusforge/gpucp/pkg/httpclient"
	"github.com/nimbusforge/gpucp/pkg/jobs"
	"github.com/nimbusforge/gpucp/pkg/usage"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the control plane configuration file")
	flag.Parse()

	jobID := os.Getenv("JOB_ID")
	dispatchToken := os.Getenv("DISPATCH_TOKEN")
	if jobID == "" || dispatchToken == "" {
		panic("JOB_ID and DISPATCH_TOKEN must both be set")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	log, err := telemetry.NewLogger(cfg.Logging.Level, cfg.Logging.Format != "json")
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.ExecutionTimeout)
	defer cancel()

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

	execCfg := executor.DefaultConfig()
	if cfg.Modes.GPUExecutor == config.GPUExecutorModeHTTP {
		execCfg.Mode = executor.WorkModeHTTP
	}
	execCfg.HTTPTimeout = cfg.Timeouts.HTTPTimeoutSeconds

	e := executor.New(jobs.NewRepository(db), usage.NewRepository(db), bus, httpclient.New(execCfg.HTTPTimeout), notifier, execCfg, log)

	log.Info("executor starting", zap.String("job_id", jobID))
	if err := e.Run(ctx, jobID, dispatchToken); err != nil {
		log.Fatal("executor run failed", zap.String("job_id", jobID), zap.Error(err))
	}
	log.Info("executor finished", zap.String("job_id", jobID))
}
