// Package config loads the layered configuration shared by every
// control-plane binary: a YAML file provides the baseline, environment
// variables overlay it (so the same image can run in dev/stage/prod with
// no rebuild), and Validate rejects anything that would leave a component
// unable to start safely.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full, unified shape. Each binary (jobs-api, scheduler,
// dispatcher, executor, deploy-worker) reads the same file and ignores the
// sections it does not need.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Store      StoreConfig      `yaml:"store"`
	Bus        BusConfig        `yaml:"bus"`
	Capacity   CapacityConfig   `yaml:"capacity"`
	Timeouts   TimeoutsConfig   `yaml:"timeouts"`
	Modes      ModesConfig      `yaml:"modes"`
	Resources  ResourcesConfig  `yaml:"resources"`
	Logging    LoggingConfig    `yaml:"logging"`
	Notify     NotifyConfig     `yaml:"notify"`
	Tenancy    TenancyConfig    `yaml:"tenancy"`
}

type ServerConfig struct {
	Port       string `yaml:"port"`
	MetricsPort string `yaml:"metrics_port"`
}

type StoreConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

type BusConfig struct {
	URL          string `yaml:"url"`
	ConsumerGroup string `yaml:"consumer_group"`
}

// CapacityConfig mirrors the global slot caps from §4.2 Step 2.
type CapacityConfig struct {
	T4SharedSlots    int `yaml:"t4_shared_slots"`
	T4ExclusiveSlots int `yaml:"t4_exclusive_slots"`
	MIGTotalSlots    int `yaml:"mig_total_slots"`
}

type TimeoutsConfig struct {
	DispatchTimeout     time.Duration `yaml:"dispatch_timeout"`
	ExecutionTimeout     time.Duration `yaml:"execution_timeout"`
	HTTPTimeoutSeconds   time.Duration `yaml:"http_timeout_seconds"`
	DeployTimeoutSeconds time.Duration `yaml:"deploy_timeout_seconds"`
	MaxDispatchAttempts  int           `yaml:"max_dispatch_attempts"`
}

// GPUExecutionMode selects whether the Dispatcher runs jobs in-process
// (direct) or launches an ephemeral Tekton TaskRun (ephemeral).
type GPUExecutionMode string

const (
	GPUExecutionModeDirect    GPUExecutionMode = "direct"
	GPUExecutionModeEphemeral GPUExecutionMode = "ephemeral"
)

// GPUExecutorMode selects the Executor's work behavior.
type GPUExecutorMode string

const (
	GPUExecutorModeSimulate GPUExecutorMode = "simulate"
	GPUExecutorModeHTTP     GPUExecutorMode = "http"
)

// DeployMode selects the Deploy Worker's reconciliation behavior.
type DeployMode string

const (
	DeployModeSimulate  DeployMode = "simulate"
	DeployModeReconcile DeployMode = "reconcile"
)

type ModesConfig struct {
	GPUExecution GPUExecutionMode `yaml:"gpu_execution_mode"`
	GPUExecutor  GPUExecutorMode  `yaml:"gpu_executor"`
	Deploy       DeployMode       `yaml:"deploy_mode"`
}

type ResourcesConfig struct {
	GPUResourceName string `yaml:"gpu_resource_name"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type NotifyConfig struct {
	SlackWebhookURL string `yaml:"slack_webhook_url"`
}

// TenancyConfig lists path prefixes for which tenancy headers are not
// enforced (health/metrics probes).
type TenancyConfig struct {
	SkipPrefixes []string `yaml:"skip_prefixes"`
}

// DefaultConfig returns the configuration a bare-metal dev box should be
// able to boot with: in-process execution, simulated work, no external
// GPU resource requested.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        "8080",
			MetricsPort: "9090",
		},
		Store: StoreConfig{
			DSN:          "host=localhost port=5432 user=gpucp dbname=gpucp sslmode=disable",
			MaxOpenConns: 25,
			MaxIdleConns: 5,
		},
		Bus: BusConfig{
			URL:           "redis://localhost:6379/0",
			ConsumerGroup: "gpucp",
		},
		Capacity: CapacityConfig{
			T4SharedSlots:    8,
			T4ExclusiveSlots: 1,
			MIGTotalSlots:    0,
		},
		Timeouts: TimeoutsConfig{
			DispatchTimeout:      120 * time.Second,
			ExecutionTimeout:     600 * time.Second,
			HTTPTimeoutSeconds:   30 * time.Second,
			DeployTimeoutSeconds: 300 * time.Second,
			MaxDispatchAttempts:  3,
		},
		Modes: ModesConfig{
			GPUExecution: GPUExecutionModeDirect,
			GPUExecutor:  GPUExecutorModeSimulate,
			Deploy:       DeployModeSimulate,
		},
		Resources: ResourcesConfig{
			GPUResourceName: "nvidia.com/gpu",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tenancy: TenancyConfig{
			SkipPrefixes: []string{"/healthz", "/metrics"},
		},
	}
}

// Load reads a YAML file into DefaultConfig's baseline, overlays
// environment variables, and validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadFromEnv overlays well-known environment variables onto cfg. Invalid
// values for numeric/duration fields are ignored, preserving whatever the
// file (or default) already set — a typo'd envvar should not crash the
// process.
func loadFromEnv(cfg *Config) error {
	if v := os.Getenv("SERVER_PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("METRICS_PORT"); v != "" {
		cfg.Server.MetricsPort = v
	}
	if v := os.Getenv("STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("BUS_URL"); v != "" {
		cfg.Bus.URL = v
	}
	if v := os.Getenv("T4_SHARED_SLOTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Capacity.T4SharedSlots = n
		}
	}
	if v := os.Getenv("T4_EXCLUSIVE_SLOTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Capacity.T4ExclusiveSlots = n
		}
	}
	if v := os.Getenv("MIG_TOTAL_SLOTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Capacity.MIGTotalSlots = n
		}
	}
	if v := os.Getenv("DISPATCH_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Timeouts.DispatchTimeout = d
		}
	}
	if v := os.Getenv("EXECUTION_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Timeouts.ExecutionTimeout = d
		}
	}
	if v := os.Getenv("HTTP_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Timeouts.HTTPTimeoutSeconds = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("DEPLOY_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Timeouts.DeployTimeoutSeconds = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("GPU_EXECUTION_MODE"); v != "" {
		cfg.Modes.GPUExecution = GPUExecutionMode(v)
	}
	if v := os.Getenv("GPU_EXECUTOR"); v != "" {
		cfg.Modes.GPUExecutor = GPUExecutorMode(v)
	}
	if v := os.Getenv("DEPLOY_MODE"); v != "" {
		cfg.Modes.Deploy = DeployMode(v)
	}
	if v := os.Getenv("GPU_RESOURCE_NAME"); v != "" {
		cfg.Resources.GPUResourceName = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	return nil
}

func validate(cfg *Config) error {
	if cfg.Capacity.T4SharedSlots < 0 {
		return fmt.Errorf("t4_shared_slots must be non-negative")
	}
	if cfg.Capacity.T4ExclusiveSlots < 0 {
		return fmt.Errorf("t4_exclusive_slots must be non-negative")
	}
	if cfg.Capacity.MIGTotalSlots < 0 {
		return fmt.Errorf("mig_total_slots must be non-negative")
	}
	switch cfg.Modes.GPUExecution {
	case GPUExecutionModeDirect, GPUExecutionModeEphemeral:
	default:
		return fmt.Errorf("unsupported gpu_execution_mode: %s", cfg.Modes.GPUExecution)
	}
	switch cfg.Modes.GPUExecutor {
	case GPUExecutorModeSimulate, GPUExecutorModeHTTP:
	default:
		return fmt.Errorf("unsupported gpu_executor: %s", cfg.Modes.GPUExecutor)
	}
	switch cfg.Modes.Deploy {
	case DeployModeSimulate, DeployModeReconcile:
	default:
		return fmt.Errorf("unsupported deploy_mode: %s", cfg.Modes.Deploy)
	}
	if cfg.Timeouts.MaxDispatchAttempts <= 0 {
		return fmt.Errorf("max_dispatch_attempts must be greater than 0")
	}
	if cfg.Resources.GPUResourceName == "" {
		return fmt.Errorf("gpu_resource_name is required")
	}
	return nil
}
