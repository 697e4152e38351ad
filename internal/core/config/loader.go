package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/vietddude/agentd/internal/agent"
	"github.com/vietddude/agentd/internal/core/domain"
	"github.com/vietddude/agentd/internal/infra/storage/postgres"
	"github.com/vietddude/agentd/internal/orchestrator"
	"github.com/vietddude/agentd/internal/resilience"
)

// Storage drivers.
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
	StorageSQLite   = "sqlite"
	StorageLog      = "log"
)

// Load reads configuration from a YAML file, applies defaults and validates it.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration, expanding environment variables first.
func Parse(data []byte) (*AppConfig, error) {
	var cfg AppConfig
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *AppConfig {
	var cfg AppConfig
	cfg.applyDefaults()
	return &cfg
}

func (c *AppConfig) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	o := &c.Orchestrator
	if o.MaxConcurrent == 0 {
		o.MaxConcurrent = 5
	}
	if o.EnableCircuitBreaker == nil {
		enabled := true
		o.EnableCircuitBreaker = &enabled
	}
	if o.PollInterval == 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.MaxRetries == nil {
		n := domain.DefaultMaxRetries
		o.MaxRetries = &n
	}
	if o.BackoffBase == 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffCap == 0 {
		o.BackoffCap = 30 * time.Second
	}
	if o.FailureThreshold == 0 {
		o.FailureThreshold = 5
	}
	if o.BreakerTimeout == 0 {
		o.BreakerTimeout = 60 * time.Second
	}
	if o.ReportInterval == 0 {
		o.ReportInterval = 30 * time.Second
	}
	if o.ShutdownTimeout == 0 {
		o.ShutdownTimeout = 30 * time.Second
	}
	if o.SinkQueueSize == 0 {
		o.SinkQueueSize = 1024
	}
	if o.SinkBatchSize == 0 {
		o.SinkBatchSize = 64
	}

	for i := range c.Agents {
		if c.Agents[i].Type == "" {
			c.Agents[i].Type = agent.TypeEcho
		}
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = StorageMemory
	}
	if c.Storage.Driver == StoragePostgres && c.Storage.Postgres.Driver == "" {
		c.Storage.Postgres.Driver = postgres.DefaultDriver
	}
	if c.Storage.Driver == StorageSQLite && c.Storage.SQLite.Path == "" {
		c.Storage.SQLite.Path = "agentd.db"
	}

	if c.Redis.Queue == "" {
		c.Redis.Queue = "agentd"
	}
	if c.Intake.PollInterval == 0 {
		c.Intake.PollInterval = 2 * time.Second
	}
}

// Validate checks the configuration for values that cannot work.
func (c *AppConfig) Validate() error {
	var errs []error

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format: unknown format %q", c.Logging.Format))
	}

	o := c.Orchestrator
	if o.MaxConcurrent < 1 {
		errs = append(errs, errors.New("orchestrator.max_concurrent must be at least 1"))
	}
	if o.MaxRetries != nil && *o.MaxRetries < 0 {
		errs = append(errs, errors.New("orchestrator.max_retries must not be negative"))
	}
	if o.FailureThreshold < 1 {
		errs = append(errs, errors.New("orchestrator.failure_threshold must be at least 1"))
	}
	if o.BackoffCap < o.BackoffBase {
		errs = append(errs, errors.New("orchestrator.backoff_cap must not be below backoff_base"))
	}

	seen := make(map[domain.Kind]bool)
	for i, a := range c.Agents {
		kind, err := domain.ParseKind(a.Kind)
		if err != nil {
			errs = append(errs, fmt.Errorf("agents[%d]: %w", i, err))
			continue
		}
		if seen[kind] {
			errs = append(errs, fmt.Errorf("agents[%d]: kind %s bound twice", i, kind))
		}
		seen[kind] = true

		switch a.Type {
		case agent.TypeCommand:
			if a.Command == "" {
				errs = append(errs, fmt.Errorf("agents[%d]: command is required for %s", i, kind))
			}
		case agent.TypeHTTP:
			if a.URL == "" {
				errs = append(errs, fmt.Errorf("agents[%d]: url is required for %s", i, kind))
			}
		case agent.TypeEcho:
		default:
			errs = append(errs, fmt.Errorf("agents[%d]: unknown type %q", i, a.Type))
		}
		if a.MaxRetries != nil && *a.MaxRetries < 0 {
			errs = append(errs, fmt.Errorf("agents[%d]: max_retries must not be negative", i))
		}
		if a.FailureThreshold < 0 {
			errs = append(errs, fmt.Errorf("agents[%d]: failure_threshold must not be negative", i))
		}
		if a.BreakerTimeout < 0 {
			errs = append(errs, fmt.Errorf("agents[%d]: breaker_timeout must not be negative", i))
		}
		if a.Fallback != "" && !json.Valid([]byte(a.Fallback)) {
			errs = append(errs, fmt.Errorf("agents[%d]: fallback is not valid JSON", i))
		}
	}

	switch c.Storage.Driver {
	case StorageMemory, StorageLog:
	case StoragePostgres:
		if c.Storage.Postgres.URL == "" {
			errs = append(errs, errors.New("storage.postgres.url is required"))
		}
		switch c.Storage.Postgres.Driver {
		case "pgx", "postgres":
		default:
			errs = append(errs, fmt.Errorf("storage.postgres.driver: unknown driver %q", c.Storage.Postgres.Driver))
		}
	case StorageSQLite:
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}

	if c.Intake.Redis && c.Redis.URL == "" {
		errs = append(errs, errors.New("redis.url is required when intake.redis is enabled"))
	}

	return errors.Join(errs...)
}

// Backoff returns the retry backoff policy.
func (c OrchestratorConfig) Backoff() resilience.BackoffPolicy {
	return resilience.BackoffPolicy{Base: c.BackoffBase, Cap: c.BackoffCap}
}

// Scheduler converts the section into orchestrator settings.
func (c OrchestratorConfig) Scheduler() orchestrator.Config {
	cfg := orchestrator.DefaultConfig()
	cfg.MaxConcurrent = c.MaxConcurrent
	cfg.EnableCircuitBreaker = c.BreakerEnabled()
	cfg.PollInterval = c.PollInterval
	if c.MaxRetries != nil {
		cfg.MaxRetries = *c.MaxRetries
	}
	cfg.BackoffBase = c.BackoffBase
	cfg.BackoffCap = c.BackoffCap
	cfg.FailureThreshold = c.FailureThreshold
	cfg.BreakerTimeout = c.BreakerTimeout
	return cfg
}

// AgentSpec converts an agent entry into an executor spec, filling unset
// retry and breaker settings from the orchestrator section.
func (a AgentConfig) AgentSpec(orch OrchestratorConfig) agent.Spec {
	maxRetries := domain.DefaultMaxRetries
	switch {
	case a.MaxRetries != nil:
		maxRetries = *a.MaxRetries
	case orch.MaxRetries != nil:
		maxRetries = *orch.MaxRetries
	}

	threshold := a.FailureThreshold
	if threshold <= 0 {
		threshold = orch.FailureThreshold
	}
	breakerTimeout := a.BreakerTimeout
	if breakerTimeout <= 0 {
		breakerTimeout = orch.BreakerTimeout
	}

	var fallback json.RawMessage
	if a.Fallback != "" {
		fallback = json.RawMessage(a.Fallback)
	}
	return agent.Spec{
		Kind:             domain.Kind(a.Kind),
		Type:             a.Type,
		Command:          a.Command,
		Args:             a.Args,
		Env:              a.Env,
		Dir:              a.Dir,
		URL:              a.URL,
		Timeout:          a.Timeout,
		MaxRetries:       maxRetries,
		FailureThreshold: threshold,
		BreakerTimeout:   breakerTimeout,
		Fallback:         fallback,
		Backoff:          orch.Backoff(),
	}
}
