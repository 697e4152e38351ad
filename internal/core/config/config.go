package config

import (
	"time"

	redisclient "github.com/vietddude/agentd/internal/infra/redis"
	"github.com/vietddude/agentd/internal/infra/storage/postgres"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server       ServerConfig       `yaml:"server"`
	Logging      LoggingConfig      `yaml:"logging"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Agents       []AgentConfig      `yaml:"agents"`
	Storage      StorageConfig      `yaml:"storage"`
	Redis        redisclient.Config `yaml:"redis"`
	Intake       IntakeConfig       `yaml:"intake"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"` // negative disables the status server
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// OrchestratorConfig holds scheduling and resilience settings.
type OrchestratorConfig struct {
	MaxConcurrent        int           `yaml:"max_concurrent"`
	EnableCircuitBreaker *bool         `yaml:"enable_circuit_breaker"` // default true
	PollInterval         time.Duration `yaml:"poll_interval"`
	MaxRetries           *int          `yaml:"max_retries"` // default 3, 0 disables retries
	BackoffBase          time.Duration `yaml:"backoff_base"`
	BackoffCap           time.Duration `yaml:"backoff_cap"`
	FailureThreshold     int           `yaml:"failure_threshold"`
	BreakerTimeout       time.Duration `yaml:"breaker_timeout"`
	ReportInterval       time.Duration `yaml:"report_interval"` // 0 = default, negative disables
	ShutdownTimeout      time.Duration `yaml:"shutdown_timeout"`
	SinkQueueSize        int           `yaml:"sink_queue_size"`
	SinkBatchSize        int           `yaml:"sink_batch_size"`
}

// BreakerEnabled reports the effective circuit breaker setting.
func (c OrchestratorConfig) BreakerEnabled() bool {
	return c.EnableCircuitBreaker == nil || *c.EnableCircuitBreaker
}

// AgentConfig binds a kind to an executor. Zero breaker settings inherit the
// orchestrator's.
type AgentConfig struct {
	Kind             string        `yaml:"kind"`
	Type             string        `yaml:"type"` // command, http, echo
	Command          string        `yaml:"command"`
	Args             []string      `yaml:"args"`
	Env              []string      `yaml:"env"`
	Dir              string        `yaml:"dir"`
	URL              string        `yaml:"url"`
	Timeout          time.Duration `yaml:"timeout"`
	MaxRetries       *int          `yaml:"max_retries"`
	FailureThreshold int           `yaml:"failure_threshold"`
	BreakerTimeout   time.Duration `yaml:"breaker_timeout"`
	Fallback         string        `yaml:"fallback"` // JSON document returned once retries are exhausted
}

// StorageConfig selects where task records are persisted.
type StorageConfig struct {
	Driver   string          `yaml:"driver"` // memory, postgres, sqlite, log
	Postgres postgres.Config `yaml:"postgres"`
	SQLite   SQLiteConfig    `yaml:"sqlite"`
}

// SQLiteConfig holds the embedded store settings.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// IntakeConfig enables external task sources.
type IntakeConfig struct {
	Dir          string        `yaml:"dir"` // empty disables the directory intake
	PollInterval time.Duration `yaml:"poll_interval"`
	Redis        bool          `yaml:"redis"`
}
