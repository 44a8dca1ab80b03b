// Package config provides configuration loading for ledgerd.
//
// Configuration is layered: hardcoded defaults, then an optional YAML file,
// then environment variables. See LoadWithFile.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the complete ledgerd configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Store         StoreConfig         `koanf:"store"`
	Observability ObservabilityConfig `koanf:"observability"`
	Orchestrator  OrchestratorConfig  `koanf:"orchestrator"`
	Retry         RetryConfig         `koanf:"retry"`
	Uncertainty   UncertaintyConfig   `koanf:"uncertainty"`
	Classifier    ClassifierConfig    `koanf:"classifier"`
	Pentagon      PentagonConfig      `koanf:"pentagon"`
	Compliance    ComplianceConfig    `koanf:"compliance"`
	Events        EventsConfig        `koanf:"events"`
	Collaborators CollaboratorsConfig `koanf:"collaborators"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `koanf:"http_host"`
	Port            int           `koanf:"http_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// StoreConfig selects and configures the relational backend.
type StoreConfig struct {
	// Driver is "sqlite" (default) or "mysql".
	Driver string `koanf:"driver"`
	// Path is the SQLite database file. Ignored for mysql.
	Path string `koanf:"path"`
	// DSN is the MySQL data source name. Ignored for sqlite.
	DSN         Secret        `koanf:"dsn"`
	BusyTimeout time.Duration `koanf:"busy_timeout"`
}

// ObservabilityConfig holds logging and OpenTelemetry settings.
type ObservabilityConfig struct {
	EnableTelemetry bool    `koanf:"enable_telemetry"`
	ServiceName     string  `koanf:"service_name"`
	Endpoint        string  `koanf:"endpoint"`
	Insecure        bool    `koanf:"insecure"`
	SamplingRate    float64 `koanf:"sampling_rate"`
	LogLevel        string  `koanf:"log_level"`
	LogFormat       string  `koanf:"log_format"`
}

// OrchestratorConfig controls the phase pipeline.
type OrchestratorConfig struct {
	PhaseTimeout           time.Duration `koanf:"phase_timeout"`
	MaxRevisions           int           `koanf:"max_revisions"`
	RetryExecutionFailures bool          `koanf:"retry_execution_failures"`
	PollInterval           time.Duration `koanf:"poll_interval"`
	ExpectedActionStatus   string        `koanf:"expected_action_status"`
}

// RetryConfig controls bounded exponential backoff for failed executions.
type RetryConfig struct {
	MaxRetries int           `koanf:"max_retries"`
	BaseDelay  time.Duration `koanf:"base_delay"`
	MaxDelay   time.Duration `koanf:"max_delay"`
}

// UncertaintyConfig controls the uncertainty detector.
type UncertaintyConfig struct {
	ConfidenceThreshold float64            `koanf:"confidence_threshold"`
	RoleThresholds      map[string]float64 `koanf:"role_thresholds"`
	DeepAnalysis        bool               `koanf:"deep_analysis"`
	StaleDataAge        time.Duration      `koanf:"stale_data_age"`
}

// ClassifierConfig configures the semantic uncertainty classifier (Pass 2).
type ClassifierConfig struct {
	Enabled   bool          `koanf:"enabled"`
	BaseURL   string        `koanf:"base_url"`
	Model     string        `koanf:"model"`
	APIKey    Secret        `koanf:"api_key"`
	RateLimit float64       `koanf:"rate_limit"`
	Burst     int           `koanf:"burst"`
	Timeout   time.Duration `koanf:"timeout"`
}

// PentagonConfig configures the IMR Pentagon review check.
type PentagonConfig struct {
	MaxApprovalAge time.Duration `koanf:"max_approval_age"`
	MinConfidence  float64       `koanf:"min_confidence"`
}

// ComplianceConfig configures compliance policies.
type ComplianceConfig struct {
	BudgetThreshold float64 `koanf:"budget_threshold"`
	SecretScan      bool    `koanf:"secret_scan"`
	AllowlistPath   string  `koanf:"allowlist_path"`
	WatchAllowlist  bool    `koanf:"watch_allowlist"`
}

// EventsConfig configures the NATS notifier.
type EventsConfig struct {
	Enabled       bool   `koanf:"enabled"`
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// CollaboratorsConfig holds subprocess commands for the pipeline roles.
type CollaboratorsConfig struct {
	Drafter  []string `koanf:"drafter"`
	Verifier []string `koanf:"verifier"`
	Executor []string `koanf:"executor"`
}

// Load returns configuration from environment variables with defaults.
//
// Environment variables:
//   - SERVER_HTTP_PORT: HTTP server port (default: 9191)
//   - STORE_DRIVER: sqlite or mysql (default: sqlite)
//   - STORE_PATH: SQLite database path (default: ~/.config/ledgerd/ledgerd.db)
//   - OTEL_ENABLE: Enable OpenTelemetry (default: false)
//   - RETRY_MAX_RETRIES: Retry cap (default: 3)
func Load() *Config {
	cfg := &Config{}
	applyDefaults(cfg)

	cfg.Server.Port = getEnvInt("SERVER_HTTP_PORT", cfg.Server.Port)
	cfg.Store.Driver = getEnvString("STORE_DRIVER", cfg.Store.Driver)
	cfg.Store.Path = getEnvString("STORE_PATH", cfg.Store.Path)
	cfg.Observability.EnableTelemetry = getEnvBool("OTEL_ENABLE", cfg.Observability.EnableTelemetry)
	cfg.Retry.MaxRetries = getEnvInt("RETRY_MAX_RETRIES", cfg.Retry.MaxRetries)
	cfg.Orchestrator.PhaseTimeout = getEnvDuration("ORCHESTRATOR_PHASE_TIMEOUT", cfg.Orchestrator.PhaseTimeout)

	return cfg
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("shutdown timeout must be positive"))
	}

	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for sqlite"))
		}
	case "mysql":
		if !c.Store.DSN.IsSet() {
			errs = append(errs, errors.New("store.dsn is required for mysql"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q (want sqlite or mysql)", c.Store.Driver))
	}

	if c.Observability.EnableTelemetry && c.Observability.ServiceName == "" {
		errs = append(errs, errors.New("service name required when telemetry is enabled"))
	}

	if c.Retry.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("retry.max_retries must be >= 0, got %d", c.Retry.MaxRetries))
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		errs = append(errs, fmt.Errorf("retry delays invalid: base=%s max=%s", c.Retry.BaseDelay, c.Retry.MaxDelay))
	}

	if !validUnit(c.Uncertainty.ConfidenceThreshold) {
		errs = append(errs, fmt.Errorf("uncertainty.confidence_threshold must be in [0,1], got %v", c.Uncertainty.ConfidenceThreshold))
	}
	for role, v := range c.Uncertainty.RoleThresholds {
		if !validUnit(v) {
			errs = append(errs, fmt.Errorf("uncertainty.role_thresholds[%s] must be in [0,1], got %v", role, v))
		}
	}
	if !validUnit(c.Pentagon.MinConfidence) {
		errs = append(errs, fmt.Errorf("pentagon.min_confidence must be in [0,1], got %v", c.Pentagon.MinConfidence))
	}
	if c.Compliance.BudgetThreshold <= 0 || c.Compliance.BudgetThreshold > 100 {
		errs = append(errs, fmt.Errorf("compliance.budget_threshold must be in (0,100], got %v", c.Compliance.BudgetThreshold))
	}

	if c.Classifier.Enabled {
		if c.Classifier.Model == "" {
			errs = append(errs, errors.New("classifier.model is required when classifier is enabled"))
		}
		if c.Classifier.RateLimit <= 0 {
			errs = append(errs, errors.New("classifier.rate_limit must be positive"))
		}
	}

	if c.Events.Enabled && c.Events.URL == "" {
		errs = append(errs, errors.New("events.url is required when events are enabled"))
	}

	return errors.Join(errs...)
}

func validUnit(v float64) bool {
	return v >= 0 && v <= 1
}

// Helper functions for environment variable parsing

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}
