package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB
	appDir            = "ledgerd"
)

// sections lists top-level keys that environment variables may override.
var sections = map[string]bool{
	"server":        true,
	"store":         true,
	"observability": true,
	"orchestrator":  true,
	"retry":         true,
	"uncertainty":   true,
	"classifier":    true,
	"pentagon":      true,
	"compliance":    true,
	"events":        true,
}

// LoadWithFile loads configuration from a YAML file, then overrides with
// environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (SERVER_HTTP_PORT, RETRY_MAX_RETRIES, etc.)
//  2. YAML config file (~/.config/ledgerd/config.yaml)
//  3. Hardcoded defaults
//
// The file must have 0600 or 0400 permissions, be at most 1MB, and live in
// ~/.config/ledgerd/ or /etc/ledgerd/. A missing file is not an error.
//
// Environment variables split on the first underscore:
//
//	SERVER_HTTP_PORT -> server.http_port
//	ORCHESTRATOR_PHASE_TIMEOUT -> orchestrator.phase_timeout
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		dir, err := DefaultDir()
		if err != nil {
			return nil, err
		}
		configPath = filepath.Join(dir, "config.yaml")
	}

	if err := validateConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}

	if _, err := os.Stat(configPath); err == nil {
		// Validate through the open descriptor to avoid a TOCTOU race.
		f, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
		if err := validateConfigFileProperties(info); err != nil {
			return nil, fmt.Errorf("config file validation failed: %w", err)
		}

		content, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	// Decoding onto a defaulted struct leaves absent keys at their defaults,
	// which keeps true-by-default booleans intact.
	cfg := &Config{}
	applyDefaults(cfg)
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// envKey maps SECTION_FIELD_NAME to section.field_name. Variables outside the
// known sections are ignored.
func envKey(s string) string {
	parts := strings.SplitN(strings.ToLower(s), "_", 2)
	if len(parts) != 2 || !sections[parts[0]] {
		return ""
	}
	return parts[0] + "." + parts[1]
}

// DefaultDir returns ~/.config/ledgerd.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", appDir), nil
}

// EnsureConfigDir creates the ledgerd config directory with 0700 permissions.
func EnsureConfigDir() error {
	dir, err := DefaultDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}
	return nil
}

// validateConfigPath checks if path is in allowed directories.
// This validation runs even if the file doesn't exist yet.
func validateConfigPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	// Follow symlinks so a link cannot escape the allowed directories.
	resolvedPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		resolvedPath = absPath
	}

	dir, err := DefaultDir()
	if err != nil {
		return err
	}

	for _, allowed := range []string{dir, filepath.Join("/etc", appDir)} {
		if resolvedPath == allowed || strings.HasPrefix(resolvedPath, allowed+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("config file must be in ~/.config/%s/ or /etc/%s/", appDir, appDir)
}

// validateConfigFileProperties checks file permissions and size.
func validateConfigFileProperties(info os.FileInfo) error {
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}

// applyDefaults sets default values for missing configuration fields.
// Booleans are only defaulted on an empty Config (see LoadWithFile).
func applyDefaults(cfg *Config) {
	fresh := cfg.Store.Driver == "" && cfg.Server.Port == 0

	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9191
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "sqlite"
	}
	if cfg.Store.Path == "" && cfg.Store.Driver == "sqlite" {
		if dir, err := DefaultDir(); err == nil {
			cfg.Store.Path = filepath.Join(dir, "ledgerd.db")
		}
	}
	if cfg.Store.BusyTimeout == 0 {
		cfg.Store.BusyTimeout = 30 * time.Second
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "ledgerd"
	}
	if cfg.Observability.Endpoint == "" {
		cfg.Observability.Endpoint = "localhost:4317"
	}
	if cfg.Observability.SamplingRate == 0 {
		cfg.Observability.SamplingRate = 1.0
	}
	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
	if cfg.Observability.LogFormat == "" {
		cfg.Observability.LogFormat = "json"
	}

	if cfg.Orchestrator.PhaseTimeout == 0 {
		cfg.Orchestrator.PhaseTimeout = 10 * time.Minute
	}
	if cfg.Orchestrator.MaxRevisions == 0 {
		cfg.Orchestrator.MaxRevisions = 2
	}
	if cfg.Orchestrator.PollInterval == 0 {
		cfg.Orchestrator.PollInterval = 15 * time.Second
	}
	if cfg.Orchestrator.ExpectedActionStatus == "" {
		cfg.Orchestrator.ExpectedActionStatus = "running"
	}

	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry.MaxRetries = 3
	}
	if cfg.Retry.BaseDelay == 0 {
		cfg.Retry.BaseDelay = 30 * time.Second
	}
	if cfg.Retry.MaxDelay == 0 {
		cfg.Retry.MaxDelay = 300 * time.Second
	}

	if cfg.Uncertainty.ConfidenceThreshold == 0 {
		cfg.Uncertainty.ConfidenceThreshold = 0.70
	}
	if cfg.Uncertainty.RoleThresholds == nil {
		cfg.Uncertainty.RoleThresholds = map[string]float64{
			"drafter":  0.85,
			"verifier": 0.90,
		}
	}
	if cfg.Uncertainty.StaleDataAge == 0 {
		cfg.Uncertainty.StaleDataAge = time.Hour
	}

	if cfg.Classifier.Model == "" {
		cfg.Classifier.Model = "gpt-4o-mini"
	}
	if cfg.Classifier.RateLimit == 0 {
		cfg.Classifier.RateLimit = 50.0 / 60.0
	}
	if cfg.Classifier.Burst == 0 {
		cfg.Classifier.Burst = 5
	}
	if cfg.Classifier.Timeout == 0 {
		cfg.Classifier.Timeout = 30 * time.Second
	}

	if cfg.Pentagon.MaxApprovalAge == 0 {
		cfg.Pentagon.MaxApprovalAge = 24 * time.Hour
	}
	if cfg.Pentagon.MinConfidence == 0 {
		cfg.Pentagon.MinConfidence = 0.90
	}

	if cfg.Compliance.BudgetThreshold == 0 {
		cfg.Compliance.BudgetThreshold = 80
	}

	if cfg.Events.URL == "" {
		cfg.Events.URL = "nats://localhost:4222"
	}
	if cfg.Events.SubjectPrefix == "" {
		cfg.Events.SubjectPrefix = "ledgerd"
	}

	if fresh {
		cfg.Orchestrator.RetryExecutionFailures = true
		cfg.Uncertainty.DeepAnalysis = true
		cfg.Compliance.SecretScan = true
	}
}
