package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the conductor service.
type Config struct {
	Port     int
	Version  string
	LogLevel string

	Store        StoreConfig
	Registry     RegistryConfig
	Executor     ExecutorConfig
	Orchestrator OrchestratorConfig
	Drift        DriftConfig
	Telemetry    TelemetryConfig
	Auth         AuthConfig
	Notify       NotifyConfig
}

// StoreConfig selects the audit backend.
type StoreConfig struct {
	Driver     string // memory | sqlite | postgres
	DataDir    string // memory snapshot directory; empty disables persistence
	SQLitePath string
	URL        string // postgres connection URL
}

type RegistryConfig struct {
	Path  string
	Watch bool
}

// ExecutorConfig points the A2A executor at the agent gateway.
type ExecutorConfig struct {
	BaseURL string
	Timeout time.Duration
	APIKey  string

	// SelfEvaluate asks the agent to re-score a confidence retry's output
	// in a separate call instead of trusting the retry's own reflection.
	SelfEvaluate bool
}

type OrchestratorConfig struct {
	MaxSteps            int
	ConfidenceThreshold float64
	RetryLimit          int
	PersistRetries      int
	PersistBackoff      time.Duration
	BatchConcurrency    int
}

// DriftConfig holds the score bands of the drift action ladder.
// Scores above Threshold are drift; ReviewBand and RewindBand split the
// remainder into log_warning, trigger_critic_review and rewind_and_retry.
type DriftConfig struct {
	Threshold  float64
	ReviewBand float64
	RewindBand float64
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// NotifyConfig lists the webhooks that receive escalation lifecycle events.
type NotifyConfig struct {
	WebhookURLs []string
	Secret      string
	Events      []string // empty subscribes to all events
}

type AuthConfig struct {
	// Comma-separated operator API keys. Empty disables API key auth.
	APIKeys []string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:     envInt("CONDUCTOR_PORT", 8080),
		Version:  envStr("CONDUCTOR_VERSION", "0.1.0"),
		LogLevel: envStr("CONDUCTOR_LOG_LEVEL", "info"),
		Store: StoreConfig{
			Driver:     envStr("CONDUCTOR_STORE", "memory"),
			DataDir:    envStr("CONDUCTOR_DATA_DIR", ""),
			SQLitePath: envStr("CONDUCTOR_SQLITE_PATH", "conductor.db"),
			URL:        envStr("DATABASE_URL", ""),
		},
		Registry: RegistryConfig{
			Path:  envStr("CONDUCTOR_REGISTRY_PATH", ""),
			Watch: envBool("CONDUCTOR_REGISTRY_WATCH", false),
		},
		Executor: ExecutorConfig{
			BaseURL: envStr("CONDUCTOR_EXECUTOR_URL", "http://localhost:8081"),
			Timeout: envDuration("CONDUCTOR_EXECUTOR_TIMEOUT", 120*time.Second),
			APIKey:  envStr("CONDUCTOR_EXECUTOR_API_KEY", ""),

			SelfEvaluate: envBool("CONDUCTOR_SELF_EVALUATE", false),
		},
		Orchestrator: OrchestratorConfig{
			MaxSteps:            envInt("CONDUCTOR_MAX_STEPS", 5),
			ConfidenceThreshold: envFloat("CONDUCTOR_CONFIDENCE_THRESHOLD", 0.6),
			RetryLimit:          envInt("CONDUCTOR_RETRY_LIMIT", 2),
			PersistRetries:      envInt("CONDUCTOR_PERSIST_RETRIES", 3),
			PersistBackoff:      envDuration("CONDUCTOR_PERSIST_BACKOFF", 50*time.Millisecond),
			BatchConcurrency:    envInt("CONDUCTOR_BATCH_CONCURRENCY", 4),
		},
		Drift: DriftConfig{
			Threshold:  envFloat("CONDUCTOR_DRIFT_THRESHOLD", 0.25),
			ReviewBand: envFloat("CONDUCTOR_DRIFT_REVIEW_BAND", 0.5),
			RewindBand: envFloat("CONDUCTOR_DRIFT_REWIND_BAND", 0.75),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "conductor"),
		},
		Auth: AuthConfig{
			APIKeys: envList("CONDUCTOR_API_KEYS"),
		},
		Notify: NotifyConfig{
			WebhookURLs: envList("CONDUCTOR_WEBHOOK_URLS"),
			Secret:      envStr("CONDUCTOR_WEBHOOK_SECRET", ""),
			Events:      envList("CONDUCTOR_WEBHOOK_EVENTS"),
		},
	}
}

// Validate rejects settings the controllers cannot run with.
func (c *Config) Validate() error {
	if c.Orchestrator.MaxSteps < 1 {
		return fmt.Errorf("CONDUCTOR_MAX_STEPS must be >= 1, got %d", c.Orchestrator.MaxSteps)
	}
	if c.Executor.BaseURL == "" {
		return fmt.Errorf("CONDUCTOR_EXECUTOR_URL is required")
	}
	if c.Orchestrator.RetryLimit < 0 {
		return fmt.Errorf("CONDUCTOR_RETRY_LIMIT must be >= 0, got %d", c.Orchestrator.RetryLimit)
	}
	if c.Orchestrator.BatchConcurrency < 1 {
		return fmt.Errorf("CONDUCTOR_BATCH_CONCURRENCY must be >= 1, got %d", c.Orchestrator.BatchConcurrency)
	}
	for name, v := range map[string]float64{
		"CONDUCTOR_CONFIDENCE_THRESHOLD": c.Orchestrator.ConfidenceThreshold,
		"CONDUCTOR_DRIFT_THRESHOLD":      c.Drift.Threshold,
		"CONDUCTOR_DRIFT_REVIEW_BAND":    c.Drift.ReviewBand,
		"CONDUCTOR_DRIFT_REWIND_BAND":    c.Drift.RewindBand,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be within [0,1], got %v", name, v)
		}
	}
	if !(c.Drift.Threshold < c.Drift.ReviewBand && c.Drift.ReviewBand < c.Drift.RewindBand) {
		return fmt.Errorf("drift bands must increase: threshold %v, review %v, rewind %v",
			c.Drift.Threshold, c.Drift.ReviewBand, c.Drift.RewindBand)
	}
	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("CONDUCTOR_SQLITE_PATH is required for the sqlite store")
		}
	case "postgres":
		if c.Store.URL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown CONDUCTOR_STORE %q (want memory, sqlite or postgres)", c.Store.Driver)
	}
	return nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
