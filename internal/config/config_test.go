package config_test

import (
	"testing"

	"github.com/agentoven/conductor/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := config.Load()
	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.Orchestrator.MaxSteps != 5 {
		t.Errorf("Orchestrator.MaxSteps = %d, want 5", cfg.Orchestrator.MaxSteps)
	}
	if cfg.Orchestrator.ConfidenceThreshold != 0.6 {
		t.Errorf("Orchestrator.ConfidenceThreshold = %v, want 0.6", cfg.Orchestrator.ConfidenceThreshold)
	}
	if cfg.Drift.Threshold != 0.25 {
		t.Errorf("Drift.Threshold = %v, want 0.25", cfg.Drift.Threshold)
	}
	if cfg.Executor.Timeout.Seconds() != 120 {
		t.Errorf("Executor.Timeout = %v, want 2m0s", cfg.Executor.Timeout)
	}
	if cfg.Executor.SelfEvaluate {
		t.Error("Executor.SelfEvaluate = true, want false")
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("Store.Driver = %q, want %q", cfg.Store.Driver, "memory")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() on defaults error = %v", err)
	}
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("CONDUCTOR_PORT", "9090")
	t.Setenv("CONDUCTOR_MAX_STEPS", "12")
	t.Setenv("CONDUCTOR_DRIFT_THRESHOLD", "0.3")
	t.Setenv("CONDUCTOR_REGISTRY_WATCH", "true")
	t.Setenv("CONDUCTOR_API_KEYS", " k1, ,k2 ")
	t.Setenv("CONDUCTOR_PERSIST_BACKOFF", "10ms")
	t.Setenv("CONDUCTOR_RETRY_LIMIT", "not-a-number")
	t.Setenv("CONDUCTOR_WEBHOOK_URLS", "https://hooks.example.com/a")
	t.Setenv("CONDUCTOR_WEBHOOK_EVENTS", "escalation_raised")
	t.Setenv("CONDUCTOR_SELF_EVALUATE", "true")

	cfg := config.Load()
	if cfg.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Port)
	}
	if cfg.Orchestrator.MaxSteps != 12 {
		t.Errorf("Orchestrator.MaxSteps = %d, want 12", cfg.Orchestrator.MaxSteps)
	}
	if cfg.Drift.Threshold != 0.3 {
		t.Errorf("Drift.Threshold = %v, want 0.3", cfg.Drift.Threshold)
	}
	if !cfg.Registry.Watch {
		t.Error("Registry.Watch = false, want true")
	}
	if len(cfg.Auth.APIKeys) != 2 || cfg.Auth.APIKeys[0] != "k1" || cfg.Auth.APIKeys[1] != "k2" {
		t.Errorf("Auth.APIKeys = %q, want [k1 k2]", cfg.Auth.APIKeys)
	}
	if cfg.Orchestrator.PersistBackoff.Milliseconds() != 10 {
		t.Errorf("Orchestrator.PersistBackoff = %v, want 10ms", cfg.Orchestrator.PersistBackoff)
	}
	if cfg.Orchestrator.RetryLimit != 2 {
		t.Errorf("Orchestrator.RetryLimit = %d, want fallback 2", cfg.Orchestrator.RetryLimit)
	}
	if len(cfg.Notify.WebhookURLs) != 1 || cfg.Notify.WebhookURLs[0] != "https://hooks.example.com/a" {
		t.Errorf("Notify.WebhookURLs = %q, want one hook", cfg.Notify.WebhookURLs)
	}
	if len(cfg.Notify.Events) != 1 || cfg.Notify.Events[0] != "escalation_raised" {
		t.Errorf("Notify.Events = %q, want [escalation_raised]", cfg.Notify.Events)
	}
	if !cfg.Executor.SelfEvaluate {
		t.Error("Executor.SelfEvaluate = false, want true")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"zero max steps", func(c *config.Config) { c.Orchestrator.MaxSteps = 0 }},
		{"threshold above one", func(c *config.Config) { c.Orchestrator.ConfidenceThreshold = 1.5 }},
		{"bands not increasing", func(c *config.Config) { c.Drift.ReviewBand = 0.9 }},
		{"unknown store", func(c *config.Config) { c.Store.Driver = "redis" }},
		{"postgres without url", func(c *config.Config) { c.Store.Driver = "postgres"; c.Store.URL = "" }},
		{"zero concurrency", func(c *config.Config) { c.Orchestrator.BatchConcurrency = 0 }},
		{"no executor url", func(c *config.Config) { c.Executor.BaseURL = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Load()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() error = nil, want error")
			}
		})
	}
}
