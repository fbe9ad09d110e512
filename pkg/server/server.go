// Package server provides the public entry point for initializing the
// conductor service.
//
// This package exists in pkg/ (not internal/) so that embedding applications
// can compose the orchestrator into their own process.
//
// Usage:
//
//	cfg := config.Load()
//	srv, err := server.New(ctx, cfg)
//	defer srv.Close(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/agentoven/conductor/internal/api"
	"github.com/agentoven/conductor/internal/api/handlers"
	"github.com/agentoven/conductor/internal/confidence"
	"github.com/agentoven/conductor/internal/config"
	"github.com/agentoven/conductor/internal/drift"
	"github.com/agentoven/conductor/internal/escalation"
	"github.com/agentoven/conductor/internal/executor"
	"github.com/agentoven/conductor/internal/gate"
	"github.com/agentoven/conductor/internal/notify"
	"github.com/agentoven/conductor/internal/nudge"
	"github.com/agentoven/conductor/internal/orchestrator"
	"github.com/agentoven/conductor/internal/registry"
	"github.com/agentoven/conductor/internal/store"
	"github.com/agentoven/conductor/internal/telemetry"
	"github.com/agentoven/conductor/pkg/contracts"

	"github.com/rs/zerolog/log"
)

// Server holds the initialized conductor service.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the audit store selected by CONDUCTOR_STORE.
	Store store.Store

	Registry     *registry.Registry
	Orchestrator *orchestrator.Orchestrator
	Notifier     *notify.Service

	// Port is the port the server should listen on.
	Port int

	cancelWatch context.CancelFunc
}

// New initializes all components from cfg and returns a ready Server.
// An optional executor replaces the A2A executor, which lets embedding
// applications run agents in-process.
func New(ctx context.Context, cfg *config.Config, exec ...contracts.AgentExecutor) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	dataStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	reg := registry.New()
	watchCtx, cancelWatch := context.WithCancel(context.Background())
	if err := loadRegistry(watchCtx, cfg.Registry, reg); err != nil {
		cancelWatch()
		dataStore.Close()
		return nil, err
	}

	metrics, err := telemetry.GlobalMetrics()
	if err != nil {
		log.Warn().Err(err).Msg("Metric instruments unavailable, recording disabled")
		metrics = telemetry.NoopMetrics()
	}

	var agentExec contracts.AgentExecutor
	if len(exec) > 0 && exec[0] != nil {
		agentExec = exec[0]
	} else {
		agentExec = executor.NewA2AExecutor(executor.Config{
			BaseURL: cfg.Executor.BaseURL,
			Timeout: cfg.Executor.Timeout,
			APIKey:  cfg.Executor.APIKey,
		})
		log.Info().Str("base_url", cfg.Executor.BaseURL).Msg("✅ A2A executor initialized")
	}

	notifier := newNotifier(cfg.Notify)

	escCfg := escalation.Config{
		RetryLimit: cfg.Orchestrator.RetryLimit,
		Metrics:    metrics,
	}
	if notifier != nil {
		escCfg.Notifier = notifier
	}
	esc := escalation.New(dataStore, escCfg)
	nd := nudge.New(dataStore, nudge.Config{Metrics: metrics})
	dm := drift.New(dataStore, drift.Bands{
		Threshold:  cfg.Drift.Threshold,
		ReviewBand: cfg.Drift.ReviewBand,
		RewindBand: cfg.Drift.RewindBand,
	}, metrics)
	g := gate.New(reg, dataStore, gate.Config{Schemas: reg, Metrics: metrics})

	retryCfg := confidence.Config{
		Threshold: cfg.Orchestrator.ConfidenceThreshold,
		Metrics:   metrics,
	}
	if cfg.Executor.SelfEvaluate {
		if r, ok := agentExec.(contracts.Reflector); ok {
			retryCfg.Reflector = r
		} else {
			log.Warn().Msg("Self-evaluation enabled but the executor cannot reflect, using retry reflections")
		}
	}

	orch := orchestrator.New(agentExec, dataStore, reg, orchestrator.Components{
		Retry:      confidence.New(agentExec, retryCfg),
		Escalation: esc,
		Nudge:      nd,
		Drift:      dm,
		Gate:       g,
	}, orchestrator.Config{
		MaxSteps:         cfg.Orchestrator.MaxSteps,
		PersistRetries:   cfg.Orchestrator.PersistRetries,
		PersistBackoff:   cfg.Orchestrator.PersistBackoff,
		BatchConcurrency: cfg.Orchestrator.BatchConcurrency,
		Metrics:          metrics,
	})
	esc.SetForwarder(orch)
	log.Info().Int("max_steps", cfg.Orchestrator.MaxSteps).Msg("✅ Orchestrator initialized")

	h := &handlers.Handlers{
		Orchestrator: orch,
		Registry:     reg,
		Escalation:   esc,
		Nudge:        nd,
		Drift:        dm,
		Gate:         g,
	}

	return &Server{
		Handler:      api.NewRouter(cfg, h),
		Store:        dataStore,
		Registry:     reg,
		Orchestrator: orch,
		Notifier:     notifier,
		Port:         cfg.Port,
		cancelWatch:  cancelWatch,
	}, nil
}

// Close stops the registry watcher, waits for background work and closes
// the store.
func (s *Server) Close(ctx context.Context) error {
	s.cancelWatch()

	done := make(chan struct{})
	go func() {
		s.Orchestrator.Wait()
		if s.Notifier != nil {
			s.Notifier.Wait()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Msg("Forwarded chains or notifications still running at shutdown")
	}
	return s.Store.Close()
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		s, err := store.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		log.Info().Str("path", cfg.SQLitePath).Msg("✅ SQLite store initialized")
		return s, nil
	case "postgres":
		s, err := store.OpenPostgres(ctx, cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		log.Info().Msg("✅ PostgreSQL store initialized")
		return s, nil
	default:
		s := store.NewMemoryStore(cfg.DataDir)
		log.Info().Str("data_dir", cfg.DataDir).Msg("✅ In-memory store initialized")
		return s, nil
	}
}

// newNotifier returns nil when no webhooks are configured.
func newNotifier(cfg config.NotifyConfig) *notify.Service {
	if len(cfg.WebhookURLs) == 0 {
		return nil
	}
	channels := make([]notify.Channel, 0, len(cfg.WebhookURLs))
	for i, u := range cfg.WebhookURLs {
		channels = append(channels, notify.Channel{
			Name:   fmt.Sprintf("webhook-%d", i+1),
			URL:    u,
			Secret: cfg.Secret,
			Events: cfg.Events,
		})
	}
	log.Info().Int("webhooks", len(channels)).Msg("✅ Escalation notifications enabled")
	return notify.New(channels, notify.Config{})
}

func loadRegistry(ctx context.Context, cfg config.RegistryConfig, reg *registry.Registry) error {
	if cfg.Path == "" {
		log.Warn().Msg("No registry file configured, agents must be registered over the API")
		return nil
	}
	w := registry.NewWatcher(cfg.Path, reg)
	if err := w.Reload(); err != nil {
		return fmt.Errorf("load registry %s: %w", cfg.Path, err)
	}
	agents, _ := reg.ListAgents(ctx)
	log.Info().Str("path", cfg.Path).Int("agents", len(agents)).Msg("✅ Registry loaded")

	if !cfg.Watch {
		return nil
	}
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("watch registry %s: %w", cfg.Path, err)
	}
	log.Info().Str("path", cfg.Path).Msg("Watching registry file")
	return nil
}
