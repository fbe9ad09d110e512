// Conductor runs multi-step agent chains and keeps them honest.
//
// The server exposes the operator API for:
//   - Chain orchestration (single and batch)
//   - Escalation review, forwarding and resolution
//   - Nudge and drift audit logs
//   - Contract validation and violation history
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentoven/conductor/internal/config"
	"github.com/agentoven/conductor/internal/telemetry"
	"github.com/agentoven/conductor/pkg/server"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg := config.Load()
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	} else {
		log.Warn().Str("level", cfg.LogLevel).Msg("Unknown log level, using info")
	}

	log.Info().Str("version", cfg.Version).Msg("🎼 Conductor starting...")

	shutdownTelemetry, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize telemetry")
	}

	ctx := context.Background()
	srv, err := server.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize server")
	}

	// Orchestrate calls run synchronously, so the write timeout must cover
	// a full chain of executor calls.
	writeTimeout := time.Duration(cfg.Orchestrator.MaxSteps+1)*2*cfg.Executor.Timeout + 30*time.Second

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", srv.Port),
		Handler:      srv.Handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: writeTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown
	idle := make(chan struct{})
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("🛑 Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("HTTP shutdown incomplete")
		}
		if err := srv.Close(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Store close failed")
		}
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Telemetry flush failed")
		}
		close(idle)
	}()

	log.Info().
		Int("port", srv.Port).
		Str("store", cfg.Store.Driver).
		Msg("🔥 Conductor is ready")

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Server failed")
	}
	<-idle
}
