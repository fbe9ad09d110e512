// Package escalation implements the escalation controller. It raises an
// escalation when an agent keeps failing or says it is stuck, and owns the
// pending -> forwarded -> resolved lifecycle of the resulting records.
package escalation

import (
	"context"
	"fmt"
	"time"

	"github.com/agentoven/conductor/internal/signals"
	"github.com/agentoven/conductor/internal/store"
	"github.com/agentoven/conductor/internal/telemetry"
	"github.com/agentoven/conductor/pkg/contracts"
	"github.com/agentoven/conductor/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DefaultRetryLimit is the retry count at which an agent is escalated
// regardless of what its reflection says.
const DefaultRetryLimit = 2

// ReasonRetryLimit is the reason recorded for the retry-count trigger.
const ReasonRetryLimit = "Exceeded retry limit"

// Context keys set on a forwarded request.
const (
	CtxIsEscalation     = "is_escalation"
	CtxEscalationID     = "escalation_id"
	CtxEscalationReason = "escalation_reason"
	CtxReflection       = "reflection"
)

type Config struct {
	RetryLimit int
	Patterns   signals.Matcher
	Forwarder  contracts.Forwarder
	Notifier   contracts.Notifier // optional
	Metrics    *telemetry.Metrics
}

// Controller creates, forwards and resolves escalation records.
type Controller struct {
	store      store.EscalationStore
	patterns   signals.Matcher
	forwarder  contracts.Forwarder
	notifier   contracts.Notifier
	retryLimit int
	metrics    *telemetry.Metrics
	now        func() time.Time

	// Serializes Forward and Resolve per escalation ID.
	locks *store.KeyedMutex
}

func New(s store.EscalationStore, cfg Config) *Controller {
	c := &Controller{
		store:      s,
		patterns:   cfg.Patterns,
		forwarder:  cfg.Forwarder,
		notifier:   cfg.Notifier,
		retryLimit: cfg.RetryLimit,
		metrics:    cfg.Metrics,
		now:        func() time.Time { return time.Now().UTC() },
		locks:      store.NewKeyedMutex(),
	}
	if c.retryLimit <= 0 {
		c.retryLimit = DefaultRetryLimit
	}
	if c.patterns == nil {
		c.patterns = DefaultPatterns()
	}
	if c.metrics == nil {
		c.metrics = telemetry.NoopMetrics()
	}
	return c
}

// SetForwarder installs the forwarder after construction. The orchestrator
// is itself the forwarder, so it can only be wired once both exist.
func (c *Controller) SetForwarder(f contracts.Forwarder) {
	c.forwarder = f
}

// CheckRequest is the input of one escalation check.
type CheckRequest struct {
	ChainID         string
	Agent           string
	TaskDescription string
	Reflection      models.Reflection
	RetryCount      int
	MemorySummary   string
}

// Reason returns why req should be escalated, or "" when it should not.
// The retry limit is checked before any pattern.
func (c *Controller) Reason(req CheckRequest) string {
	if req.RetryCount >= c.retryLimit {
		return ReasonRetryLimit
	}
	if m, ok := c.patterns.Match(req.Reflection.Text()); ok {
		return "Detected pattern: " + m.Pattern
	}
	return ""
}

// Check evaluates req and persists a pending escalation when triggered.
// It returns nil when nothing was escalated.
func (c *Controller) Check(ctx context.Context, req CheckRequest) (*models.EscalationRecord, error) {
	reason := c.Reason(req)
	if reason == "" {
		return nil, nil
	}
	return c.Raise(ctx, req, reason)
}

// Raise persists a pending escalation with an explicit reason. The contract
// gate uses it for violations whose fallback is "escalate".
func (c *Controller) Raise(ctx context.Context, req CheckRequest, reason string) (*models.EscalationRecord, error) {
	now := c.now()
	rec := &models.EscalationRecord{
		ID:                 uuid.New().String(),
		ChainID:            req.ChainID,
		AgentName:          req.Agent,
		TaskDescription:    req.TaskDescription,
		Reason:             reason,
		ReflectionSnapshot: req.Reflection,
		MemorySummary:      req.MemorySummary,
		Status:             models.EscalationPending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := c.store.CreateEscalation(ctx, rec); err != nil {
		return nil, &models.PersistenceError{Op: "create escalation", Err: err}
	}

	c.metrics.Escalations.Add(ctx, 1, metric.WithAttributes(attribute.String("agent", req.Agent)))
	log.Warn().
		Str("escalation_id", rec.ID).
		Str("chain_id", req.ChainID).
		Str("agent", req.Agent).
		Int("retry_count", req.RetryCount).
		Str("reason", reason).
		Msg("Escalation raised")
	c.notify(ctx, models.EventEscalationRaised, rec)
	return rec, nil
}

// Forward re-wraps the escalated task as a new top-level request for target
// (the original agent when empty) and marks the record forwarded.
// Only pending escalations can be forwarded, and only once.
func (c *Controller) Forward(ctx context.Context, id, target string) (*models.EscalationRecord, error) {
	unlock := c.locks.Lock(id)
	defer unlock()

	rec, err := c.store.GetEscalation(ctx, id)
	if err != nil {
		return nil, err
	}
	if !rec.Status.CanTransition(models.EscalationForwarded) {
		return nil, &store.ErrInvalidTransition{
			Entity: "escalation", Key: id,
			From: string(rec.Status), To: string(models.EscalationForwarded),
		}
	}
	if target == "" {
		target = rec.AgentName
	}

	if c.forwarder != nil {
		fr := contracts.ForwardRequest{
			EscalationID: rec.ID,
			Target:       target,
			Request:      ForwardedRequest(rec, target),
		}
		if err := c.forwarder.Forward(ctx, fr); err != nil {
			return nil, fmt.Errorf("forward escalation %s: %w", id, err)
		}
	} else {
		log.Warn().Str("escalation_id", id).Msg("No forwarder configured, recording forward only")
	}

	now := c.now()
	rec.Status = models.EscalationForwarded
	rec.ForwardedTo = target
	rec.ForwardedAt = &now
	rec.UpdatedAt = now
	if err := c.store.UpdateEscalation(ctx, rec); err != nil {
		return nil, err
	}

	log.Info().Str("escalation_id", id).Str("target", target).Msg("Escalation forwarded")
	c.notify(ctx, models.EventEscalationForwarded, rec)
	return rec, nil
}

// Resolve closes an escalation. It does not require a prior forward.
func (c *Controller) Resolve(ctx context.Context, id, notes string) (*models.EscalationRecord, error) {
	unlock := c.locks.Lock(id)
	defer unlock()

	rec, err := c.store.GetEscalation(ctx, id)
	if err != nil {
		return nil, err
	}
	now := c.now()
	from := rec.Status
	rec.Status = models.EscalationResolved
	rec.ResolutionNotes = notes
	rec.ResolvedAt = &now
	rec.UpdatedAt = now
	if err := c.store.UpdateEscalation(ctx, rec); err != nil {
		return nil, err
	}

	log.Info().Str("escalation_id", id).Str("from", string(from)).Msg("Escalation resolved")
	c.notify(ctx, models.EventEscalationResolved, rec)
	return rec, nil
}

func (c *Controller) Get(ctx context.Context, id string) (*models.EscalationRecord, error) {
	return c.store.GetEscalation(ctx, id)
}

func (c *Controller) List(ctx context.Context, filter models.EscalationFilter) ([]models.EscalationRecord, error) {
	return c.store.ListEscalations(ctx, filter)
}

// ForwardedRequest builds the top-level request that carries an escalation.
func ForwardedRequest(rec *models.EscalationRecord, target string) models.OrchestrateRequest {
	return models.OrchestrateRequest{
		InitialAgent: target,
		InitialInput: rec.TaskDescription,
		Context: map[string]interface{}{
			CtxIsEscalation:     true,
			CtxEscalationID:     rec.ID,
			CtxEscalationReason: rec.Reason,
			CtxReflection:       rec.ReflectionSnapshot,
		},
		AutoOrchestrate: true,
	}
}

func (c *Controller) notify(ctx context.Context, t models.EventType, rec *models.EscalationRecord) {
	if c.notifier == nil {
		return
	}
	ev := models.Event{
		Type:         t,
		ChainID:      rec.ChainID,
		EscalationID: rec.ID,
		Agent:        rec.AgentName,
		Reason:       rec.Reason,
		Timestamp:    rec.UpdatedAt,
	}
	switch t {
	case models.EventEscalationForwarded:
		ev.Payload = map[string]interface{}{"forwarded_to": rec.ForwardedTo}
	case models.EventEscalationResolved:
		ev.Payload = map[string]interface{}{"resolution_notes": rec.ResolutionNotes}
	}
	c.notifier.Notify(ctx, ev)
}
