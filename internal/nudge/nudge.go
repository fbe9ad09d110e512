// Package nudge implements the nudge controller. When an agent's reflection
// or output signals that it needs more from a human, the controller writes a
// NudgeRecord carrying a short clarifying question.
package nudge

import (
	"context"
	"fmt"
	"time"

	"github.com/agentoven/conductor/internal/signals"
	"github.com/agentoven/conductor/internal/store"
	"github.com/agentoven/conductor/internal/telemetry"
	"github.com/agentoven/conductor/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Patterns grouped by the reason they classify into, scanned in this order.
var nudgePatterns = []signals.Entry{
	{Expr: `i am unsure`, Class: string(models.NudgeUncertainty)},
	{Expr: `i'?m not sure`, Class: string(models.NudgeUncertainty)},
	{Expr: `uncertain (about|whether|if)`, Class: string(models.NudgeUncertainty)},
	{Expr: `not confident`, Class: string(models.NudgeUncertainty)},
	{Expr: `ambiguous`, Class: string(models.NudgeUncertainty)},

	{Expr: `user input needed`, Class: string(models.NudgeNeedsInformation)},
	{Expr: `clarification (is )?needed`, Class: string(models.NudgeNeedsInformation)},
	{Expr: `missing (information|data|details)`, Class: string(models.NudgeNeedsInformation)},
	{Expr: `unclear (what|how|which|where|when)`, Class: string(models.NudgeNeedsInformation)},
	{Expr: `needs? more (information|context|details)`, Class: string(models.NudgeNeedsInformation)},
	{Expr: `please (provide|specify|clarify)`, Class: string(models.NudgeNeedsInformation)},

	{Expr: `blocked (by|on)`, Class: string(models.NudgeBlocked)},
	{Expr: `cannot proceed (without|because|until)`, Class: string(models.NudgeBlocked)},
	{Expr: `waiting (for|on) (user|input|approval)`, Class: string(models.NudgeBlocked)},

	{Expr: `(would|could) use (some )?(help|guidance)`, Class: string(models.NudgeGeneral)},
	{Expr: `any (suggestions|guidance)`, Class: string(models.NudgeGeneral)},
}

// DefaultPatterns returns the built-in clarification pattern set.
func DefaultPatterns() *signals.PatternSet {
	return signals.MustCompile(nudgePatterns)
}

// Phrase markers per reason, tried against failure points, then
// assumptions, then rationale.
var markers = map[models.NudgeReason][]string{
	models.NudgeUncertainty: {
		"uncertain about", "unsure about", "not sure about", "uncertain whether", "not sure whether", "unsure whether",
	},
	models.NudgeNeedsInformation: {
		"need more information about", "need more information on", "need more details about",
		"clarification needed on", "missing", "unclear",
	},
	models.NudgeBlocked: {
		"blocked by", "cannot proceed because", "cannot proceed without", "waiting for",
	},
}

type Config struct {
	Patterns  signals.Matcher
	Extractor signals.Extractor
	Metrics   *telemetry.Metrics
}

// Controller detects clarification needs and writes nudge records.
type Controller struct {
	store     store.NudgeStore
	patterns  signals.Matcher
	extractor signals.Extractor
	metrics   *telemetry.Metrics
}

func New(s store.NudgeStore, cfg Config) *Controller {
	c := &Controller{
		store:     s,
		patterns:  cfg.Patterns,
		extractor: cfg.Extractor,
		metrics:   cfg.Metrics,
	}
	if c.patterns == nil {
		c.patterns = DefaultPatterns()
	}
	if c.extractor == nil {
		c.extractor = signals.Default
	}
	if c.metrics == nil {
		c.metrics = telemetry.NoopMetrics()
	}
	return c
}

type CheckRequest struct {
	ChainID    string
	Agent      string
	Input      string
	Output     string
	Reflection models.Reflection
}

// Detect scans the reflection and, only when that finds nothing, the output.
func (c *Controller) Detect(req CheckRequest) (signals.Match, bool) {
	if m, ok := c.patterns.Match(req.Reflection.Text()); ok {
		return m, true
	}
	return c.patterns.Match(req.Output)
}

// Check writes a nudge when req signals a clarification need.
// It returns nil when no nudge was warranted.
func (c *Controller) Check(ctx context.Context, req CheckRequest) (*models.NudgeRecord, error) {
	m, ok := c.Detect(req)
	if !ok {
		return nil, nil
	}
	reason := models.NudgeReason(m.Class)
	rec := &models.NudgeRecord{
		ID:                 uuid.New().String(),
		ChainID:            req.ChainID,
		AgentName:          req.Agent,
		InputSnapshot:      req.Input,
		OutputSnapshot:     req.Output,
		ReflectionSnapshot: req.Reflection,
		Message:            c.Message(reason, req.Agent, req.Reflection),
		Reason:             reason,
		MatchedPattern:     m.Pattern,
		Timestamp:          time.Now().UTC(),
	}
	if err := c.store.CreateNudge(ctx, rec); err != nil {
		return nil, &models.PersistenceError{Op: "create nudge", Err: err}
	}

	c.metrics.Nudges.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", string(reason))))
	log.Info().
		Str("nudge_id", rec.ID).
		Str("chain_id", req.ChainID).
		Str("agent", req.Agent).
		Str("reason", string(reason)).
		Msg("Nudge created")
	return rec, nil
}

// Message builds the clarifying question for reason, quoting the most
// specific phrase it can find in the reflection.
func (c *Controller) Message(reason models.NudgeReason, agent string, r models.Reflection) string {
	if agent == "" {
		agent = "The agent"
	}
	phrase, found := c.phrase(reason, r)
	switch reason {
	case models.NudgeUncertainty:
		if found {
			return fmt.Sprintf("%s is uncertain about %s. Can you clarify what you expect here?", agent, phrase)
		}
		return fmt.Sprintf("%s is unsure how to proceed. Can you give more guidance on the expected result?", agent)
	case models.NudgeNeedsInformation:
		if found {
			return fmt.Sprintf("%s needs more information: %s. Can you provide it?", agent, phrase)
		}
		return fmt.Sprintf("%s needs additional information to continue. Could you provide more details?", agent)
	case models.NudgeBlocked:
		if found {
			return fmt.Sprintf("%s is blocked: %s. How should it proceed?", agent, phrase)
		}
		return fmt.Sprintf("%s is blocked and cannot continue. Please advise on how to proceed.", agent)
	default:
		return fmt.Sprintf("%s could use some guidance. Do you have suggestions on how to proceed?", agent)
	}
}

func (c *Controller) phrase(reason models.NudgeReason, r models.Reflection) (string, bool) {
	ms, ok := markers[reason]
	if !ok {
		return "", false
	}
	for _, field := range []string{r.FailurePoints, r.Assumptions, r.Rationale} {
		if p, ok := c.extractor.ExtractPhrase(field, ms...); ok {
			return p, true
		}
	}
	return "", false
}

func (c *Controller) Get(ctx context.Context, id string) (*models.NudgeRecord, error) {
	return c.store.GetNudge(ctx, id)
}

func (c *Controller) List(ctx context.Context, filter models.NudgeFilter) ([]models.NudgeRecord, error) {
	return c.store.ListNudges(ctx, filter)
}
