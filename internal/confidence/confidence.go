// Package confidence implements the confidence retry controller: it parses
// a step's self-reported confidence and, when it falls below threshold,
// re-runs the same agent once with an augmented prompt.
package confidence

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/agentoven/conductor/internal/signals"
	"github.com/agentoven/conductor/internal/telemetry"
	"github.com/agentoven/conductor/pkg/contracts"
	"github.com/agentoven/conductor/pkg/models"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// DefaultThreshold is the confidence below which a step is retried.
const DefaultThreshold = 0.6

// Config tunes a Controller. Zero values pick the defaults.
type Config struct {
	Threshold float64
	Reflector contracts.Reflector // optional self-evaluation for the retry output
	Extractor signals.Extractor
	Metrics   *telemetry.Metrics
}

// Controller decides on and performs the single low-confidence retry.
type Controller struct {
	executor  contracts.AgentExecutor
	reflector contracts.Reflector
	extractor signals.Extractor
	threshold float64
	metrics   *telemetry.Metrics
}

// New creates a Controller that re-runs agents through executor.
func New(executor contracts.AgentExecutor, cfg Config) *Controller {
	c := &Controller{
		executor:  executor,
		reflector: cfg.Reflector,
		extractor: cfg.Extractor,
		threshold: cfg.Threshold,
		metrics:   cfg.Metrics,
	}
	if c.threshold <= 0 {
		c.threshold = DefaultThreshold
	}
	if c.extractor == nil {
		c.extractor = signals.Default
	}
	if c.metrics == nil {
		c.metrics = telemetry.NoopMetrics()
	}
	return c
}

// Threshold returns the configured retry threshold.
func (c *Controller) Threshold() float64 { return c.threshold }

// Parse returns the numeric confidence of a free-text confidence statement.
func (c *Controller) Parse(text string) float64 {
	return c.extractor.ParseConfidence(text)
}

// CheckRequest carries one step's output into the controller.
type CheckRequest struct {
	Agent      string
	Model      string
	Input      string
	Output     string
	Reflection models.Reflection
	Context    map[string]interface{}
}

// Check parses the step's confidence and, when it is below threshold,
// performs exactly one retry. It returns nil when no retry was needed.
// The caller decides whether to use the retry output; see ShouldSwap.
func (c *Controller) Check(ctx context.Context, req CheckRequest) (*models.RetryRecord, error) {
	original := c.Parse(req.Reflection.ConfidenceLevel)
	if original >= c.threshold {
		return nil, nil
	}

	ctx, span := telemetry.Tracer().Start(ctx, "confidence.retry")
	defer span.End()
	span.SetAttributes(
		attribute.String("conductor.agent", req.Agent),
		attribute.Float64("conductor.confidence", original),
	)

	log.Info().
		Str("agent", req.Agent).
		Float64("confidence", original).
		Float64("threshold", c.threshold).
		Msg("Low confidence, retrying step")
	c.metrics.RetriesTriggered.Add(ctx, 1)

	execCtx := make(map[string]interface{}, len(req.Context)+3)
	for k, v := range req.Context {
		execCtx[k] = v
	}
	execCtx["confidence_retry"] = true
	execCtx["original_confidence"] = req.Reflection.ConfidenceLevel
	if req.Model != "" {
		execCtx["model"] = req.Model
	}

	result, err := c.executor.Execute(ctx, req.Agent, RetryPrompt(req), execCtx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("confidence retry for %s: %w", req.Agent, err)
	}

	reflection := result.Reflection
	if c.reflector != nil {
		r, err := c.reflector.Reflect(ctx, req.Agent, req.Input, result.OutputText)
		if err != nil {
			log.Warn().Err(err).Str("agent", req.Agent).Msg("Self-evaluation of retry failed, using executor reflection")
		} else {
			reflection = r
		}
	}

	rec := &models.RetryRecord{
		OriginalResponse:   req.Output,
		OriginalConfidence: req.Reflection.ConfidenceLevel,
		RetryResponse:      result.OutputText,
		RetryConfidence:    reflection.ConfidenceLevel,
		RetryReflection:    reflection,
		RetryMetadata:      result.Metadata,
		Timestamp:          time.Now().UTC(),
	}
	span.SetAttributes(attribute.Float64("conductor.retry_confidence", c.Parse(rec.RetryConfidence)))
	return rec, nil
}

// ShouldSwap reports whether the retry output replaces the original.
// Only a strictly higher confidence wins; ties keep the original.
func (c *Controller) ShouldSwap(rec *models.RetryRecord) bool {
	if rec == nil {
		return false
	}
	return c.Parse(rec.RetryConfidence) > c.Parse(rec.OriginalConfidence)
}

// RetryPrompt builds the augmented prompt for the retry call.
func RetryPrompt(req CheckRequest) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Your previous response had low confidence (%s).\n\n", orNone(req.Reflection.ConfidenceLevel))
	fmt.Fprintf(&sb, "Original request:\n%s\n\n", req.Input)
	fmt.Fprintf(&sb, "Your previous response:\n%s\n\n", req.Output)
	fmt.Fprintf(&sb, "Identified failure points:\n%s\n\n", orNone(req.Reflection.FailurePoints))
	sb.WriteString("Reconsider the request and produce an improved response that addresses the failure points above. ")
	sb.WriteString("State your confidence in the new response explicitly.")
	return sb.String()
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "none stated"
	}
	return s
}
