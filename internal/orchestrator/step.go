package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agentoven/conductor/internal/confidence"
	"github.com/agentoven/conductor/internal/escalation"
	"github.com/agentoven/conductor/internal/gate"
	"github.com/agentoven/conductor/internal/nudge"
	"github.com/agentoven/conductor/internal/signals"
	"github.com/agentoven/conductor/internal/telemetry"
	"github.com/agentoven/conductor/pkg/models"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

// StepTag is the drift snapshot tag of step n.
func StepTag(n int) string {
	return fmt.Sprintf("step-%d", n)
}

// step executes one agent invocation and runs its evaluators. It reports
// whether a contract fallback halted the chain.
func (o *Orchestrator) step(ctx context.Context, chain *models.Chain, n int, agent, input string, execCtx map[string]interface{}, retries map[string]int) (*models.ChainStep, bool, error) {
	start := time.Now()
	ctx, span := telemetry.Tracer().Start(ctx, "orchestrator.step")
	defer span.End()
	span.SetAttributes(
		attribute.String("conductor.chain_id", chain.ID),
		attribute.String("conductor.agent", agent),
		attribute.Int("conductor.step", n),
	)

	result, err := o.executor.Execute(ctx, agent, input, execCtx)
	if err != nil {
		var execErr *models.ExecutionError
		if !errors.As(err, &execErr) {
			err = &models.ExecutionError{Agent: agent, Err: err}
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}

	st := &models.ChainStep{
		StepNumber: n,
		AgentName:  agent,
		InputText:  input,
		OutputText: result.OutputText,
		Metadata:   result.Metadata,
		Reflection: result.Reflection,
		Evaluation: &models.StepEvaluation{},
	}

	o.retryLowConfidence(ctx, st, execCtx, retries)
	if err := o.evaluate(ctx, chain, st, retries[agent]); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}
	halt, err := o.enforce(ctx, chain, st)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}
	st.Timestamp = time.Now().UTC()

	attrs := metric.WithAttributes(attribute.String("agent", agent))
	o.metrics.Steps.Add(ctx, 1, attrs)
	o.metrics.StepDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	if st.Metadata.TokensUsed > 0 {
		o.metrics.TokensUsed.Add(ctx, st.Metadata.TokensUsed, attrs)
	}

	ev := st.Evaluation
	logEvt := log.Info().
		Str("chain_id", chain.ID).
		Str("agent", agent).
		Int("step", n).
		Float64("confidence", ev.Confidence).
		Bool("retried", ev.RetryTriggered).
		Bool("swapped", ev.OutputSwapped).
		Int("violations", len(ev.Violations))
	if ev.Drift != nil {
		logEvt = logEvt.Float64("drift_score", ev.Drift.DriftScore)
	}
	logEvt.Msg("Step complete")
	return st, halt, nil
}

// retryLowConfidence runs the single confidence retry for st and swaps the
// visible output when the retry is strictly more confident. A failed retry
// keeps the original output.
func (o *Orchestrator) retryLowConfidence(ctx context.Context, st *models.ChainStep, execCtx map[string]interface{}, retries map[string]int) {
	ev := st.Evaluation
	c := o.comps.Retry
	if c == nil {
		ev.Confidence = signals.Default.ParseConfidence(st.Reflection.ConfidenceLevel)
		return
	}

	original := c.Parse(st.Reflection.ConfidenceLevel)
	ev.Confidence = original
	if original >= c.Threshold() {
		return
	}
	ev.RetryTriggered = true
	retries[st.AgentName]++

	rec, err := c.Check(ctx, confidence.CheckRequest{
		Agent:      st.AgentName,
		Model:      st.Metadata.Model,
		Input:      st.InputText,
		Output:     st.OutputText,
		Reflection: st.Reflection,
		Context:    execCtx,
	})
	if err != nil {
		log.Warn().Err(err).Str("agent", st.AgentName).Int("step", st.StepNumber).
			Msg("Confidence retry failed, keeping original output")
		return
	}
	if rec == nil {
		return
	}
	ev.Retry = rec
	if !c.ShouldSwap(rec) {
		return
	}

	tokens := st.Metadata.TokensUsed
	st.OutputText = rec.RetryResponse
	st.Reflection = rec.RetryReflection
	st.Metadata = rec.RetryMetadata
	st.Metadata.TokensUsed += tokens
	ev.OutputSwapped = true
	ev.Confidence = c.Parse(rec.RetryConfidence)
	o.metrics.RetriesSwapped.Add(ctx, 1, metric.WithAttributes(attribute.String("agent", st.AgentName)))
}

// evaluate runs escalation, nudge and drift on the visible output.
func (o *Orchestrator) evaluate(ctx context.Context, chain *models.Chain, st *models.ChainStep, retryCount int) error {
	ev := st.Evaluation

	if o.comps.Escalation != nil {
		rec, err := o.comps.Escalation.Check(ctx, escalation.CheckRequest{
			ChainID:         chain.ID,
			Agent:           st.AgentName,
			TaskDescription: st.InputText,
			Reflection:      st.Reflection,
			RetryCount:      retryCount,
			MemorySummary:   memorySummary(chain),
		})
		if err != nil {
			return err
		}
		ev.Escalation = rec
	}

	if o.comps.Nudge != nil {
		rec, err := o.comps.Nudge.Check(ctx, nudge.CheckRequest{
			ChainID:    chain.ID,
			Agent:      st.AgentName,
			Input:      st.InputText,
			Output:     st.OutputText,
			Reflection: st.Reflection,
		})
		if err != nil {
			return err
		}
		ev.Nudge = rec
	}

	if o.comps.Drift != nil {
		res, err := o.comps.Drift.Observe(ctx, chain.ID, st.AgentName, StepTag(st.StepNumber), st.OutputText)
		if err != nil {
			return err
		}
		ev.Drift = res
	}
	return nil
}

// enforce checks the step's declared boundary usage against the agent's
// contract. Only declared schemas are checked.
func (o *Orchestrator) enforce(ctx context.Context, chain *models.Chain, st *models.ChainStep) (bool, error) {
	g := o.comps.Gate
	if g == nil {
		return false, nil
	}
	md := st.Metadata
	var violations []models.ContractViolation

	if md.InputSchema != "" {
		res, err := g.Validate(ctx, gate.Request{ChainID: chain.ID, AgentID: st.AgentName, Operation: models.OperationInput, Name: md.InputSchema})
		if err != nil {
			return false, err
		}
		violations = append(violations, res.Violations...)
	}
	if md.OutputSchema != "" {
		res, err := g.Validate(ctx, gate.Request{ChainID: chain.ID, AgentID: st.AgentName, Operation: models.OperationOutput, Name: md.OutputSchema})
		if err != nil {
			return false, err
		}
		violations = append(violations, res.Violations...)

		res, err = g.ValidatePayload(ctx, chain.ID, st.AgentName, md.OutputSchema, st.OutputText)
		if err != nil {
			return false, err
		}
		violations = append(violations, res.Violations...)
	}
	if len(md.ToolsUsed) > 0 {
		res, err := g.ValidateTools(ctx, chain.ID, st.AgentName, md.ToolsUsed)
		if err != nil {
			return false, err
		}
		violations = append(violations, res.Violations...)
	}

	st.Evaluation.Violations = violations
	actions, err := o.applyFallbacks(ctx, chain, st, st.Evaluation, violations)
	if err != nil {
		return false, err
	}
	st.Evaluation.FallbackActions = actions
	return hasAction(actions, models.FallbackHalt), nil
}

// applyFallbacks maps each violation to its fallback action. An escalate
// action raises at most one escalation per step, and none when the step
// already escalated.
func (o *Orchestrator) applyFallbacks(ctx context.Context, chain *models.Chain, st *models.ChainStep, ev *models.StepEvaluation, violations []models.ContractViolation) ([]models.FallbackAction, error) {
	var actions []models.FallbackAction
	for _, v := range violations {
		action, err := o.comps.Gate.HandleViolation(ctx, v)
		if err != nil {
			return nil, err
		}
		if !hasAction(actions, action) {
			actions = append(actions, action)
		}
		if action != models.FallbackEscalate || ev.Escalation != nil || o.comps.Escalation == nil {
			continue
		}
		rec, err := o.comps.Escalation.Raise(ctx, escalation.CheckRequest{
			ChainID:         chain.ID,
			Agent:           v.AgentID,
			TaskDescription: st.InputText,
			Reflection:      st.Reflection,
			MemorySummary:   memorySummary(chain),
		}, "Contract violation: "+string(v.ViolationType))
		if err != nil {
			return nil, err
		}
		ev.Escalation = rec
	}
	return actions, nil
}

func hasAction(actions []models.FallbackAction, a models.FallbackAction) bool {
	for _, x := range actions {
		if x == a {
			return true
		}
	}
	return false
}

// memorySummary condenses the last few steps of a chain for escalation records.
func memorySummary(chain *models.Chain) string {
	const (
		keep    = 3
		maxText = 200
	)
	steps := chain.Steps
	if len(steps) > keep {
		steps = steps[len(steps)-keep:]
	}
	var sb strings.Builder
	for _, s := range steps {
		out := strings.TrimSpace(s.OutputText)
		if len(out) > maxText {
			out = out[:maxText] + "..."
		}
		fmt.Fprintf(&sb, "step %d (%s): %s\n", s.StepNumber, s.AgentName, out)
	}
	return strings.TrimSpace(sb.String())
}
