// Package orchestrator drives multi-step agent chains.
//
// Each step runs the agent through the executor and then passes the result
// through the evaluators in a fixed order:
//
//  1. confidence retry (at most one retry, synchronous to the step)
//  2. escalation
//  3. nudge
//  4. drift
//  5. contract gate
//
// The step, with every evaluator decision attached, is appended to the
// chain before the router picks the next agent. A chain ends completed when
// routing finds no next agent, the step cap is reached or a contract halts
// it, and failed when a step errors or the context is cancelled.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentoven/conductor/internal/confidence"
	"github.com/agentoven/conductor/internal/drift"
	"github.com/agentoven/conductor/internal/escalation"
	"github.com/agentoven/conductor/internal/gate"
	"github.com/agentoven/conductor/internal/nudge"
	"github.com/agentoven/conductor/internal/router"
	"github.com/agentoven/conductor/internal/store"
	"github.com/agentoven/conductor/internal/telemetry"
	"github.com/agentoven/conductor/pkg/contracts"
	"github.com/agentoven/conductor/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

const (
	DefaultMaxSteps         = 5
	DefaultPersistRetries   = 3
	DefaultPersistBackoff   = 50 * time.Millisecond
	DefaultBatchConcurrency = 4
)

// Halt reasons recorded on finished chains.
const (
	HaltSingleStep    = "auto_orchestrate disabled"
	HaltNoSuggestion  = "no suggested next step"
	HaltMaxSteps      = "max steps reached"
	HaltContract      = "halted by contract"
	HaltNoRoute       = "no eligible next agent"
	HaltCancelled     = "cancelled"
	haltStepFailedPfx = "step failed: "
)

// Components are the evaluators composed into each step. A nil component
// is skipped.
type Components struct {
	Retry      *confidence.Controller
	Escalation *escalation.Controller
	Nudge      *nudge.Controller
	Drift      *drift.Monitor
	Gate       *gate.Gate
}

type Config struct {
	MaxSteps         int
	PersistRetries   int
	PersistBackoff   time.Duration
	BatchConcurrency int
	Metrics          *telemetry.Metrics
}

// Orchestrator runs chains. It is safe for concurrent use; steps of one
// chain always run sequentially.
type Orchestrator struct {
	executor contracts.AgentExecutor
	store    store.ChainStore
	router   *router.AgentRouter
	comps    Components
	cfg      Config
	metrics  *telemetry.Metrics

	// In-flight chains: chainID → cancel func
	runsMu sync.Mutex
	runs   map[string]context.CancelFunc

	forwards sync.WaitGroup
}

func New(executor contracts.AgentExecutor, s store.ChainStore, registry contracts.AgentRegistry, comps Components, cfg Config) *Orchestrator {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if cfg.PersistRetries < 0 {
		cfg.PersistRetries = 0
	} else if cfg.PersistRetries == 0 {
		cfg.PersistRetries = DefaultPersistRetries
	}
	if cfg.PersistBackoff <= 0 {
		cfg.PersistBackoff = DefaultPersistBackoff
	}
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = DefaultBatchConcurrency
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NoopMetrics()
	}
	return &Orchestrator{
		executor: executor,
		store:    s,
		router:   router.NewAgentRouter(registry),
		comps:    comps,
		cfg:      cfg,
		metrics:  cfg.Metrics,
		runs:     make(map[string]context.CancelFunc),
	}
}

// Orchestrate runs one chain to a terminal status. Once the request is
// accepted the returned chain is never nil; on failure it is returned
// together with the error embedded in its last step.
func (o *Orchestrator) Orchestrate(ctx context.Context, req models.OrchestrateRequest) (*models.Chain, error) {
	if strings.TrimSpace(req.InitialAgent) == "" {
		return nil, &models.ConfigurationError{Key: "initial_agent", Reason: "is required"}
	}
	maxSteps := req.MaxSteps
	if maxSteps <= 0 {
		maxSteps = o.cfg.MaxSteps
	}

	now := time.Now().UTC()
	chain := &models.Chain{
		ID:           uuid.New().String(),
		InitialAgent: req.InitialAgent,
		InitialInput: req.InitialInput,
		Steps:        []models.ChainStep{},
		Status:       models.ChainInProgress,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	ctx, span := telemetry.Tracer().Start(ctx, "orchestrator.chain")
	defer span.End()
	span.SetAttributes(
		attribute.String("conductor.chain_id", chain.ID),
		attribute.String("conductor.initial_agent", req.InitialAgent),
		attribute.Int("conductor.max_steps", maxSteps),
	)

	if err := o.persist(ctx, "create chain", func(ctx context.Context) error {
		return o.store.CreateChain(ctx, chain)
	}); err != nil {
		chain.Status = models.ChainFailed
		chain.HaltReason = err.Error()
		span.SetStatus(codes.Error, err.Error())
		return chain, err
	}

	ctx, cancel := context.WithCancel(ctx)
	o.track(chain.ID, cancel)
	defer o.untrack(chain.ID)

	o.metrics.ChainsStarted.Add(ctx, 1)
	o.metrics.ActiveChains.Add(ctx, 1)
	defer o.metrics.ActiveChains.Add(context.WithoutCancel(ctx), -1)

	log.Info().
		Str("chain_id", chain.ID).
		Str("agent", req.InitialAgent).
		Int("max_steps", maxSteps).
		Bool("auto_orchestrate", req.AutoOrchestrate).
		Msg("Chain started")

	reason, err := o.run(ctx, chain, req, maxSteps)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return chain, err
	}
	if err := o.finish(ctx, chain, models.ChainCompleted, reason); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return chain, err
	}
	return chain, nil
}

// run executes steps until the chain should stop. It returns the halt
// reason of a completed chain, or the error of a failed one; a failed
// chain has already been finished.
func (o *Orchestrator) run(ctx context.Context, chain *models.Chain, req models.OrchestrateRequest, maxSteps int) (string, error) {
	agent := req.InitialAgent
	input := req.InitialInput
	execCtx := copyContext(req.Context)
	retries := make(map[string]int)

	for n := 1; n <= maxSteps; n++ {
		if ctx.Err() != nil {
			return "", o.fail(ctx, chain, n, agent, input, models.ErrCancelled)
		}

		st, halt, err := o.step(ctx, chain, n, agent, input, execCtx, retries)
		if err != nil {
			if ctx.Err() != nil {
				err = fmt.Errorf("%w: %v", models.ErrCancelled, err)
			}
			return "", o.fail(ctx, chain, n, agent, input, err)
		}
		if err := o.appendStep(ctx, chain, st); err != nil {
			return "", o.fail(ctx, chain, n, agent, input, err)
		}

		if halt {
			return HaltContract, nil
		}
		if !req.AutoOrchestrate {
			return HaltSingleStep, nil
		}
		suggested := strings.TrimSpace(st.Metadata.SuggestedNextStep)
		if suggested == "" {
			return HaltNoSuggestion, nil
		}
		if n == maxSteps {
			return HaltMaxSteps, nil
		}

		next, err := o.router.Next(ctx, agent, st.Metadata.TaskCategory, suggested)
		if err != nil {
			var rerr *models.RoutingError
			if errors.As(err, &rerr) {
				log.Info().Str("chain_id", chain.ID).Str("agent", agent).Msg("No next agent, chain complete")
				return HaltNoRoute, nil
			}
			return "", o.fail(ctx, chain, n+1, agent, input, err)
		}

		halt, err = o.delegate(ctx, chain, st, next)
		if err != nil {
			return "", o.fail(ctx, chain, n+1, next, input, err)
		}
		if halt {
			return HaltContract, nil
		}

		log.Info().
			Str("chain_id", chain.ID).
			Str("from", agent).
			Str("to", next).
			Int("step", n+1).
			Msg("Handing off")
		input = ContinuationInput(st, next)
		execCtx = ContinuationContext(req.Context, st, chain.ID, n+1)
		agent = next
	}
	return HaltMaxSteps, nil
}

// delegate checks the hand-off through the contract gate and applies the
// sender's fallback actions. It reports whether the chain must halt.
// Like the per-step checks, only a declared output schema is checked.
func (o *Orchestrator) delegate(ctx context.Context, chain *models.Chain, st *models.ChainStep, next string) (bool, error) {
	if o.comps.Gate == nil || st.Metadata.OutputSchema == "" {
		return false, nil
	}
	res, err := o.comps.Gate.ValidateDelegation(ctx, chain.ID, st.AgentName, next, st.Metadata.OutputSchema)
	if err != nil {
		return false, err
	}
	// The step is already stored; decisions made here are not written back to it.
	var scratch models.StepEvaluation
	if st.Evaluation != nil {
		scratch.Escalation = st.Evaluation.Escalation
	}
	actions, err := o.applyFallbacks(ctx, chain, st, &scratch, res.Violations)
	if err != nil {
		return false, err
	}
	return hasAction(actions, models.FallbackHalt), nil
}

// fail embeds err in a terminal step and marks the chain failed. Writes
// ignore cancellation of ctx so a cancelled chain still reaches the store.
func (o *Orchestrator) fail(ctx context.Context, chain *models.Chain, n int, agent, input string, cause error) error {
	ctx = context.WithoutCancel(ctx)
	if last := chain.LastStep(); last != nil && n <= last.StepNumber {
		n = last.StepNumber + 1
	}
	st := &models.ChainStep{
		StepNumber: n,
		AgentName:  agent,
		InputText:  input,
		Error:      cause.Error(),
		Timestamp:  time.Now().UTC(),
	}
	if err := o.appendStep(ctx, chain, st); err != nil {
		log.Error().Err(err).Str("chain_id", chain.ID).Msg("Failed to persist terminal step")
		// Keep the failure visible to the caller even if the store is down.
		chain.Steps = append(chain.Steps, *st)
	}

	reason := haltStepFailedPfx + cause.Error()
	if errors.Is(cause, models.ErrCancelled) {
		reason = HaltCancelled
	}
	if err := o.finish(ctx, chain, models.ChainFailed, reason); err != nil {
		log.Error().Err(err).Str("chain_id", chain.ID).Msg("Failed to persist chain failure")
	}

	log.Error().Err(cause).
		Str("chain_id", chain.ID).
		Str("agent", agent).
		Int("step", n).
		Msg("Chain failed")
	return cause
}

// appendStep persists st and mirrors it on the in-memory chain.
func (o *Orchestrator) appendStep(ctx context.Context, chain *models.Chain, st *models.ChainStep) error {
	if err := o.persist(ctx, "append step", func(ctx context.Context) error {
		return o.store.AppendStep(ctx, chain.ID, st)
	}); err != nil {
		return err
	}
	chain.Steps = append(chain.Steps, *st)
	chain.UpdatedAt = st.Timestamp
	return nil
}

func (o *Orchestrator) finish(ctx context.Context, chain *models.Chain, status models.ChainStatus, reason string) error {
	chain.Status = status
	chain.HaltReason = reason
	chain.UpdatedAt = time.Now().UTC()
	o.metrics.ChainsFinished.Add(context.WithoutCancel(ctx), 1,
		metric.WithAttributes(attribute.String("status", string(status))))

	if status == models.ChainCompleted {
		log.Info().
			Str("chain_id", chain.ID).
			Int("steps", len(chain.Steps)).
			Str("reason", reason).
			Msg("Chain completed")
	}
	return o.persist(ctx, "finish chain", func(ctx context.Context) error {
		return o.store.FinishChain(ctx, chain.ID, status, reason)
	})
}

// persist runs write, retrying with linear backoff. Lifecycle violations
// are not retried. Exhaustion returns *models.PersistenceError.
func (o *Orchestrator) persist(ctx context.Context, op string, write func(context.Context) error) error {
	var err error
	for attempt := 0; attempt <= o.cfg.PersistRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return &models.PersistenceError{Op: op, Err: ctx.Err()}
			case <-time.After(time.Duration(attempt) * o.cfg.PersistBackoff):
			}
		}
		if err = write(ctx); err == nil {
			return nil
		}
		var inv *store.ErrInvalidTransition
		if errors.As(err, &inv) {
			break
		}
		log.Warn().Err(err).Str("op", op).Int("attempt", attempt+1).Msg("Persist failed")
	}
	o.metrics.PersistFailures.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(attribute.String("op", op)))
	return &models.PersistenceError{Op: op, Err: err}
}

func (o *Orchestrator) track(id string, cancel context.CancelFunc) {
	o.runsMu.Lock()
	o.runs[id] = cancel
	o.runsMu.Unlock()
}

func (o *Orchestrator) untrack(id string) {
	o.runsMu.Lock()
	if cancel, ok := o.runs[id]; ok {
		cancel()
		delete(o.runs, id)
	}
	o.runsMu.Unlock()
}

// Cancel stops an in-flight chain. The chain fails with reason "cancelled"
// once its current step returns.
func (o *Orchestrator) Cancel(chainID string) bool {
	o.runsMu.Lock()
	cancel, ok := o.runs[chainID]
	o.runsMu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Running returns the IDs of in-flight chains.
func (o *Orchestrator) Running() []string {
	o.runsMu.Lock()
	defer o.runsMu.Unlock()
	ids := make([]string, 0, len(o.runs))
	for id := range o.runs {
		ids = append(ids, id)
	}
	return ids
}

func (o *Orchestrator) Get(ctx context.Context, id string) (*models.Chain, error) {
	return o.store.GetChain(ctx, id)
}

func (o *Orchestrator) List(ctx context.Context, filter models.ChainFilter) ([]models.Chain, error) {
	return o.store.ListChains(ctx, filter)
}

func copyContext(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
