package orchestrator_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentoven/conductor/internal/confidence"
	"github.com/agentoven/conductor/internal/drift"
	"github.com/agentoven/conductor/internal/escalation"
	"github.com/agentoven/conductor/internal/gate"
	"github.com/agentoven/conductor/internal/nudge"
	"github.com/agentoven/conductor/internal/orchestrator"
	"github.com/agentoven/conductor/internal/registry"
	"github.com/agentoven/conductor/internal/store"
	"github.com/agentoven/conductor/pkg/models"
)

// call is one recorded executor invocation.
type call struct {
	Agent   string
	Input   string
	Context map[string]interface{}
}

type stepFunc func(ctx context.Context, agent, input string, execCtx map[string]interface{}) (*models.ExecutionResult, error)

// scriptedExecutor answers every call through fn and records it.
type scriptedExecutor struct {
	mu    sync.Mutex
	calls []call
	fn    stepFunc
}

func (e *scriptedExecutor) Execute(ctx context.Context, agent, input string, execCtx map[string]interface{}) (*models.ExecutionResult, error) {
	e.mu.Lock()
	e.calls = append(e.calls, call{Agent: agent, Input: input, Context: execCtx})
	e.mu.Unlock()
	return e.fn(ctx, agent, input, execCtx)
}

func (e *scriptedExecutor) Calls() []call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]call(nil), e.calls...)
}

type harness struct {
	orch  *orchestrator.Orchestrator
	store store.Store
	reg   *registry.Registry
	esc   *escalation.Controller
	exec  *scriptedExecutor
}

func newHarness(t *testing.T, fn stepFunc) *harness {
	t.Helper()
	return newHarnessWithStore(t, fn, nil)
}

func newHarnessWithStore(t *testing.T, fn stepFunc, wrap func(store.Store) store.Store) *harness {
	t.Helper()
	var s store.Store = store.NewMemoryStore("")
	t.Cleanup(func() { s.Close() })
	chains := s
	if wrap != nil {
		chains = wrap(s)
	}

	reg := registry.New()
	for _, a := range []models.AgentDescriptor{
		{Name: "builder", AcceptsTasks: []string{"code"}, HandoffKeywords: []string{"build", "compile"}},
		{Name: "ops", AcceptsTasks: []string{"deploy", "infra"}, HandoffKeywords: []string{"deploy", "release"}},
		{Name: "reviewer", AcceptsTasks: []string{"review"}, HandoffKeywords: []string{"review"}},
	} {
		if err := reg.Register(a); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
	}

	exec := &scriptedExecutor{fn: fn}
	esc := escalation.New(s, escalation.Config{})
	orch := orchestrator.New(exec, chains, reg, orchestrator.Components{
		Retry:      confidence.New(exec, confidence.Config{}),
		Escalation: esc,
		Nudge:      nudge.New(s, nudge.Config{}),
		Drift:      drift.New(s, drift.DefaultBands(), nil),
		Gate:       gate.New(reg, s, gate.Config{Schemas: reg}),
	}, orchestrator.Config{PersistBackoff: time.Millisecond})
	esc.SetForwarder(orch)
	t.Cleanup(orch.Wait)

	return &harness{orch: orch, store: s, reg: reg, esc: esc, exec: exec}
}

func result(output, confidenceText, next string) *models.ExecutionResult {
	return &models.ExecutionResult{
		OutputText: output,
		Metadata:   models.StepMetadata{Model: "test-model", Provider: "test", TokensUsed: 10, SuggestedNextStep: next},
		Reflection: models.Reflection{Rationale: "followed the request", ConfidenceLevel: confidenceText},
	}
}

func isRetry(execCtx map[string]interface{}) bool {
	v, _ := execCtx["confidence_retry"].(bool)
	return v
}

func TestOrchestrate_BuilderHandsOffToOps(t *testing.T) {
	h := newHarness(t, func(_ context.Context, agent, _ string, _ map[string]interface{}) (*models.ExecutionResult, error) {
		switch agent {
		case "builder":
			r := result("binary built", "high confidence", "deploy the artifact to staging")
			r.Metadata.TaskCategory = "code"
			return r, nil
		default:
			return result("deployed", "95%", ""), nil
		}
	})

	chain, err := h.orch.Orchestrate(context.Background(), models.OrchestrateRequest{
		InitialAgent: "builder", InitialInput: "build the service", AutoOrchestrate: true, MaxSteps: 5,
	})
	if err != nil {
		t.Fatalf("Orchestrate() error = %v", err)
	}
	if chain.Status != models.ChainCompleted {
		t.Errorf("Status = %q, want %q", chain.Status, models.ChainCompleted)
	}
	if len(chain.Steps) != 2 {
		t.Fatalf("len(Steps) = %d, want 2", len(chain.Steps))
	}
	if got := chain.Steps[1].AgentName; got != "ops" {
		t.Errorf("Steps[1].AgentName = %q, want %q", got, "ops")
	}
	if chain.HaltReason != orchestrator.HaltNoSuggestion {
		t.Errorf("HaltReason = %q, want %q", chain.HaltReason, orchestrator.HaltNoSuggestion)
	}

	calls := h.exec.Calls()
	if len(calls) != 2 {
		t.Fatalf("executor calls = %d, want 2", len(calls))
	}
	if !strings.Contains(calls[1].Input, "binary built") || !strings.Contains(calls[1].Input, "deploy the artifact") {
		t.Errorf("continuation input = %q, want previous output and suggestion", calls[1].Input)
	}
	if got := calls[1].Context[orchestrator.CtxPreviousAgent]; got != "builder" {
		t.Errorf("context[previous_agent] = %v, want builder", got)
	}
	if got := calls[1].Context[orchestrator.CtxStepNumber]; got != 2 {
		t.Errorf("context[step_number] = %v, want 2", got)
	}
	if got := calls[1].Context[orchestrator.CtxChainID]; got != chain.ID {
		t.Errorf("context[chain_id] = %v, want %s", got, chain.ID)
	}

	stored, err := h.store.GetChain(context.Background(), chain.ID)
	if err != nil {
		t.Fatalf("GetChain() error = %v", err)
	}
	if stored.Status != models.ChainCompleted || len(stored.Steps) != 2 {
		t.Errorf("stored chain = %s with %d steps, want completed with 2", stored.Status, len(stored.Steps))
	}
}

func TestOrchestrate_LowConfidenceRetry(t *testing.T) {
	tests := []struct {
		name        string
		retryConf   string
		wantSwap    bool
		wantOutput  string
		wantConfLow bool
	}{
		{"retry more confident", "85%", true, "better answer", false},
		{"retry tie keeps original", "Low confidence (20%)", false, "draft answer", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, func(_ context.Context, _, _ string, execCtx map[string]interface{}) (*models.ExecutionResult, error) {
				if isRetry(execCtx) {
					return result("better answer", tt.retryConf, ""), nil
				}
				return result("draft answer", "Low confidence (20%)", ""), nil
			})

			chain, err := h.orch.Orchestrate(context.Background(), models.OrchestrateRequest{
				InitialAgent: "builder", InitialInput: "write it", AutoOrchestrate: true,
			})
			if err != nil {
				t.Fatalf("Orchestrate() error = %v", err)
			}
			st := chain.Steps[0]
			ev := st.Evaluation
			if !ev.RetryTriggered || ev.Retry == nil {
				t.Fatalf("Evaluation = %+v, want retry triggered", ev)
			}
			if ev.OutputSwapped != tt.wantSwap {
				t.Errorf("OutputSwapped = %v, want %v", ev.OutputSwapped, tt.wantSwap)
			}
			if st.OutputText != tt.wantOutput {
				t.Errorf("OutputText = %q, want %q", st.OutputText, tt.wantOutput)
			}
			if ev.Retry.OriginalConfidence != "Low confidence (20%)" {
				t.Errorf("Retry.OriginalConfidence = %q", ev.Retry.OriginalConfidence)
			}
			if (ev.Confidence < 0.6) != tt.wantConfLow {
				t.Errorf("Confidence = %v", ev.Confidence)
			}
			if n := len(h.exec.Calls()); n != 2 {
				t.Errorf("executor calls = %d, want 2 (one retry only)", n)
			}
		})
	}
}

func TestOrchestrate_RetryFailureKeepsOriginal(t *testing.T) {
	h := newHarness(t, func(_ context.Context, _, _ string, execCtx map[string]interface{}) (*models.ExecutionResult, error) {
		if isRetry(execCtx) {
			return nil, errors.New("model overloaded")
		}
		return result("draft", "2/10", ""), nil
	})
	chain, err := h.orch.Orchestrate(context.Background(), models.OrchestrateRequest{InitialAgent: "builder", InitialInput: "x"})
	if err != nil {
		t.Fatalf("Orchestrate() error = %v", err)
	}
	st := chain.Steps[0]
	if st.OutputText != "draft" || !st.Evaluation.RetryTriggered || st.Evaluation.OutputSwapped {
		t.Errorf("step = %+v, want original output with retry triggered", st)
	}
}

func TestOrchestrate_MaxStepsTerminates(t *testing.T) {
	// builder and ops hand the task back and forth forever.
	h := newHarness(t, func(_ context.Context, agent, _ string, _ map[string]interface{}) (*models.ExecutionResult, error) {
		if agent == "builder" {
			return result("built", "90%", "deploy it"), nil
		}
		return result("deployed", "90%", "build it again"), nil
	})
	for _, max := range []int{1, 2, 3, 4} {
		chain, err := h.orch.Orchestrate(context.Background(), models.OrchestrateRequest{
			InitialAgent: "builder", InitialInput: "loop", AutoOrchestrate: true, MaxSteps: max,
		})
		if err != nil {
			t.Fatalf("Orchestrate(max=%d) error = %v", max, err)
		}
		if len(chain.Steps) != max {
			t.Errorf("Orchestrate(max=%d) steps = %d, want %d", max, len(chain.Steps), max)
		}
		if !chain.Status.IsTerminal() {
			t.Errorf("Orchestrate(max=%d) status = %q, want terminal", max, chain.Status)
		}
		if chain.HaltReason != orchestrator.HaltMaxSteps {
			t.Errorf("Orchestrate(max=%d) halt = %q, want %q", max, chain.HaltReason, orchestrator.HaltMaxSteps)
		}
	}
}

func TestOrchestrate_SingleStepWithoutAuto(t *testing.T) {
	h := newHarness(t, func(context.Context, string, string, map[string]interface{}) (*models.ExecutionResult, error) {
		return result("built", "90%", "deploy it"), nil
	})
	chain, err := h.orch.Orchestrate(context.Background(), models.OrchestrateRequest{InitialAgent: "builder", InitialInput: "x", MaxSteps: 5})
	if err != nil {
		t.Fatalf("Orchestrate() error = %v", err)
	}
	if len(chain.Steps) != 1 || chain.HaltReason != orchestrator.HaltSingleStep {
		t.Errorf("chain = %d steps, halt %q; want 1 step, %q", len(chain.Steps), chain.HaltReason, orchestrator.HaltSingleStep)
	}
}

func TestOrchestrate_ZeroScoreCompletes(t *testing.T) {
	h := newHarness(t, func(context.Context, string, string, map[string]interface{}) (*models.ExecutionResult, error) {
		return result("poem", "90%", "write a sonnet"), nil
	})
	chain, err := h.orch.Orchestrate(context.Background(), models.OrchestrateRequest{InitialAgent: "builder", InitialInput: "x", AutoOrchestrate: true})
	if err != nil {
		t.Fatalf("Orchestrate() error = %v", err)
	}
	if chain.Status != models.ChainCompleted || chain.HaltReason != orchestrator.HaltNoRoute {
		t.Errorf("chain = %s (%s), want completed (%s)", chain.Status, chain.HaltReason, orchestrator.HaltNoRoute)
	}
}

func TestOrchestrate_ExecutionErrorFailsChain(t *testing.T) {
	h := newHarness(t, func(_ context.Context, agent, _ string, _ map[string]interface{}) (*models.ExecutionResult, error) {
		if agent == "ops" {
			return nil, errors.New("provider timeout")
		}
		return result("built", "90%", "deploy"), nil
	})
	chain, err := h.orch.Orchestrate(context.Background(), models.OrchestrateRequest{InitialAgent: "builder", InitialInput: "x", AutoOrchestrate: true})
	if err == nil {
		t.Fatal("Orchestrate() error = nil, want execution error")
	}
	var execErr *models.ExecutionError
	if !errors.As(err, &execErr) || execErr.Agent != "ops" {
		t.Errorf("Orchestrate() error = %v, want *ExecutionError for ops", err)
	}
	if chain == nil {
		t.Fatal("Orchestrate() chain = nil, want failed chain")
	}
	if chain.Status != models.ChainFailed {
		t.Errorf("Status = %q, want failed", chain.Status)
	}
	if len(chain.Steps) != 2 {
		t.Fatalf("len(Steps) = %d, want 2", len(chain.Steps))
	}
	last := chain.Steps[1]
	if last.StepNumber != 2 || !strings.Contains(last.Error, "provider timeout") {
		t.Errorf("terminal step = %+v, want step 2 embedding the error", last)
	}

	stored, err := h.store.GetChain(context.Background(), chain.ID)
	if err != nil {
		t.Fatalf("GetChain() error = %v", err)
	}
	if stored.Status != models.ChainFailed || stored.LastStep().Error == "" {
		t.Errorf("stored chain = %+v, want failed with error step", stored)
	}
}

func TestOrchestrate_CancelledBetweenSteps(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, func(context.Context, string, string, map[string]interface{}) (*models.ExecutionResult, error) {
		cancel()
		return result("built", "90%", "deploy"), nil
	})

	chain, err := h.orch.Orchestrate(ctx, models.OrchestrateRequest{InitialAgent: "builder", InitialInput: "x", AutoOrchestrate: true})
	if !errors.Is(err, models.ErrCancelled) {
		t.Fatalf("Orchestrate() error = %v, want ErrCancelled", err)
	}
	if chain.Status != models.ChainFailed || chain.HaltReason != orchestrator.HaltCancelled {
		t.Errorf("chain = %s (%s), want failed (cancelled)", chain.Status, chain.HaltReason)
	}
	if len(chain.Steps) != 2 || chain.Steps[1].Error == "" {
		t.Errorf("steps = %+v, want completed step then terminal step", chain.Steps)
	}
	if n := len(h.exec.Calls()); n != 1 {
		t.Errorf("executor calls = %d, want 1", n)
	}
}

func TestCancel_InFlightChain(t *testing.T) {
	started := make(chan struct{})
	h := newHarness(t, func(ctx context.Context, _, _ string, _ map[string]interface{}) (*models.ExecutionResult, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	type outcome struct {
		chain *models.Chain
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		c, err := h.orch.Orchestrate(context.Background(), models.OrchestrateRequest{InitialAgent: "builder", InitialInput: "x"})
		done <- outcome{c, err}
	}()

	<-started
	running := h.orch.Running()
	if len(running) != 1 {
		t.Fatalf("Running() = %v, want one chain", running)
	}
	if !h.orch.Cancel(running[0]) {
		t.Fatal("Cancel() = false, want true")
	}

	select {
	case out := <-done:
		if !errors.Is(out.err, models.ErrCancelled) {
			t.Errorf("Orchestrate() error = %v, want ErrCancelled", out.err)
		}
		if out.chain.Status != models.ChainFailed {
			t.Errorf("Status = %q, want failed", out.chain.Status)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("chain did not stop after Cancel")
	}
	if h.orch.Cancel("unknown") {
		t.Error("Cancel(unknown) = true, want false")
	}
}

func TestOrchestrate_EscalatesAfterRepeatedRetries(t *testing.T) {
	h := newHarness(t, func(_ context.Context, agent, _ string, _ map[string]interface{}) (*models.ExecutionResult, error) {
		if agent == "builder" {
			return result("attempt", "low confidence", "deploy it"), nil
		}
		return result("deployed", "90%", "ask builder to rebuild"), nil
	})
	chain, err := h.orch.Orchestrate(context.Background(), models.OrchestrateRequest{
		InitialAgent: "builder", InitialInput: "x", AutoOrchestrate: true, MaxSteps: 3,
	})
	if err != nil {
		t.Fatalf("Orchestrate() error = %v", err)
	}
	if len(chain.Steps) != 3 {
		t.Fatalf("len(Steps) = %d, want 3", len(chain.Steps))
	}
	if chain.Steps[0].Evaluation.Escalation != nil {
		t.Error("step 1 escalated after a single retry")
	}
	esc := chain.Steps[2].Evaluation.Escalation
	if esc == nil {
		t.Fatal("step 3 not escalated after the second retry")
	}
	if esc.Reason != escalation.ReasonRetryLimit || esc.ChainID != chain.ID {
		t.Errorf("escalation = %+v, want retry-limit escalation for the chain", esc)
	}
	if !strings.Contains(esc.MemorySummary, "step 2 (ops)") {
		t.Errorf("MemorySummary = %q, want prior steps", esc.MemorySummary)
	}
}

func TestOrchestrate_NudgeAndDrift(t *testing.T) {
	h := newHarness(t, func(_ context.Context, agent, _ string, _ map[string]interface{}) (*models.ExecutionResult, error) {
		if agent == "builder" {
			return result(`{"status":"ok","artifact":"app"}`, "90%", "deploy"), nil
		}
		return result("I am unsure which region to use", "90%", "build it"), nil
	})
	chain, err := h.orch.Orchestrate(context.Background(), models.OrchestrateRequest{
		InitialAgent: "builder", InitialInput: "x", AutoOrchestrate: true, MaxSteps: 3,
	})
	if err != nil {
		t.Fatalf("Orchestrate() error = %v", err)
	}

	if d := chain.Steps[0].Evaluation.Drift; d == nil || d.Status != models.DriftNoPrevious {
		t.Errorf("step 1 drift = %+v, want no_previous_output", d)
	}
	if n := chain.Steps[1].Evaluation.Nudge; n == nil || n.Reason != models.NudgeUncertainty {
		t.Errorf("step 2 nudge = %+v, want uncertainty nudge", n)
	}
	d := chain.Steps[2].Evaluation.Drift
	if d == nil || d.Status != models.DriftNone || d.DriftScore != 0 || d.Action != models.DriftContinue {
		t.Errorf("step 3 drift = %+v, want no_drift with score 0", d)
	}

	logs, err := h.store.ListDriftLogs(context.Background(), models.DriftFilter{LoopID: chain.ID})
	if err != nil {
		t.Fatalf("ListDriftLogs() error = %v", err)
	}
	if len(logs) != 3 {
		t.Errorf("len(ListDriftLogs()) = %d, want one per step", len(logs))
	}
}

func TestOrchestrate_ContractHalt(t *testing.T) {
	h := newHarness(t, func(context.Context, string, string, map[string]interface{}) (*models.ExecutionResult, error) {
		r := result("an essay", "90%", "deploy")
		r.Metadata.OutputSchema = "Essay"
		return r, nil
	})
	if err := h.reg.RegisterContract(&models.AgentContract{
		AgentID:              "builder",
		AcceptedInputSchema:  models.Wildcard,
		ExpectedOutputSchema: "BuildResult",
		AllowedTools:         []string{models.Wildcard},
		OutputMustBeWrapped:  true,
		FallbackBehaviors:    []models.FallbackBehavior{{On: string(models.ViolationOutputSchema), Action: models.FallbackHalt}},
	}); err != nil {
		t.Fatalf("RegisterContract() error = %v", err)
	}

	chain, err := h.orch.Orchestrate(context.Background(), models.OrchestrateRequest{InitialAgent: "builder", InitialInput: "x", AutoOrchestrate: true})
	if err != nil {
		t.Fatalf("Orchestrate() error = %v", err)
	}
	if chain.Status != models.ChainCompleted || chain.HaltReason != orchestrator.HaltContract {
		t.Errorf("chain = %s (%s), want completed (%s)", chain.Status, chain.HaltReason, orchestrator.HaltContract)
	}
	ev := chain.Steps[0].Evaluation
	if len(ev.Violations) != 1 || ev.Violations[0].ViolationType != models.ViolationOutputSchema {
		t.Errorf("Violations = %+v, want one output_schema_mismatch", ev.Violations)
	}
	if len(ev.FallbackActions) != 1 || ev.FallbackActions[0] != models.FallbackHalt {
		t.Errorf("FallbackActions = %v, want [halt]", ev.FallbackActions)
	}
}

func TestOrchestrate_ContractEscalate(t *testing.T) {
	h := newHarness(t, func(context.Context, string, string, map[string]interface{}) (*models.ExecutionResult, error) {
		r := result("done", "90%", "")
		r.Metadata.ToolsUsed = []string{"rm"}
		return r, nil
	})
	if err := h.reg.RegisterContract(&models.AgentContract{
		AgentID:              "builder",
		AcceptedInputSchema:  models.Wildcard,
		ExpectedOutputSchema: models.Wildcard,
		AllowedTools:         []string{"shell"},
		OutputMustBeWrapped:  true,
		FallbackBehaviors:    []models.FallbackBehavior{{On: "*", Action: models.FallbackEscalate}},
	}); err != nil {
		t.Fatalf("RegisterContract() error = %v", err)
	}

	chain, err := h.orch.Orchestrate(context.Background(), models.OrchestrateRequest{InitialAgent: "builder", InitialInput: "clean up"})
	if err != nil {
		t.Fatalf("Orchestrate() error = %v", err)
	}
	esc := chain.Steps[0].Evaluation.Escalation
	if esc == nil || esc.Reason != "Contract violation: unauthorized_tool" {
		t.Fatalf("Escalation = %+v, want contract violation escalation", esc)
	}
	if _, err := h.esc.Get(context.Background(), esc.ID); err != nil {
		t.Errorf("escalation not persisted: %v", err)
	}
}

func registerDelegationContracts(t *testing.T, h *harness) {
	t.Helper()
	for _, c := range []*models.AgentContract{
		{
			AgentID:              "builder",
			AcceptedInputSchema:  models.Wildcard,
			ExpectedOutputSchema: models.Wildcard,
			AllowedTools:         []string{models.Wildcard},
			OutputMustBeWrapped:  true,
			FallbackBehaviors:    []models.FallbackBehavior{{On: string(models.ViolationDelegation), Action: models.FallbackHalt}},
		},
		{
			AgentID:              "ops",
			AcceptedInputSchema:  "DeployPlan",
			ExpectedOutputSchema: models.Wildcard,
			AllowedTools:         []string{models.Wildcard},
			OutputMustBeWrapped:  true,
		},
	} {
		if err := h.reg.RegisterContract(c); err != nil {
			t.Fatalf("RegisterContract(%s) error = %v", c.AgentID, err)
		}
	}
}

func TestOrchestrate_DelegationUndeclaredSchemaPasses(t *testing.T) {
	h := newHarness(t, func(_ context.Context, agent, _ string, _ map[string]interface{}) (*models.ExecutionResult, error) {
		if agent == "builder" {
			return result("binary built", "90%", "deploy the artifact"), nil
		}
		return result("deployed", "90%", ""), nil
	})
	registerDelegationContracts(t, h)

	chain, err := h.orch.Orchestrate(context.Background(), models.OrchestrateRequest{
		InitialAgent: "builder", InitialInput: "build", AutoOrchestrate: true, MaxSteps: 5,
	})
	if err != nil {
		t.Fatalf("Orchestrate() error = %v", err)
	}
	if len(chain.Steps) != 2 || chain.HaltReason == orchestrator.HaltContract {
		t.Errorf("chain = %d steps (%s), want hand-off to ops", len(chain.Steps), chain.HaltReason)
	}
	violations, err := h.store.ListViolations(context.Background(), models.ViolationFilter{AgentID: "builder"})
	if err != nil {
		t.Fatalf("ListViolations() error = %v", err)
	}
	if len(violations) != 0 {
		t.Errorf("ListViolations(builder) = %+v, want none", violations)
	}
}

func TestOrchestrate_DelegationDeclaredMismatchHalts(t *testing.T) {
	h := newHarness(t, func(_ context.Context, agent, _ string, _ map[string]interface{}) (*models.ExecutionResult, error) {
		r := result("an essay", "90%", "deploy the artifact")
		r.Metadata.OutputSchema = "Essay"
		return r, nil
	})
	registerDelegationContracts(t, h)

	chain, err := h.orch.Orchestrate(context.Background(), models.OrchestrateRequest{
		InitialAgent: "builder", InitialInput: "build", AutoOrchestrate: true, MaxSteps: 5,
	})
	if err != nil {
		t.Fatalf("Orchestrate() error = %v", err)
	}
	if len(chain.Steps) != 1 || chain.HaltReason != orchestrator.HaltContract {
		t.Errorf("chain = %d steps (%s), want 1 step (%s)", len(chain.Steps), chain.HaltReason, orchestrator.HaltContract)
	}
	violations, err := h.store.ListViolations(context.Background(), models.ViolationFilter{ViolationType: models.ViolationDelegation})
	if err != nil {
		t.Fatalf("ListViolations() error = %v", err)
	}
	if len(violations) != 1 || violations[0].AgentID != "builder" {
		t.Errorf("ListViolations(delegation) = %+v, want one against builder", violations)
	}
}

// failingAppends rejects every step append.
type failingAppends struct {
	store.Store
	attempts int
	mu       sync.Mutex
}

func (f *failingAppends) AppendStep(context.Context, string, *models.ChainStep) error {
	f.mu.Lock()
	f.attempts++
	f.mu.Unlock()
	return errors.New("disk full")
}

func TestOrchestrate_PersistenceFailure(t *testing.T) {
	var fa *failingAppends
	h := newHarnessWithStore(t, func(context.Context, string, string, map[string]interface{}) (*models.ExecutionResult, error) {
		return result("ok", "90%", ""), nil
	}, func(s store.Store) store.Store {
		fa = &failingAppends{Store: s}
		return fa
	})

	chain, err := h.orch.Orchestrate(context.Background(), models.OrchestrateRequest{InitialAgent: "builder", InitialInput: "x"})
	var perr *models.PersistenceError
	if !errors.As(err, &perr) {
		t.Fatalf("Orchestrate() error = %v, want *PersistenceError", err)
	}
	if chain.Status != models.ChainFailed {
		t.Errorf("Status = %q, want failed", chain.Status)
	}
	// One step append and one terminal append, each retried three times.
	if fa.attempts != 8 {
		t.Errorf("append attempts = %d, want 8", fa.attempts)
	}
	stored, err := h.store.GetChain(context.Background(), chain.ID)
	if err != nil {
		t.Fatalf("GetChain() error = %v", err)
	}
	if stored.Status != models.ChainFailed {
		t.Errorf("stored Status = %q, want failed", stored.Status)
	}
}

func TestOrchestrate_RequiresInitialAgent(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.orch.Orchestrate(context.Background(), models.OrchestrateRequest{}); err == nil {
		t.Error("Orchestrate() error = nil, want configuration error")
	}
}

func TestRunBatch_FailureIsolated(t *testing.T) {
	h := newHarness(t, func(_ context.Context, agent, _ string, _ map[string]interface{}) (*models.ExecutionResult, error) {
		if agent == "reviewer" {
			return nil, errors.New("boom")
		}
		return result("ok from "+agent, "90%", ""), nil
	})

	var reqs []models.OrchestrateRequest
	for i := 0; i < 6; i++ {
		agent := "builder"
		if i == 2 {
			agent = "reviewer"
		}
		reqs = append(reqs, models.OrchestrateRequest{InitialAgent: agent, InitialInput: fmt.Sprintf("task %d", i)})
	}

	results := h.orch.RunBatch(context.Background(), reqs, 3)
	if len(results) != len(reqs) {
		t.Fatalf("len(RunBatch()) = %d, want %d", len(results), len(reqs))
	}
	for i, r := range results {
		if r.Chain == nil {
			t.Fatalf("results[%d].Chain = nil", i)
		}
		if r.Chain.InitialInput != reqs[i].InitialInput {
			t.Errorf("results[%d] out of order: %q", i, r.Chain.InitialInput)
		}
		if i == 2 {
			if r.Err == nil || r.Chain.Status != models.ChainFailed {
				t.Errorf("results[2] = %+v, want failed chain", r)
			}
			continue
		}
		if r.Err != nil || r.Chain.Status != models.ChainCompleted {
			t.Errorf("results[%d] = %s, %v; want completed", i, r.Chain.Status, r.Err)
		}
	}
}

func TestForward_StartsNewTopLevelChain(t *testing.T) {
	h := newHarness(t, func(context.Context, string, string, map[string]interface{}) (*models.ExecutionResult, error) {
		r := result("partial link output", "90%", "")
		r.Reflection.FailurePoints = "I'm stuck on the linker"
		return r, nil
	})
	ctx := context.Background()

	first, err := h.orch.Orchestrate(ctx, models.OrchestrateRequest{InitialAgent: "builder", InitialInput: "link it"})
	if err != nil {
		t.Fatalf("Orchestrate() error = %v", err)
	}
	esc := first.Steps[0].Evaluation.Escalation
	if esc == nil {
		t.Fatal("expected an escalation from distress language")
	}

	rec, err := h.esc.Forward(ctx, esc.ID, "ops")
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	if rec.Status != models.EscalationForwarded || rec.ForwardedTo != "ops" {
		t.Errorf("Forward() = %+v, want forwarded to ops", rec)
	}
	h.orch.Wait()

	chains, err := h.store.ListChains(ctx, models.ChainFilter{Agent: "ops"})
	if err != nil {
		t.Fatalf("ListChains() error = %v", err)
	}
	if len(chains) != 1 || chains[0].InitialInput != "link it" {
		t.Fatalf("ListChains(ops) = %+v, want the forwarded chain", chains)
	}

	var forwarded *call
	for _, c := range h.exec.Calls() {
		if c.Agent == "ops" {
			c := c
			forwarded = &c
		}
	}
	if forwarded == nil {
		t.Fatal("forwarded chain never called ops")
	}
	if v, _ := forwarded.Context[escalation.CtxIsEscalation].(bool); !v {
		t.Errorf("context[is_escalation] = %v, want true", forwarded.Context[escalation.CtxIsEscalation])
	}
	if got := forwarded.Context[escalation.CtxEscalationID]; got != esc.ID {
		t.Errorf("context[escalation_id] = %v, want %s", got, esc.ID)
	}
}
