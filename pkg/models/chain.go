// Package models holds the data types shared by the orchestrator, its
// evaluators, the audit store and the operator API.
package models

import "time"

// ── Chain ────────────────────────────────────────────────────

type ChainStatus string

const (
	ChainInProgress ChainStatus = "in_progress"
	ChainCompleted  ChainStatus = "completed"
	ChainFailed     ChainStatus = "failed"
)

// IsTerminal reports whether no further steps may be appended.
func (s ChainStatus) IsTerminal() bool {
	return s == ChainCompleted || s == ChainFailed
}

// Chain is one end-to-end orchestrated sequence of agent steps.
// Steps are append-only and the status moves to a terminal value exactly once.
type Chain struct {
	ID           string      `json:"chain_id" db:"id"`
	InitialAgent string      `json:"initial_agent" db:"initial_agent"`
	InitialInput string      `json:"initial_input" db:"initial_input"`
	Steps        []ChainStep `json:"steps"`
	Status       ChainStatus `json:"status" db:"status"`
	HaltReason   string      `json:"halt_reason,omitempty" db:"halt_reason"`
	CreatedAt    time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at" db:"updated_at"`
}

// LastStep returns the most recent step, or nil for an empty chain.
func (c *Chain) LastStep() *ChainStep {
	if len(c.Steps) == 0 {
		return nil
	}
	return &c.Steps[len(c.Steps)-1]
}

// ChainFilter narrows ListChains results.
type ChainFilter struct {
	Status ChainStatus
	Agent  string // matches the initial agent
	Limit  int
	Offset int
}

// ── Step ─────────────────────────────────────────────────────

// ChainStep is one agent invocation within a chain.
type ChainStep struct {
	StepNumber int             `json:"step_number"`
	AgentName  string          `json:"agent_name"`
	InputText  string          `json:"input_text"`
	OutputText string          `json:"output_text"`
	Metadata   StepMetadata    `json:"metadata"`
	Reflection Reflection      `json:"reflection"`
	Evaluation *StepEvaluation `json:"evaluation,omitempty"`
	Error      string          `json:"error,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// StepMetadata is what the executor reports about a step besides its text.
type StepMetadata struct {
	Model             string   `json:"model" yaml:"model"`
	Provider          string   `json:"provider" yaml:"provider"`
	TokensUsed        int64    `json:"tokens_used" yaml:"tokens_used"`
	TaskCategory      string   `json:"task_category,omitempty" yaml:"task_category"`
	SuggestedNextStep string   `json:"suggested_next_step,omitempty" yaml:"suggested_next_step"`
	Tags              []string `json:"tags,omitempty" yaml:"tags"`
	Priority          string   `json:"priority,omitempty" yaml:"priority"`

	// Declared boundary usage, checked by the contract gate.
	InputSchema  string   `json:"input_schema,omitempty" yaml:"input_schema"`
	OutputSchema string   `json:"output_schema,omitempty" yaml:"output_schema"`
	ToolsUsed    []string `json:"tools_used,omitempty" yaml:"tools_used"`
}

// Reflection is a step's self-assessment.
type Reflection struct {
	Rationale              string `json:"rationale"`
	Assumptions            string `json:"assumptions"`
	ImprovementSuggestions string `json:"improvement_suggestions"`
	ConfidenceLevel        string `json:"confidence_level"`
	FailurePoints          string `json:"failure_points"`
}

// Text concatenates every reflection field for pattern scanning.
func (r Reflection) Text() string {
	return r.Rationale + "\n" + r.Assumptions + "\n" + r.ImprovementSuggestions + "\n" +
		r.ConfidenceLevel + "\n" + r.FailurePoints
}

// IsZero reports whether no reflection was produced.
func (r Reflection) IsZero() bool {
	return r == Reflection{}
}

// StepEvaluation collects what the evaluators decided for one step.
type StepEvaluation struct {
	Confidence      float64             `json:"confidence"`
	RetryTriggered  bool                `json:"retry_triggered"`
	Retry           *RetryRecord        `json:"retry,omitempty"`
	OutputSwapped   bool                `json:"output_swapped"`
	Escalation      *EscalationRecord   `json:"escalation,omitempty"`
	Nudge           *NudgeRecord        `json:"nudge,omitempty"`
	Drift           *DriftResult        `json:"drift,omitempty"`
	Violations      []ContractViolation `json:"violations,omitempty"`
	FallbackActions []FallbackAction    `json:"fallback_actions,omitempty"`
}

// ── Executor I/O ─────────────────────────────────────────────

// ExecutionResult is what one Agent Executor call returns.
type ExecutionResult struct {
	OutputText string       `json:"output_text"`
	Metadata   StepMetadata `json:"metadata"`
	Reflection Reflection   `json:"reflection"`
}

// ── Orchestration request ────────────────────────────────────

// OrchestrateRequest is the input of one top-level orchestrate call.
type OrchestrateRequest struct {
	InitialAgent    string                 `json:"initial_agent"`
	InitialInput    string                 `json:"initial_input"`
	Context         map[string]interface{} `json:"context,omitempty"`
	AutoOrchestrate bool                   `json:"auto_orchestrate"`
	MaxSteps        int                    `json:"max_steps"`
}
