package models

import "time"

// Wildcard matches any schema or tool in a contract.
const Wildcard = "*"

// ── Agent Registry ───────────────────────────────────────────

// AgentDescriptor is the routing view of a registered agent.
type AgentDescriptor struct {
	Name            string   `json:"name" yaml:"name"`
	Description     string   `json:"description,omitempty" yaml:"description"`
	AcceptsTasks    []string `json:"accepts_tasks" yaml:"accepts_tasks"`
	HandoffKeywords []string `json:"handoff_keywords" yaml:"handoff_keywords"`
}

// ── Contract ─────────────────────────────────────────────────

type Operation string

const (
	OperationInput  Operation = "input"
	OperationOutput Operation = "output"
	OperationTool   Operation = "tool"
)

type ViolationType string

const (
	ViolationInputSchema      ViolationType = "input_schema_mismatch"
	ViolationOutputSchema     ViolationType = "output_schema_mismatch"
	ViolationUnwrappedOutput  ViolationType = "unwrapped_output_schema"
	ViolationUnauthorizedTool ViolationType = "unauthorized_tool"
	ViolationDelegation       ViolationType = "delegation_mismatch"
	ViolationOutputPayload    ViolationType = "output_payload_invalid"
)

type FallbackAction string

const (
	FallbackLogAndContinue FallbackAction = "log_and_continue"
	FallbackEscalate       FallbackAction = "escalate"
	FallbackHalt           FallbackAction = "halt"
)

// FallbackBehavior maps a violation type (or "*") to the action taken.
type FallbackBehavior struct {
	On     string         `json:"on" yaml:"on"`
	Action FallbackAction `json:"action" yaml:"action"`
}

// AgentContract bounds what one agent may accept, emit and call.
type AgentContract struct {
	AgentID              string             `json:"agent_id" yaml:"agent_id"`
	AcceptedInputSchema  string             `json:"accepted_input_schema" yaml:"accepted_input_schema"`
	ExpectedOutputSchema string             `json:"expected_output_schema" yaml:"expected_output_schema"`
	AllowedTools         []string           `json:"allowed_tools" yaml:"allowed_tools"`
	FallbackBehaviors    []FallbackBehavior `json:"fallback_behaviors" yaml:"fallback_behaviors"`
	OutputMustBeWrapped  bool               `json:"output_must_be_wrapped" yaml:"output_must_be_wrapped"`
	CanInitiateRecovery  bool               `json:"can_initiate_recovery" yaml:"can_initiate_recovery"`
	Version              string             `json:"version" yaml:"version"`
	Synthesized          bool               `json:"synthesized,omitempty" yaml:"-"`
}

// AllowsTool reports whether tool is in the allow-list.
func (c *AgentContract) AllowsTool(tool string) bool {
	for _, t := range c.AllowedTools {
		if t == Wildcard || t == tool {
			return true
		}
	}
	return false
}

// DefaultContractVersion is stamped on contracts synthesized for unknown agents.
const DefaultContractVersion = "0.0.0-default"

// PermissiveContract returns the contract assumed for an agent that has none.
func PermissiveContract(agentID string) *AgentContract {
	return &AgentContract{
		AgentID:              agentID,
		AcceptedInputSchema:  Wildcard,
		ExpectedOutputSchema: Wildcard,
		AllowedTools:         []string{Wildcard},
		OutputMustBeWrapped:  true,
		Version:              DefaultContractVersion,
		Synthesized:          true,
	}
}

// ContractViolation is persisted for audit.
type ContractViolation struct {
	ID            string        `json:"id" db:"id"`
	ChainID       string        `json:"chain_id,omitempty" db:"chain_id"`
	AgentID       string        `json:"agent_id" db:"agent_id"`
	ViolationType ViolationType `json:"violation_type" db:"violation_type"`
	Details       string        `json:"details" db:"details"`
	Timestamp     time.Time     `json:"timestamp" db:"timestamp"`
}

// ValidationResult is the outcome of a single gate check.
type ValidationResult struct {
	Valid      bool                `json:"valid"`
	Violations []ContractViolation `json:"violations"`
}

// ViolationFilter narrows ListViolations results.
type ViolationFilter struct {
	AgentID       string
	ViolationType ViolationType
	Limit         int
	Offset        int
}
