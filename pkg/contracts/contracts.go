// Package contracts defines the service interfaces the orchestration core
// consumes and exposes.
//
// The core never talks to a model provider, a database or a transport
// directly. Each of those sits behind one of the interfaces below, so a
// deployment can swap the HTTP executor for an in-process one, or the
// in-memory store for PostgreSQL, with a single change in the wiring code
// (pkg/server).
package contracts

import (
	"context"

	"github.com/agentoven/conductor/internal/store"
	"github.com/agentoven/conductor/pkg/models"
)

// Store is a type alias for the internal audit Store interface.
// Exposed in pkg/ so embedding applications can reference it without
// importing internal/ directly.
type Store = store.Store

// ErrNotFound is a type alias for the internal ErrNotFound error.
type ErrNotFound = store.ErrNotFound

// ── Agent Executor ──────────────────────────────────────────

// AgentExecutor runs one agent step.
// Implementations return *models.ExecutionError when the underlying model
// call has exhausted its own retries. Timeouts are the executor's concern;
// the orchestrator treats them as ordinary failures.
type AgentExecutor interface {
	Execute(ctx context.Context, agentName, inputText string, execCtx map[string]interface{}) (*models.ExecutionResult, error)
}

// Reflector re-runs self-evaluation on a piece of output.
// Optional: when absent, the confidence retry controller uses the
// reflection returned with the retried execution.
type Reflector interface {
	Reflect(ctx context.Context, agentName, inputText, outputText string) (models.Reflection, error)
}

// ── Agent Registry ──────────────────────────────────────────

// AgentRegistry answers routing and contract lookups.
// ListAgents returns agents in declaration order; routing ties are
// broken by that order. GetContract returns *models.ConfigurationError
// when the agent has no registered contract.
type AgentRegistry interface {
	ListAgents(ctx context.Context) ([]models.AgentDescriptor, error)
	GetContract(ctx context.Context, agentID string) (*models.AgentContract, error)
}

// ContractRegistrar is implemented by registries that accept explicit
// (re-)registration of contracts at runtime.
type ContractRegistrar interface {
	RegisterContract(contract *models.AgentContract) error
}

// SchemaSource resolves a named JSON Schema document.
type SchemaSource interface {
	Schema(name string) ([]byte, bool)
}

// ── Escalation forwarding ───────────────────────────────────

// ForwardRequest is an escalated task re-wrapped as a new top-level request.
type ForwardRequest struct {
	EscalationID string
	Target       string
	Request      models.OrchestrateRequest
}

// Forwarder delivers a forwarded escalation. Implementations must start a
// brand-new top-level orchestration, never a nested call.
type Forwarder interface {
	Forward(ctx context.Context, req ForwardRequest) error
}

// ── Notifications ───────────────────────────────────────────

// Notifier delivers lifecycle events to operators. Delivery is best effort
// and must not block the caller on slow endpoints.
type Notifier interface {
	Notify(ctx context.Context, event models.Event)
}

// ── Orchestration ───────────────────────────────────────────

// OrchestratorService drives a multi-step chain.
// For any request naming an initial agent the returned chain is non-nil
// and terminal; the error, when present, is the one embedded in the
// chain's last step.
type OrchestratorService interface {
	Orchestrate(ctx context.Context, req models.OrchestrateRequest) (*models.Chain, error)
}
