package models

import (
	"errors"
	"fmt"
)

// ErrCancelled is the cause recorded when a chain's context is cancelled between steps.
var ErrCancelled = errors.New("cancelled")

// ExecutionError means an agent or model call failed. It is fatal to the
// chain that made the call but never to the host process.
type ExecutionError struct {
	Agent string
	Err   error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution failed for agent %q: %v", e.Agent, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// ValidationError is a contract or schema mismatch. The contract gate
// translates it into a fallback action instead of returning it.
type ValidationError struct {
	AgentID    string
	Violations []ContractViolation
}

func (e *ValidationError) Error() string {
	if len(e.Violations) == 1 {
		return fmt.Sprintf("contract violation for %q: %s", e.AgentID, e.Violations[0].Details)
	}
	return fmt.Sprintf("%d contract violations for %q", len(e.Violations), e.AgentID)
}

// RoutingError means no eligible next agent was found. The orchestrator
// treats it as a normal end of the chain.
type RoutingError struct {
	From   string
	Reason string
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("no next agent after %q: %s", e.From, e.Reason)
}

// PersistenceError means an audit write failed after its retries.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ConfigurationError means a contract or registry entry is missing or invalid.
type ConfigurationError struct {
	Key    string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error for %q: %s", e.Key, e.Reason)
}
