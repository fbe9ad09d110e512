// Package store provides the append-only audit storage used by the
// orchestrator and its evaluators.
// The in-memory implementation backs tests and zero-config runs; SQLite and
// PostgreSQL implementations back durable deployments.
package store

import (
	"context"

	"github.com/agentoven/conductor/pkg/models"
)

// Store is the primary storage interface for the orchestration core.
// Records are appended and read back; the only in-place updates are chain
// status and escalation status, matching the record lifecycles.
type Store interface {
	ChainStore
	EscalationStore
	NudgeStore
	DriftStore
	SnapshotStore
	ViolationStore

	// Ping checks if the backing engine is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// ── Chain Store ─────────────────────────────────────────────

// ChainStore persists chains. Writes for one chain ID are serialized by the
// implementation so concurrent writers cannot lose updates.
type ChainStore interface {
	CreateChain(ctx context.Context, chain *models.Chain) error

	// AppendStep appends a step to a non-terminal chain. The step number must
	// be strictly greater than the last stored one.
	AppendStep(ctx context.Context, chainID string, step *models.ChainStep) error

	// FinishChain moves a chain to a terminal status exactly once.
	FinishChain(ctx context.Context, chainID string, status models.ChainStatus, reason string) error

	GetChain(ctx context.Context, id string) (*models.Chain, error)
	ListChains(ctx context.Context, filter models.ChainFilter) ([]models.Chain, error)
}

// ── Escalation Store ────────────────────────────────────────

type EscalationStore interface {
	CreateEscalation(ctx context.Context, rec *models.EscalationRecord) error
	GetEscalation(ctx context.Context, id string) (*models.EscalationRecord, error)

	// UpdateEscalation writes status, forwarding and resolution fields.
	// Illegal status transitions return *ErrInvalidTransition.
	UpdateEscalation(ctx context.Context, rec *models.EscalationRecord) error

	ListEscalations(ctx context.Context, filter models.EscalationFilter) ([]models.EscalationRecord, error)
}

// ── Nudge Store ─────────────────────────────────────────────

type NudgeStore interface {
	CreateNudge(ctx context.Context, rec *models.NudgeRecord) error
	GetNudge(ctx context.Context, id string) (*models.NudgeRecord, error)
	ListNudges(ctx context.Context, filter models.NudgeFilter) ([]models.NudgeRecord, error)
}

// ── Drift Store ─────────────────────────────────────────────

type DriftStore interface {
	CreateDriftLog(ctx context.Context, log *models.DriftLog) error
	ListDriftLogs(ctx context.Context, filter models.DriftFilter) ([]models.DriftLog, error)
}

// ── Snapshot Store ──────────────────────────────────────────

// SnapshotStore keeps tagged outputs for drift comparison.
type SnapshotStore interface {
	CreateSnapshot(ctx context.Context, snap *models.OutputSnapshot) error
	GetSnapshot(ctx context.Context, id string) (*models.OutputSnapshot, error)

	// FindSnapshot returns the newest snapshot with the given tag.
	FindSnapshot(ctx context.Context, loopID, agent, tag string) (*models.OutputSnapshot, error)

	// ListSnapshots returns snapshots for a loop/agent, oldest first.
	ListSnapshots(ctx context.Context, loopID, agent string) ([]models.OutputSnapshot, error)
}

// ── Violation Store ─────────────────────────────────────────

type ViolationStore interface {
	CreateViolation(ctx context.Context, v *models.ContractViolation) error
	ListViolations(ctx context.Context, filter models.ViolationFilter) ([]models.ContractViolation, error)
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// ErrInvalidTransition is returned when a write would break a record lifecycle.
type ErrInvalidTransition struct {
	Entity string
	Key    string
	From   string
	To     string
}

func (e *ErrInvalidTransition) Error() string {
	return e.Entity + " " + e.Key + ": invalid transition " + e.From + " -> " + e.To
}

// ── Filter helpers ──────────────────────────────────────────

// DefaultListLimit applies when a filter leaves Limit unset.
const DefaultListLimit = 100

// page applies offset/limit to n items and returns the [start, end) window.
func page(n, limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if offset < 0 {
		offset = 0
	}
	if offset > n {
		return n, n
	}
	end := offset + limit
	if end > n {
		end = n
	}
	return offset, end
}
