package models

import "time"

// ── Confidence Retry ─────────────────────────────────────────

// RetryRecord describes the single retry attempted for a low-confidence step.
// It is attached to the step envelope only and never stored on its own.
type RetryRecord struct {
	OriginalResponse   string       `json:"original_response"`
	OriginalConfidence string       `json:"original_confidence"`
	RetryResponse      string       `json:"retry_response"`
	RetryConfidence    string       `json:"retry_confidence"`
	RetryReflection    Reflection   `json:"retry_reflection"`
	RetryMetadata      StepMetadata `json:"retry_metadata"`
	Timestamp          time.Time    `json:"timestamp"`
}

// ── Escalation ───────────────────────────────────────────────

type EscalationStatus string

const (
	EscalationPending   EscalationStatus = "pending"
	EscalationForwarded EscalationStatus = "forwarded"
	EscalationResolved  EscalationStatus = "resolved"
)

// CanTransition reports whether moving from s to next is allowed.
// pending → forwarded|resolved, forwarded → resolved; resolved is terminal.
func (s EscalationStatus) CanTransition(next EscalationStatus) bool {
	switch s {
	case EscalationPending:
		return next == EscalationForwarded || next == EscalationResolved
	case EscalationForwarded:
		return next == EscalationResolved
	default:
		return false
	}
}

// EscalationRecord is kept indefinitely for audit.
type EscalationRecord struct {
	ID                 string           `json:"escalation_id" db:"id"`
	ChainID            string           `json:"chain_id,omitempty" db:"chain_id"`
	AgentName          string           `json:"agent_name" db:"agent_name"`
	TaskDescription    string           `json:"task_description" db:"task_description"`
	Reason             string           `json:"reason" db:"reason"`
	ReflectionSnapshot Reflection       `json:"reflection_snapshot"`
	MemorySummary      string           `json:"memory_summary,omitempty" db:"memory_summary"`
	Status             EscalationStatus `json:"status" db:"status"`
	ForwardedTo        string           `json:"forwarded_to,omitempty" db:"forwarded_to"`
	ResolutionNotes    string           `json:"resolution_notes,omitempty" db:"resolution_notes"`
	CreatedAt          time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at" db:"updated_at"`
	ForwardedAt        *time.Time       `json:"forwarded_at,omitempty" db:"forwarded_at"`
	ResolvedAt         *time.Time       `json:"resolved_at,omitempty" db:"resolved_at"`
}

// EscalationFilter narrows ListEscalations results.
type EscalationFilter struct {
	Status    EscalationStatus
	AgentName string
	Limit     int
	Offset    int
}

// ── Nudge ────────────────────────────────────────────────────

type NudgeReason string

const (
	NudgeUncertainty      NudgeReason = "uncertainty"
	NudgeNeedsInformation NudgeReason = "needs_information"
	NudgeBlocked          NudgeReason = "blocked"
	NudgeGeneral          NudgeReason = "general_assistance"
)

// NudgeRecord is written once and never updated.
type NudgeRecord struct {
	ID                 string      `json:"nudge_id" db:"id"`
	ChainID            string      `json:"chain_id,omitempty" db:"chain_id"`
	AgentName          string      `json:"agent_name" db:"agent_name"`
	InputSnapshot      string      `json:"input_snapshot" db:"input_snapshot"`
	OutputSnapshot     string      `json:"output_snapshot" db:"output_snapshot"`
	ReflectionSnapshot Reflection  `json:"reflection_snapshot"`
	Message            string      `json:"message" db:"message"`
	Reason             NudgeReason `json:"reason" db:"reason"`
	MatchedPattern     string      `json:"matched_pattern,omitempty" db:"matched_pattern"`
	Timestamp          time.Time   `json:"timestamp" db:"timestamp"`
}

// NudgeFilter narrows ListNudges results.
type NudgeFilter struct {
	AgentName string
	Reason    NudgeReason
	Limit     int
	Offset    int
}

// ── Drift ────────────────────────────────────────────────────

type DriftStatus string

const (
	DriftNoPrevious DriftStatus = "no_previous_output"
	DriftNone       DriftStatus = "no_drift"
	DriftDetected   DriftStatus = "drift_detected"
)

type DriftAction string

const (
	DriftContinue     DriftAction = "continue"
	DriftLogWarning   DriftAction = "log_warning"
	DriftCriticReview DriftAction = "trigger_critic_review"
	DriftRewindRetry  DriftAction = "rewind_and_retry"
)

// DriftLog is written once per comparison.
type DriftLog struct {
	ID               string    `json:"id" db:"id"`
	LoopID           string    `json:"loop_id" db:"loop_id"`
	Agent            string    `json:"agent" db:"agent"`
	PreviousChecksum string    `json:"previous_checksum" db:"previous_checksum"`
	CurrentChecksum  string    `json:"current_checksum" db:"current_checksum"`
	DriftScore       float64   `json:"drift_score" db:"drift_score"`
	DriftDetected    bool      `json:"drift_detected" db:"drift_detected"`
	Explanation      string    `json:"explanation" db:"explanation"`
	Timestamp        time.Time `json:"timestamp" db:"timestamp"`
}

// DriftResult is what the drift monitor returns to its caller.
type DriftResult struct {
	Status           DriftStatus `json:"status"`
	DriftScore       float64     `json:"drift_score"`
	DriftDetected    bool        `json:"drift_detected"`
	Action           DriftAction `json:"action"`
	PreviousChecksum string      `json:"previous_checksum,omitempty"`
	CurrentChecksum  string      `json:"current_checksum,omitempty"`
	Explanation      string      `json:"explanation"`
	LogID            string      `json:"log_id,omitempty"`
}

// DriftFilter narrows ListDriftLogs results.
type DriftFilter struct {
	LoopID       string
	Agent        string
	DetectedOnly bool
	Limit        int
	Offset       int
}

// OutputSnapshot is a tagged copy of an agent output the drift monitor compares against.
type OutputSnapshot struct {
	ID        string    `json:"snapshot_id" db:"id"`
	LoopID    string    `json:"loop_id" db:"loop_id"`
	Agent     string    `json:"agent" db:"agent"`
	Tag       string    `json:"tag" db:"tag"`
	Content   string    `json:"content" db:"content"`
	Checksum  string    `json:"checksum" db:"checksum"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ── Notification events ─────────────────────────────────────

// EventType names a record lifecycle event delivered to operators.
type EventType string

const (
	EventEscalationRaised    EventType = "escalation_raised"
	EventEscalationForwarded EventType = "escalation_forwarded"
	EventEscalationResolved  EventType = "escalation_resolved"
)

// Event is the webhook payload for a lifecycle event.
type Event struct {
	Type         EventType              `json:"type"`
	ChainID      string                 `json:"chain_id,omitempty"`
	EscalationID string                 `json:"escalation_id,omitempty"`
	Agent        string                 `json:"agent,omitempty"`
	Reason       string                 `json:"reason,omitempty"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
}
