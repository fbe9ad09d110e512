// Package drift implements the drift monitor: it compares an agent's output
// with an earlier output from the same loop, scores the difference and
// recommends an action. Every evaluation is written to the drift log.
package drift

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agentoven/conductor/internal/store"
	"github.com/agentoven/conductor/internal/telemetry"
	"github.com/agentoven/conductor/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Bands split drift scores into recommended actions:
//
//	score <= Threshold                  continue
//	Threshold < score < ReviewBand      log_warning
//	ReviewBand <= score <= RewindBand   trigger_critic_review
//	score > RewindBand                  rewind_and_retry
type Bands struct {
	Threshold  float64
	ReviewBand float64
	RewindBand float64
}

// DefaultBands returns the stock ladder.
func DefaultBands() Bands {
	return Bands{Threshold: 0.25, ReviewBand: 0.5, RewindBand: 0.75}
}

// Detected reports whether score counts as drift.
func (b Bands) Detected(score float64) bool {
	return score > b.Threshold
}

// Action maps a score to its recommended action.
func (b Bands) Action(score float64) models.DriftAction {
	switch {
	case !b.Detected(score):
		return models.DriftContinue
	case score > b.RewindBand:
		return models.DriftRewindRetry
	case score >= b.ReviewBand:
		return models.DriftCriticReview
	default:
		return models.DriftLogWarning
	}
}

// Store is the subset of the audit store the monitor needs.
type Store interface {
	store.DriftStore
	store.SnapshotStore
}

// Monitor records snapshots and evaluates drift between them.
type Monitor struct {
	store   Store
	bands   Bands
	metrics *telemetry.Metrics
}

func New(s Store, bands Bands, metrics *telemetry.Metrics) *Monitor {
	if bands == (Bands{}) {
		bands = DefaultBands()
	}
	if metrics == nil {
		metrics = telemetry.NoopMetrics()
	}
	return &Monitor{store: s, bands: bands, metrics: metrics}
}

// Bands returns the configured ladder.
func (m *Monitor) Bands() Bands { return m.bands }

// Record stores content as a tagged snapshot for loopID/agent.
func (m *Monitor) Record(ctx context.Context, loopID, agent, tag, content string) (*models.OutputSnapshot, error) {
	snap := &models.OutputSnapshot{
		ID:        uuid.New().String(),
		LoopID:    loopID,
		Agent:     agent,
		Tag:       tag,
		Content:   content,
		Checksum:  Checksum(content),
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.CreateSnapshot(ctx, snap); err != nil {
		return nil, &models.PersistenceError{Op: "create snapshot", Err: err}
	}
	return snap, nil
}

// Request selects the two outputs to compare.
// CurrentTag empty means the latest snapshot. PreviousSnapshotID wins over
// PreviousTag; with neither, the snapshot recorded just before the current
// one is used. Threshold, when set, overrides the configured threshold.
type Request struct {
	LoopID             string   `json:"loop_id"`
	Agent              string   `json:"agent"`
	CurrentTag         string   `json:"current_output_tag,omitempty"`
	PreviousTag        string   `json:"previous_output_tag,omitempty"`
	PreviousSnapshotID string   `json:"previous_snapshot_id,omitempty"`
	Threshold          *float64 `json:"threshold,omitempty"`
}

// Monitor resolves the outputs named by req, compares them and logs the result.
// A missing previous output is the first-run base case, not an error.
func (m *Monitor) Monitor(ctx context.Context, req Request) (*models.DriftResult, error) {
	current, err := m.resolveCurrent(ctx, req)
	if err != nil {
		return nil, err
	}
	previous, err := m.resolvePrevious(ctx, req, current)
	if err != nil {
		return nil, err
	}
	return m.evaluate(ctx, req, current, previous)
}

// Observe records content under tag and compares it with the loop's
// previous snapshot. The orchestrator calls it once per step.
func (m *Monitor) Observe(ctx context.Context, loopID, agent, tag, content string) (*models.DriftResult, error) {
	current, err := m.Record(ctx, loopID, agent, tag, content)
	if err != nil {
		return nil, err
	}
	req := Request{LoopID: loopID, Agent: agent, CurrentTag: tag}
	previous, err := m.resolvePrevious(ctx, req, current)
	if err != nil {
		return nil, err
	}
	return m.evaluate(ctx, req, current, previous)
}

func (m *Monitor) resolveCurrent(ctx context.Context, req Request) (*models.OutputSnapshot, error) {
	if req.CurrentTag != "" {
		return m.store.FindSnapshot(ctx, req.LoopID, req.Agent, req.CurrentTag)
	}
	snaps, err := m.store.ListSnapshots(ctx, req.LoopID, req.Agent)
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, &store.ErrNotFound{Entity: "snapshot", Key: req.LoopID + "/" + req.Agent}
	}
	return &snaps[len(snaps)-1], nil
}

// resolvePrevious returns nil when nothing earlier can be found.
func (m *Monitor) resolvePrevious(ctx context.Context, req Request, current *models.OutputSnapshot) (*models.OutputSnapshot, error) {
	var (
		snap *models.OutputSnapshot
		err  error
	)
	switch {
	case req.PreviousSnapshotID != "":
		snap, err = m.store.GetSnapshot(ctx, req.PreviousSnapshotID)
	case req.PreviousTag != "":
		snap, err = m.store.FindSnapshot(ctx, req.LoopID, req.Agent, req.PreviousTag)
	default:
		return m.precedingSnapshot(ctx, current)
	}
	var nf *store.ErrNotFound
	if errors.As(err, &nf) {
		return nil, nil
	}
	return snap, err
}

func (m *Monitor) precedingSnapshot(ctx context.Context, current *models.OutputSnapshot) (*models.OutputSnapshot, error) {
	snaps, err := m.store.ListSnapshots(ctx, current.LoopID, current.Agent)
	if err != nil {
		return nil, err
	}
	for i := range snaps {
		if snaps[i].ID == current.ID {
			if i == 0 {
				return nil, nil
			}
			prev := snaps[i-1]
			return &prev, nil
		}
	}
	return nil, nil
}

func (m *Monitor) evaluate(ctx context.Context, req Request, current, previous *models.OutputSnapshot) (*models.DriftResult, error) {
	bands := m.bands
	if req.Threshold != nil {
		bands.Threshold = *req.Threshold
	}

	var result *models.DriftResult
	if previous == nil {
		result = &models.DriftResult{
			Status:          models.DriftNoPrevious,
			Action:          models.DriftContinue,
			CurrentChecksum: current.Checksum,
			Explanation:     "no previous output to compare against",
		}
	} else {
		cmp := Compare(previous.Content, current.Content)
		detected := bands.Detected(cmp.Score)
		status := models.DriftNone
		if detected {
			status = models.DriftDetected
		}
		result = &models.DriftResult{
			Status:           status,
			DriftScore:       cmp.Score,
			DriftDetected:    detected,
			Action:           bands.Action(cmp.Score),
			PreviousChecksum: cmp.PreviousChecksum,
			CurrentChecksum:  cmp.CurrentChecksum,
			Explanation:      cmp.Explanation,
		}
	}

	entry := &models.DriftLog{
		ID:               uuid.New().String(),
		LoopID:           current.LoopID,
		Agent:            current.Agent,
		PreviousChecksum: result.PreviousChecksum,
		CurrentChecksum:  result.CurrentChecksum,
		DriftScore:       result.DriftScore,
		DriftDetected:    result.DriftDetected,
		Explanation:      fmt.Sprintf("%s: %s", result.Action, result.Explanation),
		Timestamp:        time.Now().UTC(),
	}
	if err := m.store.CreateDriftLog(ctx, entry); err != nil {
		return nil, &models.PersistenceError{Op: "create drift log", Err: err}
	}
	result.LogID = entry.ID

	m.metrics.DriftScore.Record(ctx, result.DriftScore,
		metric.WithAttributes(attribute.String("action", string(result.Action))))

	event := log.Debug()
	if result.DriftDetected {
		event = log.Warn()
	}
	event.
		Str("loop_id", current.LoopID).
		Str("agent", current.Agent).
		Float64("drift_score", result.DriftScore).
		Str("status", string(result.Status)).
		Str("action", string(result.Action)).
		Msg("Drift evaluated")
	return result, nil
}

// Logs lists drift log entries.
func (m *Monitor) Logs(ctx context.Context, filter models.DriftFilter) ([]models.DriftLog, error) {
	return m.store.ListDriftLogs(ctx, filter)
}
