// In-memory Store implementation.

package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/agentoven/conductor/pkg/models"
	"github.com/rs/zerolog/log"
)

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Chains      map[string]*models.Chain            `json:"chains"`
	Escalations map[string]*models.EscalationRecord `json:"escalations"`
	Nudges      []*models.NudgeRecord               `json:"nudges"`
	DriftLogs   []*models.DriftLog                  `json:"drift_logs"`
	Snapshots   []*models.OutputSnapshot            `json:"snapshots"`
	Violations  []*models.ContractViolation         `json:"violations"`
}

// MemoryStore implements Store with in-memory maps and append-only slices.
type MemoryStore struct {
	mu          sync.RWMutex
	chains      map[string]*models.Chain            // key: chain id
	escalations map[string]*models.EscalationRecord // key: escalation id
	nudges      []*models.NudgeRecord               // append-only
	driftLogs   []*models.DriftLog                  // append-only
	snapshots   []*models.OutputSnapshot            // append-only
	violations  []*models.ContractViolation         // append-only

	// Per-chain write serialization
	chainLocks *KeyedMutex

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals background goroutines to stop
}

// NewMemoryStore creates a new in-memory store.
// If dataDir is non-empty, data is persisted to audit.json in that directory.
func NewMemoryStore(dataDir string) *MemoryStore {
	m := &MemoryStore{
		chains:      make(map[string]*models.Chain),
		escalations: make(map[string]*models.EscalationRecord),
		chainLocks:  NewKeyedMutex(),
		saveCh:      make(chan struct{}, 1),
		doneCh:      make(chan struct{}),
	}

	if dataDir != "" {
		m.snapshotPath = filepath.Join(dataDir, "audit.json")
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("Cannot create data dir, persistence disabled")
			m.snapshotPath = ""
		}
	}

	if m.snapshotPath != "" {
		m.loadSnapshot()
		go m.saveLoop()
	}

	log.Info().
		Str("snapshot", m.snapshotPath).
		Msg("Memory store configured")

	return m
}

// requestSave signals the background goroutine to persist data.
// Non-blocking: coalesces multiple rapid writes into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
		// Already pending
	}
}

// saveLoop debounces save requests (max 1 write per 500ms).
func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			time.Sleep(500 * time.Millisecond)
			if err := m.saveSnapshot(); err != nil {
				log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to write snapshot")
			}
		}
	}
}

func (m *MemoryStore) saveSnapshot() error {
	m.mu.RLock()
	snap := snapshot{
		Chains:      m.chains,
		Escalations: m.escalations,
		Nudges:      m.nudges,
		DriftLogs:   m.driftLogs,
		Snapshots:   m.snapshots,
		Violations:  m.violations,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	m.mu.RUnlock()
	if err != nil {
		return err
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	// Write to temp file then rename for atomicity
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, m.snapshotPath)
}

func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", m.snapshotPath).Msg("No snapshot file found, starting fresh")
			return
		}
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Failed to read snapshot")
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to parse snapshot, starting fresh")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if snap.Chains != nil {
		m.chains = snap.Chains
	}
	if snap.Escalations != nil {
		m.escalations = snap.Escalations
	}
	m.nudges = snap.Nudges
	m.driftLogs = snap.DriftLogs
	m.snapshots = snap.Snapshots
	m.violations = snap.Violations

	log.Info().
		Int("chains", len(m.chains)).
		Int("escalations", len(m.escalations)).
		Str("path", m.snapshotPath).
		Msg("Loaded audit snapshot")
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close stops the save loop and forces a final snapshot write.
// Safe to call multiple times (second call is a no-op).
func (m *MemoryStore) Close() error {
	select {
	case <-m.doneCh:
		return nil
	default:
		close(m.doneCh)
	}

	if m.snapshotPath != "" {
		log.Info().Msg("Flushing final snapshot before shutdown...")
		if err := m.saveSnapshot(); err != nil {
			return err
		}
	}
	return nil
}

// ── Chain Store ─────────────────────────────────────────────

func copyChain(c *models.Chain) *models.Chain {
	cp := *c
	cp.Steps = append([]models.ChainStep(nil), c.Steps...)
	return &cp
}

func (m *MemoryStore) CreateChain(_ context.Context, chain *models.Chain) error {
	unlock := m.chainLocks.Lock(chain.ID)
	defer unlock()

	m.mu.Lock()
	if _, exists := m.chains[chain.ID]; exists {
		m.mu.Unlock()
		return &ErrInvalidTransition{Entity: "chain", Key: chain.ID, From: "exists", To: "create"}
	}
	m.chains[chain.ID] = copyChain(chain)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) AppendStep(_ context.Context, chainID string, step *models.ChainStep) error {
	unlock := m.chainLocks.Lock(chainID)
	defer unlock()

	m.mu.Lock()
	c, ok := m.chains[chainID]
	if !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "chain", Key: chainID}
	}
	if err := checkAppend(c, step); err != nil {
		m.mu.Unlock()
		return err
	}
	c.Steps = append(c.Steps, *step)
	c.UpdatedAt = time.Now().UTC()
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) FinishChain(_ context.Context, chainID string, status models.ChainStatus, reason string) error {
	unlock := m.chainLocks.Lock(chainID)
	defer unlock()

	m.mu.Lock()
	c, ok := m.chains[chainID]
	if !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "chain", Key: chainID}
	}
	if err := checkFinish(chainID, c.Status, status); err != nil {
		m.mu.Unlock()
		return err
	}
	c.Status = status
	c.HaltReason = reason
	c.UpdatedAt = time.Now().UTC()
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetChain(_ context.Context, id string) (*models.Chain, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.chains[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "chain", Key: id}
	}
	return copyChain(c), nil
}

func (m *MemoryStore) ListChains(_ context.Context, filter models.ChainFilter) ([]models.Chain, error) {
	m.mu.RLock()
	var matched []models.Chain
	for _, c := range m.chains {
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		if filter.Agent != "" && c.InitialAgent != filter.Agent {
			continue
		}
		matched = append(matched, *copyChain(c))
	}
	m.mu.RUnlock()

	// Newest first, ID as a stable tiebreak
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})
	start, end := page(len(matched), filter.Limit, filter.Offset)
	return matched[start:end], nil
}

// ── Escalation Store ────────────────────────────────────────

func (m *MemoryStore) CreateEscalation(_ context.Context, rec *models.EscalationRecord) error {
	m.mu.Lock()
	copy := *rec
	m.escalations[rec.ID] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetEscalation(_ context.Context, id string) (*models.EscalationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.escalations[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "escalation", Key: id}
	}
	copy := *e
	return &copy, nil
}

func (m *MemoryStore) UpdateEscalation(_ context.Context, rec *models.EscalationRecord) error {
	m.mu.Lock()
	existing, ok := m.escalations[rec.ID]
	if !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "escalation", Key: rec.ID}
	}
	if err := checkEscalation(rec.ID, existing.Status, rec.Status); err != nil {
		m.mu.Unlock()
		return err
	}
	existing.Status = rec.Status
	existing.ForwardedTo = rec.ForwardedTo
	existing.ForwardedAt = rec.ForwardedAt
	existing.ResolutionNotes = rec.ResolutionNotes
	existing.ResolvedAt = rec.ResolvedAt
	existing.UpdatedAt = rec.UpdatedAt
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListEscalations(_ context.Context, filter models.EscalationFilter) ([]models.EscalationRecord, error) {
	m.mu.RLock()
	var matched []models.EscalationRecord
	for _, e := range m.escalations {
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		if filter.AgentName != "" && e.AgentName != filter.AgentName {
			continue
		}
		matched = append(matched, *e)
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})
	start, end := page(len(matched), filter.Limit, filter.Offset)
	return matched[start:end], nil
}

// ── Nudge Store ─────────────────────────────────────────────

func (m *MemoryStore) CreateNudge(_ context.Context, rec *models.NudgeRecord) error {
	m.mu.Lock()
	for _, n := range m.nudges {
		if n.ID == rec.ID {
			m.mu.Unlock()
			return &ErrInvalidTransition{Entity: "nudge", Key: rec.ID, From: "written", To: "rewrite"}
		}
	}
	copy := *rec
	m.nudges = append(m.nudges, &copy)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetNudge(_ context.Context, id string) (*models.NudgeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, n := range m.nudges {
		if n.ID == id {
			copy := *n
			return &copy, nil
		}
	}
	return nil, &ErrNotFound{Entity: "nudge", Key: id}
}

func (m *MemoryStore) ListNudges(_ context.Context, filter models.NudgeFilter) ([]models.NudgeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var matched []models.NudgeRecord
	for i := len(m.nudges) - 1; i >= 0; i-- { // newest first
		n := m.nudges[i]
		if filter.AgentName != "" && n.AgentName != filter.AgentName {
			continue
		}
		if filter.Reason != "" && n.Reason != filter.Reason {
			continue
		}
		matched = append(matched, *n)
	}
	start, end := page(len(matched), filter.Limit, filter.Offset)
	return matched[start:end], nil
}

// ── Drift Store ─────────────────────────────────────────────

func (m *MemoryStore) CreateDriftLog(_ context.Context, dl *models.DriftLog) error {
	m.mu.Lock()
	copy := *dl
	m.driftLogs = append(m.driftLogs, &copy)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListDriftLogs(_ context.Context, filter models.DriftFilter) ([]models.DriftLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var matched []models.DriftLog
	for i := len(m.driftLogs) - 1; i >= 0; i-- { // newest first
		d := m.driftLogs[i]
		if filter.LoopID != "" && d.LoopID != filter.LoopID {
			continue
		}
		if filter.Agent != "" && d.Agent != filter.Agent {
			continue
		}
		if filter.DetectedOnly && !d.DriftDetected {
			continue
		}
		matched = append(matched, *d)
	}
	start, end := page(len(matched), filter.Limit, filter.Offset)
	return matched[start:end], nil
}

// ── Snapshot Store ──────────────────────────────────────────

func (m *MemoryStore) CreateSnapshot(_ context.Context, snap *models.OutputSnapshot) error {
	m.mu.Lock()
	copy := *snap
	m.snapshots = append(m.snapshots, &copy)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetSnapshot(_ context.Context, id string) (*models.OutputSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.snapshots {
		if s.ID == id {
			copy := *s
			return &copy, nil
		}
	}
	return nil, &ErrNotFound{Entity: "snapshot", Key: id}
}

func (m *MemoryStore) FindSnapshot(_ context.Context, loopID, agent, tag string) (*models.OutputSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.snapshots) - 1; i >= 0; i-- {
		s := m.snapshots[i]
		if s.LoopID == loopID && s.Agent == agent && s.Tag == tag {
			copy := *s
			return &copy, nil
		}
	}
	return nil, &ErrNotFound{Entity: "snapshot", Key: loopID + "/" + agent + "/" + tag}
}

func (m *MemoryStore) ListSnapshots(_ context.Context, loopID, agent string) ([]models.OutputSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.OutputSnapshot
	for _, s := range m.snapshots {
		if s.LoopID == loopID && s.Agent == agent {
			result = append(result, *s)
		}
	}
	return result, nil
}

// ── Violation Store ─────────────────────────────────────────

func (m *MemoryStore) CreateViolation(_ context.Context, v *models.ContractViolation) error {
	m.mu.Lock()
	copy := *v
	m.violations = append(m.violations, &copy)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListViolations(_ context.Context, filter models.ViolationFilter) ([]models.ContractViolation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var matched []models.ContractViolation
	for i := len(m.violations) - 1; i >= 0; i-- { // newest first
		v := m.violations[i]
		if filter.AgentID != "" && v.AgentID != filter.AgentID {
			continue
		}
		if filter.ViolationType != "" && v.ViolationType != filter.ViolationType {
			continue
		}
		matched = append(matched, *v)
	}
	start, end := page(len(matched), filter.Limit, filter.Offset)
	return matched[start:end], nil
}
