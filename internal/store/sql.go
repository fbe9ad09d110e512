package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/agentoven/conductor/pkg/models"
)

// dialect captures the differences between the SQL engines we support.
type dialect struct {
	name string
	ddl  []string

	// numbered reports whether placeholders are $1..$n instead of ?.
	numbered bool
}

// SQLStore implements Store on top of database/sql.
// SQLite and PostgreSQL share every query; only DDL and placeholders differ.
type SQLStore struct {
	db         *sql.DB
	dialect    dialect
	chainLocks *KeyedMutex
}

func newSQLStore(db *sql.DB, d dialect) *SQLStore {
	return &SQLStore{db: db, dialect: d, chainLocks: NewKeyedMutex()}
}

// Migrate creates the audit tables if they do not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s migrate: %w", s.dialect.name, err)
		}
	}
	return nil
}

// DB exposes the underlying handle for diagnostics and tests.
func (s *SQLStore) DB() *sql.DB { return s.db }

func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLStore) Close() error { return s.db.Close() }

// rebind rewrites ? placeholders for engines that number them.
func (s *SQLStore) rebind(query string) string {
	if !s.dialect.numbered {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteString("$" + strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...interface{}) error {
	_, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func limitOffset(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// where accumulates optional equality filters.
type where struct {
	clauses []string
	args    []interface{}
}

func (w *where) eq(col string, val string) {
	if val == "" {
		return
	}
	w.clauses = append(w.clauses, col+" = ?")
	w.args = append(w.args, val)
}

func (w *where) String() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

// ── Chain Store ─────────────────────────────────────────────

func (s *SQLStore) CreateChain(ctx context.Context, chain *models.Chain) error {
	unlock := s.chainLocks.Lock(chain.ID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO chains (id, initial_agent, initial_input, status, halt_reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		chain.ID, chain.InitialAgent, chain.InitialInput, string(chain.Status), chain.HaltReason,
		chain.CreatedAt.UTC(), chain.UpdatedAt.UTC(),
	); err != nil {
		return fmt.Errorf("insert chain: %w", err)
	}
	for i := range chain.Steps {
		if err := s.insertStep(ctx, tx, chain.ID, &chain.Steps[i]); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLStore) insertStep(ctx context.Context, tx *sql.Tx, chainID string, step *models.ChainStep) error {
	payload, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("marshal step: %w", err)
	}
	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO chain_steps (chain_id, step_number, agent_name, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`),
		chainID, step.StepNumber, step.AgentName, string(payload), step.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert step: %w", err)
	}
	return nil
}

func (s *SQLStore) AppendStep(ctx context.Context, chainID string, step *models.ChainStep) error {
	unlock := s.chainLocks.Lock(chainID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var status string
	var last sql.NullInt64
	err = tx.QueryRowContext(ctx, s.rebind(`
		SELECT c.status, (SELECT MAX(step_number) FROM chain_steps WHERE chain_id = c.id)
		FROM chains c WHERE c.id = ?`), chainID).Scan(&status, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return &ErrNotFound{Entity: "chain", Key: chainID}
	}
	if err != nil {
		return err
	}

	probe := &models.Chain{ID: chainID, Status: models.ChainStatus(status)}
	if last.Valid {
		probe.Steps = []models.ChainStep{{StepNumber: int(last.Int64)}}
	}
	if err := checkAppend(probe, step); err != nil {
		return err
	}
	if err := s.insertStep(ctx, tx, chainID, step); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE chains SET updated_at = ? WHERE id = ?`),
		time.Now().UTC(), chainID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) FinishChain(ctx context.Context, chainID string, status models.ChainStatus, reason string) error {
	unlock := s.chainLocks.Lock(chainID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, s.rebind(`SELECT status FROM chains WHERE id = ?`), chainID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return &ErrNotFound{Entity: "chain", Key: chainID}
	}
	if err != nil {
		return err
	}
	if err := checkFinish(chainID, models.ChainStatus(current), status); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE chains SET status = ?, halt_reason = ?, updated_at = ? WHERE id = ?`),
		string(status), reason, time.Now().UTC(), chainID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) GetChain(ctx context.Context, id string) (*models.Chain, error) {
	var c models.Chain
	var status string
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, initial_agent, initial_input, status, halt_reason, created_at, updated_at
		FROM chains WHERE id = ?`), id).
		Scan(&c.ID, &c.InitialAgent, &c.InitialInput, &status, &c.HaltReason, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "chain", Key: id}
	}
	if err != nil {
		return nil, err
	}
	c.Status = models.ChainStatus(status)
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()

	steps, err := s.loadSteps(ctx, id)
	if err != nil {
		return nil, err
	}
	c.Steps = steps
	return &c, nil
}

func (s *SQLStore) loadSteps(ctx context.Context, chainID string) ([]models.ChainStep, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT payload FROM chain_steps WHERE chain_id = ? ORDER BY step_number ASC`), chainID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []models.ChainStep
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var step models.ChainStep
		if err := json.Unmarshal([]byte(payload), &step); err != nil {
			return nil, fmt.Errorf("decode step of chain %s: %w", chainID, err)
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

func (s *SQLStore) ListChains(ctx context.Context, filter models.ChainFilter) ([]models.Chain, error) {
	w := &where{}
	w.eq("status", string(filter.Status))
	w.eq("initial_agent", filter.Agent)
	limit, offset := limitOffset(filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT id FROM chains`+w.String()+
		` ORDER BY created_at DESC, id ASC LIMIT ? OFFSET ?`), append(w.args, limit, offset)...)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	chains := make([]models.Chain, 0, len(ids))
	for _, id := range ids {
		c, err := s.GetChain(ctx, id)
		if err != nil {
			return nil, err
		}
		chains = append(chains, *c)
	}
	return chains, nil
}

// ── Escalation Store ────────────────────────────────────────

const escalationColumns = `id, chain_id, agent_name, task_description, reason, reflection, memory_summary,
	status, forwarded_to, resolution_notes, created_at, updated_at, forwarded_at, resolved_at`

func (s *SQLStore) CreateEscalation(ctx context.Context, rec *models.EscalationRecord) error {
	refl, err := json.Marshal(rec.ReflectionSnapshot)
	if err != nil {
		return err
	}
	return s.exec(ctx, `INSERT INTO escalations (`+escalationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ChainID, rec.AgentName, rec.TaskDescription, rec.Reason, string(refl), rec.MemorySummary,
		string(rec.Status), rec.ForwardedTo, rec.ResolutionNotes, rec.CreatedAt.UTC(), rec.UpdatedAt.UTC(),
		nullTime(rec.ForwardedAt), nullTime(rec.ResolvedAt),
	)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEscalation(row rowScanner) (*models.EscalationRecord, error) {
	var e models.EscalationRecord
	var refl, status string
	var forwardedAt, resolvedAt sql.NullTime
	if err := row.Scan(&e.ID, &e.ChainID, &e.AgentName, &e.TaskDescription, &e.Reason, &refl, &e.MemorySummary,
		&status, &e.ForwardedTo, &e.ResolutionNotes, &e.CreatedAt, &e.UpdatedAt, &forwardedAt, &resolvedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(refl), &e.ReflectionSnapshot); err != nil {
		return nil, fmt.Errorf("decode escalation reflection: %w", err)
	}
	e.Status = models.EscalationStatus(status)
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	e.ForwardedAt = timePtr(forwardedAt)
	e.ResolvedAt = timePtr(resolvedAt)
	return &e, nil
}

func (s *SQLStore) GetEscalation(ctx context.Context, id string) (*models.EscalationRecord, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+escalationColumns+` FROM escalations WHERE id = ?`), id)
	e, err := scanEscalation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "escalation", Key: id}
	}
	return e, err
}

func (s *SQLStore) UpdateEscalation(ctx context.Context, rec *models.EscalationRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, s.rebind(`SELECT status FROM escalations WHERE id = ?`), rec.ID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return &ErrNotFound{Entity: "escalation", Key: rec.ID}
	}
	if err != nil {
		return err
	}
	if err := checkEscalation(rec.ID, models.EscalationStatus(current), rec.Status); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE escalations SET status = ?, forwarded_to = ?, resolution_notes = ?,
			updated_at = ?, forwarded_at = ?, resolved_at = ?
		WHERE id = ?`),
		string(rec.Status), rec.ForwardedTo, rec.ResolutionNotes, rec.UpdatedAt.UTC(),
		nullTime(rec.ForwardedAt), nullTime(rec.ResolvedAt), rec.ID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) ListEscalations(ctx context.Context, filter models.EscalationFilter) ([]models.EscalationRecord, error) {
	w := &where{}
	w.eq("status", string(filter.Status))
	w.eq("agent_name", filter.AgentName)
	limit, offset := limitOffset(filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+escalationColumns+` FROM escalations`+w.String()+
		` ORDER BY created_at DESC, id ASC LIMIT ? OFFSET ?`), append(w.args, limit, offset)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []models.EscalationRecord
	for rows.Next() {
		e, err := scanEscalation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *e)
	}
	return result, rows.Err()
}

// ── Nudge Store ─────────────────────────────────────────────

const nudgeColumns = `id, chain_id, agent_name, input_snapshot, output_snapshot, reflection,
	message, reason, matched_pattern, created_at`

func (s *SQLStore) CreateNudge(ctx context.Context, rec *models.NudgeRecord) error {
	refl, err := json.Marshal(rec.ReflectionSnapshot)
	if err != nil {
		return err
	}
	return s.exec(ctx, `INSERT INTO nudges (`+nudgeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ChainID, rec.AgentName, rec.InputSnapshot, rec.OutputSnapshot, string(refl),
		rec.Message, string(rec.Reason), rec.MatchedPattern, rec.Timestamp.UTC(),
	)
}

func scanNudge(row rowScanner) (*models.NudgeRecord, error) {
	var n models.NudgeRecord
	var refl, reason string
	if err := row.Scan(&n.ID, &n.ChainID, &n.AgentName, &n.InputSnapshot, &n.OutputSnapshot, &refl,
		&n.Message, &reason, &n.MatchedPattern, &n.Timestamp); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(refl), &n.ReflectionSnapshot); err != nil {
		return nil, fmt.Errorf("decode nudge reflection: %w", err)
	}
	n.Reason = models.NudgeReason(reason)
	n.Timestamp = n.Timestamp.UTC()
	return &n, nil
}

func (s *SQLStore) GetNudge(ctx context.Context, id string) (*models.NudgeRecord, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+nudgeColumns+` FROM nudges WHERE id = ?`), id)
	n, err := scanNudge(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "nudge", Key: id}
	}
	return n, err
}

func (s *SQLStore) ListNudges(ctx context.Context, filter models.NudgeFilter) ([]models.NudgeRecord, error) {
	w := &where{}
	w.eq("agent_name", filter.AgentName)
	w.eq("reason", string(filter.Reason))
	limit, offset := limitOffset(filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+nudgeColumns+` FROM nudges`+w.String()+
		` ORDER BY seq DESC LIMIT ? OFFSET ?`), append(w.args, limit, offset)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []models.NudgeRecord
	for rows.Next() {
		n, err := scanNudge(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *n)
	}
	return result, rows.Err()
}

// ── Drift Store ─────────────────────────────────────────────

func (s *SQLStore) CreateDriftLog(ctx context.Context, dl *models.DriftLog) error {
	return s.exec(ctx, `
		INSERT INTO drift_logs (id, loop_id, agent, previous_checksum, current_checksum,
			drift_score, drift_detected, explanation, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		dl.ID, dl.LoopID, dl.Agent, dl.PreviousChecksum, dl.CurrentChecksum,
		dl.DriftScore, boolToInt(dl.DriftDetected), dl.Explanation, dl.Timestamp.UTC(),
	)
}

func (s *SQLStore) ListDriftLogs(ctx context.Context, filter models.DriftFilter) ([]models.DriftLog, error) {
	w := &where{}
	w.eq("loop_id", filter.LoopID)
	w.eq("agent", filter.Agent)
	if filter.DetectedOnly {
		w.clauses = append(w.clauses, "drift_detected = 1")
	}
	limit, offset := limitOffset(filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, loop_id, agent, previous_checksum, current_checksum, drift_score, drift_detected,
			explanation, created_at
		FROM drift_logs`+w.String()+` ORDER BY seq DESC LIMIT ? OFFSET ?`), append(w.args, limit, offset)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []models.DriftLog
	for rows.Next() {
		var d models.DriftLog
		var detected int
		if err := rows.Scan(&d.ID, &d.LoopID, &d.Agent, &d.PreviousChecksum, &d.CurrentChecksum,
			&d.DriftScore, &detected, &d.Explanation, &d.Timestamp); err != nil {
			return nil, err
		}
		d.DriftDetected = detected == 1
		d.Timestamp = d.Timestamp.UTC()
		result = append(result, d)
	}
	return result, rows.Err()
}

// ── Snapshot Store ──────────────────────────────────────────

const snapshotColumns = `id, loop_id, agent, tag, content, checksum, created_at`

func (s *SQLStore) CreateSnapshot(ctx context.Context, snap *models.OutputSnapshot) error {
	return s.exec(ctx, `INSERT INTO output_snapshots (`+snapshotColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.LoopID, snap.Agent, snap.Tag, snap.Content, snap.Checksum, snap.CreatedAt.UTC(),
	)
}

func scanSnapshot(row rowScanner) (*models.OutputSnapshot, error) {
	var o models.OutputSnapshot
	if err := row.Scan(&o.ID, &o.LoopID, &o.Agent, &o.Tag, &o.Content, &o.Checksum, &o.CreatedAt); err != nil {
		return nil, err
	}
	o.CreatedAt = o.CreatedAt.UTC()
	return &o, nil
}

func (s *SQLStore) GetSnapshot(ctx context.Context, id string) (*models.OutputSnapshot, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+snapshotColumns+` FROM output_snapshots WHERE id = ?`), id)
	o, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "snapshot", Key: id}
	}
	return o, err
}

func (s *SQLStore) FindSnapshot(ctx context.Context, loopID, agent, tag string) (*models.OutputSnapshot, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+snapshotColumns+` FROM output_snapshots
		WHERE loop_id = ? AND agent = ? AND tag = ? ORDER BY seq DESC LIMIT 1`), loopID, agent, tag)
	o, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "snapshot", Key: loopID + "/" + agent + "/" + tag}
	}
	return o, err
}

func (s *SQLStore) ListSnapshots(ctx context.Context, loopID, agent string) ([]models.OutputSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+snapshotColumns+` FROM output_snapshots
		WHERE loop_id = ? AND agent = ? ORDER BY seq ASC`), loopID, agent)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []models.OutputSnapshot
	for rows.Next() {
		o, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *o)
	}
	return result, rows.Err()
}

// ── Violation Store ─────────────────────────────────────────

func (s *SQLStore) CreateViolation(ctx context.Context, v *models.ContractViolation) error {
	return s.exec(ctx, `
		INSERT INTO contract_violations (id, chain_id, agent_id, violation_type, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		v.ID, v.ChainID, v.AgentID, string(v.ViolationType), v.Details, v.Timestamp.UTC(),
	)
}

func (s *SQLStore) ListViolations(ctx context.Context, filter models.ViolationFilter) ([]models.ContractViolation, error) {
	w := &where{}
	w.eq("agent_id", filter.AgentID)
	w.eq("violation_type", string(filter.ViolationType))
	limit, offset := limitOffset(filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, chain_id, agent_id, violation_type, details, created_at
		FROM contract_violations`+w.String()+` ORDER BY seq DESC LIMIT ? OFFSET ?`),
		append(w.args, limit, offset)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []models.ContractViolation
	for rows.Next() {
		var v models.ContractViolation
		var vt string
		if err := rows.Scan(&v.ID, &v.ChainID, &v.AgentID, &vt, &v.Details, &v.Timestamp); err != nil {
			return nil, err
		}
		v.ViolationType = models.ViolationType(vt)
		v.Timestamp = v.Timestamp.UTC()
		result = append(result, v)
	}
	return result, rows.Err()
}
