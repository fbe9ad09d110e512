// Package handlers implements the HTTP handlers of the conductor operator API.
// Handlers are thin: they decode the request, call the owning component and
// map typed errors to status codes.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/agentoven/conductor/internal/drift"
	"github.com/agentoven/conductor/internal/escalation"
	"github.com/agentoven/conductor/internal/gate"
	"github.com/agentoven/conductor/internal/nudge"
	"github.com/agentoven/conductor/internal/orchestrator"
	"github.com/agentoven/conductor/internal/registry"
	"github.com/agentoven/conductor/internal/store"
	"github.com/agentoven/conductor/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Orchestrator *orchestrator.Orchestrator
	Registry     *registry.Registry
	Escalation   *escalation.Controller
	Nudge        *nudge.Controller
	Drift        *drift.Monitor
	Gate         *gate.Gate
}

// ══════════════════════════════════════════════════════════════
// ── Chain Handlers ───────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

type chainResponse struct {
	*models.Chain
	Error string `json:"error,omitempty"`
}

// CreateChain runs one chain to completion and returns it. A failed chain
// is a normal result and is returned with its error.
func (h *Handlers) CreateChain(w http.ResponseWriter, r *http.Request) {
	var req models.OrchestrateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	chain, err := h.Orchestrator.Orchestrate(r.Context(), req)
	if chain == nil {
		respondComponentError(w, r, err)
		return
	}
	resp := chainResponse{Chain: chain}
	if err != nil {
		resp.Error = err.Error()
	}
	respondJSON(w, http.StatusCreated, resp)
}

type batchRequest struct {
	Requests    []models.OrchestrateRequest `json:"requests"`
	Concurrency int                         `json:"concurrency"`
}

func (h *Handlers) CreateBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(req.Requests) == 0 {
		respondError(w, http.StatusBadRequest, "requests must not be empty")
		return
	}
	results := h.Orchestrator.RunBatch(r.Context(), req.Requests, req.Concurrency)
	respondJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

func (h *Handlers) ListChains(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	chains, err := h.Orchestrator.List(r.Context(), models.ChainFilter{
		Status: models.ChainStatus(q.Get("status")),
		Agent:  q.Get("agent"),
		Limit:  queryInt(r, "limit"),
		Offset: queryInt(r, "offset"),
	})
	if err != nil {
		respondComponentError(w, r, err)
		return
	}
	if chains == nil {
		chains = []models.Chain{}
	}
	respondJSON(w, http.StatusOK, chains)
}

func (h *Handlers) GetChain(w http.ResponseWriter, r *http.Request) {
	chain, err := h.Orchestrator.Get(r.Context(), chi.URLParam(r, "chainID"))
	if err != nil {
		respondComponentError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, chain)
}

func (h *Handlers) CancelChain(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "chainID")
	if !h.Orchestrator.Cancel(id) {
		respondError(w, http.StatusNotFound, "chain is not running: "+id)
		return
	}
	zerolog.Ctx(r.Context()).Info().Str("chain_id", id).Msg("Chain cancellation requested")
	respondJSON(w, http.StatusAccepted, map[string]string{"chain_id": id, "status": "cancelling"})
}

// ══════════════════════════════════════════════════════════════
// ── Agent Handlers ───────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.Registry.ListAgents(r.Context())
	if err != nil {
		respondComponentError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, agents)
}

func (h *Handlers) RegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req models.AgentDescriptor
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.Registry.Register(req); err != nil {
		respondComponentError(w, r, err)
		return
	}
	zerolog.Ctx(r.Context()).Info().Str("agent", req.Name).Msg("Agent registered")
	respondJSON(w, http.StatusCreated, req)
}

// GetContract returns the agent's contract, synthesizing the permissive
// default for agents without one.
func (h *Handlers) GetContract(w http.ResponseWriter, r *http.Request) {
	c, err := h.Gate.Contract(r.Context(), chi.URLParam(r, "agentName"))
	if err != nil {
		respondComponentError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

// PutContract re-registers the agent's contract.
func (h *Handlers) PutContract(w http.ResponseWriter, r *http.Request) {
	agent := chi.URLParam(r, "agentName")
	var c models.AgentContract
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if c.AgentID == "" {
		c.AgentID = agent
	}
	if c.AgentID != agent {
		respondError(w, http.StatusBadRequest, "agent_id does not match the URL")
		return
	}
	c.Synthesized = false
	if err := h.Registry.RegisterContract(&c); err != nil {
		respondComponentError(w, r, err)
		return
	}
	zerolog.Ctx(r.Context()).Info().Str("agent", agent).Str("version", c.Version).Msg("Contract registered")
	respondJSON(w, http.StatusOK, c)
}

// ══════════════════════════════════════════════════════════════
// ── Escalation Handlers ──────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ListEscalations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	recs, err := h.Escalation.List(r.Context(), models.EscalationFilter{
		Status:    models.EscalationStatus(q.Get("status")),
		AgentName: q.Get("agent"),
		Limit:     queryInt(r, "limit"),
		Offset:    queryInt(r, "offset"),
	})
	if err != nil {
		respondComponentError(w, r, err)
		return
	}
	if recs == nil {
		recs = []models.EscalationRecord{}
	}
	respondJSON(w, http.StatusOK, recs)
}

func (h *Handlers) GetEscalation(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Escalation.Get(r.Context(), chi.URLParam(r, "escalationID"))
	if err != nil {
		respondComponentError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (h *Handlers) ForwardEscalation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Target string `json:"target"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}
	rec, err := h.Escalation.Forward(r.Context(), chi.URLParam(r, "escalationID"), req.Target)
	if err != nil {
		respondComponentError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (h *Handlers) ResolveEscalation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Notes string `json:"notes"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}
	rec, err := h.Escalation.Resolve(r.Context(), chi.URLParam(r, "escalationID"), req.Notes)
	if err != nil {
		respondComponentError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// ══════════════════════════════════════════════════════════════
// ── Nudge Handlers ───────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ListNudges(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	recs, err := h.Nudge.List(r.Context(), models.NudgeFilter{
		AgentName: q.Get("agent"),
		Reason:    models.NudgeReason(q.Get("reason")),
		Limit:     queryInt(r, "limit"),
		Offset:    queryInt(r, "offset"),
	})
	if err != nil {
		respondComponentError(w, r, err)
		return
	}
	if recs == nil {
		recs = []models.NudgeRecord{}
	}
	respondJSON(w, http.StatusOK, recs)
}

func (h *Handlers) GetNudge(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Nudge.Get(r.Context(), chi.URLParam(r, "nudgeID"))
	if err != nil {
		respondComponentError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// ══════════════════════════════════════════════════════════════
// ── Drift Handlers ───────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) RecordSnapshot(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LoopID  string `json:"loop_id"`
		Agent   string `json:"agent"`
		Tag     string `json:"tag"`
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.LoopID == "" || req.Agent == "" || req.Tag == "" {
		respondError(w, http.StatusBadRequest, "loop_id, agent and tag are required")
		return
	}
	snap, err := h.Drift.Record(r.Context(), req.LoopID, req.Agent, req.Tag, req.Content)
	if err != nil {
		respondComponentError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, snap)
}

func (h *Handlers) MonitorDrift(w http.ResponseWriter, r *http.Request) {
	var req drift.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.LoopID == "" || req.Agent == "" {
		respondError(w, http.StatusBadRequest, "loop_id and agent are required")
		return
	}
	res, err := h.Drift.Monitor(r.Context(), req)
	if err != nil {
		respondComponentError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (h *Handlers) ListDriftLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	detected, _ := strconv.ParseBool(q.Get("detected"))
	logs, err := h.Drift.Logs(r.Context(), models.DriftFilter{
		LoopID:       q.Get("loop_id"),
		Agent:        q.Get("agent"),
		DetectedOnly: detected,
		Limit:        queryInt(r, "limit"),
		Offset:       queryInt(r, "offset"),
	})
	if err != nil {
		respondComponentError(w, r, err)
		return
	}
	if logs == nil {
		logs = []models.DriftLog{}
	}
	respondJSON(w, http.StatusOK, logs)
}

// ══════════════════════════════════════════════════════════════
// ── Contract Handlers ────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ValidateContract(w http.ResponseWriter, r *http.Request) {
	var req gate.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.AgentID = chi.URLParam(r, "agentID")
	res, err := h.Gate.Validate(r.Context(), req)
	if err != nil {
		var cfgErr *models.ConfigurationError
		var perr *models.PersistenceError
		if !errors.As(err, &cfgErr) && !errors.As(err, &perr) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		respondComponentError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (h *Handlers) ListViolations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	vs, err := h.Gate.Violations(r.Context(), models.ViolationFilter{
		AgentID:       q.Get("agent"),
		ViolationType: models.ViolationType(q.Get("type")),
		Limit:         queryInt(r, "limit"),
		Offset:        queryInt(r, "offset"),
	})
	if err != nil {
		respondComponentError(w, r, err)
		return
	}
	if vs == nil {
		vs = []models.ContractViolation{}
	}
	respondJSON(w, http.StatusOK, vs)
}

// ══════════════════════════════════════════════════════════════
// ── Helpers ──────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func queryInt(r *http.Request, key string) int {
	n, _ := strconv.Atoi(r.URL.Query().Get(key))
	return n
}

// respondComponentError maps typed component errors to status codes.
func respondComponentError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		notFound   *store.ErrNotFound
		transition *store.ErrInvalidTransition
		cfgErr     *models.ConfigurationError
		execErr    *models.ExecutionError
	)
	switch {
	case errors.As(err, &notFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &transition):
		respondError(w, http.StatusConflict, err.Error())
	case errors.As(err, &cfgErr):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &execErr):
		respondError(w, http.StatusBadGateway, err.Error())
	default:
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("Request failed")
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
