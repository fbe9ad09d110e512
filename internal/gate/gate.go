// Package gate enforces agent contracts at step boundaries. It checks the
// schemas an agent declares and the tools it used against the agent's
// registered contract, persists every violation and maps violations to the
// contract's fallback actions.
package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agentoven/conductor/internal/store"
	"github.com/agentoven/conductor/internal/telemetry"
	"github.com/agentoven/conductor/pkg/contracts"
	"github.com/agentoven/conductor/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type Config struct {
	// Schemas resolves schema names for payload validation. Optional.
	Schemas contracts.SchemaSource
	Metrics *telemetry.Metrics
}

// Gate validates agent boundaries against their contracts.
type Gate struct {
	registry contracts.AgentRegistry
	store    store.ViolationStore
	schemas  contracts.SchemaSource
	metrics  *telemetry.Metrics
	now      func() time.Time

	mu       sync.Mutex
	compiled map[string]*compiledSchema
}

func New(registry contracts.AgentRegistry, s store.ViolationStore, cfg Config) *Gate {
	g := &Gate{
		registry: registry,
		store:    s,
		schemas:  cfg.Schemas,
		metrics:  cfg.Metrics,
		now:      func() time.Time { return time.Now().UTC() },
		compiled: make(map[string]*compiledSchema),
	}
	if g.metrics == nil {
		g.metrics = telemetry.NoopMetrics()
	}
	return g
}

// Contract returns the contract for agentID. An agent without one gets a
// permissive contract, which is registered when the registry accepts
// registrations so the warning is logged once.
func (g *Gate) Contract(ctx context.Context, agentID string) (*models.AgentContract, error) {
	c, err := g.registry.GetContract(ctx, agentID)
	if err == nil {
		return c, nil
	}
	var cfgErr *models.ConfigurationError
	if !errors.As(err, &cfgErr) {
		return nil, err
	}

	c = models.PermissiveContract(agentID)
	log.Warn().Str("agent", agentID).Str("version", c.Version).
		Msg("No contract registered, using permissive default")
	if reg, ok := g.registry.(contracts.ContractRegistrar); ok {
		if err := reg.RegisterContract(c); err != nil {
			log.Error().Err(err).Str("agent", agentID).Msg("Failed to register default contract")
		}
	}
	return c, nil
}

// Request is one boundary check. Name is a schema name for input and
// output checks and a tool name for tool checks.
type Request struct {
	ChainID   string           `json:"chain_id,omitempty"`
	AgentID   string           `json:"agent_id"`
	Operation models.Operation `json:"operation"`
	Name      string           `json:"name"`
}

// Validate checks req against the agent's contract and persists any violations.
func (g *Gate) Validate(ctx context.Context, req Request) (*models.ValidationResult, error) {
	c, err := g.Contract(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}

	var found []violation
	switch req.Operation {
	case models.OperationInput:
		if !schemaMatches(c.AcceptedInputSchema, req.Name) {
			found = append(found, violation{models.ViolationInputSchema,
				fmt.Sprintf("input schema %q does not match accepted schema %q", req.Name, c.AcceptedInputSchema)})
		}
	case models.OperationOutput:
		if !schemaMatches(c.ExpectedOutputSchema, req.Name) {
			found = append(found, violation{models.ViolationOutputSchema,
				fmt.Sprintf("output schema %q does not match expected schema %q", req.Name, c.ExpectedOutputSchema)})
		}
		if !c.OutputMustBeWrapped && req.Name != "" {
			found = append(found, violation{models.ViolationUnwrappedOutput,
				fmt.Sprintf("output schema %q declared but contract does not wrap output", req.Name)})
		}
	case models.OperationTool:
		if !c.AllowsTool(req.Name) {
			found = append(found, violation{models.ViolationUnauthorizedTool,
				fmt.Sprintf("tool %q is not allowed", req.Name)})
		}
	default:
		return nil, fmt.Errorf("unknown operation %q", req.Operation)
	}

	return g.record(ctx, req.ChainID, req.AgentID, found)
}

// ValidateTools runs a tool check for every tool and merges the results.
func (g *Gate) ValidateTools(ctx context.Context, chainID, agentID string, tools []string) (*models.ValidationResult, error) {
	out := &models.ValidationResult{Valid: true}
	for _, tool := range tools {
		res, err := g.Validate(ctx, Request{ChainID: chainID, AgentID: agentID, Operation: models.OperationTool, Name: tool})
		if err != nil {
			return nil, err
		}
		merge(out, res)
	}
	return out, nil
}

// ValidateDelegation checks a hand-off from one agent to another: the
// sender's declared output schema must pass the receiver's input check.
// Violations are recorded against the sender.
func (g *Gate) ValidateDelegation(ctx context.Context, chainID, from, to, outputSchema string) (*models.ValidationResult, error) {
	target, err := g.Contract(ctx, to)
	if err != nil {
		return nil, err
	}
	var found []violation
	if !schemaMatches(target.AcceptedInputSchema, outputSchema) {
		found = append(found, violation{models.ViolationDelegation,
			fmt.Sprintf("delegation %s -> %s: output schema %q not accepted (accepts %q)",
				from, to, outputSchema, target.AcceptedInputSchema)})
	}
	return g.record(ctx, chainID, from, found)
}

// HandleViolation returns the fallback action the violating agent's
// contract assigns to the violation.
func (g *Gate) HandleViolation(ctx context.Context, v models.ContractViolation) (models.FallbackAction, error) {
	c, err := g.Contract(ctx, v.AgentID)
	if err != nil {
		return "", err
	}
	action := Fallback(c, v.ViolationType)
	log.Info().
		Str("agent", v.AgentID).
		Str("violation_type", string(v.ViolationType)).
		Str("action", string(action)).
		Msg("Contract violation handled")
	return action, nil
}

// Fallback maps a violation type to the first matching fallback behavior
// ("*" matches any type), defaulting to log_and_continue.
func Fallback(c *models.AgentContract, t models.ViolationType) models.FallbackAction {
	for _, fb := range c.FallbackBehaviors {
		if fb.On == string(t) || fb.On == models.Wildcard {
			if fb.Action == "" {
				break
			}
			return fb.Action
		}
	}
	return models.FallbackLogAndContinue
}

func (g *Gate) Violations(ctx context.Context, filter models.ViolationFilter) ([]models.ContractViolation, error) {
	return g.store.ListViolations(ctx, filter)
}

type violation struct {
	kind    models.ViolationType
	details string
}

// record persists violations and builds the result. An empty list is valid.
func (g *Gate) record(ctx context.Context, chainID, agentID string, found []violation) (*models.ValidationResult, error) {
	res := &models.ValidationResult{Valid: len(found) == 0, Violations: []models.ContractViolation{}}
	for _, f := range found {
		v := models.ContractViolation{
			ID:            uuid.New().String(),
			ChainID:       chainID,
			AgentID:       agentID,
			ViolationType: f.kind,
			Details:       f.details,
			Timestamp:     g.now(),
		}
		if err := g.store.CreateViolation(ctx, &v); err != nil {
			return nil, &models.PersistenceError{Op: "create violation", Err: err}
		}
		g.metrics.Violations.Add(ctx, 1, metric.WithAttributes(
			attribute.String("violation_type", string(f.kind)),
			attribute.String("agent", agentID)))
		log.Warn().
			Str("chain_id", chainID).
			Str("agent", agentID).
			Str("violation_type", string(f.kind)).
			Str("details", f.details).
			Msg("Contract violation")
		res.Violations = append(res.Violations, v)
	}
	return res, nil
}

func merge(dst, src *models.ValidationResult) {
	if !src.Valid {
		dst.Valid = false
	}
	dst.Violations = append(dst.Violations, src.Violations...)
}

func schemaMatches(want, declared string) bool {
	return want == models.Wildcard || want == declared
}
