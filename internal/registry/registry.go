// Package registry holds the agents the orchestrator can route to, their
// contracts and the JSON Schemas those contracts name. It is populated from
// a YAML file at startup and changed afterwards only through explicit
// registration calls.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/agentoven/conductor/pkg/models"
)

// Registry is an in-memory agent registry. It implements
// contracts.AgentRegistry, contracts.ContractRegistrar and contracts.SchemaSource.
type Registry struct {
	mu        sync.RWMutex
	agents    []models.AgentDescriptor // declaration order
	index     map[string]int
	contracts map[string]*models.AgentContract
	schemas   map[string][]byte
}

func New() *Registry {
	return &Registry{
		index:     make(map[string]int),
		contracts: make(map[string]*models.AgentContract),
		schemas:   make(map[string][]byte),
	}
}

// Register adds an agent or updates it in place, keeping its original
// position for routing tie-breaks.
func (r *Registry) Register(desc models.AgentDescriptor) error {
	if desc.Name == "" {
		return &models.ConfigurationError{Key: "agent", Reason: "name is required"}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if i, ok := r.index[desc.Name]; ok {
		r.agents[i] = copyDescriptor(desc)
		return nil
	}
	r.index[desc.Name] = len(r.agents)
	r.agents = append(r.agents, copyDescriptor(desc))
	return nil
}

// RegisterContract stores c, replacing any earlier contract for the agent.
func (r *Registry) RegisterContract(c *models.AgentContract) error {
	if c == nil || c.AgentID == "" {
		return &models.ConfigurationError{Key: "contract", Reason: "agent_id is required"}
	}
	cp := copyContract(c)
	r.mu.Lock()
	r.contracts[c.AgentID] = cp
	r.mu.Unlock()
	return nil
}

// RegisterSchema stores a JSON Schema document under name.
func (r *Registry) RegisterSchema(name string, doc []byte) error {
	if name == "" {
		return &models.ConfigurationError{Key: "schema", Reason: "name is required"}
	}
	if !json.Valid(doc) {
		return &models.ConfigurationError{Key: "schema." + name, Reason: "document is not valid JSON"}
	}
	r.mu.Lock()
	r.schemas[name] = append([]byte(nil), doc...)
	r.mu.Unlock()
	return nil
}

func (r *Registry) ListAgents(_ context.Context) ([]models.AgentDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.AgentDescriptor, len(r.agents))
	for i, a := range r.agents {
		out[i] = copyDescriptor(a)
	}
	return out, nil
}

// Agent returns one descriptor by name.
func (r *Registry) Agent(name string) (models.AgentDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.index[name]
	if !ok {
		return models.AgentDescriptor{}, false
	}
	return copyDescriptor(r.agents[i]), true
}

func (r *Registry) GetContract(_ context.Context, agentID string) (*models.AgentContract, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.contracts[agentID]
	if !ok {
		return nil, &models.ConfigurationError{Key: agentID, Reason: "no contract registered"}
	}
	return copyContract(c), nil
}

func (r *Registry) Schema(name string) ([]byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	doc, ok := r.schemas[name]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), doc...), true
}

// Apply registers every entry of f. Entries are applied in file order.
func (r *Registry) Apply(f *File) error {
	for name, doc := range f.schemaDocs {
		if err := r.RegisterSchema(name, doc); err != nil {
			return err
		}
	}
	for _, a := range f.Agents {
		if err := r.Register(a.descriptor()); err != nil {
			return err
		}
		if a.Contract == nil {
			continue
		}
		c := *a.Contract
		if c.AgentID == "" {
			c.AgentID = a.Name
		}
		if c.AgentID != a.Name {
			return &models.ConfigurationError{
				Key:    a.Name,
				Reason: fmt.Sprintf("contract agent_id %q does not match agent name", c.AgentID),
			}
		}
		if err := r.RegisterContract(&c); err != nil {
			return err
		}
	}
	return nil
}

func copyDescriptor(d models.AgentDescriptor) models.AgentDescriptor {
	d.AcceptsTasks = append([]string(nil), d.AcceptsTasks...)
	d.HandoffKeywords = append([]string(nil), d.HandoffKeywords...)
	return d
}

func copyContract(c *models.AgentContract) *models.AgentContract {
	cp := *c
	cp.AllowedTools = append([]string(nil), c.AllowedTools...)
	cp.FallbackBehaviors = append([]models.FallbackBehavior(nil), c.FallbackBehaviors...)
	return &cp
}
