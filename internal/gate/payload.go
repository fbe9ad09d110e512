package gate

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/agentoven/conductor/pkg/models"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

type compiledSchema struct {
	doc    []byte
	schema *jsonschema.Schema
}

// ValidatePayload validates output text against the JSON Schema registered
// under schemaName. A wildcard or unknown schema name passes, as does any
// payload when no schema source is configured.
func (g *Gate) ValidatePayload(ctx context.Context, chainID, agentID, schemaName, payload string) (*models.ValidationResult, error) {
	if g.schemas == nil || schemaName == "" || schemaName == models.Wildcard {
		return &models.ValidationResult{Valid: true, Violations: []models.ContractViolation{}}, nil
	}
	doc, ok := g.schemas.Schema(schemaName)
	if !ok {
		return &models.ValidationResult{Valid: true, Violations: []models.ContractViolation{}}, nil
	}
	sch, err := g.compile(schemaName, doc)
	if err != nil {
		return nil, &models.ConfigurationError{Key: "schema." + schemaName, Reason: err.Error()}
	}

	var found []violation
	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(payload))
	if err != nil {
		found = append(found, violation{models.ViolationOutputPayload,
			fmt.Sprintf("output declared as %q is not JSON: %v", schemaName, err)})
	} else if err := sch.Validate(inst); err != nil {
		found = append(found, violation{models.ViolationOutputPayload,
			fmt.Sprintf("output does not satisfy %q: %v", schemaName, err)})
	}
	return g.record(ctx, chainID, agentID, found)
}

// compile returns the compiled schema for name, recompiling when the
// registered document changed since the last call.
func (g *Gate) compile(name string, doc []byte) (*jsonschema.Schema, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.compiled[name]; ok && bytes.Equal(c.doc, doc) {
		return c.schema, nil
	}

	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema JSON: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", parsed); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	sch, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	g.compiled[name] = &compiledSchema{doc: doc, schema: sch}
	return sch, nil
}
