package registry

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/agentoven/conductor/pkg/models"
	"gopkg.in/yaml.v3"
)

// File is the on-disk registry format.
//
//	agents:
//	  - name: builder
//	    accepts_tasks: [code]
//	    handoff_keywords: [build, compile]
//	    contract:
//	      accepted_input_schema: TaskRequest
//	      expected_output_schema: BuildResult
//	      allowed_tools: [shell]
//	schemas:
//	  BuildResult: {type: object, required: [status]}
//
// A schema may be given as a YAML mapping or as a JSON string.
type File struct {
	Agents  []AgentEntry         `yaml:"agents"`
	Schemas map[string]yaml.Node `yaml:"schemas"`

	schemaDocs map[string][]byte
}

// AgentEntry is one agent with its optional contract.
type AgentEntry struct {
	Name            string                `yaml:"name"`
	Description     string                `yaml:"description"`
	AcceptsTasks    []string              `yaml:"accepts_tasks"`
	HandoffKeywords []string              `yaml:"handoff_keywords"`
	Contract        *models.AgentContract `yaml:"contract"`
}

func (a AgentEntry) descriptor() models.AgentDescriptor {
	return models.AgentDescriptor{
		Name:            a.Name,
		Description:     a.Description,
		AcceptsTasks:    a.AcceptsTasks,
		HandoffKeywords: a.HandoffKeywords,
	}
}

// Parse decodes registry YAML and normalizes its schemas to JSON.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}
	f.schemaDocs = make(map[string][]byte, len(f.Schemas))
	for name, node := range f.Schemas {
		doc, err := schemaJSON(node)
		if err != nil {
			return nil, &models.ConfigurationError{Key: "schema." + name, Reason: err.Error()}
		}
		f.schemaDocs[name] = doc
	}

	seen := make(map[string]bool, len(f.Agents))
	for _, a := range f.Agents {
		if a.Name == "" {
			return nil, &models.ConfigurationError{Key: "agents", Reason: "agent without a name"}
		}
		if seen[a.Name] {
			return nil, &models.ConfigurationError{Key: a.Name, Reason: "agent declared twice"}
		}
		seen[a.Name] = true
	}
	return &f, nil
}

// LoadFile reads and parses the registry file at path.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry %s: %w", path, err)
	}
	return Parse(data)
}

func schemaJSON(node yaml.Node) ([]byte, error) {
	if node.Kind == yaml.ScalarNode {
		if !json.Valid([]byte(node.Value)) {
			return nil, fmt.Errorf("schema string is not valid JSON")
		}
		return []byte(node.Value), nil
	}
	var v interface{}
	if err := node.Decode(&v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}
