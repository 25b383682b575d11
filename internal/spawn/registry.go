// Package spawn translates mention signals into agent process lifecycle
// transitions: resolving a handle to an existing agent or a fresh spawn,
// launching processes single-flight, and tearing them down.
package spawn

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// TypeSpec defines one agent type from agents.yaml. The bus never inspects
// the launch configuration; it is passed through to the process verbatim.
type TypeSpec struct {
	Type        string   `yaml:"type"`
	Description string   `yaml:"description,omitempty"`
	Command     []string `yaml:"command"`
	Env         []string `yaml:"env,omitempty"`
	PromptFile  string   `yaml:"prompt_file,omitempty"`
}

// typesFile is the top-level structure of agents.yaml.
type typesFile struct {
	Agents []TypeSpec `yaml:"agents"`
}

// Registry maps agent type names to their launch specs. Read-only after load.
type Registry struct {
	specs map[string]TypeSpec
}

// LoadRegistry reads and parses an agents.yaml file. A missing file yields an
// empty registry; every mention then resolves to an unknown type.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewRegistry(nil), nil
		}
		return nil, fmt.Errorf("read agents.yaml: %w", err)
	}

	var f typesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse agents.yaml: %w", err)
	}

	for _, spec := range f.Agents {
		if spec.Type == "" {
			return nil, fmt.Errorf("agents.yaml: entry missing type")
		}
		if len(spec.Command) == 0 {
			return nil, fmt.Errorf("agents.yaml: type %s missing command", spec.Type)
		}
	}
	return NewRegistry(f.Agents), nil
}

// NewRegistry builds a Registry from explicit specs, mainly for tests and
// embedded use.
func NewRegistry(specs []TypeSpec) *Registry {
	r := &Registry{specs: make(map[string]TypeSpec, len(specs))}
	for _, spec := range specs {
		r.specs[spec.Type] = spec
	}
	return r
}

// Lookup returns the spec for an agent type.
func (r *Registry) Lookup(agentType string) (TypeSpec, bool) {
	spec, ok := r.specs[agentType]
	return spec, ok
}

// Types returns all known agent type names.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.specs))
	for name := range r.specs {
		types = append(types, name)
	}
	return types
}
