package workflow

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/conductor-ai/conductor/registry"
)

// LoadFile reads a workflow definition from a YAML file and validates it
// against the agent catalog.
//
// File shape:
//
//	name: manuscript-pipeline
//	stages:
//	  - id: hypothesis
//	    agent_id: A01
//	    mode: iterative
//	  - id: literature
//	    agent_id: A02
//	    depends_on: [hypothesis]
//	    gate: literature_gate
//	  - id: analysis
//	    participants: [A05, A06, A07]
//	    depends_on: [literature]
func LoadFile(path string, reg *registry.Registry) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow definition: %w", err)
	}
	return Parse(data, reg)
}

// Parse builds a validated workflow from raw YAML bytes.
func Parse(data []byte, reg *registry.Registry) (*Workflow, error) {
	var wf Workflow
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("parse workflow definition: %w", err)
	}
	if err := wf.Validate(reg); err != nil {
		return nil, err
	}
	return &wf, nil
}
