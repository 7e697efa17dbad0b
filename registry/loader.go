package registry

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/conductor-ai/conductor/types"
)

// catalogFile is the on-disk shape of an agent catalog.
type catalogFile struct {
	Agents []types.AgentSpec `yaml:"agents"`
}

// LoadFile reads an agent catalog from a YAML file and builds a validated
// registry from it.
//
// File shape:
//
//	agents:
//	  - id: A01
//	    name: hypothesis-developer
//	    capabilities: [analysis]
//	    input_schema:
//	      required: [research_question]
//	    can_call: [A12]
//	    max_iterations: 3
//	    supports_revision: true
func LoadFile(path string, logger *zap.Logger) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agent catalog: %w", err)
	}
	return Parse(data, logger)
}

// Parse builds a validated registry from raw YAML catalog bytes.
func Parse(data []byte, logger *zap.Logger) (*Registry, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse agent catalog: %w", err)
	}
	if len(file.Agents) == 0 {
		return nil, fmt.Errorf("agent catalog is empty")
	}
	return New(file.Agents, logger)
}
