// Package registry provides the static, read-only catalog of agent specs.
//
// The registry is constructed once, validated, and then shared read-only by
// all orchestrator instances. It is the single source of truth for agent
// identities, capabilities, delegation permissions and iteration limits.
package registry

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/conductor-ai/conductor/types"
)

// Registry is an immutable catalog of agent specs keyed by agent id.
type Registry struct {
	specs  map[string]*types.AgentSpec
	order  []string
	logger *zap.Logger
}

// New builds a registry from the given specs and validates it. The specs are
// copied; later mutation of the input slice does not affect the registry.
func New(specs []types.AgentSpec, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Registry{
		specs:  make(map[string]*types.AgentSpec, len(specs)),
		order:  make([]string, 0, len(specs)),
		logger: logger.With(zap.String("component", "registry")),
	}

	for i := range specs {
		spec := specs[i]
		if spec.ID == "" {
			return nil, fmt.Errorf("agent spec at index %d has empty id", i)
		}
		if _, dup := r.specs[spec.ID]; dup {
			return nil, fmt.Errorf("duplicate agent id: %s", spec.ID)
		}
		if spec.MaxIterations < 1 {
			return nil, fmt.Errorf("agent %s: max_iterations must be >= 1, got %d", spec.ID, spec.MaxIterations)
		}
		r.specs[spec.ID] = &spec
		r.order = append(r.order, spec.ID)
	}

	// can_call closure: every referenced id must exist in the catalog.
	for _, id := range r.order {
		for _, callee := range r.specs[id].CanCall {
			if _, ok := r.specs[callee]; !ok {
				return nil, fmt.Errorf("agent %s: can_call references unknown agent %s", id, callee)
			}
		}
	}

	r.logger.Info("registry constructed", zap.Int("agents", len(r.order)))
	return r, nil
}

// Get returns the spec for the given agent id.
func (r *Registry) Get(agentID string) (*types.AgentSpec, error) {
	spec, ok := r.specs[agentID]
	if !ok {
		return nil, types.NewError(types.ErrAgentNotFound, fmt.Sprintf("agent not found: %s", agentID))
	}
	return spec, nil
}

// Has reports whether the registry contains the given agent id.
func (r *Registry) Has(agentID string) bool {
	_, ok := r.specs[agentID]
	return ok
}

// IDs returns all agent ids in registration order.
func (r *Registry) IDs() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	return len(r.order)
}

// WithCapability returns the ids of all agents carrying the capability tag,
// sorted for deterministic output.
func (r *Registry) WithCapability(c types.Capability) []string {
	var out []string
	for id, spec := range r.specs {
		if spec.HasCapability(c) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
