// Package permission enforces the delegation rules between agents.
//
// An agent may only delegate to agents listed in its own spec's can_call
// set. The graph additionally bounds delegation depth and rejects cycles
// against the live call stack. These are the only delegation controls; there
// is no dynamic permission escalation.
package permission

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/conductor-ai/conductor/registry"
	"github.com/conductor-ai/conductor/types"
)

// DefaultMaxDepth bounds the delegation call stack.
const DefaultMaxDepth = 5

// Graph checks delegation requests against the agent catalog's can_call
// adjacency and a live call stack. Checks are O(depth) and allocation-free
// on the happy path.
type Graph struct {
	registry *registry.Registry
	maxDepth int
	logger   *zap.Logger
}

// NewGraph creates a permission graph over the registry. maxDepth <= 0
// selects DefaultMaxDepth.
func NewGraph(reg *registry.Registry, maxDepth int, logger *zap.Logger) *Graph {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Graph{
		registry: reg,
		maxDepth: maxDepth,
		logger:   logger.With(zap.String("component", "permission_graph")),
	}
}

// MaxDepth returns the configured delegation depth bound.
func (g *Graph) MaxDepth() int {
	return g.maxDepth
}

// Authorize verifies that callerID may delegate to targetID given the
// current call stack (ordered agent ids, caller last). All failures are
// fatal permission errors, never retried.
func (g *Graph) Authorize(callerID, targetID string, stack []string) error {
	callerSpec, err := g.registry.Get(callerID)
	if err != nil {
		return err
	}
	if !g.registry.Has(targetID) {
		return types.NewError(types.ErrAgentNotFound,
			fmt.Sprintf("delegation target not found: %s", targetID))
	}

	if !callerSpec.MayCall(targetID) {
		g.logger.Warn("delegation denied",
			zap.String("caller", callerID),
			zap.String("target", targetID),
		)
		return types.NewError(types.ErrPermissionDenied,
			fmt.Sprintf("agent %s may not call %s", callerID, targetID))
	}

	for _, id := range stack {
		if id == targetID {
			g.logger.Warn("delegation cycle rejected",
				zap.String("caller", callerID),
				zap.String("target", targetID),
				zap.Strings("stack", stack),
			)
			return types.NewError(types.ErrDelegationCycle,
				fmt.Sprintf("agent %s is already on the call stack", targetID))
		}
	}

	// The stack holds the active callers; honoring the request would push
	// the target as one more frame.
	if len(stack)+1 > g.maxDepth {
		return types.NewError(types.ErrDepthExceeded,
			fmt.Sprintf("delegation depth %d exceeds bound %d", len(stack)+1, g.maxDepth))
	}

	return nil
}
