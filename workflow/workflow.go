// Package workflow drives multi-stage agent pipelines: dependency-ordered
// scheduling, prerequisite gates, the versioned result cache, revision loops,
// deliberation rounds, and permission-checked delegation between agents.
package workflow

import (
	"fmt"

	"github.com/conductor-ai/conductor/registry"
	"github.com/conductor-ai/conductor/revision"
)

// Stage is one step of a workflow. A stage either runs a single agent under
// a revision mode, or a deliberation round over several participants.
type Stage struct {
	// ID uniquely names the stage within its workflow.
	ID string `yaml:"id" json:"id"`
	// AgentID is the agent executed by this stage. Ignored when
	// Participants is set.
	AgentID string `yaml:"agent_id,omitempty" json:"agent_id,omitempty"`
	// Participants turns the stage into a deliberation round over the
	// listed agents.
	Participants []string `yaml:"participants,omitempty" json:"participants,omitempty"`
	// Mode selects the revision behavior. Empty defaults to single pass.
	Mode revision.Mode `yaml:"mode,omitempty" json:"mode,omitempty"`
	// DependsOn lists the stages whose outputs this stage consumes.
	DependsOn []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	// Gate names the prerequisite gate checked before the stage runs.
	Gate string `yaml:"gate,omitempty" json:"gate,omitempty"`
	// Requires lists context keys the gate checks in addition to the
	// agent's declared required inputs.
	Requires []string `yaml:"requires,omitempty" json:"requires,omitempty"`
	// Optional stages are skipped with a degradation event on failure
	// instead of halting the workflow.
	Optional bool `yaml:"optional,omitempty" json:"optional,omitempty"`
	// Criteria overrides the default convergence criteria. Nil uses the
	// runner's defaults.
	Criteria *revision.Criteria `yaml:"criteria,omitempty" json:"criteria,omitempty"`
}

// deliberative reports whether the stage is a deliberation round.
func (s *Stage) deliberative() bool {
	return len(s.Participants) > 0
}

// Workflow is an ordered set of stages forming a dependency DAG.
type Workflow struct {
	// Name identifies the workflow in reports and logs.
	Name string `yaml:"name" json:"name"`
	// Stages are the steps in declaration order.
	Stages []Stage `yaml:"stages" json:"stages"`
}

// Validate checks structural soundness: unique stage ids, known agents,
// existing dependencies, and an acyclic dependency graph.
func (w *Workflow) Validate(reg *registry.Registry) error {
	if w.Name == "" {
		return fmt.Errorf("workflow has no name")
	}
	if len(w.Stages) == 0 {
		return fmt.Errorf("workflow %s has no stages", w.Name)
	}

	byID := make(map[string]*Stage, len(w.Stages))
	for i := range w.Stages {
		stage := &w.Stages[i]
		if stage.ID == "" {
			return fmt.Errorf("workflow %s: stage %d has no id", w.Name, i)
		}
		if _, dup := byID[stage.ID]; dup {
			return fmt.Errorf("workflow %s: duplicate stage id: %s", w.Name, stage.ID)
		}
		byID[stage.ID] = stage

		if stage.deliberative() {
			for _, id := range stage.Participants {
				if !reg.Has(id) {
					return fmt.Errorf("workflow %s: stage %s: unknown participant: %s", w.Name, stage.ID, id)
				}
			}
		} else {
			if stage.AgentID == "" {
				return fmt.Errorf("workflow %s: stage %s has neither agent_id nor participants", w.Name, stage.ID)
			}
			if !reg.Has(stage.AgentID) {
				return fmt.Errorf("workflow %s: stage %s: unknown agent: %s", w.Name, stage.ID, stage.AgentID)
			}
		}

		switch stage.Mode {
		case "", revision.ModeSinglePass, revision.ModeWithReview, revision.ModeIterative:
		default:
			return fmt.Errorf("workflow %s: stage %s: unknown mode: %s", w.Name, stage.ID, stage.Mode)
		}
	}

	for i := range w.Stages {
		stage := &w.Stages[i]
		for _, dep := range stage.DependsOn {
			if dep == stage.ID {
				return fmt.Errorf("workflow %s: stage %s depends on itself", w.Name, stage.ID)
			}
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("workflow %s: stage %s depends on unknown stage: %s", w.Name, stage.ID, dep)
			}
		}
	}

	if _, err := w.layers(); err != nil {
		return fmt.Errorf("workflow %s: %w", w.Name, err)
	}
	return nil
}

// layers groups stages into dependency levels: every stage in a layer only
// depends on stages from earlier layers. Stages within a layer are
// independent and may run concurrently. Declaration order is preserved
// within each layer.
func (w *Workflow) layers() ([][]*Stage, error) {
	indegree := make(map[string]int, len(w.Stages))
	dependents := make(map[string][]string, len(w.Stages))
	byID := make(map[string]*Stage, len(w.Stages))

	for i := range w.Stages {
		stage := &w.Stages[i]
		byID[stage.ID] = stage
		indegree[stage.ID] = len(stage.DependsOn)
		for _, dep := range stage.DependsOn {
			dependents[dep] = append(dependents[dep], stage.ID)
		}
	}

	var layers [][]*Stage
	placed := 0
	// Current frontier: stages with no unresolved dependencies.
	var frontier []*Stage
	for i := range w.Stages {
		if indegree[w.Stages[i].ID] == 0 {
			frontier = append(frontier, &w.Stages[i])
		}
	}

	for len(frontier) > 0 {
		layers = append(layers, frontier)
		placed += len(frontier)

		next := make(map[string]bool)
		for _, stage := range frontier {
			for _, dep := range dependents[stage.ID] {
				indegree[dep]--
				if indegree[dep] == 0 {
					next[dep] = true
				}
			}
		}

		frontier = nil
		for i := range w.Stages {
			if next[w.Stages[i].ID] {
				frontier = append(frontier, &w.Stages[i])
			}
		}
	}

	if placed != len(w.Stages) {
		return nil, fmt.Errorf("dependency cycle among stages")
	}
	return layers, nil
}
