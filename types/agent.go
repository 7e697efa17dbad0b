package types

// Capability is an enumerated label describing what an agent is good at.
type Capability string

const (
	CapabilityAnalysis     Capability = "analysis"
	CapabilityWriting      Capability = "writing"
	CapabilityReview       Capability = "review"
	CapabilityExtraction   Capability = "extraction"
	CapabilityVerification Capability = "verification"
	CapabilityPlanning     Capability = "planning"
)

// InputSchema declares the context keys an agent reads.
type InputSchema struct {
	Required []string `yaml:"required" json:"required"`
	Optional []string `yaml:"optional,omitempty" json:"optional,omitempty"`
}

// OutputSchema declares the structured fields an agent's output must carry.
type OutputSchema struct {
	StructuredFields []string `yaml:"structured_fields" json:"structured_fields"`
}

// AgentSpec is one entry of the static agent catalog. Specs are immutable
// after registry construction and shared read-only by all orchestrator
// instances.
type AgentSpec struct {
	// ID is the unique opaque identifier of the agent (e.g. "A12").
	ID string `yaml:"id" json:"id"`
	// Name is a human-readable display name.
	Name string `yaml:"name" json:"name"`
	// Capabilities tags the agent for discovery and reporting.
	Capabilities []Capability `yaml:"capabilities" json:"capabilities"`
	// InputSchema declares the context keys the agent is entitled to read.
	InputSchema InputSchema `yaml:"input_schema" json:"input_schema"`
	// OutputSchema declares the structured fields of the agent's output.
	OutputSchema OutputSchema `yaml:"output_schema" json:"output_schema"`
	// CanCall lists the agent ids this agent may delegate to. Delegation to
	// any other id is a permission violation.
	CanCall []string `yaml:"can_call" json:"can_call"`
	// MaxIterations bounds the revision loop for this agent. Must be >= 1.
	MaxIterations int `yaml:"max_iterations" json:"max_iterations"`
	// SupportsRevision marks agents that implement the revise operation.
	// Agents without it only ever run in single-pass mode.
	SupportsRevision bool `yaml:"supports_revision" json:"supports_revision"`
}

// MayCall reports whether the spec allows delegation to the given agent id.
func (s *AgentSpec) MayCall(agentID string) bool {
	for _, id := range s.CanCall {
		if id == agentID {
			return true
		}
	}
	return false
}

// HasCapability reports whether the spec carries the given capability tag.
func (s *AgentSpec) HasCapability(c Capability) bool {
	for _, cap := range s.Capabilities {
		if cap == c {
			return true
		}
	}
	return false
}
