package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/conductor-ai/conductor/types"
)

func testSpecs() []types.AgentSpec {
	return []types.AgentSpec{
		{
			ID:               "A01",
			Name:             "hypothesis-developer",
			Capabilities:     []types.Capability{types.CapabilityAnalysis},
			CanCall:          []string{"A12"},
			MaxIterations:    3,
			SupportsRevision: true,
		},
		{
			ID:            "A12",
			Name:          "critical-review",
			Capabilities:  []types.Capability{types.CapabilityReview},
			CanCall:       []string{"A14"},
			MaxIterations: 1,
		},
		{
			ID:            "A14",
			Name:          "consistency-checker",
			Capabilities:  []types.Capability{types.CapabilityVerification},
			MaxIterations: 1,
		},
	}
}

func TestNew_Valid(t *testing.T) {
	r, err := New(testSpecs(), zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []string{"A01", "A12", "A14"}, r.IDs())

	spec, err := r.Get("A12")
	require.NoError(t, err)
	assert.Equal(t, "critical-review", spec.Name)
	assert.True(t, spec.MayCall("A14"))
}

func TestNew_DuplicateID(t *testing.T) {
	specs := testSpecs()
	specs = append(specs, types.AgentSpec{ID: "A01", MaxIterations: 1})

	_, err := New(specs, nil)
	assert.ErrorContains(t, err, "duplicate agent id")
}

func TestNew_UnknownCanCall(t *testing.T) {
	specs := []types.AgentSpec{
		{ID: "A01", CanCall: []string{"A99"}, MaxIterations: 1},
	}

	_, err := New(specs, nil)
	assert.ErrorContains(t, err, "unknown agent A99")
}

func TestNew_InvalidMaxIterations(t *testing.T) {
	_, err := New([]types.AgentSpec{{ID: "A01"}}, nil)
	assert.ErrorContains(t, err, "max_iterations")
}

func TestGet_NotFound(t *testing.T) {
	r, err := New(testSpecs(), nil)
	require.NoError(t, err)

	_, err = r.Get("A99")
	assert.True(t, types.IsErrorCode(err, types.ErrAgentNotFound))
}

func TestWithCapability(t *testing.T) {
	r, err := New(testSpecs(), nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"A12"}, r.WithCapability(types.CapabilityReview))
	assert.Empty(t, r.WithCapability(types.CapabilityWriting))
}
