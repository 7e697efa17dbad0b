package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const catalogYAML = `
agents:
  - id: A01
    name: hypothesis-developer
    capabilities: [analysis]
    input_schema:
      required: [research_question]
      optional: [literature_summary]
    output_schema:
      structured_fields: [hypothesis, rationale]
    can_call: [A12]
    max_iterations: 3
    supports_revision: true
  - id: A12
    name: critical-review
    capabilities: [review]
    max_iterations: 1
`

func TestParse(t *testing.T) {
	r, err := Parse([]byte(catalogYAML), nil)
	require.NoError(t, err)

	spec, err := r.Get("A01")
	require.NoError(t, err)
	assert.Equal(t, []string{"research_question"}, spec.InputSchema.Required)
	assert.Equal(t, []string{"hypothesis", "rationale"}, spec.OutputSchema.StructuredFields)
	assert.True(t, spec.SupportsRevision)
}

func TestParse_Empty(t *testing.T) {
	_, err := Parse([]byte("agents: []"), nil)
	assert.ErrorContains(t, err, "empty")
}

func TestParse_BadYAML(t *testing.T) {
	_, err := Parse([]byte("agents: [unclosed"), nil)
	assert.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agents.yaml")
	require.NoError(t, os.WriteFile(path, []byte(catalogYAML), 0o600))

	r, err := LoadFile(path, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Len())

	_, err = LoadFile(filepath.Join(dir, "missing.yaml"), nil)
	assert.Error(t, err)
}
