package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBareAndMappedFields(t *testing.T) {
	raw := []byte(`
Shot:
  code: text
  sg_sequence:
    data_type: entity
    entity_types: [Sequence]
Sequence:
  code: text
`)
	s, err := Parse(raw)
	require.NoError(t, err)

	require.Contains(t, s, "Shot")
	assert.Equal(t, "text", s["Shot"]["code"].DataType)
	assert.Equal(t, "entity", s["Shot"]["sg_sequence"].DataType)
	assert.Equal(t, []string{"Sequence"}, s["Shot"]["sg_sequence"].EntityTypes)
}

func TestParseInjectsImplicitID(t *testing.T) {
	s, err := Parse([]byte("Shot:\n  code: text\n"))
	require.NoError(t, err)
	assert.Equal(t, "number", s["Shot"]["id"].DataType)
}

func TestParseRejectsEntityWithoutTargets(t *testing.T) {
	_, err := Parse([]byte(`
Task:
  entity:
    data_type: entity
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "entity_types")

	_, err = Parse([]byte(`
Task:
  task_assignees:
    data_type: multi_entity
`))
	require.Error(t, err)
}

func TestParseRejectsMissingDataType(t *testing.T) {
	_, err := Parse([]byte("Shot:\n  code:\n    entity_types: [Sequence]\n"))
	require.Error(t, err)
}

func TestNameHelpersSorted(t *testing.T) {
	s, err := Parse([]byte("Shot:\n  code: text\nAsset:\n  code: text\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"Asset", "Shot"}, s.TypeNames())
	assert.Equal(t, []string{"code", "id"}, s["Shot"].FieldNames())
}
