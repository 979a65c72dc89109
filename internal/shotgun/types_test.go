package shotgun

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConditionJSONLeafAndGroup(t *testing.T) {
	group := And(
		Cond("code", "is", "sh_010"),
		Condition{Group: &FilterGroup{
			LogicalOperator: "or",
			Conditions:      []Condition{Cond("id", "in", 1.0, 2.0)},
		}},
	)
	encoded, err := json.Marshal(group)
	require.NoError(t, err)

	var decoded FilterGroup
	require.NoError(t, json.Unmarshal(encoded, &decoded))

	require.Len(t, decoded.Conditions, 2)
	leaf := decoded.Conditions[0]
	assert.Nil(t, leaf.Group)
	assert.Equal(t, "code", leaf.Path)
	assert.Equal(t, "is", leaf.Relation)
	assert.Equal(t, []any{"sh_010"}, leaf.Values)

	nested := decoded.Conditions[1]
	require.NotNil(t, nested.Group)
	assert.Equal(t, "or", nested.Group.LogicalOperator)
	assert.Equal(t, []any{1.0, 2.0}, nested.Group.Conditions[0].Values)
}

func TestConditionMarshalEmptyValues(t *testing.T) {
	encoded, err := json.Marshal(Cond("code", "is"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"path":"code","relation":"is","values":[]}`, string(encoded))
}

func TestEntityHelpers(t *testing.T) {
	e := Entity{"type": "Shot", "id": 101.0}
	assert.Equal(t, "Shot", e.TypeName())
	id, ok := e.ID()
	assert.True(t, ok)
	assert.Equal(t, int64(101), id)

	_, ok = Entity{}.ID()
	assert.False(t, ok)
}
