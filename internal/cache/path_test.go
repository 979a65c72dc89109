package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePathSimple(t *testing.T) {
	p, err := ParsePath("code", "Shot")
	require.NoError(t, err)
	require.Len(t, p, 1)
	assert.Equal(t, PathSegment{Type: "Shot", Field: "code"}, p[0])
	assert.Equal(t, "code", p.String())
}

func TestParsePathDeep(t *testing.T) {
	p, err := ParsePath("sg_sequence.Sequence.project.Project.name", "Shot")
	require.NoError(t, err)
	require.Len(t, p, 3)
	assert.Equal(t, PathSegment{Type: "Shot", Field: "sg_sequence"}, p[0])
	assert.Equal(t, PathSegment{Type: "Sequence", Field: "project"}, p[1])
	assert.Equal(t, PathSegment{Type: "Project", Field: "name"}, p[2])
	assert.Equal(t, "sg_sequence.Sequence.project.Project.name", p.String())
	assert.Equal(t, "sg_sequence", p.HeadKey(0))
	assert.Equal(t, "sg_sequence.Sequence.project", p.HeadKey(1))
}

func TestParsePathMalformed(t *testing.T) {
	for _, raw := range []string{"sg_sequence.Sequence", "a..b", ""} {
		_, err := ParsePath(raw, "Shot")
		require.Error(t, err, raw)
		_, isFault := AsFault(err)
		assert.True(t, isFault, raw)
	}
}
