package dag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildGraph(t *testing.T, vertices []string, edges [][2]string) *Dag {
	t.Helper()
	g := NewGraph()
	for _, v := range vertices {
		require.NoError(t, g.AddVertex(v))
	}
	for _, e := range edges {
		require.NoError(t, g.AddEdge(e[0], e[1]))
	}
	return g
}

func TestAddVertexDuplicate(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.AddVertex("a"))
	assert.ErrorIs(t, g.AddVertex("a"), ErrVertexExist)
}

func TestAddEdgeUnknownVertex(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.AddVertex("a"))
	assert.ErrorIs(t, g.AddEdge("a", "b"), ErrVertexHeadNotExist)
	assert.ErrorIs(t, g.AddEdge("x", "a"), ErrVertexTailNotExist)
}

func TestAddEdgeDuplicate(t *testing.T) {
	g := buildGraph(t, []string{"a", "b"}, [][2]string{{"a", "b"}})
	assert.ErrorIs(t, g.AddEdge("a", "b"), ErrEdgeExist)
}

func TestValidateAcyclic(t *testing.T) {
	g := buildGraph(t, []string{"a", "b", "c", "d"},
		[][2]string{{"a", "b"}, {"a", "c"}, {"b", "d"}, {"c", "d"}})
	assert.NoError(t, g.Validate())
}

func TestValidateCycle(t *testing.T) {
	g := buildGraph(t, []string{"a", "b", "c"},
		[][2]string{{"a", "b"}, {"b", "c"}, {"c", "a"}})
	assert.ErrorIs(t, g.Validate(), ErrCycleExist)
}

func TestValidateSelfLoop(t *testing.T) {
	g := buildGraph(t, []string{"a"}, [][2]string{{"a", "a"}})
	assert.ErrorIs(t, g.Validate(), ErrCycleExist)
}

func TestLevelsDiamond(t *testing.T) {
	g := buildGraph(t, []string{"a", "b", "c", "d"},
		[][2]string{{"a", "b"}, {"a", "c"}, {"b", "d"}, {"c", "d"}})
	levels := g.Levels()
	require.Len(t, levels, 3)
	assert.Equal(t, []string{"a"}, levels[0])
	assert.ElementsMatch(t, []string{"b", "c"}, levels[1])
	assert.Equal(t, []string{"d"}, levels[2])
}

func TestLevelsIndependent(t *testing.T) {
	g := buildGraph(t, []string{"x", "y", "z"}, nil)
	levels := g.Levels()
	require.Len(t, levels, 1)
	assert.ElementsMatch(t, []string{"x", "y", "z"}, levels[0])
}

func TestLevelsChain(t *testing.T) {
	g := buildGraph(t, []string{"a", "b", "c"},
		[][2]string{{"a", "b"}, {"b", "c"}})
	levels := g.Levels()
	require.Len(t, levels, 3)
	for i, want := range []string{"a", "b", "c"} {
		assert.Equal(t, []string{want}, levels[i])
	}
}
