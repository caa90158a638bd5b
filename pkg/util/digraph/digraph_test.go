package digraph

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intLess(a, b int) bool { return a < b }

func newGraph() *Digraph[string, int] {
	return New[string, int](intLess)
}

func TestDigraphEmpty(t *testing.T) {
	g := newGraph()
	assert.True(t, g.IsEmpty())
	assert.Empty(t, g.AllNodes())
	assert.Empty(t, g.LeafNodes(nil))
	assert.Empty(t, g.RootNodes(nil))
	assert.False(t, g.Remove("A"))
	assert.Nil(t, g.Bfs("A", nil))
	assert.Empty(t, g.GetCycles(nil, 0))
}

func TestDigraphEdges(t *testing.T) {
	g := newGraph()
	g.AddNode("A")
	g.Add("B", "A", 0)
	g.Add("C", "A", 1)
	g.Add("C", "A", -1)
	g.Add("C", "A", 1)
	g.Add("D", "C", 2)

	assert.Equal(t, []string{"A", "B", "C", "D"}, g.AllNodes())
	assert.Equal(t, []int{-1, 1}, g.Priorities("C", "A"))
	assert.True(t, g.HasEdge("B", "A"))
	assert.False(t, g.HasEdge("A", "B"))
	assert.Equal(t, []string{"B", "C"}, g.ChildNodes("A", nil))
	assert.Equal(t, []string{"A"}, g.ParentNodes("C", nil))
	assert.Equal(t, []string{"B", "D"}, g.LeafNodes(nil))
	assert.Equal(t, []string{"A"}, g.RootNodes(nil))

	ignoreLow := func(p int) bool { return p <= 1 }
	assert.Empty(t, g.ChildNodes("A", ignoreLow))
	assert.Equal(t, []string{"A", "B", "D"}, g.LeafNodes(ignoreLow))
	assert.Equal(t, []string{"A", "B", "C"}, g.RootNodes(ignoreLow))

	require.NoError(t, g.RemoveEdge("C", "A"))
	assert.Error(t, g.RemoveEdge("C", "A"))
	assert.True(t, g.Contains("C"))
	assert.Equal(t, []string{"A", "C"}, g.RootNodes(nil))

	assert.True(t, g.Remove("C"))
	assert.Equal(t, []string{"A", "B", "D"}, g.AllNodes())
	assert.Empty(t, g.ParentNodes("D", nil))
}

func TestDigraphCloneAndUpdate(t *testing.T) {
	g := newGraph()
	g.Add("B", "A", 0)
	g.Add("C", "B", 3)
	c := g.Clone()
	c.Add("C", "B", 4)
	c.Remove("A")
	assert.Equal(t, []int{3}, g.Priorities("C", "B"))
	assert.Equal(t, []string{"B", "A", "C"}, g.AllNodes())
	assert.Equal(t, []string{"B", "C"}, c.AllNodes())
	assert.Equal(t, []int{3, 4}, c.Priorities("C", "B"))

	u := newGraph()
	u.AddNode("Z")
	u.Update(g)
	assert.Equal(t, []string{"Z", "B", "A", "C"}, u.AllNodes())
	assert.Equal(t, []int{3}, u.Priorities("C", "B"))

	u.DifferenceUpdate([]string{"B", "Z"})
	assert.Equal(t, []string{"A", "C"}, u.AllNodes())
	assert.Empty(t, u.ChildNodes("A", nil))
	assert.Empty(t, u.ParentNodes("C", nil))
}

func TestDigraphPaths(t *testing.T) {
	g := newGraph()
	g.Add("B", "A", 0)
	g.Add("C", "B", 0)
	g.Add("D", "C", 0)
	g.Add("D", "A", 5)
	g.Add("A", "D", 0)

	assert.Equal(t, []string{"A", "D"}, g.ShortestPath("A", "D", nil))
	assert.Equal(t, []string{"A", "B", "C", "D"}, g.ShortestPath("A", "D", func(p int) bool { return p == 5 }))
	assert.Equal(t, []string{"C"}, g.ShortestPath("C", "C", nil))
	assert.Nil(t, g.ShortestPath("A", "X", nil))

	steps := g.Bfs("A", nil)
	require.Len(t, steps, 4)
	assert.True(t, steps[0].Start)
	assert.Equal(t, "A", steps[0].Child)

	cycles := g.GetCycles(nil, 0)
	assert.Contains(t, cycles, []string{"D", "A"})
	assert.Contains(t, cycles, []string{"A", "D"})
	assert.Empty(t, g.GetCycles(nil, 1))
}

func TestDigraphDebugPrint(t *testing.T) {
	g := newGraph()
	g.Add("B", "A", 2)
	var buf bytes.Buffer
	g.DebugPrint(&buf)
	assert.Equal(t, "B (no children)\nA depends on\n  B (2)\n", buf.String())
}

func TestDigraphSortNodes(t *testing.T) {
	g := newGraph()
	g.AddNode("C")
	g.AddNode("A")
	g.AddNode("B")
	g.Add("D", "A", 1)
	g.SortNodes(func(a, b string) bool { return a < b })
	assert.Equal(t, []string{"A", "B", "C", "D"}, g.AllNodes())
	assert.Equal(t, []string{"B", "C", "D"}, g.LeafNodes(nil))
}
