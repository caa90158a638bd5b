// Package digraph implements the directed graph used by the resolver, both
// as the working dependency graph and as the merge-order graph. Nodes keep
// insertion order, and every edge carries a sorted list of priorities which
// is shared between the child and the parent side.
package digraph

import (
	"fmt"
	"io"
	"sort"
)

// Ignore reports whether a priority should be ignored by a traversal. A nil
// Ignore counts every edge.
type Ignore[P any] func(P) bool

type edge[P any] struct {
	priorities []P
}

// links is an insertion ordered neighbour map.
type links[N comparable, P any] struct {
	keys []N
	m    map[N]*edge[P]
}

func newLinks[N comparable, P any]() *links[N, P] {
	return &links[N, P]{m: map[N]*edge[P]{}}
}

func (l *links[N, P]) set(n N, e *edge[P]) {
	if _, ok := l.m[n]; !ok {
		l.keys = append(l.keys, n)
	}
	l.m[n] = e
}

func (l *links[N, P]) del(n N) {
	if _, ok := l.m[n]; !ok {
		return
	}
	delete(l.m, n)
	for i, k := range l.keys {
		if k == n {
			l.keys = append(l.keys[:i:i], l.keys[i+1:]...)
			break
		}
	}
}

type nodeData[N comparable, P any] struct {
	children *links[N, P]
	parents  *links[N, P]
}

// Digraph is a directed graph of N nodes with P priorities on its edges.
// Edges point from parent to child; a child is a dependency of its parent.
type Digraph[N comparable, P comparable] struct {
	nodes map[N]*nodeData[N, P]
	order []N
	less  func(a, b P) bool
}

// New returns an empty graph. less orders the priorities of an edge.
func New[N comparable, P comparable](less func(a, b P) bool) *Digraph[N, P] {
	return &Digraph[N, P]{nodes: map[N]*nodeData[N, P]{}, less: less}
}

func (g *Digraph[N, P]) addNode(n N) *nodeData[N, P] {
	d, ok := g.nodes[n]
	if !ok {
		d = &nodeData[N, P]{children: newLinks[N, P](), parents: newLinks[N, P]()}
		g.nodes[n] = d
		g.order = append(g.order, n)
	}
	return d
}

// AddNode adds a node without any edge.
func (g *Digraph[N, P]) AddNode(n N) {
	g.addNode(n)
}

// Add adds node as a child of parent with the given priority. Priorities
// already present on the edge are not duplicated.
func (g *Digraph[N, P]) Add(node, parent N, priority P) {
	nd := g.addNode(node)
	pd := g.addNode(parent)
	e, ok := nd.parents.m[parent]
	if !ok {
		e = &edge[P]{}
		nd.parents.set(parent, e)
		pd.children.set(node, e)
	}
	for _, p := range e.priorities {
		if p == priority {
			return
		}
	}
	i := sort.Search(len(e.priorities), func(i int) bool {
		return g.less(priority, e.priorities[i])
	})
	e.priorities = append(e.priorities, priority)
	copy(e.priorities[i+1:], e.priorities[i:])
	e.priorities[i] = priority
}

// Remove deletes a node and all of its edges. It returns false when the
// node is not in the graph.
func (g *Digraph[N, P]) Remove(n N) bool {
	d, ok := g.nodes[n]
	if !ok {
		return false
	}
	for _, p := range d.parents.keys {
		g.nodes[p].children.del(n)
	}
	for _, c := range d.children.keys {
		g.nodes[c].parents.del(n)
	}
	delete(g.nodes, n)
	for i, x := range g.order {
		if x == n {
			g.order = append(g.order[:i:i], g.order[i+1:]...)
			break
		}
	}
	return true
}

// DifferenceUpdate removes every node in ns.
func (g *Digraph[N, P]) DifferenceUpdate(ns []N) {
	drop := make(map[N]bool, len(ns))
	for _, n := range ns {
		drop[n] = true
	}
	order := g.order[:0:0]
	for _, n := range g.order {
		if !drop[n] {
			order = append(order, n)
			continue
		}
		d := g.nodes[n]
		for _, p := range d.parents.keys {
			if !drop[p] {
				g.nodes[p].children.del(n)
			}
		}
		for _, c := range d.children.keys {
			if !drop[c] {
				g.nodes[c].parents.del(n)
			}
		}
	}
	for _, n := range ns {
		delete(g.nodes, n)
	}
	g.order = order
}

// Update adds all nodes and edges of other.
func (g *Digraph[N, P]) Update(other *Digraph[N, P]) {
	for _, n := range other.order {
		d := other.nodes[n]
		if len(d.parents.keys) == 0 {
			g.addNode(n)
			continue
		}
		for _, p := range d.parents.keys {
			for _, prio := range d.parents.m[p].priorities {
				g.Add(n, p, prio)
			}
		}
	}
}

// Clear removes every node.
func (g *Digraph[N, P]) Clear() {
	g.nodes = map[N]*nodeData[N, P]{}
	g.order = nil
}

// HasEdge reports whether child is a child of parent.
func (g *Digraph[N, P]) HasEdge(child, parent N) bool {
	d, ok := g.nodes[parent]
	if !ok {
		return false
	}
	_, ok = d.children.m[child]
	return ok
}

// RemoveEdge removes the edge from parent to child. Endpoints that become
// isolated stay in the graph.
func (g *Digraph[N, P]) RemoveEdge(child, parent N) error {
	cd, ok := g.nodes[child]
	if !ok {
		return fmt.Errorf("digraph: unknown node %v", child)
	}
	pd, ok := g.nodes[parent]
	if !ok {
		return fmt.Errorf("digraph: unknown node %v", parent)
	}
	if _, ok := pd.children.m[child]; !ok {
		return fmt.Errorf("digraph: no edge %v -> %v", parent, child)
	}
	cd.parents.del(parent)
	pd.children.del(child)
	return nil
}

// Contains reports whether n is a node of the graph.
func (g *Digraph[N, P]) Contains(n N) bool {
	_, ok := g.nodes[n]
	return ok
}

func (g *Digraph[N, P]) Len() int { return len(g.order) }

func (g *Digraph[N, P]) IsEmpty() bool { return len(g.order) == 0 }

// SortNodes reorders the nodes, keeping the current order between equal
// nodes. Every later traversal follows the new order.
func (g *Digraph[N, P]) SortNodes(less func(a, b N) bool) {
	sort.SliceStable(g.order, func(i, j int) bool { return less(g.order[i], g.order[j]) })
}

// AllNodes returns the nodes in insertion order.
func (g *Digraph[N, P]) AllNodes() []N {
	return append([]N(nil), g.order...)
}

// Priorities returns the priorities of the edge from parent to child.
func (g *Digraph[N, P]) Priorities(child, parent N) []P {
	d, ok := g.nodes[parent]
	if !ok {
		return nil
	}
	e, ok := d.children.m[child]
	if !ok {
		return nil
	}
	return append([]P(nil), e.priorities...)
}

func counts[P any](e *edge[P], ignore Ignore[P]) bool {
	if ignore == nil {
		return true
	}
	for i := len(e.priorities) - 1; i >= 0; i-- {
		if !ignore(e.priorities[i]) {
			return true
		}
	}
	return false
}

func (l *links[N, P]) filter(ignore Ignore[P]) []N {
	out := make([]N, 0, len(l.keys))
	for _, k := range l.keys {
		if counts(l.m[k], ignore) {
			out = append(out, k)
		}
	}
	return out
}

// ChildNodes returns the children of n reached through at least one
// priority that is not ignored.
func (g *Digraph[N, P]) ChildNodes(n N, ignore Ignore[P]) []N {
	d, ok := g.nodes[n]
	if !ok {
		return nil
	}
	return d.children.filter(ignore)
}

// ParentNodes is the reverse of ChildNodes.
func (g *Digraph[N, P]) ParentNodes(n N, ignore Ignore[P]) []N {
	d, ok := g.nodes[n]
	if !ok {
		return nil
	}
	return d.parents.filter(ignore)
}

func (l *links[N, P]) none(ignore Ignore[P]) bool {
	for _, k := range l.keys {
		if counts(l.m[k], ignore) {
			return false
		}
	}
	return true
}

// LeafNodes returns the nodes without counted children.
func (g *Digraph[N, P]) LeafNodes(ignore Ignore[P]) []N {
	var out []N
	for _, n := range g.order {
		if g.nodes[n].children.none(ignore) {
			out = append(out, n)
		}
	}
	return out
}

// RootNodes returns the nodes without counted parents.
func (g *Digraph[N, P]) RootNodes(ignore Ignore[P]) []N {
	var out []N
	for _, n := range g.order {
		if g.nodes[n].parents.none(ignore) {
			out = append(out, n)
		}
	}
	return out
}

// Clone returns a deep copy. Edges stay shared between the two sides of the
// copy, never with the original.
func (g *Digraph[N, P]) Clone() *Digraph[N, P] {
	c := New[N, P](g.less)
	memo := map[*edge[P]]*edge[P]{}
	dup := func(e *edge[P]) *edge[P] {
		if x, ok := memo[e]; ok {
			return x
		}
		x := &edge[P]{priorities: append([]P(nil), e.priorities...)}
		memo[e] = x
		return x
	}
	for _, n := range g.order {
		d := g.nodes[n]
		nd := &nodeData[N, P]{children: newLinks[N, P](), parents: newLinks[N, P]()}
		for _, k := range d.children.keys {
			nd.children.set(k, dup(d.children.m[k]))
		}
		for _, k := range d.parents.keys {
			nd.parents.set(k, dup(d.parents.m[k]))
		}
		c.nodes[n] = nd
	}
	c.order = append([]N(nil), g.order...)
	return c
}

// Step is one edge visited by Bfs. Start is false only for the first step,
// which has no parent.
type Step[N any] struct {
	Parent N
	Child  N
	Start  bool
}

// Bfs walks the graph breadth first from start.
func (g *Digraph[N, P]) Bfs(start N, ignore Ignore[P]) []Step[N] {
	if !g.Contains(start) {
		return nil
	}
	steps := []Step[N]{{Child: start, Start: true}}
	enqueued := map[N]bool{start: true}
	for i := 0; i < len(steps); i++ {
		n := steps[i].Child
		for _, c := range g.ChildNodes(n, ignore) {
			if enqueued[c] {
				continue
			}
			enqueued[c] = true
			steps = append(steps, Step[N]{Parent: n, Child: c})
		}
	}
	return steps
}

// ShortestPath returns the nodes on a shortest path from start to end, both
// included, or nil when end is unreachable.
func (g *Digraph[N, P]) ShortestPath(start, end N, ignore Ignore[P]) []N {
	if !g.Contains(start) || !g.Contains(end) {
		return nil
	}
	paths := map[N][]N{}
	for _, s := range g.Bfs(start, ignore) {
		var p []N
		if !s.Start {
			p = append(p, paths[s.Parent]...)
		}
		p = append(p, s.Child)
		paths[s.Child] = p
		if s.Child == end {
			return p
		}
	}
	return nil
}

// GetCycles returns, for every node on a cycle, the shortest cycles through
// it. maxLength <= 0 means no limit.
func (g *Digraph[N, P]) GetCycles(ignore Ignore[P], maxLength int) [][]N {
	var all [][]N
	for _, n := range g.order {
		var shortest []N
		var candidates [][]N
		for _, c := range g.ChildNodes(n, ignore) {
			path := g.ShortestPath(c, n, ignore)
			if path == nil {
				continue
			}
			if shortest == nil || len(shortest) >= len(path) {
				shortest = path
				candidates = append(candidates, path)
			}
		}
		if shortest == nil || (maxLength > 0 && len(shortest) > maxLength) {
			continue
		}
		for _, p := range candidates {
			if len(p) == len(shortest) {
				all = append(all, p)
			}
		}
	}
	return all
}

// DebugPrint writes every node with its children and the highest priority of
// each edge.
func (g *Digraph[N, P]) DebugPrint(w io.Writer) {
	for _, n := range g.order {
		d := g.nodes[n]
		if len(d.children.keys) > 0 {
			fmt.Fprintf(w, "%v depends on\n", n)
		} else {
			fmt.Fprintf(w, "%v (no children)\n", n)
		}
		for _, c := range d.children.keys {
			ps := d.children.m[c].priorities
			fmt.Fprintf(w, "  %v (%v)\n", c, ps[len(ps)-1])
		}
	}
}
