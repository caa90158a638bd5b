package emerge

import (
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/ppphp/portago-resolver/pkg/emerge/resolver"
	"github.com/ppphp/portago-resolver/pkg/emerge/structs"
	"github.com/ppphp/portago-resolver/pkg/util/digraph"
)

// Task is one entry of the merge list: a package to merge or to uninstall.
type Task struct {
	Handle structs.PkgHandle
	Pkg    *structs.Package
}

func (t Task) String() string { return t.Pkg.String() }

// SchedulerGraph is what a merge scheduler needs: the dependency graph of
// the tasks, their order and the installed packages each merge replaces.
type SchedulerGraph struct {
	Graph     *resolver.MergeGraph
	MergeList []Task
	Replaced  map[structs.PkgHandle][]structs.PkgHandle
}

type ignoreFunc = digraph.Ignore[structs.DepPriority]

// withSoftBlockers extends ignore to the edges of weak blockers, which
// never delay the merge of the blocking package.
func withSoftBlockers(ignore ignoreFunc) ignoreFunc {
	return func(p structs.DepPriority) bool {
		return ignoreSoftBlocker(p) || ignore != nil && ignore(p)
	}
}

// onlySoftBlockers ignores everything but weak blocker edges.
func onlySoftBlockers(p structs.DepPriority) bool { return !ignoreSoftBlocker(p) }

func (d *Depgraph) isTask(n structs.Node) bool {
	if !n.IsPackage() {
		return false
	}
	p := d.pkgs.Get(n.Pkg())
	return p.Operation() == structs.Merge || p.Operation() == structs.Uninstall
}

// serializeTasks orders the graph into the merge list. Children come before
// their parents. When no leaf is left, the smallest group of packages that
// depend on each other is merged as one block, relaxing the weakest edges
// first (satisfied dependencies before unsatisfied ones). Only edges that
// lie on a cycle are relaxed. A cycle of build time dependencies fails the
// attempt.
func (d *Depgraph) serializeTasks() bool {
	if d.serializedOK {
		return true
	}
	g := d.digraph.Clone()
	for _, n := range g.AllNodes() {
		if !n.IsPackage() {
			g.Remove(n)
		}
	}
	asap := map[structs.Node]bool{}
	for _, n := range g.AllNodes() {
		for _, c := range g.ChildNodes(n, nil) {
			for _, p := range g.Priorities(c, n) {
				if p.Kind == structs.DepKind && p.RuntimePost {
					asap[c] = true
				}
			}
		}
	}

	levels := structs.SatisfiedRange.Ignore[:structs.SatisfiedRange.Medium+1]
	var out []Task
	for !g.IsEmpty() {
		// Everything without pending children can go at once.
		selected := d.candidates(g, withSoftBlockers(nil))
		for level := 1; len(selected) == 0 && level < len(levels); level++ {
			selected = d.cycleBlock(g, levels[:level+1], asap)
			if len(selected) > 0 && d.debug() {
				names := make([]string, len(selected))
				for i, n := range selected {
					names[i] = d.nodeString(n)
				}
				d.log.WithFields(logrus.Fields{
					"nodes": names, "level": level,
				}).Debug("breaking dependency cycle")
			}
		}
		if len(selected) == 0 {
			d.circularFailure(g)
			return false
		}
		for _, n := range selected {
			if d.isTask(n) {
				out = append(out, Task{Handle: n.Pkg(), Pkg: d.pkgs.Get(n.Pkg())})
			}
			g.Remove(n)
		}
	}
	d.serialized = out
	d.serializedOK = true
	return true
}

// cycleBlock looks for the smallest set of nodes that can be merged together
// once the edges ignored by the last of levels are dropped. The set is
// gathered from a mergeable node by following its children under the
// strictest level that keeps it mergeable, so it holds whole cycles. Every
// dropped edge must lead back into the set. It returns nil when no such set
// exists.
func (d *Depgraph) cycleBlock(g *resolver.MergeGraph, levels []func(structs.DepPriority) bool, asap map[structs.Node]bool) []structs.Node {
	mergeable := map[structs.Node]bool{}
	for _, n := range d.candidates(g, withSoftBlockers(levels[len(levels)-1])) {
		mergeable[n] = true
	}
	if len(mergeable) == 0 {
		return nil
	}
	var starts []structs.Node
	for _, n := range g.AllNodes() {
		if mergeable[n] && len(g.ParentNodes(n, ignoreSoftBlocker)) > 0 {
			starts = append(starts, n)
		}
	}
	for _, ignore := range levels {
		var best []structs.Node
		bestAsap := false
		for _, n := range starts {
			block, ok := gatherDeps(g, withSoftBlockers(ignore), mergeable, n)
			if !ok || !closesCycles(g, block) {
				continue
			}
			hasAsap := false
			for _, m := range block {
				hasAsap = hasAsap || asap[m]
			}
			if best == nil || len(block) < len(best) || len(block) == len(best) && hasAsap && !bestAsap {
				best, bestAsap = block, hasAsap
			}
		}
		if best != nil {
			d.sortBlock(g, best)
			return best
		}
	}
	return nil
}

// gatherDeps collects node and its children under ignore, recursively. It
// fails when one of them is not mergeable.
func gatherDeps(g *resolver.MergeGraph, ignore ignoreFunc, mergeable map[structs.Node]bool, node structs.Node) ([]structs.Node, bool) {
	seen := map[structs.Node]bool{node: true}
	block := []structs.Node{node}
	for i := 0; i < len(block); i++ {
		if !mergeable[block[i]] {
			return nil, false
		}
		for _, c := range g.ChildNodes(block[i], ignore) {
			if !seen[c] {
				seen[c] = true
				block = append(block, c)
			}
		}
	}
	return block, true
}

// closesCycles reports whether every child outside block can reach the
// parent it hangs from, so that merging block first only drops edges of
// cycles.
func closesCycles(g *resolver.MergeGraph, block []structs.Node) bool {
	in := make(map[structs.Node]bool, len(block))
	for _, n := range block {
		in[n] = true
	}
	for _, n := range block {
		for _, c := range g.ChildNodes(n, ignoreSoftBlocker) {
			if !in[c] && g.ShortestPath(c, n, ignoreSoftBlocker) == nil {
				return false
			}
		}
	}
	return true
}

// sortBlock orders the members of a cycle block: merges before uninstalls,
// then packages of the system set, then the packages most others depend
// on.
func (d *Depgraph) sortBlock(g *resolver.MergeGraph, block []structs.Node) {
	type key struct {
		uninstall, system bool
		parents           int
	}
	keys := make(map[structs.Node]key, len(block))
	for _, n := range block {
		p := d.pkgs.Get(n.Pkg())
		keys[n] = key{
			uninstall: p.Operation() == structs.Uninstall,
			system:    d.inSystemSet(p),
			parents:   len(g.ParentNodes(n, ignoreSoftBlocker)),
		}
	}
	sort.SliceStable(block, func(i, j int) bool {
		a, b := keys[block[i]], keys[block[j]]
		switch {
		case a.uninstall != b.uninstall:
			return !a.uninstall
		case a.system != b.system:
			return a.system
		}
		return a.parents > b.parents
	})
}

func (d *Depgraph) inSystemSet(p *structs.Package) bool {
	rc, ok := d.frozen.Roots[p.Root()]
	if !ok {
		return false
	}
	for _, a := range rc.Sets["system"] {
		if p.Matches(a) {
			return true
		}
	}
	return false
}

// candidates returns the leaves of g under ignore, leaving out uninstalls
// that still wait for the merge of the package blocking them.
func (d *Depgraph) candidates(g *resolver.MergeGraph, ignore ignoreFunc) []structs.Node {
	var out []structs.Node
	for _, n := range g.LeafNodes(ignore) {
		if n.IsPackage() && d.pkgs.Get(n.Pkg()).Operation() == structs.Uninstall &&
			len(g.ParentNodes(n, onlySoftBlockers)) > 0 {
			continue
		}
		out = append(out, n)
	}
	return out
}

// circularFailure keeps the unbreakable part of g for display and, when
// backtracking, asks the next attempt to avoid the edges of its cycles.
func (d *Depgraph) circularFailure(g *resolver.MergeGraph) {
	ignore := structs.SatisfiedRange.IgnoreMediumSoft()
	for {
		roots := g.RootNodes(ignore)
		if len(roots) == 0 {
			break
		}
		g.DifferenceUpdate(roots)
	}
	d.circular = resolver.NewCircularDependencyHandler(d, g, d.log)

	unsolved := false
	if d.allowBacktracking {
		for _, cycle := range g.GetCycles(ignore, 0) {
			for i, n := range cycle {
				child := cycle[(i+1)%len(cycle)]
				if !n.IsPackage() || !child.IsPackage() {
					continue
				}
				pk := configKey(d.pkgs.Get(n.Pkg()))
				if _, ok := d.needed.CircularDependency[pk]; ok {
					unsolved = true
				}
				m := d.backtrackInfos.Config.CircularDependency[pk]
				if m == nil {
					m = map[structs.PackageKey]bool{}
					d.backtrackInfos.Config.CircularDependency[pk] = m
				}
				m[configKey(d.pkgs.Get(child.Pkg()))] = true
			}
		}
	}
	if unsolved || !d.allowBacktracking {
		d.skipRestart = true
	} else {
		d.needRestart = true
	}
}

// Altlist returns the merge list, children first, or parents first when
// reversed.
func (d *Depgraph) Altlist(reversed bool) []Task {
	if !d.serializedOK && !d.serializeTasks() {
		return nil
	}
	out := make([]Task, len(d.serialized))
	copy(out, d.serialized)
	if reversed {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out
}

// SchedulerGraph returns the graph restricted to the tasks of the merge
// list.
func (d *Depgraph) SchedulerGraph() *SchedulerGraph {
	if d.schedulerGraph == nil {
		g := d.digraph.Clone()
		inList := map[structs.Node]bool{}
		for _, t := range d.Altlist(false) {
			inList[structs.PkgNode(t.Handle)] = true
		}
		for _, n := range g.AllNodes() {
			if !inList[n] {
				g.Remove(n)
			}
		}
		d.schedulerGraph = g
	}
	sg := &SchedulerGraph{
		Graph:     d.schedulerGraph,
		MergeList: d.Altlist(false),
		Replaced:  map[structs.PkgHandle][]structs.PkgHandle{},
	}
	for _, t := range sg.MergeList {
		if t.Pkg.Operation() != structs.Merge {
			continue
		}
		if r := d.tracker.Replacing(t.Handle); len(r) > 0 {
			sg.Replaced[t.Handle] = r
		}
	}
	return sg
}
