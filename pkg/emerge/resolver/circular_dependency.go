package resolver

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/ppphp/portago-resolver/pkg/dep"
	"github.com/ppphp/portago-resolver/pkg/emerge/structs"
	"github.com/ppphp/portago-resolver/pkg/util/digraph"
)

// MaxAffectingUse bounds the number of flags whose combinations are tried
// when looking for a USE change that breaks a cycle.
const MaxAffectingUse = 10

// MergeGraph is the merge-order graph the serializer works on.
type MergeGraph = digraph.Digraph[structs.Node, structs.DepPriority]

// CycleGraph is the view of the depgraph the circular dependency handler
// needs.
type CycleGraph interface {
	Pkg(h structs.PkgHandle) *structs.Package
	ParentAtoms(h structs.PkgHandle) []GraphParentAtom
	PkgUseEnabled(h structs.PkgHandle) map[string]bool
	// UseMaskForce returns the masked and the forced flags of a package.
	UseMaskForce(h structs.PkgHandle) (mask, force map[string]bool)
	// AutounmaskUse returns the USE changes autounmask already made.
	AutounmaskUse(h structs.PkgHandle) map[string]bool
}

// CycleSolution is a USE change on Parent that drops its dependency on the
// next package of the cycle.
type CycleSolution struct {
	Parent  structs.PkgHandle
	Changes map[string]bool
}

func (s CycleSolution) String() string {
	flags := make([]string, 0, len(s.Changes))
	for flag := range s.Changes {
		flags = append(flags, flag)
	}
	sort.Strings(flags)
	for i, flag := range flags {
		if s.Changes[flag] {
			flags[i] = "+" + flag
		} else {
			flags[i] = "-" + flag
		}
	}
	return strings.Join(flags, " ")
}

// CircularDependencyHandler explains a merge-order graph that could not be
// serialized.
type CircularDependencyHandler struct {
	g     CycleGraph
	graph *MergeGraph
	log   *logrus.Entry

	Cycles        [][]structs.Node
	ShortestCycle []structs.Node
	// LargeCycleCount hints at a cluster of cycles, which usually needs a
	// global USE change.
	LargeCycleCount bool
	MergeList       []structs.Node
	Message         string

	// Solutions maps a package of the shortest cycle to the changes on its
	// parent in the cycle. SolutionOrder keeps the order they were found.
	Solutions     map[structs.PkgHandle][]CycleSolution
	SolutionOrder []structs.PkgHandle
	Suggestions   []string
}

func NewCircularDependencyHandler(g CycleGraph, graph *MergeGraph, log *logrus.Entry) *CircularDependencyHandler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	c := &CircularDependencyHandler{g: g, graph: graph, log: log, Solutions: map[structs.PkgHandle][]CycleSolution{}}
	if log.Logger.IsLevelEnabled(logrus.DebugLevel) {
		log.Debug("circular dependency graph:\n\n" + c.DebugString())
	}
	c.findCycles()
	c.LargeCycleCount = len(c.Cycles) > 3
	c.prepareReducedMergeList()
	c.prepareMessage()
	c.findSuggestions()
	return c
}

func (c *CircularDependencyHandler) name(n structs.Node) string {
	if n.IsPackage() {
		return c.g.Pkg(n.Pkg()).String()
	}
	return n.String()
}

func (c *CircularDependencyHandler) findCycles() {
	c.Cycles = c.graph.GetCycles(structs.SatisfiedRange.IgnoreMediumSoft(), 0)
	for _, cycle := range c.Cycles {
		if c.ShortestCycle == nil || len(cycle) < len(c.ShortestCycle) {
			c.ShortestCycle = cycle
		}
	}
}

// prepareReducedMergeList pops leaves off a copy of the graph, falling back
// to the oldest node while only cycles remain.
func (c *CircularDependencyHandler) prepareReducedMergeList() {
	tmp := c.graph.Clone()
	for !tmp.IsEmpty() {
		var n structs.Node
		if leaves := tmp.LeafNodes(nil); len(leaves) > 0 {
			n = leaves[0]
		} else {
			n = tmp.AllNodes()[0]
		}
		c.MergeList = append(c.MergeList, n)
		tmp.Remove(n)
	}
}

func (c *CircularDependencyHandler) lastPriority(child, parent structs.Node) structs.DepPriority {
	ps := c.graph.Priorities(child, parent)
	if len(ps) == 0 {
		return structs.DepPriority{}
	}
	return ps[len(ps)-1]
}

func (c *CircularDependencyHandler) prepareMessage() {
	if len(c.ShortestCycle) == 0 {
		return
	}
	var lines []string
	indent := ""
	for pos, n := range c.ShortestCycle {
		if pos == 0 {
			lines = append(lines, indent+c.name(n)+" depends on")
		} else {
			parent := c.ShortestCycle[pos-1]
			lines = append(lines, fmt.Sprintf("%s%s (%s)", indent, c.name(n), c.lastPriority(n, parent)))
		}
		indent += " "
	}
	first, last := c.ShortestCycle[0], c.ShortestCycle[len(c.ShortestCycle)-1]
	lines = append(lines, fmt.Sprintf("%s%s (%s)", indent, c.name(first), c.lastPriority(first, last)))
	c.Message = strings.Join(lines, "\n")
}

func sortedFlags(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for f := range m {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

func (c *CircularDependencyHandler) findSuggestions() {
	cycle := c.ShortestCycle
	for pos, n := range cycle {
		prev := cycle[(pos-1+len(cycle))%len(cycle)]
		if !n.IsPackage() || !prev.IsPackage() {
			continue
		}
		h, parentH := n.Pkg(), prev.Pkg()
		parent := c.g.Pkg(parentH)
		prio := c.lastPriority(n, prev)

		var depstr string
		switch {
		case prio.Buildtime || prio.BuildtimeSlotOp:
			depstr = strings.TrimSpace(parent.DepString("DEPEND") + " " + parent.DepString("BDEPEND"))
		case prio.Runtime || prio.RuntimeSlotOp:
			depstr = parent.DepString("RDEPEND")
		default:
			continue
		}

		var parentAtom *dep.Atom
		for _, pa := range c.g.ParentAtoms(h) {
			if pa.Parent == prev {
				parentAtom = pa.Atom.UnevaluatedAtom()
				break
			}
		}
		if parentAtom == nil {
			continue
		}

		affecting, err := dep.ExtractAffectingUse(depstr, parentAtom)
		if err != nil {
			c.log.WithError(err).WithField("package", parent.Cpv()).Debug("cannot extract affecting use")
			continue
		}
		mask, force := c.g.UseMaskForce(parentH)
		untouchable := map[string]bool{}
		for _, m := range []map[string]bool{mask, force, c.g.AutounmaskUse(parentH)} {
			for f := range m {
				untouchable[f] = true
			}
		}
		for f := range untouchable {
			delete(affecting, f)
		}

		requiredUse := parent.DepString("REQUIRED_USE")
		requiredFlags, err := dep.RequiredUseFlags(requiredUse)
		if err == nil {
			intersects := false
			for f := range requiredFlags {
				if affecting[f] {
					intersects = true
					break
				}
			}
			if intersects {
				total := cloneSet(affecting)
				for f := range requiredFlags {
					if !untouchable[f] {
						total[f] = true
					}
				}
				if len(total) <= MaxAffectingUse {
					affecting = total
				}
			}
		}
		if len(affecting) == 0 {
			continue
		}

		enabled := c.g.PkgUseEnabled(parentH)
		flags := sortedFlags(affecting)
		if len(flags) > MaxAffectingUse {
			// flag? and !flag? are not told apart, so assume the enabled
			// flags are the ones pulling the atom in.
			var on []string
			for _, f := range flags {
				if enabled[f] {
					on = append(on, f)
				}
			}
			flags = on
			if len(flags) > MaxAffectingUse {
				continue
			}
		}

		solutions := c.useSolutions(parent, depstr, requiredUse, parentAtom, flags, enabled)
		for i, sol := range solutions {
			if hasSmallerSolution(solutions, i) {
				continue
			}
			ignore, followup := c.checkParentRequirements(parentH, sol)
			if ignore {
				continue
			}
			cs := CycleSolution{Parent: parentH, Changes: sol}
			msg := fmt.Sprintf("- %s (Change USE: %s)\n", parent.Cpv(), cs)
			if followup {
				msg += " (This change might require USE changes on parent packages.)"
			}
			c.Suggestions = append(c.Suggestions, msg)
			if _, ok := c.Solutions[h]; !ok {
				c.SolutionOrder = append(c.SolutionOrder, h)
			}
			c.Solutions[h] = append(c.Solutions[h], cs)
		}
	}
}

// useSolutions tries every setting of flags and returns, deduplicated, the
// changes under which depstr no longer contains atom and REQUIRED_USE
// still holds.
func (c *CircularDependencyHandler) useSolutions(parent *structs.Package, depstr, requiredUse string, atom *dep.Atom, flags []string, enabled map[string]bool) []map[string]bool {
	var out []map[string]bool
	seen := map[string]bool{}
	for state := 0; state < 1<<len(flags); state++ {
		use := cloneSet(enabled)
		for i, f := range flags {
			if state&(1<<i) != 0 {
				use[f] = true
			} else {
				delete(use, f)
			}
		}
		nodes, err := dep.UseReduce(depstr, dep.UseReduceOptions{Uselist: func(f string) bool { return use[f] }})
		if err != nil {
			continue
		}
		found := false
		for _, a := range dep.Flatten(nodes) {
			if a.String() == atom.String() {
				found = true
				break
			}
		}
		if found {
			continue
		}
		ok, err := dep.CheckRequiredUse(requiredUse, func(f string) bool { return use[f] }, parent.HasIUse)
		if err != nil || !ok {
			continue
		}
		sol := map[string]bool{}
		for i, f := range flags {
			on := state&(1<<i) != 0
			if on != enabled[f] {
				sol[f] = on
			}
		}
		key := CycleSolution{Changes: sol}.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, sol)
	}
	return out
}

func hasSmallerSolution(solutions []map[string]bool, i int) bool {
	for j, other := range solutions {
		if j == i || len(other) >= len(solutions[i]) {
			continue
		}
		sub := true
		for f, on := range other {
			if v, ok := solutions[i][f]; !ok || v != on {
				sub = false
				break
			}
		}
		if sub {
			return true
		}
	}
	return false
}

// checkParentRequirements looks at the atoms pulling in the changed parent.
// A hard requirement on a changed flag rules the solution out, a
// conditional one means more changes may follow.
func (c *CircularDependencyHandler) checkParentRequirements(h structs.PkgHandle, sol map[string]bool) (ignore, followup bool) {
	for _, pa := range c.g.ParentAtoms(h) {
		a := pa.Atom.UnevaluatedAtom()
		if !a.HasUse() {
			continue
		}
		for f := range sol {
			switch a.UseCondition(f) {
			case "":
				if containsString(a.UseEnabled(), f) || containsString(a.UseDisabled(), f) {
					return true, false
				}
			default:
				followup = true
			}
		}
	}
	return false, followup
}

// DebugString renders the graph without root nodes that only have medium
// soft parents, which cannot be part of a cycle.
func (c *CircularDependencyHandler) DebugString() string {
	g := c.graph.Clone()
	ignore := structs.SatisfiedRange.IgnoreMediumSoft()
	for {
		roots := g.RootNodes(ignore)
		if len(roots) == 0 || len(roots) == g.Len() {
			break
		}
		g.DifferenceUpdate(roots)
	}
	var b strings.Builder
	for _, n := range g.AllNodes() {
		children := g.ChildNodes(n, nil)
		if len(children) == 0 {
			fmt.Fprintf(&b, "%s (no children)\n", c.name(n))
			continue
		}
		fmt.Fprintf(&b, "%s depends on\n", c.name(n))
		for _, child := range children {
			fmt.Fprintf(&b, "  %s (%s)\n", c.name(child), c.lastPriority(child, n))
		}
	}
	return b.String()
}
