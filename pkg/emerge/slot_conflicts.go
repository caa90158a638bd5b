package emerge

import (
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/ppphp/portago-resolver/pkg/emerge/resolver"
	"github.com/ppphp/portago-resolver/pkg/emerge/structs"
	"github.com/ppphp/portago-resolver/pkg/util/digraph"
)

// processSlotConflicts solves what it can in place. For the conflicts left
// it shares the parent atoms of each conflict among the packages they match
// and, when backtracking, proposes masks.
func (d *Depgraph) processSlotConflicts() {
	if !d.acceptBlockerConflicts() {
		d.solveSlotConflicts()
	}
	for _, c := range d.tracker.SlotConflicts() {
		key := c.Root + "|" + c.Atom
		if d.slotConflictsSeen[key] {
			continue
		}
		d.slotConflictsSeen[key] = true

		var all []resolver.GraphParentAtom
		for _, h := range c.Pkgs {
			all = append(all, d.ParentAtoms(h)...)
		}
		for _, h := range c.Pkgs {
			p := d.pkgs.Get(h)
			use := flagSet(d.PkgUseEnabled(h))
			for _, pa := range all {
				if pa.Parent.IsPackage() && pa.Parent.Pkg() == h {
					continue
				}
				if pa.Atom.MatchWithUse(p, use) {
					d.addParentAtom(h, pa.Parent, pa.Atom)
				}
			}
		}
		if d.allowBacktracking {
			d.slotConflictBacktrack(c)
		}
	}
}

// conflictNode is a node of the graph solveSlotConflicts works on: a
// package, the packages outside every conflict (pkg is NoPkg), or a choice
// between several packages of one conflict.
type conflictNode struct {
	pkg    structs.PkgHandle
	choice string
}

var nonConflictNode = conflictNode{pkg: structs.NoPkg}

func (n conflictNode) isPkg() bool { return n.pkg != structs.NoPkg && n.choice == "" }

// solveSlotConflicts keeps, for each slot conflict, the one package the rest
// of the graph needs and removes the others together with the packages only
// they pulled in. A package is needed when a parent outside the conflicts
// reaches it through atoms that do not match every package of its
// conflict. When no package of a conflict is needed the earliest pulled in
// stays. Conflicts where several packages are needed, or that involve ":="
// atoms, are left to backtracking.
func (d *Depgraph) solveSlotConflicts() {
	var conflicts []resolver.PackageConflict
	for _, c := range d.tracker.SlotConflicts() {
		if !d.slotOperatorConflict(c) {
			conflicts = append(conflicts, c)
		}
	}
	if len(conflicts) == 0 {
		return
	}

	inConflict := map[structs.PkgHandle]bool{}
	for _, c := range conflicts {
		for _, h := range c.Pkgs {
			inConflict[h] = true
		}
	}
	indirect := d.onlyNeededBy(inConflict)
	node := func(n structs.Node) conflictNode {
		if n.IsPackage() && (inConflict[n.Pkg()] || indirect[n.Pkg()]) {
			return conflictNode{pkg: n.Pkg()}
		}
		return nonConflictNode
	}

	g := digraph.New[conflictNode, int](func(a, b int) bool { return a < b })
	g.AddNode(nonConflictNode)
	choices := map[string][]structs.PkgHandle{}
	for _, c := range conflicts {
		for _, h := range c.Pkgs {
			g.AddNode(conflictNode{pkg: h})
		}
		seen := map[parentAtomKey]bool{}
		for _, h := range c.Pkgs {
			for _, pa := range d.ParentAtoms(h) {
				k := parentAtomKey{pa.Parent, pa.Atom.String()}
				if seen[k] {
					continue
				}
				seen[k] = true
				var matched []structs.PkgHandle
				for _, m := range c.Pkgs {
					if pa.Atom.MatchWithUse(d.pkgs.Get(m), flagSet(d.PkgUseEnabled(m))) {
						matched = append(matched, m)
					}
				}
				switch len(matched) {
				case len(c.Pkgs), 0:
				case 1:
					g.Add(conflictNode{pkg: matched[0]}, node(pa.Parent), 0)
				default:
					names := make([]string, len(matched))
					for i, m := range matched {
						names[i] = strconv.Itoa(int(m))
					}
					key := strings.Join(names, ",")
					choices[key] = matched
					g.Add(conflictNode{pkg: matched[0], choice: key}, node(pa.Parent), 0)
				}
			}
		}
	}
	indirectPkgs := make([]structs.PkgHandle, 0, len(indirect))
	for h := range indirect {
		indirectPkgs = append(indirectPkgs, h)
	}
	slices.Sort(indirectPkgs)
	for _, h := range indirectPkgs {
		for _, pa := range d.ParentAtoms(h) {
			g.Add(conflictNode{pkg: h}, node(pa.Parent), 0)
		}
	}

	forced := map[conflictNode]bool{nonConflictNode: true}
	explored := map[conflictNode]bool{}
	unexplored := []conflictNode{nonConflictNode}
	var pendingChoices []conflictNode
	for len(unexplored) > 0 {
		for len(unexplored) > 0 {
			n := unexplored[len(unexplored)-1]
			unexplored = unexplored[:len(unexplored)-1]
			for _, c := range g.ChildNodes(n, nil) {
				if explored[c] {
					continue
				}
				explored[c] = true
				forced[c] = true
				if c.isPkg() {
					unexplored = append(unexplored, c)
				} else {
					pendingChoices = append(pendingChoices, c)
				}
			}
		}
		// Only pick from a choice once nothing else forces one of its
		// packages.
		for len(pendingChoices) > 0 {
			ch := pendingChoices[0]
			pendingChoices = pendingChoices[1:]
			satisfied := false
			for _, h := range choices[ch.choice] {
				satisfied = satisfied || forced[conflictNode{pkg: h}]
			}
			if satisfied {
				continue
			}
			first := conflictNode{pkg: choices[ch.choice][0]}
			forced[first] = true
			explored[first] = true
			unexplored = append(unexplored, first)
			break
		}
	}

	for _, c := range conflicts {
		pkgs := slices.DeleteFunc(slices.Clone(c.Pkgs), func(h structs.PkgHandle) bool {
			return !d.digraph.Contains(structs.PkgNode(h))
		})
		if len(pkgs) == 0 {
			continue
		}
		var kept []structs.PkgHandle
		for _, h := range pkgs {
			if forced[conflictNode{pkg: h}] {
				kept = append(kept, h)
			}
		}
		switch len(kept) {
		case 0:
			kept = pkgs[:1]
		case 1:
		default:
			if d.debug() {
				d.log.WithField("slot", c.Atom).Debug("slot conflict needs backtracking")
			}
			continue
		}
		keep := kept[0]
		if d.debug() {
			d.log.WithFields(logrus.Fields{
				"slot": c.Atom, "keep": d.pkgs.Get(keep).String(),
			}).Debug("slot conflict solved")
		}
		for _, h := range pkgs {
			if h != keep && d.digraph.Contains(structs.PkgNode(h)) {
				d.replaceConflictPkg(h, keep)
			}
		}
		p := d.pkgs.Get(keep)
		d.slotPkgMap[slotKey{p.Root(), p.SlotAtom()}] = keep
		delete(d.slotCollisionNodes, keep)
	}
	d.highestPkgCache = map[highestKey]selection{}
}

// slotOperatorConflict reports a conflict pulled in by a ":=" atom, either
// directly or through the relaxed atom of a built package. Those are solved
// by rebuilds.
func (d *Depgraph) slotOperatorConflict(c resolver.PackageConflict) bool {
	for _, h := range c.Pkgs {
		cp := d.pkgs.Get(h).Cp
		for _, pa := range d.ParentAtoms(h) {
			if pa.Atom.SlotOperator == "=" {
				return true
			}
			if !pa.Parent.IsPackage() {
				continue
			}
			for _, a := range d.slotOperatorDeps[pa.Parent.Pkg()] {
				if a.CP == cp {
					return true
				}
			}
		}
	}
	return false
}

// onlyNeededBy returns the packages all of whose parents are in pkgs or in
// the result itself.
func (d *Depgraph) onlyNeededBy(pkgs map[structs.PkgHandle]bool) map[structs.PkgHandle]bool {
	out := map[structs.PkgHandle]bool{}
	var stack []structs.PkgHandle
	push := func(h structs.PkgHandle) {
		for _, c := range d.digraph.ChildNodes(structs.PkgNode(h), nil) {
			if c.IsPackage() && !pkgs[c.Pkg()] && !out[c.Pkg()] {
				stack = append(stack, c.Pkg())
			}
		}
	}
	for h := range pkgs {
		push(h)
	}
	for len(stack) > 0 {
		h := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if out[h] {
			continue
		}
		only := true
		for _, pa := range d.ParentAtoms(h) {
			if !pa.Parent.IsPackage() || !pkgs[pa.Parent.Pkg()] && !out[pa.Parent.Pkg()] {
				only = false
				break
			}
		}
		if !only || len(d.ParentAtoms(h)) == 0 {
			continue
		}
		out[h] = true
		push(h)
	}
	return out
}

// replaceConflictPkg hands the parents of h whose atoms keep matches over
// to keep and removes h from the graph.
func (d *Depgraph) replaceConflictPkg(h, keep structs.PkgHandle) {
	kp := d.pkgs.Get(keep)
	use := flagSet(d.PkgUseEnabled(keep))
	var unmet []string
	for _, pa := range d.ParentAtoms(h) {
		if !d.digraph.Contains(pa.Parent) {
			continue
		}
		if !pa.Atom.MatchWithUse(kp, use) {
			unmet = append(unmet, pa.Parent.String()+" ("+pa.Atom.String()+")")
			continue
		}
		for _, prio := range d.digraph.Priorities(structs.PkgNode(h), pa.Parent) {
			d.digraph.Add(structs.PkgNode(keep), pa.Parent, prio)
		}
		d.addParentAtom(keep, pa.Parent, pa.Atom)
	}
	if depth, ok := d.depth[h]; ok && depth < d.depth[keep] {
		d.depth[keep] = depth
	}
	if p := d.pkgs.Get(h); len(unmet) > 0 && p.Compare(kp) > 0 {
		sort.Strings(unmet)
		d.droppedUpdates = append(d.droppedUpdates, resolver.MissedUpdate{Pkg: p, Selected: kp, ParentAtom: unmet})
	}
	d.removePkg(h)
}

// removePkg removes h and then every package left without parents.
func (d *Depgraph) removePkg(h structs.PkgHandle) {
	n := structs.PkgNode(h)
	var children []structs.Node
	for _, c := range d.digraph.ChildNodes(n, nil) {
		if c != n {
			children = append(children, c)
		}
	}
	d.digraph.Remove(n)
	d.tracker.RemovePkg(h)
	delete(d.parentAtoms, h)
	delete(d.parentAtomSeen, h)
	delete(d.depth, h)
	delete(d.slotCollisionNodes, h)
	p := d.pkgs.Get(h)
	if sk := (slotKey{p.Root(), p.SlotAtom()}); d.slotPkgMap[sk] == h {
		delete(d.slotPkgMap, sk)
	}
	for _, g := range []*resolver.MergeGraph{d.blockerParents, d.irrelevantBlockers, d.unsolvableBlockers, d.blockedPkgs, d.blockerUninstalls} {
		var blockers []structs.Node
		if g.Contains(n) {
			blockers = g.ChildNodes(n, nil)
			g.Remove(n)
		}
		for _, b := range blockers {
			if len(g.ParentNodes(b, nil)) == 0 {
				g.Remove(b)
			}
		}
	}
	d.unsatisfied = slices.DeleteFunc(d.unsatisfied, func(u unsatisfiedDep) bool { return u.parent == n })
	d.requiredUse = slices.DeleteFunc(d.requiredUse, func(r requiredUseProblem) bool { return r.parent == n || r.pkg == h })
	d.ignoredDeps = slices.DeleteFunc(d.ignoredDeps, func(s stackItem) bool { return s.pkg == h })

	for _, c := range children {
		if !c.IsPackage() {
			if len(d.digraph.ParentNodes(c, nil)) == 0 {
				d.digraph.Remove(c)
			}
			continue
		}
		ch := c.Pkg()
		atoms := d.parentAtoms[ch][:0]
		for _, pa := range d.parentAtoms[ch] {
			if pa.Parent != n {
				atoms = append(atoms, pa)
			} else {
				delete(d.parentAtomSeen[ch], parentAtomKey{pa.Parent, pa.Atom.String()})
			}
		}
		d.parentAtoms[ch] = atoms
		if d.digraph.Contains(c) && len(d.digraph.ParentNodes(c, nil)) == 0 {
			d.removePkg(ch)
		}
	}
}

// slotConflictBacktrack records, for every package of the conflict, the
// mask that would leave the others: the package and the parent atoms it
// does not satisfy. Alternatives with more unsatisfied parents come last so
// that the backtracker tries them first.
func (d *Depgraph) slotConflictBacktrack(c resolver.PackageConflict) {
	pkgs := append([]structs.PkgHandle(nil), c.Pkgs...)
	sort.SliceStable(pkgs, func(i, j int) bool {
		return d.pkgs.Get(pkgs[i]).Compare(d.pkgs.Get(pkgs[j])) > 0
	})
	var all []resolver.GraphParentAtom
	seen := map[parentAtomKey]bool{}
	for _, h := range pkgs {
		for _, pa := range d.ParentAtoms(h) {
			k := parentAtomKey{pa.Parent, pa.Atom.String()}
			if !seen[k] {
				seen[k] = true
				all = append(all, pa)
			}
		}
	}
	var alternatives [][]resolver.ConflictMask
	for _, h := range pkgs {
		own := map[parentAtomKey]bool{}
		for _, pa := range d.ParentAtoms(h) {
			own[parentAtomKey{pa.Parent, pa.Atom.String()}] = true
		}
		atoms := map[resolver.ParentAtom]bool{}
		for _, pa := range all {
			if !own[parentAtomKey{pa.Parent, pa.Atom.String()}] {
				atoms[resolver.ParentAtom{Parent: d.parentRef(pa.Parent), Atom: pa.Atom.String()}] = true
			}
		}
		alternatives = append(alternatives, []resolver.ConflictMask{{Pkg: d.pkgs.Get(h).Key, ParentAtoms: atoms}})
	}
	sort.SliceStable(alternatives, func(i, j int) bool {
		return len(alternatives[i][0].ParentAtoms) < len(alternatives[j][0].ParentAtoms)
	})
	if d.debug() {
		for _, alt := range alternatives {
			d.log.WithFields(logrus.Fields{
				"mask": alt[0].Pkg.Cpv, "conflict_atoms": len(alt[0].ParentAtoms),
			}).Debug("slot conflict backtrack")
		}
	}
	d.backtrackInfos.SlotConflicts = append(d.backtrackInfos.SlotConflicts, alternatives)
	d.needRestart = true
}

// SlotConflictHandler explains the slot conflicts left in the graph. It is
// nil when there are none.
func (d *Depgraph) SlotConflictHandler() *resolver.SlotConflictHandler {
	conflicts := d.tracker.SlotConflicts()
	if len(conflicts) == 0 {
		return nil
	}
	if d.slotConflictHandler == nil {
		d.slotConflictHandler = resolver.NewSlotConflictHandler(d, conflicts, resolver.SlotConflictOptions{
			RunningRoot:      d.frozen.TargetRoot,
			VerboseConflicts: d.frozen.Opts.Has("--verbose-conflicts"),
			NewUse:           d.frozen.Opts.Has("--newuse"),
			Update:           d.frozen.Opts.Has("--update"),
			Log:              d.log,
		})
	}
	return d.slotConflictHandler
}

// missedUpdates lists the updates given up to solve slot conflicts: masked
// packages that are higher than what ended up in their slot.
func (d *Depgraph) missedUpdates() []resolver.MissedUpdate {
	keys := make([]structs.PackageKey, 0, len(d.bp.RuntimePkgMask))
	for k, info := range d.bp.RuntimePkgMask {
		if len(info.SlotConflict) > 0 {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Cpv < keys[j].Cpv })
	out := append([]resolver.MissedUpdate(nil), d.droppedUpdates...)
	for _, k := range keys {
		h, ok := d.pkgs.Lookup(k)
		if !ok {
			continue
		}
		p := d.pkgs.Get(h)
		occ, ok := d.slotPkgMap[slotKey{p.Root(), p.SlotAtom()}]
		if !ok {
			continue
		}
		op := d.pkgs.Get(occ)
		if p.Compare(op) <= 0 {
			continue
		}
		var parents []string
		for pa := range d.bp.RuntimePkgMask[k].SlotConflict {
			parents = append(parents, pa.Parent.String()+" ("+pa.Atom+")")
		}
		sort.Strings(parents)
		out = append(out, resolver.MissedUpdate{Pkg: p, Selected: op, ParentAtom: parents})
	}
	return out
}
