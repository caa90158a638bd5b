package emerge

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ppphp/portago-resolver/pkg/dep"
	"github.com/ppphp/portago-resolver/pkg/dep/dep_check"
	"github.com/ppphp/portago-resolver/pkg/emerge/resolver"
	"github.com/ppphp/portago-resolver/pkg/emerge/structs"
)

// noParent is the parent of a dependency that nothing asked for, such as
// an installed package pulled in by the complete graph pass.
var noParent = structs.Node{Kind: structs.ArgNode, ID: -1}

func hasParent(n structs.Node) bool { return n != noParent }

// createGraph drains the dependency stack, then the disjunctions, until
// both are empty.
func (d *Depgraph) createGraph(allowUnsatisfied bool) bool {
	for len(d.depStack) > 0 || len(d.disjunctiveStack) > 0 {
		for len(d.depStack) > 0 {
			item := d.depStack[len(d.depStack)-1]
			d.depStack = d.depStack[:len(d.depStack)-1]
			if item.dep == nil {
				if !d.addPkgDeps(item.pkg, allowUnsatisfied) {
					return false
				}
				continue
			}
			if !d.addDep(item.dep, allowUnsatisfied) {
				return false
			}
		}
		if len(d.disjunctiveStack) > 0 {
			dj := d.disjunctiveStack[len(d.disjunctiveStack)-1]
			d.disjunctiveStack = d.disjunctiveStack[:len(d.disjunctiveStack)-1]
			if !d.addPkgDepString(dj.parent, dj.root, dj.priority, dj.nodes, allowUnsatisfied) {
				return false
			}
		}
	}
	return true
}

// addDep resolves one dependency edge.
func (d *Depgraph) addDep(dp *structs.Dependency, allowUnsatisfied bool) bool {
	opts := d.frozen.Opts
	if dp.Blocker {
		if opts.Has("--buildpkgonly") || opts.Has("--nodeps") ||
			dp.CollapsedPriority.Ignored || dp.CollapsedPriority.Optional || !dp.Parent.IsPackage() {
			return true
		}
		parent := d.pkgs.Get(dp.Parent.Pkg())
		if d.isSlotConflictParent(dp.Parent.Pkg()) {
			return true
		}
		if parent.OnlyDeps() {
			return true
		}
		b := d.addBlockerNode(&structs.Blocker{Atom: dp.Atom, Eapi: parent.Eapi, Priority: dp.Priority, Root: parent.Root()})
		d.blockerParents.Add(b, dp.Parent, dp.Priority)
		return true
	}

	var child structs.PkgHandle
	if dp.Child == structs.NoPkg {
		child = d.selectPackage(dp.Root, dp.Atom, dp.OnlyDeps).pkg
	} else {
		child = dp.Child
	}
	if child != structs.NoPkg {
		if dp.CollapsedPriority.Ignored {
			return true
		}
		return d.addPkg(child, dp)
	}

	if dp.CollapsedPriority.Optional || dp.CollapsedPriority.Ignored {
		return true
	}
	if allowUnsatisfied {
		d.unsatisfiedDeps = append(d.unsatisfiedDeps, dp)
		return true
	}
	d.recordUnsatisfied(dp.Root, dp.Atom, dp.Parent)
	if d.needRestart || !d.allowBacktracking || !dp.Parent.IsPackage() {
		return false
	}
	parent := d.pkgs.Get(dp.Parent.Pkg())
	if d.bp.Masked(parent.Key) {
		if parent.Installed && len(d.matchAny(dp.Root, dp.Atom)) == 0 {
			d.initiallyUnsatisfied = append(d.initiallyUnsatisfied, dp)
			return true
		}
		d.log.WithField("parent", parent.String()).Debug("backtracking loop detected")
		return false
	}
	atom := dp.Atom
	if atom.HasUse() {
		atom = atom.WithoutUse()
	}
	if d.selectPackage(dp.Root, atom, dp.OnlyDeps).pkg == structs.NoPkg && !d.needRestart {
		d.backtrackInfos.MissingDependency = &resolver.MissingDep{Parent: parent.Key, Root: dp.Root, Atom: dp.Atom.String()}
		d.needRestart = true
		d.log.WithFields(logrus.Fields{"parent": parent.String(), "atom": dp.Atom.String()}).
			Debug("backtracking due to unsatisfied dep")
	}
	return false
}

func (d *Depgraph) isSlotConflictParent(h structs.PkgHandle) bool {
	for _, c := range d.tracker.SlotConflicts() {
		for _, p := range c.Pkgs[1:] {
			if p == h {
				return true
			}
		}
	}
	return false
}

// matchAny returns every candidate of any database matching atom, masked
// or not.
func (d *Depgraph) matchAny(root string, atom *dep.Atom) []structs.PkgHandle {
	var out []structs.PkgHandle
	for _, tn := range d.frozen.typeNames() {
		out = append(out, d.matchPkgs(root, tn, atom, false, false)...)
	}
	return out
}

func (d *Depgraph) recordUnsatisfied(root string, atom *dep.Atom, parent structs.Node) {
	d.unsatisfied = append(d.unsatisfied, unsatisfiedDep{root: root, atom: atom, parent: parent})
	for _, h := range d.requiredUseBlocked(root, atom) {
		d.requiredUse = append(d.requiredUse, requiredUseProblem{pkg: h, atom: atom, parent: parent})
		break
	}
}

// checkSlotConflict returns the package already occupying the slot of h and
// whether it satisfies atom too.
func (d *Depgraph) checkSlotConflict(h structs.PkgHandle, atom *dep.Atom) (structs.PkgHandle, bool) {
	p := d.pkgs.Get(h)
	existing, ok := d.slotPkgMap[slotKey{p.Root(), p.SlotAtom()}]
	if !ok {
		return structs.NoPkg, false
	}
	ep := d.pkgs.Get(existing)
	matches := p.Cpv() == ep.Cpv()
	if existing != h && atom != nil {
		matches = atom.MatchWithUse(ep, flagSet(d.PkgUseEnabled(existing)))
	}
	return existing, matches
}

// addPkg adds h to the graph for dp and queues its dependencies.
func (d *Depgraph) addPkg(h structs.PkgHandle, dp *structs.Dependency) bool {
	p := d.pkgs.Get(h)
	priority := dp.Priority
	depth := dp.Depth
	if d.debug() {
		fields := logrus.Fields{"child": p.String(), "priority": priority.String()}
		if hasParent(dp.Parent) {
			fields["parent"] = d.nodeString(dp.Parent)
		}
		if dp.Atom != nil {
			fields["atom"] = dp.Atom.String()
		}
		d.log.WithFields(fields).Debug("Parent:    Child:")
	}
	argAtoms := d.iterAtomsForPkg(h)

	if !p.OnlyDeps() {
		existing, matches := d.checkSlotConflict(h, dp.Atom)
		if existing != structs.NoPkg {
			if matches {
				for _, aa := range argAtoms {
					d.digraph.Add(structs.PkgNode(existing), aa.arg, priority)
					d.addParentAtom(existing, aa.arg, aa.atom)
				}
				if hasParent(dp.Parent) {
					d.digraph.Add(structs.PkgNode(existing), dp.Parent, priority)
					d.addParentAtom(existing, dp.Parent, dp.Atom)
				}
				if d.debug() {
					d.log.WithField("child", d.pkgs.Get(existing).String()).Debug("Re-used Child:")
				}
				return true
			}
			d.slotCollisionNodes[h] = true
			d.slotCollisionNodes[existing] = true
			if d.debug() {
				d.log.WithFields(logrus.Fields{
					"pkg": p.String(), "existing": d.pkgs.Get(existing).String(),
				}).Debug("Slot Conflict:")
			}
		} else {
			d.slotPkgMap[slotKey{p.Root(), p.SlotAtom()}] = h
			d.highestPkgCache = map[highestKey]selection{}
		}
		d.tracker.AddPkg(h)
	}

	if hasParent(dp.Parent) {
		d.addParentAtom(h, dp.Parent, dp.Atom)
	}
	for _, aa := range argAtoms {
		d.digraph.Add(structs.PkgNode(h), aa.arg, priority)
		d.addParentAtom(h, aa.arg, aa.atom)
	}
	if hasParent(dp.Parent) {
		d.digraph.Add(structs.PkgNode(h), dp.Parent, priority)
	} else {
		d.digraph.AddNode(structs.PkgNode(h))
	}

	if len(argAtoms) > 0 {
		depth = 0
	}
	if old, ok := d.depth[h]; !ok || depth < old {
		d.depth[h] = depth
	}
	if !d.params.Recurse {
		return true
	}
	if p.Installed && !d.params.Withdeep(depth) {
		d.ignoredDeps = append(d.ignoredDeps, stackItem{pkg: h})
		return true
	}
	d.depStack = append(d.depStack, stackItem{pkg: h})
	return true
}

type depString struct {
	root     string
	deps     string
	priority structs.DepPriority
}

// addPkgDeps queues the dependencies of h, build time first.
func (d *Depgraph) addPkgDeps(h structs.PkgHandle, allowUnsatisfied bool) bool {
	p := d.pkgs.Get(h)
	opts := d.frozen.Opts
	ignoreBuildTime := false
	if p.Built && !d.params.Remove {
		switch d.params.Bdeps {
		case "y":
		case "auto":
			ignoreBuildTime = !d.params.Withdeep(d.depth[h])
		default:
			ignoreBuildTime = true
		}
	}
	rdepend, pdepend := p.Metadata["RDEPEND"], p.Metadata["PDEPEND"]
	if opts.Has("--buildpkgonly") && !(d.params.Deep != 0 || d.params.Empty) {
		rdepend, pdepend = "", ""
	}
	rebuild := false
	if !p.Installed && !d.params.Empty {
		for _, inst := range d.installed[p.Root()] {
			if d.pkgs.Get(inst).SameSlot(p) {
				rebuild = true
				break
			}
		}
	}
	buildtime := structs.DepPriority{Buildtime: true, Optional: p.Built || ignoreBuildTime, Ignored: ignoreBuildTime, Rebuild: rebuild}
	deps := []depString{
		{p.Root(), p.Metadata["BDEPEND"], buildtime},
		{p.Root(), p.Metadata["DEPEND"], buildtime},
		{p.Root(), rdepend, structs.DepPriority{Runtime: true, Rebuild: rebuild}},
		{p.Root(), pdepend, structs.DepPriority{RuntimePost: true, Rebuild: rebuild}},
	}
	use := d.PkgUseEnabled(h)
	for _, ds := range deps {
		if strings.TrimSpace(ds.deps) == "" {
			continue
		}
		nodes, err := dep.UseReduce(ds.deps, dep.UseReduceOptions{
			Uselist:       flagSet(use),
			IsValidFlag:   d.isValidFlag(p),
			EvaluateAtoms: true,
		})
		if err != nil && p.Installed {
			nodes, err = dep.UseReduce(ds.deps, dep.UseReduceOptions{Uselist: flagSet(use), EvaluateAtoms: true})
		}
		if err != nil {
			if p.Installed {
				d.maskedInstalled[h] = true
				return true
			}
			d.messages = append(d.messages, errors.Wrapf(err, "invalid dependency string in %s", p.Cpv()).Error())
			return false
		}
		if p.Built {
			nodes = d.relaxBuiltSlotOps(h, nodes)
		}
		nodes = d.queueDisjunctiveDeps(h, ds.root, ds.priority, nodes)
		if !d.addPkgDepString(h, ds.root, ds.priority, nodes, allowUnsatisfied) {
			return false
		}
	}
	d.traversedPkgDeps[h] = true
	return true
}

// queueDisjunctiveDeps moves virtuals and any-of groups to the disjunctive
// stack and returns the rest.
func (d *Depgraph) queueDisjunctiveDeps(h structs.PkgHandle, root string, prio structs.DepPriority, nodes []dep.DepNode) []dep.DepNode {
	var out []dep.DepNode
	for _, n := range nodes {
		switch {
		case n.Atom != nil && strings.HasPrefix(n.Atom.CP, "virtual/"):
			d.disjunctiveStack = append(d.disjunctiveStack, disjunction{h, root, prio, []dep.DepNode{n}})
		case n.Atom != nil:
			out = append(out, n)
		case n.AnyOf:
			d.disjunctiveStack = append(d.disjunctiveStack, disjunction{h, root, prio, []dep.DepNode{n}})
		default:
			out = append(out, d.queueDisjunctiveDeps(h, root, prio, n.Children)...)
		}
	}
	return out
}

// addPkgDepString chooses the atoms of a reduced dependency tree and adds
// an edge for each.
func (d *Depgraph) addPkgDepString(h structs.PkgHandle, root string, prio structs.DepPriority, nodes []dep.DepNode, allowUnsatisfied bool) bool {
	if len(nodes) == 0 {
		return true
	}
	p := d.pkgs.Get(h)
	atoms := dep_check.ZapDeps(nodes, &depTrees{d: d, root: root}, dep_check.Options{
		Parent:        p,
		MinimizeSlots: true,
		Log:           d.log,
	})
	depth := d.depth[h] + 1
	recurseSatisfied := d.params.Withdeep(d.depth[h])
	for _, ac := range d.minimizeChildren(root, atoms) {
		atom := ac.atom
		mp := prio
		if !atom.Blocker {
			if atom.SlotOperator == "=" {
				mp.BuildtimeSlotOp = mp.Buildtime
				mp.RuntimeSlotOp = mp.Runtime
			}
			satisfied := structs.NoPkg
			inst := d.installedMatch(root, atom)
			for i := len(inst) - 1; i >= 0; i-- {
				if d.visible(inst[i], nil) {
					satisfied = inst[i]
					break
				}
			}
			if satisfied == structs.NoPkg && len(inst) > 0 {
				satisfied = inst[len(inst)-1]
			}
			mp.Satisfied = satisfied != structs.NoPkg
		}
		dp := structs.NewDependency(atom, structs.PkgNode(h), ac.child, mp, root, depth)
		if !atom.Blocker && !recurseSatisfied && mp.Satisfied && ac.child != structs.NoPkg {
			cp := d.pkgs.Get(ac.child)
			if _, inSlot := d.slotPkgMap[slotKey{cp.Root(), cp.SlotAtom()}]; !cp.Installed && !inSlot && len(d.iterAtomsForPkg(ac.child)) == 0 {
				dp.Child = structs.NoPkg
				d.ignoredDeps = append(d.ignoredDeps, stackItem{dep: dp})
				continue
			}
		}
		if mp.Ignored {
			dp.Child = structs.NoPkg
			d.ignoredDeps = append(d.ignoredDeps, stackItem{dep: dp})
			continue
		}
		if !d.addDep(dp, allowUnsatisfied) {
			return false
		}
	}
	return true
}

type atomChild struct {
	atom  *dep.Atom
	child structs.PkgHandle
}

// minimizeChildren selects a package for every atom and drops packages
// whose atoms are all satisfied by another package of the same cp.
func (d *Depgraph) minimizeChildren(root string, atoms []*dep.Atom) []atomChild {
	var out []atomChild
	type entry struct {
		atom *dep.Atom
		pkg  structs.PkgHandle
	}
	var selected []entry
	for _, a := range atoms {
		if a.Blocker {
			out = append(out, atomChild{a, structs.NoPkg})
			continue
		}
		h := d.selectPackage(root, a, false).pkg
		if h == structs.NoPkg {
			out = append(out, atomChild{a, structs.NoPkg})
			continue
		}
		selected = append(selected, entry{a, h})
	}
	if len(selected) < 2 {
		for _, e := range selected {
			out = append(out, atomChild{e.atom, e.pkg})
		}
		return out
	}

	var cps []string
	byCp := map[string][]entry{}
	for _, e := range selected {
		cp := d.pkgs.Get(e.pkg).Cp
		if _, ok := byCp[cp]; !ok {
			cps = append(cps, cp)
		}
		byCp[cp] = append(byCp[cp], e)
	}
	for _, cp := range cps {
		entries := byCp[cp]
		var pkgs []structs.PkgHandle
		seen := map[structs.PkgHandle]bool{}
		for _, e := range entries {
			if !seen[e.pkg] {
				seen[e.pkg] = true
				pkgs = append(pkgs, e.pkg)
			}
		}
		if len(pkgs) < 2 {
			for _, e := range entries {
				out = append(out, atomChild{e.atom, e.pkg})
			}
			continue
		}
		// Every atom is linked to each package it matches.
		children := make([][]structs.PkgHandle, len(entries))
		for i, e := range entries {
			for _, h := range pkgs {
				if h == e.pkg || e.atom.MatchWithUse(d.pkgs.Get(h), flagSet(d.PkgUseEnabled(h))) {
					children[i] = append(children[i], h)
				}
			}
		}
		removed := map[structs.PkgHandle]bool{}
		for _, h := range pkgs {
			eliminate := true
			for i := range entries {
				if !containsHandle(children[i], h) {
					continue
				}
				n := 0
				for _, c := range children[i] {
					if !removed[c] {
						n++
					}
				}
				if n < 2 {
					eliminate = false
					break
				}
			}
			if eliminate {
				removed[h] = true
			}
		}
		var abi, conflict, normal []int
		for i, e := range entries {
			if e.atom.SlotOperatorBuilt() {
				abi = append(abi, i)
				continue
			}
			isConflict := false
			for _, c := range children[i] {
				if removed[c] {
					continue
				}
				if existing, ok := d.checkSlotConflict(c, e.atom); existing != structs.NoPkg && !ok {
					isConflict = true
					break
				}
			}
			if isConflict {
				conflict = append(conflict, i)
			} else {
				normal = append(normal, i)
			}
		}
		for _, group := range [][]int{abi, conflict, normal} {
			for _, i := range group {
				var kept []structs.PkgHandle
				for _, c := range children[i] {
					if !removed[c] {
						kept = append(kept, c)
					}
				}
				sort.SliceStable(kept, func(a, b int) bool {
					return d.pkgs.Get(kept[a]).Compare(d.pkgs.Get(kept[b])) < 0
				})
				out = append(out, atomChild{entries[i].atom, kept[len(kept)-1]})
			}
		}
	}
	return out
}

func containsHandle(list []structs.PkgHandle, h structs.PkgHandle) bool {
	for _, x := range list {
		if x == h {
			return true
		}
	}
	return false
}

// depTrees answers the database questions of dep_check.ZapDeps from the
// graph being built.
type depTrees struct {
	d    *Depgraph
	root string
}

func (t *depTrees) handles(hs []structs.PkgHandle) []*structs.Package {
	out := make([]*structs.Package, 0, len(hs))
	for _, h := range hs {
		out = append(out, t.d.pkgs.Get(h))
	}
	return out
}

func (t *depTrees) handle(p *structs.Package) structs.PkgHandle {
	h, ok := t.d.pkgs.Lookup(p.Key)
	if !ok {
		return structs.NoPkg
	}
	return h
}

func (t *depTrees) Available(atom *dep.Atom) []*structs.Package {
	d := t.d
	off := d.autounmaskOff
	d.autounmaskOff = true
	s := d.selectPackage(t.root, atom, false)
	d.autounmaskOff = off
	if s.pkg == structs.NoPkg {
		return nil
	}
	return []*structs.Package{d.pkgs.Get(s.pkg)}
}

func (t *depTrees) Installed(atom *dep.Atom) []*structs.Package {
	return t.handles(t.d.installedMatch(t.root, atom))
}

func (t *depTrees) GraphMatch(atom *dep.Atom) []*structs.Package {
	return t.handles(t.d.tracker.Match(t.root, atom, true))
}

func (t *depTrees) HasGraph() bool { return true }

func (t *depTrees) InGraph(p *structs.Package) bool {
	h := t.handle(p)
	return h != structs.NoPkg && t.d.digraph.Contains(structs.PkgNode(h))
}

func (t *depTrees) UseEnabled(p *structs.Package) map[string]bool {
	if h := t.handle(p); h != structs.NoPkg {
		return t.d.PkgUseEnabled(h)
	}
	return p.Use
}

func (t *depTrees) UseMask(p *structs.Package) map[string]bool {
	return t.d.settings(p.Root()).Uses.GetUseMask(p)
}

func (t *depTrees) UseForce(p *structs.Package) map[string]bool {
	return t.d.settings(p.Root()).Uses.GetUseForce(p)
}

func (t *depTrees) WantUpdate(parent, p *structs.Package) bool {
	d := t.d
	if d.frozen.excluded(p) || d.completeMode {
		return false
	}
	h := t.handle(p)
	args := h != structs.NoPkg && len(d.iterAtomsForPkg(h)) > 0
	depth := 1
	if ph := t.handle(parent); ph != structs.NoPkg {
		depth = d.depth[ph] + 1
	}
	tooDeep := !(d.params.Empty || d.params.Deep == DeepUnlimited) && depth > d.params.Deep
	return (args || d.frozen.Opts.Has("--update")) && !tooDeep
}

func (t *depTrees) DowngradeProbe(p *structs.Package) bool {
	d := t.d
	a, err := dep.NewAtom(p.Cp, false)
	if err != nil {
		return false
	}
	for _, tn := range d.frozen.typeNames() {
		if tn == structs.Installed {
			continue
		}
		for _, h := range d.matchPkgs(p.Root(), tn, a, false, true) {
			if d.pkgs.Get(h).Compare(p) > 0 && d.visible(h, nil) {
				return true
			}
		}
	}
	return false
}

func (t *depTrees) WillReplaceChild(parent *structs.Package, atom *dep.Atom) *structs.Package {
	d := t.d
	if !parent.Installed || parent.Root() != t.root {
		return nil
	}
	for _, inst := range d.installedMatch(t.root, atom) {
		ip := d.pkgs.Get(inst)
		if occ, ok := d.slotPkgMap[slotKey{t.root, ip.SlotAtom()}]; ok && occ != inst {
			return ip
		}
	}
	return nil
}

func (t *depTrees) CircularChildren(parent *structs.Package) []*structs.Package {
	d := t.d
	var out []*structs.Package
	for k := range d.needed.CircularDependency[configKey(parent)] {
		if h, ok := d.pkgs.Lookup(k); ok {
			out = append(out, d.pkgs.Get(h))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cpv() < out[j].Cpv() })
	return out
}
