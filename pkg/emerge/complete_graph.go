package emerge

import (
	"sort"

	"github.com/ppphp/portago-resolver/pkg/emerge/structs"
)

// needCompleteGraph reports whether the installed packages have to be
// checked against what is going to be merged.
func (d *Depgraph) needCompleteGraph() bool {
	if d.params.Complete {
		return true
	}
	if !d.params.CompleteIfNewUse && !d.params.CompleteIfNewVer {
		return false
	}
	for _, n := range d.digraph.AllNodes() {
		if !n.IsPackage() {
			continue
		}
		p := d.pkgs.Get(n.Pkg())
		if p.Operation() != structs.Merge {
			continue
		}
		for _, inst := range d.tracker.Replacing(n.Pkg()) {
			ip := d.pkgs.Get(inst)
			if d.params.CompleteIfNewVer && ip.Cpv() != p.Cpv() {
				return true
			}
			if d.params.CompleteIfNewUse && useChanged(ip, p, d.PkgUseEnabled(n.Pkg())) {
				return true
			}
		}
	}
	return false
}

// useChanged compares the IUSE and the enabled flags of an installed
// package with its replacement.
func useChanged(inst, p *structs.Package, use map[string]bool) bool {
	if len(inst.IUse) != len(p.IUse) {
		return true
	}
	for f := range p.IUse {
		if !inst.IUse[f] {
			return true
		}
		if inst.Use[f] != use[f] {
			return true
		}
	}
	return false
}

// completeGraph pulls the installed packages reachable from the world set
// into the graph, so that the dependencies of installed packages are
// checked against the packages being merged. No new packages are selected:
// every dependency has to be satisfied by something already in the graph or
// installed.
func (d *Depgraph) completeGraph() bool {
	if !d.needCompleteGraph() {
		return true
	}
	d.log.Debug("completing graph")
	prevMode, prevDeep := d.mode, d.params.Deep
	d.mode = selectFromGraph
	d.params.Deep = DeepUnlimited
	d.completeMode = true
	defer func() {
		d.mode, d.params.Deep = prevMode, prevDeep
		d.completeMode = false
	}()

	d.depStack = append(d.depStack, d.ignoredDeps...)
	d.ignoredDeps = nil

	roots := make([]string, 0, len(d.frozen.Roots))
	for root := range d.frozen.Roots {
		roots = append(roots, root)
	}
	sort.Strings(roots)
	for _, root := range roots {
		rc := d.frozen.Roots[root]
		atoms := rc.Sets["world"]
		if len(atoms) == 0 {
			continue
		}
		arg := structs.NewSetArg("world", atoms, root)
		arg.Internal = true
		n := d.addArgNode(arg)
		for _, atom := range sortedAtoms(d.Arg(n).Atoms) {
			s := d.selectFromGraph(root, atom)
			if s.pkg == structs.NoPkg {
				continue
			}
			dp := structs.NewDependency(atom, n, s.pkg, structs.DepPriority{}, root, 0)
			d.depStack = append(d.depStack, stackItem{dep: dp})
		}
	}
	d.unsatisfiedDeps = nil
	if !d.createGraph(true) {
		return false
	}
	ok := true
	for _, dp := range d.unsatisfiedDeps {
		if !dp.Parent.IsPackage() {
			continue
		}
		parent := dp.Parent.Pkg()
		if d.pkgs.Get(parent).Installed && !d.tracker.Contains(parent, true) {
			continue
		}
		d.recordUnsatisfied(dp.Root, dp.Atom, dp.Parent)
		ok = false
	}
	return ok
}
