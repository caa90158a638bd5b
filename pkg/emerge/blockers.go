package emerge

import (
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/ppphp/portago-resolver/pkg/cache"
	"github.com/ppphp/portago-resolver/pkg/dep"
	"github.com/ppphp/portago-resolver/pkg/emerge/structs"
)

// Blocker edges normally let the blocking package be merged before the
// blocked one is removed. hardBlockerPriority is used for "!!" blockers,
// whose uninstall has to come first.
var hardBlockerPriority = structs.DepPriority{Kind: structs.BlockerKind, Buildtime: true}

func ignoreSoftBlocker(p structs.DepPriority) bool {
	return p.Kind == structs.BlockerKind && !p.Buildtime
}

// installedBlockers returns the blocker atoms of an installed package,
// from the blocker cache when its COUNTER still matches.
func (d *Depgraph) installedBlockers(h structs.PkgHandle) []*dep.Atom {
	p := d.pkgs.Get(h)
	bc := d.frozen.BlockerCache
	var strs []string
	cached := false
	if bc != nil && p.Root() == d.frozen.TargetRoot {
		if data, ok := bc.Get(p.Cpv()); ok && data.Counter == p.Counter {
			strs, cached = data.Atoms, true
		}
	}
	if !cached {
		strs = d.computeBlockers(p)
		if bc != nil && p.Root() == d.frozen.TargetRoot {
			if err := bc.Set(p.Cpv(), cache.BlockerData{Counter: p.Counter, Atoms: strs}); err != nil {
				d.log.WithError(err).WithField("pkg", p.Cpv()).Warn("blocker cache")
			}
		}
	}
	out := make([]*dep.Atom, 0, len(strs))
	for _, s := range strs {
		a, err := dep.NewAtom(s, true)
		if err != nil {
			d.log.WithError(err).WithField("pkg", p.Cpv()).Debug("bad cached blocker")
			continue
		}
		out = append(out, a)
	}
	return out
}

// computeBlockers reduces the dependency strings of an installed package
// with the USE it was built with and keeps the blockers.
func (d *Depgraph) computeBlockers(p *structs.Package) []string {
	seen := map[string]bool{}
	var out []string
	for _, k := range []string{"DEPEND", "RDEPEND", "PDEPEND"} {
		nodes, err := dep.UseReduce(p.Metadata[k], dep.UseReduceOptions{
			Uselist:       flagSet(p.Use),
			EvaluateAtoms: true,
		})
		if err != nil {
			d.log.WithError(err).WithField("pkg", p.Cpv()).Debug("invalid dependency string of installed package")
			continue
		}
		for _, a := range dep.Flatten(nodes) {
			if a.Blocker && !seen[a.String()] {
				seen[a.String()] = true
				out = append(out, a.String())
			}
		}
	}
	sort.Strings(out)
	return out
}

// blocked returns the packages of the two views blocked by b. The initial
// view is what is installed now, the final one what will be installed
// after the merge.
func (d *Depgraph) blocked(b *structs.Blocker) (initial, final []structs.PkgHandle) {
	atom := b.Atom.WithoutBlocker()
	for _, h := range d.installedMatch(b.Root, atom.WithoutUse()) {
		if atom.MatchWithUse(d.pkgs.Get(h), flagSet(d.pkgs.Get(h).Use)) {
			initial = append(initial, h)
		}
	}
	final = d.tracker.Match(b.Root, atom, true)
	return initial, final
}

type orderPair struct {
	inst structs.PkgHandle
	task structs.PkgHandle
}

// validateBlockers decides, for every blocker, whether it is irrelevant,
// solvable by uninstalling the blocked package, or unsolvable.
func (d *Depgraph) validateBlockers() bool {
	opts := d.frozen.Opts
	if opts.Has("--buildpkgonly") || opts.Has("--nodeps") {
		return true
	}
	roots := make([]string, 0, len(d.installed))
	for root := range d.installed {
		roots = append(roots, root)
	}
	sort.Strings(roots)
	for _, root := range roots {
		for _, h := range d.installed[root] {
			if !d.tracker.Contains(h, true) {
				continue
			}
			p := d.pkgs.Get(h)
			for _, a := range d.installedBlockers(h) {
				n := d.addBlockerNode(&structs.Blocker{Atom: a, Eapi: p.Eapi, Priority: structs.DepPriority{Runtime: true}, Root: root})
				d.blockerParents.Add(n, structs.PkgNode(h), structs.DepPriority{Runtime: true})
			}
		}
	}
	if bc := d.frozen.BlockerCache; bc != nil && bc.Modified() > 0 {
		if err := bc.Flush(); err != nil {
			d.log.WithError(err).Warn("blocker cache flush")
		}
	}

	for _, bn := range d.blockerParents.AllNodes() {
		if !bn.IsBlocker() {
			continue
		}
		b := d.blocker(bn)
		initial, final := d.blocked(b)
		if len(initial) == 0 && len(final) == 0 {
			parents := d.blockerParents.ParentNodes(bn, nil)
			d.blockerParents.Remove(bn)
			for _, pn := range parents {
				d.irrelevantBlockers.Add(bn, pn, structs.BlockerPriority)
				if len(d.blockerParents.ChildNodes(pn, nil)) == 0 {
					d.blockerParents.Remove(pn)
				}
			}
			continue
		}
		for _, pn := range d.blockerParents.ParentNodes(bn, nil) {
			d.validateBlocker(bn, b, pn.Pkg(), initial, final)
		}
	}
	d.unsatisfiedBlockers = d.unsatisfiedBlockers[:0]
	for _, n := range d.unsolvableBlockers.AllNodes() {
		if n.IsBlocker() {
			d.unsatisfiedBlockers = append(d.unsatisfiedBlockers, n)
		}
	}
	if len(d.unsatisfiedBlockers) > 0 && !d.acceptBlockerConflicts() {
		d.log.WithField("count", len(d.unsatisfiedBlockers)).Debug("unsolvable blockers")
		return false
	}
	return true
}

func (d *Depgraph) validateBlocker(bn structs.Node, b *structs.Blocker, ph structs.PkgHandle, initial, final []structs.PkgHandle) {
	parent := d.pkgs.Get(ph)
	unresolved := false
	var order []orderPair
	for _, h := range initial {
		p := d.pkgs.Get(h)
		if p.SlotAtom() == parent.SlotAtom() && !b.Atom.Overlap {
			continue
		}
		if parent.Installed {
			continue
		}
		d.blockedPkgs.Add(bn, structs.PkgNode(h), structs.BlockerPriority)
		if parent.Operation() == structs.Merge {
			order = append(order, orderPair{h, ph})
			continue
		}
		unresolved = true
	}
	for _, h := range final {
		p := d.pkgs.Get(h)
		if p.SlotAtom() == parent.SlotAtom() && !b.Atom.Overlap {
			continue
		}
		if parent.Operation() == structs.NoMerge && p.Operation() == structs.NoMerge {
			continue
		}
		d.blockedPkgs.Add(bn, structs.PkgNode(h), structs.BlockerPriority)
		switch {
		case parent.Operation() == structs.Merge && p.Installed:
			order = append(order, orderPair{h, ph})
			continue
		case parent.Operation() == structs.NoMerge:
			order = append(order, orderPair{ph, h})
			continue
		}
		unresolved = true
	}
	if !unresolved {
		for _, o := range order {
			n := structs.PkgNode(o.inst)
			if d.digraph.Contains(n) && len(d.digraph.ParentNodes(n, nil)) > 0 {
				unresolved = true
				break
			}
		}
	}
	switch {
	case unresolved:
		d.unsolvableBlockers.Add(bn, structs.PkgNode(ph), structs.BlockerPriority)
	case len(order) > 0:
		prio := structs.BlockerPriority
		if b.Atom.Overlap {
			prio = hardBlockerPriority
		}
		for _, o := range order {
			uninst := d.uninstallNode(o.inst)
			d.digraph.Add(structs.PkgNode(uninst), structs.PkgNode(o.task), prio)
			d.blockerUninstalls.Add(bn, structs.PkgNode(uninst), structs.BlockerPriority)
			if d.debug() {
				d.log.WithFields(logrus.Fields{
					"uninstall": d.pkgs.Get(o.inst).String(), "task": d.pkgs.Get(o.task).String(),
				}).Debug("blocker resolved by uninstall")
			}
		}
		b.Satisfied = true
	default:
		d.irrelevantBlockers.Add(bn, structs.PkgNode(ph), structs.BlockerPriority)
		_ = d.blockerParents.RemoveEdge(bn, structs.PkgNode(ph))
		if len(d.blockerParents.ParentNodes(bn, nil)) == 0 {
			d.blockerParents.Remove(bn)
		}
		if len(d.blockerParents.ChildNodes(structs.PkgNode(ph), nil)) == 0 {
			d.blockerParents.Remove(structs.PkgNode(ph))
		}
	}
}

// blockerProblems lists the packages caught in unsolvable blockers.
func (d *Depgraph) blockerProblems() []blockerProblem {
	var out []blockerProblem
	for _, bn := range d.unsatisfiedBlockers {
		b := d.blocker(bn)
		for _, pn := range d.unsolvableBlockers.ParentNodes(bn, nil) {
			for _, blockedNode := range d.blockedPkgs.ParentNodes(bn, nil) {
				out = append(out, blockerProblem{blocked: blockedNode.Pkg(), by: pn.Pkg(), atom: b.Atom})
			}
		}
	}
	return out
}

type blockerProblem struct {
	blocked structs.PkgHandle
	by      structs.PkgHandle
	atom    *dep.Atom
}
