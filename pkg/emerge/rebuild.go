package emerge

import (
	"sort"

	"github.com/ppphp/portago-resolver/pkg/dep"
	"github.com/ppphp/portago-resolver/pkg/emerge/structs"
)

// rebuildKey names a slot that has to be rebuilt from source.
func rebuildKey(p *structs.Package) structs.PackageKey {
	return structs.PackageKey{Root: p.Root(), Cpv: p.SlotAtom()}
}

// relaxBuiltSlotOps drops the recorded sub-slot from the ":=" atoms of a
// built package so that a child with a new sub-slot can be pulled in. The
// original atoms are kept for triggerRebuilds.
func (d *Depgraph) relaxBuiltSlotOps(h structs.PkgHandle, nodes []dep.DepNode) []dep.DepNode {
	out := make([]dep.DepNode, len(nodes))
	for i, n := range nodes {
		out[i] = n
		if n.Atom != nil {
			if !n.Atom.Blocker && n.Atom.SlotOperatorBuilt() && n.Atom.SubSlot != "" {
				d.slotOperatorDeps[h] = append(d.slotOperatorDeps[h], n.Atom)
				out[i].Atom = n.Atom.WithSlot(n.Atom.Slot)
			}
			continue
		}
		out[i].Children = d.relaxBuiltSlotOps(h, n.Children)
	}
	return out
}

// triggerRebuilds schedules a rebuild of every built package whose ":="
// dependency is replaced by a package with a different sub-slot. It
// reports whether the attempt has to be restarted.
func (d *Depgraph) triggerRebuilds() bool {
	if d.params.IgnoreBuiltSlotOperatorDeps || !d.allowBacktracking {
		return false
	}
	parents := make([]structs.PkgHandle, 0, len(d.slotOperatorDeps))
	for h := range d.slotOperatorDeps {
		parents = append(parents, h)
	}
	sort.Slice(parents, func(i, j int) bool { return parents[i] < parents[j] })
	triggered := false
	for _, h := range parents {
		p := d.pkgs.Get(h)
		key := rebuildKey(p)
		if d.needed.ReinstallList[key] || !d.digraph.Contains(structs.PkgNode(h)) {
			continue
		}
		for _, atom := range d.slotOperatorDeps[h] {
			child, ok := d.slotPkgMap[slotKey{p.Root(), atom.CP + ":" + atom.Slot}]
			if !ok {
				continue
			}
			cp := d.pkgs.Get(child)
			if cp.Operation() != structs.Merge || cp.SubSlot == atom.SubSlot {
				continue
			}
			if !d.rebuildAvailable(p) {
				continue
			}
			d.log.WithField("pkg", p.String()).Debugf("rebuild triggered by %s", cp.String())
			d.backtrackInfos.Config.ReinstallList[key] = true
			triggered = true
			break
		}
	}
	if triggered {
		d.needRestart = true
	}
	return triggered
}

// rebuildAvailable reports a visible ebuild in the slot of p.
func (d *Depgraph) rebuildAvailable(p *structs.Package) bool {
	atom, err := dep.NewAtom(p.SlotAtom(), false)
	if err != nil {
		return false
	}
	for _, h := range d.matchPkgs(p.Root(), structs.Ebuild, atom, false, true) {
		if d.visible(h, nil) {
			return true
		}
	}
	return false
}

// reinstallArgs turns the slots to rebuild into internal arguments.
func (d *Depgraph) reinstallArgs(root string) []*structs.DependencyArg {
	var keys []string
	for k := range d.needed.ReinstallList {
		if k.Root == root {
			keys = append(keys, k.Cpv)
		}
	}
	sort.Strings(keys)
	var out []*structs.DependencyArg
	for _, k := range keys {
		atom, err := dep.NewAtom(k, false)
		if err != nil {
			continue
		}
		arg := structs.NewAtomArg(k, atom, root)
		arg.Internal = true
		arg.Force = true
		out = append(out, arg)
	}
	return out
}
