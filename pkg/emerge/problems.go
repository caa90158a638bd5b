package emerge

import (
	"fmt"
	"io"
	"sort"

	"github.com/ppphp/portago-resolver/pkg/emerge/resolver"
	"github.com/ppphp/portago-resolver/pkg/emerge/structs"
	"github.com/ppphp/portago-resolver/pkg/output"
)

// previousInstance is the installed package a merge is displayed against:
// the same cpv, else the same slot, else the highest installed version.
func (d *Depgraph) previousInstance(p *structs.Package) *structs.Package {
	var sameSlot, highest *structs.Package
	for _, h := range d.installed[p.Root()] {
		ip := d.pkgs.Get(h)
		if ip.Cp != p.Cp {
			continue
		}
		if ip.Cpv() == p.Cpv() {
			return ip
		}
		if ip.Slot == p.Slot {
			sameSlot = ip
		}
		if highest == nil || ip.Compare(highest) > 0 {
			highest = ip
		}
	}
	if sameSlot != nil {
		return sameSlot
	}
	return highest
}

// MergeListEntries turns the merge list into display entries. Blockers come
// first.
func (d *Depgraph) MergeListEntries() []resolver.MergeListEntry {
	var out []resolver.MergeListEntry
	seen := map[structs.Node]bool{}
	for _, bn := range append(d.blockerUninstalls.AllNodes(), d.unsatisfiedBlockers...) {
		if !bn.IsBlocker() || seen[bn] {
			continue
		}
		seen[bn] = true
		var parents []string
		for _, pn := range d.blockerParents.ParentNodes(bn, nil) {
			parents = append(parents, d.pkgs.Get(pn.Pkg()).Cpv())
		}
		for _, pn := range d.unsolvableBlockers.ParentNodes(bn, nil) {
			parents = append(parents, d.pkgs.Get(pn.Pkg()).Cpv())
		}
		out = append(out, resolver.MergeListEntry{Blocker: d.blocker(bn), BlockerParents: dedupStrings(parents)})
	}
	for _, t := range d.Altlist(false) {
		e := resolver.MergeListEntry{Pkg: t.Pkg}
		if t.Pkg.Operation() == structs.Merge {
			e.Previous = d.previousInstance(t.Pkg)
			e.Use = d.PkgUseEnabled(t.Handle)
			e.ForceReinstall = d.needed.ReinstallList[rebuildKey(t.Pkg)]
		}
		out = append(out, e)
	}
	return out
}

func dedupStrings(in []string) []string {
	sort.Strings(in)
	out := in[:0]
	for i, s := range in {
		if i == 0 || s != in[i-1] {
			out = append(out, s)
		}
	}
	return out
}

// DisplayMergeList writes the merge list and returns its counters.
func (d *Depgraph) DisplayMergeList(w io.Writer) resolver.PackageCounters {
	return resolver.DisplayMergeList(w, d.MergeListEntries(), resolver.DisplayOptions{
		Verbose:  d.frozen.Opts.Has("--verbose"),
		Quiet:    d.frozen.Opts.Has("--quiet"),
		Colorize: output.New(d.frozen.Opts.Get("--color") == "y").Colorize,
	})
}

func (d *Depgraph) parentDescription(n structs.Node) (string, string) {
	switch {
	case n.IsArg():
		if n == noParent {
			return "", ""
		}
		return d.Arg(n).Arg, "argument"
	case n.IsPackage():
		p := d.pkgs.Get(n.Pkg())
		return p.Cpv(), string(p.TypeName())
	}
	return "", ""
}

// problemCount is the number of unresolved items of the attempt: slot
// conflicts, unsatisfied dependencies, blocker conflicts and an unbreakable
// cycle.
func (d *Depgraph) problemCount() int {
	n := len(d.tracker.SlotConflicts()) + len(d.unsatisfied) + len(d.blockerProblems())
	if d.circular != nil {
		n++
	}
	return n
}

// Problems collects the diagnostics of the attempt.
func (d *Depgraph) Problems() *resolver.Problems {
	p := &resolver.Problems{
		SlotConflict:  d.SlotConflictHandler(),
		Circular:      d.circular,
		MissedUpdates: d.missedUpdates(),
		Arch:          d.settings(d.frozen.TargetRoot).Settings.Arch,
	}
	seen := map[string]bool{}
	for _, u := range d.unsatisfied {
		parent, ptype := d.parentDescription(u.parent)
		k := u.root + "|" + u.atom.String() + "|" + parent
		if seen[k] {
			continue
		}
		seen[k] = true
		masked, missingUse := d.maskedCandidates(u.root, u.atom)
		p.Unsatisfied = append(p.Unsatisfied, resolver.UnsatisfiedDep{
			Atom: u.atom, Root: u.root, Parent: parent, ParentType: ptype,
			Masked: masked, MissingUse: missingUse,
		})
	}
	byBlocked := map[structs.PkgHandle]*resolver.BlockerProblem{}
	var order []structs.PkgHandle
	for _, bp := range d.blockerProblems() {
		e, ok := byBlocked[bp.blocked]
		if !ok {
			e = &resolver.BlockerProblem{Pkg: d.pkgs.Get(bp.blocked)}
			byBlocked[bp.blocked] = e
			order = append(order, bp.blocked)
		}
		e.BlockedBy = append(e.BlockedBy, resolver.GraphBlocker{Pkg: d.pkgs.Get(bp.by), Atom: bp.atom})
	}
	for _, h := range order {
		p.Blockers = append(p.Blockers, *byBlocked[h])
	}
	if d.NeedConfigChange() {
		p.Changes = d.ConfigChanges()
	}
	for _, r := range d.requiredUse {
		pkg := d.pkgs.Get(r.pkg)
		parent, _ := d.parentDescription(r.parent)
		msg := fmt.Sprintf("!!! The ebuild selected to satisfy \"%s\" has unmet requirements.\n- %s REQUIRED_USE=\"%s\"",
			r.atom, pkg.Cpv(), pkg.Metadata["REQUIRED_USE"])
		if parent != "" {
			msg += fmt.Sprintf("\n(dependency required by \"%s\")", parent)
		}
		p.Messages = append(p.Messages, msg)
	}
	p.Messages = append(p.Messages, d.messages...)
	return p
}

// DisplayProblems writes the diagnostics of the attempt.
func (d *Depgraph) DisplayProblems(w io.Writer) {
	resolver.DisplayProblems(w, d.Problems())
}
