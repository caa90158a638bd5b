// Package dep_check picks one alternative out of every any-of group of a
// reduced dependency tree.
package dep_check

import (
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/ppphp/portago-resolver/pkg/dep"
	"github.com/ppphp/portago-resolver/pkg/emerge/structs"
	"github.com/ppphp/portago-resolver/pkg/versions"
)

// Trees is what ZapDeps needs to know about the package databases and the
// graph being built.
type Trees interface {
	// Available returns the packages the resolver would pick for atom, in
	// ascending order.
	Available(atom *dep.Atom) []*structs.Package
	// Installed returns the installed packages matching atom.
	Installed(atom *dep.Atom) []*structs.Package
	// GraphMatch returns the packages of the graph database (installed
	// packages plus the ones added so far) matching atom. HasGraph is false
	// when there is no graph, as for a plain dependency check.
	GraphMatch(atom *dep.Atom) []*structs.Package
	HasGraph() bool
	// InGraph reports a package that was added to the graph, as opposed to
	// one only known as installed.
	InGraph(p *structs.Package) bool

	UseEnabled(p *structs.Package) map[string]bool
	UseMask(p *structs.Package) map[string]bool
	UseForce(p *structs.Package) map[string]bool

	// WantUpdate reports whether parent would pull in an update of p.
	WantUpdate(parent, p *structs.Package) bool
	// DowngradeProbe reports whether p is a downgrade the user asked for.
	DowngradeProbe(p *structs.Package) bool
	// WillReplaceChild returns the package parent replaces that matches
	// atom, if any.
	WillReplaceChild(parent *structs.Package, atom *dep.Atom) *structs.Package
	// CircularChildren returns the packages backtracking found to form a
	// cycle with parent.
	CircularChildren(parent *structs.Package) []*structs.Package
}

// Options tune a ZapDeps call.
type Options struct {
	Parent *structs.Package
	// MinimizeSlots prefers alternatives that add fewer new slots.
	MinimizeSlots bool
	Log           *logrus.Entry
}

type choice struct {
	atoms             []*dep.Atom
	slotMap           map[string]*structs.Package
	cpMap             map[string]*structs.Package
	allAvailable      bool
	allInstalledSlots bool
	newSlotCount      int
	allInGraph        bool
	wantUpdate        bool
}

type bin int

const (
	preferredInGraph bin = iota
	preferredInstalled
	preferredAnySlot
	preferredNonInstalled
	unsatUseInGraph
	unsatUseInstalled
	unsatUseNonInstalled
	otherInstalled
	otherInstalledSome
	otherInstalledAnySlot
	other
	binCount
)

func isVirtual(cp string) bool { return strings.HasPrefix(cp, "virtual/") }

// ZapDeps returns the atoms to satisfy for nodes: every atom of an all-of
// group, and the preferred alternative of every any-of group. Blockers are
// kept as they are.
func ZapDeps(nodes []dep.DepNode, trees Trees, opts Options) []*dep.Atom {
	var out []*dep.Atom
	for _, n := range nodes {
		out = append(out, zapNode(n, trees, opts)...)
	}
	return out
}

func zapNode(n dep.DepNode, trees Trees, opts Options) []*dep.Atom {
	switch {
	case n.Atom != nil:
		return []*dep.Atom{n.Atom}
	case !n.AnyOf:
		return ZapDeps(n.Children, trees, opts)
	case len(n.Children) == 0:
		return nil
	}
	return zapAnyOf(n.Children, trees, opts)
}

func (c *choice) classify(trees Trees, opts Options) bin {
	allUseSatisfied, allUseUnmasked := true, true
	conflictDowngrade, installedDowngrade := false, false
	parent := opts.Parent

	for _, atom := range c.atoms {
		if atom.Blocker {
			continue
		}
		var replacing *structs.Package
		if parent != nil {
			replacing = trees.WillReplaceChild(parent, atom)
		}
		var avail *structs.Package
		if pkgs := trees.Available(atom.WithoutUse()); len(pkgs) > 0 {
			avail = pkgs[len(pkgs)-1]
		} else if replacing != nil {
			avail = replacing
		}
		if avail == nil {
			c.allAvailable = false
			allUseSatisfied = false
			break
		}
		slotAtom := dep.MustAtom(atom.CP + ":" + avail.Slot)

		if trees.HasGraph() {
			slotMatches := trees.GraphMatch(slotAtom)
			if len(slotMatches) > 1 && avail.Compare(slotMatches[len(slotMatches)-1]) < 0 && !trees.DowngradeProbe(avail) {
				conflictDowngrade = true
			}
		}

		if atom.HasUse() {
			withUse := trees.Available(atom)
			if len(withUse) == 0 {
				allUseSatisfied = false
				enabled := trees.UseEnabled(avail)
				var parentUse func(string) bool
				if parent != nil {
					pu := trees.UseEnabled(parent)
					parentUse = func(f string) bool { return pu[f] }
				}
				wantOn, wantOff := atom.ViolatedUse(avail, func(f string) bool { return enabled[f] }, parentUse)
				mask, force := trees.UseMask(avail), trees.UseForce(avail)
				for _, f := range wantOn {
					if mask[f] {
						allUseUnmasked = false
					}
				}
				for _, f := range wantOff {
					if force[f] && !mask[f] {
						allUseUnmasked = false
					}
				}
			} else {
				avail = withUse[len(withUse)-1]
				slotAtom = dep.MustAtom(atom.CP + ":" + avail.Slot)
			}
		}

		if replacing == nil && trees.HasGraph() {
			if inSlot := trees.Available(slotAtom); len(inSlot) > 0 {
				highest := inSlot[len(inSlot)-1]
				if avail.Compare(highest) < 0 && !trees.DowngradeProbe(avail) &&
					(highest.Installed || trees.InGraph(highest)) {
					installedDowngrade = true
				}
			}
		}

		c.slotMap[slotAtom.String()] = avail
		if cur, ok := c.cpMap[avail.Cp]; !ok || avail.Compare(cur) > 0 {
			c.cpMap[avail.Cp] = avail
		}
	}

	if trees.HasGraph() {
		for s := range c.slotMap {
			a := dep.MustAtom(s)
			if !isVirtual(a.CP) && len(trees.GraphMatch(a)) == 0 {
				c.newSlotCount++
			}
		}
	} else {
		c.newSlotCount = len(c.slotMap)
	}

	if !c.allAvailable {
		return c.classifyUnavailable(trees)
	}

	allInstalled := true
	for _, atom := range c.atoms {
		if atom.Blocker || isVirtual(atom.CP) {
			continue
		}
		if len(trees.Installed(dep.MustAtom(atom.CP))) == 0 {
			allInstalled = false
			break
		}
	}
	if allInstalled {
		c.allInstalledSlots = true
		for s := range c.slotMap {
			a := dep.MustAtom(s)
			if !isVirtual(a.CP) && len(trees.Installed(a)) == 0 {
				c.allInstalledSlots = false
				break
			}
		}
	}
	if parent != nil {
		for s, p := range c.slotMap {
			if trees.InGraph(p) || len(trees.Installed(dep.MustAtom(s))) > 0 {
				continue
			}
			if trees.WantUpdate(parent, p) {
				c.wantUpdate = true
				break
			}
		}
	}

	if !trees.HasGraph() {
		switch {
		case allUseSatisfied && allInstalled && c.allInstalledSlots:
			return preferredInstalled
		case allUseSatisfied && allInstalled:
			return preferredAnySlot
		case allUseSatisfied:
			return preferredNonInstalled
		case !allUseUnmasked:
			return other
		case c.allInstalledSlots:
			return unsatUseInstalled
		}
		return unsatUseNonInstalled
	}
	if conflictDowngrade || installedDowngrade {
		return other
	}

	c.allInGraph = true
	for _, atom := range c.atoms {
		if atom.Blocker || isVirtual(atom.CP) {
			continue
		}
		found := false
		for _, p := range trees.GraphMatch(atom) {
			if trees.InGraph(p) {
				found = true
				break
			}
		}
		if !found {
			c.allInGraph = false
			break
		}
	}

	if c.circular(trees, parent) {
		return other
	}
	switch {
	case allUseSatisfied && c.allInGraph:
		return preferredInGraph
	case allUseSatisfied && allInstalled && c.allInstalledSlots:
		return preferredInstalled
	case allUseSatisfied && allInstalled:
		return preferredAnySlot
	case allUseSatisfied:
		return preferredNonInstalled
	case !allUseUnmasked:
		return other
	case c.allInGraph:
		return unsatUseInGraph
	case c.allInstalledSlots:
		return unsatUseInstalled
	}
	return unsatUseNonInstalled
}

func (c *choice) classifyUnavailable(trees Trees) bin {
	allInstalled, someInstalled := true, false
	for _, atom := range c.atoms {
		if atom.Blocker {
			continue
		}
		if len(trees.Installed(atom)) > 0 {
			someInstalled = true
		} else {
			allInstalled = false
		}
	}
	switch {
	case allInstalled:
		c.allInstalledSlots = true
		return otherInstalled
	case someInstalled:
		return otherInstalledSome
	}
	for _, atom := range c.atoms {
		if !atom.Blocker && len(trees.Installed(dep.MustAtom(atom.CP))) > 0 {
			return otherInstalledAnySlot
		}
	}
	return other
}

// circular reports a choice that would pull the parent back in: a direct
// self dependency of an onlydeps parent, or a package backtracking already
// found in a cycle with the parent.
func (c *choice) circular(trees Trees, parent *structs.Package) bool {
	if parent == nil {
		return false
	}
	if parent.OnlyDeps() {
		for _, atom := range c.atoms {
			if atom.Blocker || atom.CP != parent.Cp || len(trees.Installed(atom)) > 0 {
				continue
			}
			if len(dep.MatchFromList(atom, []string{parent.Cpv()})) > 0 {
				return true
			}
		}
	}
	for _, child := range trees.CircularChildren(parent) {
		for _, atom := range c.atoms {
			if !atom.Blocker && atom.Match(child) {
				return true
			}
		}
	}
	return false
}

func zapAnyOf(children []dep.DepNode, trees Trees, opts Options) []*dep.Atom {
	var bins [binCount][]*choice
	for _, child := range children {
		c := &choice{
			atoms:        zapNode(child, trees, opts),
			slotMap:      map[string]*structs.Package{},
			cpMap:        map[string]*structs.Package{},
			allAvailable: true,
		}
		b := c.classify(trees, opts)
		bins[b] = append(bins[b], c)
	}

	for b := range bins {
		bins[b] = reorder(bins[b], opts.MinimizeSlots)
	}

	if opts.Log != nil {
		opts.Log.WithField("alternatives", dep.ParenEnclose(children)).Debug("zapdeps")
	}
	for _, allowMasked := range []bool{false, true} {
		for _, choices := range bins {
			for _, c := range choices {
				if c.allAvailable || allowMasked {
					return c.atoms
				}
			}
		}
	}
	return nil
}

// reorder promotes, inside one bin, choices that keep installed slots or
// bring upgrades ahead of the ones listed before them.
func reorder(choices []*choice, minimizeSlots bool) []*choice {
	if len(choices) < 2 {
		return choices
	}
	if minimizeSlots {
		sort.SliceStable(choices, func(i, j int) bool {
			return choices[i].newSlotCount < choices[j].newSlotCount
		})
	}
	for _, c1 := range append([]*choice(nil), choices[1:]...) {
		for i, c2 := range choices {
			if c1 == c2 {
				break
			}
			if c1.allInstalledSlots && !c2.allInstalledSlots && !c2.wantUpdate {
				choices = promote(choices, c1, i)
				break
			}
			hasUpgrade, hasDowngrade := false, false
			for cp, p1 := range c1.cpMap {
				p2, ok := c2.cpMap[cp]
				if !ok {
					continue
				}
				switch d, _ := versions.VerCmp(p1.Version, p2.Version); {
				case d > 0:
					hasUpgrade = true
				case d < 0:
					hasDowngrade = true
				}
			}
			if (hasUpgrade && !hasDowngrade) ||
				(c1.allInGraph && !c2.allInGraph && !(hasDowngrade && !hasUpgrade)) {
				choices = promote(choices, c1, i)
				break
			}
		}
	}
	return choices
}

// promote moves c in front of index i.
func promote(choices []*choice, c *choice, i int) []*choice {
	out := make([]*choice, 0, len(choices))
	for _, x := range choices[:i] {
		if x != c {
			out = append(out, x)
		}
	}
	out = append(out, c)
	for _, x := range choices[i:] {
		if x != c {
			out = append(out, x)
		}
	}
	return out
}
