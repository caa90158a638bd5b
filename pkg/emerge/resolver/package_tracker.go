package resolver

import (
	"sort"

	"github.com/ppphp/portago-resolver/pkg/dep"
	"github.com/ppphp/portago-resolver/pkg/emerge/structs"
	"github.com/ppphp/portago-resolver/pkg/versions"
)

// PackageConflict is a set of to-be-merged packages that cannot coexist:
// either they share a slot or they share a cpv.
type PackageConflict struct {
	Description string
	Root        string
	Atom        string
	Pkgs        []structs.PkgHandle
}

func (c PackageConflict) Contains(h structs.PkgHandle) bool {
	for _, p := range c.Pkgs {
		if p == h {
			return true
		}
	}
	return false
}

type cpKey struct {
	root, cp string
}

type matchKey struct {
	atom      string
	installed bool
}

// PackageTracker indexes the packages of the graph by root and cp. Packages
// added with AddPkg cover installed packages of the same slot or cpv; the
// covered packages come back when the covering package is removed.
type PackageTracker struct {
	pkgs  *structs.Packages
	match func(*dep.Atom, structs.PkgHandle) bool

	cpPkgMap      map[cpKey][]structs.PkgHandle
	cpVdbPkgMap   map[cpKey][]structs.PkgHandle
	multiPkgs     []cpKey
	conflictCache []PackageConflict
	conflictsOK   bool
	replacing     map[structs.PkgHandle][]structs.PkgHandle
	replacedBy    map[structs.PkgHandle][]structs.PkgHandle
	matchCache    map[cpKey]map[matchKey][]structs.PkgHandle
}

// NewPackageTracker returns an empty tracker. match decides whether a
// package satisfies an atom; nil matches with the package's own USE.
func NewPackageTracker(pkgs *structs.Packages, match func(*dep.Atom, structs.PkgHandle) bool) *PackageTracker {
	if match == nil {
		match = func(a *dep.Atom, h structs.PkgHandle) bool { return a.Match(pkgs.Get(h)) }
	}
	return &PackageTracker{
		pkgs:        pkgs,
		match:       match,
		cpPkgMap:    map[cpKey][]structs.PkgHandle{},
		cpVdbPkgMap: map[cpKey][]structs.PkgHandle{},
		replacing:   map[structs.PkgHandle][]structs.PkgHandle{},
		replacedBy:  map[structs.PkgHandle][]structs.PkgHandle{},
		matchCache:  map[cpKey]map[matchKey][]structs.PkgHandle{},
	}
}

func (t *PackageTracker) key(h structs.PkgHandle) cpKey {
	p := t.pkgs.Get(h)
	return cpKey{p.Root(), p.Cp}
}

func (t *PackageTracker) covers(pkg, installed structs.PkgHandle) bool {
	p, i := t.pkgs.Get(pkg), t.pkgs.Get(installed)
	return p.SlotAtom() == i.SlotAtom() || p.Cpv() == i.Cpv()
}

func contains(list []structs.PkgHandle, h structs.PkgHandle) bool {
	for _, x := range list {
		if x == h {
			return true
		}
	}
	return false
}

func without(list []structs.PkgHandle, h structs.PkgHandle) []structs.PkgHandle {
	for i, x := range list {
		if x == h {
			return append(list[:i:i], list[i+1:]...)
		}
	}
	return list
}

// AddPkg adds a to-be-merged package.
func (t *PackageTracker) AddPkg(h structs.PkgHandle) {
	k := t.key(h)
	if contains(t.cpPkgMap[k], h) {
		return
	}
	t.cpPkgMap[k] = append(t.cpPkgMap[k], h)
	if n := len(t.cpPkgMap[k]); n > 1 {
		t.conflictsOK = false
		if n == 2 {
			t.multiPkgs = append(t.multiPkgs, k)
		}
	}
	t.replacing[h] = nil
	for _, inst := range t.cpVdbPkgMap[k] {
		if t.covers(h, inst) {
			t.replacing[h] = append(t.replacing[h], inst)
			t.replacedBy[inst] = append(t.replacedBy[inst], h)
		}
	}
	delete(t.matchCache, k)
}

// AddInstalledPkg adds an installed package. It is only matched while no
// added package covers it.
func (t *PackageTracker) AddInstalledPkg(h structs.PkgHandle) {
	k := t.key(h)
	if contains(t.cpVdbPkgMap[k], h) {
		return
	}
	t.cpVdbPkgMap[k] = append(t.cpVdbPkgMap[k], h)
	for _, p := range t.cpPkgMap[k] {
		if t.covers(p, h) {
			t.replacing[p] = append(t.replacing[p], h)
			t.replacedBy[h] = append(t.replacedBy[h], p)
		}
	}
	delete(t.matchCache, k)
}

// RemovePkg removes a to-be-merged package. It returns false when the
// package was not tracked.
func (t *PackageTracker) RemovePkg(h structs.PkgHandle) bool {
	k := t.key(h)
	if !contains(t.cpPkgMap[k], h) {
		return false
	}
	t.cpPkgMap[k] = without(t.cpPkgMap[k], h)
	switch len(t.cpPkgMap[k]) {
	case 0:
		delete(t.cpPkgMap, k)
	case 1:
		var multi []cpKey
		for _, other := range t.multiPkgs {
			if other != k {
				multi = append(multi, other)
			}
		}
		t.multiPkgs = multi
		t.conflictsOK = false
	default:
		t.conflictsOK = false
	}
	for _, inst := range t.replacing[h] {
		t.replacedBy[inst] = without(t.replacedBy[inst], h)
		if len(t.replacedBy[inst]) == 0 {
			delete(t.replacedBy, inst)
		}
	}
	delete(t.replacing, h)
	delete(t.matchCache, k)
	return true
}

// Match returns the packages of root matching atom in ascending version
// order. With installed, uncovered installed packages are included.
func (t *PackageTracker) Match(root string, atom *dep.Atom, installed bool) []structs.PkgHandle {
	k := cpKey{root, atom.CP}
	mk := matchKey{atom.Unevaluated() + "|" + atom.String(), installed}
	if cached, ok := t.matchCache[k][mk]; ok {
		return append([]structs.PkgHandle(nil), cached...)
	}
	candidates := append([]structs.PkgHandle(nil), t.cpPkgMap[k]...)
	if installed {
		for _, inst := range t.cpVdbPkgMap[k] {
			if _, covered := t.replacedBy[inst]; !covered {
				candidates = append(candidates, inst)
			}
		}
	}
	var ret []structs.PkgHandle
	for _, h := range candidates {
		if t.match(atom, h) {
			ret = append(ret, h)
		}
	}
	sort.SliceStable(ret, func(i, j int) bool {
		c, _ := versions.VerCmp(t.pkgs.Get(ret[i]).Version, t.pkgs.Get(ret[j]).Version)
		return c < 0
	})
	if t.matchCache[k] == nil {
		t.matchCache[k] = map[matchKey][]structs.PkgHandle{}
	}
	t.matchCache[k][mk] = ret
	return append([]structs.PkgHandle(nil), ret...)
}

// Conflicts returns the slot and cpv conflicts among to-be-merged packages.
func (t *PackageTracker) Conflicts() []PackageConflict {
	if t.conflictsOK {
		return t.conflictCache
	}
	t.conflictCache = nil
	for _, k := range t.multiPkgs {
		var slotKeys, cpvKeys []string
		slotMap := map[string][]structs.PkgHandle{}
		cpvMap := map[string][]structs.PkgHandle{}
		for _, h := range t.cpPkgMap[k] {
			p := t.pkgs.Get(h)
			if _, ok := slotMap[p.SlotAtom()]; !ok {
				slotKeys = append(slotKeys, p.SlotAtom())
			}
			slotMap[p.SlotAtom()] = append(slotMap[p.SlotAtom()], h)
			if _, ok := cpvMap[p.Cpv()]; !ok {
				cpvKeys = append(cpvKeys, p.Cpv())
			}
			cpvMap[p.Cpv()] = append(cpvMap[p.Cpv()], h)
		}
		for _, s := range slotKeys {
			if len(slotMap[s]) > 1 {
				t.conflictCache = append(t.conflictCache, PackageConflict{
					Description: "slot conflict", Root: k.root, Atom: s, Pkgs: slotMap[s],
				})
			}
		}
		for _, c := range cpvKeys {
			pkgs := cpvMap[c]
			if len(pkgs) < 2 {
				continue
			}
			slots := map[string]bool{}
			for _, h := range pkgs {
				slots[t.pkgs.Get(h).Slot] = true
			}
			if len(slots) > 1 {
				t.conflictCache = append(t.conflictCache, PackageConflict{
					Description: "cpv conflict", Root: k.root, Atom: c, Pkgs: pkgs,
				})
			}
		}
	}
	t.conflictsOK = true
	return t.conflictCache
}

// SlotConflicts returns only the slot conflicts.
func (t *PackageTracker) SlotConflicts() []PackageConflict {
	var out []PackageConflict
	for _, c := range t.Conflicts() {
		if c.Description == "slot conflict" {
			out = append(out, c)
		}
	}
	return out
}

// AllPkgs returns every package of root: the added ones, then the
// uncovered installed ones.
func (t *PackageTracker) AllPkgs(root string) []structs.PkgHandle {
	var out []structs.PkgHandle
	for _, k := range t.sortedKeys(t.cpPkgMap) {
		if k.root == root {
			out = append(out, t.cpPkgMap[k]...)
		}
	}
	for _, k := range t.sortedKeys(t.cpVdbPkgMap) {
		if k.root != root {
			continue
		}
		for _, inst := range t.cpVdbPkgMap[k] {
			if _, covered := t.replacedBy[inst]; !covered {
				out = append(out, inst)
			}
		}
	}
	return out
}

func (t *PackageTracker) sortedKeys(m map[cpKey][]structs.PkgHandle) []cpKey {
	keys := make([]cpKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].root != keys[j].root {
			return keys[i].root < keys[j].root
		}
		return keys[i].cp < keys[j].cp
	})
	return keys
}

// Contains reports a tracked package. With installed, uncovered installed
// packages count too.
func (t *PackageTracker) Contains(h structs.PkgHandle, installed bool) bool {
	k := t.key(h)
	if contains(t.cpPkgMap[k], h) {
		return true
	}
	if installed && contains(t.cpVdbPkgMap[k], h) {
		_, covered := t.replacedBy[h]
		return !covered
	}
	return false
}

// Replacing returns the installed packages covered by h.
func (t *PackageTracker) Replacing(h structs.PkgHandle) []structs.PkgHandle {
	return append([]structs.PkgHandle(nil), t.replacing[h]...)
}

// InvalidateMatches drops cached matches, for when the match function's
// answer changed.
func (t *PackageTracker) InvalidateMatches() {
	t.matchCache = map[cpKey]map[matchKey][]structs.PkgHandle{}
}
