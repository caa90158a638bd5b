// Package structs holds the value model shared by the resolver: package
// keys and the arena that stores packages, dependency priorities, and the
// non-package graph nodes (blockers and arguments).
package structs

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/ppphp/portago-resolver/pkg/dep"
	"github.com/ppphp/portago-resolver/pkg/versions"
)

// TypeName is the origin of a package.
type TypeName string

const (
	Ebuild    TypeName = "ebuild"
	Binary    TypeName = "binary"
	Installed TypeName = "installed"
)

// TypeNames lists the origins in selection preference order.
var TypeNames = []TypeName{Ebuild, Binary, Installed}

// Operation is what the plan does with a package.
type Operation string

const (
	Merge     Operation = "merge"
	NoMerge   Operation = "nomerge"
	Uninstall Operation = "uninstall"
)

const UnknownRepo = "__unknown__"

// MetadataKeys are the keys requested from the databases for every candidate.
var MetadataKeys = []string{
	"BDEPEND", "BUILD_TIME", "COUNTER", "DEPEND", "EAPI", "IUSE", "KEYWORDS",
	"LICENSE", "PDEPEND", "RDEPEND", "REQUIRED_USE", "SLOT", "USE", "repository",
}

// PackageKey identifies a package node. Two packages with equal keys are
// the same node.
type PackageKey struct {
	TypeName  TypeName
	Root      string
	Cpv       string
	Operation Operation
	Repo      string
	OnlyDeps  bool
}

func (k PackageKey) Installed() bool { return k.TypeName == Installed }

func (k PackageKey) String() string {
	s := fmt.Sprintf("%s %s %s %s::%s", k.TypeName, k.Root, k.Cpv, k.Operation, k.Repo)
	if k.OnlyDeps {
		s += " onlydeps"
	}
	return s
}

// Package is a concrete candidate. Packages are created by NewPackage and
// stored once in an Arena; other structures refer to them by PkgHandle.
type Package struct {
	Key     PackageKey
	Cp      string
	Version string
	Slot    string
	SubSlot string
	Eapi    string

	Built     bool
	Installed bool
	Counter   int64
	BuildTime int64

	Metadata map[string]string
	// IUse holds the IUSE flags with their +/- defaults removed.
	IUse        map[string]bool
	IUseDefault map[string]bool
	// Use holds the enabled flags as configured, before autounmask changes.
	Use map[string]bool

	// Invalid lists metadata problems found while loading.
	Invalid []string
}

// NewPackage builds a package from raw metadata. The operation defaults to
// nomerge for installed and onlydeps packages.
func NewPackage(typeName TypeName, root, cpv string, metadata map[string]string, onlyDeps bool) (*Package, error) {
	split := versions.CatPkgSplit(cpv)
	if split[0] == "" || split[0] == "null" {
		return nil, errors.Errorf("invalid cpv '%s'", cpv)
	}
	if metadata == nil {
		metadata = map[string]string{}
	}
	op := Merge
	if typeName == Installed || onlyDeps {
		op = NoMerge
	}
	repo := metadata["repository"]
	if repo == "" {
		repo = UnknownRepo
	}
	p := &Package{
		Key: PackageKey{
			TypeName:  typeName,
			Root:      root,
			Cpv:       cpv,
			Operation: op,
			Repo:      repo,
			OnlyDeps:  onlyDeps,
		},
		Cp:          versions.CpvGetKey(cpv),
		Version:     versions.CpvGetVersion(cpv),
		Eapi:        metadata["EAPI"],
		Built:       typeName != Ebuild,
		Installed:   typeName == Installed,
		Metadata:    metadata,
		IUse:        map[string]bool{},
		IUseDefault: map[string]bool{},
		Use:         map[string]bool{},
	}
	if p.Eapi == "" {
		p.Eapi = "0"
	}
	slot := strings.TrimSpace(metadata["SLOT"])
	if slot == "" {
		p.Invalid = append(p.Invalid, "SLOT: undefined")
		slot = "0"
	}
	p.Slot, p.SubSlot = slot, slot
	if i := strings.Index(slot, "/"); i >= 0 {
		p.Slot, p.SubSlot = slot[:i], slot[i+1:]
	}
	for _, flag := range strings.Fields(metadata["IUSE"]) {
		name := strings.TrimLeft(flag, "+-")
		p.IUse[name] = true
		if strings.HasPrefix(flag, "+") {
			p.IUseDefault[name] = true
		}
	}
	if p.Built {
		for _, flag := range strings.Fields(metadata["USE"]) {
			p.Use[flag] = true
		}
	}
	if c := metadata["COUNTER"]; c != "" {
		n, err := strconv.ParseInt(c, 10, 64)
		if err != nil {
			p.Invalid = append(p.Invalid, "COUNTER: "+c)
		}
		p.Counter = n
	}
	if bt := metadata["BUILD_TIME"]; bt != "" {
		n, err := strconv.ParseInt(bt, 10, 64)
		if err != nil {
			p.Invalid = append(p.Invalid, "BUILD_TIME: "+bt)
		}
		p.BuildTime = n
	}
	return p, nil
}

func (p *Package) Cpv() string          { return p.Key.Cpv }
func (p *Package) Root() string         { return p.Key.Root }
func (p *Package) TypeName() TypeName   { return p.Key.TypeName }
func (p *Package) Operation() Operation { return p.Key.Operation }
func (p *Package) OnlyDeps() bool       { return p.Key.OnlyDeps }
func (p *Package) Repo() string         { return p.Key.Repo }

// SlotAtom is the "cat/pkg:slot" atom naming the slot this package occupies.
func (p *Package) SlotAtom() string { return p.Cp + ":" + p.Slot }

// WithOperation returns a copy that differs only in its operation.
func (p *Package) WithOperation(op Operation) *Package {
	c := *p
	c.Key.Operation = op
	return &c
}

// WithUse returns a copy with the given enabled flags. Only the USE state
// differs, so the copy keeps the key of p.
func (p *Package) WithUse(use map[string]bool) *Package {
	c := *p
	c.Use = use
	return &c
}

// CpvString, SlotInfo, RepoName, UseEnabled and HasIUse make Package a
// dep.Candidate.
func (p *Package) CpvString() string                { return p.Key.Cpv }
func (p *Package) SlotInfo() (slot, subSlot string) { return p.Slot, p.SubSlot }
func (p *Package) RepoName() string                 { return p.Key.Repo }
func (p *Package) UseEnabled(flag string) bool      { return p.Use[flag] }
func (p *Package) HasIUse(flag string) bool         { return p.IUse[flag] }
func (p *Package) Matches(a *dep.Atom) bool         { return a.Match(p) }
func (p *Package) SameSlot(o *Package) bool {
	return p.Root() == o.Root() && p.SlotAtom() == o.SlotAtom()
}
func (p *Package) DepString(key string) string { return p.Metadata[key] }

// UseList returns the enabled flags, sorted.
func (p *Package) UseList() []string {
	out := make([]string, 0, len(p.Use))
	for f, on := range p.Use {
		if on {
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out
}

// Compare orders packages of the same cp by version, then by build time
// when both are built. Different cps compare by name.
func (p *Package) Compare(o *Package) int {
	if p.Cp != o.Cp {
		return strings.Compare(p.Cp, o.Cp)
	}
	r, err := versions.VerCmp(p.Version, o.Version)
	if err != nil || r != 0 {
		return r
	}
	if p.Built && o.Built {
		switch {
		case p.BuildTime < o.BuildTime:
			return -1
		case p.BuildTime > o.BuildTime:
			return 1
		}
	}
	return 0
}

func (p *Package) String() string {
	s := fmt.Sprintf("(%s:%s/%s::%s, %s", p.Key.Cpv, p.Slot, p.SubSlot, p.Key.Repo, p.Key.TypeName)
	if p.Installed {
		if p.Key.Root != "/" {
			s += fmt.Sprintf(" in '%s'", p.Key.Root)
		}
		if p.Key.Operation == Uninstall {
			s += " scheduled for uninstall"
		}
	} else if p.Key.Operation == Merge {
		s += " scheduled for merge"
		if p.Key.Root != "/" {
			s += fmt.Sprintf(" to '%s'", p.Key.Root)
		}
	}
	return s + ")"
}
