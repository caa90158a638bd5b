package structs

import (
	"fmt"
	"strings"

	"github.com/ppphp/portago-resolver/pkg/dep"
)

// NodeKind tells which arena a Node refers to.
type NodeKind uint8

const (
	PackageNode NodeKind = iota
	BlockerNode
	ArgNode
)

// Node is a vertex of the dependency graph: a handle into one of the
// session arenas.
type Node struct {
	Kind NodeKind
	ID   int32
}

func PkgNode(h PkgHandle) Node { return Node{Kind: PackageNode, ID: int32(h)} }

func (n Node) IsPackage() bool { return n.Kind == PackageNode }
func (n Node) IsBlocker() bool { return n.Kind == BlockerNode }
func (n Node) IsArg() bool     { return n.Kind == ArgNode }
func (n Node) Pkg() PkgHandle  { return PkgHandle(n.ID) }

func (n Node) String() string {
	return fmt.Sprintf("%s#%d", [...]string{"pkg", "blocker", "arg"}[n.Kind], n.ID)
}

// BlockerKey identifies a blocker node.
type BlockerKey struct {
	Root string
	Atom string
	Eapi string
}

// Blocker is a negative constraint coming from a parent package.
type Blocker struct {
	Atom     *dep.Atom
	Eapi     string
	Priority DepPriority
	Root     string
	// Satisfied is set once the blocked packages are scheduled for removal.
	Satisfied bool
}

func (b *Blocker) Key() BlockerKey {
	return BlockerKey{Root: b.Root, Atom: b.Atom.String(), Eapi: b.Eapi}
}

func (b *Blocker) String() string {
	return fmt.Sprintf("(%s, blocker, %s)", b.Atom, b.Root)
}

// ArgKind is the flavour of a command line argument.
type ArgKind uint8

const (
	AtomArg ArgKind = iota
	PackageArg
	SetArg
)

// SetPrefix starts a set argument, as in "@world".
const SetPrefix = "@"

// ArgKey identifies an argument node.
type ArgKey struct {
	Kind ArgKind
	Root string
	Arg  string
}

// DependencyArg is a requested atom, package or set.
type DependencyArg struct {
	Kind  ArgKind
	Arg   string
	Root  string
	Atoms []*dep.Atom
	// Package is set for PackageArg.
	Package PkgHandle
	// Force makes the argument count even when it is satisfied.
	Force bool
	// Internal arguments are added by the resolver itself, not the user.
	Internal bool
	// Reset asks for the package to be reinstalled even if nothing changed.
	Reset bool
}

func NewAtomArg(arg string, atom *dep.Atom, root string) *DependencyArg {
	return &DependencyArg{Kind: AtomArg, Arg: arg, Root: root, Atoms: []*dep.Atom{atom}, Package: NoPkg}
}

func NewPackageArg(p *Package, h PkgHandle) *DependencyArg {
	atom := dep.MustAtom("=" + p.Cpv())
	return &DependencyArg{Kind: PackageArg, Arg: p.Cpv(), Root: p.Root(), Atoms: []*dep.Atom{atom}, Package: h}
}

func NewSetArg(name string, atoms []*dep.Atom, root string) *DependencyArg {
	return &DependencyArg{Kind: SetArg, Arg: SetPrefix + name, Root: root, Atoms: atoms, Package: NoPkg}
}

func (a *DependencyArg) Key() ArgKey { return ArgKey{Kind: a.Kind, Root: a.Root, Arg: a.Arg} }

// SetName is the name of a set argument without its prefix.
func (a *DependencyArg) SetName() string { return strings.TrimPrefix(a.Arg, SetPrefix) }

func (a *DependencyArg) String() string { return a.Arg }

// Dependency is an edge request from Parent to a package matching Atom.
type Dependency struct {
	Atom     *dep.Atom
	Blocker  bool
	Parent   Node
	Child    PkgHandle
	Depth    int
	OnlyDeps bool
	Priority DepPriority
	Root     string
	// CollapsedParent and CollapsedPriority replace a virtual parent with
	// its own parent when the virtual is skipped during display.
	CollapsedParent   Node
	CollapsedPriority DepPriority
}

// NewDependency fills the collapsed fields from the parent and priority.
func NewDependency(atom *dep.Atom, parent Node, child PkgHandle, priority DepPriority, root string, depth int) *Dependency {
	return &Dependency{
		Atom:              atom,
		Blocker:           atom != nil && atom.Blocker,
		Parent:            parent,
		Child:             child,
		Depth:             depth,
		Priority:          priority,
		Root:              root,
		CollapsedParent:   parent,
		CollapsedPriority: priority,
	}
}
