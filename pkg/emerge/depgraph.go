package emerge

import (
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ppphp/portago-resolver/pkg/dep"
	"github.com/ppphp/portago-resolver/pkg/ebuild/config"
	"github.com/ppphp/portago-resolver/pkg/emerge/resolver"
	"github.com/ppphp/portago-resolver/pkg/emerge/structs"
	"github.com/ppphp/portago-resolver/pkg/util/digraph"
)

type slotKey struct {
	root, slotAtom string
}

type parentAtomKey struct {
	parent structs.Node
	atom   string
}

// argAtom is one atom of a (set expanded) argument.
type argAtom struct {
	arg  structs.Node
	atom *dep.Atom
}

// stackItem is either a package whose dependencies are pending or a
// dependency waiting for a package.
type stackItem struct {
	pkg structs.PkgHandle
	dep *structs.Dependency
}

type disjunction struct {
	parent   structs.PkgHandle
	root     string
	priority structs.DepPriority
	nodes    []dep.DepNode
}

type selectMode int

const (
	selectHighest selectMode = iota
	selectFromGraph
)

type highestKey struct {
	root       string
	atom       string
	onlyDeps   bool
	autounmask bool
}

type selection struct {
	pkg, existing structs.PkgHandle
}

type unsatisfiedDep struct {
	root   string
	atom   *dep.Atom
	parent structs.Node
}

type requiredUseProblem struct {
	pkg    structs.PkgHandle
	atom   *dep.Atom
	parent structs.Node
}

// Depgraph is one resolution attempt. It owns every mutable map of the
// attempt; packages live in the arena of the FrozenConfig and are referred to
// by handle.
type Depgraph struct {
	ID     uuid.UUID
	log    *logrus.Entry
	frozen *FrozenConfig
	params DepgraphParams
	bp     *resolver.BacktrackParameter
	pkgs   *structs.Packages

	allowBacktracking bool

	digraph  *resolver.MergeGraph
	blockers *structs.Arena[structs.BlockerKey, *structs.Blocker]
	args     *structs.Arena[structs.ArgKey, *structs.DependencyArg]
	tracker  *resolver.PackageTracker

	slotPkgMap     map[slotKey]structs.PkgHandle
	parentAtoms    map[structs.PkgHandle][]resolver.GraphParentAtom
	parentAtomSeen map[structs.PkgHandle]map[parentAtomKey]bool
	depth          map[structs.PkgHandle]int
	installed      map[string][]structs.PkgHandle

	depStack             []stackItem
	disjunctiveStack     []disjunction
	ignoredDeps          []stackItem
	unsatisfiedDeps      []*structs.Dependency
	initiallyUnsatisfied []*structs.Dependency
	unsatisfied          []unsatisfiedDep
	requiredUse          []requiredUseProblem
	traversedPkgDeps     map[structs.PkgHandle]bool
	maskedInstalled      map[structs.PkgHandle]bool
	slotCollisionNodes   map[structs.PkgHandle]bool
	reinstallNodes       map[structs.PkgHandle][]string
	slotOperatorDeps     map[structs.PkgHandle][]*dep.Atom
	messages             []string

	// Blocker bookkeeping, all with blockers as children of packages.
	blockerParents      *resolver.MergeGraph
	irrelevantBlockers  *resolver.MergeGraph
	blockerUninstalls   *resolver.MergeGraph
	unsolvableBlockers  *resolver.MergeGraph
	blockedPkgs         *resolver.MergeGraph
	unsatisfiedBlockers []structs.Node

	// needed holds the approved configuration: the parameter's plus what
	// this attempt committed.
	needed *resolver.ConfigChanges
	delta  *ConfigDelta

	needRestart              bool
	skipRestart              bool
	successWithoutAutounmask bool
	backtrackInfos           *resolver.BacktrackInfos

	highestPkgCache map[highestKey]selection
	autounmaskOff   bool
	mode            selectMode
	completeMode    bool

	initialArgs []structs.Node
	argAtoms    []argAtom
	setNodes    map[string]bool
	missingArgs []*structs.DependencyArg
	favorites   []string

	slotConflictsSeen   map[string]bool
	slotConflictHandler *resolver.SlotConflictHandler
	droppedUpdates      []resolver.MissedUpdate
	circular            *resolver.CircularDependencyHandler
	serialized          []Task
	serializedOK        bool
	schedulerGraph      *resolver.MergeGraph
	failed              bool
}

// NewDepgraph starts an attempt under the constraints of bp. A nil bp is
// the unconstrained first attempt.
func NewDepgraph(frozen *FrozenConfig, params DepgraphParams, bp *resolver.BacktrackParameter, allowBacktracking bool) *Depgraph {
	if bp == nil {
		bp = resolver.NewBacktrackParameter()
	}
	id := uuid.New()
	newGraph := func() *resolver.MergeGraph {
		return digraph.New[structs.Node, structs.DepPriority](structs.PriorityLess)
	}
	d := &Depgraph{
		ID:                 id,
		log:                frozen.Log.WithField("session", id.String()),
		frozen:             frozen,
		params:             params,
		bp:                 bp,
		pkgs:               frozen.Packages(),
		allowBacktracking:  allowBacktracking,
		digraph:            newGraph(),
		blockers:           structs.NewArena[structs.BlockerKey, *structs.Blocker](),
		args:               structs.NewArena[structs.ArgKey, *structs.DependencyArg](),
		slotPkgMap:         map[slotKey]structs.PkgHandle{},
		parentAtoms:        map[structs.PkgHandle][]resolver.GraphParentAtom{},
		parentAtomSeen:     map[structs.PkgHandle]map[parentAtomKey]bool{},
		depth:              map[structs.PkgHandle]int{},
		installed:          map[string][]structs.PkgHandle{},
		traversedPkgDeps:   map[structs.PkgHandle]bool{},
		maskedInstalled:    map[structs.PkgHandle]bool{},
		slotCollisionNodes: map[structs.PkgHandle]bool{},
		reinstallNodes:     map[structs.PkgHandle][]string{},
		slotOperatorDeps:   map[structs.PkgHandle][]*dep.Atom{},
		blockerParents:     newGraph(),
		irrelevantBlockers: newGraph(),
		blockerUninstalls:  newGraph(),
		unsolvableBlockers: newGraph(),
		blockedPkgs:        newGraph(),
		needed:             configChangesFrom(bp),
		backtrackInfos:     &resolver.BacktrackInfos{Config: newConfigChanges()},
		highestPkgCache:    map[highestKey]selection{},
		setNodes:           map[string]bool{},
		slotConflictsSeen:  map[string]bool{},
	}
	d.tracker = resolver.NewPackageTracker(d.pkgs, func(a *dep.Atom, h structs.PkgHandle) bool {
		return a.MatchWithUse(d.pkgs.Get(h), flagSet(d.PkgUseEnabled(h)))
	})
	return d
}

// WithAttempt tags the log entry with the attempt number.
func (d *Depgraph) WithAttempt(n int) *Depgraph {
	d.log = d.log.WithField("attempt", n)
	return d
}

func flagSet(m map[string]bool) func(string) bool {
	return func(f string) bool { return m[f] }
}

func newConfigChanges() *resolver.ConfigChanges {
	return &resolver.ConfigChanges{
		NeededUnstableKeywords: map[structs.PackageKey]bool{},
		NeededPMaskChanges:     map[structs.PackageKey]bool{},
		NeededUseConfigChanges: map[structs.PackageKey]resolver.UseChange{},
		NeededLicenseChanges:   map[structs.PackageKey]map[string]bool{},
		CircularDependency:     map[structs.PackageKey]map[structs.PackageKey]bool{},
		RebuildList:            map[structs.PackageKey]bool{},
		ReinstallList:          map[structs.PackageKey]bool{},
	}
}

func configChangesFrom(bp *resolver.BacktrackParameter) *resolver.ConfigChanges {
	c := newConfigChanges()
	p := bp.Clone()
	for k := range p.NeededUnstableKeywords {
		c.NeededUnstableKeywords[k] = true
	}
	for k := range p.NeededPMaskChanges {
		c.NeededPMaskChanges[k] = true
	}
	for k, v := range p.NeededUseConfigChanges {
		c.NeededUseConfigChanges[k] = v
	}
	for k, v := range p.NeededLicenseChanges {
		c.NeededLicenseChanges[k] = v
	}
	for k, v := range p.CircularDependency {
		c.CircularDependency[k] = v
	}
	for k := range p.RebuildList {
		c.RebuildList[k] = true
	}
	for k := range p.ReinstallList {
		c.ReinstallList[k] = true
	}
	return c
}

// configKey is the key configuration changes are recorded under: the
// merge instance of the package, whatever its operation in the graph.
func configKey(p *structs.Package) structs.PackageKey {
	k := p.Key
	if !p.Installed {
		k.Operation = structs.Merge
	}
	k.OnlyDeps = false
	return k
}

func (d *Depgraph) settings(root string) *config.Config {
	return d.frozen.Roots[root].Settings
}

func (d *Depgraph) debug() bool { return d.frozen.debug() }

// Pkg returns the package behind a handle.
func (d *Depgraph) Pkg(h structs.PkgHandle) *structs.Package { return d.pkgs.Get(h) }

// Arg returns the argument behind an argument node.
func (d *Depgraph) Arg(n structs.Node) *structs.DependencyArg {
	if !n.IsArg() {
		return nil
	}
	return d.args.Get(n.ID)
}

func (d *Depgraph) blocker(n structs.Node) *structs.Blocker { return d.blockers.Get(n.ID) }

// ParentAtoms returns the (parent, atom) pairs that pulled h in.
func (d *Depgraph) ParentAtoms(h structs.PkgHandle) []resolver.GraphParentAtom {
	return d.parentAtoms[h]
}

// PkgUseEnabled is the USE of h once autounmask changes are applied.
// Built packages always keep the USE they were built with.
func (d *Depgraph) PkgUseEnabled(h structs.PkgHandle) map[string]bool {
	p := d.pkgs.Get(h)
	if p.Built {
		return p.Use
	}
	k := configKey(p)
	if d.delta != nil {
		if c, ok := d.delta.Use[k]; ok {
			return c.change.NewUse
		}
	}
	if c, ok := d.needed.NeededUseConfigChanges[k]; ok {
		return c.NewUse
	}
	return p.Use
}

func (d *Depgraph) UseMaskForce(h structs.PkgHandle) (mask, force map[string]bool) {
	p := d.pkgs.Get(h)
	u := d.settings(p.Root()).Uses
	return u.GetUseMask(p), u.GetUseForce(p)
}

// AutounmaskUse returns the flags autounmask changed on h.
func (d *Depgraph) AutounmaskUse(h structs.PkgHandle) map[string]bool {
	p := d.pkgs.Get(h)
	if c, ok := d.needed.NeededUseConfigChanges[configKey(p)]; ok {
		return c.Changes
	}
	return nil
}

func (d *Depgraph) isValidFlag(p *structs.Package) func(string) bool {
	arch := d.settings(p.Root()).Settings.Arch
	return func(flag string) bool { return p.IUse[flag] || flag == arch }
}

func (d *Depgraph) addParentAtom(h structs.PkgHandle, parent structs.Node, atom *dep.Atom) {
	if atom == nil {
		return
	}
	k := parentAtomKey{parent, atom.String()}
	seen := d.parentAtomSeen[h]
	if seen == nil {
		seen = map[parentAtomKey]bool{}
		d.parentAtomSeen[h] = seen
	}
	if seen[k] {
		return
	}
	seen[k] = true
	d.parentAtoms[h] = append(d.parentAtoms[h], resolver.GraphParentAtom{Parent: parent, Atom: atom})
}

func (d *Depgraph) parentRef(n structs.Node) resolver.ParentRef {
	if n.IsArg() {
		return resolver.ParentRef{Kind: structs.ArgNode, Arg: d.args.Key(n.ID)}
	}
	return resolver.ParentRef{Kind: structs.PackageNode, Pkg: d.pkgs.Get(n.Pkg()).Key}
}

func (d *Depgraph) nodeString(n structs.Node) string {
	switch n.Kind {
	case structs.PackageNode:
		return d.pkgs.Get(n.Pkg()).String()
	case structs.ArgNode:
		return d.args.Get(n.ID).String()
	}
	return d.blockers.Get(n.ID).String()
}

func (d *Depgraph) addArgNode(arg *structs.DependencyArg) structs.Node {
	id, _ := d.args.Intern(arg.Key(), arg)
	return structs.Node{Kind: structs.ArgNode, ID: id}
}

func (d *Depgraph) addBlockerNode(b *structs.Blocker) structs.Node {
	id, _ := d.blockers.Intern(b.Key(), b)
	return structs.Node{Kind: structs.BlockerNode, ID: id}
}

// uninstallNode returns the node that removes the installed package h.
func (d *Depgraph) uninstallNode(h structs.PkgHandle) structs.PkgHandle {
	return d.pkgs.Add(d.pkgs.Get(h).WithOperation(structs.Uninstall))
}

// loadVdb registers the installed packages of every root with the tracker.
func (d *Depgraph) loadVdb() {
	if len(d.installed) > 0 {
		return
	}
	for root, rc := range d.frozen.Roots {
		for _, cpv := range rc.Trees.Vartree.CpvAll() {
			h, err := d.frozen.pkg(root, structs.Installed, cpv, false)
			if err != nil {
				d.log.WithError(err).Warn("skipping installed package")
				continue
			}
			d.installed[root] = append(d.installed[root], h)
			d.tracker.AddInstalledPkg(h)
		}
	}
}

// installedMatch returns the installed packages of root matching atom,
// ascending.
func (d *Depgraph) installedMatch(root string, atom *dep.Atom) []structs.PkgHandle {
	return d.matchPkgs(root, structs.Installed, atom, false, false)
}

// NeedRestart reports that the attempt found new constraints and should be
// retried with them.
func (d *Depgraph) NeedRestart() bool {
	return d.needRestart && !d.skipRestart
}

// GetBacktrackInfos returns the constraints found by the attempt.
func (d *Depgraph) GetBacktrackInfos() *resolver.BacktrackInfos { return d.backtrackInfos }

// NeedConfigChange reports a plan that only works with configuration
// changes the user has not made yet.
func (d *Depgraph) NeedConfigChange() bool {
	for _, n := range d.digraph.AllNodes() {
		if !n.IsPackage() {
			continue
		}
		k := configKey(d.pkgs.Get(n.Pkg()))
		if d.needed.NeededUnstableKeywords[k] || d.needed.NeededPMaskChanges[k] {
			return true
		}
		if _, ok := d.needed.NeededUseConfigChanges[k]; ok {
			return true
		}
		if _, ok := d.needed.NeededLicenseChanges[k]; ok {
			return true
		}
	}
	return false
}

// ConfigChanges returns the changes used by the nodes of the graph.
func (d *Depgraph) ConfigChanges() *resolver.ConfigChanges {
	out := newConfigChanges()
	for _, n := range d.digraph.AllNodes() {
		if !n.IsPackage() {
			continue
		}
		k := configKey(d.pkgs.Get(n.Pkg()))
		if d.needed.NeededUnstableKeywords[k] {
			out.NeededUnstableKeywords[k] = true
		}
		if d.needed.NeededPMaskChanges[k] {
			out.NeededPMaskChanges[k] = true
		}
		if c, ok := d.needed.NeededUseConfigChanges[k]; ok {
			out.NeededUseConfigChanges[k] = c
		}
		if c, ok := d.needed.NeededLicenseChanges[k]; ok {
			out.NeededLicenseChanges[k] = c
		}
	}
	return out
}
