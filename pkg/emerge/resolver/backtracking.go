package resolver

import (
	"fmt"
	"sort"

	"github.com/ppphp/portago-resolver/pkg/emerge/structs"
)

// ParentRef names the parent of a dependency across attempts. Handles are
// only valid inside one attempt, so parents are stored by key.
type ParentRef struct {
	Kind structs.NodeKind
	Pkg  structs.PackageKey
	Arg  structs.ArgKey
}

func (p ParentRef) String() string {
	if p.Kind == structs.ArgNode {
		return p.Arg.Arg
	}
	return p.Pkg.String()
}

// ParentAtom is a parent together with the atom it pulled a package in by.
type ParentAtom struct {
	Parent ParentRef
	Atom   string
}

// MissingDep is a dependency of Parent that nothing could satisfy.
type MissingDep struct {
	Parent structs.PackageKey
	Root   string
	Atom   string
}

// MaskInfo records why a package is masked for the rest of an invocation.
type MaskInfo struct {
	SlotConflict      map[ParentAtom]bool
	MissingDependency map[MissingDep]bool
}

func (m *MaskInfo) clone() *MaskInfo {
	return &MaskInfo{SlotConflict: cloneSet(m.SlotConflict), MissingDependency: cloneSet(m.MissingDependency)}
}

func (m *MaskInfo) merge(o *MaskInfo) {
	m.SlotConflict = unionSet(m.SlotConflict, o.SlotConflict)
	m.MissingDependency = unionSet(m.MissingDependency, o.MissingDependency)
}

// UseChange is the USE configuration a package needs: the resulting enabled
// set and the individual flag changes.
type UseChange struct {
	NewUse  map[string]bool
	Changes map[string]bool
}

// BacktrackParameter is the constraint set handed from one attempt to the
// next. Within an invocation entries are only ever added.
type BacktrackParameter struct {
	RuntimePkgMask         map[structs.PackageKey]*MaskInfo
	NeededUnstableKeywords map[structs.PackageKey]bool
	NeededPMaskChanges     map[structs.PackageKey]bool
	NeededUseConfigChanges map[structs.PackageKey]UseChange
	NeededLicenseChanges   map[structs.PackageKey]map[string]bool
	CircularDependency     map[structs.PackageKey]map[structs.PackageKey]bool
	RebuildList            map[structs.PackageKey]bool
	ReinstallList          map[structs.PackageKey]bool
}

func NewBacktrackParameter() *BacktrackParameter {
	return &BacktrackParameter{
		RuntimePkgMask:         map[structs.PackageKey]*MaskInfo{},
		NeededUnstableKeywords: map[structs.PackageKey]bool{},
		NeededPMaskChanges:     map[structs.PackageKey]bool{},
		NeededUseConfigChanges: map[structs.PackageKey]UseChange{},
		NeededLicenseChanges:   map[structs.PackageKey]map[string]bool{},
		CircularDependency:     map[structs.PackageKey]map[structs.PackageKey]bool{},
		RebuildList:            map[structs.PackageKey]bool{},
		ReinstallList:          map[structs.PackageKey]bool{},
	}
}

// Clone returns a deep copy.
func (b *BacktrackParameter) Clone() *BacktrackParameter {
	c := NewBacktrackParameter()
	for k, v := range b.RuntimePkgMask {
		c.RuntimePkgMask[k] = v.clone()
	}
	c.NeededUnstableKeywords = cloneSet(b.NeededUnstableKeywords)
	c.NeededPMaskChanges = cloneSet(b.NeededPMaskChanges)
	for k, v := range b.NeededUseConfigChanges {
		c.NeededUseConfigChanges[k] = UseChange{NewUse: cloneSet(v.NewUse), Changes: cloneSet(v.Changes)}
	}
	for k, v := range b.NeededLicenseChanges {
		c.NeededLicenseChanges[k] = cloneSet(v)
	}
	for k, v := range b.CircularDependency {
		c.CircularDependency[k] = cloneSet(v)
	}
	c.RebuildList = cloneSet(b.RebuildList)
	c.ReinstallList = cloneSet(b.ReinstallList)
	return c
}

// Equal compares two parameters by content.
func (b *BacktrackParameter) Equal(o *BacktrackParameter) bool {
	if len(b.RuntimePkgMask) != len(o.RuntimePkgMask) ||
		len(b.NeededUseConfigChanges) != len(o.NeededUseConfigChanges) ||
		len(b.NeededLicenseChanges) != len(o.NeededLicenseChanges) ||
		len(b.CircularDependency) != len(o.CircularDependency) {
		return false
	}
	for k, v := range b.RuntimePkgMask {
		ov, ok := o.RuntimePkgMask[k]
		if !ok || !equalSet(v.SlotConflict, ov.SlotConflict) || !equalSet(v.MissingDependency, ov.MissingDependency) {
			return false
		}
	}
	for k, v := range b.NeededUseConfigChanges {
		ov, ok := o.NeededUseConfigChanges[k]
		if !ok || !equalSet(v.NewUse, ov.NewUse) || !equalSet(v.Changes, ov.Changes) {
			return false
		}
	}
	for k, v := range b.NeededLicenseChanges {
		if ov, ok := o.NeededLicenseChanges[k]; !ok || !equalSet(v, ov) {
			return false
		}
	}
	for k, v := range b.CircularDependency {
		if ov, ok := o.CircularDependency[k]; !ok || !equalSet(v, ov) {
			return false
		}
	}
	return equalSet(b.NeededUnstableKeywords, o.NeededUnstableKeywords) &&
		equalSet(b.NeededPMaskChanges, o.NeededPMaskChanges) &&
		equalSet(b.RebuildList, o.RebuildList) &&
		equalSet(b.ReinstallList, o.ReinstallList)
}

// Masked reports whether k is in the runtime mask.
func (b *BacktrackParameter) Masked(k structs.PackageKey) bool {
	_, ok := b.RuntimePkgMask[k]
	return ok
}

// Includes reports whether every constraint of o is also in b.
func (b *BacktrackParameter) Includes(o *BacktrackParameter) bool {
	for k, v := range o.RuntimePkgMask {
		bv, ok := b.RuntimePkgMask[k]
		if !ok || !subSet(v.SlotConflict, bv.SlotConflict) || !subSet(v.MissingDependency, bv.MissingDependency) {
			return false
		}
	}
	for k := range o.NeededUseConfigChanges {
		if _, ok := b.NeededUseConfigChanges[k]; !ok {
			return false
		}
	}
	for k, v := range o.NeededLicenseChanges {
		if !subSet(v, b.NeededLicenseChanges[k]) {
			return false
		}
	}
	for k, v := range o.CircularDependency {
		if !subSet(v, b.CircularDependency[k]) {
			return false
		}
	}
	return subSet(o.NeededUnstableKeywords, b.NeededUnstableKeywords) &&
		subSet(o.NeededPMaskChanges, b.NeededPMaskChanges) &&
		subSet(o.RebuildList, b.RebuildList) &&
		subSet(o.ReinstallList, b.ReinstallList)
}

func (b *BacktrackParameter) String() string {
	keys := make([]string, 0, len(b.RuntimePkgMask))
	for k := range b.RuntimePkgMask {
		keys = append(keys, k.Cpv)
	}
	sort.Strings(keys)
	return fmt.Sprintf("masked=%v keywords=%d use=%d license=%d pmask=%d rebuild=%d reinstall=%d",
		keys, len(b.NeededUnstableKeywords), len(b.NeededUseConfigChanges),
		len(b.NeededLicenseChanges), len(b.NeededPMaskChanges), len(b.RebuildList), len(b.ReinstallList))
}

// ConfigChanges are the constraints an attempt wants added without
// masking anything.
type ConfigChanges struct {
	NeededUnstableKeywords map[structs.PackageKey]bool
	NeededPMaskChanges     map[structs.PackageKey]bool
	NeededUseConfigChanges map[structs.PackageKey]UseChange
	NeededLicenseChanges   map[structs.PackageKey]map[string]bool
	CircularDependency     map[structs.PackageKey]map[structs.PackageKey]bool
	RebuildList            map[structs.PackageKey]bool
	ReinstallList          map[structs.PackageKey]bool
}

// Empty reports whether c carries no change.
func (c *ConfigChanges) Empty() bool {
	return c == nil || len(c.NeededUnstableKeywords)+len(c.NeededPMaskChanges)+len(c.NeededUseConfigChanges)+
		len(c.NeededLicenseChanges)+len(c.CircularDependency)+len(c.RebuildList)+len(c.ReinstallList) == 0
}

// ConflictMask is one package of a slot conflict to mask, with the parent
// atoms it fails to satisfy.
type ConflictMask struct {
	Pkg         structs.PackageKey
	ParentAtoms map[ParentAtom]bool
}

// BacktrackInfos is what an attempt reports back to the Backtracker.
type BacktrackInfos struct {
	Config *ConfigChanges
	// SlotConflicts holds, per conflict, the alternative sets of packages to
	// mask. Only the first conflict is acted upon.
	SlotConflicts     [][][]ConflictMask
	MissingDependency *MissingDep
}

// Empty reports whether the attempt had nothing to feed back.
func (i *BacktrackInfos) Empty() bool {
	return i == nil || (i.Config.Empty() && len(i.SlotConflicts) == 0 && i.MissingDependency == nil)
}

type backtrackNode struct {
	parameter *BacktrackParameter
	depth     int
	maskSteps int
	terminal  bool
	// problems is what the attempt under parameter left unresolved, -1
	// until it ran.
	problems int
}

func (n *backtrackNode) clone() *backtrackNode {
	return &backtrackNode{parameter: n.parameter.Clone(), depth: n.depth, maskSteps: n.maskSteps, terminal: n.terminal, problems: -1}
}

// Backtracker explores constraint sets depth first. Every explored node is
// derived from its parent by adding constraints.
type Backtracker struct {
	maxDepth   int
	unexplored []*backtrackNode
	current    *backtrackNode
	nodes      []*backtrackNode
	root       *backtrackNode
}

func NewBacktracker(maxDepth int) *Backtracker {
	b := &Backtracker{maxDepth: maxDepth}
	b.root = &backtrackNode{parameter: NewBacktrackParameter(), terminal: true, problems: -1}
	b.add(b.root, true)
	return b
}

func (b *Backtracker) add(node *backtrackNode, explore bool) {
	if !b.checkRuntimePkgMask(node.parameter.RuntimePkgMask) {
		return
	}
	if node.maskSteps > b.maxDepth {
		return
	}
	for _, n := range b.nodes {
		if n.parameter.Equal(node.parameter) {
			return
		}
	}
	if explore {
		b.unexplored = append(b.unexplored, node)
	}
	b.nodes = append(b.nodes, node)
}

// Get pops the next constraint set to try. It returns false when the
// search space is exhausted.
func (b *Backtracker) Get() (*BacktrackParameter, bool) {
	if len(b.unexplored) == 0 {
		return nil, false
	}
	node := b.unexplored[len(b.unexplored)-1]
	b.unexplored = b.unexplored[:len(b.unexplored)-1]
	b.current = node
	return node.parameter.Clone(), true
}

// Record stores the number of problems the attempt returned by the last Get
// left. It must come before Feedback.
func (b *Backtracker) Record(problems int) {
	if b.current != nil {
		b.current.problems = problems
	}
}

// Len is the number of constraint sets waiting to be tried.
func (b *Backtracker) Len() int { return len(b.unexplored) }

// checkRuntimePkgMask rejects masks that only make sense if some other
// masked package were present: a slot conflict mask is valid only while at
// least one of its conflict parents is still unmasked.
func (b *Backtracker) checkRuntimePkgMask(mask map[structs.PackageKey]*MaskInfo) bool {
	for _, info := range mask {
		if len(info.MissingDependency) > 0 || len(info.SlotConflict) == 0 {
			continue
		}
		valid := false
		for pa := range info.SlotConflict {
			if pa.Parent.Kind != structs.PackageNode {
				valid = true
				break
			}
			if _, masked := mask[pa.Parent.Pkg]; !masked {
				valid = true
				break
			}
		}
		if !valid {
			return false
		}
	}
	return true
}

func (b *Backtracker) feedbackSlotConflict(alternatives [][]ConflictMask) {
	for _, similar := range alternatives {
		n := b.current.clone()
		n.depth++
		n.maskSteps++
		n.terminal = false
		for _, cm := range similar {
			info := n.parameter.RuntimePkgMask[cm.Pkg]
			if info == nil {
				info = &MaskInfo{}
				n.parameter.RuntimePkgMask[cm.Pkg] = info
			}
			info.merge(&MaskInfo{SlotConflict: cm.ParentAtoms})
		}
		b.add(n, true)
	}
}

func (b *Backtracker) feedbackMissingDep(d MissingDep) {
	n := b.current.clone()
	n.depth++
	n.maskSteps++
	n.terminal = false
	info := n.parameter.RuntimePkgMask[d.Parent]
	if info == nil {
		info = &MaskInfo{}
		n.parameter.RuntimePkgMask[d.Parent] = info
	}
	info.merge(&MaskInfo{MissingDependency: map[MissingDep]bool{d: true}})
	b.add(n, true)
}

func (b *Backtracker) feedbackConfig(c *ConfigChanges, explore bool) {
	n := b.current.clone()
	n.depth++
	p := n.parameter
	p.NeededUnstableKeywords = unionSet(p.NeededUnstableKeywords, c.NeededUnstableKeywords)
	p.NeededPMaskChanges = unionSet(p.NeededPMaskChanges, c.NeededPMaskChanges)
	for k, v := range c.NeededUseConfigChanges {
		p.NeededUseConfigChanges[k] = UseChange{NewUse: cloneSet(v.NewUse), Changes: cloneSet(v.Changes)}
	}
	for k, v := range c.NeededLicenseChanges {
		p.NeededLicenseChanges[k] = unionSet(p.NeededLicenseChanges[k], v)
	}
	for k, v := range c.CircularDependency {
		p.CircularDependency[k] = unionSet(p.CircularDependency[k], v)
	}
	p.RebuildList = unionSet(p.RebuildList, c.RebuildList)
	p.ReinstallList = unionSet(p.ReinstallList, c.ReinstallList)
	b.add(n, explore)
	b.current = n
}

// Feedback derives new constraint sets from the infos of the attempt
// returned by the last Get. Configuration changes are explored on their own
// only when the attempt reported nothing else.
func (b *Backtracker) Feedback(infos *BacktrackInfos) {
	if b.current == nil {
		panic("resolver: Feedback called before Get")
	}
	if infos == nil {
		return
	}
	if !infos.Config.Empty() {
		b.feedbackConfig(infos.Config, len(infos.SlotConflicts) == 0 && infos.MissingDependency == nil)
	}
	if len(infos.SlotConflicts) > 0 {
		b.feedbackSlotConflict(infos.SlotConflicts[0])
	} else if infos.MissingDependency != nil {
		b.feedbackMissingDep(*infos.MissingDependency)
	}
}

// Backtracked reports whether anything beyond the initial run was queued.
func (b *Backtracker) Backtracked() bool { return len(b.nodes) > 1 }

// BestRun returns the constraint set whose attempt left the fewest
// problems. On a tie sets that masked nothing win, then the deepest.
// Without recorded attempts it is the deepest constraint set that did not
// mask anything.
func (b *Backtracker) BestRun() *BacktrackParameter {
	var best *backtrackNode
	better := func(n *backtrackNode) bool {
		switch {
		case n.problems != best.problems:
			return n.problems < best.problems
		case n.terminal != best.terminal:
			return n.terminal
		}
		return n.depth > best.depth
	}
	for _, n := range b.nodes {
		if n.problems < 0 {
			continue
		}
		if best == nil || better(n) {
			best = n
		}
	}
	if best == nil {
		best = b.root
		for _, n := range b.nodes {
			if n.terminal && n.depth > best.depth {
				best = n
			}
		}
	}
	return best.parameter.Clone()
}

func cloneSet[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func unionSet[K comparable](dst, src map[K]bool) map[K]bool {
	if dst == nil {
		dst = make(map[K]bool, len(src))
	}
	for k, v := range src {
		if v {
			dst[k] = true
		}
	}
	return dst
}

func equalSet[K comparable](a, b map[K]bool) bool {
	return subSet(a, b) && subSet(b, a)
}

func subSet[K comparable](a, b map[K]bool) bool {
	for k, v := range a {
		if v && !b[k] {
			return false
		}
	}
	return true
}
