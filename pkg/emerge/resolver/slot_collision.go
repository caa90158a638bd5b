package resolver

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/ppphp/portago-resolver/pkg/dep"
	"github.com/ppphp/portago-resolver/pkg/emerge/structs"
	"github.com/ppphp/portago-resolver/pkg/versions"
)

// GraphParentAtom is a parent node together with the atom it used.
type GraphParentAtom struct {
	Parent structs.Node
	Atom   *dep.Atom
}

type parentAtomKey struct {
	parent structs.Node
	atom   string
}

func (pa GraphParentAtom) key() parentAtomKey { return parentAtomKey{pa.Parent, pa.Atom.String()} }

// ConflictGraph is the view of the depgraph the slot conflict handler
// works on.
type ConflictGraph interface {
	Pkg(h structs.PkgHandle) *structs.Package
	// Arg returns the argument behind an argument node.
	Arg(n structs.Node) *structs.DependencyArg
	ParentAtoms(h structs.PkgHandle) []GraphParentAtom
	// PkgUseEnabled is the USE a package ends up with, autounmask
	// changes included.
	PkgUseEnabled(h structs.PkgHandle) map[string]bool
}

// SlotConflictOptions are the emerge options the handler looks at.
type SlotConflictOptions struct {
	RunningRoot      string
	VerboseConflicts bool
	NewUse           bool
	Update           bool
	Log              *logrus.Entry
}

type flagState string

const (
	flagUnset         flagState = ""
	flagEnabled       flagState = "enabled"
	flagDisabled      flagState = "disabled"
	flagCond          flagState = "cond"
	flagContradiction flagState = "contradiction"
)

const checkConfigurationMax = 1024

// SlotConflictHandler explains the slot conflicts of a depgraph and looks
// for USE changes that would make every parent happy with one package per
// slot.
//
// A conflict is a version conflict when some parent needs a version or slot
// the other package cannot provide; nothing but masking helps then. It is
// unspecific when some package is only wanted by parents that the other
// package satisfies too, which --update --newuse usually fixes. Otherwise it
// is specific, and every configuration (one package per conflict) is
// checked for USE changes solving it.
type SlotConflictHandler struct {
	g         ConflictGraph
	opts      SlotConflictOptions
	log       *logrus.Entry
	conflicts []PackageConflict

	msg strings.Builder

	// ConflictIsUnspecific is set when a package has no parent that the
	// other packages of its slot fail to satisfy.
	ConflictIsUnspecific bool
	// IsAVersionConflict is set when a parent's version or slot requirement
	// is violated.
	IsAVersionConflict bool

	solutions []map[structs.PkgHandle]map[string]flagState
	// Changes are the minimal USE change sets found, each solving every
	// conflict on its own.
	Changes []map[structs.PkgHandle]map[string]bool
}

// NewSlotConflictHandler analyses conflicts. The explanation and the
// possible USE changes are available right after.
func NewSlotConflictHandler(g ConflictGraph, conflicts []PackageConflict, opts SlotConflictOptions) *SlotConflictHandler {
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &SlotConflictHandler{g: g, opts: opts, log: log, conflicts: conflicts}
	log.Debug("Starting slot conflict handler")

	conflictNodes := map[structs.PkgHandle]bool{}
	var conflictPkgs [][]structs.PkgHandle
	var atomsBySlot [][]GraphParentAtom
	for _, c := range conflicts {
		conflictPkgs = append(conflictPkgs, append([]structs.PkgHandle(nil), c.Pkgs...))
		seen := map[parentAtomKey]bool{}
		var atoms []GraphParentAtom
		for _, h := range c.Pkgs {
			conflictNodes[h] = true
			for _, pa := range g.ParentAtoms(h) {
				if !seen[pa.key()] {
					seen[pa.key()] = true
					atoms = append(atoms, pa)
				}
			}
		}
		atomsBySlot = append(atomsBySlot, atoms)
	}

	s.prepareConflictMsg()

	gen := newConfigurationGenerator(conflictPkgs, func(h structs.PkgHandle) bool { return g.Pkg(h).Installed })
	first := true
	for {
		config, ok := gen.next()
		if !ok {
			break
		}
		if log.Logger.IsLevelEnabled(logrus.DebugLevel) {
			log.Debugf("New configuration: %v", s.describe(config))
		}
		found := s.checkConfiguration(config, atomsBySlot, conflictNodes)
		if len(found) > 0 {
			s.solutions = append(s.solutions, found...)
			if first {
				log.Debug("All-ebuild configuration has a solution. Aborting search.")
				break
			}
		}
		first = false
		if len(conflictPkgs) > 4 {
			log.Debug("Aborting search due to excessive number of configurations.")
			break
		}
	}
	for _, solution := range s.solutions {
		s.addChange(s.getChange(solution))
	}
	return s
}

func (s *SlotConflictHandler) describe(config []structs.PkgHandle) string {
	parts := make([]string, 0, len(config))
	for _, h := range config {
		parts = append(parts, s.g.Pkg(h).String())
	}
	return strings.Join(parts, ", ")
}

func (s *SlotConflictHandler) useOf(h structs.PkgHandle) func(string) bool {
	use := s.g.PkgUseEnabled(h)
	return func(flag string) bool { return use[flag] }
}

// Conflict returns the human readable description of all conflicts.
func (s *SlotConflictHandler) Conflict() string {
	return s.msg.String()
}

func isSubChange(a, b map[structs.PkgHandle]map[string]bool) bool {
	for pkg, flags := range a {
		other, ok := b[pkg]
		if !ok {
			return false
		}
		for flag, state := range flags {
			if v, ok := other[flag]; !ok || v != state {
				return false
			}
		}
	}
	return true
}

// addChange keeps only minimal change sets: "+foo" makes "+foo -bar"
// redundant.
func (s *SlotConflictHandler) addChange(change map[structs.PkgHandle]map[string]bool) {
	var kept []map[structs.PkgHandle]map[string]bool
	for _, c := range s.Changes {
		if isSubChange(c, change) {
			return
		}
		if !isSubChange(change, c) {
			kept = append(kept, c)
		}
	}
	s.Changes = append(kept, change)
}

func (s *SlotConflictHandler) getChange(solution map[structs.PkgHandle]map[string]flagState) map[structs.PkgHandle]map[string]bool {
	change := map[structs.PkgHandle]map[string]bool{}
	for _, h := range sortedHandles(solution) {
		p := s.g.Pkg(h)
		use := s.g.PkgUseEnabled(h)
		for flag, state := range solution[h] {
			if !p.IUse[flag] {
				continue
			}
			switch {
			case state == flagEnabled && !use[flag]:
				if change[h] == nil {
					change[h] = map[string]bool{}
				}
				change[h][flag] = true
			case state == flagDisabled && use[flag]:
				if change[h] == nil {
					change[h] = map[string]bool{}
				}
				change[h][flag] = false
			}
		}
	}
	return change
}

func sortedHandles[V any](m map[structs.PkgHandle]V) []structs.PkgHandle {
	out := make([]structs.PkgHandle, 0, len(m))
	for h := range m {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// PkgUseDisplay renders USE="..." for a package: enabled flags as is,
// disabled ones with a leading "-". Packages without IUSE render empty.
func PkgUseDisplay(p *structs.Package, use map[string]bool) string {
	if len(p.IUse) == 0 {
		return ""
	}
	flags := make([]string, 0, len(p.IUse))
	for flag := range p.IUse {
		flags = append(flags, flag)
	}
	sort.Strings(flags)
	var on, off []string
	for _, flag := range flags {
		if use[flag] {
			on = append(on, flag)
		} else {
			off = append(off, "-"+flag)
		}
	}
	return fmt.Sprintf("USE=\"%s\"", strings.Join(append(on, off...), " "))
}

type reasonKind string

const (
	reasonVersion reasonKind = "version"
	reasonSlot    reasonKind = "slot"
	reasonUse     reasonKind = "use"
	reasonAtomArg reasonKind = "AtomArg"
)

type collisionReason struct {
	kind reasonKind
	sub  string
}

type reasonEntry struct {
	pa    GraphParentAtom
	other structs.PkgHandle
}

// orderedParents is an insertion ordered set of parent atoms.
type orderedParents struct {
	list []GraphParentAtom
	seen map[parentAtomKey]bool
}

func (o *orderedParents) add(pa GraphParentAtom) {
	if o.seen == nil {
		o.seen = map[parentAtomKey]bool{}
	}
	if !o.seen[pa.key()] {
		o.seen[pa.key()] = true
		o.list = append(o.list, pa)
	}
}

func (o *orderedParents) has(pa GraphParentAtom) bool { return o.seen[pa.key()] }

func versionSubType(op string) string {
	switch op {
	case ">=", ">":
		return "ge"
	case "=", "~", "=*":
		return "eq"
	case "<=", "<":
		return "le"
	}
	return ""
}

func (s *SlotConflictHandler) parentLabel(n structs.Node) string {
	if n.IsArg() {
		return s.g.Arg(n).String()
	}
	return s.g.Pkg(n.Pkg()).String()
}

func (s *SlotConflictHandler) isAtomArg(n structs.Node) bool {
	return n.IsArg() && s.g.Arg(n).Kind == structs.AtomArg
}

func (s *SlotConflictHandler) prepareConflictMsg() {
	msg := &s.msg
	const indent = "  "
	anyOmitted := false
	msg.WriteString("\n!!! Multiple package instances within a single package slot have been pulled\n")
	msg.WriteString("!!! into the dependency graph, resulting in a slot conflict:\n\n")

	for _, c := range s.conflicts {
		msg.WriteString(c.Atom)
		if s.opts.RunningRoot != "" && c.Root != s.opts.RunningRoot {
			fmt.Fprintf(msg, " for %s", c.Root)
		}
		msg.WriteString("\n\n")

		for _, h := range c.Pkgs {
			p := s.g.Pkg(h)
			msg.WriteString(indent + p.String())
			if d := PkgUseDisplay(p, s.g.PkgUseEnabled(h)); d != "" {
				msg.WriteString(" " + d)
			}
			parentAtoms := s.g.ParentAtoms(h)
			if len(parentAtoms) == 0 {
				msg.WriteString(" (no parents)\n\n")
				continue
			}

			var reasons []collisionReason
			entries := map[collisionReason][]reasonEntry{}
			addReason := func(r collisionReason, e reasonEntry) {
				if _, ok := entries[r]; !ok {
					reasons = append(reasons, r)
				}
				entries[r] = append(entries[r], e)
			}
			specific := 0
			for _, pa := range parentAtoms {
				atom := pa.Atom
				for _, other := range c.Pkgs {
					if other == h {
						continue
					}
					op := s.g.Pkg(other)
					use := s.useOf(other)
					e := reasonEntry{pa: pa, other: other}
					switch {
					case !atom.WithoutUse().WithoutSlot().MatchWithUse(op, use):
						if atom.Operator != "" {
							addReason(collisionReason{reasonVersion, versionSubType(atom.Operator)}, e)
							specific++
						}
					case !atom.WithoutUse().MatchWithUse(op, use):
						addReason(collisionReason{reasonSlot, atom.Slot + "/" + atom.SubSlot + atom.SlotOperator}, e)
						specific++
					case !atom.MatchWithUse(op, use):
						if missing := atom.UnevaluatedAtom().MissingIUse(op); len(missing) > 0 {
							for _, flag := range missing {
								addReason(collisionReason{reasonUse, flag}, e)
							}
						} else {
							on, off := atom.ViolatedUse(op, use, nil)
							for _, flag := range append(on, off...) {
								addReason(collisionReason{reasonUse, flag}, e)
							}
						}
						specific++
					case s.isAtomArg(pa.Parent) && op.Installed:
						addReason(collisionReason{reasonAtomArg, ""}, e)
						specific++
					}
				}
			}

			msg.WriteString(" pulled in by\n")

			var selected, unconditional orderedParents
			for _, r := range reasons {
				switch r.kind {
				case reasonVersion:
					var cps []string
					best := map[string]GraphParentAtom{}
					for _, e := range entries[r] {
						atom := e.pa.Atom
						cur, ok := best[atom.CP]
						if !ok {
							cps = append(cps, atom.CP)
							best[atom.CP] = e.pa
						} else {
							cmp, _ := versions.VerCmp(atom.Version, cur.Atom.Version)
							if (r.sub == "ge" && cmp > 0) || (r.sub == "le" && cmp < 0) || (r.sub == "eq" && cmp > 0) {
								best[atom.CP] = e.pa
							}
						}
						if s.opts.VerboseConflicts {
							selected.add(e.pa)
						}
					}
					if !s.opts.VerboseConflicts {
						for _, cp := range cps {
							selected.add(best[cp])
						}
					}
				case reasonSlot:
					for _, e := range entries[r] {
						selected.add(e.pa)
						if !s.opts.VerboseConflicts {
							break
						}
					}
				case reasonUse:
					for _, e := range entries[r] {
						other := s.g.Pkg(e.other)
						if len(e.pa.Atom.UnevaluatedAtom().MissingIUse(other)) > 0 {
							unconditional.add(e.pa)
						} else {
							on, off := e.pa.Atom.ViolatedUse(other, s.useOf(e.other), nil)
							if e.pa.Parent.IsPackage() {
								on, off = e.pa.Atom.UnevaluatedAtom().ViolatedUse(other, s.useOf(e.other), s.useOf(e.pa.Parent.Pkg()))
							}
							if len(on)+len(off) == 0 {
								continue
							}
							if containsString(on, r.sub) || containsString(off, r.sub) {
								unconditional.add(e.pa)
							}
						}
						selected.add(e.pa)
					}
				case reasonAtomArg:
					for _, e := range entries[r] {
						selected.add(e.pa)
					}
				}
			}

			ordered := append([]GraphParentAtom(nil), unconditional.list...)
			for _, pa := range selected.list {
				if !unconditional.has(pa) {
					ordered = append(ordered, pa)
				}
			}
			for _, pa := range ordered {
				parent := pa.Parent
				switch {
				case parent.IsArg() && s.g.Arg(parent).Kind == structs.PackageArg:
					msg.WriteString(indent + indent + s.parentLabel(parent) + "\n")
				case s.isAtomArg(parent):
					fmt.Fprintf(msg, "%s%s (Argument)\n", indent+indent, pa.Atom)
				default:
					versionViolated, slotViolated := false, false
					var useViolated []string
					for _, r := range reasons {
						for _, e := range entries[r] {
							if e.pa.key() != pa.key() {
								continue
							}
							switch r.kind {
							case reasonVersion:
								versionViolated = true
							case reasonSlot:
								slotViolated = true
							case reasonUse:
								useViolated = append(useViolated, r.sub)
							}
							break
						}
					}
					atomStr, marked := highlightViolations(pa.Atom.UnevaluatedAtom(), versionViolated, slotViolated, useViolated)
					if versionViolated || slotViolated {
						s.IsAVersionConflict = true
					}
					useDisplay := ""
					if parent.IsPackage() {
						useDisplay = PkgUseDisplay(s.g.Pkg(parent.Pkg()), s.g.PkgUseEnabled(parent.Pkg()))
					}
					line := strings.TrimRight(fmt.Sprintf("%s required by %s %s", atomStr, s.parentLabel(parent), useDisplay), " ")
					marker := make([]byte, len(line))
					for i := range marker {
						marker[i] = ' '
						if marked[i] {
							marker[i] = '^'
						}
					}
					msg.WriteString(indent + indent + line + "\n")
					msg.WriteString(indent + indent + strings.TrimRight(string(marker), " ") + "\n")
				}
			}

			if len(selected.list) == 0 && len(unconditional.list) == 0 {
				msg.WriteString(indent + indent + "(no parents that aren't satisfied by other packages in this slot)\n")
				s.ConflictIsUnspecific = true
			}
			shown := len(selected.list)
			if omitted := specific - shown; omitted > 0 {
				anyOmitted = true
				problem := "problem"
				if shown > 1 {
					problem = "problems"
				}
				fmt.Fprintf(msg, "%s(and %d more with the same %s)\n", indent+indent, omitted, problem)
			}
			msg.WriteString("\n")
		}
	}
	if anyOmitted {
		msg.WriteString("NOTE: Use the '--verbose-conflicts' option to display parents omitted above\n")
	}
	msg.WriteString("\n")
}

func containsString(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

// highlightViolations returns the atom string and the byte offsets of its
// violated parts.
func highlightViolations(atom *dep.Atom, version, slot bool, use []string) (string, map[int]bool) {
	str := atom.String()
	marked := map[int]bool{}
	mark := func(start, n int) {
		for i := start; i < start+n; i++ {
			marked[i] = true
		}
	}
	slotStr := ""
	if atom.Slot != "" {
		slotStr = ":" + atom.Slot
	}
	if atom.SubSlot != "" {
		slotStr += "/" + atom.SubSlot
	}
	slotStr += atom.SlotOperator
	if version {
		op := strings.TrimSuffix(atom.Operator, "*")
		mark(0, len(op))
		if atom.Version != "" {
			ver := atom.Version
			if atom.Operator == "=*" {
				ver += "*"
			}
			if i := strings.LastIndex(str, ver); i >= 0 {
				mark(i, len(ver))
			}
		}
	}
	if (version || slot) && slotStr != "" {
		if i := strings.Index(str, slotStr); i >= 0 {
			mark(i, len(slotStr))
		}
	}
	if len(use) > 0 {
		tokens := atom.UseTokens()
		i := strings.Index(str, "[") + 1
		for _, token := range tokens {
			flag := strings.TrimRight(strings.TrimLeft(token, "-!"), "=?")
			if j := strings.Index(flag, "("); j >= 0 {
				flag = flag[:j]
			}
			if containsString(use, flag) {
				mark(i, len(token))
			}
			i += len(token) + 1
		}
	}
	return str, marked
}

// Explanation suggests how to solve the conflicts. It returns false when
// there is nothing to suggest.
func (s *SlotConflictHandler) Explanation() (string, bool) {
	if s.IsAVersionConflict {
		return "", false
	}
	var msg strings.Builder
	if s.ConflictIsUnspecific && !(s.opts.NewUse && s.opts.Update) {
		msg.WriteString("!!! Enabling --newuse and --update might solve this conflict.\n")
		msg.WriteString("!!! If not, it might help emerge to give a more specific suggestion.\n\n")
		return msg.String(), true
	}
	if len(s.solutions) == 0 {
		return "", false
	}
	if len(s.conflicts) == 1 {
		msg.WriteString("It might be possible to solve this slot collision\n")
	} else {
		msg.WriteString("It might be possible to solve these slot collisions\n")
	}
	if len(s.solutions) == 1 {
		msg.WriteString("by applying all of the following changes:\n")
	} else {
		msg.WriteString("by applying one of the following solutions:\n")
	}
	printChange := func(change map[structs.PkgHandle]map[string]bool, indent string) {
		for _, h := range sortedHandles(change) {
			flags := make([]string, 0, len(change[h]))
			for flag := range change[h] {
				flags = append(flags, flag)
			}
			sort.Strings(flags)
			var parts []string
			for _, flag := range flags {
				if change[h][flag] {
					parts = append(parts, "+"+flag)
				} else {
					parts = append(parts, "-"+flag)
				}
			}
			fmt.Fprintf(&msg, "%s- %s (Change USE: %s)\n", indent, s.g.Pkg(h).Cpv(), strings.Join(parts, " "))
		}
		msg.WriteString("\n")
	}
	if len(s.Changes) == 1 {
		printChange(s.Changes[0], "   ")
	} else {
		for _, change := range s.Changes {
			msg.WriteString("  Solution: Apply all of:\n")
			printChange(change, "     ")
		}
	}
	return msg.String(), true
}

func symmetricDiff(a, b map[string]bool) bool {
	for k, v := range a {
		if v && !b[k] {
			return true
		}
	}
	for k, v := range b {
		if v && !a[k] {
			return true
		}
	}
	return false
}

// checkConfiguration computes the USE changes a configuration needs and
// returns the candidates that do not introduce new problems.
func (s *SlotConflictHandler) checkConfiguration(config []structs.PkgHandle, atomsBySlot [][]GraphParentAtom, conflictNodes map[structs.PkgHandle]bool) []map[structs.PkgHandle]map[string]flagState {
	inConfig := map[structs.PkgHandle]bool{}
	for _, h := range config {
		inConfig[h] = true
	}
	// An installed package only fits when it has no pending USE change,
	// otherwise its ebuild gets pulled in again.
	for _, h := range config {
		p := s.g.Pkg(h)
		if !p.Installed {
			continue
		}
		for _, c := range s.conflicts {
			if !c.Contains(h) {
				continue
			}
			for _, other := range c.Pkgs {
				if other == h {
					continue
				}
				if symmetricDiff(p.IUse, s.g.Pkg(other).IUse) || symmetricDiff(s.g.PkgUseEnabled(h), s.g.PkgUseEnabled(other)) {
					s.log.Debugf("%s has pending USE changes. Rejecting configuration.", p)
					return nil
				}
			}
		}
	}

	var allInvolved []map[string]flagState
	for idx, h := range config {
		p := s.g.Pkg(h)
		use := s.useOf(h)
		involved := map[string]flagState{}
		for _, pa := range atomsBySlot[idx] {
			if pa.Parent.IsPackage() && conflictNodes[pa.Parent.Pkg()] && !inConfig[pa.Parent.Pkg()] {
				continue
			}
			if pa.Atom.MatchWithUse(p, use) {
				continue
			}
			if !pa.Atom.WithoutUse().MatchWithUse(p, use) {
				s.log.Debugf("%s does not satify all version requirements. Rejecting configuration.", p)
				return nil
			}
			unevaluated := pa.Atom.UnevaluatedAtom()
			if len(unevaluated.MissingIUse(p)) > 0 {
				s.log.Debugf("%s misses needed flags from IUSE. Rejecting configuration.", p)
				return nil
			}
			var on, off []string
			conditional := false
			if !pa.Parent.IsPackage() || s.g.Pkg(pa.Parent.Pkg()).Installed {
				on, off = pa.Atom.ViolatedUse(p, use, nil)
			} else {
				on, off = unevaluated.ViolatedUse(p, use, s.useOf(pa.Parent.Pkg()))
				if len(on)+len(off) == 0 {
					continue
				}
				conditional = true
			}
			if p.Installed && len(on)+len(off) > 0 {
				s.log.Debugf("%s: installed package would need USE changes. Rejecting configuration.", p)
				return nil
			}
			set := func(flag string, want flagState) {
				state := involved[flag]
				if conditional && unevaluated.UseCondition(flag) != "" {
					if state == flagUnset {
						involved[flag] = flagCond
					}
					return
				}
				if state == flagUnset || state == flagCond || state == want {
					involved[flag] = want
				} else {
					involved[flag] = flagContradiction
				}
			}
			for _, flag := range on {
				set(flag, flagEnabled)
			}
			for _, flag := range off {
				set(flag, flagDisabled)
			}
		}
		if p.Installed {
			// installed USE is fixed
			enabled := s.g.PkgUseEnabled(h)
			for flag, state := range involved {
				switch state {
				case flagEnabled:
					if !enabled[flag] {
						involved[flag] = flagContradiction
					}
				case flagDisabled:
					if enabled[flag] {
						involved[flag] = flagContradiction
					}
				case flagCond:
					if enabled[flag] {
						involved[flag] = flagEnabled
					} else {
						involved[flag] = flagDisabled
					}
				}
			}
		}
		for flag, state := range involved {
			if state == flagContradiction {
				s.log.Debugf("Contradicting requirements found for flag %s. Rejecting configuration.", flag)
				return nil
			}
		}
		allInvolved = append(allInvolved, involved)
	}

	var solutions []map[structs.PkgHandle]map[string]flagState
	gen := newSolutionCandidateGenerator(allInvolved)
	for checked := 0; checked < checkConfigurationMax; checked++ {
		candidate, ok := gen.next()
		if !ok {
			break
		}
		if solution := s.checkSolution(config, candidate, atomsBySlot); solution != nil {
			solutions = append(solutions, solution)
		}
	}
	if len(solutions) == 0 {
		s.log.Debug("No viable solutions. Rejecting configuration.")
	}
	return solutions
}

func forceFlag(required map[structs.PkgHandle]map[string]flagState, h structs.PkgHandle, flag string, state flagState) {
	changes := required[h]
	if changes == nil {
		changes = map[string]flagState{}
		required[h] = changes
	}
	prev := changes[flag]
	switch {
	case state == flagDisabled && prev == flagEnabled, state == flagEnabled && prev == flagDisabled:
		changes[flag] = flagContradiction
	case prev != flagContradiction:
		changes[flag] = state
	}
}

// checkSolution checks whether one assignment of the involved flags solves
// every conflict of the configuration.
func (s *SlotConflictHandler) checkSolution(config []structs.PkgHandle, allInvolved []map[string]flagState, atomsBySlot [][]GraphParentAtom) map[structs.PkgHandle]map[string]flagState {
	required := map[structs.PkgHandle]map[string]flagState{}
	for idx, h := range config {
		p := s.g.Pkg(h)
		if !p.Installed {
			for flag, state := range allInvolved[idx] {
				if p.IUse[flag] {
					forceFlag(required, h, flag, state)
				}
			}
		}
		for _, pa := range atomsBySlot[idx] {
			if !pa.Parent.IsPackage() {
				continue
			}
			unevaluated := pa.Atom.UnevaluatedAtom()
			if !unevaluated.HasUseConditionals() {
				continue
			}
			ppkg := pa.Parent.Pkg()
			for flag, state := range allInvolved[idx] {
				switch unevaluated.UseCondition(flag) {
				case "?":
					if state == flagDisabled {
						forceFlag(required, ppkg, flag, flagDisabled)
					}
				case "!?":
					if state == flagEnabled {
						forceFlag(required, ppkg, flag, flagDisabled)
					}
				case "=":
					forceFlag(required, ppkg, flag, state)
				case "!=":
					if state == flagEnabled {
						forceFlag(required, ppkg, flag, flagDisabled)
					} else {
						forceFlag(required, ppkg, flag, flagEnabled)
					}
				}
			}
		}
	}
	for _, changes := range required {
		for _, state := range changes {
			if state != flagEnabled && state != flagDisabled {
				return nil
			}
		}
	}

	apply := func(h structs.PkgHandle) map[string]bool {
		use := cloneSet(s.g.PkgUseEnabled(h))
		for flag, state := range required[h] {
			if state == flagEnabled {
				use[flag] = true
			} else {
				delete(use, flag)
			}
		}
		return use
	}
	for idx, h := range config {
		newUse := apply(h)
		for _, pa := range atomsBySlot[idx] {
			if !pa.Parent.IsPackage() {
				continue
			}
			parentUse := apply(pa.Parent.Pkg())
			atom := pa.Atom.UnevaluatedAtom().EvaluateConditionals(func(f string) bool { return parentUse[f] })
			if !atom.MatchWithUse(s.g.Pkg(h), func(f string) bool { return newUse[f] }) {
				s.log.Debugf("new conflict introduced: %s does not match %s from %s", s.g.Pkg(h), atom, s.parentLabel(pa.Parent))
				return nil
			}
		}
	}
	for h := range required {
		p := s.g.Pkg(h)
		req := p.Metadata["REQUIRED_USE"]
		if req == "" {
			continue
		}
		use := apply(h)
		ok, err := dep.CheckRequiredUse(req, func(f string) bool { return use[f] }, func(f string) bool { return p.IUse[f] })
		if err != nil || !ok {
			return nil
		}
	}
	if len(required) == 0 {
		return nil
	}
	return required
}

// configurationGenerator walks every choice of one package per conflict,
// not installed packages first.
type configurationGenerator struct {
	pkgs    [][]structs.PkgHandle
	ids     []int
	started bool
}

func newConfigurationGenerator(conflicts [][]structs.PkgHandle, installed func(structs.PkgHandle) bool) *configurationGenerator {
	g := &configurationGenerator{}
	for _, pkgs := range conflicts {
		var ordered []structs.PkgHandle
		for _, h := range pkgs {
			if !installed(h) {
				ordered = append(ordered, h)
			}
		}
		for _, h := range pkgs {
			if installed(h) {
				ordered = append(ordered, h)
			}
		}
		g.pkgs = append(g.pkgs, ordered)
		g.ids = append(g.ids, 0)
	}
	return g
}

func (g *configurationGenerator) next() ([]structs.PkgHandle, bool) {
	if len(g.pkgs) == 0 {
		return nil, false
	}
	if g.started {
		i := len(g.ids) - 1
		for i >= 0 && g.ids[i] == len(g.pkgs[i])-1 {
			i--
		}
		if i < 0 {
			return nil, false
		}
		g.ids[i]++
		for j := i + 1; j < len(g.ids); j++ {
			g.ids[j] = 0
		}
	}
	g.started = true
	config := make([]structs.PkgHandle, len(g.pkgs))
	for i, pkgs := range g.pkgs {
		config[i] = pkgs[g.ids[i]]
	}
	return config, true
}

type condRef struct {
	idx  int
	flag string
}

// solutionCandidateGenerator enumerates the values of the "cond" flags,
// starting from all disabled.
type solutionCandidateGenerator struct {
	involved []map[string]flagState
	conds    []condRef
	values   []bool
	started  bool
}

func newSolutionCandidateGenerator(all []map[string]flagState) *solutionCandidateGenerator {
	g := &solutionCandidateGenerator{}
	for idx, involved := range all {
		flags := make([]string, 0, len(involved))
		for flag := range involved {
			flags = append(flags, flag)
		}
		sort.Strings(flags)
		copied := map[string]flagState{}
		for _, flag := range flags {
			state := involved[flag]
			if state == flagEnabled || state == flagDisabled {
				copied[flag] = state
				continue
			}
			g.conds = append(g.conds, condRef{idx, flag})
		}
		g.involved = append(g.involved, copied)
	}
	g.values = make([]bool, len(g.conds))
	return g
}

func (g *solutionCandidateGenerator) next() ([]map[string]flagState, bool) {
	if g.started {
		i := len(g.values) - 1
		for i >= 0 && g.values[i] {
			i--
		}
		if i < 0 {
			return nil, false
		}
		g.values[i] = true
		for j := i + 1; j < len(g.values); j++ {
			g.values[j] = false
		}
	}
	g.started = true
	out := make([]map[string]flagState, len(g.involved))
	for i, m := range g.involved {
		out[i] = cloneSet(m)
	}
	for i, c := range g.conds {
		if g.values[i] {
			out[c.idx][c.flag] = flagEnabled
		} else {
			out[c.idx][c.flag] = flagDisabled
		}
	}
	return out, true
}
