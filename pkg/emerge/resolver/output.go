package resolver

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/ppphp/portago-resolver/pkg/dep"
	"github.com/ppphp/portago-resolver/pkg/emerge/structs"
	"github.com/ppphp/portago-resolver/pkg/versions"
)

// MergeListEntry is one line of the merge list: a package task or a
// blocker.
type MergeListEntry struct {
	Pkg *structs.Package
	// Previous is the installed instance the package is compared to: the
	// same cpv, else the same slot, else the highest installed version.
	Previous *structs.Package
	Use      map[string]bool
	// ForceReinstall marks a reinstall triggered by a slot operator
	// rebuild.
	ForceReinstall bool

	Blocker        *structs.Blocker
	BlockerParents []string
}

// DisplayOptions mirror the emerge verbosity switches.
type DisplayOptions struct {
	Verbose bool
	Quiet   bool
	// Colorize styles text with a color class such as "PKG_MERGE". Nil
	// leaves the output plain.
	Colorize func(class, text string) string
}

func (o DisplayOptions) colorize(class, text string) string {
	if o.Colorize == nil {
		return text
	}
	return o.Colorize(class, text)
}

// PackageCounters summarizes a merge list.
type PackageCounters struct {
	Upgrades        int
	Downgrades      int
	New             int
	NewSlot         int
	Reinst          int
	Binary          int
	Uninst          int
	Blocks          int
	BlocksSatisfied int
}

func plural(n int, word, suffix string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, word)
	}
	return fmt.Sprintf("%d %s%s", n, word, suffix)
}

func (c PackageCounters) String() string {
	total := c.Upgrades + c.Downgrades + c.NewSlot + c.New + c.Reinst
	var b strings.Builder
	b.WriteString("Total: " + plural(total, "package", "s"))
	var details []string
	if c.Upgrades > 0 {
		details = append(details, plural(c.Upgrades, "upgrade", "s"))
	}
	if c.Downgrades > 0 {
		details = append(details, plural(c.Downgrades, "downgrade", "s"))
	}
	if c.New > 0 {
		details = append(details, fmt.Sprintf("%d new", c.New))
	}
	if c.NewSlot > 0 {
		details = append(details, plural(c.NewSlot, "in new slot", "s"))
	}
	if c.Reinst > 0 {
		details = append(details, plural(c.Reinst, "reinstall", "s"))
	}
	if c.Binary == 1 {
		details = append(details, "1 binary")
	} else if c.Binary > 1 {
		details = append(details, fmt.Sprintf("%d binaries", c.Binary))
	}
	if c.Uninst > 0 {
		details = append(details, plural(c.Uninst, "uninstall", "s"))
	}
	if len(details) > 0 {
		b.WriteString(" (" + strings.Join(details, ", ") + ")")
	}
	if c.Blocks > 0 {
		b.WriteString("\nConflict: " + plural(c.Blocks, "block", "s"))
		if c.BlocksSatisfied < c.Blocks {
			fmt.Fprintf(&b, " (%d unsatisfied)", c.Blocks-c.BlocksSatisfied)
		}
	}
	return b.String()
}

// attrDisplay renders the six status columns between the package type and
// the closing bracket.
type attrDisplay struct {
	new, forceReinstall, newSlot, replace, newVersion, downgrade bool
}

func (a attrDisplay) String() string {
	col := func(on bool, s string) string {
		if on {
			return s
		}
		return " "
	}
	var b strings.Builder
	b.WriteString(" ")
	switch {
	case a.forceReinstall:
		b.WriteString("r")
	default:
		b.WriteString(col(a.new, "N"))
	}
	switch {
	case a.replace:
		b.WriteString("R")
	default:
		b.WriteString(col(a.newSlot, "S"))
	}
	b.WriteString(" ")
	b.WriteString(col(a.newVersion, "U"))
	b.WriteString(col(a.downgrade, "D"))
	return b.String()
}

func (e MergeListEntry) blockerLine(opts DisplayOptions) string {
	b := e.Blocker
	mark, class := "B", "PKG_BLOCKER"
	if b.Satisfied {
		mark, class = "b", "PKG_BLOCKER_SATISFIED"
	}
	desc := "soft blocking"
	if b.Atom.Overlap {
		desc = "hard blocking"
	}
	parents := append([]string(nil), e.BlockerParents...)
	sort.Strings(parents)
	atom := b.Atom.WithoutBlocker().String()
	return fmt.Sprintf("[blocks %s     ] %s (\"%s\" is %s %s)", opts.colorize(class, mark), opts.colorize(class, atom), atom, desc, strings.Join(parents, ", "))
}

func (e MergeListEntry) pkgLine(opts DisplayOptions, counters *PackageCounters) string {
	p := e.Pkg
	name := p.Cpv()
	if opts.Verbose {
		name += ":" + p.Slot
		if p.SubSlot != p.Slot {
			name += "/" + p.SubSlot
		}
		name += "::" + p.Repo()
	}
	if p.Operation() != structs.Merge {
		counters.Uninst += boolInt(p.Operation() == structs.Uninstall)
		return fmt.Sprintf("[%-13s] %s", string(p.Operation()), opts.colorize("PKG_UNINSTALL", name))
	}
	class := "PKG_MERGE"
	if p.TypeName() == structs.Binary {
		counters.Binary++
		class = "PKG_BINARY_MERGE"
	}
	name = opts.colorize(class, name)

	var a attrDisplay
	prev := e.Previous
	switch {
	case prev == nil:
		a.new = true
		counters.New++
	case prev.Cpv() == p.Cpv():
		a.replace = true
		counters.Reinst++
	case prev.Slot != p.Slot:
		a.newSlot = true
		counters.NewSlot++
	default:
		if r, err := versions.VerCmp(p.Version, prev.Version); err == nil && r < 0 {
			a.downgrade = true
			counters.Downgrades++
		} else {
			a.newVersion = true
			counters.Upgrades++
		}
	}
	a.forceReinstall = e.ForceReinstall

	line := fmt.Sprintf("[%s %s] %s", p.TypeName(), a, name)
	if prev != nil && prev.Cpv() != p.Cpv() && !opts.Quiet {
		line += " [" + prev.Version + "]"
	}
	if !opts.Quiet {
		use := e.Use
		if use == nil {
			use = p.Use
		}
		if d := PkgUseDisplay(p, use); d != "" {
			line += " " + d
		}
	}
	return line
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// DisplayMergeList writes one line per entry and returns the counters of
// the list.
func DisplayMergeList(w io.Writer, entries []MergeListEntry, opts DisplayOptions) PackageCounters {
	var counters PackageCounters
	for _, e := range entries {
		if e.Blocker != nil {
			counters.Blocks++
			if e.Blocker.Satisfied {
				counters.BlocksSatisfied++
			}
			fmt.Fprintln(w, e.blockerLine(opts))
			continue
		}
		fmt.Fprintln(w, e.pkgLine(opts, &counters))
	}
	if !opts.Quiet {
		fmt.Fprintf(w, "\n%s\n", counters)
	}
	return counters
}

// MaskedCandidate is a package that would satisfy a dependency but for the
// listed reasons.
type MaskedCandidate struct {
	Pkg     *structs.Package
	Reasons []string
}

// UnsatisfiedDep is a dependency no visible package could satisfy.
type UnsatisfiedDep struct {
	Atom *dep.Atom
	Root string
	// Parent names the package or argument that wants the atom, and
	// ParentType its kind ("ebuild", "installed", "argument").
	Parent     string
	ParentType string
	Masked     []MaskedCandidate
	// MissingUse lists candidates rejected because of their USE.
	MissingUse []MaskedCandidate
}

// BlockerProblem is an installed or scheduled package blocked by others.
type BlockerProblem struct {
	Pkg       *structs.Package
	BlockedBy []GraphBlocker
}

// GraphBlocker is a package together with the blocker atom it carries.
type GraphBlocker struct {
	Pkg  *structs.Package
	Atom *dep.Atom
}

// MissedUpdate is a higher version dropped while solving a slot conflict.
type MissedUpdate struct {
	Pkg        *structs.Package
	Selected   *structs.Package
	ParentAtom []string
}

// Problems gathers everything DisplayProblems reports.
type Problems struct {
	SlotConflict  *SlotConflictHandler
	Circular      *CircularDependencyHandler
	Unsatisfied   []UnsatisfiedDep
	Blockers      []BlockerProblem
	MissedUpdates []MissedUpdate
	Changes       *ConfigChanges
	// Arch names the unstable keyword suggested for keyword changes.
	Arch string
	// Messages are printed verbatim at the end.
	Messages []string
}

// Empty reports whether there is nothing to display.
func (p *Problems) Empty() bool {
	return p.SlotConflict == nil && p.Circular == nil && len(p.Unsatisfied) == 0 &&
		len(p.Blockers) == 0 && len(p.MissedUpdates) == 0 &&
		(p.Changes == nil || p.Changes.Empty()) && len(p.Messages) == 0
}

// DisplayProblems writes the diagnostics of a failed or partial
// resolution.
func DisplayProblems(w io.Writer, p *Problems) {
	if p.Circular != nil {
		displayCircular(w, p.Circular)
	}
	if p.SlotConflict != nil {
		fmt.Fprint(w, p.SlotConflict.Conflict())
		if expl, ok := p.SlotConflict.Explanation(); ok {
			fmt.Fprint(w, expl)
		}
	}
	if len(p.MissedUpdates) > 0 {
		displayMissedUpdates(w, p.MissedUpdates)
	}
	if len(p.Blockers) > 0 {
		displayBlockers(w, p.Blockers)
	}
	for _, u := range p.Unsatisfied {
		displayUnsatisfied(w, u)
	}
	if p.Changes != nil && !p.Changes.Empty() {
		displayConfigChanges(w, p.Changes, p.Arch)
	}
	for _, m := range p.Messages {
		fmt.Fprintln(w, m)
	}
}

func displayCircular(w io.Writer, h *CircularDependencyHandler) {
	fmt.Fprint(w, "\n!!! Error: circular dependencies:\n\n")
	fmt.Fprintf(w, "%s\n\n", h.Message)
	switch {
	case len(h.Suggestions) == 1:
		fmt.Fprint(w, "It might be possible to break this cycle\nby applying the following change:\n")
	case len(h.Suggestions) > 1:
		fmt.Fprint(w, "It might be possible to break this cycle\nby applying any of the following changes:\n")
	case h.LargeCycleCount:
		fmt.Fprint(w, "Note that circular dependencies can often be avoided by temporarily\n"+
			"disabling USE flags that trigger optional dependencies.\n")
	}
	for _, s := range h.Suggestions {
		fmt.Fprint(w, s)
	}
	if len(h.Suggestions) > 0 {
		fmt.Fprint(w, "\nNote that this change can be reverted, once the package has been installed.\n")
	}
}

func displayMissedUpdates(w io.Writer, missed []MissedUpdate) {
	fmt.Fprint(w, "\nWARNING: One or more updates/rebuilds have been skipped due to a dependency conflict:\n\n")
	for _, m := range missed {
		fmt.Fprintf(w, "%s\n\n", m.Pkg.SlotAtom())
		if m.Selected != nil {
			fmt.Fprintf(w, "  selected: %s\n", m.Selected)
		}
		fmt.Fprintf(w, "  skipped: %s\n", m.Pkg)
		for _, pa := range m.ParentAtom {
			fmt.Fprintf(w, "    %s\n", pa)
		}
		fmt.Fprintln(w)
	}
}

func displayBlockers(w io.Writer, blockers []BlockerProblem) {
	fmt.Fprint(w, "\n!!! The following packages cannot be installed at the same time on the same system:\n\n")
	for _, b := range blockers {
		fmt.Fprintf(w, "  %s pulled in by\n", b.Pkg)
		for _, by := range b.BlockedBy {
			fmt.Fprintf(w, "    %s (\"%s\")\n", by.Pkg, by.Atom)
		}
		fmt.Fprintln(w)
	}
	fmt.Fprint(w, "For more information about Blocked Packages, please refer to the following\n"+
		"section of the Gentoo Linux x86 Handbook (architecture is irrelevant):\n\n"+
		"https://wiki.gentoo.org/wiki/Handbook:X86/Working/Portage#Blocked_packages\n\n")
}

func displayUnsatisfied(w io.Writer, u UnsatisfiedDep) {
	atom := u.Atom.String()
	if u.Root != "" && u.Root != "/" {
		atom += " for " + u.Root
	}
	switch {
	case len(u.MissingUse) > 0:
		fmt.Fprintf(w, "\nemerge: there are no ebuilds built with USE flags to satisfy \"%s\".\n", atom)
		fmt.Fprint(w, "!!! One of the following packages is required to complete your request:\n")
		for _, m := range u.MissingUse {
			fmt.Fprintf(w, "- %s::%s (%s)\n", m.Pkg.Cpv(), m.Pkg.Repo(), strings.Join(m.Reasons, ", "))
		}
	case len(u.Masked) > 0:
		fmt.Fprintf(w, "\n!!! All ebuilds that could satisfy \"%s\" have been masked.\n", atom)
		fmt.Fprint(w, "!!! One of the following masked packages is required to complete your request:\n")
		for _, m := range u.Masked {
			fmt.Fprintf(w, "- %s::%s (masked by: %s)\n", m.Pkg.Cpv(), m.Pkg.Repo(), strings.Join(m.Reasons, ", "))
		}
	default:
		fmt.Fprintf(w, "\nemerge: there are no ebuilds to satisfy \"%s\".\n", atom)
	}
	if u.Parent != "" {
		fmt.Fprintf(w, "(dependency required by \"%s\" [%s])\n", u.Parent, u.ParentType)
	}
}

func sortedKeys[V any](m map[structs.PackageKey]V) []structs.PackageKey {
	keys := make([]structs.PackageKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

func writeChangeHeader(w io.Writer, reason, file string) {
	fmt.Fprintf(w, "\nThe following %s are necessary to proceed:\n (see \"%s\" in the portage(5) man page for more details)\n", reason, file)
}

func displayConfigChanges(w io.Writer, c *ConfigChanges, arch string) {
	keyword := "**"
	if arch != "" {
		keyword = "~" + arch
	}
	if len(c.NeededUnstableKeywords) > 0 {
		writeChangeHeader(w, "keyword changes", "package.accept_keywords")
		for _, k := range sortedKeys(c.NeededUnstableKeywords) {
			fmt.Fprintf(w, "=%s %s\n", k.Cpv, keyword)
		}
	}
	if len(c.NeededPMaskChanges) > 0 {
		writeChangeHeader(w, "mask changes", "package.unmask")
		for _, k := range sortedKeys(c.NeededPMaskChanges) {
			fmt.Fprintf(w, "=%s\n", k.Cpv)
		}
	}
	if len(c.NeededUseConfigChanges) > 0 {
		writeChangeHeader(w, "USE changes", "package.use")
		for _, k := range sortedKeys(c.NeededUseConfigChanges) {
			cs := CycleSolution{Changes: c.NeededUseConfigChanges[k].Changes}
			flags := strings.ReplaceAll(cs.String(), "+", "")
			fmt.Fprintf(w, ">=%s %s\n", k.Cpv, flags)
		}
	}
	if len(c.NeededLicenseChanges) > 0 {
		writeChangeHeader(w, "license changes", "package.license")
		for _, k := range sortedKeys(c.NeededLicenseChanges) {
			fmt.Fprintf(w, "=%s %s\n", k.Cpv, strings.Join(sortedFlags(c.NeededLicenseChanges[k]), " "))
		}
	}
}
