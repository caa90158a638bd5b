package dep

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/ppphp/portago-resolver/pkg/versions"
)

var (
	catRe     = regexp.MustCompile(`^[\w+][\w+.-]*$`)
	pnRe      = regexp.MustCompile(`^[\w+][\w+-]*$`)
	slotRe    = regexp.MustCompile(`^[\w+][\w+.-]*$`)
	repoRe    = regexp.MustCompile(`^[\w][\w-]*$`)
	usedepRe  = regexp.MustCompile(`^(?P<prefix>[!-]?)(?P<flag>[A-Za-z0-9][A-Za-z0-9+_@-]*)(?P<default>(\(\+\)|\(-\))?)(?P<suffix>[?=]?)$`)
	useflagRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9+_@-]*$`)

	operators = []string{">=", "<=", ">", "<", "=", "~"}
)

// InvalidAtom is returned for strings that do not parse as an atom.
type InvalidAtom struct {
	Atom   string
	Reason string
}

func (e *InvalidAtom) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("invalid atom: '%s'", e.Atom)
	}
	return fmt.Sprintf("invalid atom: '%s': %s", e.Atom, e.Reason)
}

// useDep holds the parsed [...] part of an atom.
type useDep struct {
	tokens          []string
	enabled         map[string]bool
	disabled        map[string]bool
	missingEnabled  map[string]bool
	missingDisabled map[string]bool
	required        map[string]bool

	condEnabled  map[string]bool
	condDisabled map[string]bool
	condEqual    map[string]bool
	condNotEqual map[string]bool
}

func newUseDep(use []string) (*useDep, error) {
	u := &useDep{
		enabled:         map[string]bool{},
		disabled:        map[string]bool{},
		missingEnabled:  map[string]bool{},
		missingDisabled: map[string]bool{},
		required:        map[string]bool{},
		condEnabled:     map[string]bool{},
		condDisabled:    map[string]bool{},
		condEqual:       map[string]bool{},
		condNotEqual:    map[string]bool{},
	}
	for _, x := range use {
		m := usedepRe.FindStringSubmatch(x)
		if m == nil {
			return nil, fmt.Errorf("invalid use dep: '%s'", x)
		}
		prefix, flag, defaults, suffix := m[1], m[2], m[3], m[5]
		switch prefix + suffix {
		case "":
			u.enabled[flag] = true
		case "-":
			u.disabled[flag] = true
		case "?":
			u.condEnabled[flag] = true
		case "!?":
			u.condDisabled[flag] = true
		case "=":
			u.condEqual[flag] = true
		case "!=":
			u.condNotEqual[flag] = true
		default:
			return nil, fmt.Errorf("invalid use dep: '%s'", x)
		}
		switch defaults {
		case "(+)":
			if u.missingDisabled[flag] || u.required[flag] {
				return nil, fmt.Errorf("invalid use dep: '%s'", x)
			}
			u.missingEnabled[flag] = true
		case "(-)":
			if u.missingEnabled[flag] || u.required[flag] {
				return nil, fmt.Errorf("invalid use dep: '%s'", x)
			}
			u.missingDisabled[flag] = true
		default:
			if u.missingEnabled[flag] || u.missingDisabled[flag] {
				return nil, fmt.Errorf("invalid use dep: '%s'", x)
			}
			u.required[flag] = true
		}
	}
	u.tokens = use
	return u, nil
}

func (u *useDep) conditional() bool {
	return len(u.condEnabled)+len(u.condDisabled)+len(u.condEqual)+len(u.condNotEqual) > 0
}

func (u *useDep) String() string {
	if len(u.tokens) == 0 {
		return ""
	}
	return "[" + strings.Join(u.tokens, ",") + "]"
}

func (u *useDep) defaultSuffix(flag string) string {
	if u.missingEnabled[flag] {
		return "(+)"
	}
	if u.missingDisabled[flag] {
		return "(-)"
	}
	return ""
}

// evaluate resolves conditional flags against the parent's enabled USE.
func (u *useDep) evaluate(use func(string) bool) *useDep {
	tokens := make([]string, 0, len(u.tokens))
	for _, x := range u.tokens {
		m := usedepRe.FindStringSubmatch(x)
		prefix, flag, suffix := m[1], m[2], m[5]
		d := u.defaultSuffix(flag)
		switch prefix + suffix {
		case "?":
			if use(flag) {
				tokens = append(tokens, flag+d)
			}
		case "!?":
			if !use(flag) {
				tokens = append(tokens, "-"+flag+d)
			}
		case "=":
			if use(flag) {
				tokens = append(tokens, flag+d)
			} else {
				tokens = append(tokens, "-"+flag+d)
			}
		case "!=":
			if use(flag) {
				tokens = append(tokens, "-"+flag+d)
			} else {
				tokens = append(tokens, flag+d)
			}
		default:
			tokens = append(tokens, x)
		}
	}
	ev, _ := newUseDep(tokens)
	return ev
}

// Candidate is the view of a package an atom is matched against.
type Candidate interface {
	CpvString() string
	SlotInfo() (slot, subSlot string)
	RepoName() string
	UseEnabled(flag string) bool
	HasIUse(flag string) bool
}

// Atom is an immutable dependency constraint.
type Atom struct {
	Blocker      bool
	Overlap      bool // "!!"
	Operator     string
	CP           string
	Cpv          string
	Version      string
	Slot         string
	SubSlot      string
	SlotOperator string
	Repo         string

	use         *useDep
	unevaluated string
	str         string
}

// NewAtom parses s. Blockers are only accepted with allowBlockers.
func NewAtom(s string, allowBlockers bool) (*Atom, error) {
	a := &Atom{}
	rest := s
	if strings.HasPrefix(rest, "!!") {
		a.Blocker, a.Overlap = true, true
		rest = rest[2:]
	} else if strings.HasPrefix(rest, "!") {
		a.Blocker = true
		rest = rest[1:]
	}
	if a.Blocker && !allowBlockers {
		return nil, &InvalidAtom{Atom: s, Reason: "blocker not allowed"}
	}

	if strings.HasSuffix(rest, "]") {
		i := strings.LastIndex(rest, "[")
		if i < 0 {
			return nil, &InvalidAtom{Atom: s, Reason: "unbalanced use dep"}
		}
		use, err := newUseDep(strings.Split(rest[i+1:len(rest)-1], ","))
		if err != nil {
			return nil, &InvalidAtom{Atom: s, Reason: err.Error()}
		}
		a.use = use
		rest = rest[:i]
	}

	if i := strings.Index(rest, "::"); i >= 0 {
		a.Repo = rest[i+2:]
		rest = rest[:i]
		if !repoRe.MatchString(a.Repo) {
			return nil, &InvalidAtom{Atom: s, Reason: "invalid repository"}
		}
	}

	if i := strings.Index(rest, ":"); i >= 0 {
		slot := rest[i+1:]
		rest = rest[:i]
		switch {
		case slot == "=" || slot == "*":
			a.SlotOperator = slot
		default:
			if strings.HasSuffix(slot, "=") {
				a.SlotOperator = "="
				slot = slot[:len(slot)-1]
			}
			parts := strings.SplitN(slot, "/", 2)
			if !slotRe.MatchString(parts[0]) {
				return nil, &InvalidAtom{Atom: s, Reason: "invalid slot"}
			}
			a.Slot = parts[0]
			if len(parts) == 2 {
				if !slotRe.MatchString(parts[1]) {
					return nil, &InvalidAtom{Atom: s, Reason: "invalid sub-slot"}
				}
				a.SubSlot = parts[1]
			}
		}
	}

	for _, op := range operators {
		if strings.HasPrefix(rest, op) {
			a.Operator = op
			rest = rest[len(op):]
			break
		}
	}

	if a.Operator != "" {
		glob := strings.HasSuffix(rest, "*")
		if glob {
			if a.Operator != "=" {
				return nil, &InvalidAtom{Atom: s, Reason: "wildcard requires '='"}
			}
			a.Operator = "=*"
			rest = rest[:len(rest)-1]
		}
		split := versions.CatPkgSplit(rest)
		if split == [4]string{} || split[0] == "null" {
			return nil, &InvalidAtom{Atom: s, Reason: "invalid cpv"}
		}
		a.CP = split[0] + "/" + split[1]
		a.Cpv = rest
		a.Version = versions.CpvGetVersion(rest)
		if a.Operator == "~" && strings.Contains(a.Version, "-r") && split[3] != "r0" {
			return nil, &InvalidAtom{Atom: s, Reason: "'~' does not take a revision"}
		}
	} else {
		parts := strings.SplitN(rest, "/", 2)
		if len(parts) != 2 || !catRe.MatchString(parts[0]) || !pnRe.MatchString(parts[1]) {
			return nil, &InvalidAtom{Atom: s, Reason: "invalid category/package"}
		}
		if versions.CatPkgSplit(rest) != [4]string{} {
			return nil, &InvalidAtom{Atom: s, Reason: "version requires an operator"}
		}
		a.CP = rest
		a.Cpv = rest
	}
	a.str = a.format()
	a.unevaluated = a.str
	return a, nil
}

// MustAtom is NewAtom for literals; it panics on invalid input.
func MustAtom(s string) *Atom {
	a, err := NewAtom(s, true)
	if err != nil {
		panic(err)
	}
	return a
}

// IsValidAtom reports whether s parses as an atom.
func IsValidAtom(s string, allowBlockers bool) bool {
	_, err := NewAtom(s, allowBlockers)
	return err == nil
}

func (a *Atom) format() string {
	var b strings.Builder
	if a.Blocker {
		b.WriteString("!")
		if a.Overlap {
			b.WriteString("!")
		}
	}
	switch a.Operator {
	case "=*":
		b.WriteString("=" + a.Cpv + "*")
	case "":
		b.WriteString(a.CP)
	default:
		b.WriteString(a.Operator + a.Cpv)
	}
	if a.Slot != "" || a.SlotOperator != "" {
		b.WriteString(":")
		b.WriteString(a.Slot)
		if a.SubSlot != "" {
			b.WriteString("/" + a.SubSlot)
		}
		b.WriteString(a.SlotOperator)
	}
	if a.Repo != "" {
		b.WriteString("::" + a.Repo)
	}
	if a.use != nil {
		b.WriteString(a.use.String())
	}
	return b.String()
}

func (a *Atom) String() string {
	return a.str
}

// Unevaluated returns the atom string before USE conditionals were evaluated.
func (a *Atom) Unevaluated() string {
	return a.unevaluated
}

func (a *Atom) Equal(o *Atom) bool {
	return a != nil && o != nil && a.str == o.str
}

// HasUse reports whether the atom carries USE dependencies.
func (a *Atom) HasUse() bool {
	return a.use != nil && len(a.use.tokens) > 0
}

// UseEnabled lists the flags the atom requires enabled.
func (a *Atom) UseEnabled() []string {
	return a.sortedFlags(func(u *useDep) map[string]bool { return u.enabled })
}

// UseDisabled lists the flags the atom requires disabled.
func (a *Atom) UseDisabled() []string {
	return a.sortedFlags(func(u *useDep) map[string]bool { return u.disabled })
}

func (a *Atom) sortedFlags(f func(*useDep) map[string]bool) []string {
	if a.use == nil {
		return nil
	}
	var flags []string
	for flag := range f(a.use) {
		flags = append(flags, flag)
	}
	sort.Strings(flags)
	return flags
}

// HasUseConditionals reports whether the atom still has flag?, flag= style deps.
func (a *Atom) HasUseConditionals() bool {
	return a.use != nil && a.use.conditional()
}

// SlotOperatorBuilt is true for "slot/sub=" atoms recorded in built packages.
func (a *Atom) SlotOperatorBuilt() bool {
	return a.SlotOperator == "=" && a.Slot != ""
}

func (a *Atom) clone() *Atom {
	b := *a
	return &b
}

// WithoutUse drops the USE dependencies.
func (a *Atom) WithoutUse() *Atom {
	if a.use == nil {
		return a
	}
	b := a.clone()
	b.use = nil
	b.str = b.format()
	return b
}

// WithoutBlocker returns the positive form of a blocker atom.
func (a *Atom) WithoutBlocker() *Atom {
	if !a.Blocker {
		return a
	}
	b := a.clone()
	b.Blocker, b.Overlap = false, false
	b.str = b.format()
	b.unevaluated = strings.TrimLeft(a.unevaluated, "!")
	return b
}

// WithoutSlot drops the slot restriction and slot operator.
func (a *Atom) WithoutSlot() *Atom {
	if a.Slot == "" && a.SlotOperator == "" {
		return a
	}
	b := a.clone()
	b.Slot, b.SubSlot, b.SlotOperator = "", "", ""
	b.str = b.format()
	return b
}

// WithRepo pins the atom to a repository.
func (a *Atom) WithRepo(repo string) *Atom {
	b := a.clone()
	b.Repo = repo
	b.str = b.format()
	return b
}

// WithSlot replaces the slot restriction.
func (a *Atom) WithSlot(slot string) *Atom {
	b := a.clone()
	parts := strings.SplitN(slot, "/", 2)
	b.Slot, b.SubSlot, b.SlotOperator = parts[0], "", ""
	if len(parts) == 2 {
		b.SubSlot = parts[1]
	}
	b.str = b.format()
	return b
}

// EvaluateConditionals resolves flag?, !flag?, flag= and !flag= against use.
func (a *Atom) EvaluateConditionals(use func(string) bool) *Atom {
	if !a.HasUseConditionals() {
		return a
	}
	b := a.clone()
	b.use = a.use.evaluate(use)
	if len(b.use.tokens) == 0 {
		b.use = nil
	}
	b.str = b.format()
	b.unevaluated = a.unevaluated
	return b
}

// MatchVersion checks the operator/version part against a cpv.
func (a *Atom) MatchVersion(cpv string) bool {
	if versions.CpvGetKey(cpv) != a.CP {
		return false
	}
	if a.Operator == "" {
		return true
	}
	ver := versions.CpvGetVersion(cpv)
	switch a.Operator {
	case "=*":
		return strings.HasPrefix(ver, a.Version)
	case "~":
		c, err := versions.VerCmp(stripRevision(ver), stripRevision(a.Version))
		return err == nil && c == 0
	}
	c, err := versions.VerCmp(ver, a.Version)
	if err != nil {
		return false
	}
	switch a.Operator {
	case "=":
		return c == 0
	case ">":
		return c > 0
	case ">=":
		return c >= 0
	case "<":
		return c < 0
	case "<=":
		return c <= 0
	}
	return false
}

func stripRevision(ver string) string {
	if i := strings.LastIndex(ver, "-r"); i >= 0 {
		return ver[:i]
	}
	return ver
}

// MatchSlot checks the slot and sub-slot restriction.
func (a *Atom) MatchSlot(slot, subSlot string) bool {
	if a.Slot != "" && a.Slot != slot {
		return false
	}
	if a.SubSlot != "" && a.SubSlot != subSlot {
		return false
	}
	return true
}

// MatchUse checks the USE dependencies against a package's enabled flags.
// Flags absent from IUSE only match through a (+)/(-) default.
func (a *Atom) MatchUse(c Candidate, enabled func(string) bool) bool {
	if a.use == nil {
		return true
	}
	for flag := range a.use.enabled {
		if c.HasIUse(flag) {
			if !enabled(flag) {
				return false
			}
		} else if !a.use.missingEnabled[flag] {
			return false
		}
	}
	for flag := range a.use.disabled {
		if c.HasIUse(flag) {
			if enabled(flag) {
				return false
			}
		} else if !a.use.missingDisabled[flag] {
			return false
		}
	}
	return true
}

// MatchNoUse matches version, slot and repository.
func (a *Atom) MatchNoUse(c Candidate) bool {
	if !a.MatchVersion(c.CpvString()) {
		return false
	}
	slot, sub := c.SlotInfo()
	if !a.MatchSlot(slot, sub) {
		return false
	}
	return a.Repo == "" || a.Repo == c.RepoName()
}

// Match matches the candidate with its own USE state.
func (a *Atom) Match(c Candidate) bool {
	return a.MatchNoUse(c) && a.MatchUse(c, c.UseEnabled)
}

// MatchWithUse matches the candidate as if enabled were its USE state.
func (a *Atom) MatchWithUse(c Candidate, enabled func(string) bool) bool {
	return a.MatchNoUse(c) && a.MatchUse(c, enabled)
}

// UseChanges returns the flag values a candidate would need for the USE
// dependencies to match. ok is false when a flag outside IUSE would have to
// change.
func (a *Atom) UseChanges(c Candidate, enabled func(string) bool) (changes map[string]bool, ok bool) {
	changes = map[string]bool{}
	if a.use == nil {
		return changes, true
	}
	for flag := range a.use.enabled {
		if !c.HasIUse(flag) {
			if !a.use.missingEnabled[flag] {
				return nil, false
			}
			continue
		}
		if !enabled(flag) {
			changes[flag] = true
		}
	}
	for flag := range a.use.disabled {
		if !c.HasIUse(flag) {
			if !a.use.missingDisabled[flag] {
				return nil, false
			}
			continue
		}
		if enabled(flag) {
			changes[flag] = false
		}
	}
	return changes, true
}

// Intersects is true when some package could match both atoms.
func (a *Atom) Intersects(o *Atom) bool {
	if a.CP != o.CP {
		return false
	}
	if a.str == o.str {
		return true
	}
	if a.Slot != "" && o.Slot != "" && a.Slot != o.Slot {
		return false
	}
	if a.Repo != "" && o.Repo != "" && a.Repo != o.Repo {
		return false
	}
	if a.Operator == "" || o.Operator == "" {
		return true
	}
	return a.MatchVersion(o.Cpv) || o.MatchVersion(a.Cpv)
}

// MatchFromList filters cpvs by the version part of the atom.
func MatchFromList(a *Atom, cpvs []string) []string {
	var out []string
	for _, cpv := range cpvs {
		if a.MatchVersion(cpv) {
			out = append(out, cpv)
		}
	}
	return out
}

// IsValidFlag reports whether flag is a syntactically valid USE flag.
func IsValidFlag(flag string) bool {
	return useflagRe.MatchString(flag)
}

// UnevaluatedAtom parses the atom as written, USE conditionals included.
func (a *Atom) UnevaluatedAtom() *Atom {
	if a.unevaluated == "" || a.unevaluated == a.str {
		return a
	}
	u, err := NewAtom(a.unevaluated, true)
	if err != nil {
		return a
	}
	return u
}

// UseTokens returns the USE dependency tokens as written.
func (a *Atom) UseTokens() []string {
	if a.use == nil {
		return nil
	}
	return append([]string(nil), a.use.tokens...)
}

// UseRequired lists the flags named in USE dependencies without a (+) or
// (-) default. Conditional flags are included.
func (a *Atom) UseRequired() []string {
	return a.sortedFlags(func(u *useDep) map[string]bool { return u.required })
}

// UseCondition returns how flag is used conditionally: "?" for flag?,
// "!?" for !flag?, "=" for flag= and "!=" for !flag=. It returns "" for
// unconditional or absent flags.
func (a *Atom) UseCondition(flag string) string {
	if a.use == nil {
		return ""
	}
	switch {
	case a.use.condEnabled[flag]:
		return "?"
	case a.use.condDisabled[flag]:
		return "!?"
	case a.use.condEqual[flag]:
		return "="
	case a.use.condNotEqual[flag]:
		return "!="
	}
	return ""
}

// MissingIUse lists the required flags c does not have in IUSE.
func (a *Atom) MissingIUse(c Candidate) []string {
	var out []string
	for _, flag := range a.UseRequired() {
		if !c.HasIUse(flag) {
			out = append(out, flag)
		}
	}
	return out
}

// ViolatedUse lists the flags keeping c from matching the USE
// dependencies: wantOn must be enabled, wantOff disabled. With parentUse
// set, the unevaluated atom is evaluated against it first.
func (a *Atom) ViolatedUse(c Candidate, enabled func(string) bool, parentUse func(string) bool) (wantOn, wantOff []string) {
	atom := a
	if parentUse != nil {
		atom = a.UnevaluatedAtom().EvaluateConditionals(parentUse)
	}
	if atom.use == nil {
		return nil, nil
	}
	for _, flag := range atom.UseEnabled() {
		if c.HasIUse(flag) {
			if !enabled(flag) {
				wantOn = append(wantOn, flag)
			}
		} else if !atom.use.missingEnabled[flag] {
			wantOn = append(wantOn, flag)
		}
	}
	for _, flag := range atom.UseDisabled() {
		if c.HasIUse(flag) {
			if enabled(flag) {
				wantOff = append(wantOff, flag)
			}
		} else if !atom.use.missingDisabled[flag] {
			wantOff = append(wantOff, flag)
		}
	}
	return wantOn, wantOff
}
