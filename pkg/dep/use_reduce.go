package dep

import (
	"fmt"
	"strings"

	"github.com/google/shlex"
)

// InvalidDependString is returned for malformed dependency strings.
type InvalidDependString struct {
	DepString string
	Msg       string
}

func (e *InvalidDependString) Error() string {
	return fmt.Sprintf("invalid dependency string '%s': %s", e.DepString, e.Msg)
}

// DepNode is one element of a reduced dependency tree. A node is either an
// atom, an any-of group ("|| ( ... )") or an all-of group.
type DepNode struct {
	Atom     *Atom
	AnyOf    bool
	Children []DepNode
}

func (n DepNode) String() string {
	if n.Atom != nil {
		return n.Atom.String()
	}
	parts := make([]string, 0, len(n.Children)+3)
	if n.AnyOf {
		parts = append(parts, "||")
	}
	parts = append(parts, "(")
	for _, c := range n.Children {
		parts = append(parts, c.String())
	}
	parts = append(parts, ")")
	return strings.Join(parts, " ")
}

// ParenEnclose renders a reduced tree back into dependency string form.
func ParenEnclose(nodes []DepNode) string {
	parts := make([]string, 0, len(nodes))
	for _, n := range nodes {
		parts = append(parts, n.String())
	}
	return strings.Join(parts, " ")
}

// UseReduceOptions controls conditional evaluation.
type UseReduceOptions struct {
	// Uselist holds the enabled flags; conditionals on other flags are false.
	Uselist func(flag string) bool
	// Matchall takes every conditional branch.
	Matchall bool
	// IsValidFlag, when set, rejects conditionals on unknown flags.
	IsValidFlag func(flag string) bool
	// EvaluateAtoms resolves USE conditionals inside atoms against Uselist.
	EvaluateAtoms bool
}

func tokenize(depstr string) ([]string, error) {
	tokens, err := shlex.Split(depstr)
	if err != nil {
		return nil, &InvalidDependString{DepString: depstr, Msg: err.Error()}
	}
	return tokens, nil
}

type reducer struct {
	depstr string
	tokens []string
	pos    int
	opts   UseReduceOptions
}

func (r *reducer) fail(format string, args ...interface{}) error {
	return &InvalidDependString{DepString: r.depstr, Msg: fmt.Sprintf(format, args...)}
}

func (r *reducer) conditionTrue(token string) (bool, error) {
	flag := strings.TrimSuffix(token, "?")
	negated := strings.HasPrefix(flag, "!")
	flag = strings.TrimPrefix(flag, "!")
	if !IsValidFlag(flag) {
		return false, r.fail("invalid use flag in conditional '%s'", token)
	}
	if r.opts.IsValidFlag != nil && !r.opts.IsValidFlag(flag) {
		return false, r.fail("USE flag '%s' referenced in conditional '%s' is not in IUSE", flag, token)
	}
	if r.opts.Matchall {
		return true, nil
	}
	enabled := r.opts.Uselist != nil && r.opts.Uselist(flag)
	return enabled != negated, nil
}

// group parses tokens up to the matching ")" (or end of input at depth 0).
func (r *reducer) group(depth int) ([]DepNode, error) {
	var out []DepNode
	for r.pos < len(r.tokens) {
		tok := r.tokens[r.pos]
		r.pos++
		switch {
		case tok == ")":
			if depth == 0 {
				return nil, r.fail("unbalanced ')'")
			}
			return out, nil
		case tok == "(":
			children, err := r.group(depth + 1)
			if err != nil {
				return nil, err
			}
			// plain groups in an all-of context are flattened
			out = append(out, children...)
		case tok == "||":
			if r.pos >= len(r.tokens) || r.tokens[r.pos] != "(" {
				return nil, r.fail("'||' must be followed by '('")
			}
			r.pos++
			children, err := r.anyChildren(depth + 1)
			if err != nil {
				return nil, err
			}
			out = appendAny(out, children)
		case strings.HasSuffix(tok, "?"):
			if r.pos >= len(r.tokens) || r.tokens[r.pos] != "(" {
				return nil, r.fail("conditional '%s' must be followed by '('", tok)
			}
			r.pos++
			ok, err := r.conditionTrue(tok)
			if err != nil {
				return nil, err
			}
			children, err := r.group(depth + 1)
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, children...)
			}
		default:
			a, err := r.atom(tok)
			if err != nil {
				return nil, err
			}
			out = append(out, DepNode{Atom: a})
		}
	}
	if depth != 0 {
		return nil, r.fail("missing ')'")
	}
	return out, nil
}

// anyChildren parses the members of an any-of group. Nested plain groups stay
// all-of nodes here.
func (r *reducer) anyChildren(depth int) ([]DepNode, error) {
	var out []DepNode
	for r.pos < len(r.tokens) {
		tok := r.tokens[r.pos]
		r.pos++
		switch {
		case tok == ")":
			return out, nil
		case tok == "(":
			children, err := r.group(depth + 1)
			if err != nil {
				return nil, err
			}
			switch len(children) {
			case 0:
			case 1:
				out = append(out, children[0])
			default:
				out = append(out, DepNode{Children: children})
			}
		case tok == "||":
			if r.pos >= len(r.tokens) || r.tokens[r.pos] != "(" {
				return nil, r.fail("'||' must be followed by '('")
			}
			r.pos++
			children, err := r.anyChildren(depth + 1)
			if err != nil {
				return nil, err
			}
			if len(children) > 0 {
				// a nested any-of is equivalent to its members
				out = append(out, children...)
			}
		case strings.HasSuffix(tok, "?"):
			if r.pos >= len(r.tokens) || r.tokens[r.pos] != "(" {
				return nil, r.fail("conditional '%s' must be followed by '('", tok)
			}
			r.pos++
			ok, err := r.conditionTrue(tok)
			if err != nil {
				return nil, err
			}
			children, err := r.group(depth + 1)
			if err != nil {
				return nil, err
			}
			if ok {
				switch len(children) {
				case 0:
				case 1:
					out = append(out, children[0])
				default:
					out = append(out, DepNode{Children: children})
				}
			}
		default:
			a, err := r.atom(tok)
			if err != nil {
				return nil, err
			}
			out = append(out, DepNode{Atom: a})
		}
	}
	return nil, r.fail("missing ')'")
}

func appendAny(out []DepNode, children []DepNode) []DepNode {
	switch len(children) {
	case 0:
		return out
	case 1:
		if children[0].Atom == nil && !children[0].AnyOf {
			return append(out, children[0].Children...)
		}
		return append(out, children[0])
	}
	return append(out, DepNode{AnyOf: true, Children: children})
}

func (r *reducer) atom(tok string) (*Atom, error) {
	a, err := NewAtom(tok, true)
	if err != nil {
		return nil, r.fail("%v", err)
	}
	if r.opts.EvaluateAtoms && a.HasUseConditionals() {
		use := r.opts.Uselist
		if use == nil {
			use = func(string) bool { return false }
		}
		a = a.EvaluateConditionals(use)
	}
	return a, nil
}

// UseReduce parses a dependency string and evaluates its USE conditionals.
func UseReduce(depstr string, opts UseReduceOptions) ([]DepNode, error) {
	tokens, err := tokenize(depstr)
	if err != nil {
		return nil, err
	}
	r := &reducer{depstr: depstr, tokens: tokens, opts: opts}
	return r.group(0)
}

// Flatten returns every atom in the tree, any-of members included.
func Flatten(nodes []DepNode) []*Atom {
	var out []*Atom
	for _, n := range nodes {
		if n.Atom != nil {
			out = append(out, n.Atom)
			continue
		}
		out = append(out, Flatten(n.Children)...)
	}
	return out
}

// ExtractAffectingUse returns the flags whose conditionals enclose target in
// depstr, i.e. the flags that decide whether target is a dependency at all.
func ExtractAffectingUse(depstr string, target *Atom) (map[string]bool, error) {
	tokens, err := tokenize(depstr)
	if err != nil {
		return nil, err
	}
	affecting := map[string]bool{}
	var stack []string
	var pending string
	found := false
	for _, tok := range tokens {
		switch {
		case tok == "(":
			stack = append(stack, pending)
			pending = ""
		case tok == ")":
			if len(stack) == 0 {
				return nil, &InvalidDependString{DepString: depstr, Msg: "unbalanced ')'"}
			}
			stack = stack[:len(stack)-1]
		case tok == "||":
			pending = ""
		case strings.HasSuffix(tok, "?"):
			pending = strings.TrimPrefix(strings.TrimSuffix(tok, "?"), "!")
		default:
			pending = ""
			a, err := NewAtom(tok, true)
			if err != nil {
				return nil, &InvalidDependString{DepString: depstr, Msg: err.Error()}
			}
			if a.Unevaluated() != target.Unevaluated() && a.String() != target.String() {
				continue
			}
			found = true
			for _, flag := range stack {
				if flag != "" {
					affecting[flag] = true
				}
			}
		}
	}
	if len(stack) != 0 {
		return nil, &InvalidDependString{DepString: depstr, Msg: "missing ')'"}
	}
	if !found {
		return nil, &InvalidDependString{DepString: depstr, Msg: fmt.Sprintf("atom '%s' not found", target)}
	}
	return affecting, nil
}

// UseConditionals returns every flag used in a conditional of depstr.
func UseConditionals(depstr string) (map[string]bool, error) {
	tokens, err := tokenize(depstr)
	if err != nil {
		return nil, err
	}
	flags := map[string]bool{}
	for _, tok := range tokens {
		if strings.HasSuffix(tok, "?") {
			flags[strings.TrimPrefix(strings.TrimSuffix(tok, "?"), "!")] = true
		}
	}
	return flags, nil
}
