package dep

import (
	"strings"
)

type requiredNode struct {
	op       string // "", "||", "^^", "??", "flag?" or "!flag?"
	flag     string // leaf flag, possibly "!flag"
	children []*requiredNode
}

type requiredUseParser struct {
	depstr string
	tokens []string
	pos    int
}

func (p *requiredUseParser) fail(msg string) error {
	return &InvalidDependString{DepString: p.depstr, Msg: msg}
}

func (p *requiredUseParser) parse(depth int) ([]*requiredNode, error) {
	var out []*requiredNode
	for p.pos < len(p.tokens) {
		tok := p.tokens[p.pos]
		p.pos++
		switch {
		case tok == ")":
			if depth == 0 {
				return nil, p.fail("unbalanced ')'")
			}
			return out, nil
		case tok == "(":
			children, err := p.parse(depth + 1)
			if err != nil {
				return nil, err
			}
			out = append(out, &requiredNode{children: children})
		case tok == "||" || tok == "^^" || tok == "??" || strings.HasSuffix(tok, "?"):
			if p.pos >= len(p.tokens) || p.tokens[p.pos] != "(" {
				return nil, p.fail("'" + tok + "' must be followed by '('")
			}
			p.pos++
			children, err := p.parse(depth + 1)
			if err != nil {
				return nil, err
			}
			out = append(out, &requiredNode{op: tok, children: children})
		default:
			flag := strings.TrimPrefix(tok, "!")
			if !IsValidFlag(flag) {
				return nil, p.fail("invalid flag '" + tok + "'")
			}
			out = append(out, &requiredNode{flag: tok})
		}
	}
	if depth != 0 {
		return nil, p.fail("missing ')'")
	}
	return out, nil
}

type requiredUseEval struct {
	depstr string
	use    func(string) bool
	iuse   func(string) bool
}

func (e *requiredUseEval) active(token string) (bool, error) {
	negated := strings.HasPrefix(token, "!")
	flag := strings.TrimPrefix(token, "!")
	if e.iuse != nil && !e.iuse(flag) {
		return false, &InvalidDependString{DepString: e.depstr, Msg: "USE flag '" + flag + "' is not in IUSE"}
	}
	return e.use(flag) != negated, nil
}

// eval returns the node value; present is false for inactive conditionals,
// which do not take part in the enclosing group.
func (e *requiredUseEval) eval(n *requiredNode) (value, present bool, err error) {
	if n.flag != "" {
		v, err := e.active(n.flag)
		return v, true, err
	}
	if strings.HasSuffix(n.op, "?") && n.op != "??" {
		ok, err := e.active(strings.TrimSuffix(n.op, "?"))
		if err != nil {
			return false, false, err
		}
		if !ok {
			return true, false, nil
		}
	}
	count, total := 0, 0
	for _, c := range n.children {
		r, p, err := e.eval(c)
		if err != nil {
			return false, false, err
		}
		if !p {
			continue
		}
		total++
		if r {
			count++
		}
	}
	switch n.op {
	case "||":
		return count > 0, true, nil
	case "^^":
		return count == 1, true, nil
	case "??":
		return count <= 1, true, nil
	}
	return count == total, true, nil
}

// CheckRequiredUse evaluates a REQUIRED_USE expression. use reports enabled
// flags; iuse, when set, makes references to flags outside IUSE an error.
func CheckRequiredUse(requiredUse string, use, iuse func(string) bool) (bool, error) {
	tokens, err := tokenize(requiredUse)
	if err != nil {
		return false, err
	}
	p := &requiredUseParser{depstr: requiredUse, tokens: tokens}
	nodes, err := p.parse(0)
	if err != nil {
		return false, err
	}
	e := &requiredUseEval{depstr: requiredUse, use: use, iuse: iuse}
	for _, n := range nodes {
		ok, _, err := e.eval(n)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// RequiredUseFlags lists the flags referenced by a REQUIRED_USE expression.
func RequiredUseFlags(requiredUse string) (map[string]bool, error) {
	tokens, err := tokenize(requiredUse)
	if err != nil {
		return nil, err
	}
	flags := map[string]bool{}
	for _, tok := range tokens {
		switch tok {
		case "(", ")", "||", "^^", "??":
			continue
		}
		flags[strings.TrimPrefix(strings.TrimSuffix(tok, "?"), "!")] = true
	}
	return flags, nil
}
