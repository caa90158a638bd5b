package ebuild

import (
	"sort"
	"strings"

	"github.com/google/shlex"
	"github.com/sirupsen/logrus"

	"github.com/ppphp/portago-resolver/pkg/dep"
)

// LicenseManager decides whether the LICENSE of a package is accepted.
type LicenseManager struct {
	licenseGroups  map[string][]string
	acceptLicense  []string
	pLicense       []AtomValues
	undefLicGroups map[string]bool
}

// NewLicenseManager takes ACCEPT_LICENSE, the license_groups definitions and
// the package.license lines.
func NewLicenseManager(acceptLicense string, licenseGroups map[string][]string, pLicense []AtomValues) *LicenseManager {
	l := &LicenseManager{
		licenseGroups:  licenseGroups,
		pLicense:       pLicense,
		undefLicGroups: map[string]bool{},
	}
	if l.licenseGroups == nil {
		l.licenseGroups = map[string][]string{}
	}
	l.acceptLicense = l.expandLicenseTokens(strings.Fields(acceptLicense))
	return l
}

func (l *LicenseManager) expandLicenseTokens(tokens []string) []string {
	var out []string
	for _, t := range tokens {
		out = append(out, l.expandLicenseToken(t, map[string]bool{})...)
	}
	return out
}

func (l *LicenseManager) expandLicenseToken(token string, traversed map[string]bool) []string {
	negate := strings.HasPrefix(token, "-")
	name := strings.TrimPrefix(token, "-")
	if !strings.HasPrefix(name, "@") {
		return []string{token}
	}
	group := name[1:]
	members, ok := l.licenseGroups[group]
	if !ok {
		if !l.undefLicGroups[group] {
			l.undefLicGroups[group] = true
			logrus.Warnf("Undefined license group '%s'", group)
		}
		return []string{token}
	}
	if traversed[group] {
		logrus.Warnf("Circular license group reference detected in '%s'", group)
		return []string{token}
	}
	traversed[group] = true
	var out []string
	for _, m := range members {
		if negate {
			m = "-" + strings.TrimPrefix(m, "-")
		}
		out = append(out, l.expandLicenseToken(m, traversed)...)
	}
	return out
}

func (l *LicenseManager) acceptable(c dep.Candidate, licenses []string) map[string]bool {
	accept := append([]string(nil), l.acceptLicense...)
	for _, values := range MatchingValues(l.pLicense, c) {
		accept = append(accept, l.expandLicenseTokens(values)...)
	}
	out := map[string]bool{}
	for _, x := range accept {
		switch {
		case x == "*":
			for _, lic := range licenses {
				out[lic] = true
			}
		case x == "-*":
			out = map[string]bool{}
		case strings.HasPrefix(x, "-"):
			delete(out, x[1:])
		default:
			out[x] = true
		}
	}
	return out
}

// licenseNode is a parsed LICENSE expression: a name or a group.
type licenseNode struct {
	name     string
	anyOf    bool
	children []licenseNode
}

func parseLicense(tokens []string, pos *int, use func(string) bool, depth int) ([]licenseNode, error) {
	var out []licenseNode
	for *pos < len(tokens) {
		t := tokens[*pos]
		*pos++
		switch {
		case t == ")":
			if depth == 0 {
				return nil, &dep.InvalidDependString{DepString: strings.Join(tokens, " "), Msg: "unbalanced ')'"}
			}
			return out, nil
		case t == "||" || t == "(" || strings.HasSuffix(t, "?"):
			if t != "(" {
				if *pos >= len(tokens) || tokens[*pos] != "(" {
					return nil, &dep.InvalidDependString{DepString: strings.Join(tokens, " "), Msg: "'" + t + "' must be followed by '('"}
				}
				*pos++
			}
			children, err := parseLicense(tokens, pos, use, depth+1)
			if err != nil {
				return nil, err
			}
			if strings.HasSuffix(t, "?") {
				flag := strings.TrimSuffix(t, "?")
				if strings.HasPrefix(flag, "!") == use(strings.TrimPrefix(flag, "!")) {
					continue
				}
			}
			out = append(out, licenseNode{anyOf: t == "||", children: children})
		default:
			out = append(out, licenseNode{name: t})
		}
	}
	if depth != 0 {
		return nil, &dep.InvalidDependString{DepString: strings.Join(tokens, " "), Msg: "missing ')'"}
	}
	return out, nil
}

func flattenLicense(nodes []licenseNode, out map[string]bool) {
	for _, n := range nodes {
		if n.name != "" {
			out[n.name] = true
		}
		flattenLicense(n.children, out)
	}
}

func maskedLicenses(nodes []licenseNode, anyOf bool, ok map[string]bool) []string {
	var missing []string
	for _, n := range nodes {
		var m []string
		if n.name != "" {
			if !ok[n.name] {
				m = []string{n.name}
			}
		} else {
			m = maskedLicenses(n.children, n.anyOf, ok)
		}
		if anyOf && len(m) == 0 {
			return nil
		}
		missing = append(missing, m...)
	}
	return missing
}

// GetMissingLicenses returns the licenses that would have to be accepted for
// the package, or nil when its LICENSE is acceptable.
func (l *LicenseManager) GetMissingLicenses(c dep.Candidate, license string, use func(string) bool) ([]string, error) {
	tokens, err := shlex.Split(license)
	if err != nil {
		return nil, &dep.InvalidDependString{DepString: license, Msg: err.Error()}
	}
	if use == nil {
		use = func(string) bool { return false }
	}
	pos := 0
	nodes, err := parseLicense(tokens, &pos, use, 0)
	if err != nil {
		return nil, err
	}
	all := map[string]bool{}
	flattenLicense(nodes, all)
	names := make([]string, 0, len(all))
	for n := range all {
		names = append(names, n)
	}
	sort.Strings(names)
	missing := maskedLicenses(nodes, false, l.acceptable(c, names))
	sort.Strings(missing)
	return missing, nil
}
