package ebuild

import (
	"sort"
	"strings"

	"github.com/ppphp/portago-resolver/pkg/dep"
)

// KeywordsManager decides whether the KEYWORDS of a package are accepted.
type KeywordsManager struct {
	acceptKeywords  []string
	pAcceptKeywords []AtomValues
	defaults        []string
}

// NewKeywordsManager takes the global ACCEPT_KEYWORDS and the
// package.accept_keywords lines. A line without keywords accepts the
// testing variant of every stable global keyword.
func NewKeywordsManager(globalAcceptKeywords string, pAcceptKeywords []AtomValues) *KeywordsManager {
	k := &KeywordsManager{
		acceptKeywords:  strings.Fields(globalAcceptKeywords),
		pAcceptKeywords: pAcceptKeywords,
	}
	for _, kw := range k.acceptKeywords {
		if !strings.HasPrefix(kw, "~") && !strings.HasPrefix(kw, "-") {
			k.defaults = append(k.defaults, "~"+kw)
		}
	}
	return k
}

func (k *KeywordsManager) pgroups(c dep.Candidate) map[string]bool {
	groups := append([]string(nil), k.acceptKeywords...)
	for _, values := range MatchingValues(k.pAcceptKeywords, c) {
		if len(values) == 0 {
			values = k.defaults
		}
		groups = append(groups, values...)
	}
	return Incremental(groups)
}

// GetMissingKeywords returns the keywords that would have to be accepted for
// the package to be visible, or nil when it already is.
func (k *KeywordsManager) GetMissingKeywords(c dep.Candidate, keywords string) []string {
	return missingKeywords(k.pgroups(c), strings.Fields(keywords))
}

// IsStable reports a package visible through stable keywords alone.
func (k *KeywordsManager) IsStable(c dep.Candidate, keywords string) bool {
	pgroups := k.pgroups(c)
	mygroups := strings.Fields(keywords)
	if len(missingKeywords(pgroups, mygroups)) > 0 {
		return false
	}
	var stable []string
	for _, kw := range mygroups {
		if !strings.HasPrefix(kw, "~") && !strings.HasPrefix(kw, "-") {
			stable = append(stable, kw)
		}
	}
	acceptedStable := map[string]bool{}
	for g := range pgroups {
		if !strings.HasPrefix(g, "~") {
			acceptedStable[g] = true
		}
	}
	return len(missingKeywords(acceptedStable, stable)) == 0
}

func missingKeywords(pgroups map[string]bool, mygroups []string) []string {
	hasStable, hasTesting := false, false
	for _, gp := range mygroups {
		switch {
		case gp == "-*":
			continue
		case gp == "*":
			return nil
		case gp == "~*":
			hasTesting = true
			for x := range pgroups {
				if strings.HasPrefix(x, "~") {
					return nil
				}
			}
		case pgroups[gp]:
			return nil
		case strings.HasPrefix(gp, "~"):
			hasTesting = true
		case !strings.HasPrefix(gp, "-"):
			hasStable = true
		}
	}
	if hasTesting && pgroups["~*"] || hasStable && pgroups["*"] || pgroups["**"] {
		return nil
	}
	var out []string
	for _, gp := range mygroups {
		if gp != "-*" {
			out = append(out, gp)
		}
	}
	if len(out) == 0 {
		return []string{"**"}
	}
	sort.Strings(out)
	return out
}
