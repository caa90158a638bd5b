// Package ebuild holds the keyword and license acceptance rules applied to
// ebuild candidates.
package ebuild

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/ppphp/portago-resolver/pkg/dep"
)

// AtomValues is one line of a package.* file: an atom and its tokens.
type AtomValues struct {
	Atom   *dep.Atom
	Values []string
}

// ParsePackageLines parses lines of the form "atom token...". Blank lines
// and comments are skipped.
func ParsePackageLines(name string, lines []string) ([]AtomValues, error) {
	var out []AtomValues
	for i, line := range lines {
		if j := strings.Index(line, "#"); j >= 0 {
			line = line[:j]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		a, err := dep.NewAtom(fields[0], false)
		if err != nil {
			return nil, errors.Wrapf(err, "%s: line %d", name, i+1)
		}
		out = append(out, AtomValues{Atom: a, Values: fields[1:]})
	}
	return out, nil
}

// MatchingValues returns the values of every line whose atom matches c,
// in file order. USE dependencies of the atoms are ignored.
func MatchingValues(lines []AtomValues, c dep.Candidate) [][]string {
	var out [][]string
	for _, l := range lines {
		if l.Atom.MatchNoUse(c) {
			out = append(out, l.Values)
		}
	}
	return out
}

// Incremental applies tokens in order: "-*" clears, "-x" removes x and any
// other token adds it.
func Incremental(tokens []string) map[string]bool {
	out := map[string]bool{}
	for _, t := range tokens {
		switch {
		case t == "-*":
			out = map[string]bool{}
		case strings.HasPrefix(t, "-"):
			delete(out, t[1:])
		default:
			out[t] = true
		}
	}
	return out
}
