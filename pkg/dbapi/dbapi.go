// Package dbapi defines the read-only package database contract used by the
// resolver, one instance per origin (ebuild repository, binary packages,
// installed packages), and an in-memory implementation.
package dbapi

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/ppphp/portago-resolver/pkg/dep"
	"github.com/ppphp/portago-resolver/pkg/versions"
)

// ErrNotFound is wrapped by AuxGet for unknown cpvs.
var ErrNotFound = errors.New("package not found")

// DbAPI answers queries about one package database.
type DbAPI interface {
	// Match returns the cpvs matching the version, slot and repository parts
	// of atom, in ascending version order. USE dependencies are not checked.
	Match(atom *dep.Atom) []string
	// AuxGet returns the metadata values for keys, in order. Missing keys
	// yield empty strings.
	AuxGet(cpv string, keys []string) ([]string, error)
	CpvAll() []string
}

// AuxMap is AuxGet returning a map.
func AuxMap(db DbAPI, cpv string, keys []string) (map[string]string, error) {
	values, err := db.AuxGet(cpv, keys)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string, len(keys))
	for i, k := range keys {
		m[k] = values[i]
	}
	return m, nil
}

func cmpCpv(a, b string, buildTime func(string) string) int {
	r, err := versions.VerCmp(versions.CpvGetVersion(a), versions.CpvGetVersion(b))
	if err != nil || r != 0 || buildTime == nil {
		return r
	}
	ta, tb := buildTime(a), buildTime(b)
	if ta != "" && tb != "" && ta != tb {
		if len(ta) != len(tb) {
			if len(ta) < len(tb) {
				return -1
			}
			return 1
		}
		if ta < tb {
			return -1
		}
		return 1
	}
	return 0
}

func sortCpvs(cpvs []string, buildTime func(string) string) {
	sort.SliceStable(cpvs, func(i, j int) bool {
		return cmpCpv(cpvs[i], cpvs[j], buildTime) < 0
	})
}
