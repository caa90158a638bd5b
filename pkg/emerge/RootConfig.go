package emerge

import (
	"sort"

	"github.com/ppphp/portago-resolver/pkg/dbapi"
	"github.com/ppphp/portago-resolver/pkg/dep"
	"github.com/ppphp/portago-resolver/pkg/ebuild/config"
	"github.com/ppphp/portago-resolver/pkg/emerge/structs"
)

// Trees are the three package databases of a root.
type Trees struct {
	Porttree dbapi.DbAPI
	Bintree  dbapi.DbAPI
	Vartree  dbapi.DbAPI
}

// RootConfig is everything the resolver knows about one root.
type RootConfig struct {
	Root     string
	Settings *config.Config
	Trees    Trees
	// Sets holds the package sets by name, without the "@" prefix.
	Sets map[string][]*dep.Atom

	pkgTreeMap map[structs.TypeName]dbapi.DbAPI
}

func NewRootConfig(root string, settings *config.Config, trees Trees, sets map[string][]*dep.Atom) *RootConfig {
	r := &RootConfig{Root: root, Settings: settings, Trees: trees, Sets: map[string][]*dep.Atom{}}
	for _, db := range []*dbapi.DbAPI{&r.Trees.Porttree, &r.Trees.Bintree, &r.Trees.Vartree} {
		if *db == nil {
			*db = dbapi.NewFakeDbAPI()
		}
	}
	r.pkgTreeMap = map[structs.TypeName]dbapi.DbAPI{
		structs.Ebuild:    r.Trees.Porttree,
		structs.Binary:    r.Trees.Bintree,
		structs.Installed: r.Trees.Vartree,
	}
	for name, atoms := range sets {
		r.Sets[name] = atoms
	}
	if _, ok := r.Sets["world"]; !ok {
		r.Sets["world"] = unionAtoms(r.Sets["selected"], r.Sets["system"])
	}
	return r
}

// DB returns the database holding packages of typeName.
func (r *RootConfig) DB(typeName structs.TypeName) dbapi.DbAPI {
	return r.pkgTreeMap[typeName]
}

// SetNames lists the known sets, sorted.
func (r *RootConfig) SetNames() []string {
	names := make([]string, 0, len(r.Sets))
	for name := range r.Sets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func unionAtoms(lists ...[]*dep.Atom) []*dep.Atom {
	seen := map[string]bool{}
	var out []*dep.Atom
	for _, l := range lists {
		for _, a := range l {
			if !seen[a.String()] {
				seen[a.String()] = true
				out = append(out, a)
			}
		}
	}
	return out
}
