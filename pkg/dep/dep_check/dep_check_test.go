package dep_check

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppphp/portago-resolver/pkg/dep"
	"github.com/ppphp/portago-resolver/pkg/emerge/structs"
)

type fakeTrees struct {
	available []*structs.Package
	installed []*structs.Package
	graph     map[*structs.Package]bool
	hasGraph  bool
	circular  map[string][]*structs.Package
}

func match(pkgs []*structs.Package, atom *dep.Atom) []*structs.Package {
	var out []*structs.Package
	for _, p := range pkgs {
		if atom.Match(p) {
			out = append(out, p)
		}
	}
	return out
}

func (f *fakeTrees) Available(a *dep.Atom) []*structs.Package { return match(f.available, a) }
func (f *fakeTrees) Installed(a *dep.Atom) []*structs.Package { return match(f.installed, a) }
func (f *fakeTrees) GraphMatch(a *dep.Atom) []*structs.Package {
	out := match(f.installed, a)
	for p := range f.graph {
		if a.Match(p) {
			out = append(out, p)
		}
	}
	return out
}
func (f *fakeTrees) HasGraph() bool                                { return f.hasGraph }
func (f *fakeTrees) InGraph(p *structs.Package) bool               { return f.graph[p] }
func (f *fakeTrees) UseEnabled(p *structs.Package) map[string]bool { return p.Use }
func (f *fakeTrees) UseMask(*structs.Package) map[string]bool      { return nil }
func (f *fakeTrees) UseForce(*structs.Package) map[string]bool     { return nil }
func (f *fakeTrees) WantUpdate(_, _ *structs.Package) bool         { return false }
func (f *fakeTrees) DowngradeProbe(*structs.Package) bool          { return false }
func (f *fakeTrees) WillReplaceChild(*structs.Package, *dep.Atom) *structs.Package {
	return nil
}
func (f *fakeTrees) CircularChildren(p *structs.Package) []*structs.Package {
	return f.circular[p.Cpv()]
}

func pkg(t *testing.T, typeName structs.TypeName, cpv string, md map[string]string) *structs.Package {
	if md == nil {
		md = map[string]string{}
	}
	if md["SLOT"] == "" {
		md["SLOT"] = "0"
	}
	p, err := structs.NewPackage(typeName, "/", cpv, md, false)
	require.NoError(t, err)
	return p
}

func zap(t *testing.T, depstr string, trees Trees, opts Options) []string {
	nodes, err := dep.UseReduce(depstr, dep.UseReduceOptions{})
	require.NoError(t, err)
	var out []string
	for _, a := range ZapDeps(nodes, trees, opts) {
		out = append(out, a.String())
	}
	return out
}

func TestZapDepsAllOf(t *testing.T) {
	trees := &fakeTrees{}
	assert.Equal(t, []string{"cat/a", "!cat/b", "cat/c"}, zap(t, "cat/a !cat/b ( cat/c )", trees, Options{}))
}

func TestZapDepsPrefersInstalled(t *testing.T) {
	trees := &fakeTrees{
		available: []*structs.Package{
			pkg(t, structs.Ebuild, "cat/a-1", nil),
			pkg(t, structs.Ebuild, "cat/b-1", nil),
		},
		installed: []*structs.Package{pkg(t, structs.Installed, "cat/b-1", nil)},
	}
	assert.Equal(t, []string{"cat/b"}, zap(t, "|| ( cat/a cat/b )", trees, Options{}))
}

func TestZapDepsLeftmostAvailable(t *testing.T) {
	trees := &fakeTrees{available: []*structs.Package{pkg(t, structs.Ebuild, "cat/b-1", nil)}}
	assert.Equal(t, []string{"cat/b"}, zap(t, "|| ( cat/a cat/b )", trees, Options{}))

	trees.available = append(trees.available, pkg(t, structs.Ebuild, "cat/a-1", nil))
	assert.Equal(t, []string{"cat/a"}, zap(t, "|| ( cat/a cat/b )", trees, Options{}))
}

func TestZapDepsNothingAvailable(t *testing.T) {
	assert.Equal(t, []string{"cat/a"}, zap(t, "|| ( cat/a cat/b )", &fakeTrees{}, Options{}))
}

func TestZapDepsPrefersHigherSlot(t *testing.T) {
	trees := &fakeTrees{available: []*structs.Package{
		pkg(t, structs.Ebuild, "cat/a-1", map[string]string{"SLOT": "1"}),
		pkg(t, structs.Ebuild, "cat/a-2", map[string]string{"SLOT": "2"}),
	}}
	assert.Equal(t, []string{"cat/a:2"}, zap(t, "|| ( cat/a:1 cat/a:2 )", trees, Options{}))
}

func TestZapDepsPrefersGraph(t *testing.T) {
	a := pkg(t, structs.Ebuild, "cat/a-1", nil)
	b := pkg(t, structs.Ebuild, "cat/b-1", nil)
	trees := &fakeTrees{
		available: []*structs.Package{a, b},
		graph:     map[*structs.Package]bool{b: true},
		hasGraph:  true,
	}
	assert.Equal(t, []string{"cat/b"}, zap(t, "|| ( cat/a cat/b )", trees, Options{}))
}

func TestZapDepsAvoidsCircular(t *testing.T) {
	parent := pkg(t, structs.Ebuild, "cat/p-1", nil)
	a := pkg(t, structs.Ebuild, "cat/a-1", nil)
	b := pkg(t, structs.Ebuild, "cat/b-1", nil)
	trees := &fakeTrees{
		available: []*structs.Package{a, b},
		graph:     map[*structs.Package]bool{},
		hasGraph:  true,
		circular:  map[string][]*structs.Package{"cat/p-1": {a}},
	}
	assert.Equal(t, []string{"cat/b"}, zap(t, "|| ( cat/a cat/b )", trees, Options{Parent: parent}))
}

func TestZapDepsNestedGroup(t *testing.T) {
	trees := &fakeTrees{available: []*structs.Package{
		pkg(t, structs.Ebuild, "cat/b-1", nil),
		pkg(t, structs.Ebuild, "cat/c-1", nil),
	}}
	assert.Equal(t, []string{"cat/b", "cat/c"}, zap(t, "|| ( cat/a ( cat/b cat/c ) )", trees, Options{}))
}

func TestZapDepsUnsatisfiedUse(t *testing.T) {
	a := pkg(t, structs.Ebuild, "cat/a-1", map[string]string{"IUSE": "foo"})
	b := pkg(t, structs.Ebuild, "cat/b-1", nil)
	trees := &fakeTrees{available: []*structs.Package{a, b}}
	assert.Equal(t, []string{"cat/b"}, zap(t, "|| ( cat/a[foo] cat/b )", trees, Options{}))
}
