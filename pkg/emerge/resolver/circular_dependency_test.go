package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppphp/portago-resolver/pkg/dep"
	"github.com/ppphp/portago-resolver/pkg/emerge/structs"
	"github.com/ppphp/portago-resolver/pkg/util/digraph"
)

type fakeCycleGraph struct {
	t       *testing.T
	pkgs    *structs.Packages
	parents map[structs.PkgHandle][]GraphParentAtom
	mask    map[structs.PkgHandle]map[string]bool
}

func newFakeCycleGraph(t *testing.T) *fakeCycleGraph {
	return &fakeCycleGraph{
		t:       t,
		pkgs:    structs.NewPackages(),
		parents: map[structs.PkgHandle][]GraphParentAtom{},
		mask:    map[structs.PkgHandle]map[string]bool{},
	}
}

func (f *fakeCycleGraph) ebuild(cpv string, metadata map[string]string, use ...string) structs.PkgHandle {
	metadata["SLOT"] = "0"
	p, err := structs.NewPackage(structs.Ebuild, "/", cpv, metadata, false)
	require.NoError(f.t, err)
	for _, flag := range use {
		p.Use[flag] = true
	}
	return f.pkgs.Add(p)
}

func (f *fakeCycleGraph) pull(child, parent structs.PkgHandle, atom string) {
	f.parents[child] = append(f.parents[child], GraphParentAtom{Parent: structs.PkgNode(parent), Atom: dep.MustAtom(atom)})
}

func (f *fakeCycleGraph) Pkg(h structs.PkgHandle) *structs.Package { return f.pkgs.Get(h) }
func (f *fakeCycleGraph) ParentAtoms(h structs.PkgHandle) []GraphParentAtom {
	return f.parents[h]
}
func (f *fakeCycleGraph) PkgUseEnabled(h structs.PkgHandle) map[string]bool {
	return cloneSet(f.pkgs.Get(h).Use)
}
func (f *fakeCycleGraph) UseMaskForce(h structs.PkgHandle) (map[string]bool, map[string]bool) {
	return f.mask[h], nil
}
func (f *fakeCycleGraph) AutounmaskUse(structs.PkgHandle) map[string]bool { return nil }

var runtimeDep = structs.DepPriority{Runtime: true}

// cycleFixture builds dev-libs/A-1 and dev-libs/B-1 depending on each other
// at run time, with A's dependency behind USE=foo.
func cycleFixture(t *testing.T) (*fakeCycleGraph, *MergeGraph, structs.PkgHandle, structs.PkgHandle) {
	f := newFakeCycleGraph(t)
	a := f.ebuild("dev-libs/A-1", map[string]string{"IUSE": "foo", "RDEPEND": "foo? ( dev-libs/B )"}, "foo")
	b := f.ebuild("dev-libs/B-1", map[string]string{"RDEPEND": "dev-libs/A"})
	f.pull(b, a, "dev-libs/B")
	f.pull(a, b, "dev-libs/A")

	g := digraph.New[structs.Node, structs.DepPriority](structs.PriorityLess)
	g.Add(structs.PkgNode(b), structs.PkgNode(a), runtimeDep)
	g.Add(structs.PkgNode(a), structs.PkgNode(b), runtimeDep)
	return f, g, a, b
}

func TestCircularDependencySuggestion(t *testing.T) {
	f, g, a, b := cycleFixture(t)
	h := NewCircularDependencyHandler(f, g, nil)

	assert.Len(t, h.Cycles, 2)
	assert.Len(t, h.ShortestCycle, 2)
	assert.False(t, h.LargeCycleCount)
	assert.Len(t, h.MergeList, 2)
	assert.Contains(t, h.Message, "depends on")
	assert.Contains(t, h.Message, "(runtime)")

	require.Equal(t, []string{"- dev-libs/A-1 (Change USE: -foo)\n"}, h.Suggestions)
	require.Equal(t, []structs.PkgHandle{b}, h.SolutionOrder)
	assert.Equal(t, []CycleSolution{{Parent: a, Changes: map[string]bool{"foo": false}}}, h.Solutions[b])
}

func TestCircularDependencyMaskedFlag(t *testing.T) {
	f, g, a, _ := cycleFixture(t)
	f.mask[a] = map[string]bool{"foo": true}
	h := NewCircularDependencyHandler(f, g, nil)
	assert.Empty(t, h.Suggestions)
	assert.Empty(t, h.Solutions)
	assert.NotEmpty(t, h.Message)
}

func TestCircularDependencyParentRequirement(t *testing.T) {
	f, g, a, _ := cycleFixture(t)
	c := f.ebuild("dev-libs/C-1", map[string]string{"IUSE": "bar", "RDEPEND": "dev-libs/A[foo]"})
	f.pull(a, c, "dev-libs/A[foo]")
	h := NewCircularDependencyHandler(f, g, nil)
	assert.Empty(t, h.Suggestions)

	f, g, a, _ = cycleFixture(t)
	c = f.ebuild("dev-libs/C-1", map[string]string{"IUSE": "bar foo", "RDEPEND": "dev-libs/A[foo?]"})
	f.pull(a, c, "dev-libs/A[foo?]")
	h = NewCircularDependencyHandler(f, g, nil)
	require.Len(t, h.Suggestions, 1)
	assert.Contains(t, h.Suggestions[0], "might require USE changes on parent packages")
}

func TestCircularDependencyDebugString(t *testing.T) {
	f, g, a, _ := cycleFixture(t)
	top := f.ebuild("dev-libs/top-1", map[string]string{"RDEPEND": "dev-libs/A"})
	g.Add(structs.PkgNode(a), structs.PkgNode(top), runtimeDep)
	h := NewCircularDependencyHandler(f, g, nil)
	s := h.DebugString()
	assert.NotContains(t, s, "dev-libs/top-1")
	assert.Contains(t, s, "dev-libs/A-1")
	assert.Contains(t, s, "dev-libs/B-1")
	assert.Contains(t, s, "depends on")
}
