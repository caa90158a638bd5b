package structs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppphp/portago-resolver/pkg/dep"
)

func TestNewPackage(t *testing.T) {
	p, err := NewPackage(Installed, "/", "dev-libs/foo-1.2", map[string]string{
		"SLOT": "2/2.1", "IUSE": "+ssl -ipv6 gtk", "USE": "ssl gtk", "repository": "gentoo", "COUNTER": "42",
	}, false)
	require.NoError(t, err)
	assert.Equal(t, NoMerge, p.Operation())
	assert.True(t, p.Installed)
	assert.True(t, p.Built)
	assert.Equal(t, "dev-libs/foo", p.Cp)
	assert.Equal(t, "1.2", p.Version)
	assert.Equal(t, "dev-libs/foo:2", p.SlotAtom())
	assert.Equal(t, "2.1", p.SubSlot)
	assert.Equal(t, int64(42), p.Counter)
	assert.Equal(t, []string{"gtk", "ssl"}, p.UseList())
	assert.True(t, p.IUseDefault["ssl"])
	assert.True(t, p.HasIUse("ipv6"))
	assert.Equal(t, "(dev-libs/foo-1.2:2/2.1::gentoo, installed)", p.String())
	assert.True(t, dep.MustAtom("dev-libs/foo:2/2.1[ssl,-ipv6]").Match(p))

	u := p.WithOperation(Uninstall)
	assert.Equal(t, "(dev-libs/foo-1.2:2/2.1::gentoo, installed scheduled for uninstall)", u.String())
	assert.NotEqual(t, p.Key, u.Key)

	e, err := NewPackage(Ebuild, "/", "dev-libs/foo-1.3", map[string]string{"IUSE": "ssl"}, false)
	require.NoError(t, err)
	assert.Equal(t, Merge, e.Operation())
	assert.Equal(t, UnknownRepo, e.Repo())
	assert.Equal(t, []string{"SLOT: undefined"}, e.Invalid)
	assert.Empty(t, e.UseList())
	assert.Equal(t, 1, e.Compare(p))
	assert.Equal(t, "(dev-libs/foo-1.3:0/0::__unknown__, ebuild scheduled for merge)", e.String())

	_, err = NewPackage(Ebuild, "/", "foo", nil, false)
	assert.Error(t, err)
}

func TestPackagesArena(t *testing.T) {
	ps := NewPackages()
	a, _ := NewPackage(Ebuild, "/", "cat/a-1", map[string]string{"SLOT": "0"}, false)
	a2, _ := NewPackage(Ebuild, "/", "cat/a-1", map[string]string{"SLOT": "0", "USE": "x"}, false)
	b, _ := NewPackage(Ebuild, "/", "cat/a-1", map[string]string{"SLOT": "0"}, true)

	ha := ps.Add(a)
	assert.Equal(t, ha, ps.Add(a2))
	assert.Same(t, a, ps.Get(ha))
	hb := ps.Add(b)
	assert.NotEqual(t, ha, hb)
	assert.Equal(t, 2, ps.Len())
	h, ok := ps.Lookup(b.Key)
	assert.True(t, ok)
	assert.Equal(t, hb, h)
	assert.Equal(t, PackageNode, PkgNode(hb).Kind)
	assert.Equal(t, hb, PkgNode(hb).Pkg())
}

func TestPriorityOrder(t *testing.T) {
	ordered := []DepPriority{
		{Optional: true},
		{RuntimePost: true},
		{Runtime: true},
		{RuntimeSlotOp: true},
		{Buildtime: true},
		{BuildtimeSlotOp: true},
	}
	for i := 1; i < len(ordered); i++ {
		assert.True(t, ordered[i-1].Less(ordered[i]), "%s < %s", ordered[i-1], ordered[i])
	}
	assert.Equal(t, "blocker", BlockerPriority.String())
	assert.Equal(t, "soft", DepPriority{}.String())
	assert.Equal(t, "hard", DepPriority{Kind: UnmergeKind, Runtime: true}.String())
	assert.Equal(t, "soft", DepPriority{Kind: UnmergeKind, Buildtime: true}.String())
}

func TestPriorityRanges(t *testing.T) {
	build := DepPriority{Buildtime: true}
	satisfiedBuild := DepPriority{Buildtime: true, Satisfied: true}
	run := DepPriority{Runtime: true}
	post := DepPriority{RuntimePost: true}

	firstIgnored := func(r PriorityRange, p DepPriority) int {
		for i, ignore := range r.Ignore {
			if ignore != nil && ignore(p) {
				return i
			}
		}
		return -1
	}
	assert.Equal(t, NormalRange.MediumSoft, firstIgnored(NormalRange, post))
	assert.Equal(t, NormalRange.Medium, firstIgnored(NormalRange, run))
	assert.Equal(t, -1, firstIgnored(NormalRange, build))
	assert.Equal(t, -1, firstIgnored(NormalRange, BlockerPriority))

	assert.Equal(t, 4, firstIgnored(SatisfiedRange, satisfiedBuild))
	assert.Less(t, firstIgnored(SatisfiedRange, satisfiedBuild), firstIgnored(SatisfiedRange, run))
	assert.Equal(t, SatisfiedRange.Medium, firstIgnored(SatisfiedRange, run))
	assert.Equal(t, -1, firstIgnored(SatisfiedRange, build))
}

func TestArgs(t *testing.T) {
	a := NewSetArg("world", []*dep.Atom{dep.MustAtom("cat/a")}, "/")
	assert.Equal(t, "@world", a.String())
	assert.Equal(t, "world", a.SetName())
	p, _ := NewPackage(Ebuild, "/", "cat/a-1", map[string]string{"SLOT": "0"}, false)
	pa := NewPackageArg(p, 3)
	assert.Equal(t, "=cat/a-1", pa.Atoms[0].String())
	assert.NotEqual(t, a.Key(), pa.Key())

	d := NewDependency(dep.MustAtom("!cat/b"), Node{Kind: ArgNode}, NoPkg, DepPriority{Runtime: true}, "/", 1)
	assert.True(t, d.Blocker)
	assert.Equal(t, d.Parent, d.CollapsedParent)
}
