package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppphp/portago-resolver/pkg/dep"
	"github.com/ppphp/portago-resolver/pkg/emerge/structs"
)

type trackerFixture struct {
	t    *testing.T
	pkgs *structs.Packages
}

func (f trackerFixture) add(typeName structs.TypeName, root, cpv, slot, repo string) structs.PkgHandle {
	md := map[string]string{"SLOT": slot, "EAPI": "7"}
	if repo != "" {
		md["repository"] = repo
	}
	p, err := structs.NewPackage(typeName, root, cpv, md, false)
	require.NoError(f.t, err)
	return f.pkgs.Add(p)
}

func (f trackerFixture) ebuild(cpv, slot string) structs.PkgHandle {
	return f.add(structs.Ebuild, "/", cpv, slot, "test_repo")
}

func (f trackerFixture) installed(cpv, slot string) structs.PkgHandle {
	return f.add(structs.Installed, "/", cpv, slot, "test_repo")
}

func newTrackerFixture(t *testing.T) (trackerFixture, *PackageTracker) {
	f := trackerFixture{t: t, pkgs: structs.NewPackages()}
	return f, NewPackageTracker(f.pkgs, nil)
}

func TestPackageTrackerAddRemove(t *testing.T) {
	f, p := newTrackerFixture(t)
	x1 := f.ebuild("dev-libs/X-1", "0")
	x2 := f.ebuild("dev-libs/X-2", "0")

	p.AddPkg(x1)
	assert.True(t, p.Contains(x1, true))
	assert.True(t, p.Contains(x1, false))
	assert.True(t, p.RemovePkg(x1))
	assert.False(t, p.Contains(x1, true))

	p.AddPkg(x1)
	p.AddPkg(x1)
	assert.True(t, p.Contains(x1, true))
	assert.False(t, p.RemovePkg(x2))

	p.AddPkg(x2)
	assert.True(t, p.RemovePkg(x2))
	assert.False(t, p.Contains(x2, true))
	p.AddPkg(x2)

	assert.Equal(t, []structs.PkgHandle{x1, x2}, p.AllPkgs("/"))
	assert.Empty(t, p.AllPkgs("/xxx"))
}

func TestPackageTrackerMatch(t *testing.T) {
	f, p := newTrackerFixture(t)
	x1 := f.ebuild("dev-libs/X-1", "0")
	x2 := f.ebuild("dev-libs/X-2", "0")
	x3 := f.ebuild("dev-libs/X-3", "1")

	p.AddPkg(x2)
	p.AddPkg(x1)

	assert.Equal(t, []structs.PkgHandle{x1}, p.Match("/", dep.MustAtom("=dev-libs/X-1"), true))
	assert.Equal(t, []structs.PkgHandle{x1, x2}, p.Match("/", dep.MustAtom("dev-libs/X"), true))
	assert.Empty(t, p.Match("/xxx", dep.MustAtom("dev-libs/X"), true))
	assert.Empty(t, p.Match("/", dep.MustAtom("dev-libs/Y"), true))

	p.AddPkg(x3)
	assert.Equal(t, []structs.PkgHandle{x1, x2, x3}, p.Match("/", dep.MustAtom("dev-libs/X"), true))
	assert.Equal(t, []structs.PkgHandle{x3}, p.Match("/", dep.MustAtom("dev-libs/X:1"), true))

	p.RemovePkg(x3)
	assert.Equal(t, []structs.PkgHandle{x1, x2}, p.Match("/", dep.MustAtom("dev-libs/X"), true))
}

func TestPackageTrackerInstalled(t *testing.T) {
	f, p := newTrackerFixture(t)
	x1 := f.installed("dev-libs/X-1", "0")
	x1b := f.installed("dev-libs/X-1.1", "0")
	x2 := f.ebuild("dev-libs/X-2", "0")
	x := dep.MustAtom("dev-libs/X")

	check := func(h structs.PkgHandle, contained bool, n int) {
		t.Helper()
		assert.Equal(t, contained, p.Contains(h, true))
		assert.False(t, p.Contains(h, false))
		assert.Len(t, p.AllPkgs("/"), n)
	}

	p.AddInstalledPkg(x1)
	check(x1, true, 1)
	assert.Equal(t, []structs.PkgHandle{x1}, p.Match("/", x, true))

	p.AddInstalledPkg(x1)
	check(x1, true, 1)

	p.AddPkg(x2)
	check(x1, false, 1)
	assert.Equal(t, []structs.PkgHandle{x2}, p.Match("/", x, true))
	assert.Equal(t, []structs.PkgHandle{x1}, p.Replacing(x2))

	p.AddInstalledPkg(x1b)
	check(x1b, false, 1)
	assert.Equal(t, []structs.PkgHandle{x2}, p.Match("/", x, true))

	p.RemovePkg(x2)
	check(x1, true, 2)
	check(x1b, true, 2)
	assert.Equal(t, []structs.PkgHandle{x1, x1b}, p.Match("/", x, true))
	assert.Empty(t, p.Match("/", x, false))
}

func TestPackageTrackerConflicts(t *testing.T) {
	f, p := newTrackerFixture(t)
	installed1 := f.installed("dev-libs/X-0", "0")
	installed2 := f.installed("dev-libs/X-0.1", "0")
	x1 := f.ebuild("dev-libs/X-1", "0")
	x2 := f.ebuild("dev-libs/X-2", "0")
	x3 := f.ebuild("dev-libs/X-3", "0")
	x4 := f.ebuild("dev-libs/X-4", "4")
	x4b := f.add(structs.Ebuild, "/", "dev-libs/X-4", "4b", "x-repo")

	type conflict struct {
		description string
		pkgs        []structs.PkgHandle
	}
	check := func(got []PackageConflict, want ...conflict) {
		t.Helper()
		require.Len(t, got, len(want))
		for i := range want {
			assert.Equal(t, want[i].description, got[i].Description)
			assert.Equal(t, "/", got[i].Root)
			assert.Equal(t, want[i].pkgs, got[i].Pkgs)
		}
	}

	check(p.Conflicts())
	p.AddInstalledPkg(installed1)
	p.AddInstalledPkg(installed2)
	check(p.Conflicts())

	p.AddPkg(x1)
	check(p.Conflicts())
	p.AddPkg(x2)
	check(p.Conflicts(), conflict{"slot conflict", []structs.PkgHandle{x1, x2}})
	p.AddPkg(x3)
	check(p.Conflicts(), conflict{"slot conflict", []structs.PkgHandle{x1, x2, x3}})
	p.RemovePkg(x3)
	check(p.Conflicts(), conflict{"slot conflict", []structs.PkgHandle{x1, x2}})
	p.RemovePkg(x2)
	check(p.Conflicts())
	p.AddPkg(x3)
	check(p.Conflicts(), conflict{"slot conflict", []structs.PkgHandle{x1, x3}})
	p.AddPkg(x2)
	check(p.Conflicts(), conflict{"slot conflict", []structs.PkgHandle{x1, x3, x2}})

	p.AddPkg(x4)
	check(p.Conflicts(), conflict{"slot conflict", []structs.PkgHandle{x1, x3, x2}})
	p.AddPkg(x4b)
	check(p.Conflicts(),
		conflict{"slot conflict", []structs.PkgHandle{x1, x3, x2}},
		conflict{"cpv conflict", []structs.PkgHandle{x4, x4b}})
	check(p.SlotConflicts(), conflict{"slot conflict", []structs.PkgHandle{x1, x3, x2}})
	assert.True(t, p.Conflicts()[1].Contains(x4b))
}
