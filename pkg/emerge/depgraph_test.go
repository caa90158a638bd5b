package emerge_test

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppphp/portago-resolver/pkg/ebuild/config"
	"github.com/ppphp/portago-resolver/pkg/emerge"
	"github.com/ppphp/portago-resolver/pkg/emerge/playground"
	"github.com/ppphp/portago-resolver/pkg/emerge/structs"
	"github.com/ppphp/portago-resolver/pkg/versions"
)

func newPlayground(t *testing.T, f playground.Fixture) *playground.Playground {
	t.Helper()
	pg, err := playground.New(f)
	require.NoError(t, err)
	t.Cleanup(func() { pg.Close() })
	return pg
}

func run(t *testing.T, pg *playground.Playground, args []string, opts map[string]string) *playground.Result {
	t.Helper()
	res, err := pg.Run(context.Background(), args, opts)
	require.NoError(t, err)
	return res
}

func TestInstalledDependencyIsNotMerged(t *testing.T) {
	pg := newPlayground(t, playground.Fixture{
		Ebuilds: map[string]playground.Metadata{
			"cat/pkgA-1": {"RDEPEND": "cat/pkgB"},
			"cat/pkgB-1": {},
		},
		Installed: map[string]playground.Metadata{"cat/pkgB-1": {}},
	})
	res := run(t, pg, []string{"cat/pkgA"}, nil)
	require.True(t, res.Success)
	assert.Equal(t, []string{"cat/pkgA-1"}, res.MergeList)
	assert.Equal(t, emerge.StateSuccess, res.Resolution.State)
	assert.Equal(t, 1, res.Resolution.Attempts)
	assert.NoError(t, res.Resolution.Err())

	sg := res.Resolution.Depgraph.SchedulerGraph()
	require.Len(t, sg.MergeList, 1)
	assert.Equal(t, 1, sg.Graph.Len())
	assert.Empty(t, sg.Replaced)
}

func TestSlotConflictBetweenArguments(t *testing.T) {
	pg := newPlayground(t, playground.Fixture{
		Ebuilds: map[string]playground.Metadata{
			"cat/pkgA-1": {},
			"cat/pkgA-2": {},
		},
	})
	res := run(t, pg, []string{"=cat/pkgA-1", "=cat/pkgA-2"}, nil)
	require.False(t, res.Success)
	assert.Equal(t, emerge.StateExhausted, res.Resolution.State)
	assert.Greater(t, res.Resolution.Attempts, 1)

	require.NotNil(t, res.Problems.SlotConflict)
	msg := res.Problems.SlotConflict.Conflict()
	assert.Contains(t, msg, "cat/pkgA:0")
	assert.Contains(t, msg, "=cat/pkgA-1 (Argument)")
	assert.Contains(t, msg, "=cat/pkgA-2 (Argument)")

	err := res.Resolution.Err()
	require.Error(t, err)
	var rerr *emerge.ResolutionError
	require.ErrorAs(t, err, &rerr)
	assert.False(t, rerr.ConfigChangesWouldHelp)
	assert.Contains(t, err.Error(), "slot conflict")

	var out bytes.Buffer
	res.Resolution.Depgraph.DisplayProblems(&out)
	assert.Contains(t, out.String(), "Multiple package instances within a single package slot")
}

func TestSlotConflictSolvedInPlace(t *testing.T) {
	pg := newPlayground(t, playground.Fixture{
		Ebuilds: map[string]playground.Metadata{
			"app/x-1":        {"RDEPEND": "dev-libs/lib"},
			"app/y-1":        {"RDEPEND": "app/z"},
			"app/z-1":        {"RDEPEND": "<dev-libs/lib-2"},
			"dev-libs/lib-1": {},
			"dev-libs/lib-2": {},
		},
	})
	for _, opts := range []map[string]string{nil, {"--backtrack": "0"}} {
		res := run(t, pg, []string{"app/y", "app/x"}, opts)
		require.True(t, res.Success, "%v", opts)
		assert.Equal(t, 1, res.Resolution.Attempts, "%v", opts)
		assert.Contains(t, res.MergeList, "dev-libs/lib-1")
		assert.NotContains(t, res.MergeList, "dev-libs/lib-2")
		assert.Nil(t, res.Resolution.Depgraph.SlotConflictHandler())

		pos := map[string]int{}
		for i, cpv := range res.MergeList {
			pos[cpv] = i
		}
		assert.Less(t, pos["dev-libs/lib-1"], pos["app/x-1"])
		assert.Less(t, pos["dev-libs/lib-1"], pos["app/z-1"])
	}
}

func TestSlotConflictDropsOrphanedDependencies(t *testing.T) {
	pg := newPlayground(t, playground.Fixture{
		Ebuilds: map[string]playground.Metadata{
			"app/x-1":           {"RDEPEND": "dev-libs/lib"},
			"app/z-1":           {"RDEPEND": "<dev-libs/lib-2"},
			"dev-libs/lib-1":    {},
			"dev-libs/lib-2":    {"RDEPEND": "dev-libs/helper"},
			"dev-libs/helper-1": {},
		},
	})
	res := run(t, pg, []string{"app/x", "app/z"}, map[string]string{"--backtrack": "0"})
	require.True(t, res.Success)
	assert.ElementsMatch(t, []string{"dev-libs/lib-1", "app/x-1", "app/z-1"}, res.MergeList)
}

func TestBlockedPackageUninstalledAfterMerge(t *testing.T) {
	pg := newPlayground(t, playground.Fixture{
		Ebuilds:   map[string]playground.Metadata{"cat/pkgA-1": {"RDEPEND": "!cat/pkgB"}},
		Installed: map[string]playground.Metadata{"cat/pkgB-1": {}},
	})
	res := run(t, pg, []string{"cat/pkgA"}, nil)
	require.True(t, res.Success)
	assert.Equal(t, []string{"cat/pkgA-1", "[uninstall]cat/pkgB-1"}, res.MergeList)

	reversed := res.Resolution.Depgraph.Altlist(true)
	require.Len(t, reversed, 2)
	assert.Equal(t, structs.Uninstall, reversed[0].Pkg.Operation())

	var out bytes.Buffer
	counters := res.Resolution.Depgraph.DisplayMergeList(&out)
	assert.Contains(t, out.String(), "cat/pkgA-1")
	assert.Contains(t, out.String(), "cat/pkgB")
	assert.Equal(t, 1, counters.New)
	assert.Equal(t, 1, counters.Uninst)
	assert.Equal(t, 1, counters.BlocksSatisfied)
}

func TestHardBlockerUninstallsFirst(t *testing.T) {
	pg := newPlayground(t, playground.Fixture{
		Ebuilds:   map[string]playground.Metadata{"cat/pkgA-1": {"DEPEND": "!!cat/pkgB"}},
		Installed: map[string]playground.Metadata{"cat/pkgB-1": {}},
	})
	res := run(t, pg, []string{"cat/pkgA"}, nil)
	require.True(t, res.Success)
	assert.Equal(t, []string{"[uninstall]cat/pkgB-1", "cat/pkgA-1"}, res.MergeList)
}

func TestUnsolvableBlocker(t *testing.T) {
	pg := newPlayground(t, playground.Fixture{
		Ebuilds: map[string]playground.Metadata{
			"cat/pkgA-1": {"RDEPEND": "!cat/pkgB cat/pkgC"},
			"cat/pkgC-1": {"RDEPEND": "cat/pkgB"},
		},
		Installed: map[string]playground.Metadata{"cat/pkgB-1": {}},
	})
	res := run(t, pg, []string{"cat/pkgA"}, nil)
	assert.False(t, res.Success)
	require.NotEmpty(t, res.Problems.Blockers)
	assert.Equal(t, "cat/pkgB-1", res.Problems.Blockers[0].Pkg.Cpv())

	accepted := run(t, pg, []string{"cat/pkgA"}, map[string]string{"--fetchonly": "true"})
	assert.True(t, accepted.Success)
}

func TestCycleBreakRelaxesRuntimeEdge(t *testing.T) {
	pg := newPlayground(t, playground.Fixture{
		Ebuilds: map[string]playground.Metadata{
			"app-misc/a-1": {"RDEPEND": "app-misc/b"},
			"app-misc/b-1": {"DEPEND": "app-misc/a"},
		},
	})
	for _, arg := range []string{"app-misc/a", "app-misc/b"} {
		res := run(t, pg, []string{arg}, nil)
		require.True(t, res.Success, arg)
		// b needs a to build; a only needs b at run time.
		assert.Equal(t, []string{"app-misc/a-1", "app-misc/b-1"}, res.MergeList, arg)
	}
}

func TestCycleMergedBeforeItsDependents(t *testing.T) {
	pg := newPlayground(t, playground.Fixture{
		Ebuilds: map[string]playground.Metadata{
			"app/c-1": {"RDEPEND": "app/a"},
			"app/a-1": {"RDEPEND": "app/b"},
			"app/b-1": {"RDEPEND": "app/a"},
		},
	})
	res := run(t, pg, []string{"app/c"}, nil)
	require.True(t, res.Success)
	assert.Equal(t, []string{"app/a-1", "app/b-1", "app/c-1"}, res.MergeList)
}

func TestCycleMergedBeforeRoot(t *testing.T) {
	pg := newPlayground(t, playground.Fixture{
		Ebuilds: map[string]playground.Metadata{
			"app/top-1": {"RDEPEND": "app/x app/y app/z"},
			"app/x-1":   {"RDEPEND": "app/y"},
			"app/y-1":   {"RDEPEND": "app/x"},
			"app/z-1":   {"RDEPEND": "app/x app/y"},
		},
	})
	res := run(t, pg, []string{"app/top"}, nil)
	require.True(t, res.Success)
	require.Len(t, res.MergeList, 4)
	assert.ElementsMatch(t, []string{"app/x-1", "app/y-1"}, res.MergeList[:2])
	assert.Equal(t, []string{"app/z-1", "app/top-1"}, res.MergeList[2:])
}

func TestCycleBlockPrefersSystemPackages(t *testing.T) {
	pg := newPlayground(t, playground.Fixture{
		Ebuilds: map[string]playground.Metadata{
			"app/x-1": {"RDEPEND": "app/y"},
			"app/y-1": {"RDEPEND": "app/x"},
		},
		System: []string{"app/y"},
	})
	res := run(t, pg, []string{"app/x"}, nil)
	require.True(t, res.Success)
	assert.Equal(t, []string{"app/y-1", "app/x-1"}, res.MergeList)
}

func TestBuildTimeCycleFails(t *testing.T) {
	pg := newPlayground(t, playground.Fixture{
		Ebuilds: map[string]playground.Metadata{
			"app-misc/a-1": {"DEPEND": "app-misc/b"},
			"app-misc/b-1": {"DEPEND": "app-misc/a"},
		},
	})
	res := run(t, pg, []string{"app-misc/a"}, nil)
	assert.False(t, res.Success)
	require.NotNil(t, res.Problems.Circular)
}

func TestRequiredUseIsFatal(t *testing.T) {
	pg := newPlayground(t, playground.Fixture{
		Ebuilds: map[string]playground.Metadata{
			"dev-libs/A-1": {"IUSE": "foo", "REQUIRED_USE": "foo"},
		},
	})
	res := run(t, pg, []string{"dev-libs/A"}, nil)
	require.False(t, res.Success)
	assert.Equal(t, emerge.StateFatal, res.Resolution.State)
	assert.Equal(t, 1, res.Resolution.Attempts)
	err := res.Resolution.Err()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REQUIRED_USE")
	require.NotEmpty(t, res.Problems.Messages)
	assert.Contains(t, res.Problems.Messages[0], "has unmet requirements")
}

func TestConfigChangesWouldHelp(t *testing.T) {
	pg := newPlayground(t, playground.Fixture{
		Settings: config.Settings{Arch: "x86"},
		Ebuilds:  map[string]playground.Metadata{"dev-libs/A-1": {"KEYWORDS": "~x86"}},
	})
	res := run(t, pg, []string{"dev-libs/A"}, map[string]string{"--autounmask": "y"})
	require.False(t, res.Success)
	assert.Equal(t, emerge.StateNeedsRestart, res.Resolution.State)
	var rerr *emerge.ResolutionError
	require.ErrorAs(t, res.Resolution.Err(), &rerr)
	assert.True(t, rerr.ConfigChangesWouldHelp)
	require.NotNil(t, rerr.Problems.Changes)
	assert.Len(t, rerr.Problems.Changes.NeededUnstableKeywords, 1)

	cont := run(t, pg, []string{"dev-libs/A"}, map[string]string{"--autounmask": "y", "--autounmask-continue": "true"})
	assert.True(t, cont.Success)
	assert.Equal(t, []string{"dev-libs/A-1"}, cont.MergeList)
}

func TestSetArgument(t *testing.T) {
	pg := newPlayground(t, playground.Fixture{
		Ebuilds: map[string]playground.Metadata{
			"dev-libs/A-1": {},
			"dev-libs/B-1": {},
		},
		Sets: map[string][]string{"tools": {"dev-libs/A", "dev-libs/B"}},
	})
	res := run(t, pg, []string{"@tools"}, nil)
	require.True(t, res.Success)
	assert.ElementsMatch(t, []string{"dev-libs/A-1", "dev-libs/B-1"}, res.MergeList)

	_, err := pg.Run(context.Background(), []string{"@nothere"}, nil)
	assert.Error(t, err)
}

func TestShortNameExpansion(t *testing.T) {
	pg := newPlayground(t, playground.Fixture{
		Ebuilds: map[string]playground.Metadata{
			"dev-libs/only-1":  {},
			"dev-libs/twice-1": {},
			"app-misc/twice-1": {},
		},
	})
	res := run(t, pg, []string{"only"}, nil)
	require.True(t, res.Success)
	assert.Equal(t, []string{"dev-libs/only-1"}, res.MergeList)

	_, err := pg.Run(context.Background(), []string{"twice"}, nil)
	assert.Error(t, err)
	_, err = pg.Run(context.Background(), []string{"nothing"}, nil)
	assert.Error(t, err)
}

func TestSlotOperatorRebuild(t *testing.T) {
	pg := newPlayground(t, playground.Fixture{
		Ebuilds: map[string]playground.Metadata{
			"app-misc/user-1": {"DEPEND": "dev-libs/lib:=", "RDEPEND": "dev-libs/lib:="},
			"dev-libs/lib-2":  {"SLOT": "0/2"},
		},
		Installed: map[string]playground.Metadata{
			"app-misc/user-1": {"DEPEND": "dev-libs/lib:0/1=", "RDEPEND": "dev-libs/lib:0/1="},
			"dev-libs/lib-1":  {"SLOT": "0/1"},
		},
		World: []string{"app-misc/user"},
	})
	res := run(t, pg, []string{"dev-libs/lib"}, map[string]string{"--update": "true"})
	require.True(t, res.Success)
	assert.Equal(t, []string{"dev-libs/lib-2", "app-misc/user-1"}, res.MergeList)
	assert.Greater(t, res.Resolution.Attempts, 1)
}

// finalSlots groups by slot atom the packages that will be installed once
// the merge list has run.
func finalSlots(f playground.Fixture, mergelist []string) map[string][]string {
	slots := map[string][]string{}
	slotOf := func(cpv string, m playground.Metadata) string {
		slot := m["SLOT"]
		if slot == "" {
			slot = "0"
		}
		if i := strings.IndexByte(slot, '/'); i >= 0 {
			slot = slot[:i]
		}
		return versions.CpvGetKey(cpv) + ":" + slot
	}
	removed := map[string]bool{}
	for _, e := range mergelist {
		if cpv, ok := strings.CutPrefix(e, "[uninstall]"); ok {
			removed[cpv] = true
		}
	}
	merged := map[string]bool{}
	for _, e := range mergelist {
		if m, ok := f.Ebuilds[e]; ok {
			s := slotOf(e, m)
			slots[s] = append(slots[s], e)
			merged[s] = true
		}
	}
	for cpv, m := range f.Installed {
		s := slotOf(cpv, m)
		if !removed[cpv] && !merged[s] {
			slots[s] = append(slots[s], cpv)
		}
	}
	return slots
}

func propertyFixture() playground.Fixture {
	return playground.Fixture{
		Ebuilds: map[string]playground.Metadata{
			"app-misc/top-1":   {"RDEPEND": "dev-libs/A dev-libs/B"},
			"dev-libs/A-1":     {"RDEPEND": "dev-libs/C"},
			"dev-libs/A-2":     {"RDEPEND": ">=dev-libs/C-2"},
			"dev-libs/B-1":     {"RDEPEND": "<dev-libs/C-3 sys-libs/D:1"},
			"dev-libs/C-1":     {},
			"dev-libs/C-2":     {},
			"dev-libs/C-3":     {},
			"sys-libs/D-1.1":   {"SLOT": "1"},
			"sys-libs/D-2":     {"SLOT": "2"},
			"app-misc/other-1": {"DEPEND": "sys-libs/D:2"},
		},
		Installed: map[string]playground.Metadata{
			"dev-libs/C-1": {},
		},
	}
}

func TestPropertySlotUniqueness(t *testing.T) {
	f := propertyFixture()
	pg := newPlayground(t, f)
	for _, args := range [][]string{
		{"app-misc/top"},
		{"app-misc/top", "app-misc/other"},
		{"dev-libs/A", "dev-libs/B"},
	} {
		for _, opts := range []map[string]string{nil, {"--update": "true", "--deep": "true"}} {
			res := run(t, pg, args, opts)
			require.True(t, res.Success, "%v %v", args, opts)
			for slot, pkgs := range finalSlots(f, res.MergeList) {
				assert.Len(t, pkgs, 1, "%s %v", slot, args)
			}
		}
	}
}

func TestPropertyIdempotence(t *testing.T) {
	pg := newPlayground(t, propertyFixture())
	args := []string{"app-misc/top", "app-misc/other"}
	opts := map[string]string{"--update": "true", "--deep": "true"}
	first := run(t, pg, args, opts)
	second := run(t, pg, args, opts)
	require.True(t, first.Success)
	assert.Equal(t, first.MergeList, second.MergeList)
	assert.Equal(t, first.Resolution.State, second.Resolution.State)
}

func TestPropertyNoOpStability(t *testing.T) {
	f := propertyFixture()
	args := []string{"app-misc/top", "app-misc/other"}
	opts := map[string]string{"--update": "true", "--deep": "true"}
	res := run(t, newPlayground(t, f), args, opts)
	require.True(t, res.Success)
	require.NotEmpty(t, res.MergeList)

	installed := map[string]playground.Metadata{}
	for cpv, m := range f.Installed {
		installed[cpv] = m
	}
	for _, cpv := range res.MergeList {
		m := f.Ebuilds[cpv]
		for old := range installed {
			if versions.CpvGetKey(old) == versions.CpvGetKey(cpv) && installed[old]["SLOT"] == m["SLOT"] {
				delete(installed, old)
			}
		}
		installed[cpv] = m
	}
	f.Installed = installed

	again := run(t, newPlayground(t, f), args, opts)
	require.True(t, again.Success)
	assert.Empty(t, again.MergeList)
}

func TestPrefetchMetadata(t *testing.T) {
	pg := newPlayground(t, propertyFixture())
	frozen, err := emerge.NewFrozenConfig(pg.Roots, playground.Root, emerge.Options{}, pg.Log)
	require.NoError(t, err)
	require.NoError(t, emerge.PrefetchMetadata(context.Background(), frozen, 4))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, emerge.PrefetchMetadata(ctx, frozen, 2), context.Canceled)
}
