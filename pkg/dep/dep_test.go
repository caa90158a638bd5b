package dep

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePkg struct {
	cpv, slot, subSlot, repo string
	use, iuse                []string
}

func (p fakePkg) CpvString() string           { return p.cpv }
func (p fakePkg) SlotInfo() (string, string)  { return p.slot, p.subSlot }
func (p fakePkg) RepoName() string            { return p.repo }
func (p fakePkg) UseEnabled(flag string) bool { return contains(p.use, flag) }
func (p fakePkg) HasIUse(flag string) bool    { return contains(p.iuse, flag) }

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

func TestNewAtom(t *testing.T) {
	for _, test := range []struct {
		in                                   string
		op, cp, cpv, version, slot, sub, sop string
		repo                                 string
		blocker, overlap                     bool
	}{
		{in: "sys-apps/portage", cp: "sys-apps/portage", cpv: "sys-apps/portage"},
		{in: "=sys-apps/portage-2.1", op: "=", cp: "sys-apps/portage", cpv: "sys-apps/portage-2.1", version: "2.1"},
		{in: "=sys-apps/portage-2.1*", op: "=*", cp: "sys-apps/portage", cpv: "sys-apps/portage-2.1", version: "2.1"},
		{in: ">=sys-apps/portage-2.1-r3:0", op: ">=", cp: "sys-apps/portage", cpv: "sys-apps/portage-2.1-r3", version: "2.1-r3", slot: "0"},
		{in: "~dev-libs/foo-1.0", op: "~", cp: "dev-libs/foo", cpv: "dev-libs/foo-1.0", version: "1.0"},
		{in: "dev-libs/foo:2/2.1=", cp: "dev-libs/foo", cpv: "dev-libs/foo", slot: "2", sub: "2.1", sop: "="},
		{in: "dev-libs/foo:=", cp: "dev-libs/foo", cpv: "dev-libs/foo", sop: "="},
		{in: "dev-libs/foo:*", cp: "dev-libs/foo", cpv: "dev-libs/foo", sop: "*"},
		{in: "dev-libs/foo::gentoo", cp: "dev-libs/foo", cpv: "dev-libs/foo", repo: "gentoo"},
		{in: "!dev-libs/foo", cp: "dev-libs/foo", cpv: "dev-libs/foo", blocker: true},
		{in: "!!<dev-libs/foo-2", op: "<", cp: "dev-libs/foo", cpv: "dev-libs/foo-2", version: "2", blocker: true, overlap: true},
	} {
		a, err := NewAtom(test.in, true)
		require.NoError(t, err, test.in)
		assert.Equal(t, test.op, a.Operator, test.in)
		assert.Equal(t, test.cp, a.CP, test.in)
		assert.Equal(t, test.cpv, a.Cpv, test.in)
		assert.Equal(t, test.version, a.Version, test.in)
		assert.Equal(t, test.slot, a.Slot, test.in)
		assert.Equal(t, test.sub, a.SubSlot, test.in)
		assert.Equal(t, test.sop, a.SlotOperator, test.in)
		assert.Equal(t, test.repo, a.Repo, test.in)
		assert.Equal(t, test.blocker, a.Blocker, test.in)
		assert.Equal(t, test.overlap, a.Overlap, test.in)
		assert.Equal(t, test.in, a.String())
	}
}

func TestNewAtomInvalid(t *testing.T) {
	for _, in := range []string{
		"",
		"sys-apps",
		"sys-apps/portage-2.1",
		">sys-apps/portage",
		"<=sys-apps/portage-2.1*",
		"~sys-apps/portage-2.1-r1",
		"sys-apps/portage[foo",
		"sys-apps/portage[!foo]",
		"sys-apps/portage[foo(+),foo(-)]",
		"sys-apps/portage:",
	} {
		_, err := NewAtom(in, true)
		assert.Error(t, err, in)
	}
	_, err := NewAtom("!sys-apps/portage", false)
	assert.Error(t, err)
}

func TestAtomMatch(t *testing.T) {
	pkg := fakePkg{cpv: "dev-libs/foo-1.2.3-r1", slot: "1", subSlot: "1.2", repo: "gentoo",
		use: []string{"ssl"}, iuse: []string{"ssl", "ipv6"}}
	for _, test := range []struct {
		atom  string
		match bool
	}{
		{"dev-libs/foo", true},
		{"dev-libs/bar", false},
		{"=dev-libs/foo-1.2.3-r1", true},
		{"=dev-libs/foo-1.2.3", false},
		{"~dev-libs/foo-1.2.3", true},
		{"=dev-libs/foo-1.2*", true},
		{">dev-libs/foo-1.2", true},
		{"<dev-libs/foo-1.2.3", false},
		{"<=dev-libs/foo-1.2.3-r1", true},
		{"dev-libs/foo:1", true},
		{"dev-libs/foo:2", false},
		{"dev-libs/foo:1/1.2", true},
		{"dev-libs/foo:1/1.3", false},
		{"dev-libs/foo::gentoo", true},
		{"dev-libs/foo::other", false},
		{"dev-libs/foo[ssl]", true},
		{"dev-libs/foo[-ssl]", false},
		{"dev-libs/foo[ipv6]", false},
		{"dev-libs/foo[-ipv6]", true},
		{"dev-libs/foo[gtk]", false},
		{"dev-libs/foo[gtk(+)]", true},
		{"dev-libs/foo[-gtk(-)]", true},
	} {
		assert.Equal(t, test.match, MustAtom(test.atom).Match(pkg), test.atom)
	}
}

func TestEvaluateConditionals(t *testing.T) {
	a := MustAtom("dev-libs/foo[ssl?,!ipv6?,gtk=,!qt=,static]")
	use := func(flag string) bool { return flag == "ssl" || flag == "gtk" }
	ev := a.EvaluateConditionals(use)
	assert.Equal(t, "dev-libs/foo[ssl,-ipv6,gtk,qt,static]", ev.String())
	assert.Equal(t, a.String(), ev.Unevaluated())
	assert.False(t, ev.HasUseConditionals())
	assert.ElementsMatch(t, []string{"gtk", "qt", "ssl", "static"}, ev.UseEnabled())
	assert.Equal(t, []string{"ipv6"}, ev.UseDisabled())

	none := MustAtom("dev-libs/foo[ssl?]").EvaluateConditionals(func(string) bool { return false })
	assert.Equal(t, "dev-libs/foo", none.String())
	assert.False(t, none.HasUse())
}

func TestUseChanges(t *testing.T) {
	pkg := fakePkg{cpv: "dev-libs/foo-1", slot: "0", use: []string{"ssl"}, iuse: []string{"ssl", "ipv6"}}
	changes, ok := MustAtom("dev-libs/foo[-ssl,ipv6]").UseChanges(pkg, pkg.UseEnabled)
	require.True(t, ok)
	assert.Equal(t, map[string]bool{"ssl": false, "ipv6": true}, changes)

	_, ok = MustAtom("dev-libs/foo[gtk]").UseChanges(pkg, pkg.UseEnabled)
	assert.False(t, ok)
}

func TestAtomDerived(t *testing.T) {
	a := MustAtom("!>=dev-libs/foo-1:2::gentoo[ssl]")
	assert.Equal(t, ">=dev-libs/foo-1:2::gentoo[ssl]", a.WithoutBlocker().String())
	assert.Equal(t, "!>=dev-libs/foo-1:2::gentoo", a.WithoutUse().String())
	assert.Equal(t, "!>=dev-libs/foo-1::gentoo[ssl]", a.WithoutSlot().String())
	assert.Equal(t, "dev-libs/foo:3/4", MustAtom("dev-libs/foo").WithSlot("3/4").String())
	assert.True(t, MustAtom("dev-libs/foo:2").Intersects(MustAtom(">=dev-libs/foo-1")))
	assert.False(t, MustAtom("dev-libs/foo:2").Intersects(MustAtom("dev-libs/foo:3")))
	assert.True(t, MustAtom("dev-libs/foo:2=").SlotOperatorBuilt())
	assert.False(t, MustAtom("dev-libs/foo:=").SlotOperatorBuilt())
}

func TestMatchFromList(t *testing.T) {
	cpvs := []string{"dev-libs/foo-1", "dev-libs/foo-2", "dev-libs/foo-3", "dev-libs/bar-2"}
	assert.Equal(t, []string{"dev-libs/foo-2", "dev-libs/foo-3"}, MatchFromList(MustAtom(">=dev-libs/foo-2"), cpvs))
	assert.Empty(t, MatchFromList(MustAtom("dev-libs/baz"), cpvs))
}

func TestViolatedUse(t *testing.T) {
	pkg := fakePkg{cpv: "dev-libs/foo-1", slot: "0", use: []string{"ssl"}, iuse: []string{"ssl", "ipv6"}}
	a := MustAtom("dev-libs/foo[ipv6?,-ssl,gtk(+)]")
	parent := func(flag string) bool { return flag == "ipv6" }

	on, off := a.EvaluateConditionals(parent).ViolatedUse(pkg, pkg.UseEnabled, nil)
	assert.Equal(t, []string{"ipv6"}, on)
	assert.Equal(t, []string{"ssl"}, off)

	on, off = a.EvaluateConditionals(parent).ViolatedUse(pkg, pkg.UseEnabled, func(string) bool { return false })
	assert.Empty(t, on)
	assert.Equal(t, []string{"ssl"}, off)

	assert.Equal(t, "?", a.UseCondition("ipv6"))
	assert.Equal(t, "", a.UseCondition("ssl"))
	assert.Equal(t, []string{"ipv6", "ssl"}, a.UseRequired())
	assert.Equal(t, a.String(), a.EvaluateConditionals(parent).UnevaluatedAtom().String())
	assert.Equal(t, []string{"gtk"}, MustAtom("dev-libs/foo[gtk]").MissingIUse(pkg))
}
