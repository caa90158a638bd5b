package dbapi

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppphp/portago-resolver/pkg/dep"
)

func newDb(t *testing.T) *FakeDbAPI {
	db := NewFakeDbAPI()
	for cpv, md := range map[string]map[string]string{
		"dev-libs/foo-1":    {"SLOT": "1", "repository": "gentoo"},
		"dev-libs/foo-2":    {"SLOT": "2/2.1", "repository": "gentoo"},
		"dev-libs/foo-1.10": {"SLOT": "1", "repository": "overlay"},
		"dev-libs/bar-0.1":  {},
		"app-misc/baz-3-r1": {"SLOT": "0", "BUILD_TIME": "100"},
	} {
		require.NoError(t, db.CpvInject(cpv, md))
	}
	return db
}

func TestFakeDbAPIMatch(t *testing.T) {
	db := newDb(t)
	for _, test := range []struct {
		atom string
		want []string
	}{
		{"dev-libs/foo", []string{"dev-libs/foo-1", "dev-libs/foo-1.10", "dev-libs/foo-2"}},
		{"dev-libs/foo:1", []string{"dev-libs/foo-1", "dev-libs/foo-1.10"}},
		{"dev-libs/foo:2/2.1", []string{"dev-libs/foo-2"}},
		{">dev-libs/foo-1", []string{"dev-libs/foo-1.10", "dev-libs/foo-2"}},
		{"dev-libs/foo::overlay", []string{"dev-libs/foo-1.10"}},
		{"dev-libs/foo[ssl]", []string{"dev-libs/foo-1", "dev-libs/foo-1.10", "dev-libs/foo-2"}},
		{"dev-libs/bar:0", []string{"dev-libs/bar-0.1"}},
		{"dev-libs/nope", nil},
	} {
		assert.Equal(t, test.want, db.Match(dep.MustAtom(test.atom)), test.atom)
	}
	// cached result is not aliased
	first := db.Match(dep.MustAtom("dev-libs/foo"))
	first[0] = "x"
	assert.Equal(t, "dev-libs/foo-1", db.Match(dep.MustAtom("dev-libs/foo"))[0])
}

func TestFakeDbAPIMutation(t *testing.T) {
	db := newDb(t)
	assert.Equal(t, []string{"app-misc/baz", "dev-libs/bar", "dev-libs/foo"}, db.CpAll())
	assert.Len(t, db.CpvAll(), 5)

	db.CpvRemove("dev-libs/foo-2")
	assert.False(t, db.CpvExists("dev-libs/foo-2"))
	assert.Equal(t, []string{"dev-libs/foo-1", "dev-libs/foo-1.10"}, db.Match(dep.MustAtom("dev-libs/foo")))

	require.NoError(t, db.AuxUpdate("dev-libs/foo-1", map[string]string{"SLOT": "3"}))
	assert.Equal(t, []string{"dev-libs/foo-1"}, db.Match(dep.MustAtom("dev-libs/foo:3")))

	md, err := AuxMap(db, "app-misc/baz-3-r1", []string{"SLOT", "BUILD_TIME", "EAPI"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"SLOT": "0", "BUILD_TIME": "100", "EAPI": ""}, md)

	_, err = db.AuxGet("dev-libs/none-1", []string{"SLOT"})
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Error(t, db.AuxUpdate("dev-libs/none-1", nil))
	assert.Error(t, db.CpvInject("not-a-cpv", nil))
}
