package ebuild

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type candidate struct{ cpv string }

func (c candidate) CpvString() string          { return c.cpv }
func (c candidate) SlotInfo() (string, string) { return "0", "0" }
func (c candidate) RepoName() string           { return "test_repo" }
func (c candidate) UseEnabled(string) bool     { return false }
func (c candidate) HasIUse(string) bool        { return false }

func TestParsePackageLines(t *testing.T) {
	lines, err := ParsePackageLines("package.use", []string{
		"# comment",
		"",
		"dev-libs/foo ssl -ipv6 # trailing",
		">=dev-libs/bar-2",
	})
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, []string{"ssl", "-ipv6"}, lines[0].Values)
	assert.Empty(t, lines[1].Values)
	assert.Equal(t, [][]string{{"ssl", "-ipv6"}}, MatchingValues(lines, candidate{"dev-libs/foo-1"}))
	assert.Empty(t, MatchingValues(lines, candidate{"dev-libs/bar-1"}))

	_, err = ParsePackageLines("package.use", []string{"not an atom"})
	assert.Error(t, err)
}

func TestIncremental(t *testing.T) {
	assert.Equal(t, map[string]bool{"c": true}, Incremental([]string{"a", "b", "-*", "c"}))
	assert.Equal(t, map[string]bool{"b": true}, Incremental([]string{"a", "b", "-a"}))
}

func TestKeywords(t *testing.T) {
	pkw, err := ParsePackageLines("package.accept_keywords", []string{"dev-libs/unstable", "dev-libs/any **"})
	require.NoError(t, err)
	k := NewKeywordsManager("x86", pkw)
	for _, test := range []struct {
		cpv, keywords string
		missing       []string
	}{
		{"dev-libs/a-1", "x86", nil},
		{"dev-libs/a-1", "~x86", []string{"~x86"}},
		{"dev-libs/a-1", "", []string{"**"}},
		{"dev-libs/a-1", "-* ~amd64 x86", nil},
		{"dev-libs/a-1", "*", nil},
		{"dev-libs/unstable-1", "~x86", nil},
		{"dev-libs/unstable-1", "~amd64", []string{"~amd64"}},
		{"dev-libs/any-1", "", nil},
	} {
		assert.Equal(t, test.missing, k.GetMissingKeywords(candidate{test.cpv}, test.keywords), test.cpv+" "+test.keywords)
	}
	assert.True(t, k.IsStable(candidate{"dev-libs/a-1"}, "x86"))
	assert.False(t, k.IsStable(candidate{"dev-libs/unstable-1"}, "~x86"))
}

func TestLicenses(t *testing.T) {
	pl, err := ParsePackageLines("package.license", []string{"dev-libs/eula EULA"})
	require.NoError(t, err)
	l := NewLicenseManager("-* @FREE", map[string][]string{"FREE": {"GPL-2", "MIT", "@OSI"}, "OSI": {"BSD"}}, pl)
	ssl := func(f string) bool { return f == "ssl" }
	for _, test := range []struct {
		cpv, license string
		missing      []string
	}{
		{"dev-libs/a-1", "GPL-2", nil},
		{"dev-libs/a-1", "GPL-2 EULA", []string{"EULA"}},
		{"dev-libs/a-1", "|| ( EULA BSD )", nil},
		{"dev-libs/a-1", "|| ( EULA OTHER )", []string{"EULA", "OTHER"}},
		{"dev-libs/a-1", "ssl? ( EULA )", []string{"EULA"}},
		{"dev-libs/a-1", "!ssl? ( EULA )", nil},
		{"dev-libs/eula-1", "EULA MIT", nil},
		{"dev-libs/a-1", "", nil},
	} {
		missing, err := l.GetMissingLicenses(candidate{test.cpv}, test.license, ssl)
		require.NoError(t, err)
		assert.Equal(t, test.missing, missing, test.license)
	}
	_, err = l.GetMissingLicenses(candidate{"dev-libs/a-1"}, "|| GPL-2", nil)
	assert.Error(t, err)
}
