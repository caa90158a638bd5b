package dep

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func useSet(flags ...string) func(string) bool {
	m := map[string]bool{}
	for _, f := range flags {
		m[f] = true
	}
	return func(flag string) bool { return m[flag] }
}

func TestUseReduce(t *testing.T) {
	for _, test := range []struct {
		depstr   string
		use      []string
		matchall bool
		want     string
	}{
		{"a/b", nil, false, "a/b"},
		{"a/b c/d", nil, false, "a/b c/d"},
		{"( a/b c/d )", nil, false, "a/b c/d"},
		{"ssl? ( dev-libs/openssl )", nil, false, ""},
		{"ssl? ( dev-libs/openssl )", []string{"ssl"}, false, "dev-libs/openssl"},
		{"!ssl? ( dev-libs/nettle )", nil, false, "dev-libs/nettle"},
		{"a? ( b? ( x/y ) )", []string{"a"}, false, ""},
		{"a? ( b? ( x/y ) )", nil, true, "x/y"},
		{"|| ( a/b c/d )", nil, false, "|| ( a/b c/d )"},
		{"|| ( a/b )", nil, false, "a/b"},
		{"|| ( ( a/b c/d ) e/f )", nil, false, "|| ( ( a/b c/d ) e/f )"},
		{"|| ( || ( a/b c/d ) e/f )", nil, false, "|| ( a/b c/d e/f )"},
		{"|| ( foo? ( a/b ) c/d )", nil, false, "c/d"},
		{"|| ( foo? ( a/b ) c/d )", []string{"foo"}, false, "|| ( a/b c/d )"},
		{"|| ( foo? ( a/b ) )", nil, false, ""},
		{"!a/b x/y", nil, false, "!a/b x/y"},
	} {
		nodes, err := UseReduce(test.depstr, UseReduceOptions{Uselist: useSet(test.use...), Matchall: test.matchall})
		require.NoError(t, err, test.depstr)
		assert.Equal(t, test.want, ParenEnclose(nodes), test.depstr)
	}
}

func TestUseReduceInvalid(t *testing.T) {
	for _, depstr := range []string{
		"( a/b",
		"a/b )",
		"|| a/b",
		"foo? a/b",
		"a/b-1",
		"|| ( a/b",
		"!!!? ( a/b )",
	} {
		_, err := UseReduce(depstr, UseReduceOptions{})
		assert.Error(t, err, depstr)
		var invalid *InvalidDependString
		assert.ErrorAs(t, err, &invalid, depstr)
	}
}

func TestUseReduceIUse(t *testing.T) {
	_, err := UseReduce("gtk? ( x11-libs/gtk )", UseReduceOptions{IsValidFlag: useSet("qt")})
	assert.Error(t, err)
	_, err = UseReduce("gtk? ( x11-libs/gtk )", UseReduceOptions{IsValidFlag: useSet("gtk")})
	assert.NoError(t, err)
}

func TestUseReduceEvaluateAtoms(t *testing.T) {
	nodes, err := UseReduce("dev-libs/foo[ssl?]", UseReduceOptions{Uselist: useSet("ssl"), EvaluateAtoms: true})
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "dev-libs/foo[ssl]", nodes[0].Atom.String())
	assert.Equal(t, "dev-libs/foo[ssl?]", nodes[0].Atom.Unevaluated())
}

func TestFlatten(t *testing.T) {
	nodes, err := UseReduce("a/b || ( c/d ( e/f g/h ) )", UseReduceOptions{})
	require.NoError(t, err)
	var got []string
	for _, a := range Flatten(nodes) {
		got = append(got, a.String())
	}
	assert.Equal(t, []string{"a/b", "c/d", "e/f", "g/h"}, got)
}

func TestExtractAffectingUse(t *testing.T) {
	depstr := "a? ( b? ( x/y ) ) c? ( || ( x/y z/z ) ) d? ( z/z )"
	flags, err := ExtractAffectingUse(depstr, MustAtom("x/y"))
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"a": true, "b": true, "c": true}, flags)

	_, err = ExtractAffectingUse(depstr, MustAtom("q/q"))
	assert.Error(t, err)
}

func TestUseConditionals(t *testing.T) {
	flags, err := UseConditionals("a? ( x/y ) !b? ( z/z ) c/d")
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"a": true, "b": true}, flags)
}
