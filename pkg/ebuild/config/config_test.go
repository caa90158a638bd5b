package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppphp/portago-resolver/pkg/emerge/structs"
)

func ebuildPkg(t *testing.T, cpv string, md map[string]string) *structs.Package {
	if md["EAPI"] == "" {
		md["EAPI"] = "7"
	}
	if md["SLOT"] == "" {
		md["SLOT"] = "0"
	}
	p, err := structs.NewPackage(structs.Ebuild, "/", cpv, md, false)
	require.NoError(t, err)
	return p
}

func TestEbuildUse(t *testing.T) {
	c, err := New(Settings{
		Use:             "gtk -X doc",
		UseMask:         "doc",
		PackageUse:      []string{"dev-libs/foo -gtk ssl"},
		PackageUseForce: []string{"dev-libs/foo static"},
	})
	require.NoError(t, err)

	p := ebuildPkg(t, "dev-libs/foo-1", map[string]string{"IUSE": "+X gtk ssl doc static ipv6"})
	c.SetUse(p)
	assert.Equal(t, []string{"ssl", "static"}, p.UseList())
	assert.True(t, c.UseForced(p, "static"))
	assert.True(t, c.UseMasked(p, "doc"))

	q := ebuildPkg(t, "dev-libs/bar-1", map[string]string{"IUSE": "+X gtk"})
	c.SetUse(q)
	assert.Equal(t, []string{"gtk"}, q.UseList())

	b, err := structs.NewPackage(structs.Binary, "/", "dev-libs/bar-1", map[string]string{"SLOT": "0", "IUSE": "gtk", "USE": "X", "EAPI": "7"}, false)
	require.NoError(t, err)
	c.SetUse(b)
	assert.Equal(t, []string{"X"}, b.UseList())
}

func TestMaskReasons(t *testing.T) {
	c, err := New(Settings{
		Arch:          "x86",
		AcceptLicense: "-* GPL-2",
		PackageMask:   []string{">=dev-libs/masked-2", "dev-libs/unmasked"},
		PackageUnmask: []string{"dev-libs/unmasked"},
	})
	require.NoError(t, err)

	for _, test := range []struct {
		cpv  string
		md   map[string]string
		cats []string
		hint UnmaskHint
	}{
		{"dev-libs/ok-1", map[string]string{"KEYWORDS": "x86", "LICENSE": "GPL-2"}, nil, HintNone},
		{"dev-libs/testing-1", map[string]string{"KEYWORDS": "~x86", "LICENSE": "GPL-2"}, []string{"KEYWORDS"}, HintUnstableKeyword},
		{"dev-libs/other-1", map[string]string{"KEYWORDS": "~amd64", "LICENSE": "GPL-2"}, []string{"KEYWORDS"}, HintNone},
		{"dev-libs/eula-1", map[string]string{"KEYWORDS": "x86", "LICENSE": "EULA"}, []string{"LICENSE"}, HintLicense},
		{"dev-libs/masked-2", map[string]string{"KEYWORDS": "x86", "LICENSE": "GPL-2"}, []string{"package.mask"}, HintPMask},
		{"dev-libs/masked-1", map[string]string{"KEYWORDS": "x86", "LICENSE": "GPL-2"}, nil, HintNone},
		{"dev-libs/unmasked-1", map[string]string{"KEYWORDS": "x86", "LICENSE": "GPL-2"}, nil, HintNone},
		{"dev-libs/future-1", map[string]string{"KEYWORDS": "x86", "LICENSE": "GPL-2", "EAPI": "99"}, []string{"EAPI"}, HintNone},
	} {
		p := ebuildPkg(t, test.cpv, test.md)
		reasons := c.MaskReasons(p)
		var cats []string
		hint := HintNone
		for _, r := range reasons {
			cats = append(cats, r.Category)
			if r.Hint != HintNone {
				hint = r.Hint
			}
		}
		assert.Equal(t, test.cats, cats, test.cpv)
		assert.Equal(t, test.hint, hint, test.cpv)
		assert.Equal(t, len(test.cats) == 0, c.Visible(p), test.cpv)
	}

	inst, err := structs.NewPackage(structs.Installed, "/", "dev-libs/masked-2", map[string]string{"SLOT": "0", "EAPI": "7", "KEYWORDS": "~x86", "LICENSE": "EULA"}, false)
	require.NoError(t, err)
	assert.True(t, c.Visible(inst))
}

func TestNewInvalid(t *testing.T) {
	_, err := New(Settings{PackageMask: []string{"not/an/atom"}})
	assert.Error(t, err)
	_, err = New(Settings{PackageUse: []string{"!!bad"}})
	assert.Error(t, err)
}
