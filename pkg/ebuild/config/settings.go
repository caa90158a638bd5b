// Package config is the visibility and USE policy of one root. It answers
// two questions about a candidate: which USE flags an ebuild is configured
// with, and why a candidate is masked.
package config

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/ppphp/portago-resolver/pkg/dep"
	"github.com/ppphp/portago-resolver/pkg/ebuild"
	"github.com/ppphp/portago-resolver/pkg/emerge/structs"
)

// Settings is the raw policy input. Package lists use the package.* file
// line format "atom token...".
type Settings struct {
	Arch           string              `yaml:"arch" toml:"arch"`
	AcceptKeywords string              `yaml:"accept_keywords" toml:"accept_keywords"`
	AcceptLicense  string              `yaml:"accept_license" toml:"accept_license"`
	LicenseGroups  map[string][]string `yaml:"license_groups" toml:"license_groups"`
	Use            string              `yaml:"use" toml:"use"`
	UseForce       string              `yaml:"use_force" toml:"use_force"`
	UseMask        string              `yaml:"use_mask" toml:"use_mask"`

	PackageUse            []string `yaml:"package.use" toml:"package_use"`
	PackageUseForce       []string `yaml:"package.use.force" toml:"package_use_force"`
	PackageUseMask        []string `yaml:"package.use.mask" toml:"package_use_mask"`
	PackageAcceptKeywords []string `yaml:"package.accept_keywords" toml:"package_accept_keywords"`
	PackageLicense        []string `yaml:"package.license" toml:"package_license"`
	PackageMask           []string `yaml:"package.mask" toml:"package_mask"`
	PackageUnmask         []string `yaml:"package.unmask" toml:"package_unmask"`
}

// UnmaskHint names the autounmask step that can lift a mask.
type UnmaskHint string

const (
	HintNone            UnmaskHint = ""
	HintUnstableKeyword UnmaskHint = "unstable keyword"
	HintLicense         UnmaskHint = "license"
	HintPMask           UnmaskHint = "p_mask"
)

// MaskReason explains why a candidate is not visible.
type MaskReason struct {
	Category string
	Message  string
	Hint     UnmaskHint
	// Value is the missing keyword, missing licenses or the mask atom.
	Value string
}

func (r MaskReason) String() string { return r.Message }

// SupportedEapis are the EAPIs the resolver understands.
var SupportedEapis = map[string]bool{
	"0": true, "1": true, "2": true, "3": true, "4": true,
	"5": true, "6": true, "7": true, "8": true,
}

// Config is the immutable policy of one root.
type Config struct {
	Settings Settings
	Keywords *ebuild.KeywordsManager
	Licenses *ebuild.LicenseManager
	Masks    *MaskManager
	Uses     *UseManager
}

func New(s Settings) (*Config, error) {
	if s.Arch == "" {
		s.Arch = "x86"
	}
	if s.AcceptKeywords == "" {
		s.AcceptKeywords = s.Arch
	}
	if s.AcceptLicense == "" {
		s.AcceptLicense = "*"
	}
	lines := map[string][]ebuild.AtomValues{}
	for name, raw := range map[string][]string{
		"package.use":             s.PackageUse,
		"package.use.force":       s.PackageUseForce,
		"package.use.mask":        s.PackageUseMask,
		"package.accept_keywords": s.PackageAcceptKeywords,
		"package.license":         s.PackageLicense,
	} {
		parsed, err := ebuild.ParsePackageLines(name, raw)
		if err != nil {
			return nil, err
		}
		lines[name] = parsed
	}
	pMask, err := parseAtoms("package.mask", s.PackageMask)
	if err != nil {
		return nil, err
	}
	pUnmask, err := parseAtoms("package.unmask", s.PackageUnmask)
	if err != nil {
		return nil, err
	}
	return &Config{
		Settings: s,
		Keywords: ebuild.NewKeywordsManager(s.AcceptKeywords, lines["package.accept_keywords"]),
		Licenses: ebuild.NewLicenseManager(s.AcceptLicense, s.LicenseGroups, lines["package.license"]),
		Masks:    NewMaskManager(pMask, pUnmask),
		Uses: NewUseManager(s.Use, lines["package.use"], lines["package.use.force"],
			lines["package.use.mask"], s.UseForce, s.UseMask),
	}, nil
}

func parseAtoms(name string, raw []string) ([]*dep.Atom, error) {
	var out []*dep.Atom
	for i, line := range raw {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		a, err := dep.NewAtom(line, false)
		if err != nil {
			return nil, errors.Wrapf(err, "%s: line %d", name, i+1)
		}
		out = append(out, a)
	}
	return out, nil
}

// SetUse fills in the configured USE of an ebuild. Built packages keep the
// USE they were built with.
func (c *Config) SetUse(p *structs.Package) {
	if !p.Built {
		p.Use = c.Uses.EbuildUse(p)
	}
}

// UseForced reports a flag that autounmask must not disable.
func (c *Config) UseForced(p *structs.Package, flag string) bool {
	return c.Uses.GetUseForce(p)[flag]
}

// UseMasked reports a flag that autounmask must not enable.
func (c *Config) UseMasked(p *structs.Package, flag string) bool {
	return c.Uses.GetUseMask(p)[flag]
}

// MaskReasons classifies why p is not visible. Installed packages are only
// masked by invalid metadata.
func (c *Config) MaskReasons(p *structs.Package) []MaskReason {
	var out []MaskReason
	for _, inv := range p.Invalid {
		out = append(out, MaskReason{Category: "invalid", Message: "invalid: " + inv})
	}
	if !SupportedEapis[p.Eapi] {
		out = append(out, MaskReason{Category: "EAPI", Message: "EAPI " + p.Eapi, Value: p.Eapi})
	}
	if p.Installed {
		return out
	}
	if a := c.Masks.GetMaskAtom(p); a != nil {
		out = append(out, MaskReason{Category: "package.mask", Message: "package.mask", Hint: HintPMask, Value: a.String()})
	}
	if missing := c.Keywords.GetMissingKeywords(p, p.Metadata["KEYWORDS"]); len(missing) > 0 {
		hint := HintNone
		if unstableFor(missing, c.Settings.Arch) {
			hint = HintUnstableKeyword
		}
		out = append(out, MaskReason{
			Category: "KEYWORDS",
			Message:  strings.Join(missing, " ") + " keyword",
			Hint:     hint,
			Value:    strings.Join(missing, " "),
		})
	}
	missing, err := c.Licenses.GetMissingLicenses(p, p.Metadata["LICENSE"], p.UseEnabled)
	switch {
	case err != nil:
		out = append(out, MaskReason{Category: "invalid", Message: fmt.Sprintf("LICENSE: %v", err)})
	case len(missing) > 0:
		out = append(out, MaskReason{
			Category: "LICENSE",
			Message:  strings.Join(missing, " ") + " license(s)",
			Hint:     HintLicense,
			Value:    strings.Join(missing, " "),
		})
	}
	return out
}

// unstableFor is true when accepting the testing keyword of arch is enough.
func unstableFor(missing []string, arch string) bool {
	for _, kw := range missing {
		if kw == "~"+arch {
			return true
		}
	}
	return false
}

// Visible reports a candidate without mask reasons.
func (c *Config) Visible(p *structs.Package) bool {
	return len(c.MaskReasons(p)) == 0
}
