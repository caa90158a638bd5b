package config

import (
	"strings"

	"github.com/ppphp/portago-resolver/pkg/ebuild"
	"github.com/ppphp/portago-resolver/pkg/emerge/structs"
)

// UseManager computes the configured USE of ebuilds from the global USE,
// package.use and the forced and masked flags.
type UseManager struct {
	globalUse []string
	pUse      []ebuild.AtomValues
	useForce  map[string]bool
	useMask   map[string]bool
	pForce    []ebuild.AtomValues
	pMask     []ebuild.AtomValues
}

func NewUseManager(use string, pUse, pForce, pMask []ebuild.AtomValues, useForce, useMask string) *UseManager {
	return &UseManager{
		globalUse: strings.Fields(use),
		pUse:      pUse,
		useForce:  ebuild.Incremental(strings.Fields(useForce)),
		useMask:   ebuild.Incremental(strings.Fields(useMask)),
		pForce:    pForce,
		pMask:     pMask,
	}
}

func (u *UseManager) stacked(global map[string]bool, lines []ebuild.AtomValues, p *structs.Package) map[string]bool {
	tokens := make([]string, 0, len(global))
	for f := range global {
		tokens = append(tokens, f)
	}
	for _, values := range ebuild.MatchingValues(lines, p) {
		tokens = append(tokens, values...)
	}
	return ebuild.Incremental(tokens)
}

// GetUseForce returns the flags that cannot be disabled for p.
func (u *UseManager) GetUseForce(p *structs.Package) map[string]bool {
	return u.stacked(u.useForce, u.pForce, p)
}

// GetUseMask returns the flags that cannot be enabled for p.
func (u *UseManager) GetUseMask(p *structs.Package) map[string]bool {
	return u.stacked(u.useMask, u.pMask, p)
}

// GetPUse returns the package.use tokens that apply to p, in order.
func (u *UseManager) GetPUse(p *structs.Package) []string {
	var out []string
	for _, values := range ebuild.MatchingValues(u.pUse, p) {
		out = append(out, values...)
	}
	return out
}

// EbuildUse returns the enabled IUSE flags of an ebuild: IUSE defaults,
// then the global USE, then package.use, then forced and masked flags.
func (u *UseManager) EbuildUse(p *structs.Package) map[string]bool {
	tokens := make([]string, 0, len(p.IUseDefault)+len(u.globalUse))
	for f := range p.IUseDefault {
		tokens = append(tokens, f)
	}
	tokens = append(tokens, u.globalUse...)
	tokens = append(tokens, u.GetPUse(p)...)
	enabled := ebuild.Incremental(tokens)
	for f := range u.GetUseForce(p) {
		enabled[f] = true
	}
	for f := range u.GetUseMask(p) {
		delete(enabled, f)
	}
	out := map[string]bool{}
	for f := range enabled {
		if p.IUse[f] {
			out[f] = true
		}
	}
	return out
}
