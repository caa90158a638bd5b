package config

import (
	"github.com/ppphp/portago-resolver/pkg/dep"
	"github.com/ppphp/portago-resolver/pkg/emerge/structs"
)

// MaskManager applies package.mask and package.unmask.
type MaskManager struct {
	pMask   []*dep.Atom
	pUnmask []*dep.Atom
}

func NewMaskManager(pMask, pUnmask []*dep.Atom) *MaskManager {
	return &MaskManager{pMask: pMask, pUnmask: pUnmask}
}

// GetMaskAtom returns the package.mask atom masking p, unless a
// package.unmask atom lifts it.
func (m *MaskManager) GetMaskAtom(p *structs.Package) *dep.Atom {
	for _, unmask := range m.pUnmask {
		if unmask.MatchNoUse(p) {
			return nil
		}
	}
	return m.GetRawMaskAtom(p)
}

// GetRawMaskAtom ignores package.unmask.
func (m *MaskManager) GetRawMaskAtom(p *structs.Package) *dep.Atom {
	for _, mask := range m.pMask {
		if mask.MatchNoUse(p) {
			return mask
		}
	}
	return nil
}
