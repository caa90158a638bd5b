package emerge

import (
	"sort"
	"strings"

	"github.com/ppphp/portago-resolver/pkg/dep"
	"github.com/ppphp/portago-resolver/pkg/ebuild/config"
	"github.com/ppphp/portago-resolver/pkg/emerge/resolver"
	"github.com/ppphp/portago-resolver/pkg/emerge/structs"
)

// unmaskLevel is one step of the autounmask ladder. Steps are cumulative.
type unmaskLevel struct {
	use             bool
	license         bool
	unstable        bool
	missingKeywords bool
	unmask          bool
}

type useProposal struct {
	pkg    structs.PkgHandle
	change resolver.UseChange
}

// ConfigDelta holds the configuration changes probed by one autounmask
// step. It is committed when the trial selects a package and dropped
// otherwise.
type ConfigDelta struct {
	Keywords map[structs.PackageKey]bool
	PMask    map[structs.PackageKey]bool
	Licenses map[structs.PackageKey]map[string]bool
	Use      map[structs.PackageKey]useProposal
}

func newConfigDelta() *ConfigDelta {
	return &ConfigDelta{
		Keywords: map[structs.PackageKey]bool{},
		PMask:    map[structs.PackageKey]bool{},
		Licenses: map[structs.PackageKey]map[string]bool{},
		Use:      map[structs.PackageKey]useProposal{},
	}
}

func (d *Depgraph) autounmaskLevels() []unmaskLevel {
	p := d.params
	var out []unmaskLevel
	l := unmaskLevel{use: !p.AutounmaskKeepUse}
	if l.use {
		out = append(out, l)
	}
	if !p.AutounmaskKeepLicense {
		l.license = true
		out = append(out, l)
	}
	if !p.AutounmaskKeepKeywords {
		l.unstable = true
		out = append(out, l)
	}
	if !(p.AutounmaskKeepKeywords || p.AutounmaskKeepMasks) {
		l.missingKeywords = true
		out = append(out, l)
	}
	if !p.AutounmaskKeepMasks {
		l.unmask = true
		out = append(out, l)
	}
	if !(p.AutounmaskKeepKeywords || p.AutounmaskKeepMasks) {
		l.unstable, l.missingKeywords, l.unmask, l.license = true, true, true, true
		out = append(out, l)
	}
	return out
}

// selectPackage picks the package satisfying atom for the current mode.
func (d *Depgraph) selectPackage(root string, atom *dep.Atom, onlyDeps bool) selection {
	if d.mode == selectFromGraph {
		return d.selectFromGraph(root, atom)
	}
	return d.selectPkgHighestAvailable(root, atom, onlyDeps)
}

// selectFromGraph prefers what is already in the graph, then what is
// installed. An installed package replaced in the graph can still be
// returned, which exposes the conflict with its replacement.
func (d *Depgraph) selectFromGraph(root string, atom *dep.Atom) selection {
	h := structs.NoPkg
	if matches := d.tracker.Match(root, atom, true); len(matches) > 0 {
		h = matches[len(matches)-1]
	} else {
		inst := d.installedMatch(root, atom.WithoutUse())
		for i := len(inst) - 1; i >= 0; i-- {
			p := d.pkgs.Get(inst[i])
			if !d.bp.Masked(p.Key) && atom.MatchWithUse(p, flagSet(p.Use)) {
				h = inst[i]
				break
			}
		}
	}
	if h == structs.NoPkg {
		return selection{structs.NoPkg, structs.NoPkg}
	}
	existing, ok := d.slotPkgMap[slotKey{root, d.pkgs.Get(h).SlotAtom()}]
	if !ok {
		existing = structs.NoPkg
	}
	return selection{h, existing}
}

func (d *Depgraph) selectPkgHighestAvailable(root string, atom *dep.Atom, onlyDeps bool) selection {
	k := highestKey{root, atom.Unevaluated() + "|" + atom.String(), onlyDeps, !d.autounmaskOff}
	if s, ok := d.highestPkgCache[k]; ok {
		return s
	}
	s := d.selectPkgHighestAvailableImp(root, atom, onlyDeps)
	if d.needRestart {
		return s
	}
	d.highestPkgCache[k] = s
	return s
}

func (d *Depgraph) selectPkgHighestAvailableImp(root string, atom *dep.Atom, onlyDeps bool) selection {
	none := selection{structs.NoPkg, structs.NoPkg}
	s := d.wrappedSelect(root, atom, onlyDeps, nil)
	if !d.params.Autounmask || d.autounmaskOff {
		return s
	}
	if s.pkg != structs.NoPkg && !(d.pkgs.Get(s.pkg).Installed && !d.wantInstalledPkg(s.pkg)) {
		return s
	}
	for _, level := range d.autounmaskLevels() {
		level := level
		d.delta = newConfigDelta()
		trial := d.wrappedSelect(root, atom, onlyDeps, &level)
		if trial.pkg != structs.NoPkg && d.pkgs.Get(trial.pkg).Installed && !d.wantInstalledPkg(trial.pkg) {
			trial.pkg = structs.NoPkg
		}
		if trial.pkg != structs.NoPkg && d.commitDelta(trial.pkg) {
			s = trial
			break
		}
		d.discardDelta()
	}
	if d.needRestart {
		return none
	}
	return s
}

func (d *Depgraph) discardDelta() {
	if d.delta != nil && len(d.delta.Use) > 0 {
		d.tracker.InvalidateMatches()
	}
	d.delta = nil
}

// commitDelta moves the probed changes of h into the approved
// configuration. USE changes are checked once more against REQUIRED_USE
// and the masked and forced flags; nothing is committed if they fail.
func (d *Depgraph) commitDelta(h structs.PkgHandle) bool {
	delta := d.delta
	if delta == nil {
		return true
	}
	p := d.pkgs.Get(h)
	k := configKey(p)
	use, hasUse := delta.Use[k]
	if hasUse && !d.validUse(h, use.change) {
		d.log.WithField("pkg", p.String()).Debug("autounmask: USE change violates REQUIRED_USE")
		return false
	}
	d.delta = nil
	changed := false
	out := d.backtrackInfos.Config
	if hasUse {
		d.needed.NeededUseConfigChanges[k] = use.change
		out.NeededUseConfigChanges[k] = use.change
		changed = true
	}
	if delta.Keywords[k] {
		d.needed.NeededUnstableKeywords[k] = true
		out.NeededUnstableKeywords[k] = true
		changed = true
	}
	if delta.PMask[k] {
		d.needed.NeededPMaskChanges[k] = true
		out.NeededPMaskChanges[k] = true
		changed = true
	}
	if lic, ok := delta.Licenses[k]; ok {
		for _, m := range []map[structs.PackageKey]map[string]bool{d.needed.NeededLicenseChanges, out.NeededLicenseChanges} {
			if m[k] == nil {
				m[k] = map[string]bool{}
			}
			for l := range lic {
				m[k][l] = true
			}
		}
		changed = true
	}
	if !changed {
		if len(delta.Use) > 0 {
			d.tracker.InvalidateMatches()
		}
		return true
	}
	d.log.WithField("pkg", p.String()).Debug("autounmask: committed configuration change")
	d.highestPkgCache = map[highestKey]selection{}
	d.tracker.InvalidateMatches()
	if d.allowBacktracking {
		d.needRestart = true
	}
	return true
}

func (d *Depgraph) validUse(h structs.PkgHandle, c resolver.UseChange) bool {
	p := d.pkgs.Get(h)
	mask, force := d.UseMaskForce(h)
	for flag, on := range c.Changes {
		if on && mask[flag] || !on && force[flag] {
			return false
		}
	}
	req := p.Metadata["REQUIRED_USE"]
	if req == "" {
		return true
	}
	ok, err := dep.CheckRequiredUse(req, flagSet(c.NewUse), p.HasIUse)
	return err == nil && ok
}

// proposeUse records a USE change on h in the current trial.
func (d *Depgraph) proposeUse(h structs.PkgHandle, changes map[string]bool) bool {
	p := d.pkgs.Get(h)
	if p.Built || d.delta == nil {
		return false
	}
	k := configKey(p)
	prior := map[string]bool{}
	if c, ok := d.needed.NeededUseConfigChanges[k]; ok {
		prior = c.Changes
	}
	if c, ok := d.delta.Use[k]; ok {
		prior = c.change.Changes
	}
	for flag, on := range changes {
		if v, ok := prior[flag]; ok && v != on {
			return false
		}
	}
	cur := d.PkgUseEnabled(h)
	newUse := make(map[string]bool, len(cur)+len(changes))
	for f, on := range cur {
		if on {
			newUse[f] = true
		}
	}
	merged := make(map[string]bool, len(prior)+len(changes))
	for f, on := range prior {
		merged[f] = on
	}
	for f, on := range changes {
		merged[f] = on
		if on {
			newUse[f] = true
		} else {
			delete(newUse, f)
		}
	}
	c := resolver.UseChange{NewUse: newUse, Changes: merged}
	if !d.validUse(h, c) {
		return false
	}
	d.delta.Use[k] = useProposal{pkg: h, change: c}
	d.tracker.InvalidateMatches()
	return true
}

// visible checks the mask reasons of h. Reasons already approved by an
// earlier change do not count; with a level, reasons the level may lift are
// recorded in the current trial.
func (d *Depgraph) visible(h structs.PkgHandle, level *unmaskLevel) bool {
	p := d.pkgs.Get(h)
	reasons := d.settings(p.Root()).MaskReasons(p)
	if len(reasons) == 0 {
		return true
	}
	if p.Installed {
		return false
	}
	k := configKey(p)
	var keywords, pmask bool
	var licenses []string
	for _, r := range reasons {
		switch r.Category {
		case "KEYWORDS":
			if d.needed.NeededUnstableKeywords[k] || d.delta != nil && d.delta.Keywords[k] {
				continue
			}
			if level == nil || !(r.Hint == config.HintUnstableKeyword && level.unstable ||
				r.Hint == config.HintNone && level.missingKeywords) {
				return false
			}
			keywords = true
		case "package.mask":
			if d.needed.NeededPMaskChanges[k] || d.delta != nil && d.delta.PMask[k] {
				continue
			}
			if level == nil || !level.unmask {
				return false
			}
			pmask = true
		case "LICENSE":
			var missing []string
			for _, l := range strings.Fields(r.Value) {
				if d.needed.NeededLicenseChanges[k][l] || d.delta != nil && d.delta.Licenses[k][l] {
					continue
				}
				missing = append(missing, l)
			}
			if len(missing) == 0 {
				continue
			}
			if level == nil || !level.license {
				return false
			}
			licenses = missing
		default:
			return false
		}
	}
	if d.delta == nil {
		return true
	}
	if keywords {
		d.delta.Keywords[k] = true
	}
	if pmask {
		d.delta.PMask[k] = true
	}
	if len(licenses) > 0 {
		if d.delta.Licenses[k] == nil {
			d.delta.Licenses[k] = map[string]bool{}
		}
		for _, l := range licenses {
			d.delta.Licenses[k][l] = true
		}
	}
	return true
}

// matchPkgs returns the packages of one database matching atom without
// looking at USE, in ascending order.
func (d *Depgraph) matchPkgs(root string, typeName structs.TypeName, atom *dep.Atom, onlyDeps, desc bool) []structs.PkgHandle {
	if typeName == structs.Installed {
		onlyDeps = false
	}
	cpvs := d.frozen.db(root, typeName).Match(atom)
	out := make([]structs.PkgHandle, 0, len(cpvs))
	for _, cpv := range cpvs {
		h, err := d.frozen.pkg(root, typeName, cpv, onlyDeps)
		if err != nil {
			d.log.WithError(err).Warn("skipping broken package")
			continue
		}
		if atom.MatchNoUse(d.pkgs.Get(h)) {
			out = append(out, h)
		}
	}
	if desc {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out
}

// wantInstalledPkg reports whether an installed package may satisfy a
// dependency instead of an update.
func (d *Depgraph) wantInstalledPkg(h structs.PkgHandle) bool {
	p := d.pkgs.Get(h)
	if d.frozen.excluded(p) {
		return true
	}
	atoms := d.iterAtomsForPkg(h)
	for _, aa := range atoms {
		if d.Arg(aa.arg).Force {
			return false
		}
	}
	if d.params.Selective {
		return true
	}
	return len(atoms) == 0
}

// iterAtomsForPkg returns the argument atoms h satisfies. Atoms for which
// a higher version in another slot is already in the graph are skipped.
func (d *Depgraph) iterAtomsForPkg(h structs.PkgHandle) []argAtom {
	p := d.pkgs.Get(h)
	use := flagSet(d.PkgUseEnabled(h))
	var out []argAtom
	for _, aa := range d.argAtoms {
		arg := d.Arg(aa.arg)
		if arg.Root != p.Root() || aa.atom.CP != p.Cp || !aa.atom.MatchWithUse(p, use) {
			continue
		}
		if arg.Kind == structs.PackageArg && d.pkgs.Get(arg.Package).Cpv() != p.Cpv() {
			continue
		}
		higherSlot := false
		visible := d.tracker.Match(p.Root(), aa.atom.WithoutUse(), true)
		for i := len(visible) - 1; i >= 0; i-- {
			v := d.pkgs.Get(visible[i])
			if v.Cp != p.Cp {
				continue
			}
			if p.Compare(v) >= 0 {
				break
			}
			if p.SlotAtom() != v.SlotAtom() {
				higherSlot = true
				break
			}
		}
		if !higherSlot {
			out = append(out, aa)
		}
	}
	return out
}

// wrappedSelect is one pass of the highest-available selection, optionally
// at an autounmask level.
func (d *Depgraph) wrappedSelect(root string, atom *dep.Atom, onlyDeps bool, level *unmaskLevel) selection {
	opts := d.frozen.Opts
	newUse := opts.Has("--newuse")
	changedUse := opts.Has("--changed-use") || opts["--reinstall"] == "changed-use"
	avoidUpdate := !opts.Has("--update")
	noreplace := opts.Has("--noreplace")
	empty := d.params.Empty
	selective := d.params.Selective
	respectUse := d.params.BinpkgRespectUse == "y" || d.params.BinpkgRespectUse == "auto"

	var matched []structs.PkgHandle
	existing := structs.NoPkg
	highest := structs.NoPkg
	var rejectedUse []structs.PkgHandle
	foundAvailableArg := false

	for _, findExisting := range []bool{true, false} {
		if existing != structs.NoPkg {
			break
		}
		for _, tn := range d.frozen.typeNames() {
			if existing != structs.NoPkg {
				break
			}
			built := tn != structs.Ebuild
			installed := tn == structs.Installed
			if installed && !findExisting {
				wantReinstall := opts.Has("--reinstall") && !changedUse || empty || foundAvailableArg && !selective
				if wantReinstall && len(matched) > 0 {
					continue
				}
			}
			matchAtom := atom
			if !built {
				matchAtom = atom.WithoutUse()
			}
			for _, h := range d.matchPkgs(root, tn, matchAtom, onlyDeps, true) {
				p := d.pkgs.Get(h)
				if d.bp.Masked(p.Key) {
					continue
				}
				if built && d.needed.ReinstallList[rebuildKey(p)] {
					continue
				}
				if !installed && d.frozen.excluded(p) {
					continue
				}
				higherRejected := false
				for _, r := range rejectedUse {
					if rp := d.pkgs.Get(r); rp.Cp == p.Cp && rp.Compare(p) > 0 {
						higherRejected = true
						break
					}
				}
				if higherRejected {
					continue
				}
				if !installed || len(matched) > 0 && !avoidUpdate {
					if !d.visible(h, level) {
						continue
					}
				}
				if len(atom.MissingIUse(p)) > 0 {
					rejectedUse = append(rejectedUse, h)
					continue
				}
				if atom.HasUse() && !atom.MatchUse(p, flagSet(d.PkgUseEnabled(h))) {
					proposed := false
					if level != nil && level.use && !built {
						if changes, ok := atom.UseChanges(p, flagSet(d.PkgUseEnabled(h))); ok {
							proposed = d.proposeUse(h, changes)
						}
					}
					if !proposed {
						rejectedUse = append(rejectedUse, h)
						continue
					}
				}
				if !built && !d.requiredUseOK(h) {
					continue
				}
				if highest == structs.NoPkg || p.Compare(d.pkgs.Get(highest)) > 0 {
					highest = h
				}

				if findExisting {
					occ, ok := d.slotPkgMap[slotKey{root, p.SlotAtom()}]
					if !ok {
						break
					}
					if atom.MatchWithUse(d.pkgs.Get(occ), flagSet(d.PkgUseEnabled(occ))) {
						hp := d.pkgs.Get(highest)
						op := d.pkgs.Get(occ)
						if !(hp.Cp == op.Cp && op.Compare(hp) < 0 && op.SlotAtom() != hp.SlotAtom()) {
							matched = append(matched, occ)
							existing = occ
						}
					}
					break
				}

				var reinstallFlags []string
				if built && !installed && (respectUse || newUse || changedUse) {
					cfgUse := d.settings(root).Uses.EbuildUse(p)
					forced := map[string]bool{}
					mask, force := d.UseMaskForce(h)
					for f := range mask {
						forced[f] = true
					}
					for f := range force {
						forced[f] = true
					}
					reinstallFlags = d.reinstallForFlags(p, forced, p.IUse, p.Use, p.IUse, cfgUse)
					if len(reinstallFlags) > 0 {
						d.log.WithField("pkg", p.String()).Debugf("ignoring binary, USE changed: %v", reinstallFlags)
						break
					}
				}
				if !installed && !built {
					if inst := d.installedCpv(root, p.Cpv()); inst != structs.NoPkg {
						ip := d.pkgs.Get(inst)
						if newUse || changedUse {
							mask, force := d.UseMaskForce(h)
							forced := map[string]bool{}
							for f := range mask {
								forced[f] = true
							}
							for f := range force {
								forced[f] = true
							}
							reinstallFlags = d.reinstallForFlags(p, forced, ip.IUse, ip.Use, p.IUse, d.PkgUseEnabled(h))
						}
						if len(reinstallFlags) == 0 && noreplace && d.visible(inst, nil) {
							break
						}
					}
				}
				if !installed && len(d.iterAtomsForPkg(h)) > 0 {
					foundAvailableArg = true
				}
				matched = append(matched, h)
				if len(reinstallFlags) > 0 {
					d.reinstallNodes[h] = reinstallFlags
				}
				break
			}
		}
	}

	if existing != structs.NoPkg {
		return selection{existing, existing}
	}
	if len(matched) == 0 {
		return selection{structs.NoPkg, structs.NoPkg}
	}
	if len(matched) > 1 {
		if d.params.RebuiltBinaries {
			var inst, bin structs.PkgHandle = structs.NoPkg, structs.NoPkg
			unbuiltHigher := false
			for _, h := range matched {
				p := d.pkgs.Get(h)
				switch {
				case p.Installed:
					inst = h
				case p.Built:
					bin = h
				}
			}
			if inst != structs.NoPkg && bin != structs.NoPkg {
				ip, bp := d.pkgs.Get(inst), d.pkgs.Get(bin)
				for _, h := range matched {
					if p := d.pkgs.Get(h); !p.Built && p.Compare(bp) > 0 {
						unbuiltHigher = true
					}
				}
				if !unbuiltHigher && ip.Cpv() == bp.Cpv() && bp.BuildTime > ip.BuildTime {
					return selection{bin, structs.NoPkg}
				}
			}
		}
		kept := matched[:0:0]
		for _, h := range matched {
			if p := d.pkgs.Get(h); !(p.Installed && len(p.Invalid) > 0) {
				kept = append(kept, h)
			}
		}
		if len(kept) > 0 {
			matched = kept
		}
		if avoidUpdate {
			for _, h := range matched {
				if d.pkgs.Get(h).Installed && d.visible(h, level) {
					return selection{h, structs.NoPkg}
				}
			}
		}
		var best *structs.Package
		for _, h := range matched {
			p := d.pkgs.Get(h)
			if !d.visible(h, level) {
				continue
			}
			if best == nil || p.Compare(best) > 0 {
				best = p
			}
		}
		if best != nil {
			kept = matched[:0:0]
			for _, h := range matched {
				if d.pkgs.Get(h).Cpv() == best.Cpv() {
					kept = append(kept, h)
				}
			}
			matched = kept
		}
	}
	return selection{matched[len(matched)-1], structs.NoPkg}
}

func (d *Depgraph) installedCpv(root, cpv string) structs.PkgHandle {
	a, err := dep.NewAtom("="+cpv, false)
	if err != nil {
		return structs.NoPkg
	}
	if m := d.installedMatch(root, a); len(m) > 0 {
		return m[len(m)-1]
	}
	return structs.NoPkg
}

func (d *Depgraph) requiredUseOK(h structs.PkgHandle) bool {
	p := d.pkgs.Get(h)
	req := p.Metadata["REQUIRED_USE"]
	if req == "" {
		return true
	}
	ok, err := dep.CheckRequiredUse(req, flagSet(d.PkgUseEnabled(h)), p.HasIUse)
	return err == nil && ok
}

// reinstallForFlags returns the flags whose change makes a package worth
// rebuilding, or nil.
func (d *Depgraph) reinstallForFlags(p *structs.Package, forced, origIUse, origUse, curIUse, curUse map[string]bool) []string {
	opts := d.frozen.Opts
	respectUse := p.Built && (d.params.BinpkgRespectUse == "y" || d.params.BinpkgRespectUse == "auto")
	newUse := opts.Has("--newuse")
	changedUse := opts.Has("--changed-use") || opts["--reinstall"] == "changed-use"

	enabledDiff := func() map[string]bool {
		out := map[string]bool{}
		for f := range origIUse {
			if origUse[f] && !(curIUse[f] && curUse[f]) {
				out[f] = true
			}
		}
		for f := range curIUse {
			if curUse[f] && !(origIUse[f] && origUse[f]) {
				out[f] = true
			}
		}
		return out
	}
	var flags map[string]bool
	switch {
	case newUse || respectUse && !changedUse:
		flags = enabledDiff()
		for f := range origIUse {
			if !curIUse[f] && !forced[f] {
				flags[f] = true
			}
		}
		for f := range curIUse {
			if !origIUse[f] && !forced[f] {
				flags[f] = true
			}
		}
	case changedUse || respectUse:
		flags = enabledDiff()
	}
	if len(flags) == 0 {
		return nil
	}
	out := make([]string, 0, len(flags))
	for f := range flags {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// requiredUseBlocked returns the candidates for atom that are only
// rejected by their REQUIRED_USE.
func (d *Depgraph) requiredUseBlocked(root string, atom *dep.Atom) []structs.PkgHandle {
	var out []structs.PkgHandle
	for _, h := range d.matchPkgs(root, structs.Ebuild, atom.WithoutUse(), false, true) {
		p := d.pkgs.Get(h)
		if !d.visible(h, nil) || d.bp.Masked(p.Key) || !atom.MatchUse(p, flagSet(d.PkgUseEnabled(h))) {
			continue
		}
		if !d.requiredUseOK(h) {
			out = append(out, h)
		}
	}
	return out
}

// maskedCandidates lists the packages that would satisfy atom but are
// masked, for display.
func (d *Depgraph) maskedCandidates(root string, atom *dep.Atom) (masked, missingUse []resolver.MaskedCandidate) {
	seen := map[string]bool{}
	for _, tn := range d.frozen.typeNames() {
		for _, h := range d.matchPkgs(root, tn, atom.WithoutUse(), false, true) {
			p := d.pkgs.Get(h)
			if seen[p.Cpv()] {
				continue
			}
			var reasons []string
			for _, r := range d.settings(root).MaskReasons(p) {
				reasons = append(reasons, r.Message)
			}
			if d.bp.Masked(p.Key) {
				reasons = append(reasons, "backtracking")
			}
			if len(reasons) > 0 {
				seen[p.Cpv()] = true
				masked = append(masked, resolver.MaskedCandidate{Pkg: p, Reasons: reasons})
				continue
			}
			if atom.HasUse() && !atom.MatchUse(p, flagSet(d.PkgUseEnabled(h))) {
				seen[p.Cpv()] = true
				var want []string
				for _, f := range atom.UseEnabled() {
					want = append(want, f)
				}
				for _, f := range atom.UseDisabled() {
					want = append(want, "-"+f)
				}
				if missing := atom.MissingIUse(p); len(missing) > 0 {
					want = append(want, "missing IUSE: "+strings.Join(missing, " "))
				}
				missingUse = append(missingUse, resolver.MaskedCandidate{Pkg: p, Reasons: want})
			}
		}
	}
	return masked, missingUse
}
