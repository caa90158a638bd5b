package emerge

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ppphp/portago-resolver/pkg/dep"
	"github.com/ppphp/portago-resolver/pkg/emerge/structs"
	"github.com/ppphp/portago-resolver/pkg/versions"
)

// SelectFiles builds the graph for the given arguments: atoms, short
// package names or "@set" names. It returns whether a complete plan was
// found and the arguments to record as favorites. An error is only
// returned for arguments that cannot be understood.
func (d *Depgraph) SelectFiles(args []string) (bool, []string, error) {
	d.loadVdb()
	root := d.frozen.TargetRoot
	var parsed []*structs.DependencyArg
	var favorites []string
	for _, a := range args {
		arg, err := d.parseArg(root, a)
		if err != nil {
			return false, nil, err
		}
		parsed = append(parsed, arg)
		favorites = append(favorites, arg.Arg)
	}
	parsed = append(parsed, d.reinstallArgs(root)...)
	d.favorites = favorites
	ok := d.resolve(parsed)
	d.log.WithFields(logrus.Fields{
		"ok": ok, "restart": d.NeedRestart(), "nodes": d.digraph.Len(),
	}).Debug("select_files done")
	return ok, favorites, nil
}

// parseArg turns one command line argument into a DependencyArg.
func (d *Depgraph) parseArg(root, s string) (*structs.DependencyArg, error) {
	rc := d.frozen.Roots[root]
	if strings.HasPrefix(s, structs.SetPrefix) {
		name := strings.TrimPrefix(s, structs.SetPrefix)
		atoms, ok := rc.Sets[name]
		if !ok {
			return nil, errors.Errorf("'%s' is not a known set, known sets: %s", s, strings.Join(rc.SetNames(), ", "))
		}
		return structs.NewSetArg(name, atoms, root), nil
	}
	atomStr := s
	if !strings.Contains(s, "/") {
		expanded, err := d.expandShortName(root, s)
		if err != nil {
			return nil, err
		}
		atomStr = expanded
	}
	atom, err := dep.NewAtom(atomStr, false)
	if err != nil {
		return nil, errors.Wrapf(err, "'%s' is not a valid package atom", s)
	}
	return structs.NewAtomArg(s, atom, root), nil
}

// expandShortName adds the category to a package name, looking at every
// database of root.
func (d *Depgraph) expandShortName(root, s string) (string, error) {
	op, name := "", s
	for _, o := range []string{">=", "<=", "=", "~", ">", "<"} {
		if strings.HasPrefix(s, o) {
			op, name = o, s[len(o):]
			break
		}
	}
	pn := name
	if op != "" {
		if split := versions.PkgSplit(name); split[0] != "" {
			pn = split[0]
		}
	}
	if i := strings.IndexAny(pn, ":["); i >= 0 {
		pn = pn[:i]
	}
	cps := map[string]bool{}
	for _, tn := range structs.TypeNames {
		for _, cpv := range d.frozen.db(root, tn).CpvAll() {
			cp := versions.CpvGetKey(cpv)
			if i := strings.Index(cp, "/"); i >= 0 && cp[i+1:] == pn {
				cps[cp] = true
			}
		}
	}
	switch len(cps) {
	case 0:
		return "", errors.Errorf("there are no ebuilds to satisfy \"%s\"", s)
	case 1:
		for cp := range cps {
			return op + cp[:strings.Index(cp, "/")+1] + name, nil
		}
	}
	names := make([]string, 0, len(cps))
	for cp := range cps {
		names = append(names, cp)
	}
	sort.Strings(names)
	return "", errors.Errorf("the short ebuild name \"%s\" is ambiguous, please specify one of: %s", s, strings.Join(names, " "))
}

// setArgs registers the argument nodes and their atoms.
func (d *Depgraph) setArgs(args []*structs.DependencyArg) {
	for _, arg := range args {
		n := d.addArgNode(arg)
		if containsNode(d.initialArgs, n) {
			continue
		}
		d.initialArgs = append(d.initialArgs, n)
		if arg.Kind == structs.SetArg {
			d.setNodes[arg.SetName()] = true
			d.digraph.AddNode(n)
		}
		for _, a := range sortedAtoms(arg.Atoms) {
			d.argAtoms = append(d.argAtoms, argAtom{arg: n, atom: a})
		}
	}
	d.highestPkgCache = map[highestKey]selection{}
}

func containsNode(list []structs.Node, n structs.Node) bool {
	for _, x := range list {
		if x == n {
			return true
		}
	}
	return false
}

func sortedAtoms(atoms []*dep.Atom) []*dep.Atom {
	out := append([]*dep.Atom(nil), atoms...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func softSet(arg *structs.DependencyArg, names ...string) bool {
	if arg.Kind != structs.SetArg {
		return false
	}
	for _, n := range names {
		if arg.SetName() == n {
			return true
		}
	}
	return false
}

// resolve adds the packages of the arguments and builds the graph below
// them.
func (d *Depgraph) resolve(args []*structs.DependencyArg) bool {
	d.setArgs(args)
	onlyDeps := d.frozen.Opts.Has("--onlydeps")
	for _, n := range append([]structs.Node(nil), d.initialArgs...) {
		arg := d.Arg(n)
		for _, atom := range sortedAtoms(arg.Atoms) {
			dp := structs.NewDependency(atom, n, structs.NoPkg, structs.DepPriority{}, arg.Root, 0)
			dp.OnlyDeps = onlyDeps
			if arg.Kind == structs.PackageArg {
				if !d.addPkg(arg.Package, dp) || !d.createGraph(false) {
					return false
				}
				continue
			}
			s := d.selectPackage(arg.Root, atom, onlyDeps)
			if s.pkg == structs.NoPkg {
				if d.needRestart {
					return false
				}
				if !softSet(arg, "selected", "world") {
					d.recordUnsatisfied(arg.Root, atom, n)
					return false
				}
				d.missingArgs = append(d.missingArgs, arg)
				continue
			}
			p := d.pkgs.Get(s.pkg)
			if p.Installed && !d.params.Selective && !d.frozen.excluded(p) {
				d.messages = append(d.messages, "!!! only the installed package is available for '"+atom.String()+"'")
				if !softSet(arg, "selected", "system", "world") {
					return false
				}
			}
			if !d.addPkg(s.pkg, dp) {
				return false
			}
		}
	}
	if !d.createGraph(false) {
		return false
	}
	if !d.resolveConflicts() {
		return false
	}
	if !d.serializeTasks() {
		return false
	}
	if len(d.tracker.SlotConflicts()) > 0 && !d.acceptBlockerConflicts() ||
		d.allowBacktracking && len(d.backtrackInfos.SlotConflicts) > 0 {
		return false
	}
	if d.triggerRebuilds() {
		return false
	}
	if d.NeedConfigChange() {
		d.successWithoutAutounmask = true
		return d.frozen.Opts.Has("--autounmask-continue")
	}
	return true
}

// acceptBlockerConflicts is true for modes that never merge anything.
func (d *Depgraph) acceptBlockerConflicts() bool {
	o := d.frozen.Opts
	return o.Has("--buildpkgonly") || o.Has("--fetchonly") || o.Has("--fetch-all-uri") || o.Has("--nodeps")
}

// resolveConflicts completes the graph and checks slot conflicts and
// blockers.
func (d *Depgraph) resolveConflicts() bool {
	if !d.params.Complete && d.allowBacktracking && len(d.tracker.SlotConflicts()) > 0 && !d.acceptBlockerConflicts() {
		d.params.Complete = true
	}
	if !d.completeGraph() {
		return false
	}
	d.processSlotConflicts()
	if !d.validateBlockers() {
		return false
	}
	d.processSlotConflicts()
	return true
}
