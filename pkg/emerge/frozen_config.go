package emerge

import (
	"sync"

	"github.com/google/shlex"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ppphp/portago-resolver/pkg/cache"
	"github.com/ppphp/portago-resolver/pkg/dbapi"
	"github.com/ppphp/portago-resolver/pkg/dep"
	"github.com/ppphp/portago-resolver/pkg/emerge/structs"
)

type metaKey struct {
	root     string
	typeName structs.TypeName
	cpv      string
}

// FrozenConfig is the state shared by every attempt of one invocation:
// roots, options, the package arena and the metadata cache. Packages are
// immutable once interned, so handles stay valid across attempts.
type FrozenConfig struct {
	Roots      map[string]*RootConfig
	TargetRoot string
	Opts       Options
	// BlockerCache, when set, caches the blocker atoms of installed
	// packages of the target root.
	BlockerCache *cache.BlockerCache
	Log          *logrus.Entry

	pkgs    *structs.Packages
	exclude []*dep.Atom

	mu   sync.Mutex
	meta map[metaKey]map[string]string
}

func NewFrozenConfig(roots map[string]*RootConfig, targetRoot string, opts Options, log *logrus.Entry) (*FrozenConfig, error) {
	if _, ok := roots[targetRoot]; !ok {
		return nil, errors.Errorf("unknown target root '%s'", targetRoot)
	}
	if opts == nil {
		opts = Options{}
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	f := &FrozenConfig{
		Roots:      roots,
		TargetRoot: targetRoot,
		Opts:       opts,
		Log:        log,
		pkgs:       structs.NewPackages(),
		meta:       map[metaKey]map[string]string{},
	}
	if v := opts["--exclude"]; v != "" {
		words, err := shlex.Split(v)
		if err != nil {
			return nil, errors.Wrap(err, "--exclude")
		}
		for _, w := range words {
			a, err := dep.NewAtom(w, false)
			if err != nil {
				return nil, errors.Wrap(err, "--exclude")
			}
			f.exclude = append(f.exclude, a)
		}
	}
	return f, nil
}

// Packages is the arena shared by the attempts.
func (f *FrozenConfig) Packages() *structs.Packages { return f.pkgs }

func (f *FrozenConfig) db(root string, typeName structs.TypeName) dbapi.DbAPI {
	return f.Roots[root].DB(typeName)
}

// metadata returns the cached metadata of a candidate, loading it on a
// miss. It is safe for concurrent use.
func (f *FrozenConfig) metadata(root string, typeName structs.TypeName, cpv string) (map[string]string, error) {
	k := metaKey{root, typeName, cpv}
	f.mu.Lock()
	md, ok := f.meta[k]
	f.mu.Unlock()
	if ok {
		return md, nil
	}
	md, err := dbapi.AuxMap(f.db(root, typeName), cpv, structs.MetadataKeys)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", typeName, cpv)
	}
	f.mu.Lock()
	f.meta[k] = md
	f.mu.Unlock()
	return md, nil
}

// pkg returns the handle of a candidate, building and interning it on first
// use.
func (f *FrozenConfig) pkg(root string, typeName structs.TypeName, cpv string, onlyDeps bool) (structs.PkgHandle, error) {
	md, err := f.metadata(root, typeName, cpv)
	if err != nil {
		return structs.NoPkg, err
	}
	repo := md["repository"]
	if repo == "" {
		repo = structs.UnknownRepo
	}
	op := structs.Merge
	if typeName == structs.Installed || onlyDeps {
		op = structs.NoMerge
	}
	key := structs.PackageKey{TypeName: typeName, Root: root, Cpv: cpv, Operation: op, Repo: repo, OnlyDeps: onlyDeps}
	if h, ok := f.pkgs.Lookup(key); ok {
		return h, nil
	}
	p, err := structs.NewPackage(typeName, root, cpv, md, onlyDeps)
	if err != nil {
		return structs.NoPkg, err
	}
	f.Roots[root].Settings.SetUse(p)
	return f.pkgs.Add(p), nil
}

// excluded reports a candidate removed by --exclude.
func (f *FrozenConfig) excluded(p *structs.Package) bool {
	for _, a := range f.exclude {
		if a.MatchNoUse(p) {
			return true
		}
	}
	return false
}

func (f *FrozenConfig) debug() bool { return f.Opts.Has("--debug") }

func (f *FrozenConfig) usepkgonly() bool { return f.Opts.Has("--usepkgonly") }

func (f *FrozenConfig) usepkg() bool {
	return f.Opts.Has("--usepkg") || f.usepkgonly() || f.Opts.Has("--getbinpkg")
}

// typeNames are the databases searched for candidates, in order.
func (f *FrozenConfig) typeNames() []structs.TypeName {
	var out []structs.TypeName
	if !f.usepkgonly() {
		out = append(out, structs.Ebuild)
	}
	if f.usepkg() {
		out = append(out, structs.Binary)
	}
	return append(out, structs.Installed)
}
