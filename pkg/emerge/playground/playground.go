// Package playground builds throwaway package databases from YAML so that
// resolver scenarios can be written as data. A fixture describes the
// ebuilds, binary packages and installed packages of one root, its policy
// settings and its sets; cases list the arguments to resolve and the merge
// list expected back.
package playground

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/ppphp/portago-resolver/pkg/cache"
	"github.com/ppphp/portago-resolver/pkg/dbapi"
	"github.com/ppphp/portago-resolver/pkg/dep"
	"github.com/ppphp/portago-resolver/pkg/ebuild/config"
	"github.com/ppphp/portago-resolver/pkg/emerge"
	"github.com/ppphp/portago-resolver/pkg/emerge/resolver"
	"github.com/ppphp/portago-resolver/pkg/emerge/structs"
)

// Root is the root every fixture is built in.
const Root = "/"

// Metadata is the metadata of one package, keyed like the database keys
// ("SLOT", "RDEPEND", ...).
type Metadata map[string]string

// Fixture is the content of a playground file.
type Fixture struct {
	Ebuilds   map[string]Metadata `yaml:"ebuilds"`
	Binpkgs   map[string]Metadata `yaml:"binpkgs"`
	Installed map[string]Metadata `yaml:"installed"`
	// World is the selected set.
	World    []string            `yaml:"world"`
	System   []string            `yaml:"system"`
	Sets     map[string][]string `yaml:"sets"`
	Settings config.Settings     `yaml:"settings"`
	Cases    []Case              `yaml:"cases"`
}

// Case is one resolution and its expected result.
type Case struct {
	Name    string            `yaml:"name"`
	Args    []string          `yaml:"args"`
	Options map[string]string `yaml:"options"`
	Success bool              `yaml:"success"`
	// MergeList uses the format of Result.MergeList. An empty list with
	// Success set expects nothing to do.
	MergeList            []string `yaml:"mergelist"`
	IgnoreMergeListOrder bool     `yaml:"ignore_mergelist_order"`
	// SlotCollision expects a slot conflict in the report.
	SlotCollision bool `yaml:"slot_collision"`
	// Unsatisfied lists atoms expected among the unsatisfied dependencies.
	Unsatisfied []string `yaml:"unsatisfied"`
	// Changes lists "keyword cpv", "unmask cpv", "license cpv" or
	// "use cpv flag..." entries expected among the needed changes.
	Changes []string `yaml:"changes"`
}

// Playground is a loaded fixture ready to resolve against.
type Playground struct {
	Fixture Fixture
	Roots   map[string]*emerge.RootConfig
	Log     *logrus.Entry
	// BlockerCache is shared by every run of the playground.
	BlockerCache *cache.BlockerCache
	// PrefetchWorkers, when positive, loads all metadata with that many
	// workers before each run.
	PrefetchWorkers int
}

// Load reads a fixture from r.
func Load(r io.Reader) (*Playground, error) {
	var f Fixture
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "playground")
	}
	return New(f)
}

// LoadFile reads the fixture at path.
func LoadFile(path string) (*Playground, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "playground")
	}
	defer fh.Close()
	p, err := Load(fh)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	return p, nil
}

func defaults(md Metadata, arch string) map[string]string {
	m := map[string]string{"EAPI": "7", "SLOT": "0", "KEYWORDS": arch}
	for k, v := range md {
		m[k] = v
	}
	return m
}

// New builds the databases of f.
func New(f Fixture) (*Playground, error) {
	settings, err := config.New(f.Settings)
	if err != nil {
		return nil, errors.Wrap(err, "settings")
	}
	arch := settings.Settings.Arch

	var trees emerge.Trees
	inject := func(name string, pkgs map[string]Metadata, fill func(cpv string, m map[string]string)) (*dbapi.FakeDbAPI, error) {
		db := dbapi.NewFakeDbAPI()
		for _, cpv := range sortedKeys(pkgs) {
			m := defaults(pkgs[cpv], arch)
			if fill != nil {
				fill(cpv, m)
			}
			if err := db.CpvInject(cpv, m); err != nil {
				return nil, errors.Wrap(err, name)
			}
		}
		return db, nil
	}
	porttree, err := inject("ebuilds", f.Ebuilds, func(_ string, m map[string]string) {
		if m["repository"] == "" {
			m["repository"] = "test_repo"
		}
	})
	if err != nil {
		return nil, err
	}
	bintree, err := inject("binpkgs", f.Binpkgs, builtUse)
	if err != nil {
		return nil, err
	}
	counter := 0
	vartree, err := inject("installed", f.Installed, func(cpv string, m map[string]string) {
		builtUse(cpv, m)
		if m["COUNTER"] == "" {
			counter++
			m["COUNTER"] = strconv.Itoa(counter)
		}
	})
	if err != nil {
		return nil, err
	}
	trees.Porttree, trees.Bintree, trees.Vartree = porttree, bintree, vartree

	sets := map[string][]*dep.Atom{}
	named := map[string][]string{"selected": f.World, "system": f.System}
	for name, atoms := range f.Sets {
		named[name] = atoms
	}
	for name, atoms := range named {
		sets[name] = make([]*dep.Atom, 0, len(atoms))
		for _, s := range atoms {
			a, err := dep.NewAtom(s, false)
			if err != nil {
				return nil, errors.Wrapf(err, "set %s", name)
			}
			sets[name] = append(sets[name], a)
		}
	}

	log := logrus.WithField("component", "playground")
	bc, err := cache.Open(cache.Config{InMemory: true, Logger: log})
	if err != nil {
		return nil, err
	}
	return &Playground{
		Fixture:      f,
		Roots:        map[string]*emerge.RootConfig{Root: emerge.NewRootConfig(Root, settings, trees, sets)},
		Log:          log,
		BlockerCache: bc,
	}, nil
}

// builtUse fills in the USE of a built package from the defaults of its
// IUSE when the fixture leaves it out.
func builtUse(_ string, m map[string]string) {
	if _, ok := m["USE"]; ok {
		return
	}
	var use []string
	for _, f := range strings.Fields(m["IUSE"]) {
		if strings.HasPrefix(f, "+") {
			use = append(use, f[1:])
		}
	}
	m["USE"] = strings.Join(use, " ")
}

func sortedKeys(m map[string]Metadata) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// UseBlockerCache replaces the in-memory blocker cache with bc.
func (p *Playground) UseBlockerCache(bc *cache.BlockerCache) error {
	old := p.BlockerCache
	p.BlockerCache = bc
	return old.Close()
}

// Close releases the blocker cache.
func (p *Playground) Close() error {
	return p.BlockerCache.Close()
}

// Result is the outcome of one run.
type Result struct {
	Resolution *emerge.Resolution
	Success    bool
	// MergeList has one entry per task: the cpv of ebuild merges,
	// "[binary]cpv" for binary merges and "[uninstall]cpv" for uninstalls.
	MergeList []string
	Problems  *resolver.Problems
}

// Run resolves args with opts. Every run starts from a fresh FrozenConfig.
func (p *Playground) Run(ctx context.Context, args []string, opts map[string]string) (*Result, error) {
	o := emerge.Options{"--pretend": "true"}
	for k, v := range opts {
		o[k] = v
	}
	frozen, err := emerge.NewFrozenConfig(p.Roots, Root, o, p.Log)
	if err != nil {
		return nil, err
	}
	frozen.BlockerCache = p.BlockerCache
	if p.PrefetchWorkers > 0 {
		if err := emerge.PrefetchMetadata(ctx, frozen, p.PrefetchWorkers); err != nil {
			return nil, err
		}
	}
	params := emerge.CreateDepgraphParams(o, "")
	res, err := emerge.BacktrackDepgraph(ctx, frozen, params, args)
	if err != nil {
		return nil, err
	}
	r := &Result{Resolution: res, Success: res.Success, Problems: res.Depgraph.Problems()}
	if res.Success {
		for _, t := range res.Depgraph.Altlist(false) {
			r.MergeList = append(r.MergeList, taskString(t.Pkg))
		}
	}
	return r, nil
}

func taskString(p *structs.Package) string {
	switch {
	case p.Operation() == structs.Uninstall:
		return "[uninstall]" + p.Cpv()
	case p.TypeName() == structs.Binary:
		return "[binary]" + p.Cpv()
	}
	return p.Cpv()
}

// Check compares r with the expectations of c and returns the
// differences.
func (c Case) Check(r *Result) []string {
	var diffs []string
	if r.Success != c.Success {
		diffs = append(diffs, fmt.Sprintf("success: got %v, want %v", r.Success, c.Success))
	}
	if c.Success {
		got, want := r.MergeList, c.MergeList
		if c.IgnoreMergeListOrder {
			got, want = sortedCopy(got), sortedCopy(want)
		}
		if strings.Join(got, " ") != strings.Join(want, " ") {
			diffs = append(diffs, fmt.Sprintf("mergelist: got %v, want %v", r.MergeList, c.MergeList))
		}
	}
	if c.SlotCollision != (r.Problems.SlotConflict != nil) {
		diffs = append(diffs, fmt.Sprintf("slot collision: got %v, want %v", r.Problems.SlotConflict != nil, c.SlotCollision))
	}
	unsatisfied := map[string]bool{}
	for _, u := range r.Problems.Unsatisfied {
		unsatisfied[u.Atom.String()] = true
	}
	for _, a := range c.Unsatisfied {
		if !unsatisfied[a] {
			diffs = append(diffs, fmt.Sprintf("unsatisfied: %s not reported", a))
		}
	}
	changes := map[string]bool{}
	for _, ch := range changeStrings(r.Problems.Changes) {
		changes[ch] = true
	}
	for _, ch := range c.Changes {
		if !changes[ch] {
			diffs = append(diffs, fmt.Sprintf("changes: %q not reported", ch))
		}
	}
	return diffs
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

// changeStrings renders c in the format of Case.Changes. Flags of a USE
// change are sorted, disabled flags carry a "-".
func changeStrings(c *resolver.ConfigChanges) []string {
	if c == nil {
		return nil
	}
	var out []string
	for k := range c.NeededUnstableKeywords {
		out = append(out, "keyword "+k.Cpv)
	}
	for k := range c.NeededPMaskChanges {
		out = append(out, "unmask "+k.Cpv)
	}
	for k := range c.NeededLicenseChanges {
		out = append(out, "license "+k.Cpv)
	}
	for k, u := range c.NeededUseConfigChanges {
		var flags []string
		for f, on := range u.Changes {
			if !on {
				f = "-" + f
			}
			flags = append(flags, f)
		}
		sort.Strings(flags)
		out = append(out, strings.Join(append([]string{"use", k.Cpv}, flags...), " "))
	}
	sort.Strings(out)
	return out
}
