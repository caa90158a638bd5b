package emerge

import (
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// Options holds emerge options keyed by their long name, e.g. "--deep".
// Switches carry "true"; choice options carry "y" or "n".
type Options map[string]string

func (o Options) Has(key string) bool {
	_, ok := o[key]
	return ok
}

func (o Options) Get(key string) string { return o[key] }

// Int returns an integer option or def when it is unset or malformed.
func (o Options) Int(key string, def int) int {
	v, ok := o[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Copy returns an independent copy.
func (o Options) Copy() Options {
	c := make(Options, len(o))
	for k, v := range o {
		c[k] = v
	}
	return c
}

// DepgraphParams are the graph construction switches derived from the
// options.
type DepgraphParams struct {
	Recurse bool
	// Deep is the recursion depth for dependency updates: 0 only looks at
	// direct dependencies of arguments, DeepUnlimited has no bound.
	Deep      int
	Complete  bool
	Selective bool
	Empty     bool
	Remove    bool
	// Bdeps is the --with-bdeps choice: "y", "n" or "auto".
	Bdeps string

	RebuiltBinaries             bool
	BinpkgRespectUse            string
	IgnoreBuiltSlotOperatorDeps bool
	CompleteIfNewUse            bool
	CompleteIfNewVer            bool
	WithTestDeps                bool

	Autounmask             bool
	AutounmaskKeepUse      bool
	AutounmaskKeepLicense  bool
	AutounmaskKeepKeywords bool
	AutounmaskKeepMasks    bool
}

// DeepUnlimited is the Deep value of a bare --deep.
const DeepUnlimited = -1

func yes(v string) bool { return v == "y" || v == "true" }

// CreateDepgraphParams derives the graph construction switches for action
// from opts.
func CreateDepgraphParams(opts Options, action string) DepgraphParams {
	p := DepgraphParams{Recurse: true}

	if v, ok := opts["--binpkg-respect-use"]; ok {
		p.BinpkgRespectUse = v
	} else if !opts.Has("--usepkgonly") {
		p.BinpkgRespectUse = "auto"
	}

	keepKeywords := opts["--autounmask-keep-keywords"]
	keepMasks := opts["--autounmask-keep-masks"]
	autounmask, set := opts["--autounmask"]
	license, ok := opts["--autounmask-license"]
	if !ok {
		if autounmask != "" {
			license = "y"
		} else {
			license = "n"
		}
	}
	use := opts["--autounmask-use"]
	if p.BinpkgRespectUse == "y" {
		use = "n"
	}
	if autounmask != "n" {
		if !set {
			p.Autounmask = use == "" || use == "y" || license == "y"
			if keepKeywords == "" {
				keepKeywords = "y"
			}
			if keepMasks == "" {
				keepMasks = "y"
			}
		} else {
			p.Autounmask = true
		}
	}
	p.AutounmaskKeepUse = use == "n"
	p.AutounmaskKeepLicense = license != "y"
	p.AutounmaskKeepKeywords = keepKeywords != "" && keepKeywords != "n"
	p.AutounmaskKeepMasks = keepMasks != "" && keepMasks != "n"

	if v, ok := opts["--with-bdeps"]; ok {
		p.Bdeps = v
	} else if action == "remove" || (opts["--with-bdeps-auto"] != "n" && !opts.Has("--usepkg")) {
		p.Bdeps = "auto"
	}
	p.IgnoreBuiltSlotOperatorDeps = yes(opts["--ignore-built-slot-operator-deps"])

	if action == "remove" {
		p.Remove = true
		p.Complete = true
		p.Selective = true
		return p
	}

	p.Selective = opts["--selective"] != "n"

	switch deep := opts["--deep"]; {
	case deep == "" || deep == "0":
	case deep == "true":
		p.Deep = DeepUnlimited
	default:
		if n, err := strconv.Atoi(deep); err == nil && n > 0 {
			p.Deep = n
		} else {
			p.Deep = DeepUnlimited
		}
	}

	p.CompleteIfNewUse = opts["--complete-graph-if-new-use"] != "n"
	p.CompleteIfNewVer = opts["--complete-graph-if-new-ver"] != "n"

	if opts.Has("--complete-graph") || opts.Has("--rebuild-if-new-rev") ||
		opts.Has("--rebuild-if-new-ver") || opts.Has("--rebuild-if-unbuilt") {
		p.Complete = true
	}
	if opts.Has("--emptytree") {
		p.Empty = true
		p.Deep = DeepUnlimited
		p.Selective = false
	}
	if opts.Has("--nodeps") {
		p.Recurse = false
		p.Deep = 0
		p.Complete = false
	}

	rebuilt := opts["--rebuilt-binaries"]
	if yes(rebuilt) || rebuilt != "n" && opts.Has("--usepkgonly") &&
		opts["--deep"] == "true" && opts.Has("--update") {
		p.RebuiltBinaries = true
	}
	p.WithTestDeps = yes(opts["--with-test-deps"])

	if opts.Has("--debug") {
		logrus.WithField("params", p.String()).Debug("depgraph params")
	}
	return p
}

// Withdeep reports whether the recursion may go one level below depth.
func (p DepgraphParams) Withdeep(depth int) bool {
	return p.Empty || p.Deep == DeepUnlimited || depth+1 <= p.Deep
}

func (p DepgraphParams) String() string {
	var parts []string
	add := func(name string, on bool) {
		if on {
			parts = append(parts, name)
		}
	}
	add("recurse", p.Recurse)
	add("complete", p.Complete)
	add("selective", p.Selective)
	add("empty", p.Empty)
	add("remove", p.Remove)
	add("rebuilt_binaries", p.RebuiltBinaries)
	add("autounmask", p.Autounmask)
	switch {
	case p.Deep == DeepUnlimited:
		parts = append(parts, "deep")
	case p.Deep > 0:
		parts = append(parts, "deep="+strconv.Itoa(p.Deep))
	}
	if p.Bdeps != "" {
		parts = append(parts, "bdeps="+p.Bdeps)
	}
	return strings.Join(parts, " ")
}
