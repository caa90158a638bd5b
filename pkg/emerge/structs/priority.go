package structs

// PriorityKind separates the three priority families. Ranges only ever
// ignore dependency priorities.
type PriorityKind uint8

const (
	DepKind PriorityKind = iota
	UnmergeKind
	BlockerKind
)

// DepPriority ranks an edge. It is a plain value, so equal priorities are
// interchangeable on an edge.
type DepPriority struct {
	Kind PriorityKind

	Buildtime       bool
	BuildtimeSlotOp bool
	Runtime         bool
	RuntimeSlotOp   bool
	RuntimePost     bool
	Optional        bool
	Ignored         bool
	// Satisfied is set when an installed package already satisfies the
	// dependency. It is only used to break cycles.
	Satisfied bool
	// Rebuild marks a dependency of a package that replaces an installed
	// instance of the same slot.
	Rebuild bool
}

// BlockerPriority orders a blocked package's uninstall after the package
// that blocks it.
var BlockerPriority = DepPriority{Kind: BlockerKind}

func (p DepPriority) Int() int {
	switch p.Kind {
	case BlockerKind:
		return 0
	case UnmergeKind:
		switch {
		case p.RuntimeSlotOp:
			return 0
		case p.Runtime:
			return -1
		case p.RuntimePost:
			return -2
		}
		return -3
	}
	switch {
	case p.Optional:
		return -5
	case p.BuildtimeSlotOp:
		return 0
	case p.Buildtime:
		return -1
	case p.RuntimeSlotOp:
		return -2
	case p.Runtime:
		return -3
	case p.RuntimePost:
		return -4
	}
	return -6
}

// Less orders priorities by strength.
func (p DepPriority) Less(o DepPriority) bool { return p.Int() < o.Int() }

// PriorityLess is Less in function form, for digraph.New.
func PriorityLess(a, b DepPriority) bool { return a.Less(b) }

// Hard reports a mandatory dependency.
func (p DepPriority) Hard() bool {
	return p.Kind != DepKind || !(p.Optional || p.Ignored) && p.Int() > -6
}

func (p DepPriority) String() string {
	switch p.Kind {
	case BlockerKind:
		return "blocker"
	case UnmergeKind:
		switch {
		case p.Ignored:
			return "ignored"
		case p.RuntimeSlotOp:
			return "hard slot op"
		case p.Int() > -3:
			return "hard"
		}
		return "soft"
	}
	switch {
	case p.Ignored:
		return "ignored"
	case p.Optional:
		return "optional"
	case p.BuildtimeSlotOp:
		return "buildtime_slot_op"
	case p.Buildtime:
		return "buildtime"
	case p.RuntimeSlotOp:
		return "runtime_slot_op"
	case p.Runtime:
		return "runtime"
	case p.RuntimePost:
		return "runtime_post"
	}
	return "soft"
}

// PriorityRange is a ladder of ignore functions, from ignoring nothing to
// ignoring everything but build time dependencies.
type PriorityRange struct {
	Ignore     []func(DepPriority) bool
	Medium     int
	MediumSoft int
	Soft       int
	None       int
}

func (r PriorityRange) IgnoreMedium() func(DepPriority) bool     { return r.Ignore[r.Medium] }
func (r PriorityRange) IgnoreMediumSoft() func(DepPriority) bool { return r.Ignore[r.MediumSoft] }
func (r PriorityRange) IgnoreSoft() func(DepPriority) bool       { return r.Ignore[r.Soft] }

// NormalRange ignores optional, then post-merge, then run time edges.
var NormalRange = PriorityRange{
	Ignore: []func(DepPriority) bool{
		nil,
		func(p DepPriority) bool { return p.Kind == DepKind && p.Optional },
		func(p DepPriority) bool { return p.Kind == DepKind && (p.Optional || p.RuntimePost) },
		func(p DepPriority) bool {
			return p.Kind == DepKind && (p.Optional || !(p.Buildtime || p.BuildtimeSlotOp))
		},
	},
	Medium: 3, MediumSoft: 2, Soft: 1, None: 0,
}

// SatisfiedRange relaxes edges that an installed package already satisfies
// before relaxing unsatisfied ones.
var SatisfiedRange = PriorityRange{
	Ignore: []func(DepPriority) bool{
		nil,
		func(p DepPriority) bool { return p.Kind == DepKind && p.Optional },
		func(p DepPriority) bool {
			return p.Kind == DepKind && (p.Optional || p.Satisfied && p.RuntimePost)
		},
		func(p DepPriority) bool {
			return p.Kind == DepKind && (p.Optional || p.Satisfied && !(p.Buildtime || p.BuildtimeSlotOp))
		},
		func(p DepPriority) bool {
			return p.Kind == DepKind && (p.Optional || p.Satisfied && !p.BuildtimeSlotOp)
		},
		func(p DepPriority) bool { return p.Kind == DepKind && (p.Optional || p.Satisfied) },
		func(p DepPriority) bool {
			return p.Kind == DepKind && (p.Optional || p.Satisfied || p.RuntimePost)
		},
		func(p DepPriority) bool {
			return p.Kind == DepKind && (p.Satisfied || p.Optional || !(p.Buildtime || p.BuildtimeSlotOp))
		},
	},
	Medium: 7, MediumSoft: 6, Soft: 5, None: 0,
}
