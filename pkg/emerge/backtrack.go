package emerge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ppphp/portago-resolver/pkg/emerge/resolver"
)

// DefaultBacktrack is the number of restarts allowed without --backtrack.
const DefaultBacktrack = 10

// OutcomeKind is the result of a single attempt.
type OutcomeKind int

const (
	// OutcomeSuccess is a complete plan.
	OutcomeSuccess OutcomeKind = iota
	// OutcomeRestart asks for another attempt with the constraints in
	// Infos added.
	OutcomeRestart
	// OutcomeFailure is a failed attempt that learned nothing new.
	OutcomeFailure
	// OutcomeFatal cannot be fixed by any constraint.
	OutcomeFatal
)

var outcomeNames = [...]string{"success", "restart", "failure", "fatal"}

func (k OutcomeKind) String() string { return outcomeNames[k] }

// Outcome is what an attempt hands back to the backtracking loop.
type Outcome struct {
	Kind   OutcomeKind
	Infos  *resolver.BacktrackInfos
	Reason string
}

// Outcome classifies the attempt after SelectFiles returned ok.
func (d *Depgraph) Outcome(ok bool) Outcome {
	switch {
	case ok:
		return Outcome{Kind: OutcomeSuccess}
	case len(d.requiredUse) > 0 && !d.NeedRestart():
		var b strings.Builder
		for i, r := range d.requiredUse {
			if i > 0 {
				b.WriteString("; ")
			}
			fmt.Fprintf(&b, "%s: REQUIRED_USE \"%s\"", d.pkgs.Get(r.pkg).Cpv(), d.pkgs.Get(r.pkg).Metadata["REQUIRED_USE"])
		}
		return Outcome{Kind: OutcomeFatal, Reason: b.String()}
	case d.NeedRestart():
		return Outcome{Kind: OutcomeRestart, Infos: d.GetBacktrackInfos()}
	}
	return Outcome{Kind: OutcomeFailure}
}

// State is where a resolution ended.
type State int

const (
	StateInitial State = iota
	StateResolving
	StateSuccess
	StateNeedsRestart
	StateExhausted
	StateFatal
)

var stateNames = [...]string{"initial", "resolving", "success", "needs_restart", "exhausted", "fatal"}

func (s State) String() string { return stateNames[s] }

// Resolution is the attempt returned by BacktrackDepgraph.
type Resolution struct {
	Depgraph  *Depgraph
	Success   bool
	Favorites []string
	State     State
	Attempts  int
}

// ResolutionError is the report of a resolution that produced no usable
// plan.
type ResolutionError struct {
	State    State
	Problems *resolver.Problems
	// ConfigChangesWouldHelp is set when the plan only needs the USE,
	// keyword, license or mask changes listed in Problems.Changes.
	ConfigChangesWouldHelp bool
	Reason                 string
}

func (e *ResolutionError) Error() string {
	var parts []string
	p := e.Problems
	if e.Reason != "" {
		parts = append(parts, e.Reason)
	}
	if p != nil {
		if p.SlotConflict != nil {
			parts = append(parts, "slot conflict")
		}
		if p.Circular != nil {
			parts = append(parts, "circular dependencies")
		}
		if n := len(p.Unsatisfied); n > 0 {
			parts = append(parts, fmt.Sprintf("%d unsatisfied dependencies", n))
		}
		if n := len(p.Blockers); n > 0 {
			parts = append(parts, fmt.Sprintf("%d blocked packages", n))
		}
	}
	if e.ConfigChangesWouldHelp {
		parts = append(parts, "configuration changes needed")
	}
	if len(parts) == 0 {
		parts = append(parts, "no plan found")
	}
	return fmt.Sprintf("resolution %s: %s", e.State, strings.Join(parts, ", "))
}

// Err returns the ResolutionError of an unsuccessful resolution.
func (r *Resolution) Err() error {
	if r.Success {
		return nil
	}
	e := &ResolutionError{
		State:                  r.State,
		Problems:               r.Depgraph.Problems(),
		ConfigChangesWouldHelp: r.Depgraph.NeedConfigChange(),
	}
	if r.State == StateFatal {
		e.Reason = r.Depgraph.Outcome(false).Reason
	}
	return e
}

// attempt runs one depgraph under bp.
func attempt(ctx context.Context, frozen *FrozenConfig, params DepgraphParams, bp *resolver.BacktrackParameter,
	allowBacktracking bool, args []string, n int) (*Depgraph, bool, []string, Outcome, error) {
	d := NewDepgraph(frozen, params, bp, allowBacktracking).WithAttempt(n)
	_, span := tracer.Start(ctx, "depgraph.attempt", trace.WithAttributes(
		attribute.Int("attempt", n),
		attribute.String("session", d.ID.String()),
		attribute.Bool("backtracking", allowBacktracking),
		attribute.String("constraints", bp.String()),
	))
	defer span.End()

	ok, favorites, err := d.SelectFiles(args)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return d, false, nil, Outcome{}, err
	}
	out := d.Outcome(ok)
	span.SetAttributes(attribute.String("outcome", out.Kind.String()), attribute.Int("nodes", d.digraph.Len()))
	if out.Kind == OutcomeFatal {
		span.SetStatus(codes.Error, out.Reason)
	}
	attemptsTotal.WithLabelValues(out.Kind.String()).Inc()
	d.log.WithFields(logrus.Fields{"outcome": out.Kind.String(), "constraints": bp.String()}).Debug("attempt done")
	return d, ok, favorites, out, nil
}

// BacktrackDepgraph resolves args, restarting with the constraints each
// failed attempt learned until a plan is found, the constraints stop
// growing or --backtrack restarts are used up. When the search ends without
// a plan, the attempt that left the fewest problems is run once more
// without backtracking and returned for display.
func BacktrackDepgraph(ctx context.Context, frozen *FrozenConfig, params DepgraphParams, args []string) (*Resolution, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "depgraph.backtrack")
	defer span.End()

	maxRetries := frozen.Opts.Int("--backtrack", DefaultBacktrack)
	if maxRetries < 0 {
		maxRetries = 0
	}
	maxDepth := (maxRetries + 1) / 2
	if maxDepth < 1 {
		maxDepth = 1
	}
	allowBacktracking := maxRetries > 0
	bt := resolver.NewBacktracker(maxDepth)

	res := &Resolution{State: StateInitial}
	var last Outcome
	backtracked := 0
	for bt.Len() > 0 {
		bp, _ := bt.Get()
		res.State = StateResolving
		res.Attempts++
		d, ok, favorites, out, err := attempt(ctx, frozen, params, bp, allowBacktracking, args, res.Attempts)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		res.Depgraph, res.Success, res.Favorites, last = d, ok, favorites, out
		bt.Record(d.problemCount())
		if ok || d.NeedConfigChange() || out.Kind == OutcomeFatal || !allowBacktracking || backtracked >= maxRetries {
			break
		}
		backtracked++
		if out.Kind == OutcomeRestart {
			res.State = StateNeedsRestart
			bt.Feedback(out.Infos)
		}
	}

	switch {
	case res.Success:
		res.State = StateSuccess
	case last.Kind == OutcomeFatal:
		res.State = StateFatal
	case res.Depgraph.NeedConfigChange():
		res.State = StateNeedsRestart
	default:
		res.State = StateExhausted
		if backtracked > 0 {
			frozen.Log.WithField("attempts", res.Attempts).Debug("backtracking exhausted, re-running best attempt")
			res.Attempts++
			d, ok, favorites, out, err := attempt(ctx, frozen, params, bt.BestRun(), false, args, res.Attempts)
			if err != nil {
				return nil, err
			}
			res.Depgraph, res.Success, res.Favorites = d, ok, favorites
			switch {
			case ok:
				res.State = StateSuccess
			case out.Kind == OutcomeFatal:
				res.State = StateFatal
			}
		}
	}

	resolutionsTotal.WithLabelValues(res.State.String()).Inc()
	resolutionAttempts.Observe(float64(res.Attempts))
	resolutionLatency.Observe(time.Since(start).Seconds())
	graphNodes.Observe(float64(res.Depgraph.digraph.Len()))
	span.SetAttributes(attribute.String("state", res.State.String()), attribute.Int("attempts", res.Attempts))
	if !res.Success {
		span.SetStatus(codes.Error, res.State.String())
	}
	return res, nil
}
