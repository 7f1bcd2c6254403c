package archon

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/AaronLay10/Universalis/internal/feasibility"
	"github.com/AaronLay10/Universalis/internal/intent"
	"github.com/AaronLay10/Universalis/internal/memory"
	"github.com/AaronLay10/Universalis/internal/world"
	"go.uber.org/zap"
)

// ErrConflictUnresolved means the actor pass could not produce a consistent
// delta. The total resolution order makes this unreachable for well-formed
// input, so callers treat it as fatal.
var ErrConflictUnresolved = errors.New("conflict unresolved")

// ConflictReason is the rejection reason for an outranked candidate.
const ConflictReason = "conflict: lower priority"

// Rejection is an intent excluded from the cycle.
type Rejection struct {
	AgentID string `json:"agent_id"`
	Text    string `json:"text,omitempty"`
	Reason  string `json:"reason"`
	// Constraint is the first failed constraint; Constraints lists all of them.
	Constraint   string   `json:"constraint,omitempty"`
	Constraints  []string `json:"constraints,omitempty"`
	ConflictWith string   `json:"conflict_with,omitempty"`
	Detail       string   `json:"detail,omitempty"`
}

// Result is the adjudication of one cycle.
type Result struct {
	SimulationID string `json:"simulation_id"`
	// Cycle is the cycle the next state will be committed as.
	Cycle           uint64               `json:"cycle"`
	Applied         []Effect             `json:"applied"`
	Rejected        []Rejection          `json:"rejected"`
	Skipped         []string             `json:"skipped,omitempty"`
	Environment     []string             `json:"environment,omitempty"`
	Reports         []feasibility.Report `json:"reports,omitempty"`
	Rationale       string               `json:"rationale"`
	Recommendations []string             `json:"recommendations,omitempty"`
	// Memories are written by the caller once the next state is committed.
	Memories []memory.AddRequest `json:"-"`
}

// Archon turns one cycle's intents into a single world delta. It never
// commits.
type Archon struct {
	engine    *feasibility.Engine
	env       EnvironmentModel
	conflicts []ConflictPredicate
	log       *zap.Logger
}

// Option configures an Archon.
type Option func(*Archon)

// WithEnvironment replaces the environment model.
func WithEnvironment(m EnvironmentModel) Option { return func(a *Archon) { a.env = m } }

// WithConflictPredicate adds a predicate checked after WriteConflict.
func WithConflictPredicate(p ConflictPredicate) Option {
	return func(a *Archon) { a.conflicts = append(a.conflicts, p) }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Archon) {
		if l != nil {
			a.log = l
		}
	}
}

// New creates an Archon over a feasibility engine.
func New(engine *feasibility.Engine, opts ...Option) *Archon {
	a := &Archon{
		engine:    engine,
		env:       NewStandardEnvironment(0),
		conflicts: []ConflictPredicate{WriteConflict},
		log:       zap.NewNop(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Engine returns the feasibility engine.
func (a *Archon) Engine() *feasibility.Engine { return a.engine }

// Adjudicate resolves intents against state and returns the result with
// the next state (cycle+1). state is not modified. skipped lists agents
// that submitted nothing this cycle.
func (a *Archon) Adjudicate(ctx context.Context, state *world.WorldState, intents []intent.Intent, skipped []string) (*Result, *world.WorldState, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	next := state.Clone()
	res := &Result{
		SimulationID: state.SimulationID,
		Cycle:        state.Cycle + 1,
		Applied:      []Effect{},
		Rejected:     []Rejection{},
		Skipped:      append([]string(nil), skipped...),
	}
	sort.Strings(res.Skipped)

	// Environment pass.
	res.Environment = a.env.Evolve(next)

	// Actor pass, in agent id order.
	ordered := append([]intent.Intent(nil), intents...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].AgentID < ordered[j].AgentID })
	for i := 1; i < len(ordered); i++ {
		if ordered[i].AgentID == ordered[i-1].AgentID {
			return nil, nil, fmt.Errorf("%w: agent %s submitted more than one intent for cycle %d",
				ErrConflictUnresolved, ordered[i].AgentID, state.Cycle)
		}
	}

	var candidates []Candidate
	for _, in := range ordered {
		report := a.engine.Evaluate(in, next)
		res.Reports = append(res.Reports, report)
		if !report.Passed {
			res.Rejected = append(res.Rejected, infeasible(in, report))
			continue
		}
		action, _ := in.Action()
		candidates = append(candidates, Candidate{
			Intent:   in,
			Priority: priorityOf(in, next),
			Effect:   effectFor(in, action),
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool { return outranks(candidates[i], candidates[j]) })
	var accepted []Candidate
	for _, c := range candidates {
		if winner, detail, ok := a.conflictWith(c, accepted); ok {
			if !outranks(winner, c) {
				return nil, nil, fmt.Errorf("%w: %s and %s share rank %d", ErrConflictUnresolved,
					winner.Intent.AgentID, c.Intent.AgentID, c.Priority)
			}
			res.Rejected = append(res.Rejected, Rejection{
				AgentID:      c.Intent.AgentID,
				Text:         c.Intent.Text,
				Reason:       ConflictReason,
				ConflictWith: winner.Intent.AgentID,
				Detail:       detail,
			})
			a.log.Debug("intent lost conflict",
				zap.String("agent", c.Intent.AgentID),
				zap.String("winner", winner.Intent.AgentID),
				zap.String("detail", detail))
			continue
		}
		accepted = append(accepted, c)
	}

	// Apply in agent id order so the result reads the same way it was
	// evaluated.
	sort.SliceStable(accepted, func(i, j int) bool { return accepted[i].Intent.AgentID < accepted[j].Intent.AgentID })
	for _, c := range accepted {
		if err := c.Effect.Apply(next); err != nil {
			return nil, nil, fmt.Errorf("%w: apply %s for %s: %v", ErrConflictUnresolved, c.Effect.Kind, c.Intent.AgentID, err)
		}
		res.Applied = append(res.Applied, c.Effect)
	}
	sort.SliceStable(res.Rejected, func(i, j int) bool { return res.Rejected[i].AgentID < res.Rejected[j].AgentID })

	next.Cycle = state.Cycle + 1
	res.Recommendations = a.recommendations(res.Rejected)
	res.Rationale = rationale(res)
	res.Memories = memories(res, ordered)

	a.log.Info("cycle adjudicated",
		zap.String("simulation", res.SimulationID),
		zap.Uint64("cycle", res.Cycle),
		zap.Int("applied", len(res.Applied)),
		zap.Int("rejected", len(res.Rejected)),
		zap.Int("skipped", len(res.Skipped)))
	return res, next, nil
}

// conflictWith returns the first accepted candidate that c conflicts with.
func (a *Archon) conflictWith(c Candidate, accepted []Candidate) (Candidate, string, bool) {
	for _, other := range accepted {
		for _, p := range a.conflicts {
			if conflict, detail := p(other, c); conflict {
				return other, detail, true
			}
		}
	}
	return Candidate{}, "", false
}

func infeasible(in intent.Intent, report feasibility.Report) Rejection {
	r := Rejection{AgentID: in.AgentID, Text: in.Text}
	failed := report.Failed()
	for _, c := range failed {
		r.Constraints = append(r.Constraints, c.Constraint)
	}
	if len(failed) > 0 {
		r.Constraint = failed[0].Constraint
		r.Reason = "infeasible: " + failed[0].Constraint
		r.Detail = report.Summary()
	}
	return r
}

// priorityOf prefers the intent's override, then the actor's priority.
func priorityOf(in intent.Intent, ws *world.WorldState) int {
	if in.Priority != nil {
		return *in.Priority
	}
	if e := ws.Entity(in.AgentID); e != nil {
		return e.Priority
	}
	return 0
}

func (a *Archon) recommendations(rejected []Rejection) []string {
	var out []string
	seen := map[string]bool{}
	for _, r := range rejected {
		if r.Constraint == "" {
			continue
		}
		rec := a.engine.Recommendation(r.Constraint)
		if rec == "" {
			continue
		}
		line := fmt.Sprintf("%s: %s", r.AgentID, rec)
		if !seen[line] {
			seen[line] = true
			out = append(out, line)
		}
	}
	return out
}
