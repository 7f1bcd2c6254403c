package feasibility

import (
	"fmt"
	"strings"
	"sync"

	"github.com/AaronLay10/Universalis/internal/intent"
	"github.com/AaronLay10/Universalis/internal/world"
	"go.uber.org/zap"
)

// Category groups constraints by the kind of rule they enforce.
type Category string

const (
	CategoryPhysical   Category = "physical"
	CategoryLogistical Category = "logistical"
	CategoryPolicy     Category = "policy"
	CategoryTemporal   Category = "temporal"
)

// Input is what a predicate evaluates.
type Input struct {
	Intent *intent.Intent
	// Action is the decoded payload, nil for free-text intents or when
	// decoding failed (see ActionErr).
	Action    *intent.Action
	ActionErr error
	State     *world.WorldState
	Spatial   world.Spatial
}

// Predicate decides one constraint. It must be deterministic and must not
// mutate its input. A returned error fails the constraint.
type Predicate func(in *Input) (ok bool, msg string, err error)

// Constraint is one named rule in the registry.
type Constraint struct {
	Name      string
	Category  Category
	Predicate Predicate
	// Recommendation is offered in the rationale when the constraint fails.
	Recommendation string
}

// Check is the outcome of one constraint.
type Check struct {
	Constraint string   `json:"constraint"`
	Category   Category `json:"category"`
	Passed     bool     `json:"passed"`
	Message    string   `json:"message"`
}

// Report is the full evaluation of one intent.
type Report struct {
	AgentID string  `json:"agent_id"`
	Cycle   uint64  `json:"cycle"`
	Passed  bool    `json:"passed"`
	Checks  []Check `json:"checks"`
}

// Failed returns the failing checks in evaluation order.
func (r Report) Failed() []Check {
	var out []Check
	for _, c := range r.Checks {
		if !c.Passed {
			out = append(out, c)
		}
	}
	return out
}

// Summary renders the failed checks as "name: message; ...".
func (r Report) Summary() string {
	var parts []string
	for _, c := range r.Failed() {
		parts = append(parts, c.Constraint+": "+c.Message)
	}
	return strings.Join(parts, "; ")
}

// ConstraintEvaluationError reports a predicate that errored or panicked.
// The constraint is treated as failed.
type ConstraintEvaluationError struct {
	Constraint string
	AgentID    string
	Cycle      uint64
	Err        error
}

func (e *ConstraintEvaluationError) Error() string {
	return fmt.Sprintf("constraint %s failed to evaluate for agent %s at cycle %d: %v", e.Constraint, e.AgentID, e.Cycle, e.Err)
}

func (e *ConstraintEvaluationError) Unwrap() error { return e.Err }

// Engine evaluates intents against an ordered constraint registry.
type Engine struct {
	mu          sync.RWMutex
	constraints []Constraint
	spatial     world.Spatial
	log         *zap.Logger
}

// NewEngine creates an engine with an empty registry.
func NewEngine(spatial world.Spatial, log *zap.Logger) *Engine {
	if spatial == nil {
		spatial = world.Planar{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{spatial: spatial, log: log}
}

// Register appends a constraint. Names must be unique.
func (e *Engine) Register(c Constraint) error {
	if c.Name == "" {
		return fmt.Errorf("constraint has no name")
	}
	if c.Predicate == nil {
		return fmt.Errorf("constraint %s has no predicate", c.Name)
	}
	switch c.Category {
	case CategoryPhysical, CategoryLogistical, CategoryPolicy, CategoryTemporal:
	default:
		return fmt.Errorf("constraint %s has unknown category %q", c.Name, c.Category)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, existing := range e.constraints {
		if existing.Name == c.Name {
			return fmt.Errorf("constraint %s already registered", c.Name)
		}
	}
	e.constraints = append(e.constraints, c)
	return nil
}

// Names lists registered constraints in evaluation order.
func (e *Engine) Names() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, len(e.constraints))
	for i, c := range e.constraints {
		out[i] = c.Name
	}
	return out
}

// Recommendation returns the advice registered for a constraint.
func (e *Engine) Recommendation(name string) string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, c := range e.constraints {
		if c.Name == name {
			return c.Recommendation
		}
	}
	return ""
}

// Evaluate runs every constraint in order against ws. All constraints run;
// the report passes only if each one does.
func (e *Engine) Evaluate(in intent.Intent, ws *world.WorldState) Report {
	e.mu.RLock()
	constraints := append([]Constraint(nil), e.constraints...)
	e.mu.RUnlock()

	input := &Input{Intent: &in, State: ws, Spatial: e.spatial}
	input.Action, input.ActionErr = in.Action()

	report := Report{AgentID: in.AgentID, Cycle: in.Cycle, Passed: true}
	for _, c := range constraints {
		ok, msg, err := evaluateOne(c, input)
		if err != nil {
			evalErr := &ConstraintEvaluationError{Constraint: c.Name, AgentID: in.AgentID, Cycle: in.Cycle, Err: err}
			e.log.Warn("constraint evaluation error", zap.Error(evalErr))
			ok = false
			msg = "evaluation error: " + err.Error()
		}
		report.Checks = append(report.Checks, Check{
			Constraint: c.Name,
			Category:   c.Category,
			Passed:     ok,
			Message:    msg,
		})
		if !ok {
			report.Passed = false
		}
	}
	return report
}

func evaluateOne(c Constraint, in *Input) (ok bool, msg string, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, msg, err = false, "", fmt.Errorf("panic: %v", r)
		}
	}()
	return c.Predicate(in)
}
