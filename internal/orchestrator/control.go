package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/AaronLay10/Universalis/internal/archon"
	"github.com/AaronLay10/Universalis/internal/events"
	"github.com/AaronLay10/Universalis/internal/world"
)

// Status is the outcome reported by every control operation.
type Status string

const (
	StatusAdjudicated Status = "Adjudicated"
	StatusPaused      Status = "Paused"
	StatusRejected    Status = "Rejected"
	StatusError       Status = "Error"
)

// Response is returned by every control operation.
type Response struct {
	Cycle        uint64         `json:"cycle"`
	Status       Status         `json:"status"`
	State        SchedulerState `json:"state"`
	SimulationID string         `json:"simulation_id,omitempty"`
	Error        string         `json:"error,omitempty"`
	Result       *archon.Result `json:"result,omitempty"`
}

// SeedFunc returns the cycle 0 world for a simulation that has no
// snapshots yet.
type SeedFunc func(simID string) (*world.WorldState, error)

// Controller is the operator control surface over a Scheduler. Background
// runs started through it live on base, not on the caller's context.
type Controller struct {
	s    *Scheduler
	seed SeedFunc
	base context.Context
}

// NewController wraps s. base bounds background runs (Resume, Run).
func NewController(base context.Context, s *Scheduler, seed SeedFunc) *Controller {
	return &Controller{s: s, seed: seed, base: base}
}

// Scheduler returns the wrapped scheduler.
func (c *Controller) Scheduler() *Scheduler { return c.s }

// Start loads simID, resuming from its latest snapshot when one exists.
func (c *Controller) Start(ctx context.Context, simID string) Response {
	if simID == "" {
		return c.rejected(fmt.Errorf("simulation id is required"))
	}
	var seed *world.WorldState
	if c.seed != nil {
		ws, err := c.seed(simID)
		if err != nil {
			return c.failed(err)
		}
		seed = ws
	}
	c.operator("operator.start", map[string]interface{}{"simulation_id": simID})
	if err := c.s.Start(ctx, simID, seed); err != nil {
		return c.fromErr(err)
	}
	return c.respond(StatusAdjudicated, nil)
}

// Step runs one cycle.
func (c *Controller) Step(ctx context.Context) Response {
	c.operator("operator.step", nil)
	res, err := c.s.Step(ctx)
	if err != nil {
		return c.fromErr(err)
	}
	return c.respond(StatusAdjudicated, res)
}

// Run starts n cycles in the background (n <= 0 runs until paused).
func (c *Controller) Run(n int) Response {
	c.operator("operator.run", map[string]interface{}{"cycles": n})
	if err := c.s.RunBackground(c.base, n); err != nil {
		return c.fromErr(err)
	}
	return c.respond(StatusAdjudicated, nil)
}

// Pause requests a pause at the next cycle boundary.
func (c *Controller) Pause() Response {
	c.operator("operator.pause", nil)
	if err := c.s.Pause(); err != nil {
		return c.fromErr(err)
	}
	return c.respond(StatusPaused, nil)
}

// Resume continues a paused simulation in the background.
func (c *Controller) Resume() Response {
	c.operator("operator.resume", nil)
	if err := c.s.Resume(c.base); err != nil {
		return c.fromErr(err)
	}
	return c.respond(StatusAdjudicated, nil)
}

// Stop ends the simulation.
func (c *Controller) Stop() Response {
	c.operator("operator.stop", nil)
	if err := c.s.Stop(); err != nil {
		return c.fromErr(err)
	}
	return c.respond(StatusAdjudicated, nil)
}

// State reports the scheduler without changing it.
func (c *Controller) State() Response {
	switch c.s.State() {
	case StatePaused:
		return c.respond(StatusPaused, nil)
	case StateStopped:
		if err := c.s.LastError(); err != nil {
			r := c.respond(StatusError, nil)
			r.Error = err.Error()
			return r
		}
	}
	return c.respond(StatusAdjudicated, nil)
}

// LastRationale returns the most recent adjudication with its rationale.
func (c *Controller) LastRationale() Response {
	res := c.s.LastResult()
	if res == nil {
		return c.rejected(fmt.Errorf("no cycle has been adjudicated yet"))
	}
	return c.respond(StatusAdjudicated, res)
}

func (c *Controller) respond(status Status, res *archon.Result) Response {
	return Response{
		Cycle:        c.s.Cycle(),
		Status:       status,
		State:        c.s.State(),
		SimulationID: c.s.SimulationID(),
		Result:       res,
	}
}

func (c *Controller) rejected(err error) Response {
	r := c.respond(StatusRejected, nil)
	r.Error = err.Error()
	return r
}

func (c *Controller) failed(err error) Response {
	r := c.respond(StatusError, nil)
	r.Error = err.Error()
	return r
}

// fromErr maps transition errors to Rejected and everything else to Error.
func (c *Controller) fromErr(err error) Response {
	if errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrNotStarted) {
		return c.rejected(err)
	}
	return c.failed(err)
}

func (c *Controller) operator(name string, fields map[string]interface{}) {
	events.Emit("info", name, "", fields)
}
