package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/AaronLay10/Universalis/internal/archon"
	"github.com/AaronLay10/Universalis/internal/events"
	"github.com/AaronLay10/Universalis/internal/intent"
	"github.com/AaronLay10/Universalis/internal/memory"
	"github.com/AaronLay10/Universalis/internal/world"
	"go.uber.org/zap"
)

// Archiver keeps an append-only record of committed cycles.
type Archiver interface {
	Append(ctx context.Context, res *archon.Result, ws *world.WorldState) error
}

// CycleListener is told about every committed cycle. Listeners must not
// block; failures are theirs to handle.
type CycleListener interface {
	CycleCommitted(ctx context.Context, res *archon.Result, ws *world.WorldState)
}

// Scheduler drives the cycle loop for one simulation at a time and owns
// the IDLE/RUNNING/PAUSED/STOPPED state machine. It is the only writer of
// world snapshots.
type Scheduler struct {
	store     world.Store
	archon    *archon.Archon
	collector *intent.Collector
	memory    *memory.Manager
	pruner    *memory.Pruner
	groups    *ActorGroups
	archive   Archiver
	listeners []CycleListener
	observe   ObservationConfig
	tick      time.Duration
	log       *zap.Logger
	now       func() time.Time

	mu       sync.Mutex
	state    SchedulerState
	pauseReq bool
	stopReq  bool
	wake     chan struct{}
	done     chan struct{}
	runErr   error
	current  *world.WorldState
	last     *archon.Result
	lastErr  error

	bgCtx    context.Context
	bgCancel context.CancelFunc
	pruneWG  sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithMemory enables memory writes after commit, recollections in
// observations and, when p is non-nil, background pruning. The manager's
// group membership is taken over by the scheduler.
func WithMemory(m *memory.Manager, p *memory.Pruner) Option {
	return func(s *Scheduler) {
		s.memory = m
		s.pruner = p
	}
}

// WithArchive appends every committed cycle to a.
func WithArchive(a Archiver) Option { return func(s *Scheduler) { s.archive = a } }

// WithListener registers a cycle listener.
func WithListener(l CycleListener) Option {
	return func(s *Scheduler) { s.listeners = append(s.listeners, l) }
}

// WithObservation sets what agents get to see.
func WithObservation(cfg ObservationConfig) Option { return func(s *Scheduler) { s.observe = cfg } }

// WithTick sets the delay between cycles while running.
func WithTick(d time.Duration) Option { return func(s *Scheduler) { s.tick = d } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClock overrides the snapshot timestamp source.
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

// NewScheduler creates an IDLE scheduler. Call Start before stepping.
func NewScheduler(store world.Store, a *archon.Archon, c *intent.Collector, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:     store,
		archon:    a,
		collector: c,
		groups:    NewActorGroups(),
		observe:   DefaultObservationConfig(),
		log:       zap.NewNop(),
		now:       time.Now,
		state:     StateIdle,
		wake:      make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}
	if s.memory != nil {
		s.memory.SetMembership(s.groups)
	}
	s.bgCtx, s.bgCancel = context.WithCancel(context.Background())
	return s
}

// Start loads simID: the latest committed snapshot if one exists, otherwise
// seed is committed as cycle 0. Allowed from IDLE or PAUSED; ends IDLE.
func (s *Scheduler) Start(ctx context.Context, simID string, seed *world.WorldState) error {
	if err := s.begin("start", false, StateIdle, StatePaused); err != nil {
		return err
	}
	ws, restored, err := Restore(ctx, s.store, simID, seed)
	if err != nil {
		s.mu.Lock()
		s.state = StateIdle
		s.pauseReq, s.stopReq = false, false
		s.mu.Unlock()
		return err
	}
	s.groups.Update(ws)

	s.mu.Lock()
	s.current = ws
	s.last = nil
	s.lastErr = nil
	s.state = StateIdle
	s.pauseReq, s.stopReq = false, false
	s.mu.Unlock()

	if restored {
		EmitStartupRestore(ws.Cycle, simID)
	}
	s.emit("info", "scheduler.started", map[string]interface{}{
		"simulation_id": simID,
		"cycle":         ws.Cycle,
		"restored":      restored,
	})
	s.log.Info("simulation loaded", zap.String("simulation", simID), zap.Uint64("cycle", ws.Cycle), zap.Bool("restored", restored))
	return nil
}

// Step runs exactly one cycle and returns its committed result. Allowed from
// IDLE or PAUSED; ends PAUSED (STOPPED on a fatal error).
func (s *Scheduler) Step(ctx context.Context) (*archon.Result, error) {
	if err := s.begin("step", true, StateIdle, StatePaused); err != nil {
		return nil, err
	}
	res, err := s.cycle(ctx)
	if err != nil {
		s.fail(err)
		return nil, err
	}
	s.finish()
	return res, nil
}

// Run executes up to n cycles back to back (n <= 0 runs until ctx is
// cancelled or a pause is requested) and returns the last committed result.
// Cancellation and pause take effect between cycles only.
func (s *Scheduler) Run(ctx context.Context, n int) (*archon.Result, error) {
	if err := s.begin("run", true, StateIdle, StatePaused); err != nil {
		return nil, err
	}
	return s.loop(ctx, n)
}

// RunBackground is Run on its own goroutine. Wait returns its outcome.
func (s *Scheduler) RunBackground(ctx context.Context, n int) error {
	return s.background(ctx, "run", n, StateIdle, StatePaused)
}

// Resume continues a paused simulation until cancelled or paused again.
func (s *Scheduler) Resume(ctx context.Context) error {
	return s.background(ctx, "resume", 0, StatePaused)
}

func (s *Scheduler) background(ctx context.Context, op string, n int, from ...SchedulerState) error {
	if err := s.begin(op, true, from...); err != nil {
		return err
	}
	done := make(chan struct{})
	s.mu.Lock()
	s.done = done
	s.runErr = nil
	s.mu.Unlock()

	go func() {
		_, err := s.loop(ctx, n)
		s.mu.Lock()
		s.runErr = err
		s.mu.Unlock()
		close(done)
	}()
	return nil
}

// Wait blocks until the background run started by RunBackground or Resume
// exits and returns its error.
func (s *Scheduler) Wait() error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	<-done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runErr
}

// Pause asks a running loop to stop after the in-flight cycle commits.
func (s *Scheduler) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return invalidTransition("pause", s.state)
	}
	s.pauseReq = true
	s.nudge()
	return nil
}

// Stop ends the scheduler for good. A running loop stops after the
// in-flight cycle commits.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	switch s.state {
	case StateStopped:
		s.mu.Unlock()
		return nil
	case StateRunning:
		s.stopReq = true
		s.nudge()
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopped
	cycle := s.cycleLocked()
	s.mu.Unlock()
	s.emit("info", "scheduler.stopped", map[string]interface{}{"cycle": cycle})
	return nil
}

// Close cancels background pruning and waits for it.
func (s *Scheduler) Close() {
	s.bgCancel()
	s.pruneWG.Wait()
}

// State returns the current lifecycle state.
func (s *Scheduler) State() SchedulerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Cycle returns the last committed cycle.
func (s *Scheduler) Cycle() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cycleLocked()
}

func (s *Scheduler) cycleLocked() uint64 {
	if s.current == nil {
		return 0
	}
	return s.current.Cycle
}

// SimulationID returns the loaded simulation, or "".
func (s *Scheduler) SimulationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return ""
	}
	return s.current.SimulationID
}

// World returns a copy of the last committed snapshot, or nil.
func (s *Scheduler) World() *world.WorldState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.Clone()
}

// LastResult returns the most recent adjudication, or nil.
func (s *Scheduler) LastResult() *archon.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// LastError returns the error that stopped the scheduler, if any.
func (s *Scheduler) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// begin moves to RUNNING if the current state is one of from.
func (s *Scheduler) begin(op string, needWorld bool, from ...SchedulerState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	allowed := false
	for _, st := range from {
		if s.state == st {
			allowed = true
		}
	}
	if !allowed {
		return invalidTransition(op, s.state)
	}
	if needWorld && s.current == nil {
		return ErrNotStarted
	}
	s.state = StateRunning
	s.pauseReq, s.stopReq = false, false
	select {
	case <-s.wake:
	default:
	}
	if op != "start" {
		s.emit("info", "scheduler.running", map[string]interface{}{"op": op, "cycle": s.cycleLocked()})
	}
	return nil
}

func (s *Scheduler) loop(ctx context.Context, n int) (*archon.Result, error) {
	var last *archon.Result
	for i := 0; n <= 0 || i < n; i++ {
		if i > 0 && s.tick > 0 && !s.sleep(ctx) {
			break
		}
		if ctx.Err() != nil || s.interrupted() {
			break
		}
		res, err := s.cycle(ctx)
		if err != nil {
			s.fail(err)
			return last, err
		}
		last = res
	}
	s.finish()
	return last, nil
}

func (s *Scheduler) interrupted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pauseReq || s.stopReq
}

func (s *Scheduler) sleep(ctx context.Context) bool {
	t := time.NewTimer(s.tick)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-s.wake:
		return false
	case <-t.C:
		return true
	}
}

func (s *Scheduler) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// finish leaves RUNNING at a cycle boundary.
func (s *Scheduler) finish() {
	s.mu.Lock()
	name := "scheduler.paused"
	if s.stopReq {
		s.state = StateStopped
		name = "scheduler.stopped"
	} else {
		s.state = StatePaused
	}
	s.pauseReq, s.stopReq = false, false
	cycle := s.cycleLocked()
	s.mu.Unlock()
	s.emit("info", name, map[string]interface{}{"cycle": cycle})
}

func (s *Scheduler) fail(err error) {
	s.mu.Lock()
	s.state = StateStopped
	s.lastErr = err
	s.pauseReq, s.stopReq = false, false
	cycle := s.cycleLocked()
	s.mu.Unlock()

	s.log.Error("scheduler stopped", zap.Uint64("cycle", cycle), zap.Error(err))
	fields := map[string]interface{}{"cycle": cycle, "error": err.Error()}
	var ce *CycleError
	if errors.As(err, &ce) {
		fields["kind"] = string(ce.Kind)
	}
	s.emit("error", "cycle.failed", fields)
	s.emit("error", "scheduler.stopped", fields)
}

func (s *Scheduler) emit(level, name string, fields map[string]interface{}) {
	if _, err := events.Emit(level, name, "", fields); err != nil {
		s.log.Warn("emit event", zap.String("event", name), zap.Error(err))
	}
}
