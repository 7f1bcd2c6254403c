package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/AaronLay10/Universalis/internal/archon"
	"github.com/AaronLay10/Universalis/internal/feasibility"
	"github.com/AaronLay10/Universalis/internal/intent"
	"github.com/AaronLay10/Universalis/internal/memory"
	"github.com/AaronLay10/Universalis/internal/world"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func alphaSeed() *world.WorldState {
	ws := world.NewWorldState("Alpha")
	ws.Entities["A"] = &world.Entity{ID: "A", Kind: world.KindActor, Status: world.StatusActive,
		Position: &world.Point{X: 0, Y: 0}, Priority: 2, Groups: []string{"blue"}, Objectives: []string{"secure the truck"}}
	ws.Entities["B"] = &world.Entity{ID: "B", Kind: world.KindActor, Status: world.StatusActive,
		Position: &world.Point{X: 0.05, Y: 0}, Priority: 1}
	ws.Entities["Truck_01"] = &world.Entity{ID: "Truck_01", Kind: world.KindAsset, Status: world.StatusActive,
		Position: &world.Point{X: 0.02, Y: 0.02}}
	ws.Entities["Depot"] = &world.Entity{ID: "Depot", Kind: world.KindLandmark, Status: world.StatusActive,
		Position: &world.Point{X: 5, Y: 5}}
	return ws
}

func claimScript(cycle uint64) []intent.ScriptedIntent {
	payload := map[string]interface{}{"kind": "claim", "target": "Truck_01"}
	return []intent.ScriptedIntent{
		{Cycle: cycle, AgentID: "A", Text: "take the truck", Payload: payload},
		{Cycle: cycle, AgentID: "B", Text: "take the truck", Payload: payload},
	}
}

func newTestArchon(t *testing.T) *archon.Archon {
	t.Helper()
	e, err := feasibility.NewDefaultEngine(world.Planar{}, feasibility.Limits{}, nil)
	require.NoError(t, err)
	return archon.New(e)
}

func newTestScheduler(t *testing.T, store world.Store, p intent.Provider, opts ...Option) *Scheduler {
	t.Helper()
	if p == nil {
		p = intent.NewScriptedProvider(nil)
	}
	s := NewScheduler(store, newTestArchon(t), intent.NewCollector(p, intent.WithTimeout(time.Second)), opts...)
	t.Cleanup(s.Close)
	require.NoError(t, s.Start(context.Background(), "Alpha", alphaSeed()))
	return s
}

func TestAlphaStep(t *testing.T) {
	store := world.NewMemStore()
	s := newTestScheduler(t, store, intent.NewScriptedProvider(claimScript(0)))
	assert.Equal(t, StateIdle, s.State())
	assert.Equal(t, uint64(0), s.Cycle())

	res, err := s.Step(context.Background())
	require.NoError(t, err)

	assert.Equal(t, uint64(1), res.Cycle)
	require.Len(t, res.Applied, 1)
	assert.Equal(t, "A", res.Applied[0].AgentID)
	require.Len(t, res.Rejected, 1)
	assert.Equal(t, "B", res.Rejected[0].AgentID)
	assert.Equal(t, "conflict: lower priority", res.Rejected[0].Reason)

	assert.Equal(t, StatePaused, s.State())
	assert.Equal(t, uint64(1), s.Cycle())
	assert.Equal(t, []uint64{0, 1}, store.Cycles("Alpha"))

	latest, err := store.Latest(context.Background(), "Alpha")
	require.NoError(t, err)
	assert.Equal(t, "A", latest.Entity("Truck_01").Owner())
	assert.Same(t, res, s.LastResult())
}

func TestTransitionsRejectedOutsideAllowedStates(t *testing.T) {
	s := NewScheduler(world.NewMemStore(), newTestArchon(t), intent.NewCollector(intent.NewScriptedProvider(nil)))
	defer s.Close()

	_, err := s.Step(context.Background())
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.Equal(t, StateIdle, s.State())

	assert.ErrorIs(t, s.Resume(context.Background()), ErrInvalidTransition)
	assert.ErrorIs(t, s.Pause(), ErrInvalidTransition)

	require.NoError(t, s.Start(context.Background(), "Alpha", alphaSeed()))
	assert.ErrorIs(t, s.Resume(context.Background()), ErrInvalidTransition, "resume requires PAUSED")

	require.NoError(t, s.Stop())
	assert.Equal(t, StateStopped, s.State())
	_, err = s.Step(context.Background())
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.ErrorIs(t, s.Start(context.Background(), "Alpha", nil), ErrInvalidTransition)
	assert.NoError(t, s.Stop(), "stopping twice is a no-op")
}

func TestRunCount(t *testing.T) {
	store := world.NewMemStore()
	s := newTestScheduler(t, store, nil)

	res, err := s.Run(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), res.Cycle)
	assert.Equal(t, uint64(3), s.Cycle())
	assert.Equal(t, StatePaused, s.State())
	assert.Equal(t, []uint64{0, 1, 2, 3}, store.Cycles("Alpha"))
}

// gate blocks every provider call until released.
type gate struct {
	entered chan string
	release chan struct{}
	once    sync.Once
}

func newGate() *gate {
	return &gate{entered: make(chan string, 16), release: make(chan struct{})}
}

func (g *gate) Propose(ctx context.Context, obs intent.Observation) (*intent.Proposal, error) {
	g.entered <- obs.AgentID
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &intent.Proposal{Text: "wait"}, nil
}

func (g *gate) open() { g.once.Do(func() { close(g.release) }) }

func waitEntered(t *testing.T, g *gate) {
	t.Helper()
	select {
	case <-g.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("provider was never called")
	}
}

func TestPauseDuringRunNeverTruncatesCycle(t *testing.T) {
	store := world.NewMemStore()
	g := newGate()
	s := newTestScheduler(t, store, g)

	require.NoError(t, s.RunBackground(context.Background(), 0))
	waitEntered(t, g)

	require.NoError(t, s.Pause())
	assert.Equal(t, StateRunning, s.State(), "pause waits for the cycle boundary")
	g.open()

	require.NoError(t, s.Wait())
	assert.Equal(t, StatePaused, s.State())
	assert.Equal(t, uint64(1), s.Cycle())
	res := s.LastResult()
	require.NotNil(t, res)
	assert.Equal(t, s.Cycle(), res.Cycle)
	assert.Len(t, res.Applied, 2, "both agents' intents are in the committed cycle")

	latest, err := store.Latest(context.Background(), "Alpha")
	require.NoError(t, err)
	assert.Equal(t, res.Cycle, latest.Cycle)
}

func TestCancelDuringRunLetsCycleCommit(t *testing.T) {
	store := world.NewMemStore()
	g := newGate()
	s := newTestScheduler(t, store, g)

	ctx, cancel := context.WithCancel(context.Background())
	var (
		res *archon.Result
		err error
		wg  sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		res, err = s.Run(ctx, 0)
	}()
	waitEntered(t, g)
	cancel()
	g.open()
	wg.Wait()

	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, uint64(1), res.Cycle)
	assert.Equal(t, StatePaused, s.State())
	assert.Equal(t, []uint64{0, 1}, store.Cycles("Alpha"))
}

func TestResumeAfterPause(t *testing.T) {
	s := newTestScheduler(t, world.NewMemStore(), nil, WithTick(time.Millisecond))

	_, err := s.Step(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatePaused, s.State())

	require.NoError(t, s.Resume(context.Background()))
	require.Eventually(t, func() bool { return s.Cycle() >= 3 }, 2*time.Second, time.Millisecond)
	require.NoError(t, s.Pause())
	require.NoError(t, s.Wait())

	assert.Equal(t, StatePaused, s.State())
	assert.GreaterOrEqual(t, s.Cycle(), uint64(3))
}

func TestStopWhileRunning(t *testing.T) {
	g := newGate()
	s := newTestScheduler(t, world.NewMemStore(), g)

	require.NoError(t, s.RunBackground(context.Background(), 0))
	waitEntered(t, g)
	require.NoError(t, s.Stop())
	g.open()
	require.NoError(t, s.Wait())

	assert.Equal(t, StateStopped, s.State())
	assert.Equal(t, uint64(1), s.Cycle())
}

// racingStore lets another writer win the first commit of each cycle in
// conflicts.
type racingStore struct {
	*world.MemStore
	mu        sync.Mutex
	conflicts map[uint64]bool
	always    bool
	fail      error
	// reloadErr fails Latest once a conflict has been reported.
	reloadErr  error
	conflicted bool
}

func (r *racingStore) Latest(ctx context.Context, simID string) (*world.WorldState, error) {
	r.mu.Lock()
	fail := r.conflicted && r.reloadErr != nil
	r.mu.Unlock()
	if fail {
		return nil, r.reloadErr
	}
	return r.MemStore.Latest(ctx, simID)
}

func (r *racingStore) Commit(ctx context.Context, ws *world.WorldState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil && ws.Cycle > 0 {
		return r.fail
	}
	if r.always && ws.Cycle > 0 {
		r.conflicted = true
		return world.ErrVersionConflict
	}
	if r.conflicts[ws.Cycle] {
		delete(r.conflicts, ws.Cycle)
		foreign, err := r.MemStore.Latest(ctx, ws.SimulationID)
		if err != nil {
			return err
		}
		foreign.Cycle = ws.Cycle
		foreign.Environment.GlobalEvents = append(foreign.Environment.GlobalEvents, "written elsewhere")
		if err := r.MemStore.Commit(ctx, foreign); err != nil {
			return err
		}
	}
	return r.MemStore.Commit(ctx, ws)
}

func TestCommitConflictRetriedOnLatestSnapshot(t *testing.T) {
	store := &racingStore{MemStore: world.NewMemStore(), conflicts: map[uint64]bool{1: true}}
	script := append(claimScript(0), claimScript(1)...)
	s := newTestScheduler(t, store, intent.NewScriptedProvider(script))

	res, err := s.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), res.Cycle, "retry adjudicates on top of the foreign cycle 1")
	assert.Equal(t, StatePaused, s.State())
	assert.Equal(t, []uint64{0, 1, 2}, store.Cycles("Alpha"))
	assert.Contains(t, s.World().Environment.GlobalEvents, "written elsewhere")
	require.Len(t, res.Applied, 1)
	assert.Equal(t, "A", res.Applied[0].AgentID)
}

func TestSecondCommitConflictIsFatal(t *testing.T) {
	store := &racingStore{MemStore: world.NewMemStore(), always: true}
	s := newTestScheduler(t, store, nil)

	_, err := s.Step(context.Background())
	require.Error(t, err)
	var ce *CycleError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, KindStoreCommitConflict, ce.Kind)
	assert.ErrorIs(t, err, world.ErrVersionConflict)
	assert.Equal(t, StateStopped, s.State())
	assert.Equal(t, uint64(0), s.Cycle())
	assert.Equal(t, err, s.LastError())
}

func TestReloadFailureAfterConflictNamesCycle(t *testing.T) {
	store := &racingStore{MemStore: world.NewMemStore(), always: true,
		reloadErr: world.Unavailable("latest", errors.New("connection refused"))}
	s := newTestScheduler(t, store, nil)

	_, err := s.Step(context.Background())
	var ce *CycleError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, KindBackendUnavailable, ce.Kind)
	assert.Equal(t, uint64(1), ce.Cycle)
	assert.ErrorIs(t, err, world.ErrBackendUnavailable)
	assert.Equal(t, StateStopped, s.State())
}

func TestBackendUnavailableStopsWithoutPartialCommit(t *testing.T) {
	store := &racingStore{MemStore: world.NewMemStore(), fail: world.Unavailable("commit", errors.New("connection refused"))}
	s := newTestScheduler(t, store, intent.NewScriptedProvider(claimScript(0)))

	_, err := s.Run(context.Background(), 5)
	require.Error(t, err)
	var ce *CycleError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, KindBackendUnavailable, ce.Kind)
	assert.Equal(t, uint64(1), ce.Cycle)
	assert.Equal(t, StateStopped, s.State())
	assert.Equal(t, []uint64{0}, store.Cycles("Alpha"))
	assert.Nil(t, s.LastResult())
}

func TestMemoryWrittenAfterCommit(t *testing.T) {
	mgr := memory.NewManager(memory.NewInMemoryBackend())
	s := newTestScheduler(t, world.NewMemStore(), intent.NewScriptedProvider(claimScript(0)), WithMemory(mgr, nil))

	_, err := s.Step(context.Background())
	require.NoError(t, err)

	ctx := context.Background()
	private := memory.ScopePrivate
	mine, err := mgr.RetrieveRecent(ctx, "Alpha", 10, "B", &private)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Contains(t, mine[0].Text, "conflict: lower priority")
	assert.Equal(t, uint64(1), mine[0].Cycle)

	public := memory.ScopePublic
	rationale, err := mgr.RetrieveRecent(ctx, "Alpha", 10, "B", &public)
	require.NoError(t, err)
	require.Len(t, rationale, 1)
	assert.Equal(t, memory.KindRationale, rationale[0].Kind)

	assert.Equal(t, []string{"blue"}, s.groups.GroupsOf("A"))
}

func TestTimedOutAgentIsSkipped(t *testing.T) {
	p := intent.ProviderFunc(func(ctx context.Context, obs intent.Observation) (*intent.Proposal, error) {
		if obs.AgentID == "B" {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return &intent.Proposal{Text: "watch the road"}, nil
	})
	s := NewScheduler(world.NewMemStore(), newTestArchon(t),
		intent.NewCollector(p, intent.WithTimeout(20*time.Millisecond), intent.WithRetries(0)))
	defer s.Close()
	require.NoError(t, s.Start(context.Background(), "Alpha", alphaSeed()))

	res, err := s.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, res.Skipped)
	require.Len(t, res.Applied, 1)
	assert.Equal(t, "A", res.Applied[0].AgentID)
	assert.Equal(t, StatePaused, s.State())
}

func TestRestartResumesFromLatestSnapshot(t *testing.T) {
	store := world.NewMemStore()
	first := newTestScheduler(t, store, intent.NewScriptedProvider(claimScript(0)))
	_, err := first.Run(context.Background(), 2)
	require.NoError(t, err)

	second := newTestScheduler(t, store, nil)
	assert.Equal(t, uint64(2), second.Cycle())
	assert.Equal(t, "A", second.World().Entity("Truck_01").Owner())

	res, err := second.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(3), res.Cycle)
}

func TestObservationsArePartial(t *testing.T) {
	seen := make(chan intent.Observation, 4)
	p := intent.ProviderFunc(func(ctx context.Context, obs intent.Observation) (*intent.Proposal, error) {
		seen <- obs
		return nil, nil
	})
	store := world.NewMemStore()
	seed := alphaSeed()
	seed.Environment.Scheduled = []world.ScheduledEvent{{ID: "ambush", AtCycle: 10, Text: "ambush at the ford"}}
	s := NewScheduler(store, newTestArchon(t), intent.NewCollector(p))
	defer s.Close()
	require.NoError(t, s.Start(context.Background(), "Alpha", seed))

	_, err := s.Step(context.Background())
	require.NoError(t, err)
	close(seen)

	byAgent := map[string]intent.Observation{}
	for obs := range seen {
		byAgent[obs.AgentID] = obs
	}
	require.Len(t, byAgent, 2)
	a := byAgent["A"]
	assert.Empty(t, a.Environment.Scheduled)
	var nearby []string
	for _, e := range a.Nearby {
		nearby = append(nearby, e.ID)
	}
	assert.Equal(t, []string{"B", "Truck_01"}, nearby, "Depot is out of range")
	assert.Equal(t, []string{"secure the truck"}, a.Objectives)
}

func TestPruningRunsOffTheCommitPath(t *testing.T) {
	backend := memory.NewInMemoryBackend()
	mgr := memory.NewManager(backend)
	cfg := memory.DefaultPruneConfig()
	cfg.Every = 1
	cfg.DecayRate = 0.9
	cfg.Floor = 0.5
	pruner := memory.NewPruner(backend, mgr.Embedder(), cfg, nil)
	s := newTestScheduler(t, world.NewMemStore(), intent.NewScriptedProvider(claimScript(0)), WithMemory(mgr, pruner))

	_, err := s.Step(context.Background())
	require.NoError(t, err)
	s.pruneWG.Wait()
	assert.Equal(t, 3, backend.Len(), "memories of the cycle just written are never pruned")

	_, err = s.Step(context.Background())
	require.NoError(t, err)
	s.pruneWG.Wait()
	assert.Equal(t, 1, backend.Len(), "cycle 1 memories decayed below the floor; cycle 2 rationale stays")
}

type recordingArchive struct {
	mu     sync.Mutex
	cycles []uint64
}

func (r *recordingArchive) Append(_ context.Context, res *archon.Result, ws *world.WorldState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cycles = append(r.cycles, ws.Cycle)
	return nil
}

type recordingListener struct{ results []*archon.Result }

func (r *recordingListener) CycleCommitted(_ context.Context, res *archon.Result, _ *world.WorldState) {
	r.results = append(r.results, res)
}

func TestArchiveAndListeners(t *testing.T) {
	arch := &recordingArchive{}
	l := &recordingListener{}
	s := newTestScheduler(t, world.NewMemStore(), nil, WithArchive(arch), WithListener(l))

	_, err := s.Run(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, arch.cycles)
	require.Len(t, l.results, 2)
	assert.Equal(t, uint64(2), l.results[1].Cycle)
}
