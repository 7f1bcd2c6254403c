package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AaronLay10/Universalis/internal/intent"
	"github.com/AaronLay10/Universalis/internal/world"
)

func newTestController(t *testing.T, p intent.Provider) *Controller {
	t.Helper()
	if p == nil {
		p = intent.NewScriptedProvider(nil)
	}
	s := NewScheduler(world.NewMemStore(), newTestArchon(t), intent.NewCollector(p), WithTick(time.Millisecond))
	t.Cleanup(s.Close)
	seed := func(simID string) (*world.WorldState, error) {
		if simID != "Alpha" {
			return nil, errors.New("unknown scenario " + simID)
		}
		return alphaSeed(), nil
	}
	return NewController(context.Background(), s, seed)
}

func TestControllerStepReportsAdjudicated(t *testing.T) {
	c := newTestController(t, intent.NewScriptedProvider(claimScript(0)))

	r := c.Step(context.Background())
	assert.Equal(t, StatusRejected, r.Status, "step before start")
	assert.NotEmpty(t, r.Error)

	r = c.Start(context.Background(), "Alpha")
	require.Equal(t, StatusAdjudicated, r.Status, r.Error)
	assert.Equal(t, uint64(0), r.Cycle)
	assert.Equal(t, "Alpha", r.SimulationID)

	r = c.Step(context.Background())
	require.Equal(t, StatusAdjudicated, r.Status, r.Error)
	assert.Equal(t, uint64(1), r.Cycle)
	assert.Equal(t, StatePaused, r.State)
	require.NotNil(t, r.Result)
	assert.Contains(t, r.Result.Rationale, "conflict: lower priority")

	last := c.LastRationale()
	assert.Equal(t, StatusAdjudicated, last.Status)
	assert.Same(t, r.Result, last.Result)

	assert.Equal(t, StatusPaused, c.State().Status)
}

func TestControllerRejectsInvalidTransitions(t *testing.T) {
	c := newTestController(t, nil)

	assert.Equal(t, StatusRejected, c.Start(context.Background(), "").Status)
	assert.Equal(t, StatusError, c.Start(context.Background(), "Nowhere").Status)
	assert.Equal(t, StatusRejected, c.LastRationale().Status)

	require.Equal(t, StatusAdjudicated, c.Start(context.Background(), "Alpha").Status)
	assert.Equal(t, StatusRejected, c.Resume().Status)
	assert.Equal(t, StatusRejected, c.Pause().Status)

	r := c.Stop()
	assert.Equal(t, StatusAdjudicated, r.Status)
	assert.Equal(t, StateStopped, r.State)
	assert.Equal(t, StatusRejected, c.Step(context.Background()).Status)
	assert.Equal(t, StatusAdjudicated, c.State().Status, "a clean stop is not an error")
}

func TestControllerRunPauseResume(t *testing.T) {
	c := newTestController(t, nil)
	require.Equal(t, StatusAdjudicated, c.Start(context.Background(), "Alpha").Status)

	require.Equal(t, StatusAdjudicated, c.Run(0).Status)
	require.Eventually(t, func() bool { return c.Scheduler().Cycle() >= 2 }, 2*time.Second, time.Millisecond)

	r := c.Pause()
	assert.Equal(t, StatusPaused, r.Status)
	require.NoError(t, c.Scheduler().Wait())
	paused := c.State()
	assert.Equal(t, StatusPaused, paused.Status)
	assert.Equal(t, StatePaused, paused.State)

	require.Equal(t, StatusAdjudicated, c.Resume().Status)
	require.Eventually(t, func() bool { return c.Scheduler().Cycle() > paused.Cycle }, 2*time.Second, time.Millisecond)
	require.Equal(t, StatusAdjudicated, c.Stop().Status)
	require.NoError(t, c.Scheduler().Wait())
	assert.Equal(t, StateStopped, c.State().State)
}

func TestControllerStateReportsFatalError(t *testing.T) {
	store := &racingStore{MemStore: world.NewMemStore(), fail: world.Unavailable("commit", errors.New("disk full"))}
	s := NewScheduler(store, newTestArchon(t), intent.NewCollector(intent.NewScriptedProvider(nil)))
	defer s.Close()
	c := NewController(context.Background(), s, func(string) (*world.WorldState, error) { return alphaSeed(), nil })

	require.Equal(t, StatusAdjudicated, c.Start(context.Background(), "Alpha").Status)
	r := c.Step(context.Background())
	assert.Equal(t, StatusError, r.Status)
	assert.Contains(t, r.Error, "BackendUnavailable")

	st := c.State()
	assert.Equal(t, StatusError, st.Status)
	assert.Equal(t, StateStopped, st.State)
	assert.Equal(t, uint64(0), st.Cycle)
}
