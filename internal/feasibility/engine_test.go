package feasibility

import (
	"errors"
	"testing"

	"github.com/AaronLay10/Universalis/internal/intent"
	"github.com/AaronLay10/Universalis/internal/world"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pass(name string) Constraint {
	return Constraint{Name: name, Category: CategoryPolicy, Predicate: func(*Input) (bool, string, error) {
		return true, name + " ok", nil
	}}
}

func TestEvaluateRunsAllConstraintsInOrder(t *testing.T) {
	var order []string
	record := func(name string, ok bool) Constraint {
		return Constraint{Name: name, Category: CategoryPhysical, Predicate: func(*Input) (bool, string, error) {
			order = append(order, name)
			return ok, name, nil
		}}
	}
	e := NewEngine(nil, nil)
	require.NoError(t, e.Register(record("first", true)))
	require.NoError(t, e.Register(record("second", false)))
	require.NoError(t, e.Register(record("third", true)))

	r := e.Evaluate(intent.Intent{AgentID: "A"}, world.NewWorldState("Alpha"))
	assert.False(t, r.Passed)
	assert.Equal(t, []string{"first", "second", "third"}, order, "evaluation must not short-circuit")
	require.Len(t, r.Checks, 3)
	assert.Equal(t, "second", r.Failed()[0].Constraint)
	assert.Equal(t, "second: second", r.Summary())
}

func TestEvaluateFailsClosedOnErrorAndPanic(t *testing.T) {
	e := NewEngine(nil, nil)
	require.NoError(t, e.Register(pass("ok")))
	require.NoError(t, e.Register(Constraint{Name: "broken", Category: CategoryLogistical,
		Predicate: func(*Input) (bool, string, error) { return true, "", errors.New("lookup failed") }}))
	require.NoError(t, e.Register(Constraint{Name: "panics", Category: CategoryTemporal,
		Predicate: func(in *Input) (bool, string, error) {
			var m map[string]int
			m["boom"] = 1
			return true, "", nil
		}}))

	r := e.Evaluate(intent.Intent{AgentID: "A"}, world.NewWorldState("Alpha"))
	assert.False(t, r.Passed)
	failed := r.Failed()
	require.Len(t, failed, 2)
	assert.Equal(t, "broken", failed[0].Constraint)
	assert.Contains(t, failed[0].Message, "lookup failed")
	assert.Equal(t, "panics", failed[1].Constraint)
	assert.Contains(t, failed[1].Message, "panic")
}

func TestRegisterRejectsDuplicatesAndBadCategories(t *testing.T) {
	e := NewEngine(nil, nil)
	require.NoError(t, e.Register(pass("a")))
	assert.Error(t, e.Register(pass("a")))
	assert.Error(t, e.Register(Constraint{Name: "b", Category: "moral", Predicate: pass("b").Predicate}))
	assert.Error(t, e.Register(Constraint{Name: "c", Category: CategoryPolicy}))
	assert.Equal(t, []string{"a"}, e.Names())
}

func TestEvaluateIsDeterministic(t *testing.T) {
	e, err := NewDefaultEngine(world.Planar{}, Limits{MaxMoveDistance: 5}, nil)
	require.NoError(t, err)
	ws := fixture()
	in := intent.Intent{AgentID: "A", Text: "drive Truck_01 north", Payload: map[string]interface{}{
		"kind": "move", "target": "Truck_01", "destination": map[string]interface{}{"x": 1.0, "y": 3.0},
	}}
	first := e.Evaluate(in, ws)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, e.Evaluate(in, ws))
	}
}
