package world

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedState() *WorldState {
	ws := NewWorldState("Alpha")
	ws.Entities["A"] = &Entity{ID: "A", Kind: KindActor, Status: StatusActive, Position: &Point{X: 0, Y: 0}}
	ws.Entities["Truck_01"] = &Entity{ID: "Truck_01", Kind: KindAsset, Status: StatusActive,
		Properties: map[string]interface{}{"fuel": 10.0}}
	ws.PutRelationship(Relationship{Source: "A", Target: "Truck_01", Type: "knows", Strength: 0.5})
	return ws
}

func TestMemStoreCommitTwiceIsVersionConflict(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	ws := seedState()

	require.NoError(t, s.Commit(ctx, ws))
	err := s.Commit(ctx, ws)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrVersionConflict), "expected ErrVersionConflict, got %v", err)
	assert.Equal(t, []uint64{0}, s.Cycles("Alpha"))
}

func TestMemStoreLatestAndLoad(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	_, err := s.Latest(ctx, "Alpha")
	assert.True(t, errors.Is(err, ErrNotFound))

	ws := seedState()
	require.NoError(t, s.Commit(ctx, ws))
	next := ws.Clone()
	next.Cycle = 1
	require.NoError(t, s.Commit(ctx, next))

	latest, err := s.Latest(ctx, "Alpha")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), latest.Cycle)

	first, err := s.Load(ctx, "Alpha", 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), first.Cycle)

	_, err = s.Load(ctx, "Alpha", 7)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestMemStoreIsolatesSnapshots(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	ws := seedState()
	require.NoError(t, s.Commit(ctx, ws))

	// Mutating the committed value must not leak into the store.
	ws.Entities["A"].Position.X = 99
	ws.Entities["Truck_01"].Properties["fuel"] = 0.0

	got, err := s.Load(ctx, "Alpha", 0)
	require.NoError(t, err)
	assert.Equal(t, 0.0, got.Entities["A"].Position.X)
	assert.Equal(t, 10.0, got.Entities["Truck_01"].Properties["fuel"])

	// Nor may mutating a loaded copy.
	got.Entities["A"].Status = StatusDestroyed
	again, _ := s.Load(ctx, "Alpha", 0)
	assert.Equal(t, StatusActive, again.Entities["A"].Status)
}

func TestMemStoreRejectsInvalidState(t *testing.T) {
	s := NewMemStore()
	ws := seedState()
	ws.Relationships["A|knows|Truck_01"].Strength = 1.5
	err := s.Commit(context.Background(), ws)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrVersionConflict))
}

func TestValidateRelationshipKeyMustMatchTuple(t *testing.T) {
	ws := seedState()
	ws.Relationships["bogus"] = &Relationship{Source: "A", Target: "Truck_01", Type: "owns", Strength: 1}
	err := Validate(ws)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match tuple")
}
