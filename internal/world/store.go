package world

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrVersionConflict is returned by Commit when the target cycle
	// already has a snapshot.
	ErrVersionConflict = errors.New("version conflict")
	// ErrNotFound is returned when no snapshot exists.
	ErrNotFound = errors.New("snapshot not found")
	// ErrBackendUnavailable marks store failures that are not the caller's fault.
	ErrBackendUnavailable = errors.New("world store unavailable")
)

// NotFoundError identifies a missing entity or snapshot.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// Unwrap lets errors.Is match ErrNotFound.
func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// Store persists versioned world snapshots.
type Store interface {
	// Load returns the snapshot at the given cycle.
	Load(ctx context.Context, simID string, cycle uint64) (*WorldState, error)
	// Latest returns the highest committed cycle for the simulation.
	Latest(ctx context.Context, simID string) (*WorldState, error)
	// Commit writes ws as the snapshot for (ws.SimulationID, ws.Cycle).
	// It fails with ErrVersionConflict if that cycle already exists.
	Commit(ctx context.Context, ws *WorldState) error
	// Spatial returns the geometry engine for predicates over snapshots.
	Spatial() Spatial
}

// Unavailable wraps err so errors.Is(err, ErrBackendUnavailable) holds.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrBackendUnavailable, err)
}

// MemStore is an in-process Store. Snapshots are deep-copied on the way
// in and out.
type MemStore struct {
	mu        sync.RWMutex
	snapshots map[string]map[uint64]*WorldState
	spatial   Spatial
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		snapshots: make(map[string]map[uint64]*WorldState),
		spatial:   Planar{},
	}
}

// Load implements Store.
func (s *MemStore) Load(_ context.Context, simID string, cycle uint64) (*WorldState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ws, ok := s.snapshots[simID][cycle]
	if !ok {
		return nil, &NotFoundError{Kind: "snapshot", ID: fmt.Sprintf("%s@%d", simID, cycle)}
	}
	return ws.Clone(), nil
}

// Latest implements Store.
func (s *MemStore) Latest(_ context.Context, simID string) (*WorldState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bySim := s.snapshots[simID]
	if len(bySim) == 0 {
		return nil, &NotFoundError{Kind: "snapshot", ID: simID}
	}
	var top uint64
	first := true
	for c := range bySim {
		if first || c > top {
			top = c
			first = false
		}
	}
	return bySim[top].Clone(), nil
}

// Commit implements Store.
func (s *MemStore) Commit(_ context.Context, ws *WorldState) error {
	if err := Validate(ws); err != nil {
		return fmt.Errorf("commit rejected: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	bySim := s.snapshots[ws.SimulationID]
	if bySim == nil {
		bySim = make(map[uint64]*WorldState)
		s.snapshots[ws.SimulationID] = bySim
	}
	if _, exists := bySim[ws.Cycle]; exists {
		return fmt.Errorf("simulation %s cycle %d: %w", ws.SimulationID, ws.Cycle, ErrVersionConflict)
	}
	cp := ws.Clone()
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	bySim[ws.Cycle] = cp
	return nil
}

// Spatial implements Store.
func (s *MemStore) Spatial() Spatial { return s.spatial }

// Cycles lists committed cycles for a simulation in ascending order.
func (s *MemStore) Cycles(simID string) []uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]uint64, 0, len(s.snapshots[simID]))
	for c := range s.snapshots[simID] {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
