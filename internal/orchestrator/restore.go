package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AaronLay10/Universalis/internal/events"
	"github.com/AaronLay10/Universalis/internal/world"
)

// Restore returns the latest committed snapshot for simID and true. When
// the simulation has none, seed is committed as cycle 0 and returned with
// false. Snapshots are the only restart state: replay resumes at the last
// committed cycle.
func Restore(ctx context.Context, store world.Store, simID string, seed *world.WorldState) (*world.WorldState, bool, error) {
	latest, err := store.Latest(ctx, simID)
	if err == nil {
		return latest, true, nil
	}
	if !errors.Is(err, world.ErrNotFound) {
		return nil, false, fmt.Errorf("load latest snapshot for %s: %w", simID, err)
	}
	if seed == nil {
		return nil, false, fmt.Errorf("simulation %s has no snapshots and no seed state", simID)
	}

	ws := seed.Clone()
	ws.SimulationID = simID
	ws.Cycle = 0
	ws.UpdatedAt = time.Now().UTC()
	if err := world.Validate(ws); err != nil {
		return nil, false, fmt.Errorf("seed state: %w", err)
	}
	if err := store.Commit(ctx, ws); err != nil {
		if errors.Is(err, world.ErrVersionConflict) {
			// Seeded concurrently by someone else; take theirs.
			latest, lerr := store.Latest(ctx, simID)
			if lerr != nil {
				return nil, false, fmt.Errorf("load latest snapshot for %s: %w", simID, lerr)
			}
			return latest, true, nil
		}
		return nil, false, fmt.Errorf("commit seed for %s: %w", simID, err)
	}
	return ws, false, nil
}

// EmitStartupRestore emits the system.startup_restore event.
func EmitStartupRestore(cycle uint64, simID string) {
	events.Emit("info", "system.startup_restore", "", map[string]interface{}{
		"cycle":         cycle,
		"simulation_id": simID,
	})
}
