package world

import (
	"fmt"
	"sort"
)

// Validate checks the structural invariants of a world state.
func Validate(ws *WorldState) error {
	if ws == nil {
		return fmt.Errorf("world state is nil")
	}
	if ws.SimulationID == "" {
		return fmt.Errorf("world state has no simulation id")
	}
	for id, e := range ws.Entities {
		if e == nil {
			return fmt.Errorf("entity %q is nil", id)
		}
		if e.ID != id {
			return fmt.Errorf("entity key %q does not match id %q", id, e.ID)
		}
		switch e.Kind {
		case KindActor, KindAsset, KindLandmark:
		default:
			return fmt.Errorf("entity %q has unknown kind %q", id, e.Kind)
		}
		switch e.Status {
		case StatusActive, StatusInactive, StatusDestroyed:
		default:
			return fmt.Errorf("entity %q has unknown status %q", id, e.Status)
		}
		if e.Kind == KindActor {
			switch e.Resolution {
			case "", ResolutionMacro, ResolutionMicro:
			default:
				return fmt.Errorf("actor %q has unknown resolution %q", id, e.Resolution)
			}
		}
	}

	seen := make(map[string]bool, len(ws.Relationships))
	for id, r := range ws.Relationships {
		if r == nil {
			return fmt.Errorf("relationship %q is nil", id)
		}
		if r.ID() != id {
			return fmt.Errorf("relationship key %q does not match tuple %q", id, r.ID())
		}
		if seen[r.ID()] {
			return fmt.Errorf("duplicate relationship %q", r.ID())
		}
		seen[r.ID()] = true
		if r.Strength < 0 || r.Strength > 1 {
			return fmt.Errorf("relationship %q strength %v out of [0,1]", id, r.Strength)
		}
		if _, ok := ws.Entities[r.Source]; !ok {
			return fmt.Errorf("relationship %q references unknown source %q", id, r.Source)
		}
		if _, ok := ws.Entities[r.Target]; !ok {
			return fmt.Errorf("relationship %q references unknown target %q", id, r.Target)
		}
	}

	for id, t := range ws.Terrain {
		if len(t.Polygon) < 3 {
			return fmt.Errorf("terrain %q polygon needs at least 3 points", id)
		}
	}
	return nil
}

func sortStrings(s []string) { sort.Strings(s) }
