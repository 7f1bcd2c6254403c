package archon

import (
	"fmt"
	"math"
	"sort"

	"github.com/AaronLay10/Universalis/internal/intent"
	"github.com/AaronLay10/Universalis/internal/world"
)

// EffectKind names a world mutation.
type EffectKind string

const (
	EffectMove        EffectKind = "move"
	EffectClaim       EffectKind = "claim"
	EffectRelease     EffectKind = "release"
	EffectRelate      EffectKind = "relate"
	EffectSetProperty EffectKind = "set_property"
	// EffectNarrate records a free-text intent without mutating state.
	EffectNarrate EffectKind = "narrate"
)

// Effect is one adjudicated change to the world.
type Effect struct {
	AgentID      string              `json:"agent_id"`
	Kind         EffectKind          `json:"kind"`
	EntityID     string              `json:"entity_id,omitempty"`
	Position     *world.Point        `json:"position,omitempty"`
	Owner        string              `json:"owner,omitempty"`
	Property     string              `json:"property,omitempty"`
	Value        interface{}         `json:"value,omitempty"`
	Relationship *world.Relationship `json:"relationship,omitempty"`
	Text         string              `json:"text,omitempty"`
}

// effectFor translates a feasible intent into its effect.
func effectFor(in intent.Intent, a *intent.Action) Effect {
	if a == nil {
		return Effect{AgentID: in.AgentID, Kind: EffectNarrate, Text: in.Text}
	}
	e := Effect{AgentID: in.AgentID, Text: in.Text}
	switch a.Kind {
	case intent.ActionMove:
		e.Kind = EffectMove
		e.EntityID = a.Subject(in.AgentID)
		p := *a.Destination
		e.Position = &p
	case intent.ActionClaim:
		e.Kind = EffectClaim
		e.EntityID = a.Target
		e.Owner = in.AgentID
	case intent.ActionRelease:
		e.Kind = EffectRelease
		e.EntityID = a.Target
	case intent.ActionRelate:
		e.Kind = EffectRelate
		e.EntityID = a.Target
		e.Relationship = &world.Relationship{
			Source:   in.AgentID,
			Target:   a.Target,
			Type:     a.RelationType,
			Strength: *a.Strength,
		}
	case intent.ActionSetProperty:
		e.Kind = EffectSetProperty
		e.EntityID = a.Subject(in.AgentID)
		e.Property = a.Property
		e.Value = a.Value
	default:
		e.Kind = EffectNarrate
	}
	return e
}

// WriteKeys lists the pieces of world state the effect writes. Two effects
// sharing a key compete for the same state.
func (e Effect) WriteKeys() []string {
	switch e.Kind {
	case EffectMove:
		return []string{"entity:" + e.EntityID + "/position", "entity:" + e.EntityID + "/fuel"}
	case EffectClaim, EffectRelease:
		return []string{"entity:" + e.EntityID + "/owner"}
	case EffectSetProperty:
		return []string{"entity:" + e.EntityID + "/prop:" + e.Property}
	case EffectRelate:
		return []string{pairKey(e.Relationship)}
	}
	return nil
}

// pairKey identifies a relationship regardless of direction, so that
// reciprocal edges of the same type compete.
func pairKey(r *world.Relationship) string {
	a, b := r.Source, r.Target
	if b < a {
		a, b = b, a
	}
	return "edge:" + a + "|" + r.Type + "|" + b
}

// Apply mutates ws. An error means the effect no longer fits the state.
func (e Effect) Apply(ws *world.WorldState) error {
	if e.Kind == EffectNarrate {
		return nil
	}
	if e.Kind == EffectRelate {
		if ws.Entity(e.Relationship.Source) == nil || ws.Entity(e.Relationship.Target) == nil {
			return fmt.Errorf("relationship %s references a missing entity", e.Relationship.ID())
		}
		ws.PutRelationship(*e.Relationship)
		return nil
	}

	ent := ws.Entity(e.EntityID)
	if ent == nil {
		return fmt.Errorf("%s effect targets missing entity %s", e.Kind, e.EntityID)
	}
	switch e.Kind {
	case EffectMove:
		if fuel, ok := ent.NumberProperty(world.PropFuel); ok && ent.Position != nil {
			ent.Properties[world.PropFuel] = math.Max(0, fuel-world.Distance(*ent.Position, *e.Position))
		}
		p := *e.Position
		ent.Position = &p
	case EffectClaim:
		if ent.Properties == nil {
			ent.Properties = make(map[string]interface{})
		}
		ent.Properties[world.PropOwner] = e.Owner
	case EffectRelease:
		delete(ent.Properties, world.PropOwner)
	case EffectSetProperty:
		if ent.Properties == nil {
			ent.Properties = make(map[string]interface{})
		}
		ent.Properties[e.Property] = e.Value
	default:
		return fmt.Errorf("unknown effect kind %q", e.Kind)
	}
	return nil
}

// Describe renders the effect for the rationale.
func (e Effect) Describe() string {
	switch e.Kind {
	case EffectMove:
		if e.EntityID == e.AgentID {
			return fmt.Sprintf("%s moved to (%.2f, %.2f)", e.AgentID, e.Position.X, e.Position.Y)
		}
		return fmt.Sprintf("%s moved %s to (%.2f, %.2f)", e.AgentID, e.EntityID, e.Position.X, e.Position.Y)
	case EffectClaim:
		return fmt.Sprintf("%s claimed %s", e.AgentID, e.EntityID)
	case EffectRelease:
		return fmt.Sprintf("%s released %s", e.AgentID, e.EntityID)
	case EffectRelate:
		return fmt.Sprintf("%s set %s toward %s to %.2f", e.AgentID, e.Relationship.Type, e.Relationship.Target, e.Relationship.Strength)
	case EffectSetProperty:
		return fmt.Sprintf("%s set %s.%s to %v", e.AgentID, e.EntityID, e.Property, e.Value)
	case EffectNarrate:
		if e.Text == "" {
			return e.AgentID + " acted"
		}
		return fmt.Sprintf("%s: %q", e.AgentID, e.Text)
	}
	return e.AgentID + " " + string(e.Kind)
}

// Candidate is a feasible intent competing for application.
type Candidate struct {
	Intent   intent.Intent
	Priority int
	Effect   Effect
}

// ConflictPredicate reports whether two candidates cannot both apply, with
// a short reason.
type ConflictPredicate func(a, b Candidate) (bool, string)

// WriteConflict is the default predicate: candidates conflict when they
// write the same state. Reciprocal relationship changes that agree on
// strength are compatible.
func WriteConflict(a, b Candidate) (bool, string) {
	if a.Effect.Kind == EffectRelate && b.Effect.Kind == EffectRelate &&
		pairKey(a.Effect.Relationship) == pairKey(b.Effect.Relationship) {
		if a.Effect.Relationship.Source != b.Effect.Relationship.Source &&
			a.Effect.Relationship.Strength == b.Effect.Relationship.Strength {
			return false, ""
		}
		return true, "contradictory change to " + pairKey(a.Effect.Relationship)
	}
	keys := make(map[string]bool)
	for _, k := range a.Effect.WriteKeys() {
		keys[k] = true
	}
	var shared []string
	for _, k := range b.Effect.WriteKeys() {
		if keys[k] {
			shared = append(shared, k)
		}
	}
	if len(shared) == 0 {
		return false, ""
	}
	sort.Strings(shared)
	return true, "both write " + shared[0]
}

// outranks is the total resolution order: higher priority first, then
// ascending agent id.
func outranks(a, b Candidate) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.Intent.AgentID < b.Intent.AgentID
}
