package world

import (
	"encoding/json"
	"time"
)

// EntityKind classifies an entity.
type EntityKind string

const (
	KindActor    EntityKind = "actor"
	KindAsset    EntityKind = "asset"
	KindLandmark EntityKind = "landmark"
)

// EntityStatus is the lifecycle status of an entity.
type EntityStatus string

const (
	StatusActive    EntityStatus = "active"
	StatusInactive  EntityStatus = "inactive"
	StatusDestroyed EntityStatus = "destroyed"
)

// Resolution is the simulation granularity of an actor.
type Resolution string

const (
	ResolutionMacro Resolution = "macro"
	ResolutionMicro Resolution = "micro"
)

// Well-known entity property keys.
const (
	PropOwner = "owner"
	PropFuel  = "fuel"
	PropRange = "range"
)

// Point is a planar position (x = longitude, y = latitude).
type Point struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// Entity is an actor, asset or landmark in the world.
type Entity struct {
	ID         string                 `json:"id" yaml:"id"`
	Kind       EntityKind             `json:"kind" yaml:"kind"`
	Name       string                 `json:"name,omitempty" yaml:"name,omitempty"`
	Position   *Point                 `json:"position,omitempty" yaml:"position,omitempty"`
	Properties map[string]interface{} `json:"properties,omitempty" yaml:"properties,omitempty"`
	Status     EntityStatus           `json:"status" yaml:"status"`

	// Actor-only fields.
	Resolution Resolution `json:"resolution,omitempty" yaml:"resolution,omitempty"`
	Objectives []string   `json:"objectives,omitempty" yaml:"objectives,omitempty"`
	Priority   int        `json:"priority,omitempty" yaml:"priority,omitempty"`
	Groups     []string   `json:"groups,omitempty" yaml:"groups,omitempty"`
}

// IsActor reports whether the entity is an actor.
func (e *Entity) IsActor() bool { return e.Kind == KindActor }

// Owner returns the owning actor id of an asset, or "".
func (e *Entity) Owner() string {
	if e.Properties == nil {
		return ""
	}
	s, _ := e.Properties[PropOwner].(string)
	return s
}

// NumberProperty returns a numeric property, accepting any JSON/YAML number type.
func (e *Entity) NumberProperty(key string) (float64, bool) {
	if e.Properties == nil {
		return 0, false
	}
	switch v := e.Properties[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

// Relationship is a directed, typed edge between two entities.
type Relationship struct {
	Source   string  `json:"source" yaml:"source"`
	Target   string  `json:"target" yaml:"target"`
	Type     string  `json:"type" yaml:"type"`
	Strength float64 `json:"strength" yaml:"strength"`
}

// ID returns the relationship id, unique per (source, target, type).
func (r *Relationship) ID() string {
	return RelationshipID(r.Source, r.Target, r.Type)
}

// RelationshipID builds the canonical id for a (source, target, type) tuple.
func RelationshipID(source, target, relType string) string {
	return source + "|" + relType + "|" + target
}

// TerrainType classifies a terrain region.
type TerrainType string

const (
	TerrainPlains    TerrainType = "plains"
	TerrainMountains TerrainType = "mountains"
	TerrainForest    TerrainType = "forest"
	TerrainWater     TerrainType = "water"
	TerrainUrban     TerrainType = "urban"
	TerrainDesert    TerrainType = "desert"
	TerrainRoad      TerrainType = "road"
)

// Terrain is a polygonal terrain region.
type Terrain struct {
	ID           string      `json:"id" yaml:"id"`
	Name         string      `json:"name,omitempty" yaml:"name,omitempty"`
	Type         TerrainType `json:"type" yaml:"type"`
	Polygon      []Point     `json:"polygon" yaml:"polygon"`
	Passable     bool        `json:"passable" yaml:"passable"`
	MovementCost float64     `json:"movement_cost,omitempty" yaml:"movement_cost,omitempty"`
}

// TerrainInfo is the answer to a terrain_at query.
type TerrainInfo struct {
	TerrainID    string
	Type         TerrainType
	Passable     bool
	MovementCost float64
}

// ScheduledEvent is a global event that fires once at or after a cycle.
type ScheduledEvent struct {
	ID         string `json:"id" yaml:"id"`
	AtCycle    uint64 `json:"at_cycle" yaml:"at_cycle"`
	Condition  string `json:"condition,omitempty" yaml:"condition,omitempty"`
	Text       string `json:"text" yaml:"text"`
	SetWeather string `json:"set_weather,omitempty" yaml:"set_weather,omitempty"`
}

// Environment holds global, actor-independent world conditions.
type Environment struct {
	TimeOfDay    string           `json:"time_of_day" yaml:"time_of_day"`
	Weather      string           `json:"weather" yaml:"weather"`
	GlobalEvents []string         `json:"global_events,omitempty" yaml:"global_events,omitempty"`
	Scheduled    []ScheduledEvent `json:"scheduled,omitempty" yaml:"scheduled,omitempty"`
	Fired        []string         `json:"fired,omitempty" yaml:"fired,omitempty"`
}

// WorldState is one versioned snapshot of a simulation.
type WorldState struct {
	SimulationID  string                   `json:"simulation_id"`
	Cycle         uint64                   `json:"cycle"`
	Environment   Environment              `json:"environment"`
	Entities      map[string]*Entity       `json:"entities"`
	Relationships map[string]*Relationship `json:"relationships"`
	Terrain       map[string]*Terrain      `json:"terrain,omitempty"`
	UpdatedAt     time.Time                `json:"updated_at"`
}

// NewWorldState returns an empty state at cycle 0.
func NewWorldState(simID string) *WorldState {
	return &WorldState{
		SimulationID:  simID,
		Environment:   Environment{TimeOfDay: "08:00", Weather: "Clear"},
		Entities:      make(map[string]*Entity),
		Relationships: make(map[string]*Relationship),
		Terrain:       make(map[string]*Terrain),
	}
}

// Entity returns the entity with the given id, or nil.
func (ws *WorldState) Entity(id string) *Entity {
	if ws == nil || ws.Entities == nil {
		return nil
	}
	return ws.Entities[id]
}

// PutRelationship inserts or replaces the edge for its (source, target, type) tuple.
func (ws *WorldState) PutRelationship(r Relationship) {
	if ws.Relationships == nil {
		ws.Relationships = make(map[string]*Relationship)
	}
	ws.Relationships[r.ID()] = &r
}

// Actors returns the ids of all actor entities in ascending order.
func (ws *WorldState) Actors() []string {
	ids := make([]string, 0, len(ws.Entities))
	for id, e := range ws.Entities {
		if e.IsActor() {
			ids = append(ids, id)
		}
	}
	sortStrings(ids)
	return ids
}

// Clone returns a deep copy. Mutations to the copy never reach the original.
func (ws *WorldState) Clone() *WorldState {
	if ws == nil {
		return nil
	}
	out := &WorldState{
		SimulationID:  ws.SimulationID,
		Cycle:         ws.Cycle,
		Environment:   cloneEnvironment(ws.Environment),
		Entities:      make(map[string]*Entity, len(ws.Entities)),
		Relationships: make(map[string]*Relationship, len(ws.Relationships)),
		Terrain:       make(map[string]*Terrain, len(ws.Terrain)),
		UpdatedAt:     ws.UpdatedAt,
	}
	for id, e := range ws.Entities {
		out.Entities[id] = e.Clone()
	}
	for id, r := range ws.Relationships {
		cp := *r
		out.Relationships[id] = &cp
	}
	for id, t := range ws.Terrain {
		cp := *t
		cp.Polygon = append([]Point(nil), t.Polygon...)
		out.Terrain[id] = &cp
	}
	return out
}

// Clone returns a deep copy of the entity.
func (e *Entity) Clone() *Entity {
	cp := *e
	if e.Position != nil {
		p := *e.Position
		cp.Position = &p
	}
	cp.Properties = cloneProps(e.Properties)
	cp.Objectives = append([]string(nil), e.Objectives...)
	cp.Groups = append([]string(nil), e.Groups...)
	return &cp
}

func cloneEnvironment(env Environment) Environment {
	out := env
	out.GlobalEvents = append([]string(nil), env.GlobalEvents...)
	out.Scheduled = append([]ScheduledEvent(nil), env.Scheduled...)
	out.Fired = append([]string(nil), env.Fired...)
	return out
}

func cloneProps(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return cloneProps(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
