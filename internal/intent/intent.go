package intent

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/AaronLay10/Universalis/internal/world"
)

// ActionKind names a structured action.
type ActionKind string

const (
	ActionMove        ActionKind = "move"
	ActionClaim       ActionKind = "claim"
	ActionRelease     ActionKind = "release"
	ActionRelate      ActionKind = "relate"
	ActionSetProperty ActionKind = "set_property"
)

// Action is the decoded structured payload of an intent.
type Action struct {
	Kind         ActionKind   `json:"kind"`
	Target       string       `json:"target,omitempty"`
	Destination  *world.Point `json:"destination,omitempty"`
	RelationType string       `json:"relation_type,omitempty"`
	Strength     *float64     `json:"strength,omitempty"`
	Property     string       `json:"property,omitempty"`
	Value        interface{}  `json:"value,omitempty"`
	NotBefore    *uint64      `json:"not_before,omitempty"`
	NotAfter     *uint64      `json:"not_after,omitempty"`
}

// Subject returns the entity the action operates on. Moves and property
// changes without a target act on the agent itself.
func (a *Action) Subject(agentID string) string {
	if a.Target == "" {
		return agentID
	}
	return a.Target
}

// Intent is an agent's proposed action for one cycle. Intents are never
// persisted on their own.
type Intent struct {
	AgentID     string                 `json:"agent_id"`
	Cycle       uint64                 `json:"cycle"`
	Text        string                 `json:"text,omitempty"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	Priority    *int                   `json:"priority,omitempty"`
	SubmittedAt time.Time              `json:"submitted_at"`
}

// Structured reports whether the intent carries a structured payload.
func (in *Intent) Structured() bool { return len(in.Payload) > 0 }

// Action decodes the structured payload. It returns nil, nil for
// free-text intents.
func (in *Intent) Action() (*Action, error) {
	if !in.Structured() {
		return nil, nil
	}
	raw, err := json.Marshal(in.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	var a Action
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return &a, nil
}

// Proposal is what a provider returns for one agent.
type Proposal struct {
	Text     string                 `json:"text,omitempty"`
	Payload  map[string]interface{} `json:"payload,omitempty"`
	Priority *int                   `json:"priority,omitempty"`
}

// Recollection is a memory surfaced to an agent in its observation.
type Recollection struct {
	Text  string `json:"text"`
	Scope string `json:"scope"`
	Cycle uint64 `json:"cycle"`
}

// Observation is the bundle an agent sees before proposing an intent.
type Observation struct {
	SimulationID string            `json:"simulation_id"`
	AgentID      string            `json:"agent_id"`
	Cycle        uint64            `json:"cycle"`
	Self         world.Entity      `json:"self"`
	Nearby       []world.Entity    `json:"nearby,omitempty"`
	Environment  world.Environment `json:"environment"`
	Objectives   []string          `json:"objectives,omitempty"`
	Recent       []Recollection    `json:"recent,omitempty"`
	Associative  []Recollection    `json:"associative,omitempty"`
}
