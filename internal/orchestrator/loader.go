package orchestrator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/AaronLay10/Universalis/internal/intent"
	"github.com/AaronLay10/Universalis/internal/world"
)

// Scenario is an authored starting world plus an optional intent script.
type Scenario struct {
	Version       int                     `json:"version"`
	SimulationID  string                  `json:"simulation_id"`
	Description   string                  `json:"description,omitempty"`
	Environment   world.Environment       `json:"environment"`
	Entities      []world.Entity          `json:"entities"`
	Relationships []world.Relationship    `json:"relationships,omitempty"`
	Terrain       []world.Terrain         `json:"terrain,omitempty"`
	Script        []intent.ScriptedIntent `json:"script,omitempty"`
}

const scenarioSchema = `{
  "type": "object",
  "required": ["version", "simulation_id", "entities"],
  "properties": {
    "version": {"const": 1},
    "simulation_id": {"type": "string", "minLength": 1},
    "entities": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "kind", "status"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "kind": {"enum": ["actor", "asset", "landmark"]},
          "status": {"enum": ["active", "inactive", "destroyed"]},
          "resolution": {"enum": ["macro", "micro"]},
          "priority": {"type": "integer"},
          "position": {
            "type": "object",
            "required": ["x", "y"],
            "properties": {"x": {"type": "number"}, "y": {"type": "number"}}
          }
        }
      }
    },
    "relationships": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["source", "target", "type", "strength"],
        "properties": {"strength": {"type": "number", "minimum": 0, "maximum": 1}}
      }
    },
    "terrain": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "type", "polygon", "passable"],
        "properties": {"polygon": {"type": "array", "minItems": 3}}
      }
    }
  }
}`

var (
	scenarioOnce     sync.Once
	scenarioCompiled *jsonschema.Schema
	scenarioErr      error
)

func compiledScenarioSchema() (*jsonschema.Schema, error) {
	scenarioOnce.Do(func() {
		scenarioCompiled, scenarioErr = jsonschema.CompileString("universalis://scenario.json", scenarioSchema)
	})
	return scenarioCompiled, scenarioErr
}

// LoadScenario reads a scenario from a .json, .yaml or .yml file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseScenarioYAML(data)
	default:
		return ParseScenario(data)
	}
}

// ParseScenarioYAML converts YAML to JSON and parses it.
func ParseScenarioYAML(data []byte) (*Scenario, error) {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse scenario YAML: %w", err)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to convert scenario YAML: %w", err)
	}
	return ParseScenario(raw)
}

// ParseScenario validates a JSON scenario against its schema and decodes it.
func ParseScenario(data []byte) (*Scenario, error) {
	var doc interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse scenario JSON: %w", err)
	}
	if m, ok := doc.(map[string]interface{}); ok {
		if v, ok := m["version"].(json.Number); ok && v.String() != "1" {
			return nil, fmt.Errorf("unsupported scenario version: %s", v)
		}
	}

	schema, err := compiledScenarioSchema()
	if err != nil {
		return nil, fmt.Errorf("compile scenario schema: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	var sc Scenario
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("failed to decode scenario: %w", err)
	}
	if sc.Version != 1 {
		return nil, fmt.Errorf("unsupported scenario version: %d", sc.Version)
	}
	return &sc, nil
}

// State builds the cycle 0 world described by the scenario.
func (sc *Scenario) State() (*world.WorldState, error) {
	ws := world.NewWorldState(sc.SimulationID)
	if sc.Environment.TimeOfDay != "" {
		ws.Environment.TimeOfDay = sc.Environment.TimeOfDay
	}
	if sc.Environment.Weather != "" {
		ws.Environment.Weather = sc.Environment.Weather
	}
	ws.Environment.GlobalEvents = append([]string(nil), sc.Environment.GlobalEvents...)
	ws.Environment.Scheduled = append([]world.ScheduledEvent(nil), sc.Environment.Scheduled...)

	for i := range sc.Entities {
		e := sc.Entities[i]
		if _, dup := ws.Entities[e.ID]; dup {
			return nil, fmt.Errorf("duplicate entity %q", e.ID)
		}
		ws.Entities[e.ID] = e.Clone()
	}
	for _, r := range sc.Relationships {
		if _, dup := ws.Relationships[r.ID()]; dup {
			return nil, fmt.Errorf("duplicate relationship %q", r.ID())
		}
		ws.PutRelationship(r)
	}
	for i := range sc.Terrain {
		t := sc.Terrain[i]
		ws.Terrain[t.ID] = &t
	}
	if err := world.Validate(ws); err != nil {
		return nil, fmt.Errorf("scenario %s: %w", sc.SimulationID, err)
	}
	return ws, nil
}
