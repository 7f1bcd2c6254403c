package mqtt

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/AaronLay10/Universalis/internal/world"
)

// Topic layout, rooted at universalis/<simulation id>/.
const (
	topicRoot        = "universalis"
	topicAgents      = "agents"
	suffixObserve    = "observe"
	suffixIntent     = "intent"
	suffixRegister   = "register"
	suffixHeartbeat  = "heartbeat"
	topicCycle       = "cycle"
	singleLevelMatch = "+"
)

// ObserveTopic is where the engine publishes an agent's observation.
func ObserveTopic(simID, agentID string) string {
	return strings.Join([]string{topicRoot, simID, topicAgents, agentID, suffixObserve}, "/")
}

// IntentTopic is where an agent publishes its proposal.
func IntentTopic(simID, agentID string) string {
	return strings.Join([]string{topicRoot, simID, topicAgents, agentID, suffixIntent}, "/")
}

// RegisterTopic is where an agent announces itself.
func RegisterTopic(simID, agentID string) string {
	return strings.Join([]string{topicRoot, simID, topicAgents, agentID, suffixRegister}, "/")
}

// HeartbeatTopic is where a registered agent reports liveness.
func HeartbeatTopic(simID, agentID string) string {
	return strings.Join([]string{topicRoot, simID, topicAgents, agentID, suffixHeartbeat}, "/")
}

// CycleTopic carries one announcement per committed cycle.
func CycleTopic(simID string) string {
	return strings.Join([]string{topicRoot, simID, topicCycle}, "/")
}

// AgentWildcard subscribes to suffix for every agent of simID.
func AgentWildcard(simID, suffix string) string {
	return strings.Join([]string{topicRoot, simID, topicAgents, singleLevelMatch, suffix}, "/")
}

// ParseAgentTopic splits universalis/<sim>/agents/<agent>/<suffix>.
func ParseAgentTopic(topic string) (simID, agentID, suffix string, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 5 || parts[0] != topicRoot || parts[2] != topicAgents {
		return "", "", "", false
	}
	if parts[1] == "" || parts[3] == "" || parts[4] == "" {
		return "", "", "", false
	}
	return parts[1], parts[3], parts[4], true
}

// RegistrationPayload is a v1 agent registration message.
type RegistrationPayload struct {
	Version int       `json:"version"`
	Agent   AgentInfo `json:"agent"`
}

// AgentInfo describes the process driving an actor.
type AgentInfo struct {
	ID           string   `json:"id"`
	Model        string   `json:"model,omitempty"`
	Client       string   `json:"client,omitempty"`
	HeartbeatSec int      `json:"heartbeat_sec"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// ParseRegistration parses a registration payload from JSON bytes.
func ParseRegistration(data []byte) (*RegistrationPayload, error) {
	var payload RegistrationPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("invalid registration JSON: %w", err)
	}

	if payload.Version != 1 {
		return nil, fmt.Errorf("unsupported registration version: %d", payload.Version)
	}

	if payload.Agent.ID == "" {
		return nil, fmt.Errorf("agent.id is required")
	}

	if payload.Agent.HeartbeatSec < 0 {
		return nil, fmt.Errorf("agent.heartbeat_sec must not be negative")
	}

	return &payload, nil
}

// ValidationResult contains validation outcome.
type ValidationResult struct {
	Valid    bool
	Errors   []string
	Warnings []string
}

// ValidateRegistration checks that the registering agent drives an active
// actor of ws. Actors that no registered agent drives are reported as
// warnings; they abstain every cycle.
func ValidateRegistration(payload *RegistrationPayload, ws *world.WorldState, registered []string) *ValidationResult {
	result := &ValidationResult{Valid: true}

	e := ws.Entity(payload.Agent.ID)
	switch {
	case e == nil:
		result.Errors = append(result.Errors, fmt.Sprintf("unknown actor: %s", payload.Agent.ID))
		result.Valid = false
	case !e.IsActor():
		result.Errors = append(result.Errors, fmt.Sprintf("entity %s is a %s, not an actor", e.ID, e.Kind))
		result.Valid = false
	case e.Status != world.StatusActive:
		result.Errors = append(result.Errors, fmt.Sprintf("actor %s is %s", e.ID, e.Status))
		result.Valid = false
	}

	driven := map[string]bool{payload.Agent.ID: true}
	for _, id := range registered {
		driven[id] = true
	}
	var idle []string
	for _, id := range ws.Actors() {
		if !driven[id] && ws.Entity(id).Status == world.StatusActive {
			idle = append(idle, id)
		}
	}
	sort.Strings(idle)
	for _, id := range idle {
		result.Warnings = append(result.Warnings, fmt.Sprintf("actor without agent: %s", id))
	}

	return result
}
