package mqtt

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/AaronLay10/Universalis/internal/events"
	"github.com/AaronLay10/Universalis/internal/world"
)

// AgentState tracks a registered agent's liveness.
type AgentState struct {
	AgentID      string
	LastSeen     time.Time
	HeartbeatSec int
	Connected    bool
}

// WorldFunc returns the last committed world, or nil before start.
type WorldFunc func() *world.WorldState

// Monitor tracks agent registration and heartbeats for one simulation.
type Monitor struct {
	simID     string
	registry  *AgentRegistry
	world     WorldFunc
	tolerance float64 // multiplier for heartbeat interval (e.g., 2.0 = 2x heartbeat)
	log       *zap.Logger
	now       func() time.Time

	mu     sync.RWMutex
	agents map[string]*AgentState
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewMonitor creates a new agent monitor.
// tolerance is the multiplier for heartbeat interval before considering disconnected.
func NewMonitor(simID string, registry *AgentRegistry, wf WorldFunc, tolerance float64, log *zap.Logger) *Monitor {
	if tolerance <= 1.0 {
		tolerance = 2.0 // miss one heartbeat
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{
		simID:     simID,
		registry:  registry,
		world:     wf,
		tolerance: tolerance,
		log:       log,
		now:       time.Now,
		agents:    make(map[string]*AgentState),
		stopCh:    make(chan struct{}),
	}
}

// Attach subscribes the monitor to every agent's register and heartbeat
// topics.
func (m *Monitor) Attach(msg Messenger) error {
	if err := msg.Subscribe(AgentWildcard(m.simID, suffixRegister), m.onRegister); err != nil {
		return err
	}
	return msg.Subscribe(AgentWildcard(m.simID, suffixHeartbeat), m.onHeartbeat)
}

func (m *Monitor) onRegister(topic string, payload []byte) {
	_, agentID, _, ok := ParseAgentTopic(topic)
	if !ok {
		return
	}
	reg, err := ParseRegistration(payload)
	if err != nil {
		events.Emit("error", "agent.error", "invalid registration", map[string]interface{}{
			"simulation_id": m.simID,
			"agent_id":      agentID,
			"error":         err.Error(),
		})
		return
	}
	if reg.Agent.ID != agentID {
		events.Emit("error", "agent.error", "registration topic does not match agent id", map[string]interface{}{
			"simulation_id": m.simID,
			"agent_id":      agentID,
			"payload_id":    reg.Agent.ID,
		})
		return
	}
	m.HandleRegistration(reg)
}

func (m *Monitor) onHeartbeat(topic string, _ []byte) {
	if _, agentID, _, ok := ParseAgentTopic(topic); ok {
		m.HandleHeartbeat(agentID)
	}
}

// HandleRegistration validates and records a registration, emitting
// agent.connected on success and agent.error otherwise.
func (m *Monitor) HandleRegistration(payload *RegistrationPayload) *ValidationResult {
	var ws *world.WorldState
	if m.world != nil {
		ws = m.world()
	}
	if ws == nil {
		ws = world.NewWorldState(m.simID)
	}
	result := ValidateRegistration(payload, ws, m.registry.IDs())

	agentID := payload.Agent.ID
	if !result.Valid {
		events.Emit("error", "agent.error", "registration validation failed", map[string]interface{}{
			"simulation_id": m.simID,
			"agent_id":      agentID,
			"errors":        result.Errors,
		})
		return result
	}

	m.registry.RegisterFromPayload(m.simID, payload)

	m.mu.Lock()
	existing := m.agents[agentID]
	reconnect := existing != nil && !existing.Connected
	m.agents[agentID] = &AgentState{
		AgentID:      agentID,
		LastSeen:     m.now(),
		HeartbeatSec: payload.Agent.HeartbeatSec,
		Connected:    true,
	}
	m.mu.Unlock()

	for _, w := range result.Warnings {
		m.log.Debug("registration warning", zap.String("agent", agentID), zap.String("warning", w))
	}
	events.Emit("info", "agent.connected", "", map[string]interface{}{
		"simulation_id": m.simID,
		"agent_id":      agentID,
		"model":         payload.Agent.Model,
		"reconnect":     reconnect,
	})
	return result
}

// HandleHeartbeat refreshes a registered agent. Heartbeats from unknown
// agents are ignored; they must register first.
func (m *Monitor) HandleHeartbeat(agentID string) {
	m.mu.Lock()
	state, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return
	}
	state.LastSeen = m.now()
	revived := !state.Connected
	state.Connected = true
	m.mu.Unlock()

	if revived {
		events.Emit("info", "agent.connected", "", map[string]interface{}{
			"simulation_id": m.simID,
			"agent_id":      agentID,
			"reconnect":     true,
		})
	}
}

// Start begins the background health check loop.
func (m *Monitor) Start(checkInterval time.Duration) {
	m.wg.Add(1)
	go m.healthCheckLoop(checkInterval)
}

// Stop stops the background health check loop.
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Monitor) healthCheckLoop(interval time.Duration) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.checkHealth()
		}
	}
}

func (m *Monitor) checkHealth() {
	now := m.now()

	type lapse struct {
		id       string
		lastSeen time.Time
		timeout  time.Duration
	}
	var lapsed []lapse

	m.mu.Lock()
	for id, state := range m.agents {
		if !state.Connected || state.HeartbeatSec == 0 {
			continue
		}
		timeout := time.Duration(float64(state.HeartbeatSec)*m.tolerance) * time.Second
		if now.Sub(state.LastSeen) > timeout {
			state.Connected = false
			lapsed = append(lapsed, lapse{id: id, lastSeen: state.LastSeen, timeout: timeout})
		}
	}
	m.mu.Unlock()

	sort.Slice(lapsed, func(i, j int) bool { return lapsed[i].id < lapsed[j].id })
	for _, l := range lapsed {
		events.Emit("warn", "agent.disconnected", "heartbeat timeout", map[string]interface{}{
			"simulation_id": m.simID,
			"agent_id":      l.id,
			"last_seen":     l.lastSeen.Format(time.RFC3339),
			"timeout_sec":   l.timeout.Seconds(),
		})
	}
}

// Connected reports whether agentID is registered and live.
func (m *Monitor) Connected(agentID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.agents[agentID]
	return ok && state.Connected
}

// GetAgentState returns a copy of an agent's state (for testing/inspection).
func (m *Monitor) GetAgentState(agentID string) *AgentState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if state, ok := m.agents[agentID]; ok {
		cpy := *state
		return &cpy
	}
	return nil
}

// ConnectedAgents returns the ids of currently connected agents, sorted.
func (m *Monitor) ConnectedAgents() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []string
	for id, state := range m.agents {
		if state.Connected {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
