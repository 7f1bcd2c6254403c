package mqtt

import (
	"sort"
	"sync"
)

// RegisteredAgent holds runtime information about a registered agent.
type RegisteredAgent struct {
	AgentID      string
	SimulationID string
	Model        string
	Client       string
	ObserveTopic string // engine -> agent
	IntentTopic  string // agent -> engine
	Capabilities []string
}

// AgentRegistry maps actor ids to the agents driving them.
type AgentRegistry struct {
	mu     sync.RWMutex
	agents map[string]*RegisteredAgent
}

// NewAgentRegistry creates a new empty agent registry.
func NewAgentRegistry() *AgentRegistry {
	return &AgentRegistry{
		agents: make(map[string]*RegisteredAgent),
	}
}

// Register adds or updates an agent in the registry.
func (r *AgentRegistry) Register(a *RegisteredAgent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[a.AgentID] = a
}

// RegisterFromPayload registers the agent announced by payload for simID.
func (r *AgentRegistry) RegisterFromPayload(simID string, payload *RegistrationPayload) *RegisteredAgent {
	a := &RegisteredAgent{
		AgentID:      payload.Agent.ID,
		SimulationID: simID,
		Model:        payload.Agent.Model,
		Client:       payload.Agent.Client,
		ObserveTopic: ObserveTopic(simID, payload.Agent.ID),
		IntentTopic:  IntentTopic(simID, payload.Agent.ID),
		Capabilities: append([]string{}, payload.Agent.Capabilities...),
	}
	r.Register(a)
	return a
}

// Unregister removes an agent from the registry.
func (r *AgentRegistry) Unregister(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, agentID)
}

// Get returns an agent by id, or nil if not found.
func (r *AgentRegistry) Get(agentID string) *RegisteredAgent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.agents[agentID]; ok {
		cpy := *a
		cpy.Capabilities = append([]string{}, a.Capabilities...)
		return &cpy
	}
	return nil
}

// Exists returns true if the agent is registered.
func (r *AgentRegistry) Exists(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[agentID]
	return ok
}

// ObserveTopicFor returns the observation topic of an agent, or "".
func (r *AgentRegistry) ObserveTopicFor(agentID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.agents[agentID]; ok {
		return a.ObserveTopic
	}
	return ""
}

// IDs returns the registered agent ids in sorted order.
func (r *AgentRegistry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// All returns a copy of all registered agents, sorted by id.
func (r *AgentRegistry) All() []*RegisteredAgent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*RegisteredAgent, 0, len(r.agents))
	for _, a := range r.agents {
		cpy := *a
		cpy.Capabilities = append([]string{}, a.Capabilities...)
		result = append(result, &cpy)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].AgentID < result[j].AgentID })
	return result
}

// Clear removes all agents from the registry.
func (r *AgentRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents = make(map[string]*RegisteredAgent)
}
