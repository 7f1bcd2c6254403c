package intent

import (
	"context"
	"sync"
)

// ScriptedIntent is a pre-authored proposal for one agent at one cycle.
type ScriptedIntent struct {
	Cycle    uint64                 `json:"cycle" yaml:"cycle"`
	AgentID  string                 `json:"agent_id" yaml:"agent_id"`
	Text     string                 `json:"text,omitempty" yaml:"text,omitempty"`
	Payload  map[string]interface{} `json:"payload,omitempty" yaml:"payload,omitempty"`
	Priority *int                   `json:"priority,omitempty" yaml:"priority,omitempty"`
}

// ScriptedProvider replays authored intents keyed by (cycle, agent).
// Agents without a script entry abstain.
type ScriptedProvider struct {
	mu      sync.RWMutex
	entries map[uint64]map[string]Proposal
}

// NewScriptedProvider builds a provider from a script.
func NewScriptedProvider(script []ScriptedIntent) *ScriptedProvider {
	p := &ScriptedProvider{entries: make(map[uint64]map[string]Proposal)}
	for _, s := range script {
		p.Add(s)
	}
	return p
}

// Add registers or replaces one scripted intent.
func (p *ScriptedProvider) Add(s ScriptedIntent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	byAgent := p.entries[s.Cycle]
	if byAgent == nil {
		byAgent = make(map[string]Proposal)
		p.entries[s.Cycle] = byAgent
	}
	byAgent[s.AgentID] = Proposal{Text: s.Text, Payload: s.Payload, Priority: s.Priority}
}

// Propose implements Provider.
func (p *ScriptedProvider) Propose(ctx context.Context, obs Observation) (*Proposal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	prop, ok := p.entries[obs.Cycle][obs.AgentID]
	if !ok {
		return nil, nil
	}
	return &prop, nil
}
