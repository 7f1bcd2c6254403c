package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/AaronLay10/Universalis/internal/archon"
	"github.com/AaronLay10/Universalis/internal/intent"
	"github.com/AaronLay10/Universalis/internal/world"
)

// Presence reports whether an agent is live.
type Presence interface {
	Connected(agentID string) bool
}

// ProposalMessage is what an agent publishes on its intent topic. Cycle
// must echo the observation it answers.
type ProposalMessage struct {
	Cycle    uint64                 `json:"cycle"`
	Text     string                 `json:"text,omitempty"`
	Payload  map[string]interface{} `json:"payload,omitempty"`
	Priority *int                   `json:"priority,omitempty"`
}

type pendingKey struct {
	agentID string
	cycle   uint64
}

// Bridge is an intent.Provider that reaches agents over MQTT: it publishes
// each observation and waits for the matching proposal.
type Bridge struct {
	msg      Messenger
	simID    string
	presence Presence
	log      *zap.Logger

	mu       sync.Mutex
	attached bool
	pending  map[pendingKey]chan intent.Proposal
}

var _ intent.Provider = (*Bridge)(nil)

// NewBridge creates a bridge for simID. With a non-nil presence, agents
// that are not connected abstain without a round trip.
func NewBridge(msg Messenger, simID string, presence Presence, log *zap.Logger) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bridge{
		msg:      msg,
		simID:    simID,
		presence: presence,
		log:      log,
		pending:  make(map[pendingKey]chan intent.Proposal),
	}
}

// Attach subscribes to every agent's intent topic. Calling it again is a
// no-op until Detached is called.
func (b *Bridge) Attach() error {
	b.mu.Lock()
	if b.attached {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	if err := b.msg.Subscribe(AgentWildcard(b.simID, suffixIntent), b.onIntent); err != nil {
		return err
	}

	b.mu.Lock()
	b.attached = true
	b.mu.Unlock()
	return nil
}

// Detached forgets the subscription so the next Attach resubscribes. Call
// it when the connection drops.
func (b *Bridge) Detached() {
	b.mu.Lock()
	b.attached = false
	b.mu.Unlock()
}

// Propose implements intent.Provider.
func (b *Bridge) Propose(ctx context.Context, obs intent.Observation) (*intent.Proposal, error) {
	if b.presence != nil && !b.presence.Connected(obs.AgentID) {
		return nil, nil
	}

	key := pendingKey{agentID: obs.AgentID, cycle: obs.Cycle}
	ch := make(chan intent.Proposal, 1)
	b.mu.Lock()
	b.pending[key] = ch
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, key)
		b.mu.Unlock()
	}()

	body, err := json.Marshal(obs)
	if err != nil {
		return nil, fmt.Errorf("encode observation: %w", err)
	}
	if err := b.msg.Publish(ObserveTopic(b.simID, obs.AgentID), body); err != nil {
		return nil, fmt.Errorf("publish observation: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case p := <-ch:
		return &p, nil
	}
}

func (b *Bridge) onIntent(topic string, payload []byte) {
	simID, agentID, _, ok := ParseAgentTopic(topic)
	if !ok || simID != b.simID {
		return
	}
	var m ProposalMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		b.log.Warn("dropping malformed proposal", zap.String("agent", agentID), zap.Error(err))
		return
	}

	b.mu.Lock()
	ch, ok := b.pending[pendingKey{agentID: agentID, cycle: m.Cycle}]
	b.mu.Unlock()
	if !ok {
		b.log.Debug("dropping unsolicited proposal", zap.String("agent", agentID), zap.Uint64("cycle", m.Cycle))
		return
	}
	select {
	case ch <- intent.Proposal{Text: m.Text, Payload: m.Payload, Priority: m.Priority}:
	default:
		b.log.Debug("dropping duplicate proposal", zap.String("agent", agentID), zap.Uint64("cycle", m.Cycle))
	}
}

// CycleAnnouncement is published on the cycle topic after every commit.
type CycleAnnouncement struct {
	SimulationID string             `json:"simulation_id"`
	Cycle        uint64             `json:"cycle"`
	TimeOfDay    string             `json:"time_of_day"`
	Weather      string             `json:"weather"`
	Environment  []string           `json:"environment,omitempty"`
	Applied      []string           `json:"applied,omitempty"`
	Rejected     []archon.Rejection `json:"rejected,omitempty"`
	Skipped      []string           `json:"skipped,omitempty"`
}

// Announcer publishes a CycleAnnouncement for every committed cycle.
type Announcer struct {
	msg Messenger
	log *zap.Logger
}

// NewAnnouncer creates an announcer.
func NewAnnouncer(msg Messenger, log *zap.Logger) *Announcer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Announcer{msg: msg, log: log}
}

// CycleCommitted implements orchestrator.CycleListener.
func (a *Announcer) CycleCommitted(_ context.Context, res *archon.Result, ws *world.WorldState) {
	if !a.msg.IsConnected() {
		return
	}
	ann := CycleAnnouncement{
		SimulationID: ws.SimulationID,
		Cycle:        ws.Cycle,
		TimeOfDay:    ws.Environment.TimeOfDay,
		Weather:      ws.Environment.Weather,
		Environment:  res.Environment,
		Rejected:     res.Rejected,
		Skipped:      res.Skipped,
	}
	for _, e := range res.Applied {
		ann.Applied = append(ann.Applied, e.Describe())
	}
	body, err := json.Marshal(ann)
	if err != nil {
		a.log.Warn("encode cycle announcement", zap.Error(err))
		return
	}
	if err := a.msg.Publish(CycleTopic(ws.SimulationID), body); err != nil {
		a.log.Warn("publish cycle announcement", zap.Uint64("cycle", ws.Cycle), zap.Error(err))
	}
}
