package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/AaronLay10/Universalis/internal/archon"
	"github.com/AaronLay10/Universalis/internal/intent"
	"github.com/AaronLay10/Universalis/internal/world"
)

type published struct {
	topic   string
	payload []byte
}

// fakeMessenger routes publishes to matching subscriptions in-process.
type fakeMessenger struct {
	mu        sync.Mutex
	subs      map[string]Handler
	published []published
	onPublish func(topic string, payload []byte)
	connected bool
	subCount  int
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{subs: make(map[string]Handler), connected: true}
}

func (f *fakeMessenger) Subscribe(topic string, h Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[topic] = h
	f.subCount++
	return nil
}

func (f *fakeMessenger) Publish(topic string, payload []byte) error {
	f.mu.Lock()
	f.published = append(f.published, published{topic: topic, payload: payload})
	hook := f.onPublish
	f.mu.Unlock()
	if hook != nil {
		hook(topic, payload)
	}
	return nil
}

func (f *fakeMessenger) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// deliver hands payload to every subscription matching topic.
func (f *fakeMessenger) deliver(topic string, payload []byte) {
	f.mu.Lock()
	var handlers []Handler
	for pattern, h := range f.subs {
		if topicMatches(pattern, topic) {
			handlers = append(handlers, h)
		}
	}
	f.mu.Unlock()
	for _, h := range handlers {
		h(topic, payload)
	}
}

func (f *fakeMessenger) publishedTo(topic string) []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []published
	for _, p := range f.published {
		if p.topic == topic {
			out = append(out, p)
		}
	}
	return out
}

func topicMatches(pattern, topic string) bool {
	pp := strings.Split(pattern, "/")
	tp := strings.Split(topic, "/")
	if len(pp) != len(tp) {
		return false
	}
	for i := range pp {
		if pp[i] != "+" && pp[i] != tp[i] {
			return false
		}
	}
	return true
}

type staticPresence map[string]bool

func (p staticPresence) Connected(id string) bool { return p[id] }

func reply(t *testing.T, m *fakeMessenger, agentID string, msg ProposalMessage) {
	t.Helper()
	b, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	m.deliver(IntentTopic("sim-1", agentID), b)
}

func TestBridge_RoundTrip(t *testing.T) {
	m := newFakeMessenger()
	b := NewBridge(m, "sim-1", nil, nil)
	if err := b.Attach(); err != nil {
		t.Fatal(err)
	}

	pri := 3
	m.onPublish = func(topic string, payload []byte) {
		var obs intent.Observation
		if err := json.Unmarshal(payload, &obs); err != nil {
			t.Errorf("observation not JSON: %v", err)
			return
		}
		reply(t, m, obs.AgentID, ProposalMessage{Cycle: obs.Cycle, Text: "Claim Truck_01", Priority: &pri})
	}

	p, err := b.Propose(context.Background(), intent.Observation{SimulationID: "sim-1", AgentID: "A", Cycle: 4})
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if p == nil || p.Text != "Claim Truck_01" || p.Priority == nil || *p.Priority != 3 {
		t.Errorf("unexpected proposal %+v", p)
	}
	if got := m.publishedTo(ObserveTopic("sim-1", "A")); len(got) != 1 {
		t.Errorf("expected one observation published, got %d", len(got))
	}
}

func TestBridge_StaleCycleIgnored(t *testing.T) {
	m := newFakeMessenger()
	b := NewBridge(m, "sim-1", nil, nil)
	if err := b.Attach(); err != nil {
		t.Fatal(err)
	}
	m.onPublish = func(_ string, _ []byte) {
		reply(t, m, "A", ProposalMessage{Cycle: 3, Text: "late answer"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	p, err := b.Propose(ctx, intent.Observation{SimulationID: "sim-1", AgentID: "A", Cycle: 4})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v (proposal %+v)", err, p)
	}
}

func TestBridge_OfflineAgentAbstains(t *testing.T) {
	m := newFakeMessenger()
	b := NewBridge(m, "sim-1", staticPresence{"A": true}, nil)

	p, err := b.Propose(context.Background(), intent.Observation{SimulationID: "sim-1", AgentID: "B", Cycle: 1})
	if err != nil || p != nil {
		t.Fatalf("expected abstention, got %+v, %v", p, err)
	}
	if len(m.publishedTo(ObserveTopic("sim-1", "B"))) != 0 {
		t.Error("observation published to an offline agent")
	}
}

func TestBridge_AttachIdempotent(t *testing.T) {
	m := newFakeMessenger()
	b := NewBridge(m, "sim-1", nil, nil)
	for i := 0; i < 3; i++ {
		if err := b.Attach(); err != nil {
			t.Fatal(err)
		}
	}
	if m.subCount != 1 {
		t.Errorf("expected 1 subscription, got %d", m.subCount)
	}

	b.Detached()
	if err := b.Attach(); err != nil {
		t.Fatal(err)
	}
	if m.subCount != 2 {
		t.Errorf("expected resubscribe after Detached, got %d", m.subCount)
	}
}

func TestBridge_WithCollector(t *testing.T) {
	m := newFakeMessenger()
	b := NewBridge(m, "sim-1", nil, nil)
	if err := b.Attach(); err != nil {
		t.Fatal(err)
	}
	// A answers, B never does.
	m.onPublish = func(topic string, payload []byte) {
		var obs intent.Observation
		_ = json.Unmarshal(payload, &obs)
		if obs.AgentID == "A" {
			reply(t, m, "A", ProposalMessage{Cycle: obs.Cycle, Text: "Move to Depot"})
		}
	}

	c := intent.NewCollector(b, intent.WithTimeout(50*time.Millisecond), intent.WithRetries(0))
	intents, failures := c.Collect(context.Background(), []intent.Observation{
		{SimulationID: "sim-1", AgentID: "A", Cycle: 1},
		{SimulationID: "sim-1", AgentID: "B", Cycle: 1},
	})
	if len(intents) != 1 || intents[0].AgentID != "A" {
		t.Errorf("unexpected intents %+v", intents)
	}
	if len(failures) != 1 || failures[0].AgentID != "B" {
		t.Errorf("unexpected failures %+v", failures)
	}
}

func TestAnnouncer_PublishesCycle(t *testing.T) {
	m := newFakeMessenger()
	a := NewAnnouncer(m, nil)

	ws := world.NewWorldState("sim-1")
	ws.Cycle = 2
	res := &archon.Result{
		Applied:  []archon.Effect{{AgentID: "A", Kind: archon.EffectClaim, EntityID: "Truck_01"}},
		Rejected: []archon.Rejection{{AgentID: "B", Reason: "conflict"}},
	}
	a.CycleCommitted(context.Background(), res, ws)

	got := m.publishedTo(CycleTopic("sim-1"))
	if len(got) != 1 {
		t.Fatalf("expected one announcement, got %d", len(got))
	}
	var ann CycleAnnouncement
	if err := json.Unmarshal(got[0].payload, &ann); err != nil {
		t.Fatal(err)
	}
	if ann.Cycle != 2 || len(ann.Applied) != 1 || ann.Applied[0] != "A claimed Truck_01" {
		t.Errorf("unexpected announcement %+v", ann)
	}
	if len(ann.Rejected) != 1 || ann.Rejected[0].AgentID != "B" {
		t.Errorf("unexpected rejections %+v", ann.Rejected)
	}
}

func TestAnnouncer_SkipsWhenDisconnected(t *testing.T) {
	m := newFakeMessenger()
	m.connected = false
	a := NewAnnouncer(m, nil)

	a.CycleCommitted(context.Background(), &archon.Result{}, world.NewWorldState("sim-1"))
	if len(m.publishedTo(CycleTopic("sim-1"))) != 0 {
		t.Error("announcement published while disconnected")
	}
}
