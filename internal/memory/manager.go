package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Manager enforces scope rules on top of a Backend.
type Manager struct {
	backend    Backend
	embedder   Embedder
	membership Membership
	log        *zap.Logger
	now        func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithEmbedder sets the embedder (default HashEmbedder).
func WithEmbedder(e Embedder) Option { return func(m *Manager) { m.embedder = e } }

// WithMembership sets the group membership resolver.
func WithMembership(ms Membership) Option { return func(m *Manager) { m.membership = ms } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// NewManager creates a Manager over the given backend.
func NewManager(b Backend, opts ...Option) *Manager {
	m := &Manager{
		backend:    b,
		embedder:   NewHashEmbedder(128),
		membership: StaticMembership(nil),
		log:        zap.NewNop(),
		now:        time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Backend returns the underlying backend.
func (m *Manager) Backend() Backend { return m.backend }

// Embedder returns the configured embedder.
func (m *Manager) Embedder() Embedder { return m.embedder }

// SetMembership swaps the membership resolver.
func (m *Manager) SetMembership(ms Membership) { m.membership = ms }

// AddRequest describes a new memory.
type AddRequest struct {
	SimulationID string
	Text         string
	Scope        Scope
	OwnerID      string
	GroupID      string
	Kind         Kind
	Cycle        uint64
}

// Add stores a memory with relevance 1.0 and the current timestamp.
func (m *Manager) Add(ctx context.Context, req AddRequest) (Entry, error) {
	if err := validateScope(req.Scope, req.OwnerID, req.GroupID); err != nil {
		return Entry{}, err
	}
	emb, err := m.embedder.Embed(ctx, req.Text)
	if err != nil {
		return Entry{}, fmt.Errorf("embed memory: %w", err)
	}
	kind := req.Kind
	if kind == "" {
		kind = KindObservation
	}
	e := Entry{
		ID:           uuid.NewString(),
		SimulationID: req.SimulationID,
		OwnerID:      req.OwnerID,
		Scope:        req.Scope,
		GroupID:      req.GroupID,
		Kind:         kind,
		Text:         req.Text,
		Embedding:    emb,
		Cycle:        req.Cycle,
		Timestamp:    m.now().UTC(),
		Relevance:    1.0,
	}
	if err := m.backend.Insert(ctx, e); err != nil {
		return Entry{}, fmt.Errorf("insert memory: %w", err)
	}
	m.log.Debug("memory added",
		zap.String("id", e.ID),
		zap.String("scope", string(e.Scope)),
		zap.String("owner", e.OwnerID),
		zap.Uint64("cycle", e.Cycle))
	return e, nil
}

// FilterFor builds the visibility filter for an agent.
func (m *Manager) FilterFor(simID, agentID string, scope *Scope) Filter {
	var groups []string
	if agentID != "" && m.membership != nil {
		groups = m.membership.GroupsOf(agentID)
	}
	return Filter{SimulationID: simID, AgentID: agentID, Groups: groups, Scope: scope}
}

// RetrieveAssociative returns up to k entries visible to agentID ranked by
// similarity to query. Visibility is applied after ranking and before
// truncation, widening the backend search until k visible entries are found
// or the backend runs out.
func (m *Manager) RetrieveAssociative(ctx context.Context, simID, query string, k int, agentID string) ([]Entry, error) {
	if k <= 0 {
		return nil, nil
	}
	emb, err := m.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	f := m.FilterFor(simID, agentID, nil)

	fetch := k
	for {
		ids, err := m.backend.SimilaritySearch(ctx, emb, fetch, f)
		if err != nil {
			return nil, fmt.Errorf("similarity search: %w", err)
		}
		ranked, err := m.backend.Get(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("fetch memories: %w", err)
		}
		visible := make([]Entry, 0, k)
		for _, e := range ranked {
			if f.Allows(e) {
				visible = append(visible, e)
			}
		}
		if len(visible) >= k || len(ids) < fetch {
			if len(visible) > k {
				visible = visible[:k]
			}
			return visible, nil
		}
		fetch *= 2
	}
}

// RetrieveRecent returns up to k visible entries, newest first.
func (m *Manager) RetrieveRecent(ctx context.Context, simID string, k int, agentID string, scope *Scope) ([]Entry, error) {
	if k <= 0 {
		return nil, nil
	}
	f := m.FilterFor(simID, agentID, scope)

	fetch := k
	for {
		entries, err := m.backend.Recent(ctx, fetch, f)
		if err != nil {
			return nil, fmt.Errorf("recent memories: %w", err)
		}
		visible := make([]Entry, 0, k)
		for _, e := range entries {
			if f.Allows(e) {
				visible = append(visible, e)
			}
		}
		if len(visible) >= k || len(entries) < fetch {
			sortRecent(visible)
			if len(visible) > k {
				visible = visible[:k]
			}
			return visible, nil
		}
		fetch *= 2
	}
}
