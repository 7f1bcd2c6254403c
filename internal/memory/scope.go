package memory

import (
	"fmt"
	"sort"
	"time"
)

// Scope is the visibility class of a memory entry.
type Scope string

const (
	ScopePublic      Scope = "PUBLIC"
	ScopePrivate     Scope = "PRIVATE"
	ScopeSharedGroup Scope = "SHARED_GROUP"
)

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	switch s {
	case ScopePublic, ScopePrivate, ScopeSharedGroup:
		return true
	}
	return false
}

// Kind classifies what produced an entry.
type Kind string

const (
	KindObservation  Kind = "observation"
	KindIntent       Kind = "intent"
	KindAdjudication Kind = "adjudication"
	KindRationale    Kind = "rationale"
	KindStateChange  Kind = "state_change"
	KindSystem       Kind = "system"
)

// Entry is one stored memory.
type Entry struct {
	ID           string    `json:"id"`
	SimulationID string    `json:"simulation_id"`
	OwnerID      string    `json:"owner_id,omitempty"`
	Scope        Scope     `json:"scope"`
	GroupID      string    `json:"group_id,omitempty"`
	Kind         Kind      `json:"kind"`
	Text         string    `json:"text"`
	Embedding    []float32 `json:"embedding,omitempty"`
	Cycle        uint64    `json:"cycle"`
	Timestamp    time.Time `json:"timestamp"`
	Relevance    float64   `json:"relevance"`
	// DecayedThrough is the last cycle whose decay is already folded into
	// Relevance. Zero means none.
	DecayedThrough uint64 `json:"decayed_through,omitempty"`
}

// Filter is the abstract visibility predicate for a retrieval. Backends
// translate it into their own query language; Allows is the reference
// semantics.
type Filter struct {
	SimulationID string
	AgentID      string
	Groups       []string
	// Scope optionally restricts results to one scope.
	Scope *Scope
}

// Allows reports whether the requesting agent may see e.
func (f Filter) Allows(e Entry) bool {
	if f.SimulationID != "" && e.SimulationID != f.SimulationID {
		return false
	}
	if f.Scope != nil && e.Scope != *f.Scope {
		return false
	}
	switch e.Scope {
	case ScopePublic:
		return true
	case ScopePrivate:
		return f.AgentID != "" && e.OwnerID == f.AgentID
	case ScopeSharedGroup:
		if f.AgentID != "" && e.OwnerID == f.AgentID {
			return true
		}
		for _, g := range f.Groups {
			if g == e.GroupID {
				return true
			}
		}
	}
	return false
}

// Membership resolves the groups an agent belongs to.
type Membership interface {
	GroupsOf(agentID string) []string
}

// StaticMembership is a fixed agent to groups mapping.
type StaticMembership map[string][]string

// GroupsOf implements Membership.
func (m StaticMembership) GroupsOf(agentID string) []string {
	return m[agentID]
}

func validateScope(scope Scope, owner, group string) error {
	switch scope {
	case ScopePublic:
	case ScopePrivate:
		if owner == "" {
			return fmt.Errorf("private memory requires an owner")
		}
	case ScopeSharedGroup:
		if group == "" {
			return fmt.Errorf("shared group memory requires a group id")
		}
	default:
		return fmt.Errorf("unknown scope %q", scope)
	}
	return nil
}

// sortRecent orders entries newest first. Equal timestamps fall back to
// cycle, then id, so ordering is stable.
func sortRecent(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.After(b.Timestamp)
		}
		if a.Cycle != b.Cycle {
			return a.Cycle > b.Cycle
		}
		return a.ID > b.ID
	})
}
