package orchestrator

import (
	"sync"

	"github.com/AaronLay10/Universalis/internal/memory"
	"github.com/AaronLay10/Universalis/internal/world"
)

var _ memory.Membership = (*ActorGroups)(nil)

// ActorGroups derives SHARED_GROUP membership from the actors' Groups in
// the last committed snapshot.
type ActorGroups struct {
	mu     sync.RWMutex
	groups map[string][]string
}

func NewActorGroups() *ActorGroups {
	return &ActorGroups{groups: make(map[string][]string)}
}

// Update replaces the membership with the one in ws.
func (g *ActorGroups) Update(ws *world.WorldState) {
	next := make(map[string][]string)
	if ws != nil {
		for id, e := range ws.Entities {
			if e.IsActor() && len(e.Groups) > 0 {
				next[id] = append([]string(nil), e.Groups...)
			}
		}
	}
	g.mu.Lock()
	g.groups = next
	g.mu.Unlock()
}

// GroupsOf implements memory.Membership.
func (g *ActorGroups) GroupsOf(agentID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.groups[agentID]...)
}
