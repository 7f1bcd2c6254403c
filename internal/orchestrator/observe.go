package orchestrator

import (
	"context"
	"sort"
	"strings"

	"github.com/AaronLay10/Universalis/internal/intent"
	"github.com/AaronLay10/Universalis/internal/memory"
	"github.com/AaronLay10/Universalis/internal/world"
)

// ObservationConfig bounds what an agent perceives each cycle.
type ObservationConfig struct {
	// PerceptionRadius is how far an actor sees other entities. Zero hides
	// every other entity.
	PerceptionRadius float64 `yaml:"perception_radius"`
	RecentMemories   int     `yaml:"recent_memories"`
	RelatedMemories  int     `yaml:"related_memories"`
}

// DefaultObservationConfig returns the stock perception limits.
func DefaultObservationConfig() ObservationConfig {
	return ObservationConfig{PerceptionRadius: 0.1, RecentMemories: 5, RelatedMemories: 3}
}

// observations builds one bundle per active actor, in agent id order.
func (s *Scheduler) observations(ctx context.Context, ws *world.WorldState) ([]intent.Observation, error) {
	snapshot := ws.Clone()
	spatial := s.store.Spatial()

	env := snapshot.Environment
	// Upcoming scheduled events are not public knowledge.
	env.Scheduled = nil
	env.Fired = nil

	ids := make([]string, 0, len(snapshot.Entities))
	for id := range snapshot.Entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []intent.Observation
	for _, agentID := range snapshot.Actors() {
		self := snapshot.Entity(agentID)
		if self.Status != world.StatusActive {
			continue
		}
		obs := intent.Observation{
			SimulationID: snapshot.SimulationID,
			AgentID:      agentID,
			Cycle:        snapshot.Cycle,
			Self:         *self.Clone(),
			Environment:  env,
			Objectives:   append([]string(nil), self.Objectives...),
		}

		if self.Position != nil && s.observe.PerceptionRadius > 0 {
			for _, id := range ids {
				other := snapshot.Entities[id]
				if id == agentID || other.Position == nil || other.Status == world.StatusDestroyed {
					continue
				}
				near, err := spatial.WithinDistance(snapshot, id, *self.Position, s.observe.PerceptionRadius)
				if err == nil && near {
					obs.Nearby = append(obs.Nearby, *other.Clone())
				}
			}
		}

		if s.memory != nil {
			if err := s.recollect(ctx, &obs); err != nil {
				return nil, err
			}
		}
		out = append(out, obs)
	}
	return out, nil
}

func (s *Scheduler) recollect(ctx context.Context, obs *intent.Observation) error {
	if k := s.observe.RecentMemories; k > 0 {
		recent, err := s.memory.RetrieveRecent(ctx, obs.SimulationID, k, obs.AgentID, nil)
		if err != nil {
			return err
		}
		obs.Recent = recollections(recent)
	}
	if k := s.observe.RelatedMemories; k > 0 && len(obs.Objectives) > 0 {
		related, err := s.memory.RetrieveAssociative(ctx, obs.SimulationID, strings.Join(obs.Objectives, ". "), k, obs.AgentID)
		if err != nil {
			return err
		}
		obs.Associative = recollections(related)
	}
	return nil
}

func recollections(entries []memory.Entry) []intent.Recollection {
	out := make([]intent.Recollection, len(entries))
	for i, e := range entries {
		out[i] = intent.Recollection{Text: e.Text, Scope: string(e.Scope), Cycle: e.Cycle}
	}
	return out
}
