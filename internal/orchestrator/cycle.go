package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AaronLay10/Universalis/internal/archon"
	"github.com/AaronLay10/Universalis/internal/intent"
	"github.com/AaronLay10/Universalis/internal/world"
	"go.uber.org/zap"
)

// cycle runs one full cycle. It ignores cancellation of ctx: once a cycle
// starts it either commits or fails.
func (s *Scheduler) cycle(ctx context.Context) (*archon.Result, error) {
	ctx = context.WithoutCancel(ctx)
	started := time.Now()

	s.mu.Lock()
	cur := s.current
	s.mu.Unlock()

	s.emit("info", "cycle.started", map[string]interface{}{
		"simulation_id": cur.SimulationID,
		"cycle":         cur.Cycle,
	})

	obs, err := s.observations(ctx, cur)
	if err != nil {
		return nil, &CycleError{Cycle: cur.Cycle, Kind: KindBackendUnavailable, Err: fmt.Errorf("build observations: %w", err)}
	}

	intents, failures := s.collector.Collect(ctx, obs)
	skipped := make([]string, 0, len(failures))
	for _, f := range failures {
		skipped = append(skipped, f.AgentID)
		name := "intent.failed"
		if f.TimedOut {
			name = "intent.timeout"
		}
		s.emit("warn", name, map[string]interface{}{"cycle": cur.Cycle, "agent_id": f.AgentID, "error": f.Err.Error()})
	}
	s.emit("info", "intent.collected", map[string]interface{}{
		"cycle":   cur.Cycle,
		"intents": len(intents),
		"skipped": len(skipped),
	})

	res, next, err := s.adjudicate(ctx, cur, intents, skipped)
	if err != nil {
		return nil, err
	}
	next.UpdatedAt = s.now().UTC()

	if err := s.store.Commit(ctx, next); err != nil {
		if !errors.Is(err, world.ErrVersionConflict) {
			return nil, commitError(next.Cycle, err)
		}
		s.log.Warn("commit conflict, retrying on latest snapshot", zap.Uint64("cycle", next.Cycle))
		s.emit("warn", "cycle.retried", map[string]interface{}{"cycle": next.Cycle, "error": err.Error()})
		if res, next, err = s.recommit(ctx, cur.SimulationID, next.Cycle, intents, skipped); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	s.current = next
	s.last = res
	s.mu.Unlock()
	s.groups.Update(next)

	if err := s.remember(ctx, res); err != nil {
		return res, &CycleError{Cycle: res.Cycle, Kind: KindBackendUnavailable, Err: err}
	}
	s.publish(res, time.Since(started))
	s.afterCommit(ctx, res, next)
	s.schedulePrune(next.SimulationID, next.Cycle)
	return res, nil
}

func (s *Scheduler) adjudicate(ctx context.Context, cur *world.WorldState, intents []intent.Intent, skipped []string) (*archon.Result, *world.WorldState, error) {
	res, next, err := s.archon.Adjudicate(ctx, cur, intents, skipped)
	if err != nil {
		return nil, nil, &CycleError{Cycle: cur.Cycle, Kind: KindConflictUnresolved, Err: err}
	}
	return res, next, nil
}

// recommit reloads the latest snapshot and adjudicates the same intents
// against it once more. attempted is the cycle whose commit conflicted. A
// second conflict is fatal.
func (s *Scheduler) recommit(ctx context.Context, simID string, attempted uint64, intents []intent.Intent, skipped []string) (*archon.Result, *world.WorldState, error) {
	latest, err := s.store.Latest(ctx, simID)
	if err != nil {
		return nil, nil, &CycleError{Cycle: attempted, Kind: KindBackendUnavailable, Err: fmt.Errorf("reload after conflict: %w", err)}
	}
	restamped := make([]intent.Intent, len(intents))
	for i, in := range intents {
		in.Cycle = latest.Cycle
		restamped[i] = in
	}
	res, next, err := s.adjudicate(ctx, latest, restamped, skipped)
	if err != nil {
		return nil, nil, err
	}
	next.UpdatedAt = s.now().UTC()
	if err := s.store.Commit(ctx, next); err != nil {
		return nil, nil, commitError(next.Cycle, err)
	}
	return res, next, nil
}

func commitError(cycle uint64, err error) error {
	kind := KindBackendUnavailable
	if errors.Is(err, world.ErrVersionConflict) {
		kind = KindStoreCommitConflict
	}
	return &CycleError{Cycle: cycle, Kind: kind, Err: err}
}

// remember writes the cycle's memory records. It runs after commit so a
// failed commit never leaves memories for a cycle that does not exist.
func (s *Scheduler) remember(ctx context.Context, res *archon.Result) error {
	if s.memory == nil {
		return nil
	}
	for _, req := range res.Memories {
		if _, err := s.memory.Add(ctx, req); err != nil {
			s.emit("error", "memory.error", map[string]interface{}{"cycle": res.Cycle, "error": err.Error()})
			return fmt.Errorf("write memory: %w", err)
		}
	}
	s.emit("info", "memory.written", map[string]interface{}{"cycle": res.Cycle, "count": len(res.Memories)})
	return nil
}

func (s *Scheduler) publish(res *archon.Result, took time.Duration) {
	for _, change := range res.Environment {
		s.emit("info", "adjudication.environment", map[string]interface{}{"cycle": res.Cycle, "change": change})
	}
	for _, e := range res.Applied {
		s.emit("info", "adjudication.applied", map[string]interface{}{
			"cycle":     res.Cycle,
			"agent_id":  e.AgentID,
			"kind":      string(e.Kind),
			"entity_id": e.EntityID,
			"summary":   e.Describe(),
		})
	}
	for _, r := range res.Rejected {
		fields := map[string]interface{}{
			"cycle":    res.Cycle,
			"agent_id": r.AgentID,
			"reason":   r.Reason,
		}
		if r.Constraint != "" {
			fields["constraint"] = r.Constraint
		}
		if r.ConflictWith != "" {
			fields["conflict_with"] = r.ConflictWith
		}
		s.emit("info", "adjudication.rejected", fields)
	}
	s.emit("info", "cycle.committed", map[string]interface{}{
		"simulation_id": res.SimulationID,
		"cycle":         res.Cycle,
		"applied":       len(res.Applied),
		"rejected":      len(res.Rejected),
		"skipped":       len(res.Skipped),
		"duration_ms":   took.Milliseconds(),
	})
}

func (s *Scheduler) afterCommit(ctx context.Context, res *archon.Result, ws *world.WorldState) {
	if s.archive != nil {
		if err := s.archive.Append(ctx, res, ws); err != nil {
			s.log.Warn("archive append failed", zap.Uint64("cycle", res.Cycle), zap.Error(err))
			s.emit("error", "system.error", map[string]interface{}{"op": "archive", "cycle": res.Cycle, "error": err.Error()})
		}
	}
	for _, l := range s.listeners {
		l.CycleCommitted(ctx, res, ws)
	}
}

// schedulePrune starts a pruning pass off the commit path when one is due.
func (s *Scheduler) schedulePrune(simID string, cycle uint64) {
	if s.pruner == nil || !s.pruner.Due(cycle) {
		return
	}
	s.pruneWG.Add(1)
	go func() {
		defer s.pruneWG.Done()
		stats, ran, err := s.pruner.Run(s.bgCtx, simID, cycle)
		switch {
		case err != nil:
			s.log.Warn("memory pruning failed", zap.Uint64("cycle", cycle), zap.Error(err))
			s.emit("warn", "memory.error", map[string]interface{}{"cycle": cycle, "op": "prune", "error": err.Error()})
		case ran:
			s.emit("info", "memory.pruned", map[string]interface{}{
				"cycle":        cycle,
				"scanned":      stats.Scanned,
				"deleted":      stats.Deleted,
				"consolidated": stats.Consolidated,
			})
		}
	}()
}
