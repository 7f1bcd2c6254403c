package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// PruneConfig controls decay, deletion and consolidation.
type PruneConfig struct {
	// DecayRate is the fraction of relevance lost per elapsed cycle.
	DecayRate float64 `yaml:"decay_rate"`
	// Floor deletes entries whose relevance falls below it.
	Floor float64 `yaml:"relevance_floor"`
	// ConsolidationThreshold is the similarity at which two entries merge.
	ConsolidationThreshold float64 `yaml:"consolidation_threshold"`
	// ConsolidationWindow is the max cycle distance between merged entries.
	ConsolidationWindow uint64 `yaml:"consolidation_window"`
	// Every runs pruning on cycles divisible by it. Zero disables pruning.
	Every uint64 `yaml:"every_cycles"`
	// MaxEntries caps entries per simulation, dropping the least relevant.
	// Zero means unlimited.
	MaxEntries int `yaml:"max_entries"`
}

// DefaultPruneConfig returns the stock pruning parameters.
func DefaultPruneConfig() PruneConfig {
	return PruneConfig{
		DecayRate:              0.05,
		Floor:                  0.1,
		ConsolidationThreshold: 0.85,
		ConsolidationWindow:    10,
		Every:                  100,
		MaxEntries:             10000,
	}
}

// PruneStats summarises one pruning pass.
type PruneStats struct {
	Scanned      int
	Decayed      int
	Deleted      int
	Consolidated int
}

// Pruner decays, deletes and consolidates memories in the background.
type Pruner struct {
	backend  Backend
	embedder Embedder
	cfg      PruneConfig
	log      *zap.Logger

	running sync.Mutex
}

// NewPruner creates a pruner. A nil embedder keeps the newer entry's vector
// when merging.
func NewPruner(b Backend, e Embedder, cfg PruneConfig, log *zap.Logger) *Pruner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pruner{
		backend:  b,
		embedder: e,
		cfg:      cfg,
		log:      log,
	}
}

// Config returns the pruning parameters.
func (p *Pruner) Config() PruneConfig { return p.cfg }

// Due reports whether pruning should run after committing cycle.
func (p *Pruner) Due(cycle uint64) bool {
	return p.cfg.Every > 0 && cycle > 0 && cycle%p.cfg.Every == 0
}

// Run performs one pass for simID. Entries written at or after current are
// never touched. ran is false when another pass is still in progress.
func (p *Pruner) Run(ctx context.Context, simID string, current uint64) (stats PruneStats, ran bool, err error) {
	if !p.running.TryLock() {
		return stats, false, nil
	}
	defer p.running.Unlock()

	entries, err := p.backend.Scan(ctx, simID)
	if err != nil {
		return stats, true, fmt.Errorf("scan memories: %w", err)
	}
	stats.Scanned = len(entries)

	var survivors []Entry
	var doomed []string
	for _, e := range entries {
		if e.Cycle >= current {
			continue
		}
		since := e.Cycle
		if e.DecayedThrough > since {
			since = e.DecayedThrough
		}
		if current > since && p.cfg.DecayRate > 0 {
			e.Relevance *= math.Pow(1-p.cfg.DecayRate, float64(current-since))
			e.DecayedThrough = current
			stats.Decayed++
		}
		if e.Relevance < p.cfg.Floor {
			doomed = append(doomed, e.ID)
			continue
		}
		survivors = append(survivors, e)
	}

	kept, removed := p.consolidate(ctx, survivors)
	stats.Consolidated = len(removed)
	doomed = append(doomed, removed...)

	if p.cfg.MaxEntries > 0 && len(entries)-len(doomed) > p.cfg.MaxEntries {
		excess := len(entries) - len(doomed) - p.cfg.MaxEntries
		sort.SliceStable(kept, func(i, j int) bool { return kept[i].Relevance < kept[j].Relevance })
		if excess > len(kept) {
			excess = len(kept)
		}
		for _, e := range kept[:excess] {
			doomed = append(doomed, e.ID)
		}
		kept = kept[excess:]
	}

	if len(kept) > 0 {
		if err := p.backend.Update(ctx, kept); err != nil {
			return stats, true, fmt.Errorf("update memories: %w", err)
		}
	}
	if len(doomed) > 0 {
		if err := p.backend.Delete(ctx, doomed); err != nil {
			return stats, true, fmt.Errorf("delete memories: %w", err)
		}
	}
	stats.Deleted = len(doomed)

	p.log.Info("memory pruned",
		zap.String("simulation", simID),
		zap.Uint64("cycle", current),
		zap.Int("scanned", stats.Scanned),
		zap.Int("deleted", stats.Deleted),
		zap.Int("consolidated", stats.Consolidated))
	return stats, true, nil
}

type partition struct {
	owner string
	scope Scope
	group string
}

// consolidate merges near-duplicates inside each (owner, scope, group)
// partition. It returns the surviving entries and the ids to delete.
func (p *Pruner) consolidate(ctx context.Context, entries []Entry) ([]Entry, []string) {
	if p.cfg.ConsolidationThreshold <= 0 {
		return entries, nil
	}
	merged := make(map[string]bool)

	parts := make(map[partition][]int)
	var keys []partition
	for i, e := range entries {
		k := partition{owner: e.OwnerID, scope: e.Scope, group: e.GroupID}
		if _, ok := parts[k]; !ok {
			keys = append(keys, k)
		}
		parts[k] = append(parts[k], i)
	}

	gone := make(map[int]bool)
	var removed []string
	for _, k := range keys {
		idx := parts[k]
		// Newest first so the survivor keeps the most recent timestamp.
		sort.SliceStable(idx, func(a, b int) bool {
			ea, eb := entries[idx[a]], entries[idx[b]]
			if !ea.Timestamp.Equal(eb.Timestamp) {
				return ea.Timestamp.After(eb.Timestamp)
			}
			return ea.ID > eb.ID
		})
		for a := 0; a < len(idx); a++ {
			if gone[idx[a]] {
				continue
			}
			keep := &entries[idx[a]]
			for b := a + 1; b < len(idx); b++ {
				if gone[idx[b]] {
					continue
				}
				other := entries[idx[b]]
				if cycleDistance(keep.Cycle, other.Cycle) > p.cfg.ConsolidationWindow {
					continue
				}
				if similarity(*keep, other) < p.cfg.ConsolidationThreshold {
					continue
				}
				keep.Text = mergeText(keep.Text, other.Text)
				keep.Relevance = math.Min(1, math.Max(keep.Relevance, other.Relevance)*1.2)
				if other.Cycle > keep.Cycle {
					keep.Cycle = other.Cycle
				}
				gone[idx[b]] = true
				merged[keep.ID] = true
				removed = append(removed, other.ID)
			}
			if merged[keep.ID] && p.embedder != nil {
				if emb, err := p.embedder.Embed(ctx, keep.Text); err == nil {
					keep.Embedding = emb
				}
			}
		}
	}

	kept := make([]Entry, 0, len(entries)-len(removed))
	for i, e := range entries {
		if !gone[i] {
			kept = append(kept, e)
		}
	}
	return kept, removed
}

func similarity(a, b Entry) float64 {
	if len(a.Embedding) > 0 && len(a.Embedding) == len(b.Embedding) {
		return Cosine(a.Embedding, b.Embedding)
	}
	return Jaccard(a.Text, b.Text)
}

func cycleDistance(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}

// mergeText keeps the newer text and appends the older one unless it is
// already contained.
func mergeText(newer, older string) string {
	n, o := strings.TrimSpace(newer), strings.TrimSpace(older)
	switch {
	case o == "" || strings.Contains(n, o):
		return n
	case strings.Contains(o, n):
		return o
	}
	return n + "; " + o
}
