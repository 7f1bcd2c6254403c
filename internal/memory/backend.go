package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrBackendUnavailable marks a backend that cannot serve requests.
var ErrBackendUnavailable = errors.New("memory backend unavailable")

// Backend is the storage capability set the memory subsystem needs.
// Backends may honour the Filter natively; the Manager re-checks it.
type Backend interface {
	Insert(ctx context.Context, e Entry) error
	// SimilaritySearch returns up to k entry ids ranked by similarity.
	SimilaritySearch(ctx context.Context, embedding []float32, k int, f Filter) ([]string, error)
	// Get returns entries in the order of ids. Unknown ids are skipped.
	Get(ctx context.Context, ids []string) ([]Entry, error)
	// Recent returns up to k entries newest first.
	Recent(ctx context.Context, k int, f Filter) ([]Entry, error)
	// Scan returns every entry of a simulation.
	Scan(ctx context.Context, simID string) ([]Entry, error)
	// Update overwrites text, embedding, cycle, timestamp, relevance and
	// decay watermark of existing entries. Missing ids are ignored.
	Update(ctx context.Context, entries []Entry) error
	Delete(ctx context.Context, ids []string) error
}

// Unavailable wraps a backend error.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrBackendUnavailable, err)
}

// InMemoryBackend is a process-local Backend.
type InMemoryBackend struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewInMemoryBackend creates an empty backend.
func NewInMemoryBackend() *InMemoryBackend {
	return &InMemoryBackend{entries: make(map[string]Entry)}
}

// Insert implements Backend.
func (b *InMemoryBackend) Insert(_ context.Context, e Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.entries[e.ID]; exists {
		return fmt.Errorf("duplicate memory id %s", e.ID)
	}
	b.entries[e.ID] = copyEntry(e)
	return nil
}

// SimilaritySearch implements Backend.
func (b *InMemoryBackend) SimilaritySearch(_ context.Context, embedding []float32, k int, f Filter) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	type scored struct {
		id    string
		score float64
	}
	var hits []scored
	for id, e := range b.entries {
		if !f.Allows(e) {
			continue
		}
		hits = append(hits, scored{id: id, score: Cosine(embedding, e.Embedding)})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].id < hits[j].id
	})
	if k >= 0 && len(hits) > k {
		hits = hits[:k]
	}
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.id
	}
	return ids, nil
}

// Get implements Backend.
func (b *InMemoryBackend) Get(_ context.Context, ids []string) ([]Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Entry, 0, len(ids))
	for _, id := range ids {
		if e, ok := b.entries[id]; ok {
			out = append(out, copyEntry(e))
		}
	}
	return out, nil
}

// Recent implements Backend.
func (b *InMemoryBackend) Recent(_ context.Context, k int, f Filter) ([]Entry, error) {
	b.mu.RLock()
	var out []Entry
	for _, e := range b.entries {
		if f.Allows(e) {
			out = append(out, copyEntry(e))
		}
	}
	b.mu.RUnlock()
	sortRecent(out)
	if k >= 0 && len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// Scan implements Backend.
func (b *InMemoryBackend) Scan(_ context.Context, simID string) ([]Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Entry
	for _, e := range b.entries {
		if e.SimulationID == simID {
			out = append(out, copyEntry(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Update implements Backend.
func (b *InMemoryBackend) Update(_ context.Context, entries []Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range entries {
		cur, ok := b.entries[e.ID]
		if !ok {
			continue
		}
		cur.Text = e.Text
		cur.Embedding = append([]float32(nil), e.Embedding...)
		cur.Cycle = e.Cycle
		cur.Timestamp = e.Timestamp
		cur.Relevance = e.Relevance
		cur.DecayedThrough = e.DecayedThrough
		b.entries[e.ID] = cur
	}
	return nil
}

// Delete implements Backend.
func (b *InMemoryBackend) Delete(_ context.Context, ids []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range ids {
		delete(b.entries, id)
	}
	return nil
}

// Len returns the number of stored entries.
func (b *InMemoryBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

func copyEntry(e Entry) Entry {
	e.Embedding = append([]float32(nil), e.Embedding...)
	return e
}
