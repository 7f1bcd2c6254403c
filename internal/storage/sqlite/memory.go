package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/AaronLay10/Universalis/internal/memory"
)

// MemoryBackend implements memory.Backend on the memories table.
// Similarity ranking runs in process over the rows the filter admits.
type MemoryBackend struct {
	db *DB
}

var _ memory.Backend = (*MemoryBackend)(nil)

// MemoryBackend returns the memory backend of d.
func (d *DB) MemoryBackend() *MemoryBackend {
	return &MemoryBackend{db: d}
}

const memoryColumns = `id, simulation_id, owner_id, scope, group_id, kind, text, embedding, cycle, ts, relevance, decayed_through`

// whereClause translates a visibility filter into SQL. It mirrors
// memory.Filter.Allows.
func whereClause(f memory.Filter) (string, []interface{}) {
	var conds []string
	var args []interface{}
	if f.SimulationID != "" {
		conds = append(conds, "simulation_id = ?")
		args = append(args, f.SimulationID)
	}
	if f.Scope != nil {
		conds = append(conds, "scope = ?")
		args = append(args, string(*f.Scope))
	}

	visible := []string{"scope = 'PUBLIC'"}
	if f.AgentID != "" {
		visible = append(visible, "(scope IN ('PRIVATE', 'SHARED_GROUP') AND owner_id = ?)")
		args = append(args, f.AgentID)
	}
	if len(f.Groups) > 0 {
		marks := strings.TrimSuffix(strings.Repeat("?,", len(f.Groups)), ",")
		visible = append(visible, "(scope = 'SHARED_GROUP' AND group_id IN ("+marks+"))")
		for _, g := range f.Groups {
			args = append(args, g)
		}
	}
	conds = append(conds, "("+strings.Join(visible, " OR ")+")")
	return strings.Join(conds, " AND "), args
}

// Insert implements memory.Backend.
func (b *MemoryBackend) Insert(ctx context.Context, e memory.Entry) error {
	emb, err := json.Marshal(e.Embedding)
	if err != nil {
		return fmt.Errorf("encode embedding: %w", err)
	}
	_, err = b.db.db.ExecContext(ctx,
		`INSERT INTO memories (`+memoryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SimulationID, e.OwnerID, string(e.Scope), e.GroupID, string(e.Kind), e.Text,
		string(emb), int64(e.Cycle), e.Timestamp.UnixNano(), e.Relevance, int64(e.DecayedThrough))
	if err != nil {
		return memory.Unavailable("insert memory", err)
	}
	return nil
}

// SimilaritySearch implements memory.Backend.
func (b *MemoryBackend) SimilaritySearch(ctx context.Context, embedding []float32, k int, f memory.Filter) ([]string, error) {
	where, args := whereClause(f)
	entries, err := b.query(ctx, `SELECT `+memoryColumns+` FROM memories WHERE `+where, args...)
	if err != nil {
		return nil, err
	}
	type scored struct {
		id    string
		score float64
	}
	hits := make([]scored, len(entries))
	for i, e := range entries {
		hits[i] = scored{id: e.ID, score: memory.Cosine(embedding, e.Embedding)}
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

// Get implements memory.Backend.
func (b *MemoryBackend) Get(ctx context.Context, ids []string) ([]memory.Entry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	marks := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	entries, err := b.query(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id IN (`+marks+`)`, args...)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]memory.Entry, len(entries))
	for _, e := range entries {
		byID[e.ID] = e
	}
	out := make([]memory.Entry, 0, len(ids))
	for _, id := range ids {
		if e, ok := byID[id]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

// Recent implements memory.Backend.
func (b *MemoryBackend) Recent(ctx context.Context, k int, f memory.Filter) ([]memory.Entry, error) {
	where, args := whereClause(f)
	q := `SELECT ` + memoryColumns + ` FROM memories WHERE ` + where + ` ORDER BY ts DESC, cycle DESC, id DESC`
	if k >= 0 {
		q += ` LIMIT ?`
		args = append(args, k)
	}
	return b.query(ctx, q, args...)
}

// Scan implements memory.Backend.
func (b *MemoryBackend) Scan(ctx context.Context, simID string) ([]memory.Entry, error) {
	return b.query(ctx, `SELECT `+memoryColumns+` FROM memories WHERE simulation_id = ? ORDER BY id`, simID)
}

// Update implements memory.Backend.
func (b *MemoryBackend) Update(ctx context.Context, entries []memory.Entry) error {
	tx, err := b.db.db.BeginTx(ctx, nil)
	if err != nil {
		return memory.Unavailable("update memories", err)
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `UPDATE memories SET text = ?, embedding = ?, cycle = ?, ts = ?, relevance = ?, decayed_through = ? WHERE id = ?`)
	if err != nil {
		return memory.Unavailable("update memories", err)
	}
	defer stmt.Close()
	for _, e := range entries {
		emb, err := json.Marshal(e.Embedding)
		if err != nil {
			return fmt.Errorf("encode embedding: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, e.Text, string(emb), int64(e.Cycle),
			e.Timestamp.UnixNano(), e.Relevance, int64(e.DecayedThrough), e.ID); err != nil {
			return memory.Unavailable("update memories", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return memory.Unavailable("update memories", err)
	}
	return nil
}

// Delete implements memory.Backend.
func (b *MemoryBackend) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	marks := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	if _, err := b.db.db.ExecContext(ctx, `DELETE FROM memories WHERE id IN (`+marks+`)`, args...); err != nil {
		return memory.Unavailable("delete memories", err)
	}
	return nil
}

// Count returns the number of memories stored for simID.
func (b *MemoryBackend) Count(ctx context.Context, simID string) (int, error) {
	var n int
	err := b.db.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories WHERE simulation_id = ?`, simID).Scan(&n)
	if err != nil {
		return 0, memory.Unavailable("count memories", err)
	}
	return n, nil
}

func (b *MemoryBackend) query(ctx context.Context, q string, args ...interface{}) ([]memory.Entry, error) {
	rows, err := b.db.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, memory.Unavailable("query memories", err)
	}
	defer rows.Close()

	var out []memory.Entry
	for rows.Next() {
		var (
			e              memory.Entry
			scope, kind    string
			emb            sql.NullString
			cycle, tsNanos int64
			decayed        int64
		)
		if err := rows.Scan(&e.ID, &e.SimulationID, &e.OwnerID, &scope, &e.GroupID, &kind, &e.Text,
			&emb, &cycle, &tsNanos, &e.Relevance, &decayed); err != nil {
			return nil, memory.Unavailable("scan memories", err)
		}
		e.Scope = memory.Scope(scope)
		e.Kind = memory.Kind(kind)
		e.Cycle = uint64(cycle)
		e.DecayedThrough = uint64(decayed)
		e.Timestamp = time.Unix(0, tsNanos).UTC()
		if emb.Valid && emb.String != "" && emb.String != "null" {
			if err := json.Unmarshal([]byte(emb.String), &e.Embedding); err != nil {
				return nil, fmt.Errorf("decode embedding of %s: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, memory.Unavailable("scan memories", err)
	}
	return out, nil
}
