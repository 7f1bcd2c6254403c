package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/AaronLay10/Universalis/internal/world"
)

// WorldStore implements world.Store on the snapshots table.
type WorldStore struct {
	db      *DB
	spatial world.Spatial
}

var _ world.Store = (*WorldStore)(nil)

// WorldStore returns the snapshot store of d.
func (d *DB) WorldStore() *WorldStore {
	return &WorldStore{db: d, spatial: world.Planar{}}
}

// Load implements world.Store.
func (s *WorldStore) Load(ctx context.Context, simID string, cycle uint64) (*world.WorldState, error) {
	row := s.db.db.QueryRowContext(ctx,
		`SELECT state FROM snapshots WHERE simulation_id = ? AND cycle = ?`, simID, int64(cycle))
	return scanSnapshot(row, fmt.Sprintf("%s@%d", simID, cycle))
}

// Latest implements world.Store.
func (s *WorldStore) Latest(ctx context.Context, simID string) (*world.WorldState, error) {
	row := s.db.db.QueryRowContext(ctx,
		`SELECT state FROM snapshots WHERE simulation_id = ? ORDER BY cycle DESC LIMIT 1`, simID)
	return scanSnapshot(row, simID)
}

// Commit implements world.Store. The insert is a single statement, so a
// snapshot is either fully written or absent.
func (s *WorldStore) Commit(ctx context.Context, ws *world.WorldState) error {
	if err := world.Validate(ws); err != nil {
		return fmt.Errorf("commit rejected: %w", err)
	}
	updated := ws.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	cp := ws.Clone()
	cp.UpdatedAt = updated
	state, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	res, err := s.db.db.ExecContext(ctx,
		`INSERT INTO snapshots (simulation_id, cycle, state, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (simulation_id, cycle) DO NOTHING`,
		ws.SimulationID, int64(ws.Cycle), string(state), updated.UnixNano())
	if err != nil {
		return world.Unavailable("commit snapshot", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return world.Unavailable("commit snapshot", err)
	}
	if n == 0 {
		return fmt.Errorf("simulation %s cycle %d: %w", ws.SimulationID, ws.Cycle, world.ErrVersionConflict)
	}
	return nil
}

// Spatial implements world.Store.
func (s *WorldStore) Spatial() world.Spatial { return s.spatial }

// Cycles lists the committed cycles of simID in ascending order.
func (s *WorldStore) Cycles(ctx context.Context, simID string) ([]uint64, error) {
	rows, err := s.db.db.QueryContext(ctx,
		`SELECT cycle FROM snapshots WHERE simulation_id = ? ORDER BY cycle`, simID)
	if err != nil {
		return nil, world.Unavailable("list cycles", err)
	}
	defer rows.Close()
	var out []uint64
	for rows.Next() {
		var c int64
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		out = append(out, uint64(c))
	}
	return out, rows.Err()
}

func scanSnapshot(row *sql.Row, id string) (*world.WorldState, error) {
	var raw string
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &world.NotFoundError{Kind: "snapshot", ID: id}
		}
		return nil, world.Unavailable("load snapshot", err)
	}
	var ws world.WorldState
	if err := json.Unmarshal([]byte(raw), &ws); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", id, err)
	}
	if ws.Entities == nil {
		ws.Entities = make(map[string]*world.Entity)
	}
	if ws.Relationships == nil {
		ws.Relationships = make(map[string]*world.Relationship)
	}
	if ws.Terrain == nil {
		ws.Terrain = make(map[string]*world.Terrain)
	}
	return &ws, nil
}
