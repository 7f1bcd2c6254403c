package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/AaronLay10/Universalis/internal/world"
)

// uniqueViolation is the SQLSTATE of a primary key collision.
const uniqueViolation = "23505"

// WorldStore implements world.Store on the snapshots table.
type WorldStore struct {
	c       *Client
	spatial world.Spatial
}

var _ world.Store = (*WorldStore)(nil)

// WorldStore returns the snapshot store backed by c.
func (c *Client) WorldStore() *WorldStore {
	return &WorldStore{c: c, spatial: world.Planar{}}
}

// Load implements world.Store.
func (s *WorldStore) Load(ctx context.Context, simID string, cycle uint64) (*world.WorldState, error) {
	row := s.c.db.QueryRowContext(ctx,
		`SELECT state FROM snapshots WHERE simulation_id = $1 AND cycle = $2`, simID, int64(cycle))
	return scanSnapshot(row, fmt.Sprintf("%s@%d", simID, cycle))
}

// Latest implements world.Store.
func (s *WorldStore) Latest(ctx context.Context, simID string) (*world.WorldState, error) {
	row := s.c.db.QueryRowContext(ctx,
		`SELECT state FROM snapshots WHERE simulation_id = $1 ORDER BY cycle DESC LIMIT 1`, simID)
	return scanSnapshot(row, simID)
}

// Commit implements world.Store. The primary key on (simulation_id, cycle)
// turns a concurrent commit of the same cycle into ErrVersionConflict.
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

	_, err = s.c.db.ExecContext(ctx,
		`INSERT INTO snapshots (simulation_id, cycle, state, updated_at) VALUES ($1, $2, $3, $4)`,
		ws.SimulationID, int64(ws.Cycle), state, updated)
	return commitErr(ws, err)
}

// Spatial implements world.Store.
func (s *WorldStore) Spatial() world.Spatial { return s.spatial }

func commitErr(ws *world.WorldState, err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
		return fmt.Errorf("simulation %s cycle %d: %w", ws.SimulationID, ws.Cycle, world.ErrVersionConflict)
	}
	return world.Unavailable("commit snapshot", err)
}

func scanSnapshot(row *sql.Row, id string) (*world.WorldState, error) {
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &world.NotFoundError{Kind: "snapshot", ID: id}
		}
		return nil, world.Unavailable("load snapshot", err)
	}
	var ws world.WorldState
	if err := json.Unmarshal(raw, &ws); err != nil {
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
