package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AaronLay10/Universalis/internal/world"
)

func TestConnString(t *testing.T) {
	t.Setenv("PGHOST", "db.internal")
	t.Setenv("PGPORT", "6543")
	t.Setenv("PGUSER", "")
	t.Setenv("PGDATABASE", "")
	t.Setenv("PGSSLMODE", "")
	t.Setenv("PGPASSWORD", "")

	assert.Equal(t, "host=db.internal port=6543 user=universalis dbname=universalis sslmode=disable", ConnString(""))
	assert.Equal(t, "host=db.internal port=6543 user=universalis password=s3cret dbname=universalis sslmode=disable",
		ConnString("s3cret"))

	t.Setenv("PGPASSWORD", "fromenv")
	assert.Contains(t, ConnString(""), "password=fromenv")
}

func TestCommitErrMapping(t *testing.T) {
	ws := world.NewWorldState("Alpha")
	ws.Cycle = 4

	assert.NoError(t, commitErr(ws, nil))

	dup := fmt.Errorf("exec: %w", &pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})
	err := commitErr(ws, dup)
	assert.ErrorIs(t, err, world.ErrVersionConflict)
	assert.Contains(t, err.Error(), "simulation Alpha cycle 4")

	err = commitErr(ws, &pq.Error{Code: "57P01", Message: "terminating connection"})
	assert.ErrorIs(t, err, world.ErrBackendUnavailable)
	assert.NotErrorIs(t, err, world.ErrVersionConflict)

	err = commitErr(ws, errors.New("dial tcp: connection refused"))
	assert.ErrorIs(t, err, world.ErrBackendUnavailable)
}

// TestPostgresRoundTrip runs against a live database when
// UNIVERSALIS_TEST_PG_DSN is set.
func TestPostgresRoundTrip(t *testing.T) {
	dsn := os.Getenv("UNIVERSALIS_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("UNIVERSALIS_TEST_PG_DSN not set")
	}
	ctx := context.Background()
	simID := fmt.Sprintf("test-%d", time.Now().UnixNano())

	c, err := New(ctx, dsn, simID)
	require.NoError(t, err)
	defer c.Close()

	store := c.WorldStore()
	ws := world.NewWorldState(simID)
	ws.Entities["A"] = &world.Entity{ID: "A", Kind: world.KindActor, Status: world.StatusActive}
	require.NoError(t, store.Commit(ctx, ws))
	assert.ErrorIs(t, store.Commit(ctx, ws), world.ErrVersionConflict)

	latest, err := store.Latest(ctx, simID)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), latest.Cycle)
	assert.Contains(t, latest.Entities, "A")

	_, err = store.Load(ctx, simID, 9)
	assert.ErrorIs(t, err, world.ErrNotFound)

	require.NoError(t, c.Append(time.Now().UTC(), "info", "cycle.committed", "", map[string]interface{}{"cycle": 0}))
	rows, err := c.Query(5)
	require.NoError(t, err)
	require.NotEmpty(t, rows)
	assert.Equal(t, "cycle.committed", rows[0].Event)
	assert.Equal(t, simID, rows[0].SimulationID)
}
