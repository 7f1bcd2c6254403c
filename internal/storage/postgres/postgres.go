package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	_ "github.com/lib/pq"

	"github.com/AaronLay10/Universalis/internal/events"
)

// Client manages the Postgres connection for snapshots and event storage.
type Client struct {
	db           *sql.DB
	simulationID string
}

var (
	_ events.Sink    = (*Client)(nil)
	_ events.Querier = (*Client)(nil)
)

// ConnString builds a lib/pq connection string from the standard PG*
// environment variables. password overrides PGPASSWORD when non-empty.
func ConnString(password string) string {
	host := getEnv("PGHOST", "127.0.0.1")
	port := getEnv("PGPORT", "5432")
	user := getEnv("PGUSER", "universalis")
	dbname := getEnv("PGDATABASE", "universalis")
	sslmode := getEnv("PGSSLMODE", "disable")
	if password == "" {
		password = os.Getenv("PGPASSWORD")
	}

	if password != "" {
		return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
			host, port, user, password, dbname, sslmode)
	}
	return fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=%s",
		host, port, user, dbname, sslmode)
}

// New connects using connStr and creates the tables if needed. Events
// without a simulation_id field are recorded against simID.
func New(ctx context.Context, connStr, simID string) (*Client, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	client := &Client{
		db:           db,
		simulationID: simID,
	}

	if err := client.createTables(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return client, nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func (c *Client) createTables(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS snapshots (
			simulation_id TEXT NOT NULL,
			cycle         BIGINT NOT NULL,
			state         JSONB NOT NULL,
			updated_at    TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (simulation_id, cycle)
		);
		CREATE TABLE IF NOT EXISTS events (
			event_id      BIGSERIAL PRIMARY KEY,
			ts            TIMESTAMPTZ NOT NULL,
			level         TEXT NOT NULL,
			event         TEXT NOT NULL,
			msg           TEXT,
			fields        JSONB,
			simulation_id TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts DESC);
		CREATE INDEX IF NOT EXISTS idx_events_simulation_id ON events(simulation_id);
	`
	_, err := c.db.ExecContext(ctx, query)
	return err
}

// Ping checks the connection.
func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Close closes the database connection.
func (c *Client) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}
