package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/AaronLay10/Universalis/internal/events"
)

// appendTimeout bounds one event insert; Emit is called from the cycle loop.
const appendTimeout = 2 * time.Second

// Append implements events.Sink.
func (c *Client) Append(ts time.Time, level, event, msg string, fields map[string]interface{}) error {
	var fieldsJSON interface{}
	if fields != nil {
		b, err := json.Marshal(fields)
		if err != nil {
			return fmt.Errorf("failed to marshal fields: %w", err)
		}
		fieldsJSON = string(b)
	}
	msgVal := sql.NullString{String: msg, Valid: msg != ""}

	ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
	defer cancel()
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO events (ts, level, event, msg, fields, simulation_id) VALUES ($1, $2, $3, $4, $5, $6)`,
		ts, level, event, msgVal, fieldsJSON, events.SimulationOf(fields, c.simulationID))
	return err
}

// Query returns the client's most recent events, newest first.
func (c *Client) Query(limit int) ([]events.StoredEvent, error) {
	rows, err := c.db.Query(
		`SELECT event_id, ts, level, event, msg, fields, simulation_id
		 FROM events
		 WHERE simulation_id = $1
		 ORDER BY ts DESC, event_id DESC
		 LIMIT $2`, c.simulationID, events.ClampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []events.StoredEvent
	for rows.Next() {
		var (
			e      events.StoredEvent
			msg    sql.NullString
			fields []byte
		)
		if err := rows.Scan(&e.EventID, &e.Timestamp, &e.Level, &e.Event, &msg, &fields, &e.SimulationID); err != nil {
			return nil, err
		}
		if msg.Valid {
			e.Message = &msg.String
		}
		if len(fields) > 0 {
			if err := json.Unmarshal(fields, &e.Fields); err != nil {
				return nil, fmt.Errorf("failed to unmarshal fields: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
