package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/AaronLay10/Universalis/internal/events"
)

// EventSink stores domain events in the events table.
type EventSink struct {
	db           *DB
	simulationID string
}

var (
	_ events.Sink    = (*EventSink)(nil)
	_ events.Querier = (*EventSink)(nil)
)

// EventSink returns an event sink. Events without a simulation_id field are
// recorded against simID.
func (d *DB) EventSink(simID string) *EventSink {
	return &EventSink{db: d, simulationID: simID}
}

// Append implements events.Sink.
func (s *EventSink) Append(ts time.Time, level, event, msg string, fields map[string]interface{}) error {
	var fieldsJSON sql.NullString
	if fields != nil {
		b, err := json.Marshal(fields)
		if err != nil {
			return fmt.Errorf("failed to marshal fields: %w", err)
		}
		fieldsJSON = sql.NullString{String: string(b), Valid: true}
	}
	var msgVal sql.NullString
	if msg != "" {
		msgVal = sql.NullString{String: msg, Valid: true}
	}
	_, err := s.db.db.Exec(
		`INSERT INTO events (ts, level, event, msg, fields, simulation_id) VALUES (?, ?, ?, ?, ?, ?)`,
		ts.UnixNano(), level, event, msgVal, fieldsJSON, events.SimulationOf(fields, s.simulationID))
	return err
}

// Query implements events.Querier.
func (s *EventSink) Query(limit int) ([]events.StoredEvent, error) {
	rows, err := s.db.db.Query(
		`SELECT event_id, ts, level, event, msg, fields, simulation_id
		 FROM events ORDER BY ts DESC, event_id DESC LIMIT ?`, events.ClampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []events.StoredEvent
	for rows.Next() {
		var (
			e       events.StoredEvent
			tsNanos int64
			msg     sql.NullString
			fields  sql.NullString
		)
		if err := rows.Scan(&e.EventID, &tsNanos, &e.Level, &e.Event, &msg, &fields, &e.SimulationID); err != nil {
			return nil, err
		}
		e.Timestamp = time.Unix(0, tsNanos).UTC()
		if msg.Valid {
			e.Message = &msg.String
		}
		if fields.Valid && fields.String != "" {
			if err := json.Unmarshal([]byte(fields.String), &e.Fields); err != nil {
				return nil, fmt.Errorf("failed to unmarshal fields: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
