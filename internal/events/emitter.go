package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

var buffer = NewRingBuffer(256)

// Sink persists events outside the process. Implementations live in
// internal/storage.
type Sink interface {
	Append(ts time.Time, level, event, msg string, fields map[string]interface{}) error
}

// StoredEvent is an event read back from a sink.
type StoredEvent struct {
	EventID      int64                  `json:"event_id"`
	Timestamp    time.Time              `json:"ts"`
	Level        string                 `json:"level"`
	Event        string                 `json:"event"`
	Message      *string                `json:"msg,omitempty"`
	Fields       map[string]interface{} `json:"fields,omitempty"`
	SimulationID string                 `json:"simulation_id"`
}

// Querier is a sink that can return its most recent events, newest first.
type Querier interface {
	Query(limit int) ([]StoredEvent, error)
}

// Query limits applied by every Querier.
const (
	DefaultQueryLimit = 200
	MaxQueryLimit     = 10000
)

// ClampLimit maps a requested query size into [1, MaxQueryLimit]; zero or
// negative means DefaultQueryLimit.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultQueryLimit
	case limit > MaxQueryLimit:
		return MaxQueryLimit
	}
	return limit
}

// SimulationOf returns fields["simulation_id"] when it is a string, else def.
func SimulationOf(fields map[string]interface{}, def string) string {
	if id, ok := fields["simulation_id"].(string); ok && id != "" {
		return id
	}
	return def
}

var (
	sink            Sink
	sinkMu          sync.RWMutex
	sinkErrorLogged bool
)

// SetSink sets the persistent sink. nil disables persistence.
func SetSink(s Sink) {
	sinkMu.Lock()
	sink = s
	sinkErrorLogged = false
	sinkMu.Unlock()
}

// GetSink returns the current sink (for API queries).
func GetSink() Sink {
	sinkMu.RLock()
	defer sinkMu.RUnlock()
	return sink
}

type Event struct {
	Timestamp string                 `json:"ts"`
	Level     string                 `json:"level"`
	Name      string                 `json:"event"`
	Message   string                 `json:"msg,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Emit records a domain event in the ring buffer, fans it out to
// subscribers and appends it to the sink.
func Emit(level, name, msg string, fields map[string]interface{}) ([]byte, error) {
	if err := Validate(name); err != nil {
		return nil, err
	}

	ts := time.Now().UTC()
	e := Event{
		Timestamp: ts.Format(time.RFC3339Nano),
		Level:     level,
		Name:      name,
		Message:   msg,
		Fields:    fields,
	}

	buffer.Add(e)
	broadcast(e)

	sinkMu.RLock()
	s := sink
	errorLogged := sinkErrorLogged
	sinkMu.RUnlock()

	if s != nil {
		if err := s.Append(ts, level, name, msg, fields); err != nil && !errorLogged {
			sinkMu.Lock()
			first := !sinkErrorLogged
			sinkErrorLogged = true
			sinkMu.Unlock()
			if first {
				// Straight into the buffer: going through Emit would recurse
				// while the sink keeps failing.
				errEvent := Event{
					Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
					Level:     "error",
					Name:      "system.error",
					Message:   "event sink append failed",
					Fields:    map[string]interface{}{"error": err.Error()},
				}
				buffer.Add(errEvent)
				broadcast(errEvent)
			}
		}
	}

	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}

	return b, nil
}

func Snapshot() []Event {
	return buffer.Snapshot()
}

// TotalCount is the number of events emitted since the last Clear.
func TotalCount() uint64 {
	return buffer.TotalCount()
}

// Clear resets the event buffer. Used for testing.
func Clear() {
	buffer.Clear()
}
