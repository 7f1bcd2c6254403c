package orchestrator

import (
	"errors"
	"fmt"
)

// SchedulerState is the lifecycle state of the cycle scheduler.
type SchedulerState string

const (
	StateIdle    SchedulerState = "IDLE"
	StateRunning SchedulerState = "RUNNING"
	StatePaused  SchedulerState = "PAUSED"
	StateStopped SchedulerState = "STOPPED"
)

// Terminal reports whether no further transitions are possible.
func (s SchedulerState) Terminal() bool { return s == StateStopped }

var (
	// ErrInvalidTransition is returned when an operation is not allowed in
	// the current state.
	ErrInvalidTransition = errors.New("invalid scheduler transition")
	// ErrNotStarted is returned when no simulation has been loaded.
	ErrNotStarted = errors.New("no simulation started")
)

func invalidTransition(op string, from SchedulerState) error {
	return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, op, from)
}

// ErrorKind classifies a fatal cycle error.
type ErrorKind string

const (
	KindConflictUnresolved  ErrorKind = "ConflictUnresolved"
	KindStoreCommitConflict ErrorKind = "StoreCommitConflict"
	KindBackendUnavailable  ErrorKind = "BackendUnavailable"
)

// CycleError is a fatal error surfaced from a cycle, identifying the cycle
// and, where known, the agent or constraint involved.
type CycleError struct {
	Cycle      uint64
	Kind       ErrorKind
	AgentID    string
	Constraint string
	Err        error
}

func (e *CycleError) Error() string {
	msg := fmt.Sprintf("cycle %d: %s", e.Cycle, e.Kind)
	if e.AgentID != "" {
		msg += " (agent " + e.AgentID + ")"
	}
	if e.Constraint != "" {
		msg += " (constraint " + e.Constraint + ")"
	}
	return msg + ": " + e.Err.Error()
}

func (e *CycleError) Unwrap() error { return e.Err }
