package events

import "fmt"

var allowedEvents = map[string]struct{}{
	// cycle
	"cycle.started":   {},
	"cycle.committed": {},
	"cycle.failed":    {},
	"cycle.retried":   {},

	// intent
	"intent.collected": {},
	"intent.timeout":   {},
	"intent.failed":    {},

	// adjudication
	"adjudication.applied":     {},
	"adjudication.rejected":    {},
	"adjudication.environment": {},

	// memory
	"memory.written": {},
	"memory.pruned":  {},
	"memory.error":   {},

	// scheduler
	"scheduler.started": {},
	"scheduler.running": {},
	"scheduler.paused":  {},
	"scheduler.stopped": {},

	// operator
	"operator.start":  {},
	"operator.step":   {},
	"operator.run":    {},
	"operator.pause":  {},
	"operator.resume": {},
	"operator.stop":   {},

	// agent presence
	"agent.connected":    {},
	"agent.disconnected": {},
	"agent.error":        {},

	// system
	"system.startup":         {},
	"system.startup_restore": {},
	"system.shutdown":        {},
	"system.error":           {},
}

// Validate rejects event names outside the registry.
func Validate(event string) error {
	if _, ok := allowedEvents[event]; !ok {
		return fmt.Errorf("unknown event: %s", event)
	}
	return nil
}
