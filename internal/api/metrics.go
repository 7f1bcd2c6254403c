package api

import (
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/AaronLay10/Universalis/internal/events"
	"github.com/AaronLay10/Universalis/internal/orchestrator"
	"github.com/AaronLay10/Universalis/internal/version"
)

// Metrics state
var (
	metricsState = &MetricsState{}
)

// MetricsState holds runtime metrics for the /metrics endpoint.
type MetricsState struct {
	mu                        sync.RWMutex
	startTime                 time.Time
	simulationID              string
	archiveLastSuccessTimeSec int64 // Unix timestamp, -1 if unknown
	agentsConnected           func() int
}

// InitMetrics initializes the metrics system. Must be called at startup.
func InitMetrics() {
	metricsState.mu.Lock()
	defer metricsState.mu.Unlock()
	metricsState.startTime = time.Now()
	metricsState.archiveLastSuccessTimeSec = -1
}

// SetSimulationID sets the simulation id used for metric labels, alerts and
// as the default for /control/start.
func SetSimulationID(id string) {
	metricsState.mu.Lock()
	defer metricsState.mu.Unlock()
	metricsState.simulationID = id
}

// GetSimulationID returns the configured simulation id.
func GetSimulationID() string {
	metricsState.mu.RLock()
	defer metricsState.mu.RUnlock()
	return metricsState.simulationID
}

// SetArchiveLastSuccess records the time of the last archived cycle.
func SetArchiveLastSuccess(ts time.Time) {
	metricsState.mu.Lock()
	defer metricsState.mu.Unlock()
	metricsState.archiveLastSuccessTimeSec = ts.Unix()
}

// SetAgentsConnected installs the source of the connected agent count.
func SetAgentsConnected(f func() int) {
	metricsState.mu.Lock()
	defer metricsState.mu.Unlock()
	metricsState.agentsConnected = f
}

// schedulerStates lists every state reported by universalis_scheduler_state.
var schedulerStates = []orchestrator.SchedulerState{
	orchestrator.StateIdle,
	orchestrator.StateRunning,
	orchestrator.StatePaused,
	orchestrator.StateStopped,
}

// metricsHandler returns Prometheus-compatible metrics in text format.
func metricsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	metricsState.mu.RLock()
	startTime := metricsState.startTime
	simID := metricsState.simulationID
	archiveLastSuccess := metricsState.archiveLastSuccessTimeSec
	agentsFn := metricsState.agentsConnected
	metricsState.mu.RUnlock()

	uptime := time.Since(startTime).Seconds()
	eventsTotal := events.TotalCount()

	readiness.mu.RLock()
	mqttConnected := readiness.mqttConnected
	storeConnected := readiness.storeConnected
	readiness.mu.RUnlock()

	clients := wsClientCount()

	var cycle uint64
	state := orchestrator.StateIdle
	if c := currentController(); c != nil {
		s := c.Scheduler()
		cycle = s.Cycle()
		state = s.State()
		if id := s.SimulationID(); id != "" {
			simID = id
		}
	}

	agents := 0
	if agentsFn != nil {
		agents = agentsFn()
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	writeHeader := func(name, mtype, help string) {
		fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
	}
	writeMetric := func(name, mtype, help string, value interface{}, labels string) {
		writeHeader(name, mtype, help)
		fmt.Fprintf(w, "%s{%s} %v\n", name, labels, value)
	}

	labels := fmt.Sprintf(`simulation="%s",instance="%s",version="%s"`, simID, hostname, version.Version)

	writeMetric("universalis_uptime_seconds", "gauge",
		"Number of seconds since the service started", uptime, labels)

	writeMetric("universalis_cycle", "gauge",
		"Last committed cycle of the loaded simulation", cycle, labels)

	writeHeader("universalis_scheduler_state", "gauge",
		"Current scheduler state (1 for the active state, 0 otherwise)")
	for _, st := range schedulerStates {
		v := 0
		if st == state {
			v = 1
		}
		fmt.Fprintf(w, "universalis_scheduler_state{%s,state=\"%s\"} %d\n", labels, st, v)
	}

	writeMetric("universalis_events_total", "counter",
		"Total number of events emitted since startup", eventsTotal, labels)

	writeMetric("universalis_events_dropped_total", "counter",
		"Live event deliveries skipped because a subscriber fell behind", events.DroppedCount(), labels)

	writeMetric("universalis_agents_connected", "gauge",
		"Number of agents with a live heartbeat", agents, labels)

	writeMetric("universalis_mqtt_connected", "gauge",
		"Whether MQTT broker is connected (1) or not (0)", boolGauge(mqttConnected), labels)

	writeMetric("universalis_store_connected", "gauge",
		"Whether the world store is reachable (1) or not (0)", boolGauge(storeConnected), labels)

	writeMetric("universalis_ws_clients", "gauge",
		"Number of active WebSocket client connections", clients, labels)

	writeMetric("universalis_archive_last_success_timestamp", "gauge",
		"Unix timestamp of the last archived cycle (-1 if unknown)", archiveLastSuccess, labels)
}

func boolGauge(b bool) int {
	if b {
		return 1
	}
	return 0
}
