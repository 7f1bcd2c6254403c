package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/AaronLay10/Universalis/internal/events"
	"github.com/AaronLay10/Universalis/internal/orchestrator"
)

var (
	logger = zap.NewNop()

	controlMu  sync.RWMutex
	controller *orchestrator.Controller
	querier    events.Querier
)

// SetLogger sets the package logger.
func SetLogger(l *zap.Logger) {
	if l != nil {
		logger = l
	}
}

// SetController installs the control surface served under /control.
func SetController(c *orchestrator.Controller) {
	controlMu.Lock()
	controller = c
	controlMu.Unlock()
	SetOrchestratorReady(c != nil)
}

// SetEventQuerier sets the persistent event store behind /events?source=store.
func SetEventQuerier(q events.Querier) {
	controlMu.Lock()
	defer controlMu.Unlock()
	querier = q
}

func currentController() *orchestrator.Controller {
	controlMu.RLock()
	defer controlMu.RUnlock()
	return controller
}

// readinessState tracks the dependencies reported by /ready.
type readinessState struct {
	mu                sync.RWMutex
	orchestratorReady bool
	mqttConnected     bool
	mqttOptional      bool
	storeDriver       string
	storeConnected    bool
	storeOptional     bool
}

var readiness = &readinessState{storeDriver: "memory", storeConnected: true}

// SetOrchestratorReady marks whether a controller is installed and started.
func SetOrchestratorReady(ready bool) {
	readiness.mu.Lock()
	defer readiness.mu.Unlock()
	readiness.orchestratorReady = ready
}

// SetMQTTState records the broker connection. An optional broker never
// makes the service unready.
func SetMQTTState(connected, optional bool) {
	readiness.mu.Lock()
	defer readiness.mu.Unlock()
	readiness.mqttConnected = connected
	readiness.mqttOptional = optional
}

// SetStoreState records the world store connection.
func SetStoreState(driver string, connected, optional bool) {
	readiness.mu.Lock()
	defer readiness.mu.Unlock()
	readiness.storeDriver = driver
	readiness.storeConnected = connected
	readiness.storeOptional = optional
}

type HealthResponse struct {
	Status    string `json:"status"`
	Service   string `json:"service"`
	Hostname  string `json:"hostname"`
	Timestamp string `json:"ts"`
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	host, _ := os.Hostname()
	resp := HealthResponse{
		Status:    "ok",
		Service:   "universalis",
		Hostname:  host,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	writeJSON(w, http.StatusOK, resp)
}

// CheckStatus is one dependency in a ReadinessResponse.
type CheckStatus struct {
	Status   string `json:"status"`
	Optional bool   `json:"optional,omitempty"`
	Driver   string `json:"driver,omitempty"`
}

type ReadinessResponse struct {
	Ready       bool                   `json:"ready"`
	Checks      map[string]CheckStatus `json:"checks"`
	NotReadyMsg string                 `json:"message,omitempty"`
}

func dependencyStatus(connected, optional bool) string {
	switch {
	case connected:
		return "ok"
	case optional:
		return "unavailable"
	default:
		return "not_ready"
	}
}

func readyHandler(w http.ResponseWriter, r *http.Request) {
	readiness.mu.RLock()
	orchestratorReady := readiness.orchestratorReady
	mqttConnected, mqttOptional := readiness.mqttConnected, readiness.mqttOptional
	driver := readiness.storeDriver
	storeConnected, storeOptional := readiness.storeConnected, readiness.storeOptional
	readiness.mu.RUnlock()

	resp := ReadinessResponse{Ready: true, Checks: map[string]CheckStatus{}}
	var reasons []string

	if orchestratorReady {
		resp.Checks["orchestrator"] = CheckStatus{Status: "ok"}
	} else {
		resp.Checks["orchestrator"] = CheckStatus{Status: "not_ready"}
		reasons = append(reasons, "orchestrator not started")
	}

	resp.Checks["mqtt"] = CheckStatus{Status: dependencyStatus(mqttConnected, mqttOptional), Optional: mqttOptional}
	if !mqttConnected && !mqttOptional {
		reasons = append(reasons, "mqtt not connected")
	}

	resp.Checks["store"] = CheckStatus{Status: dependencyStatus(storeConnected, storeOptional), Optional: storeOptional, Driver: driver}
	if !storeConnected && !storeOptional {
		reasons = append(reasons, driver+" store unavailable")
	}

	status := http.StatusOK
	if len(reasons) > 0 {
		resp.Ready = false
		resp.NotReadyMsg = strings.Join(reasons, "; ")
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// eventsHandler serves the in-memory ring buffer, or the persistent store
// with ?source=store.
func eventsHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("source") != "store" {
		writeJSON(w, http.StatusOK, events.Snapshot())
		return
	}

	controlMu.RLock()
	q := querier
	controlMu.RUnlock()
	if q == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no persistent event store configured"})
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	stored, err := q.Query(limit)
	if err != nil {
		logger.Warn("query stored events", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

// StartRequest is the body of POST /control/start.
type StartRequest struct {
	SimulationID string `json:"simulation_id"`
}

// RunRequest is the body of POST /control/run.
type RunRequest struct {
	Cycles int `json:"cycles"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeResponse(w http.ResponseWriter, resp orchestrator.Response) {
	status := http.StatusOK
	switch resp.Status {
	case orchestrator.StatusRejected:
		status = http.StatusConflict
	case orchestrator.StatusError:
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, resp)
}

// controlHandler adapts one controller operation to HTTP.
func controlHandler(method string, op func(c *orchestrator.Controller, r *http.Request) (orchestrator.Response, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
			return
		}
		c := currentController()
		if c == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "orchestrator not ready"})
			return
		}
		resp, err := op(c, r)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		writeResponse(w, resp)
	}
}

// decodeBody decodes an optional JSON body. An empty body leaves v alone.
func decodeBody(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("invalid JSON: %w", err)
}

func startOp(c *orchestrator.Controller, r *http.Request) (orchestrator.Response, error) {
	var req StartRequest
	if err := decodeBody(r, &req); err != nil {
		return orchestrator.Response{}, err
	}
	simID := req.SimulationID
	if simID == "" {
		simID = c.Scheduler().SimulationID()
	}
	if simID == "" {
		simID = GetSimulationID()
	}
	return c.Start(r.Context(), simID), nil
}

func runOp(c *orchestrator.Controller, r *http.Request) (orchestrator.Response, error) {
	var req RunRequest
	if err := decodeBody(r, &req); err != nil {
		return orchestrator.Response{}, err
	}
	if req.Cycles < 0 {
		return orchestrator.Response{}, fmt.Errorf("cycles must not be negative")
	}
	return c.Run(req.Cycles), nil
}

// worldHandler serves the last committed world state.
func worldHandler(w http.ResponseWriter, r *http.Request) {
	c := currentController()
	if c == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "orchestrator not ready"})
		return
	}
	ws := c.Scheduler().World()
	if ws == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no simulation loaded"})
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

// NewMux builds the API routes.
func NewMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/ready", readyHandler)
	mux.HandleFunc("/metrics", metricsHandler)
	mux.HandleFunc("/", RequireAnyRole(uiHandler))
	mux.HandleFunc("/events", RequireAnyRole(eventsHandler))
	mux.HandleFunc("/ws/events", RequireAnyRole(wsEventsHandler))
	mux.HandleFunc("/world", RequireAnyRole(worldHandler))

	mux.HandleFunc("/control/start", RequireAdmin(controlHandler(http.MethodPost, startOp)))
	mux.HandleFunc("/control/stop", RequireAdmin(controlHandler(http.MethodPost,
		func(c *orchestrator.Controller, _ *http.Request) (orchestrator.Response, error) { return c.Stop(), nil })))
	mux.HandleFunc("/control/step", RequireAnyRole(controlHandler(http.MethodPost,
		func(c *orchestrator.Controller, r *http.Request) (orchestrator.Response, error) { return c.Step(r.Context()), nil })))
	mux.HandleFunc("/control/run", RequireAnyRole(controlHandler(http.MethodPost, runOp)))
	mux.HandleFunc("/control/pause", RequireAnyRole(controlHandler(http.MethodPost,
		func(c *orchestrator.Controller, _ *http.Request) (orchestrator.Response, error) { return c.Pause(), nil })))
	mux.HandleFunc("/control/resume", RequireAnyRole(controlHandler(http.MethodPost,
		func(c *orchestrator.Controller, _ *http.Request) (orchestrator.Response, error) { return c.Resume(), nil })))
	mux.HandleFunc("/control/state", RequireAnyRole(controlHandler(http.MethodGet,
		func(c *orchestrator.Controller, _ *http.Request) (orchestrator.Response, error) { return c.State(), nil })))
	mux.HandleFunc("/control/rationale", RequireAnyRole(controlHandler(http.MethodGet,
		func(c *orchestrator.Controller, _ *http.Request) (orchestrator.Response, error) {
			return c.LastRationale(), nil
		})))
	return mux
}

// ListenAndServe serves the API on port until ctx is cancelled. TLS is
// used when InitTLS found a certificate.
func ListenAndServe(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           NewMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if cfg := LoadTLSConfig(); cfg != nil {
			srv.TLSConfig = cfg
			logger.Info("API listening", zap.String("addr", srv.Addr), zap.Bool("tls", true))
			errCh <- srv.ListenAndServeTLS("", "")
			return
		}
		logger.Info("API listening", zap.String("addr", srv.Addr), zap.Bool("tls", false))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
