package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/AaronLay10/Universalis/internal/archon"
	"github.com/AaronLay10/Universalis/internal/events"
	"github.com/AaronLay10/Universalis/internal/feasibility"
	"github.com/AaronLay10/Universalis/internal/intent"
	"github.com/AaronLay10/Universalis/internal/orchestrator"
	"github.com/AaronLay10/Universalis/internal/world"
)

func setReadiness(orch, mqttConn, mqttOpt, storeConn, storeOpt bool) {
	readiness.mu.Lock()
	defer readiness.mu.Unlock()
	readiness.orchestratorReady = orch
	readiness.mqttConnected = mqttConn
	readiness.mqttOptional = mqttOpt
	readiness.storeDriver = "sqlite"
	readiness.storeConnected = storeConn
	readiness.storeOptional = storeOpt
}

func seedWorld(simID string) (*world.WorldState, error) {
	ws := world.NewWorldState(simID)
	ws.Entities["A"] = &world.Entity{ID: "A", Kind: world.KindActor, Status: world.StatusActive,
		Position: &world.Point{X: 0, Y: 0}, Priority: 2}
	ws.Entities["B"] = &world.Entity{ID: "B", Kind: world.KindActor, Status: world.StatusActive,
		Position: &world.Point{X: 0.05, Y: 0}, Priority: 1}
	ws.Entities["Truck_01"] = &world.Entity{ID: "Truck_01", Kind: world.KindAsset, Status: world.StatusActive,
		Position: &world.Point{X: 0.02, Y: 0.02}}
	return ws, nil
}

// withController installs a controller over an in-memory store for the
// duration of the test.
func withController(t *testing.T, script []intent.ScriptedIntent) *orchestrator.Controller {
	t.Helper()
	engine, err := feasibility.NewDefaultEngine(world.Planar{}, feasibility.Limits{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	collector := intent.NewCollector(intent.NewScriptedProvider(script), intent.WithTimeout(time.Second))
	s := orchestrator.NewScheduler(world.NewMemStore(), archon.New(engine), collector, orchestrator.WithTick(time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	c := orchestrator.NewController(ctx, s, seedWorld)
	SetController(c)
	t.Cleanup(func() {
		SetController(nil)
		_ = s.Stop()
		cancel()
		s.Close()
	})
	return c
}

func doJSON(t *testing.T, mux http.Handler, method, path, body string) (*httptest.ResponseRecorder, orchestrator.Response) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	var resp orchestrator.Response
	if strings.HasPrefix(path, "/control/") && w.Code != http.StatusMethodNotAllowed && w.Code != http.StatusBadRequest {
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("%s %s: decode response: %v (%s)", method, path, err, w.Body.String())
		}
	}
	return w, resp
}

func TestHealthEndpoint(t *testing.T) {
	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	healthHandler(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	var resp HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "ok" || resp.Service != "universalis" {
		t.Errorf("unexpected health response %+v", resp)
	}
}

func TestReadyEndpoint(t *testing.T) {
	tests := []struct {
		name       string
		orch       bool
		mqttConn   bool
		mqttOpt    bool
		storeConn  bool
		storeOpt   bool
		wantCode   int
		wantChecks map[string]string
	}{
		{
			name: "all ready", orch: true, mqttConn: true, storeConn: true,
			wantCode:   http.StatusOK,
			wantChecks: map[string]string{"orchestrator": "ok", "mqtt": "ok", "store": "ok"},
		},
		{
			name: "orchestrator not ready", mqttConn: true, storeConn: true,
			wantCode:   http.StatusServiceUnavailable,
			wantChecks: map[string]string{"orchestrator": "not_ready"},
		},
		{
			name: "optional mqtt unavailable", orch: true, mqttOpt: true, storeConn: true,
			wantCode:   http.StatusOK,
			wantChecks: map[string]string{"mqtt": "unavailable"},
		},
		{
			name: "required mqtt down", orch: true, storeConn: true,
			wantCode:   http.StatusServiceUnavailable,
			wantChecks: map[string]string{"mqtt": "not_ready"},
		},
		{
			name: "store unavailable", orch: true, mqttConn: true,
			wantCode:   http.StatusServiceUnavailable,
			wantChecks: map[string]string{"store": "not_ready"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setReadiness(tt.orch, tt.mqttConn, tt.mqttOpt, tt.storeConn, tt.storeOpt)

			w := httptest.NewRecorder()
			readyHandler(w, httptest.NewRequest("GET", "/ready", nil))

			if w.Code != tt.wantCode {
				t.Errorf("expected status %d, got %d", tt.wantCode, w.Code)
			}
			var resp ReadinessResponse
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if resp.Ready != (tt.wantCode == http.StatusOK) {
				t.Errorf("ready = %v", resp.Ready)
			}
			if !resp.Ready && resp.NotReadyMsg == "" {
				t.Error("expected non-empty message")
			}
			for name, status := range tt.wantChecks {
				if resp.Checks[name].Status != status {
					t.Errorf("%s: expected %q, got %q", name, status, resp.Checks[name].Status)
				}
			}
			if resp.Checks["store"].Driver != "sqlite" {
				t.Errorf("store driver = %q", resp.Checks["store"].Driver)
			}
		})
	}
}

func TestControlEndpoints_NotReady(t *testing.T) {
	resetAuth()
	SetController(nil)

	w, _ := doJSON(t, NewMux(), "POST", "/control/step", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 without a controller, got %d", w.Code)
	}
}

func TestControlEndpoints_Lifecycle(t *testing.T) {
	resetAuth()
	payload := map[string]interface{}{"kind": "claim", "target": "Truck_01"}
	withController(t, []intent.ScriptedIntent{
		{Cycle: 0, AgentID: "A", Text: "take the truck", Payload: payload},
		{Cycle: 0, AgentID: "B", Text: "take the truck", Payload: payload},
	})
	mux := NewMux()

	// Step before start is rejected.
	w, resp := doJSON(t, mux, "POST", "/control/step", "")
	if w.Code != http.StatusConflict || resp.Status != orchestrator.StatusRejected {
		t.Fatalf("expected rejection before start, got %d %+v", w.Code, resp)
	}

	w, resp = doJSON(t, mux, "POST", "/control/start", `{"simulation_id":"Alpha"}`)
	if w.Code != http.StatusOK || resp.State != orchestrator.StateIdle || resp.SimulationID != "Alpha" {
		t.Fatalf("start: %d %+v", w.Code, resp)
	}

	w, resp = doJSON(t, mux, "POST", "/control/step", "")
	if w.Code != http.StatusOK || resp.Status != orchestrator.StatusAdjudicated || resp.Cycle != 1 {
		t.Fatalf("step: %d %+v", w.Code, resp)
	}
	if resp.Result == nil || len(resp.Result.Applied) != 1 || resp.Result.Applied[0].AgentID != "A" {
		t.Errorf("unexpected step result %+v", resp.Result)
	}

	w, resp = doJSON(t, mux, "GET", "/control/rationale", "")
	if w.Code != http.StatusOK || resp.Result == nil || resp.Result.Rationale == "" {
		t.Errorf("rationale: %d %+v", w.Code, resp)
	}

	w, resp = doJSON(t, mux, "GET", "/control/state", "")
	if w.Code != http.StatusOK || resp.State != orchestrator.StatePaused || resp.Cycle != 1 {
		t.Errorf("state: %d %+v", w.Code, resp)
	}

	req := httptest.NewRequest("GET", "/world", nil)
	ww := httptest.NewRecorder()
	mux.ServeHTTP(ww, req)
	var ws world.WorldState
	if err := json.Unmarshal(ww.Body.Bytes(), &ws); err != nil {
		t.Fatalf("decode world: %v", err)
	}
	if ws.Cycle != 1 || ws.Entity("Truck_01").Owner() != "A" {
		t.Errorf("unexpected world cycle %d owner %q", ws.Cycle, ws.Entity("Truck_01").Owner())
	}

	w, resp = doJSON(t, mux, "POST", "/control/stop", "")
	if w.Code != http.StatusOK || resp.State != orchestrator.StateStopped {
		t.Errorf("stop: %d %+v", w.Code, resp)
	}
}

func TestControlEndpoints_RunAndPause(t *testing.T) {
	resetAuth()
	c := withController(t, nil)
	mux := NewMux()

	if _, resp := doJSON(t, mux, "POST", "/control/start", `{"simulation_id":"Alpha"}`); resp.Error != "" {
		t.Fatalf("start: %+v", resp)
	}

	w, resp := doJSON(t, mux, "POST", "/control/run", `{"cycles":3}`)
	if w.Code != http.StatusOK {
		t.Fatalf("run: %d %+v", w.Code, resp)
	}
	if err := c.Scheduler().Wait(); err != nil {
		t.Fatalf("background run: %v", err)
	}
	if c.Scheduler().Cycle() != 3 || c.Scheduler().State() != orchestrator.StatePaused {
		t.Errorf("after run: cycle %d state %s", c.Scheduler().Cycle(), c.Scheduler().State())
	}

	// Resume runs until paused.
	if w, resp := doJSON(t, mux, "POST", "/control/resume", ""); w.Code != http.StatusOK {
		t.Fatalf("resume: %d %+v", w.Code, resp)
	}
	if w, resp := doJSON(t, mux, "POST", "/control/pause", ""); w.Code != http.StatusOK || resp.Status != orchestrator.StatusPaused {
		t.Fatalf("pause: %d %+v", w.Code, resp)
	}
	if err := c.Scheduler().Wait(); err != nil {
		t.Fatalf("background run: %v", err)
	}
	if c.Scheduler().State() != orchestrator.StatePaused {
		t.Errorf("expected PAUSED, got %s", c.Scheduler().State())
	}

	w, _ = doJSON(t, mux, "POST", "/control/run", `{"cycles":-1}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("negative cycles: expected 400, got %d", w.Code)
	}
	w, _ = doJSON(t, mux, "POST", "/control/run", `{not json`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad JSON: expected 400, got %d", w.Code)
	}
	w, _ = doJSON(t, mux, "GET", "/control/step", "")
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET step: expected 405, got %d", w.Code)
	}
}

func TestControlStart_DefaultSimulationID(t *testing.T) {
	resetAuth()
	withController(t, nil)
	SetSimulationID("Configured")
	defer SetSimulationID("")

	_, resp := doJSON(t, NewMux(), "POST", "/control/start", "")
	if resp.SimulationID != "Configured" {
		t.Errorf("expected configured simulation id, got %+v", resp)
	}
}

func TestControlEndpoints_RequireAdminForStart(t *testing.T) {
	auth = testAuthConfig()
	defer resetAuth()
	withController(t, nil)

	req := httptest.NewRequest("POST", "/control/start", strings.NewReader(`{"simulation_id":"Alpha"}`))
	req.SetBasicAuth("operator", "opsecret")
	w := httptest.NewRecorder()
	NewMux().ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 for operator start, got %d", w.Code)
	}
}

type fakeQuerier struct {
	stored []events.StoredEvent
	err    error
	limit  int
}

func (q *fakeQuerier) Query(limit int) ([]events.StoredEvent, error) {
	q.limit = limit
	return q.stored, q.err
}

func TestEventsEndpoint_Store(t *testing.T) {
	resetAuth()
	mux := NewMux()

	SetEventQuerier(nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest("GET", "/events?source=store", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 without a store, got %d", w.Code)
	}

	q := &fakeQuerier{stored: []events.StoredEvent{{EventID: 7, Event: "cycle.committed", SimulationID: "Alpha"}}}
	SetEventQuerier(q)
	defer SetEventQuerier(nil)

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest("GET", "/events?source=store&limit=5", nil))
	if w.Code != http.StatusOK || q.limit != 5 {
		t.Fatalf("expected 200 with limit 5, got %d limit %d", w.Code, q.limit)
	}
	var got []events.StoredEvent
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].EventID != 7 {
		t.Errorf("unexpected events %+v", got)
	}

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest("GET", "/events?source=store&limit=zero", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a bad limit, got %d", w.Code)
	}

	q.err = errors.New("connection refused")
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest("GET", "/events?source=store", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 on store failure, got %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	resetAuth()
	InitMetrics()
	SetAgentsConnected(func() int { return 2 })
	defer SetAgentsConnected(nil)
	withController(t, nil)

	w := httptest.NewRecorder()
	metricsHandler(w, httptest.NewRequest("GET", "/metrics", nil))
	body := w.Body.String()

	for _, want := range []string{
		"universalis_uptime_seconds{",
		"universalis_cycle{",
		`state="IDLE"} 1`,
		"universalis_agents_connected{",
		"} 2\n",
		"universalis_archive_last_success_timestamp{",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q:\n%s", want, body)
		}
	}

	w = httptest.NewRecorder()
	metricsHandler(w, httptest.NewRequest("POST", "/metrics", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", w.Code)
	}
}

func TestSetReadinessState(t *testing.T) {

	SetOrchestratorReady(true)
	readiness.mu.RLock()
	if !readiness.orchestratorReady {
		t.Error("SetOrchestratorReady(true) didn't set state")
	}
	readiness.mu.RUnlock()

	SetMQTTState(false, true)
	readiness.mu.RLock()
	if readiness.mqttConnected || !readiness.mqttOptional {
		t.Error("SetMQTTState(false, true) didn't set state correctly")
	}
	readiness.mu.RUnlock()

	SetStoreState("postgres", true, false)
	readiness.mu.RLock()
	if readiness.storeDriver != "postgres" || !readiness.storeConnected || readiness.storeOptional {
		t.Error("SetStoreState didn't set state correctly")
	}
	readiness.mu.RUnlock()
}
