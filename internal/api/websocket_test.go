package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AaronLay10/Universalis/internal/events"
)

// dialEvents starts a stream server and connects one client to it.
func dialEvents(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	SetTLSConfigForTest(nil)
	srv := httptest.NewServer(http.HandlerFunc(wsEventsHandler))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) events.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var e events.Event
	require.NoError(t, conn.ReadJSON(&e))
	return e
}

// emitLater emits after the handler has had time to subscribe.
func emitLater(name string, fields map[string]interface{}) {
	go func() {
		time.Sleep(50 * time.Millisecond)
		events.Emit("info", name, "", fields)
	}()
}

func TestWebSocketSendsBacklog(t *testing.T) {
	events.Clear()
	for i := 0; i < 5; i++ {
		events.Emit("info", "cycle.committed", "", map[string]interface{}{"cycle": i})
	}

	conn := dialEvents(t, "")
	for i := 0; i < 5; i++ {
		e := readEvent(t, conn)
		assert.Equal(t, "cycle.committed", e.Name)
		assert.EqualValues(t, i, e.Fields["cycle"])
	}
}

func TestWebSocketBacklogParam(t *testing.T) {
	events.Clear()
	events.Emit("info", "cycle.committed", "", map[string]interface{}{"cycle": 1})
	events.Emit("info", "cycle.committed", "", map[string]interface{}{"cycle": 2})

	conn := dialEvents(t, "?backlog=1")
	assert.EqualValues(t, 2, readEvent(t, conn).Fields["cycle"], "only the newest backlog event")

	conn = dialEvents(t, "?backlog=0")
	emitLater("agent.connected", map[string]interface{}{"agent_id": "A"})
	assert.Equal(t, "agent.connected", readEvent(t, conn).Name, "no backlog before live events")
}

func TestWebSocketReceivesLiveEvents(t *testing.T) {
	events.Clear()
	conn := dialEvents(t, "")

	emitLater("agent.connected", map[string]interface{}{"agent_id": "A"})
	e := readEvent(t, conn)
	assert.Equal(t, "agent.connected", e.Name)
	assert.Equal(t, "A", e.Fields["agent_id"])
}

func TestWebSocketDisconnectCleansUp(t *testing.T) {
	events.Clear()
	conn := dialEvents(t, "")

	emitLater("scheduler.started", map[string]interface{}{"simulation_id": "cleanup"})
	require.Equal(t, "scheduler.started", readEvent(t, conn).Name)
	require.Equal(t, int64(1), wsClientCount())

	conn.Close()
	require.Eventually(t, func() bool {
		// A write after the peer left also ends the stream.
		events.Emit("info", "scheduler.paused", "", nil)
		return wsClientCount() == 0
	}, 5*time.Second, 50*time.Millisecond)
}

func TestWebSocketMultipleClients(t *testing.T) {
	events.Clear()
	first := dialEvents(t, "")
	second := dialEvents(t, "")

	emitLater("cycle.started", map[string]interface{}{"cycle": 1})
	assert.Equal(t, "cycle.started", readEvent(t, first).Name)
	assert.Equal(t, "cycle.started", readEvent(t, second).Name)
}

func TestWebSocketPrefixFilter(t *testing.T) {
	events.Clear()
	events.Emit("info", "memory.written", "", nil)
	events.Emit("info", "agent.connected", "", map[string]interface{}{"agent_id": "backlog"})

	conn := dialEvents(t, "?prefix=agent.,cycle.committed")
	go func() {
		time.Sleep(50 * time.Millisecond)
		events.Emit("info", "memory.pruned", "", nil)
		events.Emit("info", "cycle.committed", "", map[string]interface{}{"cycle": 9})
	}()

	assert.Equal(t, "agent.connected", readEvent(t, conn).Name)
	assert.Equal(t, "cycle.committed", readEvent(t, conn).Name)
}

func TestPrefixesFrom(t *testing.T) {
	req := httptest.NewRequest("GET", "/ws/events?prefix=cycle.,%20agent.&prefix=memory.", nil)
	got := prefixesFrom(req)
	assert.Equal(t, []string{"cycle.", "agent.", "memory."}, got)
	assert.True(t, wanted("cycle.committed", got))
	assert.False(t, wanted("scheduler.paused", got))
	assert.True(t, wanted("anything", nil), "no prefixes match everything")
}

func TestBacklogFrom(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", defaultBacklog},
		{"?backlog=10", 10},
		{"?backlog=-3", 0},
		{"?backlog=100000", maxBacklog},
		{"?backlog=lots", defaultBacklog},
	}
	for _, tt := range tests {
		req := httptest.NewRequest("GET", "/ws/events"+tt.query, nil)
		assert.Equal(t, tt.want, backlogFrom(req), tt.query)
	}
}
