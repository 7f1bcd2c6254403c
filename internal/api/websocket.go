package api

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/AaronLay10/Universalis/internal/events"
)

const (
	defaultBacklog = 50
	maxBacklog     = 500

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Basic auth on /ws/events guards access; origins are not checked.
	CheckOrigin: func(r *http.Request) bool { return true },
}

var wsClients atomic.Int64

func wsClientCount() int64 { return wsClients.Load() }

// prefixesFrom parses ?prefix=cycle.,agent. into subscription prefixes.
func prefixesFrom(r *http.Request) []string {
	var out []string
	for _, v := range r.URL.Query()["prefix"] {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// backlogFrom parses ?backlog=N, clamped to [0, maxBacklog].
func backlogFrom(r *http.Request) int {
	v := r.URL.Query().Get("backlog")
	if v == "" {
		return defaultBacklog
	}
	n, err := strconv.Atoi(v)
	switch {
	case err != nil:
		return defaultBacklog
	case n < 0:
		return 0
	case n > maxBacklog:
		return maxBacklog
	}
	return n
}

func wanted(name string, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// wsClient is one event stream connection.
type wsClient struct {
	conn     *websocket.Conn
	sub      events.Subscriber
	prefixes []string
	once     sync.Once
}

func (c *wsClient) send(e events.Event) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(e)
}

func (c *wsClient) close() {
	c.once.Do(func() {
		events.Unsubscribe(c.sub)
		c.conn.Close()
		wsClients.Add(-1)
	})
}

// readPump consumes control frames until the peer goes away, then closes
// gone.
func (c *wsClient) readPump(gone chan<- struct{}) {
	defer close(gone)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump forwards subscribed events and keeps the connection alive
// with pings.
func (c *wsClient) writePump(gone <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-gone:
			return
		case e, ok := <-c.sub:
			if !ok {
				return
			}
			if err := c.send(e); err != nil {
				logger.Debug("ws write event failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// wsEventsHandler streams events to a WebSocket client, starting with the
// recent backlog (?backlog=N, default 50). ?prefix= narrows the stream to
// matching event names.
func wsEventsHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("ws upgrade failed", zap.Error(err))
		return
	}
	wsClients.Add(1)

	prefixes := prefixesFrom(r)
	c := &wsClient{conn: conn, sub: events.Subscribe(prefixes...), prefixes: prefixes}
	defer c.close()

	if n := backlogFrom(r); n > 0 {
		for _, e := range events.RecentEvents(n) {
			if !wanted(e.Name, prefixes) {
				continue
			}
			if err := c.send(e); err != nil {
				logger.Debug("ws write backlog failed", zap.Error(err))
				return
			}
		}
	}

	gone := make(chan struct{})
	go c.readPump(gone)
	c.writePump(gone)
}
