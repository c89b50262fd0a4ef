package web

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cjeanneret/DomeGo/internal/debug"
)

const wsWriteTimeout = 2 * time.Second

// TelemetryHub pushes status snapshots to websocket clients. Connections are
// owned by the run goroutine.
type TelemetryHub struct {
	upgrader   websocket.Upgrader
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
}

func NewTelemetryHub() *TelemetryHub {
	return &TelemetryHub{
		upgrader: websocket.Upgrader{
			// dashboards are served from other hosts on the observatory LAN
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 8),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

// Run serves the hub until ctx is done, then closes every connection.
func (h *TelemetryHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				c.Close()
			}
			return

		case c := <-h.register:
			h.clients[c] = true
			debug.Verbose("Telemetry client connected (%d)", len(h.clients))

		case c := <-h.unregister:
			if h.clients[c] {
				delete(h.clients, c)
				c.Close()
				debug.Verbose("Telemetry client disconnected (%d)", len(h.clients))
			}

		case msg := <-h.broadcast:
			for c := range h.clients {
				c.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
					delete(h.clients, c)
					c.Close()
				}
			}
		}
	}
}

// Send queues v for every client. It never blocks: under backpressure the
// frame is dropped, the next snapshot replaces it anyway.
func (h *TelemetryHub) Send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
	}
}

// HandleWebSocket upgrades GET /ws. Client frames are read and discarded
// only to notice the disconnect.
func (h *TelemetryHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		debug.Verbose("websocket upgrade: %v", err)
		return
	}
	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
			return
		}
	}
}
