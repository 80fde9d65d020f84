package apihttp

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"feedstream/internal/domain"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = (wsPongWait * 9) / 10
	wsMaxMessageSize = 512
	wsSendBuffer     = 256
)

// stateEnvelope is the wire frame pushed to presentation clients.
type stateEnvelope struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
	At   time.Time   `json:"at"`
}

type wsClient struct {
	hub  *wsHub
	conn *websocket.Conn
	send chan []byte
}

// wsHub fans player-state snapshots out to connected presentation clients.
// It keeps the most recent full snapshot so a client that connects mid-scroll
// renders current state immediately instead of waiting for the next change.
type wsHub struct {
	clients    map[*wsClient]struct{}
	broadcast  chan []byte
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
	logger     *slog.Logger

	// owned by run()
	lastSnapshot []byte
}

func newWSHub(logger *slog.Logger) *wsHub {
	return &wsHub{
		clients:    make(map[*wsClient]struct{}),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

func (h *wsHub) run() {
	for {
		select {
		case <-h.done:
			deadline := time.Now().Add(2 * time.Second)
			for client := range h.clients {
				_ = client.conn.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					deadline,
				)
				h.drop(client)
			}
			h.logger.Debug("state hub stopped")
			return
		case client := <-h.register:
			h.clients[client] = struct{}{}
			if h.lastSnapshot != nil {
				// Late joiners get the current snapshot right away.
				select {
				case client.send <- h.lastSnapshot:
				default:
				}
			}
			h.logger.Debug("state client connected", slog.Int("clients", len(h.clients)))
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				h.drop(client)
				h.logger.Debug("state client disconnected", slog.Int("clients", len(h.clients)))
			}
		case frame := <-h.broadcast:
			h.lastSnapshot = frame
			for client := range h.clients {
				select {
				case client.send <- frame:
				default:
					// Slow consumer; drop it rather than block the hub.
					h.drop(client)
				}
			}
		}
	}
}

func (h *wsHub) drop(client *wsClient) {
	delete(h.clients, client)
	close(client.send)
}

// Close stops the hub and disconnects every client.
func (h *wsHub) Close() {
	close(h.done)
}

// BroadcastStates queues a player-state snapshot for all connected clients.
// When the hub is backed up the frame is skipped; state frames are full
// snapshots, so missing one is harmless.
func (h *wsHub) BroadcastStates(states []domain.PlayerState) {
	h.Broadcast("states", states)
}

func (h *wsHub) Broadcast(frameType string, data interface{}) {
	frame, err := json.Marshal(stateEnvelope{Type: frameType, Data: data, At: time.Now().UTC()})
	if err != nil {
		h.logger.Error("state frame marshal failed", slog.String("error", err.Error()))
		return
	}
	select {
	case h.broadcast <- frame:
	case <-h.done:
	default:
	}
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains the connection so control frames are processed. Clients
// never send application data; commands go over the REST surface.
func (c *wsClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(wsMaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
