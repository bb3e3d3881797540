package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/IronMaple/battery-agent/internal/battery"
	"github.com/IronMaple/battery-agent/internal/core"
	"github.com/IronMaple/battery-agent/internal/logging"
	"github.com/IronMaple/battery-agent/internal/tag"
	"github.com/gorilla/websocket"
)

const (
	wsReadLimit    = 64 * 1024
	wsPongWait     = 60 * time.Second
	wsPingInterval = 54 * time.Second
	wsWriteWait    = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // local use only
	},
}

// WSMessage represents a WebSocket message
type WSMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
	// Raw is the unparseable tag text on read failures.
	Raw string `json:"raw,omitempty"`
}

// WSClient is one connected WebSocket peer.
type WSClient struct {
	conn   *websocket.Conn
	send   chan []byte
	hub    *WSHub
	server *Server
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

func newWSClient(hub *WSHub, server *Server, conn *websocket.Conn) *WSClient {
	ctx, cancel := context.WithCancel(context.Background())
	return &WSClient{
		conn:   conn,
		send:   make(chan []byte, 256),
		hub:    hub,
		server: server,
		ctx:    ctx,
		cancel: cancel,
	}
}

// enqueue queues b unless the client is gone or too slow.
func (c *WSClient) enqueue(b []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

func (c *WSClient) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.cancel()
}

type wsBroadcast struct {
	msg    []byte
	except *WSClient
}

// WSHub manages all WebSocket connections
type WSHub struct {
	clients    map[*WSClient]bool
	broadcast  chan wsBroadcast
	register   chan *WSClient
	unregister chan *WSClient
	done       chan struct{}
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*WSClient]bool),
		broadcast:  make(chan wsBroadcast, 16),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		done:       make(chan struct{}),
	}
}

// Run dispatches registrations and broadcasts until ctx is done.
func (h *WSHub) Run(ctx context.Context) {
	defer logging.RecoverAndLog("WebSocket hub", true)
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				client.closeSend()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.closeSend()
			}
			h.mu.Unlock()
		case b := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if client == b.except {
					continue
				}
				if !client.enqueue(b.msg) {
					client.closeSend()
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// ClientCount returns the number of registered clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// BroadcastTag sends a "tag" event with snap to every client except one.
// It never blocks; events are dropped when the hub is backed up.
func (h *WSHub) BroadcastTag(snap tag.Snapshot, except *WSClient) {
	payload, err := json.Marshal(snap)
	if err != nil {
		return
	}
	msg, _ := json.Marshal(WSMessage{Type: "tag", Payload: payload})
	select {
	case h.broadcast <- wsBroadcast{msg: msg, except: except}:
	default:
		logging.Warn(logging.CatWebSocket, "Broadcast dropped", nil)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error(logging.CatWebSocket, "WebSocket upgrade failed", map[string]any{
			"error":      err.Error(),
			"remoteAddr": r.RemoteAddr,
		})
		return
	}

	logging.Info(logging.CatWebSocket, "Client connected", map[string]any{
		"remoteAddr": r.RemoteAddr,
	})

	client := newWSClient(s.hub, s, conn)
	select {
	case s.hub.register <- client:
	case <-s.hub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *WSClient) readPump() {
	// runs last
	defer logging.RecoverAndLog("WebSocket readPump", false)
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.cancel()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(wsReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn(logging.CatWebSocket, "WebSocket unexpected close", map[string]any{
					"error": err.Error(),
				})
			} else {
				logging.Debug(logging.CatWebSocket, "Client disconnected", nil)
			}
			return
		}

		var msg WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.sendError("", "invalid message format")
			continue
		}
		c.handleMessage(msg)
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(wsPingInterval)
	defer logging.RecoverAndLog("WebSocket writePump", false)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

func (c *WSClient) handleMessage(msg WSMessage) {
	logging.Debug(logging.CatWebSocket, "Received message", map[string]any{
		"type": msg.Type,
		"id":   msg.ID,
	})

	agent := c.server.agent
	switch msg.Type {
	case "list_readers":
		readers, err := core.ListReaders(c.server.readers)
		if err != nil {
			readers = []core.Reader{}
		}
		c.sendResponse(msg.ID, "readers", readers)
	case "version":
		c.sendResponse(msg.ID, "version", versionInfo())
	case "health":
		c.sendResponse(msg.ID, "health", c.server.healthInfo())
	case "read_tag":
		c.runAction(msg.ID, agent.Read)
	case "add_usage":
		req := UsageRequest{Device: battery.DeviceRobot}
		if !c.decode(msg, &req) {
			return
		}
		c.runAction(msg.ID, func(ctx context.Context) (tag.Snapshot, error) {
			return agent.AddUsage(ctx, req.Device, req.E, req.V)
		})
	case "charge":
		c.runAction(msg.ID, agent.Charge)
	case "set_status":
		var req StatusRequest
		if !c.decode(msg, &req) {
			return
		}
		if req.N == nil {
			c.sendError(msg.ID, "payload must be {\"n\": 0..3}")
			return
		}
		c.runAction(msg.ID, func(ctx context.Context) (tag.Snapshot, error) {
			return agent.SetStatus(ctx, *req.N)
		})
	case "init_tag":
		var req InitRequest
		if !c.decode(msg, &req) {
			return
		}
		sn := strings.TrimSpace(req.SN)
		if sn == "" {
			c.sendError(msg.ID, "payload must be {\"sn\": \"...\"}")
			return
		}
		c.runAction(msg.ID, func(ctx context.Context) (tag.Snapshot, error) {
			return agent.InitNew(ctx, sn)
		})
	case "write_document":
		doc, err := battery.Parse(msg.Payload)
		if err != nil {
			c.sendError(msg.ID, err.Error())
			return
		}
		c.runAction(msg.ID, func(ctx context.Context) (tag.Snapshot, error) {
			return agent.Write(ctx, doc)
		})
	default:
		logging.Warn(logging.CatWebSocket, "Unknown message type", map[string]any{
			"type": msg.Type,
		})
		c.sendError(msg.ID, "unknown message type: "+msg.Type)
	}
}

func (c *WSClient) decode(msg WSMessage, v any) bool {
	if len(msg.Payload) == 0 {
		return true
	}
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		c.sendError(msg.ID, "invalid payload")
		return false
	}
	return true
}

// runAction runs a tag action off the read loop. The result goes to this
// client and successful snapshots are also broadcast to the others.
func (c *WSClient) runAction(id string, fn func(context.Context) (tag.Snapshot, error)) {
	results := c.server.agent.Go(c.ctx, fn)
	go func() {
		res := <-results
		if res.Err != nil {
			_, body := errorResponse(res.Err)
			c.sendMessage(WSMessage{Type: "error", ID: id, Error: body.Error, Raw: body.Raw})
			return
		}
		c.sendResponse(id, "tag", res.Snapshot)
		c.hub.BroadcastTag(res.Snapshot, c)
	}()
}

func (c *WSClient) sendMessage(msg WSMessage) {
	b, _ := json.Marshal(msg)
	if !c.enqueue(b) {
		logging.Debug(logging.CatWebSocket, "Response dropped", map[string]any{
			"type": msg.Type,
			"id":   msg.ID,
		})
	}
}

func (c *WSClient) sendResponse(id string, msgType string, payload interface{}) {
	payloadBytes, _ := json.Marshal(payload)
	c.sendMessage(WSMessage{Type: msgType, ID: id, Payload: payloadBytes})
}

func (c *WSClient) sendError(id string, errMsg string) {
	c.sendMessage(WSMessage{Type: "error", ID: id, Error: errMsg})
}
