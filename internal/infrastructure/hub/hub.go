package hub

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"tickrelay/internal/application/port"
	"tickrelay/internal/infrastructure/subscription"
)

// Hub fans normalized ticks out to locally-connected websocket clients.
// Each client is one downstream party in the subscription registry and
// watches a single instrument at a time.
type Hub struct {
	subs     *subscription.Registry
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	byToken map[string]map[*Client]struct{}
	clients map[*Client]string // client -> held token ("" = none)
}

func New(subs *subscription.Registry) *Hub {
	return &Hub{
		subs: subs,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		byToken: make(map[string]map[*Client]struct{}),
		clients: make(map[*Client]string),
	}
}

// Client is one connected downstream websocket party.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

type clientRequest struct {
	Action string `json:"action"`
	Token  string `json:"token"`
}

type clientAck struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// ServeWS upgrades the request and runs the client pumps.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &Client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, 256),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	h.clients[c] = ""
	h.mu.Unlock()

	go c.writePump()
	h.readPump(c)
}

func (h *Hub) readPump(c *Client) {
	defer h.unregister(c)

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var req clientRequest
		if err := json.Unmarshal(msg, &req); err != nil {
			c.sendJSON(clientAck{Status: "error", Message: "bad request"})
			continue
		}
		switch req.Action {
		case "subscribe":
			h.subscribe(c, req.Token)
		case "unsubscribe":
			h.unsubscribe(c, req.Token)
		default:
			c.sendJSON(clientAck{Status: "error", Message: "unknown action: " + req.Action})
		}
	}
}

func (h *Hub) subscribe(c *Client, token string) {
	if token == "" {
		c.sendJSON(clientAck{Status: "error", Message: "token required"})
		return
	}

	h.mu.Lock()
	prev := h.clients[c]
	if prev == token {
		h.mu.Unlock()
		return
	}
	if prev != "" {
		h.detachLocked(c, prev)
	}
	h.clients[c] = token
	if h.byToken[token] == nil {
		h.byToken[token] = make(map[*Client]struct{})
	}
	h.byToken[token][c] = struct{}{}
	h.mu.Unlock()

	// The registry applies the same one-instrument-per-party policy and
	// drives the upstream reference counting.
	h.subs.Subscribe(c.id, token)
	c.sendJSON(clientAck{Status: "ok", Message: "subscribed to " + token})
}

func (h *Hub) unsubscribe(c *Client, token string) {
	h.mu.Lock()
	if h.clients[c] != token {
		h.mu.Unlock()
		c.sendJSON(clientAck{Status: "error", Message: "not subscribed to " + token})
		return
	}
	h.detachLocked(c, token)
	h.clients[c] = ""
	h.mu.Unlock()

	h.subs.Unsubscribe(c.id, token)
	c.sendJSON(clientAck{Status: "ok", Message: "unsubscribed from " + token})
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if token := h.clients[c]; token != "" {
		h.detachLocked(c, token)
	}
	delete(h.clients, c)
	h.mu.Unlock()

	h.subs.DropParty(c.id)
	c.close()
}

func (h *Hub) detachLocked(c *Client, token string) {
	if set := h.byToken[token]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(h.byToken, token)
		}
	}
}

// Publish delivers rec to every client watching its instrument without
// blocking: a client whose send buffer is full misses the tick.
func (h *Hub) Publish(rec *port.TickRecord) {
	b, err := json.Marshal(rec)
	if err != nil {
		return
	}

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.byToken[rec.Token]))
	for c := range h.byToken[rec.Token] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		select {
		case c.send <- b:
		default:
			log.Debug().Str("token", rec.Token).Msg("client send buffer full, tick skipped")
		}
	}
}

// ClientCount returns the number of connected downstream parties.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (c *Client) writePump() {
	defer c.close()
	for {
		select {
		case <-c.done:
			return
		case b := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		}
	}
}

func (c *Client) sendJSON(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.send <- b:
	default:
	}
}

func (c *Client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

var _ port.Publisher = (*Hub)(nil)
