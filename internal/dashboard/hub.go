package dashboard

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/webtrap/webtrap/internal/bus"
	"github.com/webtrap/webtrap/internal/store"
)

const (
	writeWait     = 10 * time.Second
	pingPeriod    = 30 * time.Second
	clientSendBuf = 64
	liveGroup     = "webtrap-dashboard"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The dashboard is same-origin; cross-origin sockets are rejected by
	// the default CheckOrigin.
}

// LiveMessage is one frame pushed to connected dashboards.
type LiveMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// liveEvent is the normalized projection pushed for each captured event.
// The push payload carries only what the live view renders; the full
// record (headers, cookies, body preview) stays queryable by id.
type liveEvent struct {
	ID         string            `json:"id"`
	Timestamp  string            `json:"timestamp"`
	ClientIP   string            `json:"client_ip"`
	Country    string            `json:"country"`
	City       string            `json:"city"`
	AttackType string            `json:"attack_type"`
	Endpoint   string            `json:"endpoint"`
	UserAgent  string            `json:"user_agent"`
	FormData   map[string]string `json:"form_data,omitempty"`
	Latitude   float64           `json:"latitude"`
	Longitude  float64           `json:"longitude"`
}

func projectEvent(ev store.Event) liveEvent {
	var form map[string]string
	if len(ev.FormData) > 0 {
		form = make(map[string]string, 2)
		for _, k := range []string{"username", "password"} {
			if v, ok := ev.FormData[k]; ok {
				form[k] = v
			}
		}
	}
	return liveEvent{
		ID:         ev.ID,
		Timestamp:  ev.Timestamp,
		ClientIP:   ev.ClientIP,
		Country:    ev.Country,
		City:       ev.City,
		AttackType: ev.AttackType,
		Endpoint:   ev.Endpoint,
		UserAgent:  ev.UserAgent,
		FormData:   form,
		Latitude:   ev.Latitude,
		Longitude:  ev.Longitude,
	}
}

// Hub fans bus traffic out to connected websocket clients. Slow clients are
// disconnected rather than allowed to apply backpressure to the feed.
type Hub struct {
	bus    bus.Bus
	logger *log.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan LiveMessage
}

// NewHub creates a hub over the given bus.
func NewHub(b bus.Bus, logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.New(os.Stderr, "[live] ", log.LstdFlags)
	}
	return &Hub{
		bus:     b,
		logger:  logger,
		clients: make(map[*client]struct{}),
	}
}

// Run consumes both bus streams and broadcasts until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	if h.bus == nil {
		return
	}
	go func() {
		err := h.bus.ReadEventsStream(ctx, liveGroup, "dashboard-events", func(ctx context.Context, event bus.EventMessage) error {
			var ev store.Event
			if err := json.Unmarshal([]byte(event.RawJSON), &ev); err != nil {
				h.logger.Printf("Skipping malformed event %s: %v", event.EventID, err)
				return nil
			}
			data, err := json.Marshal(projectEvent(ev))
			if err != nil {
				return err
			}
			h.broadcast(LiveMessage{Type: "event", Data: data})
			return nil
		})
		if err != nil && ctx.Err() == nil {
			h.logger.Printf("events stream reader stopped: %v", err)
		}
	}()
	go func() {
		err := h.bus.ReadEnrichmentsStream(ctx, liveGroup, "dashboard-enrichments", func(ctx context.Context, enr bus.EnrichmentMessage) error {
			data, err := json.Marshal(enr)
			if err != nil {
				return err
			}
			h.broadcast(LiveMessage{Type: "enrichment", Data: data})
			return nil
		})
		if err != nil && ctx.Err() == nil {
			h.logger.Printf("enrichments stream reader stopped: %v", err)
		}
	}()
}

// ClientCount reports the number of connected dashboards.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// broadcast sends msg to every client, dropping those whose buffers are
// full.
func (h *Hub) broadcast(msg LiveMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.logger.Printf("Dropping slow websocket client")
			delete(h.clients, c)
			close(c.send)
		}
	}
}

// ServeWS upgrades the connection and attaches it to the hub.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("Websocket upgrade failed: %v", err)
		return
	}

	c := &client{
		conn: conn,
		send: make(chan LiveMessage, clientSendBuf),
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writePump(c)
	go h.readPump(c)
}

// writePump pushes frames and pings to one client.
func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				h.remove(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		}
	}
}

// readPump drains inbound frames so pongs and closes are processed.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}
