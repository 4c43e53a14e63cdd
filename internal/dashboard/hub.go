// Package dashboard is the external dashboard collaborator named in
// spec §6 ("Exposed to dashboard collaborator"): a websocket hub that
// pushes queue sizes, credential usage, and live log lines to connected
// browser clients, grounded on the teacher's internal/websocket hub
// idiom (NewHub(stateGetter), Run, HandleWebSocket, BroadcastState).
package dashboard

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/Nya-Foundation/nyaproxy-go/internal/credential"
	"github.com/Nya-Foundation/nyaproxy-go/internal/obslog"
	"github.com/Nya-Foundation/nyaproxy-go/internal/queue"
)

// Message is the envelope every push to a connected client is wrapped
// in, discriminated by Type.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Snapshot is the full dashboard state pushed on connect and on every
// periodic tick (spec §6's "queue.get_all_queue_sizes" plus the
// supplemented per-credential usage stats).
type Snapshot struct {
	QueueSizes map[string]int                   `json:"queue_sizes"`
	KeyStats   map[string][]credential.KeyStats `json:"key_stats"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub fans snapshots and log lines out to every connected dashboard
// client. The zero value is not usable; construct with NewHub.
type Hub struct {
	queue       *queue.Manager
	credentials *credential.Manager
	upstreams   []string

	mu      sync.Mutex
	clients map[*client]bool

	broadcast  chan Message
	register   chan *client
	unregister chan *client
}

type client struct {
	conn *websocket.Conn
	send chan Message
}

// NewHub constructs a Hub reading state from qm/cm for the given
// upstream names.
func NewHub(qm *queue.Manager, cm *credential.Manager, upstreams []string) *Hub {
	return &Hub{
		queue:       qm,
		credentials: cm,
		upstreams:   upstreams,
		clients:     make(map[*client]bool),
		broadcast:   make(chan Message, 64),
		register:    make(chan *client),
		unregister:  make(chan *client),
	}
}

// Run drives the hub's registration/broadcast loop until stop is closed. It
// is meant to run on its own goroutine, coordinated by the caller's
// errgroup the way cmd/nyaproxy coordinates every long-running
// goroutine.
func (h *Hub) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
			}
			h.clients = make(map[*client]bool)
			h.mu.Unlock()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					log.Warn().Str("component", "dashboard").Msg("dropping message for slow client")
				}
			}
			h.mu.Unlock()
		}
	}
}

// RunTicker periodically broadcasts a fresh Snapshot until stop closes,
// the live-push half of spec §6's read-through interface.
func (h *Hub) RunTicker(stop <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			h.BroadcastSnapshot()
		}
	}
}

// BroadcastSnapshot pushes the current queue/credential state to every
// connected client.
func (h *Hub) BroadcastSnapshot() {
	h.broadcastMessage(Message{Type: "snapshot", Data: h.snapshot()})
}

// BroadcastLogLine pushes one log line to every connected client.
// cmd/nyaproxy does not call it: there, clients receive log lines only as
// the recent-lines seed sent by HandleWebSocket at connect.
func (h *Hub) BroadcastLogLine(line string) {
	h.broadcastMessage(Message{Type: "log", Data: line})
}

func (h *Hub) broadcastMessage(msg Message) {
	select {
	case h.broadcast <- msg:
	default:
		log.Warn().Str("component", "dashboard").Msg("broadcast channel full, dropping snapshot")
	}
}

func (h *Hub) snapshot() Snapshot {
	stats := make(map[string][]credential.KeyStats, len(h.upstreams))
	for _, name := range h.upstreams {
		stats[name] = h.credentials.GetKeyStats(name)
	}
	return Snapshot{
		QueueSizes: h.queue.GetAllQueueSizes(),
		KeyStats:   stats,
	}
}

// HandleWebSocket upgrades r and registers the connection as a client,
// seeding it with the current snapshot and the broadcaster's recent log
// lines before streaming further pushes.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Str("component", "dashboard").Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan Message, 32)}
	h.register <- c
	go h.writePump(c)

	c.send <- Message{Type: "snapshot", Data: h.snapshot()}
	for _, line := range obslog.Broadcaster().Recent() {
		c.send <- Message{Type: "log", Data: line}
	}

	go h.readPump(c)
}

func (h *Hub) writePump(c *client) {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// readPump drains and discards inbound frames; this hub is push-only,
// but it must read to notice client disconnects and process pongs.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
