// Package events pushes job updates to websocket clients.
package events

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jo-hoe/chunkscribe/internal/jobs"
)

const (
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = pongWait * 9 / 10
	clientBuffer  = 32
	publishBuffer = 256
)

// Update is the message sent for every job change.
type Update struct {
	Type           string      `json:"type"`
	JobID          string      `json:"job_id"`
	Status         jobs.Status `json:"status"`
	ExpectedChunks int         `json:"expected_chunks,omitempty"`
	SuccessRate    *float64    `json:"success_rate,omitempty"`
	Error          string      `json:"error,omitempty"`
	Timestamp      time.Time   `json:"timestamp"`
}

// Snapshot is the first message a client receives.
type Snapshot struct {
	Type string   `json:"type"`
	Jobs []Update `json:"jobs"`
}

// NewUpdate builds the wire form of a job.
func NewUpdate(job jobs.Job) Update {
	u := Update{
		Type:           "job_update",
		JobID:          job.ID,
		Status:         job.Status,
		ExpectedChunks: job.ExpectedChunks,
		SuccessRate:    job.SuccessRate,
		Timestamp:      time.Now().UTC(),
	}
	if job.Error != nil {
		u.Error = *job.Error
	}
	return u
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans job updates out to connected websocket clients.
type Hub struct {
	log      *slog.Logger
	upgrader websocket.Upgrader
	snapshot func() []jobs.Job

	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	done       chan struct{}
	closeOnce  sync.Once

	mu      sync.Mutex
	clients map[*client]bool
}

// NewHub creates a hub; snapshot lists the jobs sent to newly connected clients.
func NewHub(log *slog.Logger, snapshot func() []jobs.Job) *Hub {
	return &Hub{
		log: log.With("component", "events"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		snapshot:   snapshot,
		broadcast:  make(chan []byte, publishBuffer),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		clients:    make(map[*client]bool),
	}
}

// Start runs the hub loop until Close.
func (h *Hub) Start() {
	go func() {
		for {
			select {
			case c := <-h.register:
				h.mu.Lock()
				h.clients[c] = true
				n := len(h.clients)
				h.mu.Unlock()
				h.log.Debug("client connected", "clients", n)
			case c := <-h.unregister:
				h.drop(c)
			case msg := <-h.broadcast:
				h.mu.Lock()
				for c := range h.clients {
					select {
					case c.send <- msg:
					default:
						// Slow reader; disconnect rather than stall everyone.
						delete(h.clients, c)
						close(c.send)
					}
				}
				h.mu.Unlock()
			case <-h.done:
				h.mu.Lock()
				for c := range h.clients {
					delete(h.clients, c)
					close(c.send)
				}
				h.mu.Unlock()
				return
			}
		}
	}()
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		h.log.Debug("client disconnected", "clients", len(h.clients))
	}
}

// Publish queues an update for all clients. It never blocks; updates are
// dropped when the hub is saturated. Suitable as a jobs.Listener.
func (h *Hub) Publish(job jobs.Job) {
	data, err := json.Marshal(NewUpdate(job))
	if err != nil {
		h.log.Error("marshal job update", "job_id", job.ID, "err", err)
		return
	}
	select {
	case h.broadcast <- data:
	case <-h.done:
	default:
		h.log.Warn("event buffer full, dropping update", "job_id", job.ID, "status", job.Status)
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and streams updates until the client leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "err", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, clientBuffer)}

	if h.snapshot != nil {
		snap := Snapshot{Type: "initial_jobs", Jobs: []Update{}}
		for _, j := range h.snapshot() {
			snap.Jobs = append(snap.Jobs, NewUpdate(j))
		}
		if data, err := json.Marshal(snap); err == nil {
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				_ = conn.Close()
				return
			}
		}
	}

	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}
	go h.writePump(c)
	go h.readPump(c)
}

// readPump discards client messages and detects disconnects.
func (h *Hub) readPump(c *client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close disconnects all clients and stops the hub loop.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}
