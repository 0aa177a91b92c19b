// Package events broadcasts engine events (import progress, symbol
// resolutions) to connected WebSocket clients.
package events

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// Event types.
const (
	TypeImportProgress   = "import_progress"
	TypeImportFinished   = "import_finished"
	TypeSymbolResolved   = "symbol_resolved"
	TypeSplitAdjusted    = "split_adjusted"
)

// Event is a JSON message sent to WebSocket clients.
type Event struct {
	Type     string `json:"type"`
	UserID   string `json:"user_id,omitempty"`
	ImportID string `json:"import_id,omitempty"`
	Symbol   string `json:"symbol,omitempty"`
	Cusip    string `json:"cusip,omitempty"`
	Ticker   string `json:"ticker,omitempty"`
	Count    int    `json:"count,omitempty"`
	Status   string `json:"status,omitempty"`
}

// Hub manages WebSocket connections and fans out events to every
// connected client.
type Hub struct {
	clients    map[*conn]bool
	broadcast  chan []byte
	register   chan *conn
	unregister chan *conn
	mu         sync.RWMutex
}

type conn struct {
	ws writer
}

// writer is the subset of *websocket.Conn the hub needs; it keeps the hub
// loop testable without opening sockets.
type writer interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// NewHub creates a new event hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *conn),
		unregister: make(chan *conn),
	}
}

// Run starts the hub's main event loop. Must be called in a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			slog.Info("event client connected", "total", len(h.clients))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.ws.Close()
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				if err := c.ws.WriteMessage(textMessage, msg); err != nil {
					c.ws.Close()
					delete(h.clients, c)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Publish sends an event to all connected clients. Never blocks: if the
// broadcast buffer is full the event is dropped (clients self-heal by
// re-reading status endpoints).
func (h *Hub) Publish(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		slog.Warn("event buffer full, dropping", "type", ev.Type)
	}
}
