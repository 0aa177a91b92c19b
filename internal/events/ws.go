package events

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const textMessage = websocket.TextMessage

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browser clients connect from the app origin; auth happens upstream.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleWS upgrades an HTTP request to a WebSocket connection and
// registers it with the hub.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "err", err)
		return
	}

	c := &conn{ws: ws}
	h.register <- c

	// Reader loop: discard client messages, detect disconnects.
	go func() {
		defer func() { h.unregister <- c }()
		ws.SetReadLimit(512)
		ws.SetReadDeadline(time.Now().Add(24 * time.Hour))
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
