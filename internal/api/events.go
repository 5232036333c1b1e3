package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Events handles GET /api/v1/events: a WebSocket stream of sync state
// changes for one organization. Each message is one JSON-encoded event.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	orgID := r.URL.Query().Get("org")
	if orgID == "" {
		WriteProblem(w, r, http.StatusBadRequest, "org query parameter is required")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		return
	}
	defer func() { _ = conn.Close() }()

	sub := h.hub.Subscribe(orgID)
	defer h.hub.Unsubscribe(sub.ID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Drain client frames so close and ping/pong are processed.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	slog.Info("event stream opened",
		"component", "api",
		"organization_id", orgID,
		"subscription_id", sub.ID,
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			msg, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}
