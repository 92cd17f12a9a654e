package socket

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"soloboard/pkg/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// CheckOrigin allows connections from the dev frontend
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Client is one watcher connection. Watchers only listen; all writes go
// through the HTTP API.
type Client struct {
	Hub       *Hub
	Conn      *websocket.Conn
	SessionID string
	OwnerID   string
	Send      chan []byte
}

// ServeWs upgrades the request and subscribes the caller to their session's
// event feed. Only the session owner may watch.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request, ownerID string) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		http.Error(w, "missing sessionId", http.StatusBadRequest)
		return
	}

	var storedOwner string
	err := hub.db.QueryRow("SELECT owner_id FROM sessions WHERE id = $1", sessionID).Scan(&storedOwner)
	if err == sql.ErrNoRows {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	} else if err != nil {
		logger.Sugar.Errorf("Database error checking session owner: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if storedOwner != ownerID {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Sugar.Error(err)
		return
	}

	client := &Client{
		Hub:       hub,
		Conn:      conn,
		SessionID: sessionID,
		OwnerID:   ownerID,
		Send:      make(chan []byte, 256),
	}
	client.Hub.Register <- client

	go client.writePump()
	go client.readPump()
}

// readPump drains inbound frames so pings and close frames are processed.
// Payloads are ignored; the feed is one-directional.
func (c *Client) readPump() {
	defer func() {
		c.Hub.Unregister <- c
		c.Conn.Close()
	}()

	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Sugar.Errorf("error: %v", err)
			}
			break
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second) // Send ping every 30s
	defer ticker.Stop()

	for {
		select {
		case message, ok := <-c.Send:
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			c.Conn.WriteMessage(websocket.TextMessage, message)
		case <-ticker.C:
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return // Connection is dead
			}
		}
	}
}
