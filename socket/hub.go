package socket

import (
	"database/sql"
	"encoding/json"
	"sync"

	"soloboard/pkg/logger"
)

const (
	CommitType   = "COMMIT"          // A write advanced the session revision
	SnapshotType = "SNAPSHOT"        // A snapshot was persisted
	RemovedType  = "REMOVED"         // The session was deleted
	PresenceType = "PRESENCE_UPDATE" // Watcher count changed
)

// Event is the wire message pushed to every watcher of a session. Watchers
// receive revision and digest only; they fetch content over HTTP.
type Event struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Rev       int64  `json:"rev,omitempty"`
	Digest    string `json:"digest,omitempty"`
	Watchers  int    `json:"watchers,omitempty"`
}

// Hub fans session events out to connected watchers, one room per session.
// It never holds session content; the database is the source of truth.
type Hub struct {
	Rooms      map[string]map[*Client]bool
	Broadcast  chan Event
	Register   chan *Client
	Unregister chan *Client
	Removed    chan string
	db         *sql.DB
	mu         sync.Mutex
}

func NewHub(db *sql.DB) *Hub {
	return &Hub{
		Rooms:      make(map[string]map[*Client]bool),
		Broadcast:  make(chan Event, 64),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		Removed:    make(chan string, 16),
		db:         db,
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.Register:
			h.mu.Lock()
			if h.Rooms[client.SessionID] == nil {
				h.Rooms[client.SessionID] = make(map[*Client]bool)
			}
			h.Rooms[client.SessionID][client] = true
			watchers := len(h.Rooms[client.SessionID])
			h.mu.Unlock()

			h.broadcastEvent(Event{Type: PresenceType, SessionID: client.SessionID, Watchers: watchers})

		case client := <-h.Unregister:
			h.mu.Lock()
			watchers := -1
			if _, ok := h.Rooms[client.SessionID][client]; ok {
				delete(h.Rooms[client.SessionID], client)
				close(client.Send)
				watchers = len(h.Rooms[client.SessionID])
				if watchers == 0 {
					delete(h.Rooms, client.SessionID)
					logger.Sugar.Infof("Closed empty room: %s", client.SessionID)
				}
			}
			h.mu.Unlock()

			if watchers > 0 {
				h.broadcastEvent(Event{Type: PresenceType, SessionID: client.SessionID, Watchers: watchers})
			}

		case event := <-h.Broadcast:
			h.broadcastEvent(event)

		case sessionID := <-h.Removed:
			h.removeSession(sessionID)
		}
	}
}

// broadcastEvent delivers an event to every watcher of its session. Lagging
// clients are skipped rather than blocking the hub.
func (h *Hub) broadcastEvent(event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		logger.Sugar.Errorf("Error marshalling event: %v", err)
		return
	}

	h.mu.Lock()
	clients := make([]*Client, 0, len(h.Rooms[event.SessionID]))
	for client := range h.Rooms[event.SessionID] {
		clients = append(clients, client)
	}
	h.mu.Unlock()

	for _, client := range clients {
		select {
		case client.Send <- payload:
		default:
			logger.Sugar.Warnf("Watcher send buffer full for session %s, dropping event", event.SessionID)
		}
	}
}

// NotifyCommit pushes a revision advance to watchers. Non-blocking; if the
// hub's queue is full the event is dropped, the next poll catches up.
func (h *Hub) NotifyCommit(sessionID string, rev int64, digest string) {
	select {
	case h.Broadcast <- Event{Type: CommitType, SessionID: sessionID, Rev: rev, Digest: digest}:
	default:
		logger.Sugar.Warnf("Event queue full, dropping commit event for session %s", sessionID)
	}
}

func (h *Hub) NotifySnapshot(sessionID string, rev int64) {
	select {
	case h.Broadcast <- Event{Type: SnapshotType, SessionID: sessionID, Rev: rev}:
	default:
		logger.Sugar.Warnf("Event queue full, dropping snapshot event for session %s", sessionID)
	}
}

// NotifyRemoved hands session teardown to the hub goroutine. Only that
// goroutine may close a watcher's send channel; an in-flight broadcast could
// otherwise send on the channel right as it closes.
func (h *Hub) NotifyRemoved(sessionID string) {
	select {
	case h.Removed <- sessionID:
	default:
		logger.Sugar.Warnf("Event queue full, dropping removal of session %s", sessionID)
	}
}

// removeSession tells watchers the session is gone and disconnects them. Runs
// on the hub goroutine, serialized with every broadcast.
func (h *Hub) removeSession(sessionID string) {
	payload, _ := json.Marshal(Event{Type: RemovedType, SessionID: sessionID})

	h.mu.Lock()
	clients := make([]*Client, 0, len(h.Rooms[sessionID]))
	for client := range h.Rooms[sessionID] {
		clients = append(clients, client)
	}
	delete(h.Rooms, sessionID)
	h.mu.Unlock()

	for _, client := range clients {
		select {
		case client.Send <- payload:
		default:
		}
		// Closing the channel lets writePump flush the event, then send a
		// close frame.
		close(client.Send)
	}
}
