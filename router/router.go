package router

import (
	"net/http"

	handler "soloboard/internal/session"
	"soloboard/middleware"
	"soloboard/socket"
)

func Setup(h *handler.SessionHandler, hub *socket.Hub) http.Handler {
	mux := http.NewServeMux()

	// WebSocket event feed
	wsHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		socket.ServeWs(hub, w, r, middleware.OwnerID(r))
	})
	mux.Handle("GET /ws", middleware.AuthMiddleware(wsHandler))

	// REST API
	auth := middleware.AuthMiddleware

	mux.Handle("POST /api/sessions", auth(http.HandlerFunc(h.CreateSession)))
	mux.Handle("GET /api/sessions", auth(http.HandlerFunc(h.ListSessions)))
	mux.Handle("GET /api/sessions/{id}", auth(http.HandlerFunc(h.GetSession)))
	mux.Handle("DELETE /api/sessions/{id}", auth(http.HandlerFunc(h.DeleteSession)))
	mux.Handle("PATCH /api/sessions/{id}/diff", auth(http.HandlerFunc(h.DiffSave)))
	mux.Handle("POST /api/sessions/{id}/save-stream", auth(http.HandlerFunc(h.StreamSave)))
	mux.Handle("POST /api/sessions/{id}/beacon", auth(http.HandlerFunc(h.Beacon)))
	mux.Handle("POST /api/sessions/{id}/snapshot", auth(http.HandlerFunc(h.SnapshotCreate)))
	mux.Handle("GET /api/sessions/{id}/snapshot/latest", auth(http.HandlerFunc(h.SnapshotLatest)))

	return middleware.CORSMiddleware(mux)
}
