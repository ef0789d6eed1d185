package gateway

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
)

// WebSocketHandler handles WebSocket upgrade requests from session subscribers
type WebSocketHandler struct {
	connectionManager *ConnectionManager
	gateway           *Gateway
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(cm *ConnectionManager, g *Gateway) *WebSocketHandler {
	return &WebSocketHandler{
		connectionManager: cm,
		gateway:           g,
	}
}

// HandleConnection upgrades the request and, when session_id is given, joins
// the subscriber to that session right away.
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	// In production the subscriber id would come from an auth token
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	sessionID := r.URL.Query().Get("session_id")

	conn, err := h.connectionManager.UpgradeConnection(w, r, userID)
	if err != nil {
		log.Error().
			Err(err).
			Str("user_id", userID).
			Str("session_id", sessionID).
			Msg("failed to upgrade WebSocket connection")
		// Upgrade has already written the error response
		return
	}

	if sessionID == "" || h.connectionManager.handler == nil {
		return
	}
	if _, err := h.connectionManager.handler.JoinSubscriber(context.Background(), sessionID, userID); err != nil {
		conn.replyError("join", err)
	}
}

// HandleConnectionStats returns statistics about active connections
func (h *WebSocketHandler) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"connections": h.connectionManager.GetConnectionStats(),
	}
	if h.gateway != nil {
		stats["gateway"] = h.gateway.GetStats()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		log.Error().Err(err).Msg("failed to encode connection stats")
	}
}

// RegisterRoutes registers WebSocket routes with an HTTP mux
func (h *WebSocketHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", h.HandleConnection)
	mux.HandleFunc("/ws/stats", h.HandleConnectionStats)
}
