package server

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// WSMessage is a push frame sent to connected devices.
type WSMessage struct {
	Type string `json:"type"`
	Zone string `json:"zone,omitempty"`
}

// WSHub tracks the open WebSocket connection per device account. A new
// connection for an account displaces the old one.
type WSHub struct {
	mu          sync.RWMutex
	connections map[string]*websocket.Conn
	logger      zerolog.Logger
}

// NewWSHub creates an empty hub.
func NewWSHub(logger zerolog.Logger) *WSHub {
	return &WSHub{
		connections: make(map[string]*websocket.Conn),
		logger:      logger,
	}
}

// Register stores the connection for an account, closing any previous one.
func (h *WSHub) Register(accountID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if existing, ok := h.connections[accountID]; ok {
		existing.Close()
	}
	h.connections[accountID] = conn
	h.logger.Info().Str("account_id", accountID).Msg("WebSocket connection registered")
}

// Unregister drops the connection for an account if it is still current.
func (h *WSHub) Unregister(accountID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if current, ok := h.connections[accountID]; ok && current == conn {
		current.Close()
		delete(h.connections, accountID)
		h.logger.Info().Str("account_id", accountID).Msg("WebSocket connection unregistered")
	}
}

// SendToAccount pushes one frame to an account, dropping the connection on
// write failure.
func (h *WSHub) SendToAccount(accountID string, message WSMessage) {
	h.mu.RLock()
	conn, ok := h.connections[accountID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	data, err := json.Marshal(message)
	if err != nil {
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		h.logger.Warn().Err(err).Str("account_id", accountID).Msg("WebSocket write failed")
		h.Unregister(accountID, conn)
	}
}

// Close terminates every open connection.
func (h *WSHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, conn := range h.connections {
		conn.Close()
		delete(h.connections, id)
	}
}
