package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Event is one push notification to the UI layer.
type Event struct {
	Type           string `json:"type"` // "sync_status" or "new_messages"
	SyncStatus     string `json:"sync_status,omitempty"`
	NewMessages    int    `json:"new_messages,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// Client wraps one WebSocket connection.
type Client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// Conn returns the underlying connection for read loops.
func (c *Client) Conn() *websocket.Conn {
	return c.conn
}

// Hub tracks active WebSocket connections per user and fans events out to
// them. Multiple connections per user (tabs) are allowed up to a limit.
type Hub struct {
	mu         sync.RWMutex
	clients    map[string]map[*Client]struct{}
	maxPerUser int
	log        *zap.Logger
}

// NewHub creates a Hub with a per-user connection limit.
func NewHub(maxPerUser int, log *zap.Logger) *Hub {
	if maxPerUser <= 0 {
		maxPerUser = 10
	}
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		maxPerUser: maxPerUser,
		log:        log,
	}
}

// Register adds a connection for the user. Over the limit, the new
// connection is closed and nil is returned.
func (h *Hub) Register(userID string, conn *websocket.Conn) *Client {
	h.mu.Lock()
	defer h.mu.Unlock()

	userClients, ok := h.clients[userID]
	if !ok {
		userClients = make(map[*Client]struct{})
		h.clients[userID] = userClients
	}

	if len(userClients) >= h.maxPerUser {
		h.log.Warn("too many websocket connections, rejecting",
			zap.String("user_id", userID), zap.Int("max", h.maxPerUser))
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too many connections for this user"),
			time.Now().Add(time.Second),
		)
		_ = conn.Close()
		return nil
	}

	client := &Client{conn: conn}
	userClients[client] = struct{}{}
	return client
}

// Unregister removes a client and closes its connection.
func (h *Hub) Unregister(userID string, client *Client) {
	if client == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if userClients, ok := h.clients[userID]; ok {
		delete(userClients, client)
		if len(userClients) == 0 {
			delete(h.clients, userID)
		}
	}

	_ = client.conn.Close()
}

// Notify sends an event to every active connection of the user.
func (h *Hub) Notify(userID string, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		h.log.Error("failed to marshal websocket event", zap.Error(err))
		return
	}

	h.mu.RLock()
	userClients := make([]*Client, 0, len(h.clients[userID]))
	for client := range h.clients[userID] {
		userClients = append(userClients, client)
	}
	h.mu.RUnlock()

	for _, client := range userClients {
		client.mu.Lock()
		err := client.conn.WriteMessage(websocket.TextMessage, payload)
		client.mu.Unlock()
		if err != nil {
			h.log.Debug("failed to push websocket event, dropping client",
				zap.String("user_id", userID), zap.Error(err))
			go h.Unregister(userID, client)
		}
	}
}

// ActiveConnections returns the number of open connections for the user.
func (h *Hub) ActiveConnections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.clients[userID])
}
