package api

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/stackcrm/mailsync/internal/syncer"
	"github.com/stackcrm/mailsync/internal/ws"
)

// WebSocketHandler handles the /api/v1/ws endpoint for real-time updates.
type WebSocketHandler struct {
	pool         *pgxpool.Pool
	orchestrator *syncer.Orchestrator
	hub          *ws.Hub
	log          *zap.Logger

	mu          sync.Mutex
	idleCancels map[string]context.CancelFunc
}

// NewWebSocketHandler creates a WebSocketHandler.
func NewWebSocketHandler(pool *pgxpool.Pool, orchestrator *syncer.Orchestrator, hub *ws.Hub, log *zap.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		pool:         pool,
		orchestrator: orchestrator,
		hub:          hub,
		log:          log,
		idleCancels:  make(map[string]context.CancelFunc),
	}
}

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// The server runs behind a reverse proxy in a trusted environment.
		return true
	},
}

// Handle upgrades the connection and registers it with the hub. The caller's
// identity comes from the same proxy header middleware as the REST routes.
// The first connection for a user starts an IDLE listener and triggers a
// catch-up sync for mail that arrived while nobody was watching.
func (h *WebSocketHandler) Handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := GetUserIDFromContext(ctx, w, h.pool, h.log)
	if !ok {
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws: failed to upgrade connection",
			zap.String("user_id", userID), zap.Error(err))
		return
	}

	isFirstConnection := h.hub.ActiveConnections(userID) == 0

	client := h.hub.Register(userID, conn)
	if client == nil {
		return
	}

	h.ensureIdleListener(userID)

	if isFirstConnection {
		h.orchestrator.TriggerSync(userID)
	}

	go h.readLoop(userID, client)
}

// ensureIdleListener starts an IDLE listener for the user if none is running.
func (h *WebSocketHandler) ensureIdleListener(userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.idleCancels[userID]; exists {
		return
	}

	idleCtx, cancel := context.WithCancel(context.Background())
	h.idleCancels[userID] = cancel

	go func() {
		h.orchestrator.StartIdleListener(idleCtx, userID)

		h.mu.Lock()
		delete(h.idleCancels, userID)
		h.mu.Unlock()
	}()
}

// readLoop drains the connection until it closes, then unregisters the
// client and stops the IDLE listener when it was the user's last connection.
func (h *WebSocketHandler) readLoop(userID string, client *ws.Client) {
	conn := client.Conn()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	h.hub.Unregister(userID, client)

	if h.hub.ActiveConnections(userID) == 0 {
		h.mu.Lock()
		if cancel, exists := h.idleCancels[userID]; exists {
			cancel()
			delete(h.idleCancels, userID)
		}
		h.mu.Unlock()
	}
}
