package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// dialPair upgrades one server-side connection and returns both ends.
func dialPair(t *testing.T) (server *websocket.Conn, client *websocket.Conn) {
	t.Helper()

	upgrader := websocket.Upgrader{}
	serverConns := make(chan *websocket.Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Upgrade failed: %v", err)
			return
		}
		serverConns <- conn
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	select {
	case server = <-serverConns:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for the server-side connection")
	}

	return server, client
}

func TestHubNotify(t *testing.T) {
	hub := NewHub(10, zap.NewNop())

	serverConn, clientConn := dialPair(t)
	client := hub.Register("user-1", serverConn)
	if client == nil {
		t.Fatal("Expected registration to succeed")
	}
	defer hub.Unregister("user-1", client)

	hub.Notify("user-1", Event{Type: "sync_status", SyncStatus: "syncing"})

	_ = clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := clientConn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}

	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		t.Fatalf("Failed to decode event: %v", err)
	}
	if event.Type != "sync_status" || event.SyncStatus != "syncing" {
		t.Errorf("Unexpected event %+v", event)
	}
}

func TestHubNotifyOtherUser(t *testing.T) {
	hub := NewHub(10, zap.NewNop())

	serverConn, clientConn := dialPair(t)
	client := hub.Register("user-1", serverConn)
	defer hub.Unregister("user-1", client)

	hub.Notify("someone-else", Event{Type: "new_messages", NewMessages: 3})

	_ = clientConn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := clientConn.ReadMessage(); err == nil {
		t.Error("Expected no event for a different user")
	}
}

func TestHubConnectionLimit(t *testing.T) {
	hub := NewHub(1, zap.NewNop())

	firstServer, _ := dialPair(t)
	first := hub.Register("user-1", firstServer)
	if first == nil {
		t.Fatal("Expected first registration to succeed")
	}
	defer hub.Unregister("user-1", first)

	secondServer, secondClient := dialPair(t)
	if second := hub.Register("user-1", secondServer); second != nil {
		t.Error("Expected registration over the limit to be rejected")
	}

	// The rejected connection is closed by the hub.
	_ = secondClient.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := secondClient.ReadMessage(); err == nil {
		t.Error("Expected the rejected connection to be closed")
	}

	if got := hub.ActiveConnections("user-1"); got != 1 {
		t.Errorf("Expected 1 active connection, got %d", got)
	}
}

func TestHubUnregister(t *testing.T) {
	hub := NewHub(10, zap.NewNop())

	serverConn, _ := dialPair(t)
	client := hub.Register("user-1", serverConn)

	if got := hub.ActiveConnections("user-1"); got != 1 {
		t.Fatalf("Expected 1 active connection, got %d", got)
	}

	hub.Unregister("user-1", client)

	if got := hub.ActiveConnections("user-1"); got != 0 {
		t.Errorf("Expected 0 active connections after unregister, got %d", got)
	}

	// Unregistering twice or with nil must not panic.
	hub.Unregister("user-1", client)
	hub.Unregister("user-1", nil)
}
