package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/treesync/treesync/internal/mirror/db"
	"github.com/treesync/treesync/internal/mirror/schema"
	mirrorsync "github.com/treesync/treesync/internal/mirror/sync"
)

// startTestServer starts a server on a free port and stops it at cleanup.
func startTestServer(t *testing.T, status StatusFunc) *Server {
	t.Helper()

	server := NewServer(&Config{
		Port:   0,
		Status: status,
		Logger: log.New(io.Discard, "", 0),
	})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { _ = server.Stop() })
	return server
}

// dial connects a client and consumes the hello message.
func dial(t *testing.T, ctx context.Context, server *Server) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.Dial(ctx, "ws://"+server.GetAddr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })

	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeHello {
		t.Fatalf("Expected %s, got %s", MessageTypeHello, msg.Type)
	}
	return conn
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	return msg
}

// waitForClients polls until the server has registered n clients.
func waitForClients(t *testing.T, server *Server, n int) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for server.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("Expected %d clients, got %d", n, server.ClientCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newTestDB(t *testing.T) *db.DB {
	t.Helper()

	database, err := db.Open(filepath.Join(t.TempDir(), "mirror.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	if err := database.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return database
}

func TestServerStartStop(t *testing.T) {
	server := NewServer(&Config{Port: 0, Logger: log.New(io.Discard, "", 0)})

	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	if addr := server.GetAddr(); addr == "" || strings.HasSuffix(addr, ":0") {
		t.Fatalf("Unexpected listen address %q", addr)
	}
	if err := server.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
}

func TestMessageBroadcast(t *testing.T) {
	server := startTestServer(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clients := []*websocket.Conn{dial(t, ctx, server), dial(t, ctx, server), dial(t, ctx, server)}
	waitForClients(t, server, 3)

	server.Broadcast(Message{Type: MessageTypeQueueStats, Data: json.RawMessage(`{"pending":1}`)})

	for i, conn := range clients {
		msg := readMessage(t, ctx, conn)
		if msg.Type != MessageTypeQueueStats {
			t.Errorf("client %d: expected %s, got %s", i, MessageTypeQueueStats, msg.Type)
		}
		if msg.Timestamp.IsZero() {
			t.Errorf("client %d: timestamp not filled in", i)
		}
	}
}

func TestClientDisconnect(t *testing.T) {
	server := startTestServer(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dial(t, ctx, server)
	waitForClients(t, server, 1)

	_ = conn.Close(websocket.StatusNormalClosure, "bye")
	waitForClients(t, server, 0)
}

func TestHandlerSyncComplete(t *testing.T) {
	server := startTestServer(t, nil)
	database := newTestDB(t)
	handler := NewHandler(server, database, log.New(io.Discard, "", 0))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dial(t, ctx, server)
	waitForClients(t, server, 1)

	project := &schema.Project{ID: 7, Name: "web"}
	handler.OnSyncComplete(project, &mirrorsync.SyncResult{FilesAdded: 2}, nil)

	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeSyncComplete {
		t.Fatalf("Expected %s, got %s", MessageTypeSyncComplete, msg.Type)
	}
	var data SyncCompleteData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatalf("Failed to unmarshal data: %v", err)
	}
	if data.ProjectID != 7 || data.Project != "web" || data.Result == nil || data.Result.FilesAdded != 2 {
		t.Errorf("Unexpected sync data: %+v", data)
	}

	// A changed mirror is followed by fresh queue stats.
	msg = readMessage(t, ctx, conn)
	if msg.Type != MessageTypeQueueStats {
		t.Fatalf("Expected %s, got %s", MessageTypeQueueStats, msg.Type)
	}

	handler.OnSyncComplete(project, nil, errors.New("root unavailable"))
	msg = readMessage(t, ctx, conn)
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatalf("Failed to unmarshal data: %v", err)
	}
	if data.Error != "root unavailable" {
		t.Errorf("Expected error in payload, got %+v", data)
	}
}

func TestHandlerQueueStatsOnlyOnChange(t *testing.T) {
	server := startTestServer(t, nil)
	database := newTestDB(t)
	handler := NewHandler(server, database, log.New(io.Discard, "", 0))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dial(t, ctx, server)
	waitForClients(t, server, 1)

	if err := handler.RefreshQueueStats(ctx); err != nil {
		t.Fatalf("RefreshQueueStats() failed: %v", err)
	}
	if msg := readMessage(t, ctx, conn); msg.Type != MessageTypeQueueStats {
		t.Fatalf("Expected %s, got %s", MessageTypeQueueStats, msg.Type)
	}

	// Unchanged counts are not rebroadcast.
	if err := handler.RefreshQueueStats(ctx); err != nil {
		t.Fatalf("RefreshQueueStats() failed: %v", err)
	}

	p, err := database.AddProject(ctx, "web", t.TempDir())
	if err != nil {
		t.Fatalf("AddProject() failed: %v", err)
	}
	n, err := database.GetOrCreate(ctx, p.ID, "a.txt", false, &db.FileMeta{Size: 1})
	if err != nil {
		t.Fatalf("GetOrCreate() failed: %v", err)
	}
	if _, _, err := database.Enqueue(ctx, n.ID, p.AbsPath("a.txt")); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	if err := handler.RefreshQueueStats(ctx); err != nil {
		t.Fatalf("RefreshQueueStats() failed: %v", err)
	}

	msg := readMessage(t, ctx, conn)
	var counts schema.QueueCounts
	if err := json.Unmarshal(msg.Data, &counts); err != nil {
		t.Fatalf("Failed to unmarshal counts: %v", err)
	}
	if counts.Pending != 1 {
		t.Errorf("Expected 1 pending, got %+v", counts)
	}
	if got := handler.GetStats(); got != counts {
		t.Errorf("GetStats() = %+v, want %+v", got, counts)
	}
}

func TestHTTPEndpoints(t *testing.T) {
	server := startTestServer(t, func() any {
		return []map[string]string{{"name": "web", "state": "idle"}}
	})
	base := "http://" + server.GetAddr()

	tests := []struct {
		path     string
		wantCode int
		contains string
	}{
		{"/health", http.StatusOK, `"status":"ok"`},
		{"/status", http.StatusOK, `"state":"idle"`},
		{"/metrics", http.StatusOK, "treesync_http_requests_total"},
		{"/", http.StatusOK, "/ws"},
		{"/nope", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := http.Get(base + tt.path)
			if err != nil {
				t.Fatalf("GET %s failed: %v", tt.path, err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)

			if resp.StatusCode != tt.wantCode {
				t.Errorf("GET %s = %d, want %d", tt.path, resp.StatusCode, tt.wantCode)
			}
			if !strings.Contains(string(body), tt.contains) {
				t.Errorf("GET %s body missing %q", tt.path, tt.contains)
			}
		})
	}
}

func TestStatusWithoutProvider(t *testing.T) {
	server := startTestServer(t, nil)

	resp, err := http.Get("http://" + server.GetAddr() + "/status")
	if err != nil {
		t.Fatalf("GET /status failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET /status = %d, want 404", resp.StatusCode)
	}
}
