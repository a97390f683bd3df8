// Package dashboard provides a real-time WebSocket feed of mirror activity.
//
// The dashboard broadcasts sync completions and index queue statistics to
// connected WebSocket clients, and serves project status and Prometheus
// metrics over plain HTTP.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/treesync/treesync/internal/metrics"
)

// MessageType defines the type of dashboard message
type MessageType string

const (
	// MessageTypeSyncComplete indicates a project sync finished
	MessageTypeSyncComplete MessageType = "sync_complete"

	// MessageTypeQueueStats indicates updated index queue counts
	MessageTypeQueueStats MessageType = "queue_stats"

	// MessageTypeHello is sent to each client right after it connects
	MessageTypeHello MessageType = "hello"
)

// Message represents a dashboard broadcast message
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// StatusFunc reports the current state of every watched project. Its result
// is served as JSON on /status.
type StatusFunc func() any

// Server manages WebSocket connections and broadcasts dashboard messages
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server
	status   StatusFunc

	// WebSocket client management
	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	// Message broadcasting
	broadcast chan Message

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// Config holds server configuration
type Config struct {
	// Port to listen on (default: 8080, 0 picks a free port)
	Port int

	// Status, if set, backs the /status endpoint
	Status StatusFunc

	// Logger for server activity (default: stderr with "[dashboard] " prefix)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Port:   8080,
		Logger: log.New(os.Stderr, "[dashboard] ", log.LstdFlags),
	}
}

// NewServer creates a new dashboard WebSocket server
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:      fmt.Sprintf(":%d", config.Port),
		status:    config.Status,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger,
	}
}

// Start begins the HTTP server and WebSocket handler
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.Handle("/health", metrics.Middleware(http.HandlerFunc(s.handleHealth)))
	mux.Handle("/status", metrics.Middleware(http.HandlerFunc(s.handleStatus)))
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/", metrics.Middleware(http.HandlerFunc(s.handleRoot)))

	s.server = &http.Server{
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Dashboard server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	s.logger.Println("Stopping dashboard server")

	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()
	metrics.SetDashboardClients(0)

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}

	s.wg.Wait()

	s.logger.Println("Dashboard server stopped")
	return nil
}

// Broadcast sends a message to all connected clients
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
		return
	default:
		s.logger.Println("Warning: broadcast channel full, dropping message")
	}
}

// broadcastLoop handles message broadcasting to all clients
func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}

			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Printf("Failed to marshal message: %v", err)
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			// Send outside the read lock so a slow client does not block registration
			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()

				if err != nil {
					s.logger.Printf("Failed to send to client: %v", err)
					s.removeClient(conn)
				}
			}
		}
	}
}

// handleWebSocket upgrades HTTP connections to WebSocket
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	hello, _ := json.Marshal(Message{Type: MessageTypeHello, Timestamp: time.Now()})
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	err = conn.Write(ctx, websocket.MessageText, hello)
	cancel()
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "")
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	clientCount := len(s.clients)
	s.clientsMu.Unlock()
	metrics.SetDashboardClients(clientCount)

	s.logger.Printf("Client connected (total: %d)", clientCount)

	s.wg.Add(1)
	go s.readLoop(conn)
}

// readLoop keeps the WebSocket connection alive and handles client disconnects
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.wg.Done()
	defer s.removeClient(conn)

	for {
		// Client messages are ignored; reading surfaces disconnects.
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

// removeClient safely removes a client connection
func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; !exists {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, conn)
	clientCount := len(s.clients)
	s.clientsMu.Unlock()
	metrics.SetDashboardClients(clientCount)

	_ = conn.Close(websocket.StatusNormalClosure, "")
	s.logger.Printf("Client disconnected (total: %d)", clientCount)
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

// handleStatus returns the watched projects' state
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		http.Error(w, "status not available", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.status())
}

// handleRoot returns basic server information
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>treesync</title>
</head>
<body>
    <h1>treesync dashboard</h1>
    <p>WebSocket endpoint: <code>ws://%s/ws</code></p>
    <p>Project status: <a href="/status">/status</a></p>
    <p>Metrics: <a href="/metrics">/metrics</a></p>
    <p>Health check: <a href="/health">/health</a></p>
</body>
</html>`, r.Host)
}

// GetAddr returns the server's listening address
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected clients
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
