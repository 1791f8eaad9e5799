// Package dashboard serves a WebSocket feed of sync activity.
//
// The dashboard broadcasts sync progress and local record changes to
// connected clients, so a browser tab or a second terminal can follow what
// the daemon is doing. Every client gets its own send queue; a client that
// falls a full queue behind is disconnected rather than slowing the others.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/gorilla/mux"
)

// MessageType identifies a dashboard message.
type MessageType string

const (
	// MessageTypeSyncStarted indicates a collection sweep began.
	MessageTypeSyncStarted MessageType = "sync_started"

	// MessageTypeSyncComplete indicates a collection sweep finished, possibly
	// with skipped records.
	MessageTypeSyncComplete MessageType = "sync_complete"

	// MessageTypeSyncFailed indicates a collection sweep was aborted.
	MessageTypeSyncFailed MessageType = "sync_failed"

	// MessageTypeRecordChanged indicates a collection document changed on
	// disk.
	MessageTypeRecordChanged MessageType = "record_changed"

	// MessageTypeStatus carries the current per-collection status. It is
	// the first message every client receives.
	MessageTypeStatus MessageType = "status"
)

// Message is one frame sent to clients.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

const (
	sendQueueSize = 64
	writeTimeout  = 5 * time.Second
)

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Server accepts dashboard clients and fans messages out to them.
type Server struct {
	addr     string
	listener net.Listener
	httpSrv  *http.Server

	mu      gosync.Mutex
	clients map[*client]struct{}

	// status, if set, supplies the payload of status messages.
	status func() any

	published atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     gosync.WaitGroup

	logger *log.Logger
}

// Config configures a Server.
type Config struct {
	// Port on 127.0.0.1. Zero picks a free port.
	Port int

	// Logger for connection activity. Nil means stderr.
	Logger *log.Logger
}

// DefaultConfig returns the default port and a stderr logger.
func DefaultConfig() *Config {
	return &Config{
		Port:   8787,
		Logger: log.New(os.Stderr, "[dashboard] ", log.LstdFlags),
	}
}

// NewServer creates a server. It does not listen until Start.
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:    fmt.Sprintf("127.0.0.1:%d", config.Port),
		clients: make(map[*client]struct{}),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
	}
}

// Router returns the HTTP routes served by the dashboard.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/", s.handleIndex).Methods(http.MethodGet)
	return r
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.httpSrv = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Dashboard listening on http://%s", ln.Addr())
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Dashboard server error: %v", err)
		}
	}()
	return nil
}

// Stop disconnects every client and shuts the server down. It is safe to
// call on a server that was never started.
func (s *Server) Stop() error {
	s.cancel()

	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		s.drop(c, websocket.StatusGoingAway, "dashboard shutting down")
	}

	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shut down dashboard: %w", err)
		}
	}
	s.wg.Wait()
	return nil
}

// Broadcast sends msg to every connected client.
func (s *Server) Broadcast(msg Message) {
	if s.ctx.Err() != nil {
		return
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Printf("Failed to encode %s message: %v", msg.Type, err)
		return
	}
	s.published.Add(1)

	var slow []*client
	s.mu.Lock()
	for c := range s.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	s.mu.Unlock()

	for _, c := range slow {
		s.logger.Printf("WARNING: client fell %d messages behind, disconnecting", sendQueueSize)
		s.drop(c, websocket.StatusPolicyViolation, "too slow")
	}
}

func (s *Server) setStatusSource(fn func() any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = fn
}

func (s *Server) statusMessage() Message {
	msg := Message{Type: MessageTypeStatus, Timestamp: time.Now()}

	s.mu.Lock()
	fn := s.status
	s.mu.Unlock()
	if fn == nil {
		return msg
	}

	data, err := json.Marshal(fn())
	if err != nil {
		s.logger.Printf("Failed to encode status: %v", err)
		return msg
	}
	msg.Data = data
	return msg
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	welcome, err := json.Marshal(s.statusMessage())
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "")
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendQueueSize)}
	c.send <- welcome

	s.mu.Lock()
	s.clients[c] = struct{}{}
	n := len(s.clients)
	s.mu.Unlock()
	s.logger.Printf("Client %s connected (%d connected)", r.RemoteAddr, n)

	s.wg.Add(2)
	go s.writePump(c)
	go s.readPump(c)
}

// writePump delivers queued frames in order until the queue is closed.
func (s *Server) writePump(c *client) {
	defer s.wg.Done()
	for data := range c.send {
		ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
		err := c.conn.Write(ctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			s.drop(c, websocket.StatusInternalError, "write failed")
			for range c.send {
			}
			return
		}
	}
}

// readPump discards client frames and notices when the client leaves.
func (s *Server) readPump(c *client) {
	defer s.wg.Done()
	for {
		if _, _, err := c.conn.Read(s.ctx); err != nil {
			s.drop(c, websocket.StatusNormalClosure, "")
			return
		}
	}
}

// drop unregisters c and closes its connection. Later calls are no-ops.
func (s *Server) drop(c *client, code websocket.StatusCode, reason string) {
	s.mu.Lock()
	if _, ok := s.clients[c]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.clients, c)
	close(c.send)
	n := len(s.clients)
	s.mu.Unlock()

	_ = c.conn.Close(code, reason)
	s.logger.Printf("Client disconnected (%d connected)", n)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"status": "ok", "clients": s.ClientCount()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.statusMessage())
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head><title>flowroll sync</title></head>
<body>
<h1>flowroll sync</h1>
<p>Live events: <code>ws://%[1]s/ws</code></p>
<p><a href="/status">status</a> | <a href="/health">health</a></p>
</body>
</html>`, r.Host)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// Addr returns the bound address once started, the configured one before.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}
