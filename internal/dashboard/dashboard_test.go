package dashboard

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/flowroll/flowroll/internal/sync"
)

func startServer(t *testing.T) *Server {
	t.Helper()

	server := NewServer(&Config{
		Port:   0,
		Logger: log.New(io.Discard, "", 0),
	})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() {
		if err := server.Stop(); err != nil {
			t.Errorf("Failed to stop server: %v", err)
		}
	})
	return server
}

func dial(t *testing.T, ctx context.Context, server *Server) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.Dial(ctx, "ws://"+server.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
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

func TestServerStartStop(t *testing.T) {
	server := NewServer(&Config{Port: 0, Logger: log.New(io.Discard, "", 0)})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}

	resp, err := http.Get("http://" + server.Addr() + "/health")
	if err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d", resp.StatusCode)
	}

	if err := server.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
}

func TestStopWithoutStart(t *testing.T) {
	server := NewServer(&Config{Logger: log.New(io.Discard, "", 0)})
	if err := server.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
}

func TestWelcomeStatus(t *testing.T) {
	server := startServer(t)
	h := NewHandler(server, log.New(io.Discard, "", 0))
	h.OnEvent(sync.Event{Type: sync.EventComplete, Mode: sync.ModeBackup, Collection: "flows",
		Report: &sync.Report{Collection: "flows", Pushed: 2}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dial(t, ctx, server)

	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeStatus {
		t.Fatalf("Expected welcome message type %s, got %s", MessageTypeStatus, msg.Type)
	}

	var status StatusData
	if err := json.Unmarshal(msg.Data, &status); err != nil {
		t.Fatalf("Failed to unmarshal status: %v", err)
	}
	if len(status.Collections) != 1 {
		t.Fatalf("Expected 1 collection, got %d", len(status.Collections))
	}
	got := status.Collections[0]
	if got.Collection != "flows" || got.LastResult != "ok" || got.Report == nil || got.Report.Pushed != 2 {
		t.Errorf("unexpected status: %+v", got)
	}

	if count := server.ClientCount(); count != 1 {
		t.Errorf("Expected 1 client, got %d", count)
	}
}

func TestBroadcastEvents(t *testing.T) {
	server := startServer(t)
	h := NewHandler(server, log.New(io.Discard, "", 0))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clients := []*websocket.Conn{dial(t, ctx, server), dial(t, ctx, server)}
	for _, conn := range clients {
		readMessage(t, ctx, conn) // welcome
	}

	h.OnEvent(sync.Event{Type: sync.EventStarted, Mode: sync.ModeIncremental, Collection: "techniques"})
	h.OnEvent(sync.Event{Type: sync.EventFailed, Mode: sync.ModeIncremental, Collection: "techniques",
		Error: "remote unreachable", Message: "Can't reach the server."})
	h.OnEvent(sync.Event{Type: sync.EventRecordChanged, Collection: "flows"})

	want := []MessageType{MessageTypeSyncStarted, MessageTypeSyncFailed, MessageTypeRecordChanged}
	for i, conn := range clients {
		for _, typ := range want {
			msg := readMessage(t, ctx, conn)
			if msg.Type != typ {
				t.Fatalf("client %d: got %s, want %s", i, msg.Type, typ)
			}
		}
	}

	status := h.Status()
	if len(status.Collections) != 2 {
		t.Fatalf("Expected 2 collections, got %d", len(status.Collections))
	}
	if st := status.Collections[1]; st.Collection != "techniques" || st.LastResult != "failed" || st.Syncing {
		t.Errorf("unexpected techniques status: %+v", st)
	}
	if st := status.Collections[0]; st.Collection != "flows" || st.LastChange.IsZero() {
		t.Errorf("unexpected flows status: %+v", st)
	}
}

func TestUnknownEventIgnored(t *testing.T) {
	server := NewServer(&Config{Logger: log.New(io.Discard, "", 0)})
	h := NewHandler(server, log.New(io.Discard, "", 0))

	h.OnEvent(sync.Event{Type: "bogus", Collection: "flows"})
	if n := len(h.Status().Collections); n != 0 {
		t.Errorf("unknown event created %d status entries", n)
	}
	if n := server.published.Load(); n != 0 {
		t.Errorf("unknown event was broadcast %d times", n)
	}
}

func TestStatusEndpoint(t *testing.T) {
	server := startServer(t)
	h := NewHandler(server, log.New(io.Discard, "", 0))
	h.OnEvent(sync.Event{Type: sync.EventStarted, Mode: sync.ModeRestore, Collection: "training_logs"})

	resp, err := http.Get("http://" + server.Addr() + "/status")
	if err != nil {
		t.Fatalf("status request failed: %v", err)
	}
	defer resp.Body.Close()

	var msg Message
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		t.Fatalf("Failed to decode status: %v", err)
	}
	var status StatusData
	if err := json.Unmarshal(msg.Data, &status); err != nil {
		t.Fatalf("Failed to unmarshal status data: %v", err)
	}
	if len(status.Collections) != 1 || !status.Collections[0].Syncing {
		t.Errorf("unexpected status: %+v", status)
	}

	post, err := http.Post("http://"+server.Addr()+"/status", "application/json", nil)
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	post.Body.Close()
	if post.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST /status = %d, want %d", post.StatusCode, http.StatusMethodNotAllowed)
	}
}
