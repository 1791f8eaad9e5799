package dashboard

import (
	"encoding/json"
	"log"
	"os"
	"sort"
	gosync "sync"
	"time"

	"github.com/flowroll/flowroll/internal/sync"
)

// CollectionStatus is the last known state of one collection.
type CollectionStatus struct {
	Collection string       `json:"collection"`
	Syncing    bool         `json:"syncing"`
	LastMode   sync.Mode    `json:"last_mode,omitempty"`
	LastResult string       `json:"last_result,omitempty"` // ok, partial, failed
	LastSync   time.Time    `json:"last_sync,omitempty"`
	LastChange time.Time    `json:"last_change,omitempty"`
	Report     *sync.Report `json:"report,omitempty"`
	Message    string       `json:"message,omitempty"`
}

// StatusData is the payload of status messages.
type StatusData struct {
	Collections []CollectionStatus `json:"collections"`
}

// Handler turns sync events into dashboard messages and keeps the status
// that new clients receive on connect.
type Handler struct {
	server *Server
	logger *log.Logger

	mu     gosync.Mutex
	status map[string]*CollectionStatus
}

// NewHandler creates a handler broadcasting through server.
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}

	h := &Handler{
		server: server,
		logger: logger,
		status: make(map[string]*CollectionStatus),
	}
	server.setStatusSource(func() any { return h.Status() })
	return h
}

// OnEvent handles one event. It can be passed directly as the OnEvent
// callback of the coordinator or the daemon and is safe for concurrent use.
func (h *Handler) OnEvent(ev sync.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	var typ MessageType
	switch ev.Type {
	case sync.EventStarted:
		typ = MessageTypeSyncStarted
	case sync.EventComplete:
		typ = MessageTypeSyncComplete
	case sync.EventFailed:
		typ = MessageTypeSyncFailed
	case sync.EventRecordChanged:
		typ = MessageTypeRecordChanged
	default:
		h.logger.Printf("Ignoring unknown event type %q", ev.Type)
		return
	}

	h.mu.Lock()
	st := h.statusLocked(ev.Collection)
	switch typ {
	case MessageTypeSyncStarted:
		st.Syncing = true
		st.LastMode = ev.Mode
	case MessageTypeSyncComplete:
		st.Syncing = false
		st.LastSync = ev.At
		st.Report = ev.Report
		st.Message = ev.Message
		st.LastResult = "ok"
		if ev.Error != "" {
			st.LastResult = "partial"
		}
	case MessageTypeSyncFailed:
		st.Syncing = false
		st.Report = ev.Report
		st.Message = ev.Message
		st.LastResult = "failed"
	case MessageTypeRecordChanged:
		st.LastChange = ev.At
	}
	h.mu.Unlock()

	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Printf("Failed to marshal event: %v", err)
		return
	}
	h.server.Broadcast(Message{Type: typ, Timestamp: ev.At, Data: data})
}

func (h *Handler) statusLocked(collection string) *CollectionStatus {
	st, ok := h.status[collection]
	if !ok {
		st = &CollectionStatus{Collection: collection}
		h.status[collection] = st
	}
	return st
}

// Status returns the current status of every collection seen so far,
// sorted by name.
func (h *Handler) Status() StatusData {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := StatusData{Collections: make([]CollectionStatus, 0, len(h.status))}
	for _, st := range h.status {
		out.Collections = append(out.Collections, *st)
	}
	sort.Slice(out.Collections, func(i, j int) bool {
		return out.Collections[i].Collection < out.Collections[j].Collection
	})
	return out
}
