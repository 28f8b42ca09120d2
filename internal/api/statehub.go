package api

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/stepgate/stepgate/internal/domain"
)

// ─── Live State Feed ────────────────────────────────────────────────────────
// GET /api/state/live streams a snapshot after every reconciliation tick and
// every action. This is the widget's data source.

// StateHub fans snapshots out to SSE clients.
type StateHub struct {
	mu      sync.Mutex
	clients map[chan []byte]struct{}
}

// NewStateHub creates a new snapshot broadcast hub.
func NewStateHub() *StateHub {
	return &StateHub{
		clients: make(map[chan []byte]struct{}),
	}
}

// Broadcast sends a snapshot to all connected clients.
func (h *StateHub) Broadcast(snap domain.Snapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- data:
		default:
			// Client too slow, drop message
		}
	}
}

// Subscribe registers a new client. Returns the channel and an unsubscribe func.
func (h *StateHub) Subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, 16)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.clients, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// ClientCount returns the number of connected clients.
func (h *StateHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// HandleStateSSE serves the live state feed via Server-Sent Events.
func (h *StateHub) HandleStateSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	ch, unsub := h.Subscribe()
	defer unsub()

	for {
		select {
		case <-r.Context().Done():
			return
		case data := <-ch:
			w.Write([]byte("data: "))
			w.Write(data)
			w.Write([]byte("\n\n"))
			flusher.Flush()
		}
	}
}
