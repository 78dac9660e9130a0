package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/aluiziolira/go-form-autofill/models"
)

const clientBuffer = 64

// Hub streams progress events to server-sent-event clients. It is a Sink, so
// the reporter feeds it like any other output.
type Hub struct {
	clients    map[chan models.ProgressEvent]bool
	broadcast  chan models.ProgressEvent
	register   chan chan models.ProgressEvent
	unregister chan chan models.ProgressEvent
	quit       chan struct{}
	stopped    chan struct{}
	quitOnce   sync.Once

	mu   sync.RWMutex
	last *models.ProgressEvent
}

// NewHub creates an idle hub; call Run to serve it.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[chan models.ProgressEvent]bool),
		broadcast:  make(chan models.ProgressEvent),
		register:   make(chan chan models.ProgressEvent),
		unregister: make(chan chan models.ProgressEvent),
		quit:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
}

// Run dispatches events until ctx is done or the hub is closed.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)
	defer func() {
		for client := range h.clients {
			close(client)
			delete(h.clients, client)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.quit:
			return

		case client := <-h.register:
			h.clients[client] = true
			h.mu.RLock()
			last := h.last
			h.mu.RUnlock()
			if last != nil {
				client <- *last
			}

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client)
			}

		case event := <-h.broadcast:
			for client := range h.clients {
				select {
				case client <- event:
				default:
					// slow client
					close(client)
					delete(h.clients, client)
				}
			}
		}
	}
}

// Write broadcasts events to connected clients.
func (h *Hub) Write(events []models.ProgressEvent) error {
	for _, ev := range events {
		h.mu.Lock()
		last := ev
		h.last = &last
		h.mu.Unlock()

		select {
		case h.broadcast <- ev:
		case <-h.stopped:
			return nil
		case <-h.quit:
			return nil
		}
	}
	return nil
}

// Last returns the most recent event, if any.
func (h *Hub) Last() (models.ProgressEvent, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.last == nil {
		return models.ProgressEvent{}, false
	}
	return *h.last, true
}

// Close disconnects every client and stops Run.
func (h *Hub) Close() error {
	h.quitOnce.Do(func() {
		close(h.quit)
	})
	return nil
}

// ServeHTTP streams events as text/event-stream until the client leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	client := make(chan models.ProgressEvent, clientBuffer)
	select {
	case h.register <- client:
	case <-h.stopped:
		http.Error(w, "Event stream closed", http.StatusServiceUnavailable)
		return
	case <-r.Context().Done():
		return
	}

	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			select {
			case h.unregister <- client:
			case <-h.stopped:
			}
			return
		case ev, ok := <-client:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: progress\n")
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}
