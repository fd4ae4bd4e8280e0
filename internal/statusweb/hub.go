// Package statusweb serves the relay status as JSON and streams events to
// WebSocket clients.
package statusweb

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chaz8081/gps-relay/internal/event"
	"github.com/chaz8081/gps-relay/internal/session"
)

const clientBuffer = 64

// StatusSource supplies the snapshot served by /api/status.
type StatusSource interface {
	Status() session.Status
}

// Frame is the JSON message sent to WebSocket clients. The first frame on
// a connection carries Status; every later frame carries one Event.
type Frame struct {
	Status  *session.Status `json:"status,omitempty"`
	Event   *event.Event    `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"` // GPS JSON for rx/tx events
	Stamp   int64           `json:"stamp"`             // Unix ms
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans events out to connected WebSocket clients.
type Hub struct {
	status   StatusSource
	upgrader websocket.Upgrader

	clientsMu sync.RWMutex
	clients   map[*wsClient]struct{}
}

// New creates a hub serving snapshots from status.
func New(status StatusSource) *Hub {
	return &Hub{
		status:  status,
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP routes: GET /api/status and /ws.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", h.handleStatus)
	mux.HandleFunc("/ws", h.handleWS)
	return mux
}

// Run serves on addr until ctx is cancelled.
func (h *Hub) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
		h.closeClients()
	}()

	slog.Info("[WS] listening", "addr", addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (h *Hub) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	data, err := json.Marshal(h.status.Status())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[WS] upgrade failed", "error", err)
		return
	}

	client := &wsClient{conn: conn, send: make(chan []byte, clientBuffer)}

	st := h.status.Status()
	if data, err := json.Marshal(Frame{Status: &st, Stamp: time.Now().UnixMilli()}); err == nil {
		client.send <- data
	}

	h.clientsMu.Lock()
	h.clients[client] = struct{}{}
	n := len(h.clients)
	h.clientsMu.Unlock()
	slog.Info("[WS] client connected", "clients", n)

	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	go func() {
		defer h.remove(client)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *Hub) remove(client *wsClient) {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	slog.Info("[WS] client disconnected", "clients", len(h.clients))
}

func (h *Hub) closeClients() {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
	}
}

// Clients returns the number of connected WebSocket clients.
func (h *Hub) Clients() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// Listen is an event.Listener that broadcasts ev to every client. Slow
// clients miss frames rather than blocking the emitter.
func (h *Hub) Listen(ev event.Event) {
	frame := Frame{Event: &ev, Stamp: ev.Time.UnixMilli()}
	if (ev.Kind == event.KindDataReceived || ev.Kind == event.KindTransmitted) && json.Valid(ev.Data) {
		frame.Payload = json.RawMessage(ev.Data)
		ev.Data = nil
	}
	data, err := json.Marshal(frame)
	if err != nil {
		slog.Warn("[WS] encoding event", "kind", ev.Kind, "error", err)
		return
	}

	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	for client := range h.clients {
		select {
		case client.send <- data:
		default:
		}
	}
}
