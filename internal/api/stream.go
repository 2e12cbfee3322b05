package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/talgya/kinfolk/internal/engine"
)

const (
	recentEvents  = 50
	clientBuffer  = 256
	writeDeadline = 5 * time.Second
	pingInterval  = 15 * time.Second
	readDeadline  = 2 * pingInterval
)

// StreamMessage is one websocket frame. The first frame a client receives is
// a "catchup" carrying the most recent events; every later frame is a
// "batch" holding one tick's events.
type StreamMessage struct {
	Type   string         `json:"type"`
	Tick   uint64         `json:"tick"`
	Time   float64        `json:"time"`
	Events []engine.Event `json:"events"`
}

// Hub fans event batches out to websocket clients. It is an engine.Sink.
// A client that cannot keep up loses batches rather than stalling the engine.
type Hub struct {
	MaxClients int

	mu       sync.Mutex
	clients  map[uint64]chan []byte
	nextID   uint64
	recent   []engine.Event
	lastTick uint64
	lastTime float64

	upgrader websocket.Upgrader
}

// NewHub creates a hub accepting at most maxClients concurrent streams.
func NewHub(maxClients int) *Hub {
	return &Hub{
		MaxClients: maxClients,
		clients:    make(map[uint64]chan []byte),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// WriteBatch broadcasts b and remembers its events for catch-up.
func (h *Hub) WriteBatch(_ context.Context, b engine.Batch) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastTick, h.lastTime = b.Tick, b.Time
	if len(b.Events) == 0 {
		return nil
	}
	h.recent = append(h.recent, b.Events...)
	if over := len(h.recent) - recentEvents; over > 0 {
		h.recent = append(h.recent[:0:0], h.recent[over:]...)
	}

	if len(h.clients) == 0 {
		return nil
	}
	msg, err := json.Marshal(StreamMessage{Type: "batch", Tick: b.Tick, Time: b.Time, Events: b.Events})
	if err != nil {
		return err
	}
	for id, ch := range h.clients {
		select {
		case ch <- msg:
		default:
			slog.Debug("stream client lagging, batch dropped", "client", id, "tick", b.Tick)
		}
	}
	return nil
}

// Recent returns up to limit of the latest events, oldest first.
func (h *Hub) Recent(limit int) []engine.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	start := 0
	if limit > 0 && len(h.recent) > limit {
		start = len(h.recent) - limit
	}
	return append([]engine.Event(nil), h.recent[start:]...)
}

// Clients returns the number of connected streams.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// register adds a client and returns its catch-up frame. It fails when the
// hub is full.
func (h *Hub) register() (uint64, chan []byte, StreamMessage, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.MaxClients > 0 && len(h.clients) >= h.MaxClients {
		return 0, nil, StreamMessage{}, false
	}
	h.nextID++
	ch := make(chan []byte, clientBuffer)
	h.clients[h.nextID] = ch
	catchup := StreamMessage{
		Type:   "catchup",
		Tick:   h.lastTick,
		Time:   h.lastTime,
		Events: append([]engine.Event{}, h.recent...),
	}
	return h.nextID, ch, catchup, true
}

func (h *Hub) unregister(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, id)
}

// ServeHTTP upgrades the request and streams batches until the client goes
// away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	id, out, catchup, ok := h.register()
	if !ok {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many stream clients"),
			time.Now().Add(time.Second))
		return
	}
	defer h.unregister(id)
	slog.Info("stream client connected", "client", id, "remote", clientAddr(r))

	_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	if err := conn.WriteJSON(catchup); err != nil {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	writeErr := make(chan error, 1)
	go func() {
		ping := time.NewTicker(pingInterval)
		defer ping.Stop()
		for {
			select {
			case <-ctx.Done():
				writeErr <- ctx.Err()
				return
			case msg := <-out:
				_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					writeErr <- err
					return
				}
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeDeadline)); err != nil {
					writeErr <- err
					return
				}
			}
		}
	}()

	// Clients never send data; reading only detects close and handles pongs.
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readDeadline))
	})
	for {
		_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	cancel()
	select {
	case <-writeErr:
	case <-time.After(500 * time.Millisecond):
	}
	slog.Info("stream client disconnected", "client", id)
}
