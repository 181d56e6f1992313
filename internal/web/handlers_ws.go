package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"purifier-go-home/internal/accessory"
)

const (
	frameSnapshot  = "snapshot"
	frameUpdate    = "update"
	frameReachable = "reachable"
)

const (
	// frameQueue is how many accessory changes may wait for the hub.
	frameQueue = 256
	// clientQueue is how many frames a client may fall behind before it is
	// disconnected.
	clientQueue = 64
)

// wsMessage is one frame of the update stream.
type wsMessage struct {
	Type           string `json:"type"`
	Service        string `json:"service,omitempty"`
	Characteristic string `json:"characteristic,omitempty"`
	Value          any    `json:"value"`
}

// WSHub streams the accessory to WebSocket clients. A client first gets a
// snapshot frame, then every characteristic update and reachability change
// in the order the accessory produced them. A client that falls behind is
// disconnected. If the hub itself falls behind, queued changes are dropped
// and every client gets a fresh snapshot instead.
type WSHub struct {
	acc    *accessory.Accessory
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}

	register   chan *wsClient
	unregister chan *wsClient
	frames     chan wsMessage
	resync     chan struct{}

	done     chan struct{}
	stopOnce sync.Once
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

func newWSClient(conn *websocket.Conn) *wsClient {
	return &wsClient{conn: conn, send: make(chan []byte, clientQueue)}
}

// NewWSHub creates a hub for acc. It does nothing until Run is called.
func NewWSHub(acc *accessory.Accessory, logger *slog.Logger) *WSHub {
	return &WSHub{
		acc:        acc,
		logger:     logger,
		clients:    make(map[*wsClient]struct{}),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		frames:     make(chan wsMessage, frameQueue),
		resync:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// Run follows the accessory and serves clients until Stop is called.
func (h *WSHub) Run() {
	defer h.acc.OnUpdate(func(u accessory.ValueUpdate) {
		h.publish(wsMessage{Type: frameUpdate, Service: u.Service, Characteristic: u.Characteristic, Value: u.Value})
	})()
	defer h.acc.OnReachable(func(r bool) {
		h.publish(wsMessage{Type: frameReachable, Value: r})
	})()

	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			// Queued changes go to the existing clients first so the
			// snapshot is never followed by anything older.
			h.flush()
			if data := h.encode(wsMessage{Type: frameSnapshot, Value: h.acc.Mirror().Snapshot()}); data != nil {
				client.send <- data
			}
			h.mu.Lock()
			h.clients[client] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client connected", "total", total)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client disconnected", "total", total)

		case msg := <-h.frames:
			h.fanOut(h.encode(msg))

		case <-h.resync:
			h.drain()
			h.fanOut(h.encode(wsMessage{Type: frameSnapshot, Value: h.acc.Mirror().Snapshot()}))
		}
	}
}

// Stop disconnects all clients. Safe to call multiple times.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
	})
}

// Clients returns the number of connected clients.
func (h *WSHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// publish queues one accessory change. It runs on the mirror's notify path
// and never blocks.
func (h *WSHub) publish(msg wsMessage) {
	select {
	case h.frames <- msg:
	default:
		select {
		case h.resync <- struct{}{}:
			h.logger.Warn("ws stream behind, resending snapshot")
		default:
		}
	}
}

func (h *WSHub) flush() {
	for {
		select {
		case msg := <-h.frames:
			h.fanOut(h.encode(msg))
		default:
			return
		}
	}
}

// drain discards queued changes; the snapshot that follows covers them.
func (h *WSHub) drain() {
	for {
		select {
		case <-h.frames:
		default:
			return
		}
	}
}

func (h *WSHub) encode(msg wsMessage) []byte {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("ws marshal", "type", msg.Type, "err", err)
		return nil
	}
	return data
}

func (h *WSHub) fanOut(data []byte) {
	if data == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			delete(h.clients, client)
			close(client.send)
			h.logger.Warn("ws client too slow, disconnecting")
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(4096)

	client := newWSClient(conn)
	select {
	case s.wsHub.register <- client:
	case <-s.wsHub.done:
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	go s.wsWritePump(client)
	s.wsReadPump(client)
}

func (s *Server) wsWritePump(client *wsClient) {
	for msg := range client.send {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := client.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return
		}
	}
	client.conn.Close(websocket.StatusNormalClosure, "")
}

// wsReadPump only watches for the close; the stream is one-way.
func (s *Server) wsReadPump(client *wsClient) {
	defer func() {
		select {
		case s.wsHub.unregister <- client:
		case <-s.wsHub.done:
			client.conn.Close(websocket.StatusGoingAway, "server shutdown")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.wsHub.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		if _, _, err := client.conn.Read(ctx); err != nil {
			return
		}
	}
}
