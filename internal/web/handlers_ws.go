package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"zigbee-matter-bridge/internal/bridge"
)

// WSHub manages WebSocket connections and fans bridge events out to them.
type WSHub struct {
	clients map[*wsClient]struct{}
	mu      sync.RWMutex
	logger  *slog.Logger

	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan bridge.Event
	reply      chan wsReply

	done     chan struct{}
	stopOnce sync.Once
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte

	filterMu sync.RWMutex
	filter   wsFilter
}

// wsFilter selects the events a client receives. Empty sets match
// everything; events that are not about one endpoint pass the endpoint set.
type wsFilter struct {
	endpoints map[bridge.EndpointID]struct{}
	types     map[string]struct{}
}

func newWSFilter(eps []bridge.EndpointID, types []string) wsFilter {
	f := wsFilter{
		endpoints: make(map[bridge.EndpointID]struct{}, len(eps)),
		types:     make(map[string]struct{}, len(types)),
	}
	for _, ep := range eps {
		f.endpoints[ep] = struct{}{}
	}
	for _, t := range types {
		f.types[t] = struct{}{}
	}
	return f
}

func (f wsFilter) matches(evt bridge.Event) bool {
	if len(f.types) > 0 {
		if _, ok := f.types[evt.Type]; !ok {
			return false
		}
	}
	ep := evt.Endpoint()
	if ep == 0 || len(f.endpoints) == 0 {
		return true
	}
	_, ok := f.endpoints[ep]
	return ok
}

// subscribe replaces the client's filter.
func (c *wsClient) subscribe(eps []bridge.EndpointID, types []string) {
	c.filterMu.Lock()
	defer c.filterMu.Unlock()
	c.filter = newWSFilter(eps, types)
}

func (c *wsClient) wants(evt bridge.Event) bool {
	c.filterMu.RLock()
	defer c.filterMu.RUnlock()
	return c.filter.matches(evt)
}

// wsReply is a message for one client. Once a client is registered only
// the hub writes to its send channel, since the hub also closes it.
type wsReply struct {
	client *wsClient
	msg    bridge.Event
}

// queue hands a message to the write pump without blocking. It reports
// false when the client's buffer is full.
func (c *wsClient) queue(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		clients:    make(map[*wsClient]struct{}),
		logger:     logger,
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan bridge.Event, 256),
		reply:      make(chan wsReply, 16),
		done:       make(chan struct{}),
	}
}

// Run starts the hub event loop.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.done:
			// Close all remaining clients on shutdown
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
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

		case r := <-h.reply:
			h.mu.RLock()
			_, ok := h.clients[r.client]
			h.mu.RUnlock()
			if ok && !r.client.queue(r.msg) {
				h.logger.Debug("ws reply dropped", "type", r.msg.Type)
			}

		case evt := <-h.broadcast:
			data, err := json.Marshal(evt)
			if err != nil {
				h.logger.Error("ws marshal", "err", err, "type", evt.Type)
				continue
			}
			h.mu.Lock()
			var slow []*wsClient
			for client := range h.clients {
				if !client.wants(evt) {
					continue
				}
				select {
				case client.send <- data:
				default:
					// Client too slow, mark for eviction
					slow = append(slow, client)
				}
			}
			for _, client := range slow {
				delete(h.clients, client)
				close(client.send)
				h.logger.Warn("ws client evicted (too slow)")
			}
			h.mu.Unlock()
		}
	}
}

// Stop signals the hub to shut down. Safe to call multiple times.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
	})
}

// Broadcast queues an event for all interested clients.
func (h *WSHub) Broadcast(evt bridge.Event) {
	select {
	case h.broadcast <- evt:
	default:
		h.logger.Warn("ws broadcast channel full, dropping event", "type", evt.Type)
	}
}

// Clients returns the number of connected clients.
func (h *WSHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// wsRequest is a client message. It replaces the client's filter; empty
// lists match everything.
type wsRequest struct {
	Subscribe []bridge.EndpointID `json:"subscribe"`
	Types     []string            `json:"types,omitempty"`
}

// Messages the server sends besides bridge events.
const (
	wsTypeSnapshot   = "snapshot"
	wsTypeSubscribed = "subscribed"
)

type wsSnapshot struct {
	Endpoints []bridge.EndpointInfo `json:"endpoints"`
}

type wsSubscribed struct {
	Endpoints []bridge.EndpointID `json:"endpoints"`
	Types     []string            `json:"types"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}
	// If no allowedOrigins configured, nhooyr defaults to same-origin check.

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}

	conn.SetReadLimit(4096)

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}
	// The current endpoint set goes out first so the client can render
	// before any report arrives.
	eps := s.ctrl.Endpoints()
	if eps == nil {
		eps = []bridge.EndpointInfo{}
	}
	client.queue(bridge.Event{Type: wsTypeSnapshot, Data: wsSnapshot{Endpoints: eps}})

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
	// Channel closed by hub; close connection.
	client.conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) wsReadPump(client *wsClient) {
	defer func() {
		select {
		case s.wsHub.unregister <- client:
		case <-s.wsHub.done:
			// Hub already shut down; close connection directly.
			client.conn.Close(websocket.StatusGoingAway, "server shutdown")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Cancel read context when hub shuts down.
	go func() {
		select {
		case <-s.wsHub.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		typ, data, err := client.conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		var req wsRequest
		if err := json.Unmarshal(data, &req); err != nil {
			s.logger.Debug("ws bad request", "err", err)
			continue
		}
		client.subscribe(req.Subscribe, req.Types)
		ack := wsSubscribed{Endpoints: req.Subscribe, Types: req.Types}
		if ack.Endpoints == nil {
			ack.Endpoints = []bridge.EndpointID{}
		}
		if ack.Types == nil {
			ack.Types = []string{}
		}
		select {
		case s.wsHub.reply <- wsReply{client: client, msg: bridge.Event{Type: wsTypeSubscribed, Data: ack}}:
		case <-ctx.Done():
			return
		}
		s.logger.Debug("ws subscription", "endpoints", req.Subscribe, "types", req.Types)
	}
}
