package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/moltbunker/bondoracle/internal/events"
	"github.com/moltbunker/bondoracle/internal/logging"
	"github.com/moltbunker/bondoracle/internal/metrics"
	"github.com/moltbunker/bondoracle/internal/util"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
	wsReadLimit  = 64 * 1024
	// default per-client queue of encoded frames
	wsSendBuffer = 64
)

var (
	errHubClosed = errors.New("event stream closed")
	errHubFull   = errors.New("too many subscribers")
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The stream is read-only public data
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WebSocketMessage is one frame in either direction
type WebSocketMessage struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// SubscriptionFilter narrows the stream. Empty sets match everything.
type SubscriptionFilter struct {
	Types   []events.Type `json:"types,omitempty"`
	Reports []uint64      `json:"reports,omitempty"`
}

// WebSocketClient is one connected stream subscriber
type WebSocketClient struct {
	hub  *EventHub
	conn *websocket.Conn
	send chan []byte

	mu      sync.RWMutex
	types   map[events.Type]bool
	reports map[uint64]bool
}

// EventHub fans bus events out to websocket clients
type EventHub struct {
	bus        *events.Bus
	metrics    *metrics.PrometheusCollector
	maxClients int
	sendBuffer int

	mu      sync.RWMutex
	clients map[*WebSocketClient]bool
	closed  bool
}

// NewEventHub creates a hub reading from bus. maxClients <= 0 means no cap;
// sendBuffer is the per-client frame queue, after which a client is dropped.
func NewEventHub(bus *events.Bus, maxClients, sendBuffer int, pc *metrics.PrometheusCollector) *EventHub {
	if sendBuffer <= 0 {
		sendBuffer = wsSendBuffer
	}
	return &EventHub{
		bus:        bus,
		metrics:    pc,
		maxClients: maxClients,
		sendBuffer: sendBuffer,
		clients:    make(map[*WebSocketClient]bool),
	}
}

// Start subscribes to the bus and delivers events until ctx is done, then
// disconnects every client. The returned channel closes once it has stopped.
func (h *EventHub) Start(ctx context.Context) <-chan struct{} {
	sub := h.bus.Subscribe()
	return util.GoWithDone("event-hub", func() {
		defer sub.Unsubscribe()
		defer h.shutdown()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.C():
				if !ok {
					return
				}
				h.broadcast(ev)
			}
		}
	})
}

func (h *EventHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for client := range h.clients {
		h.drop(client)
	}
}

// add registers client unless the hub has stopped or is full
func (h *EventHub) add(client *WebSocketClient) error {
	h.mu.Lock()
	switch {
	case h.closed:
		h.mu.Unlock()
		return errHubClosed
	case h.maxClients > 0 && len(h.clients) >= h.maxClients:
		h.mu.Unlock()
		return errHubFull
	}
	h.clients[client] = true
	total := len(h.clients)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.IncrementConnections()
	}
	logging.Debug("WebSocket client connected",
		"total_clients", total,
		logging.Component("websocket"))
	return nil
}

// remove unregisters client if the hub still holds it
func (h *EventHub) remove(client *WebSocketClient) {
	h.mu.Lock()
	if h.clients[client] {
		h.drop(client)
	}
	total := len(h.clients)
	h.mu.Unlock()
	logging.Debug("WebSocket client disconnected",
		"total_clients", total,
		logging.Component("websocket"))
}

// drop removes client; h.mu must be held
func (h *EventHub) drop(client *WebSocketClient) {
	delete(h.clients, client)
	close(client.send)
	if h.metrics != nil {
		h.metrics.DecrementConnections()
	}
}

func (h *EventHub) broadcast(ev events.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		logging.Warn("failed to encode event", logging.Err(err), logging.Component("websocket"))
		return
	}
	data, err := json.Marshal(WebSocketMessage{Type: "event", Channel: string(ev.Type), Data: payload})
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		if !client.wants(ev) {
			continue
		}
		select {
		case client.send <- data:
		default:
			// Slow consumer; it can reconnect and catch up from the API
			logging.Warn("WebSocket client too slow, disconnecting", logging.Component("websocket"))
			h.drop(client)
		}
	}
}

// ClientCount returns the number of connected clients
func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades GET /v1/events/ws. The initial filter comes from the
// types and reports query parameters (comma separated).
func (h *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var filter SubscriptionFilter
	if raw := r.URL.Query().Get("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			filter.Types = append(filter.Types, events.Type(strings.TrimSpace(t)))
		}
	}
	if raw := r.URL.Query().Get("reports"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			id, err := strconv.ParseUint(strings.TrimSpace(part), 10, 64)
			if err != nil {
				http.Error(w, `{"error": "invalid report id"}`, http.StatusBadRequest)
				return
			}
			filter.Reports = append(filter.Reports, id)
		}
	}
	if err := validateTypes(filter.Types); err != nil {
		http.Error(w, fmt.Sprintf(`{"error": %q}`, err.Error()), http.StatusBadRequest)
		return
	}

	client := &WebSocketClient{
		hub:     h,
		send:    make(chan []byte, h.sendBuffer),
		types:   make(map[events.Type]bool),
		reports: make(map[uint64]bool),
	}
	client.apply(filter, true)

	// Registered before the upgrade completes so no event published after
	// the handshake is missed
	if err := h.add(client); err != nil {
		http.Error(w, fmt.Sprintf(`{"error": %q}`, err.Error()), http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.remove(client)
		logging.Warn("WebSocket upgrade failed",
			logging.Err(err),
			logging.Component("websocket"))
		return
	}
	client.conn = conn

	util.SafeGoWithName("ws-write", client.writePump)
	util.SafeGoWithName("ws-read", client.readPump)
}

func validateTypes(types []events.Type) error {
	for _, t := range types {
		known := false
		for _, k := range events.AllTypes {
			if t == k {
				known = true
				break
			}
		}
		if !known {
			return fmt.Errorf("unknown event type %q", t)
		}
	}
	return nil
}

func (c *WebSocketClient) wants(ev events.Event) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.types) > 0 && !c.types[ev.Type] {
		return false
	}
	if len(c.reports) > 0 && !c.reports[ev.ReportID] {
		return false
	}
	return true
}

// apply adds (or removes) filter entries
func (c *WebSocketClient) apply(f SubscriptionFilter, add bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range f.Types {
		if add {
			c.types[t] = true
		} else {
			delete(c.types, t)
		}
	}
	for _, id := range f.Reports {
		if add {
			c.reports[id] = true
		} else {
			delete(c.reports, id)
		}
	}
}

func (c *WebSocketClient) filter() SubscriptionFilter {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f := SubscriptionFilter{}
	for t := range c.types {
		f.Types = append(f.Types, t)
	}
	for id := range c.reports {
		f.Reports = append(f.Reports, id)
	}
	return f
}

// readPump handles subscription changes until the connection fails
func (c *WebSocketClient) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(wsReadLimit)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Debug("WebSocket read error",
					logging.Err(err),
					logging.Component("websocket"))
			}
			return
		}

		var msg WebSocketMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		c.handleMessage(&msg)
	}
}

// writePump owns all writes to the connection
func (c *WebSocketClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WebSocketClient) handleMessage(msg *WebSocketMessage) {
	switch msg.Type {
	case "subscribe", "unsubscribe":
		var f SubscriptionFilter
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &f); err != nil {
				c.sendError("invalid filter")
				return
			}
		}
		if err := validateTypes(f.Types); err != nil {
			c.sendError(err.Error())
			return
		}
		c.apply(f, msg.Type == "subscribe")
		c.sendMessage(msg.Type+"d", c.filter())
	case "ping":
		c.sendMessage("pong", nil)
	}
}

func (c *WebSocketClient) sendError(reason string) {
	c.sendMessage("error", map[string]string{"error": reason})
}

// sendMessage queues a control frame. The hub may have closed send already.
func (c *WebSocketClient) sendMessage(typ string, data any) {
	msg := WebSocketMessage{Type: typ}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return
		}
		msg.Data = raw
	}
	frame, err := json.Marshal(msg)
	if err != nil {
		return
	}

	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.clients[c] {
		return
	}
	select {
	case c.send <- frame:
	default:
	}
}
