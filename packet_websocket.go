package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	wsSendBuffer   = 256 // Messages queued per client before packets are dropped
	wsWriteTimeout = 5 * time.Second
	wsPongTimeout  = 60 * time.Second
	wsPingInterval = 30 * time.Second
)

// wsClient is one connected packet feed subscriber
type wsClient struct {
	id    string
	conn  *websocket.Conn
	send  chan []byte
	vcids map[int]bool // Empty means every virtual channel
	apids map[int]bool // Empty means every APID
}

func (c *wsClient) wants(msg *PacketMessage) bool {
	if len(c.vcids) > 0 && !c.vcids[msg.VCID] {
		return false
	}
	if len(c.apids) > 0 && !c.apids[msg.APID] {
		return false
	}
	return true
}

// PacketWebSocketHandler serves the live packet feed on /ws/packets.
// Clients may filter with ?vcid=3&vcid=5&apid=100.
type PacketWebSocketHandler struct {
	clients    map[string]*wsClient
	clientsMu  sync.RWMutex
	maxClients int
	metrics    *PrometheusMetrics
	logger     *log.Logger
	upgrader   websocket.Upgrader
}

// NewPacketWebSocketHandler creates a new packet WebSocket handler
func NewPacketWebSocketHandler(maxClients int, metrics *PrometheusMetrics, logger *log.Logger) *PacketWebSocketHandler {
	return &PacketWebSocketHandler{
		clients:    make(map[string]*wsClient),
		maxClients: maxClients,
		metrics:    metrics,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:    1024,
			WriteBufferSize:   4096,
			EnableCompression: true, // Enable per-message-deflate compression
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func parseIntSet(values []string) (map[int]bool, error) {
	set := make(map[int]bool, len(values))
	for _, v := range values {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, err
		}
		set[n] = true
	}
	return set, nil
}

// HandleWebSocket upgrades the request and streams packets until the client
// goes away
func (h *PacketWebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)

	q := r.URL.Query()
	vcids, err := parseIntSet(q["vcid"])
	if err != nil {
		http.Error(w, "invalid vcid", http.StatusBadRequest)
		return
	}
	apids, err := parseIntSet(q["apid"])
	if err != nil {
		http.Error(w, "invalid apid", http.StatusBadRequest)
		return
	}

	h.clientsMu.RLock()
	full := len(h.clients) >= h.maxClients
	h.clientsMu.RUnlock()
	if full {
		h.logger.Warn("rejected websocket client, limit reached", "ip", ip, "limit", h.maxClients)
		http.Error(w, "Too many clients", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", "ip", ip, "error", err)
		return
	}

	client := &wsClient{
		id:    uuid.New().String(),
		conn:  conn,
		send:  make(chan []byte, wsSendBuffer),
		vcids: vcids,
		apids: apids,
	}
	h.clientsMu.Lock()
	h.clients[client.id] = client
	clientCount := len(h.clients)
	h.clientsMu.Unlock()
	h.metrics.SetWSClients(clientCount)
	h.logger.Info("websocket client connected", "id", client.id, "ip", ip, "clients", clientCount)

	go h.writeLoop(client)
	h.readLoop(client)
}

// readLoop discards client messages and keeps the read deadline fresh. It
// unregisters the client when the connection fails.
func (h *PacketWebSocketHandler) readLoop(c *wsClient) {
	defer h.unregister(c)

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("websocket read error", "id", c.id, "error", err)
			}
			return
		}
	}
}

// writeLoop is the only writer on the connection
func (h *PacketWebSocketHandler) writeLoop(c *wsClient) {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.logger.Debug("websocket write failed", "id", c.id, "error", err)
				return
			}
			h.metrics.RecordWSMessageSent()
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}

func (h *PacketWebSocketHandler) unregister(c *wsClient) {
	h.clientsMu.Lock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		close(c.send)
	}
	clientCount := len(h.clients)
	h.clientsMu.Unlock()
	h.metrics.SetWSClients(clientCount)
	h.logger.Info("websocket client disconnected", "id", c.id, "clients", clientCount)
}

// HandlePacket queues the packet for every interested client. A client whose
// queue is full misses the packet.
func (h *PacketWebSocketHandler) HandlePacket(msg *PacketMessage) {
	var data []byte
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	for _, c := range h.clients {
		if !c.wants(msg) {
			continue
		}
		if data == nil {
			var err error
			if data, err = json.Marshal(msg); err != nil {
				h.logger.Error("failed to marshal packet", "error", err)
				return
			}
		}
		select {
		case c.send <- data:
		default:
			h.metrics.RecordWSDropped()
		}
	}
}

// ClientCount returns the number of connected clients
func (h *PacketWebSocketHandler) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// CloseAll disconnects every client
func (h *PacketWebSocketHandler) CloseAll() {
	h.clientsMu.Lock()
	for id, c := range h.clients {
		delete(h.clients, id)
		close(c.send)
	}
	h.clientsMu.Unlock()
	h.metrics.SetWSClients(0)
}
