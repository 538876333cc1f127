package main

import (
	"context"
	"sync"
	"time"

	"github.com/lyzr/meshcore/common/logger"
	meshredis "github.com/lyzr/meshcore/common/redis"
)

// Redis keys tracking client presence across gateway replicas.
func onlineKey(clientID string) string  { return "gw:online:" + clientID }
func sessionKey(clientID string) string { return "gw:session:" + clientID }
func pendingKey(clientID string) string { return "gw:pending:" + clientID }

// clientChannel is the pub/sub channel carrying frames bound for one client.
func clientChannel(clientID string) string { return "mesh:client:" + clientID }

// Hub maintains active WebSocket connections for this gateway replica and
// keeps the cross-replica presence keys current, so result delivery can
// distinguish "connected elsewhere", "within the reconnect window", and
// "gone".
type Hub struct {
	// Map: clientID -> []*Client
	connections map[string][]*Client
	mutex       sync.RWMutex

	register   chan *Client
	unregister chan *Client
	deliver    chan *Frame

	redis           *meshredis.Client
	reconnectWindow time.Duration
	log             *logger.Logger
}

// Frame is one payload bound for a client's WebSocket
type Frame struct {
	ClientID string
	Data     []byte
}

// NewHub creates a new Hub instance
func NewHub(redisClient *meshredis.Client, reconnectWindow time.Duration, log *logger.Logger) *Hub {
	return &Hub{
		connections:     make(map[string][]*Client),
		register:        make(chan *Client),
		unregister:      make(chan *Client),
		deliver:         make(chan *Frame, 256),
		redis:           redisClient,
		reconnectWindow: reconnectWindow,
		log:             log,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	h.log.Info("gateway hub started")

	for {
		select {
		case <-ctx.Done():
			return
		case client := <-h.register:
			h.registerClient(ctx, client)
		case client := <-h.unregister:
			h.unregisterClient(ctx, client)
		case frame := <-h.deliver:
			h.deliverToClient(frame)
		}
	}
}

// registerClient adds a client, marks it online, and drains any frames
// queued while it was inside its reconnect window.
func (h *Hub) registerClient(ctx context.Context, client *Client) {
	h.mutex.Lock()
	h.connections[client.clientID] = append(h.connections[client.clientID], client)
	total := len(h.connections[client.clientID])
	h.mutex.Unlock()

	if err := h.redis.Set(ctx, onlineKey(client.clientID), "1", 0); err != nil {
		h.log.Error("failed to mark client online", "client_id", client.clientID, "error", err)
	}
	if err := h.redis.Set(ctx, sessionKey(client.clientID), "1", h.reconnectWindow); err != nil {
		h.log.Error("failed to refresh client session", "client_id", client.clientID, "error", err)
	}

	// Drain frames queued during a reconnect gap.
	queued, err := h.redis.PopAllList(ctx, pendingKey(client.clientID))
	if err != nil {
		h.log.Error("failed to drain pending frames", "client_id", client.clientID, "error", err)
	}
	for _, data := range queued {
		client.send <- []byte(data)
	}

	h.log.Info("client registered",
		"client_id", client.clientID,
		"connections_for_client", total,
		"drained_frames", len(queued))
}

// unregisterClient removes a client. The session key keeps its TTL so the
// client can reconnect within the window and receive queued frames.
func (h *Hub) unregisterClient(ctx context.Context, client *Client) {
	h.mutex.Lock()
	clients := h.connections[client.clientID]
	remaining := 0
	for i, c := range clients {
		if c == client {
			h.connections[client.clientID] = append(clients[:i], clients[i+1:]...)
			close(client.send)
			remaining = len(h.connections[client.clientID])
			if remaining == 0 {
				delete(h.connections, client.clientID)
			}
			break
		}
	}
	h.mutex.Unlock()

	if remaining == 0 {
		if err := h.redis.Delete(ctx, onlineKey(client.clientID)); err != nil {
			h.log.Error("failed to mark client offline", "client_id", client.clientID, "error", err)
		}
	}

	h.log.Info("client unregistered", "client_id", client.clientID, "remaining_for_client", remaining)
}

// deliverToClient sends a frame to all local connections for a client
func (h *Hub) deliverToClient(frame *Frame) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	clients := h.connections[frame.ClientID]
	if len(clients) == 0 {
		// Not connected to this replica; another replica's subscriber
		// handles it, or the frame sits in the pending queue.
		return
	}

	for _, client := range clients {
		select {
		case client.send <- frame.Data:
		default:
			h.log.Warn("client send buffer full, closing connection", "client_id", frame.ClientID)
			close(client.send)
		}
	}
}

// HasLocalConnection reports whether this replica holds a live connection
// for the client
func (h *Hub) HasLocalConnection(clientID string) bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.connections[clientID]) > 0
}

// ConnectionCount returns the total number of active connections
func (h *Hub) ConnectionCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	count := 0
	for _, clients := range h.connections {
		count += len(clients)
	}
	return count
}
