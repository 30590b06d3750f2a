// Package livetail fans coordination events out to connected operator
// WebSocket clients, each subscribed to one or more event kinds
// (agent.*, channel.*, workqueue.*, dlq.*).
package livetail

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/logger"
)

// Event is one coordination-plane occurrence pushed to subscribed
// clients. Kind identifies the subscription topic (e.g.
// "registry.heartbeat", "workqueue.claimed", "dlq.entry").
type Event struct {
	Kind       string                 `json:"kind"`
	OccurredAt time.Time              `json:"occurredAt"`
	Detail     map[string]interface{} `json:"detail"`
}

// Client is one connected operator WebSocket session.
type Client struct {
	ID     string
	conn   *websocket.Conn
	kinds  map[string]bool
	all    bool
	send   chan []byte
	hub    *Hub
	mu     sync.RWMutex
	logger *logger.Logger
}

func newClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:     id,
		conn:   conn,
		kinds:  make(map[string]bool),
		send:   make(chan []byte, 256),
		hub:    hub,
		logger: log.WithFields(zap.String("client_id", id)),
	}
}

// Hub fans Event values out to every Client subscribed to their Kind.
type Hub struct {
	clients     map[*Client]bool
	kindClients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan Event

	closeOnce sync.Once
	done      chan struct{}

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub builds a Hub. Call Run in a goroutine before accepting
// connections.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:     make(map[*Client]bool),
		kindClients: make(map[string]map[*Client]bool),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		broadcast:   make(chan Event, 256),
		done:        make(chan struct{}),
		logger:      log.WithFields(zap.String("component", "livetail-hub")),
	}
}

// Run processes registrations and broadcasts until ctx is cancelled or
// Close is called.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("livetail hub started")
	defer h.logger.Info("livetail hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-h.done:
			h.closeAll()
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
		case client := <-h.unregister:
			h.dropClient(client)
		case evt := <-h.broadcast:
			h.deliver(evt)
		}
	}
}

// Close stops the hub's Run loop and closes every connected client.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
	}
	h.clients = make(map[*Client]bool)
	h.kindClients = make(map[string]map[*Client]bool)
}

func (h *Hub) dropClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	for kind := range client.kinds {
		if subs, ok := h.kindClients[kind]; ok {
			delete(subs, client)
			if len(subs) == 0 {
				delete(h.kindClients, kind)
			}
		}
	}
}

func (h *Hub) deliver(evt Event) {
	h.mu.RLock()
	recipients := make(map[*Client]bool)
	for client := range h.clients {
		client.mu.RLock()
		if client.all || client.kinds[evt.Kind] {
			recipients[client] = true
		}
		client.mu.RUnlock()
	}
	h.mu.RUnlock()
	if len(recipients) == 0 {
		return
	}

	data, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error("failed to marshal livetail event", zap.Error(err))
		return
	}

	for client := range recipients {
		select {
		case client.send <- data:
		default:
			h.dropClient(client)
		}
	}
}

// Publish enqueues an event for delivery to subscribed clients. It
// never blocks the caller: a full broadcast buffer drops the event.
func (h *Hub) Publish(evt Event) {
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}
	select {
	case h.broadcast <- evt:
	default:
		h.logger.Warn("livetail broadcast buffer full, dropping event", zap.String("kind", evt.Kind))
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) subscribe(client *Client, kind string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.kindClients[kind]; !ok {
		h.kindClients[kind] = make(map[*Client]bool)
	}
	h.kindClients[kind][client] = true
}

func (h *Hub) unsubscribe(client *Client, kind string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.kindClients[kind]; ok {
		delete(subs, client)
		if len(subs) == 0 {
			delete(h.kindClients, kind)
		}
	}
}
