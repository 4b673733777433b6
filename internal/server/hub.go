// Package server coordinates client registration, room subscriptions, signal
// fan-out, and connection cleanup for the roomchat WebSocket system via the
// Hub type.
package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Tyrowin/roomchat/internal/broker"
	"github.com/Tyrowin/roomchat/internal/rooms"
	"github.com/gorilla/websocket"
)

// Hub manages all WebSocket client connections and the subscriber set of every
// room. It is the broker's Gateway: the broker decides who hears what, the hub
// gets the bytes there.
type Hub struct {
	log        *slog.Logger
	cfg        Config
	broker     *broker.Broker
	validator  *requestValidator
	upgrader   websocket.Upgrader
	clients    map[string]*Client
	byRoom     map[rooms.RoomID]map[*Client]struct{}
	byClient   map[*Client]map[rooms.RoomID]struct{}
	register   chan *Client
	unregister chan *Client
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
}

var _ broker.Gateway = (*Hub)(nil)

// NewHub creates and initializes a new Hub instance. A broker must be attached
// with Attach before Run is called.
func NewHub(log *slog.Logger, cfg Config) *Hub {
	cfg = sanitizeConfig(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	origins := newOriginPolicy(log, cfg.AllowedOrigins)

	return &Hub{
		log:       log,
		cfg:       cfg,
		validator: newRequestValidator(cfg),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.check,
		},
		clients:    make(map[string]*Client),
		byRoom:     make(map[rooms.RoomID]map[*Client]struct{}),
		byClient:   make(map[*Client]map[rooms.RoomID]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Attach sets the broker that inbound events are dispatched to.
func (h *Hub) Attach(b *broker.Broker) {
	h.broker = b
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

func (h *Hub) safeSend(client *Client, message []byte) bool {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("Recovered from panic in safeSend", "panic", r)
		}
	}()

	// Hold the lock during the entire send operation to prevent race conditions
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	// Check if client is still registered and not closed
	if current, exists := h.clients[client.id]; !exists || current != client || client.closed {
		return false
	}

	select {
	case client.send <- message:
		return true
	default:
		return false
	}
}

// Run starts the hub's main event loop, handling client registration and
// unregistration. This method should be called in a separate goroutine as it
// runs until Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				h.log.Warn("Received nil client registration; skipping")
				continue
			}
			h.addClient(client)

		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) addClient(client *Client) {
	h.mutex.Lock()
	client.closed = false
	h.clients[client.id] = client
	clientCount := len(h.clients)
	h.mutex.Unlock()

	// The broker must know the connection before its first event is read.
	h.broker.Connect(client.id)
	h.log.Info("Client registered", "conn", client.id, "addr", client.addr, "clients", clientCount)

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.readPump()
	}()
}

// removeClient drops client and its subscriptions, closes its send channel and
// tells the broker. It is a no-op for clients already removed.
func (h *Hub) removeClient(client *Client) {
	if client == nil {
		return
	}

	h.mutex.Lock()
	if current, ok := h.clients[client.id]; !ok || current != client {
		h.mutex.Unlock()
		return
	}
	delete(h.clients, client.id)
	for room := range h.byClient[client] {
		delete(h.byRoom[room], client)
		if len(h.byRoom[room]) == 0 {
			delete(h.byRoom, room)
		}
	}
	delete(h.byClient, client)
	client.closed = true
	clientCount := len(h.clients)
	h.mutex.Unlock()

	// Close the channel after releasing the lock
	close(client.send)
	h.broker.Disconnect(client.id)
	h.log.Info("Client unregistered", "conn", client.id, "addr", client.addr, "clients", clientCount)
}

// leave hands client to the run loop for removal, or removes it directly once
// the loop has stopped.
func (h *Hub) leave(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.ctx.Done():
		h.removeClient(client)
	}
}

// Subscribe adds the connection to the room's subscriber set. Unknown
// connections are ignored.
func (h *Hub) Subscribe(conn string, room rooms.RoomID) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	client, ok := h.clients[conn]
	if !ok || client.closed {
		return
	}
	if h.byRoom[room] == nil {
		h.byRoom[room] = make(map[*Client]struct{})
	}
	h.byRoom[room][client] = struct{}{}
	if h.byClient[client] == nil {
		h.byClient[client] = make(map[rooms.RoomID]struct{})
	}
	h.byClient[client][room] = struct{}{}
}

// Deliver pushes s to a single connection and reports whether it was queued.
func (h *Hub) Deliver(conn string, s broker.Signal) bool {
	h.mutex.RLock()
	client, ok := h.clients[conn]
	h.mutex.RUnlock()
	if !ok {
		return false
	}

	frame, err := encodeSignal(s)
	if err != nil {
		h.log.Error("Error encoding signal", "signal", s.Name, "error", err)
		return false
	}
	if !h.safeSend(client, frame) {
		h.evict(client)
		return false
	}
	return true
}

// Publish pushes s to every subscriber of room.
func (h *Hub) Publish(room rooms.RoomID, s broker.Signal) {
	h.fanOut(h.getSubscriberSnapshot(room), s)
}

// Broadcast pushes s to every registered client.
func (h *Hub) Broadcast(s broker.Signal) {
	h.fanOut(h.getClientSnapshot(), s)
}

func (h *Hub) fanOut(clients []*Client, s broker.Signal) {
	if len(clients) == 0 {
		return
	}

	frame, err := encodeSignal(s)
	if err != nil {
		h.log.Error("Error encoding signal", "signal", s.Name, "error", err)
		return
	}

	h.log.Debug("Fanning out signal", "signal", s.Name, "clients", len(clients))
	for _, client := range clients {
		if !h.safeSend(client, frame) {
			h.evict(client)
		}
	}
}

// evict closes the connection of a client that cannot keep up. Its read pump
// then fails and the client goes through the normal removal path.
func (h *Hub) evict(client *Client) {
	client.evictOnce.Do(func() {
		h.log.Warn("Client removed due to full send buffer", "conn", client.id, "addr", client.addr)
		if client.conn == nil {
			return
		}
		if err := client.conn.Close(); err != nil && !isExpectedCloseError(err) {
			h.log.Error("Error closing evicted client", "conn", client.id, "error", err)
		}
	})
}

// getClientSnapshot returns a thread-safe snapshot of all current clients
func (h *Hub) getClientSnapshot() []*Client {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	return clients
}

func (h *Hub) getSubscriberSnapshot(room rooms.RoomID) []*Client {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	clients := make([]*Client, 0, len(h.byRoom[room]))
	for client := range h.byRoom[room] {
		clients = append(clients, client)
	}
	return clients
}

// shutdownClients gracefully closes all active client connections
func (h *Hub) shutdownClients() {
	h.log.Info("Shutting down all client connections...")

	clients := h.getClientSnapshot()

	for _, client := range clients {
		if client.conn != nil {
			if err := client.conn.Close(); err != nil {
				if !isExpectedCloseError(err) {
					h.log.Error("Error closing client connection", "addr", client.addr, "error", err)
				}
			}
		}
	}

	h.log.Info("Closed client connections", "count", len(clients))
}

// Shutdown initiates graceful shutdown of the hub and waits for all goroutines to complete.
// It returns after all client connections are closed and goroutines have finished,
// or when the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info("Initiating hub shutdown...")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info("Hub shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		h.log.Warn("Hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
