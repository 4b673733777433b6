// Package server manages individual WebSocket clients, handling read/write
// pumps and lifecycle control for each connection.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Client represents a WebSocket client connection in the chat system.
// It manages the connection state, message sending channel, hub reference,
// and client address information.
type Client struct {
	id             string
	conn           *websocket.Conn
	send           chan []byte
	hub            *Hub
	addr           string
	closed         bool
	maxMessageSize int64
	evictOnce      sync.Once
}

// NewClient creates a new Client instance with the provided WebSocket connection,
// hub reference, and client address. Every client gets a fresh connection id.
// The client's send channel is buffered to handle message queuing.
func NewClient(conn *websocket.Conn, hub *Hub, addr string) *Client {
	if conn != nil {
		conn.SetReadLimit(hub.cfg.MaxMessageSize)
	}

	return &Client{
		id:             uuid.NewString(),
		conn:           conn,
		send:           make(chan []byte, hub.cfg.SendBufferSize),
		hub:            hub,
		addr:           addr,
		closed:         false,
		maxMessageSize: hub.cfg.MaxMessageSize,
	}
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	log := c.hub.log
	if err := c.conn.SetReadDeadline(time.Now().Add(60 * time.Second)); err != nil {
		log.Error("Error setting initial read deadline", "addr", c.addr, "error", err)
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(60 * time.Second)); err != nil {
			log.Error("Error setting read deadline in pong handler", "addr", c.addr, "error", err)
		}
		return nil
	})
}

// handleReadError logs the read error according to its kind.
func (c *Client) handleReadError(err error) {
	log := c.hub.log

	if errors.Is(err, websocket.ErrReadLimit) {
		log.Warn("Message exceeded maximum size", "addr", c.addr, "limit", c.maxMessageSize)
		return
	}

	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure) {
		log.Info("Client disconnected", "conn", c.id, "addr", c.addr, "reason", err)
		return
	}

	if errors.Is(err, io.EOF) || isExpectedCloseError(err) {
		log.Info("Client connection closed", "conn", c.id, "addr", c.addr, "reason", err)
		return
	}

	if websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig) {
		log.Warn("Unexpected WebSocket error", "addr", c.addr, "error", err)
		return
	}

	log.Warn("WebSocket read error", "addr", c.addr, "error", err)
}

// processMessage decodes one request, dispatches it to the broker and queues
// the ack. Requests without an ack id get no reply.
func (c *Client) processMessage(rawMessage []byte) {
	var env InboundEnvelope
	if err := json.Unmarshal(rawMessage, &env); err != nil {
		c.hub.log.Warn("Invalid message", "conn", c.id, "addr", c.addr, "error", err)
		c.queue(OutboundEnvelope{Event: EventError, Data: failure(CodeBadRequest)})
		return
	}

	result := c.hub.dispatch(c, env)
	if env.Ack == nil {
		return
	}
	c.queue(OutboundEnvelope{Event: EventAck, Ack: env.Ack, Data: result})
}

func (c *Client) queue(env OutboundEnvelope) {
	frame, err := json.Marshal(env)
	if err != nil {
		c.hub.log.Error("Error encoding reply", "conn", c.id, "error", err)
		return
	}
	if !c.hub.safeSend(c, frame) {
		c.hub.evict(c)
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.leave(c)
		if err := c.conn.Close(); err != nil {
			if !isExpectedCloseError(err) {
				c.hub.log.Error("Error closing connection in readPump", "error", err)
			}
		}
	}()

	c.setupReadConnection()

	for {
		_, rawMessage, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}

		c.processMessage(rawMessage)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-c.send:
		return c.handleMessage(message, ok)
	case <-ticker.C:
		return c.handlePing()
	}
}

// closeConnection safely closes the WebSocket connection with proper error handling
func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil {
		if !isExpectedCloseError(err) {
			c.hub.log.Error("Error closing connection in writePump", "error", err)
		}
	}
}

// handleMessage processes outgoing messages and returns false if the connection should be closed
func (c *Client) handleMessage(message []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		c.hub.log.Error("Error setting write deadline", "addr", c.addr, "error", err)
		return false
	}

	if !ok {
		return c.writeCloseMessage()
	}

	return c.writeTextMessage(message)
}

// writeCloseMessage sends a close message to the client
func (c *Client) writeCloseMessage() bool {
	if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
		if !isExpectedCloseError(err) {
			c.hub.log.Error("Error writing close message", "addr", c.addr, "error", err)
		}
	}
	return false
}

// writeTextMessage writes one frame per queued message. Frames are JSON
// objects, so they are never batched into a single frame.
func (c *Client) writeTextMessage(message []byte) bool {
	if !c.writeFrame(message) {
		return false
	}

	n := len(c.send)
	for i := 0; i < n; i++ {
		queued, ok := <-c.send
		if !ok {
			return c.writeCloseMessage()
		}
		if !c.writeFrame(queued) {
			return false
		}
	}
	return true
}

func (c *Client) writeFrame(message []byte) bool {
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.hub.log.Error("Error writing message", "addr", c.addr, "error", err)
		}
		return false
	}
	return true
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		c.hub.log.Error("Error setting write deadline for ping", "addr", c.addr, "error", err)
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.hub.log.Error("Error writing ping message", "addr", c.addr, "error", err)
		return false
	}
	return true
}
