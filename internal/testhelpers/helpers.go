// Package testhelpers provides common utilities for testing the roomchat
// server end to end: a fully wired test server, a WebSocket dialer with an
// allowed origin, and an ack-aware session wrapper.
package testhelpers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Tyrowin/roomchat/internal/broker"
	"github.com/Tyrowin/roomchat/internal/identity"
	"github.com/Tyrowin/roomchat/internal/rooms"
	"github.com/Tyrowin/roomchat/internal/server"
	"github.com/gorilla/websocket"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
)

// TestOrigin is the Origin header every test connection sends. The default
// configuration allows it.
const TestOrigin = "http://localhost:8080"

const readTimeout = 2 * time.Second

// Env is a running server with the pieces tests need to inspect.
type Env struct {
	Server *httptest.Server
	Hub    *server.Hub
	Broker *broker.Broker
	Store  *rooms.Store
}

// NewEnv wires a store, hub and broker behind an httptest server the same way
// the binary does. customize may adjust the configuration before wiring.
func NewEnv(t *testing.T, customize func(cfg *server.Config)) *Env {
	t.Helper()

	cfg := server.NewConfig()
	if customize != nil {
		customize(cfg)
	}
	log := logs.GetLoggerFromLevel(slog.LevelDebug)

	store := rooms.NewStore(rooms.WithHistoryLimit(cfg.HistoryLimit))
	store.Seed(cfg.SeedRooms...)

	hub := server.NewHub(log, *cfg)
	b := broker.New(log, identity.NewRegistry(), store, hub)
	hub.Attach(b)
	go hub.Run()

	ts := httptest.NewServer(server.SetupRoutes(hub))
	t.Cleanup(func() {
		ts.Close()
		_ = hub.Shutdown(5 * time.Second)
	})

	return &Env{Server: ts, Hub: hub, Broker: b, Store: store}
}

// WebSocketURL returns the /ws endpoint of the environment.
func (e *Env) WebSocketURL() string {
	return "ws" + strings.TrimPrefix(e.Server.URL, "http") + "/ws"
}

// Connect dials the environment and waits until the hub has registered the
// new client.
func (e *Env) Connect(t *testing.T) *Session {
	t.Helper()

	before := e.Hub.ClientCount()
	conn, err := ConnectWebSocket(e.WebSocketURL())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.Eventually(t, func() bool {
		return e.Hub.ClientCount() > before
	}, readTimeout, 5*time.Millisecond)

	return &Session{Conn: conn}
}

// ConnectWebSocket creates a WebSocket connection to the specified URL.
// It returns the connection or an error if connection fails.
func ConnectWebSocket(url string) (*websocket.Conn, error) {
	return ConnectWebSocketWithOrigin(url, TestOrigin)
}

// ConnectWebSocketWithOrigin dials url sending origin, or no Origin header
// when origin is empty.
func ConnectWebSocketWithOrigin(url, origin string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// Frame is a decoded server frame.
type Frame struct {
	Event string          `json:"event"`
	Ack   *int64          `json:"ack,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Decode unmarshals the frame payload into v.
func (f Frame) Decode(t *testing.T, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(f.Data, v))
}

// Session is one test client. Pushed frames read while waiting for an ack are
// kept and handed out by Expect in arrival order. A Session is not safe for
// concurrent use.
type Session struct {
	Conn    *websocket.Conn
	nextAck int64
	pending []Frame
}

// Send writes a request without an ack id.
func (s *Session) Send(t *testing.T, event string, data any) {
	t.Helper()
	require.NoError(t, s.Conn.WriteJSON(request(event, nil, data)))
}

// Request writes a request with a fresh ack id and returns its ack frame.
func (s *Session) Request(t *testing.T, event string, data any) Frame {
	t.Helper()

	s.nextAck++
	ack := s.nextAck
	require.NoError(t, s.Conn.WriteJSON(request(event, &ack, data)))

	for {
		frame := s.read(t)
		if frame.Event == "ack" && frame.Ack != nil && *frame.Ack == ack {
			return frame
		}
		s.pending = append(s.pending, frame)
	}
}

// Expect returns the next pushed frame named event, discarding other pushed
// frames that arrive first.
func (s *Session) Expect(t *testing.T, event string) Frame {
	t.Helper()

	for len(s.pending) > 0 {
		frame := s.pending[0]
		s.pending = s.pending[1:]
		if frame.Event == event {
			return frame
		}
	}
	for {
		frame := s.read(t)
		if frame.Event == event {
			return frame
		}
	}
}

// ExpectNone fails if a frame named event arrives within wait. Other frames
// are kept for later Expect calls.
func (s *Session) ExpectNone(t *testing.T, event string, wait time.Duration) {
	t.Helper()

	for _, frame := range s.pending {
		require.NotEqual(t, event, frame.Event, "unexpected %s frame", event)
	}

	deadline := time.Now().Add(wait)
	for {
		require.NoError(t, s.Conn.SetReadDeadline(deadline))
		var frame Frame
		err := s.Conn.ReadJSON(&frame)
		if err != nil {
			var netErr net.Error
			require.True(t, errors.As(err, &netErr) && netErr.Timeout(), "read failed: %v", err)
			// A timed out gorilla connection cannot be read again.
			return
		}
		require.NotEqual(t, event, frame.Event, "unexpected %s frame", event)
		s.pending = append(s.pending, frame)
	}
}

// Close sends a normal close frame and closes the connection.
func (s *Session) Close() {
	_ = s.Conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = s.Conn.Close()
}

func (s *Session) read(t *testing.T) Frame {
	t.Helper()
	require.NoError(t, s.Conn.SetReadDeadline(time.Now().Add(readTimeout)))
	var frame Frame
	require.NoError(t, s.Conn.ReadJSON(&frame))
	return frame
}

func request(event string, ack *int64, data any) map[string]any {
	msg := map[string]any{"event": event}
	if ack != nil {
		msg["ack"] = *ack
	}
	if data != nil {
		msg["data"] = data
	}
	return msg
}

// MakeRequest creates and executes an HTTP request, returning the response.
func MakeRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	req, err := http.NewRequest(method, url, http.NoBody)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	return resp
}
