package server_test

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/Tyrowin/roomchat/internal/broker"
	"github.com/Tyrowin/roomchat/internal/identity"
	"github.com/Tyrowin/roomchat/internal/rooms"
	"github.com/Tyrowin/roomchat/internal/server"
	"github.com/Tyrowin/roomchat/internal/testhelpers"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type welcomeAck struct {
	server.Result
	broker.Welcome
}

type roomAck struct {
	server.Result
	RoomID string `json:"roomId"`
}

type joinAck struct {
	server.Result
	RoomID   string          `json:"roomId"`
	Messages []rooms.Message `json:"messages"`
}

type delivered struct {
	RoomID  string        `json:"roomId"`
	Message rooms.Message `json:"message"`
}

type invited struct {
	RoomID string            `json:"roomId"`
	From   identity.Identity `json:"from"`
}

func setUsername(t *testing.T, s *testhelpers.Session, name string) broker.Welcome {
	t.Helper()
	var ack welcomeAck
	s.Request(t, server.EventSetUsername, name).Decode(t, &ack)
	require.True(t, ack.OK, "set_username failed: %s", ack.Error)
	return ack.Welcome
}

func result(t *testing.T, f testhelpers.Frame) server.Result {
	t.Helper()
	var r server.Result
	f.Decode(t, &r)
	return r
}

func TestHealthEndpoint(t *testing.T) {
	req := require.New(t)
	env := testhelpers.NewEnv(t, nil)

	resp := testhelpers.MakeRequest(t, http.MethodGet, env.Server.URL+"/")
	defer func() { _ = resp.Body.Close() }()

	req.Equal(http.StatusOK, resp.StatusCode)
	req.Equal("text/plain", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	req.NoError(err)
	req.Equal("roomchat server is running!", string(body))
}

func TestWebSocketEndpointRejectsNonGet(t *testing.T) {
	req := require.New(t)
	env := testhelpers.NewEnv(t, nil)

	resp := testhelpers.MakeRequest(t, http.MethodPost, env.Server.URL+"/ws")
	defer func() { _ = resp.Body.Close() }()

	req.Equal(http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestWebSocketRejectsDisallowedOrigin(t *testing.T) {
	req := require.New(t)
	env := testhelpers.NewEnv(t, nil)

	_, err := testhelpers.ConnectWebSocketWithOrigin(env.WebSocketURL(), "http://evil.example.com")
	req.Error(err)

	_, err = testhelpers.ConnectWebSocketWithOrigin(env.WebSocketURL(), "")
	req.Error(err)
	req.Equal(0, env.Hub.ClientCount())
}

func TestSetUsernameWelcomesAndBroadcasts(t *testing.T) {
	req := require.New(t)
	env := testhelpers.NewEnv(t, nil)
	alice := env.Connect(t)
	bob := env.Connect(t)

	welcome := setUsername(t, alice, "  alice ")
	req.NotEmpty(welcome.ConnectionID)
	req.Equal("alice", welcome.DisplayName)
	req.ElementsMatch([]string{"general", "random"}, welcome.RoomIDs)

	var ids []identity.Identity
	bob.Expect(t, string(broker.SignalIdentitiesUpdated)).Decode(t, &ids)
	req.Equal([]identity.Identity{{ConnectionID: welcome.ConnectionID, DisplayName: "alice"}}, ids)
}

func TestSetUsernameRejectsBlankAndLongNames(t *testing.T) {
	req := require.New(t)
	env := testhelpers.NewEnv(t, func(cfg *server.Config) { cfg.MaxNameLength = 5 })
	alice := env.Connect(t)

	req.Equal(server.CodeInvalidName, result(t, alice.Request(t, server.EventSetUsername, "   ")).Error)
	req.Equal(server.CodeInvalidName, result(t, alice.Request(t, server.EventSetUsername, "abcdefgh")).Error)
	req.Equal(server.CodeBadRequest, result(t, alice.Request(t, server.EventSetUsername, 42)).Error)
	req.Empty(env.Broker.Snapshot().Identities)
}

func TestRoomConversation(t *testing.T) {
	req := require.New(t)
	env := testhelpers.NewEnv(t, nil)
	alice := env.Connect(t)
	bob := env.Connect(t)

	setUsername(t, alice, "alice")

	var created roomAck
	alice.Request(t, server.EventCreateRoom, "team").Decode(t, &created)
	req.True(created.OK)
	req.Equal("team", created.RoomID)

	var roomIDs []string
	bob.Expect(t, string(broker.SignalRoomsUpdated)).Decode(t, &roomIDs)
	req.Equal([]string{"general", "random", "team"}, roomIDs)

	var joined joinAck
	bob.Request(t, server.EventJoinRoom, "team").Decode(t, &joined)
	req.True(joined.OK)
	req.Equal("team", joined.RoomID)
	req.NotNil(joined.Messages)
	req.Empty(joined.Messages)

	sent := alice.Request(t, server.EventSendMessage, map[string]string{"roomId": "team", "text": "hi"})
	req.True(result(t, sent).OK)

	var got delivered
	bob.Expect(t, string(broker.SignalMessageDelivered)).Decode(t, &got)
	req.Equal("team", got.RoomID)
	req.Equal("alice", got.Message.FromDisplayName)
	req.Equal("hi", got.Message.Text)
	req.NotZero(got.Message.TimestampMillis)

	var rejoined joinAck
	bob.Request(t, server.EventJoinRoom, "team").Decode(t, &rejoined)
	req.Len(rejoined.Messages, 1)
	req.Equal(got.Message, rejoined.Messages[0])
}

func TestCreateRoomIsIdempotent(t *testing.T) {
	req := require.New(t)
	env := testhelpers.NewEnv(t, nil)
	alice := env.Connect(t)
	bob := env.Connect(t)

	req.True(result(t, alice.Request(t, server.EventCreateRoom, "general")).OK)
	req.Equal(server.CodeInvalidName, result(t, alice.Request(t, server.EventCreateRoom, "a#b")).Error)
	req.Equal(server.CodeInvalidName, result(t, alice.Request(t, server.EventCreateRoom, " ")).Error)

	bob.ExpectNone(t, string(broker.SignalRoomsUpdated), 200*time.Millisecond)
}

func TestSendMessageValidation(t *testing.T) {
	req := require.New(t)
	env := testhelpers.NewEnv(t, func(cfg *server.Config) { cfg.MaxTextLength = 5 })
	alice := env.Connect(t)

	empty := alice.Request(t, server.EventSendMessage, map[string]string{"roomId": "general", "text": "   "})
	req.Equal(server.CodeEmptyMessage, result(t, empty).Error)

	long := alice.Request(t, server.EventSendMessage, map[string]string{"roomId": "general", "text": "too long"})
	req.Equal(server.CodeBadRequest, result(t, long).Error)

	noRoom := alice.Request(t, server.EventSendMessage, map[string]string{"text": "hi"})
	req.Equal(server.CodeInvalidRoomID, result(t, noRoom).Error)

	badRoom := alice.Request(t, server.EventSendMessage, map[string]string{"roomId": "a#", "text": "hi"})
	req.Equal(server.CodeInvalidRoomID, result(t, badRoom).Error)

	req.Empty(env.Store.History(rooms.Public("general")))
}

func TestAnonymousSenderAndAutoCreatedRoom(t *testing.T) {
	req := require.New(t)
	env := testhelpers.NewEnv(t, nil)
	alice := env.Connect(t)

	sent := alice.Request(t, server.EventSendMessage, map[string]string{"roomId": "lobby", "text": "anyone?"})
	req.True(result(t, sent).OK)

	history := env.Store.History(rooms.Public("lobby"))
	req.Len(history, 1)
	req.Equal(broker.UnknownSender, history[0].FromDisplayName)
	req.Contains(env.Broker.RoomIDs(), "lobby")
}

func TestDirectMessageFlow(t *testing.T) {
	req := require.New(t)
	env := testhelpers.NewEnv(t, nil)
	alice := env.Connect(t)
	bob := env.Connect(t)

	aliceID := setUsername(t, alice, "alice").ConnectionID
	bobID := setUsername(t, bob, "bob").ConnectionID
	expected := rooms.ResolveDirect(aliceID, bobID).String()

	var created roomAck
	alice.Request(t, server.EventCreateDM, bobID).Decode(t, &created)
	req.True(created.OK)
	req.Equal(expected, created.RoomID)

	var invite invited
	bob.Expect(t, string(broker.SignalDMInvited)).Decode(t, &invite)
	req.Equal(expected, invite.RoomID)
	req.Equal(identity.Identity{ConnectionID: aliceID, DisplayName: "alice"}, invite.From)

	var joined joinAck
	bob.Request(t, server.EventJoinDM, invite.RoomID).Decode(t, &joined)
	req.True(joined.OK)
	req.Empty(joined.Messages)

	var sent roomAck
	alice.Request(t, server.EventSendDM, map[string]string{"toConnectionId": bobID, "text": "psst"}).Decode(t, &sent)
	req.True(sent.OK)
	req.Equal(expected, sent.RoomID)

	var got delivered
	bob.Expect(t, string(broker.SignalMessageDelivered)).Decode(t, &got)
	req.Equal(expected, got.RoomID)
	req.Equal("psst", got.Message.Text)
	req.Equal(aliceID, got.Message.FromConnectionID)

	var echoed delivered
	alice.Expect(t, string(broker.SignalMessageDelivered)).Decode(t, &echoed)
	req.Equal(got, echoed)
}

func TestCreateDMUnknownTarget(t *testing.T) {
	req := require.New(t)
	env := testhelpers.NewEnv(t, nil)
	alice := env.Connect(t)

	var ack roomAck
	alice.Request(t, server.EventCreateDM, "nobody").Decode(t, &ack)
	req.False(ack.OK)
	req.Equal(server.CodeTargetNotFound, ack.Error)
	req.Empty(ack.RoomID)

	missing := alice.Request(t, server.EventSendDM, map[string]string{"text": "hi"})
	req.Equal(server.CodeTargetNotFound, result(t, missing).Error)
}

func TestRequestInitAndRoomList(t *testing.T) {
	req := require.New(t)
	env := testhelpers.NewEnv(t, nil)
	alice := env.Connect(t)
	welcome := setUsername(t, alice, "alice")

	var init struct {
		server.Result
		broker.Snapshot
	}
	alice.Request(t, server.EventRequestInit, nil).Decode(t, &init)
	req.True(init.OK)
	req.Equal([]identity.Identity{{ConnectionID: welcome.ConnectionID, DisplayName: "alice"}}, init.Identities)
	req.Equal([]string{"general", "random"}, init.RoomIDs)

	var list server.RoomsResult
	alice.Request(t, server.EventGetRooms, nil).Decode(t, &list)
	req.Equal([]string{"general", "random"}, list.RoomIDs)
}

func TestUnreadCounts(t *testing.T) {
	req := require.New(t)
	env := testhelpers.NewEnv(t, nil)
	alice := env.Connect(t)
	bob := env.Connect(t)

	setUsername(t, alice, "alice")
	req.True(result(t, bob.Request(t, server.EventJoinRoom, "general")).OK)
	req.True(result(t, bob.Request(t, server.EventJoinRoom, "random")).OK)
	req.True(result(t, alice.Request(t, server.EventJoinRoom, "general")).OK)

	for _, text := range []string{"one", "two"} {
		sent := alice.Request(t, server.EventSendMessage, map[string]string{"roomId": "general", "text": text})
		req.True(result(t, sent).OK)
	}

	var unread server.UnreadResult
	bob.Request(t, server.EventRequestUnread, nil).Decode(t, &unread)
	req.Equal(map[string]int{"general": 2}, unread.Unread)

	var own server.UnreadResult
	alice.Request(t, server.EventRequestUnread, nil).Decode(t, &own)
	req.Empty(own.Unread)

	req.True(result(t, bob.Request(t, server.EventMarkRead, "general")).OK)
	var cleared server.UnreadResult
	bob.Request(t, server.EventRequestUnread, nil).Decode(t, &cleared)
	req.True(cleared.OK)
	req.NotNil(cleared.Unread)
	req.Empty(cleared.Unread)
}

func TestUnknownEventAndMalformedFrames(t *testing.T) {
	req := require.New(t)
	env := testhelpers.NewEnv(t, nil)
	alice := env.Connect(t)

	req.Equal(server.CodeUnknownEvent, result(t, alice.Request(t, "dance", nil)).Error)

	req.NoError(alice.Conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	req.Equal(server.CodeBadRequest, result(t, alice.Expect(t, server.EventError)).Error)

	// The connection survives bad input.
	req.True(result(t, alice.Request(t, server.EventGetRooms, nil)).OK)
}

func TestRequestsWithoutAckGetNoReply(t *testing.T) {
	req := require.New(t)
	env := testhelpers.NewEnv(t, nil)
	alice := env.Connect(t)

	alice.Send(t, server.EventCreateRoom, "quiet")
	req.Eventually(func() bool {
		return env.Store.Exists(rooms.Public("quiet"))
	}, 2*time.Second, 5*time.Millisecond)

	alice.ExpectNone(t, server.EventAck, 200*time.Millisecond)
}

func TestDisconnectRemovesIdentity(t *testing.T) {
	req := require.New(t)
	env := testhelpers.NewEnv(t, nil)
	alice := env.Connect(t)
	bob := env.Connect(t)

	aliceID := setUsername(t, alice, "alice").ConnectionID
	bob.Expect(t, string(broker.SignalIdentitiesUpdated))
	setUsername(t, bob, "bob")
	bob.Expect(t, string(broker.SignalIdentitiesUpdated))

	bob.Close()

	// alice saw her own registration, then bob's, then bob leaving.
	var ids []identity.Identity
	alice.Expect(t, string(broker.SignalIdentitiesUpdated))
	alice.Expect(t, string(broker.SignalIdentitiesUpdated))
	alice.Expect(t, string(broker.SignalIdentitiesUpdated)).Decode(t, &ids)
	req.Equal([]identity.Identity{{ConnectionID: aliceID, DisplayName: "alice"}}, ids)

	req.Eventually(func() bool {
		return env.Hub.ClientCount() == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestIntrospectionEndpoints(t *testing.T) {
	req := require.New(t)
	env := testhelpers.NewEnv(t, nil)
	alice := env.Connect(t)
	setUsername(t, alice, "alice")

	resp := testhelpers.MakeRequest(t, http.MethodGet, env.Server.URL+"/api/rooms")
	defer func() { _ = resp.Body.Close() }()
	req.Equal(http.StatusOK, resp.StatusCode)
	req.Equal("application/json", resp.Header.Get("Content-Type"))

	var list server.RoomsResult
	req.NoError(json.NewDecoder(resp.Body).Decode(&list))
	req.True(list.OK)
	req.Equal([]string{"general", "random"}, list.RoomIDs)

	idResp := testhelpers.MakeRequest(t, http.MethodGet, env.Server.URL+"/api/identities")
	defer func() { _ = idResp.Body.Close() }()
	var ids server.IdentitiesResult
	req.NoError(json.NewDecoder(idResp.Body).Decode(&ids))
	req.Len(ids.Identities, 1)
	req.Equal("alice", ids.Identities[0].DisplayName)

	post := testhelpers.MakeRequest(t, http.MethodPost, env.Server.URL+"/api/rooms")
	defer func() { _ = post.Body.Close() }()
	req.Equal(http.StatusMethodNotAllowed, post.StatusCode)
}

func TestShutdownClosesClients(t *testing.T) {
	req := require.New(t)
	env := testhelpers.NewEnv(t, nil)
	alice := env.Connect(t)
	setUsername(t, alice, "alice")

	req.NoError(env.Hub.Shutdown(5 * time.Second))

	require.NoError(t, alice.Conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := alice.Conn.ReadMessage()
	req.Error(err)
	req.False(strings.Contains(err.Error(), "timeout"), "connection was not closed: %v", err)
	req.Empty(env.Broker.Snapshot().Identities)
}
