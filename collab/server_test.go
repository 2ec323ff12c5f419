package collab

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
)

type testServer struct {
	registry       *Registry
	legacyRegistry *LegacyRegistry
	storage        *faultStorage
	httpServer     *httptest.Server
}

func newTestServer(t *testing.T, permission Permission) *testServer {
	ctx, cancel := context.WithCancel(context.Background())
	settings := testSettings()
	storage := newFaultStorage(clock.New())
	prometheusRegistry := prometheus.NewRegistry()
	metrics := NewMetrics(prometheusRegistry)
	registry := NewRegistry(ctx, storage, settings, metrics)
	legacyRegistry := NewLegacyRegistry(ctx, NewMemoryTransactionStore(), settings, metrics)
	server := NewServer(ctx, registry, legacyRegistry, permission, settings, prometheusRegistry)
	httpServer := httptest.NewServer(server)
	t.Cleanup(func() {
		cancel()
		httpServer.Close()
		registry.Close(context.Background())
		legacyRegistry.Close()
	})
	return &testServer{
		registry:       registry,
		legacyRegistry: legacyRegistry,
		storage:        storage,
		httpServer:     httpServer,
	}
}

func (self *testServer) wsUrl(path string) string {
	return "ws" + strings.TrimPrefix(self.httpServer.URL, "http") + path
}

type wsClient struct {
	t       *testing.T
	ws      *websocket.Conn
	replica *Replica
}

func dialTestRoom(t *testing.T, server *testServer, keyStr string, header http.Header) *wsClient {
	ws, _, err := websocket.DefaultDialer.Dial(server.wsUrl(RoomPath+keyStr), header)
	assert.Equal(t, err, nil)
	client := &wsClient{
		t:       t,
		ws:      ws,
		replica: NewReplica(TypeFile),
	}
	t.Cleanup(func() {
		ws.Close()
	})

	step2 := client.read()
	assert.Equal(t, step2.Type, MessageSyncStep2)
	for _, part := range step2.Parts {
		client.replica.Apply(part)
	}
	step1 := client.read()
	assert.Equal(t, step1.Type, MessageSyncStep1)
	return client
}

func (self *wsClient) read() *Message {
	self.t.Helper()
	self.ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	messageType, frame, err := self.ws.ReadMessage()
	assert.Equal(self.t, err, nil)
	assert.Equal(self.t, messageType, websocket.BinaryMessage)
	message, err := DecodeMessage(frame)
	assert.Equal(self.t, err, nil)
	return message
}

func (self *wsClient) appendText(text string) {
	update, err := self.replica.InsertText(-1, text)
	assert.Equal(self.t, err, nil)
	err = self.ws.WriteMessage(websocket.BinaryMessage, EncodeMessage(MessageUpdate, update))
	assert.Equal(self.t, err, nil)
}

func (self *wsClient) closeNormal() {
	self.ws.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	)
	self.ws.Close()
}

func TestServerRoom(t *testing.T) {
	server := newTestServer(t, AllowAll())
	server.storage.Save(context.Background(), "notes.txt", []byte("notes:"))

	a := dialTestRoom(t, server, "text:file:notes.txt", nil)
	b := dialTestRoom(t, server, "text:file:notes.txt", nil)
	value, _ := a.replica.Materialize()
	assert.Equal(t, value, "notes:")

	// an empty frame is a keepalive
	err := a.ws.WriteMessage(websocket.BinaryMessage, []byte{})
	assert.Equal(t, err, nil)

	a.appendText(" one")
	message := b.read()
	assert.Equal(t, message.Type, MessageUpdate)
	for _, part := range message.Parts {
		b.replica.Apply(part)
	}
	value, _ = b.replica.Materialize()
	assert.Equal(t, value, "notes: one")

	assert.Equal(t, waitFor(t, 2*time.Second, func() bool {
		return server.storage.content(t, "notes.txt") == "notes: one"
	}), true)

	key, _ := ParseResourceKey("text:file:notes.txt")
	room := server.registry.Get(key)
	assert.Equal(t, room.SessionCount(), 2)

	// a normal close is a clean leave
	a.closeNormal()
	assert.Equal(t, waitFor(t, time.Second, func() bool {
		return room.SessionCount() == 1
	}), true)
	assert.Equal(t, room.Info().Recovering, 0)
}

func TestServerRoomAuthorization(t *testing.T) {
	permission := NewJwtPermission([]byte("server-secret"))
	server := newTestServer(t, permission)

	_, response, err := websocket.DefaultDialer.Dial(server.wsUrl(RoomPath+"text:file:a.txt"), nil)
	assert.NotEqual(t, err, nil)
	assert.Equal(t, response.StatusCode, http.StatusUnauthorized)

	token, _ := permission.Sign("user", []Action{ActionWrite}, []string{"shared/"}, time.Hour)
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	_, response, err = websocket.DefaultDialer.Dial(server.wsUrl(RoomPath+"text:file:private/a.txt"), header)
	assert.NotEqual(t, err, nil)
	assert.Equal(t, response.StatusCode, http.StatusForbidden)

	_, response, err = websocket.DefaultDialer.Dial(server.wsUrl(RoomPath+"text:nope:a.txt"), header)
	assert.NotEqual(t, err, nil)
	assert.Equal(t, response.StatusCode, http.StatusBadRequest)

	// the token may also be passed as a query parameter
	client := dialTestRoom(t, server, "text:file:shared/a.txt?"+TokenQueryParameter+"="+token, nil)
	client.appendText("ok")

	// the listing only shows readable rooms
	request, _ := http.NewRequest(http.MethodGet, server.httpServer.URL+RoomsPath, nil)
	request.Header.Set("Authorization", "Bearer "+token)
	listResponse, err := http.DefaultClient.Do(request)
	assert.Equal(t, err, nil)
	defer listResponse.Body.Close()
	assert.Equal(t, listResponse.StatusCode, http.StatusOK)
	var listing struct {
		Rooms []*RoomInfo `json:"rooms"`
	}
	err = json.NewDecoder(listResponse.Body).Decode(&listing)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(listing.Rooms), 1)
	assert.Equal(t, listing.Rooms[0].Key, "text:file:shared/a.txt")
	assert.Equal(t, listing.Rooms[0].Sessions, 1)
}

func TestServerLegacy(t *testing.T) {
	server := newTestServer(t, AllowAll())

	dial := func() *websocket.Conn {
		ws, _, err := websocket.DefaultDialer.Dial(server.wsUrl(LegacyPath+"collab-9"), nil)
		assert.Equal(t, err, nil)
		t.Cleanup(func() {
			ws.Close()
		})
		return ws
	}
	read := func(ws *websocket.Conn) *LegacyEnvelope {
		ws.SetReadDeadline(time.Now().Add(2 * time.Second))
		messageType, message, err := ws.ReadMessage()
		assert.Equal(t, err, nil)
		assert.Equal(t, messageType, websocket.TextMessage)
		envelope, err := DecodeLegacyMessage(message)
		assert.Equal(t, err, nil)
		return envelope
	}

	a := dial()
	b := dial()
	assert.Equal(t, waitFor(t, time.Second, func() bool {
		room := server.legacyRegistry.Get("collab-9")
		return room != nil && room.SessionCount() == 2
	}), true)

	message, err := EncodeLegacyMessage(LegacyTransactionBroadcast, "", &LegacyTransactionBroadcastContent{
		Transactions: []*LegacyTransaction{tx("t1", 1)},
	})
	assert.Equal(t, err, nil)
	err = a.WriteMessage(websocket.TextMessage, message)
	assert.Equal(t, err, nil)

	ack := read(a)
	assert.Equal(t, ack.MsgType, LegacyTransactionAck)
	var ackContent LegacyTransactionAckContent
	ack.DecodeContent(&ackContent)
	assert.Equal(t, ackContent.Serials["t1"], int64(1))

	broadcast := read(b)
	assert.Equal(t, broadcast.MsgType, LegacyTransactionBroadcast)

	err = b.WriteMessage(websocket.TextMessage, []byte("not json"))
	assert.Equal(t, err, nil)
	errorReply := read(b)
	assert.Equal(t, errorReply.MsgType, LegacyErrorReply)
}

func TestServerMetrics(t *testing.T) {
	server := newTestServer(t, AllowAll())
	dialTestRoom(t, server, "text:file:m.txt", nil)

	response, err := http.Get(server.httpServer.URL + MetricsPath)
	assert.Equal(t, err, nil)
	defer response.Body.Close()
	assert.Equal(t, response.StatusCode, http.StatusOK)

	buf := new(strings.Builder)
	_, err = io.Copy(buf, response.Body)
	assert.Equal(t, err, nil)
	assert.Equal(t, strings.Contains(buf.String(), "collab_rooms 1"), true)
	assert.Equal(t, strings.Contains(buf.String(), "collab_sessions 1"), true)
}
