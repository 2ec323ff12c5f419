package collab

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-playground/assert/v2"
)

type legacyClient struct {
	t       *testing.T
	session *LegacySession
	room    *LegacyRoom
}

func newLegacyClient(t *testing.T, registry *LegacyRegistry, collaborationId string, id Id, canWrite bool) *legacyClient {
	session := NewLegacySession(context.Background(), id, &Identity{Subject: "test"}, true, canWrite, registry.settings)
	t.Cleanup(session.Close)
	room, err := registry.Attach(collaborationId, session)
	assert.Equal(t, err, nil)
	return &legacyClient{
		t:       t,
		session: session,
		room:    room,
	}
}

func (self *legacyClient) request(msgType LegacyMessageType, content any) (string, error) {
	envelope, err := NewLegacyEnvelope(msgType, "", content)
	assert.Equal(self.t, err, nil)
	message, err := json.Marshal(envelope)
	assert.Equal(self.t, err, nil)
	return envelope.MsgId, self.room.HandleMessage(context.Background(), self.session, message)
}

func (self *legacyClient) submit(txs ...*LegacyTransaction) (string, error) {
	return self.request(LegacyTransactionBroadcast, &LegacyTransactionBroadcastContent{Transactions: txs})
}

func (self *legacyClient) history() *LegacyHistoryReplyContent {
	msgId, err := self.request(LegacyHistoryRequest, nil)
	assert.Equal(self.t, err, nil)
	var reply LegacyHistoryReplyContent
	self.expect(LegacyHistoryReply, msgId, &reply)
	return &reply
}

func (self *legacyClient) next() *LegacyEnvelope {
	self.t.Helper()
	select {
	case message := <-self.session.Outbound():
		envelope, err := DecodeLegacyMessage(message)
		assert.Equal(self.t, err, nil)
		return envelope
	case <-time.After(time.Second):
		self.t.Fatal("No message.")
		return nil
	}
}

func (self *legacyClient) expect(msgType LegacyMessageType, parentId string, content any) {
	self.t.Helper()
	envelope := self.next()
	assert.Equal(self.t, envelope.MsgType, msgType)
	assert.Equal(self.t, envelope.ParentId, parentId)
	if content != nil {
		assert.Equal(self.t, envelope.DecodeContent(content), nil)
	}
}

func (self *legacyClient) expectNone() {
	self.t.Helper()
	select {
	case message := <-self.session.Outbound():
		self.t.Fatalf("Unexpected message %s.", message)
	default:
	}
}

func tx(id string, serial int64) *LegacyTransaction {
	return &LegacyTransaction{
		Id:     id,
		Patch:  json.RawMessage(`{"op":"set"}`),
		Serial: serial,
	}
}

func TestLegacyIdempotentIngestion(t *testing.T) {
	store := NewMemoryTransactionStore()
	registry := NewLegacyRegistry(context.Background(), store, testSettings(), nil)
	defer registry.Close()

	a := newLegacyClient(t, registry, "collab-1", NewId(), true)
	b := newLegacyClient(t, registry, "collab-1", NewId(), true)

	msgId, err := a.submit(tx("t1", 1), tx("t2", 2))
	assert.Equal(t, err, nil)
	var ack LegacyTransactionAckContent
	a.expect(LegacyTransactionAck, msgId, &ack)
	assert.Equal(t, ack.Serials, map[string]int64{"t1": 1, "t2": 2})
	assert.Equal(t, ack.ExpectedSerial, int64(3))

	var broadcast LegacyTransactionBroadcastContent
	b.expect(LegacyTransactionBroadcast, "", &broadcast)
	assert.Equal(t, len(broadcast.Transactions), 2)
	assert.Equal(t, broadcast.Transactions[0].Id, "t1")
	// broadcasts carry the central serial
	assert.Equal(t, broadcast.Transactions[1].Serial, int64(2))

	// a resend is acknowledged with the original serial and not stored again
	msgId, err = a.submit(tx("t2", 2))
	assert.Equal(t, err, nil)
	a.expect(LegacyTransactionAck, msgId, &ack)
	assert.Equal(t, ack.Serials, map[string]int64{"t2": 2})
	assert.Equal(t, ack.ExpectedSerial, int64(3))
	b.expectNone()

	// b's own serial sequence is independent of a's
	msgId, err = b.submit(tx("t3", 1))
	assert.Equal(t, err, nil)
	b.expect(LegacyTransactionAck, msgId, &ack)
	assert.Equal(t, ack.Serials, map[string]int64{"t3": 3})

	history, _ := store.History(context.Background(), "collab-1")
	assert.Equal(t, len(history), 3)
}

func TestLegacySerialGap(t *testing.T) {
	store := NewMemoryTransactionStore()
	registry := NewLegacyRegistry(context.Background(), store, testSettings(), nil)
	defer registry.Close()

	a := newLegacyClient(t, registry, "collab-2", NewId(), true)
	b := newLegacyClient(t, registry, "collab-2", NewId(), true)

	msgId, err := a.submit(tx("t1", 1), tx("t3", 3))
	assert.Equal(t, errors.Is(err, ErrSerialGap), true)
	var errorReply LegacyErrorReplyContent
	a.expect(LegacyErrorReply, msgId, &errorReply)
	assert.Equal(t, errorReply.Reason, LegacyReasonSerialGap)
	assert.Equal(t, errorReply.Expected, int64(2))
	assert.Equal(t, errorReply.Got, int64(3))
	assert.Equal(t, errorReply.Resync, true)

	// nothing of the submission is stored or relayed
	last, _ := store.LastSerial(context.Background(), "collab-2")
	assert.Equal(t, last, int64(0))
	b.expectNone()

	// submissions are refused until the history is fetched
	msgId, err = a.submit(tx("t1", 1))
	assert.Equal(t, errors.Is(err, ErrResyncRequired), true)
	a.expect(LegacyErrorReply, msgId, &errorReply)
	assert.Equal(t, errorReply.Reason, LegacyReasonResyncRequired)

	history := a.history()
	assert.Equal(t, len(history.Transactions), 0)
	assert.Equal(t, history.ExpectedSerial, int64(1))

	msgId, err = a.submit(tx("t1", 1))
	assert.Equal(t, err, nil)
	var ack LegacyTransactionAckContent
	a.expect(LegacyTransactionAck, msgId, &ack)
	assert.Equal(t, ack.ExpectedSerial, int64(2))
}

func TestLegacyUnknownResendIsGap(t *testing.T) {
	registry := NewLegacyRegistry(context.Background(), NewMemoryTransactionStore(), testSettings(), nil)
	defer registry.Close()

	a := newLegacyClient(t, registry, "collab-3", NewId(), true)
	msgId, _ := a.submit(tx("t1", 1))
	a.expect(LegacyTransactionAck, msgId, nil)

	// serial 1 is consumed, but "other" was never stored
	msgId, err := a.submit(tx("other", 1))
	assert.Equal(t, errors.Is(err, ErrSerialGap), true)
	a.expect(LegacyErrorReply, msgId, nil)
}

func TestLegacyStableSerial(t *testing.T) {
	registry := NewLegacyRegistry(context.Background(), NewMemoryTransactionStore(), testSettings(), nil)
	defer registry.Close()

	s1 := newLegacyClient(t, registry, "collab-4", NewId(), true)
	s2 := newLegacyClient(t, registry, "collab-4", NewId(), true)
	s3 := newLegacyClient(t, registry, "collab-4", NewId(), true)
	// a session without history does not hold the stable serial back
	s4 := newLegacyClient(t, registry, "collab-4", NewId(), true)
	for _, c := range []*legacyClient{s1, s2, s3} {
		c.history()
	}
	room := s1.room
	clients := []*legacyClient{s1, s2, s3, s4}

	report := func(c *legacyClient, serial int64) {
		_, err := c.request(LegacySerialUpdate, &LegacySerialUpdateContent{Serial: serial})
		assert.Equal(t, err, nil)
	}
	expectStable := func(serial int64, clients ...*legacyClient) {
		for _, c := range clients {
			var stable LegacyStateStableContent
			c.expect(LegacyStateStable, "", &stable)
			assert.Equal(t, stable.Serial, serial)
		}
	}
	expectNone := func() {
		for _, c := range clients {
			c.expectNone()
		}
	}

	report(s1, 5)
	report(s2, 7)
	expectNone()
	assert.Equal(t, room.StableSerial(), int64(0))

	report(s3, 5)
	assert.Equal(t, room.StableSerial(), int64(5))
	expectStable(5, clients...)

	// the minimum is still 5
	report(s1, 6)
	expectNone()
	assert.Equal(t, room.StableSerial(), int64(5))

	report(s3, 6)
	assert.Equal(t, room.StableSerial(), int64(6))
	expectStable(6, clients...)

	// the stable serial never decreases
	report(s1, 2)
	expectNone()
	assert.Equal(t, room.StableSerial(), int64(6))

	// a departure can raise the minimum
	report(s1, 8)
	room.Leave(s3.session, true)
	assert.Equal(t, room.StableSerial(), int64(7))
	expectStable(7, s1, s2, s4)

	// a lone session advances the stable serial without a broadcast
	room.Leave(s4.session, true)
	room.Leave(s2.session, true)
	assert.Equal(t, room.StableSerial(), int64(8))
	report(s1, 9)
	assert.Equal(t, room.StableSerial(), int64(9))
	s1.expectNone()
}

func TestLegacyDanglingReclaim(t *testing.T) {
	mockClock := clock.NewMock()
	settings := testSettings()
	settings.Clock = mockClock
	settings.RecoveryTimeout = 30 * time.Second
	settings.CleanupDelay = time.Minute
	registry := NewLegacyRegistry(context.Background(), NewMemoryTransactionStore(), settings, nil)
	defer registry.Close()

	id := NewId()
	a := newLegacyClient(t, registry, "collab-5", id, true)
	msgId, _ := a.submit(tx("t1", 1), tx("t2", 2))
	a.expect(LegacyTransactionAck, msgId, nil)
	room := a.room

	a.session.Close()
	room.Leave(a.session, false)
	assert.Equal(t, room.IsDangling(id), true)

	// the reconnect resumes the serial sequence
	again := newLegacyClient(t, registry, "collab-5", id, true)
	assert.Equal(t, again.room, room)
	assert.Equal(t, room.IsDangling(id), false)
	msgId, err := again.submit(tx("t3", 3))
	assert.Equal(t, err, nil)
	var ack LegacyTransactionAckContent
	again.expect(LegacyTransactionAck, msgId, &ack)
	assert.Equal(t, ack.ExpectedSerial, int64(4))

	again.session.Close()
	room.Leave(again.session, false)
	mockClock.Add(30 * time.Second)
	assert.Equal(t, waitFor(t, time.Second, func() bool {
		return !room.IsDangling(id)
	}), true)

	mockClock.Add(time.Minute)
	assert.Equal(t, waitFor(t, time.Second, func() bool {
		return registry.Get("collab-5") == nil
	}), true)

	// a fresh session starts its sequence at 1
	fresh := newLegacyClient(t, registry, "collab-5", id, true)
	assert.NotEqual(t, fresh.room, room)
	msgId, err = fresh.submit(tx("t4", 1))
	assert.Equal(t, err, nil)
	fresh.expect(LegacyTransactionAck, msgId, &ack)
	assert.Equal(t, ack.Serials["t4"], int64(4))
}

func TestLegacyRequests(t *testing.T) {
	registry := NewLegacyRegistry(context.Background(), NewMemoryTransactionStore(), testSettings(), nil)
	defer registry.Close()

	writer := newLegacyClient(t, registry, "collab-6", NewId(), true)
	reader := newLegacyClient(t, registry, "collab-6", NewId(), false)

	msgId, _ := writer.submit(tx("t1", 1), tx("t2", 2))
	writer.expect(LegacyTransactionAck, msgId, nil)
	reader.expect(LegacyTransactionBroadcast, "", nil)

	msgId, err := reader.submit(tx("r1", 1))
	assert.Equal(t, errors.Is(err, ErrPermissionDenied), true)
	var errorReply LegacyErrorReplyContent
	reader.expect(LegacyErrorReply, msgId, &errorReply)
	assert.Equal(t, errorReply.Reason, LegacyReasonPermissionDenied)
	writer.expectNone()

	msgId, _ = reader.request(LegacyPermissionsRequest, nil)
	var permissions LegacyPermissionsReplyContent
	reader.expect(LegacyPermissionsReply, msgId, &permissions)
	assert.Equal(t, permissions, LegacyPermissionsReplyContent{Read: true, Write: false})

	msgId, _ = reader.request(LegacySerialRequest, nil)
	var serialReply LegacySerialReplyContent
	reader.expect(LegacySerialReply, msgId, &serialReply)
	assert.Equal(t, serialReply.Serial, int64(2))
	assert.Equal(t, serialReply.ExpectedSerial, int64(1))

	msgId, _ = reader.request(LegacyTransactionRequest, &LegacyTransactionRequestContent{Ids: []string{"t2", "nope"}})
	var txReply LegacyTransactionReplyContent
	reader.expect(LegacyTransactionReply, msgId, &txReply)
	assert.Equal(t, len(txReply.Transactions), 1)
	assert.Equal(t, txReply.Transactions[0].Serial, int64(2))

	history := reader.history()
	assert.Equal(t, len(history.Transactions), 2)

	// malformed frames are answered, not fatal
	err = reader.room.HandleMessage(context.Background(), reader.session, []byte("{"))
	assert.Equal(t, errors.Is(err, ErrMalformedLegacyMessage), true)
	reader.expect(LegacyErrorReply, "", &errorReply)
	assert.Equal(t, errorReply.Reason, LegacyReasonMalformed)

	msgId, err = reader.request("no-such-type", nil)
	assert.Equal(t, errors.Is(err, ErrMalformedLegacyMessage), true)
	reader.expect(LegacyErrorReply, msgId, nil)
}
