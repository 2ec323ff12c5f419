package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/golang/glog"
	"golang.org/x/exp/maps"
)

var (
	ErrSerialGap      = errors.New("Transaction serial gap")
	ErrResyncRequired = errors.New("History resync required")
)

// LegacySession is one connection of the transaction log protocol.
// The serial state is guarded by the room state lock.
type LegacySession struct {
	ctx    context.Context
	cancel context.CancelFunc

	id       Id
	identity *Identity
	canRead  bool
	canWrite bool

	// the client serial of the next submitted transaction
	expectedSerial int64
	// set on a serial gap. Submissions are refused until the history is fetched.
	needsResync        bool
	historyInitialized bool
	// highest central serial the client reports as applied
	reportedSerial int64

	send chan []byte
}

func NewLegacySession(
	ctx context.Context,
	id Id,
	identity *Identity,
	canRead bool,
	canWrite bool,
	settings *Settings,
) *LegacySession {
	cancelCtx, cancel := context.WithCancel(ctx)
	sendBufferSize := settings.SendBufferSize
	if sendBufferSize <= 0 {
		sendBufferSize = 1
	}
	return &LegacySession{
		ctx:            cancelCtx,
		cancel:         cancel,
		id:             id,
		identity:       identity,
		canRead:        canRead,
		canWrite:       canWrite,
		expectedSerial: 1,
		send:           make(chan []byte, sendBufferSize),
	}
}

func (self *LegacySession) Id() Id {
	return self.id
}

func (self *LegacySession) Done() <-chan struct{} {
	return self.ctx.Done()
}

func (self *LegacySession) Close() {
	self.cancel()
}

func (self *LegacySession) Outbound() <-chan []byte {
	return self.send
}

func (self *LegacySession) Send(message []byte) bool {
	select {
	case <-self.ctx.Done():
		return false
	default:
	}
	select {
	case self.send <- message:
		return true
	default:
		glog.Infof("[legacy]%s send buffer full, closing slow session\n", self.id)
		self.cancel()
		return false
	}
}

type danglingSession struct {
	timer *clock.Timer

	expectedSerial     int64
	needsResync        bool
	historyInitialized bool
	reportedSerial     int64
}

// LegacyRoom orders the transactions of one collaboration through the central store.
type LegacyRoom struct {
	ctx    context.Context
	cancel context.CancelFunc

	collaborationId string
	registry        *LegacyRegistry
	store           TransactionStore
	settings        *Settings
	metrics         *Metrics

	log   LogFunction
	trace LogFunction

	// held across store writes so broadcasts leave in serial order
	stateLock    sync.Mutex
	destroyed    bool
	sessions     map[Id]*LegacySession
	dangling     map[Id]*danglingSession
	stableSerial int64
	cleanupTimer *clock.Timer
}

func newLegacyRoom(
	ctx context.Context,
	collaborationId string,
	registry *LegacyRegistry,
	store TransactionStore,
	settings *Settings,
	metrics *Metrics,
) *LegacyRoom {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &LegacyRoom{
		ctx:             cancelCtx,
		cancel:          cancel,
		collaborationId: collaborationId,
		registry:        registry,
		store:           store,
		settings:        settings,
		metrics:         metrics,
		log:             LogFn(1, fmt.Sprintf("[legacy]%s", collaborationId)),
		trace:           LogFn(2, fmt.Sprintf("[legacy]%s", collaborationId)),
		sessions:        map[Id]*LegacySession{},
		dangling:        map[Id]*danglingSession{},
	}
}

func (self *LegacyRoom) CollaborationId() string {
	return self.collaborationId
}

func (self *LegacyRoom) StableSerial() int64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.stableSerial
}

func (self *LegacyRoom) SessionCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.sessions)
}

func (self *LegacyRoom) IsDangling(sessionId Id) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	_, ok := self.dangling[sessionId]
	return ok
}

// Attach adds a session. A session id that is dangling resumes its serial state.
func (self *LegacyRoom) Attach(session *LegacySession) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.destroyed {
		return ErrRoomDestroyed
	}
	if self.cleanupTimer != nil {
		self.cleanupTimer.Stop()
		self.cleanupTimer = nil
	}
	if d, ok := self.dangling[session.id]; ok {
		d.timer.Stop()
		delete(self.dangling, session.id)
		session.expectedSerial = d.expectedSerial
		session.needsResync = d.needsResync
		session.historyInitialized = d.historyInitialized
		session.reportedSerial = d.reportedSerial
		self.log("session %s reclaimed", session.id)
	}
	if previous, ok := self.sessions[session.id]; ok && previous != session {
		previous.Close()
	}
	self.sessions[session.id] = session
	self.metrics.SessionAdded()
	self.log("session %s attached (%d)", session.id, len(self.sessions))
	return nil
}

// Leave removes a session. An unclean leave keeps the session dangling for `RecoveryTimeout`.
func (self *LegacyRoom) Leave(session *LegacySession, clean bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.sessions[session.id] != session {
		return
	}
	delete(self.sessions, session.id)
	self.metrics.SessionRemoved()
	self.log("session %s left clean=%t (%d)", session.id, clean, len(self.sessions))

	if !clean && 0 < self.settings.RecoveryTimeout {
		id := session.id
		d := &danglingSession{
			expectedSerial:     session.expectedSerial,
			needsResync:        session.needsResync,
			historyInitialized: session.historyInitialized,
			reportedSerial:     session.reportedSerial,
		}
		d.timer = self.settings.Clock.AfterFunc(self.settings.RecoveryTimeout, func() {
			self.expireDangling(id, d)
		})
		self.dangling[id] = d
	}

	// the departed session may have been the one holding the minimum back
	self.updateStable()
	self.armCleanup()
}

func (self *LegacyRoom) expireDangling(sessionId Id, d *danglingSession) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.dangling[sessionId] != d {
		return
	}
	delete(self.dangling, sessionId)
	self.log("session %s dangling expired", sessionId)
	self.armCleanup()
}

// must be called with the state lock
func (self *LegacyRoom) armCleanup() {
	if self.destroyed || 0 < len(self.sessions) || 0 < len(self.dangling) || self.cleanupTimer != nil {
		return
	}
	if self.settings.CleanupDelay <= 0 {
		return
	}
	self.cleanupTimer = self.settings.Clock.AfterFunc(self.settings.CleanupDelay, self.cleanup)
}

func (self *LegacyRoom) cleanup() {
	self.stateLock.Lock()
	if self.destroyed || 0 < len(self.sessions) || 0 < len(self.dangling) {
		self.stateLock.Unlock()
		return
	}
	self.destroyed = true
	self.cleanupTimer = nil
	self.stateLock.Unlock()

	self.log("destroyed")
	self.registry.remove(self)
	self.cancel()
}

func (self *LegacyRoom) destroy() {
	self.stateLock.Lock()
	self.destroyed = true
	if self.cleanupTimer != nil {
		self.cleanupTimer.Stop()
		self.cleanupTimer = nil
	}
	for id, d := range self.dangling {
		d.timer.Stop()
		delete(self.dangling, id)
	}
	sessions := maps.Values(self.sessions)
	self.stateLock.Unlock()

	for _, session := range sessions {
		session.Close()
	}
	self.cancel()
}

// must be called with the state lock
func (self *LegacyRoom) sendTo(session *LegacySession, msgType LegacyMessageType, parentId string, content any) {
	message, err := EncodeLegacyMessage(msgType, parentId, content)
	if err != nil {
		glog.Infof("[legacy]%s encode %s error = %s\n", self.collaborationId, msgType, err)
		return
	}
	session.Send(message)
}

// must be called with the state lock
func (self *LegacyRoom) broadcast(msgType LegacyMessageType, content any, except *LegacySession) {
	message, err := EncodeLegacyMessage(msgType, "", content)
	if err != nil {
		glog.Infof("[legacy]%s encode %s error = %s\n", self.collaborationId, msgType, err)
		return
	}
	for _, session := range self.sessions {
		if session != except {
			session.Send(message)
		}
	}
}

// HandleMessage processes one json frame from `session`.
// Protocol errors are answered with an error-reply and returned.
func (self *LegacyRoom) HandleMessage(ctx context.Context, session *LegacySession, message []byte) error {
	envelope, err := DecodeLegacyMessage(message)
	if err != nil {
		self.replyError(session, "", &LegacyErrorReplyContent{
			Reason:  LegacyReasonMalformed,
			Message: err.Error(),
		})
		return err
	}
	self.trace("%s from %s", envelope.MsgType, session.id)

	switch envelope.MsgType {
	case LegacyTransactionBroadcast:
		var content LegacyTransactionBroadcastContent
		if err := envelope.DecodeContent(&content); err != nil {
			self.replyError(session, envelope.MsgId, &LegacyErrorReplyContent{
				Reason:  LegacyReasonMalformed,
				Message: err.Error(),
			})
			return err
		}
		return self.Submit(ctx, session, envelope.MsgId, content.Transactions)

	case LegacyHistoryRequest:
		return self.History(ctx, session, envelope.MsgId)

	case LegacyTransactionRequest:
		var content LegacyTransactionRequestContent
		if err := envelope.DecodeContent(&content); err != nil {
			self.replyError(session, envelope.MsgId, &LegacyErrorReplyContent{
				Reason:  LegacyReasonMalformed,
				Message: err.Error(),
			})
			return err
		}
		if !session.canRead {
			return self.denied(session, envelope.MsgId)
		}
		txs, err := self.store.Get(ctx, self.collaborationId, content.Ids)
		if err != nil {
			self.replyError(session, envelope.MsgId, &LegacyErrorReplyContent{Reason: LegacyReasonInternal})
			return err
		}
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.sendTo(session, LegacyTransactionReply, envelope.MsgId, &LegacyTransactionReplyContent{
			Transactions: txs,
		})
		return nil

	case LegacySerialRequest:
		last, err := self.store.LastSerial(ctx, self.collaborationId)
		if err != nil {
			self.replyError(session, envelope.MsgId, &LegacyErrorReplyContent{Reason: LegacyReasonInternal})
			return err
		}
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.sendTo(session, LegacySerialReply, envelope.MsgId, &LegacySerialReplyContent{
			Serial:         last,
			ExpectedSerial: session.expectedSerial,
			StableSerial:   self.stableSerial,
		})
		return nil

	case LegacyPermissionsRequest:
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.sendTo(session, LegacyPermissionsReply, envelope.MsgId, &LegacyPermissionsReplyContent{
			Read:  session.canRead,
			Write: session.canWrite,
		})
		return nil

	case LegacySerialUpdate:
		var content LegacySerialUpdateContent
		if err := envelope.DecodeContent(&content); err != nil {
			self.replyError(session, envelope.MsgId, &LegacyErrorReplyContent{
				Reason:  LegacyReasonMalformed,
				Message: err.Error(),
			})
			return err
		}
		self.UpdateSerial(session, content.Serial)
		return nil

	default:
		err := fmt.Errorf("%w: unknown msgType %s", ErrMalformedLegacyMessage, envelope.MsgType)
		self.replyError(session, envelope.MsgId, &LegacyErrorReplyContent{
			Reason:  LegacyReasonMalformed,
			Message: err.Error(),
		})
		return err
	}
}

func (self *LegacyRoom) replyError(session *LegacySession, parentId string, content *LegacyErrorReplyContent) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.sendTo(session, LegacyErrorReply, parentId, content)
}

func (self *LegacyRoom) denied(session *LegacySession, parentId string) error {
	self.replyError(session, parentId, &LegacyErrorReplyContent{
		Reason: LegacyReasonPermissionDenied,
	})
	return fmt.Errorf("%w: %s on %s", ErrPermissionDenied, session.id, self.collaborationId)
}

// Submit stores the transactions of one submission in order.
// Each transaction carries the client serial, which must continue the session's
// sequence. A transaction whose serial was already consumed is a resend and must
// have a known id. Any other mismatch is a gap: nothing is stored and the
// session must fetch the history before it can submit again.
func (self *LegacyRoom) Submit(ctx context.Context, session *LegacySession, msgId string, txs []*LegacyTransaction) error {
	if !session.canWrite {
		return self.denied(session, msgId)
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if session.needsResync {
		self.sendTo(session, LegacyErrorReply, msgId, &LegacyErrorReplyContent{
			Reason: LegacyReasonResyncRequired,
			Resync: true,
		})
		return ErrResyncRequired
	}

	resendIds := []string{}
	expected := session.expectedSerial
	for _, tx := range txs {
		switch {
		case tx.Serial == expected:
			expected += 1
		case tx.Serial < expected:
			resendIds = append(resendIds, tx.Id)
		default:
			return self.serialGap(session, msgId, expected, tx.Serial)
		}
	}
	if 0 < len(resendIds) {
		known, err := self.store.Get(ctx, self.collaborationId, resendIds)
		if err != nil {
			self.sendTo(session, LegacyErrorReply, msgId, &LegacyErrorReplyContent{Reason: LegacyReasonInternal})
			return err
		}
		knownIds := map[string]bool{}
		for _, tx := range known {
			knownIds[tx.Id] = true
		}
		for _, tx := range txs {
			if tx.Serial < session.expectedSerial && !knownIds[tx.Id] {
				return self.serialGap(session, msgId, session.expectedSerial, tx.Serial)
			}
		}
	}

	serials := map[string]int64{}
	added := []*LegacyTransaction{}
	for _, tx := range txs {
		serial, ok, err := self.store.Add(ctx, self.collaborationId, tx)
		if err != nil {
			glog.Infof("[legacy]%s store error = %s\n", self.collaborationId, err)
			self.sendTo(session, LegacyErrorReply, msgId, &LegacyErrorReplyContent{Reason: LegacyReasonInternal})
			// the stored prefix stays accepted
			if 0 < len(added) {
				self.broadcast(LegacyTransactionBroadcast, &LegacyTransactionBroadcastContent{Transactions: added}, session)
			}
			return err
		}
		if tx.Serial == session.expectedSerial {
			session.expectedSerial += 1
		}
		serials[tx.Id] = serial
		if ok {
			stored := *tx
			stored.Serial = serial
			added = append(added, &stored)
		} else {
			self.trace("duplicate transaction %s (serial %d)", tx.Id, serial)
		}
	}

	self.sendTo(session, LegacyTransactionAck, msgId, &LegacyTransactionAckContent{
		Serials:        serials,
		ExpectedSerial: session.expectedSerial,
	})
	if 0 < len(added) {
		self.broadcast(LegacyTransactionBroadcast, &LegacyTransactionBroadcastContent{Transactions: added}, session)
	}
	return nil
}

// must be called with the state lock
func (self *LegacyRoom) serialGap(session *LegacySession, msgId string, expected int64, got int64) error {
	session.needsResync = true
	self.metrics.SerialGap()
	glog.Infof("[legacy]%s session %s serial gap (expected %d, got %d)\n", self.collaborationId, session.id, expected, got)
	self.sendTo(session, LegacyErrorReply, msgId, &LegacyErrorReplyContent{
		Reason:   LegacyReasonSerialGap,
		Expected: expected,
		Got:      got,
		Resync:   true,
	})
	return fmt.Errorf("%w: expected %d, got %d", ErrSerialGap, expected, got)
}

// History replies with the full log. This initializes the session's history
// and clears a pending resync.
func (self *LegacyRoom) History(ctx context.Context, session *LegacySession, msgId string) error {
	if !session.canRead {
		return self.denied(session, msgId)
	}

	// under the state lock so no broadcast slips between the history and the reply
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	txs, err := self.store.History(ctx, self.collaborationId)
	if err != nil {
		self.sendTo(session, LegacyErrorReply, msgId, &LegacyErrorReplyContent{Reason: LegacyReasonInternal})
		return err
	}
	session.needsResync = false
	session.historyInitialized = true
	self.sendTo(session, LegacyHistoryReply, msgId, &LegacyHistoryReplyContent{
		Transactions:   txs,
		ExpectedSerial: session.expectedSerial,
		StableSerial:   self.stableSerial,
	})
	return nil
}

// UpdateSerial records the highest central serial `session` has applied
// and returns the stable serial.
func (self *LegacyRoom) UpdateSerial(session *LegacySession, serial int64) int64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if session.reportedSerial < serial {
		session.reportedSerial = serial
	}
	self.updateStable()
	return self.stableSerial
}

// stable is the minimum reported serial over sessions with an initialized history.
// It never decreases. A change is broadcast when more than one session is present.
// must be called with the state lock
func (self *LegacyRoom) updateStable() {
	initialized := false
	var min int64
	for _, session := range self.sessions {
		if !session.historyInitialized {
			continue
		}
		if !initialized || session.reportedSerial < min {
			min = session.reportedSerial
			initialized = true
		}
	}
	if !initialized || min <= self.stableSerial {
		return
	}
	self.stableSerial = min
	self.log("stable serial %d", min)
	if 1 < len(self.sessions) {
		self.broadcast(LegacyStateStable, &LegacyStateStableContent{Serial: min}, nil)
	}
}

// LegacyRegistry maps collaboration ids to live legacy rooms.
type LegacyRegistry struct {
	ctx    context.Context
	cancel context.CancelFunc

	store    TransactionStore
	settings *Settings
	metrics  *Metrics

	stateLock sync.Mutex
	rooms     map[string]*LegacyRoom
}

func NewLegacyRegistry(ctx context.Context, store TransactionStore, settings *Settings, metrics *Metrics) *LegacyRegistry {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &LegacyRegistry{
		ctx:      cancelCtx,
		cancel:   cancel,
		store:    store,
		settings: settings,
		metrics:  metrics,
		rooms:    map[string]*LegacyRoom{},
	}
}

func (self *LegacyRegistry) Get(collaborationId string) *LegacyRoom {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.rooms[collaborationId]
}

func (self *LegacyRegistry) getOrCreate(collaborationId string) (*LegacyRoom, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if err := self.ctx.Err(); err != nil {
		return nil, err
	}
	room, ok := self.rooms[collaborationId]
	if !ok {
		room = newLegacyRoom(self.ctx, collaborationId, self, self.store, self.settings, self.metrics)
		self.rooms[collaborationId] = room
		self.metrics.LegacyRoomAdded()
	}
	return room, nil
}

// Attach joins `session` to the room for `collaborationId`, creating the room if needed.
func (self *LegacyRegistry) Attach(collaborationId string, session *LegacySession) (*LegacyRoom, error) {
	if collaborationId == "" {
		return nil, ErrInvalidKey
	}
	for {
		room, err := self.getOrCreate(collaborationId)
		if err != nil {
			return nil, err
		}
		err = room.Attach(session)
		if errors.Is(err, ErrRoomDestroyed) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return room, nil
	}
}

func (self *LegacyRegistry) remove(room *LegacyRoom) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.rooms[room.collaborationId] == room {
		delete(self.rooms, room.collaborationId)
		self.metrics.LegacyRoomRemoved()
	}
}

// Close destroys all rooms. The store is closed by its owner.
func (self *LegacyRegistry) Close() {
	self.cancel()

	self.stateLock.Lock()
	rooms := maps.Values(self.rooms)
	for collaborationId := range self.rooms {
		delete(self.rooms, collaborationId)
		self.metrics.LegacyRoomRemoved()
	}
	self.stateLock.Unlock()

	for _, room := range rooms {
		room.destroy()
	}
}

type LegacyRoomInfo struct {
	CollaborationId string `json:"collaboration_id"`
	Sessions        int    `json:"sessions"`
	Dangling        int    `json:"dangling"`
	StableSerial    int64  `json:"stable_serial"`
	LastSerial      int64  `json:"last_serial"`
}

func (self *LegacyRoom) Info(ctx context.Context) (*LegacyRoomInfo, error) {
	last, err := self.store.LastSerial(ctx, self.collaborationId)
	if err != nil {
		return nil, err
	}
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return &LegacyRoomInfo{
		CollaborationId: self.collaborationId,
		Sessions:        len(self.sessions),
		Dangling:        len(self.dangling),
		StableSerial:    self.stableSerial,
		LastSerial:      last,
	}, nil
}
