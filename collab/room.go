package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/glog"
)

var (
	ErrRoomNotReady     = errors.New("Room not ready")
	ErrRoomDestroyed    = errors.New("Room destroyed")
	ErrRoomInUse        = errors.New("Room has sessions")
	ErrPermissionDenied = errors.New("Permission denied")
)

type RoomState int

const (
	RoomEmpty RoomState = iota
	RoomInitializing
	RoomReady
	RoomCleanupPending
	RoomDestroyed
)

func (self RoomState) String() string {
	switch self {
	case RoomEmpty:
		return "empty"
	case RoomInitializing:
		return "initializing"
	case RoomReady:
		return "ready"
	case RoomCleanupPending:
		return "cleanup-pending"
	case RoomDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("unknown(%d)", int(self))
	}
}

type recovery struct {
	timer *clock.Timer
}

// Room is the unit of sharing. One replica, the attached sessions, and the
// background persistence tasks for one resource key.
// Sessions are registered with the room, the room does not own their transports.
type Room struct {
	ctx    context.Context
	cancel context.CancelFunc

	id       Id
	key      ResourceKey
	registry *Registry
	storage  Storage
	settings *Settings
	metrics  *Metrics
	replica  *Replica

	log   LogFunction
	trace LogFunction

	stateLock    sync.Mutex
	state        RoomState
	sessions     map[Id]*Session
	recovering   map[Id]*recovery
	cleanupTimer *clock.Timer
	// incremented each time the cleanup timer is armed
	cleanupGeneration uint64

	// single flight for storage reads and writes of this room
	persistLock  sync.Mutex
	lastModified time.Time
}

func newRoom(
	ctx context.Context,
	key ResourceKey,
	registry *Registry,
	storage Storage,
	settings *Settings,
	metrics *Metrics,
) *Room {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Room{
		ctx:        cancelCtx,
		cancel:     cancel,
		id:         NewId(),
		key:        key,
		registry:   registry,
		storage:    storage,
		settings:   settings,
		metrics:    metrics,
		replica:    NewReplica(key.Type),
		log:        LogFn(1, fmt.Sprintf("[room]%s", key)),
		trace:      LogFn(2, fmt.Sprintf("[room]%s", key)),
		state:      RoomEmpty,
		sessions:   map[Id]*Session{},
		recovering: map[Id]*recovery{},
	}
}

func (self *Room) Key() ResourceKey {
	return self.key
}

func (self *Room) Replica() *Replica {
	return self.replica
}

func (self *Room) State() RoomState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *Room) SessionCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.sessions)
}

func (self *Room) LastModified() time.Time {
	self.persistLock.Lock()
	defer self.persistLock.Unlock()
	return self.lastModified
}

// fetches the stored content and starts the background tasks.
// Safe to call repeatedly. A failed initialization returns the room to empty.
func (self *Room) initialize() error {
	self.stateLock.Lock()
	switch self.state {
	case RoomEmpty:
		self.state = RoomInitializing
	case RoomDestroyed:
		self.stateLock.Unlock()
		return ErrRoomDestroyed
	default:
		self.stateLock.Unlock()
		return nil
	}
	self.stateLock.Unlock()

	err := self.loadInitial(self.ctx)

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.state != RoomInitializing {
		// destroyed while loading
		return ErrRoomDestroyed
	}
	if err != nil {
		self.state = RoomEmpty
		return err
	}
	self.state = RoomReady
	self.log("ready (last modified %s)", self.lastModified)

	go HandleError("[room]"+self.key.String(), self.persistRun)
	if 0 < self.settings.PollInterval {
		go HandleError("[room]"+self.key.String(), self.watchRun)
	}
	// a room nobody joins is cleaned up like one everybody left
	self.armCleanup()
	return nil
}

// Join admits a session. The session first receives the full state of the
// document, then a state vector so it can reply with what the room is missing.
func (self *Room) Join(session *Session) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	switch self.state {
	case RoomReady, RoomCleanupPending:
	case RoomDestroyed:
		return ErrRoomDestroyed
	default:
		return ErrRoomNotReady
	}

	if self.cleanupTimer != nil {
		self.cleanupTimer.Stop()
		self.cleanupTimer = nil
	}
	self.state = RoomReady
	if r, ok := self.recovering[session.Id()]; ok {
		r.timer.Stop()
		delete(self.recovering, session.Id())
		self.log("session %s reclaimed", session.Id())
	}
	if previous, ok := self.sessions[session.Id()]; ok && previous != session {
		// a reconnect that raced the close of its previous connection
		previous.Close()
	}
	self.sessions[session.Id()] = session
	self.metrics.SessionAdded()
	self.log("session %s joined (%d)", session.Id(), len(self.sessions))

	// sent under the state lock so that no broadcast is ordered before the full state
	update, err := self.replica.EncodeUpdateSince(nil)
	if err != nil {
		return err
	}
	session.Send(EncodeMessage(MessageSyncStep2, update))
	session.Send(EncodeMessage(MessageSyncStep1, self.replica.StateVector()))
	return nil
}

// Leave removes a session. An unclean leave keeps the slot recovery-pending
// for `RecoveryTimeout` and becomes a clean leave when that expires.
func (self *Room) Leave(session *Session, clean bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.sessions[session.Id()] != session {
		return
	}
	delete(self.sessions, session.Id())
	self.metrics.SessionRemoved()
	self.log("session %s left clean=%t (%d)", session.Id(), clean, len(self.sessions))

	if !clean && 0 < self.settings.RecoveryTimeout {
		id := session.Id()
		r := &recovery{}
		r.timer = self.settings.Clock.AfterFunc(self.settings.RecoveryTimeout, func() {
			self.expireRecovery(id, r)
		})
		self.recovering[id] = r
	}
	self.armCleanup()
}

func (self *Room) IsRecovering(sessionId Id) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	_, ok := self.recovering[sessionId]
	return ok
}

func (self *Room) expireRecovery(sessionId Id, r *recovery) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.recovering[sessionId] != r {
		return
	}
	delete(self.recovering, sessionId)
	self.log("session %s recovery expired", sessionId)
	self.armCleanup()
}

// must be called with the state lock
func (self *Room) armCleanup() {
	if 0 < len(self.sessions) || 0 < len(self.recovering) || self.state != RoomReady {
		return
	}
	if self.settings.CleanupDelay <= 0 {
		// cleanup disabled
		return
	}
	self.state = RoomCleanupPending
	self.cleanupGeneration += 1
	generation := self.cleanupGeneration
	self.cleanupTimer = self.settings.Clock.AfterFunc(self.settings.CleanupDelay, func() {
		self.cleanup(generation)
	})
	self.log("cleanup in %s", self.settings.CleanupDelay)
}

// only the most recently armed timer may clean up
func (self *Room) cleanupEligible(generation uint64) bool {
	return self.state == RoomCleanupPending &&
		self.cleanupGeneration == generation &&
		len(self.sessions) == 0 &&
		len(self.recovering) == 0
}

func (self *Room) cleanup(generation uint64) {
	self.stateLock.Lock()
	eligible := self.cleanupEligible(generation)
	self.stateLock.Unlock()
	if !eligible {
		return
	}

	// flush before the room can be replaced, so a new room reads the latest content
	if err := self.save(self.ctx); err != nil {
		glog.Infof("[room]%s flush before cleanup error = %s\n", self.key, err)
	}

	self.stateLock.Lock()
	if !self.cleanupEligible(generation) {
		self.stateLock.Unlock()
		return
	}
	self.state = RoomDestroyed
	self.cleanupTimer = nil
	self.stateLock.Unlock()

	self.log("destroyed")
	self.registry.remove(self)
	self.cancel()
}

// destroys the room regardless of the cleanup timer. Sessions must have left.
// A session that joins during the flush keeps the room alive and ErrRoomInUse is returned.
func (self *Room) destroy(ctx context.Context) error {
	self.stateLock.Lock()
	if self.state == RoomDestroyed {
		self.stateLock.Unlock()
		return nil
	}
	if 0 < len(self.sessions) {
		self.stateLock.Unlock()
		return ErrRoomInUse
	}
	self.stateLock.Unlock()

	if err := self.save(ctx); err != nil {
		return err
	}

	self.stateLock.Lock()
	if 0 < len(self.sessions) {
		self.stateLock.Unlock()
		return ErrRoomInUse
	}
	self.state = RoomDestroyed
	if self.cleanupTimer != nil {
		self.cleanupTimer.Stop()
		self.cleanupTimer = nil
	}
	for id, r := range self.recovering {
		r.timer.Stop()
		delete(self.recovering, id)
	}
	self.stateLock.Unlock()

	self.log("destroyed")
	self.cancel()
	return nil
}

// HandleMessage applies one decoded frame from `session`.
// Malformed payloads are returned as *FrameError.
func (self *Room) HandleMessage(session *Session, message *Message) error {
	switch message.Type {
	case MessageSyncStep1:
		update, err := self.replica.EncodeUpdateSince(message.Parts[0])
		if err != nil {
			return frameError(err)
		}
		session.Send(EncodeMessage(MessageSyncStep2, update))
		return nil

	case MessageSyncStep2, MessageUpdate:
		if !session.CanWrite() {
			return fmt.Errorf("%w: %s cannot write %s", ErrPermissionDenied, session.Id(), self.key)
		}

		// apply and broadcast under the state lock so peers see updates in apply order
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		applied := [][]byte{}
		changedParts := [][]byte{}
		var applyErr error
		for _, part := range message.Parts {
			changed, err := self.replica.Apply(part)
			if err != nil {
				applyErr = err
				break
			}
			applied = append(applied, part)
			if changed {
				changedParts = append(changedParts, part)
			}
		}

		if applyErr != nil {
			if 0 < len(changedParts) {
				self.broadcast(EncodeMessage(MessageUpdate, changedParts...), session)
			}
			return frameError(applyErr)
		}

		switch message.Type {
		case MessageUpdate:
			// verbatim
			self.broadcast(message.Raw, session)
		case MessageSyncStep2:
			// edits a client made while disconnected reach the other sessions as an update
			if 0 < len(changedParts) {
				self.broadcast(EncodeMessage(MessageUpdate, changedParts...), session)
			}
		}
		self.trace("%s from %s applied %d parts (%d changed)", message.Type, session.Id(), len(applied), len(changedParts))
		return nil

	default:
		return frameError(fmt.Errorf("%w: %s", ErrUnknownMessageType, message.Type))
	}
}

// must be called with the state lock
func (self *Room) broadcast(message []byte, except *Session) {
	for _, session := range self.sessions {
		if session != except {
			session.Send(message)
		}
	}
}

// broadcasts a delta produced by the room itself, e.g. a reload
func (self *Room) broadcastUpdate(update []byte) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.broadcast(EncodeMessage(MessageUpdate, update), nil)
}

type RoomInfo struct {
	Key          string    `json:"key"`
	State        string    `json:"state"`
	Sessions     int       `json:"sessions"`
	Recovering   int       `json:"recovering"`
	Dirty        bool      `json:"dirty"`
	LastModified time.Time `json:"last_modified"`
}

func (self *Room) Info() *RoomInfo {
	self.stateLock.Lock()
	info := &RoomInfo{
		Key:        self.key.String(),
		State:      self.state.String(),
		Sessions:   len(self.sessions),
		Recovering: len(self.recovering),
	}
	self.stateLock.Unlock()
	info.Dirty = self.replica.Dirty()
	info.LastModified = self.LastModified()
	return info
}
