package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/golang/glog"
)

// Session is one client connection attached to a room.
// The transport pushes raw frames with `Receive` and drains `Outbound`.
// Inbound frames are processed in arrival order by a single goroutine, `Run`.
// The session refers to its room by key through the registry, it does not own the room.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc

	id         Id
	identity   *Identity
	registry   *Registry
	permission Permission
	settings   *Settings

	log   LogFunction
	trace LogFunction

	stateLock     sync.Mutex
	key           ResourceKey
	canWrite      bool
	inbound       [][]byte
	inboundNotify chan struct{}
	inputClosed   bool
	frameErrors   int

	send    chan []byte
	runDone chan struct{}
}

func NewSession(
	ctx context.Context,
	id Id,
	identity *Identity,
	key ResourceKey,
	registry *Registry,
	permission Permission,
	settings *Settings,
) *Session {
	cancelCtx, cancel := context.WithCancel(ctx)
	sendBufferSize := settings.SendBufferSize
	if sendBufferSize <= 0 {
		sendBufferSize = 1
	}
	return &Session{
		ctx:           cancelCtx,
		cancel:        cancel,
		id:            id,
		identity:      identity,
		registry:      registry,
		permission:    permission,
		settings:      settings,
		log:           LogFn(1, fmt.Sprintf("[s]%s", id)),
		trace:         LogFn(2, fmt.Sprintf("[s]%s", id)),
		key:           key,
		canWrite:      permission.Check(identity, key, ActionWrite),
		inbound:       [][]byte{},
		inboundNotify: make(chan struct{}, 1),
		send:          make(chan []byte, sendBufferSize),
		runDone:       make(chan struct{}),
	}
}

func (self *Session) Id() Id {
	return self.id
}

func (self *Session) Identity() *Identity {
	return self.identity
}

func (self *Session) Key() ResourceKey {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.key
}

func (self *Session) CanWrite() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.canWrite
}

func (self *Session) Done() <-chan struct{} {
	return self.ctx.Done()
}

func (self *Session) Close() {
	self.cancel()
}

// frames for the transport to write, in order
func (self *Session) Outbound() <-chan []byte {
	return self.send
}

// Send queues a frame for the client. It never blocks the caller,
// which usually holds a room lock. A client that cannot keep up is closed.
func (self *Session) Send(message []byte) bool {
	select {
	case <-self.ctx.Done():
		return false
	default:
	}
	select {
	case self.send <- message:
		return true
	default:
		glog.Infof("[s]%s send buffer full, closing slow session\n", self.id)
		self.cancel()
		return false
	}
}

// Receive queues an inbound frame. The queue is unbounded so the transport
// read loop never waits on room processing.
func (self *Session) Receive(message []byte) {
	self.stateLock.Lock()
	self.inbound = append(self.inbound, message)
	self.stateLock.Unlock()

	select {
	case self.inboundNotify <- struct{}{}:
	default:
	}
}

// EndInput marks the end of inbound frames. `Run` returns once the queued frames are processed.
func (self *Session) EndInput() {
	self.stateLock.Lock()
	self.inputClosed = true
	self.stateLock.Unlock()

	select {
	case self.inboundNotify <- struct{}{}:
	default:
	}
}

// returns the next frame, or false with whether input has ended
func (self *Session) popInbound() ([]byte, bool, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if len(self.inbound) == 0 {
		return nil, false, self.inputClosed
	}
	message := self.inbound[0]
	self.inbound[0] = nil
	self.inbound = self.inbound[1:]
	return message, true, false
}

// Run processes inbound frames in order until input ends or the session closes.
func (self *Session) Run() {
	defer close(self.runDone)
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-self.inboundNotify:
		}
		for {
			message, ok, ended := self.popInbound()
			if ended {
				return
			}
			if !ok {
				break
			}
			self.handle(message)
			if self.ctx.Err() != nil {
				return
			}
		}
	}
}

// waits for `Run` to return
func (self *Session) Wait() {
	<-self.runDone
}

func (self *Session) handle(message []byte) {
	m, err := DecodeMessage(message)
	if err != nil {
		self.frameError(err)
		return
	}

	if m.Type == MessageRenameSession {
		newKey, err := ParseResourceKey(m.Key)
		if err == nil {
			err = self.rename(newKey)
		}
		if err != nil {
			self.frameError(err)
			return
		}
		self.resetFrameErrors()
		return
	}

	key := self.Key()
	room := self.registry.Get(key)
	if room == nil {
		glog.Infof("[s]%s no room for %s\n", self.id, key)
		self.Close()
		return
	}
	if err := room.HandleMessage(self, m); err != nil {
		self.frameError(err)
		return
	}
	self.resetFrameErrors()
	self.trace("handled %s", m.Type)
}

func (self *Session) rename(newKey ResourceKey) error {
	if !self.permission.Check(self.identity, newKey, ActionRead) {
		return fmt.Errorf("%w: %s cannot read %s", ErrPermissionDenied, self.id, newKey)
	}
	oldKey := self.Key()
	if err := self.registry.Rename(self.ctx, oldKey, newKey, self); err != nil {
		return err
	}
	self.log("renamed %s -> %s", oldKey, newKey)
	return nil
}

// called by the registry between leaving the old room and joining the new one
func (self *Session) setKey(key ResourceKey) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.key = key
	self.canWrite = self.permission.Check(self.identity, key, ActionWrite)
}

func (self *Session) resetFrameErrors() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.frameErrors = 0
}

// malformed frames are dropped. Too many consecutive errors close the connection.
func (self *Session) frameError(err error) {
	self.registry.metrics.FrameError()

	self.stateLock.Lock()
	self.frameErrors += 1
	frameErrors := self.frameErrors
	self.stateLock.Unlock()

	var fe *FrameError
	if errors.As(err, &fe) {
		glog.Infof("[s]%s malformed frame (%d) = %s\n", self.id, frameErrors, err)
	} else {
		glog.Infof("[s]%s rejected frame (%d) = %s\n", self.id, frameErrors, err)
	}

	if 0 < self.settings.MaxFrameErrors && self.settings.MaxFrameErrors <= frameErrors {
		glog.Infof("[s]%s too many frame errors, closing\n", self.id)
		self.Close()
	}
}
