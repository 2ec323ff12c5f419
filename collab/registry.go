package collab

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Registry maps resource keys to live rooms. At most one room exists per key.
// Lock order is registry then room. A room never calls into the registry while
// holding its own lock.
type Registry struct {
	ctx    context.Context
	cancel context.CancelFunc

	storage  Storage
	settings *Settings
	metrics  *Metrics

	stateLock sync.Mutex
	rooms     map[ResourceKey]*Room

	// concurrent connects to the same room share one initialization
	initGroup singleflight.Group
}

func NewRegistry(ctx context.Context, storage Storage, settings *Settings, metrics *Metrics) *Registry {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Registry{
		ctx:      cancelCtx,
		cancel:   cancel,
		storage:  storage,
		settings: settings,
		metrics:  metrics,
		rooms:    map[ResourceKey]*Room{},
	}
}

func (self *Registry) Settings() *Settings {
	return self.settings
}

func (self *Registry) Metrics() *Metrics {
	return self.metrics
}

// GetOrCreate returns the ready room for `key`, creating and initializing it if needed.
func (self *Registry) GetOrCreate(ctx context.Context, key ResourceKey) (*Room, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	for {
		room, err := self.getOrCreateOnce(ctx, key)
		if errors.Is(err, ErrRoomDestroyed) {
			// lost a race with cleanup. The destroyed room is out of the map.
			continue
		}
		return room, err
	}
}

func (self *Registry) getOrCreateOnce(ctx context.Context, key ResourceKey) (*Room, error) {
	room, err := func() (*Room, error) {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if err := self.ctx.Err(); err != nil {
			return nil, err
		}
		room, ok := self.rooms[key]
		if !ok {
			room = newRoom(self.ctx, key, self, self.storage, self.settings, self.metrics)
			self.rooms[key] = room
			self.metrics.RoomAdded()
		}
		return room, nil
	}()
	if err != nil {
		return nil, err
	}

	c := self.initGroup.DoChan(room.id.String(), func() (any, error) {
		return nil, room.initialize()
	})
	select {
	case result := <-c:
		if result.Err != nil {
			if !errors.Is(result.Err, ErrRoomDestroyed) {
				// drop the failed room so the next connect starts fresh
				self.removeIfEmpty(room)
			}
			return nil, result.Err
		}
		return room, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Get returns the room for `key` or nil.
func (self *Registry) Get(key ResourceKey) *Room {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.rooms[key]
}

// Remove destroys the room for `key`. The room must have no sessions.
func (self *Registry) Remove(ctx context.Context, key ResourceKey) error {
	room := self.Get(key)
	if room == nil {
		return nil
	}
	// the room stays registered while it flushes, so a concurrent connect joins it
	// instead of loading content that is about to be replaced
	if err := room.destroy(ctx); err != nil {
		return err
	}
	self.remove(room)
	return nil
}

// removes `room` only if it is still the registered room for its key
func (self *Registry) remove(room *Room) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.rooms[room.key] == room {
		delete(self.rooms, room.key)
		self.metrics.RoomRemoved()
	}
}

func (self *Registry) removeIfEmpty(room *Room) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.rooms[room.key] == room && room.State() == RoomEmpty {
		delete(self.rooms, room.key)
		self.metrics.RoomRemoved()
		room.cancel()
	}
}

// Attach joins `session` to the room for its key.
func (self *Registry) Attach(ctx context.Context, session *Session) (*Room, error) {
	key := session.Key()
	for {
		room, err := self.GetOrCreate(ctx, key)
		if err != nil {
			return nil, err
		}
		err = room.Join(session)
		if errors.Is(err, ErrRoomDestroyed) || errors.Is(err, ErrRoomNotReady) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return room, nil
	}
}

// Detach removes `session` from its room.
func (self *Registry) Detach(session *Session, clean bool) {
	if room := self.Get(session.Key()); room != nil {
		room.Leave(session, clean)
	}
}

// Rename moves `session` from the room for `oldKey` to the room for `newKey`.
// The new room is initialized before the session leaves the old one, so a failed
// rename leaves the session where it was. The ack is sent before the initial sync of the new room.
func (self *Registry) Rename(ctx context.Context, oldKey ResourceKey, newKey ResourceKey, session *Session) error {
	if oldKey == newKey {
		session.Send(EncodeRenameAck())
		return nil
	}
	if _, err := self.GetOrCreate(ctx, newKey); err != nil {
		return err
	}
	if room := self.Get(oldKey); room != nil {
		room.Leave(session, true)
	}
	session.setKey(newKey)
	session.Send(EncodeRenameAck())
	_, err := self.Attach(ctx, session)
	return err
}

// Rooms lists the live rooms ordered by key.
func (self *Registry) Rooms() []*RoomInfo {
	self.stateLock.Lock()
	rooms := make([]*Room, 0, len(self.rooms))
	for _, room := range self.rooms {
		rooms = append(rooms, room)
	}
	self.stateLock.Unlock()

	infos := make([]*RoomInfo, 0, len(rooms))
	for _, room := range rooms {
		infos = append(infos, room.Info())
	}
	slices.SortFunc(infos, func(a *RoomInfo, b *RoomInfo) int {
		return strings.Compare(a.Key, b.Key)
	})
	return infos
}

// Close flushes every dirty room and stops all rooms.
func (self *Registry) Close(ctx context.Context) error {
	self.stateLock.Lock()
	rooms := make([]*Room, 0, len(self.rooms))
	for _, room := range self.rooms {
		rooms = append(rooms, room)
	}
	self.stateLock.Unlock()

	start := time.Now()
	var errsLock sync.Mutex
	var errs error
	var g errgroup.Group
	for _, room := range rooms {
		room := room
		g.Go(func() error {
			if err := room.save(ctx); err != nil {
				errsLock.Lock()
				errs = multierr.Append(errs, err)
				errsLock.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	if errs != nil {
		glog.Infof("[registry]flush %d rooms (%s) err = %s\n", len(rooms), time.Since(start), errs)
	} else {
		glog.V(1).Infof("[registry]flush %d rooms (%s)\n", len(rooms), time.Since(start))
	}

	self.cancel()

	self.stateLock.Lock()
	for key := range self.rooms {
		delete(self.rooms, key)
		self.metrics.RoomRemoved()
	}
	self.stateLock.Unlock()
	return errs
}
