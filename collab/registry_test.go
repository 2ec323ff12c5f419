package collab

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-playground/assert/v2"
)

func TestRegistryGetOrCreateConcurrent(t *testing.T) {
	ctx := context.Background()
	storage := newFaultStorage(clock.New())
	storage.Save(ctx, "shared.txt", []byte("x"))
	registry := NewRegistry(ctx, storage, testSettings(), nil)
	defer registry.Close(ctx)

	key, _ := ParseResourceKey("text:file:shared.txt")

	n := 32
	rooms := make([]*Room, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i += 1 {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			room, err := registry.GetOrCreate(ctx, key)
			assert.Equal(t, err, nil)
			rooms[i] = room
		}()
	}
	wg.Wait()

	for _, room := range rooms {
		assert.Equal(t, room, rooms[0])
	}
	assert.Equal(t, rooms[0].State(), RoomReady)
	// one initialization, one storage read
	gets, _ := storage.counts()
	assert.Equal(t, gets, 1)
	assert.Equal(t, len(registry.Rooms()), 1)
}

func TestRegistryConcurrentAttach(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry(ctx, newFaultStorage(clock.New()), testSettings(), nil)
	defer registry.Close(ctx)

	n := 16
	clients := make([]*testClient, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i += 1 {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			clients[i] = newTestClient(t, ctx, registry, "text:file:many.txt", AllowAll())
		}()
	}
	wg.Wait()

	room := registry.Get(clients[0].session.Key())
	assert.Equal(t, room.SessionCount(), n)
}

func TestRegistryInitializeFailure(t *testing.T) {
	ctx := context.Background()
	storage := newFaultStorage(clock.New())
	registry := NewRegistry(ctx, storage, testSettings(), nil)
	defer registry.Close(ctx)

	key, _ := ParseResourceKey("text:file:broken.txt")
	storage.setGetErr(errors.New("io error"))
	_, err := registry.GetOrCreate(ctx, key)
	assert.NotEqual(t, err, nil)
	// the failed room is not kept
	assert.Equal(t, registry.Get(key) == nil, true)

	storage.setGetErr(nil)
	room, err := registry.GetOrCreate(ctx, key)
	assert.Equal(t, err, nil)
	assert.Equal(t, room.State(), RoomReady)

	_, err = registry.GetOrCreate(ctx, ResourceKey{Format: "yaml", Type: TypeFile, Path: "a"})
	assert.Equal(t, errors.Is(err, ErrInvalidKey), true)
}

func TestRegistryRemove(t *testing.T) {
	ctx := context.Background()
	storage := newFaultStorage(clock.New())
	settings := testSettings()
	settings.SaveDelay = time.Hour
	registry := NewRegistry(ctx, storage, settings, nil)
	defer registry.Close(ctx)

	client := newTestClient(t, ctx, registry, "text:file:rm.txt", AllowAll())
	key := client.session.Key()
	client.appendText("keep")
	room := registry.Get(key)
	assert.Equal(t, waitFor(t, time.Second, func() bool {
		return roomText(room) == "keep"
	}), true)

	err := registry.Remove(ctx, key)
	assert.Equal(t, errors.Is(err, ErrRoomInUse), true)

	registry.Detach(client.session, true)
	err = registry.Remove(ctx, key)
	assert.Equal(t, err, nil)
	assert.Equal(t, registry.Get(key) == nil, true)
	assert.Equal(t, room.State(), RoomDestroyed)
	// flushed on destroy
	assert.Equal(t, storage.content(t, "rm.txt"), "keep")

	// removing an absent room is a no-op
	assert.Equal(t, registry.Remove(ctx, key), nil)
}

func TestRegistryRemoveJoinDuringFlush(t *testing.T) {
	ctx := context.Background()
	storage := newFaultStorage(clock.New())
	settings := testSettings()
	settings.SaveDelay = time.Hour
	registry := NewRegistry(ctx, storage, settings, nil)
	defer registry.Close(ctx)

	client := newTestClient(t, ctx, registry, "text:file:rejoin.txt", AllowAll())
	key := client.session.Key()
	client.appendText("first")
	room := registry.Get(key)
	assert.Equal(t, waitFor(t, time.Second, func() bool {
		return roomText(room) == "first"
	}), true)
	registry.Detach(client.session, true)

	var rejoined *testClient
	storage.setSaveHook(func() {
		storage.setSaveHook(nil)
		// a connect during the flush finds the same room
		assert.Equal(t, registry.Get(key) == room, true)
		rejoined = newTestClient(t, ctx, registry, "text:file:rejoin.txt", AllowAll())
	})
	err := registry.Remove(ctx, key)
	assert.Equal(t, errors.Is(err, ErrRoomInUse), true)
	assert.Equal(t, registry.Get(key) == room, true)
	assert.Equal(t, room.State(), RoomReady)
	assert.Equal(t, rejoined.text(), "first")
	assert.Equal(t, storage.content(t, "rejoin.txt"), "first")
}

func TestRegistryRemoveSaveFailure(t *testing.T) {
	ctx := context.Background()
	storage := newFaultStorage(clock.New())
	settings := testSettings()
	settings.SaveDelay = time.Hour
	registry := NewRegistry(ctx, storage, settings, nil)
	defer registry.Close(ctx)

	client := newTestClient(t, ctx, registry, "text:file:unsaved.txt", AllowAll())
	key := client.session.Key()
	client.appendText("unsaved")
	room := registry.Get(key)
	assert.Equal(t, waitFor(t, time.Second, func() bool {
		return roomText(room) == "unsaved"
	}), true)
	registry.Detach(client.session, true)

	// a failed flush keeps the room and its edits
	storage.failSaves(1)
	err := registry.Remove(ctx, key)
	assert.NotEqual(t, err, nil)
	assert.Equal(t, registry.Get(key) == room, true)
	assert.Equal(t, room.Info().Dirty, true)

	err = registry.Remove(ctx, key)
	assert.Equal(t, err, nil)
	assert.Equal(t, registry.Get(key) == nil, true)
	assert.Equal(t, storage.content(t, "unsaved.txt"), "unsaved")
}

func TestRegistryRename(t *testing.T) {
	ctx := context.Background()
	storage := newFaultStorage(clock.New())
	storage.Save(ctx, "new.txt", []byte("new content"))
	registry := NewRegistry(ctx, storage, testSettings(), nil)
	defer registry.Close(ctx)

	client := newTestClient(t, ctx, registry, "text:file:old.txt", AllowAll())
	oldKey := client.session.Key()
	newKey, _ := ParseResourceKey("text:file:new.txt")

	client.session.Receive(EncodeRename(newKey))
	ack := client.next(time.Second)
	assert.Equal(t, ack.Type, MessageRenameSession)

	client.replica = NewReplica(TypeFile)
	client.syncInitial()
	assert.Equal(t, client.text(), "new content")
	assert.Equal(t, client.session.Key(), newKey)
	assert.Equal(t, registry.Get(newKey).SessionCount(), 1)
	assert.Equal(t, registry.Get(oldKey).SessionCount(), 0)
	// the old slot is released cleanly
	assert.Equal(t, registry.Get(oldKey).IsRecovering(client.session.Id()), false)

	// edits now land in the new room
	client.appendText("!")
	assert.Equal(t, waitFor(t, time.Second, func() bool {
		return roomText(registry.Get(newKey)) == "new content!"
	}), true)

	// renaming to the current key only acks
	client.session.Receive(EncodeRename(newKey))
	ack = client.next(time.Second)
	assert.Equal(t, ack.Type, MessageRenameSession)
	client.expectNone(20 * time.Millisecond)
}

func TestRegistryRenameDenied(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry(ctx, newFaultStorage(clock.New()), testSettings(), nil)
	defer registry.Close(ctx)

	permission := NewJwtPermission([]byte("secret"))
	token, _ := permission.Sign("user", []Action{ActionWrite}, []string{"public/"}, time.Hour)
	identity, _ := permission.Identify(token)

	key, _ := ParseResourceKey("text:file:public/a.txt")
	session := NewSession(ctx, NewId(), identity, key, registry, permission, registry.Settings())
	go session.Run()
	defer session.Close()
	_, err := registry.Attach(ctx, session)
	assert.Equal(t, err, nil)
	client := &testClient{t: t, session: session, replica: NewReplica(TypeFile)}
	client.syncInitial()

	privateKey, _ := ParseResourceKey("text:file:private/b.txt")
	session.Receive(EncodeRename(privateKey))
	client.expectNone(50 * time.Millisecond)
	assert.Equal(t, session.Key(), key)
	assert.Equal(t, registry.Get(privateKey) == nil, true)
}

func TestRegistryClose(t *testing.T) {
	ctx := context.Background()
	storage := newFaultStorage(clock.New())
	settings := testSettings()
	settings.SaveDelay = time.Hour
	registry := NewRegistry(ctx, storage, settings, nil)

	a := newTestClient(t, ctx, registry, "text:file:close-a.txt", AllowAll())
	b := newTestClient(t, ctx, registry, "text:file:close-b.txt", AllowAll())
	a.appendText("a")
	b.appendText("b")
	assert.Equal(t, waitFor(t, time.Second, func() bool {
		return roomText(registry.Get(a.session.Key())) == "a" && roomText(registry.Get(b.session.Key())) == "b"
	}), true)

	err := registry.Close(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, storage.content(t, "close-a.txt"), "a")
	assert.Equal(t, storage.content(t, "close-b.txt"), "b")
	assert.Equal(t, len(registry.Rooms()), 0)

	_, err = registry.GetOrCreate(ctx, a.session.Key())
	assert.NotEqual(t, err, nil)
}

func TestRegistryRenameReadOnly(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry(ctx, newFaultStorage(clock.New()), testSettings(), nil)
	defer registry.Close(ctx)

	writer := newTestClient(t, ctx, registry, "text:file:to.txt", AllowAll())
	reader := newTestClient(t, ctx, registry, "text:file:from.txt", &readOnly{})
	newKey := writer.session.Key()

	// read access is enough to follow a rename
	reader.session.Receive(EncodeRename(newKey))
	ack := reader.next(time.Second)
	assert.Equal(t, ack.Type, MessageRenameSession)
	reader.replica = NewReplica(TypeFile)
	reader.syncInitial()
	assert.Equal(t, reader.session.Key(), newKey)
	assert.Equal(t, registry.Get(newKey).SessionCount(), 2)

	// and the session stays read-only
	assert.Equal(t, reader.session.CanWrite(), false)
	reader.appendText("nope")
	writer.expectNone(50 * time.Millisecond)
	assert.Equal(t, roomText(registry.Get(newKey)), "")
}
