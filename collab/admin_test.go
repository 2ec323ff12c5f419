package collab

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-playground/assert/v2"
)

func adminRequest(t *testing.T, admin *Admin, method string, path string) *httptest.ResponseRecorder {
	request := httptest.NewRequest(method, path, nil)
	recorder := httptest.NewRecorder()
	admin.ServeHTTP(recorder, request)
	return recorder
}

func TestAdmin(t *testing.T) {
	ctx := context.Background()
	storage := newFaultStorage(clock.New())
	settings := testSettings()
	settings.SaveDelay = time.Hour
	registry := NewRegistry(ctx, storage, settings, nil)
	defer registry.Close(ctx)
	legacyRegistry := NewLegacyRegistry(ctx, NewMemoryTransactionStore(), settings, nil)
	defer legacyRegistry.Close()
	admin := NewAdmin(registry, legacyRegistry)

	client := newTestClient(t, ctx, registry, "text:file:docs/admin.txt", AllowAll())
	client.appendText("flush me")
	room := registry.Get(client.session.Key())
	assert.Equal(t, waitFor(t, time.Second, func() bool {
		return roomText(room) == "flush me"
	}), true)

	response := adminRequest(t, admin, http.MethodGet, "/rooms")
	assert.Equal(t, response.Code, http.StatusOK)
	var listing struct {
		Rooms []*RoomInfo `json:"rooms"`
	}
	json.Unmarshal(response.Body.Bytes(), &listing)
	assert.Equal(t, len(listing.Rooms), 1)
	assert.Equal(t, listing.Rooms[0].Dirty, true)

	response = adminRequest(t, admin, http.MethodPost, "/save/text:file:docs/admin.txt")
	assert.Equal(t, response.Code, http.StatusOK)
	assert.Equal(t, storage.content(t, "docs/admin.txt"), "flush me")

	response = adminRequest(t, admin, http.MethodGet, "/room/text:file:docs/missing.txt")
	assert.Equal(t, response.Code, http.StatusNotFound)
	response = adminRequest(t, admin, http.MethodGet, "/room/bad")
	assert.Equal(t, response.Code, http.StatusBadRequest)

	response = adminRequest(t, admin, http.MethodDelete, "/room/text:file:docs/admin.txt")
	assert.Equal(t, response.Code, http.StatusConflict)

	registry.Detach(client.session, true)
	response = adminRequest(t, admin, http.MethodDelete, "/room/text:file:docs/admin.txt")
	assert.Equal(t, response.Code, http.StatusOK)
	assert.Equal(t, registry.Get(client.session.Key()) == nil, true)

	legacy := newLegacyClient(t, legacyRegistry, "collab-admin", NewId(), true)
	legacy.submit(tx("t1", 1))
	response = adminRequest(t, admin, http.MethodGet, "/legacy/collab-admin")
	assert.Equal(t, response.Code, http.StatusOK)
	var info LegacyRoomInfo
	json.Unmarshal(response.Body.Bytes(), &info)
	assert.Equal(t, info.Sessions, 1)
	assert.Equal(t, info.LastSerial, int64(1))
}
