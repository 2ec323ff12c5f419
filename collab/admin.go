package collab

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang/glog"
)

// Admin is the operator api. It has no authentication and should only
// listen on a private address.
//
//	GET    /rooms          live rooms
//	GET    /room/*key      one room
//	DELETE /room/*key      flush and destroy a room without sessions
//	POST   /save/*key      flush a room now
//	POST   /reload/*key    load external changes now
//	GET    /legacy/:id     one transaction log collaboration
type Admin struct {
	registry       *Registry
	legacyRegistry *LegacyRegistry
	router         *gin.Engine
}

func NewAdmin(registry *Registry, legacyRegistry *LegacyRegistry) *Admin {
	gin.SetMode(gin.ReleaseMode)

	admin := &Admin{
		registry:       registry,
		legacyRegistry: legacyRegistry,
	}

	router := gin.New()
	router.Use(gin.Recovery(), adminLog)
	router.GET("/rooms", func(c *gin.Context) { admin.rooms(c) })
	router.GET("/room/*key", func(c *gin.Context) { admin.room(c) })
	router.DELETE("/room/*key", func(c *gin.Context) { admin.removeRoom(c) })
	router.POST("/save/*key", func(c *gin.Context) { admin.save(c) })
	router.POST("/reload/*key", func(c *gin.Context) { admin.reload(c) })
	if legacyRegistry != nil {
		router.GET("/legacy/:id", func(c *gin.Context) { admin.legacy(c) })
	}
	admin.router = router
	return admin
}

func (self *Admin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	self.router.ServeHTTP(w, r)
}

func adminLog(c *gin.Context) {
	start := time.Now()
	c.Next()
	glog.V(1).Infof("[admin]%s %s %d (%s)\n", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
}

// the wildcard keeps its leading slash
func parseKeyParam(c *gin.Context) (ResourceKey, bool) {
	key, err := ParseResourceKey(strings.TrimPrefix(c.Param("key"), "/"))
	if err != nil {
		c.String(http.StatusBadRequest, fmt.Sprintf("%d Bad Request - %v", http.StatusBadRequest, err))
		return ResourceKey{}, false
	}
	return key, true
}

func (self *Admin) liveRoom(c *gin.Context) (*Room, bool) {
	key, ok := parseKeyParam(c)
	if !ok {
		return nil, false
	}
	room := self.registry.Get(key)
	if room == nil {
		c.String(http.StatusNotFound, fmt.Sprintf("%d Not Found - No room %s", http.StatusNotFound, key))
		return nil, false
	}
	return room, true
}

func (self *Admin) rooms(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rooms": self.registry.Rooms()})
}

func (self *Admin) room(c *gin.Context) {
	room, ok := self.liveRoom(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, room.Info())
}

func (self *Admin) removeRoom(c *gin.Context) {
	key, ok := parseKeyParam(c)
	if !ok {
		return
	}
	err := self.registry.Remove(c.Request.Context(), key)
	switch {
	case errors.Is(err, ErrRoomInUse):
		c.String(http.StatusConflict, fmt.Sprintf("%d Conflict - %v", http.StatusConflict, err))
	case err != nil:
		c.String(http.StatusInternalServerError, fmt.Sprintf("%d Internal Server Error - %v", http.StatusInternalServerError, err))
	default:
		c.String(http.StatusOK, fmt.Sprintf("%d OK - Room %s removed", http.StatusOK, key))
	}
}

func (self *Admin) save(c *gin.Context) {
	room, ok := self.liveRoom(c)
	if !ok {
		return
	}
	if err := room.Save(c.Request.Context()); err != nil {
		c.String(http.StatusInternalServerError, fmt.Sprintf("%d Internal Server Error - %v", http.StatusInternalServerError, err))
		return
	}
	c.JSON(http.StatusOK, room.Info())
}

func (self *Admin) reload(c *gin.Context) {
	room, ok := self.liveRoom(c)
	if !ok {
		return
	}
	if err := room.Reload(c.Request.Context()); err != nil {
		c.String(http.StatusInternalServerError, fmt.Sprintf("%d Internal Server Error - %v", http.StatusInternalServerError, err))
		return
	}
	c.JSON(http.StatusOK, room.Info())
}

func (self *Admin) legacy(c *gin.Context) {
	collaborationId := c.Param("id")
	room := self.legacyRegistry.Get(collaborationId)
	if room == nil {
		c.String(http.StatusNotFound, fmt.Sprintf("%d Not Found - No collaboration %s", http.StatusNotFound, collaborationId))
		return
	}
	info, err := room.Info(c.Request.Context())
	if err != nil {
		c.String(http.StatusInternalServerError, fmt.Sprintf("%d Internal Server Error - %v", http.StatusInternalServerError, err))
		return
	}
	c.JSON(http.StatusOK, info)
}
