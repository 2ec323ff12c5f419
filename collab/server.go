package collab

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	RoomPath    = "/api/collaboration/room/"
	LegacyPath  = "/api/collaboration/legacy/"
	RoomsPath   = "/api/collaboration/rooms"
	MetricsPath = "/metrics"

	// reclaims a recovery pending slot
	SessionQueryParameter = "session"
	TokenQueryParameter   = "token"
)

// Server upgrades connections and attaches them to rooms.
// Transports are owned here. Rooms only see sessions.
type Server struct {
	ctx context.Context

	registry       *Registry
	legacyRegistry *LegacyRegistry
	permission     Permission
	settings       *Settings
	gatherer       prometheus.Gatherer

	upgrader websocket.Upgrader
	router   *mux.Router
}

func NewServer(
	ctx context.Context,
	registry *Registry,
	legacyRegistry *LegacyRegistry,
	permission Permission,
	settings *Settings,
	gatherer prometheus.Gatherer,
) *Server {
	server := &Server{
		ctx:            ctx,
		registry:       registry,
		legacyRegistry: legacyRegistry,
		permission:     permission,
		settings:       settings,
		gatherer:       gatherer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	router := mux.NewRouter()
	router.HandleFunc(RoomPath+"{key:.+}", server.handleRoom).Methods(http.MethodGet)
	if legacyRegistry != nil {
		router.HandleFunc(LegacyPath+"{id}", server.handleLegacy).Methods(http.MethodGet)
	}
	router.HandleFunc(RoomsPath, server.handleRooms).Methods(http.MethodGet)
	if gatherer != nil {
		router.Handle(MetricsPath, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	server.router = router
	return server
}

func (self *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	self.router.ServeHTTP(w, r)
}

func requestToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get(TokenQueryParameter)
}

func requestSessionId(r *http.Request) Id {
	if sessionIdStr := r.URL.Query().Get(SessionQueryParameter); sessionIdStr != "" {
		if sessionId, err := ParseId(sessionIdStr); err == nil {
			return sessionId
		}
	}
	return NewId()
}

func (self *Server) identify(w http.ResponseWriter, r *http.Request) (*Identity, bool) {
	identity, err := self.permission.Identify(requestToken(r))
	if err != nil {
		glog.V(1).Infof("[server]identify error = %s\n", err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return nil, false
	}
	return identity, true
}

func (self *Server) handleRoom(w http.ResponseWriter, r *http.Request) {
	key, err := ParseResourceKey(mux.Vars(r)["key"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	identity, ok := self.identify(w, r)
	if !ok {
		return
	}
	if !self.permission.Check(identity, key, ActionRead) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already replied
		glog.V(1).Infof("[server]upgrade error = %s\n", err)
		return
	}
	defer ws.Close()

	session := NewSession(
		self.ctx,
		requestSessionId(r),
		identity,
		key,
		self.registry,
		self.permission,
		self.settings,
	)
	defer session.Close()

	if _, err := self.registry.Attach(session.ctx, session); err != nil {
		glog.Infof("[server]%s attach %s error = %s\n", session.Id(), key, err)
		ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "Room unavailable"),
			time.Now().Add(self.settings.WriteTimeout),
		)
		return
	}

	go HandleError("[s]"+session.Id().String(), session.Run, session.Close)

	clean := self.runWebsocket(
		session.ctx,
		ws,
		websocket.BinaryMessage,
		session.Outbound(),
		session.Receive,
		session.Id(),
	)
	// frames read before the close are still applied
	session.EndInput()
	session.Wait()
	self.registry.Detach(session, clean)
}

func (self *Server) handleLegacy(w http.ResponseWriter, r *http.Request) {
	collaborationId := mux.Vars(r)["id"]
	identity, ok := self.identify(w, r)
	if !ok {
		return
	}
	key := ResourceKey{
		Format: FormatJson,
		Type:   TypeLegacy,
		Path:   collaborationId,
	}
	canRead := self.permission.Check(identity, key, ActionRead)
	if !canRead {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	canWrite := self.permission.Check(identity, key, ActionWrite)

	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.V(1).Infof("[server]upgrade error = %s\n", err)
		return
	}
	defer ws.Close()

	session := NewLegacySession(self.ctx, requestSessionId(r), identity, canRead, canWrite, self.settings)
	defer session.Close()

	room, err := self.legacyRegistry.Attach(collaborationId, session)
	if err != nil {
		glog.Infof("[server]%s attach legacy %s error = %s\n", session.Id(), collaborationId, err)
		return
	}

	// messages are handled on the read loop, in arrival order
	receive := func(message []byte) {
		if err := room.HandleMessage(session.ctx, session, message); err != nil {
			glog.V(1).Infof("[legacy]%s %s error = %s\n", collaborationId, session.Id(), err)
		}
	}
	clean := self.runWebsocket(
		session.ctx,
		ws,
		websocket.TextMessage,
		session.Outbound(),
		receive,
		session.Id(),
	)
	room.Leave(session, clean)
}

func (self *Server) handleRooms(w http.ResponseWriter, r *http.Request) {
	identity, ok := self.identify(w, r)
	if !ok {
		return
	}
	infos := []*RoomInfo{}
	for _, info := range self.registry.Rooms() {
		if key, err := ParseResourceKey(info.Key); err == nil && self.permission.Check(identity, key, ActionRead) {
			infos = append(infos, info)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{"rooms": infos}); err != nil {
		glog.V(1).Infof("[server]rooms encode error = %s\n", err)
	}
}

// runs the read and write loops of one connection until either ends.
// Returns whether the connection closed cleanly. A close initiated by this side counts as clean.
func (self *Server) runWebsocket(
	ctx context.Context,
	ws *websocket.Conn,
	messageType int,
	send <-chan []byte,
	receive func([]byte),
	sessionId Id,
) bool {
	handleCtx, handleCancel := context.WithCancel(ctx)
	defer handleCancel()

	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		return nil
	})

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		defer handleCancel()
		// unblocks the read loop
		defer ws.Close()

		for {
			select {
			case <-handleCtx.Done():
				if ctx.Err() != nil {
					// closed by this side
					ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
					ws.WriteMessage(
						websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					)
				}
				return
			case message := <-send:
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(messageType, message); err != nil {
					// note that for websocket a deadline timeout cannot be recovered
					glog.Infof("[ws]%s-> error = %s\n", sessionId, err)
					return
				}
				glog.V(2).Infof("[ws]%s->\n", sessionId)
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	clean := false
	for {
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		readType, message, err := ws.ReadMessage()
		if err != nil {
			switch {
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				clean = true
			case handleCtx.Err() != nil && ctx.Err() != nil:
				clean = true
			default:
				var closeErr *websocket.CloseError
				if !errors.As(err, &closeErr) {
					glog.V(1).Infof("[ws]%s<- error = %s\n", sessionId, err)
				} else {
					glog.Infof("[ws]%s<- abnormal close = %s\n", sessionId, err)
				}
			}
			break
		}
		switch readType {
		case websocket.BinaryMessage, websocket.TextMessage:
			if len(message) == 0 {
				// ping
				glog.V(2).Infof("[ws]ping %s<-\n", sessionId)
				continue
			}
			receive(message)
			glog.V(2).Infof("[ws]%s<-\n", sessionId)
		}
	}

	handleCancel()
	<-writeDone
	return clean
}
