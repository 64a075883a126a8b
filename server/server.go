package server

import (
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// RaceServer upgrades HTTP requests to WebSocket sessions served by a Loop.
type RaceServer struct {
	upgrader websocket.Upgrader
	loop     *Loop
	log      *zap.Logger
}

func NewRaceServer(loop *Loop, log *zap.Logger) *RaceServer {
	return &RaceServer{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Allow all origins; the game client is served from elsewhere.
				return true
			},
		},
		loop: loop,
		log:  log,
	}
}

// HandleConnections is the /ws endpoint.
func (s *RaceServer) HandleConnections(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("Server: websocket upgrade failed", zap.Error(err))
		return
	}

	client := NewWebSocketClient(conn, s.log)
	if !s.loop.Register(client) {
		s.log.Warn("Server: loop stopped, refusing connection", zap.String("remote", conn.RemoteAddr().String()))
		conn.Close()
		return
	}
	client.log.Info("Server: client connected", zap.String("remote", conn.RemoteAddr().String()))

	go client.WritePump()
	go client.ReadPump(s.loop)
}
