package transport

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/outposthq/outpost/internal/auth"
	"github.com/outposthq/outpost/internal/common/logger"
	"github.com/outposthq/outpost/internal/config"
	"github.com/outposthq/outpost/internal/events"
	"github.com/outposthq/outpost/internal/supervisor"
)

// Server accepts secure transport connections, both direct upgrades and
// sockets claimed through the relay.
type Server struct {
	logger     *logger.Logger
	creds      *auth.CredentialStore
	sessions   *auth.SessionStore
	router     http.Handler
	supervisor *supervisor.Supervisor
	bus        *events.Bus
	uploadDir  string
	sendBuffer int
	upgrader   websocket.Upgrader
}

// Options wires the server's collaborators.
type Options struct {
	Config     config.TransportConfig
	Creds      *auth.CredentialStore
	Sessions   *auth.SessionStore
	Router     http.Handler
	Supervisor *supervisor.Supervisor
	Bus        *events.Bus
	UploadDir  string
	Logger     *logger.Logger
}

// NewServer creates a transport server.
func NewServer(opts Options) *Server {
	sendBuffer := opts.Config.SendBufferSize
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	return &Server{
		logger:     opts.Logger.WithFields(zap.String("component", "transport")),
		creds:      opts.Creds,
		sessions:   opts.Sessions,
		router:     opts.Router,
		supervisor: opts.Supervisor,
		bus:        opts.Bus,
		uploadDir:  opts.UploadDir,
		sendBuffer: sendBuffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Auth happens on the socket itself; the phone may connect from
			// any origin, including through the relay.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// GinHandler upgrades a direct HTTP request to a transport connection.
func (s *Server) GinHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			s.logger.Warn("upgrade failed", zap.Error(err))
			return
		}
		s.serve(ws, nil)
	}
}

// ServeClaimed adopts a WebSocket handed off by the relay client. The raw
// first message (the claim, typically an SRP hello) is processed as if it
// had been read from the socket.
func (s *Server) ServeClaimed(ws *websocket.Conn, firstMessage []byte) {
	var preread [][]byte
	if len(firstMessage) > 0 {
		preread = [][]byte{firstMessage}
	}
	go s.serve(ws, preread)
}

func (s *Server) serve(ws *websocket.Conn, preread [][]byte) {
	conn := newConn(s, ws)
	conn.logger.Debug("connection opened")
	conn.run(preread)
}
