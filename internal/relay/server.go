// Package relay implements the rendezvous relay: it pairs peers by opaque
// identifier and forwards signaling messages between them. No file bytes
// ever pass through it.
package relay

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"dropwire/internal/signaling"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsConn serializes writes to a shared websocket, since forwards for the
// same target can arrive from multiple connection goroutines.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) WriteText(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

type Server struct {
	log         *logrus.Logger
	registry    *Registry
	credentials *CredentialClient
	router      *gin.Engine
}

func NewServer(log *logrus.Logger, credentials *CredentialClient) *Server {
	s := &Server{
		log:         log,
		registry:    NewRegistry(),
		credentials: credentials,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/api/health", s.handleHealth)
	router.GET("/api/credentials", s.handleCredentials)
	router.GET("/ws", s.handleWebSocket)
	s.router = router

	return s
}

// Router exposes the HTTP handler, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) Run(addr string) error {
	s.log.Infof("Relay listening on %s", addr)
	return s.router.Run(addr)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warnf("Failed to upgrade connection: %v", err)
		return
	}
	s.log.Debug("New websocket connection established")
	go s.readLoop(conn)
}

// readLoop handles one relay connection until it closes. Bad input from a
// peer is logged and dropped per message; it never terminates the
// connection.
func (s *Server) readLoop(conn *websocket.Conn) {
	peer := &wsConn{conn: conn}
	defer func() {
		s.registry.RemoveConn(peer)
		_ = conn.Close()
		s.log.Debug("Websocket connection closed")
	}()

	for {
		msgType, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debugf("Websocket read error: %v", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			s.log.Warn("Dropping non-text frame")
			continue
		}

		var env signaling.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			s.log.Warnf("Dropping malformed message: %v", err)
			continue
		}

		switch env.Type {
		case signaling.TypeRegister:
			if env.PeerID == "" {
				s.log.Warn("Register without peerId")
				continue
			}
			s.registry.Register(env.PeerID, peer)
			s.log.Infof("Peer registered: %s", env.PeerID)

		case signaling.TypeOffer, signaling.TypeAnswer, signaling.TypeCandidate:
			target, ok := s.registry.Lookup(env.Target)
			if !ok {
				s.log.Infof("Target peer not found: %s", env.Target)
				continue
			}
			// Forward the original bytes verbatim, not a re-encoding.
			if err := target.WriteText(raw); err != nil {
				s.log.Warnf("Failed to forward %s to %s: %v", env.Type, env.Target, err)
				continue
			}
			s.log.Debugf("Forwarded %s to %s", env.Type, env.Target)

		default:
			s.log.Warnf("Unknown message type: %q", env.Type)
		}
	}
}
