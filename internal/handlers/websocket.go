package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/docavailable/webrtc-signaling/config"
	"github.com/docavailable/webrtc-signaling/internal/backend"
	"github.com/docavailable/webrtc-signaling/internal/metrics"
	"github.com/docavailable/webrtc-signaling/internal/middleware"
	"github.com/docavailable/webrtc-signaling/internal/models"
	"github.com/docavailable/webrtc-signaling/internal/presence"
	"github.com/docavailable/webrtc-signaling/internal/registry"
)

const maxMessageSize = 16 * 1024 * 1024

// Server holds the shared state behind every signaling endpoint: the
// connection registry, the backend gateway, the presence mirror and the
// metrics collector. One instance is constructed in main.
type Server struct {
	cfg      *config.Config
	reg      *registry.Registry
	api      *backend.Client
	presence *presence.Store
	metrics  *metrics.Collector
	log      zerolog.Logger
	upgrader websocket.Upgrader
	started  time.Time

	// OnIncomingCall, when set, is invoked for every accepted (non-duplicate)
	// offer so a push-notification dispatcher can alert the callee's other
	// devices.
	OnIncomingCall func(sessionKey, callerID, callType string)
}

func NewServer(cfg *config.Config, reg *registry.Registry, api *backend.Client, pres *presence.Store, col *metrics.Collector, log zerolog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		reg:      reg,
		api:      api,
		presence: pres,
		metrics:  col,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Origin checking is handled by middleware.
				return true
			},
		},
		started: time.Now(),
	}
}

// client is one upgraded signaling connection.
type client struct {
	srv        *Server
	conn       *websocket.Conn
	member     *registry.Member
	session    *registry.Session
	sessionKey string
	channel    string
	callType   string
	log        zerolog.Logger
}

// Signaling returns the upgrade handler for one of the signaling paths. All
// three paths accept the full message set; the channel name only labels the
// connection for logs and presence.
func (s *Server) Signaling(channel string) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionKey := c.Query("appointmentId")
		if sessionKey == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "appointmentId is required"})
			return
		}

		authToken := c.Query("authToken")
		userID := c.Query("userId")
		if userID == "" {
			userID = middleware.UserIDFromToken(authToken)
		}
		if userID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "userId is required"})
			return
		}

		role := c.Query("userType")
		if role == "" {
			role = c.Query("role")
		}
		if role == "" {
			role = "unknown"
		}
		callType := c.DefaultQuery("callType", "audio")

		conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			s.log.Warn().Err(err).Msg("failed to upgrade connection")
			return
		}

		member := registry.NewMember(uuid.New().String(), userID, role, channel, authToken)
		session := s.reg.Register(sessionKey, member)

		cl := &client{
			srv:        s,
			conn:       conn,
			member:     member,
			session:    session,
			sessionKey: sessionKey,
			channel:    channel,
			callType:   callType,
			log: s.log.With().
				Str("session", sessionKey).
				Str("user", userID).
				Str("channel", channel).
				Logger(),
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		s.presence.Join(ctx, sessionKey, userID)
		cancel()
		s.refreshCounts()

		cl.send(models.New(models.TypeConnectionEstablished, map[string]any{
			"appointmentId":  sessionKey,
			"userId":         userID,
			"connectionType": channel,
			"callType":       callType,
			"timestamp":      time.Now().UTC().Format(time.RFC3339),
		}))

		if replayed := session.ReplayICE(member); replayed > 0 {
			cl.log.Info().Int("candidates", replayed).Msg("replayed buffered ICE candidates")
		}

		go cl.writePump()
		go cl.readPump()
	}
}

func (c *client) readPump() {
	defer c.teardown()

	pongWait := c.srv.cfg.PingInterval + 6*time.Second
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn().Err(err).Msg("websocket read error")
			}
			return
		}
		c.route(raw)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(c.srv.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.member.Out():
			c.conn.SetWriteDeadline(time.Now().Add(c.srv.cfg.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.Warn().Err(err).Msg("websocket write failed")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.srv.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// teardown runs the single unregister path shared by client-initiated close,
// failed liveness checks and socket errors.
func (c *client) teardown() {
	c.srv.reg.Unregister(c.sessionKey, c.member.ConnID)
	c.member.Close()
	c.conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	c.srv.presence.Leave(ctx, c.sessionKey, c.member.UserID)
	cancel()
	c.srv.refreshCounts()

	c.log.Info().Msg("connection closed")
}

// send queues a sender-only frame on this connection.
func (c *client) send(env *models.Envelope) {
	frame, err := env.Encode()
	if err != nil {
		c.log.Error().Err(err).Msg("failed to encode frame")
		return
	}
	if !c.member.Deliver(frame) {
		c.log.Warn().Str("type", string(env.Type)).Msg("send buffer full, frame dropped")
	}
}

func (c *client) sendError(message string) {
	c.send(models.NewError(message))
}

func (s *Server) refreshCounts() {
	s.metrics.SetCounts(s.reg.Snapshot())
}
