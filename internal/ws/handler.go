// Package ws implements the Transport & Protocol Layer: authenticated
// WebSocket upgrades, inbound message validation and dispatch, the
// liveness sweep, and outbound fan-out via conn. Grounded on the
// teacher's internal/ws/handler.go structure (Handler + serveConn +
// per-connection writer goroutine) and the listen-along reference's
// ping/pong liveness idiom.
package ws

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"groupjam/server/internal/auth"
	"groupjam/server/internal/core"
	"groupjam/server/internal/metrics"
	"groupjam/server/internal/protocol"
	"groupjam/server/internal/registry"
)

// maxFrameSize is the inbound message-size ceiling; larger frames are
// dropped as a DoS mitigation.
const maxFrameSize = 512 * 1024

// PingInterval is how often the liveness sweep visits every open
// connection.
const PingInterval = 15 * time.Second

// inboundRateLimit/inboundBurst bound the defense-in-depth per-
// connection inbound throttle. This sits alongside, not in place of,
// the HTTP admission gate (internal/ratelimit): it protects a single session
// from a single runaway connection flooding control messages.
const (
	inboundRateLimit = 20 // messages per second
	inboundBurst     = 40
)

// Server owns WebSocket transport: upgrading connections, admitting
// them into sessions, dispatching inbound frames to the session core,
// and sweeping for dead connections.
type Server struct {
	auth     *auth.Service
	registry *registry.Registry
	log      zerolog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*conn]struct{}
}

// NewServer constructs a Server bound to the given identity service
// and session registry.
func NewServer(authSvc *auth.Service, reg *registry.Registry, log zerolog.Logger) *Server {
	return &Server{
		auth:     authSvc,
		registry: reg,
		log:      log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		conns: make(map[*conn]struct{}),
	}
}

// Register binds the WebSocket upgrade route on an Echo router. Per
// the wire contract the upgrade lives at the root path, distinguished
// from the REST surface by its query parameters.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/", s.handleUpgrade)
}

// handleUpgrade verifies the token and session from the query string
// before upgrading, so a rejected request never costs a socket.
func (s *Server) handleUpgrade(c echo.Context) error {
	tokenStr := c.QueryParam("token")
	sessionID := c.QueryParam("sessionId")

	principal, err := s.auth.Verify(tokenStr)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid or expired token")
	}

	sess, ok := s.registry.GetByID(sessionID)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}

	displayName := principal.DisplayName
	if u, ok := s.registry.User(principal.UserID); ok {
		displayName = u.DisplayName
	}

	wsConn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("ws upgrade failed")
		return nil
	}

	s.serveConn(wsConn, principal.UserID, displayName, sess)
	return nil
}

func (s *Server) serveConn(wsc *websocket.Conn, userID, displayName string, sess *core.Session) {
	c := newConn(userID, wsc, s.log)

	s.trackConn(c)
	defer s.untrackConn(c)

	go c.writePump()
	defer c.Close(1000, "connection closed")

	if err := sess.Connect(userID, displayName, c); err != nil {
		c.Close(4009, err.Error())
		return
	}

	metrics.ActiveConnections.Inc()
	defer metrics.ActiveConnections.Dec()
	defer sess.Disconnect(userID)

	wsc.SetReadLimit(maxFrameSize)
	limiter := rate.NewLimiter(rate.Limit(inboundRateLimit), inboundBurst)

	for {
		_, raw, err := wsc.ReadMessage()
		if err != nil {
			return
		}
		if !limiter.Allow() {
			metrics.RecordDropped("rate-limited")
			continue
		}
		s.dispatch(sess, userID, raw)
	}
}

func (s *Server) dispatch(sess *core.Session, userID string, raw []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		metrics.RecordDropped("decode-failure")
		s.log.Debug().Str("user_id", userID).Err(err).Msg("decode failed, dropping frame")
		return
	}

	metrics.RecordInbound(env.Type)

	var err error
	switch env.Type {
	case protocol.TypePlayPrepare:
		var data protocol.PlayPrepareData
		if jsonErr := json.Unmarshal(env.Data, &data); jsonErr != nil {
			metrics.RecordDropped("decode-failure")
			return
		}
		err = sess.PlayPrepare(userID, data)
	case protocol.TypePlayCommit:
		var data protocol.PlayCommitData
		if jsonErr := json.Unmarshal(env.Data, &data); jsonErr != nil {
			metrics.RecordDropped("decode-failure")
			return
		}
		err = sess.PlayCommit(userID, data)
	case protocol.TypePause:
		var data protocol.PauseData
		if jsonErr := json.Unmarshal(env.Data, &data); jsonErr != nil {
			metrics.RecordDropped("decode-failure")
			return
		}
		err = sess.Pause(userID, data)
	case protocol.TypeResume:
		var data protocol.ResumeData
		if jsonErr := json.Unmarshal(env.Data, &data); jsonErr != nil {
			metrics.RecordDropped("decode-failure")
			return
		}
		err = sess.Resume(userID, data)
	case protocol.TypeSeek:
		var data protocol.SeekData
		if jsonErr := json.Unmarshal(env.Data, &data); jsonErr != nil {
			metrics.RecordDropped("decode-failure")
			return
		}
		err = sess.Seek(userID, data)
	case protocol.TypeSkip:
		err = sess.Skip(userID)
	case protocol.TypeAddToQueue:
		var data protocol.AddToQueueData
		if jsonErr := json.Unmarshal(env.Data, &data); jsonErr != nil {
			metrics.RecordDropped("decode-failure")
			return
		}
		err = sess.AddToQueue(userID, data)
	case protocol.TypeRemoveFromQueue:
		var data protocol.RemoveFromQueueData
		if jsonErr := json.Unmarshal(env.Data, &data); jsonErr != nil {
			metrics.RecordDropped("decode-failure")
			return
		}
		err = sess.RemoveFromQueue(userID, data)
	case protocol.TypeDriftReport:
		var data protocol.DriftReportData
		if jsonErr := json.Unmarshal(env.Data, &data); jsonErr != nil {
			metrics.RecordDropped("decode-failure")
			return
		}
		err = sess.DriftReport(userID, data)
	case protocol.TypePing:
		var data protocol.PingData
		if jsonErr := json.Unmarshal(env.Data, &data); jsonErr != nil {
			metrics.RecordDropped("decode-failure")
			return
		}
		err = sess.Ping(userID, data)
	default:
		// Unknown types are tolerated, not errors: protocol drift from a
		// newer client must not break the connection.
		metrics.RecordDropped("unknown-type")
		return
	}

	if err != nil {
		// Authority violations and invalid-input are silent drops per
		// the wire contract; nothing is echoed back to the sender.
		s.log.Debug().Str("user_id", userID).Str("type", env.Type).Err(err).Msg("control op rejected")
	}
}

func (s *Server) trackConn(c *conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrackConn(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// RunLivenessSweep runs the liveness sweep every PingInterval until
// stop is closed. Each live connection's alive flag is atomically
// cleared; a connection found already clear (no pong since the last
// sweep) is force-terminated, otherwise a ping is requested.
func (s *Server) RunLivenessSweep(stop <-chan struct{}) {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweepLiveness()
		case <-stop:
			return
		}
	}
}

func (s *Server) sweepLiveness() {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		if !c.alive.Swap(false) {
			c.Close(4008, "ping timeout")
			continue
		}
		c.requestPing()
	}
}
