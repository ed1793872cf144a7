package ws

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"groupjam/server/internal/protocol"
)

// writeWait bounds how long a single outbound write (data or control
// frame) may take before the connection is considered dead.
const writeWait = 5 * time.Second

// sendBuffer bounds the number of envelopes queued for a slow reader
// before Send starts dropping them. A session broadcast must never
// block on a single slow connection's write; this is the per-
// connection decoupling the teacher's writer-goroutine idiom provides.
const sendBuffer = 32

var errConnClosed = errors.New("connection closed")

// conn adapts a *websocket.Conn to core.Conn. All data frames and
// pings are written on a single goroutine (writePump) per
// gorilla/websocket's single-writer requirement; Send and requestPing
// only ever enqueue onto channels. Close writes the close control
// frame directly, which gorilla/websocket allows from any goroutine.
type conn struct {
	userID string
	ws     *websocket.Conn
	log    zerolog.Logger

	send    chan protocol.Envelope
	pingReq chan struct{}
	closeCh chan struct{}
	once    sync.Once

	// alive is cleared at the start of each liveness sweep and set by
	// the pong handler; a sweep that finds it already clear force-
	// terminates the connection.
	alive atomic.Bool
}

func newConn(userID string, ws *websocket.Conn, log zerolog.Logger) *conn {
	c := &conn{
		userID:  userID,
		ws:      ws,
		log:     log,
		send:    make(chan protocol.Envelope, sendBuffer),
		pingReq: make(chan struct{}, 1),
		closeCh: make(chan struct{}),
	}
	c.alive.Store(true)
	ws.SetPongHandler(func(string) error {
		c.alive.Store(true)
		return nil
	})
	return c
}

// Send enqueues env for delivery. A full buffer means the peer isn't
// draining fast enough; the envelope is dropped rather than blocking
// the caller, which typically holds a session's lock.
func (c *conn) Send(env protocol.Envelope) error {
	select {
	case <-c.closeCh:
		return errConnClosed
	default:
	}
	select {
	case c.send <- env:
		return nil
	default:
		return errors.New("send buffer full, dropping frame")
	}
}

// Close terminates the connection with the given WebSocket close
// code and reason. Safe to call more than once or concurrently.
func (c *conn) Close(code int, reason string) {
	c.once.Do(func() {
		close(c.closeCh)
		deadline := time.Now().Add(writeWait)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = c.ws.Close()
	})
}

// requestPing asks the write pump to send a control-frame ping on its
// next iteration. Non-blocking: if one is already queued, this is a
// no-op.
func (c *conn) requestPing() {
	select {
	case c.pingReq <- struct{}{}:
	default:
	}
}

// writePump is the sole goroutine that writes to the underlying
// socket, serializing data frames and control-frame pings.
func (c *conn) writePump() {
	for {
		select {
		case env, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(env); err != nil {
				c.log.Debug().Str("user_id", c.userID).Err(err).Msg("write failed")
				return
			}
		case <-c.pingReq:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closeCh:
			return
		}
	}
}
