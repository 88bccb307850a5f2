package http

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/Wyydra/duocall/internal/core/domain"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ShutdownReason closes connections with a going-away frame instead of a
// policy violation.
const ShutdownReason = "server shutting down"

var (
	errQueueFull  = errors.New("send queue full")
	errConnClosed = errors.New("connection closed")
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsConn implements port.Connection. A single writer goroutine drains the
// queue, so frames to one recipient go out in the order they were routed.
type wsConn struct {
	id   string
	conn *websocket.Conn
	opts Options

	send chan []byte
	done chan struct{}
	once sync.Once
}

func newWSConn(conn *websocket.Conn, opts Options) *wsConn {
	return &wsConn{
		id:   uuid.NewString(),
		conn: conn,
		opts: opts,
		send: make(chan []byte, opts.SendQueue),
		done: make(chan struct{}),
	}
}

func (c *wsConn) ID() string {
	return c.id
}

func (c *wsConn) Deliver(raw []byte) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.send <- raw:
		return nil
	default:
		return errQueueFull
	}
}

func (c *wsConn) Close(reason string) error {
	code := websocket.ClosePolicyViolation
	if reason == ShutdownReason {
		code = websocket.CloseGoingAway
	}
	var err error
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(c.opts.WriteTimeout))
		err = c.conn.Close()
	})
	return err
}

func (c *wsConn) stop() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.stop()
	}()

	for {
		select {
		case <-c.done:
			return
		case raw := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				log.Debug().Err(err).Str("conn_id", c.id).Msg("Write failed")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// HTTP handler
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Error while upgrading ws")
		return
	}

	c := newWSConn(conn, h.opts)
	l := log.With().Str("conn_id", c.id).Logger()
	l.Info().Str("remote", r.RemoteAddr).Msg("New connection")

	go c.writePump()

	defer func() {
		h.Relay.Disconnect(c)
		c.stop()
		l.Info().Msg("Connection closed")
	}()

	conn.SetReadLimit(h.opts.ReadLimit)
	conn.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				l.Error().Err(err).Msg("Unexpected close error")
			}
			return
		}

		if err := h.Relay.Route(r.Context(), c, raw); err != nil {
			switch {
			case errors.Is(err, domain.ErrRecipientOffline):
				l.Debug().Err(err).Msg("Message dropped")
			default:
				l.Warn().Err(err).Msg("Message rejected")
			}
		}
	}
}
