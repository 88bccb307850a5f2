package ws

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Wyydra/duocall/internal/core/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const clientWriteWait = 10 * time.Second

// Client is a participant's relay connection. It implements port.Signaler.
type Client struct {
	self domain.UserID
	conn *websocket.Conn
	log  zerolog.Logger

	writeMu sync.Mutex

	mu   sync.Mutex
	next int
	subs map[int]*subscriber

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the relay at url and registers as self.
func Dial(ctx context.Context, url string, self domain.UserID) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to relay: %w", err)
	}

	c := &Client{
		self: self,
		conn: conn,
		log:  log.With().Str("user_id", self.String()).Logger(),
		subs: make(map[int]*subscriber),
		done: make(chan struct{}),
	}
	if err := c.Send(ctx, domain.Register{UserID: self}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("register: %w", err)
	}

	go c.readLoop()
	c.log.Info().Str("url", url).Msg("Connected to relay")
	return c, nil
}

func (c *Client) Send(ctx context.Context, s domain.Signal) error {
	raw, err := domain.EncodeSignal(s)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(clientWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, raw)
}

type subscriber struct {
	ch   chan domain.Signal
	gone chan struct{}
}

const subscriberBuffer = 64

// Subscribe returns every signal read from the relay in arrival order. The
// channel is closed when the connection goes away. A slow subscriber stalls
// the read loop rather than losing signals; cancel releases it.
func (c *Client) Subscribe() (<-chan domain.Signal, func()) {
	sub := &subscriber{
		ch:   make(chan domain.Signal, subscriberBuffer),
		gone: make(chan struct{}),
	}

	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	default:
	}
	id := c.next
	c.next++
	c.subs[id] = sub
	c.mu.Unlock()

	return sub.ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if _, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub.gone)
		}
	}
}

func (c *Client) readLoop() {
	defer c.shutdown()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Error().Err(err).Msg("Relay connection lost")
			} else {
				c.log.Info().Err(err).Msg("Relay connection closed")
			}
			return
		}

		sig, err := domain.DecodeSignal(raw)
		if err != nil {
			c.log.Warn().Err(err).Msg("Dropping malformed signal")
			continue
		}
		c.fanOut(sig)
	}
}

func (c *Client) fanOut(sig domain.Signal) {
	c.mu.Lock()
	subs := make([]*subscriber, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- sig:
			continue
		default:
		}
		c.log.Debug().Str("type", string(sig.Type())).Msg("Subscriber backlogged, waiting")
		select {
		case sub.ch <- sig:
		case <-sub.gone:
		}
	}
}

func (c *Client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return
	default:
	}
	close(c.done)
	// Only the read loop sends, and it has returned by now.
	for id, sub := range c.subs {
		delete(c.subs, id)
		close(sub.ch)
	}
}

// Done is closed once the relay connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}
