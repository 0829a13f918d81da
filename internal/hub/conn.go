package hub

import (
	"context"
	"errors"
	"sync"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/orbitchat/orbit/internal/logging"
	"github.com/orbitchat/orbit/internal/wire"
)

type conn struct {
	hub     *Hub
	id      string
	ws      *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter
	logger  *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	userID  int64
	primary bool
}

func (c *conn) identity() (userID int64, primary bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID, c.primary
}

// readPump runs invocations in arrival order until the connection ends.
// A clean close by the client returns nil.
func (c *conn) readPump() error {
	for {
		ctx, cancel := c.ctx, context.CancelFunc(func() {})
		if rt := c.hub.cfg.ReadTimeout; rt > 0 {
			ctx, cancel = context.WithTimeout(c.ctx, rt)
		}
		_, data, err := c.ws.Read(ctx)
		cancel()
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return nil
			}
			if c.ctx.Err() != nil {
				return nil
			}
			return err
		}

		f, err := wire.Decode(data)
		if err != nil {
			c.hub.reject(RejectMalformed)
			c.logger.Debugf("ignoring malformed frame", map[string]any{"error": err.Error()})
			continue
		}
		if f.Type != wire.FrameInvoke {
			continue
		}
		if !c.limiter.Allow() {
			c.hub.reject(RejectRateLimited)
			c.reply(wire.NewError(f.ID, "rate limit exceeded"))
			continue
		}
		c.reply(c.hub.invoke(c, f))
	}
}

// reply queues a result frame, waiting for buffer space.
func (c *conn) reply(f wire.Frame) {
	data, err := wire.Encode(f)
	if err != nil {
		c.logger.Errorf("failed to encode reply", map[string]any{"error": err.Error()})
		return
	}
	select {
	case c.send <- data:
	case <-c.ctx.Done():
	}
}

// offer queues an event frame unless the buffer is full.
func (c *conn) offer(data []byte) bool {
	if c.ctx.Err() != nil {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *conn) writePump() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.send:
			ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err := c.ws.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					c.logger.Debugf("write failed", map[string]any{"error": err.Error()})
				}
				c.cancel()
				return
			}
		}
	}
}
