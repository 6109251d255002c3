package relay

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/tretten/breathing-sub000/internal/store/memory"
	"github.com/tretten/breathing-sub000/internal/store/wire"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum frame size allowed from peer. SDP blobs are the largest values.
	maxMessageSize = 64 * 1024
)

// Client is one websocket connection and its view of the tree.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	remote  string
	store   *memory.Conn
	limiter *rate.Limiter

	mu     sync.Mutex
	send   chan []byte
	closed bool

	// subs maps client-chosen subscription ids to their cancel funcs.
	// Only the read pump touches it.
	subs map[uint64]func()
}

// enqueue hands a frame to the write pump. A client whose buffer is full is
// too slow to keep up and gets disconnected rather than stalling the tree's
// dispatcher.
func (c *Client) enqueue(f *wire.Frame) {
	b, err := wire.Marshal(f)
	if err != nil {
		log.Error().Err(err).Str("op", f.Op).Msg("encode frame")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- b:
	default:
		log.Warn().Str("remote", c.remote).Msg("dropping slow client")
		c.hub.opts.Metrics.SlowClients.Inc()
		c.closed = true
		close(c.send)
	}
}

// close stops the write pump. Safe to call more than once.
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// readPump pumps frames from the websocket into the tree.
//
// The application runs readPump in a per-connection goroutine. There is at
// most one reader on a connection.
func (c *Client) readPump() {
	defer func() {
		for _, cancel := range c.subs {
			cancel()
		}
		c.hub.opts.Metrics.Subscriptions.Sub(float64(len(c.subs)))
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	ctx := context.Background()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("remote", c.remote).Msg("read failed")
			}
			return
		}

		f, err := wire.Unmarshal(data)
		if err != nil {
			log.Debug().Err(err).Str("remote", c.remote).Msg("malformed frame")
			continue
		}
		c.hub.opts.Metrics.Frames.WithLabelValues(f.Op).Inc()

		if !c.limiter.Allow() {
			c.hub.opts.Metrics.RateLimited.Inc()
			c.enqueue(&wire.Frame{Op: wire.OpReply, Seq: f.Seq, Error: errRateLimited})
			continue
		}

		c.enqueue(c.handle(ctx, f))
	}
}

// writePump pumps frames from the send buffer to the websocket and pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case b, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
				log.Debug().Err(err).Str("remote", c.remote).Msg("write failed")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
