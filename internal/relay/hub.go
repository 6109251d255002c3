// Package relay is the websocket server that hosts the shared state tree.
// Every websocket client gets its own memory.Conn on the hub's tree, so
// subscriptions and disconnect hooks follow the socket's lifetime.
package relay

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/tretten/breathing-sub000/internal/store/memory"
	"github.com/tretten/breathing-sub000/internal/store/wire"
)

// ErrHubStopped is returned once the hub loop has exited.
var ErrHubStopped = errors.New("relay hub stopped")

// HubOptions tunes a Hub. Zero values take defaults.
type HubOptions struct {
	Clock clockwork.Clock

	// OpsPerSecond and Burst bound the frames a single client may send.
	OpsPerSecond float64
	Burst        int

	// TimePeriod is how often every client is sent the server time.
	TimePeriod time.Duration

	SendBuffer int
	Metrics    *Metrics
}

// Hub manages every connected client and the tree they share.
type Hub struct {
	tree *memory.Tree
	opts HubOptions

	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	count      chan chan int

	done     chan struct{}
	stopOnce sync.Once
}

// NewHub creates a hub serving tree.
func NewHub(tree *memory.Tree, opts HubOptions) *Hub {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.OpsPerSecond <= 0 {
		opts.OpsPerSecond = 50
	}
	if opts.Burst <= 0 {
		opts.Burst = 100
	}
	if opts.TimePeriod <= 0 {
		opts.TimePeriod = pingPeriod
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	return &Hub{
		tree:       tree,
		opts:       opts,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		count:      make(chan chan int),
		done:       make(chan struct{}),
	}
}

// Tree returns the tree the hub serves.
func (h *Hub) Tree() *memory.Tree {
	return h.tree
}

func (h *Hub) String() string {
	return "relay-hub"
}

// Serve runs the hub's main loop until ctx is done. It is the single
// goroutine that owns the client registry.
func (h *Hub) Serve(ctx context.Context) error {
	ticker := h.opts.Clock.NewTicker(h.opts.TimePeriod)
	defer ticker.Stop()

	defer func() {
		for c := range h.clients {
			h.drop(c)
		}
		h.stopOnce.Do(func() { close(h.done) })
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case c := <-h.register:
			h.clients[c] = true
			h.opts.Metrics.Clients.Inc()
			log.Debug().Str("remote", c.remote).Uint64("conn", c.store.ID()).Msg("client registered")
			c.enqueue(&wire.Frame{Op: wire.OpHello, ServerTime: h.now()})

		case c := <-h.unregister:
			if h.clients[c] {
				h.drop(c)
				log.Debug().Str("remote", c.remote).Msg("client unregistered")
			}

		case reply := <-h.count:
			reply <- len(h.clients)

		case <-ticker.Chan():
			f := &wire.Frame{Op: wire.OpTime, ServerTime: h.now()}
			for c := range h.clients {
				c.enqueue(f)
			}
		}
	}
}

// drop forgets c, fires its disconnect hooks and stops its write pump.
func (h *Hub) drop(c *Client) {
	delete(h.clients, c)
	h.opts.Metrics.Clients.Dec()
	c.store.Disconnect()
	c.close()
}

func (h *Hub) now() int64 {
	return h.opts.Clock.Now().UnixMilli()
}

// Clients returns the number of registered clients.
func (h *Hub) Clients(ctx context.Context) (int, error) {
	reply := make(chan int, 1)
	select {
	case h.count <- reply:
	case <-h.done:
		return 0, ErrHubStopped
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case n := <-reply:
		return n, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16 * 1024,
	WriteBufferSize: 16 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ServeWS upgrades the request and starts the client's pumps.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &Client{
		hub:     h,
		conn:    conn,
		remote:  conn.RemoteAddr().String(),
		store:   h.tree.Connect(),
		send:    make(chan []byte, h.opts.SendBuffer),
		limiter: rate.NewLimiter(rate.Limit(h.opts.OpsPerSecond), h.opts.Burst),
		subs:    make(map[uint64]func()),
	}

	select {
	case h.register <- c:
	case <-h.done:
		c.store.Disconnect()
		conn.Close()
		return
	case <-r.Context().Done():
		c.store.Disconnect()
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}
