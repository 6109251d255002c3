// Package remote implements store.Store over a websocket connection to the
// relay. Requests are correlated with replies by sequence number,
// subscription events are delivered on a separate goroutine, and a dropped
// connection is re-dialled with backoff and every subscription re-sent.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/tretten/breathing-sub000/internal/dns"
	"github.com/tretten/breathing-sub000/internal/notify"
	"github.com/tretten/breathing-sub000/internal/store"
	"github.com/tretten/breathing-sub000/internal/store/wire"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 256 * 1024

	maxTransactAttempts = 8
)

// Options configures a Client.
type Options struct {
	// URL is the relay websocket endpoint, e.g. ws://localhost:8080/ws.
	URL string

	Clock          clockwork.Clock
	Resolver       *dns.Resolver
	RequestTimeout time.Duration
	MinBackoff     time.Duration
	MaxBackoff     time.Duration
}

type subscription struct {
	path string
	fn   func(store.Snapshot)
}

// conn is one live websocket session.
type conn struct {
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (s *conn) close() {
	s.once.Do(func() {
		close(s.done)
		s.ws.Close()
	})
}

// Client is a store.Store backed by a relay.
type Client struct {
	opts   Options
	clock  clockwork.Clock
	dialer *websocket.Dialer
	events *notify.Serial

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	cur         *conn
	seq         uint64
	pending     map[uint64]chan *wire.Frame
	subs        map[uint64]*subscription
	nextSub     uint64
	offset      time.Duration
	offsetKnown bool
	offsetSubs  map[uint64]func(time.Duration)
	connSubs    map[uint64]func()
	nextCB      uint64
	closed      bool
	wg          sync.WaitGroup
}

var (
	_ store.Store              = (*Client)(nil)
	_ store.ConnectionNotifier = (*Client)(nil)
)

// Dial connects to the relay. The first connection attempt is synchronous;
// later drops are recovered in the background until Close.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	if _, err := url.Parse(opts.URL); err != nil {
		return nil, fmt.Errorf("invalid relay URL: %w", err)
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Resolver == nil {
		opts.Resolver = dns.NewResolver()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 10 * time.Second
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		opts:  opts,
		clock: opts.Clock,
		dialer: &websocket.Dialer{
			NetDialContext:   opts.Resolver.DialContext,
			HandshakeTimeout: 10 * time.Second,
		},
		events:     notify.NewSerial(),
		ctx:        runCtx,
		cancel:     cancel,
		pending:    make(map[uint64]chan *wire.Frame),
		subs:       make(map[uint64]*subscription),
		offsetSubs: make(map[uint64]func(time.Duration)),
		connSubs:   make(map[uint64]func()),
	}

	s, err := c.dial(ctx)
	if err != nil {
		cancel()
		c.events.Stop()
		return nil, err
	}

	c.wg.Add(1)
	go c.run(s)
	return c, nil
}

func (c *Client) dial(ctx context.Context) (*conn, error) {
	ws, _, err := c.dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	ws.SetReadLimit(maxMessageSize)
	return &conn{ws: ws, send: make(chan []byte, 64), done: make(chan struct{})}, nil
}

// run owns the connection lifecycle until Close.
func (c *Client) run(s *conn) {
	defer c.wg.Done()

	first := true
	for {
		if !c.attach(s, !first) {
			s.close()
			return
		}
		first = false

		go c.writePump(s)
		c.readPump(s)
		c.detach(s)

		s = c.redial()
		if s == nil {
			return
		}
	}
}

// redial retries with exponential backoff. It returns nil once closed.
func (c *Client) redial() *conn {
	backoff := c.opts.MinBackoff
	for {
		select {
		case <-c.ctx.Done():
			return nil
		case <-c.clock.After(backoff):
		}

		s, err := c.dial(c.ctx)
		if err == nil {
			log.Info().Str("url", c.opts.URL).Msg("relay reconnected")
			return s
		}
		log.Warn().Err(err).Dur("backoff", backoff).Msg("relay reconnect failed")

		backoff *= 2
		if backoff > c.opts.MaxBackoff {
			backoff = c.opts.MaxBackoff
		}
	}
}

// attach makes s the current connection and replays subscriptions. It
// reports false if the client was closed meanwhile.
func (c *Client) attach(s *conn, reconnect bool) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.cur = s
	type resub struct {
		id   uint64
		path string
	}
	resubs := make([]resub, 0, len(c.subs))
	for id, sub := range c.subs {
		resubs = append(resubs, resub{id, sub.path})
	}
	var cbs []func()
	if reconnect {
		for _, fn := range c.connSubs {
			cbs = append(cbs, fn)
		}
	}
	c.mu.Unlock()

	for _, r := range resubs {
		c.fire(&wire.Frame{Op: wire.OpSub, Sub: r.id, Path: r.path})
	}
	for _, fn := range cbs {
		c.events.Push(fn)
	}
	return true
}

// detach fails every in-flight request on s.
func (c *Client) detach(s *conn) {
	s.close()

	c.mu.Lock()
	if c.cur == s {
		c.cur = nil
	}
	pending := c.pending
	c.pending = make(map[uint64]chan *wire.Frame)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	log.Debug().Str("url", c.opts.URL).Msg("relay connection lost")
}

func (c *Client) readPump(s *conn) {
	s.ws.SetReadDeadline(time.Now().Add(pongWait))
	s.ws.SetPongHandler(func(string) error {
		s.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			return
		}
		s.ws.SetReadDeadline(time.Now().Add(pongWait))

		f, err := wire.Unmarshal(data)
		if err != nil {
			log.Debug().Err(err).Msg("malformed frame from relay")
			continue
		}

		switch f.Op {
		case wire.OpHello, wire.OpTime:
			c.setOffset(time.Duration(f.ServerTime-c.clock.Now().UnixMilli()) * time.Millisecond)

		case wire.OpReply:
			c.mu.Lock()
			ch, ok := c.pending[f.Seq]
			delete(c.pending, f.Seq)
			c.mu.Unlock()
			if ok {
				ch <- f
			}

		case wire.OpEvent:
			c.deliver(f)
		}
	}
}

func (c *Client) writePump(s *conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case b := <-s.send:
			s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			s.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// deliver queues an event for its subscription. The subscription is looked
// up again at delivery time so a cancelled one never fires.
func (c *Client) deliver(f *wire.Frame) {
	v, err := wire.DecodeValue(f.Value)
	if err != nil {
		log.Debug().Err(err).Str("path", f.Path).Msg("undecodable event")
		return
	}
	c.events.Push(func() {
		c.mu.Lock()
		sub, ok := c.subs[f.Sub]
		c.mu.Unlock()
		if ok {
			sub.fn(store.NewSnapshot(sub.path, v))
		}
	})
}

func (c *Client) setOffset(d time.Duration) {
	c.mu.Lock()
	c.offset, c.offsetKnown = d, true
	fns := make([]func(time.Duration), 0, len(c.offsetSubs))
	for _, fn := range c.offsetSubs {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	c.events.Push(func() {
		for _, fn := range fns {
			fn(d)
		}
	})
}

// request sends f and waits for its reply.
func (c *Client) request(ctx context.Context, f *wire.Frame) (*wire.Frame, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, store.NewError(f.Op, f.Path, store.ErrClosed)
	}
	s := c.cur
	if s == nil {
		c.mu.Unlock()
		return nil, store.NewError(f.Op, f.Path, store.ErrDisconnected)
	}
	c.seq++
	f.Seq = c.seq
	ch := make(chan *wire.Frame, 1)
	c.pending[f.Seq] = ch
	c.mu.Unlock()

	abandon := func() {
		c.mu.Lock()
		delete(c.pending, f.Seq)
		c.mu.Unlock()
	}

	b, err := wire.Marshal(f)
	if err != nil {
		abandon()
		return nil, store.NewError(f.Op, f.Path, err)
	}
	select {
	case s.send <- b:
	case <-s.done:
		abandon()
		return nil, store.NewError(f.Op, f.Path, store.ErrDisconnected)
	case <-ctx.Done():
		abandon()
		return nil, store.NewError(f.Op, f.Path, ctx.Err())
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return nil, store.NewError(f.Op, f.Path, store.ErrDisconnected)
		}
		if reply.Error != "" {
			return reply, store.NewError(f.Op, f.Path, errors.New(reply.Error))
		}
		return reply, nil
	case <-ctx.Done():
		abandon()
		return nil, store.NewError(f.Op, f.Path, ctx.Err())
	}
}

// fire sends f without waiting, logging failures.
func (c *Client) fire(f *wire.Frame) {
	go func() {
		if _, err := c.request(c.ctx, f); err != nil && !errors.Is(err, store.ErrClosed) {
			log.Debug().Err(err).Str("op", f.Op).Str("path", f.Path).Msg("async request failed")
		}
	}()
}

func (c *Client) Get(ctx context.Context, path string) (store.Snapshot, error) {
	reply, err := c.request(ctx, &wire.Frame{Op: wire.OpGet, Path: path})
	if err != nil {
		return store.Snapshot{Path: path}, err
	}
	v, err := wire.DecodeValue(reply.Value)
	if err != nil {
		return store.Snapshot{Path: path}, store.NewError("get", path, err)
	}
	return store.NewSnapshot(path, v), nil
}

func (c *Client) Set(ctx context.Context, path string, value any) error {
	b, err := encode(value)
	if err != nil {
		return store.NewError("set", path, err)
	}
	_, err = c.request(ctx, &wire.Frame{Op: wire.OpSet, Path: path, Value: b})
	return err
}

func (c *Client) Update(ctx context.Context, path string, values map[string]any) error {
	enc := make(map[string][]byte, len(values))
	for rel, v := range values {
		b, err := encode(v)
		if err != nil {
			return store.NewError("update", store.Join(path, rel), err)
		}
		enc[rel] = b
	}
	_, err := c.request(ctx, &wire.Frame{Op: wire.OpUpdate, Path: path, Values: enc})
	return err
}

func (c *Client) Remove(ctx context.Context, path string) error {
	_, err := c.request(ctx, &wire.Frame{Op: wire.OpRemove, Path: path})
	return err
}

func (c *Client) Push(ctx context.Context, path string, value any) (string, error) {
	b, err := encode(value)
	if err != nil {
		return "", store.NewError("push", path, err)
	}
	reply, err := c.request(ctx, &wire.Frame{Op: wire.OpPush, Path: path, Value: b})
	if err != nil {
		return "", err
	}
	return reply.Key, nil
}

// Transact runs fn against the current value and commits with a
// compare-and-swap, retrying with the value the relay reports on conflict.
func (c *Client) Transact(ctx context.Context, path string, fn store.TransactFunc) (bool, error) {
	cur, err := c.Get(ctx, path)
	if err != nil {
		return false, err
	}

	for attempt := 0; attempt < maxTransactAttempts; attempt++ {
		next, commit := fn(cur)
		if !commit {
			return false, nil
		}
		expected, err := wire.EncodeValue(cur.Value())
		if err != nil {
			return false, store.NewError("transact", path, err)
		}
		value, err := encode(next)
		if err != nil {
			return false, store.NewError("transact", path, err)
		}

		reply, err := c.request(ctx, &wire.Frame{Op: wire.OpCAS, Path: path, Expected: expected, Value: value})
		if err != nil {
			return false, err
		}
		if reply.Committed {
			return true, nil
		}

		v, err := wire.DecodeValue(reply.Value)
		if err != nil {
			return false, store.NewError("transact", path, err)
		}
		cur = store.NewSnapshot(path, v)
	}
	return false, store.NewError("transact", path, store.ErrConflict)
}

func (c *Client) Subscribe(path string, fn func(store.Snapshot)) func() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return func() {}
	}
	c.nextSub++
	id := c.nextSub
	c.subs[id] = &subscription{path: path, fn: fn}
	connected := c.cur != nil
	c.mu.Unlock()

	if connected {
		c.fire(&wire.Frame{Op: wire.OpSub, Sub: id, Path: path})
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				c.fire(&wire.Frame{Op: wire.OpUnsub, Sub: id, Path: path})
			}
		})
	}
}

func (c *Client) OnDisconnectRemove(ctx context.Context, path string) error {
	_, err := c.request(ctx, &wire.Frame{Op: wire.OpOnDisc, Path: path})
	return err
}

func (c *Client) CancelOnDisconnect(ctx context.Context, path string) error {
	_, err := c.request(ctx, &wire.Frame{Op: wire.OpCancelDisc, Path: path})
	return err
}

func (c *Client) OnClockOffset(fn func(time.Duration)) func() {
	c.mu.Lock()
	c.nextCB++
	id := c.nextCB
	c.offsetSubs[id] = fn
	known, offset := c.offsetKnown, c.offset
	c.mu.Unlock()

	if known {
		c.events.Push(func() { fn(offset) })
	}
	return func() {
		c.mu.Lock()
		delete(c.offsetSubs, id)
		c.mu.Unlock()
	}
}

// OnConnected registers fn to run after every reconnect.
func (c *Client) OnConnected(fn func()) func() {
	c.mu.Lock()
	c.nextCB++
	id := c.nextCB
	c.connSubs[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.connSubs, id)
		c.mu.Unlock()
	}
}

// Connected reports whether a relay connection is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur != nil
}

// Close drops the connection and stops reconnecting. The relay then runs
// this client's disconnect hooks.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	s := c.cur
	c.mu.Unlock()

	c.cancel()
	if s != nil {
		s.close()
	}
	c.wg.Wait()
	c.events.Stop()
	return nil
}

// encode normalises value before framing it so callers get the same
// empty-object semantics as the in-memory store.
func encode(value any) ([]byte, error) {
	norm, err := store.Normalize(value)
	if err != nil {
		return nil, err
	}
	return wire.EncodeValue(norm)
}
