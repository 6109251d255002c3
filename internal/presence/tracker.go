// Package presence registers a client's liveness in a room and exposes the
// set of clients every observer should consider online.
package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/tretten/breathing-sub000/internal/clocksync"
	"github.com/tretten/breathing-sub000/internal/store"
)

const (
	DefaultLiveness  = 5 * time.Minute
	DefaultHeartbeat = 60 * time.Second
)

var (
	ErrNotJoined     = errors.New("presence: not joined")
	ErrAlreadyJoined = errors.New("presence: already joined")
)

// Options tunes a Tracker. Zero values take the defaults.
type Options struct {
	Liveness  time.Duration
	Heartbeat time.Duration
}

// Tracker is one client's presence in one room. With an empty self id it
// only observes.
type Tracker struct {
	st    store.Store
	clock *clocksync.Clock
	room  string
	self  string
	opts  Options

	mu        sync.Mutex
	raw       map[string]Record
	selfRec   Record
	joined    bool
	listeners map[int]func(Online)
	nextID    int

	cancelSub  func()
	cancelConn func()
	ticker     clockwork.Ticker
	stop       chan struct{}
	wg         sync.WaitGroup
}

// New returns a tracker for self in room.
func New(st store.Store, clock *clocksync.Clock, room, self string, opts Options) *Tracker {
	if opts.Liveness <= 0 {
		opts.Liveness = DefaultLiveness
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	return &Tracker{
		st:        st,
		clock:     clock,
		room:      room,
		self:      self,
		opts:      opts,
		raw:       make(map[string]Record),
		listeners: make(map[int]func(Online)),
	}
}

func (t *Tracker) Self() string {
	return t.self
}

func (t *Tracker) Room() string {
	return t.room
}

// Join registers self in the room: stale entries are cleaned, the record is
// written, a disconnect hook registered, the online map followed and a
// heartbeat started.
func (t *Tracker) Join(ctx context.Context, rec Record) error {
	t.mu.Lock()
	if t.joined {
		t.mu.Unlock()
		return ErrAlreadyJoined
	}
	t.joined = true
	rec.JoinedAt = t.clock.NowMillis()
	t.selfRec = rec
	t.stop = make(chan struct{})
	t.mu.Unlock()

	// Count ourselves before the write lands.
	t.emit()

	t.cleanStale(ctx)

	if err := t.register(ctx); err != nil {
		t.mu.Lock()
		t.joined = false
		t.mu.Unlock()
		return err
	}

	cancel := t.st.Subscribe(store.OnlinePath(t.room), t.observe)

	var cancelConn func()
	if n, ok := t.st.(store.ConnectionNotifier); ok {
		cancelConn = n.OnConnected(t.reconnected)
	}

	t.mu.Lock()
	t.cancelSub, t.cancelConn = cancel, cancelConn
	t.ticker = t.clock.Base().NewTicker(t.opts.Heartbeat)
	ticker, stop := t.ticker, t.stop
	t.mu.Unlock()

	t.wg.Add(1)
	go t.heartbeat(ticker, stop)

	log.Debug().Str("room_id", t.room).Str("client_id", t.self).Msg("joined room")
	return nil
}

// Observe follows the online map without registering self.
func (t *Tracker) Observe() {
	t.mu.Lock()
	if t.cancelSub != nil {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	cancel := t.st.Subscribe(store.OnlinePath(t.room), t.observe)

	t.mu.Lock()
	t.cancelSub = cancel
	t.mu.Unlock()
}

// cleanStale deletes other clients' entries older than the liveness
// threshold. Duplicate deletes by other clients are harmless.
func (t *Tracker) cleanStale(ctx context.Context) {
	snap, err := t.st.Get(ctx, store.OnlinePath(t.room))
	if err != nil {
		log.Warn().Err(err).Str("room_id", t.room).Msg("read online map")
		return
	}

	now := t.clock.NowMillis()
	for _, child := range snap.Children() {
		if child.Key() == t.self {
			continue
		}
		rec, err := DecodeRecord(child)
		if err != nil {
			continue
		}
		if t.stale(rec, now) {
			if err := t.st.Remove(ctx, child.Path); err != nil {
				log.Warn().Err(err).Str("client_id", child.Key()).Msg("remove stale presence")
				continue
			}
			log.Debug().Str("room_id", t.room).Str("client_id", child.Key()).Msg("removed stale presence")
		}
	}
}

func (t *Tracker) stale(r Record, now int64) bool {
	return time.Duration(now-r.JoinedAt)*time.Millisecond > t.opts.Liveness
}

// register writes the local record and its disconnect hook.
func (t *Tracker) register(ctx context.Context) error {
	t.mu.Lock()
	rec := t.selfRec
	t.mu.Unlock()

	path := store.PresencePath(t.room, t.self)
	if err := t.st.Set(ctx, path, rec); err != nil {
		return err
	}
	return t.st.OnDisconnectRemove(ctx, path)
}

// reconnected re-registers after the relay connection came back; the old
// connection's hook already removed the record.
func (t *Tracker) reconnected() {
	t.mu.Lock()
	joined := t.joined
	t.mu.Unlock()
	if !joined {
		return
	}
	if err := t.register(context.Background()); err != nil {
		log.Warn().Err(err).Str("room_id", t.room).Msg("re-register presence")
	}
}

func (t *Tracker) observe(snap store.Snapshot) {
	raw := make(map[string]Record)
	for _, child := range snap.Children() {
		rec, err := DecodeRecord(child)
		if err != nil {
			log.Debug().Err(err).Msg("skipping malformed presence")
			continue
		}
		raw[child.Key()] = rec
	}

	t.mu.Lock()
	t.raw = raw
	t.mu.Unlock()

	t.emit()
}

func (t *Tracker) heartbeat(ticker clockwork.Ticker, stop chan struct{}) {
	defer t.wg.Done()
	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			t.mu.Lock()
			t.selfRec.JoinedAt = t.clock.NowMillis()
			rec := t.selfRec
			t.mu.Unlock()

			if err := t.st.Set(context.Background(), store.PresencePath(t.room, t.self), rec); err != nil {
				log.Warn().Err(err).Str("room_id", t.room).Msg("presence heartbeat")
			}
		}
	}
}

// Online returns the clients considered present now: entries older than the
// liveness threshold are dropped, except self, which is always counted
// while joined.
func (t *Tracker) Online() Online {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.onlineLocked()
}

func (t *Tracker) onlineLocked() Online {
	now := t.clock.NowMillis()
	out := make(Online, len(t.raw)+1)
	for id, rec := range t.raw {
		if id == t.self {
			continue
		}
		if !t.stale(rec, now) {
			out[id] = rec
		}
	}
	if t.joined {
		out[t.self] = t.selfRec
	}
	return out
}

// OnChange calls fn with the filtered online map now and after every change.
func (t *Tracker) OnChange(fn func(Online)) func() {
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.listeners[id] = fn
	online := t.onlineLocked()
	t.mu.Unlock()

	fn(online)
	return func() {
		t.mu.Lock()
		delete(t.listeners, id)
		t.mu.Unlock()
	}
}

func (t *Tracker) emit() {
	t.mu.Lock()
	online := t.onlineLocked()
	fns := make([]func(Online), 0, len(t.listeners))
	for _, fn := range t.listeners {
		fns = append(fns, fn)
	}
	t.mu.Unlock()

	for _, fn := range fns {
		fn(online.clone())
	}
}

// SelfRecord returns the local record as last written.
func (t *Tracker) SelfRecord() Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.selfRec
}

// Set applies a partial update to the local record, locally first.
func (t *Tracker) Set(ctx context.Context, p Patch) error {
	t.mu.Lock()
	if !t.joined {
		t.mu.Unlock()
		return ErrNotJoined
	}
	t.selfRec = p.apply(t.selfRec)
	fields := p.fields()
	fields["joinedAt"] = t.selfRec.JoinedAt
	t.mu.Unlock()

	t.emit()
	return t.st.Update(ctx, store.PresencePath(t.room, t.self), fields)
}

// Leave deletes the local record and stops everything Join started.
func (t *Tracker) Leave(ctx context.Context) error {
	t.mu.Lock()
	joined := t.joined
	t.mu.Unlock()

	t.Close()
	if !joined {
		return nil
	}

	path := store.PresencePath(t.room, t.self)
	err := t.st.Remove(ctx, path)
	if cerr := t.st.CancelOnDisconnect(ctx, path); err == nil {
		err = cerr
	}
	t.emit()
	return err
}

// Close releases the subscription, heartbeat and reconnect hook without
// deleting the record.
func (t *Tracker) Close() {
	t.mu.Lock()
	cancelSub, cancelConn := t.cancelSub, t.cancelConn
	ticker, stop := t.ticker, t.stop
	t.cancelSub, t.cancelConn, t.ticker, t.stop = nil, nil, nil, nil
	t.joined = false
	t.raw = make(map[string]Record)
	t.mu.Unlock()

	if cancelSub != nil {
		cancelSub()
	}
	if cancelConn != nil {
		cancelConn()
	}
	if ticker != nil {
		ticker.Stop()
	}
	if stop != nil {
		close(stop)
	}
	t.wg.Wait()
}
