package room

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/tretten/breathing-sub000/internal/clocksync"
	"github.com/tretten/breathing-sub000/internal/notify"
	"github.com/tretten/breathing-sub000/internal/presence"
	"github.com/tretten/breathing-sub000/internal/store"
)

var (
	// ErrNotIdle is returned when toggling ready outside the idle phase.
	ErrNotIdle = errors.New("room: ready can only change while idle")
	// ErrObserver is returned for participant operations on an observer.
	ErrObserver = errors.New("room: observer cannot participate")
)

// Event is the room as seen by this client at one moment.
type Event struct {
	Phase    Phase
	State    State
	LateJoin LateJoinStatus
	// Remaining is the time left before start while counting down.
	Remaining time.Duration
	// Elapsed is the time since start once active.
	Elapsed time.Duration
}

// same ignores the running times.
func (e Event) same(o Event) bool {
	return e.Phase == o.Phase && e.State.Status == o.State.Status &&
		e.State.Start() == o.State.Start() && e.LateJoin == o.LateJoin
}

// Coordinator runs the room rules for one client. Every client runs its own;
// none of them is authoritative.
type Coordinator struct {
	st      store.Store
	clock   *clocksync.Clock
	tracker *presence.Tracker
	room    string
	self    string
	t       Timings
	events  *notify.Queue[Event]

	mu         sync.Mutex
	state      State
	loaded     bool
	duration   time.Duration
	soloSince  time.Time
	starting   bool
	ended      bool
	endedStart int64
	endTimer   clockwork.Timer
	last       Event
	published  bool

	ctx         context.Context
	cancel      context.CancelFunc
	cancelState func()
	cancelPres  func()
	wg          sync.WaitGroup
}

// New returns a coordinator for the tracker's room and client. A tracker
// with no self id makes an observer, which only applies the reset rules.
func New(st store.Store, clock *clocksync.Clock, tracker *presence.Tracker, t Timings) *Coordinator {
	return &Coordinator{
		st:      st,
		clock:   clock,
		tracker: tracker,
		room:    tracker.Room(),
		self:    tracker.Self(),
		t:       t.withDefaults(),
		events:  notify.New[Event](),
		state:   Idle(),
	}
}

// Start subscribes to the room and starts the rule timers.
func (c *Coordinator) Start() {
	c.mu.Lock()
	if c.ctx != nil {
		c.mu.Unlock()
		return
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	ctx := c.ctx
	c.mu.Unlock()

	eval := c.clock.Base().NewTicker(c.t.EvalInterval)
	stale := c.clock.Base().NewTicker(c.t.StaleCheckInterval)

	cancelState := c.st.Subscribe(store.RoomStatePath(c.room), c.onState)
	cancelPres := c.tracker.OnChange(func(presence.Online) { c.Evaluate(ctx) })

	c.mu.Lock()
	c.cancelState, c.cancelPres = cancelState, cancelPres
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer eval.Stop()
		defer stale.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-eval.Chan():
				c.Evaluate(ctx)
			case <-stale.Chan():
				c.CheckStale(ctx)
			}
		}
	}()
}

func (c *Coordinator) onState(snap store.Snapshot) {
	s, err := DecodeState(snap)
	if err != nil {
		log.Debug().Err(err).Str("room_id", c.room).Msg("malformed room state, treating as idle")
	}

	c.mu.Lock()
	prev := c.state
	c.state = s
	ctx := c.ctx
	reset := prev.Status == StatusCountdown && s.Status == StatusIdle && !c.ended
	c.mu.Unlock()

	// A room reset under us starts over; keeping ready would restart it.
	if reset && c.self != "" && c.tracker.SelfRecord().IsReady {
		if err := c.tracker.Set(ctx, presence.Patch{IsReady: presence.Bool(false), IsPlaying: presence.Bool(false)}); err != nil {
			log.Warn().Err(err).Str("room_id", c.room).Msg("clear ready after reset")
		}
	}
	c.Evaluate(ctx)
}

// SetAudio records that the room's audio is loaded and how long it is.
func (c *Coordinator) SetAudio(duration time.Duration) {
	c.mu.Lock()
	c.loaded, c.duration = true, duration
	ctx := c.ctx
	c.mu.Unlock()
	c.Evaluate(ctx)
}

// SetReady toggles this client's readiness. Only allowed while idle.
func (c *Coordinator) SetReady(ctx context.Context, ready bool) error {
	if c.self == "" {
		return ErrObserver
	}
	c.mu.Lock()
	idle := !c.ended && c.state.Status == StatusIdle
	c.mu.Unlock()
	if !idle {
		return ErrNotIdle
	}

	if err := c.tracker.Set(ctx, presence.Patch{IsReady: presence.Bool(ready)}); err != nil {
		return err
	}
	c.Evaluate(ctx)
	return nil
}

// Evaluate applies the start rules and publishes the current phase.
func (c *Coordinator) Evaluate(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	online := c.tracker.Online()
	now := c.clock.Base().Now()

	c.mu.Lock()
	eligible := c.self != "" && c.loaded && !c.ended && !c.starting && c.state.Status == StatusIdle
	action := NoStart
	if eligible {
		action = StartDecision(online, c.self, c.soloSince, now, c.t.SoloGrace)
	}
	switch action {
	case AwaitSoloGrace:
		if c.soloSince.IsZero() {
			c.soloSince = now
			log.Debug().Str("room_id", c.room).Msg("alone and ready, waiting for others")
		}
	case StartNow:
		c.starting = true
		c.soloSince = time.Time{}
	default:
		c.soloSince = time.Time{}
	}
	c.mu.Unlock()

	if action == StartNow {
		c.startCountdown(ctx)
	}
	c.publish()
}

// startCountdown writes the countdown unless someone else already left idle.
func (c *Coordinator) startCountdown(ctx context.Context) {
	defer func() {
		c.mu.Lock()
		c.starting = false
		c.mu.Unlock()
	}()

	start := c.clock.NowMillis() + c.t.Countdown.Milliseconds()
	ok, err := c.st.Transact(ctx, store.RoomStatePath(c.room), func(cur store.Snapshot) (any, bool) {
		s, _ := DecodeState(cur)
		return Countdown(start), s.Status == StatusIdle
	})
	if err != nil {
		log.Warn().Err(err).Str("room_id", c.room).Msg("start countdown")
		return
	}
	if ok {
		log.Info().Str("room_id", c.room).Int64("start_timestamp", start).Msg("countdown started")
	}
}

// CheckStale applies the reset rules once.
func (c *Coordinator) CheckStale(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	online := c.tracker.Online()

	c.mu.Lock()
	s, duration := c.state, c.duration
	c.mu.Unlock()

	if reason := Stale(s, online, c.clock.NowMillis(), duration, c.t); reason != NotStale {
		c.reset(ctx, s.Start(), string(reason))
	}
	c.publish()
}

// reset returns the room to idle if it still holds the session that started
// at start. A newer session written meanwhile is left alone.
func (c *Coordinator) reset(ctx context.Context, start int64, reason string) {
	ok, err := c.st.Transact(ctx, store.RoomStatePath(c.room), func(cur store.Snapshot) (any, bool) {
		s, err := DecodeState(cur)
		if err != nil {
			return Idle(), true
		}
		return Idle(), s.Status == StatusCountdown && s.Start() == start
	})
	if err != nil {
		log.Warn().Err(err).Str("room_id", c.room).Str("reason", reason).Msg("reset room")
		return
	}
	if ok {
		log.Info().Str("room_id", c.room).Str("reason", reason).Msg("room reset")
	}
}

// MarkEnded is called when local playback reached the end. The room shows
// as ended for the grace window, then the session is reset.
func (c *Coordinator) MarkEnded(ctx context.Context) {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	c.ended = true
	c.endedStart = c.state.Start()
	c.endTimer = c.clock.Base().AfterFunc(c.t.EndedGrace, c.finishEnded)
	c.mu.Unlock()

	if c.self != "" {
		if err := c.tracker.Set(ctx, presence.Patch{IsReady: presence.Bool(false), IsPlaying: presence.Bool(false)}); err != nil {
			log.Warn().Err(err).Str("room_id", c.room).Msg("clear ready on end")
		}
	}
	c.publish()
}

func (c *Coordinator) finishEnded() {
	c.mu.Lock()
	if !c.ended {
		c.mu.Unlock()
		return
	}
	c.ended = false
	c.endTimer = nil
	start, ctx := c.endedStart, c.ctx
	c.mu.Unlock()

	if ctx == nil || ctx.Err() != nil {
		return
	}
	if start != 0 {
		c.reset(ctx, start, "ended")
	}
	c.Evaluate(ctx)
}

// View returns the current event, including countdown and elapsed times.
func (c *Coordinator) View() Event {
	now := c.clock.NowMillis()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked(now)
}

func (c *Coordinator) viewLocked(now int64) Event {
	phase := DerivePhase(c.state, now, c.duration)
	if c.ended {
		phase = PhaseEnded
	}
	ev := Event{
		Phase:    phase,
		State:    c.state,
		LateJoin: LateJoin(c.state, now, c.duration, c.t.LateJoinWindow),
	}
	switch phase {
	case PhaseCountdown:
		ev.Remaining = time.Duration(c.state.Start()-now) * time.Millisecond
	case PhaseActive:
		ev.Elapsed = time.Duration(now-c.state.Start()) * time.Millisecond
	}
	return ev
}

// OnEvent calls fn whenever the phase, stored state or late-join status
// changes. Events are delivered in order and never re-entrantly.
func (c *Coordinator) OnEvent(fn func(Event)) func() {
	return c.events.Subscribe(fn)
}

func (c *Coordinator) publish() {
	now := c.clock.NowMillis()
	c.mu.Lock()
	ev := c.viewLocked(now)
	changed := !c.published || !ev.same(c.last)
	if changed {
		c.last, c.published = ev, true
		c.events.Enqueue(ev)
	}
	c.mu.Unlock()

	if changed {
		log.Debug().Str("room_id", c.room).Stringer("phase", ev.Phase).Stringer("late_join", ev.LateJoin).Msg("room event")
	}
	c.events.Drain()
}

// Close stops timers and subscriptions.
func (c *Coordinator) Close() {
	c.mu.Lock()
	cancel, cancelState, cancelPres := c.cancel, c.cancelState, c.cancelPres
	endTimer := c.endTimer
	c.cancelState, c.cancelPres, c.endTimer = nil, nil, nil
	c.ended = false
	c.mu.Unlock()

	if cancelState != nil {
		cancelState()
	}
	if cancelPres != nil {
		cancelPres()
	}
	if endTimer != nil {
		endTimer.Stop()
	}
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}
