package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/tretten/breathing-sub000/internal/clocksync"
	"github.com/tretten/breathing-sub000/internal/notify"
)

var (
	ErrNotLoaded    = errors.New("playback: audio not loaded")
	ErrMissedWindow = errors.New("playback: start time already passed")
	ErrNotSeekable  = errors.New("playback: media never became seekable")
	ErrClosed       = errors.New("playback: scheduler closed")
	ErrCancelled    = errors.New("playback: start cancelled")
)

// State is the scheduler's lifecycle.
type State int

const (
	StateUnloaded State = iota
	StateReady
	StateScheduled
	StatePlaying
	StatePaused
	StateEnded
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateReady:
		return "ready"
	case StateScheduled:
		return "scheduled"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateEnded:
		return "ended"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Options tunes a Scheduler. Zero values take the defaults.
type Options struct {
	// LatencyCompensation is added to late-join seeks to cover the delay
	// between issuing play and audio becoming audible.
	LatencyCompensation time.Duration
	// SeekEpsilon keeps seeks strictly before the end.
	SeekEpsilon time.Duration
	// MissTolerance is how late PlayAt may be called and still play.
	MissTolerance time.Duration
	DriftInterval  time.Duration
	DriftThreshold time.Duration
	// SeekableTimeout bounds the wait for CanSeek in PlayAtOffset.
	SeekableTimeout time.Duration
	SeekablePoll    time.Duration
}

func DefaultOptions() Options {
	return Options{
		LatencyCompensation: 300 * time.Millisecond,
		SeekEpsilon:         100 * time.Millisecond,
		MissTolerance:       250 * time.Millisecond,
		DriftInterval:       time.Second,
		DriftThreshold:      250 * time.Millisecond,
		SeekableTimeout:     5 * time.Second,
		SeekablePoll:        50 * time.Millisecond,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.LatencyCompensation <= 0 {
		o.LatencyCompensation = d.LatencyCompensation
	}
	if o.SeekEpsilon <= 0 {
		o.SeekEpsilon = d.SeekEpsilon
	}
	if o.MissTolerance <= 0 {
		o.MissTolerance = d.MissTolerance
	}
	if o.DriftInterval <= 0 {
		o.DriftInterval = d.DriftInterval
	}
	if o.DriftThreshold <= 0 {
		o.DriftThreshold = d.DriftThreshold
	}
	if o.SeekableTimeout <= 0 {
		o.SeekableTimeout = d.SeekableTimeout
	}
	if o.SeekablePoll <= 0 {
		o.SeekablePoll = d.SeekablePoll
	}
	return o
}

// Scheduler owns one Player for the lifetime of a room visit.
type Scheduler struct {
	player Player
	clock  *clocksync.Clock
	opts   Options
	states *notify.Queue[State]

	mu        sync.Mutex
	state     State
	start     int64
	playTimer clockwork.Timer
	run       uint64 // bumped whenever a pending start is cancelled
	drift     clockwork.Ticker
	stop      chan struct{}
	closed    bool
	wg        sync.WaitGroup
}

// New returns a scheduler that takes ownership of player.
func New(player Player, clock *clocksync.Clock, opts Options) *Scheduler {
	s := &Scheduler{
		player: player,
		clock:  clock,
		opts:   opts.withDefaults(),
		states: notify.New[State](),
	}
	player.OnEnded(s.ended)
	return s
}

// OnStateChange calls fn after every state transition.
func (s *Scheduler) OnStateChange(fn func(State)) func() {
	return s.states.Subscribe(fn)
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// setLocked records a transition; the caller drains after unlocking.
func (s *Scheduler) setLocked(st State) bool {
	if s.state == st {
		return false
	}
	s.state = st
	s.states.Enqueue(st)
	return true
}

func (s *Scheduler) transition(st State) {
	s.mu.Lock()
	s.setLocked(st)
	s.mu.Unlock()
	s.states.Drain()
}

// Load loads the asset and returns its duration.
func (s *Scheduler) Load(ctx context.Context, url string) (time.Duration, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrClosed
	}
	s.mu.Unlock()

	if err := s.player.Load(ctx, url); err != nil {
		return 0, fmt.Errorf("load %s: %w", url, err)
	}
	s.transition(StateReady)
	return s.player.Duration(), nil
}

func (s *Scheduler) Duration() time.Duration {
	return s.player.Duration()
}

// PlayAt arms playback to begin at target, a shared-time Unix millisecond
// timestamp. A target further in the past than the miss tolerance fails.
func (s *Scheduler) PlayAt(target int64) error {
	delay := time.Duration(target-s.clock.NowMillis()) * time.Millisecond
	if delay < -s.opts.MissTolerance {
		return fmt.Errorf("%w by %v", ErrMissedWindow, -delay)
	}

	s.mu.Lock()
	if err := s.playableLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.cancelTimerLocked()
	s.start = target
	run := s.run
	if delay <= 0 {
		s.mu.Unlock()
		return s.begin(run, s.clamp(-delay))
	}
	s.playTimer = s.clock.Base().AfterFunc(delay, func() { s.fire(run) })
	s.setLocked(StateScheduled)
	s.mu.Unlock()
	s.states.Drain()

	log.Debug().Int64("start_timestamp", target).Dur("delay", delay).Msg("playback scheduled")
	return nil
}

func (s *Scheduler) playableLocked() error {
	if s.closed {
		return ErrClosed
	}
	if s.state == StateUnloaded {
		return ErrNotLoaded
	}
	return nil
}

func (s *Scheduler) fire(run uint64) {
	s.mu.Lock()
	if s.state != StateScheduled || s.run != run {
		s.mu.Unlock()
		return
	}
	s.playTimer = nil
	s.mu.Unlock()

	switch err := s.begin(run, 0); {
	case errors.Is(err, ErrCancelled):
		log.Debug().Msg("scheduled play cancelled")
	case err != nil:
		log.Warn().Err(err).Msg("scheduled play failed")
	}
}

// current reports whether run is still the latest start request.
func (s *Scheduler) current(run uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run == run && !s.closed
}

// begin seeks to pos and plays, unless run was cancelled first. A cancel
// that lands while the player is starting is undone before the state
// moves to playing.
func (s *Scheduler) begin(run uint64, pos time.Duration) error {
	if !s.current(run) {
		return ErrCancelled
	}
	if err := s.player.Seek(pos); err != nil {
		return fmt.Errorf("seek: %w", err)
	}
	if err := s.player.Play(); err != nil {
		return fmt.Errorf("play: %w", err)
	}

	s.mu.Lock()
	if s.run != run || s.closed {
		s.mu.Unlock()
		if err := s.player.Pause(); err != nil {
			log.Debug().Err(err).Msg("pause cancelled start")
		}
		if err := s.player.Seek(0); err != nil {
			log.Debug().Err(err).Msg("rewind cancelled start")
		}
		return ErrCancelled
	}
	s.setLocked(StatePlaying)
	s.mu.Unlock()
	s.states.Drain()
	return nil
}

// PlayAtOffset starts playback already seeked into the asset, for joining a
// session under way. It waits for the media to become seekable, then asks
// recompute for the exact offset right before seeking (falling back to
// offset when recompute is nil) and adds the latency compensation.
func (s *Scheduler) PlayAtOffset(ctx context.Context, offset time.Duration, recompute func() time.Duration) error {
	s.mu.Lock()
	if err := s.playableLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.cancelTimerLocked()
	run := s.run
	s.mu.Unlock()

	if err := s.waitSeekable(ctx); err != nil {
		return err
	}

	if recompute != nil {
		offset = recompute()
	}
	target := s.clamp(offset + s.opts.LatencyCompensation)
	log.Debug().Dur("offset", offset).Dur("seek", target).Msg("joining playback at offset")
	return s.begin(run, target)
}

func (s *Scheduler) waitSeekable(ctx context.Context) error {
	if s.player.CanSeek() {
		return nil
	}
	deadline := s.clock.Base().Now().Add(s.opts.SeekableTimeout)
	for !s.player.CanSeek() {
		if !s.clock.Base().Now().Before(deadline) {
			return ErrNotSeekable
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.Base().After(s.opts.SeekablePoll):
		}
	}
	return nil
}

func (s *Scheduler) clamp(pos time.Duration) time.Duration {
	limit := s.player.Duration() - s.opts.SeekEpsilon
	if pos > limit {
		pos = limit
	}
	if pos < 0 {
		pos = 0
	}
	return pos
}

// SyncTo seeks to offset, clamped to the asset.
func (s *Scheduler) SyncTo(offset time.Duration) error {
	s.mu.Lock()
	if err := s.playableLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()
	return s.player.Seek(s.clamp(offset))
}

// Track sets the session start the drift loop corrects against. Zero
// disables correction.
func (s *Scheduler) Track(start int64) {
	s.mu.Lock()
	s.start = start
	s.mu.Unlock()
}

func (s *Scheduler) Pause() error {
	s.mu.Lock()
	if s.state != StatePlaying {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.player.Pause(); err != nil {
		return err
	}
	s.transition(StatePaused)
	return nil
}

func (s *Scheduler) Resume() error {
	s.mu.Lock()
	if s.state != StatePaused {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.player.Play(); err != nil {
		return err
	}
	s.transition(StatePlaying)
	return nil
}

// Stop cancels any scheduled start, rewinds and forgets the session.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if s.state == StateUnloaded || s.closed {
		s.mu.Unlock()
		return nil
	}
	s.cancelTimerLocked()
	s.start = 0
	s.mu.Unlock()

	err := s.player.Pause()
	if serr := s.player.Seek(0); err == nil {
		err = serr
	}
	s.transition(StateStopped)
	return err
}

func (s *Scheduler) Position() time.Duration {
	return s.player.Position()
}

// CheckDrift compares the position with the one implied by shared time and
// force-seeks when they differ by more than the threshold. It reports
// whether it corrected.
func (s *Scheduler) CheckDrift() bool {
	s.mu.Lock()
	playing, start := s.state == StatePlaying, s.start
	s.mu.Unlock()
	if !playing || start == 0 {
		return false
	}

	expected := time.Duration(s.clock.NowMillis()-start) * time.Millisecond
	if expected < 0 || expected >= s.player.Duration() {
		return false
	}
	diff := s.player.Position() - expected
	if diff < 0 {
		diff = -diff
	}
	if diff <= s.opts.DriftThreshold {
		return false
	}

	if err := s.player.Seek(expected); err != nil {
		log.Warn().Err(err).Msg("drift correction seek")
		return false
	}
	log.Debug().Dur("drift", diff).Dur("seek", expected).Msg("corrected drift")
	return true
}

// Start runs CheckDrift every drift interval until ctx is done or Close.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.drift != nil || s.closed {
		s.mu.Unlock()
		return
	}
	s.drift = s.clock.Base().NewTicker(s.opts.DriftInterval)
	s.stop = make(chan struct{})
	ticker, stop := s.drift, s.stop
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				s.CheckDrift()
			}
		}
	}()
}

func (s *Scheduler) ended() {
	s.mu.Lock()
	if s.closed || s.state != StatePlaying {
		s.mu.Unlock()
		return
	}
	s.start = 0
	s.setLocked(StateEnded)
	s.mu.Unlock()
	s.states.Drain()
	log.Debug().Msg("playback ended")
}

func (s *Scheduler) cancelTimerLocked() {
	s.run++
	if s.playTimer != nil {
		s.playTimer.Stop()
		s.playTimer = nil
	}
}

// Close stops everything and releases the player.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cancelTimerLocked()
	ticker, stop := s.drift, s.stop
	s.drift, s.stop = nil, nil
	s.mu.Unlock()

	if ticker != nil {
		ticker.Stop()
		close(stop)
	}
	s.wg.Wait()
	return s.player.Close()
}
