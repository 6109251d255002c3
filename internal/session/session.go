// Package session composes presence, room rules, playback and voice for one
// client in one room.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tretten/breathing-sub000/internal/clocksync"
	"github.com/tretten/breathing-sub000/internal/content"
	"github.com/tretten/breathing-sub000/internal/notify"
	"github.com/tretten/breathing-sub000/internal/playback"
	"github.com/tretten/breathing-sub000/internal/presence"
	"github.com/tretten/breathing-sub000/internal/room"
	"github.com/tretten/breathing-sub000/internal/store"
	"github.com/tretten/breathing-sub000/internal/voice"
)

var (
	ErrNoLateJoin = errors.New("session: no session to join")
	ErrNoVoice    = errors.New("session: voice is not available")
)

// Deps are the resources a session runs on. The session takes ownership of
// Player and releases it on Leave.
type Deps struct {
	Store  store.Store
	Clock  *clocksync.Clock
	Player playback.Player
	// Voice is nil for clients without voice.
	Voice voice.LinkFactory
}

type Options struct {
	Room      string
	ClientID  string
	VoiceName string
	AudioURL  string
	// Timeline, when set, drives the caption in View.
	Timeline *content.Timeline
	// AutoLateJoin joins a running session as soon as one is offered.
	AutoLateJoin bool

	Timings  room.Timings
	Presence presence.Options
	Playback playback.Options
	Voice    voice.Options
}

// View is everything a UI shows for the session.
type View struct {
	RoomID   string
	ClientID string
	Room     room.Event
	Playback playback.State
	Position time.Duration
	Duration time.Duration
	AudioErr error

	Online  int
	Members presence.Online
	Ready   bool

	VoiceAvailable bool
	VoiceEnabled   bool
	Muted          bool
	Participants   []voice.Participant

	Caption          string
	CaptionRemaining time.Duration
}

// Session is one client's stay in one room.
type Session struct {
	opts    Options
	clock   *clocksync.Clock
	tracker *presence.Tracker
	coord   *room.Coordinator
	sched   *playback.Scheduler
	mesh    *voice.Mesh
	changes *notify.Queue[struct{}]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	audioErr   error
	startedFor int64
	joining    bool
	autoMuted  bool
	unmutedFor int64
	cancels    []func()
	left       bool
}

// Enter joins the room and starts following it. A failure to load the
// audio is kept in View and leaves the client in the room without the
// ability to start.
func Enter(ctx context.Context, deps Deps, opts Options) (*Session, error) {
	if opts.Room == "" || opts.ClientID == "" {
		return nil, errors.New("session: room and client id are required")
	}
	if !store.ValidPath(store.RoomPath(opts.Room)) || !store.ValidPath(opts.ClientID) {
		return nil, fmt.Errorf("session: invalid room %q or client %q", opts.Room, opts.ClientID)
	}

	tracker := presence.New(deps.Store, deps.Clock, opts.Room, opts.ClientID, opts.Presence)
	if err := tracker.Join(ctx, presence.Record{VoiceName: opts.VoiceName}); err != nil {
		deps.Player.Close()
		return nil, fmt.Errorf("join room %s: %w", opts.Room, err)
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		opts:    opts,
		clock:   deps.Clock,
		tracker: tracker,
		coord:   room.New(deps.Store, deps.Clock, tracker, opts.Timings),
		sched:   playback.New(deps.Player, deps.Clock, opts.Playback),
		changes: notify.New[struct{}](),
		ctx:     sctx,
		cancel:  cancel,
	}
	if deps.Voice != nil {
		s.mesh = voice.New(deps.Store, tracker, deps.Voice, opts.Voice)
		s.cancels = append(s.cancels, s.mesh.OnChange(func([]voice.Participant) { s.changed() }))
	}

	s.cancels = append(s.cancels,
		s.sched.OnStateChange(s.onPlayback),
		s.coord.OnEvent(s.onRoom),
		tracker.OnChange(func(presence.Online) { s.changed() }),
	)

	if opts.AudioURL != "" {
		if d, err := s.sched.Load(ctx, opts.AudioURL); err != nil {
			log.Warn().Err(err).Str("room_id", opts.Room).Msg("audio unavailable")
			s.mu.Lock()
			s.audioErr = err
			s.mu.Unlock()
		} else {
			s.coord.SetAudio(d)
		}
	}

	s.coord.Start()
	s.sched.Start(sctx)
	log.Info().Str("room_id", opts.Room).Str("client_id", opts.ClientID).Msg("entered room")
	return s, nil
}

func (s *Session) Tracker() *presence.Tracker { return s.tracker }

func (s *Session) Coordinator() *room.Coordinator { return s.coord }

func (s *Session) Scheduler() *playback.Scheduler { return s.sched }

// Mesh is nil when voice is not available.
func (s *Session) Mesh() *voice.Mesh { return s.mesh }

// OnChange calls fn whenever anything in View may have changed.
func (s *Session) OnChange(fn func()) func() {
	return s.changes.Subscribe(func(struct{}) { fn() })
}

func (s *Session) changed() {
	s.changes.Publish(struct{}{})
}

func (s *Session) onRoom(ev room.Event) {
	defer s.changed()
	start := ev.State.Start()

	switch ev.Phase {
	case room.PhaseCountdown:
		s.mu.Lock()
		fresh := s.startedFor != start
		if fresh {
			s.startedFor = start
		}
		s.mu.Unlock()
		if !fresh {
			return
		}
		err := s.sched.PlayAt(start)
		switch {
		case errors.Is(err, playback.ErrMissedWindow):
			s.goJoinLate(start)
		case err != nil:
			log.Warn().Err(err).Str("room_id", s.opts.Room).Msg("schedule playback")
		default:
			s.sched.Track(start)
		}

	case room.PhaseActive:
		s.mu.Lock()
		mine := s.startedFor == start
		s.mu.Unlock()
		if !mine && ev.LateJoin == room.LateJoinAvailable && s.opts.AutoLateJoin {
			s.goJoinLate(start)
		}

	case room.PhaseIdle:
		switch s.sched.State() {
		case playback.StateScheduled, playback.StatePlaying, playback.StatePaused:
			log.Info().Str("room_id", s.opts.Room).Msg("session reset, stopping playback")
			if err := s.sched.Stop(); err != nil {
				log.Warn().Err(err).Msg("stop playback")
			}
		}
		s.mu.Lock()
		s.startedFor = 0
		s.mu.Unlock()
	}
}

func (s *Session) goJoinLate(start int64) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.joinLate(s.ctx, start); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn().Err(err).Str("room_id", s.opts.Room).Msg("late join")
		}
	}()
}

// JoinLate starts playback inside the session already running, if the
// late-join window is still open.
func (s *Session) JoinLate(ctx context.Context) error {
	ev := s.coord.View()
	if ev.LateJoin != room.LateJoinAvailable {
		return ErrNoLateJoin
	}
	return s.joinLate(ctx, ev.State.Start())
}

func (s *Session) joinLate(ctx context.Context, start int64) error {
	s.mu.Lock()
	if s.joining || (s.startedFor == start && s.sched.State() == playback.StatePlaying) {
		s.mu.Unlock()
		return nil
	}
	s.joining = true
	s.startedFor = start
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.joining = false
		s.mu.Unlock()
	}()

	offset := s.clock.Since(start)
	log.Info().Str("room_id", s.opts.Room).Dur("offset", offset).Msg("joining session late")
	if err := s.sched.PlayAtOffset(ctx, offset, func() time.Duration { return s.clock.Since(start) }); err != nil {
		return err
	}
	s.sched.Track(start)
	return nil
}

func (s *Session) onPlayback(st playback.State) {
	defer s.changed()
	ctx := s.ctx

	switch st {
	case playback.StatePlaying:
		s.setPlaying(ctx, true)
		if s.mesh != nil {
			s.mesh.PauseAll()
		}

	case playback.StateEnded:
		s.coord.MarkEnded(ctx)
		if s.mesh != nil {
			s.mesh.ResumeAll()
		}
		s.autoUnmute(ctx)

	case playback.StatePaused, playback.StateStopped:
		s.setPlaying(ctx, false)
		if s.mesh != nil {
			s.mesh.ResumeAll()
		}
	}
}

func (s *Session) setPlaying(ctx context.Context, playing bool) {
	if s.tracker.SelfRecord().IsPlaying == playing {
		return
	}
	if err := s.tracker.Set(ctx, presence.Patch{IsPlaying: presence.Bool(playing)}); err != nil && !errors.Is(err, presence.ErrNotJoined) {
		log.Warn().Err(err).Msg("update playing")
	}
}

// autoUnmute undoes the mute applied on ready, once per session start.
func (s *Session) autoUnmute(ctx context.Context) {
	s.mu.Lock()
	start := s.startedFor
	if !s.autoMuted || s.unmutedFor == start {
		s.mu.Unlock()
		return
	}
	s.autoMuted = false
	s.unmutedFor = start
	s.mu.Unlock()

	if s.mesh == nil {
		return
	}
	if err := s.mesh.SetMuted(ctx, false); err != nil {
		log.Warn().Err(err).Msg("unmute after session")
	}
}

// SetReady marks this client ready or not. Becoming ready mutes voice.
func (s *Session) SetReady(ctx context.Context, ready bool) error {
	if err := s.coord.SetReady(ctx, ready); err != nil {
		return err
	}
	if ready && s.mesh != nil && !s.mesh.Muted() {
		if err := s.mesh.SetMuted(ctx, true); err != nil {
			return err
		}
		s.mu.Lock()
		s.autoMuted = true
		s.mu.Unlock()
	}
	s.changed()
	return nil
}

func (s *Session) ToggleReady(ctx context.Context) error {
	return s.SetReady(ctx, !s.tracker.SelfRecord().IsReady)
}

// ToggleVoice enables or disables voice.
func (s *Session) ToggleVoice(ctx context.Context) error {
	if s.mesh == nil {
		return ErrNoVoice
	}
	defer s.changed()
	if s.mesh.Enabled() {
		return s.mesh.Disable(ctx)
	}
	return s.mesh.Enable(ctx)
}

func (s *Session) ToggleMute(ctx context.Context) error {
	if s.mesh == nil {
		return ErrNoVoice
	}
	defer s.changed()
	muted, err := s.mesh.ToggleMute(ctx)
	if err == nil && !muted {
		s.mu.Lock()
		s.autoMuted = false
		s.mu.Unlock()
	}
	return err
}

// View returns a snapshot for display.
func (s *Session) View() View {
	online := s.tracker.Online()
	self := s.tracker.SelfRecord()
	pos := s.sched.Position()

	s.mu.Lock()
	audioErr := s.audioErr
	s.mu.Unlock()

	v := View{
		RoomID:         s.opts.Room,
		ClientID:       s.opts.ClientID,
		Room:           s.coord.View(),
		Playback:       s.sched.State(),
		Position:       pos,
		Duration:       s.sched.Duration(),
		AudioErr:       audioErr,
		Online:         online.Count(),
		Members:        online,
		Ready:          self.IsReady,
		VoiceAvailable: s.mesh != nil,
	}
	if s.mesh != nil {
		v.VoiceEnabled = s.mesh.Enabled()
		v.Muted = s.mesh.Muted()
		v.Participants = s.mesh.Participants()
	}
	if s.opts.Timeline != nil && v.Playback == playback.StatePlaying {
		if w, rem, ok := s.opts.Timeline.At(pos); ok {
			v.Caption, v.CaptionRemaining = w.Type, rem
		}
	}
	return v
}

// Leave releases every timer, subscription and resource, and removes this
// client from the room.
func (s *Session) Leave(ctx context.Context) error {
	s.mu.Lock()
	if s.left {
		s.mu.Unlock()
		return nil
	}
	s.left = true
	cancels := s.cancels
	s.cancels = nil
	s.mu.Unlock()

	for _, c := range cancels {
		c()
	}
	s.coord.Close()
	s.cancel()

	var errs []error
	if s.mesh != nil {
		if err := s.mesh.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.sched.Close(); err != nil {
		errs = append(errs, err)
	}
	s.wg.Wait()
	if err := s.tracker.Leave(ctx); err != nil {
		errs = append(errs, err)
	}
	log.Info().Str("room_id", s.opts.Room).Msg("left room")
	return errors.Join(errs...)
}
