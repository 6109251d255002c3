package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tretten/breathing-sub000/internal/clocksync"
	"github.com/tretten/breathing-sub000/internal/content"
	"github.com/tretten/breathing-sub000/internal/playback"
	"github.com/tretten/breathing-sub000/internal/room"
	"github.com/tretten/breathing-sub000/internal/store"
	"github.com/tretten/breathing-sub000/internal/store/memory"
	"github.com/tretten/breathing-sub000/internal/voice"
)

const t0 = 1_700_000_000_000

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

type fixture struct {
	tree  *memory.Tree
	fc    *clockwork.FakeClock
	clock *clocksync.Clock
}

func newFixture() *fixture {
	fc := clockwork.NewFakeClockAt(time.UnixMilli(t0))
	return &fixture{tree: memory.NewTree(), fc: fc, clock: clocksync.New(fc)}
}

func (f *fixture) enter(t *testing.T, id string, audio time.Duration, factory voice.LinkFactory, opts Options) *Session {
	t.Helper()
	opts.Room = "box"
	opts.ClientID = id
	opts.AudioURL = "/content/box.mp3"
	player := playback.NewVirtualPlayer(f.fc, func(context.Context, string) (time.Duration, error) {
		return audio, nil
	})
	s, err := Enter(context.Background(), Deps{
		Store:  f.tree.Connect(),
		Clock:  f.clock,
		Player: player,
		Voice:  factory,
	}, opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Leave(context.Background()) })
	return s
}

func (f *fixture) state(t *testing.T) room.State {
	t.Helper()
	s, err := room.DecodeState(f.tree.Value(store.RoomStatePath("box")))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func playing(s *Session) func() bool {
	return func() bool { return s.Scheduler().State() == playback.StatePlaying }
}

func TestTwoClientsPlayTogether(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	a := f.enter(t, "a", time.Minute, nil, Options{})
	b := f.enter(t, "b", time.Minute, nil, Options{})

	if err := a.SetReady(ctx, true); err != nil {
		t.Fatal(err)
	}
	if err := b.SetReady(ctx, true); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "countdown", func() bool { return f.state(t).Status == room.StatusCountdown })
	if got := f.state(t).Start(); got != t0+3000 {
		t.Fatalf("startTimestamp = %d, want now+3000", got)
	}
	for _, s := range []*Session{a, b} {
		s := s
		waitFor(t, "playback scheduled", func() bool { return s.Scheduler().State() == playback.StateScheduled })
	}

	f.fc.Advance(3 * time.Second)
	waitFor(t, "a playing", playing(a))
	waitFor(t, "b playing", playing(b))
	waitFor(t, "presence shows both playing", func() bool {
		online := a.Tracker().Online()
		return online["a"].IsPlaying && online["b"].IsPlaying
	})

	v := a.View()
	if v.RoomID != "box" || v.Online != 2 || v.Playback != playback.StatePlaying {
		t.Fatalf("view = %+v", v)
	}
}

func TestLateJoinSeeksWithCompensation(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	if err := f.tree.Connect().Set(ctx, store.RoomStatePath("box"), room.Countdown(t0-5000)); err != nil {
		t.Fatal(err)
	}

	a := f.enter(t, "a", 10*time.Second, nil, Options{AutoLateJoin: true})
	waitFor(t, "late join playing", playing(a))
	if got := a.Scheduler().Position(); got != 5300*time.Millisecond {
		t.Fatalf("position = %v, want 5.3s", got)
	}
	waitFor(t, "presence playing", func() bool { return a.Tracker().SelfRecord().IsPlaying })

	// At elapsed 11s the audio is over and the room is reset.
	f.fc.Advance(6 * time.Second)
	waitFor(t, "room reset", func() bool { return f.state(t).Status == room.StatusIdle })
	if f.state(t).StartTimestamp != nil {
		t.Fatal("idle room kept its startTimestamp")
	}
}

func TestLateJoinOnDemand(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	if err := f.tree.Connect().Set(ctx, store.RoomStatePath("box"), room.Countdown(t0-2000)); err != nil {
		t.Fatal(err)
	}

	a := f.enter(t, "a", time.Minute, nil, Options{})
	waitFor(t, "late join offered", func() bool { return a.View().Room.LateJoin == room.LateJoinAvailable })
	if a.Scheduler().State() == playback.StatePlaying {
		t.Fatal("joined without being asked")
	}
	if err := a.JoinLate(ctx); err != nil {
		t.Fatal(err)
	}
	if got := a.Scheduler().Position(); got != 2300*time.Millisecond {
		t.Fatalf("position = %v, want 2.3s", got)
	}
}

func TestJoinLateWithoutSession(t *testing.T) {
	f := newFixture()
	a := f.enter(t, "a", time.Minute, nil, Options{})
	if err := a.JoinLate(context.Background()); !errors.Is(err, ErrNoLateJoin) {
		t.Fatalf("JoinLate = %v, want ErrNoLateJoin", err)
	}
	if err := a.ToggleVoice(context.Background()); !errors.Is(err, ErrNoVoice) {
		t.Fatalf("ToggleVoice = %v, want ErrNoVoice", err)
	}
}

type silentMic struct {
	mu    sync.Mutex
	muted bool
}

func (m *silentMic) SetMuted(muted bool) {
	m.mu.Lock()
	m.muted = muted
	m.mu.Unlock()
}

func (m *silentMic) Close() error { return nil }

type micOnly struct{}

func (micOnly) OpenMicrophone(context.Context) (voice.Microphone, error) {
	return &silentMic{}, nil
}

func (micOnly) NewLink(string, voice.Microphone, voice.LinkEvents) (voice.Link, error) {
	return nil, errors.New("no peers in this test")
}

func TestReadyMutesAndEndUnmutesOnce(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	timeline := content.NewTimeline([]content.Cue{{Type: "inhale", DurationSeconds: 1}, {Type: "exhale", DurationSeconds: 1}})
	a := f.enter(t, "a", 2*time.Second, micOnly{}, Options{Timeline: timeline})

	if err := a.ToggleVoice(ctx); err != nil {
		t.Fatal(err)
	}
	if err := a.SetReady(ctx, true); err != nil {
		t.Fatal(err)
	}
	if !a.Mesh().Muted() {
		t.Fatal("ready did not mute")
	}

	f.fc.Advance(3 * time.Second)
	a.Coordinator().Evaluate(ctx)
	waitFor(t, "solo countdown", func() bool { return f.state(t).Status == room.StatusCountdown })
	waitFor(t, "scheduled", func() bool { return a.Scheduler().State() == playback.StateScheduled })

	f.fc.Advance(3 * time.Second)
	waitFor(t, "playing", playing(a))
	waitFor(t, "voice paused", a.Mesh().Paused)
	if v := a.View(); v.Caption != "inhale" {
		t.Fatalf("caption = %q, want inhale", v.Caption)
	}

	f.fc.Advance(2 * time.Second)
	waitFor(t, "ended", func() bool { return a.Scheduler().State() == playback.StateEnded })
	waitFor(t, "unmuted", func() bool { return !a.Mesh().Muted() })
	if a.Mesh().Paused() {
		t.Fatal("voice still paused after the session")
	}
	if a.Tracker().SelfRecord().IsReady {
		t.Fatal("ready kept after the session ended")
	}

	// A second end for the same session must not unmute again.
	if err := a.Mesh().SetMuted(ctx, true); err != nil {
		t.Fatal(err)
	}
	a.autoUnmute(ctx)
	if !a.Mesh().Muted() {
		t.Fatal("unmuted twice for one session")
	}
}

func TestLeaveReleasesEverything(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	a := f.enter(t, "a", time.Minute, micOnly{}, Options{})
	if err := a.ToggleVoice(ctx); err != nil {
		t.Fatal(err)
	}

	if err := a.Leave(ctx); err != nil {
		t.Fatal(err)
	}
	if f.tree.Value(store.PresencePath("box", "a")).Exists() {
		t.Fatal("presence left behind")
	}
	if n := f.tree.Subscribers(); n != 0 {
		t.Fatalf("%d subscriptions left behind", n)
	}
	if err := a.Leave(ctx); err != nil {
		t.Fatalf("second Leave = %v", err)
	}
}

func TestMissingAudioKeepsClientInRoom(t *testing.T) {
	f := newFixture()
	player := playback.NewVirtualPlayer(f.fc, func(context.Context, string) (time.Duration, error) {
		return 0, context.DeadlineExceeded
	})
	s, err := Enter(context.Background(), Deps{Store: f.tree.Connect(), Clock: f.clock, Player: player}, Options{
		Room: "box", ClientID: "a", AudioURL: "/content/missing.mp3",
	})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Leave(context.Background())

	if s.View().AudioErr == nil {
		t.Fatal("audio error not surfaced")
	}
	if s.Tracker().Online().Count() != 1 {
		t.Fatal("client not present")
	}
	if err := s.SetReady(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	f.fc.Advance(3 * time.Second)
	s.Coordinator().Evaluate(context.Background())
	if f.state(t).Status != room.StatusIdle {
		t.Fatal("client without audio started a session")
	}
}
