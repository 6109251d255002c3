package ui

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/tretten/breathing-sub000/internal/playback"
	"github.com/tretten/breathing-sub000/internal/presence"
	"github.com/tretten/breathing-sub000/internal/room"
	"github.com/tretten/breathing-sub000/internal/session"
	"github.com/tretten/breathing-sub000/internal/voice"
)

type fakeController struct {
	view  session.View
	calls []string
	err   error
}

func (f *fakeController) View() session.View { return f.view }

func (f *fakeController) record(name string) error {
	f.calls = append(f.calls, name)
	return f.err
}

func (f *fakeController) ToggleReady(context.Context) error { return f.record("ready") }
func (f *fakeController) JoinLate(context.Context) error    { return f.record("join") }
func (f *fakeController) ToggleVoice(context.Context) error { return f.record("voice") }
func (f *fakeController) ToggleMute(context.Context) error  { return f.record("mute") }
func (f *fakeController) OnChange(func()) func()            { return func() {} }

func key(r rune) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}}
}

func TestKeysDriveController(t *testing.T) {
	ctrl := &fakeController{}
	m := NewSessionModel(context.Background(), ctrl, "Box breathing")

	for _, k := range []rune{'r', 'j', 'v', 'm'} {
		_, cmd := m.Update(key(k))
		if cmd == nil {
			t.Fatalf("key %q produced no command", k)
		}
		m.Update(cmd())
	}
	want := []string{"ready", "join", "voice", "mute"}
	if strings.Join(ctrl.calls, ",") != strings.Join(want, ",") {
		t.Fatalf("calls = %v", ctrl.calls)
	}

	_, cmd := m.Update(key('q'))
	if cmd == nil {
		t.Fatal("q should quit")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatal("q did not return QuitMsg")
	}
	if m.View() != "" {
		t.Fatal("view not cleared after quit")
	}
}

func TestActionErrorShown(t *testing.T) {
	ctrl := &fakeController{err: room.ErrNotIdle}
	m := NewSessionModel(context.Background(), ctrl, "Box")
	_, cmd := m.Update(key('r'))
	m.Update(cmd())
	if !errors.Is(m.err, room.ErrNotIdle) {
		t.Fatalf("err = %v", m.err)
	}
	if !strings.Contains(m.View(), "between sessions") {
		t.Fatal("friendly error missing")
	}
}

func TestRenderPhases(t *testing.T) {
	bar := progress.New(progress.WithWidth(20), progress.WithoutPercentage())
	members := presence.Online{
		"a": {JoinedAt: 1, IsReady: true, VoiceName: "Calm Otter", IsVoiceEnabled: true},
		"b": {JoinedAt: 1, VoiceName: "Brave Heron", IsPlaying: true},
	}

	cases := []struct {
		name string
		view session.View
		want string
	}{
		{
			name: "idle not ready",
			view: session.View{RoomID: "box", Online: 2, Members: members},
			want: "Press r",
		},
		{
			name: "countdown",
			view: session.View{Room: room.Event{Phase: room.PhaseCountdown, Remaining: 2500 * time.Millisecond}},
			want: "Starting in 2.5s",
		},
		{
			name: "late join offered",
			view: session.View{Room: room.Event{Phase: room.PhaseActive, LateJoin: room.LateJoinAvailable, Elapsed: 12 * time.Second}},
			want: "0:12 in",
		},
		{
			name: "breathing",
			view: session.View{
				Room:             room.Event{Phase: room.PhaseActive},
				Playback:         playback.StatePlaying,
				Position:         65 * time.Second,
				Duration:         5 * time.Minute,
				Caption:          "inhale",
				CaptionRemaining: 2200 * time.Millisecond,
			},
			want: "INHALE",
		},
		{
			name: "ended",
			view: session.View{Room: room.Event{Phase: room.PhaseEnded}},
			want: "Session complete",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := RenderSession("Box", tc.view, "*", bar, nil)
			if !strings.Contains(out, tc.want) {
				t.Fatalf("missing %q in:\n%s", tc.want, out)
			}
		})
	}
}

func TestMemberRows(t *testing.T) {
	members := presence.Online{
		"b": {JoinedAt: 1, IsVoiceEnabled: true, IsMuted: true},
		"a": {JoinedAt: 1, IsReady: true, VoiceName: "Calm Otter", IsVoiceEnabled: true},
		"c": {JoinedAt: 1, IsVoiceEnabled: true, IsPlaying: true},
	}
	parts := []voice.Participant{{ID: "a", Self: true}, {ID: "c"}}

	rows := MemberRows("a", members, parts)
	if len(rows) != 3 {
		t.Fatalf("rows = %v", rows)
	}
	if rows[0].Name != "Calm Otter" || !rows[0].Self || rows[0].Voice != "live" {
		t.Fatalf("rows[0] = %+v", rows[0])
	}
	if rows[1].Voice != "muted" || rows[1].Name != "b" {
		t.Fatalf("rows[1] = %+v", rows[1])
	}
	if rows[2].Voice != "connecting" || rows[2].Status != "breathing" {
		t.Fatalf("rows[2] = %+v", rows[2])
	}
}
