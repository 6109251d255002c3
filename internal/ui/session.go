package ui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/tretten/breathing-sub000/internal/playback"
	"github.com/tretten/breathing-sub000/internal/room"
	"github.com/tretten/breathing-sub000/internal/session"
)

// Controller is the part of a session the view drives.
type Controller interface {
	View() session.View
	ToggleReady(ctx context.Context) error
	JoinLate(ctx context.Context) error
	ToggleVoice(ctx context.Context) error
	ToggleMute(ctx context.Context) error
	OnChange(fn func()) func()
}

type changedMsg struct{}

type tickMsg time.Time

type actionMsg struct {
	action string
	err    error
}

const refreshInterval = 100 * time.Millisecond

// SessionModel is the interactive room view.
type SessionModel struct {
	ctx     context.Context
	ctrl    Controller
	title   string
	view    session.View
	spinner spinner.Model
	bar     progress.Model
	changes chan struct{}
	err     error
	quit    bool
}

func NewSessionModel(ctx context.Context, ctrl Controller, title string) *SessionModel {
	s := spinner.New()
	s.Spinner = spinner.Points
	s.Style = SpinnerStyle

	return &SessionModel{
		ctx:     ctx,
		ctrl:    ctrl,
		title:   title,
		view:    ctrl.View(),
		spinner: s,
		bar: progress.New(
			progress.WithGradient(ProgressStart, ProgressEnd),
			progress.WithWidth(40),
			progress.WithoutPercentage(),
		),
		changes: make(chan struct{}, 1),
	}
}

// notify wakes the model after a session change. Bursts coalesce.
func (m *SessionModel) notify() {
	select {
	case m.changes <- struct{}{}:
	default:
	}
}

func (m *SessionModel) waitForChange() tea.Cmd {
	return func() tea.Msg {
		select {
		case <-m.changes:
			return changedMsg{}
		case <-m.ctx.Done():
			return tea.Quit()
		}
	}
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m *SessionModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.waitForChange(), tick())
}

func (m *SessionModel) run(action string, fn func(context.Context) error) tea.Cmd {
	ctx := m.ctx
	return func() tea.Msg {
		return actionMsg{action: action, err: fn(ctx)}
	}
}

func (m *SessionModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quit = true
			return m, tea.Quit
		case "r":
			return m, m.run("ready", m.ctrl.ToggleReady)
		case "j":
			return m, m.run("join", m.ctrl.JoinLate)
		case "v":
			return m, m.run("voice", m.ctrl.ToggleVoice)
		case "m":
			return m, m.run("mute", m.ctrl.ToggleMute)
		}

	case tea.WindowSizeMsg:
		m.bar.Width = max(10, min(60, msg.Width-20))

	case actionMsg:
		m.err = nil
		if msg.err != nil {
			m.err = fmt.Errorf("%s: %w", msg.action, msg.err)
		}
		m.view = m.ctrl.View()

	case changedMsg:
		m.view = m.ctrl.View()
		return m, m.waitForChange()

	case tickMsg:
		m.view = m.ctrl.View()
		return m, tick()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case progress.FrameMsg:
		model, cmd := m.bar.Update(msg)
		m.bar = model.(progress.Model)
		return m, cmd
	}
	return m, nil
}

func (m *SessionModel) View() string {
	if m.quit {
		return ""
	}
	return RenderSession(m.title, m.view, m.spinner.View(), m.bar, m.err)
}

// RenderSession draws the room screen.
func RenderSession(title string, v session.View, spin string, bar progress.Model, actionErr error) string {
	var b strings.Builder

	b.WriteString(HeaderStyle.Render(IconBreath + "  " + title))
	b.WriteString("\n")
	b.WriteString(MutedStyle.Render(fmt.Sprintf("%s %s  ·  %d online", IconRoom, v.RoomID, v.Online)))
	b.WriteString("\n\n")

	if v.AudioErr != nil {
		b.WriteString(ErrorBoxStyle.Render("Audio unavailable: " + v.AudioErr.Error()))
		b.WriteString("\n\n")
	}

	b.WriteString(phaseLine(v, spin, bar))
	b.WriteString("\n\n")

	b.WriteString(MemberTable(MemberRows(v.ClientID, v.Members, v.Participants)))
	b.WriteString("\n")

	if v.VoiceAvailable {
		b.WriteString(voiceLine(v))
		b.WriteString("\n")
	}
	if actionErr != nil {
		b.WriteString(ErrorStyle.Render(errorText(actionErr)))
		b.WriteString("\n")
	}

	b.WriteString(FooterStyle.Render(keyHelp(v)))
	return b.String()
}

func phaseLine(v session.View, spin string, bar progress.Model) string {
	ev := v.Room
	switch {
	case v.Playback == playback.StatePlaying:
		var b strings.Builder
		if v.Caption != "" {
			b.WriteString(CaptionStyle.Render(strings.ToUpper(v.Caption)))
			b.WriteString(" ")
			b.WriteString(BoldStyle.Render(fmt.Sprintf("%d", int(v.CaptionRemaining.Seconds()+0.999))))
			b.WriteString("\n\n")
		}
		var pct float64
		if v.Duration > 0 {
			pct = float64(v.Position) / float64(v.Duration)
		}
		b.WriteString(bar.ViewAs(min(pct, 1)))
		b.WriteString(MutedStyle.Render(fmt.Sprintf(" %s / %s", formatClock(v.Position), formatClock(v.Duration))))
		return b.String()

	case ev.Phase == room.PhaseEnded:
		return SuccessStyle.Render(IconDone + " Session complete")

	case ev.Phase == room.PhaseCountdown:
		return CountdownStyle.Render(fmt.Sprintf("Starting in %.1fs", ev.Remaining.Seconds()))

	case ev.Phase == room.PhaseActive:
		switch ev.LateJoin {
		case room.LateJoinAvailable:
			return WarningStyle.Render(fmt.Sprintf("A session is under way (%s in). Press j to join.", formatClock(ev.Elapsed)))
		case room.LateJoinTooLate:
			return MutedStyle.Render("A session is under way. Wait for the next one.")
		}
		return MutedStyle.Render("A session is under way.")

	case v.Ready:
		return fmt.Sprintf("%s Ready. Waiting for everyone", spin)

	default:
		return "Press r when you are ready"
	}
}

func voiceLine(v session.View) string {
	switch {
	case !v.VoiceEnabled:
		return MutedStyle.Render(IconVoice + " voice off")
	case v.Muted:
		return WarningStyle.Render(IconMuted + " voice on, muted")
	default:
		return SuccessStyle.Render(IconVoice + " voice on")
	}
}

func keyHelp(v session.View) string {
	keys := []string{"r ready"}
	if v.Room.LateJoin == room.LateJoinAvailable && v.Playback != playback.StatePlaying {
		keys = append(keys, "j join")
	}
	if v.VoiceAvailable {
		keys = append(keys, "v voice")
		if v.VoiceEnabled {
			keys = append(keys, "m mute")
		}
	}
	keys = append(keys, "q leave")
	return strings.Join(keys, "  ·  ")
}

func errorText(err error) string {
	switch {
	case errors.Is(err, room.ErrNotIdle):
		return "Ready can only change between sessions"
	case errors.Is(err, session.ErrNoLateJoin):
		return "There is no session to join"
	case errors.Is(err, session.ErrNoVoice):
		return "Voice is not available"
	}
	return err.Error()
}

func formatClock(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	s := int(d.Seconds())
	return fmt.Sprintf("%d:%02d", s/60, s%60)
}

// RunSession shows the room view until the user quits or ctx ends.
func RunSession(ctx context.Context, ctrl Controller, title string) error {
	m := NewSessionModel(ctx, ctrl, title)
	cancel := ctrl.OnChange(m.notify)
	defer cancel()

	_, err := tea.NewProgram(m, tea.WithContext(ctx)).Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
