package room

import (
	"testing"
	"time"

	"github.com/tretten/breathing-sub000/internal/presence"
	"github.com/tretten/breathing-sub000/internal/store"
)

func TestDecodeStateEnforcesInvariant(t *testing.T) {
	start := int64(1000)
	tests := []struct {
		name    string
		value   any
		want    Status
		wantErr bool
	}{
		{"absent", nil, StatusIdle, false},
		{"idle", map[string]any{"status": "idle"}, StatusIdle, false},
		{"countdown", map[string]any{"status": "countdown", "startTimestamp": start}, StatusCountdown, false},
		{"countdown without start", map[string]any{"status": "countdown"}, StatusIdle, true},
		{"idle with start", map[string]any{"status": "idle", "startTimestamp": start}, StatusIdle, true},
		{"unknown status", map[string]any{"status": "active"}, StatusIdle, true},
		{"wrong type", "countdown", StatusIdle, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, _ := store.Normalize(tt.value)
			s, err := DecodeState(store.NewSnapshot("rooms/x/state", v))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if s.Status != tt.want {
				t.Fatalf("status = %q, want %q", s.Status, tt.want)
			}
			if err := s.Valid(); err != nil {
				t.Fatalf("decoded state invalid: %v", err)
			}
		})
	}
}

func TestDerivePhase(t *testing.T) {
	s := Countdown(10_000)
	tests := []struct {
		now      int64
		duration time.Duration
		want     Phase
	}{
		{9_000, 0, PhaseCountdown},
		{10_000, 0, PhaseActive},
		{15_000, 10 * time.Second, PhaseActive},
		{20_000, 10 * time.Second, PhaseEnded},
		{99_000, 0, PhaseActive},
	}
	for _, tt := range tests {
		if got := DerivePhase(s, tt.now, tt.duration); got != tt.want {
			t.Errorf("DerivePhase(now=%d, dur=%v) = %v, want %v", tt.now, tt.duration, got, tt.want)
		}
	}
	if DerivePhase(Idle(), 0, 0) != PhaseIdle {
		t.Error("idle state not idle phase")
	}
}

func TestStartDecision(t *testing.T) {
	t0 := time.UnixMilli(1_000_000)
	grace := 3 * time.Second
	ready := presence.Record{JoinedAt: 1, IsReady: true}
	notReady := presence.Record{JoinedAt: 1}

	tests := []struct {
		name      string
		online    presence.Online
		soloSince time.Time
		now       time.Time
		want      StartAction
	}{
		{"self not ready", presence.Online{"a": notReady}, time.Time{}, t0, NoStart},
		{"self absent", presence.Online{"b": ready}, time.Time{}, t0, NoStart},
		{"all ready", presence.Online{"a": ready, "b": ready}, time.Time{}, t0, StartNow},
		{"one not ready", presence.Online{"a": ready, "b": notReady}, time.Time{}, t0, NoStart},
		{"solo just ready", presence.Online{"a": ready}, time.Time{}, t0, AwaitSoloGrace},
		{"solo inside grace", presence.Online{"a": ready}, t0, t0.Add(2999 * time.Millisecond), AwaitSoloGrace},
		{"solo grace over", presence.Online{"a": ready}, t0, t0.Add(grace), StartNow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StartDecision(tt.online, "a", tt.soloSince, tt.now, grace); got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStale(t *testing.T) {
	tm := DefaultTimings()
	start := int64(1_000_000)
	at := func(d time.Duration) int64 { return start + d.Milliseconds() }
	playing := presence.Record{JoinedAt: 1, IsPlaying: true}
	idle := presence.Record{JoinedAt: 1}

	tests := []struct {
		name     string
		state    State
		online   presence.Online
		now      int64
		duration time.Duration
		want     StaleReason
	}{
		{"idle never stale", Idle(), presence.Online{}, at(time.Hour), 0, NotStale},
		{"empty countdown", Countdown(start), presence.Online{}, at(-time.Second), 0, StaleEmpty},
		{"max session", Countdown(start), presence.Online{"a": playing}, at(31 * time.Minute), 0, StaleMaxSession},
		{"audio over", Countdown(start), presence.Online{"a": playing, "b": playing}, at(11 * time.Second), 10 * time.Second, StaleFinished},
		{"audio playing", Countdown(start), presence.Online{"a": playing, "b": playing}, at(9 * time.Second), 10 * time.Second, NotStale},
		{"solo abandoned", Countdown(start), presence.Online{"a": idle}, at(6 * time.Second), time.Minute, StaleAbandoned},
		{"solo still in countdown", Countdown(start), presence.Online{"a": idle}, at(-2 * time.Second), time.Minute, NotStale},
		{"solo playing", Countdown(start), presence.Online{"a": playing}, at(6 * time.Second), time.Minute, NotStale},
		{"pair not playing inside window", Countdown(start), presence.Online{"a": idle, "b": idle}, at(20 * time.Second), time.Minute, NotStale},
		{"pair not playing past window", Countdown(start), presence.Online{"a": idle, "b": idle}, at(31 * time.Second), time.Minute, StaleNoPlayers},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Stale(tt.state, tt.online, tt.now, tt.duration, tm); got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLateJoin(t *testing.T) {
	s := Countdown(100_000)
	window := 30 * time.Second
	dur := time.Minute
	tests := []struct {
		now  int64
		want LateJoinStatus
	}{
		{99_000, LateJoinNone},
		{105_000, LateJoinAvailable},
		{130_000, LateJoinAvailable},
		{131_000, LateJoinTooLate},
		{160_000, LateJoinNone},
	}
	for _, tt := range tests {
		if got := LateJoin(s, tt.now, dur, window); got != tt.want {
			t.Errorf("LateJoin(now=%d) = %v, want %v", tt.now, got, tt.want)
		}
	}
}
