package room

import (
	"time"

	"github.com/tretten/breathing-sub000/internal/presence"
)

// Phase is the room phase as seen by one client.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseCountdown
	PhaseActive
	PhaseEnded
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseCountdown:
		return "countdown"
	case PhaseActive:
		return "active"
	case PhaseEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// DerivePhase computes the phase from the stored state. duration is the
// audio length, zero when not known.
func DerivePhase(s State, now int64, duration time.Duration) Phase {
	if s.Status != StatusCountdown || s.StartTimestamp == nil {
		return PhaseIdle
	}
	elapsed := elapsed(s, now)
	switch {
	case elapsed < 0:
		return PhaseCountdown
	case duration > 0 && elapsed >= duration:
		return PhaseEnded
	default:
		return PhaseActive
	}
}

func elapsed(s State, now int64) time.Duration {
	return time.Duration(now-s.Start()) * time.Millisecond
}

// StartAction is what an idle, ready client with audio loaded should do.
type StartAction int

const (
	NoStart StartAction = iota
	StartNow
	AwaitSoloGrace
)

// StartDecision applies the start rules for self. soloSince is when self
// was first seen ready and alone, zero if not yet.
//
// More than one client present and all ready starts immediately. A single
// ready client waits grace first so someone mid-join is not left out.
func StartDecision(online presence.Online, self string, soloSince, now time.Time, grace time.Duration) StartAction {
	rec, ok := online[self]
	if !ok || !rec.IsReady {
		return NoStart
	}
	switch {
	case online.Count() > 1:
		if online.AllReady() {
			return StartNow
		}
		return NoStart
	case soloSince.IsZero() || now.Sub(soloSince) < grace:
		return AwaitSoloGrace
	default:
		return StartNow
	}
}

// StaleReason says why a counting-down room should be reset.
type StaleReason string

const (
	NotStale        StaleReason = ""
	StaleEmpty      StaleReason = "empty"
	StaleMaxSession StaleReason = "max-session"
	StaleFinished   StaleReason = "audio-finished"
	StaleAbandoned  StaleReason = "abandoned"
	StaleNoPlayers  StaleReason = "nobody-playing"
)

// Stale applies the reset rules in order. duration is the loaded audio's
// length, zero when unknown.
func Stale(s State, online presence.Online, now int64, duration time.Duration, t Timings) StaleReason {
	if s.Status != StatusCountdown {
		return NotStale
	}
	t = t.withDefaults()
	e := elapsed(s, now)

	switch {
	case online.Count() == 0:
		return StaleEmpty
	case e > t.MaxSession:
		return StaleMaxSession
	case duration > 0 && e > duration:
		return StaleFinished
	case online.Count() == 1 && e > t.AbandonAfter && !online.AnyPlaying():
		return StaleAbandoned
	case e > t.LateJoinWindow && !online.AnyPlaying():
		return StaleNoPlayers
	}
	return NotStale
}

// LateJoinStatus tells a client that is not playing whether it can still
// join a running session.
type LateJoinStatus int

const (
	LateJoinNone LateJoinStatus = iota
	LateJoinAvailable
	LateJoinTooLate
)

func (l LateJoinStatus) String() string {
	switch l {
	case LateJoinAvailable:
		return "available"
	case LateJoinTooLate:
		return "too-late"
	default:
		return "none"
	}
}

// LateJoin reports whether a session already under way can be joined:
// available inside the late-join window, too late after it, and nothing
// once the audio would be over.
func LateJoin(s State, now int64, duration time.Duration, window time.Duration) LateJoinStatus {
	if s.Status != StatusCountdown {
		return LateJoinNone
	}
	e := elapsed(s, now)
	if e <= 0 || (duration > 0 && e >= duration) {
		return LateJoinNone
	}
	if e <= window {
		return LateJoinAvailable
	}
	return LateJoinTooLate
}
