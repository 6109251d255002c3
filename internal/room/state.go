// Package room derives the phase of a shared breathing room and decides,
// independently on every client, when this client should start a countdown
// or reset a stale room.
package room

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/tretten/breathing-sub000/internal/store"
)

// Status is the only room state ever persisted. Active and ended are
// derived locally from StartTimestamp and the audio duration.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusCountdown Status = "countdown"
)

// State is the value at rooms/{room}/state. StartTimestamp is set if and
// only if Status is countdown.
type State struct {
	Status         Status `json:"status" validate:"oneof=idle countdown"`
	StartTimestamp *int64 `json:"startTimestamp"`
}

var validate = validator.New()

var errInconsistent = errors.New("startTimestamp must be set exactly when counting down")

// Idle is the reset state.
func Idle() State {
	return State{Status: StatusIdle}
}

// Countdown is the state of a session starting at start (Unix ms).
func Countdown(start int64) State {
	return State{Status: StatusCountdown, StartTimestamp: &start}
}

func (s State) Start() int64 {
	if s.StartTimestamp == nil {
		return 0
	}
	return *s.StartTimestamp
}

func (s State) Valid() error {
	if err := validate.Struct(s); err != nil {
		return err
	}
	if (s.Status == StatusCountdown) != (s.StartTimestamp != nil) {
		return errInconsistent
	}
	return nil
}

// DecodeState reads a room state. An absent value is idle; a malformed one
// is an error and callers fall back to idle.
func DecodeState(snap store.Snapshot) (State, error) {
	if !snap.Exists() {
		return Idle(), nil
	}
	var s State
	if err := snap.Decode(&s); err != nil {
		return Idle(), fmt.Errorf("room state: %w", err)
	}
	if err := s.Valid(); err != nil {
		return Idle(), fmt.Errorf("room state: %w", err)
	}
	return s, nil
}

// Timings are the rule constants. Zero fields take the defaults.
type Timings struct {
	Countdown          time.Duration
	SoloGrace          time.Duration
	EvalInterval       time.Duration
	StaleCheckInterval time.Duration
	AbandonAfter       time.Duration
	LateJoinWindow     time.Duration
	MaxSession         time.Duration
	EndedGrace         time.Duration
}

func DefaultTimings() Timings {
	return Timings{
		Countdown:          3 * time.Second,
		SoloGrace:          3 * time.Second,
		EvalInterval:       250 * time.Millisecond,
		StaleCheckInterval: 2 * time.Second,
		AbandonAfter:       5 * time.Second,
		LateJoinWindow:     30 * time.Second,
		MaxSession:         30 * time.Minute,
		EndedGrace:         10 * time.Second,
	}
}

func (t Timings) withDefaults() Timings {
	d := DefaultTimings()
	if t.Countdown <= 0 {
		t.Countdown = d.Countdown
	}
	if t.SoloGrace <= 0 {
		t.SoloGrace = d.SoloGrace
	}
	if t.EvalInterval <= 0 {
		t.EvalInterval = d.EvalInterval
	}
	if t.StaleCheckInterval <= 0 {
		t.StaleCheckInterval = d.StaleCheckInterval
	}
	if t.AbandonAfter <= 0 {
		t.AbandonAfter = d.AbandonAfter
	}
	if t.LateJoinWindow <= 0 {
		t.LateJoinWindow = d.LateJoinWindow
	}
	if t.MaxSession <= 0 {
		t.MaxSession = d.MaxSession
	}
	if t.EndedGrace <= 0 {
		t.EndedGrace = d.EndedGrace
	}
	return t
}
