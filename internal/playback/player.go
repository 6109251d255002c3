// Package playback schedules synchronized audio: play at an absolute shared
// time, join mid-session at an offset, and keep the position converged with
// shared time while playing.
package playback

import (
	"context"
	"time"
)

// Player is the local media primitive a Scheduler owns. Implementations
// must be safe for concurrent use.
type Player interface {
	Load(ctx context.Context, url string) error
	Play() error
	Pause() error
	Seek(pos time.Duration) error
	Position() time.Duration
	// Duration is zero until loaded.
	Duration() time.Duration
	// CanSeek reports whether Seek would take effect now.
	CanSeek() bool
	// OnEnded registers fn to run when playback reaches the end.
	OnEnded(fn func())
	SetVolume(v float64)
	Close() error
}
