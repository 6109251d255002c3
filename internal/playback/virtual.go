package playback

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DurationFunc resolves the length of the asset at url.
type DurationFunc func(ctx context.Context, url string) (time.Duration, error)

// VirtualPlayer is a headless Player whose position advances with a clock.
// Terminal clients use it to follow a session without an audio device.
type VirtualPlayer struct {
	clock    clockwork.Clock
	resolve  DurationFunc
	mu       sync.Mutex
	duration time.Duration
	loaded   bool
	playing  bool
	base     time.Duration
	anchor   time.Time
	volume   float64
	endTimer clockwork.Timer
	onEnded  []func()
	closed   bool
}

var _ Player = (*VirtualPlayer)(nil)

var errPlayerClosed = errors.New("player closed")

func NewVirtualPlayer(clock clockwork.Clock, resolve DurationFunc) *VirtualPlayer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &VirtualPlayer{clock: clock, resolve: resolve, volume: 1}
}

func (p *VirtualPlayer) Load(ctx context.Context, url string) error {
	d, err := p.resolve(ctx, url)
	if err != nil {
		return err
	}
	if d <= 0 {
		return errors.New("asset has no duration")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errPlayerClosed
	}
	p.stopTimerLocked()
	p.duration, p.loaded = d, true
	p.playing, p.base = false, 0
	return nil
}

func (p *VirtualPlayer) Play() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errPlayerClosed
	}
	if !p.loaded {
		return ErrNotLoaded
	}
	if p.playing {
		return nil
	}
	if p.base >= p.duration {
		p.base = 0
	}
	p.playing = true
	p.anchor = p.clock.Now()
	p.armLocked()
	return nil
}

func (p *VirtualPlayer) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.playing {
		return nil
	}
	p.base = p.positionLocked()
	p.playing = false
	p.stopTimerLocked()
	return nil
}

func (p *VirtualPlayer) Seek(pos time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.loaded {
		return ErrNotLoaded
	}
	if pos < 0 {
		pos = 0
	}
	if pos > p.duration {
		pos = p.duration
	}
	p.base = pos
	if p.playing {
		p.anchor = p.clock.Now()
		p.armLocked()
	}
	return nil
}

func (p *VirtualPlayer) Position() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.positionLocked()
}

func (p *VirtualPlayer) positionLocked() time.Duration {
	if !p.playing {
		return p.base
	}
	pos := p.base + p.clock.Since(p.anchor)
	if pos > p.duration {
		pos = p.duration
	}
	return pos
}

func (p *VirtualPlayer) Duration() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.duration
}

func (p *VirtualPlayer) CanSeek() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loaded
}

func (p *VirtualPlayer) OnEnded(fn func()) {
	p.mu.Lock()
	p.onEnded = append(p.onEnded, fn)
	p.mu.Unlock()
}

func (p *VirtualPlayer) SetVolume(v float64) {
	p.mu.Lock()
	p.volume = v
	p.mu.Unlock()
}

func (p *VirtualPlayer) Volume() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volume
}

func (p *VirtualPlayer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopTimerLocked()
	p.playing = false
	p.closed = true
	p.onEnded = nil
	return nil
}

func (p *VirtualPlayer) armLocked() {
	p.stopTimerLocked()
	remaining := p.duration - p.base
	p.endTimer = p.clock.AfterFunc(remaining, p.ended)
}

func (p *VirtualPlayer) stopTimerLocked() {
	if p.endTimer != nil {
		p.endTimer.Stop()
		p.endTimer = nil
	}
}

func (p *VirtualPlayer) ended() {
	p.mu.Lock()
	if !p.playing || p.positionLocked() < p.duration {
		p.mu.Unlock()
		return
	}
	p.playing = false
	p.base = p.duration
	p.endTimer = nil
	fns := append([]func(){}, p.onEnded...)
	p.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
