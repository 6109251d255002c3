// Package clocksync estimates shared time from the offset the relay pushes.
package clocksync

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// OffsetSource delivers server-minus-local offsets. store.Store satisfies it.
type OffsetSource interface {
	OnClockOffset(fn func(time.Duration)) func()
}

// Clock is local time corrected by the last offset received. Until an
// offset arrives it reads as plain local time.
type Clock struct {
	base clockwork.Clock

	mu     sync.RWMutex
	offset time.Duration
}

// New returns a Clock over base. A nil base uses the real clock.
func New(base clockwork.Clock) *Clock {
	if base == nil {
		base = clockwork.NewRealClock()
	}
	return &Clock{base: base}
}

// Now returns the estimate of shared time.
func (c *Clock) Now() time.Time {
	c.mu.RLock()
	off := c.offset
	c.mu.RUnlock()
	return c.base.Now().Add(off)
}

// NowMillis is Now as Unix milliseconds, the unit stored in the tree.
func (c *Clock) NowMillis() int64 {
	return c.Now().UnixMilli()
}

func (c *Clock) Offset() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offset
}

func (c *Clock) SetOffset(d time.Duration) {
	c.mu.Lock()
	c.offset = d
	c.mu.Unlock()
}

// Base returns the local clock timers should be armed on.
func (c *Clock) Base() clockwork.Clock {
	return c.base
}

// Attach follows the offsets src pushes until the returned func is called.
// Reconnects are handled by the source re-pushing.
func (c *Clock) Attach(src OffsetSource) func() {
	return src.OnClockOffset(func(d time.Duration) {
		log.Debug().Dur("offset", d).Msg("clock offset updated")
		c.SetOffset(d)
	})
}

// Since returns shared time elapsed since the Unix millisecond timestamp ms.
func (c *Clock) Since(ms int64) time.Duration {
	return time.Duration(c.NowMillis()-ms) * time.Millisecond
}
