package clocksync

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tretten/breathing-sub000/internal/store/memory"
)

func TestNowWithoutOffsetIsLocal(t *testing.T) {
	base := clockwork.NewFakeClockAt(time.UnixMilli(1_000))
	c := New(base)
	if got := c.NowMillis(); got != 1_000 {
		t.Fatalf("NowMillis = %d", got)
	}
}

func TestAttachFollowsPushedOffset(t *testing.T) {
	base := clockwork.NewFakeClockAt(time.UnixMilli(10_000))
	conn := memory.NewTree().Connect()
	c := New(base)

	cancel := c.Attach(conn)
	conn.SetClockOffset(1500 * time.Millisecond)
	if got := c.NowMillis(); got != 11_500 {
		t.Fatalf("NowMillis = %d", got)
	}

	base.Advance(time.Second)
	if got := c.Since(10_000); got != 2500*time.Millisecond {
		t.Fatalf("Since = %v", got)
	}

	cancel()
	conn.SetClockOffset(-time.Second)
	if c.Offset() != 1500*time.Millisecond {
		t.Fatalf("offset changed after cancel: %v", c.Offset())
	}
}
