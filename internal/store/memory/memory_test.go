package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tretten/breathing-sub000/internal/store"
)

type recorder struct {
	mu    sync.Mutex
	snaps []store.Snapshot
}

func (r *recorder) fn(s store.Snapshot) {
	r.mu.Lock()
	r.snaps = append(r.snaps, s)
	r.mu.Unlock()
}

func (r *recorder) last() store.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snaps[len(r.snaps)-1]
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}

func TestSetGetRemove(t *testing.T) {
	ctx := context.Background()
	c := NewTree().Connect()

	if err := c.Set(ctx, "rooms/box/state", map[string]any{"status": "idle"}); err != nil {
		t.Fatal(err)
	}
	snap, err := c.Get(ctx, "rooms/box/state/status")
	if err != nil || snap.Value() != "idle" {
		t.Fatalf("Get = %v, %v", snap.Value(), err)
	}

	if err := c.Remove(ctx, "rooms/box/state"); err != nil {
		t.Fatal(err)
	}
	snap, _ = c.Get(ctx, "rooms")
	if snap.Exists() {
		t.Fatalf("empty ancestors not pruned: %#v", snap.Value())
	}
}

func TestInvalidPath(t *testing.T) {
	c := NewTree().Connect()
	err := c.Set(context.Background(), "rooms/a.b", 1)
	if !errors.Is(err, store.ErrInvalidPath) {
		t.Fatalf("err = %v", err)
	}
}

func TestSubscribeDeliversCurrentThenChanges(t *testing.T) {
	ctx := context.Background()
	tree := NewTree()
	c := tree.Connect()
	_ = c.Set(ctx, "rooms/box/online/a", map[string]any{"isReady": false})

	var rec recorder
	cancel := c.Subscribe("rooms/box/online", rec.fn)
	if rec.count() != 1 || len(rec.last().Children()) != 1 {
		t.Fatalf("initial delivery = %d", rec.count())
	}

	_ = c.Set(ctx, "rooms/box/online/b", map[string]any{"isReady": true})
	if len(rec.last().Children()) != 2 {
		t.Fatal("child write not delivered")
	}

	_ = c.Remove(ctx, "rooms/box")
	if rec.last().Exists() {
		t.Fatal("ancestor removal not delivered")
	}

	_ = c.Set(ctx, "rooms/other/state", "x")
	n := rec.count()
	cancel()
	_ = c.Set(ctx, "rooms/box/online/c", map[string]any{"isReady": true})
	if rec.count() != n {
		t.Fatal("delivery after cancel")
	}
	if tree.Subscribers() != 0 {
		t.Fatalf("Subscribers = %d", tree.Subscribers())
	}
}

func TestWritesFromCallbackAreNotReentrant(t *testing.T) {
	ctx := context.Background()
	c := NewTree().Connect()

	depth, maxDepth := 0, 0
	var seen []any
	c.Subscribe("counter", func(s store.Snapshot) {
		depth++
		if depth > maxDepth {
			maxDepth = depth
		}
		seen = append(seen, s.Value())
		if n, ok := s.Value().(float64); ok && n < 3 {
			_ = c.Set(ctx, "counter", n+1)
		}
		depth--
	})
	_ = c.Set(ctx, "counter", 0)

	if maxDepth != 1 {
		t.Fatalf("callback re-entered, depth %d", maxDepth)
	}
	if last := seen[len(seen)-1]; last != float64(3) {
		t.Fatalf("last delivered = %v", last)
	}
}

func TestUpdateIsAtomic(t *testing.T) {
	ctx := context.Background()
	c := NewTree().Connect()

	var rec recorder
	c.Subscribe("rooms/box", rec.fn)
	err := c.Update(ctx, "rooms/box", map[string]any{
		"state":      map[string]any{"status": "idle"},
		"online/a":   map[string]any{"isReady": true},
		"state/mode": "solo",
	})
	if err != nil {
		t.Fatal(err)
	}
	if rec.count() != 2 {
		t.Fatalf("deliveries = %d, want 2", rec.count())
	}
	var state struct {
		Status string `json:"status"`
		Mode   string `json:"mode"`
	}
	if err := rec.last().Child("state").Decode(&state); err != nil {
		t.Fatal(err)
	}
	if state.Status != "idle" || state.Mode != "solo" {
		t.Fatalf("state = %+v", state)
	}
}

func TestPushKeysSort(t *testing.T) {
	ctx := context.Background()
	c := NewTree().Connect()
	k1, _ := c.Push(ctx, "signaling/box/a_b/iceCandidates", map[string]any{"from": "a"})
	k2, _ := c.Push(ctx, "signaling/box/a_b/iceCandidates", map[string]any{"from": "a"})
	if !(k1 < k2) {
		t.Fatalf("push keys %q, %q out of order", k1, k2)
	}
	snap, _ := c.Get(ctx, "signaling/box/a_b/iceCandidates")
	if len(snap.Children()) != 2 {
		t.Fatalf("children = %d", len(snap.Children()))
	}
}

func TestTransactCommitsOnlyWhenAllowed(t *testing.T) {
	ctx := context.Background()
	c := NewTree().Connect()
	_ = c.Set(ctx, "state", map[string]any{"status": "idle"})

	startIfIdle := func(cur store.Snapshot) (any, bool) {
		var s struct {
			Status string `json:"status"`
		}
		if err := cur.Decode(&s); err != nil || s.Status != "idle" {
			return nil, false
		}
		return map[string]any{"status": "countdown", "startTimestamp": 100}, true
	}

	ok, err := c.Transact(ctx, "state", startIfIdle)
	if err != nil || !ok {
		t.Fatalf("first transact = %v, %v", ok, err)
	}
	ok, err = c.Transact(ctx, "state", startIfIdle)
	if err != nil || ok {
		t.Fatalf("second transact = %v, %v", ok, err)
	}
}

func TestDisconnectRunsHooks(t *testing.T) {
	ctx := context.Background()
	tree := NewTree()
	a, b := tree.Connect(), tree.Connect()

	_ = a.Set(ctx, "rooms/box/online/a", map[string]any{"isReady": true})
	_ = a.OnDisconnectRemove(ctx, "rooms/box/online/a")
	_ = a.Set(ctx, "rooms/box/online/x", map[string]any{"isReady": true})
	_ = a.OnDisconnectRemove(ctx, "rooms/box/online/x")
	_ = a.CancelOnDisconnect(ctx, "rooms/box/online/x")

	var rec recorder
	b.Subscribe("rooms/box/online", rec.fn)
	a.Disconnect()

	online := rec.last().Children()
	if len(online) != 1 || online[0].Key() != "x" {
		t.Fatalf("online after disconnect = %+v", online)
	}
	if err := a.Set(ctx, "x", 1); !errors.Is(err, store.ErrClosed) {
		t.Fatalf("write after disconnect: %v", err)
	}
}

func TestClockOffset(t *testing.T) {
	c := NewTree().Connect()
	var got []time.Duration
	cancel := c.OnClockOffset(func(d time.Duration) { got = append(got, d) })
	if len(got) != 0 {
		t.Fatal("offset delivered before known")
	}
	c.SetClockOffset(2 * time.Second)
	cancel()
	c.SetClockOffset(time.Second)

	var late []time.Duration
	c.OnClockOffset(func(d time.Duration) { late = append(late, d) })
	if len(got) != 1 || got[0] != 2*time.Second || len(late) != 1 || late[0] != time.Second {
		t.Fatalf("got %v, late %v", got, late)
	}
}

func TestConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	tree := NewTree()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := tree.Connect()
			var rec recorder
			cancel := c.Subscribe("rooms", rec.fn)
			defer cancel()
			for j := 0; j < 20; j++ {
				_, _ = c.Push(ctx, "rooms/box/log", j)
			}
		}()
	}
	wg.Wait()
	snap := tree.Value("rooms/box/log")
	if len(snap.Children()) != 160 {
		t.Fatalf("children = %d", len(snap.Children()))
	}
}

func TestCompareAndSet(t *testing.T) {
	ctx := context.Background()
	c := NewTree().Connect()
	_ = c.Set(ctx, "state", map[string]any{"status": "idle"})

	ok, found, err := c.CompareAndSet(ctx, "state", map[string]any{"status": "active"}, "x")
	if err != nil || ok {
		t.Fatalf("mismatched CAS committed: %v %v", ok, err)
	}
	if found.Child("status").Value() != "idle" {
		t.Fatalf("found = %#v", found.Value())
	}

	ok, _, err = c.CompareAndSet(ctx, "state", map[string]any{"status": "idle"}, map[string]any{"status": "countdown"})
	if err != nil || !ok {
		t.Fatalf("matching CAS refused: %v %v", ok, err)
	}

	ok, _, _ = c.CompareAndSet(ctx, "missing", nil, 1)
	if !ok {
		t.Fatal("CAS against absent value refused")
	}
}
