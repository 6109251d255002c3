package notify

import (
	"testing"
	"time"
)

func TestSerialRunsInOrder(t *testing.T) {
	q := NewSerial()
	defer q.Stop()

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		q.Push(func() { got = append(got, i) })
	}
	q.Flush()

	if len(got) != 100 {
		t.Fatalf("ran %d funcs, want 100", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("got[%d] = %d", i, v)
		}
	}
}

func TestSerialPushFromInside(t *testing.T) {
	q := NewSerial()
	defer q.Stop()

	var got []string
	done := make(chan struct{})
	q.Push(func() {
		got = append(got, "outer")
		q.Push(func() {
			got = append(got, "inner")
			close(done)
		})
		got = append(got, "outer done")
	})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("inner func never ran")
	}

	want := []string{"outer", "outer done", "inner"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestSerialStop(t *testing.T) {
	q := NewSerial()
	q.Push(func() { q.Stop() })

	select {
	case <-q.Stopped():
	case <-time.After(5 * time.Second):
		t.Fatal("goroutine did not exit")
	}
	// Flush on a stopped queue must not hang.
	q.Flush()
}
