package notify

import "testing"

func TestNestedPublishIsQueued(t *testing.T) {
	q := New[int]()
	var got []int
	depth := 0
	q.Subscribe(func(v int) {
		depth++
		if depth > 1 {
			t.Fatal("listener re-entered")
		}
		got = append(got, v)
		if v < 3 {
			q.Publish(v + 1)
		}
		depth--
	})

	q.Publish(1)
	if len(got) != 3 || got[0] != 1 || got[2] != 3 {
		t.Fatalf("got %v", got)
	}
}

func TestUnsubscribe(t *testing.T) {
	q := New[string]()
	n := 0
	cancel := q.Subscribe(func(string) { n++ })
	q.Publish("a")
	cancel()
	q.Publish("b")
	if n != 1 {
		t.Fatalf("deliveries = %d", n)
	}
}
