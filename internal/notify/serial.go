package notify

import "sync"

// Serial runs funcs in order on one goroutine. Push never blocks, so a
// callback can hand work off without waiting on handlers that may
// themselves trigger more callbacks.
type Serial struct {
	mu      sync.Mutex
	items   []func()
	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}
}

func NewSerial() *Serial {
	q := &Serial{
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *Serial) Push(fn func()) {
	q.mu.Lock()
	q.items = append(q.items, fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Serial) run() {
	defer close(q.stopped)
	for {
		q.mu.Lock()
		items := q.items
		q.items = nil
		q.mu.Unlock()

		for _, fn := range items {
			select {
			case <-q.done:
				return
			default:
			}
			fn()
		}

		if len(items) > 0 {
			continue
		}
		select {
		case <-q.wake:
		case <-q.done:
			return
		}
	}
}

// Flush returns once everything pushed before it has run, or the queue
// has stopped.
func (q *Serial) Flush() {
	ran := make(chan struct{})
	q.Push(func() { close(ran) })
	select {
	case <-ran:
	case <-q.stopped:
	}
}

// Stop ends the goroutine after the current item. Pending items are
// dropped. Stop does not wait, so it is safe to call from a queued func.
func (q *Serial) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	select {
	case <-q.done:
	default:
		close(q.done)
	}
}

// Stopped is closed once the goroutine has exited.
func (q *Serial) Stopped() <-chan struct{} {
	return q.stopped
}
