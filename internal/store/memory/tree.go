// Package memory implements the shared state tree in process. A Tree is the
// authoritative data; each Conn is one client's connection to it, owning its
// own subscriptions and disconnect hooks. The relay server runs one Tree and
// tests use it directly as the shared store.
package memory

import (
	"fmt"
	"sort"
	"sync"

	"github.com/tretten/breathing-sub000/internal/store"
)

type subscription struct {
	id   uint64
	path string
	fn   func(store.Snapshot)
	conn *Conn
}

// Tree is a JSON-shaped value tree with push subscriptions.
//
// Notifications are queued and drained by one dispatcher at a time. A write
// made from inside a subscription callback is queued behind the current
// delivery instead of re-entering subscribers, and every delivery carries the
// value current at delivery time.
type Tree struct {
	mu          sync.Mutex
	root        map[string]any
	pushSeq     uint64
	subs        map[uint64]*subscription
	nextSub     uint64
	nextConn    uint64
	queue       []uint64
	pending     map[uint64]bool
	dispatching bool
}

// NewTree returns an empty tree.
func NewTree() *Tree {
	return &Tree{
		root:    make(map[string]any),
		subs:    make(map[uint64]*subscription),
		pending: make(map[uint64]bool),
	}
}

// Connect opens a new client connection to the tree.
func (t *Tree) Connect() *Conn {
	t.mu.Lock()
	t.nextConn++
	id := t.nextConn
	t.mu.Unlock()

	return newConn(t, id)
}

// Value returns a copy of the value stored at path.
func (t *Tree) Value(path string) store.Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return store.NewSnapshot(path, store.Clone(t.get(path)))
}

// Subscribers returns the number of live subscriptions.
func (t *Tree) Subscribers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// get must be called with mu held.
func (t *Tree) get(path string) any {
	var cur any = t.root
	for _, seg := range store.Split(path) {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[seg]
	}
	if m, ok := cur.(map[string]any); ok && len(m) == 0 {
		return nil
	}
	return cur
}

// set must be called with mu held. value must already be normalised.
func (t *Tree) set(path string, value any) {
	segs := store.Split(path)
	if len(segs) == 0 {
		m, _ := value.(map[string]any)
		if m == nil {
			m = make(map[string]any)
		}
		t.root = m
		return
	}

	if value == nil {
		t.remove(segs)
		return
	}

	cur := t.root
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[seg] = next
		}
		cur = next
	}
	cur[segs[len(segs)-1]] = value
}

// remove deletes the leaf and prunes ancestors left empty.
func (t *Tree) remove(segs []string) {
	chain := []map[string]any{t.root}
	cur := t.root
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			return
		}
		chain = append(chain, next)
		cur = next
	}
	delete(cur, segs[len(segs)-1])

	for i := len(chain) - 1; i > 0; i-- {
		if len(chain[i]) > 0 {
			break
		}
		delete(chain[i-1], segs[i-1])
	}
}

// notify queues every subscription related to one of paths. mu must be held.
func (t *Tree) notify(paths ...string) {
	for id, sub := range t.subs {
		if t.pending[id] {
			continue
		}
		for _, p := range paths {
			if store.Related(sub.path, p) {
				t.pending[id] = true
				t.queue = append(t.queue, id)
				break
			}
		}
	}
}

// drain delivers queued notifications unless another caller already is.
func (t *Tree) drain() {
	t.mu.Lock()
	if t.dispatching {
		t.mu.Unlock()
		return
	}
	t.dispatching = true

	for len(t.queue) > 0 {
		id := t.queue[0]
		t.queue = t.queue[1:]
		delete(t.pending, id)

		sub, ok := t.subs[id]
		if !ok {
			continue
		}
		snap := store.NewSnapshot(sub.path, store.Clone(t.get(sub.path)))

		t.mu.Unlock()
		sub.fn(snap)
		t.mu.Lock()
	}

	t.dispatching = false
	t.mu.Unlock()
}

// write applies values atomically. Shallower paths are written first so a
// nested key overrides its ancestor's object.
func (t *Tree) write(values map[string]any) {
	paths := make([]string, 0, len(values))
	for p := range values {
		paths = append(paths, p)
	}
	sort.Slice(paths, func(i, j int) bool {
		di, dj := len(store.Split(paths[i])), len(store.Split(paths[j]))
		if di != dj {
			return di < dj
		}
		return paths[i] < paths[j]
	})

	t.mu.Lock()
	for _, p := range paths {
		t.set(p, store.Clone(values[p]))
	}
	t.notify(paths...)
	t.mu.Unlock()
	t.drain()
}

func (t *Tree) push(path string, value any) string {
	t.mu.Lock()
	t.pushSeq++
	key := fmt.Sprintf("k%012d", t.pushSeq)
	full := store.Join(path, key)
	t.set(full, value)
	t.notify(full)
	t.mu.Unlock()
	t.drain()
	return key
}

func (t *Tree) transact(path string, fn store.TransactFunc) (bool, error) {
	t.mu.Lock()
	cur := store.NewSnapshot(path, store.Clone(t.get(path)))
	next, commit := fn(cur)
	if !commit {
		t.mu.Unlock()
		return false, nil
	}
	norm, err := store.Normalize(next)
	if err != nil {
		t.mu.Unlock()
		return false, err
	}
	t.set(path, norm)
	t.notify(path)
	t.mu.Unlock()
	t.drain()
	return true, nil
}

func (t *Tree) subscribe(c *Conn, path string, fn func(store.Snapshot)) uint64 {
	t.mu.Lock()
	t.nextSub++
	id := t.nextSub
	t.subs[id] = &subscription{id: id, path: path, fn: fn, conn: c}
	t.pending[id] = true
	t.queue = append(t.queue, id)
	t.mu.Unlock()
	t.drain()
	return id
}

func (t *Tree) unsubscribe(ids ...uint64) {
	t.mu.Lock()
	for _, id := range ids {
		delete(t.subs, id)
	}
	t.mu.Unlock()
}
