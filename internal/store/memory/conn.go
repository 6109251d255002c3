package memory

import (
	"context"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/tretten/breathing-sub000/internal/store"
)

// Conn is one client's connection to a Tree. It implements store.Store.
type Conn struct {
	tree *Tree
	id   uint64

	mu          sync.Mutex
	subs        map[uint64]struct{}
	hooks       map[string]struct{}
	offset      time.Duration
	offsetKnown bool
	offsetSubs  map[uint64]func(time.Duration)
	nextOffset  uint64
	closed      bool
}

var _ store.Store = (*Conn)(nil)

func newConn(t *Tree, id uint64) *Conn {
	return &Conn{
		tree:       t,
		id:         id,
		subs:       make(map[uint64]struct{}),
		hooks:      make(map[string]struct{}),
		offsetSubs: make(map[uint64]func(time.Duration)),
	}
}

// ID returns the connection's sequence number within its tree.
func (c *Conn) ID() uint64 {
	return c.id
}

func (c *Conn) check(ctx context.Context, op, path string) error {
	if err := ctx.Err(); err != nil {
		return store.NewError(op, path, err)
	}
	if !store.ValidPath(path) {
		return store.NewError(op, path, store.ErrInvalidPath)
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return store.NewError(op, path, store.ErrClosed)
	}
	return nil
}

func (c *Conn) Get(ctx context.Context, path string) (store.Snapshot, error) {
	if err := c.check(ctx, "get", path); err != nil {
		return store.Snapshot{Path: path}, err
	}
	return c.tree.Value(path), nil
}

func (c *Conn) Set(ctx context.Context, path string, value any) error {
	if err := c.check(ctx, "set", path); err != nil {
		return err
	}
	norm, err := store.Normalize(value)
	if err != nil {
		return store.NewError("set", path, err)
	}
	c.tree.write(map[string]any{path: norm})
	return nil
}

func (c *Conn) Update(ctx context.Context, path string, values map[string]any) error {
	if err := c.check(ctx, "update", path); err != nil {
		return err
	}
	writes := make(map[string]any, len(values))
	for rel, v := range values {
		full := store.Join(path, rel)
		if !store.ValidPath(full) {
			return store.NewError("update", full, store.ErrInvalidPath)
		}
		norm, err := store.Normalize(v)
		if err != nil {
			return store.NewError("update", full, err)
		}
		writes[full] = norm
	}
	c.tree.write(writes)
	return nil
}

func (c *Conn) Remove(ctx context.Context, path string) error {
	if err := c.check(ctx, "remove", path); err != nil {
		return err
	}
	c.tree.write(map[string]any{path: nil})
	return nil
}

func (c *Conn) Push(ctx context.Context, path string, value any) (string, error) {
	if err := c.check(ctx, "push", path); err != nil {
		return "", err
	}
	norm, err := store.Normalize(value)
	if err != nil {
		return "", store.NewError("push", path, err)
	}
	return c.tree.push(path, norm), nil
}

func (c *Conn) Transact(ctx context.Context, path string, fn store.TransactFunc) (bool, error) {
	if err := c.check(ctx, "transact", path); err != nil {
		return false, err
	}
	ok, err := c.tree.transact(path, fn)
	if err != nil {
		return false, store.NewError("transact", path, err)
	}
	return ok, nil
}

func (c *Conn) Subscribe(path string, fn func(store.Snapshot)) func() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return func() {}
	}
	c.mu.Unlock()

	id := c.tree.subscribe(c, path, fn)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.tree.unsubscribe(id)
		return func() {}
	}
	c.subs[id] = struct{}{}
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
			c.tree.unsubscribe(id)
		})
	}
}

func (c *Conn) OnDisconnectRemove(ctx context.Context, path string) error {
	if err := c.check(ctx, "ondisconnect", path); err != nil {
		return err
	}
	c.mu.Lock()
	c.hooks[store.Join(path)] = struct{}{}
	c.mu.Unlock()
	return nil
}

func (c *Conn) CancelOnDisconnect(ctx context.Context, path string) error {
	if err := c.check(ctx, "cancelondisconnect", path); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.hooks, store.Join(path))
	c.mu.Unlock()
	return nil
}

// Hooks returns the paths registered for removal on disconnect.
func (c *Conn) Hooks() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.hooks))
	for p := range c.hooks {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (c *Conn) OnClockOffset(fn func(time.Duration)) func() {
	c.mu.Lock()
	c.nextOffset++
	id := c.nextOffset
	c.offsetSubs[id] = fn
	known, offset := c.offsetKnown, c.offset
	c.mu.Unlock()

	if known {
		fn(offset)
	}
	return func() {
		c.mu.Lock()
		delete(c.offsetSubs, id)
		c.mu.Unlock()
	}
}

// SetClockOffset records the server-minus-local offset and delivers it to
// OnClockOffset subscribers.
func (c *Conn) SetClockOffset(offset time.Duration) {
	c.mu.Lock()
	c.offset, c.offsetKnown = offset, true
	fns := make([]func(time.Duration), 0, len(c.offsetSubs))
	for _, fn := range c.offsetSubs {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(offset)
	}
}

// Disconnect simulates the connection dropping: every registered
// disconnect hook is applied as one atomic write and all subscriptions end.
// Further calls on the Conn fail with store.ErrClosed.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	ids := make([]uint64, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	writes := make(map[string]any, len(c.hooks))
	for p := range c.hooks {
		writes[p] = nil
	}
	c.subs = make(map[uint64]struct{})
	c.hooks = make(map[string]struct{})
	c.offsetSubs = make(map[uint64]func(time.Duration))
	c.mu.Unlock()

	c.tree.unsubscribe(ids...)
	if len(writes) > 0 {
		c.tree.write(writes)
	}
}

// Close is Disconnect.
func (c *Conn) Close() error {
	c.Disconnect()
	return nil
}

// CompareAndSet writes next at path only if the current value equals
// expected. It returns the value found when the write is refused. The relay
// uses it to serve remote transactions.
func (c *Conn) CompareAndSet(ctx context.Context, path string, expected, next any) (bool, store.Snapshot, error) {
	if err := c.check(ctx, "cas", path); err != nil {
		return false, store.Snapshot{Path: path}, err
	}
	want, err := store.Normalize(expected)
	if err != nil {
		return false, store.Snapshot{Path: path}, store.NewError("cas", path, err)
	}

	var found store.Snapshot
	ok, err := c.tree.transact(path, func(cur store.Snapshot) (any, bool) {
		found = cur
		return next, reflect.DeepEqual(cur.Value(), want)
	})
	if err != nil {
		return false, found, store.NewError("cas", path, err)
	}
	return ok, found, nil
}
