package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/tretten/breathing-sub000/internal/store"
	"github.com/tretten/breathing-sub000/internal/store/wire"
)

const errRateLimited = "rate limited"

// handle applies one client frame to the client's tree connection and
// returns the reply.
func (c *Client) handle(ctx context.Context, f *wire.Frame) *wire.Frame {
	reply := &wire.Frame{Op: wire.OpReply, Seq: f.Seq}
	if err := c.apply(ctx, f, reply); err != nil {
		reply.Error = err.Error()
	}
	return reply
}

func (c *Client) apply(ctx context.Context, f *wire.Frame, reply *wire.Frame) error {
	switch f.Op {
	case wire.OpGet:
		snap, err := c.store.Get(ctx, f.Path)
		if err != nil {
			return err
		}
		reply.Value, err = wire.EncodeValue(snap.Value())
		return err

	case wire.OpSet:
		v, err := wire.DecodeValue(f.Value)
		if err != nil {
			return err
		}
		return c.store.Set(ctx, f.Path, v)

	case wire.OpUpdate:
		values := make(map[string]any, len(f.Values))
		for rel, raw := range f.Values {
			v, err := wire.DecodeValue(raw)
			if err != nil {
				return fmt.Errorf("value %s: %w", rel, err)
			}
			values[rel] = v
		}
		return c.store.Update(ctx, f.Path, values)

	case wire.OpRemove:
		return c.store.Remove(ctx, f.Path)

	case wire.OpPush:
		v, err := wire.DecodeValue(f.Value)
		if err != nil {
			return err
		}
		reply.Key, err = c.store.Push(ctx, f.Path, v)
		return err

	case wire.OpCAS:
		expected, err := wire.DecodeValue(f.Expected)
		if err != nil {
			return err
		}
		next, err := wire.DecodeValue(f.Value)
		if err != nil {
			return err
		}
		ok, found, err := c.store.CompareAndSet(ctx, f.Path, expected, next)
		if err != nil {
			return err
		}
		reply.Committed = ok
		if !ok {
			reply.Value, err = wire.EncodeValue(found.Value())
		}
		return err

	case wire.OpSub:
		if f.Sub == 0 {
			return errors.New("missing subscription id")
		}
		if !store.ValidPath(f.Path) {
			return store.NewError("sub", f.Path, store.ErrInvalidPath)
		}
		if cancel, ok := c.subs[f.Sub]; ok {
			cancel()
			c.hub.opts.Metrics.Subscriptions.Dec()
		}
		id := f.Sub
		c.subs[id] = c.store.Subscribe(f.Path, func(s store.Snapshot) {
			b, err := wire.EncodeValue(s.Value())
			if err != nil {
				return
			}
			c.enqueue(&wire.Frame{Op: wire.OpEvent, Sub: id, Path: s.Path, Value: b})
		})
		c.hub.opts.Metrics.Subscriptions.Inc()
		return nil

	case wire.OpUnsub:
		if cancel, ok := c.subs[f.Sub]; ok {
			cancel()
			delete(c.subs, f.Sub)
			c.hub.opts.Metrics.Subscriptions.Dec()
		}
		return nil

	case wire.OpOnDisc:
		return c.store.OnDisconnectRemove(ctx, f.Path)

	case wire.OpCancelDisc:
		return c.store.CancelOnDisconnect(ctx, f.Path)

	default:
		return fmt.Errorf("unknown op %q", f.Op)
	}
}
