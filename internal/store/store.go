// Package store defines the path-addressable shared state tree every client
// coordinates through. Implementations live in the memory (in-process tree)
// and remote (websocket relay client) subpackages.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidPath  = errors.New("invalid path")
	ErrClosed       = errors.New("store closed")
	ErrDisconnected = errors.New("store disconnected")
	ErrConflict     = errors.New("transaction conflict")
)

// OpError describes a failed store operation on a path.
type OpError struct {
	Op   string
	Path string
	Err  error
}

func (e *OpError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// NewError wraps err as an OpError.
func NewError(op, path string, err error) *OpError {
	return &OpError{Op: op, Path: path, Err: err}
}

// TransactFunc receives the current value at a path and returns the value to
// write. Returning commit=false aborts without writing. It may be invoked more
// than once and must not call back into the store.
type TransactFunc func(current Snapshot) (next any, commit bool)

// Store is the shared state tree as seen by one client connection.
//
// Delivery is at-least-once of the latest value per subscribed path. There is
// no ordering guarantee across paths and intermediate values may be skipped.
type Store interface {
	Get(ctx context.Context, path string) (Snapshot, error)
	Set(ctx context.Context, path string, value any) error
	// Update applies several writes atomically. Keys are paths relative to
	// path; a nil value deletes.
	Update(ctx context.Context, path string, values map[string]any) error
	Remove(ctx context.Context, path string) error
	// Push appends value under path with a new key that sorts after every key
	// previously pushed to the same tree.
	Push(ctx context.Context, path string, value any) (string, error)
	Transact(ctx context.Context, path string, fn TransactFunc) (bool, error)

	// Subscribe delivers the current value immediately and the latest value
	// after every change at, above or below path. The returned func cancels.
	Subscribe(path string, fn func(Snapshot)) func()

	// OnDisconnectRemove makes the server delete path when this connection
	// drops, without cooperation from the client.
	OnDisconnectRemove(ctx context.Context, path string) error
	CancelOnDisconnect(ctx context.Context, path string) error

	// OnClockOffset delivers the server-pushed offset between server time and
	// local time. Nothing is delivered until the first offset is known.
	OnClockOffset(fn func(time.Duration)) func()
}

// ConnectionNotifier is implemented by stores that can lose and regain their
// connection. fn runs after every successful reconnect.
type ConnectionNotifier interface {
	OnConnected(fn func()) func()
}
