// Package event is a signal primitive shared between a producer and the
// callers waiting on it, with an optional notify function.
package event

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// ErrClosed is returned by Wait once the event has been closed.
var ErrClosed = errors.New("event closed")

// Event is an auto-reset signal. Signal marks it signaled and, when a notify
// function was given, schedules that function on its own goroutine. Wait
// consumes the signal.
type Event struct {
	notify func()
	queued atomic.Bool

	once   sync.Once
	ch     chan struct{}
	closed chan struct{}
}

// New returns an unsignaled event. notify may be nil.
func New(notify func()) *Event {
	return &Event{
		notify: notify,
		ch:     make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

// Signal marks the event signaled. Signaling an already signaled event does
// not queue a second wakeup. Signal on a closed event is a no-op.
func (e *Event) Signal() {
	if e.IsClosed() {
		return
	}
	select {
	case e.ch <- struct{}{}:
	default:
	}
	if e.notify == nil {
		return
	}
	if e.queued.CompareAndSwap(false, true) {
		go func() {
			e.queued.Store(false)
			e.notify()
		}()
	}
}

// Wait blocks until the event is signaled, closed or ctx is done.
func (e *Event) Wait(ctx context.Context) error {
	select {
	case <-e.ch:
		return nil
	case <-e.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsSignaled reports whether the event is signaled, consuming the signal.
func (e *Event) IsSignaled() bool {
	select {
	case <-e.ch:
		return true
	default:
		return false
	}
}

// Close releases waiters. It is safe to call more than once.
func (e *Event) Close() {
	e.once.Do(func() { close(e.closed) })
}

// IsClosed reports whether Close has been called.
func (e *Event) IsClosed() bool {
	select {
	case <-e.closed:
		return true
	default:
		return false
	}
}
