package client

import (
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/tinkerbell/dhcplink/internal/engine"
	"github.com/tinkerbell/dhcplink/internal/event"
)

// bridge hands state transitions from the engine worker to the caller side.
//
// It is a single slot. dispatch runs on the engine worker: it claims the slot,
// signals the callback event and waits until the event's notify function has
// delivered the state and released the slot. A second transition waits for the
// first to drain. The engine worker is never held longer than wait per
// transition, and close releases it at once.
type bridge struct {
	log     logr.Logger
	wait    time.Duration
	deliver func(engine.State)
	ev      *event.Event

	mu      sync.Mutex
	cond    *sync.Cond
	busy    bool
	closed  bool
	pending engine.State
	// seq counts claimed slots, served the last one delivered.
	seq    uint64
	served uint64
}

func newBridge(log logr.Logger, wait time.Duration, deliver func(engine.State)) *bridge {
	b := &bridge{log: log, wait: wait, deliver: deliver}
	b.cond = sync.NewCond(&b.mu)
	b.ev = event.New(b.notify)

	return b
}

// dispatch is installed as the engine status callback.
func (b *bridge) dispatch(s engine.State) {
	b.mu.Lock()
	defer b.mu.Unlock()

	expired := false
	t := time.AfterFunc(b.wait, func() {
		b.mu.Lock()
		expired = true
		b.cond.Broadcast()
		b.mu.Unlock()
	})
	defer t.Stop()

	for b.busy && !b.closed && !expired {
		b.cond.Wait()
	}
	if b.closed {
		return
	}
	if b.busy {
		b.log.Info("previous status notification not drained, dropping transition", "state", s)
		return
	}

	b.busy = true
	b.pending = s
	b.seq++
	ticket := b.seq
	b.ev.Signal()
	for b.served < ticket && !b.closed && !expired {
		b.cond.Wait()
	}
	if b.served < ticket && !b.closed {
		b.log.Info("status callback still running, resuming engine", "state", s, "wait", b.wait)
	}
}

// notify runs on the event's goroutine.
func (b *bridge) notify() {
	b.mu.Lock()
	s, ticket, closed := b.pending, b.seq, b.closed
	b.mu.Unlock()

	if !closed {
		b.deliver(s)
	}

	b.mu.Lock()
	b.served = ticket
	b.busy = false
	b.cond.Broadcast()
	b.mu.Unlock()
}

// close releases a waiting engine worker and turns later dispatches into no-ops.
func (b *bridge) close() {
	b.mu.Lock()
	b.closed = true
	b.busy = false
	b.cond.Broadcast()
	b.mu.Unlock()
	b.ev.Close()
}
