// Package enginetest provides an in-memory engine.Engine for tests.
package enginetest

import (
	"net"
	"net/netip"
	"sync"

	"github.com/tinkerbell/dhcplink/internal/engine"
)

// Engine is a scripted engine. It starts detached, as a stack that never ran a
// DHCP client. Start moves it to Init and, when AutoBind is set, walks
// Selecting, Requesting and Bound on its own goroutine, invoking the status
// callback from there like a real stack worker.
type Engine struct {
	// AutoBind makes Start drive the client to Bound.
	AutoBind bool
	// Errors returned by the matching methods when set.
	SetOptionsErr error
	StartErr      error
	RenewErr      error
	ReleaseErr    error
	StopErr       error

	mu       sync.Mutex
	attached bool
	state    engine.State
	xid      uint32
	iface    engine.Interface
	server   netip.Addr
	cache    engine.Cache
	opts     []engine.Option
	started  []engine.Option
	cb       func(engine.State)
	calls    []string
	wg       sync.WaitGroup
}

// New returns an engine for the given hardware address.
func New(mac net.HardwareAddr) *Engine {
	return &Engine{
		iface: engine.Interface{HardwareAddr: mac, MTU: 1500},
		xid:   0x1234abcd,
	}
}

func (e *Engine) record(call string) {
	e.calls = append(e.calls, call)
}

// Calls returns the engine methods called so far, in order.
func (e *Engine) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	return append([]string(nil), e.calls...)
}

// SetState attaches the client and forces its state.
func (e *Engine) SetState(s engine.State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.attached = true
	e.state = s
}

// Detach drops the client data, as if no DHCP client ever ran.
func (e *Engine) Detach() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.attached = false
	e.state = engine.StateOff
}

// SetInterface replaces the interface configuration, keeping the hardware address when i has none.
func (e *Engine) SetInterface(i engine.Interface) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if i.HardwareAddr == nil {
		i.HardwareAddr = e.iface.HardwareAddr
	}
	e.iface = i
}

// SetLease records the exchange the client went through.
func (e *Engine) SetLease(server netip.Addr, c engine.Cache) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.server = server
	e.cache = c
}

// SetXID sets the transaction id of the client.
func (e *Engine) SetXID(x uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.xid = x
}

// Options returns the option buffer currently installed.
func (e *Engine) Options() []engine.Option {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.opts
}

// StartedWith returns the options passed to the last Start.
func (e *Engine) StartedWith() []engine.Option {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.started
}

// Emit invokes the status callback with s from a new goroutine and waits
// until the callback returns.
func (e *Engine) Emit(s engine.State) {
	e.mu.Lock()
	e.state = s
	e.attached = true
	cb := e.cb
	e.mu.Unlock()
	if cb == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		cb(s)
	}()
	<-done
}

// Wait blocks until the AutoBind goroutines have finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) State() (engine.State, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.state, e.attached
}

func (e *Engine) XID() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.xid
}

func (e *Engine) Interface() engine.Interface {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.iface
}

func (e *Engine) ServerAddr() netip.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.server
}

func (e *Engine) Cache() engine.Cache {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.cache
}

func (e *Engine) SetOptions(opts []engine.Option) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("SetOptions")
	if e.SetOptionsErr != nil {
		return e.SetOptionsErr
	}
	e.opts = opts

	return nil
}

func (e *Engine) ClearOptions() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("ClearOptions")
	e.opts = nil
}

func (e *Engine) Start(opts []engine.Option) error {
	e.mu.Lock()
	e.record("Start")
	if e.StartErr != nil {
		e.mu.Unlock()
		return e.StartErr
	}
	e.started = opts
	e.attached = true
	e.state = engine.StateInit
	auto := e.AutoBind
	e.mu.Unlock()

	if auto {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			for _, s := range []engine.State{engine.StateSelecting, engine.StateRequesting, engine.StateBound} {
				e.Emit(s)
			}
		}()
	}

	return nil
}

func (e *Engine) Renew() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("Renew")
	if e.RenewErr != nil {
		return e.RenewErr
	}
	e.state = engine.StateRenewing

	return nil
}

func (e *Engine) Release() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("Release")
	if e.ReleaseErr != nil {
		return e.ReleaseErr
	}
	e.state = engine.StateOff

	return nil
}

func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("Stop")
	if e.StopErr != nil {
		return e.StopErr
	}
	e.attached = false
	e.state = engine.StateOff

	return nil
}

func (e *Engine) SetStatusCallback(fn func(engine.State)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("SetStatusCallback")
	e.cb = fn
}

var _ engine.Engine = (*Engine)(nil)
