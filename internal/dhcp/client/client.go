// Package client adapts an engine.Engine to the DHCP client surface used by
// callers: mode data, configuration, start/renew/release/stop, packet build
// and parse, and one-shot transmit/receive exchanges.
//
// Every Instance bound to a Device shares the device's engine. At most one of
// them holds the active configuration at a time.
package client

import (
	"context"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	"github.com/tinkerbell/dhcplink/internal/dhcp/data"
	"github.com/tinkerbell/dhcplink/internal/dhcp/option"
	"github.com/tinkerbell/dhcplink/internal/engine"
	"github.com/tinkerbell/dhcplink/internal/event"
	"github.com/tinkerbell/dhcplink/internal/metric"
	"github.com/tinkerbell/dhcplink/internal/status"
)

const tracerName = "github.com/tinkerbell/dhcplink"

const (
	defaultMTU          = 1500
	defaultPollInterval = 50 * time.Millisecond
	defaultCallbackWait = 10 * time.Second
)

// PacketListener opens the UDP socket used by TransmitReceive.
// *net.ListenConfig implements it.
type PacketListener interface {
	ListenPacket(ctx context.Context, network, address string) (net.PacketConn, error)
}

// Device is the per-interface state shared by all client adapter instances.
type Device struct {
	Log    logr.Logger
	Engine engine.Engine
	// Name labels the device in logs and metrics.
	Name         string
	HardwareAddr net.HardwareAddr
	MTU          int
	Listener     PacketListener
	// PollInterval is how often Start checks the engine while waiting for a lease.
	PollInterval time.Duration
	// CallbackWait bounds how long one status notification may hold the engine worker.
	CallbackWait time.Duration

	// mu is the configuration lock.
	mu      sync.Mutex
	active  *Instance
	config  *data.Config
	options []engine.Option
	bridge  *bridge

	// nmu guards the notification targets. It is never held across an engine call.
	nmu        sync.Mutex
	callback   func(data.State)
	completion *event.Event
}

// NewDevice returns a device driving e. Link data is read from the engine interface.
func NewDevice(name string, e engine.Engine) *Device {
	ifc := e.Interface()
	d := &Device{
		Engine:       e,
		Name:         name,
		HardwareAddr: ifc.HardwareAddr,
		MTU:          ifc.MTU,
	}
	d.setDefaults()

	return d
}

func (d *Device) setDefaults() {
	if d.Log.GetSink() == nil {
		d.Log = logr.Discard()
	}
	if d.MTU <= 0 {
		d.MTU = defaultMTU
	}
	if d.Listener == nil {
		d.Listener = &net.ListenConfig{}
	}
	if d.PollInterval <= 0 {
		d.PollInterval = defaultPollInterval
	}
	if d.CallbackWait <= 0 {
		d.CallbackWait = defaultCallbackWait
	}
	metric.Init()
}

// Lock acquires the configuration lock.
func (d *Device) Lock() { d.mu.Lock() }

// Unlock releases the configuration lock.
func (d *Device) Unlock() { d.mu.Unlock() }

// Active returns the instance holding the active configuration, if any.
func (d *Device) Active() *Instance {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.active
}

// Options returns the option buffer saved by the last successful Configure.
func (d *Device) Options() []engine.Option {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.options
}

// ForgetLocked clears the active configuration reference when it points at i.
// The caller holds the configuration lock.
func (d *Device) ForgetLocked(i *Instance) {
	if d.active == i {
		d.active = nil
		d.config = nil
	}
}

// TeardownLocked drops the saved option buffer, the active configuration and
// the status bridge. The caller holds the configuration lock.
func (d *Device) TeardownLocked() {
	d.dropBridge()
	d.setTargets(nil, nil)
	d.active = nil
	d.config = nil
	d.options = nil
}

func (d *Device) ensureBridge() {
	if d.bridge != nil {
		return
	}
	d.bridge = newBridge(d.Log.WithName("bridge"), d.CallbackWait, d.deliver)
	d.Engine.SetStatusCallback(d.bridge.dispatch)
}

func (d *Device) dropBridge() {
	if d.bridge == nil {
		return
	}
	d.Engine.SetStatusCallback(nil)
	d.bridge.close()
	d.bridge = nil
}

func (d *Device) setTargets(cb func(data.State), completion *event.Event) {
	d.nmu.Lock()
	defer d.nmu.Unlock()
	d.callback = cb
	d.completion = completion
}

func (d *Device) setCallback(cb func(data.State)) {
	d.nmu.Lock()
	defer d.nmu.Unlock()
	d.callback = cb
}

func (d *Device) setCompletion(e *event.Event) {
	d.nmu.Lock()
	defer d.nmu.Unlock()
	d.completion = e
}

// deliver runs on the bridge's notify goroutine.
func (d *Device) deliver(s engine.State) {
	st, ok := externalState(s)
	if !ok {
		d.Log.Info("ignoring unknown engine state", "state", s)
		return
	}
	d.nmu.Lock()
	cb, completion := d.callback, d.completion
	if s == engine.StateBound {
		d.completion = nil
	}
	d.nmu.Unlock()

	metric.StateTransitions.WithLabelValues(st.String()).Inc()
	d.Log.V(1).Info("dhcp state transition", "device", d.Name, "state", st)
	if cb != nil {
		cb(st)
	}
	if s == engine.StateBound && completion != nil {
		completion.Signal()
	}
}

var stateMap = map[engine.State]data.State{
	engine.StateOff:        data.Stopped,
	engine.StateInit:       data.Init,
	engine.StateChecking:   data.Selecting,
	engine.StateSelecting:  data.Selecting,
	engine.StateBackingOff: data.Selecting,
	engine.StateRequesting: data.Requesting,
	engine.StateBound:      data.Bound,
	engine.StateRenewing:   data.Renewing,
	engine.StateRebinding:  data.Rebinding,
	engine.StateRebooting:  data.Rebooting,
}

func externalState(s engine.State) (data.State, bool) {
	st, ok := stateMap[s]
	return st, ok
}

// engineError translates a native engine error returned while installing options.
func engineError(err error) error {
	if err == nil {
		return nil
	}
	var e engine.Err
	if !errors.As(err, &e) {
		return errors.Wrap(status.ErrDeviceError, err.Error())
	}
	switch e {
	case engine.ErrOK, engine.ErrIf:
		// the interface is not up yet, the options are applied when it is.
		return nil
	case engine.ErrVal:
		return errors.Wrap(status.ErrInvalidParameter, e.Error())
	case engine.ErrMem:
		return errors.Wrap(status.ErrOutOfMemory, e.Error())
	}

	return errors.Wrap(status.ErrDeviceError, e.Error())
}

// engineOptions converts a caller option list to the engine representation,
// sorted by code. A nil entry, a repeated code or a Pad or End code is rejected.
func engineOptions(list []*data.PacketOption) ([]engine.Option, error) {
	var seen [256]bool
	opts := make([]engine.Option, 0, len(list))
	for k, o := range list {
		if o == nil {
			return nil, errors.Wrapf(status.ErrInvalidParameter, "option list entry %d is nil", k)
		}
		if o.OpCode == option.TagPad || o.OpCode == option.TagEnd {
			return nil, errors.Wrapf(status.ErrInvalidParameter, "option %d carries no length", o.OpCode)
		}
		if seen[o.OpCode] {
			return nil, errors.Wrapf(status.ErrInvalidParameter, "option %d listed twice", o.OpCode)
		}
		seen[o.OpCode] = true
		opts = append(opts, engine.Option{Code: o.OpCode, Value: append([]byte(nil), o.Data...)})
	}
	sort.Slice(opts, func(i, j int) bool { return opts[i].Code < opts[j].Code })

	return opts, nil
}
