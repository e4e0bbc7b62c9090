package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/tinkerbell/dhcplink/internal/dhcp/builder"
	"github.com/tinkerbell/dhcplink/internal/dhcp/data"
	"github.com/tinkerbell/dhcplink/internal/dhcp/option"
	dhcpotel "github.com/tinkerbell/dhcplink/internal/dhcp/otel"
	"github.com/tinkerbell/dhcplink/internal/dhcp/packet"
	"github.com/tinkerbell/dhcplink/internal/engine"
	"github.com/tinkerbell/dhcplink/internal/event"
	"github.com/tinkerbell/dhcplink/internal/metric"
	"github.com/tinkerbell/dhcplink/internal/status"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Instance is one caller's view of the DHCP client of a Device.
type Instance struct {
	dev    *Device
	handle uuid.UUID

	// mu is held while the instance is being registered.
	mu sync.Mutex
}

// NewInstance returns an instance bound to d and identified by h.
func (d *Device) NewInstance(h uuid.UUID) *Instance {
	return &Instance{dev: d, handle: h}
}

// Handle returns the identity of i.
func (i *Instance) Handle() uuid.UUID { return i.handle }

// Device returns the device i is bound to.
func (i *Instance) Device() *Device { return i.dev }

// Lock acquires the instance lock.
func (i *Instance) Lock() { i.mu.Lock() }

// Unlock releases the instance lock.
func (i *Instance) Unlock() { i.mu.Unlock() }

func (i *Instance) trace(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)
	attrs = append(attrs, attribute.String("handle", i.handle.String()), attribute.String("device", i.dev.Name))

	return tracer.Start(ctx, "client."+op, trace.WithAttributes(attrs...))
}

// done records the outcome of op.
func (i *Instance) done(span trace.Span, op string, start time.Time, err error) {
	code := status.Of(err)
	metric.OperationsTotal.WithLabelValues(op, string(code)).Inc()
	metric.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if code == status.FormatError {
		metric.CodecErrors.WithLabelValues(op).Inc()
	}
	if err != nil {
		i.dev.Log.V(1).Info("operation failed", "op", op, "handle", i.handle, "status", code, "error", err.Error())
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func packetCopy(b []byte) *packet.Packet {
	if len(b) == 0 {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)

	return packet.FromBytes(c)
}

// GetModeData returns a snapshot of the client. The cached Discover, Offer
// and Ack are only copied while the client is Bound.
//
// An engine state with no external equivalent is a broken engine and panics.
func (i *Instance) GetModeData(ctx context.Context) (md data.ModeData, err error) {
	const op = "GetModeData"
	_, span := i.trace(ctx, op)
	defer func(start time.Time) { i.done(span, op, start, err) }(time.Now())

	d := i.dev
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.Engine.State()
	md.State = data.Stopped
	if ok {
		st, known := externalState(s)
		if !known {
			panic(fmt.Sprintf("dhcp engine reported unknown state %v", s))
		}
		md.State = st
	}
	md.ClientMACAddress = append([]byte(nil), d.HardwareAddr...)
	ifc := d.Engine.Interface()
	md.ClientAddress = ifc.IP
	md.SubnetMask = ifc.Netmask
	md.RouterAddress = ifc.Gateway
	md.ServerAddress = d.Engine.ServerAddr()
	if d.active != nil {
		md.ConfigData = d.config.Clone()
	}

	if ok && s == engine.StateBound {
		c := d.Engine.Cache()
		md.Discover = packetCopy(c.Discover)
		md.Offer = packetCopy(c.Offer)
		md.Ack = packetCopy(c.Ack)
		md.ReplyPacket = md.Ack
		if md.Ack != nil {
			if p, verr := option.Validate(md.Ack); verr == nil && p != nil {
				md.LeaseTime = p.Lease
			}
		}
	}
	span.SetAttributes(md.EncodeToAttributes()...)

	return md, nil
}

// Configure installs cfg as the device's active configuration, or with a nil
// cfg drops the active configuration when i holds it. Another instance holding
// the active configuration makes it fail with ErrAccessDenied.
func (i *Instance) Configure(ctx context.Context, cfg *data.Config) (err error) {
	const op = "Configure"
	_, span := i.trace(ctx, op)
	defer func(start time.Time) { i.done(span, op, start, err) }(time.Now())
	if cfg != nil {
		span.SetAttributes(cfg.EncodeToAttributes()...)
	}

	d := i.dev
	d.mu.Lock()
	defer d.mu.Unlock()

	if s, ok := d.Engine.State(); ok && s != engine.StateOff && s != engine.StateInit && s != engine.StateBound {
		return errors.Wrapf(status.ErrAccessDenied, "cannot configure in state %v", s)
	}
	if d.active != nil && d.active != i {
		return errors.Wrap(status.ErrAccessDenied, "another instance holds the active configuration")
	}

	if cfg == nil {
		if d.active == i {
			d.dropBridge()
			d.setTargets(nil, nil)
			d.active = nil
			d.config = nil
			d.Log.Info("configuration cleared", "handle", i.handle)
		}
		return nil
	}

	opts, err := engineOptions(cfg.OptionList)
	if err != nil {
		return err
	}
	d.Engine.ClearOptions()
	if err := engineError(d.Engine.SetOptions(opts)); err != nil {
		return err
	}

	d.options = opts
	d.active = i
	d.config = cfg.Clone()
	d.setCallback(cfg.Callback)
	if cfg.Callback != nil {
		d.ensureBridge()
	}
	d.Log.Info("configuration installed", "handle", i.handle, "options", len(opts))

	return nil
}

// Start starts the engine with the saved options. Without a completion event
// it waits until the client is Bound or ctx is done. With one it returns at
// once and the event is signaled when the client binds.
func (i *Instance) Start(ctx context.Context, completion *event.Event) (err error) {
	const op = "Start"
	ctx, span := i.trace(ctx, op, attribute.Bool("completion", completion != nil))
	defer func(start time.Time) { i.done(span, op, start, err) }(time.Now())

	d := i.dev
	d.mu.Lock()
	if s, ok := d.Engine.State(); ok && s != engine.StateInit {
		d.mu.Unlock()
		return errors.Wrapf(status.ErrAlreadyStarted, "engine in state %v", s)
	}
	if completion != nil {
		d.ensureBridge()
		d.setCompletion(completion)
	}
	if err := d.Engine.Start(d.options); err != nil {
		d.setCompletion(nil)
		d.mu.Unlock()
		return errors.Wrap(status.ErrDeviceError, err.Error())
	}
	d.mu.Unlock()
	d.Log.Info("dhcp started", "handle", i.handle, "device", d.Name)

	if completion != nil {
		return nil
	}

	return d.waitBound(ctx)
}

func (d *Device) waitBound(ctx context.Context) error {
	t := time.NewTicker(d.PollInterval)
	defer t.Stop()
	for {
		if s, ok := d.Engine.State(); ok && s == engine.StateBound {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "waiting for dhcp lease")
		case <-t.C:
		}
	}
}

// RenewRebind asks the engine to renew the lease. Rebinding is not supported.
func (i *Instance) RenewRebind(ctx context.Context, rebind bool, completion *event.Event) (err error) {
	const op = "RenewRebind"
	_, span := i.trace(ctx, op, attribute.Bool("rebind", rebind))
	defer func(start time.Time) { i.done(span, op, start, err) }(time.Now())

	if rebind {
		return errors.Wrap(status.ErrUnsupported, "rebind")
	}
	d := i.dev
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.Engine.State()
	switch {
	case !ok || s == engine.StateOff:
		return status.ErrNotStarted
	case s != engine.StateBound:
		return errors.Wrapf(status.ErrAccessDenied, "cannot renew in state %v", s)
	}
	if completion != nil {
		d.ensureBridge()
		d.setCompletion(completion)
	}
	if err := d.Engine.Renew(); err != nil {
		d.setCompletion(nil)
		return errors.Wrap(status.ErrDeviceError, err.Error())
	}

	return nil
}

// Release gives the lease back to the server.
func (i *Instance) Release(ctx context.Context) (err error) {
	const op = "Release"
	_, span := i.trace(ctx, op)
	defer func(start time.Time) { i.done(span, op, start, err) }(time.Now())

	d := i.dev
	d.mu.Lock()
	defer d.mu.Unlock()

	if s, ok := d.Engine.State(); !ok || s != engine.StateBound {
		return errors.Wrapf(status.ErrAccessDenied, "cannot release in state %v", s)
	}
	if err := d.Engine.Release(); err != nil {
		return errors.Wrap(status.ErrDeviceError, err.Error())
	}

	return nil
}

// Stop stops the engine's DHCP client. The saved options and the active
// configuration are left in place for a later Start.
func (i *Instance) Stop(ctx context.Context) (err error) {
	const op = "Stop"
	_, span := i.trace(ctx, op)
	defer func(start time.Time) { i.done(span, op, start, err) }(time.Now())

	d := i.dev
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.Engine.Stop(); err != nil {
		return errors.Wrap(status.ErrDeviceError, err.Error())
	}
	d.setCompletion(nil)

	return nil
}

func checkPacket(p *packet.Packet) (*option.Parameter, error) {
	if p == nil || !p.Valid() {
		return nil, errors.Wrap(status.ErrInvalidParameter, "packet length exceeds its size")
	}
	if !p.HasMagic() {
		return nil, errors.Wrap(status.ErrInvalidParameter, "missing dhcp magic cookie")
	}

	return option.Validate(p)
}

// Build returns a new packet from seed with the options in deletes removed
// and appends added. At least one of the lists must be non-empty.
func (i *Instance) Build(ctx context.Context, seed *packet.Packet, deletes []uint8, appends []*data.PacketOption) (out *packet.Packet, err error) {
	const op = "Build"
	_, span := i.trace(ctx, op, attribute.Int("deletes", len(deletes)), attribute.Int("appends", len(appends)))
	defer func(start time.Time) { i.done(span, op, start, err) }(time.Now())

	if _, err := checkPacket(seed); err != nil {
		return nil, err
	}
	if len(deletes) == 0 && len(appends) == 0 {
		return nil, errors.Wrap(status.ErrInvalidParameter, "nothing to delete or append")
	}
	add := make([]option.Option, 0, len(appends))
	for k, a := range appends {
		if a == nil {
			return nil, errors.Wrapf(status.ErrInvalidParameter, "append list entry %d is nil", k)
		}
		add = append(add, option.Option{Tag: a.OpCode, Data: a.Data, Offset: -1})
	}

	out, err = builder.Build(seed, deletes, add)
	if err != nil {
		return nil, err
	}
	e := &dhcpotel.Encoder{Log: i.dev.Log}
	span.SetAttributes(e.Encode(out, "build", dhcpotel.EncodeTransactionID, dhcpotel.EncodeOptionTags)...)

	return out, nil
}

// Parse fills out with the options of p and returns how many there are.
// When out is too short nothing is written and the count is returned with
// ErrBufferTooSmall, so a caller can size out with a first call.
func (i *Instance) Parse(ctx context.Context, p *packet.Packet, out []data.PacketOption) (n int, err error) {
	const op = "Parse"
	_, span := i.trace(ctx, op, attribute.Int("capacity", len(out)))
	defer func(start time.Time) { i.done(span, op, start, err) }(time.Now())

	if _, err := checkPacket(p); err != nil {
		return 0, err
	}
	s, _, err := option.Parse(p)
	if err != nil {
		return 0, err
	}
	opts := s.Options()
	n = len(opts)
	span.SetAttributes(attribute.Int("options", n))
	if len(out) < n {
		return n, errors.Wrapf(status.ErrBufferTooSmall, "%d options, room for %d", n, len(out))
	}
	for k, o := range opts {
		out[k] = data.PacketOption{OpCode: o.Tag, Data: o.Data, Offset: o.Offset}
	}

	return n, nil
}
