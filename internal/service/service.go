// Package service manages the client adapter instances bound to one device.
package service

import (
	"context"
	"sync/atomic"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/tinkerbell/dhcplink/internal/dhcp/client"
	"github.com/tinkerbell/dhcplink/internal/metric"
	"github.com/tinkerbell/dhcplink/internal/status"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
)

const tracerName = "github.com/tinkerbell/dhcplink"

//go:generate mockgen -destination mock_service/binder_mock.go github.com/tinkerbell/dhcplink/internal/service Binder

// Binder publishes protocol surfaces under handles so that other callers can find them.
type Binder interface {
	Install(h uuid.UUID, surface any) error
	Uninstall(h uuid.UUID, surface any) error
	Lookup(h uuid.UUID) (any, bool)
}

// Registry owns the client adapter instances of one device. Creating and
// destroying instances is serialized with configuration changes through the
// device's configuration lock.
type Registry struct {
	Log    logr.Logger
	Binder Binder

	dev      *client.Device
	handle   uuid.UUID
	disabled atomic.Bool
	children []*client.Instance
}

// New returns a registry that is disabled until Install.
func New(log logr.Logger, b Binder) *Registry {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	r := &Registry{Log: log, Binder: b}
	r.disabled.Store(true)
	metric.Init()

	return r
}

// Handle returns the handle the registry itself is published under.
func (r *Registry) Handle() uuid.UUID { return r.handle }

// Install binds the registry to d and publishes it.
func (r *Registry) Install(ctx context.Context, d *client.Device) (err error) {
	_, span := otel.Tracer(tracerName).Start(ctx, "service.Install")
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if !r.disabled.Load() {
		return errors.Wrap(status.ErrAccessDenied, "registry already installed")
	}
	d.Lock()
	defer d.Unlock()

	h := uuid.New()
	if err := r.Binder.Install(h, r); err != nil {
		return errors.Wrap(err, "publishing service binding")
	}
	r.dev = d
	r.handle = h
	r.children = nil
	r.disabled.Store(false)
	metric.Children.WithLabelValues(d.Name).Set(0)
	r.Log.Info("service installed", "device", d.Name, "handle", h)

	return nil
}

// Uninstall unpublishes every remaining instance and the registry itself, and
// drops the device's saved configuration. It is a no-op once disabled.
func (r *Registry) Uninstall(ctx context.Context) (err error) {
	_, span := otel.Tracer(tracerName).Start(ctx, "service.Uninstall")
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if !r.disabled.CompareAndSwap(false, true) {
		return nil
	}
	d := r.dev
	d.Lock()
	defer d.Unlock()

	for _, i := range r.children {
		err = multierr.Append(err, r.Binder.Uninstall(i.Handle(), i))
	}
	span.SetAttributes(attribute.Int("children", len(r.children)))
	r.children = nil
	err = multierr.Append(err, r.Binder.Uninstall(r.handle, r))
	d.TeardownLocked()
	metric.Children.WithLabelValues(d.Name).Set(0)
	r.Log.Info("service uninstalled", "device", d.Name)

	return errors.Wrap(err, "unpublishing service")
}

// CreateChild creates a new instance and publishes it under a fresh handle.
func (r *Registry) CreateChild(ctx context.Context) (h uuid.UUID, err error) {
	_, span := otel.Tracer(tracerName).Start(ctx, "service.CreateChild")
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.String("handle", h.String()))
		}
		span.End()
	}()

	if r.disabled.Load() {
		return uuid.Nil, errors.Wrap(status.ErrAccessDenied, "service is not installed")
	}
	d := r.dev
	d.Lock()
	defer d.Unlock()
	if r.disabled.Load() {
		return uuid.Nil, errors.Wrap(status.ErrAccessDenied, "service is not installed")
	}

	h = uuid.New()
	i := d.NewInstance(h)
	i.Lock()
	err = r.Binder.Install(h, i)
	i.Unlock()
	if err != nil {
		return uuid.Nil, errors.Wrap(err, "publishing client instance")
	}
	r.children = append(r.children, i)
	metric.Children.WithLabelValues(d.Name).Inc()
	r.Log.V(1).Info("child created", "handle", h)

	return h, nil
}

// DestroyChild unpublishes and drops the instance published under h. When the
// instance holds the active configuration the reference is cleared.
func (r *Registry) DestroyChild(ctx context.Context, h uuid.UUID) (err error) {
	_, span := otel.Tracer(tracerName).Start(ctx, "service.DestroyChild", traceHandle(h))
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	i, err := r.Instance(h)
	if err != nil {
		return err
	}
	if r.disabled.Load() {
		return errors.Wrap(status.ErrAccessDenied, "service is not installed")
	}
	d := r.dev
	d.Lock()
	defer d.Unlock()
	if r.disabled.Load() {
		return errors.Wrap(status.ErrAccessDenied, "service is not installed")
	}

	idx := -1
	for k, c := range r.children {
		if c == i {
			idx = k
			break
		}
	}
	if idx < 0 {
		return errors.Wrapf(status.ErrUnsupported, "instance %v already destroyed", h)
	}
	if err := r.Binder.Uninstall(h, i); err != nil {
		return errors.Wrap(err, "unpublishing client instance")
	}
	d.ForgetLocked(i)
	r.children = append(r.children[:idx], r.children[idx+1:]...)
	metric.Children.WithLabelValues(d.Name).Dec()
	r.Log.V(1).Info("child destroyed", "handle", h)

	return nil
}

// Instance resolves h to the instance published under it.
func (r *Registry) Instance(h uuid.UUID) (*client.Instance, error) {
	v, ok := r.Binder.Lookup(h)
	if !ok {
		return nil, errors.Wrapf(status.ErrUnsupported, "no instance under handle %v", h)
	}
	i, ok := v.(*client.Instance)
	if !ok {
		return nil, errors.Wrapf(status.ErrUnsupported, "handle %v is not a client instance", h)
	}

	return i, nil
}

func traceHandle(h uuid.UUID) trace.SpanStartOption {
	return trace.WithAttributes(attribute.String("handle", h.String()))
}

// Len returns the number of live instances.
func (r *Registry) Len() int {
	if r.disabled.Load() {
		return 0
	}
	r.dev.Lock()
	defer r.dev.Unlock()

	return len(r.children)
}
