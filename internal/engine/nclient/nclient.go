// Package nclient is an engine.Engine that runs the DHCPv4 client exchange
// with github.com/insomniacslk/dhcp/dhcpv4/nclient4.
package nclient

import (
	"context"
	"encoding/binary"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/go-logr/logr"
	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/dhcpv4/nclient4"
	"github.com/pkg/errors"
	"github.com/tinkerbell/dhcplink/internal/engine"
)

const (
	defaultAttempts   = 3
	defaultRetryDelay = time.Second
	defaultBackoff    = 10 * time.Second
)

// Engine drives one nclient4 client bound to a network interface.
//
// Start spawns a worker goroutine that walks Selecting, Requesting and Bound,
// backing off and starting over when an exchange fails. Once bound the worker
// keeps the lease: it renews at T1, rebinds at T2 and starts over when both
// fail. The status callback runs on that goroutine.
type Engine struct {
	Log    logr.Logger
	IfName string
	// ClientOpts are passed to nclient4.New when the client is opened.
	ClientOpts []nclient4.ClientOpt
	// Attempts is how many times one exchange is tried before backing off.
	Attempts   uint
	RetryDelay time.Duration
	// Backoff is how long the worker waits before starting over.
	Backoff time.Duration

	mu       sync.Mutex
	client   *nclient4.Client
	attached bool
	state    engine.State
	xid      uint32
	iface    engine.Interface
	server   netip.Addr
	cache    engine.Cache
	opts     []engine.Option
	running  []engine.Option
	lease    *nclient4.Lease
	cb       func(engine.State)
	gen      uint64
	cancel   context.CancelFunc
}

// New returns an engine for the named interface. The client socket is opened on Start.
func New(log logr.Logger, ifname string, opts ...nclient4.ClientOpt) (*Engine, error) {
	ifc, err := net.InterfaceByName(ifname)
	if err != nil {
		return nil, errors.Wrapf(err, "looking up interface %q", ifname)
	}
	e := &Engine{
		Log:        log,
		IfName:     ifname,
		ClientOpts: opts,
		iface:      engine.Interface{HardwareAddr: ifc.HardwareAddr, MTU: ifc.MTU},
	}
	e.setDefaults()

	return e, nil
}

func (e *Engine) setDefaults() {
	if e.Log.GetSink() == nil {
		e.Log = logr.Discard()
	}
	if e.Attempts == 0 {
		e.Attempts = defaultAttempts
	}
	if e.RetryDelay <= 0 {
		e.RetryDelay = defaultRetryDelay
	}
	if e.Backoff <= 0 {
		e.Backoff = defaultBackoff
	}
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

// SetOptions replaces the option buffer added to every message the client sends.
func (e *Engine) SetOptions(opts []engine.Option) error {
	for _, o := range opts {
		if len(o.Value) > 255 {
			return engine.ErrVal
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.opts = opts

	return nil
}

func (e *Engine) ClearOptions() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.opts = nil
}

func (e *Engine) SetStatusCallback(fn func(engine.State)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cb = fn
}

// Start (re)starts the client from Init. A running exchange is abandoned.
func (e *Engine) Start(opts []engine.Option) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.client == nil {
		c, err := nclient4.New(e.IfName, e.ClientOpts...)
		if err != nil {
			e.Log.Error(err, "opening dhcp client", "interface", e.IfName)
			return engine.ErrIf
		}
		e.client = c
	}
	if e.cancel != nil {
		e.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.gen++
	e.attached = true
	e.state = engine.StateInit
	e.lease = nil
	e.running = opts
	go e.run(ctx, e.gen, e.client)

	return nil
}

// Renew re-requests the leased address from the server that granted it.
func (e *Engine) Renew() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.attached || e.lease == nil {
		return engine.ErrConn
	}
	if e.cancel != nil {
		e.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.gen++
	go e.renewNow(ctx, e.gen, e.client, e.lease)

	return nil
}

// Release gives the lease back and leaves the client attached in Off.
func (e *Engine) Release() error {
	e.mu.Lock()
	if !e.attached || e.lease == nil {
		e.mu.Unlock()
		return engine.ErrConn
	}
	c, lease, mods := e.client, e.lease, e.modifiers()
	e.halt()
	e.attached = true
	e.mu.Unlock()

	if err := c.Release(lease, mods...); err != nil {
		e.Log.Error(err, "releasing lease")
		return engine.ErrConn
	}
	e.Log.Info("lease released", "ip", lease.ACK.YourIPAddr)

	return nil
}

// Stop abandons any running exchange and detaches the client. It does not
// wait for the worker goroutine.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.halt()
	if e.client != nil {
		if err := e.client.Close(); err != nil {
			e.Log.V(1).Info("closing dhcp client", "error", err.Error())
		}
		e.client = nil
	}

	return nil
}

// halt cancels the worker and clears the lease. The caller holds e.mu.
func (e *Engine) halt() {
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.gen++
	e.attached = false
	e.state = engine.StateOff
	e.lease = nil
	e.server = netip.Addr{}
	e.iface.IP, e.iface.Netmask, e.iface.Gateway = netip.Addr{}, netip.Addr{}, netip.Addr{}
}

// modifiers turns the option buffer into nclient4 message modifiers. The
// caller holds e.mu.
func (e *Engine) modifiers() []dhcpv4.Modifier {
	opts := e.running
	if len(e.opts) > 0 {
		opts = e.opts
	}
	mods := make([]dhcpv4.Modifier, 0, len(opts))
	for _, o := range opts {
		mods = append(mods, dhcpv4.WithOption(dhcpv4.OptGeneric(dhcpv4.GenericOptionCode(o.Code), o.Value)))
	}

	return mods
}

// transition moves the client to s and notifies the callback, unless the
// worker of generation gen has been superseded.
func (e *Engine) transition(gen uint64, s engine.State, update func()) bool {
	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return false
	}
	if update != nil {
		update()
	}
	e.state = s
	cb := e.cb
	e.mu.Unlock()

	e.Log.V(1).Info("dhcp client state", "state", s.String())
	if cb != nil {
		cb(s)
	}

	return true
}

func (e *Engine) exchange(ctx context.Context, fn func() error) error {
	return retry.Do(
		fn,
		retry.Attempts(e.Attempts),
		retry.Delay(e.RetryDelay),
		retry.RetryIf(func(error) bool { return ctx.Err() == nil }),
	)
}

func (e *Engine) run(ctx context.Context, gen uint64, c *nclient4.Client) {
	for {
		err := e.bind(ctx, gen, c)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			if !e.maintain(ctx, gen, c) {
				return
			}
			continue
		}
		e.Log.Info("dhcp exchange failed, backing off", "error", err.Error(), "backoff", e.Backoff.String())
		if !e.transition(gen, engine.StateBackingOff, nil) {
			return
		}
		if !sleep(ctx, e.Backoff) {
			return
		}
		if !e.transition(gen, engine.StateInit, nil) {
			return
		}
	}
}

// bind runs one Discover, Offer, Request, Ack exchange.
func (e *Engine) bind(ctx context.Context, gen uint64, c *nclient4.Client) error {
	e.mu.Lock()
	mods := e.modifiers()
	e.mu.Unlock()

	if !e.transition(gen, engine.StateSelecting, nil) {
		return nil
	}
	var discover *dhcpv4.DHCPv4
	capture := func(d *dhcpv4.DHCPv4) { discover = d }
	var offer *dhcpv4.DHCPv4
	err := e.exchange(ctx, func() error {
		var err error
		offer, err = c.DiscoverOffer(ctx, append(append([]dhcpv4.Modifier{}, mods...), capture)...)
		return err
	})
	if err != nil {
		return errors.Wrap(err, "discover")
	}

	ok := e.transition(gen, engine.StateRequesting, func() {
		e.xid = binary.BigEndian.Uint32(discover.TransactionID[:])
		e.cache = engine.Cache{Discover: discover.ToBytes(), Offer: offer.ToBytes()}
	})
	if !ok {
		return nil
	}

	return e.request(ctx, gen, c, offer, mods)
}

func (e *Engine) request(ctx context.Context, gen uint64, c *nclient4.Client, offer *dhcpv4.DHCPv4, mods []dhcpv4.Modifier) error {
	var lease *nclient4.Lease
	err := e.exchange(ctx, func() error {
		var err error
		lease, err = c.RequestFromOffer(ctx, offer, mods...)
		return err
	})
	if err != nil {
		return errors.Wrap(err, "request")
	}

	ok := e.transition(gen, engine.StateBound, func() {
		e.lease = lease
		e.cache.Ack = lease.ACK.ToBytes()
		e.server = addr(lease.ACK.ServerIdentifier())
		e.iface.IP = addr(lease.ACK.YourIPAddr)
		e.iface.Netmask = addr(net.IP(lease.ACK.SubnetMask()))
		e.iface.Gateway = netip.Addr{}
		if r := lease.ACK.Router(); len(r) > 0 {
			e.iface.Gateway = addr(r[0])
		}
	})
	if ok {
		e.Log.Info("dhcp lease bound", "ip", lease.ACK.YourIPAddr, "server", lease.ACK.ServerIdentifier(), "leaseTime", lease.ACK.IPAddressLeaseTime(0).String())
	}

	return nil
}

// maintain holds the lease of worker gen until it is lost. It reports true
// when the lease expired and the client is back in Init.
func (e *Engine) maintain(ctx context.Context, gen uint64, c *nclient4.Client) bool {
	for {
		e.mu.Lock()
		lease, current := e.lease, gen == e.gen
		e.mu.Unlock()
		if !current || lease == nil {
			return false
		}
		t1, t2, ok := timers(lease.ACK)
		if !ok {
			<-ctx.Done()
			return false
		}
		e.Log.V(1).Info("lease timers", "t1", t1.String(), "t2", t2.String())
		if !sleep(ctx, t1) {
			return false
		}
		if e.renew(ctx, gen, c, lease, t2-t1) {
			return true
		}
	}
}

// renewNow serves an explicit Renew: rebinding follows a failed renew at once.
func (e *Engine) renewNow(ctx context.Context, gen uint64, c *nclient4.Client, lease *nclient4.Lease) {
	if e.renew(ctx, gen, c, lease, 0) || e.maintain(ctx, gen, c) {
		e.run(ctx, gen, c)
	}
}

// renew re-requests the lease, then rebinds after rebindAfter when that
// fails. It reports true when both failed and the client is back in Init.
func (e *Engine) renew(ctx context.Context, gen uint64, c *nclient4.Client, lease *nclient4.Lease, rebindAfter time.Duration) bool {
	e.mu.Lock()
	mods := e.modifiers()
	e.mu.Unlock()

	if !e.transition(gen, engine.StateRenewing, nil) {
		return false
	}
	err := e.request(ctx, gen, c, lease.Offer, mods)
	if err == nil || ctx.Err() != nil {
		return false
	}
	e.Log.Info("renew failed, rebinding", "error", err.Error(), "after", rebindAfter.String())
	if !sleep(ctx, rebindAfter) {
		return false
	}
	if !e.transition(gen, engine.StateRebinding, nil) {
		return false
	}
	if err := e.request(ctx, gen, c, lease.Offer, mods); err == nil || ctx.Err() != nil {
		return false
	}
	e.Log.Info("lease lost, starting over", "ip", lease.ACK.YourIPAddr)

	return e.transition(gen, engine.StateInit, func() {
		e.lease = nil
		e.server = netip.Addr{}
		e.iface.IP, e.iface.Netmask, e.iface.Gateway = netip.Addr{}, netip.Addr{}, netip.Addr{}
	})
}

// timers returns the renewal (T1) and rebinding (T2) times of ack. Missing
// values default to half and seven eighths of the lease time. ok is false
// when the lease has no length or is infinite.
func timers(ack *dhcpv4.DHCPv4) (t1, t2 time.Duration, ok bool) {
	lt := ack.IPAddressLeaseTime(0)
	if lt <= 0 || lt == infiniteLease {
		return 0, 0, false
	}
	t1 = seconds(ack, dhcpv4.OptionRenewTimeValue, lt/2)
	t2 = seconds(ack, dhcpv4.OptionRebindingTimeValue, lt*7/8)
	if t2 < t1 {
		t2 = t1
	}

	return t1, t2, true
}

const infiniteLease = time.Duration(0xffffffff) * time.Second

func seconds(ack *dhcpv4.DHCPv4, code dhcpv4.OptionCode, def time.Duration) time.Duration {
	b := ack.Options.Get(code)
	if len(b) != 4 {
		return def
	}

	return time.Duration(binary.BigEndian.Uint32(b)) * time.Second
}

// sleep waits for d and reports false when ctx ends first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func addr(ip net.IP) netip.Addr {
	a, ok := netip.AddrFromSlice(ip.To4())
	if !ok {
		return netip.Addr{}
	}

	return a
}

var _ engine.Engine = (*Engine)(nil)
