package client

import (
	"context"
	"net"
	"net/netip"
	"time"

	"github.com/pkg/errors"
	"github.com/tinkerbell/dhcplink/internal/dhcp/data"
	dhcpotel "github.com/tinkerbell/dhcplink/internal/dhcp/otel"
	"github.com/tinkerbell/dhcplink/internal/dhcp/packet"
	"github.com/tinkerbell/dhcplink/internal/status"
	"golang.org/x/net/ipv4"
)

// TransmitReceive sends tok.Packet to the remote server from the packet's
// client address and stores the first datagram received in tok.ResponseList.
// It does not involve the engine's own client.
//
// The packet is sent from ciaddr on the first listen point's port (68 by
// default) to the remote address on tok.RemotePort (67 by default). The
// response buffer is one MTU long. tok.Timeout must be set but the wait is
// only bounded by ctx.
func (i *Instance) TransmitReceive(ctx context.Context, tok *data.Token) (err error) {
	const op = "TransmitReceive"
	ctx, span := i.trace(ctx, op)
	defer func(start time.Time) {
		if tok != nil {
			tok.Status = err
		}
		i.done(span, op, start, err)
	}(time.Now())

	if tok == nil {
		return errors.Wrap(status.ErrInvalidParameter, "nil token")
	}
	span.SetAttributes(tok.EncodeToAttributes()...)
	d := i.dev
	p := tok.Packet
	if p == nil || !p.Valid() || !p.HasMagic() {
		return errors.Wrap(status.ErrInvalidParameter, "token packet is not a dhcp packet")
	}
	if _, ok := d.Engine.State(); ok && p.XID() == d.Engine.XID() {
		return errors.Wrapf(status.ErrInvalidParameter, "transaction id %#08x is in use by the dhcp client", p.XID())
	}
	if tok.Timeout == 0 {
		return errors.Wrap(status.ErrInvalidParameter, "zero timeout")
	}
	if _, err := checkPacket(p); err != nil {
		return err
	}
	if !tok.RemoteAddress.IsValid() || tok.RemoteAddress.IsUnspecified() {
		return errors.Wrap(status.ErrInvalidParameter, "no remote address")
	}
	ciaddr := p.ClientAddr()
	if ciaddr.IsUnspecified() {
		return errors.Wrap(status.ErrNoMapping, "packet has no client address")
	}

	lport := uint16(packet.ClientPort)
	if len(tok.ListenPoints) > 0 && tok.ListenPoints[0].ListenPort != 0 {
		lport = tok.ListenPoints[0].ListenPort
	}
	rport := uint16(packet.ServerPort)
	if tok.RemotePort != 0 {
		rport = tok.RemotePort
	}

	conn, err := d.Listener.ListenPacket(ctx, "udp4", netip.AddrPortFrom(ciaddr, lport).String())
	if err != nil {
		return errors.Wrap(status.ErrDeviceError, err.Error())
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	pc := ipv4.NewPacketConn(conn)
	if err := pc.SetControlMessage(ipv4.FlagInterface, true); err != nil {
		d.Log.V(1).Info("interface control messages unavailable", "error", err.Error())
	}

	dst := net.UDPAddrFromAddrPort(netip.AddrPortFrom(tok.RemoteAddress, rport))
	if _, err := pc.WriteTo(p.Bytes(), nil, dst); err != nil {
		return errors.Wrap(status.ErrDeviceError, err.Error())
	}
	d.Log.V(1).Info("sent dhcp packet", "to", dst.String(), "packet", p.Describe())

	resp := packet.New(d.MTU)
	for {
		n, cm, peer, err := pc.ReadFrom(resp.Buf)
		if err == nil {
			resp.Length = n
			d.Log.V(1).Info("received dhcp packet", "from", peer, "ifIndex", ifIndex(cm), "bytes", n)
			break
		}
		if cerr := ctx.Err(); cerr != nil {
			return errors.Wrap(cerr, "waiting for dhcp response")
		}
		if errors.Is(err, net.ErrClosed) {
			return errors.Wrap(status.ErrDeviceError, err.Error())
		}
		d.Log.V(1).Info("transient receive error", "error", err.Error())
	}

	tok.ResponseList = []*packet.Packet{resp}
	e := &dhcpotel.Encoder{Log: d.Log}
	span.SetAttributes(e.Encode(resp, "response", dhcpotel.AllEncoders()...)...)
	if tok.CompletionEvent != nil {
		tok.CompletionEvent.Signal()
	}

	return nil
}

func ifIndex(cm *ipv4.ControlMessage) int {
	if cm == nil {
		return 0
	}

	return cm.IfIndex
}
