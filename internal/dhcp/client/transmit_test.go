package client

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/tinkerbell/dhcplink/internal/dhcp/data"
	"github.com/tinkerbell/dhcplink/internal/dhcp/packet"
	"github.com/tinkerbell/dhcplink/internal/engine"
	"github.com/tinkerbell/dhcplink/internal/event"
	"github.com/tinkerbell/dhcplink/internal/status"
	"golang.org/x/net/nettest"
)

var loopback = netip.MustParseAddr("127.0.0.1")

func inform(t *testing.T, ciaddr net.IP) *packet.Packet {
	t.Helper()
	d, err := dhcpv4.New(
		dhcpv4.WithHwAddr(mac),
		dhcpv4.WithTransactionID(dhcpv4.TransactionID{0xca, 0xfe, 0xba, 0xbe}),
		dhcpv4.WithMessageType(dhcpv4.MessageTypeInform),
		dhcpv4.WithClientIP(ciaddr),
	)
	if err != nil {
		t.Fatal(err)
	}

	return packet.FromDHCPv4(d)
}

func freePort(t *testing.T) uint16 {
	t.Helper()
	c, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	return uint16(c.LocalAddr().(*net.UDPAddr).Port)
}

// server answers every request with an Ack after delay.
func server(t *testing.T, delay time.Duration) *net.UDPAddr {
	t.Helper()
	c, err := nettest.NewLocalPacketListener("udp4")
	if err != nil {
		t.Skipf("no local udp4 listener: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	go func() {
		buf := make([]byte, 1500)
		for {
			n, peer, err := c.ReadFrom(buf)
			if err != nil {
				return
			}
			req, err := dhcpv4.FromBytes(buf[:n])
			if err != nil {
				continue
			}
			reply, err := dhcpv4.NewReplyFromRequest(req, dhcpv4.WithMessageType(dhcpv4.MessageTypeAck))
			if err != nil {
				continue
			}
			time.Sleep(delay)
			_, _ = c.WriteTo(reply.ToBytes(), peer)
		}
	}()

	return c.LocalAddr().(*net.UDPAddr)
}

func TestTransmitReceive(t *testing.T) {
	srv := server(t, 0)
	d, _ := newDevice(t)
	d.MTU = 1400
	done := event.New(nil)
	tok := &data.Token{
		CompletionEvent: done,
		RemoteAddress:   loopback,
		RemotePort:      uint16(srv.Port),
		ListenPoints:    []data.ListenPoint{{ListenAddress: loopback, ListenPort: freePort(t)}},
		Timeout:         time.Second,
		Packet:          inform(t, net.IP{127, 0, 0, 1}),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.NewInstance(uuid.New()).TransmitReceive(ctx, tok); err != nil {
		t.Fatal(err)
	}
	if tok.Status != nil {
		t.Fatalf("token status = %v", tok.Status)
	}
	if len(tok.ResponseList) != 1 {
		t.Fatalf("got %d responses", len(tok.ResponseList))
	}
	resp := tok.ResponseList[0]
	if diff := cmp.Diff(1400, resp.Size); diff != "" {
		t.Fatal(diff)
	}
	if diff := cmp.Diff(uint32(0xcafebabe), resp.XID()); diff != "" {
		t.Fatal(diff)
	}
	r, err := resp.DHCPv4()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(dhcpv4.MessageTypeAck, r.MessageType()); diff != "" {
		t.Fatal(diff)
	}
	if !done.IsSignaled() {
		t.Fatal("completion event not signaled")
	}
}

// The token timeout is checked for zero but does not bound the wait.
func TestTransmitReceiveTimeoutNotEnforced(t *testing.T) {
	srv := server(t, 100*time.Millisecond)
	d, _ := newDevice(t)
	tok := &data.Token{
		RemoteAddress: loopback,
		RemotePort:    uint16(srv.Port),
		ListenPoints:  []data.ListenPoint{{ListenAddress: loopback, ListenPort: freePort(t)}},
		Timeout:       time.Millisecond,
		Packet:        inform(t, net.IP{127, 0, 0, 1}),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.NewInstance(uuid.New()).TransmitReceive(ctx, tok); err != nil {
		t.Fatal(err)
	}
	if len(tok.ResponseList) != 1 {
		t.Fatalf("got %d responses", len(tok.ResponseList))
	}
}

func TestTransmitReceiveCancel(t *testing.T) {
	// nobody answers on this port.
	remote := freePort(t)
	d, _ := newDevice(t)
	tok := &data.Token{
		RemoteAddress: loopback,
		RemotePort:    remote,
		ListenPoints:  []data.ListenPoint{{ListenAddress: loopback, ListenPort: freePort(t)}},
		Timeout:       time.Second,
		Packet:        inform(t, net.IP{127, 0, 0, 1}),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := d.NewInstance(uuid.New()).TransmitReceive(ctx, tok)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("TransmitReceive() = %v, want %v", err, context.DeadlineExceeded)
	}
	if !errors.Is(tok.Status, context.DeadlineExceeded) {
		t.Fatalf("token status = %v", tok.Status)
	}
}

func TestTransmitReceiveValidation(t *testing.T) {
	valid := func(t *testing.T) *data.Token {
		return &data.Token{
			RemoteAddress: loopback,
			Timeout:       time.Second,
			Packet:        inform(t, net.IP{127, 0, 0, 1}),
		}
	}
	tests := map[string]struct {
		token   func(t *testing.T) *data.Token
		xid     bool
		wantErr error
	}{
		"nil token": {
			token:   func(*testing.T) *data.Token { return nil },
			wantErr: status.ErrInvalidParameter,
		},
		"no packet": {
			token: func(t *testing.T) *data.Token {
				tok := valid(t)
				tok.Packet = nil
				return tok
			},
			wantErr: status.ErrInvalidParameter,
		},
		"no cookie": {
			token: func(t *testing.T) *data.Token {
				tok := valid(t)
				tok.Packet.Buf[packet.HeaderLen] = 1
				return tok
			},
			wantErr: status.ErrInvalidParameter,
		},
		"transaction id in use": {
			token:   valid,
			xid:     true,
			wantErr: status.ErrInvalidParameter,
		},
		"zero timeout": {
			token: func(t *testing.T) *data.Token {
				tok := valid(t)
				tok.Timeout = 0
				return tok
			},
			wantErr: status.ErrInvalidParameter,
		},
		"no remote": {
			token: func(t *testing.T) *data.Token {
				tok := valid(t)
				tok.RemoteAddress = netip.Addr{}
				return tok
			},
			wantErr: status.ErrInvalidParameter,
		},
		"unspecified remote": {
			token: func(t *testing.T) *data.Token {
				tok := valid(t)
				tok.RemoteAddress = netip.IPv4Unspecified()
				return tok
			},
			wantErr: status.ErrInvalidParameter,
		},
		"no client address": {
			token: func(t *testing.T) *data.Token {
				tok := valid(t)
				tok.Packet = inform(t, net.IPv4zero)
				return tok
			},
			wantErr: status.ErrNoMapping,
		},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			d, e := newDevice(t)
			if tt.xid {
				e.SetState(engine.StateBound)
				e.SetXID(0xcafebabe)
			}
			err := d.NewInstance(uuid.New()).TransmitReceive(context.Background(), tt.token(t))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("TransmitReceive() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
