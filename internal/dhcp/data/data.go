// Package data holds the shapes exchanged between callers and the DHCP client adapter.
package data

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/tinkerbell/dhcplink/internal/dhcp/packet"
	"github.com/tinkerbell/dhcplink/internal/event"
	"go.opentelemetry.io/otel/attribute"
)

// State is the client state reported to callers.
type State uint8

const (
	Stopped State = iota
	Init
	Selecting
	Requesting
	Bound
	Renewing
	Rebinding
	InitReboot
	Rebooting
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "Stopped"
	case Init:
		return "Init"
	case Selecting:
		return "Selecting"
	case Requesting:
		return "Requesting"
	case Bound:
		return "Bound"
	case Renewing:
		return "Renewing"
	case Rebinding:
		return "Rebinding"
	case InitReboot:
		return "InitReboot"
	case Rebooting:
		return "Rebooting"
	}

	return fmt.Sprintf("State(%d)", uint8(s))
}

// PacketOption is one option as seen by callers of Configure, Build and Parse.
type PacketOption struct {
	OpCode uint8
	Data   []byte
	// Offset is the byte offset in the source packet of the option's first
	// TLV header. It is only set by Parse.
	Offset int
}

// Config is the configuration of a client adapter instance.
type Config struct {
	DiscoverTryCount int
	DiscoverTimeout  []time.Duration
	RequestTryCount  int
	RequestTimeout   []time.Duration
	ClientAddress    netip.Addr
	// Callback is invoked with every state transition of the client.
	Callback   func(State)
	OptionList []*PacketOption
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	o := *c
	o.DiscoverTimeout = append([]time.Duration(nil), c.DiscoverTimeout...)
	o.RequestTimeout = append([]time.Duration(nil), c.RequestTimeout...)
	o.OptionList = make([]*PacketOption, len(c.OptionList))
	for i, p := range c.OptionList {
		if p == nil {
			continue
		}
		cp := *p
		cp.Data = append([]byte(nil), p.Data...)
		o.OptionList[i] = &cp
	}

	return &o
}

// ModeData is the snapshot returned by GetModeData.
type ModeData struct {
	State            State
	ConfigData       *Config
	ClientAddress    netip.Addr
	ClientMACAddress net.HardwareAddr
	ServerAddress    netip.Addr
	RouterAddress    netip.Addr
	SubnetMask       netip.Addr
	LeaseTime        uint32
	// ReplyPacket is the Ack that bound the lease.
	ReplyPacket *packet.Packet
	Discover    *packet.Packet
	Offer       *packet.Packet
	Ack         *packet.Packet
}

// ListenPoint is a local address a TransmitReceive exchange listens on.
type ListenPoint struct {
	ListenAddress netip.Addr
	SubnetMask    netip.Addr
	ListenPort    uint16
}

// Token describes a one-shot TransmitReceive exchange.
type Token struct {
	// Status holds the result of the exchange.
	Status error
	// CompletionEvent is signaled once the response is stored.
	CompletionEvent *event.Event
	RemoteAddress   netip.Addr
	RemotePort      uint16
	GatewayAddress  netip.Addr
	ListenPoints    []ListenPoint
	Timeout         time.Duration
	Packet          *packet.Packet
	ResponseList    []*packet.Packet
}

func addrString(a netip.Addr) string {
	if !a.IsValid() {
		return ""
	}

	return a.String()
}

// EncodeToAttributes returns a slice of opentelemetry attributes that can be used to set span.SetAttributes.
func (m *ModeData) EncodeToAttributes() []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("ModeData.State", m.State.String()),
		attribute.String("ModeData.ClientAddress", addrString(m.ClientAddress)),
		attribute.String("ModeData.ClientMACAddress", m.ClientMACAddress.String()),
		attribute.String("ModeData.ServerAddress", addrString(m.ServerAddress)),
		attribute.String("ModeData.RouterAddress", addrString(m.RouterAddress)),
		attribute.String("ModeData.SubnetMask", addrString(m.SubnetMask)),
		attribute.Int64("ModeData.LeaseTime", int64(m.LeaseTime)),
	}
}

// EncodeToAttributes returns a slice of opentelemetry attributes that can be used to set span.SetAttributes.
func (c *Config) EncodeToAttributes() []attribute.KeyValue {
	var codes []string
	for _, o := range c.OptionList {
		if o != nil {
			codes = append(codes, fmt.Sprint(o.OpCode))
		}
	}

	return []attribute.KeyValue{
		attribute.Int("Config.DiscoverTryCount", c.DiscoverTryCount),
		attribute.Int("Config.RequestTryCount", c.RequestTryCount),
		attribute.String("Config.ClientAddress", addrString(c.ClientAddress)),
		attribute.Bool("Config.Callback", c.Callback != nil),
		attribute.String("Config.OptionList", strings.Join(codes, ",")),
	}
}

// EncodeToAttributes returns a slice of opentelemetry attributes that can be used to set span.SetAttributes.
func (t *Token) EncodeToAttributes() []attribute.KeyValue {
	var lps []string
	for _, l := range t.ListenPoints {
		lps = append(lps, fmt.Sprintf("%s:%d", addrString(l.ListenAddress), l.ListenPort))
	}
	var xid string
	if t.Packet != nil && t.Packet.HasHeader() {
		xid = fmt.Sprintf("%#08x", t.Packet.XID())
	}

	return []attribute.KeyValue{
		attribute.String("Token.RemoteAddress", addrString(t.RemoteAddress)),
		attribute.Int("Token.RemotePort", int(t.RemotePort)),
		attribute.String("Token.GatewayAddress", addrString(t.GatewayAddress)),
		attribute.String("Token.ListenPoints", strings.Join(lps, ",")),
		attribute.Int64("Token.Timeout", t.Timeout.Milliseconds()),
		attribute.String("Token.XID", xid),
	}
}
