// Package packet holds the wire-format DHCPv4 message used by the option codec and the client adapter.
package packet

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/pkg/errors"
	"github.com/tinkerbell/dhcplink/internal/status"
)

// Header and option area layout, see RFC 2131 section 2.
const (
	HeaderLen     = 236
	CookieLen     = 4
	OptionsOffset = HeaderLen + CookieLen
	SNameOffset   = 44
	SNameLen      = 64
	FileOffset    = 108
	FileLen       = 128

	// ClientPort and ServerPort are the well known DHCP UDP ports.
	ClientPort = 68
	ServerPort = 67
)

// MagicCookie marks the start of the option area.
var MagicCookie = [CookieLen]byte{99, 130, 83, 99}

// Packet is a DHCP message with an explicit capacity and used length.
// Buf always has len(Buf) == Size and Length <= Size.
type Packet struct {
	Size   int
	Length int
	Buf    []byte
}

// New allocates a zeroed packet with the given capacity and no bytes in use.
func New(size int) *Packet {
	return &Packet{Size: size, Buf: make([]byte, size)}
}

// FromBytes wraps b, every byte of b is considered in use.
func FromBytes(b []byte) *Packet {
	return &Packet{Size: len(b), Length: len(b), Buf: b}
}

// FromDHCPv4 serializes d into a Packet.
func FromDHCPv4(d *dhcpv4.DHCPv4) *Packet {
	return FromBytes(d.ToBytes())
}

// DHCPv4 decodes the used bytes of p.
func (p *Packet) DHCPv4() (*dhcpv4.DHCPv4, error) {
	d, err := dhcpv4.FromBytes(p.Bytes())
	if err != nil {
		return nil, errors.Wrap(status.ErrFormat, err.Error())
	}

	return d, nil
}

// Clone returns a deep copy of p.
func (p *Packet) Clone() *Packet {
	if p == nil {
		return nil
	}
	b := make([]byte, len(p.Buf))
	copy(b, p.Buf)

	return &Packet{Size: p.Size, Length: p.Length, Buf: b}
}

// Bytes returns the used bytes of p.
func (p *Packet) Bytes() []byte {
	if p.Length > len(p.Buf) {
		return p.Buf
	}

	return p.Buf[:p.Length]
}

// Valid reports whether the length and size fields of p are consistent.
func (p *Packet) Valid() bool {
	return p != nil && p.Length <= p.Size && p.Size == len(p.Buf)
}

// HasHeader reports whether p is long enough to carry a header and a magic cookie.
func (p *Packet) HasHeader() bool {
	return p.Length >= OptionsOffset && len(p.Buf) >= OptionsOffset
}

// OpCode returns the BOOTP op field.
func (p *Packet) OpCode() uint8 { return p.Buf[0] }

// XID returns the transaction id in host byte order.
func (p *Packet) XID() uint32 { return binary.BigEndian.Uint32(p.Buf[4:8]) }

// SetXID stores the transaction id in network byte order.
func (p *Packet) SetXID(x uint32) { binary.BigEndian.PutUint32(p.Buf[4:8], x) }

func (p *Packet) addr(off int) netip.Addr {
	return netip.AddrFrom4([4]byte(p.Buf[off : off+4]))
}

// ClientAddr returns ciaddr.
func (p *Packet) ClientAddr() netip.Addr { return p.addr(12) }

// YourAddr returns yiaddr.
func (p *Packet) YourAddr() netip.Addr { return p.addr(16) }

// ServerAddr returns siaddr.
func (p *Packet) ServerAddr() netip.Addr { return p.addr(20) }

// GatewayAddr returns giaddr.
func (p *Packet) GatewayAddr() netip.Addr { return p.addr(24) }

// ClientHWAddr returns the hardware address using hlen, capped at 16 bytes.
func (p *Packet) ClientHWAddr() net.HardwareAddr {
	n := int(p.Buf[2])
	if n > 16 {
		n = 16
	}

	return net.HardwareAddr(p.Buf[28 : 28+n])
}

// SName returns the 64 byte server name field.
func (p *Packet) SName() []byte { return p.Buf[SNameOffset : SNameOffset+SNameLen] }

// File returns the 128 byte boot file name field.
func (p *Packet) File() []byte { return p.Buf[FileOffset : FileOffset+FileLen] }

// Cookie returns the four magic cookie bytes.
func (p *Packet) Cookie() []byte { return p.Buf[HeaderLen:OptionsOffset] }

// HasMagic reports whether p carries the DHCP magic cookie.
func (p *Packet) HasMagic() bool {
	return p.HasHeader() && [CookieLen]byte(p.Cookie()) == MagicCookie
}

// Options returns the used bytes of the option area.
func (p *Packet) Options() []byte {
	if !p.HasHeader() {
		return nil
	}

	return p.Buf[OptionsOffset:p.Length]
}

// Describe renders the packet for debug logs.
func (p *Packet) Describe() string {
	d := &layers.DHCPv4{}
	if err := d.DecodeFromBytes(p.Bytes(), gopacket.NilDecodeFeedback); err != nil {
		return fmt.Sprintf("undecodable dhcp packet (%d bytes): %v", p.Length, err)
	}
	s := fmt.Sprintf("op=%v xid=%#08x ciaddr=%v yiaddr=%v siaddr=%v chaddr=%v", d.Operation, d.Xid, d.ClientIP, d.YourClientIP, d.NextServerIP, d.ClientHWAddr)
	for _, o := range d.Options {
		s += " " + o.String()
	}

	return s
}
