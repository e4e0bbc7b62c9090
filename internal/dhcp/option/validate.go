package option

import (
	"encoding/binary"
	"net/netip"

	"github.com/pkg/errors"
	"github.com/tinkerbell/dhcplink/internal/dhcp/packet"
	"github.com/tinkerbell/dhcplink/internal/status"
)

// Parameter collects the values of the alert options of a packet.
type Parameter struct {
	Netmask     netip.Addr
	Router      netip.Addr
	ServerID    netip.Addr
	MessageType uint8
	Overload    uint8
	Lease       uint32
	T1          uint32
	T2          uint32
}

// Validate parses p and checks every option with a known format.
// It returns nil Parameter when p carries none of the alert options.
func Validate(p *packet.Packet) (*Parameter, error) {
	s, _, err := Parse(p)
	if err != nil {
		return nil, err
	}

	return ValidateSet(s)
}

// ValidateSet checks the options of s against the format table.
func ValidateSet(s *Set) (*Parameter, error) {
	var (
		param Parameter
		alert bool
	)
	for _, o := range s.Options() {
		f, ok := Lookup(o.Tag)
		if !ok {
			continue
		}
		if err := f.Check(o.Data); err != nil {
			return nil, err
		}
		if !f.Alert {
			continue
		}
		alert = true
		if err := param.set(o); err != nil {
			return nil, err
		}
	}
	if !alert {
		return nil, nil //nolint:nilnil // no alert option present
	}

	return &param, nil
}

// Check reports whether data is a valid value for f.
func (f Format) Check(data []byte) error {
	unit := f.Type.Size()
	if len(data)%unit != 0 {
		return errors.Wrapf(status.ErrFormat, "option %s: length %d is not a multiple of %d", f.Name, len(data), unit)
	}
	occ := len(data) / unit
	if occ < f.Min || (f.Max != Unbounded && occ > f.Max) {
		return errors.Wrapf(status.ErrFormat, "option %s: %d values outside [%d, %d]", f.Name, occ, f.Min, f.Max)
	}
	if f.Type == Switch {
		for _, b := range data {
			if b > 1 {
				return errors.Wrapf(status.ErrFormat, "option %s: switch value %d", f.Name, b)
			}
		}
	}

	return nil
}

func (p *Parameter) set(o Option) error {
	switch o.Tag {
	case TagNetmask:
		p.Netmask = netip.AddrFrom4([4]byte(o.Data[:4]))
	case TagRouter:
		p.Router = netip.AddrFrom4([4]byte(o.Data[:4]))
	case TagServerID:
		p.ServerID = netip.AddrFrom4([4]byte(o.Data[:4]))
	case TagLease:
		p.Lease = binary.BigEndian.Uint32(o.Data)
	case TagT1:
		p.T1 = binary.BigEndian.Uint32(o.Data)
	case TagT2:
		p.T2 = binary.BigEndian.Uint32(o.Data)
	case TagOverload:
		p.Overload = o.Data[0]
		if p.Overload < OverloadFile || p.Overload > OverloadBoth {
			return errors.Wrapf(status.ErrFormat, "overload value %d", p.Overload)
		}
	case TagMessageType:
		p.MessageType = o.Data[0]
		if p.MessageType < 1 || p.MessageType > 9 {
			return errors.Wrapf(status.ErrFormat, "message type %d", p.MessageType)
		}
	}

	return nil
}
