package option

import (
	"github.com/pkg/errors"
	"github.com/tinkerbell/dhcplink/internal/dhcp/packet"
	"github.com/tinkerbell/dhcplink/internal/status"
)

// Region identifies one of the areas of a packet that can hold options.
type Region string

const (
	RegionOptions Region = "options"
	RegionFile    Region = "file"
	RegionSName   Region = "sname"
)

// Parse decodes every option of p into a Set. It also returns the number of
// bytes the set occupies once re-encoded, which Build uses to size its output.
//
// The main option area is scanned first, then the boot file field and then
// the server name field when the Overload option claims them. Each region
// must end with End. Consecutive units with the same tag inside one region
// are joined into a single option. A tag that shows up again anywhere else
// is a duplicate and fails with status.ErrFormat.
func Parse(p *packet.Packet) (*Set, int, error) {
	if p == nil || !p.HasHeader() {
		return nil, 0, errors.Wrap(status.ErrFormat, "packet is shorter than the dhcp header and magic cookie")
	}
	if !p.Valid() {
		return nil, 0, errors.Wrapf(status.ErrFormat, "packet length %d exceeds its size %d", p.Length, p.Size)
	}

	ps := &parser{set: &Set{}}
	if err := ps.walk(p.Options(), packet.OptionsOffset, RegionOptions); err != nil {
		return nil, 0, err
	}
	if ps.overload&OverloadFile != 0 {
		if err := ps.walk(p.File(), packet.FileOffset, RegionFile); err != nil {
			return nil, 0, err
		}
	}
	if ps.overload&OverloadSName != 0 {
		if err := ps.walk(p.SName(), packet.SNameOffset, RegionSName); err != nil {
			return nil, 0, err
		}
	}

	return ps.set, ps.set.EncodedLen(), nil
}

type parser struct {
	set      *Set
	overload uint8
}

func (ps *parser) walk(buf []byte, base int, r Region) error {
	prev := -1
	for i := 0; i < len(buf); {
		tag := buf[i]
		switch tag {
		case TagPad:
			i++
			continue
		case TagEnd:
			return nil
		}
		if i+1 >= len(buf) {
			return errors.Wrapf(status.ErrFormat, "%s: option %d truncated before its length at offset %d", r, tag, base+i)
		}
		n := int(buf[i+1])
		end := i + 2 + n
		if end > len(buf) {
			return errors.Wrapf(status.ErrFormat, "%s: option %d length %d runs past the region at offset %d", r, tag, n, base+i)
		}
		val := buf[i+2 : end : end]

		if tag == TagOverload {
			if n != 1 {
				return errors.Wrapf(status.ErrFormat, "overload option must be 1 byte, got %d", n)
			}
			if r == RegionOptions {
				ps.overload = val[0]
			}
		}

		if o := ps.set.slots[tag]; o != nil {
			if prev != int(tag) {
				return errors.Wrapf(status.ErrFormat, "%s: duplicate option %s at offset %d", r, Name(tag), base+i)
			}
			merged := make([]byte, len(o.Data)+n)
			copy(merged, o.Data)
			copy(merged[len(o.Data):], val)
			o.Data = merged
		} else {
			ps.set.Put(Option{Tag: tag, Data: val, Offset: base + i})
		}
		prev = int(tag)
		i = end
	}

	return errors.Wrapf(status.ErrFormat, "%s: missing end option", r)
}
