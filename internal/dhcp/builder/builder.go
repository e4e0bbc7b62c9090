// Package builder produces new DHCP packets from a seed packet and a list of option edits.
package builder

import (
	"github.com/pkg/errors"
	"github.com/tinkerbell/dhcplink/internal/dhcp/option"
	"github.com/tinkerbell/dhcplink/internal/dhcp/packet"
	"github.com/tinkerbell/dhcplink/internal/status"
)

// Build returns a new packet holding the header of seed and its options,
// minus the tags in deletes, plus appends. Deletes are applied first and
// appends overwrite afterwards, so a tag present in both ends up with the
// appended value. An appended option with no data, or one tagged Pad or End,
// is rejected.
//
// Every option is written to the main option area in ascending tag order,
// values longer than 255 bytes are split into consecutive same-tag units.
// An Overload option carried over from the seed is dropped and the header
// fields it claimed are cleared, since their options now live in the main area.
//
// The seed must already carry a magic cookie and pass option.Validate; the
// client adapter checks this before calling Build.
func Build(seed *packet.Packet, deletes []uint8, appends []option.Option) (*packet.Packet, error) {
	mark, _, err := option.Parse(seed)
	if err != nil {
		return nil, err
	}

	overload := uint8(0)
	if o, ok := mark.Get(option.TagOverload); ok {
		overload = o.Data[0]
		mark.Delete(option.TagOverload)
	}

	for _, tag := range deletes {
		mark.Delete(tag)
	}
	for _, o := range appends {
		if o.Tag == option.TagPad || o.Tag == option.TagEnd {
			return nil, errors.Wrapf(status.ErrInvalidParameter, "append option %s carries no length", option.Name(o.Tag))
		}
		if len(o.Data) == 0 {
			return nil, errors.Wrapf(status.ErrInvalidParameter, "append option %s has no data", option.Name(o.Tag))
		}
		mark.Put(o)
	}

	size := packet.OptionsOffset + mark.EncodedLen() + 1
	out := packet.New(size)
	copy(out.Buf[:packet.HeaderLen], seed.Buf[:packet.HeaderLen])
	if overload&option.OverloadFile != 0 {
		clear(out.File())
	}
	if overload&option.OverloadSName != 0 {
		clear(out.SName())
	}
	copy(out.Buf[packet.HeaderLen:], packet.MagicCookie[:])

	n := packet.OptionsOffset
	n += mark.Encode(out.Buf[n:])
	out.Buf[n] = option.TagEnd
	out.Length = n + 1

	return out, nil
}
