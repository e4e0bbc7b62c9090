// Package option parses, validates and serializes DHCPv4 option TLV streams.
//
// A stream is a run of [tag][length][value] units. Pad (0) has no length and
// End (255) terminates a region. Values longer than 255 bytes are carried as
// consecutive same-tag units and are reassembled on parse. When the Overload
// option is present the boot file and server name header fields hold more
// option streams, scanned after the main option area.
package option

// Tags the codec and the client adapter refer to by name.
const (
	TagPad            uint8 = 0
	TagNetmask        uint8 = 1
	TagRouter         uint8 = 3
	TagHostName       uint8 = 12
	TagRequestedIP    uint8 = 50
	TagLease          uint8 = 51
	TagOverload       uint8 = 52
	TagMessageType    uint8 = 53
	TagServerID       uint8 = 54
	TagParameterList  uint8 = 55
	TagMessage        uint8 = 56
	TagMaxMessageSize uint8 = 57
	TagT1             uint8 = 58
	TagT2             uint8 = 59
	TagVendorClass    uint8 = 60
	TagClientID       uint8 = 61
	TagEnd            uint8 = 255
)

// Overload values.
const (
	OverloadFile  uint8 = 1
	OverloadSName uint8 = 2
	OverloadBoth  uint8 = 3
)

// MaxChunk is the largest value one TLV unit can carry.
const MaxChunk = 255

// Option is one decoded option. Data may be longer than MaxChunk after
// reassembly. Offset is where the first TLV unit of the option starts in the
// packet it was parsed from, or -1.
type Option struct {
	Tag    uint8
	Data   []byte
	Offset int
}

// Len returns the value length.
func (o Option) Len() int { return len(o.Data) }

// Set is a tag indexed table holding at most one option per tag.
type Set struct {
	slots [256]*Option
	n     int
}

// NewSet returns a Set holding opts, later entries replace earlier ones.
func NewSet(opts ...Option) *Set {
	s := &Set{}
	for _, o := range opts {
		s.Put(o)
	}

	return s
}

// Put stores o, replacing any option with the same tag.
func (s *Set) Put(o Option) {
	if s.slots[o.Tag] == nil {
		s.n++
	}
	s.slots[o.Tag] = &o
}

// Delete removes the option for tag.
func (s *Set) Delete(tag uint8) {
	if s.slots[tag] != nil {
		s.n--
	}
	s.slots[tag] = nil
}

// Get returns the option for tag.
func (s *Set) Get(tag uint8) (Option, bool) {
	if o := s.slots[tag]; o != nil {
		return *o, true
	}

	return Option{}, false
}

// Has reports whether tag is present.
func (s *Set) Has(tag uint8) bool { return s.slots[tag] != nil }

// Len returns the number of options.
func (s *Set) Len() int { return s.n }

// Options returns the options in ascending tag order.
func (s *Set) Options() []Option {
	out := make([]Option, 0, s.n)
	for _, o := range s.slots {
		if o != nil {
			out = append(out, *o)
		}
	}

	return out
}

// EncodedLen is the number of bytes Encode writes, not counting End.
// Zero length options are not encoded.
func (s *Set) EncodedLen() int {
	n := 0
	for _, o := range s.slots {
		if o != nil {
			n += TLVLen(len(o.Data))
		}
	}

	return n
}

// Encode writes every non empty option to dst in ascending tag order and
// returns the number of bytes written. dst must hold EncodedLen bytes.
func (s *Set) Encode(dst []byte) int {
	n := 0
	for _, o := range s.slots {
		if o != nil && len(o.Data) > 0 {
			n += PutTLV(dst[n:], o.Tag, o.Data)
		}
	}

	return n
}

// TLVLen is the encoded size of a value of n bytes, including the headers
// of every 255 byte chunk.
func TLVLen(n int) int {
	if n == 0 {
		return 0
	}

	return (n+MaxChunk-1)/MaxChunk*2 + n
}

// PutTLV writes data as one or more same-tag units of at most MaxChunk bytes
// and returns the number of bytes written.
func PutTLV(dst []byte, tag uint8, data []byte) int {
	n := 0
	for len(data) > 0 {
		c := len(data)
		if c > MaxChunk {
			c = MaxChunk
		}
		dst[n] = tag
		dst[n+1] = byte(c)
		copy(dst[n+2:], data[:c])
		n += 2 + c
		data = data[c:]
	}

	return n
}

// AppendTLV appends the encoding of data to b.
func AppendTLV(b []byte, tag uint8, data []byte) []byte {
	out := make([]byte, TLVLen(len(data)))
	PutTLV(out, tag, data)

	return append(b, out...)
}
