package option

import (
	"bytes"
	"errors"
	"net/netip"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/tinkerbell/dhcplink/internal/dhcp/packet"
	"github.com/tinkerbell/dhcplink/internal/status"
)

// newPacket returns a packet whose option area holds opts verbatim.
// file and sname, when not nil, are copied into their header fields.
func newPacket(opts, file, sname []byte) *packet.Packet {
	b := make([]byte, packet.OptionsOffset+len(opts))
	b[0] = 1
	copy(b[packet.HeaderLen:], packet.MagicCookie[:])
	copy(b[packet.OptionsOffset:], opts)
	copy(b[packet.FileOffset:packet.FileOffset+packet.FileLen], file)
	copy(b[packet.SNameOffset:packet.SNameOffset+packet.SNameLen], sname)

	return packet.FromBytes(b)
}

func seq(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i)
	}

	return b
}

var ignoreOffset = cmpopts.IgnoreFields(Option{}, "Offset")

func TestParse(t *testing.T) {
	long := seq(300)
	tests := map[string]struct {
		pkt     *packet.Packet
		want    []Option
		wantLen int
		wantErr error
	}{
		"empty": {
			pkt:  newPacket([]byte{255}, nil, nil),
			want: []Option{},
		},
		"pad is skipped": {
			pkt:     newPacket([]byte{0, 0, 53, 1, 1, 0, 255}, nil, nil),
			want:    []Option{{Tag: 53, Data: []byte{1}}},
			wantLen: 3,
		},
		"ascending order regardless of wire order": {
			pkt:     newPacket([]byte{54, 4, 10, 0, 0, 1, 1, 4, 255, 255, 255, 0, 255}, nil, nil),
			want:    []Option{{Tag: 1, Data: []byte{255, 255, 255, 0}}, {Tag: 54, Data: []byte{10, 0, 0, 1}}},
			wantLen: 12,
		},
		"split option is joined": {
			pkt: newPacket(
				append(append(append([]byte{43, 255}, long[:255]...), append([]byte{43, 45}, long[255:]...)...), 255),
				nil, nil),
			want:    []Option{{Tag: 43, Data: long}},
			wantLen: 304,
		},
		"zero length option": {
			pkt:  newPacket([]byte{80, 0, 255}, nil, nil),
			want: []Option{{Tag: 80, Data: []byte{}}},
		},
		"data after end is ignored": {
			pkt:     newPacket([]byte{53, 1, 3, 255, 53, 1, 5}, nil, nil),
			want:    []Option{{Tag: 53, Data: []byte{3}}},
			wantLen: 3,
		},
		"duplicate in the same region": {
			pkt:     newPacket([]byte{53, 1, 1, 51, 4, 0, 0, 0, 1, 53, 1, 1, 255}, nil, nil),
			wantErr: status.ErrFormat,
		},
		"missing end": {
			pkt:     newPacket([]byte{53, 1, 1}, nil, nil),
			wantErr: status.ErrFormat,
		},
		"truncated before length": {
			pkt:     newPacket([]byte{53}, nil, nil),
			wantErr: status.ErrFormat,
		},
		"truncated value": {
			pkt:     newPacket([]byte{51, 4, 0, 0}, nil, nil),
			wantErr: status.ErrFormat,
		},
		"overload with two bytes": {
			pkt:     newPacket([]byte{52, 2, 1, 1, 255}, nil, nil),
			wantErr: status.ErrFormat,
		},
		"short packet": {
			pkt:     packet.FromBytes(make([]byte, 200)),
			wantErr: status.ErrFormat,
		},
		"length beyond size": {
			pkt:     &packet.Packet{Size: 240, Length: 260, Buf: make([]byte, 240)},
			wantErr: status.ErrFormat,
		},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			s, n, err := Parse(tt.pkt)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Parse() error = %v, want %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if diff := cmp.Diff(tt.want, s.Options(), ignoreOffset); diff != "" {
				t.Fatal(diff)
			}
			if n != tt.wantLen {
				t.Fatalf("Parse() length = %d, want %d", n, tt.wantLen)
			}
		})
	}
}

func TestParseOffsets(t *testing.T) {
	s, _, err := Parse(newPacket([]byte{0, 53, 1, 1, 3, 4, 10, 0, 0, 1, 255}, nil, nil))
	if err != nil {
		t.Fatal(err)
	}
	got := map[uint8]int{}
	for _, o := range s.Options() {
		got[o.Tag] = o.Offset
	}
	want := map[uint8]int{53: packet.OptionsOffset + 1, 3: packet.OptionsOffset + 4}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatal(diff)
	}
}

func TestParseOverload(t *testing.T) {
	tlv := func(tag uint8, v ...byte) []byte { return append([]byte{tag, byte(len(v))}, v...) }
	join := func(parts ...[]byte) []byte { return bytes.Join(parts, nil) }
	end := []byte{255}

	tests := map[string]struct {
		opts, file, sname []byte
		want              []uint8
		wantErr           error
	}{
		"overload both scans base then file then sname": {
			opts:  join(tlv(52, 3), tlv(53, 2), end),
			file:  join(tlv(67, 'a'), end),
			sname: join(tlv(66, 'b'), end),
			want:  []uint8{52, 53, 66, 67},
		},
		"overload file only ignores sname": {
			opts:  join(tlv(52, 1), end),
			file:  join(tlv(67, 'a'), end),
			sname: join(tlv(66, 'b'), end),
			want:  []uint8{52, 67},
		},
		"overload sname only ignores file": {
			opts:  join(tlv(52, 2), end),
			file:  join(tlv(67, 'a'), end),
			sname: join(tlv(66, 'b'), end),
			want:  []uint8{52, 66},
		},
		"no overload never scans header fields": {
			opts:  join(tlv(53, 1), end),
			file:  join(tlv(67, 'a'), end),
			sname: join(tlv(53, 1), tlv(53, 1)),
			want:  []uint8{53},
		},
		"duplicate across base and file": {
			opts:    join(tlv(52, 1), tlv(53, 1), end),
			file:    join(tlv(53, 1), end),
			wantErr: status.ErrFormat,
		},
		"duplicate across file and sname": {
			opts:    join(tlv(52, 3), end),
			file:    join(tlv(12, 'h'), end),
			sname:   join(tlv(12, 'h'), end),
			wantErr: status.ErrFormat,
		},
		"same tag ending base and starting file is still a duplicate": {
			opts:    join(tlv(52, 1), tlv(43, 1), end),
			file:    join(tlv(43, 2), end),
			wantErr: status.ErrFormat,
		},
		"file without end": {
			opts:    join(tlv(52, 1), end),
			file:    bytes.Repeat([]byte{0}, packet.FileLen),
			wantErr: status.ErrFormat,
		},
		"sname truncated": {
			opts:    join(tlv(52, 2), end),
			sname:   append(bytes.Repeat([]byte{0}, packet.SNameLen-2), 12, 9),
			wantErr: status.ErrFormat,
		},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			s, _, err := Parse(newPacket(tt.opts, tt.file, tt.sname))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Parse() error = %v, want %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			var got []uint8
			for _, o := range s.Options() {
				got = append(got, o.Tag)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatal(diff)
			}
		})
	}
}

func TestSet(t *testing.T) {
	s := NewSet(Option{Tag: 3, Data: []byte{1, 2, 3, 4}}, Option{Tag: 1, Data: []byte{255, 0, 0, 0}})
	s.Put(Option{Tag: 3, Data: []byte{9, 9, 9, 9}})
	if s.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", s.Len())
	}
	o, ok := s.Get(3)
	if !ok {
		t.Fatal("tag 3 missing")
	}
	if diff := cmp.Diff([]byte{9, 9, 9, 9}, o.Data); diff != "" {
		t.Fatal(diff)
	}
	s.Delete(1)
	s.Delete(1)
	if s.Len() != 1 || s.Has(1) {
		t.Fatalf("Delete() left %d options", s.Len())
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	tests := map[string]struct {
		opts []Option
	}{
		"short options": {opts: []Option{
			{Tag: 1, Data: []byte{255, 255, 255, 0}},
			{Tag: 3, Data: []byte{10, 0, 0, 1}},
			{Tag: 51, Data: []byte{0, 0, 14, 16}},
		}},
		"300 byte option": {opts: []Option{
			{Tag: 43, Data: seq(300)},
			{Tag: 53, Data: []byte{5}},
		}},
		"exactly 255 bytes": {opts: []Option{{Tag: 77, Data: seq(255)}}},
		"510 bytes":         {opts: []Option{{Tag: 77, Data: seq(510)}}},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			s := NewSet(tt.opts...)
			buf := make([]byte, s.EncodedLen()+1)
			n := s.Encode(buf)
			buf[n] = TagEnd
			if n != s.EncodedLen() {
				t.Fatalf("Encode() wrote %d, EncodedLen() = %d", n, s.EncodedLen())
			}
			got, _, err := Parse(newPacket(buf, nil, nil))
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(s.Options(), got.Options(), ignoreOffset); diff != "" {
				t.Fatal(diff)
			}
		})
	}
}

func TestPutTLVSplits300(t *testing.T) {
	v := seq(300)
	b := AppendTLV(nil, 43, v)
	if len(b) != TLVLen(300) || len(b) != 304 {
		t.Fatalf("encoded length %d", len(b))
	}
	if b[0] != 43 || b[1] != 255 {
		t.Fatalf("first chunk header %v", b[:2])
	}
	if b[257] != 43 || b[258] != 45 {
		t.Fatalf("second chunk header %v", b[257:259])
	}
}

func TestLookup(t *testing.T) {
	for i, f := range formats {
		if i > 0 && formats[i-1].Tag >= f.Tag {
			t.Fatalf("format table not sorted at tag %d", f.Tag)
		}
		got, ok := Lookup(f.Tag)
		if !ok || got != f {
			t.Fatalf("Lookup(%d) = %v, %v", f.Tag, got, ok)
		}
	}
	if _, ok := Lookup(62); ok {
		t.Fatal("tag 62 should be unknown")
	}
	if got := Name(200); got != "Option200" {
		t.Fatalf("Name(200) = %q", got)
	}
}

func TestValidateArity(t *testing.T) {
	for _, f := range Formats() {
		f := f
		unit := f.Type.Size()
		value := func(occ int) []byte {
			b := make([]byte, occ*unit)
			if f.Type != Switch {
				for i := range b {
					b[i] = 1
				}
			}
			return b
		}
		t.Run(f.Name, func(t *testing.T) {
			if f.Min > 0 {
				if err := f.Check(value(f.Min - 1)); !errors.Is(err, status.ErrFormat) {
					t.Fatalf("%d values: got %v, want format error", f.Min-1, err)
				}
			}
			if f.Max != Unbounded {
				if err := f.Check(value(f.Max + 1)); !errors.Is(err, status.ErrFormat) {
					t.Fatalf("%d values: got %v, want format error", f.Max+1, err)
				}
			}
			hi := f.Max
			if hi == Unbounded {
				hi = f.Min + 3
			}
			for occ := f.Min; occ <= hi; occ++ {
				if err := f.Check(value(occ)); err != nil {
					t.Fatalf("%d values: %v", occ, err)
				}
			}
			if unit > 1 {
				if err := f.Check(make([]byte, f.Min*unit+1)); !errors.Is(err, status.ErrFormat) {
					t.Fatalf("ragged length: got %v, want format error", err)
				}
			}
			if f.Type == Switch {
				if err := f.Check([]byte{2}); !errors.Is(err, status.ErrFormat) {
					t.Fatalf("switch value 2: got %v, want format error", err)
				}
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := map[string]struct {
		opts    []byte
		file    []byte
		sname   []byte
		want    *Parameter
		wantErr error
	}{
		"no alert options": {
			opts: []byte{12, 3, 'f', 'o', 'o', 255},
		},
		"unknown tags are accepted": {
			opts: []byte{200, 3, 1, 2, 3, 255},
		},
		"alert options": {
			opts: []byte{
				1, 4, 255, 255, 255, 0,
				3, 8, 10, 0, 0, 1, 10, 0, 0, 2,
				51, 4, 0, 0, 14, 16,
				53, 1, 5,
				54, 4, 10, 0, 0, 254,
				58, 4, 0, 0, 7, 8,
				59, 4, 0, 0, 12, 78,
				255,
			},
			want: &Parameter{
				Netmask:     netip.MustParseAddr("255.255.255.0"),
				Router:      netip.MustParseAddr("10.0.0.1"),
				ServerID:    netip.MustParseAddr("10.0.0.254"),
				MessageType: 5,
				Lease:       3600,
				T1:          1800,
				T2:          3150,
			},
		},
		"overload in range": {
			opts:  []byte{52, 1, 3, 255},
			file:  []byte{255},
			sname: []byte{53, 1, 2, 255},
			want:  &Parameter{Overload: 3, MessageType: 2},
		},
		"overload out of range": {
			opts:    []byte{52, 1, 4, 255},
			wantErr: status.ErrFormat,
		},
		"message type zero": {
			opts:    []byte{53, 1, 0, 255},
			wantErr: status.ErrFormat,
		},
		"message type ten": {
			opts:    []byte{53, 1, 10, 255},
			wantErr: status.ErrFormat,
		},
		"bad switch": {
			opts:    []byte{19, 1, 2, 255},
			wantErr: status.ErrFormat,
		},
		"ragged ip list": {
			opts:    []byte{6, 5, 1, 1, 1, 1, 2, 255},
			wantErr: status.ErrFormat,
		},
		"client id too short": {
			opts:    []byte{61, 1, 1, 255},
			wantErr: status.ErrFormat,
		},
		"parse errors surface": {
			opts:    []byte{53, 1, 1, 53, 1, 1},
			wantErr: status.ErrFormat,
		},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := Validate(newPacket(tt.opts, tt.file, tt.sname))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Validate() error = %v, want %v", err, tt.wantErr)
			}
			if !errors.Is(err, status.ErrInvalidParameter) && tt.wantErr != nil {
				t.Fatal("format errors must be invalid parameter errors")
			}
			if diff := cmp.Diff(tt.want, got, cmp.Comparer(func(a, b netip.Addr) bool { return a == b })); diff != "" {
				t.Fatal(diff)
			}
		})
	}
}
