// Package otel handles translating DHCP headers and options to otel key/value attributes.
package otel

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/go-logr/logr"
	"github.com/tinkerbell/dhcplink/internal/dhcp/option"
	"github.com/tinkerbell/dhcplink/internal/dhcp/packet"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const keyNamespace = "DHCP"

// Encoder holds the otel key/value attributes.
type Encoder struct {
	Log logr.Logger
}

// Message is a packet and, when they could be parsed, its options.
type Message struct {
	Packet  *packet.Packet
	Options *option.Set
}

// NewMessage parses the options of p. A packet whose options do not parse
// still yields its header attributes.
func NewMessage(p *packet.Packet) *Message {
	m := &Message{Packet: p}
	if p == nil || !p.HasHeader() {
		m.Packet = nil
		return m
	}
	if s, _, err := option.Parse(p); err == nil {
		m.Options = s
	}

	return m
}

func (m *Message) opt(tag uint8) ([]byte, bool) {
	if m == nil || m.Options == nil {
		return nil, false
	}
	o, ok := m.Options.Get(tag)
	if !ok {
		return nil, false
	}

	return o.Data, true
}

// EncoderFunc turns one field of a message into an attribute.
type EncoderFunc func(m *Message, namespace string) (attribute.KeyValue, error)

type notFoundError struct {
	optName string
}

func (e *notFoundError) Error() string {
	return fmt.Sprintf("%q not found in DHCP packet", e.optName)
}

func (e *notFoundError) found() bool {
	return true
}

type found interface {
	found() bool
}

// OptNotFound returns true if err is an option not found error.
func OptNotFound(err error) bool {
	te, ok := err.(found)
	return ok && te.found()
}

// Encode runs a slice of encoders against a DHCP packet turning the values into opentelemetry attribute key/value pairs.
func (e *Encoder) Encode(p *packet.Packet, namespace string, encoders ...EncoderFunc) []attribute.KeyValue {
	if e.Log.GetSink() == nil {
		e.Log = logr.Discard()
	}
	m := NewMessage(p)
	var attrs []attribute.KeyValue
	for _, elem := range encoders {
		kv, err := elem(m, namespace)
		if err != nil {
			e.Log.V(2).Info("opentelemetry attribute not added", "error", fmt.Sprintf("%v", err))
			continue
		}
		attrs = append(attrs, kv)
	}

	return attrs
}

// AllEncoders returns a slice of all available DHCP otel encoders.
func AllEncoders() []EncoderFunc {
	return []EncoderFunc{
		EncodeOpCode, EncodeTransactionID,
		EncodeCIADDR, EncodeYIADDR, EncodeSIADDR,
		EncodeCHADDR, EncodeOptionTags,
		EncodeOpt1, EncodeOpt3, EncodeOpt12,
		EncodeOpt51, EncodeOpt52, EncodeOpt53,
		EncodeOpt54, EncodeOpt60,
	}
}

func key(namespace, name string) string {
	return fmt.Sprintf("%v.%v.%v", keyNamespace, namespace, name)
}

func header(m *Message) bool {
	return m != nil && m.Packet != nil
}

// EncodeOpCode takes the op header from a DHCP packet and returns an OTEL key/value pair.
func EncodeOpCode(m *Message, namespace string) (attribute.KeyValue, error) {
	k := key(namespace, "Header.op")
	if header(m) {
		return attribute.Int(k, int(m.Packet.OpCode())), nil
	}

	return attribute.KeyValue{}, &notFoundError{optName: k}
}

// EncodeTransactionID takes the Transaction ID header from a DHCP packet and returns an OTEL key/value pair.
func EncodeTransactionID(m *Message, namespace string) (attribute.KeyValue, error) {
	k := key(namespace, "Header.transactionID")
	if header(m) {
		return attribute.String(k, fmt.Sprintf("%#08x", m.Packet.XID())), nil
	}

	return attribute.KeyValue{}, &notFoundError{optName: k}
}

func encodeAddr(m *Message, k string, get func(*packet.Packet) netip.Addr) (attribute.KeyValue, error) {
	if header(m) {
		if a := get(m.Packet); !a.IsUnspecified() {
			return attribute.String(k, a.String()), nil
		}
	}

	return attribute.KeyValue{}, &notFoundError{optName: k}
}

// EncodeCIADDR takes the ciaddr header from a DHCP packet and returns an OTEL
// key/value pair. See https://datatracker.ietf.org/doc/html/rfc2131#page-9
func EncodeCIADDR(m *Message, namespace string) (attribute.KeyValue, error) {
	return encodeAddr(m, key(namespace, "Header.ciaddr"), (*packet.Packet).ClientAddr)
}

// EncodeYIADDR takes the yiaddr header from a DHCP packet and returns an OTEL
// key/value pair. See https://datatracker.ietf.org/doc/html/rfc2131#page-9
func EncodeYIADDR(m *Message, namespace string) (attribute.KeyValue, error) {
	return encodeAddr(m, key(namespace, "Header.yiaddr"), (*packet.Packet).YourAddr)
}

// EncodeSIADDR takes the siaddr header from a DHCP packet and returns an OTEL
// key/value pair. See https://datatracker.ietf.org/doc/html/rfc2131#page-9
func EncodeSIADDR(m *Message, namespace string) (attribute.KeyValue, error) {
	return encodeAddr(m, key(namespace, "Header.siaddr"), (*packet.Packet).ServerAddr)
}

// EncodeCHADDR takes the CHADDR header from a DHCP packet and returns an OTEL
// key/value pair. See https://datatracker.ietf.org/doc/html/rfc2131#page-9
func EncodeCHADDR(m *Message, namespace string) (attribute.KeyValue, error) {
	k := key(namespace, "Header.chaddr")
	if header(m) {
		if hw := m.Packet.ClientHWAddr(); len(hw) > 0 {
			return attribute.String(k, hw.String()), nil
		}
	}

	return attribute.KeyValue{}, &notFoundError{optName: k}
}

// EncodeOptionTags lists the names of every option present, in tag order.
func EncodeOptionTags(m *Message, namespace string) (attribute.KeyValue, error) {
	k := key(namespace, "Options")
	if m == nil || m.Options == nil || m.Options.Len() == 0 {
		return attribute.KeyValue{}, &notFoundError{optName: k}
	}
	var names []string
	for _, o := range m.Options.Options() {
		names = append(names, option.Name(o.Tag))
	}

	return attribute.String(k, strings.Join(names, ",")), nil
}

// EncodeOpt1 takes DHCP Opt 1 from a DHCP packet and returns an OTEL key/value pair.
// See https://www.iana.org/assignments/bootp-dhcp-parameters/bootp-dhcp-parameters.xhtml
func EncodeOpt1(m *Message, namespace string) (attribute.KeyValue, error) {
	k := key(namespace, "Opt1.SubnetMask")
	if v, ok := m.opt(option.TagNetmask); ok && len(v) == 4 {
		return attribute.String(k, net.IP(v).String()), nil
	}

	return attribute.KeyValue{}, &notFoundError{optName: k}
}

// EncodeOpt3 takes DHCP Opt 3 from a DHCP packet and returns an OTEL key/value pair.
// See https://www.iana.org/assignments/bootp-dhcp-parameters/bootp-dhcp-parameters.xhtml
func EncodeOpt3(m *Message, namespace string) (attribute.KeyValue, error) {
	k := key(namespace, "Opt3.DefaultGateway")
	if v, ok := m.opt(option.TagRouter); ok && len(v) >= 4 {
		var routers []string
		for i := 0; i+4 <= len(v); i += 4 {
			routers = append(routers, net.IP(v[i:i+4]).String())
		}

		return attribute.String(k, strings.Join(routers, ",")), nil
	}

	return attribute.KeyValue{}, &notFoundError{optName: k}
}

// EncodeOpt12 takes DHCP Opt 12 from a DHCP packet and returns an OTEL key/value pair.
// See https://www.iana.org/assignments/bootp-dhcp-parameters/bootp-dhcp-parameters.xhtml
func EncodeOpt12(m *Message, namespace string) (attribute.KeyValue, error) {
	k := key(namespace, "Opt12.Hostname")
	if v, ok := m.opt(option.TagHostName); ok {
		return attribute.String(k, string(v)), nil
	}

	return attribute.KeyValue{}, &notFoundError{optName: k}
}

// EncodeOpt51 takes DHCP Opt 51 from a DHCP packet and returns an OTEL key/value pair.
// See https://www.iana.org/assignments/bootp-dhcp-parameters/bootp-dhcp-parameters.xhtml
func EncodeOpt51(m *Message, namespace string) (attribute.KeyValue, error) {
	k := key(namespace, "Opt51.LeaseTime")
	if v, ok := m.opt(option.TagLease); ok && len(v) == 4 {
		return attribute.Int64(k, int64(binary.BigEndian.Uint32(v))), nil
	}

	return attribute.KeyValue{}, &notFoundError{optName: k}
}

// EncodeOpt52 takes DHCP Opt 52 from a DHCP packet and returns an OTEL key/value pair.
func EncodeOpt52(m *Message, namespace string) (attribute.KeyValue, error) {
	k := key(namespace, "Opt52.Overload")
	if v, ok := m.opt(option.TagOverload); ok && len(v) == 1 {
		return attribute.Int(k, int(v[0])), nil
	}

	return attribute.KeyValue{}, &notFoundError{optName: k}
}

var messageTypes = [...]string{"", "DISCOVER", "OFFER", "REQUEST", "DECLINE", "ACK", "NAK", "RELEASE", "INFORM"}

// EncodeOpt53 takes DHCP Opt 53 from a DHCP packet and returns an OTEL key/value pair.
// See https://www.iana.org/assignments/bootp-dhcp-parameters/bootp-dhcp-parameters.xhtml
func EncodeOpt53(m *Message, namespace string) (attribute.KeyValue, error) {
	k := key(namespace, "Opt53.MessageType")
	if v, ok := m.opt(option.TagMessageType); ok && len(v) == 1 {
		if int(v[0]) < len(messageTypes) && v[0] != 0 {
			return attribute.String(k, messageTypes[v[0]]), nil
		}

		return attribute.String(k, fmt.Sprintf("unknown (%d)", v[0])), nil
	}

	return attribute.KeyValue{}, &notFoundError{optName: k}
}

// EncodeOpt54 takes DHCP Opt 54 from a DHCP packet and returns an OTEL key/value pair.
// See https://www.iana.org/assignments/bootp-dhcp-parameters/bootp-dhcp-parameters.xhtml
func EncodeOpt54(m *Message, namespace string) (attribute.KeyValue, error) {
	k := key(namespace, "Opt54.ServerIdentifier")
	if v, ok := m.opt(option.TagServerID); ok && len(v) == 4 {
		return attribute.String(k, net.IP(v).String()), nil
	}

	return attribute.KeyValue{}, &notFoundError{optName: k}
}

// EncodeOpt60 takes DHCP Opt 60 from a DHCP packet and returns an OTEL key/value pair.
// See https://www.iana.org/assignments/bootp-dhcp-parameters/bootp-dhcp-parameters.xhtml
func EncodeOpt60(m *Message, namespace string) (attribute.KeyValue, error) {
	k := key(namespace, "Opt60.ClassIdentifier")
	if v, ok := m.opt(option.TagVendorClass); ok {
		return attribute.String(k, string(v)), nil
	}

	return attribute.KeyValue{}, &notFoundError{optName: k}
}

// EncodeParameter returns the alert values gathered by option.Validate.
func EncodeParameter(p *option.Parameter, namespace string) []attribute.KeyValue {
	if p == nil {
		return nil
	}
	addr := func(a netip.Addr) string {
		if !a.IsValid() {
			return ""
		}
		return a.String()
	}

	return []attribute.KeyValue{
		attribute.String(key(namespace, "Parameter.SubnetMask"), addr(p.Netmask)),
		attribute.String(key(namespace, "Parameter.Router"), addr(p.Router)),
		attribute.String(key(namespace, "Parameter.ServerID"), addr(p.ServerID)),
		attribute.Int(key(namespace, "Parameter.MessageType"), int(p.MessageType)),
		attribute.Int(key(namespace, "Parameter.Overload"), int(p.Overload)),
		attribute.Int64(key(namespace, "Parameter.LeaseTime"), int64(p.Lease)),
		attribute.Int64(key(namespace, "Parameter.T1"), int64(p.T1)),
		attribute.Int64(key(namespace, "Parameter.T2"), int64(p.T2)),
	}
}

// TraceparentFromContext extracts the binary trace id, span id, and trace flags
// from the running span in ctx and returns a 26 byte []byte with the traceparent
// encoded and ready to pass into a suboption (most likely 69) of opt43.
func TraceparentFromContext(ctx context.Context) []byte {
	sc := trace.SpanContextFromContext(ctx)
	tpBytes := make([]byte, 0, 26)

	tid := [16]byte(sc.TraceID())
	sid := [8]byte(sc.SpanID())

	tpBytes = append(tpBytes, 0x00)      // traceparent version
	tpBytes = append(tpBytes, tid[:]...) // trace id
	tpBytes = append(tpBytes, sid[:]...) // span id
	if sc.IsSampled() {
		tpBytes = append(tpBytes, 0x01) // trace flags
	} else {
		tpBytes = append(tpBytes, 0x00)
	}

	return tpBytes
}
