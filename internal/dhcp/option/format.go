package option

import (
	"sort"
	"strconv"
)

// UnitType is the element type of an option value.
type UnitType uint8

const (
	Switch UnitType = iota
	Int8
	Int16
	Int32
	IP
	IPPair
)

// Size returns the number of bytes one unit of t occupies.
func (t UnitType) Size() int {
	switch t {
	case Int16:
		return 2
	case Int32, IP:
		return 4
	case IPPair:
		return 8
	default:
		return 1
	}
}

func (t UnitType) String() string {
	switch t {
	case Switch:
		return "switch"
	case Int8:
		return "int8"
	case Int16:
		return "int16"
	case Int32:
		return "int32"
	case IP:
		return "ip"
	case IPPair:
		return "ip-pair"
	}

	return "unknown"
}

// Unbounded is the Max of a format that accepts any number of units.
const Unbounded = -1

// Format describes the allowed shape of one option tag.
// Alert formats feed the Parameter summary produced by Validate.
type Format struct {
	Tag   uint8
	Name  string
	Type  UnitType
	Min   int
	Max   int
	Alert bool
}

// formats is sorted by tag.
var formats = []Format{
	{TagNetmask, "SubnetMask", IP, 1, 1, true},
	{2, "TimeOffset", Int32, 1, 1, false},
	{TagRouter, "Router", IP, 1, Unbounded, true},
	{4, "TimeServer", IP, 1, Unbounded, false},
	{5, "NameServer", IP, 1, Unbounded, false},
	{6, "DomainNameServer", IP, 1, Unbounded, false},
	{7, "LogServer", IP, 1, Unbounded, false},
	{8, "CookieServer", IP, 1, Unbounded, false},
	{9, "LPRServer", IP, 1, Unbounded, false},
	{10, "ImpressServer", IP, 1, Unbounded, false},
	{11, "ResourceLocationServer", IP, 1, Unbounded, false},
	{TagHostName, "HostName", Int8, 1, Unbounded, false},
	{13, "BootFileSize", Int16, 1, 1, false},
	{14, "MeritDumpFile", Int8, 1, Unbounded, false},
	{15, "DomainName", Int8, 1, Unbounded, false},
	{16, "SwapServer", IP, 1, 1, false},
	{17, "RootPath", Int8, 1, Unbounded, false},
	{18, "ExtensionsPath", Int8, 1, Unbounded, false},
	{19, "IPForwarding", Switch, 1, 1, false},
	{20, "NonLocalSourceRouting", Switch, 1, 1, false},
	{21, "PolicyFilter", IPPair, 1, Unbounded, false},
	{22, "MaxDatagramReassembly", Int16, 1, 1, false},
	{23, "DefaultIPTTL", Int8, 1, 1, false},
	{24, "PathMTUAgingTimeout", Int32, 1, 1, false},
	{25, "PathMTUPlateauTable", Int16, 1, Unbounded, false},
	{26, "InterfaceMTU", Int16, 1, 1, false},
	{27, "AllSubnetsAreLocal", Switch, 1, 1, false},
	{28, "BroadcastAddress", IP, 1, 1, false},
	{29, "PerformMaskDiscovery", Switch, 1, 1, false},
	{30, "MaskSupplier", Switch, 1, 1, false},
	{31, "PerformRouterDiscovery", Switch, 1, 1, false},
	{32, "RouterSolicitationAddress", IP, 1, 1, false},
	{33, "StaticRoute", IPPair, 1, Unbounded, false},
	{34, "TrailerEncapsulation", Switch, 1, 1, false},
	{35, "ARPCacheTimeout", Int32, 1, 1, false},
	{36, "EthernetEncapsulation", Switch, 1, 1, false},
	{37, "TCPDefaultTTL", Int8, 1, 1, false},
	{38, "TCPKeepaliveInterval", Int32, 1, 1, false},
	{39, "TCPKeepaliveGarbage", Switch, 1, 1, false},
	{40, "NISDomain", Int8, 1, Unbounded, false},
	{41, "NISServers", IP, 1, Unbounded, false},
	{42, "NTPServers", IP, 1, Unbounded, false},
	{43, "VendorSpecific", Int8, 1, Unbounded, false},
	{44, "NetBIOSNameServer", IP, 1, Unbounded, false},
	{45, "NetBIOSDatagramDistribution", IP, 1, Unbounded, false},
	{46, "NetBIOSNodeType", Int8, 1, 1, false},
	{47, "NetBIOSScope", Int8, 1, Unbounded, false},
	{48, "XWindowFontServer", IP, 1, Unbounded, false},
	{49, "XWindowDisplayManager", IP, 1, Unbounded, false},
	{TagRequestedIP, "RequestedIPAddress", IP, 1, 1, false},
	{TagLease, "IPAddressLeaseTime", Int32, 1, 1, true},
	{TagOverload, "OptionOverload", Int8, 1, 1, true},
	{TagMessageType, "MessageType", Int8, 1, 1, true},
	{TagServerID, "ServerIdentifier", IP, 1, 1, true},
	{TagParameterList, "ParameterRequestList", Int8, 1, Unbounded, false},
	{TagMessage, "Message", Int8, 1, Unbounded, false},
	{TagMaxMessageSize, "MaximumMessageSize", Int16, 1, 1, false},
	{TagT1, "RenewalTime", Int32, 1, 1, true},
	{TagT2, "RebindingTime", Int32, 1, 1, true},
	{TagVendorClass, "VendorClassIdentifier", Int8, 1, Unbounded, false},
	{TagClientID, "ClientIdentifier", Int8, 2, Unbounded, false},
	{64, "NISPlusDomain", Int8, 1, Unbounded, false},
	{65, "NISPlusServers", IP, 1, Unbounded, false},
	{66, "TFTPServerName", Int8, 1, Unbounded, false},
	{67, "BootFileName", Int8, 1, Unbounded, false},
	{68, "MobileIPHomeAgent", IP, 0, Unbounded, false},
	{69, "SMTPServer", IP, 1, Unbounded, false},
	{70, "POP3Server", IP, 1, Unbounded, false},
	{71, "NNTPServer", IP, 1, Unbounded, false},
	{72, "WWWServer", IP, 1, Unbounded, false},
	{73, "FingerServer", IP, 1, Unbounded, false},
	{74, "IRCServer", IP, 1, Unbounded, false},
	{75, "StreetTalkServer", IP, 1, Unbounded, false},
	{76, "STDAServer", IP, 1, Unbounded, false},
	{121, "ClasslessStaticRoute", Int8, 5, Unbounded, false},
}

// Lookup returns the format registered for tag.
func Lookup(tag uint8) (Format, bool) {
	i := sort.Search(len(formats), func(i int) bool { return formats[i].Tag >= tag })
	if i < len(formats) && formats[i].Tag == tag {
		return formats[i], true
	}

	return Format{}, false
}

// Formats returns a copy of the format table in ascending tag order.
func Formats() []Format {
	out := make([]Format, len(formats))
	copy(out, formats)

	return out
}

// Name returns the option name for tag, or its number when the tag is unknown.
func Name(tag uint8) string {
	if f, ok := Lookup(tag); ok {
		return f.Name
	}
	switch tag {
	case TagPad:
		return "Pad"
	case TagEnd:
		return "End"
	}

	return "Option" + strconv.Itoa(int(tag))
}
