package model

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// Address is a network address usable as a map key. All implementations are
// small comparable values; two addresses are the same address exactly when
// they compare equal.
type Address interface {
	// Host returns the host part of the address, or the address itself.
	Host() Address
	// Priority orders addresses when one must be chosen for display.
	// Higher wins: DNS name > IP address > hardware address.
	Priority() int
	// IsMulticast reports a multicast or broadcast address.
	IsMulticast() bool
	IsNull() bool
	IsWildcard() bool
	// IsTag reports a synthetic entity tag, never carried by traffic.
	IsTag() bool
	// Parseable returns a string ParseAddress can read back.
	Parseable() string
	String() string
}

// HardwareAddress is an Ethernet-style address, normalized to lower case
// colon-separated form.
type HardwareAddress struct {
	data string
}

// NewHardwareAddress parses a hardware address, zero-prefixing short groups
// so that "1:0:0:0:0:1" and "01:00:00:00:00:01" are the same address.
func NewHardwareAddress(s string) (HardwareAddress, error) {
	parts := strings.Split(strings.ToLower(s), ":")
	if len(parts) != 6 {
		return HardwareAddress{}, fmt.Errorf("bad hardware address %q", s)
	}
	for i, p := range parts {
		if len(p) == 1 {
			parts[i] = "0" + p
		} else if len(p) != 2 {
			return HardwareAddress{}, fmt.Errorf("bad hardware address %q", s)
		}
	}
	return HardwareAddress{data: strings.Join(parts, ":")}, nil
}

// MustHardwareAddress is NewHardwareAddress which panics on error.
func MustHardwareAddress(s string) HardwareAddress {
	a, err := NewHardwareAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// NullHardwareAddress is the all-zero placeholder address.
var NullHardwareAddress = HardwareAddress{data: "00:00:00:00:00:00"}

// BroadcastHardwareAddress is the Ethernet broadcast address.
var BroadcastHardwareAddress = HardwareAddress{data: "ff:ff:ff:ff:ff:ff"}

func (a HardwareAddress) Host() Address     { return a }
func (a HardwareAddress) Priority() int     { return 1 }
func (a HardwareAddress) IsMulticast() bool { return a == BroadcastHardwareAddress }
func (a HardwareAddress) IsNull() bool      { return a.data == "" || a == NullHardwareAddress }
func (a HardwareAddress) IsWildcard() bool  { return false }
func (a HardwareAddress) IsTag() bool       { return false }
func (a HardwareAddress) Parseable() string { return a.data + "|hw" }
func (a HardwareAddress) String() string    { return a.data }

// IPAddress is an IPv4 or IPv6 address.
type IPAddress struct {
	addr netip.Addr
}

// NewIPAddress parses an IP address, accepting bracketed IPv6.
func NewIPAddress(s string) (IPAddress, error) {
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	a, err := netip.ParseAddr(s)
	if err != nil {
		return IPAddress{}, fmt.Errorf("bad IP address %q: %w", s, err)
	}
	return IPAddress{addr: a}, nil
}

// MustIPAddress is NewIPAddress which panics on error.
func MustIPAddress(s string) IPAddress {
	a, err := NewIPAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// NullIPAddress is the unspecified 0.0.0.0 placeholder.
var NullIPAddress = IPAddress{addr: netip.AddrFrom4([4]byte{0, 0, 0, 0})}

// BroadcastIPAddress is the IPv4 limited broadcast address.
var BroadcastIPAddress = IPAddress{addr: netip.AddrFrom4([4]byte{255, 255, 255, 255})}

// Addr exposes the underlying netip value.
func (a IPAddress) Addr() netip.Addr { return a.addr }

func (a IPAddress) Host() Address { return a }
func (a IPAddress) Priority() int { return 2 }
func (a IPAddress) IsMulticast() bool {
	return a.addr.IsMulticast() || a == BroadcastIPAddress
}
func (a IPAddress) IsNull() bool      { return !a.addr.IsValid() || a.addr.IsUnspecified() }
func (a IPAddress) IsWildcard() bool  { return false }
func (a IPAddress) IsTag() bool       { return false }
func (a IPAddress) IsGlobal() bool    { return isGlobalIP(a.addr) }
func (a IPAddress) IsLoopback() bool  { return a.addr.IsLoopback() }
func (a IPAddress) Parseable() string { return a.addr.String() }
func (a IPAddress) String() string    { return a.addr.String() }

func isGlobalIP(a netip.Addr) bool {
	if !a.IsValid() || a.IsUnspecified() || a.IsLoopback() || a.IsPrivate() ||
		a.IsLinkLocalUnicast() || a.IsMulticast() || a == BroadcastIPAddress.addr {
		return false
	}
	return true
}

// DNSName is a domain name address.
type DNSName struct {
	name string
}

// NewDNSName wraps a domain name.
func NewDNSName(name string) DNSName { return DNSName{name: name} }

// NameOrIP parses the value as an IP address and falls back to a DNS name.
func NameOrIP(value string) Address {
	if ip, err := NewIPAddress(value); err == nil {
		return ip
	}
	return DNSName{name: value}
}

// LooksLikeDNSName checks whether a string looks like a domain name rather
// than a dotted number.
func LooksLikeDNSName(name string) bool {
	if !strings.Contains(name, ".") {
		return false
	}
	for _, c := range name {
		if c != '.' && c != ':' && (c < '0' || c > '9') {
			return true
		}
	}
	return false
}

func (a DNSName) Host() Address     { return a }
func (a DNSName) Priority() int     { return 3 }
func (a DNSName) IsMulticast() bool { return false }
func (a DNSName) IsNull() bool      { return a.name == "" }
func (a DNSName) IsWildcard() bool  { return false }
func (a DNSName) IsTag() bool       { return false }
func (a DNSName) Parseable() string { return a.name + "|name" }
func (a DNSName) String() string    { return a.name }

// EntityTag is a synthetic placeholder address used to locate entities which
// have no declared network address.
type EntityTag struct {
	tag string
}

// NewEntityTag creates a tag, replacing disallowed characters by underscore.
func NewEntityTag(tag string) EntityTag {
	var b strings.Builder
	for _, c := range tag {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			b.WriteRune(c)
		default:
			b.WriteRune('_')
		}
	}
	return EntityTag{tag: b.String()}
}

func (a EntityTag) Host() Address     { return a }
func (a EntityTag) Priority() int     { return 3 }
func (a EntityTag) IsMulticast() bool { return false }
func (a EntityTag) IsNull() bool      { return a.tag == "" }
func (a EntityTag) IsWildcard() bool  { return false }
func (a EntityTag) IsTag() bool       { return true }
func (a EntityTag) Parseable() string { return a.tag + "|tag" }
func (a EntityTag) String() string    { return a.tag }

// wildcardAddress matches any host address.
type wildcardAddress struct{}

// AnyAddress is the wildcard host address.
var AnyAddress Address = wildcardAddress{}

func (wildcardAddress) Host() Address     { return AnyAddress }
func (wildcardAddress) Priority() int     { return 0 }
func (wildcardAddress) IsMulticast() bool { return false }
func (wildcardAddress) IsNull() bool      { return false }
func (wildcardAddress) IsWildcard() bool  { return true }
func (wildcardAddress) IsTag() bool       { return false }
func (wildcardAddress) Parseable() string { return "*" }
func (wildcardAddress) String() string    { return "*" }

// EndpointAddress is a host address qualified by transport protocol and port.
// A negative port is a protocol-level wildcard.
type EndpointAddress struct {
	host      Address
	transport Protocol
	port      int
}

// NewEndpointAddress builds an endpoint address.
func NewEndpointAddress(host Address, transport Protocol, port int) EndpointAddress {
	return EndpointAddress{host: host, transport: transport, port: port}
}

// AnyEndpoint is an endpoint address with the wildcard host.
func AnyEndpoint(transport Protocol, port int) EndpointAddress {
	return EndpointAddress{host: AnyAddress, transport: transport, port: port}
}

func (a EndpointAddress) Host() Address       { return a.host }
func (a EndpointAddress) Transport() Protocol { return a.transport }
func (a EndpointAddress) Port() int           { return a.port }
func (a EndpointAddress) Priority() int       { return a.host.Priority() + 1 }
func (a EndpointAddress) IsMulticast() bool   { return a.host.IsMulticast() }
func (a EndpointAddress) IsNull() bool        { return a.host.IsNull() }
func (a EndpointAddress) IsWildcard() bool    { return a.host.IsWildcard() }
func (a EndpointAddress) IsTag() bool         { return a.host.IsTag() }

// WithHost returns the endpoint rebound to another host address.
func (a EndpointAddress) WithHost(host Address) EndpointAddress {
	return EndpointAddress{host: host, transport: a.transport, port: a.port}
}

func (a EndpointAddress) Parseable() string {
	return a.host.Parseable() + a.suffix()
}

func (a EndpointAddress) String() string {
	return a.host.String() + a.suffix()
}

func (a EndpointAddress) suffix() string {
	s := ""
	if a.transport != ProtocolAny {
		s = "/" + string(a.transport)
	}
	if a.port >= 0 {
		s += ":" + strconv.Itoa(a.port)
	}
	return s
}

// ErrBadAddress is returned for unparseable address strings.
var ErrBadAddress = errors.New("unrecognized address")

// ParseAddress parses a plain address of form "value|type"; a missing type
// means IP. Known types are "ip", "hw", "name" and "tag".
func ParseAddress(value string) (Address, error) {
	v, t, found := strings.Cut(value, "|")
	if !found {
		t = "ip"
	}
	switch t {
	case "ip":
		return NewIPAddress(v)
	case "hw":
		return NewHardwareAddress(v)
	case "name":
		return NewDNSName(v), nil
	case "tag":
		return EntityTag{tag: v}, nil
	}
	return nil, fmt.Errorf("%w: bad address type %q in %q", ErrBadAddress, t, value)
}

// ParseEndpoint parses an address optionally qualified as
// "address/transport:port" or "address/transport".
func ParseEndpoint(value string) (Address, error) {
	a, p, found := strings.Cut(value, "/")
	addr, err := ParseAddress(a)
	if err != nil {
		return nil, err
	}
	if !found {
		return addr, nil
	}
	proto, portStr, hasPort := strings.Cut(p, ":")
	port := -1
	if hasPort {
		port, err = strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("%w: bad port in %q", ErrBadAddress, value)
		}
	}
	return EndpointAddress{host: addr, transport: Protocol(proto), port: port}, nil
}

// PrioritizedAddress picks the best display address from a set, ignoring
// entity tags. Returns NullIPAddress when none qualify.
func PrioritizedAddress(addresses []Address) Address {
	var best Address
	for _, a := range addresses {
		if a.IsTag() {
			continue
		}
		if best == nil || best.Priority() < a.Priority() {
			best = a
		}
	}
	if best == nil {
		return NullIPAddress
	}
	return best
}
