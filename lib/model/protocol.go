package model

import (
	"fmt"
	"strings"
)

// Protocol identifies a transport or application protocol.
type Protocol string

const (
	ProtocolAny      Protocol = ""
	ProtocolARP      Protocol = "arp"
	ProtocolDNS      Protocol = "dns"
	ProtocolDHCP     Protocol = "dhcp"
	ProtocolEAPOL    Protocol = "eapol"
	ProtocolEthernet Protocol = "eth"
	ProtocolHTTP     Protocol = "http"
	ProtocolICMP     Protocol = "icmp"
	ProtocolIP       Protocol = "ip"
	ProtocolNTP      Protocol = "ntp"
	ProtocolSSH      Protocol = "ssh"
	ProtocolTCP      Protocol = "tcp"
	ProtocolTLS      Protocol = "tls"
	ProtocolUDP      Protocol = "udp"
	ProtocolBLE      Protocol = "ble"
)

// ParseProtocol reads a protocol name case-insensitively; unknown names are
// an error so that bad locators fail at configuration time.
func ParseProtocol(value string) (Protocol, error) {
	p := Protocol(strings.ToLower(value))
	switch p {
	case ProtocolAny, ProtocolARP, ProtocolDNS, ProtocolDHCP, ProtocolEAPOL,
		ProtocolEthernet, ProtocolHTTP, ProtocolICMP, ProtocolIP, ProtocolNTP,
		ProtocolSSH, ProtocolTCP, ProtocolTLS, ProtocolUDP, ProtocolBLE:
		return p, nil
	}
	return ProtocolAny, fmt.Errorf("unknown protocol %q", value)
}

// HostType is a coarse classification of hosts.
type HostType string

const (
	HostGeneric        HostType = ""
	HostDevice         HostType = "Device"
	HostMobile         HostType = "Mobile"
	HostRemote         HostType = "Remote"
	HostBrowser        HostType = "Browser"
	HostAdministrative HostType = "Admin"
)

// ConnectionType tags what kind of traffic a connection carries.
type ConnectionType string

const (
	ConnUnknown        ConnectionType = ""
	ConnEncrypted      ConnectionType = "Encrypted"
	ConnAdministrative ConnectionType = "Admin"
	ConnLogical        ConnectionType = "Logical"
)

// ServiceShape selects the few protocols whose services behave differently
// from the generic transport+port endpoint.
type ServiceShape int

const (
	// ShapeGeneric is a plain transport+port service.
	ShapeGeneric ServiceShape = iota
	// ShapeDHCP marks services whose replies come from a different address
	// than the request went to, and which leak the client's leased IP.
	ShapeDHCP
	// ShapeBroadcast marks services reached via the shared broadcast
	// pseudo-host (ARP). The pseudo-service is bidirectional by convention.
	ShapeBroadcast
	// ShapeWildcardPort marks services absorbing any port value on their
	// transport (ICMP types, raw IP protocols).
	ShapeWildcardPort
)

// ProtocolSpec describes how a declared service for a protocol is shaped.
// One generic construction routine consults this table instead of
// per-protocol service subtypes.
type ProtocolSpec struct {
	Name      string         // service display name
	Transport Protocol       // transport-level protocol of the endpoint
	App       Protocol       // application protocol, if distinct
	Port      int            // default port, -1 for wildcard
	PortNamed bool           // append port to the service name
	HostType  HostType       // hint applied to the service
	ConnType  ConnectionType // hint for connections to the service
	Auth      bool           // service authenticates its clients
	Activity  ExternalActivity
	HasPolicy bool // Activity is meaningful (zero value is Banned)
	Shape     ServiceShape
	Encrypted bool
}

// ProtocolSpecs is the built-in descriptor table. Entries may be copied and
// adjusted (port overrides) before use.
var ProtocolSpecs = map[Protocol]ProtocolSpec{
	ProtocolARP: {
		Name: "ARP", Transport: ProtocolARP, Port: -1,
		HostType: HostAdministrative, ConnType: ConnAdministrative,
		Activity: ActivityUnlimited, HasPolicy: true, Shape: ShapeBroadcast,
	},
	ProtocolDHCP: {
		Name: "DHCP", Transport: ProtocolUDP, Port: 67, PortNamed: true,
		HostType: HostAdministrative, ConnType: ConnAdministrative,
		Activity: ActivityUnlimited, HasPolicy: true, Shape: ShapeDHCP,
	},
	ProtocolDNS: {
		Name: "DNS", Transport: ProtocolUDP, Port: 53, PortNamed: true,
		HostType: HostAdministrative, ConnType: ConnAdministrative,
		Activity: ActivityOpen, HasPolicy: true,
	},
	ProtocolEAPOL: {
		Name: "EAPOL", Transport: ProtocolEthernet, Port: 0x888e,
		HostType: HostAdministrative, ConnType: ConnAdministrative,
		Activity: ActivityOpen, HasPolicy: true,
	},
	ProtocolHTTP: {
		Name: "HTTP", Transport: ProtocolTCP, App: ProtocolHTTP, Port: 80, PortNamed: true,
	},
	ProtocolICMP: {
		Name: "ICMP", Transport: ProtocolICMP, Port: -1,
		HostType: HostAdministrative, ConnType: ConnAdministrative,
		Activity: ActivityOpen, HasPolicy: true, Shape: ShapeWildcardPort,
	},
	ProtocolIP: {
		Name: "IP", Transport: ProtocolIP, Port: -1, Shape: ShapeWildcardPort,
	},
	ProtocolNTP: {
		Name: "NTP", Transport: ProtocolUDP, Port: 123, PortNamed: true,
		HostType: HostAdministrative, ConnType: ConnAdministrative,
		Activity: ActivityOpen, HasPolicy: true,
	},
	ProtocolSSH: {
		Name: "SSH", Transport: ProtocolTCP, App: ProtocolSSH, Port: 22, PortNamed: true,
		ConnType: ConnEncrypted, Auth: true, Encrypted: true,
	},
	ProtocolTCP: {
		Name: "TCP", Transport: ProtocolTCP, Port: -1, PortNamed: true,
	},
	ProtocolTLS: {
		Name: "TLS", Transport: ProtocolTCP, App: ProtocolTLS, Port: 443, PortNamed: true,
		ConnType: ConnEncrypted, Auth: true, Encrypted: true,
	},
	ProtocolUDP: {
		Name: "UDP", Transport: ProtocolUDP, Port: -1, PortNamed: true,
	},
	ProtocolBLE: {
		Name: "BLE Ad", Transport: ProtocolBLE, App: ProtocolBLE, Port: -1,
	},
}

// SpecFor returns a copy of the descriptor with an optional port override.
func SpecFor(p Protocol, port int) (ProtocolSpec, error) {
	spec, ok := ProtocolSpecs[p]
	if !ok {
		return ProtocolSpec{}, fmt.Errorf("no service descriptor for protocol %q", p)
	}
	if port >= 0 {
		spec.Port = port
	}
	return spec, nil
}

// MustSpec is SpecFor for protocols known at compile time; it panics on
// unknown ones.
func MustSpec(p Protocol, port int) ProtocolSpec {
	spec, err := SpecFor(p, port)
	if err != nil {
		panic(err)
	}
	return spec
}

// ServiceName renders the display name for a service built from the spec.
func (s ProtocolSpec) ServiceName() string {
	if s.Name == "" {
		if s.Port >= 0 {
			return fmt.Sprintf("%d", s.Port)
		}
		return "???"
	}
	if s.PortNamed && s.Port >= 0 {
		return fmt.Sprintf("%s:%d", s.Name, s.Port)
	}
	return s.Name
}
