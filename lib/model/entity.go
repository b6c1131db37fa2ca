package model

import (
	"fmt"
	"net/netip"
	"sort"
	"strings"
)

// Entity is the shared state of every model object: hosts, services,
// connections and the system root.
type Entity struct {
	Status     Status
	Properties PropertyStore
	// Declared is set for entities created by the topology builder, as
	// opposed to entities synthesized from evidence.
	Declared bool
}

// ExpectedVerdict resolves the recorded expectation verdicts, inconclusive
// when nothing was recorded.
func (e *Entity) ExpectedVerdict() Verdict {
	return e.Properties.Resolve(KeyExpected)
}

// SetSeenNow records that the entity was observed. Expected entities receive
// a pass, unexpected a fail; other statuses carry no judgment. Returns true
// when a new verdict was recorded.
func (e *Entity) SetSeenNow(source string) bool {
	var v Verdict
	switch e.Status {
	case StatusExpected:
		v = VerdictPass
	case StatusUnexpected:
		v = VerdictFail
	default:
		return false
	}
	if e.Properties.Has(KeyExpected) && e.Properties.Resolve(KeyExpected) == v {
		return false
	}
	e.Properties.Set(KeyExpected, PropertyValue{Verdict: v, Source: source, Authority: AuthorityModel})
	return true
}

// NodeBase is the NetworkNode capability shared by System, Host and Service:
// a name, a status, a property map and classification hints.
type NodeBase struct {
	Entity
	Name          string
	Description   string
	HostType      HostType
	Activity      ExternalActivity
	MatchPriority int
	AnyHost       bool // wildcard node standing for one or many hosts
}

// Endpoint is an entity that can terminate a connection: a host or one of
// its services.
type Endpoint interface {
	Base() *NodeBase
	ParentHost() *Host
	System() *System
	// AddressList returns the addresses the endpoint owns, unordered.
	AddressList() []Address
	IsHost() bool
	LongName() string
}

// SensitiveData is a declared piece of security-relevant data, linked to the
// services and hosts that use it.
type SensitiveData struct {
	Name     string
	Personal bool
	Password bool
	UsedBy   []Endpoint
}

// System is the model root. It owns the declared network ranges, all hosts,
// and the observed connection index.
type System struct {
	NodeBase
	// Networks are the declared local IP ranges; addresses outside them
	// are external.
	Networks []netip.Prefix
	Hosts    []*Host
	Data     []*SensitiveData

	// connections indexes observed connections by the address pair that
	// revealed them, both directions once a reply is seen.
	connections map[addrPair]*Connection
	// conns keeps all connections in creation order for reporting.
	conns []*Connection
	// names is the display-name index; the reverse direction is the Name
	// field of the host itself. Renames go through FreeHostName only.
	names map[string]*Host
}

type addrPair struct{ a, b Address }

// NewSystem creates an empty system with the default local network range.
func NewSystem(name string) *System {
	s := &System{
		connections: map[addrPair]*Connection{},
		names:       map[string]*Host{},
	}
	s.Name = name
	s.Status = StatusExpected
	s.Declared = true
	s.Networks = []netip.Prefix{netip.MustParsePrefix("192.168.0.0/16")}
	return s
}

// IsExternal reports whether an address falls outside every declared
// network range. Multicast, null and non-IP addresses are never external.
func (s *System) IsExternal(address Address) bool {
	h := address.Host()
	ip, ok := h.(IPAddress)
	if !ok {
		return false
	}
	if ip.IsMulticast() || ip.IsNull() {
		return false
	}
	for _, n := range s.Networks {
		if n.Contains(ip.Addr()) {
			return false
		}
	}
	return true
}

// AddHost installs a host under a collision-free display name.
func (s *System) AddHost(h *Host) *Host {
	h.system = s
	h.Name = s.FreeHostName(h.Name)
	s.names[h.Name] = h
	s.Hosts = append(s.Hosts, h)
	return h
}

// DropHost removes a host and its name index entry. Connections already
// indexed keep their endpoint references.
func (s *System) DropHost(h *Host) {
	delete(s.names, h.Name)
	for i, c := range s.Hosts {
		if c == h {
			s.Hosts = append(s.Hosts[:i], s.Hosts[i+1:]...)
			break
		}
	}
}

// HostByName finds a host by display name.
func (s *System) HostByName(name string) *Host { return s.names[name] }

// FreeHostName returns a collision-free variant of the base name. When the
// base is already held by another host, that holder is retroactively
// renamed to "base 1" and the caller receives the next free suffix; the
// name index is kept consistent in the same step.
func (s *System) FreeHostName(base string) string {
	c := 1
	n := fmt.Sprintf("%s %d", base, c)
	if old, taken := s.names[base]; taken {
		delete(s.names, base)
		old.Name = n
		s.names[n] = old
	} else if _, taken := s.names[n]; !taken {
		return base
	}
	for {
		if _, taken := s.names[n]; !taken {
			return n
		}
		c++
		n = fmt.Sprintf("%s %d", base, c)
	}
}

// RenameHost changes a host's display name through the index, applying the
// collision rule. No-op when the base already is the host's name.
func (s *System) RenameHost(h *Host, base string) {
	if h.Name == base {
		return
	}
	delete(s.names, h.Name)
	h.Name = s.FreeHostName(base)
	s.names[h.Name] = h
}

// HostOwning finds the host owning the host part of the address.
func (s *System) HostOwning(address Address) *Host {
	h := address.Host()
	for _, c := range s.Hosts {
		if c.HasAddress(h) {
			return c
		}
	}
	return nil
}

// GetEndpoint finds or creates the entity for an address. Unknown host
// addresses create a host synthesized from evidence; an endpoint address
// additionally resolves or creates the service.
func (s *System) GetEndpoint(address Address) Endpoint {
	hostAddr := address.Host()
	host := s.HostOwning(hostAddr)
	if host == nil {
		host = NewHost(hostAddr.String())
		host.Status = StatusUnexpected
		host.Description = "Unexpected host"
		host.Activity = ActivityUnlimited // nothing is known about its behavior
		switch {
		case hostAddr.IsMulticast():
			host.HostType = HostAdministrative
		case s.IsExternal(hostAddr):
			host.HostType = HostRemote
		}
		host.AddAddress(hostAddr)
		s.AddHost(host)
	}
	if ep, ok := address.(EndpointAddress); ok {
		return host.GetEndpoint(ep)
	}
	return host
}

// NewConnection creates a connection between endpoints observed at the
// given addresses and indexes it. The target side is indexed only after a
// reply confirms it.
func (s *System) NewConnection(source Endpoint, sourceAddr Address, target Endpoint, targetAddr Address) *Connection {
	c := &Connection{Source: source, Target: target}
	c.Status = StatusPlaceholder
	if svc, ok := target.(*Service); ok {
		c.ConnType = svc.ConnType
	}
	source.ParentHost().Connections = append(source.ParentHost().Connections, c)
	s.connections[addrPair{sourceAddr, targetAddr}] = c
	s.conns = append(s.conns, c)
	return c
}

// IndexConnection records an additional address pair for the connection.
func (s *System) IndexConnection(a, b Address, c *Connection) {
	s.connections[addrPair{a, b}] = c
}

// RegisterConnection adds an externally created connection to the
// reporting order without indexing addresses.
func (s *System) RegisterConnection(c *Connection) { s.conns = append(s.conns, c) }

// ConnectionAt looks up a connection by observed address pair.
func (s *System) ConnectionAt(a, b Address) *Connection { return s.connections[addrPair{a, b}] }

// AllConnections returns connections in creation order.
func (s *System) AllConnections() []*Connection { return s.conns }

func (s *System) Base() *NodeBase     { return &s.NodeBase }
func (s *System) System() *System     { return s }
func (s *System) ParentHost() *Host   { return nil }
func (s *System) IsHost() bool        { return false }
func (s *System) LongName() string    { return s.Name }
func (s *System) AddressList() []Address {
	var ads []Address
	for _, h := range s.Hosts {
		ads = append(ads, h.AddressList()...)
	}
	return ads
}

// Host is a network endpoint: a device, backend, app, browser or a
// broadcast/multicast pseudo-host.
type Host struct {
	NodeBase
	system    *System
	addresses map[Address]bool
	Services  []*Service
	// Connections initiated at this host, plus connections terminating
	// here once a reply revealed the service.
	Connections []*Connection
	// IgnoreNameRequests lists DNS names this host may query without the
	// name becoming evidence of an unexpected peer.
	IgnoreNameRequests map[DNSName]bool
	UsesData           []*SensitiveData
	// UpdateChannels are the declared connections software updates arrive
	// through.
	UpdateChannels []*Connection
}

// NewHost creates a detached host; install it with System.AddHost.
func NewHost(name string) *Host {
	h := &Host{
		addresses:          map[Address]bool{},
		IgnoreNameRequests: map[DNSName]bool{},
	}
	h.Name = name
	h.Status = StatusUnexpected
	return h
}

func (h *Host) Base() *NodeBase   { return &h.NodeBase }
func (h *Host) System() *System   { return h.system }
func (h *Host) ParentHost() *Host { return h }
func (h *Host) IsHost() bool      { return true }
func (h *Host) LongName() string  { return h.Name }

// AddAddress installs address ownership at this host.
func (h *Host) AddAddress(a Address) *Host {
	h.addresses[a] = true
	return h
}

// RemoveAddress drops address ownership.
func (h *Host) RemoveAddress(a Address) { delete(h.addresses, a) }

// HasAddress reports current ownership.
func (h *Host) HasAddress(a Address) bool { return h.addresses[a] }

// AddressList returns the host's addresses sorted for stable output.
func (h *Host) AddressList() []Address {
	ads := make([]Address, 0, len(h.addresses))
	for a := range h.addresses {
		ads = append(ads, a)
	}
	sort.Slice(ads, func(i, j int) bool { return ads[i].String() < ads[j].String() })
	return ads
}

// IsMulticastTarget reports whether the host stands for a broadcast or
// multicast destination rather than a real endpoint.
func (h *Host) IsMulticastTarget() bool {
	for a := range h.addresses {
		if a.IsMulticast() {
			return true
		}
	}
	return false
}

// ServiceFor finds a service by transport and port: an exact port match
// wins, a wildcard-port service of the same transport is the fallback.
func (h *Host) ServiceFor(transport Protocol, port int) *Service {
	var wildcard *Service
	for _, s := range h.Services {
		if s.Transport != transport {
			continue
		}
		if s.Port == port {
			return s
		}
		if s.Port < 0 && wildcard == nil {
			wildcard = s
		}
	}
	return wildcard
}

// GetEndpoint finds the service matching the endpoint address, or creates
// an undeclared one.
func (h *Host) GetEndpoint(address EndpointAddress) Endpoint {
	for _, s := range h.Services {
		for a := range s.addresses {
			ep, ok := a.(EndpointAddress)
			if !ok {
				continue
			}
			if ep == address || (ep.IsWildcard() && ep.WithHost(address.Host()) == address) {
				return s
			}
		}
	}
	return h.CreateService(address)
}

// CreateService adds a service synthesized from evidence at the endpoint
// address. External status propagates from the host; anything else becomes
// unexpected.
func (h *Host) CreateService(address EndpointAddress) *Service {
	name := strings.ToUpper(string(address.Transport()))
	if address.Port() >= 0 {
		name = fmt.Sprintf("%s:%d", name, address.Port())
	}
	s := &Service{
		parent:    h,
		addresses: map[Address]bool{address.WithHost(AnyAddress): true},
		Transport: address.Transport(),
		Port:      address.Port(),
	}
	s.Name = name
	s.Status = StatusUnexpected
	if h.Status == StatusExternal {
		s.Status = StatusExternal
	}
	s.Activity = h.Activity
	s.HostType = h.HostType
	h.Services = append(h.Services, s)
	return s
}

// AddService installs a declared service.
func (h *Host) AddService(s *Service) *Service {
	s.parent = h
	h.Services = append(h.Services, s)
	return s
}

// LearnAddressPair learns a local hardware/IP pairing confirmed by an
// expected connection. Wildcard hosts and null or non-local addresses do
// not learn. Returns true when ownership changed.
func (h *Host) LearnAddressPair(hw HardwareAddress, ip IPAddress) bool {
	if len(h.addresses) == 0 || h.AnyHost {
		return false
	}
	if hw.IsNull() || ip.IsNull() || ip.IsMulticast() || h.system.IsExternal(ip) {
		return false
	}
	if h.addresses[ip] && h.addresses[hw] {
		return false
	}
	h.addresses[ip] = true
	h.addresses[hw] = true
	return true
}

// OverallVerdict aggregates the host's own properties with those of its
// services and connections. A pass is vetoed by a failed expectation.
func (h *Host) OverallVerdict() Verdict {
	verdicts := []Verdict{h.Properties.ResolveAll()}
	for _, s := range h.Services {
		verdicts = append(verdicts, s.Properties.ResolveAll())
	}
	for _, c := range h.Connections {
		if c.IsRelevant() {
			verdicts = append(verdicts, c.Properties.ResolveAll())
		}
	}
	v := AggregateVerdicts(verdicts...)
	if v == VerdictPass && h.Properties.Has(KeyExpected) && h.ExpectedVerdict() == VerdictFail {
		return VerdictFail
	}
	return v
}

// Service is a protocol endpoint under a host, identified by transport and
// port; a negative port absorbs the whole transport.
type Service struct {
	NodeBase
	parent    *Host
	addresses map[Address]bool
	Transport Protocol
	Port      int
	App       Protocol
	ConnType  ConnectionType
	Auth      bool
	Encrypted bool
	Shape     ServiceShape
	// ClientSide marks the fixed client port of protocols like DHCP where
	// the "service" sits on the requesting side.
	ClientSide bool
	// ReplyFromOtherAddress marks services whose reply does not come from
	// the address the request was sent to.
	ReplyFromOtherAddress bool
	UsesData              []*SensitiveData
}

// NewService creates a detached service from a protocol descriptor.
func NewService(spec ProtocolSpec) *Service {
	s := &Service{
		addresses: map[Address]bool{AnyEndpoint(spec.Transport, spec.Port): true},
		Transport: spec.Transport,
		Port:      spec.Port,
		App:       spec.App,
		ConnType:  spec.ConnType,
		Auth:      spec.Auth,
		Encrypted: spec.Encrypted,
		Shape:     spec.Shape,
	}
	s.Name = spec.ServiceName()
	s.Status = StatusExpected
	s.Declared = true
	s.HostType = spec.HostType
	if spec.HasPolicy {
		s.Activity = spec.Activity
	}
	// DHCP replies come from the server address, not the broadcast
	// address the request went to
	s.ReplyFromOtherAddress = spec.Shape == ShapeDHCP
	return s
}

func (s *Service) Base() *NodeBase   { return &s.NodeBase }
func (s *Service) System() *System   { return s.parent.system }
func (s *Service) ParentHost() *Host { return s.parent }
func (s *Service) IsHost() bool      { return false }

func (s *Service) LongName() string {
	if s.parent != nil && s.parent.Name != s.Name {
		return s.parent.Name + " " + s.Name
	}
	return s.Name
}

// AddAddress installs an extra endpoint or host address on the service,
// used by broadcast and multicast pseudo-services.
func (s *Service) AddAddress(a Address) *Service {
	s.addresses[a] = true
	return s
}

// AddressList returns the service's addresses.
func (s *Service) AddressList() []Address {
	ads := make([]Address, 0, len(s.addresses))
	for a := range s.addresses {
		ads = append(ads, a)
	}
	sort.Slice(ads, func(i, j int) bool { return ads[i].String() < ads[j].String() })
	return ads
}

// IsEncrypted reports a service running an encrypted protocol.
func (s *Service) IsEncrypted() bool { return s.Encrypted }

// Connection is a directed association from a source endpoint to a target,
// keyed for lookup by the unordered endpoint pair but retaining the
// observed direction.
type Connection struct {
	Entity
	Source   Endpoint
	Target   Endpoint
	ConnType ConnectionType
	// SeenBy records the evidence source labels that confirmed the
	// connection, in first-seen order.
	SeenBy []string
}

// IsEnd reports whether the endpoint is either end of the connection.
func (c *Connection) IsEnd(e Endpoint) bool { return c.Source == e || c.Target == e }

// IsExpected reports a declared, confirmed-or-pending connection.
func (c *Connection) IsExpected() bool { return c.Status == StatusExpected }

// IsRelevant filters out placeholders and purely external noise.
func (c *Connection) IsRelevant() bool {
	switch c.Status {
	case StatusExpected, StatusUnexpected:
		return true
	case StatusPlaceholder:
		return false
	}
	return c.Source.Base().Status != StatusPlaceholder && c.Target.Base().Status != StatusPlaceholder &&
		(c.Source.Base().Status != StatusExternal || c.Target.Base().Status != StatusExternal)
}

// RecordSeenBy appends the evidence label once.
func (c *Connection) RecordSeenBy(label string) {
	for _, l := range c.SeenBy {
		if l == label {
			return
		}
	}
	c.SeenBy = append(c.SeenBy, label)
}

// IsEncrypted reports whether the target service is encrypted.
func (c *Connection) IsEncrypted() bool {
	t, ok := c.Target.(*Service)
	return ok && t.IsEncrypted()
}

func (c *Connection) LongName() string {
	return c.Source.LongName() + " => " + c.Target.LongName()
}
