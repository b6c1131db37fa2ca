// Package builder constructs the declared topology: hosts, services,
// connections and address ownership, all tagged as expected before any
// evidence is processed.
package builder

import (
	"fmt"
	"net/netip"

	model "github.com/testofthings/reconciler-go/lib/model"
)

// DuplicateAddressError reports an address declared for two different
// hosts. It is a configuration error and fails the build.
type DuplicateAddressError struct {
	Address model.Address
	First   string
	Second  string
}

func (e *DuplicateAddressError) Error() string {
	return fmt.Sprintf("address %s declared for both %q and %q", e.Address, e.First, e.Second)
}

// Builder assembles a system model. Errors accumulate and are reported by
// Finish, so declarations chain without per-call error checks.
type Builder struct {
	system         *model.System
	owners         map[model.Address]*HostBuilder
	errs           []error
	networkTouched bool
}

// NewBuilder starts a topology for the named system.
func NewBuilder(name string) *Builder {
	return &Builder{
		system: model.NewSystem(name),
		owners: map[model.Address]*HostBuilder{},
	}
}

// System returns the model under construction.
func (b *Builder) System() *model.System { return b.system }

// Finish returns the built system, or the first configuration error.
func (b *Builder) Finish() (*model.System, error) {
	if len(b.errs) > 0 {
		return nil, b.errs[0]
	}
	return b.system, nil
}

func (b *Builder) fail(err error) {
	b.errs = append(b.errs, err)
}

// Network declares a local IP range; addresses outside all declared ranges
// are external. The first call replaces the default range.
func (b *Builder) Network(cidr string) *Builder {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		b.fail(fmt.Errorf("bad network %q: %w", cidr, err))
		return b
	}
	if !b.networkTouched {
		b.system.Networks = nil
		b.networkTouched = true
	}
	b.system.Networks = append(b.system.Networks, prefix)
	return b
}

func (b *Builder) newHost(name string, hostType model.HostType) *HostBuilder {
	h := model.NewHost(name)
	h.Status = model.StatusExpected
	h.Declared = true
	h.HostType = hostType
	b.system.AddHost(h)
	return &HostBuilder{builder: b, host: h}
}

// Device declares an IoT device node.
func (b *Builder) Device(name string) *HostBuilder {
	return b.newHost(name, model.HostDevice)
}

// Backend declares a remote backend service node, reachable over the
// internet and free to be contacted.
func (b *Builder) Backend(name string) *HostBuilder {
	h := b.newHost(name, model.HostRemote)
	h.host.Activity = model.ActivityOpen
	return h
}

// Mobile declares a mobile application node. Mobiles browse and call
// third-party services at will.
func (b *Builder) Mobile(name string) *HostBuilder {
	h := b.newHost(name, model.HostMobile)
	h.host.Activity = model.ActivityUnlimited
	return h
}

// Browser declares a browser node.
func (b *Builder) Browser(name string) *HostBuilder {
	return b.newHost(name, model.HostBrowser)
}

// Infra declares a node that belongs to the observation infrastructure.
// It matches flows with elevated priority and may talk to anything.
func (b *Builder) Infra(name string) *HostBuilder {
	h := b.newHost(name, model.HostAdministrative)
	h.host.Activity = model.ActivityUnlimited
	h.host.MatchPriority = 5
	return h
}

// Any declares a wildcard node standing for one or more hosts that are
// only known by the services they provide.
func (b *Builder) Any(name string) *HostBuilder {
	h := b.newHost(name, model.HostGeneric)
	h.host.AnyHost = true
	return h
}

// Data declares sensitive data items used by services declared later.
func (b *Builder) Data(names []string, personal, password bool) []*model.SensitiveData {
	var ds []*model.SensitiveData
	for _, n := range names {
		d := &model.SensitiveData{Name: n, Personal: personal, Password: password}
		b.system.Data = append(b.system.Data, d)
		ds = append(ds, d)
	}
	return ds
}

// broadcastService finds the shared broadcast node's counterpart of the
// given service.
func (b *Builder) broadcastService(svc *model.Service) *model.Service {
	var bcastAddr model.Address = model.BroadcastHardwareAddress
	if svc.Transport == model.ProtocolUDP {
		bcastAddr = model.BroadcastIPAddress
	}
	node := b.system.HostOwning(bcastAddr)
	if node == nil {
		return nil
	}
	return node.ServiceFor(svc.Transport, svc.Port)
}

// HostBuilder declares one host's addresses, services and connections.
type HostBuilder struct {
	builder *Builder
	host    *model.Host
}

// Host returns the host entity.
func (h *HostBuilder) Host() *model.Host { return h.host }

func (h *HostBuilder) claim(a model.Address) {
	b := h.builder
	if prev, taken := b.owners[a]; taken && prev != h {
		b.fail(&DuplicateAddressError{Address: a, First: prev.host.Name, Second: h.host.Name})
		return
	}
	b.owners[a] = h
	h.host.AddAddress(a)
}

// HW declares a hardware address for the host; panics on malformed input,
// fails the build on a duplicate.
func (h *HostBuilder) HW(address string) *HostBuilder {
	a, err := model.NewHardwareAddress(address)
	if err != nil {
		h.builder.fail(err)
		return h
	}
	h.claim(a)
	return h
}

// IP declares an IP address for the host.
func (h *HostBuilder) IP(address string) *HostBuilder {
	a, err := model.NewIPAddress(address)
	if err != nil {
		h.builder.fail(err)
		return h
	}
	h.claim(a)
	return h
}

// DNS declares a DNS name for the host.
func (h *HostBuilder) DNS(name string) *HostBuilder {
	if !model.LooksLikeDNSName(name) {
		h.builder.fail(fmt.Errorf("host %s: %q is not a DNS name", h.host.Name, name))
		return h
	}
	h.claim(model.NewDNSName(name))
	return h
}

// ExternalActivity sets how the host may behave beyond its declarations.
func (h *HostBuilder) ExternalActivity(a model.ExternalActivity) *HostBuilder {
	h.host.Activity = a
	return h
}

// IgnoreNameRequests allows the host to ask for the given DNS names
// without the names becoming evidence of unexpected peers.
func (h *HostBuilder) IgnoreNameRequests(names ...string) *HostBuilder {
	for _, n := range names {
		h.host.IgnoreNameRequests[model.NewDNSName(n)] = true
	}
	return h
}

// Uses links declared sensitive data to the host.
func (h *HostBuilder) Uses(data ...*model.SensitiveData) *HostBuilder {
	for _, d := range data {
		h.host.UsesData = append(h.host.UsesData, d)
		d.UsedBy = append(d.UsedBy, h.host)
	}
	return h
}

// UpdatesFrom declares that the host receives software updates through its
// connection to the peer. The connection must already be declared and there
// must be exactly one candidate.
func (h *HostBuilder) UpdatesFrom(peer *HostBuilder) *HostBuilder {
	var found []*model.Connection
	for _, c := range h.host.Connections {
		other := c.Target.ParentHost()
		if other == h.host {
			other = c.Source.ParentHost()
		}
		if other == peer.host {
			found = append(found, c)
		}
	}
	if len(found) != 1 {
		h.builder.fail(fmt.Errorf("%s updates from %s: %d candidate connections, want exactly one",
			h.host.Name, peer.host.Name, len(found)))
		return h
	}
	h.host.UpdateChannels = append(h.host.UpdateChannels, found[0])
	return h
}

// Serve declares services by protocol, with the descriptor table supplying
// transport, port and policy defaults. Broadcast protocols additionally
// wire the host to the shared broadcast node.
func (h *HostBuilder) Serve(protocols ...model.Protocol) *HostBuilder {
	for _, p := range protocols {
		h.Service(p, -1)
	}
	return h
}

// Service declares one service by protocol with a port override; -1 keeps
// the descriptor default. Returns a builder usable as a connection target.
func (h *HostBuilder) Service(p model.Protocol, port int) *ServiceBuilder {
	spec, err := model.SpecFor(p, port)
	if err != nil {
		h.builder.fail(err)
		return &ServiceBuilder{host: h, service: h.host.AddService(model.NewService(model.ProtocolSpec{Name: string(p), Port: port}))}
	}
	for _, existing := range h.host.Services {
		if existing.Transport == spec.Transport && existing.Port == spec.Port {
			return &ServiceBuilder{host: h, service: existing}
		}
	}
	svc := h.host.AddService(model.NewService(spec))
	sb := &ServiceBuilder{host: h, service: svc}
	if spec.Shape == model.ShapeBroadcast {
		h.wireBroadcast(sb, spec)
	}
	return sb
}

// wireBroadcast connects the host's broadcast service to the shared
// broadcast pseudo-node, creating node and service on first use.
func (h *HostBuilder) wireBroadcast(sb *ServiceBuilder, spec model.ProtocolSpec) {
	b := h.builder
	var bcastAddr model.Address = model.BroadcastHardwareAddress
	if spec.Transport == model.ProtocolUDP {
		bcastAddr = model.BroadcastIPAddress
	}
	node := b.system.HostOwning(bcastAddr)
	if node == nil {
		node = model.NewHost(bcastAddr.String())
		node.Status = model.StatusExpected
		node.Declared = true
		node.HostType = model.HostAdministrative
		// anyone can broadcast, the node never replies
		node.Activity = model.ActivityOpen
		node.Description = "Broadcast"
		node.AddAddress(bcastAddr)
		b.system.AddHost(node)
	}
	bcastSvc := node.ServiceFor(spec.Transport, spec.Port)
	if bcastSvc == nil {
		bcastSvc = node.AddService(model.NewService(spec))
		bcastSvc.Activity = node.Activity
	}
	// the host's own service sends to the broadcast node
	for _, c := range h.host.Connections {
		if c.Source == model.Endpoint(sb.service) && c.Target == model.Endpoint(bcastSvc) {
			return
		}
	}
	declareConnection(b, sb.service, bcastSvc)
}

// ConnectTo declares a connection from this host to the target service.
// DHCP-shaped targets get a fixed client-port source service.
func (h *HostBuilder) ConnectTo(target *ServiceBuilder) *model.Connection {
	var source model.Endpoint = h.host
	if target.service.Shape == model.ShapeDHCP {
		source = h.dhcpClient()
	}
	if target.service.Shape == model.ShapeBroadcast && !target.service.ParentHost().IsMulticastTarget() {
		// broadcast traffic terminates at the shared broadcast node, not
		// at the serving host
		if bcast := h.builder.broadcastService(target.service); bcast != nil {
			if own := h.host.ServiceFor(target.service.Transport, target.service.Port); own != nil {
				source = own
			}
			return declareConnection(h.builder, source, bcast)
		}
	}
	return declareConnection(h.builder, source, target.service)
}

// dhcpClient finds or creates the fixed-port DHCP client service.
func (h *HostBuilder) dhcpClient() *model.Service {
	if svc := h.host.ServiceFor(model.ProtocolUDP, 68); svc != nil {
		return svc
	}
	svc := model.NewService(model.ProtocolSpec{
		Name: "DHCP", Transport: model.ProtocolUDP, Port: 68,
		HostType: model.HostAdministrative, ConnType: model.ConnAdministrative,
	})
	svc.ClientSide = true
	return h.host.AddService(svc)
}

// declareConnection creates an expected connection and indexes it at both
// ends so either side's traffic can match it.
func declareConnection(b *Builder, source model.Endpoint, target *model.Service) *model.Connection {
	c := &model.Connection{Source: source, Target: target}
	c.Status = model.StatusExpected
	c.Declared = true
	c.ConnType = target.ConnType
	source.ParentHost().Connections = append(source.ParentHost().Connections, c)
	if target.ParentHost() != source.ParentHost() {
		target.ParentHost().Connections = append(target.ParentHost().Connections, c)
	}
	b.system.RegisterConnection(c)
	return c
}

// ServiceBuilder configures one declared service.
type ServiceBuilder struct {
	host    *HostBuilder
	service *model.Service
}

// Service returns the service entity.
func (s *ServiceBuilder) Service() *model.Service { return s.service }

// Authenticated overrides the descriptor's authentication flag.
func (s *ServiceBuilder) Authenticated(auth bool) *ServiceBuilder {
	s.service.Auth = auth
	return s
}

// ExternalActivity sets the service's external activity policy.
func (s *ServiceBuilder) ExternalActivity(a model.ExternalActivity) *ServiceBuilder {
	s.service.Activity = a
	return s
}

// Uses links sensitive data to the service.
func (s *ServiceBuilder) Uses(data ...*model.SensitiveData) *ServiceBuilder {
	for _, d := range data {
		s.service.UsesData = append(s.service.UsesData, d)
		d.UsedBy = append(d.UsedBy, s.service)
	}
	return s
}
