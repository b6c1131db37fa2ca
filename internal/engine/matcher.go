package engine

import (
	model "github.com/testofthings/reconciler-go/lib/model"
)

// SystemMatcher resolves observed flows into model connections. Each
// evidence source gets its own match engine, as sources can carry their own
// address maps and activity overrides.
type SystemMatcher struct {
	system   *model.System
	registry *AddressRegistry
	engines  map[*model.EvidenceSource]*matchEngine
}

// NewSystemMatcher creates a matcher and hooks it into the registry so that
// learned name bindings reach the per-source match indices.
func NewSystemMatcher(system *model.System, registry *AddressRegistry) *SystemMatcher {
	m := &SystemMatcher{
		system:   system,
		registry: registry,
		engines:  map[*model.EvidenceSource]*matchEngine{},
	}
	registry.onChange = m.addressChange
	return m
}

// Connection finds or creates the connection matching the flow.
func (m *SystemMatcher) Connection(flow model.Flow) *model.Connection {
	c, _, _, _ := m.ConnectionWithEnds(flow)
	return c
}

// ConnectionWithEnds finds the connection matching the flow and returns the
// matched endpoint addresses and the reply direction.
func (m *SystemMatcher) ConnectionWithEnds(flow model.Flow) (*model.Connection, model.Address, model.Address, bool) {
	engine := m.engines[flow.Evidence]
	if engine == nil {
		engine = newMatchEngine(m, flow.Evidence)
		m.engines[flow.Evidence] = engine
	}
	cm := engine.getConnection(flow)
	return cm.connection, cm.source.address, cm.target.address, cm.reply
}

func (m *SystemMatcher) addressChange(host *model.Host, old []model.Address) {
	for _, eng := range m.engines {
		eng.updateAddresses(host, old)
	}
}

// addressMatch pairs a matched endpoint with the observed address that
// matched it.
type addressMatch struct {
	address  model.EndpointAddress
	endpoint *matchEndpoint
}

// connectionMatch is a resolved flow: the connection and both matched ends.
// reply is set when the flow runs target to source.
type connectionMatch struct {
	connection *model.Connection
	source     addressMatch
	target     addressMatch
	reply      bool
}

// endList collects candidate ends in priority order, one per entity.
type endList struct {
	order []addressMatch
	seen  map[model.Endpoint]bool
}

func newEndList() *endList { return &endList{seen: map[model.Endpoint]bool{}} }

func (l *endList) add(m addressMatch) bool {
	if l.seen[m.endpoint.entity] {
		return false
	}
	l.seen[m.endpoint.entity] = true
	l.order = append(l.order, m)
	return true
}

// connectionFinder accumulates source and target candidates and checks each
// new candidate against the other side for a declared connection.
type connectionFinder struct {
	sources *endList
	targets *endList
	// unexpected widens the search to connections that are not declared
	unexpected bool
}

func newConnectionFinder(unexpected bool) *connectionFinder {
	return &connectionFinder{sources: newEndList(), targets: newEndList(), unexpected: unexpected}
}

func (f *connectionFinder) addSource(source addressMatch) *connectionMatch {
	if f.sources.seen[source.endpoint.entity] {
		return nil
	}
	if m := source.endpoint.matchConnection(source, f.targets.order, f.unexpected); m != nil {
		return m
	}
	f.sources.add(source)
	return nil
}

func (f *connectionFinder) addTarget(target addressMatch) *connectionMatch {
	if f.targets.seen[target.endpoint.entity] {
		return nil
	}
	for _, s := range f.sources.order {
		if m := s.endpoint.matchConnection(s, []addressMatch{target}, f.unexpected); m != nil {
			return m
		}
	}
	f.targets.add(target)
	return nil
}

func (f *connectionFinder) addMatches(matches []addressMatch, target bool) *connectionMatch {
	for _, am := range matches {
		var m *connectionMatch
		if target {
			m = f.addTarget(am)
		} else {
			m = f.addSource(am)
		}
		if m != nil {
			return m
		}
	}
	return nil
}

// endForNewConnection picks the best candidate end for a connection that is
// about to be created: highest match priority wins, first candidate breaks
// ties, wildcard hosts never join new connections.
func (f *connectionFinder) endForNewConnection(target bool, otherEnd *addressMatch) *addressMatch {
	list := f.sources
	if target {
		list = f.targets
	}
	var end *addressMatch
	for i := range list.order {
		ms := &list.order[i]
		if otherEnd != nil && ms.endpoint.isSameHost(otherEnd.endpoint) {
			continue
		}
		if !ms.endpoint.newConnections() {
			continue
		}
		if ms.endpoint.matchPriority > 1000 {
			return ms
		}
		if end != nil && ms.endpoint.entity.Base().MatchPriority > end.endpoint.entity.Base().MatchPriority {
			end = ms
			continue
		}
		if end == nil {
			end = ms
		}
	}
	return end
}

// matchEngine indexes one evidence source's view of the system: declared
// endpoints by address, plus the observed-flow cache.
type matchEngine struct {
	matcher   *SystemMatcher
	endpoints map[model.Address][]*matchEndpoint
	observed  map[model.FlowKey]*connectionMatch
	source    *model.EvidenceSource
}

func newMatchEngine(matcher *SystemMatcher, source *model.EvidenceSource) *matchEngine {
	e := &matchEngine{
		matcher:   matcher,
		endpoints: map[model.Address][]*matchEndpoint{},
		observed:  map[model.FlowKey]*connectionMatch{},
		source:    source,
	}
	for _, h := range matcher.system.Hosts {
		e.addHost(h)
	}
	if source != nil {
		for ad, ent := range source.AddressMap {
			installed := false
			for _, ex := range e.endpoints[ad] {
				if ex.entity == model.Endpoint(ent) {
					ex.addAddress(ad)
					installed = true
					break
				}
			}
			if !installed {
				me := e.addHost(ent)
				me.addAddress(ad)
				e.endpoints[ad] = append(e.endpoints[ad], me)
			}
		}
		for _, ends := range e.endpoints {
			for _, me := range ends {
				if h, ok := me.entity.(*model.Host); ok {
					if act, found := source.ActivityMap[h]; found {
						me.activity = act
					}
				}
			}
		}
	}
	return e
}

// updateAddresses reindexes a host after its address set changed.
func (e *matchEngine) updateAddresses(host *model.Host, old []model.Address) {
	for _, ad := range old {
		ends := e.endpoints[ad]
		kept := ends[:0]
		for _, me := range ends {
			if me.entity != model.Endpoint(host) {
				kept = append(kept, me)
			}
		}
		e.endpoints[ad] = kept
	}
	e.addHost(host)
}

// addHost indexes a host: by each non-tag address, or under the wildcard
// when it has none.
func (e *matchEngine) addHost(host *model.Host) *matchEndpoint {
	var ads []model.Address
	if !host.AnyHost {
		seen := map[model.Address]bool{}
		for _, a := range host.AddressList() {
			h := a.Host()
			if h.IsTag() || seen[h] {
				continue
			}
			seen[h] = true
			ads = append(ads, h)
		}
	}
	if len(ads) > 0 {
		me := newMatchEndpoint(host, true, true)
		for _, ad := range ads {
			e.endpoints[ad] = append(e.endpoints[ad], me)
		}
		return me
	}
	// wildcard host: match by service ports, or any flow when it has no
	// services either
	me := newMatchEndpoint(host, len(host.Services) == 0, false)
	e.endpoints[model.AnyAddress] = append(e.endpoints[model.AnyAddress], me)
	return me
}

func (e *matchEngine) getConnection(flow model.Flow) *connectionMatch {
	system := e.matcher.system
	m := e.getObserved(flow)
	if m != nil {
		if m.reply {
			system.IndexConnection(m.target.address, m.source.address, m.connection)
		}
		_, targetIsHost := m.connection.Target.(*model.Host)
		if !m.reply || !targetIsHost {
			return m
		}
		// a reply from a port nothing was declared at: the host runs an
		// unknown service
		e.createUnknownService(m)
	} else {
		m = e.addConnection(flow)
		if m.connection.Status == model.StatusPlaceholder {
			e.setConnectionStatus(m.connection, m.source, m.target)
		}
		e.observed[flow.Key()] = m
	}
	conn := m.connection
	e.endpointTraffic(conn.Source, conn, flow, m.reply)
	e.endpointTraffic(conn.Target, conn, flow, !m.reply)
	system.IndexConnection(m.source.address, m.target.address, conn)
	return m
}

// endpointTraffic lets shaped services react to traffic on their
// connections. DHCP replies reveal the client's leased IP address.
func (e *matchEngine) endpointTraffic(end model.Endpoint, conn *model.Connection, flow model.Flow, target bool) {
	svc, ok := end.(*model.Service)
	if !ok || svc.Shape != model.ShapeDHCP || target {
		return
	}
	if flow.Source.Port == 67 && flow.Target.Port == 68 && !flow.Target.IP.IsNull() {
		e.matcher.registry.LearnIPAddress(conn.Source.ParentHost(), flow.Target.IP)
	}
}

// getObserved resolves the flow from the observation cache, also checking
// the reverse direction.
func (e *matchEngine) getObserved(flow model.Flow) *connectionMatch {
	if c := e.observed[flow.Key()]; c != nil {
		return c
	}
	c := e.observed[flow.Reverse().Key()]
	if c == nil {
		return nil
	}
	if c.connection.Status == model.StatusExternal {
		// request direction was tolerated, but a passive target must not
		// reply
		te := c.target.endpoint
		if te.entity.Base().Status != model.StatusExternal && te.activity < model.ActivityOpen {
			c.connection.Properties.Set(model.KeyExpected, model.PropertyValue{
				Verdict: model.VerdictFail, Explanation: "target not expected to reply",
			})
		}
	}
	rc := &connectionMatch{connection: c.connection, source: c.source, target: c.target, reply: true}
	e.observed[flow.Key()] = rc
	return rc
}

// createUnknownService retargets a host-terminated connection to a service
// created for the replying port, and splits off flows that hit the same
// host at other ports.
func (e *matchEngine) createUnknownService(m *connectionMatch) {
	system := e.matcher.system
	conn := m.connection
	targetHost := conn.Target.(*model.Host)
	svc := targetHost.CreateService(m.target.address)
	if targetHost.Activity >= model.ActivityUnlimited && conn.Status == model.StatusExternal {
		// host is free to provide unlisted services
		svc.Status = model.StatusExternal
	}
	targetHost.Connections = append(targetHost.Connections, conn)
	for _, me := range e.endpoints[m.target.address.Host()] {
		if me.entity == model.Endpoint(targetHost) {
			me.addService(svc, true)
		}
	}
	conn.Target = svc

	// flows from the same source to other ports of the host no longer
	// belong to this connection
	var newConn *model.Connection
	moved := map[model.FlowKey]*connectionMatch{}
	for key, om := range e.observed {
		if om.connection != conn || om.target.address == m.target.address {
			continue
		}
		if newConn == nil {
			newConn = system.NewConnection(conn.Source, om.source.address, targetHost, om.target.address)
			e.setConnectionStatus(newConn, om.source, om.target)
		} else {
			system.IndexConnection(om.source.address, om.target.address, newConn)
		}
		moved[key] = &connectionMatch{connection: newConn, source: om.source, target: om.target, reply: om.reply}
	}
	for key, nm := range moved {
		e.observed[key] = nm
	}
}

// addConnection resolves a first-seen flow to an existing or new
// connection.
func (e *matchEngine) addConnection(flow model.Flow) *connectionMatch {
	finder := newConnectionFinder(false)
	if m := e.findConnection(finder, flow); m != nil {
		return m
	}

	tar := finder.endForNewConnection(true, nil)
	if tar != nil && tar.endpoint.entity.IsHost() {
		// maybe a reply whose request was missed, or an undeclared DHCP
		// style exchange
		if m := tar.endpoint.matchConnection(*tar, finder.sources.order, false); m != nil {
			m.reply = true
			return m
		}
	}

	src := finder.endForNewConnection(false, tar)

	if m := e.matchBroadcastReply(finder, flow); m != nil {
		return m
	}

	if src != nil && tar != nil {
		// an existing, but unexpected, connection?
		f2 := newConnectionFinder(true)
		f2.addSource(*src)
		if m := f2.addTarget(*tar); m != nil {
			return m
		}
	}

	if src == nil {
		s := e.newEndpoint(flow, false)
		src = &s
	}
	if tar == nil {
		t := e.newEndpoint(flow, true)
		tar = &t
	}
	return e.newConnection(*src, *tar)
}

// findConnection matches flow ends against declared endpoints, most
// specific first: addressed services, addressed hosts, wildcard-host
// services, wildcard hosts.
func (e *matchEngine) findConnection(finder *connectionFinder, flow model.Flow) *connectionMatch {
	directions := [2]bool{false, true}
	var matchAds [2][]model.Address
	for i, target := range directions {
		matchAds[i] = e.matchAddresses(flow, target)
	}

	// 1. host address + service
	for i, target := range directions {
		for _, ad := range matchAds[i] {
			for _, end := range e.endpoints[ad] {
				am := end.matchService(ad, flow, target)
				if m := finder.addMatches(am, target); m != nil {
					return m
				}
			}
		}
	}

	// 2. hosts by address
	for i, target := range directions {
		for _, ad := range matchAds[i] {
			for _, end := range e.endpoints[ad] {
				if end.matchNoService {
					am := addressMatch{
						address:  model.NewEndpointAddress(ad, flow.Protocol, flow.End(target).Port),
						endpoint: end,
					}
					if m := finder.addMatches([]addressMatch{am}, target); m != nil {
						return m
					}
				}
			}
		}
	}

	wildEnds := e.endpoints[model.AnyAddress]

	// 3. wildcard host + service
	for i, target := range directions {
		for _, end := range wildEnds {
			for _, ad := range matchAds[i] {
				am := end.matchService(ad, flow, target)
				if m := finder.addMatches(am, target); m != nil {
					return m
				}
			}
		}
	}

	// 4. wildcard hosts without service
	for i, target := range directions {
		for _, end := range wildEnds {
			if !end.matchNoService {
				continue
			}
			for _, ad := range matchAds[i] {
				am := addressMatch{
					address:  model.NewEndpointAddress(ad, flow.Protocol, flow.End(target).Port),
					endpoint: end,
				}
				if m := finder.addMatches([]addressMatch{am}, target); m != nil {
					return m
				}
			}
		}
	}
	return nil
}

// matchBroadcastReply resolves the reply of a broadcast exchange: when the
// flow source serves a broadcast protocol and the flow target has a
// declared connection to the same broadcast service, the reply belongs to
// that connection.
func (e *matchEngine) matchBroadcastReply(finder *connectionFinder, flow model.Flow) *connectionMatch {
	for _, s := range finder.sources.order {
		host := s.endpoint.entity.ParentHost()
		if host == nil {
			continue
		}
		var bcast *model.Service
		for _, c := range host.Connections {
			svc, ok := c.Target.(*model.Service)
			if !ok || (c.Source != model.Endpoint(host) && c.Source != s.endpoint.entity) {
				continue
			}
			if svc.Transport == flow.Protocol && svc.ParentHost().IsMulticastTarget() {
				bcast = svc
				break
			}
		}
		if bcast == nil {
			continue
		}
		for _, t := range finder.targets.order {
			th := t.endpoint.entity.ParentHost()
			if th == nil || th == host {
				continue
			}
			for _, c := range th.Connections {
				if c.Target == model.Endpoint(bcast) && c.IsExpected() {
					return &connectionMatch{connection: c, source: s, target: t, reply: true}
				}
			}
		}
	}
	return nil
}

// matchAddresses resolves the addresses a flow end can match by. External
// ends match by IP only, local ones by hardware and IP.
func (e *matchEngine) matchAddresses(flow model.Flow, target bool) []model.Address {
	end := flow.End(target)
	if !end.IP.IsNull() {
		if e.matcher.system.IsExternal(end.IP) {
			return []model.Address{end.IP}
		}
	}
	return end.Addresses()
}

// newEndpoint creates a host for an end that matched nothing. External and
// multicast IP addresses take precedence over the hardware address.
func (e *matchEngine) newEndpoint(flow model.Flow, target bool) addressMatch {
	system := e.matcher.system
	stack := flow.End(target).Addresses()
	var useAd model.Address = model.NullIPAddress
	if len(stack) > 0 {
		useAd = stack[0]
		for _, ad := range stack[1:] {
			if ip, ok := ad.(model.IPAddress); ok && (system.IsExternal(ip) || ip.IsMulticast()) {
				useAd = ad
				break
			}
		}
	}
	host := system.GetEndpoint(useAd).(*model.Host)
	me := e.addHost(host)
	ad := model.NewEndpointAddress(useAd, flow.Protocol, flow.End(target).Port)
	return addressMatch{address: ad, endpoint: me}
}

func (e *matchEngine) newConnection(source, target addressMatch) *connectionMatch {
	system := e.matcher.system
	c := system.NewConnection(source.endpoint.entity, source.address, target.endpoint.entity, target.address)
	e.setConnectionStatus(c, source, target)
	return &connectionMatch{connection: c, source: source, target: target}
}

// setConnectionStatus classifies a connection that was not declared. The
// external activity policies of both ends decide between external traffic
// and an unexpected connection.
func (e *matchEngine) setConnectionStatus(c *model.Connection, source, target addressMatch) {
	c.Status = model.StatusUnexpected

	var setExternal func(end model.Endpoint)
	setExternal = func(end model.Endpoint) {
		base := end.Base()
		if base.Status != model.StatusUnexpected || base.ExpectedVerdict() != model.VerdictIncon {
			// entity already judged, leave it
			return
		}
		base.Status = model.StatusExternal
		if !end.IsHost() {
			setExternal(end.ParentHost())
		}
	}

	sourceAct := source.endpoint.activity
	targetAct := target.endpoint.activity
	if sourceAct > model.ActivityBanned && targetAct > model.ActivityBanned {
		reply := c.Source == target.endpoint.entity
		if sourceAct >= model.ActivityUnlimited {
			// source is free to open connections
			c.Status = model.StatusExternal
			setExternal(c.Source)
		} else if reply && sourceAct >= model.ActivityOpen {
			// source may reply
			c.Status = model.StatusExternal
			setExternal(c.Source)
		}
		if c.Status == model.StatusExternal && targetAct >= model.ActivityPassive {
			setExternal(c.Target)
		}
	}
}

// matchEndpoint indexes one entity for matching: its addresses and, for
// hosts, a service lookup keyed by endpoint address.
type matchEndpoint struct {
	entity         model.Endpoint
	addresses      map[model.Address]bool
	matchNoService bool
	matchPriority  int
	services       map[model.EndpointAddress][]*matchEndpoint
	activity       model.ExternalActivity
}

func newMatchEndpoint(entity model.Endpoint, matchNoService, priorityServices bool) *matchEndpoint {
	me := &matchEndpoint{
		entity:         entity,
		addresses:      map[model.Address]bool{},
		matchNoService: matchNoService,
		matchPriority:  entity.Base().MatchPriority,
		services:       map[model.EndpointAddress][]*matchEndpoint{},
		activity:       entity.Base().Activity,
	}
	for _, a := range entity.AddressList() {
		if !a.IsTag() {
			me.addresses[a] = true
		}
	}
	if h, ok := entity.(*model.Host); ok {
		for _, s := range h.Services {
			me.addService(s, priorityServices)
		}
	}
	return me
}

func (me *matchEndpoint) addAddress(address model.Address) *matchEndpoint {
	if !address.IsTag() {
		me.addresses[address] = true
	}
	return me
}

func (me *matchEndpoint) isSameHost(other *matchEndpoint) bool {
	return other != nil && other.entity.ParentHost() == me.entity.ParentHost()
}

// newConnections reports whether the endpoint can join a connection that
// was not declared. Wildcard hosts only match existing connections.
func (me *matchEndpoint) newConnections() bool { return len(me.addresses) > 0 }

func (me *matchEndpoint) addService(service *model.Service, priority bool) {
	sme := newMatchEndpoint(service, false, false)
	if priority {
		sme.matchPriority = 1001 // declared services always win
	}
	for _, a := range service.AddressList() {
		ep, ok := a.(model.EndpointAddress)
		if !ok {
			continue
		}
		me.services[ep] = append(me.services[ep], sme)
	}
}

// matchService matches flow traffic at the given address against the
// endpoint's services: exact port at the exact or wildcard address first,
// then wildcard-port services absorbing the whole transport.
func (me *matchEndpoint) matchService(address model.Address, flow model.Flow, target bool) []addressMatch {
	var matches []addressMatch
	port := flow.End(target).Port
	ad := model.NewEndpointAddress(address, flow.Protocol, port)
	keys := []model.EndpointAddress{
		ad,
		model.AnyEndpoint(flow.Protocol, port),
	}
	if port >= 0 {
		keys = append(keys,
			model.NewEndpointAddress(address, flow.Protocol, -1),
			model.AnyEndpoint(flow.Protocol, -1))
	}
	for _, key := range keys {
		for _, sme := range me.services[key] {
			matches = append(matches, addressMatch{address: ad, endpoint: sme})
		}
	}
	return matches
}

// matchConnection matches a connection of this endpoint's host against the
// candidate other ends. Undeclared connections are only considered when
// allowed, except for services that reply from another address.
func (me *matchEndpoint) matchConnection(source addressMatch, ends []addressMatch, unexpected bool) *connectionMatch {
	host := me.entity.ParentHost()
	if host == nil {
		return nil
	}
	for _, c := range host.Connections {
		if !c.IsEnd(me.entity) {
			continue
		}
		if !unexpected && !c.IsExpected() {
			tgt, ok := c.Target.(*model.Service)
			if !ok || !tgt.ReplyFromOtherAddress {
				continue
			}
		}
		for _, end := range ends {
			if me.isSameHost(end.endpoint) || !c.IsEnd(end.endpoint.entity) {
				continue
			}
			reply := me.entity == model.Endpoint(c.Target)
			return &connectionMatch{connection: c, source: source, target: end, reply: reply}
		}
	}
	return nil
}
