package engine

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	model "github.com/testofthings/reconciler-go/lib/model"
)

// Inspector is the single writer of the model: it feeds evidence events
// through the matcher and updates statuses, verdicts and learned addresses.
// All methods are safe for concurrent callers.
type Inspector struct {
	mu       sync.Mutex
	system   *model.System
	matcher  *SystemMatcher
	registry *AddressRegistry
	logger   zerolog.Logger

	connectionCount map[*model.Connection]int
	sessions        map[model.FlowKey]struct{}
	known           map[interface{}]bool
}

// NewInspector creates an inspector over the system model.
func NewInspector(system *model.System, logger zerolog.Logger) *Inspector {
	registry := NewAddressRegistry(system, logger)
	i := &Inspector{
		system:          system,
		matcher:         NewSystemMatcher(system, registry),
		registry:        registry,
		logger:          logger.With().Str("component", "inspector").Logger(),
		connectionCount: map[*model.Connection]int{},
		sessions:        map[model.FlowKey]struct{}{},
		known:           map[interface{}]bool{},
	}
	i.listKnown()
	return i
}

// System returns the model under inspection.
func (i *Inspector) System() *model.System { return i.system }

func (i *Inspector) listKnown() {
	for _, h := range i.system.Hosts {
		i.known[h] = true
		for _, s := range h.Services {
			i.known[s] = true
		}
		for _, c := range h.Connections {
			i.known[c] = true
		}
	}
}

// Connection feeds one observed flow through the matcher and applies the
// status and verdict rules to the matched connection and its ends.
func (i *Inspector) Connection(flow model.Flow) *model.Connection {
	i.mu.Lock()
	defer i.mu.Unlock()

	conn, _, _, reply := i.matcher.ConnectionWithEnds(flow)
	if conn.Status == model.StatusPlaceholder {
		panic(fmt.Sprintf("matcher returned placeholder connection for %s", flow))
	}
	i.logger.Debug().Stringer("flow", flow).Str("connection", conn.LongName()).
		Bool("reply", reply).Msg("flow matched")

	count := i.connectionCount[conn] + 1
	i.connectionCount[conn] = count

	_, session := i.sessions[flow.Key()]
	newSession := !session
	if newSession {
		i.sessions[flow.Key()] = struct{}{}
	}

	label := ""
	if flow.Evidence != nil {
		label = flow.Evidence.Label
		if label == "" {
			label = flow.Evidence.Name
		}
	}
	if label != "" {
		conn.RecordSeenBy(label)
	}

	source, target := conn.Source, conn.Target
	// a live connection cannot terminate at placeholders
	if source.Base().Status == model.StatusPlaceholder {
		source.Base().Status = conn.Status
	}
	if target.Base().Status == model.StatusPlaceholder {
		target.Base().Status = conn.Status
	}

	if count == 1 {
		conn.SetSeenNow(label)
		// confirmed local traffic reveals hardware/IP pairings
		if !flow.Source.IP.IsNull() || !flow.Target.IP.IsNull() {
			requester, responder := source, target
			if reply {
				requester, responder = target, source
			}
			requester.ParentHost().LearnAddressPair(flow.Source.HW, flow.Source.IP)
			responder.ParentHost().LearnAddressPair(flow.Target.HW, flow.Target.IP)
		}
	}

	if newSession {
		if !reply {
			i.seenNow(source, label)
			switch {
			case target.Base().Status == model.StatusUnexpected:
				// an unexpected target fails on first contact
				i.seenNow(target, label)
			case target.ParentHost() != nil && target.ParentHost().IsMulticastTarget():
				// multicast targets are confirmed by traffic sent to them
				i.seenNow(target, label)
			case target.Base().Status == model.StatusExternal:
				if !target.Base().Properties.Has(model.KeyExpected) {
					target.Base().Properties.Set(model.KeyExpected,
						model.PropertyValue{Verdict: model.VerdictIncon, Source: label})
				}
			}
		} else {
			i.seenNow(target, label)
		}
	}

	for _, ent := range []interface{}{conn, source, source.ParentHost(), target, target.ParentHost()} {
		i.known[ent] = true
	}
	return conn
}

// seenNow marks the endpoint observed and propagates to its parent host.
func (i *Inspector) seenNow(end model.Endpoint, label string) {
	if end.Base().SetSeenNow(label) {
		i.logger.Debug().Str("entity", end.LongName()).
			Str("verdict", string(end.Base().ExpectedVerdict())).Msg("observed")
	}
	if !end.IsHost() {
		if h := end.ParentHost(); h != nil {
			i.seenNow(h, label)
		}
	}
}

// Name processes a DNS observation: the name is learned for the resolved
// address and previously unknown hosts are classified by the activity of
// the peers that dealt with the name.
func (i *Inspector) Name(event model.NameEvent) *model.Host {
	i.mu.Lock()
	defer i.mu.Unlock()

	if a, ok := reverseName(event.Name); ok {
		// reverse-DNS query, the name is really an address
		h, _ := i.system.GetEndpoint(a).(*model.Host)
		return h
	}

	h := i.registry.LearnNamedAddress(event.Name, event.Address)
	label := ""
	if event.Evidence != nil {
		label = event.Evidence.Name
	}
	if !i.known[h] {
		if h.Status == model.StatusUnexpected {
			judged := false
			for _, peer := range event.Peers {
				if peer.IgnoreNameRequests[event.Name] {
					// this name is explicitly fine to ask for
					continue
				}
				if peer.Activity < model.ActivityOpen {
					// peer should not deal with unknown names
					h.SetSeenNow(label)
					judged = true
					break
				}
			}
			if !judged {
				h.Status = model.StatusExternal
			}
		}
		i.known[h] = true
	}
	return h
}

// reverseName decodes a reverse-DNS query name into the IP address it
// stands for.
func reverseName(name model.DNSName) (model.Address, bool) {
	n := name.String()
	if !strings.HasSuffix(n, ".arpa") {
		return nil, false
	}
	n = strings.TrimSuffix(n, ".arpa")
	if v4, ok := strings.CutSuffix(n, ".in-addr"); ok {
		parts := strings.Split(v4, ".")
		for j, k := 0, len(parts)-1; j < k; j, k = j+1, k-1 {
			parts[j], parts[k] = parts[k], parts[j]
		}
		a, err := model.NewIPAddress(strings.Join(parts, "."))
		if err != nil {
			return nil, false
		}
		return a, true
	}
	if v6, ok := strings.CutSuffix(n, ".ip6"); ok {
		nibbles := strings.ReplaceAll(v6, ".", "")
		runes := []rune(nibbles)
		for j, k := 0, len(runes)-1; j < k; j, k = j+1, k-1 {
			runes[j], runes[k] = runes[k], runes[j]
		}
		var groups []string
		for j := 0; j+4 <= len(runes); j += 4 {
			groups = append(groups, string(runes[j:j+4]))
		}
		a, err := model.NewIPAddress(strings.Join(groups, ":"))
		if err != nil {
			return nil, false
		}
		return a, true
	}
	// e.g. _dns.resolver.arpa, a name after all
	return nil, false
}

// PropertyUpdate applies an externally asserted property verdict to the
// entity at the event address. Placeholder and unexpected entities take no
// properties.
func (i *Inspector) PropertyUpdate(event model.PropertyEvent) (model.Endpoint, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	end := i.system.GetEndpoint(event.Address)
	base := end.Base()
	switch base.Status {
	case model.StatusPlaceholder, model.StatusUnexpected:
		return end, nil
	}
	source := ""
	if event.Evidence != nil {
		source = event.Evidence.Name
	}
	base.Properties.Set(event.Key, model.PropertyValue{
		Verdict:     event.Verdict,
		Explanation: event.Explanation,
		Source:      source,
		Authority:   event.Authority,
	})
	i.logger.Debug().Str("entity", end.LongName()).Str("key", string(event.Key)).
		Str("verdict", string(event.Verdict)).Msg("property update")
	return end, nil
}

// ServiceScan confirms a service found open by a scan tool.
func (i *Inspector) ServiceScan(event model.ServiceScanEvent) *model.Service {
	i.mu.Lock()
	defer i.mu.Unlock()

	end := i.system.GetEndpoint(event.Endpoint)
	svc, ok := end.(*model.Service)
	if !ok {
		return nil
	}
	label := ""
	if event.Evidence != nil {
		label = event.Evidence.Name
	}
	svc.SetSeenNow(label)
	i.known[svc.ParentHost()] = true
	i.known[svc] = true
	return svc
}

// HostScan checks a host's declared services against a complete scan
// result: declared server services missing from the scan fail.
func (i *Inspector) HostScan(event model.HostScanEvent) *model.Host {
	i.mu.Lock()
	defer i.mu.Unlock()

	host, ok := i.system.GetEndpoint(event.Host).(*model.Host)
	if !ok {
		return nil
	}
	label := ""
	if event.Evidence != nil {
		label = event.Evidence.Name
	}
	scanned := map[model.EndpointAddress]bool{}
	for _, ep := range event.Endpoints {
		scanned[ep] = true
	}
	for _, svc := range host.Services {
		if svc.ClientSide || svc.Transport != model.ProtocolTCP {
			// only server TCP services show up in scans
			continue
		}
		if svc.Status != model.StatusExpected {
			continue
		}
		found := false
		for _, a := range svc.AddressList() {
			ep, ok := a.(model.EndpointAddress)
			if !ok {
				continue
			}
			if scanned[ep] || (ep.IsWildcard() && scanned[ep.WithHost(event.Host.Host())]) {
				found = true
				break
			}
		}
		if !found {
			svc.Properties.Set(model.KeyExpected, model.PropertyValue{
				Verdict: model.VerdictFail, Explanation: "not found in scan", Source: label,
			})
		}
	}
	i.known[host] = true
	return host
}
