package engine

import (
	"github.com/rs/zerolog"

	model "github.com/testofthings/reconciler-go/lib/model"
)

// AddressRegistry learns address ownership from evidence: DHCP leases bind
// IP addresses to hardware addresses, DNS traffic binds names to IP
// addresses. Ownership moves are transactional; the display-name index and
// the address sets change together.
type AddressRegistry struct {
	system *model.System
	logger zerolog.Logger
	// onChange is notified with the host and its previous addresses after
	// an ownership change, so matchers can rebuild their indices.
	onChange func(host *model.Host, old []model.Address)
}

// NewAddressRegistry creates a registry over the system model.
func NewAddressRegistry(system *model.System, logger zerolog.Logger) *AddressRegistry {
	return &AddressRegistry{system: system, logger: logger.With().Str("component", "registry").Logger()}
}

// LearnIPAddress records a fresh IP lease for the host. Any other host
// holding the address loses it, and a host named after its address is
// renamed to follow the best address it now owns.
func (r *AddressRegistry) LearnIPAddress(host *model.Host, ip model.IPAddress) {
	oldPri := model.PrioritizedAddress(host.AddressList())
	host.AddAddress(ip)
	if host.Name == oldPri.String() {
		nn := model.PrioritizedAddress(host.AddressList()).String()
		if nn != host.Name {
			r.system.RenameHost(host, nn)
		}
	}
	r.logger.Debug().Str("host", host.Name).Str("ip", ip.String()).Msg("learned IP address")

	for _, h := range r.system.Hosts {
		if h != host && h.HasAddress(ip) {
			h.RemoveAddress(ip)
			r.logger.Debug().Str("host", h.Name).Str("ip", ip.String()).Msg("evicted stale IP address")
		}
	}
}

// LearnNamedAddress records that a DNS name resolved to an address, merging
// name and address ownership into a single host. Returns the host that owns
// the name afterwards.
func (r *AddressRegistry) LearnNamedAddress(name model.DNSName, address model.Address) *model.Host {
	var named, addressed *model.Host
	for _, h := range r.system.Hosts {
		if h.HasAddress(name) {
			named = h
		} else if address != nil && h.HasAddress(address) {
			addressed = h
		}
	}

	if named == nil && addressed != nil {
		// name is news for the addressed host
		old := addressed.AddressList()
		wasNamedByAddress := addressed.Name == model.PrioritizedAddress(old).String()
		addressed.AddAddress(name)
		if wasNamedByAddress {
			// host was named after its address, the DNS name reads better
			r.system.RenameHost(addressed, name.String())
		}
		r.notify(addressed, old)
		return addressed
	}

	if named == nil {
		named, _ = r.system.GetEndpoint(model.Address(name)).(*model.Host)
	}

	if addressed == nil {
		if address != nil {
			old := named.AddressList()
			named.AddAddress(address)
			r.notify(named, old)
		}
		return named
	}

	if len(named.AddressList()) == 1 {
		// named host holds nothing but the name, fold it into the
		// addressed host
		old := addressed.AddressList()
		r.system.DropHost(named)
		addressed.AddAddress(name)
		r.notify(addressed, old)
		return addressed
	}

	// address contested between two hosts, the latest claim wins
	oldA, oldN := addressed.AddressList(), named.AddressList()
	addressed.RemoveAddress(address)
	named.AddAddress(address)
	r.notify(addressed, oldA)
	r.notify(named, oldN)
	return named
}

func (r *AddressRegistry) notify(host *model.Host, old []model.Address) {
	if r.onChange != nil {
		r.onChange(host, old)
	}
}
