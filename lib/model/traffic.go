package model

import (
	"fmt"
	"time"
)

// EvidenceSource identifies where a batch of evidence came from: a capture
// file, a tool run, a manual statement. The label is used for filtering and
// provenance in reports.
type EvidenceSource struct {
	Name    string
	BaseRef string
	Label   string
	// AddressMap carries source-specific address-to-entity hints, e.g. a
	// capture taken behind NAT where an external IP stands for a known host.
	AddressMap map[Address]*Host
	// ActivityMap overrides external activity policy per host for this
	// source only.
	ActivityMap map[*Host]ExternalActivity
	Timestamp   time.Time
}

// NewEvidenceSource creates a source with the label defaulting to the name.
func NewEvidenceSource(name string) *EvidenceSource {
	return &EvidenceSource{Name: name, Label: name}
}

func (s *EvidenceSource) String() string { return s.Name }

// FlowEnd is one side of an observed flow. The zero hardware and IP values
// mean the address was not observed. Port is negative when the transport has
// no port concept.
type FlowEnd struct {
	HW   HardwareAddress
	IP   IPAddress
	Port int
}

// Addresses returns the observed address stack, most specific last.
func (e FlowEnd) Addresses() []Address {
	var ads []Address
	if !e.HW.IsNull() {
		ads = append(ads, e.HW)
	}
	if !e.IP.IsNull() {
		ads = append(ads, e.IP)
	}
	return ads
}

// BestAddress picks the address to represent this end: the IP when present,
// otherwise the hardware address.
func (e FlowEnd) BestAddress() Address {
	if !e.IP.IsNull() {
		return e.IP
	}
	return e.HW
}

func (e FlowEnd) String() string {
	if e.Port >= 0 {
		return fmt.Sprintf("%s %s:%d", e.HW, e.IP, e.Port)
	}
	return fmt.Sprintf("%s %s", e.HW, e.IP)
}

// Flow is one observed traffic event between two endpoints. For Ethernet
// level protocols (ARP, EAPOL) the IP fields stay null and Port carries the
// payload discriminator, if any.
type Flow struct {
	Protocol  Protocol
	Source    FlowEnd
	Target    FlowEnd
	Evidence  *EvidenceSource
	Timestamp time.Time
}

// FlowKey identifies a flow for deduplication; identical evidence must map
// to the same connection without creating duplicates. The evidence source is
// deliberately not part of the key inside one engine.
type FlowKey struct {
	Protocol Protocol
	Source   FlowEnd
	Target   FlowEnd
}

// Key returns the comparable identity of the flow.
func (f Flow) Key() FlowKey {
	return FlowKey{Protocol: f.Protocol, Source: f.Source, Target: f.Target}
}

// Reverse returns the flow with endpoints swapped.
func (f Flow) Reverse() Flow {
	f.Source, f.Target = f.Target, f.Source
	return f
}

// End returns the target or source end.
func (f Flow) End(target bool) FlowEnd {
	if target {
		return f.Target
	}
	return f.Source
}

func (f Flow) String() string {
	return fmt.Sprintf("%s >> %s %s", f.Source, f.Target, f.Protocol)
}

// IPFlow builds an IP-carried flow event from string addresses; it panics on
// bad addresses and is intended for tests and loaders with validated input.
func IPFlow(protocol Protocol, srcHW, srcIP string, srcPort int, dstHW, dstIP string, dstPort int) Flow {
	return Flow{
		Protocol: protocol,
		Source:   FlowEnd{HW: MustHardwareAddress(srcHW), IP: MustIPAddress(srcIP), Port: srcPort},
		Target:   FlowEnd{HW: MustHardwareAddress(dstHW), IP: MustIPAddress(dstIP), Port: dstPort},
	}
}

// EthernetFlow builds an Ethernet-level flow event. The payload type is
// carried in the port fields; -1 when irrelevant.
func EthernetFlow(protocol Protocol, srcHW, dstHW string, payload int) Flow {
	return Flow{
		Protocol: protocol,
		Source:   FlowEnd{HW: MustHardwareAddress(srcHW), Port: payload},
		Target:   FlowEnd{HW: MustHardwareAddress(dstHW), Port: payload},
	}
}

// PropertyEvent asserts a verdict for a property key at a located entity.
type PropertyEvent struct {
	Address     Address // entity locator address (host or endpoint)
	Key         PropertyKey
	Verdict     Verdict
	Explanation string
	Authority   Authority
	Evidence    *EvidenceSource
}

// NameEvent reports a DNS name observation, optionally bound to an address.
type NameEvent struct {
	Name     DNSName
	Address  Address // nil when only the name was seen
	Peers    []*Host // hosts that asked for or served the name
	Evidence *EvidenceSource
}

// ServiceScanEvent reports that a scan found a service open at an endpoint.
type ServiceScanEvent struct {
	Endpoint    EndpointAddress
	ServiceName string
	Evidence    *EvidenceSource
}

// HostScanEvent reports the complete set of open endpoints a scan found on a
// host; declared services missing from the set fail.
type HostScanEvent struct {
	Host      Address
	Endpoints []EndpointAddress
	Evidence  *EvidenceSource
}
