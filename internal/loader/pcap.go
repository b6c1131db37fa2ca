package loader

import (
	"fmt"
	"net"
	"path/filepath"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"github.com/rs/zerolog"

	lib_layers "github.com/testofthings/reconciler-go/lib/layers"
	model "github.com/testofthings/reconciler-go/lib/model"
)

// PcapReader reads a capture file and feeds one flow event per packet into
// the sink. Packets whose layers carry no usable endpoint evidence are
// skipped, not failed; a capture full of exotic traffic still loads.
type PcapReader struct {
	path   string
	source *model.EvidenceSource
	logger zerolog.Logger
}

// NewPcapReader creates a reader; the evidence source is named after the
// capture file.
func NewPcapReader(path string, logger zerolog.Logger) *PcapReader {
	return &PcapReader{
		path:   path,
		source: model.NewEvidenceSource(filepath.Base(path)),
		logger: logger.With().Str("component", "pcap").Str("file", path).Logger(),
	}
}

// Source returns the evidence source all loaded events carry.
func (r *PcapReader) Source() *model.EvidenceSource { return r.source }

// Load parses the capture and pushes flow and name events into the sink.
func (r *PcapReader) Load(sink EventSink) (Stats, error) {
	var stats Stats
	lib_layers.InitLayerMDNS()
	handle, err := pcap.OpenOffline(r.path)
	if err != nil {
		return stats, fmt.Errorf("failed to open pcap: %w", err)
	}
	defer handle.Close()

	packetSource := gopacket.NewPacketSource(handle, handle.LinkType())
	packetSource.DecodeOptions.Lazy = true
	packetSource.DecodeOptions.NoCopy = true

	for packet := range packetSource.Packets() {
		flow, ok := r.flowOf(packet)
		if !ok {
			stats.Skipped++
			continue
		}
		flow.Evidence = r.source
		flow.Timestamp = packet.Metadata().Timestamp
		sink.Connection(flow)
		stats.Flows++

		stats.Names += r.names(packet, sink)
	}
	r.logger.Info().Int("flows", stats.Flows).Int("names", stats.Names).
		Int("skipped", stats.Skipped).Msg("capture loaded")
	return stats, nil
}

// flowOf extracts a single flow event from the packet's layer stack.
func (r *PcapReader) flowOf(packet gopacket.Packet) (model.Flow, bool) {
	var src, dst model.FlowEnd
	src.Port, dst.Port = -1, -1

	if ethLayer := packet.Layer(layers.LayerTypeEthernet); ethLayer != nil {
		eth := ethLayer.(*layers.Ethernet)
		src.HW = hwAddress(eth.SrcMAC)
		dst.HW = hwAddress(eth.DstMAC)
	}

	if packet.Layer(layers.LayerTypeARP) != nil {
		// the frame addresses identify the talkers; the ARP payload target
		// is zeroed in requests
		return model.Flow{Protocol: model.ProtocolARP, Source: src, Target: dst}, true
	}

	if ip4Layer := packet.Layer(layers.LayerTypeIPv4); ip4Layer != nil {
		ip4 := ip4Layer.(*layers.IPv4)
		src.IP = ipAddress(ip4.SrcIP)
		dst.IP = ipAddress(ip4.DstIP)
	} else if ip6Layer := packet.Layer(layers.LayerTypeIPv6); ip6Layer != nil {
		ip6 := ip6Layer.(*layers.IPv6)
		src.IP = ipAddress(ip6.SrcIP)
		dst.IP = ipAddress(ip6.DstIP)
	}

	if tcpLayer := packet.Layer(layers.LayerTypeTCP); tcpLayer != nil {
		tcp := tcpLayer.(*layers.TCP)
		src.Port = int(tcp.SrcPort)
		dst.Port = int(tcp.DstPort)
		return model.Flow{Protocol: model.ProtocolTCP, Source: src, Target: dst}, true
	}
	if udpLayer := packet.Layer(layers.LayerTypeUDP); udpLayer != nil {
		udp := udpLayer.(*layers.UDP)
		src.Port = int(udp.SrcPort)
		dst.Port = int(udp.DstPort)
		return model.Flow{Protocol: model.ProtocolUDP, Source: src, Target: dst}, true
	}
	if icmpLayer := packet.Layer(layers.LayerTypeICMPv4); icmpLayer != nil {
		icmp := icmpLayer.(*layers.ICMPv4)
		// the ICMP type stands in for a port; wildcard services absorb any
		src.Port = int(icmp.TypeCode.Type())
		dst.Port = int(icmp.TypeCode.Type())
		return model.Flow{Protocol: model.ProtocolICMP, Source: src, Target: dst}, true
	}
	if icmp6Layer := packet.Layer(layers.LayerTypeICMPv6); icmp6Layer != nil {
		icmp6 := icmp6Layer.(*layers.ICMPv6)
		src.Port = int(icmp6.TypeCode.Type())
		dst.Port = int(icmp6.TypeCode.Type())
		return model.Flow{Protocol: model.ProtocolICMP, Source: src, Target: dst}, true
	}
	if !src.IP.IsNull() || !dst.IP.IsNull() {
		return model.Flow{Protocol: model.ProtocolIP, Source: src, Target: dst}, true
	}
	return model.Flow{}, false
}

// names extracts name events from DNS and mDNS answer records.
func (r *PcapReader) names(packet gopacket.Packet, sink EventSink) int {
	if dnsLayer := packet.Layer(layers.LayerTypeDNS); dnsLayer != nil {
		dns := dnsLayer.(*layers.DNS)
		if !dns.QR {
			return 0
		}
		count := 0
		for _, answer := range dns.Answers {
			if answer.Type != layers.DNSTypeA && answer.Type != layers.DNSTypeAAAA {
				continue
			}
			if answer.IP == nil {
				continue
			}
			sink.Name(model.NameEvent{
				Name:     model.NewDNSName(string(answer.Name)),
				Address:  ipAddress(answer.IP),
				Evidence: r.source,
			})
			count++
		}
		return count
	}
	if mdnsLayer := packet.Layer(lib_layers.LayerTypeMDNS); mdnsLayer != nil {
		mdns := mdnsLayer.(*lib_layers.MDNS)
		if !mdns.QR {
			return 0
		}
		count := 0
		for _, record := range mdns.Records {
			if record.IP == nil {
				continue
			}
			sink.Name(model.NameEvent{
				Name:     model.NewDNSName(record.Name),
				Address:  ipAddress(record.IP),
				Evidence: r.source,
			})
			count++
		}
		return count
	}
	return 0
}

func hwAddress(a net.HardwareAddr) model.HardwareAddress {
	if len(a) == 0 {
		return model.HardwareAddress{}
	}
	hw, err := model.NewHardwareAddress(a.String())
	if err != nil {
		return model.HardwareAddress{}
	}
	return hw
}

func ipAddress(a net.IP) model.IPAddress {
	if a == nil {
		return model.IPAddress{}
	}
	ip, err := model.NewIPAddress(a.String())
	if err != nil {
		return model.IPAddress{}
	}
	return ip
}
