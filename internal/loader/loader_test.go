package loader

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	model "github.com/testofthings/reconciler-go/lib/model"
)

// eventRecorder captures everything a loader pushes at it.
type eventRecorder struct {
	flows      []model.Flow
	names      []model.NameEvent
	properties []model.PropertyEvent
	services   []model.ServiceScanEvent
	hosts      []model.HostScanEvent
}

func (r *eventRecorder) Connection(flow model.Flow) *model.Connection {
	r.flows = append(r.flows, flow)
	return nil
}

func (r *eventRecorder) Name(event model.NameEvent) *model.Host {
	r.names = append(r.names, event)
	return nil
}

func (r *eventRecorder) PropertyUpdate(event model.PropertyEvent) (model.Endpoint, error) {
	r.properties = append(r.properties, event)
	return nil, nil
}

func (r *eventRecorder) ServiceScan(event model.ServiceScanEvent) *model.Service {
	r.services = append(r.services, event)
	return nil
}

func (r *eventRecorder) HostScan(event model.HostScanEvent) *model.Host {
	r.hosts = append(r.hosts, event)
	return nil
}

func TestPcapReader_Load(t *testing.T) {
	path := createTestPCAP(t)
	defer os.Remove(path)

	rec := &eventRecorder{}
	reader := NewPcapReader(path, zerolog.Nop())
	stats, err := reader.Load(rec)
	require.NoError(t, err)

	assert.Equal(t, 3, stats.Flows)
	require.Len(t, rec.flows, 3)

	udp := rec.flows[0]
	assert.Equal(t, model.ProtocolUDP, udp.Protocol)
	assert.Equal(t, model.MustHardwareAddress("00:11:22:33:44:55"), udp.Source.HW)
	assert.Equal(t, model.MustIPAddress("192.168.1.100"), udp.Source.IP)
	assert.Equal(t, 44321, udp.Source.Port)
	assert.Equal(t, 53, udp.Target.Port)
	assert.Same(t, reader.Source(), udp.Evidence)
	assert.False(t, udp.Timestamp.IsZero())

	arp := rec.flows[1]
	assert.Equal(t, model.ProtocolARP, arp.Protocol)
	assert.Equal(t, model.MustHardwareAddress("00:11:22:33:44:55"), arp.Source.HW)
	assert.Equal(t, model.BroadcastHardwareAddress, arp.Target.HW)
	assert.Equal(t, -1, arp.Source.Port)

	// the DNS reply yields both a flow and a name event
	reply := rec.flows[2]
	assert.Equal(t, model.ProtocolUDP, reply.Protocol)
	assert.Equal(t, 53, reply.Source.Port)

	require.Len(t, rec.names, 1)
	assert.Equal(t, model.NewDNSName("cloud.example.com"), rec.names[0].Name)
	assert.Equal(t, model.MustIPAddress("203.0.113.7"), rec.names[0].Address)
}

func TestPcapReader_MissingFile(t *testing.T) {
	reader := NewPcapReader("/nonexistent/missing.pcap", zerolog.Nop())
	_, err := reader.Load(&eventRecorder{})
	require.Error(t, err)
}

func TestFlowLogReader_Read(t *testing.T) {
	log := strings.Join([]string{
		`# captured flows`,
		`{"protocol": "udp", "source": {"hw": "1:0:0:0:0:1", "ip": "192.168.0.2", "port": 67}, "target": {"ip": "255.255.255.255", "port": 68}}`,
		``,
		`{"protocol": "tcp", "source": {"ip": "192.168.0.2", "port": 40000}, "target": {"ip": "203.0.113.7", "port": 443}, "timestamp": "2026-01-05T12:00:00Z"}`,
	}, "\n")

	rec := &eventRecorder{}
	reader := NewFlowLogReader("flows.log", zerolog.Nop())
	stats, err := reader.read(strings.NewReader(log), rec)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Flows)
	require.Len(t, rec.flows, 2)

	f := rec.flows[0]
	assert.Equal(t, model.ProtocolUDP, f.Protocol)
	assert.Equal(t, model.MustHardwareAddress("01:00:00:00:00:01"), f.Source.HW)
	assert.Equal(t, 67, f.Source.Port)
	assert.True(t, f.Target.HW.IsNull())
	assert.Equal(t, model.BroadcastIPAddress, f.Target.IP)
	assert.Same(t, reader.Source(), f.Evidence)

	assert.Equal(t, time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC), rec.flows[1].Timestamp)
}

func TestFlowLogReader_BadLine(t *testing.T) {
	rec := &eventRecorder{}
	reader := NewFlowLogReader("flows.log", zerolog.Nop())

	_, err := reader.read(strings.NewReader(`{"source": {"ip": "192.168.0.2"}}`), rec)
	require.ErrorContains(t, err, "line 1")

	_, err = reader.read(strings.NewReader(`{"protocol": "udp", "source": {"ip": "not-an-ip"}}`), rec)
	require.ErrorContains(t, err, "line 1")

	_, err = reader.read(strings.NewReader(`{"protocol": "udp", "source": {"port": 67}, "target": {"port": 68}}`), rec)
	require.ErrorContains(t, err, "without any address")
}

func TestClaimsReader_Load(t *testing.T) {
	content := `
authority: Manual
claims:
  - at: "203.0.113.7|ip/tcp:443"
    key: "check:encryption"
    verdict: pass
    explanation: "TLS 1.3 verified"
scans:
  services:
    - endpoint: "192.168.0.10|ip/udp:53"
      name: "domain"
  hosts:
    - host: "192.168.0.10"
      endpoints: ["192.168.0.10|ip/udp:53", "192.168.0.10|ip/tcp:22"]
names:
  - name: "cloud.example.com"
    address: "203.0.113.7"
`
	path := filepath.Join(t.TempDir(), "claims.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	rec := &eventRecorder{}
	reader := NewClaimsReader(path, zerolog.Nop())
	stats, err := reader.Load(rec)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Properties)
	assert.Equal(t, 2, stats.Scans)
	assert.Equal(t, 1, stats.Names)

	require.Len(t, rec.properties, 1)
	p := rec.properties[0]
	assert.Equal(t, model.PropertyKey("check:encryption"), p.Key)
	assert.Equal(t, model.VerdictPass, p.Verdict)
	assert.Equal(t, model.AuthorityManual, p.Authority)
	ep, ok := p.Address.(model.EndpointAddress)
	require.True(t, ok)
	assert.Equal(t, 443, ep.Port())

	require.Len(t, rec.services, 1)
	assert.Equal(t, "domain", rec.services[0].ServiceName)
	require.Len(t, rec.hosts, 1)
	assert.Len(t, rec.hosts[0].Endpoints, 2)
	require.Len(t, rec.names, 1)
	assert.Equal(t, model.MustIPAddress("203.0.113.7"), rec.names[0].Address)
}

func TestClaimsReader_ToolAuthority(t *testing.T) {
	content := `
authority: Tool
claims:
  - at: "192.168.0.2"
    key: "check:protocol:http"
    verdict: fail
`
	path := filepath.Join(t.TempDir(), "tool.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	rec := &eventRecorder{}
	_, err := NewClaimsReader(path, zerolog.Nop()).Load(rec)
	require.NoError(t, err)
	require.Len(t, rec.properties, 1)
	assert.Equal(t, model.KeyProtocol.Append("http"), rec.properties[0].Key)
	assert.Equal(t, model.AuthorityTool, rec.properties[0].Authority)
}

func TestClaimsReader_BadAuthority(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("authority: Oracle\n"), 0o644))

	_, err := NewClaimsReader(path, zerolog.Nop()).Load(&eventRecorder{})
	require.ErrorContains(t, err, "unknown authority")
}

// createTestPCAP writes a small capture: a DNS query, an ARP request and the
// DNS reply carrying an A record.
func createTestPCAP(t *testing.T) string {
	buf := &bytes.Buffer{}
	w := pcapgo.NewWriter(buf)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))

	clientMAC := net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}
	routerMAC := net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}
	broadcast := net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	clientIP := net.IP{192, 168, 1, 100}
	routerIP := net.IP{192, 168, 1, 1}

	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	ts := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)

	writePacket := func(layerStack ...gopacket.SerializableLayer) {
		pkt := gopacket.NewSerializeBuffer()
		require.NoError(t, gopacket.SerializeLayers(pkt, opts, layerStack...))
		require.NoError(t, w.WritePacket(gopacket.CaptureInfo{
			Timestamp: ts, Length: len(pkt.Bytes()), CaptureLength: len(pkt.Bytes()),
		}, pkt.Bytes()))
		ts = ts.Add(10 * time.Millisecond)
	}

	// DNS query
	eth := &layers.Ethernet{SrcMAC: clientMAC, DstMAC: routerMAC, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{Version: 4, TTL: 64, SrcIP: clientIP, DstIP: routerIP, Protocol: layers.IPProtocolUDP}
	udp := &layers.UDP{SrcPort: 44321, DstPort: 53}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	query := &layers.DNS{
		ID: 1, RD: true, OpCode: layers.DNSOpCodeQuery,
		Questions: []layers.DNSQuestion{{
			Name: []byte("cloud.example.com"), Type: layers.DNSTypeA, Class: layers.DNSClassIN,
		}},
	}
	writePacket(eth, ip, udp, query)

	// ARP request
	arp := &layers.ARP{
		AddrType: layers.LinkTypeEthernet, Protocol: layers.EthernetTypeIPv4,
		HwAddressSize: 6, ProtAddressSize: 4, Operation: layers.ARPRequest,
		SourceHwAddress: clientMAC, SourceProtAddress: clientIP,
		DstHwAddress: net.HardwareAddr{0, 0, 0, 0, 0, 0}, DstProtAddress: routerIP,
	}
	ethArp := &layers.Ethernet{SrcMAC: clientMAC, DstMAC: broadcast, EthernetType: layers.EthernetTypeARP}
	writePacket(ethArp, arp)

	// DNS reply with an A record
	ethRep := &layers.Ethernet{SrcMAC: routerMAC, DstMAC: clientMAC, EthernetType: layers.EthernetTypeIPv4}
	ipRep := &layers.IPv4{Version: 4, TTL: 64, SrcIP: routerIP, DstIP: clientIP, Protocol: layers.IPProtocolUDP}
	udpRep := &layers.UDP{SrcPort: 53, DstPort: 44321}
	require.NoError(t, udpRep.SetNetworkLayerForChecksum(ipRep))
	reply := &layers.DNS{
		ID: 1, QR: true, RD: true, RA: true, OpCode: layers.DNSOpCodeQuery,
		Questions: []layers.DNSQuestion{{
			Name: []byte("cloud.example.com"), Type: layers.DNSTypeA, Class: layers.DNSClassIN,
		}},
		Answers: []layers.DNSResourceRecord{{
			Name: []byte("cloud.example.com"), Type: layers.DNSTypeA, Class: layers.DNSClassIN,
			TTL: 300, IP: net.IP{203, 0, 113, 7},
		}},
	}
	writePacket(ethRep, ipRep, udpRep, reply)

	path := filepath.Join(t.TempDir(), "test_capture.pcap")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}
