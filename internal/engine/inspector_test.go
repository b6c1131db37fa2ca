package engine

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testofthings/reconciler-go/internal/builder"
	model "github.com/testofthings/reconciler-go/lib/model"
)

func TestInspector_DHCPLeaseReassignment(t *testing.T) {
	b := builder.NewBuilder("test")
	dev1 := b.Device("Device").HW("1:0:0:0:0:1")
	dhcp := b.Any("X").Service(model.ProtocolDHCP, -1)
	c1 := dev1.ConnectTo(dhcp)
	system, err := b.Finish()
	require.NoError(t, err)

	// request goes to fixed client port 68
	client := dev1.Host().ServiceFor(model.ProtocolUDP, 68)
	require.NotNil(t, client)
	assert.True(t, client.ClientSide)
	assert.Same(t, model.Endpoint(client), c1.Source)

	ins := NewInspector(system, zerolog.Nop())

	f1 := ins.Connection(model.IPFlow(model.ProtocolUDP,
		"1:0:0:0:0:1", "0.0.0.0", 68, "ff:ff:ff:ff:ff:ff", "255.255.255.255", 67))
	f2 := ins.Connection(model.IPFlow(model.ProtocolUDP,
		"1:0:0:0:0:2", "192.168.0.2", 67, "1:0:0:0:0:1", "192.168.0.1", 68))

	assert.Same(t, c1, f1)
	assert.Same(t, c1, f2)
	assert.Equal(t, model.StatusExpected, f1.Status)

	// the reply taught the device its leased IP
	assert.True(t, dev1.Host().HasAddress(model.MustIPAddress("192.168.0.1")))
	assert.True(t, dev1.Host().HasAddress(model.MustHardwareAddress("1:0:0:0:0:1")))

	// an unknown device leases the same IP
	f3 := ins.Connection(model.IPFlow(model.ProtocolUDP,
		"1:0:0:0:0:5", "0.0.0.0", 68, "ff:ff:ff:ff:ff:ff", "255.255.255.255", 67))
	h2 := system.HostOwning(model.MustHardwareAddress("1:0:0:0:0:5"))
	require.NotNil(t, h2)
	assert.Equal(t, "01:00:00:00:00:05", h2.Name)
	assert.Equal(t, model.StatusExternal, f3.Status)

	f4 := ins.Connection(model.IPFlow(model.ProtocolUDP,
		"1:0:0:0:0:2", "192.168.0.2", 67, "1:0:0:0:0:5", "192.168.0.1", 68))
	assert.Same(t, f3, f4)
	assert.NotSame(t, f1, f3)

	// ownership of the address moved, and the host follows its best name
	assert.False(t, dev1.Host().HasAddress(model.MustIPAddress("192.168.0.1")))
	assert.True(t, h2.HasAddress(model.MustIPAddress("192.168.0.1")))
	assert.Equal(t, "192.168.0.1", h2.Name)

	// and once more: the lease moves again
	ins.Connection(model.IPFlow(model.ProtocolUDP,
		"1:0:0:0:0:6", "0.0.0.0", 68, "ff:ff:ff:ff:ff:ff", "255.255.255.255", 67))
	h3 := system.HostOwning(model.MustHardwareAddress("1:0:0:0:0:6"))
	require.NotNil(t, h3)
	assert.Equal(t, "01:00:00:00:00:06", h3.Name)
	ins.Connection(model.IPFlow(model.ProtocolUDP,
		"1:0:0:0:0:2", "192.168.0.2", 67, "1:0:0:0:0:6", "192.168.0.1", 68))

	assert.False(t, h2.HasAddress(model.MustIPAddress("192.168.0.1")))
	assert.True(t, h3.HasAddress(model.MustIPAddress("192.168.0.1")))
	assert.Equal(t, "192.168.0.1 1", h2.Name)
	assert.Equal(t, "192.168.0.1 2", h3.Name)
}

func TestInspector_ARPBroadcast(t *testing.T) {
	b := builder.NewBuilder("test")
	dev1 := b.Device("Device 1").HW("1:0:0:0:0:1")
	dev1.Serve(model.ProtocolARP)
	b.Device("Device 2").HW("1:0:0:0:0:2")
	b.Device("Device 3").HW("1:0:0:0:0:3").ExternalActivity(model.ActivityUnlimited)
	dev4 := b.Device("Device 4").HW("1:0:0:0:0:4")
	dev4.ConnectTo(dev1.Service(model.ProtocolARP, -1))
	system, err := b.Finish()
	require.NoError(t, err)

	ins := NewInspector(system, zerolog.Nop())

	// device 3 may call out at will
	f := ins.Connection(model.EthernetFlow(model.ProtocolARP, "1:0:0:0:0:3", "ff:ff:ff:ff:ff:ff", -1))
	assert.Equal(t, model.StatusExternal, f.Status)

	// device 2 was not declared to make ARP requests
	f = ins.Connection(model.EthernetFlow(model.ProtocolARP, "1:0:0:0:0:2", "ff:ff:ff:ff:ff:ff", -1))
	assert.Equal(t, model.StatusUnexpected, f.Status)

	// an unknown device may
	f = ins.Connection(model.EthernetFlow(model.ProtocolARP, "1:0:0:0:1:1", "ff:ff:ff:ff:ff:ff", -1))
	assert.Equal(t, model.StatusExternal, f.Status)

	// device 4 was declared to
	query := ins.Connection(model.EthernetFlow(model.ProtocolARP, "1:0:0:0:0:4", "ff:ff:ff:ff:ff:ff", -1))
	assert.Equal(t, model.StatusExpected, query.Status)

	// the unicast reply belongs to the same connection as the query
	reply := ins.Connection(model.EthernetFlow(model.ProtocolARP, "1:0:0:0:0:1", "1:0:0:0:0:4", -1))
	assert.Same(t, query, reply)
	assert.Equal(t, model.StatusExpected, reply.Status)

	// a same-looking frame without the ARP tag matches no declared service
	raw := ins.Connection(model.EthernetFlow(model.ProtocolEthernet, "1:0:0:0:0:1", "ff:ff:ff:ff:ff:ff", -1))
	assert.NotSame(t, query, raw)
	assert.Equal(t, model.StatusUnexpected, raw.Status)
	assert.Equal(t, model.VerdictFail, raw.Properties.Resolve(model.KeyExpected))
}

func TestInspector_ICMPWildcardPort(t *testing.T) {
	b := builder.NewBuilder("test")
	router := b.Device("Router").IP("192.168.0.1").HW("1:0:0:0:0:1")
	icmp := router.Service(model.ProtocolICMP, -1)
	client := b.Device("Client").IP("192.168.0.2").HW("1:0:0:0:0:2")
	client.ConnectTo(icmp)
	b.Device("Printer").IP("192.168.0.3").HW("1:0:0:0:0:3")
	system, err := b.Finish()
	require.NoError(t, err)

	ins := NewInspector(system, zerolog.Nop())

	// echo request, type 8: absorbed by the wildcard service
	req := ins.Connection(model.IPFlow(model.ProtocolICMP,
		"1:0:0:0:0:2", "192.168.0.2", 8, "1:0:0:0:0:1", "192.168.0.1", 8))
	assert.Equal(t, model.StatusExpected, req.Status)

	// echo reply, type 0: different discriminator, same connection
	rep := ins.Connection(model.IPFlow(model.ProtocolICMP,
		"1:0:0:0:0:1", "192.168.0.1", 0, "1:0:0:0:0:2", "192.168.0.2", 0))
	assert.Same(t, req, rep)

	// ping between hosts without an ICMP service falls back to host
	// granularity and fails
	other := ins.Connection(model.IPFlow(model.ProtocolICMP,
		"1:0:0:0:0:2", "192.168.0.2", 8, "1:0:0:0:0:3", "192.168.0.3", 8))
	assert.Equal(t, model.StatusUnexpected, other.Status)
	assert.Equal(t, model.VerdictFail, other.Properties.Resolve(model.KeyExpected))

	// an undeclared peer pinging the wildcard service is external on its
	// side only; the declared side stays expected
	ext := ins.Connection(model.IPFlow(model.ProtocolICMP,
		"1:0:0:0:0:9", "192.168.0.9", 8, "1:0:0:0:0:1", "192.168.0.1", 8))
	assert.Equal(t, model.StatusExternal, ext.Status)
	assert.Equal(t, model.VerdictIncon, ext.Properties.Resolve(model.KeyExpected))
	peer := system.HostOwning(model.MustHardwareAddress("1:0:0:0:0:9"))
	require.NotNil(t, peer)
	assert.Equal(t, model.StatusExternal, peer.Status)
	assert.Equal(t, model.StatusExpected, router.Host().Status)
}

func TestInspector_RepeatedFlowIsIdempotent(t *testing.T) {
	b := builder.NewBuilder("test")
	server := b.Device("Server").IP("192.168.0.10").HW("1:0:0:0:0:1")
	ssh := server.Service(model.ProtocolSSH, -1)
	client := b.Device("Client").IP("192.168.0.20").HW("1:0:0:0:0:2")
	client.ConnectTo(ssh)
	system, err := b.Finish()
	require.NoError(t, err)

	ins := NewInspector(system, zerolog.Nop())

	flow := model.IPFlow(model.ProtocolTCP,
		"1:0:0:0:0:2", "192.168.0.20", 40000, "1:0:0:0:0:1", "192.168.0.10", 22)
	first := ins.Connection(flow)
	before := len(system.AllConnections())
	second := ins.Connection(flow)
	assert.Same(t, first, second)
	assert.Len(t, system.AllConnections(), before)
	assert.Equal(t, model.StatusExpected, first.Status)
	assert.Equal(t, model.VerdictPass, first.Properties.Resolve(model.KeyExpected))

	// reply direction still maps to the same connection
	reply := ins.Connection(flow.Reverse())
	assert.Same(t, first, reply)
	assert.Len(t, system.AllConnections(), before)
}

func TestInspector_ReplyCreatesUnknownService(t *testing.T) {
	b := builder.NewBuilder("test")
	b.Device("Client").IP("192.168.0.20").HW("1:0:0:0:0:2")
	b.Device("Box").IP("192.168.0.30").HW("1:0:0:0:0:3")
	system, err := b.Finish()
	require.NoError(t, err)

	ins := NewInspector(system, zerolog.Nop())

	flow := model.IPFlow(model.ProtocolTCP,
		"1:0:0:0:0:2", "192.168.0.20", 51000, "1:0:0:0:0:3", "192.168.0.30", 8080)
	conn := ins.Connection(flow)
	assert.Equal(t, model.StatusUnexpected, conn.Status)
	_, targetIsHost := conn.Target.(*model.Host)
	assert.True(t, targetIsHost)

	// the reply reveals a listening service at the undeclared port
	reply := ins.Connection(flow.Reverse())
	assert.Same(t, conn, reply)
	svc, ok := conn.Target.(*model.Service)
	require.True(t, ok)
	assert.Equal(t, "TCP:8080", svc.Name)
	assert.Equal(t, model.StatusUnexpected, svc.Status)
	assert.Equal(t, 8080, svc.Port)
}

func TestInspector_ExternalBackendTraffic(t *testing.T) {
	b := builder.NewBuilder("test")
	dev := b.Device("Device").IP("192.168.0.5").HW("1:0:0:0:0:5").
		ExternalActivity(model.ActivityUnlimited)
	system, err := b.Finish()
	require.NoError(t, err)

	ins := NewInspector(system, zerolog.Nop())

	// a free-to-act device calling an unknown global address is external
	// traffic, not a failure
	conn := ins.Connection(model.IPFlow(model.ProtocolTCP,
		"1:0:0:0:0:5", "192.168.0.5", 44000, "1:0:0:0:0:9", "203.0.113.9", 443))
	assert.Equal(t, model.StatusExternal, conn.Status)
	assert.Equal(t, model.VerdictIncon, conn.Properties.Resolve(model.KeyExpected))
	assert.Equal(t, model.StatusExpected, dev.Host().Status)

	remote := system.HostOwning(model.MustIPAddress("203.0.113.9"))
	require.NotNil(t, remote)
	assert.Equal(t, model.StatusExternal, remote.Status)
	assert.Equal(t, model.HostRemote, remote.HostType)
}

func TestInspector_EvidenceSourceOverrides(t *testing.T) {
	b := builder.NewBuilder("test")
	dev := b.Device("Device").IP("192.168.0.5").HW("1:0:0:0:0:5")
	cloud := b.Backend("Cloud").DNS("cloud.example.com")
	dev.ConnectTo(cloud.Service(model.ProtocolTLS, -1))
	system, err := b.Finish()
	require.NoError(t, err)

	ins := NewInspector(system, zerolog.Nop())

	// a capture taken behind NAT: the backend shows up as a bare global
	// address, and the device is known to roam freely in this capture
	source := model.NewEvidenceSource("nat-capture")
	source.AddressMap = map[model.Address]*model.Host{
		model.MustIPAddress("203.0.113.80"): cloud.Host(),
	}
	source.ActivityMap = map[*model.Host]model.ExternalActivity{
		dev.Host(): model.ActivityUnlimited,
	}

	flow := model.IPFlow(model.ProtocolTCP,
		"1:0:0:0:0:5", "192.168.0.5", 44000, "1:0:0:0:0:9", "203.0.113.80", 443)
	flow.Evidence = source
	conn := ins.Connection(flow)
	assert.Equal(t, model.StatusExpected, conn.Status)
	assert.Same(t, cloud.Host(), conn.Target.ParentHost())

	// undeclared traffic from the device is tolerated under the override,
	// where the default policy would have failed it
	other := model.IPFlow(model.ProtocolTCP,
		"1:0:0:0:0:5", "192.168.0.5", 44001, "1:0:0:0:0:9", "198.51.100.9", 443)
	other.Evidence = source
	tolerated := ins.Connection(other)
	assert.Equal(t, model.StatusExternal, tolerated.Status)
}

func TestInspector_BannedSourceFails(t *testing.T) {
	b := builder.NewBuilder("test")
	b.Device("Device").IP("192.168.0.5").HW("1:0:0:0:0:5")
	system, err := b.Finish()
	require.NoError(t, err)

	ins := NewInspector(system, zerolog.Nop())

	conn := ins.Connection(model.IPFlow(model.ProtocolTCP,
		"1:0:0:0:0:5", "192.168.0.5", 44000, "1:0:0:0:0:9", "203.0.113.9", 443))
	assert.Equal(t, model.StatusUnexpected, conn.Status)
	assert.Equal(t, model.VerdictFail, conn.Properties.Resolve(model.KeyExpected))
}

func TestInspector_HostScan(t *testing.T) {
	b := builder.NewBuilder("test")
	server := b.Device("Server").IP("192.168.0.10")
	server.Service(model.ProtocolSSH, -1)
	server.Service(model.ProtocolHTTP, -1)
	system, err := b.Finish()
	require.NoError(t, err)

	ins := NewInspector(system, zerolog.Nop())

	host := ins.HostScan(model.HostScanEvent{
		Host: model.MustIPAddress("192.168.0.10"),
		Endpoints: []model.EndpointAddress{
			model.NewEndpointAddress(model.MustIPAddress("192.168.0.10"), model.ProtocolTCP, 22),
		},
	})
	require.NotNil(t, host)

	ssh := host.ServiceFor(model.ProtocolTCP, 22)
	http := host.ServiceFor(model.ProtocolTCP, 80)
	require.NotNil(t, ssh)
	require.NotNil(t, http)
	// SSH was seen, HTTP was declared but missing from the scan
	assert.NotEqual(t, model.VerdictFail, ssh.Properties.Resolve(model.KeyExpected))
	assert.Equal(t, model.VerdictFail, http.Properties.Resolve(model.KeyExpected))
}

func TestInspector_PropertyUpdate(t *testing.T) {
	b := builder.NewBuilder("test")
	server := b.Device("Server").IP("192.168.0.10")
	server.Service(model.ProtocolTLS, -1)
	system, err := b.Finish()
	require.NoError(t, err)

	ins := NewInspector(system, zerolog.Nop())

	end, err := ins.PropertyUpdate(model.PropertyEvent{
		Address: model.NewEndpointAddress(model.MustIPAddress("192.168.0.10"), model.ProtocolTCP, 443),
		Key:     model.KeyEncryption,
		Verdict: model.VerdictPass,
		Explanation: "TLS 1.3 verified",
		Authority:   model.AuthorityTool,
	})
	require.NoError(t, err)
	svc, ok := end.(*model.Service)
	require.True(t, ok)
	assert.Equal(t, model.VerdictPass, svc.Properties.Resolve(model.KeyEncryption))
	assert.Equal(t, "TLS 1.3 verified", svc.Properties.Explanation(model.KeyEncryption))
}

func TestInspector_PropertyUpdateIgnoresUnexpected(t *testing.T) {
	b := builder.NewBuilder("test")
	b.Device("Client").IP("192.168.0.20").HW("1:0:0:0:0:2")
	system, err := b.Finish()
	require.NoError(t, err)

	ins := NewInspector(system, zerolog.Nop())
	// traffic creates an unexpected service on the declared host
	ins.Connection(model.IPFlow(model.ProtocolTCP,
		"1:0:0:0:0:9", "192.168.0.9", 51000, "1:0:0:0:0:2", "192.168.0.20", 9999))

	end, err := ins.PropertyUpdate(model.PropertyEvent{
		Address: model.NewEndpointAddress(model.MustIPAddress("192.168.0.20"), model.ProtocolTCP, 9999),
		Key:     model.KeyEncryption,
		Verdict: model.VerdictPass,
	})
	require.NoError(t, err)
	assert.False(t, end.Base().Properties.Has(model.KeyEncryption))
}
