package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSystem_FreeHostName_RetroactiveRename(t *testing.T) {
	s := NewSystem("test")
	h1 := s.AddHost(NewHost("device"))
	assert.Equal(t, "device", h1.Name)

	// Second claimant forces the first holder to "device 1".
	h2 := s.AddHost(NewHost("device"))
	assert.Equal(t, "device 1", h1.Name)
	assert.Equal(t, "device 2", h2.Name)

	h3 := s.AddHost(NewHost("device"))
	assert.Equal(t, "device 3", h3.Name)

	assert.Same(t, h1, s.HostByName("device 1"))
	assert.Same(t, h2, s.HostByName("device 2"))
	assert.Nil(t, s.HostByName("device"))
}

func TestSystem_RenameHost(t *testing.T) {
	s := NewSystem("test")
	h := s.AddHost(NewHost("01:00:00:00:00:05"))
	s.RenameHost(h, "192.168.0.1")
	assert.Equal(t, "192.168.0.1", h.Name)
	assert.Nil(t, s.HostByName("01:00:00:00:00:05"))
	assert.Same(t, h, s.HostByName("192.168.0.1"))
}

func TestSystem_IsExternal(t *testing.T) {
	s := NewSystem("test")
	assert.False(t, s.IsExternal(MustIPAddress("192.168.4.4")))
	assert.True(t, s.IsExternal(MustIPAddress("8.8.8.8")))
	// Broadcast, null and hardware addresses are never external.
	assert.False(t, s.IsExternal(BroadcastIPAddress))
	assert.False(t, s.IsExternal(NullIPAddress))
	assert.False(t, s.IsExternal(MustHardwareAddress("00:11:22:33:44:55")))
	// Endpoint addresses are judged by their host part.
	assert.True(t, s.IsExternal(NewEndpointAddress(MustIPAddress("1.2.3.4"), ProtocolTCP, 443)))
}

func TestSystem_GetEndpoint_CreatesUnknownHost(t *testing.T) {
	s := NewSystem("test")
	ip := MustIPAddress("203.0.113.9")
	e := s.GetEndpoint(ip)
	h, ok := e.(*Host)
	require.True(t, ok)
	assert.Equal(t, StatusUnexpected, h.Status)
	assert.Equal(t, HostRemote, h.HostType)
	assert.Equal(t, ActivityUnlimited, h.Activity)
	assert.True(t, h.HasAddress(ip))

	// Same address resolves to the same host.
	assert.Same(t, e, s.GetEndpoint(ip))
}

func TestSystem_GetEndpoint_CreatesService(t *testing.T) {
	s := NewSystem("test")
	addr := NewEndpointAddress(MustIPAddress("192.168.0.9"), ProtocolTCP, 8080)
	e := s.GetEndpoint(addr)
	svc, ok := e.(*Service)
	require.True(t, ok)
	assert.Equal(t, "TCP:8080", svc.Name)
	assert.Equal(t, StatusUnexpected, svc.Status)
	assert.Equal(t, 8080, svc.Port)

	// Resolving again finds the created service through its wildcard address.
	assert.Same(t, e, s.GetEndpoint(addr))
}

func TestHost_ServiceFor_WildcardFallback(t *testing.T) {
	s := NewSystem("test")
	h := s.AddHost(NewHost("router"))
	dns := h.AddService(NewService(MustSpec(ProtocolDNS, -1)))
	icmp := h.AddService(NewService(MustSpec(ProtocolICMP, -1)))

	assert.Same(t, dns, h.ServiceFor(ProtocolUDP, 53))
	// ICMP declares a wildcard port that absorbs every type and code.
	assert.Same(t, icmp, h.ServiceFor(ProtocolICMP, 8))
	assert.Same(t, icmp, h.ServiceFor(ProtocolICMP, 0))
	assert.Nil(t, h.ServiceFor(ProtocolTCP, 80))
}

func TestEntity_SetSeenNow(t *testing.T) {
	e := &Entity{Status: StatusExpected}
	assert.True(t, e.SetSeenNow("cap"))
	assert.Equal(t, VerdictPass, e.ExpectedVerdict())
	// Repeat observation records nothing new.
	assert.False(t, e.SetSeenNow("cap"))

	u := &Entity{Status: StatusUnexpected}
	assert.True(t, u.SetSeenNow("cap"))
	assert.Equal(t, VerdictFail, u.ExpectedVerdict())

	x := &Entity{Status: StatusExternal}
	assert.False(t, x.SetSeenNow("cap"))
	assert.Equal(t, VerdictIncon, x.ExpectedVerdict())
}

func TestHost_OverallVerdict_FailedExpectationVetoesPass(t *testing.T) {
	s := NewSystem("test")
	h := s.AddHost(NewHost("device"))
	h.Status = StatusExpected
	svc := h.AddService(NewService(MustSpec(ProtocolSSH, -1)))
	svc.Properties.Set(KeyExpected, PropertyValue{Verdict: VerdictPass})
	assert.Equal(t, VerdictPass, h.OverallVerdict())

	// A failed expectation on the host itself cannot be outvoted by
	// passing children.
	h.Properties.Set(KeyExpected, PropertyValue{Verdict: VerdictFail})
	assert.Equal(t, VerdictFail, h.OverallVerdict())
}

func TestHost_LearnAddressPair(t *testing.T) {
	s := NewSystem("test")
	h := s.AddHost(NewHost("device"))
	hw := MustHardwareAddress("00:11:22:33:44:55")
	h.AddAddress(hw)

	ip := MustIPAddress("192.168.0.7")
	assert.True(t, h.LearnAddressPair(hw, ip))
	assert.True(t, h.HasAddress(ip))
	// Second time around nothing changes.
	assert.False(t, h.LearnAddressPair(hw, ip))

	// External and broadcast addresses are not learned.
	assert.False(t, h.LearnAddressPair(hw, MustIPAddress("8.8.8.8")))
	assert.False(t, h.LearnAddressPair(hw, BroadcastIPAddress))
	assert.False(t, h.LearnAddressPair(NullHardwareAddress, ip))
}

func TestConnection_Index(t *testing.T) {
	s := NewSystem("test")
	src := s.AddHost(NewHost("client"))
	dst := s.AddHost(NewHost("server"))
	svc := dst.AddService(NewService(MustSpec(ProtocolHTTP, -1)))

	a := NewEndpointAddress(MustIPAddress("192.168.0.2"), ProtocolTCP, 40000)
	b := NewEndpointAddress(MustIPAddress("192.168.0.3"), ProtocolTCP, 80)
	c := s.NewConnection(src, a, svc, b)
	require.NotNil(t, c)
	assert.Same(t, c, s.ConnectionAt(a, b))
	assert.Nil(t, s.ConnectionAt(b, a))

	s.IndexConnection(b, a, c)
	assert.Same(t, c, s.ConnectionAt(b, a))
	assert.Contains(t, src.Connections, c)
}
