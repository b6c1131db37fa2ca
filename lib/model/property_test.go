package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPropertyStore_KeepsAllWrites(t *testing.T) {
	var ps PropertyStore
	ps.Set(KeyExpected, PropertyValue{Verdict: VerdictPass, Source: "capture-1"})
	ps.Set(KeyExpected, PropertyValue{Verdict: VerdictFail, Source: "scan-2"})

	// Both writes survive; the resolved verdict folds them.
	require.Len(t, ps.Values(KeyExpected), 2)
	assert.Equal(t, VerdictFail, ps.Resolve(KeyExpected))
}

func TestPropertyStore_ResolveUnsetKey(t *testing.T) {
	var ps PropertyStore
	assert.Equal(t, VerdictIncon, ps.Resolve(KeyEncryption))
	assert.False(t, ps.Has(KeyEncryption))
}

func TestPropertyStore_IgnoreDominates(t *testing.T) {
	var ps PropertyStore
	ps.Set(KeyAuthentication, PropertyValue{Verdict: VerdictFail, Source: "tool"})
	ps.Set(KeyAuthentication, PropertyValue{Verdict: VerdictIgnore, Source: "reviewer", Authority: AuthorityManual})
	assert.Equal(t, VerdictIgnore, ps.Resolve(KeyAuthentication))
}

func TestPropertyStore_ResolveAll(t *testing.T) {
	var ps PropertyStore
	ps.Set(KeyExpected, PropertyValue{Verdict: VerdictPass})
	ps.Set(KeyEncryption, PropertyValue{Verdict: VerdictIgnore})
	// Ignored keys drop out of the aggregate instead of passing it.
	assert.Equal(t, VerdictPass, ps.ResolveAll())

	ps.Set(KeyAuthentication, PropertyValue{Verdict: VerdictFail})
	assert.Equal(t, VerdictFail, ps.ResolveAll())
}

func TestPropertyStore_Explanation(t *testing.T) {
	var ps PropertyStore
	ps.Set(KeyDataConfirmed, PropertyValue{Verdict: VerdictPass, Explanation: "seen in capture", Source: "pcap"})
	assert.Equal(t, "seen in capture", ps.Explanation(KeyDataConfirmed))
}

func TestPropertyKey_Append(t *testing.T) {
	k := KeyExpected.Append("connection")
	assert.Equal(t, PropertyKey("check:expected:connection"), k)
	assert.Equal(t, []string{"check", "expected", "connection"}, k.Segments())
}
