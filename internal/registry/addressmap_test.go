package registry

import (
	"net/netip"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddressMapExactPortTakesPrecedenceOverWildcard(t *testing.T) {
	m := NewAddressMap(zerolog.Nop())
	require.NoError(t, m.AddRule(MappingRule{
		FromAddr: netip.MustParseAddr("192.0.2.1"),
		FromPort: 0,
		ToAddr:   netip.MustParseAddr("203.0.113.1"),
	}))
	require.NoError(t, m.AddRule(MappingRule{
		FromAddr: netip.MustParseAddr("192.0.2.1"),
		FromPort: 26000,
		ToAddr:   netip.MustParseAddr("203.0.113.2"),
		ToPort:   27000,
	}))
	m.Freeze()

	rule, ok := m.Lookup(netip.MustParseAddrPort("192.0.2.1:26000"))
	require.True(t, ok)
	assert.Equal(t, netip.MustParseAddr("203.0.113.2"), rule.ToAddr)

	rule, ok = m.Lookup(netip.MustParseAddrPort("192.0.2.1:9999"))
	require.True(t, ok)
	assert.Equal(t, netip.MustParseAddr("203.0.113.1"), rule.ToAddr, "falls back to the wildcard-port rule")
}

func TestAddressMapLookupMiss(t *testing.T) {
	m := NewAddressMap(zerolog.Nop())
	require.NoError(t, m.AddRule(MappingRule{
		FromAddr: netip.MustParseAddr("192.0.2.1"),
		ToAddr:   netip.MustParseAddr("203.0.113.1"),
	}))
	m.Freeze()

	_, ok := m.Lookup(netip.MustParseAddrPort("198.51.100.1:1000"))
	assert.False(t, ok)
}

func TestAddressMapRejectsRuleAfterFreeze(t *testing.T) {
	m := NewAddressMap(zerolog.Nop())
	m.Freeze()

	err := m.AddRule(MappingRule{
		FromAddr: netip.MustParseAddr("192.0.2.1"),
		ToAddr:   netip.MustParseAddr("203.0.113.1"),
	})
	assert.Error(t, err)
}

func TestAddressMapRejectsLoopbackDestination(t *testing.T) {
	m := NewAddressMap(zerolog.Nop())
	err := m.AddRule(MappingRule{
		FromAddr: netip.MustParseAddr("192.0.2.1"),
		ToAddr:   netip.MustParseAddr("127.0.0.1"),
	})
	assert.Error(t, err)
}

func TestAddressMapOverwritesSameKey(t *testing.T) {
	m := NewAddressMap(zerolog.Nop())
	require.NoError(t, m.AddRule(MappingRule{
		FromAddr: netip.MustParseAddr("192.0.2.1"),
		FromPort: 1000,
		ToAddr:   netip.MustParseAddr("203.0.113.1"),
	}))
	require.NoError(t, m.AddRule(MappingRule{
		FromAddr: netip.MustParseAddr("192.0.2.1"),
		FromPort: 1000,
		ToAddr:   netip.MustParseAddr("203.0.113.9"),
	}))
	m.Freeze()

	rule, ok := m.Lookup(netip.MustParseAddrPort("192.0.2.1:1000"))
	require.True(t, ok)
	assert.Equal(t, netip.MustParseAddr("203.0.113.9"), rule.ToAddr)
}

func TestMappingRuleResolve(t *testing.T) {
	wildcardPort := MappingRule{ToAddr: netip.MustParseAddr("203.0.113.1")}
	addr, port := wildcardPort.Resolve(26000)
	assert.Equal(t, netip.MustParseAddr("203.0.113.1"), addr)
	assert.Equal(t, uint16(26000), port, "zero ToPort preserves the server's own port")

	fixedPort := MappingRule{ToAddr: netip.MustParseAddr("203.0.113.1"), ToPort: 27000}
	addr, port = fixedPort.Resolve(26000)
	assert.Equal(t, netip.MustParseAddr("203.0.113.1"), addr)
	assert.Equal(t, uint16(27000), port, "non-zero ToPort always overrides")
}

func TestAddressMapManyRulesSortedLookup(t *testing.T) {
	m := NewAddressMap(zerolog.Nop())
	addrs := []string{"192.0.2.9", "192.0.2.1", "192.0.2.5", "10.0.0.1", "203.0.113.200"}
	for i, a := range addrs {
		require.NoError(t, m.AddRule(MappingRule{
			FromAddr: netip.MustParseAddr(a),
			ToAddr:   netip.MustParseAddr("198.51.100.1"),
			ToPort:   uint16(20000 + i),
		}))
	}
	m.Freeze()

	for i, a := range addrs {
		rule, ok := m.Lookup(netip.MustParseAddrPort(a + ":1"))
		require.True(t, ok)
		assert.Equal(t, uint16(20000+i), rule.ToPort)
	}
}
