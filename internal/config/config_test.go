package config

import (
	"net/netip"
	"testing"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitHostPortWithPort(t *testing.T) {
	host, port, hasPort := splitHostPort("192.0.2.1:27950")
	assert.Equal(t, "192.0.2.1", host)
	assert.Equal(t, "27950", port)
	assert.True(t, hasPort)
}

func TestSplitHostPortBareHost(t *testing.T) {
	host, _, hasPort := splitHostPort("master.example.com")
	assert.Equal(t, "master.example.com", host)
	assert.False(t, hasPort)
}

func TestSplitHostPortBareIPv6(t *testing.T) {
	host, _, hasPort := splitHostPort("2001:db8::1")
	assert.Equal(t, "2001:db8::1", host)
	assert.False(t, hasPort)
}

func TestSplitHostPortBracketedIPv6(t *testing.T) {
	host, port, hasPort := splitHostPort("[2001:db8::1]:27950")
	assert.Equal(t, "2001:db8::1", host)
	assert.Equal(t, "27950", port)
	assert.True(t, hasPort)
}

func TestResolveLiteralNumericAddressSkipsDNS(t *testing.T) {
	addr, port, err := resolveLiteral("203.0.113.9:27960", new(dns.Client), "", zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("203.0.113.9"), addr)
	assert.Equal(t, uint16(27960), port)
}

func TestResolveLiteralNumericAddressNoPort(t *testing.T) {
	addr, port, err := resolveLiteral("203.0.113.9", new(dns.Client), "", zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("203.0.113.9"), addr)
	assert.Equal(t, uint16(0), port, "a missing port resolves to the wildcard-port marker")
}

func TestDefaultConfigMatchesCompiledInBaseline(t *testing.T) {
	cfg := Default()
	assert.Equal(t, uint(6), cfg.HashBits)
	assert.Equal(t, 2048, cfg.MaxServers)
	assert.Equal(t, uint16(27950), cfg.DefaultPort)
	assert.False(t, cfg.AllowLoopback)
}

func TestResolveAddressMapsNumericRules(t *testing.T) {
	specs := []AddressMapSpec{
		{From: "127.0.0.1", To: "203.0.113.5:27960"},
	}
	resolved, err := ResolveAddressMaps(specs, new(dns.Client), "", zerolog.Nop())
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Equal(t, netip.MustParseAddr("127.0.0.1"), resolved[0].FromAddr)
	assert.Equal(t, netip.MustParseAddr("203.0.113.5"), resolved[0].ToAddr)
	assert.Equal(t, uint16(27960), resolved[0].ToPort)
}
