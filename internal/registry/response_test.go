package registry

import (
	"bytes"
	"net/netip"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func populateOccupiedIPv4Servers(t *testing.T, st *ServerTable, now time.Time, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		peer := mustAddrPort(t, addrPortString("203.0.113."+itoa(1+i/250), 10000+i%250))
		e, err := st.GetOrCreate(now, peer)
		require.NoError(t, err)
		e.Protocol = 3
		e.Gamename = defaultGamename
		e.State = StateOccupied
		e.LivenessExpiry = now.Add(infoLifetime)
	}
}

func TestSendServerListWellFormedSingleDatagram(t *testing.T) {
	st := newTestTable(t, ServerTableConfig{MaxServers: 16, HashBits: 4, MaxPerAddress: 0})
	now := time.Now()
	populateOccupiedIPv4Servers(t, st, now, 3)

	w := &recordingWriter{}
	args := getServersArgs{gamename: defaultGamename, protocol: 3, ipv4: true}
	sent := sendServerList(st, now, args, false, w, netip.MustParseAddrPort("198.51.100.1:9999"))

	assert.Equal(t, 3, sent)
	require.Len(t, w.sent, 1)
	pkt := w.sent[0]

	assert.True(t, bytes.HasPrefix(pkt, responsePrefix))
	assert.Contains(t, string(pkt), getServersResponseName)
	assert.True(t, bytes.HasSuffix(pkt, eotMarker), "every response datagram ends with the EOT marker")
	assert.LessOrEqual(t, len(pkt), maxOutPacketSize)
}

func TestSendServerListSplitsAcrossManyServers(t *testing.T) {
	st := newTestTable(t, ServerTableConfig{MaxServers: 512, HashBits: 6, MaxPerAddress: 0})
	now := time.Now()
	populateOccupiedIPv4Servers(t, st, now, 250)

	w := &recordingWriter{}
	args := getServersArgs{gamename: defaultGamename, protocol: 3, ipv4: true}
	sent := sendServerList(st, now, args, false, w, netip.MustParseAddrPort("198.51.100.1:9999"))

	assert.Equal(t, 250, sent)
	assert.Greater(t, len(w.sent), 1, "250 IPv4 records must not fit in a single 1400-byte datagram")

	totalRecords := 0
	for _, pkt := range w.sent {
		assert.True(t, bytes.HasPrefix(pkt, responsePrefix))
		assert.True(t, bytes.HasSuffix(pkt, eotMarker))
		assert.LessOrEqual(t, len(pkt), maxOutPacketSize)

		body := pkt[len(responsePrefix)+len(getServersResponseName) : len(pkt)-len(eotMarker)]
		require.Zero(t, len(body)%ipv4RecordLen, "body must be a whole number of IPv4 records")
		totalRecords += len(body) / ipv4RecordLen
	}
	assert.Equal(t, 250, totalRecords)
}

func TestSendServerListAppliesAddressMap(t *testing.T) {
	addrMap := NewAddressMap(zerolog.Nop())
	require.NoError(t, addrMap.AddRule(MappingRule{
		FromAddr: netip.MustParseAddr("203.0.113.1"),
		ToAddr:   netip.MustParseAddr("198.51.100.200"),
		ToPort:   27500,
	}))
	addrMap.Freeze()

	st := NewServerTable(ServerTableConfig{MaxServers: 8, HashBits: 2}, addrMap)
	now := time.Now()
	peer := mustAddrPort(t, "203.0.113.1:26000")
	e, err := st.GetOrCreate(now, peer)
	require.NoError(t, err)
	e.Protocol = 3
	e.Gamename = defaultGamename
	e.State = StateOccupied
	e.LivenessExpiry = now.Add(infoLifetime)

	w := &recordingWriter{}
	args := getServersArgs{gamename: defaultGamename, protocol: 3, ipv4: true}
	sendServerList(st, now, args, false, w, netip.MustParseAddrPort("198.51.100.1:9999"))

	require.Len(t, w.sent, 1)
	assert.Contains(t, string(w.sent[0]), "\xC6\x33\x64\xC8\x6B\x6C", "mapped IP 198.51.100.200 port 27500 must replace the server's own address")
}

func TestAppendRecordIPv6(t *testing.T) {
	addr := netip.MustParseAddr("2001:db8::7")
	e := &Entry{
		Addr:   netip.AddrPortFrom(addr, 26000),
		Family: FamilyIPv6,
	}
	buf := appendRecord(nil, e)
	assert.Len(t, buf, ipv6RecordLen)
	assert.Equal(t, byte('/'), buf[0])
}

func TestAppendRecordIPv4(t *testing.T) {
	addr := netip.MustParseAddr("192.0.2.7")
	e := &Entry{
		Addr:   netip.AddrPortFrom(addr, 26000),
		Family: FamilyIPv4,
	}
	buf := appendRecord(nil, e)
	assert.Len(t, buf, ipv4RecordLen)
	assert.Equal(t, byte('\\'), buf[0])
}
