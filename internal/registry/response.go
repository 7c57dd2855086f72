package registry

import (
	"encoding/binary"
	"net/netip"
	"time"
)

// responsePrefix is the four-byte magic every wire message begins with.
var responsePrefix = []byte{0xFF, 0xFF, 0xFF, 0xFF}

const (
	maxOutPacketSize = 1400

	getServersResponseName    = "getserversResponse"
	getServersExtResponseName = "getserversExtResponse"

	ipv4RecordLen = 7  // '\' + 4 byte IP + 2 byte port
	ipv6RecordLen = 19 // '/' + 16 byte IP + 2 byte port
	eotLen        = 7  // "\EOT" + 3 zero bytes
)

// eotMarker terminates every response datagram.
var eotMarker = []byte{'\\', 'E', 'O', 'T', 0, 0, 0}

// sendServerList assembles and sends one or more getserversResponse /
// getserversExtResponse datagrams covering every entry in table matching
// args, splitting across datagrams whenever the next record would overflow
// maxOutPacketSize. It returns the number of server records sent.
func sendServerList(table *ServerTable, now time.Time, args getServersArgs, extended bool, conn PacketWriter, peer netip.AddrPort) int {
	name := getServersResponseName
	if extended {
		name = getServersExtResponseName
	}

	header := make([]byte, 0, len(responsePrefix)+len(name))
	header = append(header, responsePrefix...)
	header = append(header, name...)

	buf := append([]byte(nil), header...)
	sent := 0

	flush := func() {
		buf = append(buf, eotMarker...)
		conn.WriteToUDPAddrPort(buf, peer) //nolint:errcheck // best-effort; a dropped reply is just a query the client retries
		buf = append([]byte(nil), header...)
	}

	table.IterateAll(now, func(e *Entry) bool {
		if !args.matches(e) {
			return true
		}

		recordLen := ipv4RecordLen
		if e.Family == FamilyIPv6 {
			recordLen = ipv6RecordLen
		}

		if len(buf)+recordLen > maxOutPacketSize-eotLen {
			flush()
		}

		buf = appendRecord(buf, e)
		sent++
		return true
	})

	flush()
	return sent
}

// appendRecord encodes one server's address record, applying any address
// mapping at emission time: the rule substitutes the IP always and the
// port only when the rule's port is non-zero.
func appendRecord(buf []byte, e *Entry) []byte {
	addr := e.Addr.Addr()
	port := e.Addr.Port()
	if e.AddrMap != nil {
		addr, port = e.AddrMap.Resolve(port)
	}
	addr = addr.Unmap()

	if e.Family == FamilyIPv6 {
		buf = append(buf, '/')
		b := addr.As16()
		buf = append(buf, b[:]...)
		var portBuf [2]byte
		binary.BigEndian.PutUint16(portBuf[:], port)
		return append(buf, portBuf[:]...)
	}

	buf = append(buf, '\\')
	b := addr.As4()
	buf = append(buf, b[:]...)
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], port)
	return append(buf, portBuf[:]...)
}
