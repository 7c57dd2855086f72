package registry

import (
	"net/netip"
	"strconv"
	"strings"
	"time"
)

// Command literal prefixes recognised after the FF FF FF FF framing prefix.
const (
	cmdHeartbeat     = "heartbeat "
	cmdInfoResponse  = "infoResponse\n"
	cmdGetServers    = "getservers "
	cmdGetServersExt = "getserversExt "

	defaultGamename = "Quake3Arena"
)

// PacketWriter is the subset of *net.UDPConn the registry needs to send
// datagrams. Defined as an interface so tests can substitute a recording
// fake without standing up a real socket.
type PacketWriter interface {
	WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error)
}

// HandleDatagram is the registry's sole datagram entry point. The event
// loop adapter has already stripped and validated the FF FF FF FF framing
// prefix; payload is everything after it. conn is the socket the datagram
// was received on, used to send any reply from the same local address.
func (r *Registry) HandleDatagram(now time.Time, conn PacketWriter, peer netip.AddrPort, payload []byte) {
	msg := string(payload)

	switch {
	case strings.HasPrefix(msg, cmdHeartbeat):
		r.handleHeartbeat(now, conn, peer, msg[len(cmdHeartbeat):])
	case strings.HasPrefix(msg, cmdInfoResponse):
		r.handleInfoResponse(now, peer, msg[len(cmdInfoResponse):])
	case strings.HasPrefix(msg, cmdGetServers):
		r.handleGetServers(now, conn, peer, msg[len(cmdGetServers):], false)
	case strings.HasPrefix(msg, cmdGetServersExt):
		r.handleGetServers(now, conn, peer, msg[len(cmdGetServersExt):], true)
	default:
		r.log.Debug().Str("peer", peer.String()).Msg("unrecognised command, dropping")
	}
}

// handleHeartbeat admits or looks up the sending peer and sends it a
// getinfo challenge: a new one if none is outstanding or the outstanding
// one has expired, otherwise the outstanding one again. The game-id token
// is accepted and logged only; it is never used to allowlist or reject a
// heartbeat.
func (r *Registry) handleHeartbeat(now time.Time, conn PacketWriter, peer netip.AddrPort, rest string) {
	gameID := rest
	if idx := strings.IndexByte(rest, '\n'); idx >= 0 {
		gameID = rest[:idx]
	}

	entry, err := r.Table.GetOrCreate(now, peer)
	if err != nil {
		if r.throttle.allow(peer, "admission") {
			r.log.Warn().Str("peer", peer.String()).Err(err).Msg("heartbeat refused")
		}
		r.metrics.observeDrop(dropReasonAdmission)
		return
	}

	r.log.Debug().Str("peer", peer.String()).Str("gameid", gameID).Msg("heartbeat")

	if entry.Challenge == "" || !entry.ChallengeExpiry.After(now) {
		entry.Challenge = newChallenge()
		entry.ChallengeExpiry = now.Add(challengeLifetime)
	}

	reply := make([]byte, 0, 4+len("getinfo ")+len(entry.Challenge))
	reply = append(reply, responsePrefix...)
	reply = append(reply, "getinfo "...)
	reply = append(reply, entry.Challenge...)

	if _, err := conn.WriteToUDPAddrPort(reply, peer); err != nil {
		r.log.Error().Str("peer", peer.String()).Err(err).Msg("failed to send getinfo")
	}
}

// handleInfoResponse validates a server's info reply in strict order —
// challenge freshness, challenge match, then each required field — logging
// and returning without mutating the entry on the first failure.
func (r *Registry) handleInfoResponse(now time.Time, peer netip.AddrPort, infostring string) {
	entry, ok := r.Table.Get(now, peer)
	if !ok {
		r.log.Debug().Str("peer", peer.String()).Msg("infoResponse from unknown peer, dropping")
		return
	}

	if !entry.ChallengeExpiry.After(now) {
		r.log.Warn().Str("peer", peer.String()).Msg("infoResponse: stale challenge window")
		r.metrics.observeDrop(dropReasonChallenge)
		return
	}

	challenge, ok := infostringLookup(infostring, "challenge")
	if !ok || challenge != entry.Challenge {
		r.log.Warn().Str("peer", peer.String()).Msg("infoResponse: challenge mismatch")
		r.metrics.observeDrop(dropReasonChallenge)
		return
	}

	protocolStr, ok := infostringLookup(infostring, "protocol")
	if !ok {
		r.log.Warn().Str("peer", peer.String()).Msg("infoResponse: missing protocol")
		r.metrics.observeDrop(dropReasonProtocol)
		return
	}
	protocol, err := strconv.Atoi(protocolStr)
	if err != nil {
		r.log.Warn().Str("peer", peer.String()).Str("protocol", protocolStr).Msg("infoResponse: invalid protocol")
		r.metrics.observeDrop(dropReasonProtocol)
		return
	}

	maxClientsStr, ok := infostringLookup(infostring, "sv_maxclients")
	if !ok {
		r.log.Warn().Str("peer", peer.String()).Msg("infoResponse: missing sv_maxclients")
		r.metrics.observeDrop(dropReasonProtocol)
		return
	}
	maxClients, err := strconv.Atoi(maxClientsStr)
	if err != nil || maxClients <= 0 {
		r.log.Warn().Str("peer", peer.String()).Str("sv_maxclients", maxClientsStr).Msg("infoResponse: invalid sv_maxclients")
		r.metrics.observeDrop(dropReasonProtocol)
		return
	}

	clientsStr, ok := infostringLookup(infostring, "clients")
	if !ok {
		r.log.Warn().Str("peer", peer.String()).Msg("infoResponse: missing clients")
		r.metrics.observeDrop(dropReasonProtocol)
		return
	}
	clients, err := strconv.Atoi(clientsStr)
	if err != nil || clients < 0 {
		r.log.Warn().Str("peer", peer.String()).Str("clients", clientsStr).Msg("infoResponse: invalid clients")
		r.metrics.observeDrop(dropReasonProtocol)
		return
	}

	gamename := defaultGamename
	if gn, ok := infostringLookup(infostring, "gamename"); ok {
		if gn == "" || strings.ContainsAny(gn, " \t\r\n") {
			r.log.Warn().Str("peer", peer.String()).Str("gamename", gn).Msg("infoResponse: invalid gamename")
			r.metrics.observeDrop(dropReasonProtocol)
			return
		}
		gamename = gn
	}

	if entry.State != StateUninitialized && entry.Gamename != gamename {
		r.log.Warn().Str("peer", peer.String()).Str("old", entry.Gamename).Str("new", gamename).Msg("infoResponse: gamename changed")
	}

	entry.Protocol = protocol
	entry.Gamename = gamename
	switch {
	case clients == 0:
		entry.State = StateEmpty
	case clients == maxClients:
		entry.State = StateFull
	default:
		entry.State = StateOccupied
	}
	entry.LivenessExpiry = now.Add(infoLifetime)
}

// getServersArgs is the result of parsing a getservers/getserversExt
// argument string.
type getServersArgs struct {
	gamename string
	protocol int
	empty    bool
	full     bool
	ipv4     bool
	ipv6     bool
}

func parseGetServersArgs(args string, extended bool) (getServersArgs, bool) {
	tokens := strings.Fields(args)
	if len(tokens) == 0 {
		return getServersArgs{}, false
	}

	var out getServersArgs
	var flagTokens []string

	if protocol, err := strconv.Atoi(tokens[0]); err == nil {
		out.gamename = defaultGamename
		out.protocol = protocol
		flagTokens = tokens[1:]
	} else {
		if len(tokens) < 2 {
			return getServersArgs{}, false
		}
		protocol, err := strconv.Atoi(tokens[1])
		if err != nil {
			return getServersArgs{}, false
		}
		out.gamename = tokens[0]
		out.protocol = protocol
		flagTokens = tokens[2:]
	}

	for _, tok := range flagTokens {
		switch tok {
		case "empty":
			out.empty = true
		case "full":
			out.full = true
		case "ipv4":
			if extended {
				out.ipv4 = true
			}
		case "ipv6":
			if extended {
				out.ipv6 = true
			}
		}
	}

	if extended {
		if !out.ipv4 && !out.ipv6 {
			out.ipv4 = true
			out.ipv6 = true
		}
	} else {
		out.ipv4 = true
		out.ipv6 = false
	}

	return out, true
}

// matches reports whether entry e satisfies a getservers query's filters.
func (a getServersArgs) matches(e *Entry) bool {
	if e.State <= StateUninitialized {
		return false
	}
	if e.Family == FamilyIPv4 && !a.ipv4 {
		return false
	}
	if e.Family == FamilyIPv6 && !a.ipv6 {
		return false
	}
	if e.Protocol != a.protocol {
		return false
	}
	if e.State == StateEmpty && !a.empty {
		return false
	}
	if e.State == StateFull && !a.full {
		return false
	}
	if e.Gamename != a.gamename {
		return false
	}
	return true
}

func (r *Registry) handleGetServers(now time.Time, conn PacketWriter, peer netip.AddrPort, argString string, extended bool) {
	args, ok := parseGetServersArgs(argString, extended)
	if !ok {
		r.log.Debug().Str("peer", peer.String()).Bool("ext", extended).Msg("malformed getservers args, dropping")
		return
	}

	r.log.Debug().Str("peer", peer.String()).Bool("ext", extended).Str("gamename", args.gamename).Int("protocol", args.protocol).Msg("getservers request")

	sent := sendServerList(r.Table, now, args, extended, conn, peer)
	r.metrics.observeQuery(extended, sent)
}
