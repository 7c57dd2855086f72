// Package eventloop owns bound UDP sockets, enforces datagram framing, and
// drives the registry's HandleDatagram/SweepTimeouts entry points on a
// single cooperative goroutine.
package eventloop

import (
	"context"
	"net"
	"net/netip"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"dpmaster-go/internal/registry"
)

const minReadBufferSize = 2048

// datagram is one framed-but-unvalidated read from a bound socket, handed
// from its reader goroutine to the single serial handler loop.
type datagram struct {
	conn    *net.UDPConn
	peer    netip.AddrPort
	payload []byte
}

// Loop owns a set of bound sockets, one per listen address and address
// family, and serialises all registry mutation and socket writes onto one
// goroutine: each socket gets its own reader goroutine feeding a shared
// channel, but only a single goroutine ever drains that channel, so
// registry state never needs locking.
type Loop struct {
	Registry   *registry.Registry
	Conns      []*net.UDPConn
	SweepEvery time.Duration

	log zerolog.Logger

	incoming chan datagram
}

// NewLoop constructs a Loop over the already-bound sockets conns. Binding
// itself — resolving listen addresses, creating V6-only IPv6 sockets — is
// the caller's responsibility.
func NewLoop(conns []*net.UDPConn, reg *registry.Registry, log zerolog.Logger) *Loop {
	return &Loop{
		Registry:   reg,
		Conns:      conns,
		SweepEvery: 2 * time.Second,
		log:        log,
		incoming:   make(chan datagram, 256),
	}
}

// Run blocks, reading from every socket and handling datagrams serially,
// until ctx is cancelled (e.g. on SIGINT/SIGTERM — the idiomatic
// replacement for the original's signal-handler-breaks-the-loop pattern).
func (l *Loop) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, conn := range l.Conns {
		conn := conn
		g.Go(func() error {
			return l.readLoop(ctx, conn)
		})
	}

	g.Go(func() error {
		return l.handleLoop(ctx)
	})

	return g.Wait()
}

// readLoop is the one-goroutine-per-socket reader; it only frames and
// forwards, never touching registry state directly. The blocking receive
// is the only thing allowed to suspend outside the serial handler.
func (l *Loop) readLoop(ctx context.Context, conn *net.UDPConn) error {
	buf := make([]byte, minReadBufferSize)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, peer, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-ctx.Done():
				return nil
			default:
				l.log.Warn().Err(err).Msg("socket read error")
				continue
			}
		}

		payload, ok := frame(buf[:n], peer)
		if !ok {
			l.Registry.ObserveFramingDrop()
			continue
		}

		cp := append([]byte(nil), payload...)
		select {
		case l.incoming <- datagram{conn: conn, peer: peer, payload: cp}:
		case <-ctx.Done():
			return nil
		}
	}
}

// frame rejects a datagram shorter than 5 bytes, one with a bad magic
// prefix, or one from source port 0. It returns the payload after the
// 4-byte magic prefix.
func frame(buf []byte, peer netip.AddrPort) ([]byte, bool) {
	if len(buf) < 5 {
		return nil, false
	}
	if buf[0] != 0xFF || buf[1] != 0xFF || buf[2] != 0xFF || buf[3] != 0xFF {
		return nil, false
	}
	if peer.Port() == 0 {
		return nil, false
	}
	if !peer.Addr().Is4() && !peer.Addr().Is4In6() && !peer.Addr().Is6() {
		return nil, false
	}
	return buf[4:], true
}

// handleLoop is the single cooperative loop: it serially dispatches
// framed datagrams to the registry and runs the periodic sweep cadence.
func (l *Loop) handleLoop(ctx context.Context) error {
	ticker := time.NewTicker(l.SweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case d := <-l.incoming:
			now := time.Now()
			l.Registry.HandleDatagram(now, d.conn, d.peer, d.payload)

		case <-ticker.C:
			removed := l.Registry.SweepTimeouts(time.Now())
			if removed > 0 {
				l.log.Debug().Int("removed", removed).Msg("periodic sweep removed timed-out servers")
			}
		}
	}
}
