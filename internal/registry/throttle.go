package registry

import (
	"fmt"
	"net/netip"
	"time"

	cache "github.com/patrickmn/go-cache"
)

// refusalThrottleWindow bounds how often the same (peer, reason) pair is
// allowed to produce a warning log line.
const refusalThrottleWindow = 30 * time.Second

// refusalThrottle suppresses repeated log lines for the same misbehaving or
// over-quota peer, so a single flooding or retrying client cannot drown out
// the log. It has no effect on protocol behaviour: admission and framing
// decisions are unaffected, only their logging cadence is.
type refusalThrottle struct {
	seen *cache.Cache
}

func newRefusalThrottle() *refusalThrottle {
	return &refusalThrottle{
		seen: cache.New(refusalThrottleWindow, 2*refusalThrottleWindow),
	}
}

// allow reports whether a log line for (peer, reason) should be emitted
// now. The peer is keyed by IP address only, so all ports on one address
// share a window. It always returns true the first time a pair is seen and
// then false for the remainder of the throttle window.
func (t *refusalThrottle) allow(peer netip.AddrPort, reason string) bool {
	if t == nil {
		return true
	}
	key := fmt.Sprintf("%s|%s", reason, peer.Addr())
	if _, found := t.seen.Get(key); found {
		return false
	}
	t.seen.SetDefault(key, struct{}{})
	return true
}
