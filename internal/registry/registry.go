package registry

import (
	"time"

	"github.com/rs/zerolog"
)

// Registry is the single aggregate holding all registry state (the bound
// sockets are the event loop's responsibility, not this struct's). It is
// constructed once at startup and mutated only by the single cooperative
// event loop — no locking required.
type Registry struct {
	Table   *ServerTable
	AddrMap *AddressMap

	throttle *refusalThrottle
	metrics  *Metrics
	log      zerolog.Logger
}

// NewRegistry wires the server table and address-mapping table together
// behind the single HandleDatagram/SweepTimeouts surface the core exposes.
// metrics may be nil (see Metrics doc).
func NewRegistry(table *ServerTable, addrMap *AddressMap, metrics *Metrics, log zerolog.Logger) *Registry {
	return &Registry{
		Table:    table,
		AddrMap:  addrMap,
		throttle: newRefusalThrottle(),
		metrics:  metrics,
		log:      log,
	}
}

// ObserveFramingDrop records a datagram rejected at the framing layer for
// metrics purposes; it is exported so internal/eventloop can report into
// the same counters HandleDatagram uses.
func (r *Registry) ObserveFramingDrop() {
	r.metrics.observeDrop(dropReasonFraming)
}

// SweepTimeouts removes every entry whose liveness has expired. The event
// loop adapter calls this on a periodic cadence in addition to the
// opportunistic sweeps that happen during lookups and full iterations.
func (r *Registry) SweepTimeouts(now time.Time) int {
	removed := r.Table.SweepTimeouts(now)
	ipv4, ipv6 := r.Table.CountByFamily(now)
	r.metrics.SetRegisteredServers(ipv4, ipv6)
	return removed
}
