package registry

import "github.com/prometheus/client_golang/prometheus"

// dropReason labels the dropped_datagrams_total counter. It is observability only and
// never feeds back into protocol decisions.
type dropReason string

const (
	dropReasonFraming   dropReason = "framing"
	dropReasonAdmission dropReason = "admission"
	dropReasonProtocol  dropReason = "protocol"
	dropReasonChallenge dropReason = "challenge"
)

// Metrics holds the Prometheus collectors the registry updates as it
// handles datagrams. A nil *Metrics is safe to use: every method is a no-op
// in that case, so tests that don't care about metrics can omit them.
type Metrics struct {
	registeredServers *prometheus.GaugeVec
	drops             *prometheus.CounterVec
	queries           *prometheus.CounterVec
	recordsSent       prometheus.Counter
}

// NewMetrics constructs and registers the registry's collectors against
// reg. Pass prometheus.NewRegistry() in tests to avoid polluting the
// default global registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		registeredServers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dpmaster",
			Name:      "registered_servers",
			Help:      "Number of non-timed-out server entries, by address family.",
		}, []string{"family"}),
		drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dpmaster",
			Name:      "dropped_datagrams_total",
			Help:      "Datagrams dropped without a response, by reason.",
		}, []string{"reason"}),
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dpmaster",
			Name:      "queries_total",
			Help:      "getservers/getserversExt queries handled, by variant.",
		}, []string{"variant"}),
		recordsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dpmaster",
			Name:      "server_records_sent_total",
			Help:      "Server address records packed into query responses.",
		}),
	}
	reg.MustRegister(m.registeredServers, m.drops, m.queries, m.recordsSent)
	return m
}

func (m *Metrics) observeDrop(reason dropReason) {
	if m == nil {
		return
	}
	m.drops.WithLabelValues(string(reason)).Inc()
}

func (m *Metrics) observeQuery(extended bool, recordsSent int) {
	if m == nil {
		return
	}
	variant := "getservers"
	if extended {
		variant = "getserversExt"
	}
	m.queries.WithLabelValues(variant).Inc()
	m.recordsSent.Add(float64(recordsSent))
}

// SetRegisteredServers updates the per-family gauges. Called periodically
// by the event loop adapter after a sweep, not on every datagram.
func (m *Metrics) SetRegisteredServers(ipv4, ipv6 int) {
	if m == nil {
		return
	}
	m.registeredServers.WithLabelValues("ipv4").Set(float64(ipv4))
	m.registeredServers.WithLabelValues("ipv6").Set(float64(ipv6))
}
