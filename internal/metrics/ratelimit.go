package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ObserveDecision counts one check. Only configured actions reach here, so
// the action label stays bounded by the policy.
func (m *ServerMetrics) ObserveDecision(store, action string, allowed bool) {
	outcome := OutcomeAllowed
	if !allowed {
		outcome = OutcomeRejected
	}
	m.decisions.WithLabelValues(store, action, outcome).Inc()
}

func (m *ServerMetrics) ObserveWindowExhausted(store, action string) {
	m.exhausted.WithLabelValues(store, action).Inc()
}

// ObserveSweep records a finished sweep.
func (m *ServerMetrics) ObserveSweep(store string, removed int) {
	m.sweeps.WithLabelValues(store).Inc()
	m.swept.WithLabelValues(store).Add(float64(removed))
}

// TrackEntries exports ratelimit_entries{store} by calling size on every scrape.
func (m *ServerMetrics) TrackEntries(store string, size func() int) error {
	return m.reg.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "ratelimit_entries",
		Help:        "Entries currently held by each store, including expired ones not yet swept",
		ConstLabels: prometheus.Labels{"store": store},
	}, func() float64 { return float64(size()) }))
}

// SetPolicy replaces the policy_info series with the active source and digest.
func (m *ServerMetrics) SetPolicy(source, digest string, loadedAt time.Time) {
	m.policyInfo.Reset()
	m.policyInfo.With(prometheus.Labels{"source": source, "sha256": digest}).Set(1)
	m.policyLoadedAt.Set(float64(loadedAt.Unix()))
}
