package rdmasec

import (
	"io"
	"sync/atomic"

	"github.com/VictoriaMetrics/metrics"
)

// registryMetrics holds every counter/gauge a Registry updates, grouped the
// way pkg/api/api0's apiMetrics groups its own, with a result label
// distinguishing success/reject/fail outcomes. One set is created per
// Registry (mirroring api0.Handler's per-handler lazy *metrics.Set), not
// shared globally, so independent registries in the same process (e.g. in
// tests) never clobber each other's series.
type registryMetrics struct {
	set *metrics.Set

	admissionsSuccess   *metrics.Counter
	admissionsRejectCap *metrics.Counter
	psnGeneratedTotal   *metrics.Counter
	psnCollisionsTotal  *metrics.Counter
	sessionsFailedTLS   *metrics.Counter
	sessionsFailedPSN   *metrics.Counter
	sessionsFailedRDMA  *metrics.Counter
	sessionsFailedQP    *metrics.Counter
	sessionsFailedCompl *metrics.Counter
	disconnectsGraceful *metrics.Counter
	disconnectsForced   *metrics.Counter
}

func newRegistryMetrics(numClients *atomic.Int32) *registryMetrics {
	mo := &registryMetrics{set: metrics.NewSet()}
	mo.set.NewGauge(`rdmasec_num_clients`, func() float64 { return float64(numClients.Load()) })
	mo.admissionsSuccess = mo.set.NewCounter(`rdmasec_admissions_total{result="success"}`)
	mo.admissionsRejectCap = mo.set.NewCounter(`rdmasec_admissions_total{result="reject_capacity"}`)
	mo.psnGeneratedTotal = mo.set.NewCounter(`rdmasec_psn_generated_total`)
	mo.psnCollisionsTotal = mo.set.NewCounter(`rdmasec_psn_collisions_total`)
	mo.sessionsFailedTLS = mo.set.NewCounter(`rdmasec_sessions_failed_total{stage="tls_handshake"}`)
	mo.sessionsFailedPSN = mo.set.NewCounter(`rdmasec_sessions_failed_total{stage="psn_exchange"}`)
	mo.sessionsFailedRDMA = mo.set.NewCounter(`rdmasec_sessions_failed_total{stage="rdma_resources"}`)
	mo.sessionsFailedQP = mo.set.NewCounter(`rdmasec_sessions_failed_total{stage="qp_transition"}`)
	mo.sessionsFailedCompl = mo.set.NewCounter(`rdmasec_sessions_failed_total{stage="completion"}`)
	mo.disconnectsGraceful = mo.set.NewCounter(`rdmasec_disconnects_total{outcome="graceful"}`)
	mo.disconnectsForced = mo.set.NewCounter(`rdmasec_disconnects_total{outcome="forced"}`)
	return mo
}

// WritePrometheus writes every metric registered by r in Prometheus
// exposition format, for an operator-wired /metrics endpoint.
func (r *Registry) WritePrometheus(w io.Writer) {
	r.metrics.set.WritePrometheus(w)
}
