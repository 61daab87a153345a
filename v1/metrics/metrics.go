package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// AcquireCounter tracks successful lock acquisitions across all strategies.
	AcquireCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lockstep_acquire_total",
		Help: "Total number of successful lock acquisitions",
	})
	// TimeoutCounter tracks acquisition attempts that gave up within budget.
	TimeoutCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lockstep_timeout_total",
		Help: "Total number of lock acquisition timeouts",
	})
	// ReleaseCounter tracks successful releases.
	ReleaseCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lockstep_release_total",
		Help: "Total number of successful lock releases",
	})
	// TokenMismatchCounter tracks releases and renewals rejected because the
	// presented fencing token was stale.
	TokenMismatchCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lockstep_token_mismatch_total",
		Help: "Total number of release/renew calls rejected on a stale token",
	})
	// QuorumRejectedCounter tracks quorum attempts rolled back for lack of
	// majority or an exhausted validity window.
	QuorumRejectedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lockstep_quorum_rejected_total",
		Help: "Total number of quorum lock attempts rolled back",
	})
	// WaiterGauge reports the number of callers currently blocked in acquire.
	WaiterGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lockstep_waiters",
		Help: "Current number of callers blocked waiting for a lock",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers lockstep core metrics on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(AcquireCounter, TimeoutCounter, ReleaseCounter,
		TokenMismatchCounter, QuorumRejectedCounter, WaiterGauge)
}
