// Package metrics holds the router's Prometheus collectors, grounded on
// the teacher's Metrics struct: one registration point, safe to
// register/unregister repeatedly across tests.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every counter/gauge/histogram the router exposes on
// /metrics.
type Metrics struct {
	ProbesTotal      prometheus.Counter
	ProbesFailed     prometheus.Counter
	HealthyUpstreams *prometheus.GaugeVec
	ProbeDuration    prometheus.Histogram

	SelectionsTotal  prometheus.Counter
	SelectionsFailed prometheus.Counter
	CollapseReloads  prometheus.Counter

	ConfigReloadsTotal  prometheus.Counter
	ConfigReloadsFailed prometheus.Counter

	ForwardedTotal  prometheus.Counter
	ForwardedFailed prometheus.Counter
	ForwardDuration prometheus.Histogram

	SessionsCreated prometheus.Counter
	SessionsExpired prometheus.Counter
}

// New constructs every collector, unregistered.
func New() *Metrics {
	return &Metrics{
		ProbesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rpcrouter",
			Subsystem: "health",
			Name:      "probes_total",
			Help:      "Total number of upstream health probes performed.",
		}),
		ProbesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rpcrouter",
			Subsystem: "health",
			Name:      "probes_failed_total",
			Help:      "Total number of upstream health probes that failed.",
		}),
		HealthyUpstreams: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "rpcrouter",
			Subsystem: "health",
			Name:      "healthy_upstreams",
			Help:      "Number of healthy, eligible upstreams per chain.",
		}, []string{"chain_id"}),
		ProbeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "rpcrouter",
			Subsystem: "health",
			Name:      "probe_duration_seconds",
			Help:      "Duration of upstream health probes.",
			Buckets:   prometheus.DefBuckets,
		}),
		SelectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rpcrouter",
			Subsystem: "selector",
			Name:      "selections_total",
			Help:      "Total number of upstream selections attempted.",
		}),
		SelectionsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rpcrouter",
			Subsystem: "selector",
			Name:      "selections_failed_total",
			Help:      "Total number of upstream selections that found no eligible URL.",
		}),
		CollapseReloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rpcrouter",
			Subsystem: "selector",
			Name:      "collapse_reloads_total",
			Help:      "Total number of config reloads triggered by pool collapse.",
		}),
		ConfigReloadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rpcrouter",
			Subsystem: "config",
			Name:      "reloads_total",
			Help:      "Total number of successful config reloads.",
		}),
		ConfigReloadsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rpcrouter",
			Subsystem: "config",
			Name:      "reloads_failed_total",
			Help:      "Total number of config reloads rejected as invalid or failed to commit.",
		}),
		ForwardedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rpcrouter",
			Subsystem: "executor",
			Name:      "forwarded_total",
			Help:      "Total number of JSON-RPC calls forwarded to an upstream.",
		}),
		ForwardedFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rpcrouter",
			Subsystem: "executor",
			Name:      "forwarded_failed_total",
			Help:      "Total number of forwarded calls that failed transport or returned non-2xx.",
		}),
		ForwardDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "rpcrouter",
			Subsystem: "executor",
			Name:      "forward_duration_seconds",
			Help:      "Duration of forwarded JSON-RPC calls.",
			Buckets:   prometheus.DefBuckets,
		}),
		SessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rpcrouter",
			Subsystem: "session",
			Name:      "created_total",
			Help:      "Total number of sessions created.",
		}),
		SessionsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rpcrouter",
			Subsystem: "session",
			Name:      "expired_total",
			Help:      "Total number of session expirations observed by the session sweep.",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ProbesTotal, m.ProbesFailed, m.HealthyUpstreams, m.ProbeDuration,
		m.SelectionsTotal, m.SelectionsFailed, m.CollapseReloads,
		m.ConfigReloadsTotal, m.ConfigReloadsFailed,
		m.ForwardedTotal, m.ForwardedFailed, m.ForwardDuration,
		m.SessionsCreated, m.SessionsExpired,
	}
}

// Register registers every collector with reg, tolerating re-registration
// from repeated test setup the way the teacher's Register does.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}

// Unregister removes every collector from reg.
func (m *Metrics) Unregister(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range m.collectors() {
		reg.Unregister(c)
	}
}

var (
	globalMu    sync.Mutex
	globalInst  *Metrics
	globalRefs  int
	globalRegst prometheus.Registerer
)

// Acquire returns a process-wide Metrics instance registered with reg,
// reference-counted so multiple test setups can share one registry
// without double-registration errors, mirroring the teacher's
// acquireGlobalMetrics/releaseGlobalMetrics pair.
func Acquire(reg prometheus.Registerer) (*Metrics, error) {
	globalMu.Lock()
	defer globalMu.Unlock()

	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	if globalInst == nil || globalRegst != reg {
		m := New()
		if err := m.Register(reg); err != nil {
			return nil, err
		}
		globalInst = m
		globalRegst = reg
	}

	globalRefs++
	return globalInst, nil
}

// Release decrements the reference count and unregisters the collectors
// once the last holder releases them.
func Release() {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalRefs > 0 {
		globalRefs--
	}
	if globalRefs == 0 && globalInst != nil {
		globalInst.Unregister(globalRegst)
		globalInst = nil
		globalRegst = nil
	}
}
