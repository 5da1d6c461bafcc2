// Package metrics exposes the Prometheus counters/histograms the admin
// surface's /metrics endpoint serves, grounded on diggerhq-opencomputer's
// use of prometheus/client_golang for its own sandbox-op instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry bundles every metric this runtime emits so components take one
// constructor-injected value instead of reaching for package-level
// globals.
type Registry struct {
	ProxyConnections  *prometheus.CounterVec
	ProxyBytes        *prometheus.CounterVec
	SandboxOps        *prometheus.HistogramVec
	VMBootDuration    prometheus.Histogram
	VMsActive         prometheus.Gauge
	NetworkAllocFails prometheus.Counter
}

// New registers every metric against reg (pass prometheus.NewRegistry()
// for isolated tests, or prometheus.DefaultRegisterer in production).
func New(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		ProxyConnections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vm0core",
			Subsystem: "proxy",
			Name:      "connections_total",
			Help:      "Egress proxy connections by action and mode.",
		}, []string{"action", "mode"}),
		ProxyBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vm0core",
			Subsystem: "proxy",
			Name:      "bytes_total",
			Help:      "Bytes relayed by the egress proxy, by direction.",
		}, []string{"direction"}),
		SandboxOps: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "vm0core",
			Subsystem: "executor",
			Name:      "sandbox_op_duration_seconds",
			Help:      "Duration of sandbox-op steps, by action type and outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action_type", "success"}),
		VMBootDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "vm0core",
			Subsystem: "firecracker",
			Name:      "vm_boot_duration_seconds",
			Help:      "Time from process spawn to the API socket becoming ready.",
			Buckets:   prometheus.DefBuckets,
		}),
		VMsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "vm0core",
			Subsystem: "firecracker",
			Name:      "vms_active",
			Help:      "Number of VMs currently running on this host.",
		}),
		NetworkAllocFails: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "vm0core",
			Subsystem: "network",
			Name:      "alloc_exhausted_total",
			Help:      "Count of allocation attempts that found no free subnet block.",
		}),
	}
}

// ObserveProxyConnection records one finished proxy connection's outcome.
func (r *Registry) ObserveProxyConnection(action, mode string, bytesIn, bytesOut int64) {
	r.ProxyConnections.WithLabelValues(action, mode).Inc()
	r.ProxyBytes.WithLabelValues("in").Add(float64(bytesIn))
	r.ProxyBytes.WithLabelValues("out").Add(float64(bytesOut))
}

// ObserveSandboxOp records one executor step's duration and outcome.
func (r *Registry) ObserveSandboxOp(actionType string, success bool, seconds float64) {
	r.SandboxOps.WithLabelValues(actionType, boolLabel(success)).Observe(seconds)
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
