package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveProxyConnection_IncrementsCountersByLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.ObserveProxyConnection("allow", "mitm", 100, 200)
	r.ObserveProxyConnection("deny", "plain-http", 0, 0)

	assert.Equal(t, float64(1), counterValue(t, r.ProxyConnections.WithLabelValues("allow", "mitm")))
	assert.Equal(t, float64(1), counterValue(t, r.ProxyConnections.WithLabelValues("deny", "plain-http")))
	assert.Equal(t, float64(100), counterValue(t, r.ProxyBytes.WithLabelValues("in")))
	assert.Equal(t, float64(200), counterValue(t, r.ProxyBytes.WithLabelValues("out")))
}

func TestObserveSandboxOp_LabelsBySuccess(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.ObserveSandboxOp("vm_boot", true, 1.5)
	r.ObserveSandboxOp("vm_boot", false, 0.2)

	metricFam, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, metricFam)

	var series int
	for _, mf := range metricFam {
		if mf.GetName() == "vm0core_executor_sandbox_op_duration_seconds" {
			series = len(mf.GetMetric())
		}
	}
	assert.Equal(t, 2, series, "one series per success label value")
}

func TestBoolLabel(t *testing.T) {
	assert.Equal(t, "true", boolLabel(true))
	assert.Equal(t, "false", boolLabel(false))
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}
