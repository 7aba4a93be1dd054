package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gatherFamily(t *testing.T, name string) *dto.MetricFamily {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("metric family %s not found", name)
	return nil
}

func labelValue(m *dto.Metric, key string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == key {
			return lp.GetValue()
		}
	}
	return ""
}

func TestOperationCounterLabels(t *testing.T) {
	OperationsTotal.WithLabelValues("metrics_test.op", "success").Inc()
	OperationsTotal.WithLabelValues("metrics_test.op", "success").Inc()
	OperationsTotal.WithLabelValues("metrics_test.op", "failure").Inc()

	mf := gatherFamily(t, "kimgate_operations_total")
	assert.Equal(t, dto.MetricType_COUNTER, mf.GetType())

	var success, failure float64
	for _, m := range mf.GetMetric() {
		if labelValue(m, "operation") != "metrics_test.op" {
			continue
		}
		switch labelValue(m, "result") {
		case "success":
			success = m.GetCounter().GetValue()
		case "failure":
			failure = m.GetCounter().GetValue()
		}
	}
	assert.Equal(t, 2.0, success)
	assert.Equal(t, 1.0, failure)
}

func TestCacheSizeGauge(t *testing.T) {
	CacheSizeBytes.Set(4096)

	mf := gatherFamily(t, "kimgate_cache_size_bytes")
	assert.Equal(t, dto.MetricType_GAUGE, mf.GetType())
	require.Len(t, mf.GetMetric(), 1)
	assert.Equal(t, 4096.0, mf.GetMetric()[0].GetGauge().GetValue())
}
