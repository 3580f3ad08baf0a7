package pipeline

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestPrometheusMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPrometheusMetrics(reg)

	m.LogIngested(SeverityError)
	m.LogIngested(SeverityError)
	m.DuplicateIgnored("log")
	m.CorrelationAnomaly(AnomalyUnknownRequest)
	m.RequestsExpired(0)
	m.RequestsExpired(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.logsIngested.WithLabelValues("ERROR")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.duplicates.WithLabelValues("log")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.anomalies.WithLabelValues(AnomalyUnknownRequest)))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.requestsExpired))

	n, err := testutil.GatherAndCount(reg, "logcorr_logs_ingested_total")
	assert.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMetricsOrNop(t *testing.T) {
	assert.Equal(t, NopMetrics{}, metricsOrNop(nil))
	c := newCountingMetrics()
	assert.Same(t, c, metricsOrNop(c))
}
