package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordPlacement("put", nil)
		m.RecordCacheHit("header")
		m.SetIndexSize(1, 2)
		m.RecordRepair("add_copy", 0.1, errors.New("x"))
		m.RecordRequest("web", "locate", "200", 0.01)
	})
}

func TestMetrics_Record(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordPlacement("put", nil)
	m.RecordPlacement("put", errors.New("full"))
	m.RecordCapacityFailure("copy")
	m.SetIndexSize(2, 10)
	m.SetCacheBytes("content", 512)
	m.RecordRepair("add_copy", 0.5, nil)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.PlacementDecisions.WithLabelValues("put", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.PlacementDecisions.WithLabelValues("put", "error")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CapacityFailures.WithLabelValues("copy")))
	assert.Equal(t, float64(10), testutil.ToFloat64(m.RangesTotal))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.LevelsTotal))
	assert.Equal(t, float64(512), testutil.ToFloat64(m.CacheBytes.WithLabelValues("content")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CheckerRepairs.WithLabelValues("add_copy", "success")))
}
