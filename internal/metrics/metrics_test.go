package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uniconvert/internal/models"
)

func TestObserveConversionAndDestroy(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.ObserveConversion("png", "jpg", "success", "image-codec", 20*time.Millisecond)
	m.ObserveConversion("png", "jpg", "success", "image-codec", 30*time.Millisecond)
	m.ObserveConversion("png", "xyz", "UnsupportedConversion", "", 0)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.conversions.WithLabelValues("png", "jpg", "success")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.duration))

	m.ObserveDestroy(models.DestroyReport{Reason: models.DestroyExpired, Existed: true, InputBytes: 10, OutputBytes: 5, Errors: []string{"x"}})
	m.ObserveDestroy(models.DestroyReport{Reason: models.DestroyExplicit, Existed: false, InputBytes: 99})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.destroyed.WithLabelValues("expired")))
	assert.Equal(t, 15.0, testutil.ToFloat64(m.freedBytes))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cleanupErrs))
}

func TestNewTwiceReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := New(reg)
	require.NoError(t, err)
	second, err := New(reg)
	require.NoError(t, err)

	first.ObserveConversion("md", "pdf", "success", "text-pdf", time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(second.conversions.WithLabelValues("md", "pdf", "success")))
}

func TestGaugeFuncs(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)
	require.NoError(t, m.TrackStore(func() models.StoreStats { return models.StoreStats{Sessions: 3, TotalBytes: 42} }))
	require.NoError(t, m.TrackQueue(func() int { return 2 }, func() int { return 7 }))

	families, err := reg.Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, f := range families {
		if f.GetType().String() == "GAUGE" {
			values[f.GetName()] = f.GetMetric()[0].GetGauge().GetValue()
		}
	}
	assert.Equal(t, 3.0, values["uniconvert_active_sessions"])
	assert.Equal(t, 42.0, values["uniconvert_stored_bytes"])
	assert.Equal(t, 7.0, values["uniconvert_queued_conversions"])
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.ObserveConversion("a", "b", "c", "d", time.Second)
	m.ObserveDestroy(models.DestroyReport{Existed: true})
	assert.NoError(t, m.TrackStore(nil))
}
