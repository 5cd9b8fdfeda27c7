package monitoring

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
)

func TestMonitorRecords(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMonitor(reg)
	m.SetTask(1, 10)
	m.ObserveEpoch("student", 0.5, 20*time.Millisecond)
	m.ObserveEpoch("student", 0.25, 20*time.Millisecond)
	m.ObserveAccuracy("cnn", 81.5, 3)
	m.CacheLookup(true)

	assert.Equal(t, 10.0, testutil.ToFloat64(m.knownClasses))
	assert.Equal(t, 0.25, testutil.ToFloat64(m.loss.WithLabelValues("student")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.epochs.WithLabelValues("student")))
	assert.Equal(t, 81.5, testutil.ToFloat64(m.accuracy.WithLabelValues("cnn")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheLookups.WithLabelValues("hit")))
}

func TestNilMonitorIsSafe(t *testing.T) {
	var m *Monitor
	assert.NotPanics(t, func() {
		m.SetTask(0, 5)
		m.ObserveEpoch("teacher", 1, time.Second)
		m.SetExemplars(3)
		m.CacheLookup(false)
	})
	assert.Nil(t, m.Registry())
}

func TestHandlerServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMonitor(reg).SetExemplars(20)
	h := Handler(reg)

	var rc fasthttp.RequestCtx
	rc.Request.SetRequestURI("/metrics")
	h(&rc)
	require.Equal(t, fasthttp.StatusOK, rc.Response.StatusCode())
	assert.Contains(t, string(rc.Response.Body()), "lumix_exemplar_memory_size 20")

	var missing fasthttp.RequestCtx
	missing.Request.SetRequestURI("/nope")
	h(&missing)
	assert.Equal(t, fasthttp.StatusNotFound, missing.Response.StatusCode())
}
