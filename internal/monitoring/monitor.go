// internal/monitoring/monitor.go
package monitoring

import (
	"context"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Monitor - Prometheus view of a training run. A nil *Monitor is valid and records nothing.
type Monitor struct {
	registry *prometheus.Registry

	task          prometheus.Gauge
	knownClasses  prometheus.Gauge
	exemplars     prometheus.Gauge
	memoryUsage   prometheus.Gauge
	loss          *prometheus.GaugeVec
	epochs        *prometheus.CounterVec
	epochDuration *prometheus.HistogramVec
	accuracy      *prometheus.GaugeVec
	forgetting    *prometheus.GaugeVec
	cacheLookups  *prometheus.CounterVec
}

// NewMonitor registers every collector on reg.
func NewMonitor(reg *prometheus.Registry) *Monitor {
	f := promauto.With(reg)
	return &Monitor{
		registry: reg,
		task: f.NewGauge(prometheus.GaugeOpts{
			Name: "lumix_current_task",
			Help: "Index of the task being trained",
		}),
		knownClasses: f.NewGauge(prometheus.GaugeOpts{
			Name: "lumix_total_classes",
			Help: "Classes seen so far including the current task",
		}),
		exemplars: f.NewGauge(prometheus.GaugeOpts{
			Name: "lumix_exemplar_memory_size",
			Help: "Samples held in replay memory",
		}),
		memoryUsage: f.NewGauge(prometheus.GaugeOpts{
			Name: "lumix_heap_alloc_bytes",
			Help: "Heap bytes in use, sampled periodically",
		}),
		loss: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lumix_epoch_loss",
			Help: "Mean loss of the last finished epoch",
		}, []string{"phase"}),
		epochs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lumix_epochs_total",
			Help: "Finished training epochs",
		}, []string{"phase"}),
		epochDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lumix_epoch_duration_seconds",
			Help:    "Wall time of one training epoch",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		}, []string{"phase"}),
		accuracy: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lumix_top1_accuracy",
			Help: "Top-1 accuracy after the last task",
		}, []string{"evaluator"}),
		forgetting: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lumix_forgetting",
			Help: "Forgetting after the last task",
		}, []string{"evaluator"}),
		cacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lumix_inference_cache_lookups_total",
			Help: "Feature cache lookups by result",
		}, []string{"result"}),
	}
}

// Registry returns the registry the collectors live on.
func (m *Monitor) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Monitor) SetTask(task, totalClasses int) {
	if m == nil {
		return
	}
	m.task.Set(float64(task))
	m.knownClasses.Set(float64(totalClasses))
}

// ObserveEpoch records one finished epoch of phase ("teacher" or "student").
func (m *Monitor) ObserveEpoch(phase string, loss float64, took time.Duration) {
	if m == nil {
		return
	}
	m.loss.WithLabelValues(phase).Set(loss)
	m.epochs.WithLabelValues(phase).Inc()
	m.epochDuration.WithLabelValues(phase).Observe(took.Seconds())
}

func (m *Monitor) ObserveAccuracy(evaluator string, top1, forgetting float64) {
	if m == nil {
		return
	}
	m.accuracy.WithLabelValues(evaluator).Set(top1)
	m.forgetting.WithLabelValues(evaluator).Set(forgetting)
}

func (m *Monitor) SetExemplars(n int) {
	if m == nil {
		return
	}
	m.exemplars.Set(float64(n))
}

// CacheLookup counts a feature cache hit or miss.
func (m *Monitor) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// SampleRuntime refreshes the heap gauge every interval until ctx ends.
func (m *Monitor) SampleRuntime(ctx context.Context, interval time.Duration) {
	if m == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var stats runtime.MemStats
	for {
		runtime.ReadMemStats(&stats)
		m.memoryUsage.Set(float64(stats.HeapAlloc))
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
