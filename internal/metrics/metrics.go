// Package metrics exposes registry counters and latencies to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/starford/opsml/internal/apperr"
)

const namespace = "opsml"

// Recorder owns a Prometheus registry and the collectors registered in it.
// A nil *Recorder is valid and records nothing.
type Recorder struct {
	Registry *prometheus.Registry

	ops     *prometheus.CounterVec
	latency *prometheus.HistogramVec
	bytes   *prometheus.CounterVec
}

// New builds a Recorder with process and Go runtime collectors attached.
func New() *Recorder {
	r := &Recorder{
		Registry: prometheus.NewRegistry(),
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "operations_total",
			Help:      "Registry operations by outcome.",
		}, []string{"op", "kind", "result"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "operation_seconds",
			Help:      "Registry operation latency.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"op", "kind"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "bytes_total",
			Help:      "Artifact bytes moved through the storage backend.",
		}, []string{"direction"}),
	}
	r.Registry.MustRegister(
		r.ops,
		r.latency,
		r.bytes,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Observe records one finished operation. The result label is the error
// code, or "ok".
func (r *Recorder) Observe(op, kind string, start time.Time, err error) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = apperr.Code(err)
	}
	r.ops.WithLabelValues(op, kind, result).Inc()
	r.latency.WithLabelValues(op, kind).Observe(time.Since(start).Seconds())
}

// Uploaded counts bytes written to storage.
func (r *Recorder) Uploaded(n int64) {
	if r == nil || n <= 0 {
		return
	}
	r.bytes.WithLabelValues("upload").Add(float64(n))
}

// Downloaded counts bytes read from storage.
func (r *Recorder) Downloaded(n int64) {
	if r == nil || n <= 0 {
		return
	}
	r.bytes.WithLabelValues("download").Add(float64(n))
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.Registry, promhttp.HandlerOpts{})
}
