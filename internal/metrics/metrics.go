// Package metrics exports Prometheus metrics for the encryption layer and
// the FUSE server. A nil *Metrics is valid and records nothing.
package metrics

import (
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/encmirrorfs/encmirrorfs/internal/tlog"
)

const namespace = "encmirrorfs"

// Metrics tracks FUSE latencies, transform runs, classification results and
// scratch file usage.
type Metrics struct {
	fuseLatency *prometheus.SummaryVec
	transforms  *prometheus.CounterVec
	classified  *prometheus.CounterVec
	scratchLive prometheus.Gauge
}

// New creates unregistered metrics.
func New() *Metrics {
	return &Metrics{
		fuseLatency: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Namespace: namespace,
			Name:      "fuse_latency_seconds",
			Help:      "Latency of FUSE operations in seconds",
		}, []string{"op"}),
		transforms: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transforms_total",
			Help:      "Number of whole-stream transform runs",
		}, []string{"action", "result"}),
		classified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classified_total",
			Help:      "Number of files classified, by encryption flag state",
		}, []string{"state"}),
		scratchLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scratch_files",
			Help:      "Number of scratch files currently in use",
		}),
	}
}

// Register registers all collectors with "reg".
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.fuseLatency, m.transforms, m.classified, m.scratchLive} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Add implements fuse.LatencyMap, so it can be passed to
// fuse.Server.RecordLatencies.
func (m *Metrics) Add(name string, dt time.Duration) {
	if m == nil {
		return
	}
	m.fuseLatency.WithLabelValues(name).Observe(dt.Seconds())
}

// ObserveTransform counts one transform run.
func (m *Metrics) ObserveTransform(action string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.transforms.WithLabelValues(action, result).Inc()
}

// ObserveClassify counts one classification.
func (m *Metrics) ObserveClassify(state string) {
	if m == nil {
		return
	}
	m.classified.WithLabelValues(state).Inc()
}

// SetScratchLive records the number of live scratch files.
func (m *Metrics) SetScratchLive(n int64) {
	if m == nil {
		return
	}
	m.scratchLive.Set(float64(n))
}

// Serve exposes "reg" on http://addr/metrics in the background. The
// returned listener is closed to stop serving.
func Serve(addr string, reg *prometheus.Registry) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
			tlog.Warn.Printf("metrics: %v", err)
		}
	}()
	return ln, nil
}
