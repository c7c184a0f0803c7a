// Package telemetry wraps prometheus behind small interfaces so that metric
// call sites work whether or not a registry is enabled. When prometheus is
// disabled every metric is a no-op.
package telemetry

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/clusterd/statepub/cfg"
)

var registry *prometheus.Registry

type Histogram interface {
	Observe(float64)
}

type Counter interface {
	Inc()
	Add(float64)
}

type Gauge interface {
	Set(float64)
	Inc()
	Dec()
	Add(float64)
	Sub(float64)
	SetToCurrentTime()
}

// CounterVec is a labeled counter family.
type CounterVec interface {
	With(labels ...string) Counter
}

type NoopStat struct{}

func (n NoopStat) Observe(float64)    {}
func (n NoopStat) Set(float64)        {}
func (n NoopStat) Dec()               {}
func (n NoopStat) Sub(float64)        {}
func (n NoopStat) SetToCurrentTime()  {}
func (n NoopStat) Inc()               {}
func (n NoopStat) Add(float64)       {}

type noopCounterVec struct{}

func (n noopCounterVec) With(labels ...string) Counter { return NoopStat{} }

type prometheusCounterVec struct {
	vec *prometheus.CounterVec
}

func (p *prometheusCounterVec) With(labelValues ...string) Counter {
	return p.vec.WithLabelValues(labelValues...)
}

func constLabels() map[string]string {
	return map[string]string{
		"node_id": strconv.FormatUint(cfg.Config.NodeID, 10),
	}
}

func NewCounter(name string, help string) Counter {
	if registry == nil {
		return NoopStat{}
	}

	ret := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   "statepub",
		Name:        name,
		Help:        help,
		ConstLabels: constLabels(),
	})

	registry.MustRegister(ret)
	return ret
}

func NewGauge(name string, help string) Gauge {
	if registry == nil {
		return NoopStat{}
	}

	ret := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   "statepub",
		Name:        name,
		Help:        help,
		ConstLabels: constLabels(),
	})

	registry.MustRegister(ret)
	return ret
}

func NewHistogram(name string, help string, buckets []float64) Histogram {
	if registry == nil {
		return NoopStat{}
	}

	ret := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   "statepub",
		Name:        name,
		Help:        help,
		Buckets:     buckets,
		ConstLabels: constLabels(),
	})

	registry.MustRegister(ret)
	return ret
}

func NewCounterVec(name, help string, labels []string) CounterVec {
	if registry == nil {
		return noopCounterVec{}
	}

	ret := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "statepub",
		Name:        name,
		Help:        help,
		ConstLabels: constLabels(),
	}, labels)

	registry.MustRegister(ret)
	return &prometheusCounterVec{vec: ret}
}

// InitializeTelemetry creates the registry and binds all publication metrics.
// Must be called after config load and before server start.
func InitializeTelemetry() {
	if !cfg.Config.Prometheus.Enabled {
		return
	}

	registry = prometheus.NewRegistry()
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	registry.MustRegister(collectors.NewGoCollector())

	registerPublicationMetrics()

	log.Info().Msg("Prometheus metrics enabled - served on gRPC port at /metrics")
}

// GetMetricsHandler returns the HTTP handler for Prometheus metrics.
// Returns nil if Prometheus is not enabled.
func GetMetricsHandler() http.Handler {
	if registry == nil {
		return nil
	}
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}
