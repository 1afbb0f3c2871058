// Package metrics holds the service's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	ChatRequests    *prometheus.CounterVec
	StreamedChunks  prometheus.Counter
	StreamDuration  prometheus.Histogram
	RateLimited     prometheus.Counter
	PremiumGrants   prometheus.Counter
	PersistFailures prometheus.Counter
}

// New registers every collector on a private registry, so tests can build as many as they like.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		ChatRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "alphachat",
			Name:      "chat_requests_total",
			Help:      "Chat requests by mode and final outcome.",
		}, []string{"mode", "outcome"}),
		StreamedChunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "alphachat",
			Name:      "streamed_chunks_total",
			Help:      "Generated chunks relayed to clients.",
		}),
		StreamDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "alphachat",
			Name:      "stream_duration_seconds",
			Help:      "Time from upstream call to end of stream.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "alphachat",
			Name:      "rate_limited_total",
			Help:      "Chat requests rejected by the rate limiter.",
		}),
		PremiumGrants: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "alphachat",
			Name:      "premium_grants_total",
			Help:      "Users upgraded from free to premium.",
		}),
		PersistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "alphachat",
			Name:      "persist_failures_total",
			Help:      "Completed exchanges that could not be saved.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ChatRequests,
		m.StreamedChunks,
		m.StreamDuration,
		m.RateLimited,
		m.PremiumGrants,
		m.PersistFailures,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
