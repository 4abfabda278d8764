package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus collectors for the proxy core, exposed via the server's
// /_interceptor/metrics route.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "interceptor",
		Name:      "requests_total",
		Help:      "Proxied requests by provider, streaming flag, and status class.",
	}, []string{"provider", "streaming", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "interceptor",
		Name:      "request_duration_seconds",
		Help:      "Total request latency as observed by the proxy.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"provider"})

	streamChunksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "interceptor",
		Name:      "stream_chunks_total",
		Help:      "Parsed stream chunks by provider.",
	}, []string{"provider"})

	upstreamErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "interceptor",
		Name:      "upstream_errors_total",
		Help:      "Upstream connection failures and timeouts.",
	}, []string{"provider", "kind"})

	usageInjectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "interceptor",
		Name:      "stream_usage_injections_total",
		Help:      "OpenAI requests that had stream_options.include_usage injected.",
	})
)
