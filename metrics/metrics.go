// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// namespace is the metrics namespace.
const namespace = "tradez"

// Metrics holds all Prometheus metrics.
type Metrics struct {
	// RPC transport
	RPCCalls    *prometheus.CounterVec
	RPCErrors   *prometheus.CounterVec
	RPCDuration *prometheus.HistogramVec

	// Subscription manager
	Connects         prometheus.Counter
	Reconnects       prometheus.Counter
	ActiveTopics     prometheus.Gauge
	ActiveListeners  prometheus.Gauge
	PushesDispatched *prometheus.CounterVec
	PushesDropped    *prometheus.CounterVec
	ListenerPanics   prometheus.Counter

	// Reconcilers
	Fetches          *prometheus.CounterVec
	FetchesCoalesced *prometheus.CounterVec
	FetchErrors      *prometheus.CounterVec
}

// New creates a Metrics instance registered on the default registry.
func New() *Metrics {
	return NewWith(nil)
}

// NewWith creates a Metrics instance registered on the given registerer.
// A nil registerer uses the default registry.
func NewWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	if reg == nil {
		factory = promauto.With(prometheus.DefaultRegisterer)
	}

	return &Metrics{
		RPCCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rpc_calls_total",
				Help:      "Total number of JSON-RPC calls issued",
			},
			[]string{"method"},
		),
		RPCErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rpc_errors_total",
				Help:      "Total number of failed JSON-RPC calls",
			},
			[]string{"method", "kind"}, // kind: config, transport, protocol, remote
		),
		RPCDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "rpc_duration_seconds",
				Help:      "JSON-RPC call duration in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"method"},
		),

		Connects: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ws_connects_total",
				Help:      "Total number of websocket connections established",
			},
		),
		Reconnects: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ws_reconnects_total",
				Help:      "Total number of websocket reconnection attempts",
			},
		),
		ActiveTopics: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_topics",
				Help:      "Current number of topics with at least one listener",
			},
		),
		ActiveListeners: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_listeners",
				Help:      "Current number of registered listeners",
			},
		),
		PushesDispatched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pushes_dispatched_total",
				Help:      "Total number of push notifications dispatched to listeners",
			},
			[]string{"topic"},
		),
		PushesDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pushes_dropped_total",
				Help:      "Total number of inbound messages dropped",
			},
			[]string{"reason"}, // reason: parse, unknown_topic
		),
		ListenerPanics: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "listener_panics_total",
				Help:      "Total number of listener panics isolated during dispatch",
			},
		),

		Fetches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconciler_fetches_total",
				Help:      "Total number of snapshot fetches per reconciler",
			},
			[]string{"view"},
		),
		FetchesCoalesced: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconciler_fetches_coalesced_total",
				Help:      "Total number of fetch triggers coalesced into a pending fetch",
			},
			[]string{"view"},
		),
		FetchErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconciler_fetch_errors_total",
				Help:      "Total number of failed snapshot fetches per reconciler",
			},
			[]string{"view"},
		),
	}
}

// Nop returns a Metrics instance on a throwaway registry, for tests and
// consumers that do not scrape.
func Nop() *Metrics {
	return NewWith(prometheus.NewRegistry())
}
