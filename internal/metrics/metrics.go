// Package metrics registers the Prometheus metrics used by the gateway.
// Collectors are created with promauto at package init, so importing the
// package is enough for them to appear on the /metrics handler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var durationBuckets = []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// Hook-level counters and histograms.
var (
	// HookInvocations counts hook invocations by hook name and outcome
	// ("completed", "blocked", "error").
	HookInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookgw_hook_invocations_total",
			Help: "Total number of hook invocations processed by the plugin manager.",
		},
		[]string{"hook", "outcome"},
	)

	// HookDuration observes the time spent running every plugin for one hook.
	HookDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hookgw_hook_duration_seconds",
			Help:    "Duration of a full hook invocation in seconds.",
			Buckets: durationBuckets,
		},
		[]string{"hook"},
	)

	// PluginCalls counts individual plugin calls by outcome ("success",
	// "blocked", "error", "timeout").
	PluginCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookgw_plugin_calls_total",
			Help: "Total plugin calls by plugin, hook and outcome.",
		},
		[]string{"plugin", "hook", "outcome"},
	)

	// PluginDuration observes per-plugin call latency.
	PluginDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hookgw_plugin_duration_seconds",
			Help:    "Duration of a single plugin call in seconds.",
			Buckets: durationBuckets,
		},
		[]string{"plugin", "hook"},
	)

	// Violations counts violations surfaced to callers, by plugin and code.
	Violations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookgw_violations_total",
			Help: "Total blocking violations returned to callers.",
		},
		[]string{"plugin", "code"},
	)

	// CircuitBreakerState tracks per-remote-plugin breaker state as a gauge:
	// 0 = closed, 1 = open, 2 = half_open.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hookgw_circuit_breaker_state",
			Help: "Circuit breaker state per remote plugin (0=closed 1=open 2=half_open).",
		},
		[]string{"plugin"},
	)

	// RemoteConnects counts connection attempts to external plugin servers
	// ("success", "error").
	RemoteConnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookgw_remote_connects_total",
			Help: "Total connection attempts to external plugin servers.",
		},
		[]string{"plugin", "outcome"},
	)

	// RateLimitRejections counts requests rejected by rate limiting, labelled
	// by key_type ("user", "tenant", "server").
	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookgw_rate_limit_rejections_total",
			Help: "Total requests rejected by rate limiting.",
		},
		[]string{"key_type"},
	)

	// ConfigReloads counts configuration reloads ("success", "error").
	ConfigReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookgw_config_reloads_total",
			Help: "Total configuration reload attempts.",
		},
		[]string{"outcome"},
	)
)
