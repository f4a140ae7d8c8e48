// Package metrics holds the daemon's Prometheus collectors.
//
// All methods are safe to call on a nil *Metrics so components can be built
// without observability in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dspd"

// Metrics contains the collectors for sessions, reconciliation, routing and the bridge.
type Metrics struct {
	registry *prometheus.Registry

	sessionsLive       prometheus.Gauge
	handleAttempts     *prometheus.CounterVec // status: success, error
	handleUnavailable  prometheus.Counter
	reconcileBatches   *prometheus.CounterVec // outcome: done, cancelled
	reconcileDuration  prometheus.Histogram
	applyErrors        prometheus.Counter
	routeChanges       *prometheus.CounterVec // kind: phone, aux, bluetooth
	proxyConnects      *prometheus.CounterVec // status: success, error
	proxyDisconnects   prometheus.Counter
	bridgeCalls        *prometheus.CounterVec // op, status
	bridgeCallDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them on a private registry
// together with the Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{registry: reg}

	m.sessionsLive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_live",
		Help:      "Number of audio sessions with a live effect handle",
	})
	m.handleAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "handle_construct_attempts_total",
		Help:      "Effect construction attempts",
	}, []string{"status"})
	m.handleUnavailable = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_dropped_total",
		Help:      "Sessions dropped after exhausting construction attempts",
	})
	m.reconcileBatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconcile_batches_total",
		Help:      "Reconciliation batches by outcome",
	}, []string{"outcome"})
	m.reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "reconcile_duration_seconds",
		Help:      "Time taken to apply a configuration to all sessions",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
	})
	m.applyErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "apply_errors_total",
		Help:      "Per-session apply failures",
	})
	m.routeChanges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "route_changes_total",
		Help:      "Output route changes by device kind",
	}, []string{"kind"})
	m.proxyConnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bluetooth_proxy_connects_total",
		Help:      "Bluetooth profile proxy connects",
	}, []string{"status"})
	m.proxyDisconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bluetooth_proxy_disconnects_total",
		Help:      "Bluetooth profile proxy disconnects",
	})
	m.bridgeCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bridge_calls_total",
		Help:      "Calls made to the effect bridge",
	}, []string{"op", "status"})
	m.bridgeCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "bridge_call_duration_seconds",
		Help:      "Effect bridge round trip time",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 10),
	}, []string{"op"})

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sessionsLive,
		m.handleAttempts,
		m.handleUnavailable,
		m.reconcileBatches,
		m.reconcileDuration,
		m.applyErrors,
		m.routeChanges,
		m.proxyConnects,
		m.proxyDisconnects,
		m.bridgeCalls,
		m.bridgeCallDuration,
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (m *Metrics) SetSessionsLive(n int) {
	if m == nil {
		return
	}
	m.sessionsLive.Set(float64(n))
}

func (m *Metrics) HandleAttempt(err error) {
	if m == nil {
		return
	}
	m.handleAttempts.WithLabelValues(status(err)).Inc()
}

func (m *Metrics) SessionDropped() {
	if m == nil {
		return
	}
	m.handleUnavailable.Inc()
}

// ReconcileBatch records one finished or cancelled batch.
func (m *Metrics) ReconcileBatch(d time.Duration, cancelled bool) {
	if m == nil {
		return
	}
	outcome := "done"
	if cancelled {
		outcome = "cancelled"
	}
	m.reconcileBatches.WithLabelValues(outcome).Inc()
	if !cancelled {
		m.reconcileDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) ApplyError() {
	if m == nil {
		return
	}
	m.applyErrors.Inc()
}

func (m *Metrics) RouteChanged(kind string) {
	if m == nil {
		return
	}
	m.routeChanges.WithLabelValues(kind).Inc()
}

func (m *Metrics) ProxyConnect(err error) {
	if m == nil {
		return
	}
	m.proxyConnects.WithLabelValues(status(err)).Inc()
}

func (m *Metrics) ProxyDisconnect() {
	if m == nil {
		return
	}
	m.proxyDisconnects.Inc()
}

// BridgeCall records one bridge round trip.
func (m *Metrics) BridgeCall(op string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.bridgeCalls.WithLabelValues(op, status(err)).Inc()
	m.bridgeCallDuration.WithLabelValues(op).Observe(d.Seconds())
}
