package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	workerStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tenantd",
			Subsystem: "worker",
			Name:      "starts_total",
			Help:      "Number of successful worker starts.",
		}, []string{"workspace"},
	)
	workerRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tenantd",
			Subsystem: "worker",
			Name:      "restarts_total",
			Help:      "Number of watchdog-driven restarts.",
		}, []string{"workspace"},
	)
	workerCrashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tenantd",
			Subsystem: "worker",
			Name:      "crashes_total",
			Help:      "Number of unexpected worker exits.",
		}, []string{"workspace"},
	)
	healthFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tenantd",
			Subsystem: "worker",
			Name:      "health_check_failures_total",
			Help:      "Number of failed HTTP health probes outside the grace period.",
		}, []string{"workspace"},
	)
	runningWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tenantd",
			Subsystem: "worker",
			Name:      "running",
			Help:      "Current number of live worker processes.",
		},
	)
	proxyRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tenantd",
			Subsystem: "gateway",
			Name:      "proxy_requests_total",
			Help:      "Proxied requests by downstream status class.",
		}, []string{"workspace", "code"},
	)
	proxyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tenantd",
			Subsystem: "gateway",
			Name:      "proxy_request_duration_seconds",
			Help:      "End-to-end proxied request duration.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"workspace"},
	)
	logRotations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tenantd",
			Subsystem: "logs",
			Name:      "rotations_total",
			Help:      "Number of per-workspace log file rotations.",
		}, []string{"workspace"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{workerStarts, workerRestarts, workerCrashes, healthFailures, runningWorkers, proxyRequests, proxyDuration, logRotations}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler serves Prometheus metrics from the default gatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Helpers below no-op until Register has been called.

func IncStart(workspace string) {
	if regOK.Load() {
		workerStarts.WithLabelValues(workspace).Inc()
	}
}

func IncRestart(workspace string) {
	if regOK.Load() {
		workerRestarts.WithLabelValues(workspace).Inc()
	}
}

func IncCrash(workspace string) {
	if regOK.Load() {
		workerCrashes.WithLabelValues(workspace).Inc()
	}
}

func IncHealthFailure(workspace string) {
	if regOK.Load() {
		healthFailures.WithLabelValues(workspace).Inc()
	}
}

func SetRunningWorkers(n int) {
	if regOK.Load() {
		runningWorkers.Set(float64(n))
	}
}

func IncProxyRequest(workspace, code string) {
	if regOK.Load() {
		proxyRequests.WithLabelValues(workspace, code).Inc()
	}
}

func ObserveProxyDuration(workspace string, seconds float64) {
	if regOK.Load() {
		proxyDuration.WithLabelValues(workspace).Observe(seconds)
	}
}

func IncLogRotation(workspace string) {
	if regOK.Load() {
		logRotations.WithLabelValues(workspace).Inc()
	}
}
