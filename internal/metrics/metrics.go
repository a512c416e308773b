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
			Namespace: "bruhmcp",
			Subsystem: "worker",
			Name:      "starts_total",
			Help:      "Number of successful worker process starts.",
		}, []string{"service"},
	)
	workerStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bruhmcp",
			Subsystem: "worker",
			Name:      "stops_total",
			Help:      "Number of worker stops (graceful or kill).",
		}, []string{"service"},
	)
	activationFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bruhmcp",
			Subsystem: "worker",
			Name:      "activation_failures_total",
			Help:      "Number of failed activations by error kind.",
		}, []string{"service", "kind"},
	)
	startupDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "bruhmcp",
			Subsystem: "worker",
			Name:      "startup_duration_seconds",
			Help:      "Time from spawn to protocol-ready.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service"},
	)
	runningWorkers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "bruhmcp",
			Subsystem: "worker",
			Name:      "running",
			Help:      "Current running worker processes per service type.",
		}, []string{"service"},
	)
	healthChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bruhmcp",
			Subsystem: "health",
			Name:      "checks_total",
			Help:      "Health check outcomes per service type.",
		}, []string{"service", "result"},
	)
	refreshAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bruhmcp",
			Subsystem: "refresh",
			Name:      "attempts_total",
			Help:      "Token refresh attempts by method and result.",
		}, []string{"method", "result"},
	)
	refreshLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "bruhmcp",
			Subsystem: "refresh",
			Name:      "latency_seconds",
			Help:      "Token refresh call latency by method.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"},
	)
	liveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "bruhmcp",
			Subsystem: "session",
			Name:      "live",
			Help:      "Current live protocol handler sessions.",
		},
	)
	syncRemoved = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "bruhmcp",
			Subsystem: "credential",
			Name:      "sync_removed_total",
			Help:      "Cached credentials evicted by the sync loop.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		workerStarts, workerStops, activationFailures, startupDuration,
		runningWorkers, healthChecks, refreshAttempts, refreshLatency,
		liveSessions, syncRemoved,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
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

// Handler returns an http.Handler serving Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncWorkerStart(service string) {
	if regOK.Load() {
		workerStarts.WithLabelValues(service).Inc()
	}
}

func IncWorkerStop(service string) {
	if regOK.Load() {
		workerStops.WithLabelValues(service).Inc()
	}
}

func IncActivationFailure(service, kind string) {
	if regOK.Load() {
		activationFailures.WithLabelValues(service, kind).Inc()
	}
}

func ObserveStartupDuration(service string, seconds float64) {
	if regOK.Load() {
		startupDuration.WithLabelValues(service).Observe(seconds)
	}
}

func SetRunningWorkers(service string, n int) {
	if regOK.Load() {
		runningWorkers.WithLabelValues(service).Set(float64(n))
	}
}

func IncHealthCheck(service string, ok bool) {
	if regOK.Load() {
		result := "ok"
		if !ok {
			result = "fail"
		}
		healthChecks.WithLabelValues(service, result).Inc()
	}
}

func IncRefreshAttempt(method, result string) {
	if regOK.Load() {
		refreshAttempts.WithLabelValues(method, result).Inc()
	}
}

func ObserveRefreshLatency(method string, seconds float64) {
	if regOK.Load() {
		refreshLatency.WithLabelValues(method).Observe(seconds)
	}
}

func SetLiveSessions(n int) {
	if regOK.Load() {
		liveSessions.Set(float64(n))
	}
}

func AddSyncRemoved(n int) {
	if regOK.Load() && n > 0 {
		syncRemoved.Add(float64(n))
	}
}
