package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mdweb"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	processLaunches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "launches_total",
			Help:      "Number of successful process launches, including restarts.",
		}, []string{"name"},
	)
	processLaunchFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "launch_failures_total",
			Help:      "Number of launches the OS refused.",
		}, []string{"name"},
	)
	processCrashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "crashes_total",
			Help:      "Number of supervised processes detected dead, by reason (stopped, zombie, reused).",
		}, []string{"name", "reason"},
	)
	processRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "restarts_total",
			Help:      "Restart attempts by outcome (success, failure, cooldown, exhausted).",
		}, []string{"name", "result"},
	)
	supervisedProcesses = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "processes",
			Help:      "Processes currently held in the supervisor registry.",
		},
	)
	shutdowns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "shutdowns_total",
			Help:      "Completed shutdown sequences by mode.",
		}, []string{"mode"},
	)
	forcedKills = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "forced_kills_total",
			Help:      "Processes that survived the graceful window and were killed.",
		},
	)
	healthCheckDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "health_check_duration_seconds",
			Help:      "Time until the application server accepted connections, by outcome.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 15, 30},
		}, []string{"result"},
	)
	configUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "config",
			Name:      "updates_total",
			Help:      "Control-plane configuration updates by outcome.",
		}, []string{"result"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		processLaunches, processLaunchFailures, processCrashes, processRestarts,
		supervisedProcesses, shutdowns, forcedKills, healthCheckDuration, configUpdates,
		processCPUPercent, processRSSBytes,
	}
}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	for _, c := range collectors() {
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

// Handler serves the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves the given gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// The helpers below no-op until Register has been called.

func IncLaunch(name string) {
	if regOK.Load() {
		processLaunches.WithLabelValues(name).Inc()
	}
}

func IncLaunchFailure(name string) {
	if regOK.Load() {
		processLaunchFailures.WithLabelValues(name).Inc()
	}
}

func IncCrash(name, reason string) {
	if regOK.Load() {
		processCrashes.WithLabelValues(name, reason).Inc()
	}
}

func IncRestart(name, result string) {
	if regOK.Load() {
		processRestarts.WithLabelValues(name, result).Inc()
	}
}

func SetSupervised(n int) {
	if regOK.Load() {
		supervisedProcesses.Set(float64(n))
	}
}

func IncShutdown(mode string) {
	if regOK.Load() {
		shutdowns.WithLabelValues(mode).Inc()
	}
}

func AddForcedKills(n int) {
	if regOK.Load() && n > 0 {
		forcedKills.Add(float64(n))
	}
}

func ObserveHealthCheck(result string, seconds float64) {
	if regOK.Load() {
		healthCheckDuration.WithLabelValues(result).Observe(seconds)
	}
}

func IncConfigUpdate(result string) {
	if regOK.Load() {
		configUpdates.WithLabelValues(result).Inc()
	}
}
