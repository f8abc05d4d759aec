package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "workerpanel"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	workerStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "starts_total",
			Help:      "Worker start attempts by result.",
		}, []string{"result"},
	)
	workerStops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "stops_total",
			Help:      "Termination requests sent to the supervised worker.",
		},
	)
	workerExits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "exits_total",
			Help:      "Worker exits observed while the worker was still tracked.",
		},
	)
	workerRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "running",
			Help:      "1 while a worker handle is held, 0 otherwise.",
		},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "state_transitions_total",
			Help:      "Number of lifecycle state transitions.",
		}, []string{"from", "to"},
	)

	straysFound = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reap",
			Name:      "found_total",
			Help:      "Stray worker instances found in the process table.",
		},
	)
	straysTerminated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reap",
			Name:      "terminated_total",
			Help:      "Stray worker instances that exited after a termination request.",
		},
	)
	straysSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reap",
			Name:      "skipped_total",
			Help:      "Stray worker instances skipped, by reason.",
		}, []string{"reason"},
	)

	tailBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tail",
			Name:      "bytes_total",
			Help:      "Log bytes consumed and delivered to the display.",
		},
	)
	tailResets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tail",
			Name:      "resets_total",
			Help:      "Cursor resets by reason.",
		}, []string{"reason"},
	)
	tailDecodes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tail",
			Name:      "decodes_total",
			Help:      "Successful chunk decodes by encoding.",
		}, []string{"encoding"},
	)
	tailErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tail",
			Name:      "errors_total",
			Help:      "Tail failures by kind.",
		}, []string{"kind"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		workerStarts, workerStops, workerExits, workerRunning, stateTransitions,
		straysFound, straysTerminated, straysSkipped,
		tailBytes, tailResets, tailDecodes, tailErrors,
		workerCPUPercent, workerMemoryBytes, workerNumThreads,
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

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncWorkerStart(result string) {
	if regOK.Load() {
		workerStarts.WithLabelValues(result).Inc()
	}
}
func IncWorkerStop() {
	if regOK.Load() {
		workerStops.Inc()
	}
}
func IncWorkerExit() {
	if regOK.Load() {
		workerExits.Inc()
	}
}
func SetWorkerRunning(running bool) {
	if regOK.Load() {
		var v float64
		if running {
			v = 1
		}
		workerRunning.Set(v)
	}
}

func RecordStateTransition(from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(from, to).Inc()
	}
}

func IncStrayFound() {
	if regOK.Load() {
		straysFound.Inc()
	}
}
func IncStrayTerminated() {
	if regOK.Load() {
		straysTerminated.Inc()
	}
}
func IncStraySkipped(reason string) {
	if regOK.Load() {
		straysSkipped.WithLabelValues(reason).Inc()
	}
}

func AddTailBytes(n int) {
	if regOK.Load() && n > 0 {
		tailBytes.Add(float64(n))
	}
}
func IncTailReset(reason string) {
	if regOK.Load() {
		tailResets.WithLabelValues(reason).Inc()
	}
}
func IncTailDecode(encoding string) {
	if regOK.Load() {
		tailDecodes.WithLabelValues(encoding).Inc()
	}
}
func IncTailError(kind string) {
	if regOK.Load() {
		tailErrors.WithLabelValues(kind).Inc()
	}
}
