package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "onair"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	inputTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "input",
			Name:      "state_transitions_total",
			Help:      "Number of feed health state transitions.",
		}, []string{"from", "to"},
	)
	inputState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "input",
			Name:      "state",
			Help:      "Current feed health state (1 = active state, 0 = inactive).",
		}, []string{"state"},
	)
	componentRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "component",
			Name:      "restarts_total",
			Help:      "Number of completed component restarts.",
		}, []string{"component"},
	)
	componentUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "component",
			Name:      "up",
			Help:      "Whether the component's process is running.",
		}, []string{"component"},
	)
	processExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "exits_total",
			Help:      "Number of supervised process exits.",
		}, []string{"component", "process", "kind"},
	)
	bytesForwarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "bytes_total",
			Help:      "Bytes written to the sink input per producer.",
		}, []string{"producer"},
	)
	droppedChunks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "dropped_chunks_total",
			Help:      "Chunks dropped because the producer was not bound.",
		}, []string{"producer"},
	)
	activeProducer = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "active_producer",
			Help:      "Producer currently bound to the sink (1 = bound).",
		}, []string{"producer"},
	)
	fallbackDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fallback",
			Name:      "deliveries_total",
			Help:      "Number of fallback buffer deliveries.",
		}, []string{"mode"},
	)
	fallbackLag = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "fallback",
			Name:      "delivery_lag_seconds",
			Help:      "Lateness of a buffered fallback delivery against its schedule.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1},
		},
	)
	serviceRestarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "restarts_total",
			Help:      "Number of whole-service restarts.",
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
		inputTransitions, inputState, componentRestarts, componentUp, processExits,
		bytesForwarded, droppedChunks, activeProducer, fallbackDeliveries, fallbackLag, serviceRestarts,
	}
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

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves the metrics of a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func RecordInputTransition(from, to string) {
	if regOK.Load() {
		inputTransitions.WithLabelValues(from, to).Inc()
		inputState.WithLabelValues(from).Set(0)
		inputState.WithLabelValues(to).Set(1)
	}
}

func IncRestart(component string) {
	if regOK.Load() {
		componentRestarts.WithLabelValues(component).Inc()
	}
}

func SetComponentUp(component string, up bool) {
	if regOK.Load() {
		componentUp.WithLabelValues(component).Set(b2f(up))
	}
}

func IncProcessExit(component, process string, requested bool) {
	if regOK.Load() {
		kind := "unexpected"
		if requested {
			kind = "requested"
		}
		processExits.WithLabelValues(component, process, kind).Inc()
	}
}

func AddForwardedBytes(producer string, n int) {
	if regOK.Load() {
		bytesForwarded.WithLabelValues(producer).Add(float64(n))
	}
}

func IncDroppedChunks(producer string) {
	if regOK.Load() {
		droppedChunks.WithLabelValues(producer).Inc()
	}
}

func SetActiveProducer(producer string, bound bool) {
	if regOK.Load() {
		activeProducer.WithLabelValues(producer).Set(b2f(bound))
	}
}

func IncFallbackDelivery(mode string) {
	if regOK.Load() {
		fallbackDeliveries.WithLabelValues(mode).Inc()
	}
}

func ObserveFallbackLag(seconds float64) {
	if regOK.Load() {
		fallbackLag.Observe(seconds)
	}
}

func IncServiceRestart() {
	if regOK.Load() {
		serviceRestarts.Inc()
	}
}

func b2f(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
