// Package metrics exposes the Prometheus collectors shared across the
// coordinator, offload client and ingest server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pitchsync",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state by component (closed=1, half-open=1, open=1; others 0)",
	}, []string{"component", "state"})

	circuitBreakerStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pitchsync",
		Name:      "circuit_breaker_status",
		Help:      "Circuit breaker state as an ordinal (closed=0, open=1, half-open=2).",
	}, []string{"component"})

	circuitBreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pitchsync",
		Name:      "circuit_breaker_trips_total",
		Help:      "Total number of circuit breaker trips (transitions to open state)",
	}, []string{"component", "reason"})
)

var circuitStates = []string{"closed", "half-open", "open"}

// SetCircuitBreakerState records the active circuit breaker state for a component.
func SetCircuitBreakerState(component, state string) {
	for _, s := range circuitStates {
		value := 0.0
		if s == state {
			value = 1.0
		}
		circuitBreakerState.WithLabelValues(component, s).Set(value)
	}
}

// SetCircuitBreakerStatus records the circuit breaker state as a single ordinal gauge.
func SetCircuitBreakerStatus(component string, state int) {
	circuitBreakerStatus.WithLabelValues(component).Set(float64(state))
}

// RecordCircuitBreakerTrip increments the trip counter when a circuit breaker opens.
func RecordCircuitBreakerTrip(component, reason string) {
	circuitBreakerTrips.WithLabelValues(component, reason).Inc()
}
