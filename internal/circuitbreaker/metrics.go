package circuitbreaker

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	circuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "reportflow_circuit_breaker_state",
			Help: "Current state of circuit breaker (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name", "service"},
	)

	circuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reportflow_circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker",
		},
		[]string{"name", "service", "state", "result"},
	)

	circuitBreakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reportflow_circuit_breaker_state_changes_total",
			Help: "Total number of state changes in circuit breaker",
		},
		[]string{"name", "service", "from_state", "to_state"},
	)
)

// MetricsCollector exports breaker state for every registered breaker.
type MetricsCollector struct {
	mutex    sync.RWMutex
	breakers map[string]*CircuitBreaker
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{breakers: make(map[string]*CircuitBreaker)}
}

// Register hooks state changes of cb into the exported gauges.
func (mc *MetricsCollector) Register(service string, cb *CircuitBreaker) {
	mc.mutex.Lock()
	defer mc.mutex.Unlock()

	mc.breakers[service+":"+cb.name] = cb
	name := cb.name

	cb.mutex.Lock()
	original := cb.config.OnStateChange
	cb.config.OnStateChange = func(cbName string, from State, to State) {
		if original != nil {
			original(cbName, from, to)
		}
		circuitBreakerStateChanges.WithLabelValues(name, service, from.String(), to.String()).Inc()
		circuitBreakerState.WithLabelValues(name, service).Set(float64(to))
	}
	cb.mutex.Unlock()
	circuitBreakerState.WithLabelValues(name, service).Set(float64(StateClosed))
}

// RecordRequest records a request attempt
func (mc *MetricsCollector) RecordRequest(name, service string, state State, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	circuitBreakerRequests.WithLabelValues(name, service, state.String(), result).Inc()
}

// Snapshot returns the current state of every registered breaker.
func (mc *MetricsCollector) Snapshot() map[string]State {
	mc.mutex.RLock()
	defer mc.mutex.RUnlock()
	out := make(map[string]State, len(mc.breakers))
	for key, cb := range mc.breakers {
		out[key] = cb.State()
	}
	return out
}

// GlobalMetricsCollector is shared by all breaker-wrapped clients.
var GlobalMetricsCollector = NewMetricsCollector()
