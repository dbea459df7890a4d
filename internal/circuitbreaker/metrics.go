package circuitbreaker

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chatflow_circuit_breaker_state",
			Help: "Current state of circuit breaker (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name", "service"},
	)

	breakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatflow_circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker",
		},
		[]string{"name", "service", "state", "result"},
	)

	breakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatflow_circuit_breaker_state_changes_total",
			Help: "Total number of state changes in circuit breaker",
		},
		[]string{"name", "service", "from_state", "to_state"},
	)
)

// Guard is a named breaker whose calls and transitions are exported as metrics.
type Guard struct {
	service string
	cb      *CircuitBreaker
}

// NewGuard creates a guard. Guards sharing name and service share series.
func NewGuard(name, service string, settings Settings, logger *zap.Logger) *Guard {
	config := settings.ToConfig()
	config.OnStateChange = func(_ string, from State, to State) {
		breakerStateChanges.WithLabelValues(name, service, from.String(), to.String()).Inc()
		breakerState.WithLabelValues(name, service).Set(float64(to))
	}
	return &Guard{service: service, cb: NewCircuitBreaker(name, config, logger)}
}

// Do runs fn through the breaker and records the outcome.
func (g *Guard) Do(ctx context.Context, fn func() error) error {
	err := g.cb.Execute(ctx, fn)
	result := "success"
	if err != nil {
		result = "failure"
	}
	breakerRequests.WithLabelValues(g.cb.Name(), g.service, g.cb.State().String(), result).Inc()
	return err
}

// State exposes the underlying breaker state.
func (g *Guard) State() State { return g.cb.State() }
