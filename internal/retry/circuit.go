package retry

import "time"

// CircuitConfig parametrizes the per-host circuit breaker. The breaker
// state itself lives on each router.Host record directly
// (consecutive_failures, cooldown_until) rather than in a parallel
// structure here — CircuitConfig only carries the threshold/cooldown
// the executor passes into router.Registry.MarkFailure.
type CircuitConfig struct {
	FailureThreshold int           // consecutive failures to open the circuit, default 3
	Cooldown         time.Duration // time the circuit stays open, default 5m
}

// DefaultCircuitConfig returns the documented defaults.
func DefaultCircuitConfig() CircuitConfig {
	return CircuitConfig{
		FailureThreshold: 3,
		Cooldown:         5 * time.Minute,
	}
}
