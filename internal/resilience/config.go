package resilience

import (
	"time"

	"github.com/sells-group/linkresolver/internal/config"
)

// FromDispatchConfig builds the per-service retry and circuit breaker
// policies from the dispatch settings. Zero values keep the defaults.
func FromDispatchConfig(cfg config.DispatchConfig) (RetryConfig, CircuitBreakerConfig) {
	retry := DefaultRetryConfig()
	if cfg.RetryAttempts > 0 {
		retry.MaxAttempts = cfg.RetryAttempts
	}
	if cfg.RetryInitialBackoffMs > 0 {
		retry.InitialBackoff = time.Duration(cfg.RetryInitialBackoffMs) * time.Millisecond
	}

	circuit := DefaultCircuitBreakerConfig()
	if cfg.CircuitFailureThreshold > 0 {
		circuit.FailureThreshold = cfg.CircuitFailureThreshold
	}
	if cfg.CircuitResetSecs > 0 {
		circuit.ResetTimeout = time.Duration(cfg.CircuitResetSecs) * time.Second
	}
	// Only failures worth retrying say anything about upstream health.
	circuit.ShouldTrip = IsTransient
	return retry, circuit
}
