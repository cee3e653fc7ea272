package engine

import (
	"sync"
	"time"

	"github.com/weftwork/weft/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, rejecting calls
	CircuitHalfOpen                     // Testing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures the circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before transitioning to half-open.
	Cooldown time.Duration
	// HalfOpenMax is the number of test requests allowed in half-open state.
	HalfOpenMax int
}

// DefaultCircuitBreakerConfig returns a sensible default configuration.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

// circuitBreaker tracks failure state for one (tenant, node type) pair.
type circuitBreaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenAttempts    int
	config              CircuitBreakerConfig
}

// CircuitBreakerRegistry manages circuit breakers keyed by tenant and node
// type, so a flapping external endpoint in one tenant does not trip another.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*circuitBreaker
	config   CircuitBreakerConfig
}

// NewCircuitBreakerRegistry creates a new registry with the given config.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig) *CircuitBreakerRegistry {
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*circuitBreaker),
		config:   config,
	}
}

func breakerKey(tenantID, nodeType string) string {
	return tenantID + "|" + nodeType
}

// AllowRequest checks whether a dispatch of the given node type is allowed
// for the tenant. Returns nil if allowed, or a CIRCUIT_OPEN error.
func (r *CircuitBreakerRegistry) AllowRequest(tenantID, nodeType string) error {
	cb := r.getOrCreate(breakerKey(tenantID, nodeType))
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return nil

	case CircuitOpen:
		if time.Since(cb.lastFailureTime) >= cb.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.halfOpenAttempts = 1 // this request counts as the first test request
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit breaker open for node type %q: %d consecutive failures, cooldown remaining",
			nodeType, cb.consecutiveFailures).
			WithDetails(map[string]any{
				"tenant_id":            tenantID,
				"node_type":            nodeType,
				"consecutive_failures": cb.consecutiveFailures,
				"state":                cb.state.String(),
				"cooldown_remaining":   (cb.config.Cooldown - time.Since(cb.lastFailureTime)).String(),
			})

	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= cb.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit breaker half-open for node type %q: max test requests reached", nodeType)
		}
		cb.halfOpenAttempts++
		return nil
	}

	return nil
}

// RecordSuccess records a successful execution for the node type.
func (r *CircuitBreakerRegistry) RecordSuccess(tenantID, nodeType string) {
	cb := r.getOrCreate(breakerKey(tenantID, nodeType))
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	cb.halfOpenAttempts = 0
	cb.state = CircuitClosed
}

// RecordFailure records a failed execution for the node type.
// Returns the new circuit state.
func (r *CircuitBreakerRegistry) RecordFailure(tenantID, nodeType string) CircuitState {
	cb := r.getOrCreate(breakerKey(tenantID, nodeType))
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastFailureTime = time.Now()

	if cb.state == CircuitHalfOpen {
		// Any failure in half-open reopens the circuit.
		cb.state = CircuitOpen
		return CircuitOpen
	}

	if cb.consecutiveFailures >= cb.config.FailureThreshold {
		cb.state = CircuitOpen
		return CircuitOpen
	}

	return cb.state
}

// GetState returns the current state of the circuit for a node type.
func (r *CircuitBreakerRegistry) GetState(tenantID, nodeType string) CircuitState {
	cb := r.getOrCreate(breakerKey(tenantID, nodeType))
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && time.Since(cb.lastFailureTime) >= cb.config.Cooldown {
		cb.state = CircuitHalfOpen
		cb.halfOpenAttempts = 0
	}

	return cb.state
}

// GetStats returns diagnostic information about a circuit breaker.
func (r *CircuitBreakerRegistry) GetStats(tenantID, nodeType string) map[string]any {
	cb := r.getOrCreate(breakerKey(tenantID, nodeType))
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return map[string]any{
		"tenant_id":            tenantID,
		"node_type":            nodeType,
		"state":                cb.state.String(),
		"consecutive_failures": cb.consecutiveFailures,
		"failure_threshold":    cb.config.FailureThreshold,
		"cooldown":             cb.config.Cooldown.String(),
	}
}

func (r *CircuitBreakerRegistry) getOrCreate(key string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[key]
	if !ok {
		cb = &circuitBreaker{
			state:  CircuitClosed,
			config: r.config,
		}
		r.breakers[key] = cb
	}
	return cb
}
