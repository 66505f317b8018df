package engine

import (
	"sync"
	"time"

	"github.com/luthier-ai/maestro/pkg/schema"
)

// BreakerState represents the state of a circuit breaker.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // normal operation
	BreakerOpen                         // failing, rejecting calls
	BreakerHalfOpen                     // testing recovery
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures circuit breaker behavior per invocation target.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before half-open.
	Cooldown time.Duration
	// HalfOpenMax is the number of test requests allowed in half-open state.
	HalfOpenMax int
}

// DefaultBreakerConfig returns the default breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

// breaker tracks failure state for a single invocation target.
type breaker struct {
	mu                  sync.Mutex
	state               BreakerState
	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenAttempts    int
	config              BreakerConfig
}

// BreakerRegistry manages per-target circuit breakers. A target is a
// downstream capability identity: an agent ID, an MCP server/tool pair,
// or an HTTP host.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	config   BreakerConfig
}

// NewBreakerRegistry creates a registry with the given config.
func NewBreakerRegistry(config BreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{
		breakers: make(map[string]*breaker),
		config:   config,
	}
}

// Allow checks whether a request to the target is permitted. An open
// circuit is a CIRCUIT_OPEN error, which the retry controller treats as
// non-retryable.
func (r *BreakerRegistry) Allow(target string) error {
	b := r.getOrCreate(target)
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return nil

	case BreakerOpen:
		if time.Since(b.lastFailureTime) >= b.config.Cooldown {
			b.state = BreakerHalfOpen
			b.halfOpenAttempts = 1 // this request is the first test request
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit open for %q after %d consecutive failures", target, b.consecutiveFailures).
			WithDetails(map[string]any{
				"target":               target,
				"consecutive_failures": b.consecutiveFailures,
				"cooldown_remaining":   (b.config.Cooldown - time.Since(b.lastFailureTime)).String(),
			})

	case BreakerHalfOpen:
		if b.halfOpenAttempts >= b.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit half-open for %q: max test requests reached", target)
		}
		b.halfOpenAttempts++
		return nil
	}

	return nil
}

// RecordSuccess resets the breaker for the target.
func (r *BreakerRegistry) RecordSuccess(target string) {
	b := r.getOrCreate(target)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	b.halfOpenAttempts = 0
	b.state = BreakerClosed
}

// RecordFailure records a failed invocation and returns the new state.
func (r *BreakerRegistry) RecordFailure(target string) BreakerState {
	b := r.getOrCreate(target)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++
	b.lastFailureTime = time.Now()

	if b.state == BreakerHalfOpen {
		// Any failure in half-open reopens the circuit.
		b.state = BreakerOpen
		return BreakerOpen
	}

	if b.consecutiveFailures >= b.config.FailureThreshold {
		b.state = BreakerOpen
		return BreakerOpen
	}

	return b.state
}

// State returns the current state for a target, applying the automatic
// open -> half-open transition when the cooldown has elapsed.
func (r *BreakerRegistry) State(target string) BreakerState {
	b := r.getOrCreate(target)
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen && time.Since(b.lastFailureTime) >= b.config.Cooldown {
		b.state = BreakerHalfOpen
		b.halfOpenAttempts = 0
	}

	return b.state
}

func (r *BreakerRegistry) getOrCreate(target string) *breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[target]
	if !ok {
		b = &breaker{state: BreakerClosed, config: r.config}
		r.breakers[target] = b
	}
	return b
}
