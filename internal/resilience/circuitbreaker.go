// Package resilience provides the per-segment circuit breaker that suppresses
// automatic fetches after an authorization failure.
package resilience

import (
	"sync"
	"time"

	apperrors "wysetrade-desk/internal/errors"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState string

const (
	CircuitClosed CircuitState = "CLOSED" // Fetches allowed
	CircuitOpen   CircuitState = "OPEN"   // Latched until reset
)

// BreakerConfig holds circuit breaker configuration.
type BreakerConfig struct {
	// TransientThreshold trips the breaker after this many consecutive
	// non-authorization failures. Zero disables it, so only authorization
	// failures latch.
	TransientThreshold int
}

// DefaultBreakerConfig returns the default configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{TransientThreshold: 0}
}

// Breaker is a latch: once open it stays open until Reset. There is no
// half-open probe; the owner decides when to retry.
type Breaker struct {
	name   string
	config BreakerConfig

	mu              sync.RWMutex
	state           CircuitState
	transients      int
	lastTripReason  string
	lastStateChange time.Time

	// Metrics
	totalSuccesses int64
	totalFailures  int64
	totalTrips     int64
	totalRejected  int64
}

// NewBreaker creates a closed breaker.
func NewBreaker(name string, config BreakerConfig) *Breaker {
	return &Breaker{
		name:            name,
		config:          config,
		state:           CircuitClosed,
		lastStateChange: time.Now(),
	}
}

// Allow reports whether a fetch may be issued. A rejected call is counted.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == CircuitOpen {
		b.totalRejected++
		return false
	}
	return true
}

// Record feeds the outcome of a fetch into the breaker and returns the
// resulting state.
func (b *Breaker) Record(err error) CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.totalSuccesses++
		b.transients = 0
		if b.state != CircuitClosed {
			b.transitionTo(CircuitClosed, "")
		}
		return b.state
	}

	b.totalFailures++
	switch apperrors.KindOf(err) {
	case apperrors.KindUnauthorized:
		b.transitionTo(CircuitOpen, "unauthorized")
	default:
		b.transients++
		if b.config.TransientThreshold > 0 && b.transients >= b.config.TransientThreshold {
			b.transitionTo(CircuitOpen, "repeated failures")
		}
	}
	return b.state
}

// Trip opens the breaker regardless of history.
func (b *Breaker) Trip(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != CircuitOpen {
		b.transitionTo(CircuitOpen, reason)
	}
}

// Reset closes the breaker and clears the failure streak.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transients = 0
	if b.state != CircuitClosed {
		b.transitionTo(CircuitClosed, "")
	}
}

func (b *Breaker) transitionTo(state CircuitState, reason string) {
	if state == CircuitOpen {
		b.totalTrips++
		b.lastTripReason = reason
	}
	b.state = state
	b.transients = 0
	b.lastStateChange = time.Now()
}

// IsOpen reports whether the breaker is latched.
func (b *Breaker) IsOpen() bool {
	return b.State() == CircuitOpen
}

// State returns the current circuit state.
func (b *Breaker) State() CircuitState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Name returns the breaker name.
func (b *Breaker) Name() string {
	return b.name
}

// Stats returns breaker statistics.
func (b *Breaker) Stats() BreakerStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return BreakerStats{
		Name:            b.name,
		State:           b.state,
		TotalSuccesses:  b.totalSuccesses,
		TotalFailures:   b.totalFailures,
		TotalTrips:      b.totalTrips,
		TotalRejected:   b.totalRejected,
		CurrentStreak:   b.transients,
		LastTripReason:  b.lastTripReason,
		LastStateChange: b.lastStateChange,
	}
}

// BreakerStats holds breaker statistics.
type BreakerStats struct {
	Name            string       `json:"name"`
	State           CircuitState `json:"state"`
	TotalSuccesses  int64        `json:"total_successes"`
	TotalFailures   int64        `json:"total_failures"`
	TotalTrips      int64        `json:"total_trips"`
	TotalRejected   int64        `json:"total_rejected"`
	CurrentStreak   int          `json:"current_streak"`
	LastTripReason  string       `json:"last_trip_reason,omitempty"`
	LastStateChange time.Time    `json:"last_state_change"`
}

// FailureRate returns the failure rate as a percentage.
func (s BreakerStats) FailureRate() float64 {
	total := s.TotalSuccesses + s.TotalFailures
	if total == 0 {
		return 0
	}
	return float64(s.TotalFailures) / float64(total) * 100
}
