package nodechannel

import (
	"context"
	"errors"
	"sync"
	"time"

	apperrors "github.com/chiquitav2/wgfleet/internal/shared/errors"
)

// CircuitBreakerState represents the state of a circuit breaker
type CircuitBreakerState string

const (
	StateClosed   CircuitBreakerState = "closed"
	StateOpen     CircuitBreakerState = "open"
	StateHalfOpen CircuitBreakerState = "half_open"
)

// CircuitBreakerConfig configures when a breaker opens and how long it stays open.
type CircuitBreakerConfig struct {
	FailureThreshold int
	ResetTimeout     time.Duration
}

// DefaultCircuitBreakerConfig returns the defaults used by the CLI.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: 2 * time.Minute}
}

// CircuitBreaker stops dialing a host after repeated transport failures.
// Only failures to reach the host count; a command that ran and failed
// proves the host is up.
type CircuitBreaker struct {
	config       CircuitBreakerConfig
	state        CircuitBreakerState
	failureCount int
	lastFailure  time.Time
	nextAttempt  time.Time
	now          func() time.Time
	mutex        sync.Mutex
}

// NewCircuitBreaker creates a new circuit breaker with the given configuration
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultCircuitBreakerConfig().FailureThreshold
	}
	return &CircuitBreaker{
		config: config,
		state:  StateClosed,
		now:    time.Now,
	}
}

// Execute executes a function with circuit breaker protection
func (cb *CircuitBreaker) Execute(ctx context.Context, operation func() error) error {
	if err := cb.allow(); err != nil {
		return err
	}

	err := operation()
	cb.recordResult(ctx, err)
	return err
}

func (cb *CircuitBreaker) allow() error {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if cb.state == StateOpen {
		if cb.now().Before(cb.nextAttempt) {
			return apperrors.ErrCircuitOpen.
				WithMetadata("failure_count", cb.failureCount).
				WithMetadata("next_attempt", cb.nextAttempt)
		}
		cb.state = StateHalfOpen
	}
	return nil
}

func (cb *CircuitBreaker) recordResult(ctx context.Context, err error) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch {
	case err != nil && isTransportFailure(ctx, err):
		cb.failureCount++
		cb.lastFailure = cb.now()
		if cb.state == StateHalfOpen || cb.failureCount >= cb.config.FailureThreshold {
			cb.state = StateOpen
			cb.nextAttempt = cb.now().Add(cb.config.ResetTimeout)
		}
	case errors.Is(err, context.Canceled):
		// Says nothing about the host.
	default:
		cb.state = StateClosed
		cb.failureCount = 0
	}
}

func isTransportFailure(ctx context.Context, err error) bool {
	return errors.Is(err, apperrors.ErrNodeUnreachable) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(ctx.Err(), context.DeadlineExceeded)
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}

// GetStats returns statistics about the circuit breaker
func (cb *CircuitBreaker) GetStats() CircuitBreakerStats {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	return CircuitBreakerStats{
		State:        cb.state,
		FailureCount: cb.failureCount,
		LastFailure:  cb.lastFailure,
		NextAttempt:  cb.nextAttempt,
	}
}

// CircuitBreakerStats represents circuit breaker statistics
type CircuitBreakerStats struct {
	State        CircuitBreakerState `json:"state"`
	FailureCount int                 `json:"failure_count"`
	LastFailure  time.Time           `json:"last_failure"`
	NextAttempt  time.Time           `json:"next_attempt"`
}

// Reset resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.state = StateClosed
	cb.failureCount = 0
	cb.lastFailure = time.Time{}
	cb.nextAttempt = time.Time{}
}

// Breakers keeps one circuit breaker per host.
type Breakers struct {
	config   CircuitBreakerConfig
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewBreakers creates an empty per-host breaker set.
func NewBreakers(config CircuitBreakerConfig) *Breakers {
	return &Breakers{config: config, breakers: make(map[string]*CircuitBreaker)}
}

// For returns the breaker for host, creating it on first use.
func (b *Breakers) For(host string) *CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()

	cb, ok := b.breakers[host]
	if !ok {
		cb = NewCircuitBreaker(b.config)
		b.breakers[host] = cb
	}
	return cb
}

// Stats returns a snapshot of every breaker keyed by host.
func (b *Breakers) Stats() map[string]CircuitBreakerStats {
	b.mu.Lock()
	hosts := make(map[string]*CircuitBreaker, len(b.breakers))
	for h, cb := range b.breakers {
		hosts[h] = cb
	}
	b.mu.Unlock()

	out := make(map[string]CircuitBreakerStats, len(hosts))
	for h, cb := range hosts {
		out[h] = cb.GetStats()
	}
	return out
}
