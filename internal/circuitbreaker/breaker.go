package circuitbreaker

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arcflow/apexgate/internal/config"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Failing, reject requests
	StateHalfOpen // Testing recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned by Allow when the breaker is open and rejecting calls.
var ErrOpen = errors.New("circuit breaker is open")

// ErrTooManyRequests is returned by Allow when the breaker is half-open and
// has already admitted its quota of trial requests.
var ErrTooManyRequests = errors.New("circuit breaker is half-open, max requests reached")

// Breaker implements the circuit breaker pattern: CLOSED -> OPEN on
// failureThreshold consecutive failures; OPEN -> HALF_OPEN after
// resetTimeout; HALF_OPEN -> CLOSED after successThreshold consecutive
// successes, or back to OPEN on any failure while half-open.
type Breaker struct {
	mu               sync.Mutex
	state            State
	failureCount     int
	successCount     int
	requestCount     int // admitted calls in the current half-open trial
	failureThreshold int
	successThreshold int
	maxRequests      int // max concurrent trial calls admitted while half-open
	resetTimeout     time.Duration
	perCallTimeout   time.Duration
	lastFailureTime  time.Time
	onStateChange    func(from, to State)

	// Metrics (atomic for lock-free reads)
	totalRequests  atomic.Int64
	totalFailures  atomic.Int64
	totalSuccesses atomic.Int64
	totalRejected  atomic.Int64
}

// NewBreaker creates a circuit breaker from cfg. onStateChange, if non-nil,
// is invoked synchronously (under the breaker's lock) on every transition;
// it must not call back into the breaker.
func NewBreaker(cfg config.CircuitBreakerConfig, onStateChange func(from, to State)) *Breaker {
	failureThreshold := cfg.FailureThreshold
	if failureThreshold <= 0 {
		failureThreshold = 5
	}

	successThreshold := cfg.SuccessThreshold
	if successThreshold <= 0 {
		successThreshold = 2
	}

	resetTimeout := cfg.ResetTimeout
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}

	maxRequests := cfg.MaxRequests
	if maxRequests <= 0 {
		maxRequests = 1
	}

	return &Breaker{
		state:             StateClosed,
		failureThreshold:  failureThreshold,
		successThreshold:  successThreshold,
		maxRequests:       maxRequests,
		resetTimeout:      resetTimeout,
		perCallTimeout:    cfg.PerCallTimeout,
		onStateChange:     onStateChange,
	}
}

// PerCallTimeout returns the configured per-call timeout, or zero if none is
// set. Callers compose it with the route timeout and client cancellation
// (shortest wins) rather than the breaker enforcing it directly.
func (b *Breaker) PerCallTimeout() time.Duration {
	return b.perCallTimeout
}

// Allow reports whether a call may proceed. On admission it returns a done
// func that the caller MUST invoke exactly once with the call's outcome
// (nil for success, non-nil for failure) to record the result and drive
// state transitions. On rejection done is nil and err is ErrOpen or
// ErrTooManyRequests.
func (b *Breaker) Allow() (done func(error), err error) {
	b.mu.Lock()

	b.totalRequests.Add(1)

	switch b.state {
	case StateClosed:
		b.mu.Unlock()
		return b.makeDone(), nil

	case StateOpen:
		if time.Since(b.lastFailureTime) >= b.resetTimeout {
			b.transition(StateHalfOpen)
			b.requestCount = 1
			b.successCount = 0
			b.failureCount = 0
			b.mu.Unlock()
			return b.makeDone(), nil
		}
		b.totalRejected.Add(1)
		b.mu.Unlock()
		return nil, ErrOpen

	case StateHalfOpen:
		if b.requestCount < b.maxRequests {
			b.requestCount++
			b.mu.Unlock()
			return b.makeDone(), nil
		}
		b.totalRejected.Add(1)
		b.mu.Unlock()
		return nil, ErrTooManyRequests
	}

	b.mu.Unlock()
	return nil, ErrOpen
}

// makeDone returns a one-shot callback closing over the breaker.
func (b *Breaker) makeDone() func(error) {
	var fired atomic.Bool
	return func(err error) {
		if !fired.CompareAndSwap(false, true) {
			return
		}
		if err != nil {
			b.recordFailure()
		} else {
			b.recordSuccess()
		}
	}
}

// recordSuccess records a successful call.
func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalSuccesses.Add(1)

	switch b.state {
	case StateClosed:
		b.failureCount = 0

	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.successThreshold {
			b.transition(StateClosed)
			b.failureCount = 0
			b.successCount = 0
			b.requestCount = 0
		} else if b.requestCount > 0 {
			b.requestCount-- // the finished trial frees its slot for the next one
		}
	}
}

// recordFailure records a failed call.
func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalFailures.Add(1)

	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.failureThreshold {
			b.transition(StateOpen)
			b.lastFailureTime = time.Now()
		}

	case StateHalfOpen:
		b.transition(StateOpen)
		b.lastFailureTime = time.Now()
		b.requestCount = 0
		b.successCount = 0
	}
}

// transition moves to newState and fires onStateChange. Caller must hold mu.
func (b *Breaker) transition(newState State) {
	if b.state == newState {
		return
	}
	old := b.state
	b.state = newState
	if b.onStateChange != nil {
		b.onStateChange(old, newState)
	}
}

// Snapshot returns a point-in-time view of the breaker state
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return BreakerSnapshot{
		State:            b.state.String(),
		FailureCount:     b.failureCount,
		SuccessCount:     b.successCount,
		FailureThreshold: b.failureThreshold,
		SuccessThreshold: b.successThreshold,
		MaxRequests:      b.maxRequests,
		TotalRequests:    b.totalRequests.Load(),
		TotalFailures:    b.totalFailures.Load(),
		TotalSuccesses:   b.totalSuccesses.Load(),
		TotalRejected:    b.totalRejected.Load(),
	}
}

// BreakerSnapshot is a point-in-time view of a circuit breaker
type BreakerSnapshot struct {
	State            string `json:"state"`
	FailureCount     int    `json:"failure_count"`
	SuccessCount     int    `json:"success_count"`
	FailureThreshold int    `json:"failure_threshold"`
	SuccessThreshold int    `json:"success_threshold"`
	MaxRequests      int    `json:"max_requests"`
	TotalRequests    int64  `json:"total_requests"`
	TotalFailures    int64  `json:"total_failures"`
	TotalSuccesses   int64  `json:"total_successes"`
	TotalRejected    int64  `json:"total_rejected"`
}

// BreakerByRoute manages circuit breakers per route
type BreakerByRoute struct {
	breakers map[string]*Breaker
	mu       sync.RWMutex
}

// NewBreakerByRoute creates a new route-based circuit breaker manager
func NewBreakerByRoute() *BreakerByRoute {
	return &BreakerByRoute{
		breakers: make(map[string]*Breaker),
	}
}

// AddRoute adds a circuit breaker for a route
func (br *BreakerByRoute) AddRoute(routeID string, cfg config.CircuitBreakerConfig) {
	br.mu.Lock()
	defer br.mu.Unlock()
	br.breakers[routeID] = NewBreaker(cfg, nil)
}

// GetBreaker returns the circuit breaker for a route
func (br *BreakerByRoute) GetBreaker(routeID string) *Breaker {
	br.mu.RLock()
	defer br.mu.RUnlock()
	return br.breakers[routeID]
}

// Snapshots returns snapshots of all circuit breakers
func (br *BreakerByRoute) Snapshots() map[string]BreakerSnapshot {
	br.mu.RLock()
	defer br.mu.RUnlock()

	result := make(map[string]BreakerSnapshot, len(br.breakers))
	for id, b := range br.breakers {
		result[id] = b.Snapshot()
	}
	return result
}
